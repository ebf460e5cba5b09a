package ports

import (
	"context"

	"github.com/viralforge/authcore/internal/domain"
)

// Authenticator is one pluggable identity-provider adapter.
// Expected failures are returned as *domain.AuthError values.
type Authenticator interface {
	// Name is the unique registration key of this provider instance.
	Name() string
	Type() domain.ProviderType
	Authenticate(ctx context.Context, credentials domain.AuthCredentials) (domain.AuthSession, error)
	ValidateSession(ctx context.Context, session domain.AuthSession) (bool, error)
	RefreshToken(ctx context.Context, session domain.AuthSession) (domain.AuthSession, error)
	Configure(settings map[string]string) error
	Capabilities() []string
}

// Initializer is implemented by authenticators that need warm-up before serving.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// HealthChecker is implemented by authenticators that can check their upstream.
type HealthChecker interface {
	HealthCheck(ctx context.Context) domain.HealthCheckResult
}

// MetricsReporter exposes per-provider performance counters.
type MetricsReporter interface {
	PerformanceMetrics() domain.PerformanceMetrics
}

// Shutdowner releases provider resources; ctx carries the shutdown deadline.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// UserManager resolves users for a provider.
type UserManager interface {
	GetUser(ctx context.Context, userID string) (domain.AuthUser, error)
	FindByIdentifier(ctx context.Context, identifier string) (domain.AuthUser, error)
}

// TokenManager issues and verifies session tokens.
type TokenManager interface {
	Issue(ctx context.Context, user domain.AuthUser, sessionID string) (domain.AuthToken, error)
	Verify(ctx context.Context, accessToken string) (AuthClaims, error)
	Refresh(ctx context.Context, refreshToken string) (domain.AuthToken, AuthClaims, error)
	Revoke(ctx context.Context, sessionID string) error
}
