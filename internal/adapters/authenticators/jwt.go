package authenticators

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/viralforge/authcore/internal/domain"
	"github.com/viralforge/authcore/internal/ports"
)

// JWTAuthenticator adopts a bearer JWT presented by the caller, for example one
// minted by another authcore instance sharing the signing key.
type JWTAuthenticator struct {
	name    string
	tokens  ports.TokenManager
	nowFn   func() time.Time
	metrics *metricsRecorder
}

func NewJWTAuthenticator(name string, tokens ports.TokenManager, nowFn func() time.Time) *JWTAuthenticator {
	if name == "" {
		name = "jwt"
	}
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	return &JWTAuthenticator{name: name, tokens: tokens, nowFn: nowFn, metrics: newMetricsRecorder(nowFn)}
}

func (a *JWTAuthenticator) Name() string              { return a.name }
func (a *JWTAuthenticator) Type() domain.ProviderType { return domain.ProviderJWT }
func (a *JWTAuthenticator) Capabilities() []string {
	return []string{"authenticate", "refresh", "validate"}
}
func (a *JWTAuthenticator) Configure(map[string]string) error { return nil }

// Authenticate verifies creds.Token and builds a session from its claims. The
// optional "refresh_token" claim is carried into the session.
func (a *JWTAuthenticator) Authenticate(ctx context.Context, creds domain.AuthCredentials) (session domain.AuthSession, err error) {
	start := a.nowFn()
	defer func() { a.metrics.observe(start, err) }()

	if creds.Token == "" {
		return domain.AuthSession{}, domain.NewAuthError(domain.ErrorValidation, "bearer token is required")
	}
	claims, err := a.tokens.Verify(ctx, creds.Token)
	if err != nil {
		return domain.AuthSession{}, err
	}
	sessionID := claims.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	refresh, _ := creds.Claim("refresh_token")
	token := domain.AuthToken{
		AccessToken:  creds.Token,
		RefreshToken: refresh,
		ExpiresAt:    claims.ExpiresAt,
		TokenType:    "Bearer",
	}
	return domain.AuthSession{
		ID: sessionID,
		User: domain.AuthUser{
			ID:          claims.UserID,
			Email:       claims.Email,
			Username:    claims.Username,
			Roles:       claims.Roles,
			Permissions: claims.Permissions,
		},
		Token:        token,
		Provider:     domain.ProviderJWT,
		ProviderName: a.name,
		CreatedAt:    start,
		ExpiresAt:    claims.ExpiresAt,
		IsActive:     true,
	}, nil
}

func (a *JWTAuthenticator) ValidateSession(ctx context.Context, session domain.AuthSession) (bool, error) {
	return validateWithTokens(ctx, a.tokens, session)
}

func (a *JWTAuthenticator) RefreshToken(ctx context.Context, session domain.AuthSession) (domain.AuthSession, error) {
	return refreshWithTokens(ctx, a.tokens, session)
}

func (a *JWTAuthenticator) PerformanceMetrics() domain.PerformanceMetrics {
	return a.metrics.snapshot()
}
