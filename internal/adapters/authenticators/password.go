package authenticators

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/viralforge/authcore/internal/domain"
	"github.com/viralforge/authcore/internal/ports"
)

const (
	defaultLockoutThreshold = 5
	defaultLockoutWindow    = 30 * time.Minute
)

// PasswordAuthenticator checks a username/email and password against stored
// bcrypt hashes and issues session JWTs. Repeated failures lock the login key.
type PasswordAuthenticator struct {
	name    string
	users   ports.UserCredentialStore
	hasher  ports.PasswordHasher
	lockout ports.LockoutStore
	tokens  ports.TokenManager
	nowFn   func() time.Time
	metrics *metricsRecorder

	mu        sync.RWMutex
	threshold int
	window    time.Duration
}

type PasswordDependencies struct {
	Users   ports.UserCredentialStore
	Hasher  ports.PasswordHasher
	Lockout ports.LockoutStore
	Tokens  ports.TokenManager
	NowFn   func() time.Time
}

func NewPasswordAuthenticator(name string, deps PasswordDependencies) *PasswordAuthenticator {
	if name == "" {
		name = "password"
	}
	nowFn := deps.NowFn
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	return &PasswordAuthenticator{
		name:      name,
		users:     deps.Users,
		hasher:    deps.Hasher,
		lockout:   deps.Lockout,
		tokens:    deps.Tokens,
		nowFn:     nowFn,
		metrics:   newMetricsRecorder(nowFn),
		threshold: defaultLockoutThreshold,
		window:    defaultLockoutWindow,
	}
}

func (a *PasswordAuthenticator) Name() string              { return a.name }
func (a *PasswordAuthenticator) Type() domain.ProviderType { return domain.ProviderPassword }

func (a *PasswordAuthenticator) Capabilities() []string {
	return []string{"authenticate", "refresh", "validate", "lockout"}
}

// Configure accepts lockout_threshold (int) and lockout_window (duration).
func (a *PasswordAuthenticator) Configure(settings map[string]string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if raw, ok := settings["lockout_threshold"]; ok {
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || n <= 0 {
			return fmt.Errorf("%w: lockout_threshold must be a positive integer", domain.ErrInvalidInput)
		}
		a.threshold = n
	}
	if raw, ok := settings["lockout_window"]; ok {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil || d <= 0 {
			return fmt.Errorf("%w: lockout_window must be a positive duration", domain.ErrInvalidInput)
		}
		a.window = d
	}
	return nil
}

func (a *PasswordAuthenticator) Authenticate(ctx context.Context, creds domain.AuthCredentials) (session domain.AuthSession, err error) {
	start := a.nowFn()
	defer func() { a.metrics.observe(start, err) }()

	identifier := creds.Identifier()
	if identifier == "" || creds.Password == "" {
		return domain.AuthSession{}, domain.NewAuthError(domain.ErrorValidation, "identifier and password are required")
	}
	key := strings.ToLower(identifier)

	state, err := a.lockout.Get(ctx, key)
	if err != nil {
		return domain.AuthSession{}, domain.WrapAuthError(domain.ErrorServer, "read lockout state", err)
	}
	if state.LockedUntil != nil && state.LockedUntil.After(start) {
		return domain.AuthSession{}, domain.WrapAuthError(domain.ErrorAccountLocked, "account temporarily locked", domain.ErrAccountLocked)
	}

	cred, err := a.users.FindByIdentifier(ctx, identifier)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return domain.AuthSession{}, a.recordFailure(ctx, key)
	case err != nil:
		return domain.AuthSession{}, domain.WrapAuthError(domain.ErrorServer, "load user", err)
	}
	if !cred.Active {
		return domain.AuthSession{}, a.recordFailure(ctx, key)
	}
	if err := a.hasher.Compare(cred.PasswordHash, creds.Password); err != nil {
		return domain.AuthSession{}, a.recordFailure(ctx, key)
	}
	if state.FailedCount > 0 {
		if err := a.lockout.Clear(ctx, key); err != nil {
			return domain.AuthSession{}, domain.WrapAuthError(domain.ErrorServer, "clear lockout state", err)
		}
	}

	sessionID := uuid.NewString()
	token, err := a.tokens.Issue(ctx, cred.User, sessionID)
	if err != nil {
		return domain.AuthSession{}, err
	}
	return domain.AuthSession{
		ID:           sessionID,
		User:         cred.User,
		Token:        token,
		Provider:     domain.ProviderPassword,
		ProviderName: a.name,
		CreatedAt:    start,
		ExpiresAt:    token.ExpiresAt,
		IsActive:     true,
	}, nil
}

func (a *PasswordAuthenticator) recordFailure(ctx context.Context, key string) error {
	a.mu.RLock()
	threshold, window := a.threshold, a.window
	a.mu.RUnlock()
	state, err := a.lockout.RecordFailure(ctx, key, a.nowFn(), threshold, window)
	if err != nil {
		return domain.WrapAuthError(domain.ErrorServer, "record failed login", err)
	}
	if state.LockedUntil != nil {
		return domain.WrapAuthError(domain.ErrorAccountLocked, "account temporarily locked", domain.ErrAccountLocked)
	}
	return domain.WrapAuthError(domain.ErrorCredentialsInvalid, "invalid credentials", domain.ErrInvalidCredentials)
}

// ValidateSession reports whether the access token still verifies for this session.
// Rejected tokens are (false, nil); only infrastructure failures return an error.
func (a *PasswordAuthenticator) ValidateSession(ctx context.Context, session domain.AuthSession) (bool, error) {
	return validateWithTokens(ctx, a.tokens, session)
}

func (a *PasswordAuthenticator) RefreshToken(ctx context.Context, session domain.AuthSession) (domain.AuthSession, error) {
	return refreshWithTokens(ctx, a.tokens, session)
}

func (a *PasswordAuthenticator) PerformanceMetrics() domain.PerformanceMetrics {
	return a.metrics.snapshot()
}

func validateWithTokens(ctx context.Context, tokens ports.TokenManager, session domain.AuthSession) (bool, error) {
	claims, err := tokens.Verify(ctx, session.Token.AccessToken)
	if err != nil {
		switch domain.ErrorTypeOf(err) {
		case domain.ErrorTokenInvalid, domain.ErrorTokenExpired:
			return false, nil
		}
		return false, err
	}
	return claims.SessionID == "" || claims.SessionID == session.ID, nil
}

func refreshWithTokens(ctx context.Context, tokens ports.TokenManager, session domain.AuthSession) (domain.AuthSession, error) {
	if session.Token.RefreshToken == "" {
		return domain.AuthSession{}, domain.NewAuthError(domain.ErrorTokenInvalid, "session has no refresh token")
	}
	token, claims, err := tokens.Refresh(ctx, session.Token.RefreshToken)
	if err != nil {
		return domain.AuthSession{}, err
	}
	if claims.SessionID != "" && session.ID != "" && claims.SessionID != session.ID {
		return domain.AuthSession{}, domain.NewAuthError(domain.ErrorTokenInvalid, "refresh token belongs to another session")
	}
	session.Token = token
	session.ExpiresAt = token.ExpiresAt
	return session, nil
}

// CredentialUserManager resolves users from the credential store for the provider manager.
type CredentialUserManager struct {
	users ports.UserCredentialStore
}

func NewCredentialUserManager(users ports.UserCredentialStore) *CredentialUserManager {
	return &CredentialUserManager{users: users}
}

func (m *CredentialUserManager) GetUser(ctx context.Context, userID string) (domain.AuthUser, error) {
	cred, err := m.users.GetByID(ctx, userID)
	if err != nil {
		return domain.AuthUser{}, err
	}
	return cred.User, nil
}

func (m *CredentialUserManager) FindByIdentifier(ctx context.Context, identifier string) (domain.AuthUser, error) {
	cred, err := m.users.FindByIdentifier(ctx, identifier)
	if err != nil {
		return domain.AuthUser{}, err
	}
	return cred.User, nil
}
