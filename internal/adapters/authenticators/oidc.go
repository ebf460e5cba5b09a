package authenticators

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/viralforge/authcore/internal/adapters/security"
	"github.com/viralforge/authcore/internal/domain"
	"github.com/viralforge/authcore/internal/ports"
)

const defaultOIDCStateTTL = 10 * time.Minute

// OIDCAuthenticator runs the authorization-code flow with PKCE against one
// OpenID provider. BeginAuthorization parks the verifier and nonce under a
// random state; Authenticate redeems the code for that state exactly once.
type OIDCAuthenticator struct {
	name    string
	kind    domain.ProviderType
	client  *security.OIDCClient
	states  ports.OIDCStateStore
	nowFn   func() time.Time
	metrics *metricsRecorder

	mu           sync.RWMutex
	defaultRoles []string
	stateTTL     time.Duration
}

// AuthorizationRequest is what a client needs to redirect the user to the provider.
type AuthorizationRequest struct {
	URL   string `json:"url"`
	State string `json:"state"`
}

func NewOIDCAuthenticator(name string, kind domain.ProviderType, client *security.OIDCClient, states ports.OIDCStateStore, nowFn func() time.Time) *OIDCAuthenticator {
	if kind != domain.ProviderOAuth {
		kind = domain.ProviderOIDC
	}
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	return &OIDCAuthenticator{
		name:         name,
		kind:         kind,
		client:       client,
		states:       states,
		nowFn:        nowFn,
		metrics:      newMetricsRecorder(nowFn),
		defaultRoles: []string{"member"},
		stateTTL:     defaultOIDCStateTTL,
	}
}

func (a *OIDCAuthenticator) Name() string              { return a.name }
func (a *OIDCAuthenticator) Type() domain.ProviderType { return a.kind }

func (a *OIDCAuthenticator) Capabilities() []string {
	return []string{"authenticate", "refresh", "validate", "pkce", "health"}
}

// Configure accepts default_roles (comma separated) and state_ttl (duration).
func (a *OIDCAuthenticator) Configure(settings map[string]string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if raw, ok := settings["default_roles"]; ok {
		var roles []string
		for _, r := range strings.Split(raw, ",") {
			if r = strings.TrimSpace(r); r != "" {
				roles = append(roles, r)
			}
		}
		a.defaultRoles = roles
	}
	if raw, ok := settings["state_ttl"]; ok {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil || d <= 0 {
			return domain.NewAuthError(domain.ErrorValidation, "state_ttl must be a positive duration")
		}
		a.stateTTL = d
	}
	return nil
}

// BeginAuthorization creates the PKCE pair and nonce and returns the provider URL.
func (a *OIDCAuthenticator) BeginAuthorization(ctx context.Context, redirectURI string) (AuthorizationRequest, error) {
	verifier, challenge, err := security.NewPKCE()
	if err != nil {
		return AuthorizationRequest{}, domain.WrapAuthError(domain.ErrorServer, "generate pkce pair", err)
	}
	state, nonce := uuid.NewString(), uuid.NewString()
	url, err := a.client.AuthorizationURL(ctx, redirectURI, state, nonce, challenge)
	if err != nil {
		return AuthorizationRequest{}, err
	}
	a.mu.RLock()
	ttl := a.stateTTL
	a.mu.RUnlock()
	err = a.states.Put(ctx, state, ports.OIDCAuthState{
		Provider:     a.name,
		RedirectURI:  redirectURI,
		Nonce:        nonce,
		CodeVerifier: verifier,
		CreatedAt:    a.nowFn(),
	}, ttl)
	if err != nil {
		return AuthorizationRequest{}, domain.WrapAuthError(domain.ErrorServer, "store oidc state", err)
	}
	return AuthorizationRequest{URL: url, State: state}, nil
}

// Authenticate expects the "code" and "state" claims from the provider callback.
func (a *OIDCAuthenticator) Authenticate(ctx context.Context, creds domain.AuthCredentials) (session domain.AuthSession, err error) {
	start := a.nowFn()
	defer func() { a.metrics.observe(start, err) }()

	code, _ := creds.Claim("code")
	state, _ := creds.Claim("state")
	if code == "" || state == "" {
		return domain.AuthSession{}, domain.NewAuthError(domain.ErrorValidation, "authorization code and state are required")
	}
	pending, err := a.states.Get(ctx, state)
	if err != nil {
		return domain.AuthSession{}, domain.WrapAuthError(domain.ErrorServer, "load oidc state", err)
	}
	if pending == nil || pending.Provider != a.name {
		return domain.AuthSession{}, domain.NewAuthError(domain.ErrorCredentialsInvalid, "unknown or expired oidc state")
	}
	if err := a.states.Delete(ctx, state); err != nil {
		return domain.AuthSession{}, domain.WrapAuthError(domain.ErrorServer, "consume oidc state", err)
	}

	set, identity, err := a.client.Exchange(ctx, code, pending.RedirectURI, pending.CodeVerifier, pending.Nonce)
	if err != nil {
		return domain.AuthSession{}, err
	}
	a.mu.RLock()
	roles := append([]string(nil), a.defaultRoles...)
	a.mu.RUnlock()

	token := domain.AuthToken{
		AccessToken:  set.AccessToken,
		RefreshToken: set.RefreshToken,
		ExpiresAt:    set.ExpiresAt,
		TokenType:    tokenTypeOrBearer(set.TokenType),
	}
	if token.ExpiresAt.IsZero() {
		token.ExpiresAt = start.Add(time.Hour)
	}
	return domain.AuthSession{
		ID: uuid.NewString(),
		User: domain.AuthUser{
			ID:       a.name + "|" + identity.ProviderSub,
			Email:    identity.Email,
			Username: identity.Name,
			Roles:    roles,
		},
		Token:        token,
		Provider:     a.kind,
		ProviderName: a.name,
		CreatedAt:    start,
		ExpiresAt:    token.ExpiresAt,
		IsActive:     true,
	}, nil
}

// ValidateSession trusts provider access tokens until their expiry; the
// provider is asked again only on refresh.
func (a *OIDCAuthenticator) ValidateSession(_ context.Context, session domain.AuthSession) (bool, error) {
	return session.Token.AccessToken != "" && !session.Token.IsExpired(a.nowFn()), nil
}

func (a *OIDCAuthenticator) RefreshToken(ctx context.Context, session domain.AuthSession) (domain.AuthSession, error) {
	set, err := a.client.RefreshGrant(ctx, session.Token.RefreshToken)
	if err != nil {
		return domain.AuthSession{}, err
	}
	session.Token = domain.AuthToken{
		AccessToken:  set.AccessToken,
		RefreshToken: set.RefreshToken,
		ExpiresAt:    set.ExpiresAt,
		TokenType:    tokenTypeOrBearer(set.TokenType),
	}
	if session.Token.ExpiresAt.IsZero() {
		session.Token.ExpiresAt = a.nowFn().Add(time.Hour)
	}
	session.ExpiresAt = session.Token.ExpiresAt
	return session, nil
}

func (a *OIDCAuthenticator) Initialize(ctx context.Context) error {
	return a.client.Discover(ctx)
}

// HealthCheck fetches the discovery document.
func (a *OIDCAuthenticator) HealthCheck(ctx context.Context) domain.HealthCheckResult {
	start := a.nowFn()
	err := a.client.Discover(ctx)
	res := domain.HealthCheckResult{Healthy: err == nil, Timestamp: a.nowFn(), ResponseTime: a.nowFn().Sub(start)}
	if err != nil {
		res.Message = err.Error()
	}
	return res
}

func (a *OIDCAuthenticator) PerformanceMetrics() domain.PerformanceMetrics {
	return a.metrics.snapshot()
}

func tokenTypeOrBearer(t string) string {
	if t == "" {
		return "Bearer"
	}
	return t
}
