package authenticators

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/viralforge/authcore/internal/adapters/memory"
	"github.com/viralforge/authcore/internal/adapters/security"
	"github.com/viralforge/authcore/internal/domain"
	"github.com/viralforge/authcore/internal/ports"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var (
	signerOnce sync.Once
	signer     *security.JWTSigner
	signerErr  error
)

func tokenManager(t *testing.T, c *clock) *security.TokenManager {
	t.Helper()
	signerOnce.Do(func() { signer, signerErr = security.NewEphemeralJWTSigner("kid-1", "authcore") })
	require.NoError(t, signerErr)
	s := *signer
	return security.NewTokenManager(s.WithClock(c.Now), memory.NewRevocationStore(c.Now), security.TokenManagerConfig{
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 24 * time.Hour,
		NowFn:      c.Now,
	})
}

type passwordFixture struct {
	clock  *clock
	users  *memory.UserCredentialStore
	tokens *security.TokenManager
	auth   *PasswordAuthenticator
}

func newPasswordFixture(t *testing.T) passwordFixture {
	t.Helper()
	c := &clock{now: time.Now().UTC().Truncate(time.Second)}
	users := memory.NewUserCredentialStore()
	hasher := security.NewBcryptHasher(4)
	hash, err := hasher.Hash("Tr0ub4dor&3")
	require.NoError(t, err)
	require.NoError(t, users.Save(context.Background(), ports.UserCredential{
		User:         domain.AuthUser{ID: "u-ada", Email: "ada@example.com", Username: "ada", Roles: []string{"admin"}},
		PasswordHash: hash,
		Active:       true,
	}))
	require.NoError(t, users.Save(context.Background(), ports.UserCredential{
		User:         domain.AuthUser{ID: "u-off", Email: "off@example.com"},
		PasswordHash: hash,
		Active:       false,
	}))
	tokens := tokenManager(t, c)
	auth := NewPasswordAuthenticator("primary", PasswordDependencies{
		Users:   users,
		Hasher:  hasher,
		Lockout: memory.NewLockoutStore(),
		Tokens:  tokens,
		NowFn:   c.Now,
	})
	return passwordFixture{clock: c, users: users, tokens: tokens, auth: auth}
}

func TestPasswordAuthenticatorIssuesVerifiableSession(t *testing.T) {
	t.Parallel()
	f := newPasswordFixture(t)
	ctx := context.Background()

	session, err := f.auth.Authenticate(ctx, domain.AuthCredentials{Email: "ADA@example.com", Password: "Tr0ub4dor&3"})
	require.NoError(t, err)
	require.NotEmpty(t, session.ID)
	require.Equal(t, "u-ada", session.User.ID)
	require.Equal(t, domain.ProviderPassword, session.Provider)
	require.Equal(t, "primary", session.ProviderName)
	require.Equal(t, f.clock.Now().Add(15*time.Minute), session.Token.ExpiresAt)

	ok, err := f.auth.ValidateSession(ctx, session)
	require.NoError(t, err)
	require.True(t, ok)

	other := session
	other.ID = "someone-else"
	ok, err = f.auth.ValidateSession(ctx, other)
	require.NoError(t, err)
	require.False(t, ok)

	f.clock.Advance(10 * time.Minute)
	refreshed, err := f.auth.RefreshToken(ctx, session)
	require.NoError(t, err)
	require.Equal(t, session.ID, refreshed.ID)
	require.True(t, refreshed.Token.ExpiresAt.After(session.Token.ExpiresAt))

	require.NoError(t, f.tokens.Revoke(ctx, session.ID))
	ok, err = f.auth.ValidateSession(ctx, refreshed)
	require.NoError(t, err)
	require.False(t, ok)
	_, err = f.auth.RefreshToken(ctx, refreshed)
	require.Equal(t, domain.ErrorTokenInvalid, domain.ErrorTypeOf(err))

	metrics := f.auth.PerformanceMetrics()
	require.EqualValues(t, 1, metrics.TotalAttempts)
	require.EqualValues(t, 1, metrics.SuccessfulAuthentications)
	require.InDelta(t, 1.0, metrics.Statistics.SuccessRate, 1e-9)
}

func TestPasswordAuthenticatorLocksAfterRepeatedFailures(t *testing.T) {
	t.Parallel()
	f := newPasswordFixture(t)
	require.NoError(t, f.auth.Configure(map[string]string{"lockout_threshold": "3", "lockout_window": "10m"}))
	ctx := context.Background()
	wrong := domain.AuthCredentials{Username: "ada", Password: "nope"}

	for i := 0; i < 2; i++ {
		_, err := f.auth.Authenticate(ctx, wrong)
		require.Equal(t, domain.ErrorCredentialsInvalid, domain.ErrorTypeOf(err))
	}
	_, err := f.auth.Authenticate(ctx, wrong)
	require.Equal(t, domain.ErrorAccountLocked, domain.ErrorTypeOf(err))

	_, err = f.auth.Authenticate(ctx, domain.AuthCredentials{Username: "ada", Password: "Tr0ub4dor&3"})
	require.Equal(t, domain.ErrorAccountLocked, domain.ErrorTypeOf(err))

	f.clock.Advance(11 * time.Minute)
	_, err = f.auth.Authenticate(ctx, domain.AuthCredentials{Username: "ada", Password: "Tr0ub4dor&3"})
	require.NoError(t, err)

	metrics := f.auth.PerformanceMetrics()
	require.EqualValues(t, 5, metrics.TotalAttempts)
	require.EqualValues(t, 2, metrics.ErrorsByType[domain.ErrorCredentialsInvalid])
	require.EqualValues(t, 2, metrics.ErrorsByType[domain.ErrorAccountLocked])
}

func TestPasswordAuthenticatorRejectsUnknownAndInactiveUsers(t *testing.T) {
	t.Parallel()
	f := newPasswordFixture(t)
	ctx := context.Background()

	_, err := f.auth.Authenticate(ctx, domain.AuthCredentials{Username: "ghost", Password: "Tr0ub4dor&3"})
	require.Equal(t, domain.ErrorCredentialsInvalid, domain.ErrorTypeOf(err))
	_, err = f.auth.Authenticate(ctx, domain.AuthCredentials{Email: "off@example.com", Password: "Tr0ub4dor&3"})
	require.Equal(t, domain.ErrorCredentialsInvalid, domain.ErrorTypeOf(err))
	_, err = f.auth.Authenticate(ctx, domain.AuthCredentials{Username: "ada"})
	require.Equal(t, domain.ErrorValidation, domain.ErrorTypeOf(err))

	require.Error(t, f.auth.Configure(map[string]string{"lockout_threshold": "zero"}))
	require.Error(t, f.auth.Configure(map[string]string{"lockout_window": "-1s"}))

	um := NewCredentialUserManager(f.users)
	user, err := um.FindByIdentifier(ctx, "ada")
	require.NoError(t, err)
	require.Equal(t, "u-ada", user.ID)
	_, err = um.GetUser(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestJWTAuthenticatorAdoptsIssuedToken(t *testing.T) {
	t.Parallel()
	c := &clock{now: time.Now().UTC().Truncate(time.Second)}
	tokens := tokenManager(t, c)
	auth := NewJWTAuthenticator("bearer", tokens, c.Now)
	ctx := context.Background()

	issued, err := tokens.Issue(ctx, domain.AuthUser{ID: "u-7", Email: "g@example.com", Roles: []string{"viewer"}}, "sess-7")
	require.NoError(t, err)

	creds := domain.AuthCredentials{Provider: domain.ProviderJWT, Token: issued.AccessToken}.WithClaim("refresh_token", issued.RefreshToken)
	session, err := auth.Authenticate(ctx, creds)
	require.NoError(t, err)
	require.Equal(t, "sess-7", session.ID)
	require.Equal(t, "u-7", session.User.ID)
	require.Equal(t, issued.RefreshToken, session.Token.RefreshToken)

	refreshed, err := auth.RefreshToken(ctx, session)
	require.NoError(t, err)
	require.Equal(t, "sess-7", refreshed.ID)

	_, err = auth.Authenticate(ctx, domain.AuthCredentials{Token: "garbage"})
	require.Equal(t, domain.ErrorTokenInvalid, domain.ErrorTypeOf(err))
	_, err = auth.Authenticate(ctx, domain.AuthCredentials{})
	require.Equal(t, domain.ErrorValidation, domain.ErrorTypeOf(err))
}

type idp struct {
	t      *testing.T
	srv    *httptest.Server
	key    *rsa.PrivateKey
	mu     sync.Mutex
	nonces map[string]string
	down   bool
}

func newIDP(t *testing.T) *idp {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	p := &idp{t: t, key: key, nonces: make(map[string]string)}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		down := p.down
		p.mu.Unlock()
		if down {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"issuer":                 p.srv.URL,
			"authorization_endpoint": p.srv.URL + "/authorize",
			"token_endpoint":         p.srv.URL + "/token",
			"jwks_uri":               p.srv.URL + "/jwks",
		})
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{{
			"kty": "RSA", "kid": "k1",
			"n": base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
			"e": base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
		}}})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		w.Header().Set("Content-Type", "application/json")
		if r.PostForm.Get("grant_type") == "refresh_token" {
			_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "at-2", "expires_in": 600})
			return
		}
		p.mu.Lock()
		nonce := p.nonces[r.PostForm.Get("code")]
		p.mu.Unlock()
		if nonce == "" || r.PostForm.Get("code_verifier") == "" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		now := time.Now()
		idToken := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
			"iss": p.srv.URL, "aud": "authcore", "sub": "abc", "email": "ada@example.com",
			"nonce": nonce, "iat": now.Unix(), "exp": now.Add(time.Hour).Unix(),
		})
		idToken.Header["kid"] = "k1"
		raw, err := idToken.SignedString(key)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at-1", "refresh_token": "rt-1", "id_token": raw, "token_type": "Bearer", "expires_in": 600,
		})
	})
	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

// approve plays the user consenting at the provider: it binds code to the nonce in authURL.
func (p *idp) approve(authURL, code string) {
	u, err := url.Parse(authURL)
	require.NoError(p.t, err)
	p.mu.Lock()
	p.nonces[code] = u.Query().Get("nonce")
	p.mu.Unlock()
}

func TestOIDCAuthenticatorAuthorizationCodeFlow(t *testing.T) {
	t.Parallel()
	p := newIDP(t)
	client, err := security.NewOIDCClient(security.OIDCProviderConfig{IssuerURL: p.srv.URL, ClientID: "authcore"}, p.srv.Client(), nil)
	require.NoError(t, err)
	auth := NewOIDCAuthenticator("corp-sso", domain.ProviderOIDC, client, memory.NewOIDCStateStore(nil), nil)
	ctx := context.Background()

	require.NoError(t, auth.Initialize(ctx))
	require.True(t, auth.HealthCheck(ctx).Healthy)

	req, err := auth.BeginAuthorization(ctx, "https://app.example.com/callback")
	require.NoError(t, err)
	require.NotEmpty(t, req.State)
	p.approve(req.URL, "code-1")

	creds := domain.AuthCredentials{Provider: domain.ProviderOIDC}.WithClaim("code", "code-1").WithClaim("state", req.State)
	session, err := auth.Authenticate(ctx, creds)
	require.NoError(t, err)
	require.Equal(t, "corp-sso|abc", session.User.ID)
	require.Equal(t, "ada@example.com", session.User.Email)
	require.Equal(t, []string{"member"}, session.User.Roles)
	require.Equal(t, "at-1", session.Token.AccessToken)

	ok, err := auth.ValidateSession(ctx, session)
	require.NoError(t, err)
	require.True(t, ok)

	refreshed, err := auth.RefreshToken(ctx, session)
	require.NoError(t, err)
	require.Equal(t, "at-2", refreshed.Token.AccessToken)
	require.Equal(t, "rt-1", refreshed.Token.RefreshToken)

	_, err = auth.Authenticate(ctx, creds)
	require.Equal(t, domain.ErrorCredentialsInvalid, domain.ErrorTypeOf(err))

	_, err = auth.Authenticate(ctx, domain.AuthCredentials{}.WithClaim("code", "x"))
	require.Equal(t, domain.ErrorValidation, domain.ErrorTypeOf(err))
}
