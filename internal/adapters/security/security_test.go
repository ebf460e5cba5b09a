package security

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
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/viralforge/authcore/internal/adapters/memory"
	"github.com/viralforge/authcore/internal/domain"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var (
	signerOnce sync.Once
	sharedKey  *JWTSigner
)

func newSigner(t *testing.T, clock *testClock) *JWTSigner {
	t.Helper()
	signerOnce.Do(func() {
		s, err := NewEphemeralJWTSigner("test-kid", "authcore-test")
		require.NoError(t, err)
		sharedKey = s
	})
	cp := *sharedKey
	return cp.WithClock(clock.Now)
}

func TestTokenManagerIssueVerifyRefreshRevoke(t *testing.T) {
	t.Parallel()
	clock := &testClock{now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
	revocations := memory.NewRevocationStore(clock.Now)
	tm := NewTokenManager(newSigner(t, clock), revocations, TokenManagerConfig{AccessTTL: 10 * time.Minute, RefreshTTL: time.Hour, NowFn: clock.Now})
	ctx := context.Background()
	user := domain.AuthUser{ID: "u-1", Email: "ada@example.com", Roles: []string{"admin"}}

	token, err := tm.Issue(ctx, user, "s-1")
	require.NoError(t, err)
	require.Equal(t, "Bearer", token.TokenType)
	require.Equal(t, clock.Now().Add(10*time.Minute), token.ExpiresAt)

	claims, err := tm.Verify(ctx, token.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "u-1", claims.UserID)
	require.Equal(t, "s-1", claims.SessionID)
	require.Equal(t, []string{"admin"}, claims.Roles)
	require.Equal(t, "test-kid", claims.KeyID)

	_, err = tm.Verify(ctx, token.RefreshToken)
	require.Equal(t, domain.ErrorTokenInvalid, domain.ErrorTypeOf(err))

	clock.Advance(11 * time.Minute)
	_, err = tm.Verify(ctx, token.AccessToken)
	require.Equal(t, domain.ErrorTokenExpired, domain.ErrorTypeOf(err))

	renewed, claims, err := tm.Refresh(ctx, token.RefreshToken)
	require.NoError(t, err)
	require.Equal(t, "s-1", claims.SessionID)
	_, err = tm.Verify(ctx, renewed.AccessToken)
	require.NoError(t, err)

	require.NoError(t, tm.Revoke(ctx, "s-1"))
	_, err = tm.Verify(ctx, renewed.AccessToken)
	require.Equal(t, domain.ErrorTokenInvalid, domain.ErrorTypeOf(err))
	_, _, err = tm.Refresh(ctx, renewed.RefreshToken)
	require.Equal(t, domain.ErrorTokenInvalid, domain.ErrorTypeOf(err))
}

func TestTokenManagerRejectsGarbage(t *testing.T) {
	t.Parallel()
	clock := &testClock{now: time.Now().UTC()}
	tm := NewTokenManager(newSigner(t, clock), nil, TokenManagerConfig{NowFn: clock.Now})

	_, err := tm.Verify(context.Background(), "")
	require.Equal(t, domain.ErrorTokenInvalid, domain.ErrorTypeOf(err))
	_, err = tm.Verify(context.Background(), "not.a.jwt")
	require.Equal(t, domain.ErrorTokenInvalid, domain.ErrorTypeOf(err))
	err = tm.Revoke(context.Background(), "s-1")
	require.Equal(t, domain.ErrorMethodNotSupported, domain.ErrorTypeOf(err))
}

func TestBcryptHasher(t *testing.T) {
	t.Parallel()
	h := NewBcryptHasher(4)
	hash, err := h.Hash("Correct-Horse-9")
	require.NoError(t, err)
	require.NoError(t, h.Compare(hash, "Correct-Horse-9"))
	require.ErrorIs(t, h.Compare(hash, "wrong"), domain.ErrInvalidCredentials)
	require.False(t, h.NeedsRehash(hash))
	require.True(t, NewBcryptHasher(5).NeedsRehash(hash))
}

func TestPKCEChallengeIsS256OfVerifier(t *testing.T) {
	t.Parallel()
	verifier, challenge, err := NewPKCE()
	require.NoError(t, err)
	require.Len(t, verifier, 43)
	require.NotEqual(t, verifier, challenge)
}

// fakeIDP is a minimal OpenID provider served by httptest.
type fakeIDP struct {
	t        *testing.T
	server   *httptest.Server
	key      *rsa.PrivateKey
	clientID string

	mu           sync.Mutex
	tokenCalls   int
	lastForm     url.Values
	refreshError string
	nonce        string
}

func newFakeIDP(t *testing.T) *fakeIDP {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	idp := &fakeIDP{t: t, key: key, clientID: "client-1"}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"issuer":                 idp.server.URL,
			"authorization_endpoint": idp.server.URL + "/authorize",
			"token_endpoint":         idp.server.URL + "/token",
			"jwks_uri":               idp.server.URL + "/jwks",
		})
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{{
			"kty": "RSA",
			"kid": "idp-key",
			"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
		}}})
	})
	mux.HandleFunc("/token", idp.handleToken)
	idp.server = httptest.NewServer(mux)
	t.Cleanup(idp.server.Close)
	return idp
}

func (p *fakeIDP) handleToken(w http.ResponseWriter, r *http.Request) {
	require.NoError(p.t, r.ParseForm())
	p.mu.Lock()
	p.tokenCalls++
	p.lastForm = r.PostForm
	refreshError := p.refreshError
	nonce := p.nonce
	p.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		if r.PostForm.Get("code") != "good-code" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "idp-access-1",
			"refresh_token": "idp-refresh-1",
			"id_token":      p.idToken("sub-42", nonce),
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	case "refresh_token":
		if refreshError != "" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"` + refreshError + `"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "idp-access-2",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

func (p *fakeIDP) idToken(sub, nonce string) string {
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":            p.server.URL,
		"aud":            p.clientID,
		"sub":            sub,
		"email":          "Ada@Example.com",
		"email_verified": true,
		"name":           "Ada",
		"nonce":          nonce,
		"iat":            now.Unix(),
		"exp":            now.Add(time.Hour).Unix(),
	})
	tok.Header["kid"] = "idp-key"
	raw, err := tok.SignedString(p.key)
	require.NoError(p.t, err)
	return raw
}

func TestOIDCClientCodeExchangeAndRefresh(t *testing.T) {
	t.Parallel()
	idp := newFakeIDP(t)
	idp.nonce = "n-1"
	client, err := NewOIDCClient(OIDCProviderConfig{IssuerURL: idp.server.URL, ClientID: idp.clientID, ClientSecret: "s3cret"}, idp.server.Client(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	verifier, challenge, err := NewPKCE()
	require.NoError(t, err)
	authURL, err := client.AuthorizationURL(ctx, "https://app.example.com/cb", "state-1", "n-1", challenge)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(authURL, idp.server.URL+"/authorize?"))
	require.Contains(t, authURL, "code_challenge_method=S256")

	set, identity, err := client.Exchange(ctx, "good-code", "https://app.example.com/cb", verifier, "n-1")
	require.NoError(t, err)
	require.Equal(t, "idp-access-1", set.AccessToken)
	require.Equal(t, "sub-42", identity.ProviderSub)
	require.Equal(t, "ada@example.com", identity.Email)
	require.True(t, identity.EmailVerified)
	idp.mu.Lock()
	require.Equal(t, verifier, idp.lastForm.Get("code_verifier"))
	require.Equal(t, "s3cret", idp.lastForm.Get("client_secret"))
	idp.mu.Unlock()

	_, _, err = client.Exchange(ctx, "good-code", "https://app.example.com/cb", verifier, "other-nonce")
	require.Equal(t, domain.ErrorTokenInvalid, domain.ErrorTypeOf(err))

	_, _, err = client.Exchange(ctx, "bad-code", "https://app.example.com/cb", verifier, "")
	require.Equal(t, domain.ErrorCredentialsInvalid, domain.ErrorTypeOf(err))
	require.Equal(t, "invalid_grant", domain.AsAuthError(err).Code)

	refreshed, err := client.RefreshGrant(ctx, "idp-refresh-1")
	require.NoError(t, err)
	require.Equal(t, "idp-access-2", refreshed.AccessToken)
	require.Equal(t, "idp-refresh-1", refreshed.RefreshToken)

	idp.mu.Lock()
	idp.refreshError = "invalid_grant"
	idp.mu.Unlock()
	_, err = client.RefreshGrant(ctx, "idp-refresh-1")
	require.Equal(t, domain.ErrorTokenInvalid, domain.ErrorTypeOf(err))
}

func TestOIDCClientUnreachableProviderIsNetworkError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	client, err := NewOIDCClient(OIDCProviderConfig{IssuerURL: addr, ClientID: "c"}, nil, nil)
	require.NoError(t, err)
	err = client.Discover(context.Background())
	require.Equal(t, domain.ErrorNetwork, domain.ErrorTypeOf(err))

	_, err = NewOIDCClient(OIDCProviderConfig{ClientID: "c"}, nil, nil)
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}
