package security

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/viralforge/authcore/internal/domain"
	"github.com/viralforge/authcore/internal/ports"
)

type OIDCProviderConfig struct {
	IssuerURL             string
	DiscoveryURL          string
	AuthorizationEndpoint string
	TokenEndpoint         string
	JWKSURI               string
	ClientID              string
	ClientSecret          string
	Scopes                []string
}

// OIDCClient talks to one OpenID Connect provider: discovery, authorization
// code exchange with PKCE, refresh-token grant and ID token verification.
type OIDCClient struct {
	cfg        OIDCProviderConfig
	httpClient *http.Client
	nowFn      func() time.Time
	cacheTTL   time.Duration

	mu          sync.Mutex
	discovery   *oidcDiscoveryDocument
	keys        map[string]*rsa.PublicKey
	refreshedAt time.Time
}

type oidcDiscoveryDocument struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
}

type oidcTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

type oidcErrorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
}

type jwksDocument struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func NewOIDCClient(cfg OIDCProviderConfig, httpClient *http.Client, nowFn func() time.Time) (*OIDCClient, error) {
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, fmt.Errorf("%w: oidc client_id is required", domain.ErrInvalidInput)
	}
	if strings.TrimSpace(cfg.IssuerURL) == "" && strings.TrimSpace(cfg.DiscoveryURL) == "" {
		return nil, fmt.Errorf("%w: oidc issuer_url or discovery_url is required", domain.ErrInvalidInput)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 8 * time.Second}
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &OIDCClient{cfg: cfg, httpClient: httpClient, nowFn: nowFn, cacheTTL: time.Hour}, nil
}

// NewPKCE returns a random code verifier and its S256 challenge.
func NewPKCE() (verifier, challenge string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	verifier = base64.RawURLEncoding.EncodeToString(buf)
	sum := sha256.Sum256([]byte(verifier))
	return verifier, base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

func (c *OIDCClient) AuthorizationURL(ctx context.Context, redirectURI, state, nonce, codeChallenge string) (string, error) {
	if strings.TrimSpace(redirectURI) == "" || strings.TrimSpace(state) == "" {
		return "", domain.NewAuthError(domain.ErrorValidation, "redirect_uri and state are required")
	}
	if _, err := url.ParseRequestURI(redirectURI); err != nil {
		return "", domain.WrapAuthError(domain.ErrorValidation, "invalid redirect_uri", err)
	}
	doc, err := c.discover(ctx)
	if err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("client_id", c.cfg.ClientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("response_type", "code")
	q.Set("scope", strings.Join(scopesOrDefault(c.cfg.Scopes), " "))
	q.Set("state", state)
	if nonce != "" {
		q.Set("nonce", nonce)
	}
	if codeChallenge != "" {
		q.Set("code_challenge", codeChallenge)
		q.Set("code_challenge_method", "S256")
	}
	return doc.AuthorizationEndpoint + "?" + q.Encode(), nil
}

// Exchange redeems an authorization code and verifies the returned ID token.
func (c *OIDCClient) Exchange(ctx context.Context, code, redirectURI, codeVerifier, nonce string) (ports.OIDCTokenSet, ports.OIDCIdentity, error) {
	if strings.TrimSpace(code) == "" {
		return ports.OIDCTokenSet{}, ports.OIDCIdentity{}, domain.NewAuthError(domain.ErrorValidation, "authorization code is required")
	}
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	if redirectURI != "" {
		form.Set("redirect_uri", redirectURI)
	}
	if codeVerifier != "" {
		form.Set("code_verifier", codeVerifier)
	}
	set, err := c.tokenRequest(ctx, form, domain.ErrorCredentialsInvalid)
	if err != nil {
		return ports.OIDCTokenSet{}, ports.OIDCIdentity{}, err
	}
	if set.IDToken == "" {
		return ports.OIDCTokenSet{}, ports.OIDCIdentity{}, domain.NewAuthError(domain.ErrorTokenInvalid, "id_token missing in token response")
	}
	identity, err := c.VerifyIDToken(ctx, set.IDToken, nonce)
	if err != nil {
		return ports.OIDCTokenSet{}, ports.OIDCIdentity{}, err
	}
	return set, identity, nil
}

// RefreshGrant redeems a refresh token. Providers that do not rotate refresh
// tokens get the old one carried over.
func (c *OIDCClient) RefreshGrant(ctx context.Context, refreshToken string) (ports.OIDCTokenSet, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return ports.OIDCTokenSet{}, domain.NewAuthError(domain.ErrorTokenInvalid, "refresh token is required")
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	set, err := c.tokenRequest(ctx, form, domain.ErrorTokenInvalid)
	if err != nil {
		return ports.OIDCTokenSet{}, err
	}
	if set.RefreshToken == "" {
		set.RefreshToken = refreshToken
	}
	return set, nil
}

func (c *OIDCClient) tokenRequest(ctx context.Context, form url.Values, rejected domain.AuthErrorType) (ports.OIDCTokenSet, error) {
	doc, err := c.discover(ctx)
	if err != nil {
		return ports.OIDCTokenSet{}, err
	}
	form.Set("client_id", c.cfg.ClientID)
	if c.cfg.ClientSecret != "" {
		form.Set("client_secret", c.cfg.ClientSecret)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, doc.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return ports.OIDCTokenSet{}, domain.WrapAuthError(domain.ErrorServer, "build token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ports.OIDCTokenSet{}, domain.WrapAuthError(domain.ErrorNetwork, "token endpoint unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var oerr oidcErrorResponse
		_ = json.Unmarshal(body, &oerr)
		msg := fmt.Sprintf("token endpoint status=%d", resp.StatusCode)
		if oerr.Error != "" {
			msg += " error=" + oerr.Error
		}
		if resp.StatusCode >= 500 {
			return ports.OIDCTokenSet{}, domain.NewAuthError(domain.ErrorServer, msg)
		}
		return ports.OIDCTokenSet{}, domain.NewAuthError(rejected, msg).WithCode(oerr.Error)
	}

	var tr oidcTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return ports.OIDCTokenSet{}, domain.WrapAuthError(domain.ErrorServer, "decode token response", err)
	}
	if tr.AccessToken == "" {
		return ports.OIDCTokenSet{}, domain.NewAuthError(domain.ErrorTokenInvalid, "access_token missing in token response")
	}
	set := ports.OIDCTokenSet{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		IDToken:      tr.IDToken,
		TokenType:    tr.TokenType,
	}
	if tr.ExpiresIn > 0 {
		set.ExpiresAt = c.nowFn().Add(time.Duration(tr.ExpiresIn) * time.Second).UTC()
	}
	return set, nil
}

// Discover refreshes the cached discovery document and signing keys when stale.
func (c *OIDCClient) Discover(ctx context.Context) error {
	_, err := c.discover(ctx)
	return err
}

func (c *OIDCClient) discover(ctx context.Context) (oidcDiscoveryDocument, error) {
	c.mu.Lock()
	if c.discovery != nil && c.nowFn().Sub(c.refreshedAt) < c.cacheTTL {
		doc := *c.discovery
		c.mu.Unlock()
		return doc, nil
	}
	c.mu.Unlock()

	doc, err := c.fetchDiscovery(ctx)
	if err != nil {
		return oidcDiscoveryDocument{}, err
	}
	keys, err := c.fetchJWKS(ctx, doc.JWKSURI)
	if err != nil {
		return oidcDiscoveryDocument{}, err
	}
	c.mu.Lock()
	c.discovery = &doc
	c.keys = keys
	c.refreshedAt = c.nowFn()
	c.mu.Unlock()
	return doc, nil
}

func (c *OIDCClient) getJSON(ctx context.Context, target string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return domain.WrapAuthError(domain.ErrorServer, "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.WrapAuthError(domain.ErrorNetwork, "provider unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return domain.NewAuthError(domain.ErrorProviderUnavailable,
			fmt.Sprintf("GET %s: status=%d body=%s", target, resp.StatusCode, strings.TrimSpace(string(body))))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.WrapAuthError(domain.ErrorServer, "decode "+target, err)
	}
	return nil
}

func (c *OIDCClient) fetchDiscovery(ctx context.Context) (oidcDiscoveryDocument, error) {
	discoveryURL := strings.TrimSpace(c.cfg.DiscoveryURL)
	if discoveryURL == "" {
		discoveryURL = strings.TrimRight(strings.TrimSpace(c.cfg.IssuerURL), "/") + "/.well-known/openid-configuration"
	}
	var doc oidcDiscoveryDocument
	if err := c.getJSON(ctx, discoveryURL, &doc); err != nil {
		return oidcDiscoveryDocument{}, err
	}
	issuer := strings.TrimSpace(c.cfg.IssuerURL)
	if doc.Issuer == "" {
		doc.Issuer = issuer
	}
	if issuer != "" && doc.Issuer != issuer {
		return oidcDiscoveryDocument{}, domain.NewAuthError(domain.ErrorProviderUnavailable,
			fmt.Sprintf("issuer mismatch: got %s expected %s", doc.Issuer, issuer))
	}
	if doc.AuthorizationEndpoint == "" {
		doc.AuthorizationEndpoint = c.cfg.AuthorizationEndpoint
	}
	if doc.TokenEndpoint == "" {
		doc.TokenEndpoint = c.cfg.TokenEndpoint
	}
	if doc.JWKSURI == "" {
		doc.JWKSURI = c.cfg.JWKSURI
	}
	if doc.AuthorizationEndpoint == "" || doc.TokenEndpoint == "" || doc.JWKSURI == "" {
		return oidcDiscoveryDocument{}, domain.NewAuthError(domain.ErrorProviderUnavailable, "discovery document missing required endpoints")
	}
	return doc, nil
}

func (c *OIDCClient) fetchJWKS(ctx context.Context, jwksURI string) (map[string]*rsa.PublicKey, error) {
	var doc jwksDocument
	if err := c.getJSON(ctx, jwksURI, &doc); err != nil {
		return nil, err
	}
	keys := make(map[string]*rsa.PublicKey)
	for i, key := range doc.Keys {
		if !strings.EqualFold(strings.TrimSpace(key.Kty), "RSA") {
			continue
		}
		nBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(key.N))
		if err != nil {
			return nil, domain.WrapAuthError(domain.ErrorProviderUnavailable, "decode jwks modulus", err)
		}
		eBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(key.E))
		if err != nil {
			return nil, domain.WrapAuthError(domain.ErrorProviderUnavailable, "decode jwks exponent", err)
		}
		e := new(big.Int).SetBytes(eBytes)
		if !e.IsInt64() || e.Int64() <= 1 {
			return nil, domain.NewAuthError(domain.ErrorProviderUnavailable, "invalid jwks exponent for key "+key.Kid)
		}
		kid := strings.TrimSpace(key.Kid)
		if kid == "" {
			kid = fmt.Sprintf("key-%d", i)
		}
		keys[kid] = &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: int(e.Int64())}
	}
	if len(keys) == 0 {
		return nil, domain.NewAuthError(domain.ErrorProviderUnavailable, "no RSA keys found in jwks")
	}
	return keys, nil
}

// VerifyIDToken checks an ID token's signature against the provider keys plus
// its issuer, audience and nonce.
func (c *OIDCClient) VerifyIDToken(ctx context.Context, raw, expectedNonce string) (ports.OIDCIdentity, error) {
	doc, err := c.discover(ctx)
	if err != nil {
		return ports.OIDCIdentity{}, err
	}
	c.mu.Lock()
	keySet := c.keys
	c.mu.Unlock()

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid != "" {
			key, ok := keySet[kid]
			if !ok {
				return nil, fmt.Errorf("unknown key id: %s", kid)
			}
			return key, nil
		}
		if len(keySet) == 1 {
			for _, key := range keySet {
				return key, nil
			}
		}
		return nil, fmt.Errorf("missing key id")
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(c.cfg.ClientID),
		jwt.WithIssuer(doc.Issuer),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(signerLeeway),
		jwt.WithTimeFunc(c.nowFn),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ports.OIDCIdentity{}, domain.WrapAuthError(domain.ErrorTokenExpired, "id_token expired", err)
		}
		return ports.OIDCIdentity{}, domain.WrapAuthError(domain.ErrorTokenInvalid, "validate id_token", err)
	}
	if !parsed.Valid {
		return ports.OIDCIdentity{}, domain.NewAuthError(domain.ErrorTokenInvalid, "invalid id_token")
	}
	subject := stringClaim(claims, "sub")
	if subject == "" {
		return ports.OIDCIdentity{}, domain.NewAuthError(domain.ErrorTokenInvalid, "id_token missing sub")
	}
	if expectedNonce != "" && stringClaim(claims, "nonce") != expectedNonce {
		return ports.OIDCIdentity{}, domain.NewAuthError(domain.ErrorTokenInvalid, "nonce mismatch")
	}
	return ports.OIDCIdentity{
		ProviderSub:   subject,
		Email:         strings.ToLower(strings.TrimSpace(stringClaim(claims, "email"))),
		EmailVerified: boolClaim(claims["email_verified"]),
		Name:          strings.TrimSpace(stringClaim(claims, "name")),
	}, nil
}

func stringClaim(claims jwt.MapClaims, key string) string {
	s, _ := claims[key].(string)
	return strings.TrimSpace(s)
}

func boolClaim(raw any) bool {
	switch v := raw.(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes":
			return true
		}
	}
	return false
}

func scopesOrDefault(scopes []string) []string {
	out := make([]string, 0, len(scopes))
	for _, scope := range scopes {
		if trimmed := strings.TrimSpace(scope); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return []string{"openid", "email", "profile"}
	}
	return out
}
