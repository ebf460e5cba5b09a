package domain

import (
	"strings"
	"time"
)

// ProviderType identifies the identity protocol an Authenticator speaks.
type ProviderType string

const (
	ProviderOAuth    ProviderType = "oauth"
	ProviderOIDC     ProviderType = "oidc"
	ProviderSAML     ProviderType = "saml"
	ProviderLDAP     ProviderType = "ldap"
	ProviderJWT      ProviderType = "jwt"
	ProviderPassword ProviderType = "password"
)

// AuthCredentials is the identity proof presented by a caller.
// Claims are copied on write so a value can be shared freely once built.
type AuthCredentials struct {
	Provider ProviderType
	Username string
	Email    string
	Password string
	Token    string
	claims   map[string]string
}

// WithClaim returns a copy of c carrying an extra provider specific claim.
func (c AuthCredentials) WithClaim(key, value string) AuthCredentials {
	next := make(map[string]string, len(c.claims)+1)
	for k, v := range c.claims {
		next[k] = v
	}
	next[key] = value
	c.claims = next
	return c
}

// Claim reads a provider specific claim.
func (c AuthCredentials) Claim(key string) (string, bool) {
	v, ok := c.claims[key]
	return v, ok
}

// Claims returns a copy of all provider specific claims.
func (c AuthCredentials) Claims() map[string]string {
	out := make(map[string]string, len(c.claims))
	for k, v := range c.claims {
		out[k] = v
	}
	return out
}

// Identifier is the login handle: username when present, otherwise the normalized email.
func (c AuthCredentials) Identifier() string {
	if u := strings.TrimSpace(c.Username); u != "" {
		return u
	}
	return strings.ToLower(strings.TrimSpace(c.Email))
}

// AuthUser is the authenticated principal.
type AuthUser struct {
	ID          string   `json:"id"`
	Email       string   `json:"email"`
	Username    string   `json:"username,omitempty"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

func (u AuthUser) HasRole(role string) bool {
	for _, r := range u.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

func (u AuthUser) HasPermission(permission string) bool {
	for _, p := range u.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// AuthToken is the bearer material of a session. ExpiresAt is authoritative.
type AuthToken struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	TokenType    string    `json:"token_type"`
}

// IsExpired reports now > ExpiresAt.
func (t AuthToken) IsExpired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// ExpiresWithin reports whether the token expires in less than d from now.
func (t AuthToken) ExpiresWithin(now time.Time, d time.Duration) bool {
	return !t.ExpiresAt.After(now.Add(d))
}

// AuthSession is an established authenticated context.
type AuthSession struct {
	ID           string       `json:"id"`
	User         AuthUser     `json:"user"`
	Token        AuthToken    `json:"token"`
	Provider     ProviderType `json:"provider"`
	ProviderName string       `json:"provider_name"`
	CreatedAt    time.Time    `json:"created_at"`
	ExpiresAt    time.Time    `json:"expires_at"`
	IsActive     bool         `json:"is_active"`
}

// Deactivate returns a copy of s marked inactive.
func (s AuthSession) Deactivate() AuthSession {
	s.IsActive = false
	return s
}
