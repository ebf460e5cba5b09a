package ports

import (
	"time"
)

type PasswordHasher interface {
	Hash(password string) (string, error)
	Compare(hash, password string) error
}

// TokenUse separates short-lived access tokens from refresh tokens.
type TokenUse string

const (
	TokenUseAccess  TokenUse = "access"
	TokenUseRefresh TokenUse = "refresh"
)

type AuthClaims struct {
	UserID      string    `json:"user_id"`
	Email       string    `json:"email"`
	Username    string    `json:"username,omitempty"`
	Roles       []string  `json:"roles"`
	Permissions []string  `json:"permissions"`
	SessionID   string    `json:"session_id"`
	Use         TokenUse  `json:"use"`
	TokenID     string    `json:"jti"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	KeyID       string    `json:"kid"`
}

type TokenSigner interface {
	Sign(claims AuthClaims) (string, error)
	ParseAndValidate(token string) (AuthClaims, error)
	PublicJWKs() ([]map[string]any, error)
}

// OIDCTokenSet is the provider token material returned by the token endpoint.
type OIDCTokenSet struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	TokenType    string
	ExpiresAt    time.Time
}

type OIDCIdentity struct {
	Provider      string
	ProviderSub   string
	Email         string
	EmailVerified bool
	Name          string
}

// OIDCAuthState is the server side half of an authorization-code flow, keyed by state.
type OIDCAuthState struct {
	Provider     string    `json:"provider"`
	RedirectURI  string    `json:"redirect_uri"`
	Nonce        string    `json:"nonce"`
	CodeVerifier string    `json:"code_verifier"`
	CreatedAt    time.Time `json:"created_at"`
}
