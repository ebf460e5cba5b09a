package validation

import (
	"fmt"
	"net/mail"
	"net/netip"
	"strings"
	"time"

	"github.com/viralforge/authcore/internal/domain"
)

const (
	tokenExpiryWarning = 5 * time.Minute
	eventClockSkew     = time.Minute
	riskBlockThreshold = 0.9
	riskWarnThreshold  = 0.7
)

// KnownEventTypes are the security event types accepted by the event rule.
var KnownEventTypes = map[string]struct{}{
	"login_success":     {},
	"login_failure":     {},
	"logout":            {},
	"session_expired":   {},
	"session_extended":  {},
	"token_refreshed":   {},
	"mfa_challenge":     {},
	"mfa_verified":      {},
	"mfa_failed":        {},
	"account_locked":    {},
	"suspicious_access": {},
}

// DefaultRules is the built-in rule set installed by New.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "credentials-required", Kind: KindCredentials, Priority: 100, Enabled: true, Check: forCredentials(checkCredentialsRequired)},
		{Name: "email-format", Kind: KindCredentials, Priority: 90, Enabled: true, Check: forCredentials(checkCredentialEmail)},
		{Name: "password-length", Kind: KindCredentials, Priority: 80, Enabled: true, Check: forCredentials(checkPasswordLength)},
		{Name: "password-strength", Kind: KindCredentials, Priority: 70, Enabled: true, Check: forCredentials(checkPasswordStrength)},

		{Name: "token-present", Kind: KindToken, Priority: 100, Enabled: true, Check: forToken(checkTokenPresent)},
		{Name: "token-expiry", Kind: KindToken, Priority: 90, Enabled: true, Check: forToken(checkTokenExpiry)},
		{Name: "token-type", Kind: KindToken, Priority: 50, Enabled: true, Check: forToken(checkTokenType)},

		{Name: "user-id", Kind: KindUser, Priority: 100, Enabled: true, Check: forUser(checkUserID)},
		{Name: "user-email", Kind: KindUser, Priority: 90, Enabled: true, Check: forUser(checkUserEmail)},
		{Name: "user-roles", Kind: KindUser, Priority: 50, Enabled: true, Check: forUser(checkUserRoles)},

		{Name: "event-type", Kind: KindEvent, Priority: 100, Enabled: true, Check: forEvent(checkEventType)},
		{Name: "event-timestamp", Kind: KindEvent, Priority: 90, Enabled: true, Check: forEvent(checkEventTimestamp)},

		{Name: "context-ip", Kind: KindContext, Priority: 100, Enabled: true, Check: forContext(checkContextIP)},
		{Name: "context-risk", Kind: KindContext, Priority: 90, Enabled: true, Check: forContext(checkContextRisk)},
		{Name: "context-user-agent", Kind: KindContext, Priority: 50, Enabled: true, Check: forContext(checkContextUserAgent)},
	}
}

func typeMismatch(want string, data any) Result {
	return Fail("", domain.ErrorValidation, fmt.Sprintf("expected %s, got %T", want, data))
}

// ForCredentials adapts a typed credentials check to a Rule.Check.
func ForCredentials(fn func(domain.AuthCredentials, Context) Result) func(any, Context) Result {
	return forCredentials(fn)
}

func forCredentials(fn func(domain.AuthCredentials, Context) Result) func(any, Context) Result {
	return func(data any, vctx Context) Result {
		switch c := data.(type) {
		case domain.AuthCredentials:
			return fn(c, vctx)
		case *domain.AuthCredentials:
			if c == nil {
				return Fail("", domain.ErrorValidation, "credentials are required")
			}
			return fn(*c, vctx)
		default:
			return typeMismatch("credentials", data)
		}
	}
}

func forToken(fn func(domain.AuthToken, Context) Result) func(any, Context) Result {
	return func(data any, vctx Context) Result {
		switch t := data.(type) {
		case domain.AuthToken:
			return fn(t, vctx)
		case *domain.AuthToken:
			if t == nil {
				return Fail("", domain.ErrorTokenInvalid, "token is required")
			}
			return fn(*t, vctx)
		default:
			return typeMismatch("token", data)
		}
	}
}

func forUser(fn func(domain.AuthUser, Context) Result) func(any, Context) Result {
	return func(data any, vctx Context) Result {
		switch u := data.(type) {
		case domain.AuthUser:
			return fn(u, vctx)
		case *domain.AuthUser:
			if u == nil {
				return Fail("", domain.ErrorValidation, "user is required")
			}
			return fn(*u, vctx)
		default:
			return typeMismatch("user", data)
		}
	}
}

func forEvent(fn func(SecurityEvent, Context) Result) func(any, Context) Result {
	return func(data any, vctx Context) Result {
		e, ok := data.(SecurityEvent)
		if !ok {
			return typeMismatch("security event", data)
		}
		return fn(e, vctx)
	}
}

func forContext(fn func(SecurityContext, Context) Result) func(any, Context) Result {
	return func(data any, vctx Context) Result {
		sc, ok := data.(SecurityContext)
		if !ok {
			return typeMismatch("security context", data)
		}
		return fn(sc, vctx)
	}
}

func checkCredentialsRequired(c domain.AuthCredentials, vctx Context) Result {
	provider := c.Provider
	if provider == "" {
		provider = vctx.Provider
	}
	switch provider {
	case domain.ProviderJWT, domain.ProviderOAuth:
		if strings.TrimSpace(c.Token) == "" {
			return Fail("token", domain.ErrorValidation, "token is required")
		}
	case domain.ProviderOIDC:
		if strings.TrimSpace(c.Token) == "" {
			if code, _ := c.Claim("code"); strings.TrimSpace(code) == "" {
				return Fail("token", domain.ErrorValidation, "token or authorization code is required")
			}
		}
	default:
		res := Result{}
		if c.Identifier() == "" {
			res.Errors = append(res.Errors, Issue{Field: "username", Type: domain.ErrorValidation, Message: "username or email is required"})
		}
		if c.Password == "" {
			res.Errors = append(res.Errors, Issue{Field: "password", Type: domain.ErrorValidation, Message: "password is required"})
		}
		return res
	}
	return Pass()
}

func checkCredentialEmail(c domain.AuthCredentials, _ Context) Result {
	email := strings.TrimSpace(c.Email)
	if email == "" {
		return Pass()
	}
	if !validEmail(email) {
		return Fail("email", domain.ErrorValidation, "email format is invalid")
	}
	return Pass()
}

func validEmail(email string) bool {
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return false
	}
	// ParseAddress also accepts "Name <addr>" forms.
	return addr.Address == email
}

func checkPasswordLength(c domain.AuthCredentials, _ Context) Result {
	if c.Password == "" {
		return Pass()
	}
	if len(c.Password) > domain.MaxPasswordLength {
		return Fail("password", domain.ErrorValidation, fmt.Sprintf("password must be <= %d characters", domain.MaxPasswordLength))
	}
	return Pass()
}

func checkPasswordStrength(c domain.AuthCredentials, vctx Context) Result {
	if vctx.Purpose != PurposeRegistration || c.Password == "" {
		return Pass()
	}
	if err := domain.ValidatePassword(c.Password); err != nil {
		return Fail("password", domain.ErrorValidation, strings.TrimPrefix(err.Error(), domain.ErrInvalidInput.Error()+": "))
	}
	return Pass()
}

func checkTokenPresent(t domain.AuthToken, _ Context) Result {
	if strings.TrimSpace(t.AccessToken) == "" {
		return Fail("access_token", domain.ErrorTokenInvalid, "access token is required")
	}
	return Pass()
}

func checkTokenExpiry(t domain.AuthToken, vctx Context) Result {
	if t.ExpiresAt.IsZero() {
		return Fail("expires_at", domain.ErrorTokenInvalid, "token expiry is missing")
	}
	if t.IsExpired(vctx.Now) {
		return Fail("expires_at", domain.ErrorTokenExpired, "token has expired")
	}
	if t.ExpiresWithin(vctx.Now, tokenExpiryWarning) {
		return Warn("expires_at", "token expires within 5 minutes")
	}
	return Pass()
}

func checkTokenType(t domain.AuthToken, _ Context) Result {
	if t.TokenType != "" && !strings.EqualFold(t.TokenType, "Bearer") {
		return Warn("token_type", fmt.Sprintf("unexpected token type %q", t.TokenType))
	}
	return Pass()
}

func checkUserID(u domain.AuthUser, _ Context) Result {
	if strings.TrimSpace(u.ID) == "" {
		return Fail("id", domain.ErrorValidation, "user id is required")
	}
	return Pass()
}

func checkUserEmail(u domain.AuthUser, _ Context) Result {
	if strings.TrimSpace(u.Email) == "" {
		return Fail("email", domain.ErrorValidation, "user email is required")
	}
	if !validEmail(strings.TrimSpace(u.Email)) {
		return Fail("email", domain.ErrorValidation, "user email format is invalid")
	}
	return Pass()
}

func checkUserRoles(u domain.AuthUser, _ Context) Result {
	if len(u.Roles) == 0 {
		return Warn("roles", "user has no roles")
	}
	return Pass()
}

func checkEventType(e SecurityEvent, _ Context) Result {
	if strings.TrimSpace(e.Type) == "" {
		return Fail("type", domain.ErrorValidation, "event type is required")
	}
	if _, ok := KnownEventTypes[e.Type]; !ok {
		return Fail("type", domain.ErrorValidation, fmt.Sprintf("unknown event type %q", e.Type))
	}
	return Pass()
}

func checkEventTimestamp(e SecurityEvent, vctx Context) Result {
	if e.OccurredAt.IsZero() {
		return Fail("occurred_at", domain.ErrorValidation, "event timestamp is required")
	}
	if e.OccurredAt.After(vctx.Now.Add(eventClockSkew)) {
		return Fail("occurred_at", domain.ErrorValidation, "event timestamp is in the future")
	}
	return Pass()
}

func checkContextIP(sc SecurityContext, _ Context) Result {
	if strings.TrimSpace(sc.IPAddress) == "" {
		return Warn("ip_address", "ip address is missing")
	}
	if _, err := netip.ParseAddr(strings.TrimSpace(sc.IPAddress)); err != nil {
		return Fail("ip_address", domain.ErrorValidation, "ip address is invalid")
	}
	return Pass()
}

func checkContextRisk(sc SecurityContext, _ Context) Result {
	switch {
	case sc.RiskScore < 0 || sc.RiskScore > 1:
		return Fail("risk_score", domain.ErrorValidation, "risk score must be within [0,1]")
	case sc.RiskScore >= riskBlockThreshold:
		return Fail("risk_score", domain.ErrorValidation, "risk score too high")
	case sc.RiskScore >= riskWarnThreshold:
		return Warn("risk_score", "elevated risk score")
	}
	return Pass()
}

func checkContextUserAgent(sc SecurityContext, _ Context) Result {
	if strings.TrimSpace(sc.UserAgent) == "" {
		return Warn("user_agent", "user agent is missing")
	}
	return Pass()
}
