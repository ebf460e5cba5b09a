package application

import (
	"time"

	"github.com/viralforge/authcore/internal/application/sessiontimeout"
	"github.com/viralforge/authcore/internal/application/tokenrefresh"
	"github.com/viralforge/authcore/internal/application/validation"
	"github.com/viralforge/authcore/internal/domain"
)

type Config struct {
	// RequireMFA demands a second factor from every user with an active MFA method.
	RequireMFA bool
	// MFARequiredMethods narrows the challenge; empty means any one method.
	MFARequiredMethods []domain.MFAMethod
	// DefaultProvider is used when a login names no provider type.
	DefaultProvider domain.ProviderType
	Timeout         sessiontimeout.Config
	Refresh         tokenrefresh.Options
}

// SessionStatus is the facade's view of a tracked session.
type SessionStatus string

const (
	SessionPendingMFA SessionStatus = "pending_mfa"
	SessionActive     SessionStatus = "active"
	SessionEnded      SessionStatus = "ended"
)

// EndReason records why a session stopped being usable.
type EndReason string

const (
	EndLogout        EndReason = "logout"
	EndTimeout       EndReason = "timeout"
	EndRefreshFailed EndReason = "refresh_failed"
	EndMFAFailed     EndReason = "mfa_failed"
	EndMFAExpired    EndReason = "mfa_expired"
	EndShutdown      EndReason = "shutdown"
)

type LoginRequest struct {
	Credentials domain.AuthCredentials
	// Security is the optional request environment; it is validated when present.
	Security   *validation.SecurityContext
	RequireMFA bool
}

type LoginResponse struct {
	Session     domain.AuthSession   `json:"session"`
	Status      SessionStatus        `json:"status"`
	MFARequired bool                 `json:"mfa_required"`
	Challenge   *domain.MFAChallenge `json:"challenge,omitempty"`
	Warnings    []validation.Warning `json:"warnings,omitempty"`
}

// SessionView is a read-only snapshot of a tracked session.
type SessionView struct {
	Session   domain.AuthSession          `json:"session"`
	Status    SessionStatus               `json:"status"`
	Timeout   *domain.SessionTimeoutState `json:"timeout,omitempty"`
	EndReason EndReason                   `json:"end_reason,omitempty"`
	UpdatedAt time.Time                   `json:"updated_at"`
}
