package ports

import (
	"context"
	"time"

	"github.com/viralforge/authcore/internal/domain"
)

// LockoutState is the current lockout envelope for a login key.
// It is cache-backed to avoid hot writes on every failed login.
type LockoutState struct {
	FailedCount int
	LockedUntil *time.Time
}

// LockoutStore handles short-lived brute-force protection state.
type LockoutStore interface {
	Get(ctx context.Context, key string) (LockoutState, error)
	RecordFailure(ctx context.Context, key string, now time.Time, threshold int, lockoutWindow time.Duration) (LockoutState, error)
	Clear(ctx context.Context, key string) error
}

// UserCredential pairs a user with its stored password hash.
type UserCredential struct {
	User         domain.AuthUser
	PasswordHash string
	Active       bool
}

// UserCredentialStore is the persistence behind the password authenticator.
type UserCredentialStore interface {
	FindByIdentifier(ctx context.Context, identifier string) (UserCredential, error)
	GetByID(ctx context.Context, userID string) (UserCredential, error)
	Save(ctx context.Context, credential UserCredential) error
}

// EnrollmentRepository persists MFA enrollments. Get returns domain.ErrNotFound for unknown ids.
type EnrollmentRepository interface {
	Create(ctx context.Context, enrollment domain.MFAEnrollment) error
	Update(ctx context.Context, enrollment domain.MFAEnrollment) error
	Get(ctx context.Context, enrollmentID string) (domain.MFAEnrollment, error)
	ListByUser(ctx context.Context, userID string) ([]domain.MFAEnrollment, error)
}

// ChallengeStore persists short-lived MFA challenges. Get returns (nil, nil) for unknown ids.
type ChallengeStore interface {
	Put(ctx context.Context, challenge domain.MFAChallenge, ttl time.Duration) error
	Get(ctx context.Context, challengeID string) (*domain.MFAChallenge, error)
	Delete(ctx context.Context, challengeID string) error
}

// SessionRevocationStore remembers revoked sessions until their tokens would have expired anyway.
type SessionRevocationStore interface {
	MarkRevoked(ctx context.Context, sessionID string, until time.Time) error
	IsRevoked(ctx context.Context, sessionID string) (bool, error)
}

// OIDCStateStore holds pending authorization-code flows. Get returns (nil, nil) for unknown states.
type OIDCStateStore interface {
	Put(ctx context.Context, state string, value OIDCAuthState, ttl time.Duration) error
	Get(ctx context.Context, state string) (*OIDCAuthState, error)
	Delete(ctx context.Context, state string) error
}
