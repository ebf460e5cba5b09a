// Package mfa coordinates second-factor method services behind enrollment,
// verification and challenge workflows.
package mfa

import (
	"context"
	"time"

	"github.com/viralforge/authcore/internal/domain"
)

// EnrollParams carries the method specific inputs of an enrollment.
type EnrollParams struct {
	AccountName        string             `json:"account_name,omitempty"`
	PhoneNumber        string             `json:"phone_number,omitempty"`
	EmailAddress       string             `json:"email_address,omitempty"`
	PublicKey          string             `json:"public_key,omitempty"`
	CredentialID       string             `json:"credential_id,omitempty"`
	DeviceInfo         *domain.DeviceInfo `json:"device_info,omitempty"`
	ParentEnrollmentID string             `json:"-"`
}

// EnrollmentResult is what the caller needs to finish enrolling.
// Secret, QRCode and BackupCodes are shown once and never stored in plain form elsewhere.
type EnrollmentResult struct {
	EnrollmentID string                  `json:"enrollment_id"`
	Method       domain.MFAMethod        `json:"method"`
	Status       domain.EnrollmentStatus `json:"status"`
	Secret       string                  `json:"secret,omitempty"`
	QRCode       string                  `json:"qr_code,omitempty"`
	BackupCodes  []string                `json:"backup_codes,omitempty"`
	Destination  string                  `json:"destination,omitempty"`
	Nonce        string                  `json:"nonce,omitempty"`
}

// VerifyPayload is the factor proof presented by the user.
type VerifyPayload struct {
	Code string `json:"code,omitempty"`
	// Signature is a base64 signature over Nonce for public-key methods.
	Signature string `json:"signature,omitempty"`
	Nonce     string `json:"nonce,omitempty"`
}

// SendResult describes an out-of-band delivery.
type SendResult struct {
	Method      domain.MFAMethod `json:"method"`
	Destination string           `json:"destination,omitempty"`
	ExpiresAt   time.Time        `json:"expires_at"`
	Nonce       string           `json:"nonce,omitempty"`
}

// MethodAvailability is one entry of AvailableMethods.
type MethodAvailability struct {
	Method   domain.MFAMethod `json:"method"`
	Enrolled bool             `json:"enrolled"`
	Priority int              `json:"priority"`
}

// MethodService implements one second-factor mechanism.
// Enroll fills the pending enrollment's MethodData; Verify checks a proof and
// records its single-use bookkeeping on the enrollment.
type MethodService interface {
	Method() domain.MFAMethod
	Enroll(ctx context.Context, enrollment *domain.MFAEnrollment, params EnrollParams) (EnrollmentResult, error)
	Verify(ctx context.Context, enrollment *domain.MFAEnrollment, payload VerifyPayload) error
}

// Sender is implemented by methods that deliver a code or nonce before verification.
type Sender interface {
	Send(ctx context.Context, enrollment *domain.MFAEnrollment) (SendResult, error)
}

// Config is the orchestrator policy.
type Config struct {
	ChallengeTTL time.Duration
	MaxAttempts  int
	// Priorities order AvailableMethods ascending; unknown methods sort last.
	Priorities map[domain.MFAMethod]int
}

func DefaultConfig() Config {
	return Config{
		ChallengeTTL: 5 * time.Minute,
		MaxAttempts:  5,
		Priorities: map[domain.MFAMethod]int{
			domain.MFASecurityKey: 1,
			domain.MFABiometric:   2,
			domain.MFATOTP:        3,
			domain.MFASMS:         4,
			domain.MFAEmail:       5,
			domain.MFABackupCodes: 6,
		},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ChallengeTTL <= 0 {
		c.ChallengeTTL = d.ChallengeTTL
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.Priorities == nil {
		c.Priorities = d.Priorities
	}
	return c
}
