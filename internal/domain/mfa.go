package domain

import "time"

// MFAMethod names a second-factor mechanism.
type MFAMethod string

const (
	MFATOTP        MFAMethod = "totp"
	MFASMS         MFAMethod = "sms"
	MFAEmail       MFAMethod = "email"
	MFABackupCodes MFAMethod = "backup-codes"
	MFABiometric   MFAMethod = "biometric"
	MFASecurityKey MFAMethod = "security-key"
)

// EnrollmentStatus is the lifecycle of an MFAEnrollment: pending -> active -> disabled|revoked.
type EnrollmentStatus string

const (
	EnrollmentPending  EnrollmentStatus = "pending"
	EnrollmentActive   EnrollmentStatus = "active"
	EnrollmentDisabled EnrollmentStatus = "disabled"
	EnrollmentRevoked  EnrollmentStatus = "revoked"
)

// DeviceInfo describes the device an enrollment is bound to.
type DeviceInfo struct {
	Name      string `json:"name,omitempty"`
	Platform  string `json:"platform,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// EnrollmentMetadata tracks usage of an enrollment.
type EnrollmentMetadata struct {
	EnrolledAt time.Time  `json:"enrolled_at"`
	UsageCount int        `json:"usage_count"`
	LastUsed   *time.Time `json:"last_used,omitempty"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
}

// MethodData is the method specific secret material of an enrollment.
// Secrets never leave the core in API responses.
type MethodData struct {
	Secret             string     `json:"secret,omitempty"`
	LastUsedStep       int64      `json:"last_used_step,omitempty"`
	PhoneNumber        string     `json:"phone_number,omitempty"`
	EmailAddress       string     `json:"email_address,omitempty"`
	PendingCodeHash    string     `json:"pending_code_hash,omitempty"`
	PendingCodeExpires *time.Time `json:"pending_code_expires,omitempty"`
	CodeHashes         []string   `json:"code_hashes,omitempty"`
	UsedCodes          []string   `json:"used_codes,omitempty"`
	CredentialID       string     `json:"credential_id,omitempty"`
	PublicKey          string     `json:"public_key,omitempty"`
	ParentEnrollmentID string     `json:"parent_enrollment_id,omitempty"`
}

// MFAEnrollment binds a user to one MFA method.
type MFAEnrollment struct {
	ID         string             `json:"id"`
	UserID     string             `json:"user_id"`
	Method     MFAMethod          `json:"method"`
	Status     EnrollmentStatus   `json:"status"`
	DeviceInfo *DeviceInfo        `json:"device_info,omitempty"`
	Metadata   EnrollmentMetadata `json:"metadata"`
	MethodData MethodData         `json:"-"`
}

// ChallengeStatus is the lifecycle of an MFAChallenge.
type ChallengeStatus string

const (
	ChallengePending   ChallengeStatus = "pending"
	ChallengeCompleted ChallengeStatus = "completed"
	ChallengeFailed    ChallengeStatus = "failed"
	ChallengeExpired   ChallengeStatus = "expired"
)

// Terminal reports whether no further verification can change the challenge.
func (s ChallengeStatus) Terminal() bool {
	return s == ChallengeCompleted || s == ChallengeFailed || s == ChallengeExpired
}

// MFAVerification records one successful factor inside a challenge.
type MFAVerification struct {
	Method       MFAMethod `json:"method"`
	EnrollmentID string    `json:"enrollment_id"`
	VerifiedAt   time.Time `json:"verified_at"`
}

// MFAChallenge is a time-bounded request for one or more verifications.
// An empty RequiredMethods means any single available method satisfies it.
// SkippedMethods lists requested methods left out because the user has not
// enrolled them.
type MFAChallenge struct {
	ID                     string            `json:"id"`
	UserID                 string            `json:"user_id"`
	AvailableMethods       []MFAMethod       `json:"available_methods"`
	RequiredMethods        []MFAMethod       `json:"required_methods"`
	SkippedMethods         []MFAMethod       `json:"skipped_methods,omitempty"`
	Status                 ChallengeStatus   `json:"status"`
	CreatedAt              time.Time         `json:"created_at"`
	ExpiresAt              time.Time         `json:"expires_at"`
	CompletedVerifications []MFAVerification `json:"completed_verifications"`
	Attempts               int               `json:"attempts"`
	MaxAttempts            int               `json:"max_attempts"`
}

// Satisfied reports set coverage of RequiredMethods by successful verifications.
func (c MFAChallenge) Satisfied() bool {
	if len(c.RequiredMethods) == 0 {
		return len(c.CompletedVerifications) > 0
	}
	done := make(map[MFAMethod]bool, len(c.CompletedVerifications))
	for _, v := range c.CompletedVerifications {
		done[v.Method] = true
	}
	for _, m := range c.RequiredMethods {
		if !done[m] {
			return false
		}
	}
	return true
}
