package mfa

import (
	"context"
	"strings"
	"time"

	"github.com/viralforge/authcore/internal/domain"
)

// BackupCodeService issues single-use recovery codes.
type BackupCodeService struct {
	count   int
	limiter *limiterSet
}

// NewBackupCodeService returns a service issuing count codes per set. Verification
// attempts are throttled per user to attempts per window.
func NewBackupCodeService(count, attempts int, window time.Duration, nowFn func() time.Time) *BackupCodeService {
	if nowFn == nil {
		nowFn = time.Now
	}
	if count <= 0 {
		count = 10
	}
	if attempts <= 0 {
		attempts = 5
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &BackupCodeService{count: count, limiter: newLimiterSet(attempts, window, nowFn)}
}

func (s *BackupCodeService) Method() domain.MFAMethod { return domain.MFABackupCodes }

// Enroll generates a new code set. A set tied to a parent enrollment stays pending
// until the parent is verified; a standalone set is usable immediately.
func (s *BackupCodeService) Enroll(_ context.Context, enrollment *domain.MFAEnrollment, params EnrollParams) (EnrollmentResult, error) {
	codes := make([]string, 0, s.count)
	hashes := make([]string, 0, s.count)
	for len(codes) < s.count {
		raw, err := randomBase32(5)
		if err != nil {
			return EnrollmentResult{}, domain.WrapAuthError(domain.ErrorServer, "generate backup codes", err)
		}
		code := raw[:4] + "-" + raw[4:]
		codes = append(codes, code)
		hashes = append(hashes, hashSecret(normalizeBackupCode(code)))
	}
	enrollment.MethodData.CodeHashes = hashes
	enrollment.MethodData.UsedCodes = nil
	enrollment.MethodData.ParentEnrollmentID = params.ParentEnrollmentID
	if params.ParentEnrollmentID == "" {
		enrollment.Status = domain.EnrollmentActive
	}
	return EnrollmentResult{BackupCodes: codes}, nil
}

func (s *BackupCodeService) Verify(_ context.Context, enrollment *domain.MFAEnrollment, payload VerifyPayload) error {
	if !s.limiter.allow(enrollment.UserID) {
		return domain.NewAuthError(domain.ErrorRateLimited, "too many backup code attempts")
	}
	hash := hashSecret(normalizeBackupCode(payload.Code))
	for _, used := range enrollment.MethodData.UsedCodes {
		if equalHash(used, hash) {
			return domain.NewAuthError(domain.ErrorCodeAlreadyUsed, "backup code already used")
		}
	}
	for _, candidate := range enrollment.MethodData.CodeHashes {
		if equalHash(candidate, hash) {
			enrollment.MethodData.UsedCodes = append(enrollment.MethodData.UsedCodes, hash)
			return nil
		}
	}
	return domain.NewAuthError(domain.ErrorInvalidCode, "invalid backup code")
}

// Remaining counts codes not yet consumed.
func Remaining(enrollment domain.MFAEnrollment) int {
	return len(enrollment.MethodData.CodeHashes) - len(enrollment.MethodData.UsedCodes)
}

func normalizeBackupCode(code string) string {
	return strings.ToUpper(strings.NewReplacer("-", "", " ", "").Replace(strings.TrimSpace(code)))
}
