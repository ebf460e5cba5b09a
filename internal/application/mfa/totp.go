package mfa

import (
	"context"
	"crypto/subtle"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/viralforge/authcore/internal/domain"
)

const totpPeriod = 30

// TOTPService enrolls and verifies RFC 6238 authenticator apps.
type TOTPService struct {
	issuer string
	skew   int64
	nowFn  func() time.Time
}

func NewTOTPService(issuer string, nowFn func() time.Time) *TOTPService {
	if nowFn == nil {
		nowFn = time.Now
	}
	if issuer == "" {
		issuer = "authcore"
	}
	return &TOTPService{issuer: issuer, skew: 1, nowFn: nowFn}
}

func (s *TOTPService) Method() domain.MFAMethod { return domain.MFATOTP }

func (s *TOTPService) opts() totp.ValidateOpts {
	return totp.ValidateOpts{Period: totpPeriod, Digits: otp.DigitsSix, Algorithm: otp.AlgorithmSHA1}
}

func (s *TOTPService) Enroll(_ context.Context, enrollment *domain.MFAEnrollment, params EnrollParams) (EnrollmentResult, error) {
	account := strings.TrimSpace(params.AccountName)
	if account == "" {
		account = enrollment.UserID
	}
	key, err := totp.Generate(totp.GenerateOpts{Issuer: s.issuer, AccountName: account, Period: totpPeriod})
	if err != nil {
		return EnrollmentResult{}, domain.WrapAuthError(domain.ErrorServer, "generate totp secret", err)
	}
	enrollment.MethodData.Secret = key.Secret()
	return EnrollmentResult{Secret: key.Secret(), QRCode: key.URL()}, nil
}

// Verify accepts a code from the current step or one step either side. A step is
// accepted at most once, so a replayed code fails even inside its window.
func (s *TOTPService) Verify(_ context.Context, enrollment *domain.MFAEnrollment, payload VerifyPayload) error {
	code := strings.TrimSpace(payload.Code)
	if len(code) != 6 || strings.Trim(code, "0123456789") != "" {
		return domain.NewAuthError(domain.ErrorInvalidCode, "totp code must be 6 digits")
	}
	secret := enrollment.MethodData.Secret
	if secret == "" {
		return domain.NewAuthError(domain.ErrorNotEnrolled, "totp secret missing")
	}
	current := s.nowFn().Unix() / totpPeriod
	for offset := -s.skew; offset <= s.skew; offset++ {
		step := current + offset
		expected, err := totp.GenerateCodeCustom(secret, time.Unix(step*totpPeriod, 0).UTC(), s.opts())
		if err != nil {
			return domain.WrapAuthError(domain.ErrorServer, "compute totp code", err)
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) != 1 {
			continue
		}
		if step <= enrollment.MethodData.LastUsedStep {
			return domain.NewAuthError(domain.ErrorCodeAlreadyUsed, "totp code already used")
		}
		enrollment.MethodData.LastUsedStep = step
		return nil
	}
	return domain.NewAuthError(domain.ErrorInvalidCode, "invalid totp code")
}
