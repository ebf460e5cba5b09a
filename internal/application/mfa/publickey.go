package mfa

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"strings"
	"time"

	"github.com/viralforge/authcore/internal/domain"
)

// PublicKeyService verifies possession of a device-held ed25519 key by a
// signature over a server issued nonce. It backs both security keys and
// platform biometrics, which differ only in where the key lives.
type PublicKeyService struct {
	method   domain.MFAMethod
	nonceTTL time.Duration
	nowFn    func() time.Time
}

func NewSecurityKeyService(nonceTTL time.Duration, nowFn func() time.Time) *PublicKeyService {
	return newPublicKeyService(domain.MFASecurityKey, nonceTTL, nowFn)
}

func NewBiometricService(nonceTTL time.Duration, nowFn func() time.Time) *PublicKeyService {
	return newPublicKeyService(domain.MFABiometric, nonceTTL, nowFn)
}

func newPublicKeyService(method domain.MFAMethod, nonceTTL time.Duration, nowFn func() time.Time) *PublicKeyService {
	if nowFn == nil {
		nowFn = time.Now
	}
	if nonceTTL <= 0 {
		nonceTTL = 5 * time.Minute
	}
	return &PublicKeyService{method: method, nonceTTL: nonceTTL, nowFn: nowFn}
}

func (s *PublicKeyService) Method() domain.MFAMethod { return s.method }

func (s *PublicKeyService) Enroll(_ context.Context, enrollment *domain.MFAEnrollment, params EnrollParams) (EnrollmentResult, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(params.PublicKey))
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return EnrollmentResult{}, domain.NewAuthError(domain.ErrorValidation, "public key must be a base64 ed25519 key")
	}
	if strings.TrimSpace(params.CredentialID) == "" {
		return EnrollmentResult{}, domain.NewAuthError(domain.ErrorValidation, "credential id is required")
	}
	enrollment.MethodData.PublicKey = base64.StdEncoding.EncodeToString(raw)
	enrollment.MethodData.CredentialID = strings.TrimSpace(params.CredentialID)
	nonce, err := s.issueNonce(enrollment)
	if err != nil {
		return EnrollmentResult{}, err
	}
	return EnrollmentResult{Nonce: nonce}, nil
}

// Send issues a fresh nonce for the device to sign.
func (s *PublicKeyService) Send(_ context.Context, enrollment *domain.MFAEnrollment) (SendResult, error) {
	nonce, err := s.issueNonce(enrollment)
	if err != nil {
		return SendResult{}, err
	}
	return SendResult{Method: s.method, Nonce: nonce, ExpiresAt: *enrollment.MethodData.PendingCodeExpires}, nil
}

func (s *PublicKeyService) Verify(_ context.Context, enrollment *domain.MFAEnrollment, payload VerifyPayload) error {
	data := &enrollment.MethodData
	if data.PendingCodeHash == "" || data.PendingCodeExpires == nil || !s.nowFn().Before(*data.PendingCodeExpires) {
		return domain.NewAuthError(domain.ErrorInvalidCode, "no valid nonce outstanding")
	}
	if !equalHash(data.PendingCodeHash, hashSecret(payload.Nonce)) {
		return domain.NewAuthError(domain.ErrorInvalidCode, "nonce mismatch")
	}
	key, err := base64.StdEncoding.DecodeString(data.PublicKey)
	if err != nil || len(key) != ed25519.PublicKeySize {
		return domain.NewAuthError(domain.ErrorNotEnrolled, "stored public key unusable")
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload.Signature))
	if err != nil || !ed25519.Verify(ed25519.PublicKey(key), []byte(payload.Nonce), sig) {
		return domain.NewAuthError(domain.ErrorInvalidCode, "signature verification failed")
	}
	data.PendingCodeHash = ""
	data.PendingCodeExpires = nil
	return nil
}

func (s *PublicKeyService) issueNonce(enrollment *domain.MFAEnrollment) (string, error) {
	nonce, err := randomBase32(20)
	if err != nil {
		return "", domain.WrapAuthError(domain.ErrorServer, "generate nonce", err)
	}
	expires := s.nowFn().Add(s.nonceTTL)
	enrollment.MethodData.PendingCodeHash = hashSecret(nonce)
	enrollment.MethodData.PendingCodeExpires = &expires
	return nonce, nil
}
