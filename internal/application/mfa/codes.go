package mfa

import (
	"context"
	"net/mail"
	"strings"
	"time"

	"github.com/viralforge/authcore/internal/domain"
	"github.com/viralforge/authcore/internal/ports"
)

// CodeOptions tunes out-of-band code delivery.
type CodeOptions struct {
	CodeTTL    time.Duration
	SendBurst  int
	SendWindow time.Duration
}

func DefaultCodeOptions() CodeOptions {
	return CodeOptions{CodeTTL: 10 * time.Minute, SendBurst: 3, SendWindow: 15 * time.Minute}
}

// CodeService delivers six digit one-time codes by SMS or email.
// Only the sha256 of the outstanding code is kept on the enrollment.
type CodeService struct {
	method  domain.MFAMethod
	sender  ports.CodeSender
	opts    CodeOptions
	limiter *limiterSet
	nowFn   func() time.Time
}

func NewSMSService(sender ports.CodeSender, opts CodeOptions, nowFn func() time.Time) *CodeService {
	return newCodeService(domain.MFASMS, sender, opts, nowFn)
}

func NewEmailService(sender ports.CodeSender, opts CodeOptions, nowFn func() time.Time) *CodeService {
	return newCodeService(domain.MFAEmail, sender, opts, nowFn)
}

func newCodeService(method domain.MFAMethod, sender ports.CodeSender, opts CodeOptions, nowFn func() time.Time) *CodeService {
	if nowFn == nil {
		nowFn = time.Now
	}
	d := DefaultCodeOptions()
	if opts.CodeTTL <= 0 {
		opts.CodeTTL = d.CodeTTL
	}
	if opts.SendBurst <= 0 {
		opts.SendBurst = d.SendBurst
	}
	if opts.SendWindow <= 0 {
		opts.SendWindow = d.SendWindow
	}
	return &CodeService{
		method:  method,
		sender:  sender,
		opts:    opts,
		limiter: newLimiterSet(opts.SendBurst, opts.SendWindow, nowFn),
		nowFn:   nowFn,
	}
}

func (s *CodeService) Method() domain.MFAMethod { return s.method }

func (s *CodeService) Enroll(_ context.Context, enrollment *domain.MFAEnrollment, params EnrollParams) (EnrollmentResult, error) {
	switch s.method {
	case domain.MFASMS:
		phone, err := normalizePhone(params.PhoneNumber)
		if err != nil {
			return EnrollmentResult{}, err
		}
		enrollment.MethodData.PhoneNumber = phone
		return EnrollmentResult{Destination: maskPhone(phone)}, nil
	default:
		addr, err := mail.ParseAddress(strings.TrimSpace(params.EmailAddress))
		if err != nil {
			return EnrollmentResult{}, domain.WrapAuthError(domain.ErrorValidation, "invalid email address", err)
		}
		email := strings.ToLower(addr.Address)
		enrollment.MethodData.EmailAddress = email
		return EnrollmentResult{Destination: maskEmail(email)}, nil
	}
}

// Send issues a fresh code, replacing any outstanding one.
func (s *CodeService) Send(ctx context.Context, enrollment *domain.MFAEnrollment) (SendResult, error) {
	if !s.limiter.allow(enrollment.UserID) {
		return SendResult{}, domain.NewAuthError(domain.ErrorRateLimited, "too many verification codes requested")
	}
	if s.sender == nil {
		return SendResult{}, domain.NewAuthError(domain.ErrorMethodNotSupported, "no code sender configured for "+string(s.method))
	}
	destination := enrollment.MethodData.PhoneNumber
	masked := maskPhone(destination)
	if s.method == domain.MFAEmail {
		destination = enrollment.MethodData.EmailAddress
		masked = maskEmail(destination)
	}
	code, err := randomDigits(6)
	if err != nil {
		return SendResult{}, domain.WrapAuthError(domain.ErrorServer, "generate code", err)
	}
	if err := s.sender.SendCode(ctx, destination, code); err != nil {
		return SendResult{}, domain.WrapAuthError(domain.ErrorNetwork, "deliver code", err)
	}
	expires := s.nowFn().Add(s.opts.CodeTTL)
	enrollment.MethodData.PendingCodeHash = hashSecret(code)
	enrollment.MethodData.PendingCodeExpires = &expires
	return SendResult{Method: s.method, Destination: masked, ExpiresAt: expires}, nil
}

// Verify consumes the outstanding code on success.
func (s *CodeService) Verify(_ context.Context, enrollment *domain.MFAEnrollment, payload VerifyPayload) error {
	data := &enrollment.MethodData
	if data.PendingCodeHash == "" || data.PendingCodeExpires == nil {
		return domain.NewAuthError(domain.ErrorInvalidCode, "no verification code outstanding")
	}
	if !s.nowFn().Before(*data.PendingCodeExpires) {
		data.PendingCodeHash = ""
		data.PendingCodeExpires = nil
		return domain.NewAuthError(domain.ErrorInvalidCode, "verification code expired")
	}
	if !equalHash(data.PendingCodeHash, hashSecret(strings.TrimSpace(payload.Code))) {
		return domain.NewAuthError(domain.ErrorInvalidCode, "invalid verification code")
	}
	data.PendingCodeHash = ""
	data.PendingCodeExpires = nil
	return nil
}

// normalizePhone accepts E.164 numbers, tolerating spaces and dashes.
func normalizePhone(raw string) (string, error) {
	cleaned := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(strings.TrimSpace(raw))
	digits := strings.TrimPrefix(cleaned, "+")
	if !strings.HasPrefix(cleaned, "+") || len(digits) < 8 || len(digits) > 15 || strings.Trim(digits, "0123456789") != "" {
		return "", domain.NewAuthError(domain.ErrorValidation, "phone number must be in E.164 format")
	}
	return cleaned, nil
}

func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return phone
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}

func maskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return email
	}
	return email[:1] + "***" + email[at:]
}
