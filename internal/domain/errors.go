package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the requested resource does not exist.
	// Keeping this sentinel in domain allows adapters to map it consistently to 404/NOT_FOUND.
	ErrNotFound = errors.New("resource not found")
	// ErrInvalidCredentials hides whether the identifier or the secret failed.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountLocked signals temporary lockout after repeated failed attempts.
	ErrAccountLocked  = errors.New("account locked")
	ErrSessionExpired = errors.New("session expired")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrInvalidInput   = errors.New("invalid input")
	ErrConflict       = errors.New("conflict")
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenInvalid   = errors.New("token invalid")
	ErrRateLimited    = errors.New("rate limited")
	ErrUnsupported    = errors.New("not supported")
)

// AuthErrorType is the stable machine-readable classification carried by every auth failure.
type AuthErrorType string

const (
	ErrorNetwork             AuthErrorType = "NETWORK_ERROR"
	ErrorValidation          AuthErrorType = "VALIDATION_ERROR"
	ErrorTokenExpired        AuthErrorType = "TOKEN_EXPIRED"
	ErrorTokenInvalid        AuthErrorType = "TOKEN_INVALID"
	ErrorCredentialsInvalid  AuthErrorType = "CREDENTIALS_INVALID"
	ErrorAccountLocked       AuthErrorType = "ACCOUNT_LOCKED"
	ErrorRateLimited         AuthErrorType = "RATE_LIMITED"
	ErrorServer              AuthErrorType = "SERVER_ERROR"
	ErrorMethodNotSupported  AuthErrorType = "METHOD_NOT_SUPPORTED"
	ErrorChallengeNotFound   AuthErrorType = "CHALLENGE_NOT_FOUND"
	ErrorNotEnrolled         AuthErrorType = "NOT_ENROLLED"
	ErrorCodeAlreadyUsed     AuthErrorType = "CODE_ALREADY_USED"
	ErrorUnknown             AuthErrorType = "UNKNOWN_ERROR"
	ErrorChallengeExpired    AuthErrorType = "CHALLENGE_EXPIRED"
	ErrorInvalidCode         AuthErrorType = "INVALID_CODE"
	ErrorProviderUnavailable AuthErrorType = "PROVIDER_UNAVAILABLE"
	ErrorCircuitOpen         AuthErrorType = "CIRCUIT_OPEN"
	ErrorSessionExpired      AuthErrorType = "SESSION_EXPIRED"
	ErrorInvalidState        AuthErrorType = "INVALID_STATE"
)

// AuthError is the data form of an expected failure. It is returned, never panicked.
type AuthError struct {
	Type    AuthErrorType `json:"type"`
	Message string        `json:"message"`
	Code    string        `json:"code,omitempty"`
	cause   error
}

func (e *AuthError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *AuthError) Unwrap() error { return e.cause }

// Retryable reports whether automatic retry may recover the failure.
// Authentication-class failures are surfaced for user action instead.
func (e *AuthError) Retryable() bool {
	return e.Type == ErrorNetwork || e.Type == ErrorServer || e.Type == ErrorProviderUnavailable
}

// NewAuthError builds an AuthError without an underlying cause.
func NewAuthError(t AuthErrorType, message string) *AuthError {
	return &AuthError{Type: t, Message: message}
}

// WrapAuthError classifies cause under t while keeping it reachable through errors.Is/As.
func WrapAuthError(t AuthErrorType, message string, cause error) *AuthError {
	return &AuthError{Type: t, Message: message, cause: cause}
}

// WithCode returns a copy of e carrying a provider specific code.
func (e *AuthError) WithCode(code string) *AuthError {
	out := *e
	out.Code = code
	return &out
}

// AsAuthError classifies any error into an AuthError.
func AsAuthError(err error) *AuthError {
	if err == nil {
		return nil
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return WrapAuthError(ErrorNetwork, "operation timed out", err)
	case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrUnauthorized):
		return WrapAuthError(ErrorCredentialsInvalid, "invalid credentials", err)
	case errors.Is(err, ErrAccountLocked):
		return WrapAuthError(ErrorAccountLocked, "account temporarily locked", err)
	case errors.Is(err, ErrTokenExpired):
		return WrapAuthError(ErrorTokenExpired, "token expired", err)
	case errors.Is(err, ErrTokenInvalid):
		return WrapAuthError(ErrorTokenInvalid, "token invalid", err)
	case errors.Is(err, ErrSessionExpired):
		return WrapAuthError(ErrorSessionExpired, "session expired", err)
	case errors.Is(err, ErrRateLimited):
		return WrapAuthError(ErrorRateLimited, "too many requests", err)
	case errors.Is(err, ErrInvalidInput):
		return WrapAuthError(ErrorValidation, "invalid input", err)
	case errors.Is(err, ErrUnsupported):
		return WrapAuthError(ErrorMethodNotSupported, "operation not supported", err)
	default:
		return WrapAuthError(ErrorUnknown, "unexpected error", err)
	}
}

// ErrorTypeOf is shorthand for AsAuthError(err).Type; it returns "" for nil.
func ErrorTypeOf(err error) AuthErrorType {
	if err == nil {
		return ""
	}
	return AsAuthError(err).Type
}
