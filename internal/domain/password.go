package domain

import (
	"fmt"
	"strings"
	"unicode"
)

// MaxPasswordLength bounds any presented password, including at login.
const MaxPasswordLength = 128

// PasswordPolicy is the strength requirement for newly chosen passwords.
type PasswordPolicy struct {
	MinLength    int
	RequireUpper bool
	RequireLower bool
	RequireDigit bool
	RequireMark  bool
	// Banned substrings are matched case-insensitively.
	Banned []string
}

// DefaultPasswordPolicy is applied to registration and password change.
var DefaultPasswordPolicy = PasswordPolicy{
	MinLength:    12,
	RequireUpper: true,
	RequireLower: true,
	RequireDigit: true,
	RequireMark:  true,
	Banned:       []string{"password", "qwerty", "123456", "letmein"},
}

// Problems lists every requirement password misses, in a stable order.
func (p PasswordPolicy) Problems(password string) []string {
	var out []string
	if n := len(password); n < p.MinLength {
		out = append(out, fmt.Sprintf("at least %d characters", p.MinLength))
	} else if n > MaxPasswordLength {
		out = append(out, fmt.Sprintf("at most %d characters", MaxPasswordLength))
	}

	var upper, lower, digit, mark bool
	for _, r := range password {
		upper = upper || unicode.IsUpper(r)
		lower = lower || unicode.IsLower(r)
		digit = digit || unicode.IsDigit(r)
		mark = mark || unicode.IsPunct(r) || unicode.IsSymbol(r)
	}
	missing := []struct {
		required, present bool
		label             string
	}{
		{p.RequireUpper, upper, "an uppercase letter"},
		{p.RequireLower, lower, "a lowercase letter"},
		{p.RequireDigit, digit, "a digit"},
		{p.RequireMark, mark, "a symbol"},
	}
	for _, m := range missing {
		if m.required && !m.present {
			out = append(out, m.label)
		}
	}

	lowered := strings.ToLower(password)
	for _, banned := range p.Banned {
		if banned != "" && strings.Contains(lowered, strings.ToLower(banned)) {
			out = append(out, "no common pattern such as "+banned)
			break
		}
	}
	return out
}

// Validate wraps Problems into an ErrInvalidInput error.
func (p PasswordPolicy) Validate(password string) error {
	problems := p.Problems(password)
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: password needs %s", ErrInvalidInput, strings.Join(problems, ", "))
}

// ValidatePassword checks password against DefaultPasswordPolicy.
func ValidatePassword(password string) error {
	return DefaultPasswordPolicy.Validate(password)
}
