// Package validation is a pure rule engine for credentials, tokens, users,
// security events and request security context. It never performs I/O; the
// evaluation clock is carried in Context so results are reproducible.
package validation

import (
	"context"
	"time"

	"github.com/viralforge/authcore/internal/domain"
)

// ItemKind selects which rule set applies to a piece of data.
type ItemKind string

const (
	KindCredentials ItemKind = "credentials"
	KindToken       ItemKind = "token"
	KindUser        ItemKind = "user"
	KindEvent       ItemKind = "event"
	KindContext     ItemKind = "context"
)

// Purpose tells rules why validation is happening.
type Purpose string

const (
	PurposeLogin        Purpose = "login"
	PurposeRegistration Purpose = "registration"
	PurposeRefresh      Purpose = "refresh"
)

// Context is the deterministic environment a rule is evaluated in.
type Context struct {
	Now      time.Time
	Purpose  Purpose
	Provider domain.ProviderType
	Metadata map[string]string
}

func (c Context) normalized() Context {
	if c.Now.IsZero() {
		c.Now = time.Now().UTC()
	}
	if c.Purpose == "" {
		c.Purpose = PurposeLogin
	}
	return c
}

// Issue is one validation error.
type Issue struct {
	Rule    string               `json:"rule"`
	Field   string               `json:"field,omitempty"`
	Type    domain.AuthErrorType `json:"type"`
	Message string               `json:"message"`
}

// Warning is a non-blocking finding.
type Warning struct {
	Rule    string `json:"rule"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// Metadata describes how a Result was produced.
type Metadata struct {
	Duration     time.Duration `json:"duration"`
	RulesApplied []string      `json:"rules_applied"`
	Timestamp    time.Time     `json:"timestamp"`
}

// Result is the immutable output of a validation run.
type Result struct {
	IsValid  bool      `json:"is_valid"`
	Errors   []Issue   `json:"errors"`
	Warnings []Warning `json:"warnings"`
	Metadata Metadata  `json:"metadata"`
}

// Pass is the result of a rule that found nothing.
func Pass() Result { return Result{IsValid: true} }

// Fail is the result of a rule that found a single error.
func Fail(field string, t domain.AuthErrorType, message string) Result {
	return Result{Errors: []Issue{{Field: field, Type: t, Message: message}}}
}

// Warn is the result of a rule that passes with a warning.
func Warn(field, message string) Result {
	return Result{IsValid: true, Warnings: []Warning{{Field: field, Message: message}}}
}

// FirstError returns the first error of r as an AuthError, or nil when r is valid.
func (r Result) FirstError() *domain.AuthError {
	if len(r.Errors) == 0 {
		return nil
	}
	return domain.NewAuthError(r.Errors[0].Type, r.Errors[0].Message)
}

// Rule is a synchronous, side-effect-free check. Higher Priority runs first.
type Rule struct {
	Name     string
	Kind     ItemKind
	Priority int
	Enabled  bool
	Check    func(data any, vctx Context) Result
}

// AsyncRule is a check allowed to block (for example a breached-password lookup
// behind a cache); it runs under AsyncValidationOptions.
type AsyncRule struct {
	Name     string
	Kind     ItemKind
	Priority int
	Enabled  bool
	Check    func(ctx context.Context, data any, vctx Context) (Result, error)
}

// GroupMode is the aggregate policy of a RuleGroup.
type GroupMode string

const (
	// GroupAll requires every rule in the group to pass.
	GroupAll GroupMode = "all"
	// GroupAny passes if at least one rule passes.
	GroupAny GroupMode = "any"
	// GroupFirst uses the outcome of the first enabled rule only.
	GroupFirst GroupMode = "first"
)

// RuleGroup is a named composition of rules evaluated under one policy.
type RuleGroup struct {
	Name     string
	Kind     ItemKind
	Mode     GroupMode
	Priority int
	Enabled  bool
	Rules    []Rule
}

// AsyncValidationOptions bounds the execution of async rules.
type AsyncValidationOptions struct {
	// Timeout applies to each async rule attempt. Zero means 5s.
	Timeout time.Duration
	// Parallelism caps concurrently running async rules. Zero means 4.
	Parallelism int
	// FailFast stops scheduling rules after the first invalid outcome.
	FailFast bool
	// Retries is the number of extra attempts when a rule returns an error.
	Retries int
}

// Item is one entry of a heterogeneous batch.
type Item struct {
	Kind ItemKind
	Data any
}

// SecurityEvent is an auditable auth event submitted for validation.
type SecurityEvent struct {
	Type       string    `json:"type"`
	UserID     string    `json:"user_id"`
	SessionID  string    `json:"session_id,omitempty"`
	IPAddress  string    `json:"ip_address,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// SecurityContext is the request environment of an auth attempt.
type SecurityContext struct {
	IPAddress   string  `json:"ip_address"`
	UserAgent   string  `json:"user_agent"`
	DeviceID    string  `json:"device_id,omitempty"`
	RiskScore   float64 `json:"risk_score"`
	MFAVerified bool    `json:"mfa_verified"`
}

// Statistics accumulate across validations until ResetStatistics.
type Statistics struct {
	TotalValidations   int64            `json:"total_validations"`
	ValidResults       int64            `json:"valid_results"`
	InvalidResults     int64            `json:"invalid_results"`
	TotalErrors        int64            `json:"total_errors"`
	TotalWarnings      int64            `json:"total_warnings"`
	RuleExecutions     map[string]int64 `json:"rule_executions"`
	RuleFailures       map[string]int64 `json:"rule_failures"`
	AverageDuration    time.Duration    `json:"average_duration"`
	LastValidationTime time.Time        `json:"last_validation_time"`
}
