package validation

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/viralforge/authcore/internal/domain"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func ctxAt(purpose Purpose) Context {
	return Context{Now: fixedNow, Purpose: purpose}
}

func TestValidateCredentialsLogin(t *testing.T) {
	t.Parallel()
	v := New()

	res := v.ValidateCredentials(domain.AuthCredentials{
		Provider: domain.ProviderPassword,
		Email:    "user@example.com",
		Password: "short",
	}, ctxAt(PurposeLogin))

	require.True(t, res.IsValid)
	require.Empty(t, res.Errors)
	require.Equal(t, []string{"credentials-required", "email-format", "password-length", "password-strength"}, res.Metadata.RulesApplied)
	require.Equal(t, fixedNow, res.Metadata.Timestamp)
}

func TestValidateCredentialsRegistrationEnforcesStrength(t *testing.T) {
	t.Parallel()
	v := New()

	res := v.ValidateCredentials(domain.AuthCredentials{
		Provider: domain.ProviderPassword,
		Email:    "user@example.com",
		Password: "short",
	}, ctxAt(PurposeRegistration))

	require.False(t, res.IsValid)
	require.Len(t, res.Errors, 1)
	require.Equal(t, "password-strength", res.Errors[0].Rule)
	require.Equal(t, domain.ErrorValidation, res.FirstError().Type)
}

func TestValidateCredentialsMissingFields(t *testing.T) {
	t.Parallel()
	v := New()

	res := v.ValidateCredentials(domain.AuthCredentials{Provider: domain.ProviderPassword, Email: "not-an-email"}, ctxAt(PurposeLogin))

	require.False(t, res.IsValid)
	fields := map[string]bool{}
	for _, issue := range res.Errors {
		fields[issue.Field] = true
	}
	require.True(t, fields["password"])
	require.True(t, fields["email"])
}

func TestValidateCredentialsTokenProviders(t *testing.T) {
	t.Parallel()
	v := New()

	res := v.ValidateCredentials(domain.AuthCredentials{Provider: domain.ProviderJWT}, ctxAt(PurposeLogin))
	require.False(t, res.IsValid)
	require.Equal(t, "token", res.Errors[0].Field)

	oidc := domain.AuthCredentials{Provider: domain.ProviderOIDC}.WithClaim("code", "abc")
	require.True(t, v.ValidateCredentials(oidc, ctxAt(PurposeLogin)).IsValid)
}

func TestValidateToken(t *testing.T) {
	t.Parallel()
	v := New()

	cases := []struct {
		name     string
		token    domain.AuthToken
		valid    bool
		errType  domain.AuthErrorType
		warnings int
	}{
		{name: "fresh", token: domain.AuthToken{AccessToken: "a", TokenType: "Bearer", ExpiresAt: fixedNow.Add(time.Hour)}, valid: true},
		{name: "expiring soon", token: domain.AuthToken{AccessToken: "a", TokenType: "Bearer", ExpiresAt: fixedNow.Add(2 * time.Minute)}, valid: true, warnings: 1},
		{name: "expired", token: domain.AuthToken{AccessToken: "a", ExpiresAt: fixedNow.Add(-time.Second)}, errType: domain.ErrorTokenExpired},
		{name: "empty", token: domain.AuthToken{ExpiresAt: fixedNow.Add(time.Hour)}, errType: domain.ErrorTokenInvalid},
		{name: "odd type", token: domain.AuthToken{AccessToken: "a", TokenType: "MAC", ExpiresAt: fixedNow.Add(time.Hour)}, valid: true, warnings: 1},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			res := v.ValidateToken(tc.token, ctxAt(PurposeRefresh))
			require.Equal(t, tc.valid, res.IsValid)
			require.Len(t, res.Warnings, tc.warnings)
			if !tc.valid {
				require.Equal(t, tc.errType, res.FirstError().Type)
			}
		})
	}
}

func TestValidateSecurityContext(t *testing.T) {
	t.Parallel()
	v := New()

	res := v.ValidateSecurityContext(SecurityContext{IPAddress: "10.0.0.1", UserAgent: "cli", RiskScore: 0.75}, ctxAt(PurposeLogin))
	require.True(t, res.IsValid)
	require.Len(t, res.Warnings, 1)

	res = v.ValidateSecurityContext(SecurityContext{IPAddress: "bogus", UserAgent: "cli", RiskScore: 0.95}, ctxAt(PurposeLogin))
	require.False(t, res.IsValid)
	require.Len(t, res.Errors, 2)
}

func TestValidateEventRejectsFutureTimestamp(t *testing.T) {
	t.Parallel()
	v := New()

	res := v.ValidateEvent(SecurityEvent{Type: "login_success", UserID: "u1", OccurredAt: fixedNow.Add(time.Hour)}, ctxAt(PurposeLogin))
	require.False(t, res.IsValid)
	require.Equal(t, "event-timestamp", res.Errors[0].Rule)
}

func TestPriorityOrderingAndManagement(t *testing.T) {
	t.Parallel()
	v := New(WithoutDefaultRules())

	pass := func(any, Context) Result { return Pass() }
	v.AddRule(Rule{Name: "low", Kind: KindUser, Priority: 1, Enabled: true, Check: pass})
	v.AddRule(Rule{Name: "high", Kind: KindUser, Priority: 10, Enabled: true, Check: pass})
	v.AddRule(Rule{Name: "also-low", Kind: KindUser, Priority: 1, Enabled: true, Check: pass})

	require.Equal(t, []string{"high", "low", "also-low"}, v.Rules(KindUser))

	require.True(t, v.SetRuleEnabled("high", false))
	require.Equal(t, []string{"low", "also-low"}, v.Rules(KindUser))

	require.True(t, v.RemoveRule("low"))
	require.False(t, v.RemoveRule("low"))
	require.Equal(t, []string{"also-low"}, v.Rules(KindUser))
}

func TestRuleGroups(t *testing.T) {
	t.Parallel()
	pass := Rule{Name: "pass", Enabled: true, Check: func(any, Context) Result { return Pass() }}
	fail := Rule{Name: "fail", Enabled: true, Check: func(any, Context) Result { return Fail("x", domain.ErrorValidation, "nope") }}

	cases := []struct {
		mode  GroupMode
		rules []Rule
		valid bool
	}{
		{mode: GroupAll, rules: []Rule{pass, fail}, valid: false},
		{mode: GroupAny, rules: []Rule{fail, pass}, valid: true},
		{mode: GroupAny, rules: []Rule{fail, fail}, valid: false},
		{mode: GroupFirst, rules: []Rule{pass, fail}, valid: true},
		{mode: GroupFirst, rules: []Rule{fail, pass}, valid: false},
	}

	for _, tc := range cases {
		v := New(WithoutDefaultRules())
		v.AddRuleGroup(RuleGroup{Name: "g", Kind: KindUser, Mode: tc.mode, Enabled: true, Rules: tc.rules})
		res := v.Validate(KindUser, domain.AuthUser{}, ctxAt(PurposeLogin))
		require.Equal(t, tc.valid, res.IsValid, "mode %s", tc.mode)
		require.Contains(t, res.Metadata.RulesApplied[0], "g/")
	}
}

func TestPanickingRuleIsContained(t *testing.T) {
	t.Parallel()
	v := New(WithoutDefaultRules())
	v.AddRule(Rule{Name: "boom", Kind: KindUser, Enabled: true, Check: func(any, Context) Result { panic("bad rule") }})

	res := v.Validate(KindUser, domain.AuthUser{}, ctxAt(PurposeLogin))
	require.False(t, res.IsValid)
	require.Equal(t, domain.ErrorServer, res.Errors[0].Type)
}

func TestValidateBatchPreservesOrderAndIndependence(t *testing.T) {
	t.Parallel()
	v := New()

	items := []Item{
		{Kind: KindUser, Data: domain.AuthUser{ID: "u1", Email: "a@example.com", Roles: []string{"user"}}},
		{Kind: KindToken, Data: domain.AuthToken{AccessToken: "x", ExpiresAt: fixedNow.Add(-time.Minute)}},
		{Kind: KindUser, Data: "not a user"},
		{Kind: KindEvent, Data: SecurityEvent{Type: "logout", UserID: "u1", OccurredAt: fixedNow}},
	}

	results := v.ValidateBatch(items, ctxAt(PurposeLogin))
	require.Len(t, results, 4)
	require.True(t, results[0].IsValid)
	require.False(t, results[1].IsValid)
	require.Equal(t, domain.ErrorTokenExpired, results[1].FirstError().Type)
	require.False(t, results[2].IsValid)
	require.True(t, results[3].IsValid)

	// Each item matches a standalone validation.
	single := v.ValidateUser(domain.AuthUser{ID: "u1", Email: "a@example.com", Roles: []string{"user"}}, ctxAt(PurposeLogin))
	require.Equal(t, single.IsValid, results[0].IsValid)
	require.Equal(t, single.Metadata.RulesApplied, results[0].Metadata.RulesApplied)
}

func TestValidateAsyncRetriesAndTimeouts(t *testing.T) {
	t.Parallel()
	v := New(WithoutDefaultRules())

	var calls atomic.Int32
	v.AddAsyncRule(AsyncRule{Name: "flaky", Kind: KindUser, Enabled: true, Check: func(ctx context.Context, _ any, _ Context) (Result, error) {
		if calls.Add(1) < 3 {
			return Result{}, errors.New("upstream unavailable")
		}
		return Pass(), nil
	}})
	v.AddAsyncRule(AsyncRule{Name: "slow", Kind: KindUser, Enabled: true, Check: func(ctx context.Context, _ any, _ Context) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	}})

	res := v.ValidateAsync(context.Background(), KindUser, domain.AuthUser{}, ctxAt(PurposeLogin), AsyncValidationOptions{
		Timeout: 20 * time.Millisecond,
		Retries: 2,
	})

	require.EqualValues(t, 3, calls.Load())
	require.False(t, res.IsValid)
	require.Len(t, res.Errors, 1)
	require.Equal(t, "slow", res.Errors[0].Rule)
	require.Equal(t, domain.ErrorNetwork, res.Errors[0].Type)
	require.Equal(t, []string{"flaky", "slow"}, res.Metadata.RulesApplied)
}

func TestValidateAsyncFailFastSkipsAfterSyncFailure(t *testing.T) {
	t.Parallel()
	v := New(WithoutDefaultRules())
	v.AddRule(Rule{Name: "sync-fail", Kind: KindUser, Enabled: true, Check: func(any, Context) Result {
		return Fail("", domain.ErrorValidation, "bad")
	}})
	var ran atomic.Bool
	v.AddAsyncRule(AsyncRule{Name: "async", Kind: KindUser, Enabled: true, Check: func(context.Context, any, Context) (Result, error) {
		ran.Store(true)
		return Pass(), nil
	}})

	res := v.ValidateAsync(context.Background(), KindUser, nil, ctxAt(PurposeLogin), AsyncValidationOptions{FailFast: true})
	require.False(t, res.IsValid)
	require.False(t, ran.Load())
}

func TestStatistics(t *testing.T) {
	t.Parallel()
	v := New()

	v.ValidateUser(domain.AuthUser{ID: "u1", Email: "a@example.com"}, ctxAt(PurposeLogin))
	v.ValidateUser(domain.AuthUser{}, ctxAt(PurposeLogin))

	stats := v.Statistics()
	require.EqualValues(t, 2, stats.TotalValidations)
	require.EqualValues(t, 1, stats.ValidResults)
	require.EqualValues(t, 1, stats.InvalidResults)
	require.EqualValues(t, 2, stats.RuleExecutions["user-id"])
	require.EqualValues(t, 1, stats.RuleFailures["user-id"])
	require.EqualValues(t, 2, stats.TotalWarnings)

	v.ResetStatistics()
	require.Zero(t, v.Statistics().TotalValidations)
}
