package application

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"

	"github.com/viralforge/authcore/internal/adapters/memory"
	"github.com/viralforge/authcore/internal/application/mfa"
	"github.com/viralforge/authcore/internal/application/providers"
	"github.com/viralforge/authcore/internal/application/sessiontimeout"
	"github.com/viralforge/authcore/internal/application/tokenrefresh"
	"github.com/viralforge/authcore/internal/application/validation"
	"github.com/viralforge/authcore/internal/domain"
	"github.com/viralforge/authcore/internal/ports"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type stubAuthenticator struct {
	clock      *clock
	refreshErr atomic.Value
	shutdown   atomic.Bool
}

func (a *stubAuthenticator) Name() string                      { return "primary" }
func (a *stubAuthenticator) Type() domain.ProviderType         { return domain.ProviderPassword }
func (a *stubAuthenticator) Capabilities() []string            { return []string{"authenticate", "refresh"} }
func (a *stubAuthenticator) Configure(map[string]string) error { return nil }

func (a *stubAuthenticator) Authenticate(_ context.Context, creds domain.AuthCredentials) (domain.AuthSession, error) {
	if creds.Password != "correct-horse" {
		return domain.AuthSession{}, domain.NewAuthError(domain.ErrorCredentialsInvalid, "invalid credentials")
	}
	return domain.AuthSession{
		User:  domain.AuthUser{ID: "user-" + creds.Identifier(), Email: creds.Identifier() + "@example.com", Roles: []string{"member"}},
		Token: domain.AuthToken{AccessToken: "at-1", RefreshToken: "rt-1", TokenType: "Bearer", ExpiresAt: a.clock.Now().Add(time.Hour)},
	}, nil
}

func (a *stubAuthenticator) ValidateSession(context.Context, domain.AuthSession) (bool, error) {
	return true, nil
}

func (a *stubAuthenticator) RefreshToken(_ context.Context, s domain.AuthSession) (domain.AuthSession, error) {
	if err, ok := a.refreshErr.Load().(error); ok && err != nil {
		return domain.AuthSession{}, err
	}
	s.Token.AccessToken += "+"
	s.Token.ExpiresAt = a.clock.Now().Add(time.Hour)
	return s, nil
}

func (a *stubAuthenticator) Shutdown(context.Context) error {
	a.shutdown.Store(true)
	return nil
}

type revokingTokens struct {
	clock   *clock
	revoked sync.Map
	issued  sync.Map
}

func (r *revokingTokens) Issue(_ context.Context, _ domain.AuthUser, sessionID string) (domain.AuthToken, error) {
	r.issued.Store(sessionID, true)
	return domain.AuthToken{
		AccessToken:  "issued-" + sessionID,
		RefreshToken: "refresh-" + sessionID,
		TokenType:    "Bearer",
		ExpiresAt:    r.clock.Now().Add(time.Hour),
	}, nil
}

func (r *revokingTokens) Verify(context.Context, string) (ports.AuthClaims, error) {
	return ports.AuthClaims{}, nil
}

func (r *revokingTokens) Refresh(context.Context, string) (domain.AuthToken, ports.AuthClaims, error) {
	return domain.AuthToken{}, ports.AuthClaims{}, nil
}

func (r *revokingTokens) Revoke(_ context.Context, sessionID string) error {
	r.revoked.Store(sessionID, true)
	return nil
}

type recorder struct {
	mu     sync.Mutex
	events []validation.SecurityEvent
}

func (r *recorder) Publish(_ context.Context, _ string, payload []byte) error {
	var ev validation.SecurityEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

type harness struct {
	clock  *clock
	auth   *stubAuthenticator
	tokens *revokingTokens
	events *recorder
	orch   *mfa.Orchestrator
	svc    *Service
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	c := &clock{now: time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)}
	auth := &stubAuthenticator{clock: c}
	tokens := &revokingTokens{clock: c}
	pm := providers.NewManager(providers.WithClock(c.Now))
	require.NoError(t, pm.RegisterProvider(auth, providers.WithPriority(providers.PriorityHigh)))
	pm.RegisterTokenManager(auth.Name(), tokens)

	orch := mfa.NewOrchestrator(memory.NewEnrollmentRepository(), memory.NewChallengeStore(c.Now), mfa.DefaultConfig(),
		mfa.WithClock(c.Now),
		mfa.WithMethod(mfa.NewTOTPService("authcore", c.Now)),
	)
	if cfg.Timeout.TickInterval == 0 {
		cfg.Timeout.TickInterval = time.Hour
	}
	if cfg.Refresh.RefreshInterval == 0 {
		cfg.Refresh.RefreshInterval = time.Hour
	}
	events := &recorder{}
	svc := NewService(Dependencies{
		Config:    cfg,
		Providers: pm,
		MFA:       orch,
		Events:    events,
		SyncBus:   memory.NewBus(),
		NowFn:     c.Now,
	})
	t.Cleanup(func() { _, _ = svc.Shutdown(context.Background(), time.Second) })
	return &harness{clock: c, auth: auth, tokens: tokens, events: events, orch: orch, svc: svc}
}

func login(username, password string) LoginRequest {
	return LoginRequest{
		Credentials: domain.AuthCredentials{Username: username, Password: password},
		Security:    &validation.SecurityContext{IPAddress: "203.0.113.7", UserAgent: "test-agent", RiskScore: 0.1},
	}
}

func TestLoginEstablishesTrackedSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()

	res, err := h.svc.Login(ctx, login("ada", "correct-horse"))
	require.NoError(t, err)
	require.Equal(t, SessionActive, res.Status)
	require.False(t, res.MFARequired)
	require.NotEmpty(t, res.Session.ID)
	require.True(t, res.Session.IsActive)
	require.Equal(t, "primary", res.Session.ProviderName)
	require.Equal(t, domain.ProviderPassword, res.Session.Provider)

	session, err := h.svc.ValidateSession(ctx, res.Session.ID)
	require.NoError(t, err)
	require.Equal(t, "user-ada", session.User.ID)

	state, err := h.svc.SessionTimeoutState(res.Session.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TimeoutActive, state.Status)
	require.Equal(t, 30*time.Minute, state.TimeRemaining)

	metrics, err := h.svc.RefreshMetrics(res.Session.ID)
	require.NoError(t, err)
	require.Equal(t, "interval", metrics.Mode)
	require.Equal(t, []string{eventLoginSuccess}, h.events.types())
	require.Equal(t, 1, h.svc.ActiveSessions())
}

func TestLoginRejectsInvalidInputBeforeAuthenticating(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()

	_, err := h.svc.Login(ctx, login("ada", ""))
	require.Equal(t, domain.ErrorValidation, domain.ErrorTypeOf(err))

	_, err = h.svc.Login(ctx, login("ada", "wrong-password"))
	require.Equal(t, domain.ErrorCredentialsInvalid, domain.ErrorTypeOf(err))

	risky := login("ada", "correct-horse")
	risky.Security.RiskScore = 0.95
	_, err = h.svc.Login(ctx, risky)
	require.Error(t, err)

	require.Equal(t, []string{eventLoginFailure, eventLoginFailure, eventSuspicious}, h.events.types())
	require.Zero(t, h.svc.ActiveSessions())
}

func TestLoginWithMFARequiresChallengeCompletion(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{RequireMFA: true})
	ctx := context.Background()

	enrolled, err := h.orch.EnrollMethod(ctx, "user-ada", domain.MFATOTP, mfa.EnrollParams{AccountName: "ada"})
	require.NoError(t, err)
	opts := totp.ValidateOpts{Period: 30, Digits: otp.DigitsSix, Algorithm: otp.AlgorithmSHA1}
	code, err := totp.GenerateCodeCustom(enrolled.Secret, h.clock.Now(), opts)
	require.NoError(t, err)
	_, err = h.orch.VerifyEnrollment(ctx, enrolled.EnrollmentID, mfa.VerifyPayload{Code: code})
	require.NoError(t, err)
	h.clock.Advance(time.Minute)

	res, err := h.svc.Login(ctx, login("ada", "correct-horse"))
	require.NoError(t, err)
	require.True(t, res.MFARequired)
	require.Equal(t, SessionPendingMFA, res.Status)
	require.NotNil(t, res.Challenge)
	require.False(t, res.Session.IsActive)

	_, err = h.svc.ValidateSession(ctx, res.Session.ID)
	require.Equal(t, domain.ErrorInvalidState, domain.ErrorTypeOf(err))

	_, err = h.svc.CompleteMFA(ctx, res.Session.ID, domain.MFATOTP, mfa.VerifyPayload{Code: "12"})
	require.Equal(t, domain.ErrorInvalidCode, domain.ErrorTypeOf(err))

	code, err = totp.GenerateCodeCustom(enrolled.Secret, h.clock.Now(), opts)
	require.NoError(t, err)
	done, err := h.svc.CompleteMFA(ctx, res.Session.ID, domain.MFATOTP, mfa.VerifyPayload{Code: code})
	require.NoError(t, err)
	require.Equal(t, SessionActive, done.Status)
	require.True(t, done.Session.IsActive)
	require.Equal(t, domain.ChallengeCompleted, done.Challenge.Status)

	_, err = h.svc.ValidateSession(ctx, res.Session.ID)
	require.NoError(t, err)
	require.Equal(t, []string{eventMFAChallenge, eventMFAFailed, eventMFAVerified, eventLoginSuccess}, h.events.types())
}

func enrollTOTP(t *testing.T, h *harness, userID string) string {
	t.Helper()
	ctx := context.Background()
	enrolled, err := h.orch.EnrollMethod(ctx, userID, domain.MFATOTP, mfa.EnrollParams{AccountName: userID})
	require.NoError(t, err)
	code, err := totp.GenerateCodeCustom(enrolled.Secret, h.clock.Now(), totpOpts)
	require.NoError(t, err)
	_, err = h.orch.VerifyEnrollment(ctx, enrolled.EnrollmentID, mfa.VerifyPayload{Code: code})
	require.NoError(t, err)
	h.clock.Advance(time.Minute)
	return enrolled.Secret
}

var totpOpts = totp.ValidateOpts{Period: 30, Digits: otp.DigitsSix, Algorithm: otp.AlgorithmSHA1}

func TestPendingLoginWithholdsFirstFactorTokens(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{RequireMFA: true})
	ctx := context.Background()
	secret := enrollTOTP(t, h, "user-ada")

	res, err := h.svc.Login(ctx, login("ada", "correct-horse"))
	require.NoError(t, err)
	require.Equal(t, SessionPendingMFA, res.Status)
	require.Empty(t, res.Session.Token.AccessToken)
	require.Empty(t, res.Session.Token.RefreshToken)

	// The first-factor pair is revoked under its original id and the pending
	// session moves to a fresh one.
	var revoked []string
	h.tokens.revoked.Range(func(k, _ any) bool {
		revoked = append(revoked, k.(string))
		return true
	})
	require.Len(t, revoked, 1)
	require.NotEqual(t, res.Session.ID, revoked[0])
	_, issued := h.tokens.issued.Load(res.Session.ID)
	require.False(t, issued)

	code, err := totp.GenerateCodeCustom(secret, h.clock.Now(), totpOpts)
	require.NoError(t, err)
	done, err := h.svc.CompleteMFA(ctx, res.Session.ID, domain.MFATOTP, mfa.VerifyPayload{Code: code})
	require.NoError(t, err)
	require.Equal(t, res.Session.ID, done.Session.ID)
	require.Equal(t, "issued-"+res.Session.ID, done.Session.Token.AccessToken)
	require.Equal(t, h.clock.Now().Add(time.Hour), done.Session.ExpiresAt)
	_, issued = h.tokens.issued.Load(res.Session.ID)
	require.True(t, issued)
}

func TestPendingLoginExpiresAfterChallengeTTL(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{RequireMFA: true})
	ctx := context.Background()
	enrollTOTP(t, h, "user-ada")

	res, err := h.svc.Login(ctx, login("ada", "correct-horse"))
	require.NoError(t, err)
	require.Equal(t, SessionPendingMFA, res.Status)
	require.Equal(t, 1, h.svc.ActiveSessions())

	h.clock.Advance(4 * time.Minute)
	require.Equal(t, 1, h.svc.ActiveSessions())

	h.clock.Advance(2 * time.Minute)
	require.Zero(t, h.svc.ActiveSessions())
	_, err = h.svc.Session(res.Session.ID)
	require.Equal(t, domain.ErrorSessionExpired, domain.ErrorTypeOf(err))
	_, err = h.svc.CompleteMFA(ctx, res.Session.ID, domain.MFATOTP, mfa.VerifyPayload{Code: "123456"})
	require.Equal(t, domain.ErrorSessionExpired, domain.ErrorTypeOf(err))
	require.Equal(t, []string{eventMFAChallenge, eventSessionExpired}, h.events.types())
}

func TestExpirePendingLoginsSweepsOnlyLapsedChallenges(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{RequireMFA: true})
	ctx := context.Background()
	enrollTOTP(t, h, "user-ada")

	first, err := h.svc.Login(ctx, login("ada", "correct-horse"))
	require.NoError(t, err)
	h.clock.Advance(3 * time.Minute)
	second, err := h.svc.Login(ctx, login("ada", "correct-horse"))
	require.NoError(t, err)

	h.clock.Advance(3 * time.Minute)
	require.Equal(t, 1, h.svc.ExpirePendingLogins(ctx))
	_, err = h.svc.Session(first.Session.ID)
	require.Error(t, err)
	view, err := h.svc.Session(second.Session.ID)
	require.NoError(t, err)
	require.Equal(t, SessionPendingMFA, view.Status)
	require.Zero(t, h.svc.ExpirePendingLogins(ctx))
}

func TestSendPendingMFACodeOnlyServesPendingLogins(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()
	res, err := h.svc.Login(ctx, login("ada", "correct-horse"))
	require.NoError(t, err)
	require.Equal(t, SessionActive, res.Status)

	_, err = h.svc.SendPendingMFACode(ctx, res.Session.ID, domain.MFATOTP)
	require.Equal(t, domain.ErrorInvalidState, domain.ErrorTypeOf(err))
	_, err = h.svc.SendPendingMFACode(ctx, "missing", domain.MFATOTP)
	require.Equal(t, domain.ErrorSessionExpired, domain.ErrorTypeOf(err))
}

func TestLoginWithMFAPolicyButNoEnrollment(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{RequireMFA: true})

	res, err := h.svc.Login(context.Background(), login("ada", "correct-horse"))
	require.NoError(t, err)
	require.False(t, res.MFARequired)
	require.Equal(t, SessionActive, res.Status)
}

func TestLogoutEndsSessionAndRevokesTokens(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()
	res, err := h.svc.Login(ctx, login("ada", "correct-horse"))
	require.NoError(t, err)

	require.NoError(t, h.svc.Logout(ctx, res.Session.ID))
	_, revoked := h.tokens.revoked.Load(res.Session.ID)
	require.True(t, revoked)

	_, err = h.svc.ValidateSession(ctx, res.Session.ID)
	require.Equal(t, domain.ErrorSessionExpired, domain.ErrorTypeOf(err))
	err = h.svc.Logout(ctx, res.Session.ID)
	require.Equal(t, domain.ErrorSessionExpired, domain.ErrorTypeOf(err))
	require.Equal(t, []string{eventLoginSuccess, eventLogout}, h.events.types())
}

func TestSessionTimesOutAndExtensionsAreBounded(t *testing.T) {
	t.Parallel()
	cfg := Config{Timeout: sessiontimeout.Config{SessionDuration: 30 * time.Minute, MaxExtensions: 1}}
	h := newHarness(t, cfg)
	ctx := context.Background()
	res, err := h.svc.Login(ctx, login("ada", "correct-horse"))
	require.NoError(t, err)
	id := res.Session.ID

	h.clock.Advance(20 * time.Minute)
	require.NoError(t, h.svc.RecordActivity(ctx, id, sessiontimeout.ActivityKeyboard))
	state, err := h.svc.ExtendSession(ctx, id, 30*time.Minute)
	require.NoError(t, err)
	require.Equal(t, domain.TimeoutExtended, state.Status)
	require.Equal(t, 1, state.ExtensionsGranted)

	_, err = h.svc.ExtendSession(ctx, id, 30*time.Minute)
	require.Equal(t, domain.ErrorInvalidState, domain.ErrorTypeOf(err))

	h.clock.Advance(14 * time.Minute)
	require.NoError(t, h.svc.RecordActivity(ctx, id, ""))
	h.clock.Advance(14 * time.Minute)
	require.NoError(t, h.svc.RecordActivity(ctx, id, ""))

	h.clock.Advance(3 * time.Minute)
	_, err = h.svc.ValidateSession(ctx, id)
	require.Equal(t, domain.ErrorSessionExpired, domain.ErrorTypeOf(err))
	_, err = h.svc.Session(id)
	require.Equal(t, domain.ErrorSessionExpired, domain.ErrorTypeOf(err))
	require.Contains(t, h.events.types(), eventSessionExpired)
	require.Contains(t, h.events.types(), eventSessionExtended)
}

func TestRefreshSessionAndPermanentRefreshFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()
	res, err := h.svc.Login(ctx, login("ada", "correct-horse"))
	require.NoError(t, err)
	id := res.Session.ID

	refreshed, err := h.svc.RefreshSession(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "at-1+", refreshed.Token.AccessToken)
	view, err := h.svc.Session(id)
	require.NoError(t, err)
	require.Equal(t, "at-1+", view.Session.Token.AccessToken)
	require.Equal(t, id, view.Session.ID)

	metrics, err := h.svc.RefreshMetrics(id)
	require.NoError(t, err)
	require.EqualValues(t, 1, metrics.SuccessfulRefreshes)

	h.auth.refreshErr.Store(error(domain.NewAuthError(domain.ErrorTokenInvalid, "refresh token revoked")))
	_, err = h.svc.RefreshSession(ctx, id)
	require.Equal(t, domain.ErrorTokenInvalid, domain.ErrorTypeOf(err))

	_, err = h.svc.Session(id)
	require.Equal(t, domain.ErrorSessionExpired, domain.ErrorTypeOf(err))
	require.Equal(t, []string{eventLoginSuccess, eventTokenRefreshed, eventSessionExpired}, h.events.types())
}

func TestRefreshOptionsFlowIntoManager(t *testing.T) {
	t.Parallel()
	cfg := Config{Refresh: tokenrefresh.Options{
		RefreshInterval:        time.Hour,
		EnableAdvancedRotation: true,
		RotationStrategy:       tokenrefresh.StrategyEager,
	}}
	h := newHarness(t, cfg)
	res, err := h.svc.Login(context.Background(), login("ada", "correct-horse"))
	require.NoError(t, err)
	metrics, err := h.svc.RefreshMetrics(res.Session.ID)
	require.NoError(t, err)
	require.Equal(t, "eager", metrics.Mode)
}

func TestShutdownEndsSessionsAndProviders(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()
	for _, name := range []string{"ada", "grace"} {
		_, err := h.svc.Login(ctx, login(name, "correct-horse"))
		require.NoError(t, err)
	}
	require.Equal(t, 2, h.svc.ActiveSessions())

	result, err := h.svc.Shutdown(ctx, time.Second)
	require.NoError(t, err)
	require.Contains(t, result.Succeeded, "primary")
	require.True(t, h.auth.shutdown.Load())
	require.Zero(t, h.svc.ActiveSessions())

	stats := h.svc.ManagerStatistics()
	require.Equal(t, 1, stats.TotalProviders)
	require.Contains(t, h.svc.ProviderHealth(), "primary")
}
