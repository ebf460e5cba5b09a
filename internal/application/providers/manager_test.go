package providers

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/viralforge/authcore/internal/domain"
)

type fakeAuthenticator struct {
	name      string
	kind      domain.ProviderType
	healthy   atomic.Bool
	panics    bool
	block     bool
	authErrs  []error
	authCalls atomic.Int32
	initErr   error
	shutdown  atomic.Bool
}

func newFake(name string, kind domain.ProviderType) *fakeAuthenticator {
	f := &fakeAuthenticator{name: name, kind: kind}
	f.healthy.Store(true)
	return f
}

func (f *fakeAuthenticator) Name() string              { return f.name }
func (f *fakeAuthenticator) Type() domain.ProviderType { return f.kind }
func (f *fakeAuthenticator) Capabilities() []string    { return []string{"authenticate"} }
func (f *fakeAuthenticator) Configure(map[string]string) error {
	return nil
}

func (f *fakeAuthenticator) Authenticate(_ context.Context, creds domain.AuthCredentials) (domain.AuthSession, error) {
	n := int(f.authCalls.Add(1)) - 1
	if n < len(f.authErrs) && f.authErrs[n] != nil {
		return domain.AuthSession{}, f.authErrs[n]
	}
	return domain.AuthSession{ID: "s-" + f.name, User: domain.AuthUser{ID: creds.Identifier()}, IsActive: true}, nil
}

func (f *fakeAuthenticator) ValidateSession(context.Context, domain.AuthSession) (bool, error) {
	return true, nil
}

func (f *fakeAuthenticator) RefreshToken(_ context.Context, s domain.AuthSession) (domain.AuthSession, error) {
	return s, nil
}

func (f *fakeAuthenticator) HealthCheck(ctx context.Context) domain.HealthCheckResult {
	if f.panics {
		panic("health check exploded")
	}
	if f.block {
		<-ctx.Done()
	}
	return domain.HealthCheckResult{Healthy: f.healthy.Load()}
}

func (f *fakeAuthenticator) Initialize(context.Context) error { return f.initErr }

func (f *fakeAuthenticator) Shutdown(ctx context.Context) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	f.shutdown.Store(true)
	return nil
}

func TestBestProviderPrefersHigherPriority(t *testing.T) {
	t.Parallel()
	m := NewManager()
	require.NoError(t, m.RegisterProvider(newFake("backup", domain.ProviderOAuth), WithPriority(PriorityBackup)))
	require.NoError(t, m.RegisterProvider(newFake("primary", domain.ProviderOAuth), WithPriority(PriorityHigh)))

	best, ok := m.GetBestProvider(domain.ProviderOAuth)
	require.True(t, ok)
	require.Equal(t, "primary", best.Name())
}

func TestBestProviderTieBreaksByRegistrationOrder(t *testing.T) {
	t.Parallel()
	m := NewManager()
	require.NoError(t, m.RegisterProvider(newFake("first", domain.ProviderLDAP), WithPriority(PriorityLow)))
	require.NoError(t, m.RegisterProvider(newFake("second", domain.ProviderLDAP), WithPriority(PriorityLow)))

	best, ok := m.GetBestProvider(domain.ProviderLDAP)
	require.True(t, ok)
	require.Equal(t, "first", best.Name())
}

func TestBestProviderSkipsDisabledAndUnhealthy(t *testing.T) {
	t.Parallel()
	m := NewManager()
	critical := newFake("critical", domain.ProviderOAuth)
	high := newFake("high", domain.ProviderOAuth)
	low := newFake("low", domain.ProviderOAuth)
	require.NoError(t, m.RegisterProvider(critical, WithPriority(PriorityCritical)))
	require.NoError(t, m.RegisterProvider(high, WithPriority(PriorityHigh)))
	require.NoError(t, m.RegisterProvider(low, WithPriority(PriorityLow)))
	require.NoError(t, m.RegisterProvider(newFake("other-type", domain.ProviderSAML), WithPriority(PriorityCritical)))

	require.True(t, m.SetProviderEnabled("critical", false))
	require.False(t, m.IsProviderEnabled("critical"))
	high.healthy.Store(false)
	m.PerformHealthChecks(context.Background())

	best, ok := m.GetBestProvider(domain.ProviderOAuth)
	require.True(t, ok)
	require.Equal(t, "low", best.Name())

	low.healthy.Store(false)
	m.PerformHealthChecks(context.Background())
	_, ok = m.GetBestProvider(domain.ProviderOAuth)
	require.False(t, ok)
}

func TestAutoEnableFalseKeepsProviderOutOfSelection(t *testing.T) {
	t.Parallel()
	m := NewManager()
	require.NoError(t, m.RegisterProvider(newFake("manual", domain.ProviderJWT), WithAutoEnable(false)))
	_, ok := m.GetBestProvider(domain.ProviderJWT)
	require.False(t, ok)

	m.SetProviderEnabled("manual", true)
	_, ok = m.GetBestProvider(domain.ProviderJWT)
	require.True(t, ok)
}

func TestReRegisterOverwrites(t *testing.T) {
	t.Parallel()
	m := NewManager()
	require.NoError(t, m.RegisterProvider(newFake("p", domain.ProviderOAuth), WithPriority(PriorityLow)))
	require.NoError(t, m.RegisterProvider(newFake("p", domain.ProviderOAuth), WithPriority(PriorityCritical)))

	list := m.ListProviders()
	require.Len(t, list, 1)
	require.Equal(t, "CRITICAL", list[0].Priority)

	require.True(t, m.RemoveProvider("p"))
	_, ok := m.GetProvider("p")
	require.False(t, ok)
}

func TestHealthChecksIsolateFailures(t *testing.T) {
	t.Parallel()
	m := NewManager(WithHealthCheckTimeout(50 * time.Millisecond))
	ok := newFake("ok", domain.ProviderOAuth)
	boom := newFake("boom", domain.ProviderOAuth)
	boom.panics = true
	slow := newFake("slow", domain.ProviderOAuth)
	slow.block = true
	for _, p := range []*fakeAuthenticator{ok, boom, slow} {
		require.NoError(t, m.RegisterProvider(p))
	}

	results := m.PerformHealthChecks(context.Background())
	require.True(t, results["ok"].Healthy)
	require.False(t, results["boom"].Healthy)
	require.False(t, results["slow"].Healthy)
	require.Equal(t, "health check timed out", results["slow"].Message)

	for _, info := range m.ListProviders() {
		if info.Name == "ok" {
			require.Zero(t, info.ConsecutiveFailures)
		} else {
			require.Equal(t, 1, info.ConsecutiveFailures)
		}
	}
}

func TestConsecutiveFailuresIncrementAndReset(t *testing.T) {
	t.Parallel()
	m := NewManager()
	p := newFake("p", domain.ProviderOAuth)
	require.NoError(t, m.RegisterProvider(p))

	p.healthy.Store(false)
	m.PerformHealthChecks(context.Background())
	m.PerformHealthChecks(context.Background())
	require.Equal(t, 2, m.ListProviders()[0].ConsecutiveFailures)

	p.healthy.Store(true)
	m.PerformHealthChecks(context.Background())
	require.Zero(t, m.ListProviders()[0].ConsecutiveFailures)

	health, found := m.GetProviderHealth("p")
	require.True(t, found)
	require.True(t, health.Healthy)
}

type reportingAuthenticator struct {
	*fakeAuthenticator
}

func (reportingAuthenticator) PerformanceMetrics() domain.PerformanceMetrics {
	return domain.PerformanceMetrics{TotalAttempts: 3, SuccessfulAuthentications: 2, FailedAuthentications: 1}
}

func TestListProvidersIncludesReportedMetrics(t *testing.T) {
	t.Parallel()
	m := NewManager()
	require.NoError(t, m.RegisterProvider(reportingAuthenticator{newFake("reporting", domain.ProviderPassword)}, WithPriority(PriorityHigh)))
	require.NoError(t, m.RegisterProvider(newFake("silent", domain.ProviderJWT), WithPriority(PriorityLow)))

	list := m.ListProviders()
	require.Len(t, list, 2)
	require.Equal(t, "reporting", list[0].Name)
	require.NotNil(t, list[0].Metrics)
	require.Equal(t, int64(3), list[0].Metrics.TotalAttempts)
	require.Nil(t, list[1].Metrics)
}

func TestManagerStatistics(t *testing.T) {
	t.Parallel()
	m := NewManager()
	require.Zero(t, m.GetManagerStatistics().HealthScore)

	a := newFake("a", domain.ProviderOAuth)
	b := newFake("b", domain.ProviderOAuth)
	c := newFake("c", domain.ProviderSAML)
	require.NoError(t, m.RegisterProvider(a, WithPriority(PriorityHigh)))
	require.NoError(t, m.RegisterProvider(b, WithPriority(PriorityHigh)))
	require.NoError(t, m.RegisterProvider(c, WithPriority(PriorityBackup), WithAutoEnable(false)))
	b.healthy.Store(false)
	m.PerformHealthChecks(context.Background())

	stats := m.GetManagerStatistics()
	require.Equal(t, 3, stats.TotalProviders)
	require.Equal(t, 2, stats.EnabledProviders)
	require.Equal(t, 2, stats.ByPriority["HIGH"])
	require.Equal(t, 1, stats.ByPriority["BACKUP"])
	require.Equal(t, 2, stats.ByType[domain.ProviderOAuth])
	require.InDelta(t, 50.0, stats.HealthScore, 0.001)
}

func TestInitializeAndShutdownTolerateFailures(t *testing.T) {
	t.Parallel()
	m := NewManager()
	good := newFake("good", domain.ProviderOAuth)
	bad := newFake("bad", domain.ProviderOAuth)
	bad.initErr = errors.New("cannot reach idp")
	stuck := newFake("stuck", domain.ProviderOAuth)
	stuck.block = true
	for _, p := range []*fakeAuthenticator{good, bad, stuck} {
		require.NoError(t, m.RegisterProvider(p))
	}

	res, err := m.InitializeAllProviders(context.Background(), time.Second)
	require.Error(t, err)
	require.Contains(t, res.Succeeded, "good")
	require.Contains(t, res.Failed, "bad")

	res, err = m.ShutdownAllProviders(context.Background(), 50*time.Millisecond)
	require.Error(t, err)
	require.True(t, good.shutdown.Load())
	require.True(t, bad.shutdown.Load())
	require.Contains(t, res.Failed, "stuck")
}

func TestAuthenticateRetriesThenFailsOver(t *testing.T) {
	t.Parallel()
	m := NewManager()
	primary := newFake("primary", domain.ProviderOAuth)
	primary.authErrs = []error{
		domain.NewAuthError(domain.ErrorNetwork, "idp timeout"),
		domain.NewAuthError(domain.ErrorNetwork, "idp timeout"),
	}
	backup := newFake("backup", domain.ProviderOAuth)
	require.NoError(t, m.RegisterProvider(primary, WithPriority(PriorityHigh), WithMaxRetries(1)))
	require.NoError(t, m.RegisterProvider(backup, WithPriority(PriorityBackup)))

	session, err := m.Authenticate(context.Background(), domain.ProviderOAuth, domain.AuthCredentials{Username: "alice"})
	require.NoError(t, err)
	require.Equal(t, "backup", session.ProviderName)
	require.Equal(t, domain.ProviderOAuth, session.Provider)
	require.EqualValues(t, 2, primary.authCalls.Load())
}

func TestAuthenticateDoesNotRetryCredentialErrors(t *testing.T) {
	t.Parallel()
	m := NewManager()
	primary := newFake("primary", domain.ProviderPassword)
	primary.authErrs = []error{domain.ErrInvalidCredentials}
	backup := newFake("backup", domain.ProviderPassword)
	require.NoError(t, m.RegisterProvider(primary, WithPriority(PriorityHigh)))
	require.NoError(t, m.RegisterProvider(backup, WithPriority(PriorityBackup)))

	_, err := m.Authenticate(context.Background(), domain.ProviderPassword, domain.AuthCredentials{Username: "alice"})
	require.Equal(t, domain.ErrorCredentialsInvalid, domain.ErrorTypeOf(err))
	require.EqualValues(t, 1, primary.authCalls.Load())
	require.Zero(t, backup.authCalls.Load())
}

func TestAuthenticateWithoutProviders(t *testing.T) {
	t.Parallel()
	m := NewManager()
	_, err := m.Authenticate(context.Background(), domain.ProviderSAML, domain.AuthCredentials{})
	require.Equal(t, domain.ErrorProviderUnavailable, domain.ErrorTypeOf(err))
}

func TestHealthMonitoringStartStop(t *testing.T) {
	t.Parallel()
	m := NewManager()
	p := newFake("p", domain.ProviderOAuth)
	require.NoError(t, m.RegisterProvider(p, WithHealthCheckInterval(time.Millisecond)))
	p.healthy.Store(false)

	m.StartHealthMonitoring(5 * time.Millisecond)
	require.Eventually(t, func() bool {
		h, _ := m.GetProviderHealth("p")
		return !h.Healthy
	}, time.Second, 5*time.Millisecond)
	m.StopHealthMonitoring()
	m.StopHealthMonitoring()
}

func TestConcurrentHealthMonitoringStartsLeaveOneLoop(t *testing.T) {
	t.Parallel()
	m := NewManager()
	require.NoError(t, m.RegisterProvider(newFake("p", domain.ProviderOAuth)))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.StartHealthMonitoring(time.Millisecond)
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, m.monitors.Load())

	m.StopHealthMonitoring()
	require.Zero(t, m.monitors.Load())
}

func TestParsePriority(t *testing.T) {
	t.Parallel()
	p, err := ParsePriority("BACKUP")
	require.NoError(t, err)
	require.Equal(t, PriorityBackup, p)

	_, err = ParsePriority("urgent")
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}
