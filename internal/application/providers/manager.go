// Package providers is the registry and health-aware selector for Authenticators.
package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/viralforge/authcore/internal/domain"
	"github.com/viralforge/authcore/internal/ports"
)

// Priority orders providers for selection. Lower values are preferred.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
	PriorityBackup
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityLow:
		return "LOW"
	case PriorityBackup:
		return "BACKUP"
	default:
		return fmt.Sprintf("PRIORITY(%d)", int(p))
	}
}

// ParsePriority maps a configured priority name to a Priority.
func ParsePriority(s string) (Priority, error) {
	for p := PriorityCritical; p <= PriorityBackup; p++ {
		if p.String() == s {
			return p, nil
		}
	}
	return PriorityMedium, fmt.Errorf("%w: unknown provider priority %q", domain.ErrInvalidInput, s)
}

const (
	defaultHealthCheckInterval = 30 * time.Second
	defaultHealthCheckTimeout  = 5 * time.Second
	defaultMaxRetries          = 2
)

type registration struct {
	priority            Priority
	autoEnable          bool
	healthCheckInterval time.Duration
	failoverEnabled     bool
	maxRetries          int
}

// RegisterOption tunes a single provider registration.
type RegisterOption func(*registration)

func WithPriority(p Priority) RegisterOption {
	return func(r *registration) { r.priority = p }
}

// WithAutoEnable controls whether the provider is selectable right after registration.
func WithAutoEnable(enabled bool) RegisterOption {
	return func(r *registration) { r.autoEnable = enabled }
}

func WithHealthCheckInterval(d time.Duration) RegisterOption {
	return func(r *registration) {
		if d > 0 {
			r.healthCheckInterval = d
		}
	}
}

// WithFailover lets Authenticate move on to the next candidate once this provider exhausts its retries.
func WithFailover(enabled bool) RegisterOption {
	return func(r *registration) { r.failoverEnabled = enabled }
}

func WithMaxRetries(n int) RegisterOption {
	return func(r *registration) {
		if n >= 0 {
			r.maxRetries = n
		}
	}
}

type record struct {
	auth                ports.Authenticator
	cfg                 registration
	seq                 int
	enabled             bool
	health              domain.HealthCheckResult
	consecutiveFailures int
	lastHealthCheck     time.Time
	registeredAt        time.Time
}

// ProviderInfo is a read-only snapshot of one registration record.
type ProviderInfo struct {
	Name                string                   `json:"name"`
	Type                domain.ProviderType      `json:"type"`
	Priority            string                   `json:"priority"`
	Enabled             bool                     `json:"enabled"`
	Health              domain.HealthCheckResult `json:"health"`
	ConsecutiveFailures int                      `json:"consecutive_failures"`
	LastHealthCheck     time.Time                `json:"last_health_check"`
	HealthCheckInterval time.Duration            `json:"health_check_interval"`
	FailoverEnabled     bool                     `json:"failover_enabled"`
	MaxRetries          int                      `json:"max_retries"`
	Capabilities        []string                 `json:"capabilities"`
	RegisteredAt        time.Time                `json:"registered_at"`
	// Metrics is set for providers that report performance counters.
	Metrics *domain.PerformanceMetrics `json:"metrics,omitempty"`
}

// ManagerStatistics aggregates registry state for dashboards and readiness checks.
type ManagerStatistics struct {
	TotalProviders   int                         `json:"total_providers"`
	EnabledProviders int                         `json:"enabled_providers"`
	HealthyProviders int                         `json:"healthy_providers"`
	ByPriority       map[string]int              `json:"by_priority"`
	ByType           map[domain.ProviderType]int `json:"by_type"`
	// HealthScore is healthy enabled providers over enabled providers, scaled to 0..100.
	HealthScore float64 `json:"health_score"`
}

// BulkResult reports the outcome of a fan-out over every provider.
type BulkResult struct {
	Succeeded []string          `json:"succeeded"`
	Failed    map[string]string `json:"failed"`
}

// Manager owns the provider registry. It is safe for concurrent use.
type Manager struct {
	mu            sync.RWMutex
	records       map[string]*record
	seq           int
	userManagers  map[string]ports.UserManager
	tokenManagers map[string]ports.TokenManager

	logger        *slog.Logger
	nowFn         func() time.Time
	healthTimeout time.Duration

	monitorMu     sync.Mutex
	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
	monitors      atomic.Int32
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithClock(nowFn func() time.Time) ManagerOption {
	return func(m *Manager) {
		if nowFn != nil {
			m.nowFn = nowFn
		}
	}
}

// WithHealthCheckTimeout bounds every individual provider health check.
func WithHealthCheckTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.healthTimeout = d
		}
	}
}

func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		records:       make(map[string]*record),
		userManagers:  make(map[string]ports.UserManager),
		tokenManagers: make(map[string]ports.TokenManager),
		logger:        slog.Default(),
		nowFn:         func() time.Time { return time.Now().UTC() },
		healthTimeout: defaultHealthCheckTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterProvider stores auth under its Name, replacing any previous registration of that name.
// A new registration starts healthy until its first health check says otherwise.
func (m *Manager) RegisterProvider(auth ports.Authenticator, opts ...RegisterOption) error {
	if auth == nil || auth.Name() == "" {
		return fmt.Errorf("%w: provider must have a name", domain.ErrInvalidInput)
	}
	cfg := registration{
		priority:            PriorityMedium,
		autoEnable:          true,
		healthCheckInterval: defaultHealthCheckInterval,
		failoverEnabled:     true,
		maxRetries:          defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	now := m.nowFn()
	m.mu.Lock()
	m.seq++
	m.records[auth.Name()] = &record{
		auth:         auth,
		cfg:          cfg,
		seq:          m.seq,
		enabled:      cfg.autoEnable,
		health:       domain.HealthCheckResult{Healthy: true, Timestamp: now, Message: "not yet checked"},
		registeredAt: now,
	}
	m.mu.Unlock()

	m.logger.Info("provider registered",
		"module", "application.providers",
		"layer", "application",
		"operation", "register_provider",
		"outcome", "success",
		"provider", auth.Name(),
		"provider_type", string(auth.Type()),
		"priority", cfg.priority.String(),
	)
	return nil
}

func (m *Manager) RemoveProvider(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[name]; !ok {
		return false
	}
	delete(m.records, name)
	return true
}

func (m *Manager) GetProvider(name string) (ports.Authenticator, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[name]
	if !ok {
		return nil, false
	}
	return rec.auth, true
}

// ListProviders returns every registration ordered by priority then registration order.
func (m *Manager) ListProviders() []ProviderInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := m.sortedLocked("", false)
	out := make([]ProviderInfo, 0, len(recs))
	for _, rec := range recs {
		out = append(out, infoOf(rec))
	}
	return out
}

func infoOf(rec *record) ProviderInfo {
	info := ProviderInfo{
		Name:                rec.auth.Name(),
		Type:                rec.auth.Type(),
		Priority:            rec.cfg.priority.String(),
		Enabled:             rec.enabled,
		Health:              rec.health,
		ConsecutiveFailures: rec.consecutiveFailures,
		LastHealthCheck:     rec.lastHealthCheck,
		HealthCheckInterval: rec.cfg.healthCheckInterval,
		FailoverEnabled:     rec.cfg.failoverEnabled,
		MaxRetries:          rec.cfg.maxRetries,
		Capabilities:        append([]string(nil), rec.auth.Capabilities()...),
		RegisteredAt:        rec.registeredAt,
	}
	if reporter, ok := rec.auth.(ports.MetricsReporter); ok {
		metrics := reporter.PerformanceMetrics()
		info.Metrics = &metrics
	}
	return info
}

// sortedLocked returns records of kind (any kind when empty), optionally only enabled and healthy.
func (m *Manager) sortedLocked(kind domain.ProviderType, selectable bool) []*record {
	out := make([]*record, 0, len(m.records))
	for _, rec := range m.records {
		if kind != "" && rec.auth.Type() != kind {
			continue
		}
		if selectable && (!rec.enabled || !rec.health.Healthy) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].cfg.priority != out[j].cfg.priority {
			return out[i].cfg.priority < out[j].cfg.priority
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// GetBestProvider returns the enabled, healthy provider of kind with the lowest priority value.
// An empty kind matches every provider type.
func (m *Manager) GetBestProvider(kind domain.ProviderType) (ports.Authenticator, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := m.sortedLocked(kind, true)
	if len(recs) == 0 {
		return nil, false
	}
	return recs[0].auth, true
}

func (m *Manager) SetProviderEnabled(name string, enabled bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[name]
	if !ok {
		return false
	}
	rec.enabled = enabled
	return true
}

func (m *Manager) IsProviderEnabled(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[name]
	return ok && rec.enabled
}

// GetProviderHealth returns the last recorded health of name.
func (m *Manager) GetProviderHealth(name string) (domain.HealthCheckResult, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[name]
	if !ok {
		return domain.HealthCheckResult{}, false
	}
	return rec.health, true
}

// ProviderHealth returns the last recorded health of every provider keyed by name.
func (m *Manager) ProviderHealth() map[string]domain.HealthCheckResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]domain.HealthCheckResult, len(m.records))
	for name, rec := range m.records {
		out[name] = rec.health
	}
	return out
}

// GetManagerStatistics aggregates counts, priority distribution and the health score.
func (m *Manager) GetManagerStatistics() ManagerStatistics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := ManagerStatistics{
		ByPriority: make(map[string]int),
		ByType:     make(map[domain.ProviderType]int),
	}
	healthyEnabled := 0
	for _, rec := range m.records {
		stats.TotalProviders++
		stats.ByPriority[rec.cfg.priority.String()]++
		stats.ByType[rec.auth.Type()]++
		if rec.health.Healthy {
			stats.HealthyProviders++
		}
		if rec.enabled {
			stats.EnabledProviders++
			if rec.health.Healthy {
				healthyEnabled++
			}
		}
	}
	if stats.EnabledProviders > 0 {
		stats.HealthScore = float64(healthyEnabled) / float64(stats.EnabledProviders) * 100
	}
	return stats
}

func (m *Manager) RegisterUserManager(providerName string, um ports.UserManager) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userManagers[providerName] = um
}

func (m *Manager) GetUserManager(providerName string) (ports.UserManager, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	um, ok := m.userManagers[providerName]
	return um, ok
}

func (m *Manager) RegisterTokenManager(providerName string, tm ports.TokenManager) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokenManagers[providerName] = tm
}

func (m *Manager) GetTokenManager(providerName string) (ports.TokenManager, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tm, ok := m.tokenManagers[providerName]
	return tm, ok
}

// Authenticate tries the selectable providers of kind best-first. Retryable failures are
// retried up to the provider's maxRetries; authentication failures return immediately.
func (m *Manager) Authenticate(ctx context.Context, kind domain.ProviderType, credentials domain.AuthCredentials) (domain.AuthSession, error) {
	m.mu.RLock()
	candidates := m.sortedLocked(kind, true)
	m.mu.RUnlock()

	if len(candidates) == 0 {
		return domain.AuthSession{}, domain.NewAuthError(domain.ErrorProviderUnavailable, fmt.Sprintf("no healthy provider for type %q", kind))
	}

	var lastErr error
	for _, rec := range candidates {
		session, err := m.authenticateWith(ctx, rec, credentials)
		if err == nil {
			return session, nil
		}
		lastErr = err
		authErr := domain.AsAuthError(err)
		if !authErr.Retryable() || !rec.cfg.failoverEnabled || ctx.Err() != nil {
			return domain.AuthSession{}, authErr
		}
		m.logger.WarnContext(ctx, "provider exhausted retries, failing over",
			"module", "application.providers",
			"layer", "application",
			"operation", "authenticate",
			"outcome", "failover",
			"provider", rec.auth.Name(),
			"error", err,
		)
	}
	return domain.AuthSession{}, domain.AsAuthError(lastErr)
}

func (m *Manager) authenticateWith(ctx context.Context, rec *record, credentials domain.AuthCredentials) (domain.AuthSession, error) {
	var err error
	for attempt := 0; attempt <= rec.cfg.maxRetries; attempt++ {
		var session domain.AuthSession
		session, err = rec.auth.Authenticate(ctx, credentials)
		if err == nil {
			if session.ProviderName == "" {
				session.ProviderName = rec.auth.Name()
			}
			if session.Provider == "" {
				session.Provider = rec.auth.Type()
			}
			return session, nil
		}
		if !domain.AsAuthError(err).Retryable() || ctx.Err() != nil {
			return domain.AuthSession{}, err
		}
	}
	return domain.AuthSession{}, err
}

// PerformHealthChecks checks every provider concurrently. A check that errors, panics or
// exceeds the health timeout marks only that provider unhealthy.
func (m *Manager) PerformHealthChecks(ctx context.Context) map[string]domain.HealthCheckResult {
	return m.checkProviders(ctx, false)
}

func (m *Manager) checkProviders(ctx context.Context, dueOnly bool) map[string]domain.HealthCheckResult {
	now := m.nowFn()
	m.mu.RLock()
	targets := make([]ports.Authenticator, 0, len(m.records))
	for _, rec := range m.records {
		if dueOnly && !rec.lastHealthCheck.IsZero() && now.Sub(rec.lastHealthCheck) < rec.cfg.healthCheckInterval {
			continue
		}
		targets = append(targets, rec.auth)
	}
	m.mu.RUnlock()

	results := make(map[string]domain.HealthCheckResult, len(targets))
	var (
		wg    sync.WaitGroup
		resMu sync.Mutex
	)
	for _, auth := range targets {
		wg.Add(1)
		go func(auth ports.Authenticator) {
			defer wg.Done()
			res := m.checkHealth(ctx, auth)
			resMu.Lock()
			results[auth.Name()] = res
			resMu.Unlock()
		}(auth)
	}
	wg.Wait()

	at := m.nowFn()
	m.mu.Lock()
	for name, res := range results {
		rec, ok := m.records[name]
		if !ok {
			continue
		}
		rec.health = res
		rec.lastHealthCheck = at
		if res.Healthy {
			rec.consecutiveFailures = 0
		} else {
			rec.consecutiveFailures++
		}
	}
	m.mu.Unlock()
	return results
}

func (m *Manager) checkHealth(ctx context.Context, auth ports.Authenticator) domain.HealthCheckResult {
	checker, ok := auth.(ports.HealthChecker)
	if !ok {
		return domain.HealthCheckResult{Healthy: true, Timestamp: m.nowFn(), Message: "health check not supported"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, m.healthTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan domain.HealthCheckResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- domain.HealthCheckResult{Healthy: false, Timestamp: m.nowFn(), Message: fmt.Sprintf("health check panicked: %v", rec)}
			}
		}()
		done <- checker.HealthCheck(checkCtx)
	}()

	select {
	case res := <-done:
		if res.Timestamp.IsZero() {
			res.Timestamp = m.nowFn()
		}
		if res.ResponseTime == 0 {
			res.ResponseTime = time.Since(start)
		}
		if !res.Healthy {
			m.logger.WarnContext(ctx, "provider health check failed",
				"module", "application.providers",
				"layer", "application",
				"operation", "health_check",
				"outcome", "unhealthy",
				"provider", auth.Name(),
				"message", res.Message,
			)
		}
		return res
	case <-checkCtx.Done():
		return domain.HealthCheckResult{
			Healthy:      false,
			Timestamp:    m.nowFn(),
			ResponseTime: time.Since(start),
			Message:      "health check timed out",
		}
	}
}

// StartHealthMonitoring checks providers whose own interval has elapsed on every tick.
// Calling it again replaces the running monitor.
func (m *Manager) StartHealthMonitoring(interval time.Duration) {
	if interval <= 0 {
		interval = defaultHealthCheckInterval
	}
	m.monitorMu.Lock()
	defer m.monitorMu.Unlock()
	m.stopMonitorLocked()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.monitorCancel = cancel
	m.monitorDone = done
	m.monitors.Add(1)

	go func() {
		defer close(done)
		defer m.monitors.Add(-1)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.checkProviders(ctx, true)
			}
		}
	}()
}

// StopHealthMonitoring cancels the monitor and waits for it to exit. Safe when not started.
func (m *Manager) StopHealthMonitoring() {
	m.monitorMu.Lock()
	defer m.monitorMu.Unlock()
	m.stopMonitorLocked()
}

func (m *Manager) stopMonitorLocked() {
	cancel, done := m.monitorCancel, m.monitorDone
	m.monitorCancel, m.monitorDone = nil, nil
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// InitializeAllProviders runs Initialize on every provider that supports it.
// Failures and stragglers past timeout are collected; they never block the others.
func (m *Manager) InitializeAllProviders(ctx context.Context, timeout time.Duration) (BulkResult, error) {
	return m.fanOut(ctx, timeout, "initialize", func(ctx context.Context, auth ports.Authenticator) (bool, error) {
		init, ok := auth.(ports.Initializer)
		if !ok {
			return false, nil
		}
		return true, init.Initialize(ctx)
	})
}

// ShutdownAllProviders runs Shutdown on every provider that supports it, best-effort.
func (m *Manager) ShutdownAllProviders(ctx context.Context, timeout time.Duration) (BulkResult, error) {
	m.StopHealthMonitoring()
	return m.fanOut(ctx, timeout, "shutdown", func(ctx context.Context, auth ports.Authenticator) (bool, error) {
		s, ok := auth.(ports.Shutdowner)
		if !ok {
			return false, nil
		}
		return true, s.Shutdown(ctx)
	})
}

func (m *Manager) fanOut(ctx context.Context, timeout time.Duration, operation string, fn func(context.Context, ports.Authenticator) (bool, error)) (BulkResult, error) {
	if timeout <= 0 {
		timeout = defaultHealthCheckTimeout
	}
	m.mu.RLock()
	targets := make([]ports.Authenticator, 0, len(m.records))
	for _, rec := range m.sortedLocked("", false) {
		targets = append(targets, rec.auth)
	}
	m.mu.RUnlock()

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		name      string
		supported bool
		err       error
	}
	outcomes := make(chan outcome, len(targets))
	for _, auth := range targets {
		go func(auth ports.Authenticator) {
			defer func() {
				if rec := recover(); rec != nil {
					outcomes <- outcome{name: auth.Name(), supported: true, err: fmt.Errorf("panic: %v", rec)}
				}
			}()
			supported, err := fn(runCtx, auth)
			outcomes <- outcome{name: auth.Name(), supported: supported, err: err}
		}(auth)
	}

	result := BulkResult{Failed: make(map[string]string)}
	pending := make(map[string]struct{}, len(targets))
	for _, auth := range targets {
		pending[auth.Name()] = struct{}{}
	}
	var errs []error
collect:
	for len(pending) > 0 {
		select {
		case o := <-outcomes:
			delete(pending, o.name)
			if o.err != nil {
				result.Failed[o.name] = o.err.Error()
				errs = append(errs, fmt.Errorf("%s %s: %w", operation, o.name, o.err))
				continue
			}
			if o.supported {
				result.Succeeded = append(result.Succeeded, o.name)
			}
		case <-runCtx.Done():
			break collect
		}
	}
	for name := range pending {
		result.Failed[name] = "timed out"
		errs = append(errs, fmt.Errorf("%s %s: %w", operation, name, context.DeadlineExceeded))
	}
	sort.Strings(result.Succeeded)

	err := errors.Join(errs...)
	outcomeLabel := "success"
	if err != nil {
		outcomeLabel = "partial_failure"
	}
	m.logger.Info("provider fan-out completed",
		"module", "application.providers",
		"layer", "application",
		"operation", operation+"_all_providers",
		"outcome", outcomeLabel,
		"succeeded", len(result.Succeeded),
		"failed", len(result.Failed),
	)
	return result, err
}
