package validation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/viralforge/authcore/internal/domain"
)

const (
	defaultAsyncTimeout     = 5 * time.Second
	defaultAsyncParallelism = 4
)

// entry is either a single rule or a rule group in the per-kind execution list.
type entry struct {
	seq   int
	rule  *Rule
	group *RuleGroup
}

func (e entry) name() string {
	if e.group != nil {
		return e.group.Name
	}
	return e.rule.Name
}

func (e entry) priority() int {
	if e.group != nil {
		return e.group.Priority
	}
	return e.rule.Priority
}

func (e entry) enabled() bool {
	if e.group != nil {
		return e.group.Enabled
	}
	return e.rule.Enabled
}

// Validator owns rule registrations and accumulated statistics.
// It is safe for concurrent use.
type Validator struct {
	mu      sync.RWMutex
	entries map[ItemKind][]entry
	async   map[ItemKind][]asyncEntry
	seq     int

	statsMu       sync.Mutex
	stats         Statistics
	totalDuration time.Duration
}

type asyncEntry struct {
	seq  int
	rule AsyncRule
}

// Option configures a Validator.
type Option func(*Validator)

// WithoutDefaultRules starts the Validator with an empty rule set.
func WithoutDefaultRules() Option {
	return func(v *Validator) {
		v.entries = make(map[ItemKind][]entry)
	}
}

// New returns a Validator preloaded with DefaultRules unless WithoutDefaultRules is given.
func New(opts ...Option) *Validator {
	v := &Validator{
		entries: make(map[ItemKind][]entry),
		async:   make(map[ItemKind][]asyncEntry),
	}
	v.stats = newStatistics()
	for _, r := range DefaultRules() {
		v.AddRule(r)
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func newStatistics() Statistics {
	return Statistics{
		RuleExecutions: make(map[string]int64),
		RuleFailures:   make(map[string]int64),
	}
}

// AddRule registers or replaces (by name) a synchronous rule.
func (v *Validator) AddRule(rule Rule) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.removeLocked(rule.Name)
	v.seq++
	r := rule
	v.entries[rule.Kind] = append(v.entries[rule.Kind], entry{seq: v.seq, rule: &r})
}

// AddRuleGroup registers or replaces (by name) a rule group.
func (v *Validator) AddRuleGroup(group RuleGroup) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.removeLocked(group.Name)
	v.seq++
	g := group
	g.Rules = append([]Rule(nil), group.Rules...)
	v.entries[group.Kind] = append(v.entries[group.Kind], entry{seq: v.seq, group: &g})
}

// AddAsyncRule registers or replaces (by name) an async rule.
func (v *Validator) AddAsyncRule(rule AsyncRule) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.removeLocked(rule.Name)
	v.seq++
	v.async[rule.Kind] = append(v.async[rule.Kind], asyncEntry{seq: v.seq, rule: rule})
}

// RemoveRule drops a rule, group or async rule by name.
func (v *Validator) RemoveRule(name string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.removeLocked(name)
}

func (v *Validator) removeLocked(name string) bool {
	removed := false
	for kind, list := range v.entries {
		out := list[:0]
		for _, e := range list {
			if e.name() == name {
				removed = true
				continue
			}
			out = append(out, e)
		}
		v.entries[kind] = out
	}
	for kind, list := range v.async {
		out := list[:0]
		for _, e := range list {
			if e.rule.Name == name {
				removed = true
				continue
			}
			out = append(out, e)
		}
		v.async[kind] = out
	}
	return removed
}

// SetRuleEnabled toggles a rule, group or async rule by name.
func (v *Validator) SetRuleEnabled(name string, enabled bool) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	found := false
	for _, list := range v.entries {
		for _, e := range list {
			if e.name() != name {
				continue
			}
			found = true
			if e.group != nil {
				e.group.Enabled = enabled
			} else {
				e.rule.Enabled = enabled
			}
		}
	}
	for kind, list := range v.async {
		for i := range list {
			if list[i].rule.Name == name {
				found = true
				v.async[kind][i].rule.Enabled = enabled
			}
		}
	}
	return found
}

// Rules lists the names of registered rules and groups for kind in execution order.
func (v *Validator) Rules(kind ItemKind) []string {
	entries := v.snapshot(kind)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.name())
	}
	return names
}

// snapshot copies the enabled entries for kind ordered by priority (desc) then registration.
func (v *Validator) snapshot(kind ItemKind) []entry {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]entry, 0, len(v.entries[kind]))
	for _, e := range v.entries[kind] {
		if !e.enabled() {
			continue
		}
		cp := e
		if e.group != nil {
			g := *e.group
			g.Rules = append([]Rule(nil), e.group.Rules...)
			cp.group = &g
		} else {
			r := *e.rule
			cp.rule = &r
		}
		out = append(out, cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].priority() != out[j].priority() {
			return out[i].priority() > out[j].priority()
		}
		return out[i].seq < out[j].seq
	})
	return out
}

func (v *Validator) asyncSnapshot(kind ItemKind) []AsyncRule {
	v.mu.RLock()
	defer v.mu.RUnlock()
	list := make([]asyncEntry, 0, len(v.async[kind]))
	for _, e := range v.async[kind] {
		if e.rule.Enabled {
			list = append(list, e)
		}
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].rule.Priority != list[j].rule.Priority {
			return list[i].rule.Priority > list[j].rule.Priority
		}
		return list[i].seq < list[j].seq
	})
	out := make([]AsyncRule, len(list))
	for i, e := range list {
		out[i] = e.rule
	}
	return out
}

// Validate runs the synchronous rules registered for kind against data.
func (v *Validator) Validate(kind ItemKind, data any, vctx Context) Result {
	start := time.Now()
	vctx = vctx.normalized()
	agg := &aggregate{}
	for _, e := range v.snapshot(kind) {
		if e.group != nil {
			v.runGroup(*e.group, data, vctx, agg)
			continue
		}
		res := runRule(*e.rule, data, vctx)
		agg.apply(e.rule.Name, res)
	}
	result := agg.result(vctx.Now, time.Since(start))
	v.record(result, agg)
	return result
}

func (v *Validator) ValidateCredentials(credentials domain.AuthCredentials, vctx Context) Result {
	if vctx.Provider == "" {
		vctx.Provider = credentials.Provider
	}
	return v.Validate(KindCredentials, credentials, vctx)
}

func (v *Validator) ValidateToken(token domain.AuthToken, vctx Context) Result {
	return v.Validate(KindToken, token, vctx)
}

func (v *Validator) ValidateUser(user domain.AuthUser, vctx Context) Result {
	return v.Validate(KindUser, user, vctx)
}

func (v *Validator) ValidateEvent(event SecurityEvent, vctx Context) Result {
	return v.Validate(KindEvent, event, vctx)
}

func (v *Validator) ValidateSecurityContext(sc SecurityContext, vctx Context) Result {
	return v.Validate(KindContext, sc, vctx)
}

// ValidateBatch validates every item independently and returns one result per item in input order.
func (v *Validator) ValidateBatch(items []Item, vctx Context) []Result {
	vctx = vctx.normalized()
	results := make([]Result, len(items))
	for i, item := range items {
		results[i] = v.validateIsolated(item, vctx)
	}
	return results
}

func (v *Validator) validateIsolated(item Item, vctx Context) (res Result) {
	defer func() {
		if rec := recover(); rec != nil {
			res = Result{
				Errors:   []Issue{{Rule: "batch", Type: domain.ErrorServer, Message: fmt.Sprintf("validation aborted: %v", rec)}},
				Metadata: Metadata{Timestamp: vctx.Now},
			}
		}
	}()
	return v.Validate(item.Kind, item.Data, vctx)
}

// ValidateAsync runs the synchronous rules first, then the async rules for kind
// with bounded parallelism, per-attempt timeout and retries.
func (v *Validator) ValidateAsync(ctx context.Context, kind ItemKind, data any, vctx Context, opts AsyncValidationOptions) Result {
	start := time.Now()
	vctx = vctx.normalized()
	if opts.Timeout <= 0 {
		opts.Timeout = defaultAsyncTimeout
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = defaultAsyncParallelism
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}

	agg := &aggregate{}
	for _, e := range v.snapshot(kind) {
		if e.group != nil {
			v.runGroup(*e.group, data, vctx, agg)
			continue
		}
		agg.apply(e.rule.Name, runRule(*e.rule, data, vctx))
	}

	rules := v.asyncSnapshot(kind)
	if len(rules) > 0 && !(opts.FailFast && len(agg.errors) > 0) {
		outcomes := runAsync(ctx, rules, data, vctx, opts)
		for i, rule := range rules {
			if outcomes[i].skipped {
				continue
			}
			agg.apply(rule.Name, outcomes[i].result)
		}
	}

	result := agg.result(vctx.Now, time.Since(start))
	v.record(result, agg)
	return result
}

type asyncOutcome struct {
	result  Result
	skipped bool
}

func runAsync(ctx context.Context, rules []AsyncRule, data any, vctx Context, opts AsyncValidationOptions) []asyncOutcome {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	outcomes := make([]asyncOutcome, len(rules))
	sem := make(chan struct{}, opts.Parallelism)
	var wg sync.WaitGroup
	var failMu sync.Mutex
	failed := false

	for i, rule := range rules {
		failMu.Lock()
		stop := opts.FailFast && failed
		failMu.Unlock()
		if stop || ctx.Err() != nil {
			outcomes[i].skipped = true
			continue
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(i int, rule AsyncRule) {
			defer wg.Done()
			defer func() { <-sem }()
			res := runAsyncRule(ctx, rule, data, vctx, opts)
			if ctx.Err() != nil && opts.FailFast {
				failMu.Lock()
				alreadyFailed := failed
				failMu.Unlock()
				if alreadyFailed {
					outcomes[i].skipped = true
					return
				}
			}
			outcomes[i].result = res
			if !res.IsValid && opts.FailFast {
				failMu.Lock()
				failed = true
				failMu.Unlock()
				cancel()
			}
		}(i, rule)
	}
	wg.Wait()
	return outcomes
}

func runAsyncRule(ctx context.Context, rule AsyncRule, data any, vctx Context, opts AsyncValidationOptions) (res Result) {
	var lastErr error
	for attempt := 0; attempt <= opts.Retries; attempt++ {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		res, lastErr = callAsync(ctx, rule, data, vctx, opts.Timeout)
		if lastErr == nil {
			return normalizeRuleResult(res)
		}
	}
	return Fail("", domain.ErrorNetwork, fmt.Sprintf("async rule %s failed: %v", rule.Name, lastErr))
}

func callAsync(ctx context.Context, rule AsyncRule, data any, vctx Context, timeout time.Duration) (res Result, err error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type out struct {
		res Result
		err error
	}
	done := make(chan out, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- out{err: fmt.Errorf("panic: %v", rec)}
			}
		}()
		r, e := rule.Check(attemptCtx, data, vctx)
		done <- out{res: r, err: e}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-attemptCtx.Done():
		return Result{}, attemptCtx.Err()
	}
}

func (v *Validator) runGroup(group RuleGroup, data any, vctx Context, agg *aggregate) {
	label := func(r Rule) string { return group.Name + "/" + r.Name }
	switch group.Mode {
	case GroupFirst:
		for _, r := range group.Rules {
			if !r.Enabled {
				continue
			}
			agg.apply(label(r), runRule(r, data, vctx))
			return
		}
	case GroupAny:
		var (
			collected []Result
			names     []string
			anyPassed bool
		)
		for _, r := range group.Rules {
			if !r.Enabled {
				continue
			}
			res := runRule(r, data, vctx)
			collected = append(collected, res)
			names = append(names, label(r))
			if len(res.Errors) == 0 {
				anyPassed = true
			}
		}
		for i, res := range collected {
			if anyPassed {
				res.Errors = nil
			}
			agg.apply(names[i], res)
		}
	default:
		for _, r := range group.Rules {
			if !r.Enabled {
				continue
			}
			agg.apply(label(r), runRule(r, data, vctx))
		}
	}
}

func runRule(rule Rule, data any, vctx Context) (res Result) {
	defer func() {
		if rec := recover(); rec != nil {
			res = Fail("", domain.ErrorServer, fmt.Sprintf("rule %s panicked: %v", rule.Name, rec))
		}
	}()
	if rule.Check == nil {
		return Pass()
	}
	return normalizeRuleResult(rule.Check(data, vctx))
}

func normalizeRuleResult(res Result) Result {
	res.IsValid = len(res.Errors) == 0
	return res
}

// aggregate merges rule outcomes while tracking which rules ran and failed.
type aggregate struct {
	errors   []Issue
	warnings []Warning
	applied  []string
	failed   []string
}

func (a *aggregate) apply(ruleName string, res Result) {
	a.applied = append(a.applied, ruleName)
	if len(res.Errors) > 0 {
		a.failed = append(a.failed, ruleName)
	}
	for _, issue := range res.Errors {
		if issue.Rule == "" {
			issue.Rule = ruleName
		}
		if issue.Type == "" {
			issue.Type = domain.ErrorValidation
		}
		a.errors = append(a.errors, issue)
	}
	for _, w := range res.Warnings {
		if w.Rule == "" {
			w.Rule = ruleName
		}
		a.warnings = append(a.warnings, w)
	}
}

func (a *aggregate) result(now time.Time, took time.Duration) Result {
	return Result{
		IsValid:  len(a.errors) == 0,
		Errors:   append([]Issue(nil), a.errors...),
		Warnings: append([]Warning(nil), a.warnings...),
		Metadata: Metadata{
			Duration:     took,
			RulesApplied: append([]string(nil), a.applied...),
			Timestamp:    now,
		},
	}
}

func (v *Validator) record(res Result, agg *aggregate) {
	v.statsMu.Lock()
	defer v.statsMu.Unlock()
	v.stats.TotalValidations++
	if res.IsValid {
		v.stats.ValidResults++
	} else {
		v.stats.InvalidResults++
	}
	v.stats.TotalErrors += int64(len(res.Errors))
	v.stats.TotalWarnings += int64(len(res.Warnings))
	for _, name := range agg.applied {
		v.stats.RuleExecutions[name]++
	}
	for _, name := range agg.failed {
		v.stats.RuleFailures[name]++
	}
	v.totalDuration += res.Metadata.Duration
	v.stats.AverageDuration = v.totalDuration / time.Duration(v.stats.TotalValidations)
	v.stats.LastValidationTime = res.Metadata.Timestamp
}

// Statistics returns a copy of the accumulated counters.
func (v *Validator) Statistics() Statistics {
	v.statsMu.Lock()
	defer v.statsMu.Unlock()
	out := v.stats
	out.RuleExecutions = make(map[string]int64, len(v.stats.RuleExecutions))
	for k, n := range v.stats.RuleExecutions {
		out.RuleExecutions[k] = n
	}
	out.RuleFailures = make(map[string]int64, len(v.stats.RuleFailures))
	for k, n := range v.stats.RuleFailures {
		out.RuleFailures[k] = n
	}
	return out
}

func (v *Validator) ResetStatistics() {
	v.statsMu.Lock()
	defer v.statsMu.Unlock()
	v.stats = newStatistics()
	v.totalDuration = 0
}
