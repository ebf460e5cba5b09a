package tokenrefresh

import (
	"errors"
	"fmt"
	"time"

	"github.com/viralforge/authcore/internal/domain"
)

// Strategy selects how the rotator schedules refreshes.
type Strategy string

const (
	// StrategyEager renews at twice the rotation buffer before expiry.
	StrategyEager Strategy = "eager"
	// StrategyLazy renews as late as half the rotation buffer before expiry.
	StrategyLazy Strategy = "lazy"
	// StrategyAdaptive widens the buffer with observed latency and recent failures.
	StrategyAdaptive Strategy = "adaptive"
	// StrategyCustom delegates scheduling to Options.CustomSchedule.
	StrategyCustom Strategy = "custom"
)

// ParseStrategy maps a configured strategy name to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyEager, StrategyLazy, StrategyAdaptive, StrategyCustom:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("%w: unknown rotation strategy %q", domain.ErrInvalidInput, s)
}

var errCustomScheduleMissing = errors.New("custom rotation strategy requires a schedule")

// rotator computes refresh timing from the token's own expiry instead of a fixed interval.
type rotator struct {
	strategy   Strategy
	baseBuffer time.Duration
	maxDelay   time.Duration
	custom     func(domain.AuthToken, time.Time) time.Duration
}

func newRotator(opts Options) (*rotator, error) {
	strategy := opts.RotationStrategy
	if strategy == "" {
		strategy = StrategyAdaptive
	}
	if _, err := ParseStrategy(string(strategy)); err != nil {
		return nil, err
	}
	if strategy == StrategyCustom && opts.CustomSchedule == nil {
		return nil, errCustomScheduleMissing
	}
	return &rotator{
		strategy:   strategy,
		baseBuffer: opts.RotationBuffer,
		maxDelay:   opts.RefreshInterval,
		custom:     opts.CustomSchedule,
	}, nil
}

func (r *rotator) bufferFor(metrics Metrics) time.Duration {
	switch r.strategy {
	case StrategyEager:
		return 2 * r.baseBuffer
	case StrategyLazy:
		return r.baseBuffer / 2
	case StrategyAdaptive:
		buf := r.baseBuffer + 4*metrics.AverageRefreshTime
		if metrics.ConsecutiveFailures > 0 {
			buf += time.Duration(metrics.ConsecutiveFailures) * r.baseBuffer / 2
		}
		return buf
	default:
		return r.baseBuffer
	}
}

// buffer returns the current renewal buffer, recomputed from live metrics on each call.
func (r *rotator) buffer(metrics func() Metrics) func() time.Duration {
	return func() time.Duration { return r.bufferFor(metrics()) }
}

// schedule returns the delay until the token enters the renewal buffer, capped at maxDelay
// so expiry changes made elsewhere are noticed.
func (r *rotator) schedule(metrics func() Metrics) func(domain.AuthToken, time.Time) time.Duration {
	return func(token domain.AuthToken, now time.Time) time.Duration {
		if r.strategy == StrategyCustom {
			return r.custom(token, now)
		}
		if token.ExpiresAt.IsZero() {
			return r.maxDelay
		}
		delay := token.ExpiresAt.Add(-r.bufferFor(metrics())).Sub(now)
		if delay > r.maxDelay {
			return r.maxDelay
		}
		return delay
	}
}
