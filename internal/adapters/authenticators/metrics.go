// Package authenticators holds the concrete identity-provider adapters
// registered with the provider manager.
package authenticators

import (
	"sync"
	"time"

	"github.com/viralforge/authcore/internal/domain"
)

// metricsRecorder accumulates the per-provider performance snapshot.
type metricsRecorder struct {
	mu      sync.Mutex
	nowFn   func() time.Time
	started time.Time
	m       domain.PerformanceMetrics
}

func newMetricsRecorder(nowFn func() time.Time) *metricsRecorder {
	return &metricsRecorder{
		nowFn:   nowFn,
		started: nowFn(),
		m:       domain.PerformanceMetrics{ErrorsByType: make(map[domain.AuthErrorType]int64)},
	}
}

// observe records one authentication attempt that began at start.
func (r *metricsRecorder) observe(start time.Time, err error) {
	took := r.nowFn().Sub(start)
	if took < 0 {
		took = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m.TotalAttempts++
	r.m.AverageResponseTime += (took - r.m.AverageResponseTime) / time.Duration(r.m.TotalAttempts)
	if err != nil {
		r.m.FailedAuthentications++
		r.m.ErrorsByType[domain.ErrorTypeOf(err)]++
		return
	}
	r.m.SuccessfulAuthentications++
}

func (r *metricsRecorder) snapshot() domain.PerformanceMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.m
	out.ErrorsByType = make(map[domain.AuthErrorType]int64, len(r.m.ErrorsByType))
	for k, v := range r.m.ErrorsByType {
		out.ErrorsByType[k] = v
	}
	if out.TotalAttempts > 0 {
		out.Statistics.SuccessRate = float64(out.SuccessfulAuthentications) / float64(out.TotalAttempts)
		out.Statistics.FailureRate = float64(out.FailedAuthentications) / float64(out.TotalAttempts)
	}
	if elapsed := r.nowFn().Sub(r.started).Seconds(); elapsed > 0 {
		out.Statistics.Throughput = float64(out.TotalAttempts) / elapsed
	}
	return out
}
