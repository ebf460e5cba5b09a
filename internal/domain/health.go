package domain

import "time"

// HealthCheckResult is the outcome of one provider health check.
type HealthCheckResult struct {
	Healthy      bool          `json:"healthy"`
	Timestamp    time.Time     `json:"timestamp"`
	ResponseTime time.Duration `json:"response_time"`
	Message      string        `json:"message,omitempty"`
}

// PerformanceStatistics are the derived rates of PerformanceMetrics.
type PerformanceStatistics struct {
	SuccessRate float64 `json:"success_rate"`
	FailureRate float64 `json:"failure_rate"`
	// Throughput is attempts per second since the metrics window opened.
	Throughput float64 `json:"throughput"`
}

// PerformanceMetrics is the per-authenticator performance snapshot.
type PerformanceMetrics struct {
	TotalAttempts             int64                   `json:"total_attempts"`
	SuccessfulAuthentications int64                   `json:"successful_authentications"`
	FailedAuthentications     int64                   `json:"failed_authentications"`
	AverageResponseTime       time.Duration           `json:"average_response_time"`
	ErrorsByType              map[AuthErrorType]int64 `json:"errors_by_type"`
	Statistics                PerformanceStatistics   `json:"statistics"`
}
