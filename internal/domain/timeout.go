package domain

import "time"

// TimeoutStatus is the session-timeout state machine position.
type TimeoutStatus string

const (
	TimeoutActive       TimeoutStatus = "active"
	TimeoutWarning      TimeoutStatus = "warning"
	TimeoutFinalWarning TimeoutStatus = "final-warning"
	TimeoutExpired      TimeoutStatus = "expired"
	TimeoutExtended     TimeoutStatus = "extended"
)

// Rank orders statuses along active -> warning -> final-warning -> expired.
// Extended shares the rank of active.
func (s TimeoutStatus) Rank() int {
	switch s {
	case TimeoutWarning:
		return 1
	case TimeoutFinalWarning:
		return 2
	case TimeoutExpired:
		return 3
	default:
		return 0
	}
}

// SessionTimeoutState is a snapshot of one session's timeout tracking.
type SessionTimeoutState struct {
	SessionID         string        `json:"session_id"`
	Status            TimeoutStatus `json:"status"`
	TimeRemaining     time.Duration `json:"time_remaining"`
	SessionStart      time.Time     `json:"session_start"`
	LastActivity      time.Time     `json:"last_activity"`
	WarningsShown     int           `json:"warnings_shown"`
	ExtensionsGranted int           `json:"extensions_granted"`
	MaxExtensions     int           `json:"max_extensions"`
}
