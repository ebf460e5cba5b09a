// Package events delivers auth lifecycle events: to the log, to Kafka, and
// through an in-process buffer that keeps broker latency off the login path.
package events

import (
	"context"
	"log/slog"
)

// LoggingPublisher writes each event as a structured log line. It is the
// publisher of last resort when no broker is configured.
type LoggingPublisher struct {
	logger *slog.Logger
}

func NewLoggingPublisher(logger *slog.Logger) *LoggingPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingPublisher{logger: logger}
}

func (p *LoggingPublisher) Publish(ctx context.Context, eventType string, payload []byte) error {
	p.logger.InfoContext(ctx, "auth event",
		"module", "adapters.events",
		"layer", "adapter",
		"operation", "publish_event",
		"outcome", "success",
		"event_type", eventType,
		"payload", string(payload),
	)
	return nil
}
