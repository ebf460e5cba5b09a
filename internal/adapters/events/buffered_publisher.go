package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/viralforge/authcore/internal/ports"
)

// ErrBufferFull is returned by Publish when the queue cannot take another event.
var ErrBufferFull = errors.New("event buffer full")

type bufferedEvent struct {
	eventType string
	payload   []byte
	attempts  int
}

// BufferedPublisher queues events in memory and delivers them to the next
// publisher from a worker loop, retrying failed sends with backoff. Events
// that exhaust their retries are dead-lettered to the log.
type BufferedPublisher struct {
	logger     *slog.Logger
	next       ports.EventPublisher
	queue      chan bufferedEvent
	maxRetries int
	backoff    time.Duration
	sendTTL    time.Duration

	mu     sync.Mutex
	closed bool
}

type BufferedOptions struct {
	Capacity   int
	MaxRetries int
	Backoff    time.Duration
	// SendTimeout bounds one delivery attempt.
	SendTimeout time.Duration
}

func NewBufferedPublisher(logger *slog.Logger, next ports.EventPublisher, opts BufferedOptions) *BufferedPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Capacity <= 0 {
		opts.Capacity = 1024
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 200 * time.Millisecond
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 5 * time.Second
	}
	return &BufferedPublisher{
		logger:     logger,
		next:       next,
		queue:      make(chan bufferedEvent, opts.Capacity),
		maxRetries: opts.MaxRetries,
		backoff:    opts.Backoff,
		sendTTL:    opts.SendTimeout,
	}
}

// Publish enqueues without blocking.
func (p *BufferedPublisher) Publish(_ context.Context, eventType string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrBufferFull
	}
	select {
	case p.queue <- bufferedEvent{eventType: eventType, payload: append([]byte(nil), payload...)}:
		return nil
	default:
		return ErrBufferFull
	}
}

// Close stops intake; Run drains what is queued and returns.
func (p *BufferedPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
}

// Run delivers events until the queue is closed and drained, or ctx ends.
func (p *BufferedPublisher) Run(ctx context.Context) error {
	delivered, deadLettered := 0, 0
	defer func() {
		p.logger.InfoContext(context.WithoutCancel(ctx), "event buffer stopped",
			"module", "adapters.events",
			"layer", "adapter",
			"operation", "buffered_publish",
			"outcome", "stopped",
			"delivered_count", delivered,
			"dead_lettered_count", deadLettered,
		)
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-p.queue:
			if !ok {
				return nil
			}
			if p.deliver(ctx, ev) {
				delivered++
			} else {
				deadLettered++
			}
		}
	}
}

func (p *BufferedPublisher) deliver(ctx context.Context, ev bufferedEvent) bool {
	for {
		sendCtx, cancel := context.WithTimeout(ctx, p.sendTTL)
		err := p.next.Publish(sendCtx, ev.eventType, ev.payload)
		cancel()
		if err == nil {
			return true
		}
		ev.attempts++
		if ev.attempts >= p.maxRetries || ctx.Err() != nil {
			p.logger.ErrorContext(ctx, "event moved to dead letter log",
				"module", "adapters.events",
				"layer", "adapter",
				"operation", "publish_event",
				"outcome", "failure",
				"event_type", ev.eventType,
				"payload", string(ev.payload),
				"retry_count", ev.attempts,
				"error", err,
			)
			return false
		}
		p.logger.WarnContext(ctx, "event publish failed; retry scheduled",
			"module", "adapters.events",
			"layer", "adapter",
			"operation", "publish_event",
			"outcome", "failure",
			"event_type", ev.eventType,
			"retry_count", ev.attempts,
			"error", err,
		)
		select {
		case <-ctx.Done():
		case <-time.After(p.backoff * time.Duration(ev.attempts)):
		}
	}
}
