package ports

import "context"

// EventPublisher is the outbound domain-event publish port.
// The application uses this abstraction to keep broker/client concerns in adapters.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, payload []byte) error
}

// SyncBus is a best-effort broadcast medium shared by every instance (or tab) of a session.
// Delivery is at-least-once with no ordering guarantee; subscribers must be idempotent.
type SyncBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe invokes handler for every payload on channel until the returned cancel is called.
	Subscribe(ctx context.Context, channel string, handler func(payload []byte)) (cancel func(), err error)
}

// CodeSender delivers one-time codes over an out-of-band channel (SMS gateway, mailer).
type CodeSender interface {
	SendCode(ctx context.Context, destination, code string) error
}
