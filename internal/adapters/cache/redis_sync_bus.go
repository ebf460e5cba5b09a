package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// SyncBus fans session timeout and token refresh broadcasts out to every
// authcore instance through Redis pub/sub.
type SyncBus struct {
	client *redis.Client
	logger *slog.Logger
}

func NewSyncBus(client *redis.Client, logger *slog.Logger) *SyncBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncBus{client: client, logger: logger}
}

func (b *SyncBus) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, key("sync", channel), payload).Err()
}

// Subscribe waits for the subscription to be confirmed, then delivers messages
// on a dedicated goroutine until cancel is called. Cancel does not wait for an
// in-flight handler, so handlers may cancel their own subscription.
func (b *SyncBus) Subscribe(ctx context.Context, channel string, handler func(payload []byte)) (func(), error) {
	pubsub := b.client.Subscribe(ctx, key("sync", channel))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	go func() {
		for msg := range pubsub.Channel() {
			handler([]byte(msg.Payload))
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := pubsub.Close(); err != nil {
				b.logger.Warn("redis sync unsubscribe failed",
					"module", "adapters.cache",
					"layer", "adapter",
					"channel", channel,
					"error", err,
				)
			}
		})
	}, nil
}
