// Package memory holds in-process adapters used when Redis, Postgres or Kafka are not
// configured, and as fakes in tests.
package memory

import (
	"context"
	"sync"
)

// Bus is an in-process SyncBus. Publish delivers synchronously to every current subscriber.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[int]func([]byte)
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[int]func([]byte))}
}

func (b *Bus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	handlers := make([]func([]byte), 0, len(b.subs[channel]))
	for _, h := range b.subs[channel] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(append([]byte(nil), payload...))
	}
	return nil
}

func (b *Bus) Subscribe(_ context.Context, channel string, handler func([]byte)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[int]func([]byte))
	}
	id := b.next
	b.next++
	b.subs[channel][id] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[channel], id)
			if len(b.subs[channel]) == 0 {
				delete(b.subs, channel)
			}
		})
	}, nil
}

// Subscribers reports the number of live subscriptions on channel.
func (b *Bus) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}
