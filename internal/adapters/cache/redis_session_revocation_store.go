package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RevocationStore flags revoked sessions until their last token would have expired.
type RevocationStore struct {
	client *redis.Client
	nowFn  func() time.Time
}

func NewRevocationStore(client *redis.Client, nowFn func() time.Time) *RevocationStore {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &RevocationStore{client: client, nowFn: nowFn}
}

func (s *RevocationStore) MarkRevoked(ctx context.Context, sessionID string, until time.Time) error {
	ttl := until.Sub(s.nowFn())
	if ttl <= 0 {
		return nil
	}
	return s.client.Set(ctx, key("revoked", sessionID), "1", ttl).Err()
}

func (s *RevocationStore) IsRevoked(ctx context.Context, sessionID string) (bool, error) {
	n, err := s.client.Exists(ctx, key("revoked", sessionID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
