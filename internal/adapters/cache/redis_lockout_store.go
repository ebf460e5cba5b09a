package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/viralforge/authcore/internal/ports"
)

// staleLockoutTTL bounds how long a failure counter survives without a lock.
const staleLockoutTTL = 24 * time.Hour

// LockoutStore keeps failed-login counters in Redis hashes.
type LockoutStore struct {
	client *redis.Client
}

func NewLockoutStore(client *redis.Client) *LockoutStore {
	return &LockoutStore{client: client}
}

func (s *LockoutStore) Get(ctx context.Context, loginKey string) (ports.LockoutState, error) {
	data, err := s.client.HGetAll(ctx, key("lockout", loginKey)).Result()
	if err != nil {
		return ports.LockoutState{}, err
	}
	return decodeLockout(data), nil
}

func (s *LockoutStore) RecordFailure(ctx context.Context, loginKey string, now time.Time, threshold int, lockoutWindow time.Duration) (ports.LockoutState, error) {
	redisKey := key("lockout", loginKey)
	count, err := s.client.HIncrBy(ctx, redisKey, "failed_count", 1).Result()
	if err != nil {
		return ports.LockoutState{}, err
	}
	state := ports.LockoutState{FailedCount: int(count)}
	if int(count) < threshold {
		if err := s.client.Expire(ctx, redisKey, staleLockoutTTL).Err(); err != nil {
			return ports.LockoutState{}, err
		}
		return state, nil
	}

	lockedUntil := now.Add(lockoutWindow).UTC()
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, redisKey, "locked_until", lockedUntil.Unix())
		p.Expire(ctx, redisKey, lockoutWindow+staleLockoutTTL)
		return nil
	})
	if err != nil {
		return ports.LockoutState{}, err
	}
	state.LockedUntil = &lockedUntil
	return state, nil
}

func (s *LockoutStore) Clear(ctx context.Context, loginKey string) error {
	return s.client.Del(ctx, key("lockout", loginKey)).Err()
}

func decodeLockout(data map[string]string) ports.LockoutState {
	var state ports.LockoutState
	if n, err := strconv.Atoi(data["failed_count"]); err == nil {
		state.FailedCount = n
	}
	if unix, err := strconv.ParseInt(data["locked_until"], 10, 64); err == nil && unix > 0 {
		t := time.Unix(unix, 0).UTC()
		state.LockedUntil = &t
	}
	return state
}
