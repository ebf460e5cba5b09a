package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/viralforge/authcore/internal/domain"
	"github.com/viralforge/authcore/internal/ports"
)

// blobStore keeps values of type T as JSON strings under one key namespace.
// A missing or lapsed key reads as (nil, nil).
type blobStore[T any] struct {
	client    *redis.Client
	namespace []string
}

func (b blobStore[T]) key(id string) string {
	return key(append(append([]string(nil), b.namespace...), id)...)
}

func (b blobStore[T]) put(ctx context.Context, id string, value T, ttl time.Duration) error {
	if id == "" {
		return domain.ErrInvalidInput
	}
	if ttl <= 0 {
		return fmt.Errorf("%w: ttl must be positive", domain.ErrInvalidInput)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", b.key(id), err)
	}
	return b.client.Set(ctx, b.key(id), raw, ttl).Err()
}

func (b blobStore[T]) get(ctx context.Context, id string) (*T, error) {
	raw, err := b.client.Get(ctx, b.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", b.key(id), err)
	}
	return &out, nil
}

func (b blobStore[T]) del(ctx context.Context, id string) error {
	return b.client.Del(ctx, b.key(id)).Err()
}

// ChallengeStore keeps MFA challenges until shortly after they expire.
type ChallengeStore struct {
	blobs blobStore[domain.MFAChallenge]
}

func NewChallengeStore(client *redis.Client) *ChallengeStore {
	return &ChallengeStore{blobs: blobStore[domain.MFAChallenge]{client: client, namespace: []string{"mfa", "challenge"}}}
}

func (s *ChallengeStore) Put(ctx context.Context, challenge domain.MFAChallenge, ttl time.Duration) error {
	return s.blobs.put(ctx, challenge.ID, challenge, ttl)
}

func (s *ChallengeStore) Get(ctx context.Context, challengeID string) (*domain.MFAChallenge, error) {
	return s.blobs.get(ctx, challengeID)
}

func (s *ChallengeStore) Delete(ctx context.Context, challengeID string) error {
	return s.blobs.del(ctx, challengeID)
}

// OIDCStateStore parks the PKCE verifier and nonce of a pending authorization.
type OIDCStateStore struct {
	blobs blobStore[ports.OIDCAuthState]
}

func NewOIDCStateStore(client *redis.Client) *OIDCStateStore {
	return &OIDCStateStore{blobs: blobStore[ports.OIDCAuthState]{client: client, namespace: []string{"oidc", "state"}}}
}

func (s *OIDCStateStore) Put(ctx context.Context, state string, value ports.OIDCAuthState, ttl time.Duration) error {
	return s.blobs.put(ctx, state, value, ttl)
}

// Get returns (nil, nil) once the state is consumed or lapsed.
func (s *OIDCStateStore) Get(ctx context.Context, state string) (*ports.OIDCAuthState, error) {
	return s.blobs.get(ctx, state)
}

func (s *OIDCStateStore) Delete(ctx context.Context, state string) error {
	return s.blobs.del(ctx, state)
}
