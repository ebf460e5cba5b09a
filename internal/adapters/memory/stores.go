package memory

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/viralforge/authcore/internal/domain"
	"github.com/viralforge/authcore/internal/ports"
)

// ChallengeStore keeps MFA challenges in memory with a TTL.
type ChallengeStore struct {
	mu    sync.Mutex
	items map[string]challengeItem
	nowFn func() time.Time
}

type challengeItem struct {
	raw       []byte
	expiresAt time.Time
}

func NewChallengeStore(nowFn func() time.Time) *ChallengeStore {
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	return &ChallengeStore{items: make(map[string]challengeItem), nowFn: nowFn}
}

// Put stores a serialized copy so later mutation of challenge cannot leak into the store.
func (s *ChallengeStore) Put(_ context.Context, challenge domain.MFAChallenge, ttl time.Duration) error {
	raw, err := json.Marshal(challenge)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[challenge.ID] = challengeItem{raw: raw, expiresAt: s.nowFn().Add(ttl)}
	return nil
}

func (s *ChallengeStore) Get(_ context.Context, challengeID string) (*domain.MFAChallenge, error) {
	s.mu.Lock()
	item, ok := s.items[challengeID]
	if ok && !s.nowFn().Before(item.expiresAt) {
		delete(s.items, challengeID)
		ok = false
	}
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}
	var out domain.MFAChallenge
	if err := json.Unmarshal(item.raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *ChallengeStore) Delete(_ context.Context, challengeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, challengeID)
	return nil
}

// EnrollmentRepository keeps MFA enrollments in memory.
type EnrollmentRepository struct {
	mu    sync.RWMutex
	items map[string]domain.MFAEnrollment
}

func NewEnrollmentRepository() *EnrollmentRepository {
	return &EnrollmentRepository{items: make(map[string]domain.MFAEnrollment)}
}

func (r *EnrollmentRepository) Create(_ context.Context, enrollment domain.MFAEnrollment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.items[enrollment.ID]; exists {
		return domain.ErrConflict
	}
	r.items[enrollment.ID] = cloneEnrollment(enrollment)
	return nil
}

func (r *EnrollmentRepository) Update(_ context.Context, enrollment domain.MFAEnrollment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.items[enrollment.ID]; !exists {
		return domain.ErrNotFound
	}
	r.items[enrollment.ID] = cloneEnrollment(enrollment)
	return nil
}

func (r *EnrollmentRepository) Get(_ context.Context, enrollmentID string) (domain.MFAEnrollment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.items[enrollmentID]
	if !ok {
		return domain.MFAEnrollment{}, domain.ErrNotFound
	}
	return cloneEnrollment(e), nil
}

func (r *EnrollmentRepository) ListByUser(_ context.Context, userID string) ([]domain.MFAEnrollment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.MFAEnrollment, 0)
	for _, e := range r.items {
		if e.UserID == userID {
			out = append(out, cloneEnrollment(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Metadata.EnrolledAt.Equal(out[j].Metadata.EnrolledAt) {
			return out[i].Metadata.EnrolledAt.Before(out[j].Metadata.EnrolledAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func cloneEnrollment(e domain.MFAEnrollment) domain.MFAEnrollment {
	out := e
	if e.DeviceInfo != nil {
		d := *e.DeviceInfo
		out.DeviceInfo = &d
	}
	out.MethodData.CodeHashes = append([]string(nil), e.MethodData.CodeHashes...)
	out.MethodData.UsedCodes = append([]string(nil), e.MethodData.UsedCodes...)
	return out
}

// LockoutStore is the in-memory brute-force lockout state.
type LockoutStore struct {
	mu    sync.Mutex
	items map[string]ports.LockoutState
}

func NewLockoutStore() *LockoutStore {
	return &LockoutStore{items: make(map[string]ports.LockoutState)}
}

func (s *LockoutStore) Get(_ context.Context, key string) (ports.LockoutState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items[key], nil
}

func (s *LockoutStore) RecordFailure(_ context.Context, key string, now time.Time, threshold int, lockoutWindow time.Duration) (ports.LockoutState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.items[key]
	state.FailedCount++
	if state.FailedCount >= threshold {
		until := now.Add(lockoutWindow).UTC()
		state.LockedUntil = &until
	}
	s.items[key] = state
	return state, nil
}

func (s *LockoutStore) Clear(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

// UserCredentialStore keeps users and password hashes in memory, indexed by
// username and lowercased email.
type UserCredentialStore struct {
	mu      sync.RWMutex
	byID    map[string]ports.UserCredential
	byIdent map[string]string
}

func NewUserCredentialStore() *UserCredentialStore {
	return &UserCredentialStore{
		byID:    make(map[string]ports.UserCredential),
		byIdent: make(map[string]string),
	}
}

func (s *UserCredentialStore) Save(_ context.Context, credential ports.UserCredential) error {
	if credential.User.ID == "" {
		return domain.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ident := range identifiersOf(credential.User) {
		if owner, taken := s.byIdent[ident]; taken && owner != credential.User.ID {
			return domain.ErrConflict
		}
	}
	if prev, ok := s.byID[credential.User.ID]; ok {
		for _, ident := range identifiersOf(prev.User) {
			delete(s.byIdent, ident)
		}
	}
	s.byID[credential.User.ID] = credential
	for _, ident := range identifiersOf(credential.User) {
		s.byIdent[ident] = credential.User.ID
	}
	return nil
}

func (s *UserCredentialStore) FindByIdentifier(_ context.Context, identifier string) (ports.UserCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byIdent[normalizeIdentifier(identifier)]
	if !ok {
		return ports.UserCredential{}, domain.ErrNotFound
	}
	return s.byID[id], nil
}

func (s *UserCredentialStore) GetByID(_ context.Context, userID string) (ports.UserCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.byID[userID]
	if !ok {
		return ports.UserCredential{}, domain.ErrNotFound
	}
	return cred, nil
}

func identifiersOf(u domain.AuthUser) []string {
	var out []string
	if u.Username != "" {
		out = append(out, normalizeIdentifier(u.Username))
	}
	if u.Email != "" {
		out = append(out, normalizeIdentifier(u.Email))
	}
	return out
}

func normalizeIdentifier(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// RevocationStore is the in-memory session revocation list. Entries lapse at
// their until time.
type RevocationStore struct {
	mu    sync.Mutex
	items map[string]time.Time
	nowFn func() time.Time
}

func NewRevocationStore(nowFn func() time.Time) *RevocationStore {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &RevocationStore{items: make(map[string]time.Time), nowFn: nowFn}
}

func (s *RevocationStore) MarkRevoked(_ context.Context, sessionID string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[sessionID] = until
	return nil
}

func (s *RevocationStore) IsRevoked(_ context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.items[sessionID]
	if !ok {
		return false, nil
	}
	if !s.nowFn().Before(until) {
		delete(s.items, sessionID)
		return false, nil
	}
	return true, nil
}

// OIDCStateStore keeps pending authorization-code flows in memory with a TTL.
type OIDCStateStore struct {
	mu    sync.Mutex
	items map[string]oidcStateItem
	nowFn func() time.Time
}

type oidcStateItem struct {
	value     ports.OIDCAuthState
	expiresAt time.Time
}

func NewOIDCStateStore(nowFn func() time.Time) *OIDCStateStore {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &OIDCStateStore{items: make(map[string]oidcStateItem), nowFn: nowFn}
}

func (s *OIDCStateStore) Put(_ context.Context, state string, value ports.OIDCAuthState, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[state] = oidcStateItem{value: value, expiresAt: s.nowFn().Add(ttl)}
	return nil
}

func (s *OIDCStateStore) Get(_ context.Context, state string) (*ports.OIDCAuthState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[state]
	if !ok {
		return nil, nil
	}
	if !s.nowFn().Before(item.expiresAt) {
		delete(s.items, state)
		return nil, nil
	}
	out := item.value
	return &out, nil
}

func (s *OIDCStateStore) Delete(_ context.Context, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, state)
	return nil
}
