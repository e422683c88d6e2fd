package cache

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockHeld is returned by Locker.Obtain when another holder owns the key.
var ErrLockHeld = errors.New("lock is held by another worker")

// StoredResponse is a replayable HTTP response kept under an idempotency key.
type StoredResponse struct {
	Status      int    `json:"status"`
	Body        []byte `json:"body"`
	ContentType string `json:"content_type"`
}

type IdempotencyStore interface {
	Get(ctx context.Context, key string) (*StoredResponse, bool, error)
	Set(ctx context.Context, key string, value *StoredResponse, ttl time.Duration) error
}

type Lease interface {
	Release(ctx context.Context) error
}

type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

type NoopIdempotencyStore struct{}

func (NoopIdempotencyStore) Get(_ context.Context, _ string) (*StoredResponse, bool, error) {
	return nil, false, nil
}

func (NoopIdempotencyStore) Set(_ context.Context, _ string, _ *StoredResponse, _ time.Duration) error {
	return nil
}

// NoopLocker always grants the lock. Used when no Redis is configured.
type NoopLocker struct{}

func (NoopLocker) Obtain(_ context.Context, _ string, _ time.Duration) (Lease, error) {
	return noopLease{}, nil
}

type noopLease struct{}

func (noopLease) Release(_ context.Context) error { return nil }

// MemoryIdempotencyStore keeps responses in process. Single-instance deployments only.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value     StoredResponse
	expiresAt time.Time
}

func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{entries: make(map[string]memoryEntry), now: time.Now}
}

func (s *MemoryIdempotencyStore) Get(_ context.Context, key string) (*StoredResponse, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !s.now().Before(entry.expiresAt) {
		delete(s.entries, key)
		return nil, false, nil
	}
	value := entry.value
	value.Body = append([]byte(nil), entry.value.Body...)
	return &value, true, nil
}

func (s *MemoryIdempotencyStore) Set(_ context.Context, key string, value *StoredResponse, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *value
	stored.Body = append([]byte(nil), value.Body...)
	s.entries[key] = memoryEntry{value: stored, expiresAt: s.now().Add(ttl)}
	return nil
}

// MemoryLocker is an in-process Locker with TTL expiry.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]time.Time), now: time.Now}
}

func (l *MemoryLocker) Obtain(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if expiresAt, ok := l.held[key]; ok && l.now().Before(expiresAt) {
		return nil, ErrLockHeld
	}
	l.held[key] = l.now().Add(ttl)
	return &memoryLease{locker: l, key: key}, nil
}

type memoryLease struct {
	locker *MemoryLocker
	key    string
}

func (m *memoryLease) Release(_ context.Context) error {
	m.locker.mu.Lock()
	defer m.locker.mu.Unlock()
	delete(m.locker.held, m.key)
	return nil
}
