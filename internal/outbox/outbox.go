// Package outbox spools cash movements whose write to the drawer ledger failed
// so they can be replayed later.
package outbox

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"gudangkas/backend/internal/domain"
	"gudangkas/backend/internal/xid"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusPosted  Status = "posted"
	StatusDead    Status = "dead"
)

var ErrEntryNotFound = errors.New("outbox entry not found")

type Entry struct {
	ID        string              `json:"id"`
	Movement  domain.CashMovement `json:"movement"`
	Status    Status              `json:"status"`
	Attempts  int                 `json:"attempts"`
	LastError string              `json:"last_error,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

type Spool interface {
	Enqueue(ctx context.Context, movement domain.CashMovement, cause string) (Entry, error)
	Pending(ctx context.Context, limit int) ([]Entry, error)
	MarkPosted(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string, reason string, dead bool, at time.Time) error
	List(ctx context.Context, status Status, limit int) ([]Entry, error)
}

type MemorySpool struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemorySpool() *MemorySpool {
	return &MemorySpool{entries: make(map[string]Entry)}
}

func (s *MemorySpool) Enqueue(_ context.Context, movement domain.CashMovement, cause string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	entry := Entry{
		ID:        xid.New("obx"),
		Movement:  movement,
		Status:    StatusPending,
		LastError: cause,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.entries[entry.ID] = entry
	return entry, nil
}

func (s *MemorySpool) Pending(ctx context.Context, limit int) ([]Entry, error) {
	return s.List(ctx, StatusPending, limit)
}

func (s *MemorySpool) MarkPosted(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return ErrEntryNotFound
	}
	entry.Status = StatusPosted
	entry.UpdatedAt = at
	s.entries[id] = entry
	return nil
}

func (s *MemorySpool) MarkFailed(_ context.Context, id string, reason string, dead bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return ErrEntryNotFound
	}
	entry.Attempts++
	entry.LastError = reason
	entry.UpdatedAt = at
	if dead {
		entry.Status = StatusDead
	}
	s.entries[id] = entry
	return nil
}

// List returns entries oldest first. An empty status matches all.
func (s *MemorySpool) List(_ context.Context, status Status, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0)
	for _, entry := range s.entries {
		if status != "" && entry.Status != status {
			continue
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
