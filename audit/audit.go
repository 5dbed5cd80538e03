// Package audit records one entry per forwarded request: which route was hit,
// where it went and how it ended. Cookies, credentials and bodies are never recorded.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Outcome classifies how a request ended.
type Outcome string

const (
	// OutcomeRelayed means the backend answered and its response was relayed, whatever the status.
	OutcomeRelayed Outcome = "relayed"
	// OutcomeRejected means the request was refused locally before forwarding.
	OutcomeRejected Outcome = "rejected"
	// OutcomeConfigError means the backend URL was not configured.
	OutcomeConfigError Outcome = "config_error"
	// OutcomeUpstreamError means the backend could not be reached.
	OutcomeUpstreamError Outcome = "upstream_error"
)

const (
	DefaultCapacity = 1000
	DefaultLimit    = 100
	MaxLimit        = 1000
)

// Entry is one audited request.
type Entry struct {
	ID          uuid.UUID `db:"id" json:"id"`
	RequestID   string    `db:"request_id" json:"requestId"`
	Route       string    `db:"route" json:"route"`
	Method      string    `db:"method" json:"method"`
	BackendPath string    `db:"backend_path" json:"backendPath"`
	Status      int       `db:"status" json:"status"`
	Outcome     Outcome   `db:"outcome" json:"outcome"`
	DurationMS  int64     `db:"duration_ms" json:"durationMs"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
}

// Store persists audit entries.
type Store interface {
	// Record saves an entry, assigning an ID and timestamp when missing.
	Record(ctx context.Context, e *Entry) error

	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, limit int) ([]Entry, error)
}

func prepare(e *Entry) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// InMemoryStore keeps the most recent entries in a fixed-size ring.
type InMemoryStore struct {
	entries []Entry
	next    int
	full    bool
	mu      sync.RWMutex
}

// NewInMemoryStore creates a ring holding up to capacity entries.
func NewInMemoryStore(capacity int) *InMemoryStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &InMemoryStore{
		entries: make([]Entry, capacity),
	}
}

func (s *InMemoryStore) Record(_ context.Context, e *Entry) error {
	prepare(e)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[s.next] = *e
	s.next = (s.next + 1) % len(s.entries)
	if s.next == 0 {
		s.full = true
	}
	return nil
}

func (s *InMemoryStore) Recent(_ context.Context, limit int) ([]Entry, error) {
	limit = clampLimit(limit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	size := s.next
	if s.full {
		size = len(s.entries)
	}
	if limit > size {
		limit = size
	}

	out := make([]Entry, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (s.next - i + len(s.entries)) % len(s.entries)
		out = append(out, s.entries[idx])
	}
	return out, nil
}

// Len returns the number of entries held.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.full {
		return len(s.entries)
	}
	return s.next
}
