package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryProgressStore is a development and test implementation of
// ProgressStore. A single mutex serializes all upserts, which trivially
// satisfies the per-(user, book) serialization contract; production uses
// the Postgres store with row locks instead.
type InMemoryProgressStore struct {
	mu      sync.Mutex
	records map[string]map[string]*Record // userID -> bookID -> record
	now     func() time.Time
}

func NewInMemoryProgressStore() *InMemoryProgressStore {
	return &InMemoryProgressStore{
		records: make(map[string]map[string]*Record),
		now:     time.Now,
	}
}

// SetClock replaces the wall-clock source. Tests use this to step
// through hot-window boundaries deterministically.
func (s *InMemoryProgressStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *InMemoryProgressStore) Upsert(_ context.Context, userID string, in UpsertInput) (UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()

	if err := ValidateTimestamp(in.UpdatedAt, now); err != nil {
		return UpsertResult{}, err
	}

	books := s.records[userID]
	if books == nil {
		books = make(map[string]*Record)
		s.records[userID] = books
	}

	existing := books[in.BookID]

	if shouldApply(existing, in, now) {
		version := int64(1)
		if existing != nil {
			version = existing.SyncVersion + 1
		}

		rec := recordFrom(userID, in, version, now)
		books[in.BookID] = &rec

		return UpsertResult{Updated: true, Record: rec}, nil
	}

	// Rejected writes still refresh ServerSyncedAt. This deliberately
	// extends the hot window on every contended attempt, keeping the
	// current winner sticky against a burst of stale competitors.
	existing.ServerSyncedAt = now

	return UpsertResult{Updated: false, Record: *existing}, nil
}

func (s *InMemoryProgressStore) List(_ context.Context, userID string, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit = clampLimit(limit)

	var out []Record
	for _, rec := range s.records[userID] {
		out = append(out, *rec)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt != out[j].UpdatedAt {
			return out[i].UpdatedAt > out[j].UpdatedAt
		}
		return out[i].BookID > out[j].BookID
	})

	if len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}
