package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/IshaanNene/portalsession/internal/types"
)

// MemoryStore keeps records in a map. It is meant for tests and single
// process development.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*types.SessionRecord
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*types.SessionRecord)}
}

func (s *MemoryStore) Name() string { return "memory" }

func (s *MemoryStore) Get(_ context.Context, userID string) (*types.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[userID]
	if !ok {
		return nil, types.ErrSessionNotFound
	}
	return rec.Snapshot(), nil
}

func (s *MemoryStore) Upsert(_ context.Context, rec *types.SessionRecord) error {
	if err := validate(rec); err != nil {
		return &types.StorageError{Backend: s.Name(), Err: err}
	}
	s.mu.Lock()
	s.records[rec.UserID] = rec.Snapshot()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	delete(s.records, userID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Expiring(_ context.Context, from, to time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for id, rec := range s.records {
		if inWindow(rec.ExpiresAt, from, to) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *MemoryStore) Close() error { return nil }
