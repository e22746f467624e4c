package history

import (
	"context"
	"sync"

	"github.com/signalsfoundry/geospatial-session/model"
)

// MemoryStore keeps history in process memory. It is safe for concurrent use.
type MemoryStore struct {
	mu      sync.Mutex
	entries []model.AnchorHistoryEntry
}

// NewMemoryStore returns a store holding seed, in order.
func NewMemoryStore(seed ...model.AnchorHistoryEntry) *MemoryStore {
	return &MemoryStore{entries: append([]model.AnchorHistoryEntry(nil), seed...)}
}

func (s *MemoryStore) Append(_ context.Context, e model.AnchorHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *MemoryStore) Load(context.Context) ([]model.AnchorHistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.AnchorHistoryEntry(nil), s.entries...), nil
}

func (s *MemoryStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// Len returns the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
