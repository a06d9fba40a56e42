package memory

import (
	"context"
	"sort"
	"sync"

	"xrpl-amm-collector/internal/domain"
	"xrpl-amm-collector/internal/storage"
)

// ProgressStore is an in-memory implementation of storage.ProgressStore.
type ProgressStore struct {
	mu   sync.RWMutex
	data map[string]*domain.CollectionProgress
}

// NewProgressStore creates a new in-memory progress store.
func NewProgressStore() *ProgressStore {
	return &ProgressStore{
		data: make(map[string]*domain.CollectionProgress),
	}
}

// Compile-time interface check.
var _ storage.ProgressStore = (*ProgressStore)(nil)

// Get returns the progress row for a target.
func (s *ProgressStore) Get(_ context.Context, targetID string) (*domain.CollectionProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.data[targetID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return p.Clone(), nil
}

// Upsert creates or replaces the progress row for a target.
func (s *ProgressStore) Upsert(_ context.Context, p *domain.CollectionProgress) error {
	if p == nil || p.TargetID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[p.TargetID] = p.Clone()
	return nil
}

// List returns progress rows for all targets, ordered by target ID.
func (s *ProgressStore) List(_ context.Context) ([]*domain.CollectionProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.CollectionProgress, 0, len(s.data))
	for _, p := range s.data {
		result = append(result, p.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].TargetID < result[j].TargetID
	})
	return result, nil
}
