package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"xrpl-amm-collector/internal/domain"
	"xrpl-amm-collector/internal/storage"
)

// snapshotKey is the composite natural key for snapshot deduplication.
type snapshotKey struct {
	AMMAccount  string
	LedgerIndex int64
}

// AMMSnapshotStore is an in-memory implementation of storage.AMMSnapshotStore.
type AMMSnapshotStore struct {
	mu   sync.RWMutex
	data map[snapshotKey]*domain.AMMSnapshot
}

// NewAMMSnapshotStore creates a new in-memory snapshot store.
func NewAMMSnapshotStore() *AMMSnapshotStore {
	return &AMMSnapshotStore{
		data: make(map[snapshotKey]*domain.AMMSnapshot),
	}
}

// Compile-time interface check.
var _ storage.AMMSnapshotStore = (*AMMSnapshotStore)(nil)

// Upsert stores a snapshot keyed by (amm_address, ledger_index),
// overwriting an existing row for the same key.
func (s *AMMSnapshotStore) Upsert(_ context.Context, snap *domain.AMMSnapshot) error {
	if snap == nil {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *snap
	s.data[snapshotKey{snap.AMMAccount, snap.LedgerIndex}] = &cp
	return nil
}

// Exists reports whether a snapshot exists for (amm_address, ledger_index).
func (s *AMMSnapshotStore) Exists(_ context.Context, ammAccount string, ledgerIndex int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.data[snapshotKey{ammAccount, ledgerIndex}]
	return ok, nil
}

// GetLatest retrieves the snapshot with the highest ledger index for a pool.
func (s *AMMSnapshotStore) GetLatest(_ context.Context, ammAccount string) (*domain.AMMSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *domain.AMMSnapshot
	for key, snap := range s.data {
		if key.AMMAccount != ammAccount {
			continue
		}
		if latest == nil || snap.LedgerIndex > latest.LedgerIndex {
			latest = snap
		}
	}
	if latest == nil {
		return nil, storage.ErrNotFound
	}

	cp := *latest
	return &cp, nil
}

// GetByLedgerRange retrieves snapshots for a pool within [from, to] inclusive,
// ordered by ledger_index ASC.
func (s *AMMSnapshotStore) GetByLedgerRange(_ context.Context, ammAccount string, from, to int64) ([]*domain.AMMSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.AMMSnapshot
	for key, snap := range s.data {
		if key.AMMAccount == ammAccount && key.LedgerIndex >= from && key.LedgerIndex <= to {
			cp := *snap
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LedgerIndex < result[j].LedgerIndex
	})
	return result, nil
}

// CountSince returns the number of rows with Timestamp at or after ts.
func (s *AMMSnapshotStore) CountSince(_ context.Context, ts time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, snap := range s.data {
		if !snap.Timestamp.Before(ts) {
			n++
		}
	}
	return n, nil
}
