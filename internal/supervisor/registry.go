package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"xrpl-amm-collector/internal/domain"
	"xrpl-amm-collector/internal/reconcile"
	"xrpl-amm-collector/internal/storage"
)

var _ reconcile.ProgressTracker = (*Registry)(nil)

// Registry serializes progress updates per target. Each target has one
// writer at a time; the registry's mutex makes read-modify-write against
// the backing store atomic, so the stream goroutine and the reconciler
// never interleave half-applied updates.
type Registry struct {
	store storage.ProgressStore
	mu    sync.Mutex
}

// NewRegistry creates a Registry over a progress store.
func NewRegistry(store storage.ProgressStore) *Registry {
	return &Registry{store: store}
}

// Update applies fn to the target's progress row under the registry lock
// and persists the result. A missing row starts from a zero-value idle
// record. LastUpdate is stamped after fn runs.
func (r *Registry) Update(ctx context.Context, targetID string, fn func(*domain.CollectionProgress)) (*domain.CollectionProgress, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prog, err := r.store.Get(ctx, targetID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("load progress for %s: %w", targetID, err)
		}
		prog = &domain.CollectionProgress{TargetID: targetID, Status: domain.StatusIdle}
	}

	fn(prog)
	prog.LastUpdate = time.Now().UTC()

	if err := r.store.Upsert(ctx, prog); err != nil {
		return nil, fmt.Errorf("persist progress for %s: %w", targetID, err)
	}
	return prog.Clone(), nil
}

// Get returns a copy of the target's progress row.
func (r *Registry) Get(ctx context.Context, targetID string) (*domain.CollectionProgress, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prog, err := r.store.Get(ctx, targetID)
	if err != nil {
		return nil, err
	}
	return prog.Clone(), nil
}

// List returns copies of all progress rows.
func (r *Registry) List(ctx context.Context) ([]*domain.CollectionProgress, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.CollectionProgress, len(rows))
	for i, p := range rows {
		out[i] = p.Clone()
	}
	return out, nil
}
