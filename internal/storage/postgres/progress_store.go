package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"xrpl-amm-collector/internal/domain"
	"xrpl-amm-collector/internal/storage"
)

// ProgressStore implements storage.ProgressStore using PostgreSQL.
// collection_progress is the only table with in-place update semantics.
type ProgressStore struct {
	pool *Pool
}

// NewProgressStore creates a new ProgressStore.
func NewProgressStore(pool *Pool) *ProgressStore {
	return &ProgressStore{pool: pool}
}

// Compile-time interface check.
var _ storage.ProgressStore = (*ProgressStore)(nil)

// Get returns the progress row for a target.
func (s *ProgressStore) Get(ctx context.Context, targetID string) (*domain.CollectionProgress, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT target_id, last_processed_ledger, status, last_update, error_detail, records_collected
		FROM collection_progress
		WHERE target_id = $1
	`, targetID)

	p, err := scanProgress(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get collection progress: %w", err)
	}
	return p, nil
}

// Upsert creates or replaces the progress row for a target.
func (s *ProgressStore) Upsert(ctx context.Context, p *domain.CollectionProgress) error {
	if p == nil || p.TargetID == "" {
		return storage.ErrInvalidInput
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO collection_progress (
			target_id, last_processed_ledger, status, last_update, error_detail, records_collected
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (target_id) DO UPDATE SET
			last_processed_ledger = EXCLUDED.last_processed_ledger,
			status = EXCLUDED.status,
			last_update = EXCLUDED.last_update,
			error_detail = EXCLUDED.error_detail,
			records_collected = EXCLUDED.records_collected
	`,
		p.TargetID,
		p.LastProcessedLedger,
		p.Status.String(),
		p.LastUpdate,
		p.ErrorDetail,
		p.RecordsCollected,
	)
	if err != nil {
		return fmt.Errorf("upsert collection progress: %w", err)
	}
	return nil
}

// List returns progress rows for all targets, ordered by target ID.
func (s *ProgressStore) List(ctx context.Context) ([]*domain.CollectionProgress, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT target_id, last_processed_ledger, status, last_update, error_detail, records_collected
		FROM collection_progress
		ORDER BY target_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list collection progress: %w", err)
	}
	defer rows.Close()

	var result []*domain.CollectionProgress
	for rows.Next() {
		p, err := scanProgress(rows)
		if err != nil {
			return nil, fmt.Errorf("scan collection progress row: %w", err)
		}
		result = append(result, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collection progress rows: %w", err)
	}

	return result, nil
}

// scanProgress scans a single row into a CollectionProgress.
func scanProgress(row pgx.Row) (*domain.CollectionProgress, error) {
	var p domain.CollectionProgress
	var status string

	err := row.Scan(
		&p.TargetID,
		&p.LastProcessedLedger,
		&status,
		&p.LastUpdate,
		&p.ErrorDetail,
		&p.RecordsCollected,
	)
	if err != nil {
		return nil, err
	}

	p.Status = domain.CollectionStatus(status)
	return &p, nil
}
