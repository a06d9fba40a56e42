package storage

import (
	"context"
	"time"

	"xrpl-amm-collector/internal/domain"
)

// TokenTransactionStore provides access to token_transactions storage.
// The table is append-only; uniqueness on (hash, wallet, currency, issuer)
// is enforced by the store, never by the caller.
type TokenTransactionStore interface {
	// Insert adds a new transaction. Returns ErrDuplicateKey if the
	// (hash, wallet_address, currency, issuer) key exists.
	Insert(ctx context.Context, tx *domain.TokenTransaction) error

	// InsertBulk adds multiple transactions atomically. Fails the entire
	// batch with ErrDuplicateKey on any duplicate.
	InsertBulk(ctx context.Context, txs []*domain.TokenTransaction) error

	// GetByWallet retrieves all transactions for a wallet, ordered by
	// (ledger_index ASC, hash ASC).
	GetByWallet(ctx context.Context, wallet string) ([]*domain.TokenTransaction, error)

	// GetByLedgerRange retrieves transactions for a wallet within
	// [from, to] (inclusive), ordered by (ledger_index ASC, hash ASC).
	GetByLedgerRange(ctx context.Context, wallet string, from, to int64) ([]*domain.TokenTransaction, error)

	// CountByHash returns how many rows exist for a transaction hash.
	CountByHash(ctx context.Context, hash string) (int64, error)

	// CountSince returns the number of rows stored at or after ts.
	CountSince(ctx context.Context, ts time.Time) (int64, error)
}

// AMMSnapshotStore provides access to amm_snapshots storage.
type AMMSnapshotStore interface {
	// Upsert stores a snapshot keyed by (amm_address, ledger_index).
	// An existing row for the same key is overwritten (last write wins
	// within a ledger).
	Upsert(ctx context.Context, s *domain.AMMSnapshot) error

	// Exists reports whether a snapshot exists for (amm_address, ledger_index).
	Exists(ctx context.Context, ammAccount string, ledgerIndex int64) (bool, error)

	// GetLatest retrieves the most recent snapshot for a pool.
	// Returns ErrNotFound if none exists.
	GetLatest(ctx context.Context, ammAccount string) (*domain.AMMSnapshot, error)

	// GetByLedgerRange retrieves snapshots for a pool within [from, to]
	// (inclusive), ordered by ledger_index ASC.
	GetByLedgerRange(ctx context.Context, ammAccount string, from, to int64) ([]*domain.AMMSnapshot, error)

	// CountSince returns the number of rows stored at or after ts.
	CountSince(ctx context.Context, ts time.Time) (int64, error)
}

// ProgressStore provides persistence for per-target collection progress.
// This enables resumption after restarts without reprocessing history.
type ProgressStore interface {
	// Get returns the progress row for a target.
	// Returns ErrNotFound if no progress has been saved yet.
	Get(ctx context.Context, targetID string) (*domain.CollectionProgress, error)

	// Upsert creates or replaces the progress row for a target.
	Upsert(ctx context.Context, p *domain.CollectionProgress) error

	// List returns progress rows for all targets.
	List(ctx context.Context) ([]*domain.CollectionProgress, error)
}
