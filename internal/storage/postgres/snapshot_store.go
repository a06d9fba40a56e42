package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"xrpl-amm-collector/internal/domain"
	"xrpl-amm-collector/internal/storage"
)

// AMMSnapshotStore implements storage.AMMSnapshotStore using PostgreSQL.
type AMMSnapshotStore struct {
	pool *Pool
}

// NewAMMSnapshotStore creates a new AMMSnapshotStore.
func NewAMMSnapshotStore(pool *Pool) *AMMSnapshotStore {
	return &AMMSnapshotStore{pool: pool}
}

// Compile-time interface check.
var _ storage.AMMSnapshotStore = (*AMMSnapshotStore)(nil)

// Upsert stores a snapshot keyed by (amm_address, ledger_index).
// Conflicting upserts on the same key are serialized by the unique
// constraint; last write wins within a ledger.
func (s *AMMSnapshotStore) Upsert(ctx context.Context, snap *domain.AMMSnapshot) error {
	query := `
		INSERT INTO amm_snapshots (
			amm_address, ledger_index, timestamp,
			asset1_currency, asset1_issuer, asset1_amount,
			asset2_currency, asset2_issuer, asset2_amount,
			lp_token_currency, lp_token_supply, trading_fee,
			k_constant, price, tvl_xrp, capture_reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (amm_address, ledger_index) DO UPDATE SET
			timestamp = EXCLUDED.timestamp,
			asset1_currency = EXCLUDED.asset1_currency,
			asset1_issuer = EXCLUDED.asset1_issuer,
			asset1_amount = EXCLUDED.asset1_amount,
			asset2_currency = EXCLUDED.asset2_currency,
			asset2_issuer = EXCLUDED.asset2_issuer,
			asset2_amount = EXCLUDED.asset2_amount,
			lp_token_currency = EXCLUDED.lp_token_currency,
			lp_token_supply = EXCLUDED.lp_token_supply,
			trading_fee = EXCLUDED.trading_fee,
			k_constant = EXCLUDED.k_constant,
			price = EXCLUDED.price,
			tvl_xrp = EXCLUDED.tvl_xrp,
			capture_reason = EXCLUDED.capture_reason
	`

	_, err := s.pool.Exec(ctx, query,
		snap.AMMAccount,
		snap.LedgerIndex,
		snap.Timestamp,
		snap.Asset1Currency,
		snap.Asset1Issuer,
		snap.Asset1Amount,
		snap.Asset2Currency,
		snap.Asset2Issuer,
		snap.Asset2Amount,
		snap.LPTokenCurrency,
		snap.LPTokenSupply,
		snap.TradingFee,
		snap.KConstant,
		snap.Price,
		snap.TVLXRP,
		snap.Reason.String(),
	)
	if err != nil {
		return fmt.Errorf("upsert amm snapshot: %w", err)
	}
	return nil
}

// Exists reports whether a snapshot exists for (amm_address, ledger_index).
func (s *AMMSnapshotStore) Exists(ctx context.Context, ammAccount string, ledgerIndex int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM amm_snapshots WHERE amm_address = $1 AND ledger_index = $2)`,
		ammAccount, ledgerIndex,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check amm snapshot exists: %w", err)
	}
	return exists, nil
}

const selectAMMSnapshotSQL = `
	SELECT amm_address, ledger_index, timestamp,
	       asset1_currency, asset1_issuer, asset1_amount,
	       asset2_currency, asset2_issuer, asset2_amount,
	       lp_token_currency, lp_token_supply, trading_fee,
	       k_constant, price, tvl_xrp, capture_reason
	FROM amm_snapshots
`

// GetLatest retrieves the most recent snapshot for a pool.
func (s *AMMSnapshotStore) GetLatest(ctx context.Context, ammAccount string) (*domain.AMMSnapshot, error) {
	query := selectAMMSnapshotSQL + `
		WHERE amm_address = $1
		ORDER BY ledger_index DESC
		LIMIT 1
	`

	row := s.pool.QueryRow(ctx, query, ammAccount)
	snap, err := scanAMMSnapshot(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get latest amm snapshot: %w", err)
	}
	return snap, nil
}

// GetByLedgerRange retrieves snapshots for a pool within [from, to] inclusive.
func (s *AMMSnapshotStore) GetByLedgerRange(ctx context.Context, ammAccount string, from, to int64) ([]*domain.AMMSnapshot, error) {
	query := selectAMMSnapshotSQL + `
		WHERE amm_address = $1 AND ledger_index >= $2 AND ledger_index <= $3
		ORDER BY ledger_index ASC
	`

	rows, err := s.pool.Query(ctx, query, ammAccount, from, to)
	if err != nil {
		return nil, fmt.Errorf("get amm snapshots by ledger range: %w", err)
	}
	defer rows.Close()

	var snaps []*domain.AMMSnapshot
	for rows.Next() {
		snap, err := scanAMMSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan amm snapshot row: %w", err)
		}
		snaps = append(snaps, snap)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate amm snapshot rows: %w", err)
	}

	return snaps, nil
}

// CountSince returns the number of rows stored at or after ts.
func (s *AMMSnapshotStore) CountSince(ctx context.Context, ts time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM amm_snapshots WHERE timestamp >= $1`, ts,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count amm snapshots since: %w", err)
	}
	return n, nil
}

// scanAMMSnapshot scans a single row into an AMMSnapshot.
func scanAMMSnapshot(row pgx.Row) (*domain.AMMSnapshot, error) {
	var snap domain.AMMSnapshot
	var reason string

	err := row.Scan(
		&snap.AMMAccount,
		&snap.LedgerIndex,
		&snap.Timestamp,
		&snap.Asset1Currency,
		&snap.Asset1Issuer,
		&snap.Asset1Amount,
		&snap.Asset2Currency,
		&snap.Asset2Issuer,
		&snap.Asset2Amount,
		&snap.LPTokenCurrency,
		&snap.LPTokenSupply,
		&snap.TradingFee,
		&snap.KConstant,
		&snap.Price,
		&snap.TVLXRP,
		&reason,
	)
	if err != nil {
		return nil, err
	}

	snap.Reason = domain.CaptureReason(reason)
	return &snap, nil
}
