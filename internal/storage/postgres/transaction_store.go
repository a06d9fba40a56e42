package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"xrpl-amm-collector/internal/domain"
	"xrpl-amm-collector/internal/storage"
)

// TokenTransactionStore implements storage.TokenTransactionStore using PostgreSQL.
type TokenTransactionStore struct {
	pool *Pool
}

// NewTokenTransactionStore creates a new TokenTransactionStore.
func NewTokenTransactionStore(pool *Pool) *TokenTransactionStore {
	return &TokenTransactionStore{pool: pool}
}

// Compile-time interface check.
var _ storage.TokenTransactionStore = (*TokenTransactionStore)(nil)

const insertTokenTransactionSQL = `
	INSERT INTO token_transactions (
		transaction_hash, ledger_index, timestamp, wallet_address, counterparty,
		currency, issuer, amount, kind, is_receive, fee_xrp, provenance
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
`

// Insert adds a new transaction. Returns ErrDuplicateKey if the
// (hash, wallet_address, currency, issuer) key exists.
func (s *TokenTransactionStore) Insert(ctx context.Context, tx *domain.TokenTransaction) error {
	_, err := s.pool.Exec(ctx, insertTokenTransactionSQL,
		tx.Hash,
		tx.LedgerIndex,
		tx.Timestamp,
		tx.WalletAddress,
		tx.Counterparty,
		tx.Currency,
		tx.Issuer,
		tx.Amount,
		tx.Kind.String(),
		tx.IsReceive,
		tx.FeeXRP,
		string(tx.Provenance),
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert token transaction: %w", err)
	}
	return nil
}

// InsertBulk adds multiple transactions atomically. Fails the entire batch
// on any duplicate.
func (s *TokenTransactionStore) InsertBulk(ctx context.Context, txs []*domain.TokenTransaction) error {
	if len(txs) == 0 {
		return nil
	}

	dbtx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer dbtx.Rollback(ctx)

	for _, tx := range txs {
		_, err := dbtx.Exec(ctx, insertTokenTransactionSQL,
			tx.Hash,
			tx.LedgerIndex,
			tx.Timestamp,
			tx.WalletAddress,
			tx.Counterparty,
			tx.Currency,
			tx.Issuer,
			tx.Amount,
			tx.Kind.String(),
			tx.IsReceive,
			tx.FeeXRP,
			string(tx.Provenance),
		)
		if err != nil {
			if isDuplicateKeyError(err) {
				return storage.ErrDuplicateKey
			}
			return fmt.Errorf("insert token transaction in bulk: %w", err)
		}
	}

	if err := dbtx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

const selectTokenTransactionSQL = `
	SELECT transaction_hash, ledger_index, timestamp, wallet_address, counterparty,
	       currency, issuer, amount, kind, is_receive, fee_xrp, provenance
	FROM token_transactions
`

// GetByWallet retrieves all transactions for a wallet, ordered by
// (ledger_index ASC, transaction_hash ASC).
func (s *TokenTransactionStore) GetByWallet(ctx context.Context, wallet string) ([]*domain.TokenTransaction, error) {
	query := selectTokenTransactionSQL + `
		WHERE wallet_address = $1
		ORDER BY ledger_index ASC, transaction_hash ASC, currency ASC
	`

	rows, err := s.pool.Query(ctx, query, wallet)
	if err != nil {
		return nil, fmt.Errorf("get token transactions by wallet: %w", err)
	}
	defer rows.Close()

	return scanTokenTransactions(rows)
}

// GetByLedgerRange retrieves transactions for a wallet within [from, to] inclusive.
func (s *TokenTransactionStore) GetByLedgerRange(ctx context.Context, wallet string, from, to int64) ([]*domain.TokenTransaction, error) {
	query := selectTokenTransactionSQL + `
		WHERE wallet_address = $1 AND ledger_index >= $2 AND ledger_index <= $3
		ORDER BY ledger_index ASC, transaction_hash ASC, currency ASC
	`

	rows, err := s.pool.Query(ctx, query, wallet, from, to)
	if err != nil {
		return nil, fmt.Errorf("get token transactions by ledger range: %w", err)
	}
	defer rows.Close()

	return scanTokenTransactions(rows)
}

// CountByHash returns how many rows exist for a transaction hash.
func (s *TokenTransactionStore) CountByHash(ctx context.Context, hash string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM token_transactions WHERE transaction_hash = $1`, hash,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count token transactions by hash: %w", err)
	}
	return n, nil
}

// CountSince returns the number of rows stored at or after ts.
func (s *TokenTransactionStore) CountSince(ctx context.Context, ts time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM token_transactions WHERE timestamp >= $1`, ts,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count token transactions since: %w", err)
	}
	return n, nil
}

// scanTokenTransactions scans multiple rows into a slice of TokenTransaction.
func scanTokenTransactions(rows pgx.Rows) ([]*domain.TokenTransaction, error) {
	var txs []*domain.TokenTransaction

	for rows.Next() {
		var tx domain.TokenTransaction
		var kind, provenance string

		err := rows.Scan(
			&tx.Hash,
			&tx.LedgerIndex,
			&tx.Timestamp,
			&tx.WalletAddress,
			&tx.Counterparty,
			&tx.Currency,
			&tx.Issuer,
			&tx.Amount,
			&kind,
			&tx.IsReceive,
			&tx.FeeXRP,
			&provenance,
		)
		if err != nil {
			return nil, fmt.Errorf("scan token transaction row: %w", err)
		}

		tx.Kind = domain.TxKind(kind)
		tx.Provenance = domain.Provenance(provenance)
		txs = append(txs, &tx)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate token transaction rows: %w", err)
	}

	return txs, nil
}
