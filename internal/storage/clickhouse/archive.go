package clickhouse

import (
	"context"
	"fmt"

	"xrpl-amm-collector/internal/domain"
)

// Archive mirrors persisted facts into ClickHouse for analytics queries.
// Writes are best-effort and happen after the primary store commit; the
// ReplacingMergeTree engine absorbs re-ingested rows, so the archive needs
// no duplicate detection of its own.
type Archive struct {
	conn *Conn
}

// NewArchive creates a new analytics archive on an open connection.
func NewArchive(conn *Conn) *Archive {
	return &Archive{conn: conn}
}

// ArchiveTransactions appends a batch of token transactions.
func (a *Archive) ArchiveTransactions(ctx context.Context, txs []*domain.TokenTransaction) error {
	if len(txs) == 0 {
		return nil
	}

	batch, err := a.conn.PrepareBatch(ctx, `
		INSERT INTO token_transfer_archive (
			transaction_hash, ledger_index, timestamp, wallet_address, counterparty,
			currency, issuer, amount, kind, is_receive, provenance
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare transfer batch: %w", err)
	}

	for _, tx := range txs {
		amount, _ := tx.Amount.Float64()
		isReceive := uint8(0)
		if tx.IsReceive {
			isReceive = 1
		}
		err = batch.Append(
			tx.Hash, uint64(tx.LedgerIndex), tx.Timestamp, tx.WalletAddress, tx.Counterparty,
			tx.Currency, tx.Issuer, amount, tx.Kind.String(), isReceive, string(tx.Provenance),
		)
		if err != nil {
			return fmt.Errorf("append to transfer batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send transfer batch: %w", err)
	}

	return nil
}

// ArchiveSnapshot appends one AMM snapshot row.
func (a *Archive) ArchiveSnapshot(ctx context.Context, snap *domain.AMMSnapshot) error {
	batch, err := a.conn.PrepareBatch(ctx, `
		INSERT INTO amm_snapshot_archive (
			amm_address, ledger_index, timestamp,
			asset1_currency, asset1_amount, asset2_currency, asset2_amount,
			lp_token_supply, k_constant, price, tvl_xrp, capture_reason
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare snapshot batch: %w", err)
	}

	asset1, _ := snap.Asset1Amount.Float64()
	asset2, _ := snap.Asset2Amount.Float64()
	lpSupply, _ := snap.LPTokenSupply.Float64()
	k, _ := snap.KConstant.Float64()
	price, _ := snap.Price.Float64()
	tvl, _ := snap.TVLXRP.Float64()

	err = batch.Append(
		snap.AMMAccount, uint64(snap.LedgerIndex), snap.Timestamp,
		snap.Asset1Currency, asset1, snap.Asset2Currency, asset2,
		lpSupply, k, price, tvl, snap.Reason.String(),
	)
	if err != nil {
		return fmt.Errorf("append to snapshot batch: %w", err)
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send snapshot batch: %w", err)
	}

	return nil
}
