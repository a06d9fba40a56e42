// Package processor turns validated ledger transactions into normalized
// token transaction records. Normalization is pure: the same transaction,
// metadata and target always produce the same records, so live streaming
// and backfill share one code path.
package processor

import (
	"fmt"
	"log"

	"xrpl-amm-collector/internal/domain"
	"xrpl-amm-collector/internal/xrpl"
)

// Processor normalizes transactions for collection targets.
type Processor struct {
	pools  PoolSet
	logger *log.Logger
}

// Options configures a Processor.
type Options struct {
	// Pools identifies tracked AMM accounts for swap classification.
	// Optional; without it no transaction classifies as AMM_SWAP.
	Pools PoolSet
	// Logger for diagnostics. Defaults to log.Default().
	Logger *log.Logger
}

// New creates a Processor.
func New(opts Options) *Processor {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Processor{
		pools:  opts.Pools,
		logger: logger,
	}
}

// Normalize produces the token transaction records a validated transaction
// implies for one target. Failed or unvalidated transactions yield no
// records. One record is produced per balance movement of the target's
// wallet in the tracked currency.
func (p *Processor) Normalize(tx *xrpl.TransactionWithMeta, target *domain.Target, prov domain.Provenance) ([]*domain.TokenTransaction, error) {
	if tx == nil || !tx.Validated || !tx.Succeeded() {
		return nil, nil
	}
	if tx.Tx.Hash == "" {
		return nil, fmt.Errorf("transaction at ledger %d has no hash", tx.LedgerIndex)
	}

	changes, err := ExtractBalanceChanges(&tx.Meta)
	if err != nil {
		return nil, fmt.Errorf("extract balance changes for %s: %w", tx.Tx.Hash, err)
	}

	kind := Classify(tx, changes, p.pools)

	var records []*domain.TokenTransaction
	for i := range changes {
		ch := &changes[i]
		if ch.Account != target.Account {
			continue
		}
		if !target.MatchesCurrency(ch.Currency, ch.Issuer) {
			continue
		}

		rec := &domain.TokenTransaction{
			Hash:          tx.Tx.Hash,
			LedgerIndex:   tx.LedgerIndex,
			Timestamp:     tx.Timestamp(),
			WalletAddress: ch.Account,
			Counterparty:  counterparty(tx, ch.Account),
			Currency:      ch.Currency,
			Issuer:        ch.Issuer,
			Amount:        ch.Delta.Abs(),
			Kind:          kind,
			IsReceive:     ch.Delta.IsPositive(),
			Provenance:    prov,
		}

		// The network fee is attributed to the sender only.
		if tx.Tx.Account == target.Account && tx.Tx.Fee != "" {
			fee, err := xrpl.DropsToXRP(tx.Tx.Fee)
			if err != nil {
				return nil, fmt.Errorf("parse fee of %s: %w", tx.Tx.Hash, err)
			}
			rec.FeeXRP = fee
		}

		records = append(records, rec)
	}

	return records, nil
}

// counterparty picks the other principal of the transaction from the
// wallet's point of view. Empty when the transaction names no second
// party, e.g. an offer crossing many books.
func counterparty(tx *xrpl.TransactionWithMeta, wallet string) string {
	switch wallet {
	case tx.Tx.Account:
		return tx.Tx.Destination
	case tx.Tx.Destination:
		return tx.Tx.Account
	default:
		return tx.Tx.Account
	}
}
