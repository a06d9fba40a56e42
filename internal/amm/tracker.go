// Package amm maintains time series of AMM pool states. Snapshots come
// from two sources: transaction metadata, whenever a validated transaction
// moves a tracked pool's reserves, and a periodic timer that fetches pool
// state from the node so quiet pools still get data points.
package amm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"xrpl-amm-collector/internal/domain"
	"xrpl-amm-collector/internal/observability"
	"xrpl-amm-collector/internal/processor"
	"xrpl-amm-collector/internal/storage"
	"xrpl-amm-collector/internal/xrpl"
)

// SnapshotArchiver mirrors stored snapshots into long-term analytical
// storage. Archiving is best effort: failures are logged, never fatal.
type SnapshotArchiver interface {
	ArchiveSnapshot(ctx context.Context, snap *domain.AMMSnapshot) error
}

// DefaultSignificantChange is the minimum relative reserve movement for a
// periodic snapshot to be worth storing.
var DefaultSignificantChange = decimal.NewFromFloat(0.01)

// Tracker captures AMM pool snapshots for registered pool targets.
type Tracker struct {
	gateway xrpl.Gateway
	store   storage.AMMSnapshotStore
	archive SnapshotArchiver
	metrics *observability.Metrics
	logger  *log.Logger

	// significantChange elides periodic snapshots below this relative
	// reserve movement. Transaction-triggered snapshots are never elided.
	significantChange decimal.Decimal

	mu    sync.RWMutex
	pools map[string]*domain.Target // keyed by pool account
}

var _ processor.PoolSet = (*Tracker)(nil)

// Options configures a Tracker.
type Options struct {
	Gateway xrpl.Gateway
	Store   storage.AMMSnapshotStore
	// Archive mirrors stored snapshots, best effort. Optional.
	Archive SnapshotArchiver
	// Metrics instruments snapshot capture. Optional.
	Metrics *observability.Metrics
	// SignificantChange overrides DefaultSignificantChange when positive.
	SignificantChange decimal.Decimal
	// Logger for diagnostics. Defaults to log.Default().
	Logger *log.Logger
}

// New creates a Tracker.
func New(opts Options) (*Tracker, error) {
	if opts.Gateway == nil {
		return nil, errors.New("amm: gateway is required")
	}
	if opts.Store == nil {
		return nil, errors.New("amm: snapshot store is required")
	}
	threshold := DefaultSignificantChange
	if opts.SignificantChange.IsPositive() {
		threshold = opts.SignificantChange
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Tracker{
		gateway:           opts.Gateway,
		store:             opts.Store,
		archive:           opts.Archive,
		metrics:           opts.Metrics,
		significantChange: threshold,
		logger:            logger,
		pools:             make(map[string]*domain.Target),
	}, nil
}

// Register adds a pool target to track. Non-pool targets are ignored.
func (t *Tracker) Register(target *domain.Target) {
	if target == nil || !target.IsPool() {
		return
	}
	t.mu.Lock()
	t.pools[target.Account] = target
	t.mu.Unlock()
}

// IsPool reports whether the account is a tracked pool.
func (t *Tracker) IsPool(account string) bool {
	t.mu.RLock()
	_, ok := t.pools[account]
	t.mu.RUnlock()
	return ok
}

// ApplyTransaction captures a snapshot for every tracked pool whose
// reserves the transaction moved, reading the post-transaction state from
// the metadata's final fields. These snapshots are stored unconditionally;
// the significance threshold applies only to periodic captures.
func (t *Tracker) ApplyTransaction(ctx context.Context, tx *xrpl.TransactionWithMeta) error {
	if tx == nil || !tx.Validated || !tx.Succeeded() {
		return nil
	}

	t.mu.RLock()
	pools := make([]*domain.Target, 0, len(t.pools))
	for _, p := range t.pools {
		pools = append(pools, p)
	}
	t.mu.RUnlock()

	for _, pool := range pools {
		snap, err := snapshotFromMeta(tx, pool)
		if err != nil {
			return fmt.Errorf("derive snapshot for pool %s from %s: %w", pool.Account, tx.Tx.Hash, err)
		}
		if snap == nil {
			continue
		}
		snap.Reason = domain.CaptureTransaction
		snap.ComputeDerived()

		if err := t.store.Upsert(ctx, snap); err != nil {
			return fmt.Errorf("store snapshot for pool %s at ledger %d: %w", pool.Account, snap.LedgerIndex, err)
		}
		t.recordStored(ctx, snap)
	}
	return nil
}

// recordStored counts a stored snapshot and mirrors it to the archive.
func (t *Tracker) recordStored(ctx context.Context, snap *domain.AMMSnapshot) {
	if t.metrics != nil {
		t.metrics.SnapshotsStored.WithLabelValues(string(snap.Reason)).Inc()
	}
	if t.archive != nil {
		if err := t.archive.ArchiveSnapshot(ctx, snap); err != nil {
			t.logger.Printf("[amm] archive snapshot of %s at ledger %d: %v", snap.AMMAccount, snap.LedgerIndex, err)
		}
	}
}

// SnapshotAll runs one periodic capture round over all tracked pools.
// Failures on individual pools are logged and do not stop the round; the
// first error is returned after all pools were attempted.
func (t *Tracker) SnapshotAll(ctx context.Context) error {
	t.mu.RLock()
	pools := make([]*domain.Target, 0, len(t.pools))
	for _, p := range t.pools {
		pools = append(pools, p)
	}
	t.mu.RUnlock()

	var firstErr error
	for _, pool := range pools {
		if err := t.snapshotPool(ctx, pool); err != nil {
			t.logger.Printf("[amm] periodic snapshot of %s failed: %v", pool.Account, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// snapshotPool fetches current pool state from the node and stores it,
// unless a snapshot for the same ledger exists already or the reserves
// barely moved since the latest stored snapshot.
func (t *Tracker) snapshotPool(ctx context.Context, pool *domain.Target) error {
	info, err := t.gateway.AMMInfo(ctx, pool.Account)
	if err != nil {
		return fmt.Errorf("amm_info: %w", err)
	}

	snap, err := snapshotFromInfo(pool.Account, info)
	if err != nil {
		return err
	}

	exists, err := t.store.Exists(ctx, snap.AMMAccount, snap.LedgerIndex)
	if err != nil {
		return fmt.Errorf("check existing snapshot: %w", err)
	}
	if exists {
		return nil
	}

	latest, err := t.store.GetLatest(ctx, snap.AMMAccount)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("load latest snapshot: %w", err)
	}
	if latest != nil && !t.isSignificantChange(latest, snap) {
		if t.metrics != nil {
			t.metrics.SnapshotsElided.Inc()
		}
		return nil
	}

	snap.Reason = domain.CapturePeriodic
	snap.ComputeDerived()

	if err := t.store.Upsert(ctx, snap); err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}
	t.recordStored(ctx, snap)
	return nil
}

// isSignificantChange reports whether either reserve moved by at least the
// configured relative threshold since the previous snapshot.
func (t *Tracker) isSignificantChange(prev, next *domain.AMMSnapshot) bool {
	return relativeChange(prev.Asset1Amount, next.Asset1Amount).GreaterThanOrEqual(t.significantChange) ||
		relativeChange(prev.Asset2Amount, next.Asset2Amount).GreaterThanOrEqual(t.significantChange)
}

func relativeChange(prev, next decimal.Decimal) decimal.Decimal {
	if prev.IsZero() {
		if next.IsZero() {
			return decimal.Zero
		}
		return decimal.NewFromInt(1)
	}
	return next.Sub(prev).Div(prev).Abs()
}

// snapshotFromInfo builds a snapshot from an amm_info response.
func snapshotFromInfo(account string, info *xrpl.AMMInfoResult) (*domain.AMMSnapshot, error) {
	a1, err := info.Amount.Decimal()
	if err != nil {
		return nil, fmt.Errorf("pool asset1 amount: %w", err)
	}
	a2, err := info.Amount2.Decimal()
	if err != nil {
		return nil, fmt.Errorf("pool asset2 amount: %w", err)
	}
	lp, err := info.LPToken.Decimal()
	if err != nil {
		return nil, fmt.Errorf("pool lp token balance: %w", err)
	}

	return &domain.AMMSnapshot{
		AMMAccount:      account,
		LedgerIndex:     info.LedgerIndex,
		Timestamp:       time.Now().UTC(),
		Asset1Currency:  info.Amount.Currency,
		Asset1Issuer:    info.Amount.Issuer,
		Asset1Amount:    a1,
		Asset2Currency:  info.Amount2.Currency,
		Asset2Issuer:    info.Amount2.Issuer,
		Asset2Amount:    a2,
		LPTokenCurrency: info.LPToken.Currency,
		LPTokenSupply:   lp,
		TradingFee:      info.TradingFee,
	}, nil
}

// snapshotFromMeta derives the pool's post-transaction reserves from the
// transaction metadata. Returns nil when the transaction did not touch the
// pool's balances. The pool's XRP reserve comes from its AccountRoot node,
// issued reserves from its trust lines.
func snapshotFromMeta(tx *xrpl.TransactionWithMeta, pool *domain.Target) (*domain.AMMSnapshot, error) {
	type reserve struct {
		currency string
		issuer   string
		amount   decimal.Decimal
	}
	var reserves []reserve
	var lpBalance decimal.Decimal
	var lpCurrency string
	var tradingFee int32
	touched := false

	for i := range tx.Meta.AffectedNodes {
		node := tx.Meta.AffectedNodes[i].Node()
		if node == nil {
			continue
		}
		fields := node.FinalFields
		if fields == nil {
			fields = node.NewFields
		}
		if fields == nil {
			continue
		}

		switch node.LedgerEntryType {
		case "AccountRoot":
			if fields.Account != pool.Account || fields.Balance == nil {
				continue
			}
			bal, err := fields.Balance.Decimal()
			if err != nil {
				return nil, fmt.Errorf("pool account root balance: %w", err)
			}
			reserves = append(reserves, reserve{currency: "XRP", amount: bal})
			touched = touched || node.PreviousFields != nil && node.PreviousFields.Balance != nil

		case "AMM":
			if fields.Account != pool.Account {
				continue
			}
			tradingFee = fields.TradingFee
			if fields.LPTokenBalance != nil {
				lpCurrency = fields.LPTokenBalance.Currency
				lp, err := fields.LPTokenBalance.Decimal()
				if err != nil {
					return nil, fmt.Errorf("pool lp token balance: %w", err)
				}
				lpBalance = lp
			}

		case "RippleState":
			if fields.Balance == nil || fields.HighLimit == nil || fields.LowLimit == nil {
				continue
			}
			low := fields.LowLimit.Issuer
			high := fields.HighLimit.Issuer
			if low != pool.Account && high != pool.Account {
				continue
			}
			bal, err := fields.Balance.Decimal()
			if err != nil {
				return nil, fmt.Errorf("pool trust line balance: %w", err)
			}
			// Stored balance is from the low account's perspective.
			if high == pool.Account {
				bal = bal.Neg()
			}
			issuer := high
			if high == pool.Account {
				issuer = low
			}
			reserves = append(reserves, reserve{
				currency: fields.Balance.Currency,
				issuer:   issuer,
				amount:   bal.Abs(),
			})
			touched = touched || node.PreviousFields != nil && node.PreviousFields.Balance != nil
		}
	}

	if !touched || len(reserves) < 2 {
		return nil, nil
	}

	// Keep the registered pair ordering stable: the tracked currency is
	// asset1, the paired asset is asset2.
	first, second := reserves[0], reserves[1]
	if pool.Currency != "" && second.currency == pool.Currency {
		first, second = second, first
	} else if pool.Currency == "" && first.currency == "XRP" {
		// Without a registered currency put the non-XRP side first.
		first, second = second, first
	}

	return &domain.AMMSnapshot{
		AMMAccount:      pool.Account,
		LedgerIndex:     tx.LedgerIndex,
		Timestamp:       tx.Timestamp(),
		Asset1Currency:  first.currency,
		Asset1Issuer:    first.issuer,
		Asset1Amount:    first.amount,
		Asset2Currency:  second.currency,
		Asset2Issuer:    second.issuer,
		Asset2Amount:    second.amount,
		LPTokenCurrency: lpCurrency,
		LPTokenSupply:   lpBalance,
		TradingFee:      tradingFee,
	}, nil
}
