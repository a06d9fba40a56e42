// Package reconcile detects and repairs gaps between a target's recorded
// progress and the current validated ledger. Gaps appear after downtime,
// reconnects and crashes; the reconciler replays the missing range through
// the same normalization path the live stream uses, so a ledger processed
// twice stores nothing twice.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"xrpl-amm-collector/internal/amm"
	"xrpl-amm-collector/internal/domain"
	"xrpl-amm-collector/internal/observability"
	"xrpl-amm-collector/internal/processor"
	"xrpl-amm-collector/internal/storage"
	"xrpl-amm-collector/internal/xrpl"
)

// Defaults for reconciliation policy.
const (
	// DefaultTolerance is the number of trailing ledgers a target may lag
	// before a backfill starts. The live stream usually covers these.
	DefaultTolerance = 2
	// DefaultHorizon is how many ledgers back history is considered
	// recoverable. Clamped further by the node's complete-ledger range.
	DefaultHorizon = 32000
	// DefaultPageSize bounds one account_tx page.
	DefaultPageSize = 200
	// DefaultStaleAfter marks a streaming target suspect when its progress
	// has not moved for this long.
	DefaultStaleAfter = 5 * time.Minute
)

// ProgressTracker serializes progress row access. Every write is a
// read-modify-write of the current row under one lock, so backfill
// accounting merges with concurrent live advances instead of clobbering
// them. The supervisor registry implements this.
type ProgressTracker interface {
	Get(ctx context.Context, targetID string) (*domain.CollectionProgress, error)
	Update(ctx context.Context, targetID string, fn func(*domain.CollectionProgress)) (*domain.CollectionProgress, error)
}

// Gap is a missing ledger range for one target. Truncated means the gap
// originally started before From but that prefix is unrecoverable.
type Gap struct {
	From      int64
	To        int64
	Truncated bool
	LostFrom  int64 // first missing ledger before truncation
}

// Reconciler repairs collection gaps by paging history from the node.
type Reconciler struct {
	gateway   xrpl.Gateway
	processor *processor.Processor
	tracker   *amm.Tracker
	txStore   storage.TokenTransactionStore
	progress  ProgressTracker
	metrics   *observability.Metrics
	logger    *log.Logger

	tolerance  int64
	horizon    int64
	pageSize   int
	staleAfter time.Duration
}

// Options configures a Reconciler.
type Options struct {
	Gateway   xrpl.Gateway
	Processor *processor.Processor
	// Tracker re-derives pool snapshots from backfilled transactions.
	// Optional; token-only deployments can omit it.
	Tracker  *amm.Tracker
	TxStore  storage.TokenTransactionStore
	Progress ProgressTracker
	// Metrics instruments gap detection and backfill. Optional.
	Metrics *observability.Metrics
	// Tolerance overrides DefaultTolerance when positive.
	Tolerance int64
	// Horizon overrides DefaultHorizon when positive.
	Horizon int64
	// PageSize overrides DefaultPageSize when positive.
	PageSize int
	// StaleAfter overrides DefaultStaleAfter when positive.
	StaleAfter time.Duration
	// Logger for diagnostics. Defaults to log.Default().
	Logger *log.Logger
}

// New creates a Reconciler.
func New(opts Options) (*Reconciler, error) {
	if opts.Gateway == nil {
		return nil, errors.New("reconcile: gateway is required")
	}
	if opts.Processor == nil {
		return nil, errors.New("reconcile: processor is required")
	}
	if opts.TxStore == nil {
		return nil, errors.New("reconcile: transaction store is required")
	}
	if opts.Progress == nil {
		return nil, errors.New("reconcile: progress tracker is required")
	}

	r := &Reconciler{
		gateway:    opts.Gateway,
		processor:  opts.Processor,
		tracker:    opts.Tracker,
		txStore:    opts.TxStore,
		progress:   opts.Progress,
		metrics:    opts.Metrics,
		tolerance:  DefaultTolerance,
		horizon:    DefaultHorizon,
		pageSize:   DefaultPageSize,
		staleAfter: DefaultStaleAfter,
		logger:     opts.Logger,
	}
	if opts.Tolerance > 0 {
		r.tolerance = opts.Tolerance
	}
	if opts.Horizon > 0 {
		r.horizon = opts.Horizon
	}
	if opts.PageSize > 0 {
		r.pageSize = opts.PageSize
	}
	if opts.StaleAfter > 0 {
		r.staleAfter = opts.StaleAfter
	}
	if r.logger == nil {
		r.logger = log.Default()
	}
	return r, nil
}

// DetectGap decides whether a target needs a backfill given its progress
// and the node's view of the chain. A lag within tolerance is not a gap:
// the live stream is expected to cover it. The recoverable floor is the
// later of the retention horizon and the node's earliest complete ledger.
func (r *Reconciler) DetectGap(prog *domain.CollectionProgress, current, completeFrom int64) (*Gap, bool) {
	if prog.LastProcessedLedger >= current {
		return nil, false
	}
	missing := current - prog.LastProcessedLedger
	if missing <= r.tolerance && !r.isStale(prog) {
		return nil, false
	}

	gap := &Gap{
		From: prog.LastProcessedLedger + 1,
		To:   current,
	}

	floor := current - r.horizon + 1
	if completeFrom > floor {
		floor = completeFrom
	}
	if gap.From < floor {
		gap.Truncated = true
		gap.LostFrom = gap.From
		gap.From = floor
	}
	return gap, true
}

// isStale reports whether a streaming target's progress has sat still
// long enough to distrust the live stream.
func (r *Reconciler) isStale(prog *domain.CollectionProgress) bool {
	if prog.Status != domain.StatusStreaming {
		return false
	}
	return !prog.LastUpdate.IsZero() && time.Since(prog.LastUpdate) > r.staleAfter
}

// Reconcile runs one full cycle for a target: detect a gap and, if one
// exists, backfill it page by page. Every progress write goes through the
// tracker's read-modify-write and only ever raises the high-water mark,
// so advances the live stream makes while a backfill runs are preserved.
// Progress moves only after each page's records are durably stored; a
// crash mid-backfill resumes without loss, and replayed ledgers are
// absorbed by the stores' uniqueness keys.
func (r *Reconciler) Reconcile(ctx context.Context, target *domain.Target) error {
	prog, err := r.progress.Get(ctx, target.ID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("load progress for %s: %w", target.ID, err)
		}
		prog = &domain.CollectionProgress{TargetID: target.ID, Status: domain.StatusIdle}
	}

	current, completeFrom, _, err := r.gateway.CurrentLedger(ctx)
	if err != nil {
		return fmt.Errorf("query current ledger: %w", err)
	}

	gap, found := r.DetectGap(prog, current, completeFrom)
	if !found {
		return nil
	}

	r.logger.Printf("[reconcile] %s: gap [%d, %d] (truncated=%v)", target.ID, gap.From, gap.To, gap.Truncated)
	if r.metrics != nil {
		r.metrics.GapsDetected.Inc()
		if gap.Truncated {
			r.metrics.UnrecoverableGaps.Inc()
		}
	}

	if _, err := r.progress.Update(ctx, target.ID, func(p *domain.CollectionProgress) {
		p.Status = domain.StatusBackfilling
		if gap.Truncated {
			p.ErrorDetail = fmt.Sprintf("ledgers %d-%d beyond recoverable horizon, resuming from %d", gap.LostFrom, gap.From-1, gap.From)
		}
	}); err != nil {
		return fmt.Errorf("mark %s backfilling: %w", target.ID, err)
	}

	if err := r.backfill(ctx, target, gap); err != nil {
		detail := err.Error()
		if _, uerr := r.progress.Update(ctx, target.ID, func(p *domain.CollectionProgress) {
			p.Status = domain.StatusError
			p.ErrorDetail = detail
		}); uerr != nil {
			r.logger.Printf("[reconcile] %s: record error state: %v", target.ID, uerr)
		}
		if r.metrics != nil {
			r.metrics.BackfillErrors.Inc()
		}
		return fmt.Errorf("backfill %s: %w", target.ID, err)
	}

	if _, err := r.progress.Update(ctx, target.ID, func(p *domain.CollectionProgress) {
		if p.Status == domain.StatusBackfilling {
			p.Status = domain.StatusIdle
		}
		if gap.To > p.LastProcessedLedger {
			p.LastProcessedLedger = gap.To
		}
		if !gap.Truncated {
			p.ErrorDetail = ""
		}
	}); err != nil {
		return fmt.Errorf("finish %s backfill: %w", target.ID, err)
	}
	return nil
}

// backfill pages the gap's history through normalization and storage.
// Pages ascend, so after a page persists the highest ledger it contained
// becomes the new high-water-mark candidate; the tracker merge keeps the
// larger of that and whatever the live stream reached meanwhile.
func (r *Reconciler) backfill(ctx context.Context, target *domain.Target, gap *Gap) error {
	var marker []byte

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		page, err := r.gateway.AccountTx(ctx, target.Account, gap.From, gap.To, r.pageSize, marker)
		if err != nil {
			if xrpl.IsHistoryUnavailable(err) {
				return fmt.Errorf("node cannot serve ledgers %d-%d: %w", gap.From, gap.To, err)
			}
			return fmt.Errorf("fetch history page: %w", err)
		}
		if r.metrics != nil {
			r.metrics.BackfillPages.Inc()
		}

		stored, highest, err := r.ingestPage(ctx, target, page.Transactions)
		if err != nil {
			return err
		}

		if _, err := r.progress.Update(ctx, target.ID, func(p *domain.CollectionProgress) {
			if highest > p.LastProcessedLedger {
				p.LastProcessedLedger = highest
			}
			p.RecordsCollected += stored
		}); err != nil {
			return fmt.Errorf("advance progress: %w", err)
		}

		if page.Marker == nil {
			return nil
		}
		marker = page.Marker
	}
}

// ingestPage normalizes and stores one page of transactions. Duplicate
// rows from overlapping live coverage count as already stored; a
// malformed transaction is logged and skipped, never failing the page.
func (r *Reconciler) ingestPage(ctx context.Context, target *domain.Target, txs []*xrpl.TransactionWithMeta) (stored int64, highest int64, err error) {
	for _, tx := range txs {
		if tx.LedgerIndex > highest {
			highest = tx.LedgerIndex
		}

		records, err := r.processor.Normalize(tx, target, domain.ProvenanceBackfill)
		if err != nil {
			r.logger.Printf("[reconcile] %s: skip malformed transaction at ledger %d: %v", target.ID, tx.LedgerIndex, err)
			if r.metrics != nil {
				r.metrics.ProcessingErrors.WithLabelValues("backfill").Inc()
			}
			continue
		}
		for _, rec := range records {
			switch err := r.txStore.Insert(ctx, rec); {
			case err == nil:
				stored++
			case errors.Is(err, storage.ErrDuplicateKey):
				// Already collected by the live stream.
			default:
				return stored, highest, fmt.Errorf("store %s: %w", rec.Hash, err)
			}
		}

		if r.tracker != nil && target.IsPool() {
			if err := r.tracker.ApplyTransaction(ctx, tx); err != nil {
				return stored, highest, fmt.Errorf("replay pool state: %w", err)
			}
		}
	}
	return stored, highest, nil
}
