// Package supervisor runs continuous collection: one goroutine per target
// consuming its live stream, shared timers for periodic pool snapshots and
// gap reconciliation, and serialized progress accounting. A failing target
// degrades alone; the others keep collecting.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"xrpl-amm-collector/internal/amm"
	"xrpl-amm-collector/internal/domain"
	"xrpl-amm-collector/internal/observability"
	"xrpl-amm-collector/internal/processor"
	"xrpl-amm-collector/internal/reconcile"
	"xrpl-amm-collector/internal/storage"
	"xrpl-amm-collector/internal/storage/clickhouse"
	"xrpl-amm-collector/internal/xrpl"
)

// Defaults for supervision policy.
const (
	// DefaultMaxSubscriptions bounds concurrent live subscriptions, so a
	// misconfigured target list cannot exhaust the node connection.
	DefaultMaxSubscriptions = 50
	// DefaultSnapshotInterval is the periodic pool snapshot cadence.
	DefaultSnapshotInterval = 30 * time.Minute
	// DefaultReconcileInterval is how often gap checks run.
	DefaultReconcileInterval = time.Minute
	// DefaultHealthInterval is how often per-target health is reported.
	DefaultHealthInterval = 30 * time.Second
)

// Supervisor owns the collection lifecycle for a set of targets.
type Supervisor struct {
	gateway    xrpl.Gateway
	processor  *processor.Processor
	tracker    *amm.Tracker
	reconciler *reconcile.Reconciler
	txStore    storage.TokenTransactionStore
	registry   *Registry
	archive    *clickhouse.Archive
	metrics    *observability.Metrics
	logger     *log.Logger

	maxSubscriptions  int
	snapshotInterval  time.Duration
	reconcileInterval time.Duration
	healthInterval    time.Duration

	// locks holds one mutex per target, built in Run. A target's live
	// event handling and its reconcile pass hold the same lock, so a
	// backfill never interleaves with the stream for that target.
	locks map[string]*sync.Mutex

	wg sync.WaitGroup
}

// Options configures a Supervisor.
type Options struct {
	Gateway   xrpl.Gateway
	Processor *processor.Processor
	// Tracker captures AMM pool snapshots. Optional for token-only runs.
	Tracker *amm.Tracker
	// Reconciler repairs gaps. Optional; without it gaps persist until a
	// manual backfill.
	Reconciler *reconcile.Reconciler
	TxStore    storage.TokenTransactionStore
	Registry   *Registry
	// Archive mirrors stored facts into ClickHouse, best effort. Optional.
	Archive *clickhouse.Archive
	// Metrics instruments the pipeline. Optional.
	Metrics *observability.Metrics
	// Logger for diagnostics. Defaults to log.Default().
	Logger *log.Logger

	// MaxSubscriptions overrides DefaultMaxSubscriptions when positive.
	MaxSubscriptions int
	// SnapshotInterval overrides DefaultSnapshotInterval when positive.
	SnapshotInterval time.Duration
	// ReconcileInterval overrides DefaultReconcileInterval when positive.
	ReconcileInterval time.Duration
	// HealthInterval overrides DefaultHealthInterval when positive.
	HealthInterval time.Duration
}

// New creates a Supervisor.
func New(opts Options) (*Supervisor, error) {
	if opts.Gateway == nil {
		return nil, errors.New("supervisor: gateway is required")
	}
	if opts.Processor == nil {
		return nil, errors.New("supervisor: processor is required")
	}
	if opts.TxStore == nil {
		return nil, errors.New("supervisor: transaction store is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("supervisor: registry is required")
	}

	s := &Supervisor{
		gateway:           opts.Gateway,
		processor:         opts.Processor,
		tracker:           opts.Tracker,
		reconciler:        opts.Reconciler,
		txStore:           opts.TxStore,
		registry:          opts.Registry,
		archive:           opts.Archive,
		metrics:           opts.Metrics,
		logger:            opts.Logger,
		maxSubscriptions:  DefaultMaxSubscriptions,
		snapshotInterval:  DefaultSnapshotInterval,
		reconcileInterval: DefaultReconcileInterval,
		healthInterval:    DefaultHealthInterval,
	}
	if opts.MaxSubscriptions > 0 {
		s.maxSubscriptions = opts.MaxSubscriptions
	}
	if opts.SnapshotInterval > 0 {
		s.snapshotInterval = opts.SnapshotInterval
	}
	if opts.ReconcileInterval > 0 {
		s.reconcileInterval = opts.ReconcileInterval
	}
	if opts.HealthInterval > 0 {
		s.healthInterval = opts.HealthInterval
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	return s, nil
}

// Run collects for the given targets until ctx is cancelled. It returns
// after all target goroutines finished their current unit of work and
// progress was flushed.
func (s *Supervisor) Run(ctx context.Context, targets []*domain.Target) error {
	if err := validateTargets(targets); err != nil {
		return err
	}
	if len(targets) > s.maxSubscriptions {
		return fmt.Errorf("supervisor: %d targets exceed subscription budget %d", len(targets), s.maxSubscriptions)
	}

	if s.tracker != nil {
		for _, t := range targets {
			s.tracker.Register(t)
		}
	}
	if s.metrics != nil {
		s.metrics.ActiveTargets.Set(float64(len(targets)))
	}

	s.locks = make(map[string]*sync.Mutex, len(targets))
	for _, t := range targets {
		s.locks[t.ID] = &sync.Mutex{}
	}

	// Repair downtime gaps before the live stream starts filling new
	// ledgers on top of them.
	s.reconcileAll(ctx, targets)

	for _, target := range targets {
		events, err := s.gateway.Subscribe(ctx, []string{target.Account})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", target.ID, err)
		}
		s.wg.Add(1)
		go s.runTarget(ctx, target, events)
	}

	s.wg.Add(1)
	go s.timerLoop(ctx, targets)

	<-ctx.Done()
	s.wg.Wait()
	s.flushStatuses(targets)
	return nil
}

// runTarget consumes one target's event stream. Errors on individual
// events are logged and counted; the stream keeps flowing.
func (s *Supervisor) runTarget(ctx context.Context, target *domain.Target, events <-chan xrpl.LedgerEvent) {
	defer s.wg.Done()

	if _, err := s.registry.Update(ctx, target.ID, func(p *domain.CollectionProgress) {
		p.Status = domain.StatusStreaming
	}); err != nil {
		s.logger.Printf("[supervisor] %s: mark streaming: %v", target.ID, err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := s.handleEventLocked(ctx, target, ev); err != nil {
				s.logger.Printf("[supervisor] %s: %v", target.ID, err)
				if s.metrics != nil {
					s.metrics.ProcessingErrors.WithLabelValues("live").Inc()
				}
			}
		}
	}
}

// handleEventLocked applies one stream event under the target's lock.
// Reconcile passes take the same lock, so live processing waits while a
// backfill for this target is in flight and vice versa.
func (s *Supervisor) handleEventLocked(ctx context.Context, target *domain.Target, ev xrpl.LedgerEvent) error {
	mu := s.locks[target.ID]
	mu.Lock()
	defer mu.Unlock()
	return s.handleEvent(ctx, target, ev)
}

// handleEvent applies one stream event to the target's state.
func (s *Supervisor) handleEvent(ctx context.Context, target *domain.Target, ev xrpl.LedgerEvent) error {
	switch {
	case ev.Ledger != nil:
		return s.handleLedger(ctx, target, ev.Ledger)
	case ev.Transaction != nil:
		return s.handleTransaction(ctx, target, ev.Transaction)
	}
	return nil
}

// handleLedger advances the target's high-water mark: a closed ledger on
// the subscription means every transaction for the target up to that
// ledger has been delivered.
func (s *Supervisor) handleLedger(ctx context.Context, target *domain.Target, header *xrpl.LedgerHeader) error {
	if s.metrics != nil {
		s.metrics.EventsReceived.WithLabelValues("ledger").Inc()
		s.metrics.HighestLedgerSeen.Set(float64(header.Index))
		s.metrics.LastEventTimestamp.SetToCurrentTime()
	}

	_, err := s.registry.Update(ctx, target.ID, func(p *domain.CollectionProgress) {
		if header.Index > p.LastProcessedLedger {
			p.LastProcessedLedger = header.Index
		}
		if p.Status == domain.StatusIdle {
			p.Status = domain.StatusStreaming
		}
	})
	return err
}

// handleTransaction normalizes and stores one live transaction. Duplicate
// rows, typically overlap with a concurrent backfill, count as collected.
func (s *Supervisor) handleTransaction(ctx context.Context, target *domain.Target, tx *xrpl.TransactionWithMeta) error {
	if s.metrics != nil {
		s.metrics.EventsReceived.WithLabelValues("transaction").Inc()
		s.metrics.LastEventTimestamp.SetToCurrentTime()
	}

	records, err := s.processor.Normalize(tx, target, domain.ProvenanceLive)
	if err != nil {
		return fmt.Errorf("normalize %s: %w", tx.Tx.Hash, err)
	}

	var stored []*domain.TokenTransaction
	for _, rec := range records {
		switch err := s.txStore.Insert(ctx, rec); {
		case err == nil:
			stored = append(stored, rec)
			if s.metrics != nil {
				s.metrics.TransactionsStored.WithLabelValues(string(rec.Provenance)).Inc()
			}
		case errors.Is(err, storage.ErrDuplicateKey):
			if s.metrics != nil {
				s.metrics.TransactionsDeduped.Inc()
			}
		default:
			return fmt.Errorf("store %s: %w", rec.Hash, err)
		}
	}

	if s.archive != nil && len(stored) > 0 {
		if err := s.archive.ArchiveTransactions(ctx, stored); err != nil {
			s.logger.Printf("[supervisor] %s: archive mirror: %v", target.ID, err)
		}
	}

	if s.tracker != nil && target.IsPool() {
		if err := s.tracker.ApplyTransaction(ctx, tx); err != nil {
			return fmt.Errorf("pool snapshot for %s: %w", tx.Tx.Hash, err)
		}
	}

	if len(stored) == 0 {
		return nil
	}
	_, err = s.registry.Update(ctx, target.ID, func(p *domain.CollectionProgress) {
		p.RecordsCollected += int64(len(stored))
		if tx.LedgerIndex > p.LastProcessedLedger {
			p.LastProcessedLedger = tx.LedgerIndex
		}
	})
	return err
}

// timerLoop drives the shared periodic work: pool snapshots, gap checks
// and health reporting.
func (s *Supervisor) timerLoop(ctx context.Context, targets []*domain.Target) {
	defer s.wg.Done()

	snapshotTicker := time.NewTicker(s.snapshotInterval)
	defer snapshotTicker.Stop()
	reconcileTicker := time.NewTicker(s.reconcileInterval)
	defer reconcileTicker.Stop()
	healthTicker := time.NewTicker(s.healthInterval)
	defer healthTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-snapshotTicker.C:
			if s.tracker != nil {
				if err := s.tracker.SnapshotAll(ctx); err != nil {
					s.logger.Printf("[supervisor] periodic snapshots: %v", err)
				}
			}
		case <-reconcileTicker.C:
			s.reconcileAll(ctx, targets)
		case <-healthTicker.C:
			s.reportHealth(ctx, targets)
		}
	}
}

// reconcileAll runs a gap check for every target. Failures are isolated
// per target.
func (s *Supervisor) reconcileAll(ctx context.Context, targets []*domain.Target) {
	if s.reconciler == nil {
		return
	}
	for _, target := range targets {
		if ctx.Err() != nil {
			return
		}
		if err := s.reconcileTarget(ctx, target); err != nil {
			s.logger.Printf("[supervisor] reconcile %s: %v", target.ID, err)
			if s.metrics != nil {
				s.metrics.BackfillErrors.Inc()
			}
		}
	}
}

// reconcileTarget runs one reconcile pass under the target's lock, the
// same lock its live event handling holds.
func (s *Supervisor) reconcileTarget(ctx context.Context, target *domain.Target) error {
	mu := s.locks[target.ID]
	mu.Lock()
	defer mu.Unlock()
	return s.reconciler.Reconcile(ctx, target)
}

// reportHealth logs per-target progress and refreshes lag gauges.
func (s *Supervisor) reportHealth(ctx context.Context, targets []*domain.Target) {
	current, _, _, err := s.gateway.CurrentLedger(ctx)
	if err != nil {
		s.logger.Printf("[supervisor] health: current ledger: %v", err)
		if s.metrics != nil {
			s.metrics.NodeCallErrors.WithLabelValues("server_info").Inc()
		}
		return
	}

	for _, target := range targets {
		prog, err := s.registry.Get(ctx, target.ID)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				s.logger.Printf("[supervisor] health: progress %s: %v", target.ID, err)
			}
			continue
		}
		lag := current - prog.LastProcessedLedger
		if lag < 0 {
			lag = 0
		}
		if s.metrics != nil {
			s.metrics.TargetLagLedgers.WithLabelValues(target.ID).Set(float64(lag))
		}
		s.logger.Printf("[supervisor] %s: status=%s ledger=%d lag=%d records=%d",
			target.ID, prog.Status, prog.LastProcessedLedger, lag, prog.RecordsCollected)
	}
}

// flushStatuses marks streaming targets idle on shutdown so a restart
// does not mistake them for live.
func (s *Supervisor) flushStatuses(targets []*domain.Target) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, target := range targets {
		_, err := s.registry.Update(ctx, target.ID, func(p *domain.CollectionProgress) {
			if p.Status == domain.StatusStreaming || p.Status == domain.StatusBackfilling {
				p.Status = domain.StatusIdle
			}
		})
		if err != nil {
			s.logger.Printf("[supervisor] %s: flush status: %v", target.ID, err)
		}
	}
}

// validateTargets rejects duplicate IDs, invalid kinds and malformed
// accounts before any subscription is opened.
func validateTargets(targets []*domain.Target) error {
	if len(targets) == 0 {
		return errors.New("supervisor: no targets configured")
	}
	seen := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		if t.ID == "" {
			return errors.New("supervisor: target with empty ID")
		}
		if _, dup := seen[t.ID]; dup {
			return fmt.Errorf("supervisor: duplicate target ID %q", t.ID)
		}
		seen[t.ID] = struct{}{}
		if !t.Kind.IsValid() {
			return fmt.Errorf("supervisor: target %s has invalid kind %q", t.ID, t.Kind)
		}
		if !xrpl.IsValidAddress(t.Account) {
			return fmt.Errorf("supervisor: target %s has invalid account %q", t.ID, t.Account)
		}
	}
	return nil
}
