package supervisor

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"xrpl-amm-collector/internal/domain"
	"xrpl-amm-collector/internal/processor"
	"xrpl-amm-collector/internal/reconcile"
	"xrpl-amm-collector/internal/storage/memory"
	"xrpl-amm-collector/internal/xrpl"
)

const (
	genesisAccount = "rHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh"
	zeroAccount    = "rrrrrrrrrrrrrrrrrrrrrhoLvTp"
)

// fakeGateway exposes a hand-fed event channel per subscription.
type fakeGateway struct {
	events  chan xrpl.LedgerEvent
	current atomic.Int64

	// backfillTxs is the single history page AccountTx serves.
	backfillTxs []*xrpl.TransactionWithMeta

	// When set, AccountTx announces itself on accountTxStarted and stalls
	// until accountTxRelease closes. Tests use this to hold a backfill
	// open while live events arrive.
	accountTxStarted chan struct{}
	accountTxRelease chan struct{}
}

func newFakeGateway() *fakeGateway {
	f := &fakeGateway{events: make(chan xrpl.LedgerEvent, 16)}
	f.current.Store(1000)
	return f
}

func (f *fakeGateway) Subscribe(ctx context.Context, accounts []string) (<-chan xrpl.LedgerEvent, error) {
	return f.events, nil
}

func (f *fakeGateway) AccountTx(ctx context.Context, account string, minLedger, maxLedger int64, limit int, marker json.RawMessage) (*xrpl.AccountTxPage, error) {
	if f.accountTxStarted != nil {
		f.accountTxStarted <- struct{}{}
		<-f.accountTxRelease
	}
	return &xrpl.AccountTxPage{Transactions: f.backfillTxs}, nil
}

func (f *fakeGateway) CurrentLedger(ctx context.Context) (int64, int64, int64, error) {
	cur := f.current.Load()
	return cur, 1, cur, nil
}

func (f *fakeGateway) AMMInfo(ctx context.Context, ammAccount string) (*xrpl.AMMInfoResult, error) {
	return nil, nil
}

func (f *fakeGateway) Close() error { return nil }

func walletTarget() *domain.Target {
	return &domain.Target{
		ID:      "t1",
		Kind:    domain.TargetToken,
		Account: genesisAccount,
	}
}

// xrpPayment spends drops from the wallet at the given ledger.
func xrpPayment(hash string, ledger int64) *xrpl.TransactionWithMeta {
	return &xrpl.TransactionWithMeta{
		Tx: xrpl.Transaction{
			Hash:            hash,
			TransactionType: "Payment",
			Account:         genesisAccount,
			Destination:     zeroAccount,
			Fee:             "12",
			Date:            700000000,
		},
		Meta: xrpl.Meta{
			TransactionResult: "tesSUCCESS",
			AffectedNodes: []xrpl.AffectedNode{
				{
					Modified: &xrpl.NodeData{
						LedgerEntryType: "AccountRoot",
						FinalFields: &xrpl.NodeFields{
							Account: genesisAccount,
							Balance: &xrpl.Amount{Currency: "XRP", Value: "4000000"},
						},
						PreviousFields: &xrpl.NodeFields{
							Balance: &xrpl.Amount{Currency: "XRP", Value: "5000012"},
						},
					},
				},
			},
		},
		LedgerIndex: ledger,
		Validated:   true,
	}
}

func newTestSupervisor(t *testing.T, gw *fakeGateway) (*Supervisor, *memory.TokenTransactionStore, *Registry) {
	t.Helper()

	txStore := memory.NewTokenTransactionStore()
	registry := NewRegistry(memory.NewProgressStore())

	s, err := New(Options{
		Gateway:   gw,
		Processor: processor.New(processor.Options{}),
		TxStore:   txStore,
		Registry:  registry,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, txStore, registry
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestSupervisor_StoresLiveTransactions(t *testing.T) {
	gw := newFakeGateway()
	s, txStore, registry := newTestSupervisor(t, gw)

	ctx, cancel := context.WithCancel(context.Background())
	target := walletTarget()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, []*domain.Target{target}) }()

	gw.events <- xrpl.LedgerEvent{Transaction: xrpPayment("TX1", 150)}

	waitFor(t, func() bool {
		prog, err := registry.Get(context.Background(), target.ID)
		return err == nil && prog.RecordsCollected == 1
	})

	if n, err := txStore.CountByHash(context.Background(), "TX1"); err != nil || n != 1 {
		t.Fatalf("TX1 stored %d times (err %v), want 1", n, err)
	}

	prog, err := registry.Get(context.Background(), target.ID)
	if err != nil {
		t.Fatalf("Get progress: %v", err)
	}
	if prog.Status != domain.StatusStreaming {
		t.Errorf("status = %s, want streaming", prog.Status)
	}
	if prog.LastProcessedLedger != 150 {
		t.Errorf("high-water mark = %d, want 150", prog.LastProcessedLedger)
	}
	if prog.RecordsCollected != 1 {
		t.Errorf("records = %d, want 1", prog.RecordsCollected)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Shutdown hands the status back to idle.
	prog, _ = registry.Get(context.Background(), target.ID)
	if prog.Status != domain.StatusIdle {
		t.Errorf("status after shutdown = %s, want idle", prog.Status)
	}
}

func TestSupervisor_DuplicateDeliveryStoresOnce(t *testing.T) {
	gw := newFakeGateway()
	s, txStore, registry := newTestSupervisor(t, gw)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	target := walletTarget()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, []*domain.Target{target}) }()

	// The node may replay a transaction after a reconnect; the second
	// delivery must be absorbed.
	gw.events <- xrpl.LedgerEvent{Transaction: xrpPayment("TX1", 150)}
	gw.events <- xrpl.LedgerEvent{Transaction: xrpPayment("TX1", 150)}
	gw.events <- xrpl.LedgerEvent{Transaction: xrpPayment("TX2", 151)}

	waitFor(t, func() bool {
		prog, err := registry.Get(context.Background(), target.ID)
		return err == nil && prog.RecordsCollected == 2
	})

	n, err := txStore.CountByHash(context.Background(), "TX1")
	if err != nil {
		t.Fatalf("CountByHash: %v", err)
	}
	if n != 1 {
		t.Errorf("TX1 stored %d times, want 1", n)
	}

	cancel()
	<-done
}

func TestSupervisor_ClosedLedgerAdvancesProgress(t *testing.T) {
	gw := newFakeGateway()
	s, _, registry := newTestSupervisor(t, gw)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	target := walletTarget()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, []*domain.Target{target}) }()

	// A closed ledger with no transactions still moves the high-water
	// mark: the subscription guarantees delivery up to that ledger.
	gw.events <- xrpl.LedgerEvent{Ledger: &xrpl.LedgerHeader{Index: 200}}

	waitFor(t, func() bool {
		prog, err := registry.Get(context.Background(), target.ID)
		return err == nil && prog.LastProcessedLedger == 200
	})

	// An out-of-order header must not move it backwards.
	gw.events <- xrpl.LedgerEvent{Ledger: &xrpl.LedgerHeader{Index: 199}}
	gw.events <- xrpl.LedgerEvent{Ledger: &xrpl.LedgerHeader{Index: 201}}

	waitFor(t, func() bool {
		prog, err := registry.Get(context.Background(), target.ID)
		return err == nil && prog.LastProcessedLedger == 201
	})

	cancel()
	<-done
}

func TestSupervisor_LiveWaitsForBackfill(t *testing.T) {
	gw := newFakeGateway()
	gw.backfillTxs = []*xrpl.TransactionWithMeta{xrpPayment("BF1", 1005)}
	gw.accountTxStarted = make(chan struct{})
	gw.accountTxRelease = make(chan struct{})

	txStore := memory.NewTokenTransactionStore()
	registry := NewRegistry(memory.NewProgressStore())
	proc := processor.New(processor.Options{})

	reconciler, err := reconcile.New(reconcile.Options{
		Gateway:   gw,
		Processor: proc,
		TxStore:   txStore,
		Progress:  registry,
	})
	if err != nil {
		t.Fatalf("reconcile.New: %v", err)
	}

	s, err := New(Options{
		Gateway:           gw,
		Processor:         proc,
		TxStore:           txStore,
		Registry:          registry,
		Reconciler:        reconciler,
		ReconcileInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	target := walletTarget()

	// Up to date at start, so the startup gap check fetches nothing.
	if _, err := registry.Update(ctx, target.ID, func(p *domain.CollectionProgress) {
		p.LastProcessedLedger = 1000
	}); err != nil {
		t.Fatalf("seed progress: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, []*domain.Target{target}) }()

	// The chain moves ahead while the stream stays silent; the next timer
	// pass starts a backfill and stalls inside the history fetch.
	gw.current.Store(1010)
	<-gw.accountTxStarted

	// A live transaction arriving mid-backfill must wait for the backfill
	// to finish, never interleave with it.
	gw.events <- xrpl.LedgerEvent{Transaction: xrpPayment("LIVE1", 1011)}
	time.Sleep(50 * time.Millisecond)
	if n, err := txStore.CountByHash(context.Background(), "LIVE1"); err != nil || n != 0 {
		t.Fatalf("live transaction stored %d times while backfill held the target (err %v), want 0", n, err)
	}

	close(gw.accountTxRelease)

	waitFor(t, func() bool {
		prog, err := registry.Get(context.Background(), target.ID)
		return err == nil && prog.RecordsCollected == 2
	})

	if n, _ := txStore.CountByHash(context.Background(), "BF1"); n != 1 {
		t.Errorf("BF1 stored %d times, want 1", n)
	}
	if n, _ := txStore.CountByHash(context.Background(), "LIVE1"); n != 1 {
		t.Errorf("LIVE1 stored %d times, want 1", n)
	}

	prog, err := registry.Get(context.Background(), target.ID)
	if err != nil {
		t.Fatalf("Get progress: %v", err)
	}
	if prog.LastProcessedLedger != 1011 {
		t.Errorf("high-water mark = %d, want 1011", prog.LastProcessedLedger)
	}

	cancel()
	<-done
}

func TestSupervisor_RejectsOverBudget(t *testing.T) {
	gw := newFakeGateway()
	txStore := memory.NewTokenTransactionStore()
	registry := NewRegistry(memory.NewProgressStore())

	s, err := New(Options{
		Gateway:          gw,
		Processor:        processor.New(processor.Options{}),
		TxStore:          txStore,
		Registry:         registry,
		MaxSubscriptions: 1,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	targets := []*domain.Target{
		{ID: "a", Kind: domain.TargetToken, Account: genesisAccount},
		{ID: "b", Kind: domain.TargetToken, Account: zeroAccount},
	}
	err = s.Run(context.Background(), targets)
	if err == nil || !strings.Contains(err.Error(), "subscription budget") {
		t.Errorf("err = %v, want subscription budget error", err)
	}
}

func TestValidateTargets(t *testing.T) {
	valid := &domain.Target{ID: "a", Kind: domain.TargetToken, Account: genesisAccount}

	tests := []struct {
		name    string
		targets []*domain.Target
		wantErr bool
	}{
		{name: "valid", targets: []*domain.Target{valid}},
		{name: "empty list", targets: nil, wantErr: true},
		{
			name: "duplicate id",
			targets: []*domain.Target{
				valid,
				{ID: "a", Kind: domain.TargetToken, Account: zeroAccount},
			},
			wantErr: true,
		},
		{
			name:    "invalid kind",
			targets: []*domain.Target{{ID: "b", Kind: "what", Account: genesisAccount}},
			wantErr: true,
		},
		{
			name:    "malformed account",
			targets: []*domain.Target{{ID: "c", Kind: domain.TargetToken, Account: "not-an-address"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateTargets(tt.targets)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateTargets = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
