// Package monitor exposes a read-only HTTP status endpoint over the
// collection progress registry.
package monitor

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"xrpl-amm-collector/internal/storage"
	"xrpl-amm-collector/internal/supervisor"
)

// recentWindow is the look-back used for the recent activity counters.
const recentWindow = time.Hour

// Status is the response body of GET /status.
type Status struct {
	GeneratedAt     time.Time      `json:"generated_at"`
	Targets         []TargetStatus `json:"targets"`
	RecentTxCount   int64          `json:"recent_transactions"`
	RecentSnapCount int64          `json:"recent_snapshots"`
}

// TargetStatus is one target's progress row.
type TargetStatus struct {
	TargetID            string    `json:"target_id"`
	LastProcessedLedger int64     `json:"last_processed_ledger"`
	Status              string    `json:"status"`
	LastUpdate          time.Time `json:"last_update"`
	ErrorDetail         string    `json:"error_detail,omitempty"`
	RecordsCollected    int64     `json:"records_collected"`
}

// Server serves collection status over HTTP.
type Server struct {
	registry  *supervisor.Registry
	txStore   storage.TokenTransactionStore
	snapStore storage.AMMSnapshotStore
	logger    *log.Logger
}

// Options configures a Server.
type Options struct {
	Registry *supervisor.Registry
	// TxStore and SnapStore feed the recent activity counters. Optional.
	TxStore   storage.TokenTransactionStore
	SnapStore storage.AMMSnapshotStore
	// Logger for diagnostics. Defaults to log.Default().
	Logger *log.Logger
}

// NewServer creates a status server.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		registry:  opts.Registry,
		txStore:   opts.TxStore,
		snapStore: opts.SnapStore,
		logger:    logger,
	}
}

// Handler returns the HTTP handler serving /status and /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	rows, err := s.registry.List(ctx)
	if err != nil {
		s.logger.Printf("[monitor] list progress: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	status := Status{
		GeneratedAt: time.Now().UTC(),
		Targets:     make([]TargetStatus, 0, len(rows)),
	}
	for _, p := range rows {
		status.Targets = append(status.Targets, TargetStatus{
			TargetID:            p.TargetID,
			LastProcessedLedger: p.LastProcessedLedger,
			Status:              p.Status.String(),
			LastUpdate:          p.LastUpdate,
			ErrorDetail:         p.ErrorDetail,
			RecordsCollected:    p.RecordsCollected,
		})
	}

	since := time.Now().UTC().Add(-recentWindow)
	if s.txStore != nil {
		if n, err := s.txStore.CountSince(ctx, since); err == nil {
			status.RecentTxCount = n
		} else {
			s.logger.Printf("[monitor] count recent transactions: %v", err)
		}
	}
	if s.snapStore != nil {
		if n, err := s.snapStore.CountSince(ctx, since); err == nil {
			status.RecentSnapCount = n
		} else {
			s.logger.Printf("[monitor] count recent snapshots: %v", err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Printf("[monitor] encode status: %v", err)
	}
}
