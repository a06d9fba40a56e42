// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Collection metrics
	EventsReceived      *prometheus.CounterVec
	TransactionsStored  *prometheus.CounterVec
	TransactionsDeduped prometheus.Counter
	ProcessingErrors    *prometheus.CounterVec
	SnapshotsStored     *prometheus.CounterVec
	SnapshotsElided     prometheus.Counter
	HighestLedgerSeen   prometheus.Gauge
	TargetLagLedgers    *prometheus.GaugeVec

	// Reconciliation metrics
	GapsDetected      prometheus.Counter
	BackfillPages     prometheus.Counter
	BackfillErrors    prometheus.Counter
	UnrecoverableGaps prometheus.Counter

	// Connection metrics
	WSReconnects   prometheus.Counter
	NodeCallErrors *prometheus.CounterVec

	// Health metrics
	LastEventTimestamp prometheus.Gauge
	ActiveTargets      prometheus.Gauge
}

// NewMetrics creates a new Metrics instance registered on the default
// Prometheus registry.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, namespace)
}

// NewMetricsWith creates a Metrics instance on the given registerer.
func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "xrpl_amm_collector"
	}
	factory := promauto.With(reg)

	return &Metrics{
		// Collection metrics
		EventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collection",
			Name:      "events_received_total",
			Help:      "Total number of stream events received by type",
		}, []string{"event_type"}),
		TransactionsStored: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collection",
			Name:      "transactions_stored_total",
			Help:      "Total number of token transactions stored by provenance",
		}, []string{"provenance"}),
		TransactionsDeduped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collection",
			Name:      "transactions_deduplicated_total",
			Help:      "Total number of transactions skipped as already stored",
		}),
		ProcessingErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collection",
			Name:      "processing_errors_total",
			Help:      "Total number of processing errors by stage",
		}, []string{"stage"}),
		SnapshotsStored: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "amm",
			Name:      "snapshots_stored_total",
			Help:      "Total number of AMM snapshots stored by capture reason",
		}, []string{"reason"}),
		SnapshotsElided: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "amm",
			Name:      "snapshots_elided_total",
			Help:      "Total number of periodic snapshots skipped as insignificant",
		}),
		HighestLedgerSeen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "collection",
			Name:      "highest_ledger_seen",
			Help:      "Highest validated ledger index seen on the stream",
		}),
		TargetLagLedgers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "collection",
			Name:      "target_lag_ledgers",
			Help:      "Ledgers between the chain tip and a target's high-water mark",
		}, []string{"target"}),

		// Reconciliation metrics
		GapsDetected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "gaps_detected_total",
			Help:      "Total number of collection gaps detected",
		}),
		BackfillPages: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "backfill_pages_total",
			Help:      "Total number of history pages fetched during backfill",
		}),
		BackfillErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "backfill_errors_total",
			Help:      "Total number of failed backfill attempts",
		}),
		UnrecoverableGaps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "unrecoverable_gaps_total",
			Help:      "Total number of gaps truncated at the recoverable horizon",
		}),

		// Connection metrics
		WSReconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "xrpl",
			Name:      "ws_reconnects_total",
			Help:      "Total number of websocket reconnect attempts",
		}),
		NodeCallErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "xrpl",
			Name:      "node_call_errors_total",
			Help:      "Total number of failed node calls by method",
		}, []string{"method"}),

		// Health metrics
		LastEventTimestamp: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_event_timestamp",
			Help:      "Unix timestamp of the last stream event processed",
		}),
		ActiveTargets: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "active_targets",
			Help:      "Number of targets currently supervised",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
