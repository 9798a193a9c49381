// Package observability holds the indexer's Prometheus metrics.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the indexer.
type Metrics struct {
	// --- Ingestion ---
	EventsApplied    *prometheus.CounterVec
	EventsDuplicate  *prometheus.CounterVec
	EventsFailed     *prometheus.CounterVec
	DecodeErrors     prometheus.Counter
	EventDuration    *prometheus.HistogramVec
	IntakeRequests   *prometheus.CounterVec
	QuoteDrift       prometheus.Counter
	LastIndexedSlot  prometheus.Gauge
	BusPublishErrors prometheus.Counter

	// --- Reconciliation ---
	SyncRuns          *prometheus.CounterVec
	SyncDuration      prometheus.Histogram
	MarketsReconciled prometheus.Gauge

	// --- Ledger ---
	RPCRequests      *prometheus.CounterVec
	RPCDuration      *prometheus.HistogramVec
	WSConnected      prometheus.Gauge
	WSDisconnects    prometheus.Counter
	PoolRefreshStale prometheus.Counter

	// --- Query API ---
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
	CacheLookups *prometheus.CounterVec

	// --- Archive ---
	SnapshotsArchived prometheus.Counter
}

// NewMetrics creates the metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	dbBuckets := []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}
	netBuckets := []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15}

	return &Metrics{
		EventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "predict_events_applied_total",
			Help: "Ledger events applied to the store",
		}, []string{"kind", "source"}),

		EventsDuplicate: f.NewCounterVec(prometheus.CounterOpts{
			Name: "predict_events_duplicate_total",
			Help: "Events skipped because their signature was already recorded",
		}, []string{"kind"}),

		EventsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "predict_events_failed_total",
			Help: "Events whose processing transaction rolled back",
		}, []string{"kind"}),

		DecodeErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "predict_decode_errors_total",
			Help: "Program data lines that failed to decode",
		}),

		EventDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "predict_event_apply_duration_seconds",
			Help:    "Time to apply a single event",
			Buckets: dbBuckets,
		}, []string{"kind"}),

		IntakeRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "predict_intake_requests_total",
			Help: "Signatures received per intake path",
		}, []string{"source", "result"}),

		QuoteDrift: f.NewCounter(prometheus.CounterOpts{
			Name: "predict_quote_drift_total",
			Help: "Bets whose shares differ from the locally computed quote",
		}),

		LastIndexedSlot: f.NewGauge(prometheus.GaugeOpts{
			Name: "predict_last_indexed_slot",
			Help: "Highest slot of an applied event",
		}),

		BusPublishErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "predict_bus_publish_errors_total",
			Help: "Event bus publish failures",
		}),

		SyncRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "predict_sync_runs_total",
			Help: "Reconciliation cycles by result",
		}, []string{"result"}),

		SyncDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "predict_sync_duration_seconds",
			Help:    "Full reconciliation cycle duration",
			Buckets: netBuckets,
		}),

		MarketsReconciled: f.NewGauge(prometheus.GaugeOpts{
			Name: "predict_markets_reconciled",
			Help: "Markets upserted by the last successful cycle",
		}),

		RPCRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "predict_rpc_requests_total",
			Help: "Ledger JSON-RPC calls by method and result",
		}, []string{"method", "result"}),

		RPCDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "predict_rpc_duration_seconds",
			Help:    "Ledger JSON-RPC call latency",
			Buckets: netBuckets,
		}, []string{"method"}),

		WSConnected: f.NewGauge(prometheus.GaugeOpts{
			Name: "predict_ws_connected",
			Help: "1 while the logs subscription is active",
		}),

		WSDisconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "predict_ws_disconnects_total",
			Help: "Logs subscription sessions that ended",
		}),

		PoolRefreshStale: f.NewCounter(prometheus.CounterOpts{
			Name: "predict_pool_refresh_stale_total",
			Help: "Pool refreshes skipped because a newer slot was already applied",
		}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "predict_http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),

		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "predict_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: dbBuckets,
		}, []string{"route"}),

		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "predict_cache_lookups_total",
			Help: "Read cache lookups by result (hit/miss/error)",
		}, []string{"kind", "result"}),

		SnapshotsArchived: f.NewCounter(prometheus.CounterOpts{
			Name: "predict_snapshots_archived_total",
			Help: "Price snapshots moved to object storage",
		}),
	}
}

// ObserveRPC records one ledger call. Its signature matches
// solana.CallObserver.
func (m *Metrics) ObserveRPC(method string, elapsed time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.RPCRequests.WithLabelValues(method, result).Inc()
	m.RPCDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}
