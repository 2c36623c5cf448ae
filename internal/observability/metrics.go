package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for OptionLedger.
// Components accept a nil *Metrics and skip recording.
type Metrics struct {
	// --- Trades ---
	TradesSubmitted *prometheus.CounterVec
	TradesRejected  *prometheus.CounterVec
	TradesCancelled prometheus.Counter
	ActiveTrades    prometheus.Gauge

	// --- Settlement ---
	Settlements        *prometheus.CounterVec
	SettlementLag      prometheus.Histogram
	SettlementDuration prometheus.Histogram
	ResolveRetries     prometheus.Counter
	NeedsManual        prometheus.Counter
	DuplicateSettles   prometheus.Counter
	RecoveredTrades    prometheus.Counter

	// --- Ledger ---
	LedgerOps       *prometheus.CounterVec
	LedgerRejected  *prometheus.CounterVec
	InvariantBreaks prometheus.Counter

	// --- Approval workflow ---
	Requests  *prometheus.CounterVec
	Decisions *prometheus.CounterVec

	// --- Messaging ---
	PublishDrops  prometheus.Counter
	PublishErrors prometheus.Counter
	PriceUpdates  prometheus.Counter
	PriceRejected prometheus.Counter

	// --- HTTP API ---
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics on reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	lagBuckets := []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 300}
	opBuckets := []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

	return &Metrics{
		TradesSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "optl_trades_submitted_total",
			Help: "Trades accepted and activated",
		}, []string{"duration"}),

		TradesRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "optl_trades_rejected_total",
			Help: "Trade submissions rejected before activation",
		}, []string{"reason"}),

		TradesCancelled: f.NewCounter(prometheus.CounterOpts{
			Name: "optl_trades_cancelled_total",
			Help: "Active trades cancelled by an admin",
		}),

		ActiveTrades: f.NewGauge(prometheus.GaugeOpts{
			Name: "optl_scheduler_armed_trades",
			Help: "Trades currently armed in the settlement queue",
		}),

		Settlements: f.NewCounterVec(prometheus.CounterOpts{
			Name: "optl_settlements_total",
			Help: "Trades settled by outcome",
		}, []string{"outcome"}),

		SettlementLag: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "optl_settlement_lag_seconds",
			Help:    "Time between trade expiry and settlement commit",
			Buckets: lagBuckets,
		}),

		SettlementDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "optl_settlement_commit_duration_seconds",
			Help:    "Time to apply the settlement transaction",
			Buckets: opBuckets,
		}),

		ResolveRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "optl_resolve_retries_total",
			Help: "Market price lookups retried during settlement",
		}),

		NeedsManual: f.NewCounter(prometheus.CounterOpts{
			Name: "optl_trades_needs_manual_total",
			Help: "Trades flagged for manual resolution after the retry window",
		}),

		DuplicateSettles: f.NewCounter(prometheus.CounterOpts{
			Name: "optl_settlement_duplicates_total",
			Help: "Settlement attempts ignored because the trade was no longer active",
		}),

		RecoveredTrades: f.NewCounter(prometheus.CounterOpts{
			Name: "optl_recovered_trades_total",
			Help: "Overdue trades settled during startup recovery",
		}),

		LedgerOps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "optl_ledger_operations_total",
			Help: "Ledger mutations applied",
		}, []string{"op"}),

		LedgerRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "optl_ledger_rejected_total",
			Help: "Ledger mutations rejected",
		}, []string{"op", "reason"}),

		InvariantBreaks: f.NewCounter(prometheus.CounterOpts{
			Name: "optl_ledger_invariant_violations_total",
			Help: "Mutations aborted because the ledger delta did not reconcile",
		}),

		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "optl_requests_total",
			Help: "Deposit and withdrawal requests created",
		}, []string{"kind"}),

		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "optl_request_decisions_total",
			Help: "Admin decisions on requests",
		}, []string{"kind", "decision"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "optl_publish_drops_total",
			Help: "Outbound events dropped (publish channel full)",
		}),

		PublishErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "optl_publish_errors_total",
			Help: "Outbound events that failed to publish",
		}),

		PriceUpdates: f.NewCounter(prometheus.CounterOpts{
			Name: "optl_price_updates_total",
			Help: "Price ticks accepted from the feed",
		}),

		PriceRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "optl_price_updates_rejected_total",
			Help: "Price ticks rejected (unparseable or out of order)",
		}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "optl_http_requests_total",
			Help: "HTTP API requests",
		}, []string{"route", "code"}),

		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "optl_http_request_duration_seconds",
			Help:    "HTTP API request latency",
			Buckets: opBuckets,
		}, []string{"route"}),
	}
}
