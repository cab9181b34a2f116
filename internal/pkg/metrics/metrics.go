package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "vend"

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests partitioned by method, route and status.",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	ProviderCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "provider",
		Name:      "calls_total",
		Help:      "External provider calls partitioned by provider, operation and result.",
	}, []string{"provider", "operation", "result"})

	ProviderCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "provider",
		Name:      "call_duration_seconds",
		Help:      "External provider call latency.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"provider", "operation"})

	OrderTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "order",
		Name:      "transitions_total",
		Help:      "Order item state transitions.",
	}, []string{"from", "to"})

	RetriesScheduledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fulfillment",
		Name:      "retries_scheduled_total",
		Help:      "Items re-queued after a retryable provider failure.",
	})

	LockContentionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lock",
		Name:      "claims_total",
		Help:      "Lock claim attempts partitioned by result.",
	}, []string{"result"})

	RecoveryActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "recovery",
		Name:      "actions_total",
		Help:      "Recovery sweep actions partitioned by kind.",
	}, []string{"action"})

	IdempotencyResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "idempotency",
		Name:      "results_total",
		Help:      "Idempotency guard decisions partitioned by result.",
	}, []string{"result"})

	IdempotencyCleanupDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "idempotency",
		Name:      "cleanup_deleted_total",
		Help:      "Expired idempotency keys deleted.",
	})

	LedgerEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "wallet",
		Name:      "ledger_entries_total",
		Help:      "Ledger entries written partitioned by entry type.",
	}, []string{"type"})

	FundingExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "funding",
		Name:      "expired_total",
		Help:      "Manual funding transactions expired by the sweep.",
	})
)
