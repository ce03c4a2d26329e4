// Package observability provides Prometheus metrics and HTTP middleware
// for monitoring the authcore process.
package observability

import "github.com/prometheus/client_golang/prometheus"

// StorageBuckets defines histogram buckets suited for storage round trips,
// ranging from 1ms to 5s.
var StorageBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

var (
	// RequestsTotal counts all HTTP requests by method, status class, and route.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authcore_requests_total",
			Help: "Total requests",
		},
		[]string{"method", "status", "route"},
	)

	// RequestDuration records HTTP request duration in seconds by method and route.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "authcore_request_duration_seconds",
			Help:    "Request duration",
			Buckets: StorageBuckets,
		},
		[]string{"method", "route"},
	)

	// TransactionsTotal counts storage transactions by backend and outcome.
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authcore_transactions_total",
			Help: "Storage transactions",
		},
		[]string{"backend", "outcome"},
	)

	// TransactionDuration records storage transaction duration in seconds.
	TransactionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "authcore_transaction_duration_seconds",
			Help:    "Storage transaction duration",
			Buckets: StorageBuckets,
		},
		[]string{"backend"},
	)

	// TransactionRetriesTotal counts transactions re-run after a conflict.
	TransactionRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authcore_transaction_retries_total",
			Help: "Transaction conflict retries",
		},
		[]string{"backend"},
	)

	// StorageBackendInfo is 1 for the backend selected at startup.
	StorageBackendInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "authcore_storage_backend_info",
			Help: "Selected storage backend",
		},
		[]string{"backend", "type"},
	)

	// StorageHandles tracks the number of distinct storage handles.
	StorageHandles = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "authcore_storage_handles",
			Help: "Distinct storage handles",
		},
	)

	// TOTPVerificationsTotal counts TOTP code checks by outcome.
	TOTPVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authcore_totp_verifications_total",
			Help: "TOTP verifications",
		},
		[]string{"outcome"},
	)

	// SigningKeysCreatedTotal counts access-token signing keys created.
	SigningKeysCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "authcore_signing_keys_created_total",
			Help: "Access token signing keys created",
		},
	)

	// CronRunsTotal counts maintenance task runs by task and status.
	CronRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authcore_cron_runs_total",
			Help: "Cron task runs",
		},
		[]string{"task", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		TransactionsTotal,
		TransactionDuration,
		TransactionRetriesTotal,
		StorageBackendInfo,
		StorageHandles,
		TOTPVerificationsTotal,
		SigningKeysCreatedTotal,
		CronRunsTotal,
	)
}
