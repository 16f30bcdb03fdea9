package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "code", "method"},
	)

	DBTxDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "admission_db_tx_seconds",
			Help:    "Duration of DB transactions",
			Buckets: prometheus.DefBuckets,
		},
	)

	DBTxRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "admission_db_tx_retries_total",
			Help: "Transactions retried after a serialization failure",
		},
	)

	OutboxLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "admission_outbox_lag_seconds",
			Help: "Age of the oldest outbox message published in the last batch",
		},
	)

	RabbitPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "admission_rabbit_publish_retries_total",
			Help: "Total rabbit publish retries",
		},
	)

	RateLimitExceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "admission_http_rate_limit_exceeded_total",
			Help: "Requests refused by the per-client HTTP rate limit",
		},
	)

	AdmissionOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_outcomes_total",
			Help: "Scan outcomes by result code",
		},
		[]string{"result"},
	)

	AdmittedEntries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "admission_entries_admitted_total",
			Help: "Individual entries admitted",
		},
	)

	LimiterFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_limiter_failures_total",
			Help: "Anti-fraud checks that failed on storage errors",
		},
		[]string{"check"},
	)

	AnomalyFlags = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_anomaly_flags_total",
			Help: "Advisory anomaly flags raised per validator evaluation",
		},
		[]string{"flag"},
	)

	LifecycleMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_lifecycle_messages_total",
			Help: "Ticket lifecycle messages handled, by disposition",
		},
		[]string{"disposition"},
	)

	IdempotentReplays = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "admission_idempotent_replays_total",
			Help: "Scan responses served from the idempotency store",
		},
	)
)
