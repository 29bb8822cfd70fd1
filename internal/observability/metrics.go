package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for CustodyBank.
type Metrics struct {
	// --- Core Processing ---
	CoreTxApplied    *prometheus.CounterVec
	CoreTxRejected   *prometheus.CounterVec
	CoreTxDuration   *prometheus.HistogramVec
	CoreJournals     *prometheus.CounterVec
	CoreStateHashDur prometheus.Histogram
	CoreSequence     prometheus.Gauge
	CoreLockWait     prometheus.Histogram

	// --- Ingestion ---
	IngestReceived  *prometheus.CounterVec
	IngestToApply   *prometheus.HistogramVec
	IngestParseFail *prometheus.CounterVec

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Errors      prometheus.Counter

	// --- Persistence ---
	PersistInvocationsWritten prometheus.Counter
	PersistJournalsWritten    prometheus.Counter
	PersistBatchSize          prometheus.Histogram
	PersistBatchDur           prometheus.Histogram
	PersistErrors             *prometheus.CounterVec
	PersistRetry              prometheus.Counter
	PersistLastSequence       prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them on reg.
// Pass prometheus.DefaultRegisterer in production and a fresh
// prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Core Processing
		CoreTxApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_core_tx_applied_total",
			Help: "Transactions executed by the core, by terminal outcome",
		}, []string{"outcome"}),

		CoreTxRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_core_tx_rejected_total",
			Help: "Transactions rejected before execution (duplicate, invalid)",
		}, []string{"reason"}),

		CoreTxDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "custody_core_tx_duration_seconds",
			Help:    "Time to execute a single transaction",
			Buckets: latencyBuckets,
		}, []string{"outcome"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_core_journals_generated_total",
			Help: "Journal entries committed",
		}, []string{"journal_type"}),

		CoreStateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "custody_core_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "custody_core_sequence",
			Help: "Next sequence number to assign",
		}),

		CoreLockWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "custody_core_lock_wait_seconds",
			Help:    "Time spent waiting for account locks",
			Buckets: latencyBuckets,
		}),

		// Ingestion
		IngestReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_ingest_received_total",
			Help: "Transactions received, by source",
		}, []string{"source"}),

		IngestToApply: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "custody_ingest_to_apply_seconds",
			Help:    "Latency from receipt to execution",
			Buckets: ingestBuckets,
		}, []string{"source"}),

		IngestParseFail: f.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_ingest_parse_failures_total",
			Help: "Messages that could not be parsed into a transaction",
		}, []string{"source"}),

		// Channel & Backpressure
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "custody_channel_size",
			Help: "Current channel buffer usage",
		}, []string{"channel"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "custody_channel_capacity",
			Help: "Channel buffer capacity",
		}, []string{"channel"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "custody_channel_utilization",
			Help: "Channel utilization ratio",
		}, []string{"channel"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "custody_publish_drops_total",
			Help: "Receipts dropped because the publish channel was full",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "custody_persist_backpressure_total",
			Help: "Times the executor blocked on a full persist channel",
		}),

		// Idempotency
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_idempotency_duplicates_total",
			Help: "Duplicate transactions detected, by tier",
		}, []string{"tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "custody_dedup_lru_size",
			Help: "Entries in the idempotency LRU",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "custody_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		DedupTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "custody_dedup_tier2_errors_total",
			Help: "Failed Postgres idempotency lookups",
		}),

		// Persistence
		PersistInvocationsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "custody_persist_invocations_written_total",
			Help: "Invocations written to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "custody_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "custody_persist_batch_size",
			Help:    "Invocations per persistence batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "custody_persist_batch_duration_seconds",
			Help:    "Time to write a persistence batch",
			Buckets: prometheus.DefBuckets,
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "custody_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "custody_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Snapshot
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "custody_snapshot_taken_total",
			Help: "Snapshots taken",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "custody_snapshot_duration_seconds",
			Help:    "Time to take a snapshot",
			Buckets: prometheus.DefBuckets,
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "custody_snapshot_size_bytes",
			Help: "Size of last snapshot",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "custody_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_query_requests_total",
			Help: "Query API requests",
		}, []string{"endpoint"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "custody_query_duration_seconds",
			Help:    "Query API latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "custody_query_errors_total",
			Help: "Query API errors",
		}, []string{"endpoint", "code"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
