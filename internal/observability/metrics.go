package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the settlement ledger.
type Metrics struct {
	// --- Engine ---
	OpsApplied  *prometheus.CounterVec
	OpsRejected *prometheus.CounterVec
	OpDuration  *prometheus.HistogramVec
	Sequence    prometheus.Gauge

	// --- Ledger state ---
	PoolBalance    prometheus.Gauge
	CustodiedValue prometheus.Gauge
	LiveOrders     prometheus.Gauge
	LivePositions  prometheus.Gauge
	LiveTriggers   prometheus.Gauge

	// --- Channels & backpressure ---
	ChannelSize       *prometheus.GaugeVec
	ChannelCapacity   *prometheus.GaugeVec
	ProjectionDropped prometheus.Counter
	PublishDrops      prometheus.Counter

	// --- Ingestion ---
	IngestReceived *prometheus.CounterVec
	IngestFailed   *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot & recovery ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter

	// --- Projections ---
	ProjectionUpdateDur *prometheus.HistogramVec
	ProjectionLastSeq   prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	dbBuckets := []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25}

	return &Metrics{
		OpsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_ops_applied_total",
			Help: "Operations successfully applied by the engine",
		}, []string{"op"}),

		OpsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_ops_rejected_total",
			Help: "Operations rejected (duplicate, invalid, unauthorized, funds, transfer)",
		}, []string{"op", "reason"}),

		OpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "margin_op_duration_seconds",
			Help:    "Time to apply a single operation",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		Sequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "margin_sequence",
			Help: "Current global sequence number",
		}),

		PoolBalance: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "margin_pool_balance",
			Help: "Pnl bank balance (fixed-point quote units)",
		}),

		CustodiedValue: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "margin_custodied_value",
			Help: "Total value held in custody (fixed-point quote units)",
		}),

		LiveOrders: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "margin_live_orders",
			Help: "Orders currently in the book",
		}),

		LivePositions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "margin_live_positions",
			Help: "Positions currently open",
		}),

		LiveTriggers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "margin_live_triggers",
			Help: "Triggers currently armed",
		}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "margin_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "margin_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ProjectionDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "margin_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "margin_publish_drops_total",
			Help: "Outputs dropped due to full publish channel",
		}),

		IngestReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_ingest_received_total",
			Help: "Commands received from NATS",
		}, []string{"subject"}),

		IngestFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_ingest_failed_total",
			Help: "Commands that failed parsing or application",
		}, []string{"subject", "reason"}),

		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "margin_persist_events_written_total",
			Help: "Event envelopes committed to Postgres",
		}),

		PersistJournalsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "margin_persist_journals_written_total",
			Help: "Journal entries committed to Postgres",
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "margin_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: dbBuckets,
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_persist_errors_total",
			Help: "Postgres write errors",
		}, []string{"kind"}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "margin_persist_last_sequence",
			Help: "Last sequence durably committed",
		}),

		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "margin_snapshot_taken_total",
			Help: "Snapshots written",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "margin_snapshot_duration_seconds",
			Help:    "Snapshot capture and write duration",
			Buckets: dbBuckets,
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "margin_snapshot_last_sequence",
			Help: "Sequence of the latest snapshot",
		}),

		ReplayEventsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "margin_replay_events_total",
			Help: "Envelopes replayed during recovery",
		}),

		ProjectionUpdateDur: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "margin_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: dbBuckets,
		}, []string{"projection"}),

		ProjectionLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "margin_projection_last_sequence",
			Help: "Last sequence applied to projections",
		}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_query_requests_total",
			Help: "Query API requests",
		}, []string{"endpoint"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "margin_query_duration_seconds",
			Help:    "Query API latency",
			Buckets: dbBuckets,
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_query_errors_total",
			Help: "Query API errors",
		}, []string{"endpoint"}),
	}
}
