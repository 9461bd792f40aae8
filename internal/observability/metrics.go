package observability

import (
	"math/big"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for PeerLend.
type Metrics struct {
	// --- Orchestrator ---
	OperationsExecuted   *prometheus.CounterVec
	OperationsRejected   *prometheus.CounterVec
	OperationDuration    *prometheus.HistogramVec
	OrchestratorSequence prometheus.Gauge

	// --- Matching ---
	MatchedVolume  *prometheus.CounterVec
	FallbackVolume *prometheus.CounterVec

	// --- Per-market delta ledger ---
	P2PSupplyDelta  *prometheus.GaugeVec
	P2PBorrowDelta  *prometheus.GaugeVec
	P2PSupplyAmount *prometheus.GaugeVec
	P2PBorrowAmount *prometheus.GaugeVec
	P2PSupplyIndex  *prometheus.GaugeVec
	P2PBorrowIndex  *prometheus.GaugeVec

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

	// --- Price ingestion ---
	PriceUpdates      *prometheus.CounterVec
	PriceSequenceGaps *prometheus.CounterVec
	PriceStaleDropped *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistRetry         prometheus.Counter
	PersistLastSequence  prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	opBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		OperationsExecuted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "peer_operations_executed_total",
			Help: "Position operations committed",
		}, []string{"op"}),

		OperationsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "peer_operations_rejected_total",
			Help: "Position operations rejected before commit",
		}, []string{"op", "reason"}),

		OperationDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "peer_operation_duration_seconds",
			Help:    "End-to-end operation latency",
			Buckets: opBuckets,
		}, []string{"op"}),

		OrchestratorSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "peer_orchestrator_sequence",
			Help: "Next operation-log sequence",
		}),

		MatchedVolume: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "peer_matched_volume",
			Help: "Underlying volume settled peer-to-peer",
		}, []string{"op"}),

		FallbackVolume: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "peer_fallback_volume",
			Help: "Underlying volume routed to the pool",
		}, []string{"op"}),

		P2PSupplyDelta: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peer_p2p_supply_delta",
			Help: "Supply-side delta in pool units",
		}, []string{"market"}),

		P2PBorrowDelta: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peer_p2p_borrow_delta",
			Help: "Borrow-side delta in pool units",
		}, []string{"market"}),

		P2PSupplyAmount: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peer_p2p_supply_amount",
			Help: "Outstanding P2P supply claims in P2P units",
		}, []string{"market"}),

		P2PBorrowAmount: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peer_p2p_borrow_amount",
			Help: "Outstanding P2P borrow claims in P2P units",
		}, []string{"market"}),

		P2PSupplyIndex: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peer_p2p_supply_index",
			Help: "P2P supply index",
		}, []string{"market"}),

		P2PBorrowIndex: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peer_p2p_borrow_index",
			Help: "P2P borrow index",
		}, []string{"market"}),

		// Channels
		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peer_channel_size",
			Help: "Current channel occupancy",
		}, []string{"channel"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peer_channel_capacity",
			Help: "Channel capacity",
		}, []string{"channel"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peer_channel_utilization",
			Help: "Occupancy / capacity",
		}, []string{"channel"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "peer_publish_drops_total",
			Help: "Operation records dropped by the non-blocking publisher",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "peer_persist_backpressure_total",
			Help: "Blocking sends that stalled on the persistence channel",
		}),

		// Idempotency
		IdempotencyDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "peer_idempotency_duplicates_total",
			Help: "Duplicate request IDs rejected",
		}, []string{"op", "tier"}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "peer_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "peer_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		// Price ingestion
		PriceUpdates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "peer_price_updates_total",
			Help: "Oracle price updates applied",
		}, []string{"market"}),

		PriceSequenceGaps: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "peer_price_sequence_gaps_total",
			Help: "Gaps observed in the price feed sequence",
		}, []string{"market"}),

		PriceStaleDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "peer_price_stale_dropped_total",
			Help: "Stale price updates ignored",
		}, []string{"market"}),

		// Persistence
		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "peer_persist_events_written_total",
			Help: "Operation records written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "peer_persist_batch_size",
			Help:    "Records per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "peer_persist_batch_duration_seconds",
			Help:    "Batch flush latency",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "peer_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "peer_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "peer_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Query API
		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "peer_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "peer_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "peer_query_errors_total",
			Help: "Query errors",
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

// WadFloat converts a WAD-scaled value to a float for gauges. Precision
// loss is acceptable in metrics; the ledger never uses floats.
func WadFloat(v *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(v), big.NewFloat(1e18)).Float64()
	return f
}
