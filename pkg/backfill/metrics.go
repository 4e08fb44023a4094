package backfill

import (
	"github.com/0xmhha/transfer-indexer/pkg/fetch"
	"github.com/0xmhha/transfer-indexer/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics of all orchestrators. Every series is
// labelled by chain.
type Metrics struct {
	ChunksProcessed *prometheus.CounterVec
	LogsFetched     *prometheus.CounterVec
	RecordsUpserted *prometheus.CounterVec
	RecordsSkipped  *prometheus.CounterVec
	RangeSplits     *prometheus.CounterVec
	RPCRequests     *prometheus.CounterVec
	Retries         *prometheus.CounterVec
	Checkpoint      *prometheus.GaugeVec
	LatestBlock     *prometheus.GaugeVec
	ChunkDuration   *prometheus.HistogramVec
}

// NewMetrics creates the metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	const namespace, subsystem = "indexer", "backfill"

	return &Metrics{
		ChunksProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "chunks_processed_total",
			Help:      "Chunks fully committed and checkpointed",
		}, []string{"chain"}),
		LogsFetched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "logs_fetched_total",
			Help:      "Transfer logs returned by eth_getLogs",
		}, []string{"chain"}),
		RecordsUpserted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "records_upserted_total",
			Help:      "Transfer records written to storage",
		}, []string{"chain"}),
		RecordsSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "records_skipped_total",
			Help:      "Malformed transfer logs that were skipped",
		}, []string{"chain"}),
		RangeSplits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "range_splits_total",
			Help:      "Log queries split after a provider size limit",
		}, []string{"chain", "source"}),
		RPCRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "log_requests_total",
			Help:      "eth_getLogs requests by outcome",
		}, []string{"chain", "result"}),
		Retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "retries_total",
			Help:      "Retried operations after a transient failure",
		}, []string{"chain"}),
		Checkpoint: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "checkpoint_block",
			Help:      "Last fully indexed block",
		}, []string{"chain"}),
		LatestBlock: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "latest_block",
			Help:      "Latest block reported by the RPC endpoint",
		}, []string{"chain"}),
		ChunkDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "chunk_duration_seconds",
			Help:      "Time to fetch, normalize, persist and checkpoint one chunk",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		}, []string{"chain"}),
	}
}

// chainObserver feeds fetch events of one chain into Metrics
type chainObserver struct {
	chain   string
	metrics *Metrics
}

var _ fetch.Observer = (*chainObserver)(nil)

func (o *chainObserver) ObserveRequest(_ types.BlockRange, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	o.metrics.RPCRequests.WithLabelValues(o.chain, result).Inc()
}

func (o *chainObserver) ObserveSplit(_ types.BlockRange, _ uint64, suggested bool) {
	source := "bisect"
	if suggested {
		source = "provider"
	}
	o.metrics.RangeSplits.WithLabelValues(o.chain, source).Inc()
}
