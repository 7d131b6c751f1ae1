package monitor

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// WorkloadStats counts indexer activity. The plain counters back the JSON
// stats endpoint; the Prometheus collectors mirror them for /metrics.
type WorkloadStats struct {
	IngestCount    uint64
	QueryCount     uint64
	ResultTuples   uint64
	RotationCount  uint64
	CleanCount     uint64
	InterruptCount uint64

	ingested     prometheus.Counter
	queries      prometheus.Counter
	queryLatency prometheus.Histogram
	resultTuples prometheus.Counter
	rotations    prometheus.Counter
	cleans       prometheus.Counter
	interrupts   *prometheus.CounterVec
	trees        prometheus.Gauge
	tuples       prometheus.Gauge
	bytes        prometheus.Gauge
}

// NewWorkloadStats builds the counters and registers the collectors with reg.
// A nil reg keeps the collectors unregistered.
func NewWorkloadStats(reg prometheus.Registerer) *WorkloadStats {
	f := promauto.With(reg)
	return &WorkloadStats{
		ingested: f.NewCounter(prometheus.CounterOpts{
			Name: "rtindex_ingested_tuples_total",
			Help: "Tuples inserted into domain trees.",
		}),
		queries: f.NewCounter(prometheus.CounterOpts{
			Name: "rtindex_subqueries_total",
			Help: "Sub-queries answered.",
		}),
		queryLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "rtindex_subquery_duration_seconds",
			Help:    "Time from dequeue to result publication.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 0.1ms to ~800ms
		}),
		resultTuples: f.NewCounter(prometheus.CounterOpts{
			Name: "rtindex_result_tuples_total",
			Help: "Tuples returned by sub-queries.",
		}),
		rotations: f.NewCounter(prometheus.CounterOpts{
			Name: "rtindex_tree_rotations_total",
			Help: "Hot trees sealed and replaced.",
		}),
		cleans: f.NewCounter(prometheus.CounterOpts{
			Name: "rtindex_tree_cleans_total",
			Help: "Domain trees evicted.",
		}),
		interrupts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rtindex_queue_interrupts_total",
			Help: "Blocked queue operations abandoned because the caller gave up.",
		}, []string{"queue"}),
		trees: f.NewGauge(prometheus.GaugeOpts{
			Name: "rtindex_trees",
			Help: "Domain trees currently registered.",
		}),
		tuples: f.NewGauge(prometheus.GaugeOpts{
			Name: "rtindex_tuples",
			Help: "Tuples held across all registered trees.",
		}),
		bytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "rtindex_bytes",
			Help: "Bytes accounted across all registered trees.",
		}),
	}
}

func (ws *WorkloadStats) RecordIngest() {
	atomic.AddUint64(&ws.IngestCount, 1)
	ws.ingested.Inc()
}

func (ws *WorkloadStats) RecordQuery(tuples int, took time.Duration) {
	atomic.AddUint64(&ws.QueryCount, 1)
	atomic.AddUint64(&ws.ResultTuples, uint64(tuples))
	ws.queries.Inc()
	ws.resultTuples.Add(float64(tuples))
	ws.queryLatency.Observe(took.Seconds())
}

func (ws *WorkloadStats) RecordRotation() {
	atomic.AddUint64(&ws.RotationCount, 1)
	ws.rotations.Inc()
}

func (ws *WorkloadStats) RecordClean() {
	atomic.AddUint64(&ws.CleanCount, 1)
	ws.cleans.Inc()
}

func (ws *WorkloadStats) RecordInterrupt(queue string) {
	atomic.AddUint64(&ws.InterruptCount, 1)
	ws.interrupts.WithLabelValues(queue).Inc()
}

// ObserveIndex publishes the current size of the index.
func (ws *WorkloadStats) ObserveIndex(trees int, tuples, bytes int64) {
	ws.trees.Set(float64(trees))
	ws.tuples.Set(float64(tuples))
	ws.bytes.Set(float64(bytes))
}

// GetQueryIngestRatio returns queries answered per ingested tuple.
func (ws *WorkloadStats) GetQueryIngestRatio() float64 {
	queries := atomic.LoadUint64(&ws.QueryCount)
	ingests := atomic.LoadUint64(&ws.IngestCount)

	if ingests == 0 {
		if queries > 0 {
			return 100.0
		}
		return 0.0
	}
	return float64(queries) / float64(ingests)
}

func (ws *WorkloadStats) Snapshot() map[string]interface{} {
	return map[string]interface{}{
		"ingested":           atomic.LoadUint64(&ws.IngestCount),
		"queries":            atomic.LoadUint64(&ws.QueryCount),
		"result_tuples":      atomic.LoadUint64(&ws.ResultTuples),
		"rotations":          atomic.LoadUint64(&ws.RotationCount),
		"cleans":             atomic.LoadUint64(&ws.CleanCount),
		"interrupts":         atomic.LoadUint64(&ws.InterruptCount),
		"query_ingest_ratio": ws.GetQueryIngestRatio(),
	}
}
