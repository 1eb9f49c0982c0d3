package stats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// WorkerStats instruments one worker process.
type WorkerStats struct {
	ChunksCompleted prometheus.Counter
	ChunksFailed    prometheus.Counter
	RowsProcessed   prometheus.Counter
	BytesProcessed  prometheus.Counter
	InsertLatency   prometheus.Histogram
	BatchSize       prometheus.Gauge
	MemoryMB        prometheus.Gauge
}

func NewWorkerStats(registry prometheus.Registerer, workerID string) *WorkerStats {
	factory := promauto.With(registry)
	labels := prometheus.Labels{"worker_id": workerID}
	return &WorkerStats{
		ChunksCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name:        "dataferry_worker_chunks_completed_total",
			Help:        "Chunks this worker completed.",
			ConstLabels: labels,
		}),
		ChunksFailed: factory.NewCounter(prometheus.CounterOpts{
			Name:        "dataferry_worker_chunks_failed_total",
			Help:        "Chunk attempts this worker failed.",
			ConstLabels: labels,
		}),
		RowsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name:        "dataferry_worker_rows_processed_total",
			Help:        "Rows moved to the target.",
			ConstLabels: labels,
		}),
		BytesProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name:        "dataferry_worker_bytes_processed_total",
			Help:        "Approximate bytes moved to the target.",
			ConstLabels: labels,
		}),
		InsertLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:        "dataferry_worker_insert_latency_seconds",
			Help:        "Per-batch bulk insert latency.",
			Buckets:     prometheus.ExponentialBuckets(0.005, 2, 12),
			ConstLabels: labels,
		}),
		BatchSize: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "dataferry_worker_batch_size",
			Help:        "Current adaptive batch size.",
			ConstLabels: labels,
		}),
		MemoryMB: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "dataferry_worker_memory_mb",
			Help:        "Resident memory of the worker process.",
			ConstLabels: labels,
		}),
	}
}

// DispatcherStats instruments the leader's background loops.
type DispatcherStats struct {
	Leader         prometheus.Gauge
	ChunksReaped   prometheus.Counter
	JobsAutoFailed prometheus.Counter
	JobsCompleted  prometheus.Counter
	SuperviseTicks prometheus.Counter
}

func NewDispatcherStats(registry prometheus.Registerer) *DispatcherStats {
	factory := promauto.With(registry)
	return &DispatcherStats{
		Leader: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dataferry_dispatcher_leader",
			Help: "1 while this process holds dispatcher leadership.",
		}),
		ChunksReaped: factory.NewCounter(prometheus.CounterOpts{
			Name: "dataferry_dispatcher_chunks_reaped_total",
			Help: "Running chunks returned to the queue after a dead heartbeat.",
		}),
		JobsAutoFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "dataferry_dispatcher_jobs_auto_failed_total",
			Help: "Jobs stopped by the failure-rate supervisor.",
		}),
		JobsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "dataferry_dispatcher_jobs_completed_total",
			Help: "Jobs the dispatcher transitioned to a terminal state.",
		}),
		SuperviseTicks: factory.NewCounter(prometheus.CounterOpts{
			Name: "dataferry_dispatcher_supervise_ticks_total",
			Help: "Supervision loop iterations.",
		}),
	}
}
