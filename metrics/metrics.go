// Package metrics declares the Prometheus collectors exposed by the
// diagnostics HTTP surface, per SPEC_FULL.md §4.10: Arena occupancy,
// Ring backlog, Builder throughput, Writer confirm latency, Checkpoint
// age.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Keys shared across collector label values.
const (
	Fail = "fail"
	Ok   = "ok"
)

var (
	ArenaFreeChunks = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "redoflow_arena_free_chunks",
		Help: "Free chunks remaining in the Arena, across all modules.",
	})

	ArenaLiveChunks = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "redoflow_arena_live_chunks",
		Help: "Chunks currently checked out from the Arena, by module.",
	}, []string{"module"})

	RingBacklogBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "redoflow_ring_backlog_bytes",
		Help: "Unconfirmed bytes currently held by the Ring.",
	})

	BuilderFramesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "redoflow_builder_frames_total",
		Help: "Cumulative number of Ring frames emitted by the Builder.",
	})

	BuilderCommitDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "redoflow_builder_commit_duration_seconds",
		Help:    "Duration of Builder.Commit's per-transaction replay.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	})

	WriterConfirmLatencySeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "redoflow_writer_confirm_latency_seconds",
		Help:    "Latency between a frame's commit and its sink confirmation.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 12),
	})

	WriterSinkWritesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "redoflow_writer_sink_writes_total",
		Help: "Cumulative sink writes, partitioned by outcome.",
	}, []string{"status"})

	CheckpointAgeSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "redoflow_checkpoint_age_seconds",
		Help: "Seconds since the last successful checkpoint fired.",
	})

	MemMgrSwapsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "redoflow_memmgr_swaps_total",
		Help: "Cumulative number of TxBuf chunks swapped to disk under memory pressure.",
	})
)

// MustRegister registers every collector in this package against reg.
// Called once at process startup before the diagnostics listener serves
// /metrics.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		ArenaFreeChunks, ArenaLiveChunks, RingBacklogBytes,
		BuilderFramesTotal, BuilderCommitDurationSeconds,
		WriterConfirmLatencySeconds, WriterSinkWritesTotal,
		CheckpointAgeSeconds, MemMgrSwapsTotal,
	)
}
