// Package telemetry exposes the Prometheus metrics shared across the
// ingestion, tracker, trend, and feed components, grounded on the teacher's
// internal/interfaces/http.MetricsRegistry.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every counter/gauge/histogram the core publishes.
type Registry struct {
	QueueDepth           prometheus.Gauge
	BackpressureRejects  prometheus.Counter
	BatchFlushDuration   prometheus.Histogram
	ValidationErrors     *prometheus.CounterVec
	DedupDrops           prometheus.Counter
	SinkWriteFailures    prometheus.Counter
	SinkUnavailableTrips prometheus.Counter

	TrackedTokens   prometheus.Gauge
	IndexSizes      *prometheus.GaugeVec
	AlertsTriggered prometheus.Counter

	CleanupCycleDuration prometheus.Histogram
	CleanupRemoved       *prometheus.CounterVec
	CleanupSavedByLimit  prometheus.Counter
	CleanupSavedByRail   *prometheus.CounterVec

	TrendsEmitted *prometheus.CounterVec

	FeedReconnectAttempts prometheus.Counter
	FeedTerminalSignals   prometheus.Counter
}

// NewRegistry builds and registers every metric on reg (pass
// prometheus.NewRegistry() for tests, prometheus.DefaultRegisterer in
// production).
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tokenwatch_ingest_queue_depth",
			Help: "Current depth of the ingestion FIFO.",
		}),
		BackpressureRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tokenwatch_ingest_backpressure_total",
			Help: "Total submit() calls rejected due to backpressure.",
		}),
		BatchFlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tokenwatch_ingest_batch_flush_seconds",
			Help:    "Duration of a batch flush to the sink.",
			Buckets: prometheus.DefBuckets,
		}),
		ValidationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenwatch_ingest_validation_errors_total",
			Help: "Validation failures by event kind.",
		}, []string{"kind"}),
		DedupDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tokenwatch_ingest_dedup_drops_total",
			Help: "Events dropped by the dedup window.",
		}),
		SinkWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tokenwatch_ingest_sink_write_failures_total",
			Help: "Batches dropped after the write and its one retry both failed.",
		}),
		SinkUnavailableTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tokenwatch_sink_unavailable_trips_total",
			Help: "Dropped batches whose final write was rejected by the open sink circuit breaker.",
		}),
		TrackedTokens: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tokenwatch_tracker_tokens",
			Help: "Current number of tracked mints.",
		}),
		IndexSizes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tokenwatch_tracker_index_size",
			Help: "Current size of each derived index.",
		}, []string{"index"}),
		AlertsTriggered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tokenwatch_tracker_alerts_triggered_total",
			Help: "Total alerts triggered.",
		}),
		CleanupCycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tokenwatch_cleanup_cycle_seconds",
			Help:    "Duration of a cleanup transaction.",
			Buckets: prometheus.DefBuckets,
		}),
		CleanupRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenwatch_cleanup_removed_total",
			Help: "Mints untracked by cleanup, by reason.",
		}, []string{"reason"}),
		CleanupSavedByLimit: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tokenwatch_cleanup_saved_by_limit_total",
			Help: "Candidates spared by the per-cycle removal cap.",
		}),
		CleanupSavedByRail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenwatch_cleanup_saved_by_rail_total",
			Help: "Candidates spared by a safety rail, by rail name.",
		}, []string{"rail"}),
		TrendsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenwatch_trend_emitted_total",
			Help: "Trends emitted, by window.",
		}, []string{"window"}),
		FeedReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tokenwatch_feed_reconnect_attempts_total",
			Help: "Total feed reconnect attempts.",
		}),
		FeedTerminalSignals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tokenwatch_feed_terminal_total",
			Help: "Times the feed crossed MAX_RECONNECT_ATTEMPTS.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			r.QueueDepth, r.BackpressureRejects, r.BatchFlushDuration, r.ValidationErrors,
			r.DedupDrops, r.SinkWriteFailures, r.SinkUnavailableTrips, r.TrackedTokens,
			r.IndexSizes, r.AlertsTriggered, r.CleanupCycleDuration, r.CleanupRemoved,
			r.CleanupSavedByLimit, r.CleanupSavedByRail, r.TrendsEmitted,
			r.FeedReconnectAttempts, r.FeedTerminalSignals,
		)
	}
	return r
}
