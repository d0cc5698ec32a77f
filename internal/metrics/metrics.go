// Package metrics provides Prometheus metrics for the Blender Cloud sync core.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP cache metrics
	httpCacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bcloud_httpcache_lookups_total",
			Help: "HTTP cache lookups by result",
		},
		[]string{"result"},
	)

	// Download metrics
	downloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bcloud_downloads_total",
			Help: "Asset download attempts by outcome",
		},
		[]string{"outcome"},
	)

	downloadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bcloud_download_bytes_total",
			Help: "Total bytes written by asset downloads",
		},
	)

	// Scheduler metrics
	schedulerTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bcloud_scheduler_tasks_total",
			Help: "Tasks finished by terminal state",
		},
		[]string{"state"},
	)

	schedulerInflightOps = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bcloud_scheduler_inflight_ops",
			Help: "Number of I/O operations currently in flight",
		},
	)

	schedulerTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bcloud_scheduler_tick_duration_seconds",
			Help:    "Duration of a single scheduler tick",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25},
		},
	)

	// Sync metrics
	syncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bcloud_sync_runs_total",
			Help: "Sync runs by final state",
		},
		[]string{"state"},
	)

	catalogRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bcloud_catalog_rejected_documents_total",
			Help: "Remote documents skipped because they failed validation",
		},
		[]string{"reason"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordCacheLookup records an HTTP cache lookup result.
func RecordCacheLookup(result string) {
	httpCacheLookupsTotal.WithLabelValues(result).Inc()
}

// RecordDownload records the outcome of an asset download attempt.
func RecordDownload(outcome string, bytes int64) {
	downloadsTotal.WithLabelValues(outcome).Inc()
	if bytes > 0 {
		downloadBytesTotal.Add(float64(bytes))
	}
}

// RecordTaskFinished records a task reaching a terminal state.
func RecordTaskFinished(state string) {
	schedulerTasksTotal.WithLabelValues(state).Inc()
}

// SetInflightOps sets the in-flight operation gauge.
func SetInflightOps(n int) {
	schedulerInflightOps.Set(float64(n))
}

// ObserveTick records the duration of one scheduler tick.
func ObserveTick(d time.Duration) {
	schedulerTickDuration.Observe(d.Seconds())
}

// RecordSyncRun records a sync run reaching its final state.
func RecordSyncRun(state string) {
	syncRunsTotal.WithLabelValues(state).Inc()
}

// RecordRejectedDocument records a remote document that failed validation.
func RecordRejectedDocument(reason string) {
	catalogRejectedTotal.WithLabelValues(reason).Inc()
}
