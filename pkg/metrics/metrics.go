// Package metrics samples process health every
// METRICS_SAMPLE_INTERVAL_SECONDS, exposes it via a Prometheus
// registry at /metrics, and keeps bounded in-process rings (requests,
// errors, metrics history) so the push channel (pkg/push) can answer
// "what happened recently" — a question Prometheus's pull-based storage
// cannot answer on its own.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultSampleInterval is the METRICS_SAMPLE_INTERVAL_SECONDS default.
const DefaultSampleInterval = 10 * time.Second

// BlockedThreshold is the event-loop-latency deviation above which a sample
// is flagged blocked.
const BlockedThreshold = 100 * time.Millisecond

const (
	requestRingSize = 1000
	errorRingSize   = 500
	historyRingSize = 360 // 360 samples @ 10s = 1h
)

// Registry owns the Prometheus collectors plus the bounded rings backing the
// push channel's snapshot.
type Registry struct {
	reg *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	errorsTotal     *prometheus.CounterVec
	cpuPercent      prometheus.Gauge
	heapUsedBytes   prometheus.Gauge
	heapTotalBytes  prometheus.Gauge
	rssBytes        prometheus.Gauge
	uptimeSeconds   prometheus.Gauge
	eventLoopLagMS  prometheus.Gauge
	blocked         prometheus.Gauge

	requests *requestRing
	errors   *errorRing
	history  *sampleRing

	startedAt time.Time
	now       func() time.Time
}

// New constructs a Registry with every collector registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "legacyreach_http_requests_total",
			Help: "Total HTTP requests handled by the process's own endpoints.",
		}, []string{"method", "path", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "legacyreach_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "legacyreach_errors_total",
			Help: "Total errors observed across pipeline stages.",
		}, []string{"stage"}),
		cpuPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "legacyreach_cpu_percent",
			Help: "Most recently sampled process CPU usage percent.",
		}),
		heapUsedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "legacyreach_heap_used_bytes",
			Help: "Go runtime heap bytes in use.",
		}),
		heapTotalBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "legacyreach_heap_total_bytes",
			Help: "Go runtime heap bytes reserved from the OS.",
		}),
		rssBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "legacyreach_rss_bytes",
			Help: "Total bytes obtained from the OS by the Go runtime (MemStats.Sys), reported as the resident-set figure.",
		}),
		uptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "legacyreach_uptime_seconds",
			Help: "Seconds since process start.",
		}),
		eventLoopLagMS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "legacyreach_event_loop_lag_ms",
			Help: "Deviation between scheduled and observed sampler tick, in milliseconds.",
		}),
		blocked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "legacyreach_blocked",
			Help: "1 if the last sample's event-loop lag exceeded the blocked threshold, else 0.",
		}),
		requests:  newRequestRing(requestRingSize),
		errors:    newErrorRing(errorRingSize),
		history:   newSampleRing(historyRingSize),
		startedAt: time.Now(),
		now:       time.Now,
	}

	reg.MustRegister(
		r.requestsTotal, r.requestDuration, r.errorsTotal,
		r.cpuPercent, r.heapUsedBytes, r.heapTotalBytes, r.rssBytes,
		r.uptimeSeconds, r.eventLoopLagMS, r.blocked,
	)
	return r
}

// Prometheus exposes the underlying registry for promhttp.HandlerFor.
func (r *Registry) Prometheus() *prometheus.Registry { return r.reg }

// RecordError fingerprints and appends an error to the bounded ring and
// increments the Prometheus counter for its stage.
func (r *Registry) RecordError(stage string, err error) {
	r.errorsTotal.WithLabelValues(stage).Inc()
	r.errors.add(ErrorRecord{Stage: stage, Message: err.Error(), At: r.now()})
}

// Snapshot returns the current push-channel view: recent requests, errors,
// and metrics history, plus the latest sample.
type Snapshot struct {
	Latest   Sample
	History  []Sample
	Requests []RequestRecord
	Errors   []ErrorRecord
}

// Snapshot assembles the current push-channel view.
func (r *Registry) Snapshot() Snapshot {
	history := r.history.all()
	var latest Sample
	if len(history) > 0 {
		latest = history[len(history)-1]
	}
	return Snapshot{
		Latest:   latest,
		History:  history,
		Requests: r.requests.all(),
		Errors:   r.errors.all(),
	}
}
