// Package metrics exposes download manager metrics in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chunkdl"

// Metrics holds the collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	missions        *prometheus.CounterVec
	failures        *prometheus.CounterVec
	bytesDownloaded prometheus.Counter
	running         prometheus.Gauge
	pending         prometheus.Gauge
	postprocess     *prometheus.HistogramVec
}

// New creates and registers every collector, plus the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.missions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "missions_total",
			Help:      "Mission lifecycle transitions by event.",
		},
		[]string{"event"},
	)
	m.failures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mission_failures_total",
			Help:      "Mission failures by error code.",
		},
		[]string{"code"},
	)
	m.bytesDownloaded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "downloaded_bytes_total",
		Help:      "Bytes written to download destinations.",
	})
	m.running = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "missions_running",
		Help:      "Missions with live workers.",
	})
	m.pending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "missions_pending",
		Help:      "Missions not yet finished.",
	})
	m.postprocess = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "postprocess_duration_seconds",
			Help:      "Post-processing run time by algorithm and outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		},
		[]string{"algorithm", "status"},
	)

	m.registry.MustRegister(
		m.missions,
		m.failures,
		m.bytesDownloaded,
		m.running,
		m.pending,
		m.postprocess,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// MissionEvent counts a lifecycle transition such as "started" or
// "finished".
func (m *Metrics) MissionEvent(event string) {
	m.missions.WithLabelValues(event).Inc()
}

// MissionFailed counts a failure under its error code name.
func (m *Metrics) MissionFailed(code string) {
	m.missions.WithLabelValues("failed").Inc()
	m.failures.WithLabelValues(code).Inc()
}

func (m *Metrics) AddBytes(n int64) {
	if n > 0 {
		m.bytesDownloaded.Add(float64(n))
	}
}

// SetQueue records how many missions are running and pending.
func (m *Metrics) SetQueue(running, pending int) {
	m.running.Set(float64(running))
	m.pending.Set(float64(pending))
}

// ObservePostprocess records one post-processing run.
func (m *Metrics) ObservePostprocess(algorithm string, elapsed time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.postprocess.WithLabelValues(algorithm, status).Observe(elapsed.Seconds())
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the collectors for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
