// Package metrics exposes bookpub's Prometheus instrumentation behind a
// small Recorder interface so core packages never import the client
// directly and tests can pass a no-op.
package metrics

import (
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// Recorder receives instrumentation events from the queue and orchestrator.
type Recorder interface {
	BuildStarted()
	BuildFinished(outcome string, d time.Duration)
	QueueDepth(n int)
	HTTPRequest(route string)
}

// Noop discards all events.
type Noop struct{}

func (Noop) BuildStarted()                       {}
func (Noop) BuildFinished(string, time.Duration) {}
func (Noop) QueueDepth(int)                      {}
func (Noop) HTTPRequest(string)                  {}

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	buildsTotal   *prom.CounterVec
	buildDuration prom.Histogram
	buildsActive  prom.Gauge
	queueDepth    prom.Gauge
	httpRequests  *prom.CounterVec
}

// NewPrometheusRecorder constructs and registers the bookpub metrics on reg.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		buildsTotal: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "bookpub",
			Name:      "builds_total",
			Help:      "Build outcomes by terminal state",
		}, []string{"outcome"}),
		buildDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: "bookpub",
			Name:      "build_duration_seconds",
			Help:      "Total build duration from lock acquire to release",
			Buckets:   prom.ExponentialBuckets(1, 2, 12),
		}),
		buildsActive: prom.NewGauge(prom.GaugeOpts{
			Namespace: "bookpub",
			Name:      "builds_active",
			Help:      "Builds currently holding a lock",
		}),
		queueDepth: prom.NewGauge(prom.GaugeOpts{
			Namespace: "bookpub",
			Name:      "queue_depth",
			Help:      "Jobs waiting for a worker",
		}),
		httpRequests: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "bookpub",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route",
		}, []string{"route"}),
	}
	reg.MustRegister(pr.buildsTotal, pr.buildDuration, pr.buildsActive,
		pr.queueDepth, pr.httpRequests)
	return pr
}

func (pr *PrometheusRecorder) BuildStarted() { pr.buildsActive.Inc() }

func (pr *PrometheusRecorder) BuildFinished(outcome string, d time.Duration) {
	pr.buildsActive.Dec()
	pr.buildsTotal.WithLabelValues(outcome).Inc()
	pr.buildDuration.Observe(d.Seconds())
}

func (pr *PrometheusRecorder) QueueDepth(n int)     { pr.queueDepth.Set(float64(n)) }
func (pr *PrometheusRecorder) HTTPRequest(r string) { pr.httpRequests.WithLabelValues(r).Inc() }
