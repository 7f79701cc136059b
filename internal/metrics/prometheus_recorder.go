package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	saveDuration   prom.Histogram
	loadDuration   prom.Histogram
	saveOutcomes   *prom.CounterVec
	decodeDropped  prom.Counter
	oversizedPages prom.Counter
	cleanupFailed  prom.Counter
	limitExceeded  prom.Counter
	archivePages   prom.Gauge
}

// NewPrometheusRecorder constructs and registers Prometheus metrics on the
// given registry (a fresh registry is created when nil).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		saveDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: "timekeeper",
			Name:      "save_duration_seconds",
			Help:      "Duration of archive SaveAll operations",
			Buckets:   prom.DefBuckets,
		}),
		loadDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: "timekeeper",
			Name:      "load_duration_seconds",
			Help:      "Duration of archive LoadAll operations",
			Buckets:   prom.DefBuckets,
		}),
		saveOutcomes: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "timekeeper",
			Name:      "save_outcomes_total",
			Help:      "SaveAll outcomes by final status",
		}, []string{"outcome"}),
		decodeDropped: prom.NewCounter(prom.CounterOpts{
			Namespace: "timekeeper",
			Name:      "entries_dropped_total",
			Help:      "Persisted entries dropped because they failed to decode",
		}),
		oversizedPages: prom.NewCounter(prom.CounterOpts{
			Namespace: "timekeeper",
			Name:      "oversized_pages_total",
			Help:      "Archive pages whose serialized size exceeded the per-key ceiling",
		}),
		cleanupFailed: prom.NewCounter(prom.CounterOpts{
			Namespace: "timekeeper",
			Name:      "page_cleanup_failures_total",
			Help:      "Orphan page removals that failed and were swallowed",
		}),
		limitExceeded: prom.NewCounter(prom.CounterOpts{
			Namespace: "timekeeper",
			Name:      "limit_exceeded_total",
			Help:      "Writes rejected by the bounded adapter before reaching the store",
		}),
		archivePages: prom.NewGauge(prom.GaugeOpts{
			Namespace: "timekeeper",
			Name:      "archive_pages",
			Help:      "Archive page count after the most recent save",
		}),
	}
	reg.MustRegister(
		pr.saveDuration, pr.loadDuration, pr.saveOutcomes, pr.decodeDropped,
		pr.oversizedPages, pr.cleanupFailed, pr.limitExceeded, pr.archivePages,
	)
	return pr
}

func (p *PrometheusRecorder) ObserveSaveDuration(d time.Duration) {
	p.saveDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveLoadDuration(d time.Duration) {
	p.loadDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncSaveOutcome(outcome OutcomeLabel) {
	p.saveOutcomes.WithLabelValues(string(outcome)).Inc()
}

func (p *PrometheusRecorder) IncDecodeDropped(n int) {
	p.decodeDropped.Add(float64(n))
}

func (p *PrometheusRecorder) IncOversizedPage() { p.oversizedPages.Inc() }
func (p *PrometheusRecorder) IncCleanupFailure() { p.cleanupFailed.Inc() }
func (p *PrometheusRecorder) IncLimitExceeded()  { p.limitExceeded.Inc() }

func (p *PrometheusRecorder) SetArchivePages(n int) {
	p.archivePages.Set(float64(n))
}

// HTTPHandler returns an http.Handler that serves Prometheus metrics for the provided registry.
func HTTPHandler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
