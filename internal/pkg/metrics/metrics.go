// Package metrics exposes Prometheus collectors for the advice pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "finadvisor"

type Metrics struct {
	registry *prometheus.Registry

	pipelineResults *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	repairAttempts  prometheus.Histogram
	groundingCache  *prometheus.CounterVec
	degradations    *prometheus.CounterVec
	llmRequests     *prometheus.CounterVec
	streamEvents    *prometheus.CounterVec
	activeStreams   prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		pipelineResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_results_total",
			Help:      "Pipeline terminal results by type and stage",
		}, []string{"type", "stage"}),
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of each pipeline stage",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"stage"}),
		repairAttempts: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "repair_attempts",
			Help:      "Generation attempts used per repair loop",
			Buckets:   []float64{1, 2, 3, 4, 5},
		}),
		groundingCache: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grounding_cache_total",
			Help:      "Grounding cache lookups by result",
		}, []string{"result"}),
		degradations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degraded_outcomes_total",
			Help:      "Fail-open and fail-soft outcomes by component",
		}, []string{"component", "status"}),
		llmRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Completion requests by mode and status",
		}, []string{"mode", "status"}),
		streamEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_total",
			Help:      "Stream events written by type",
		}, []string{"type"}),
		activeStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Streams currently open",
		}),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObservePipelineResult(resultType, stage string) {
	if m == nil {
		return
	}
	m.pipelineResults.WithLabelValues(resultType, stage).Inc()
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) ObserveRepairAttempts(n int) {
	if m == nil {
		return
	}
	m.repairAttempts.Observe(float64(n))
}

func (m *Metrics) GroundingCacheHit() {
	if m == nil {
		return
	}
	m.groundingCache.WithLabelValues("hit").Inc()
}

func (m *Metrics) GroundingCacheMiss() {
	if m == nil {
		return
	}
	m.groundingCache.WithLabelValues("miss").Inc()
}

func (m *Metrics) ObserveDegradation(component, status string) {
	if m == nil {
		return
	}
	m.degradations.WithLabelValues(component, status).Inc()
}

func (m *Metrics) ObserveLLMRequest(mode string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.llmRequests.WithLabelValues(mode, status).Inc()
}

func (m *Metrics) ObserveStreamEvent(eventType string) {
	if m == nil {
		return
	}
	m.streamEvents.WithLabelValues(eventType).Inc()
}

func (m *Metrics) StreamOpened() {
	if m == nil {
		return
	}
	m.activeStreams.Inc()
}

func (m *Metrics) StreamClosed() {
	if m == nil {
		return
	}
	m.activeStreams.Dec()
}
