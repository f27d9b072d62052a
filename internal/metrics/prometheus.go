package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusRecorder exposes pipeline observations as Prometheus metrics.
type PrometheusRecorder struct {
	registry      *prom.Registry
	stageDuration *prom.HistogramVec
	stageResults  *prom.CounterVec
	runDuration   *prom.HistogramVec
}

// NewPrometheusRecorder creates a recorder with its own registry.
func NewPrometheusRecorder() *PrometheusRecorder {
	registry := prom.NewRegistry()
	r := &PrometheusRecorder{
		registry: registry,
		stageDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "avforge",
			Name:      "stage_duration_seconds",
			Help:      "Duration of individual build pipeline stages.",
			Buckets:   prom.ExponentialBuckets(0.1, 4, 10),
		}, []string{"stage"}),
		stageResults: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "avforge",
			Name:      "stage_results_total",
			Help:      "Build stage completions by result.",
		}, []string{"stage", "result"}),
		runDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "avforge",
			Name:      "run_duration_seconds",
			Help:      "Duration of complete pipeline runs by outcome.",
			Buckets:   prom.ExponentialBuckets(1, 4, 8),
		}, []string{"outcome"}),
	}
	registry.MustRegister(r.stageDuration, r.stageResults, r.runDuration)
	return r
}

func (r *PrometheusRecorder) StageCompleted(stage, result string, duration time.Duration) {
	r.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
	r.stageResults.WithLabelValues(stage, result).Inc()
}

func (r *PrometheusRecorder) RunCompleted(outcome string, duration time.Duration) {
	r.runDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// Handler serves the recorder's registry in the Prometheus text format.
func (r *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
