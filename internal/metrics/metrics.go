// Package metrics holds the Prometheus collectors of the generator service.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pagegen_jobs_submitted_total",
		Help: "Generation jobs accepted",
	})
	JobsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pagegen_jobs_finished_total",
		Help: "Generation jobs that reached a terminal status",
	}, []string{"status"})
	JobFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pagegen_job_failures_total",
		Help: "Failed generation jobs by error kind",
	}, []string{"kind"})
	JobsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pagegen_jobs_active",
		Help: "Pipelines currently running in this process",
	})
	StageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pagegen_stage_duration_seconds",
		Help:    "Time spent in each pipeline stage",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})
	BackendDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pagegen_backend_request_duration_seconds",
		Help:    "Latency of generation backend calls",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
	})
)

// Register adds every collector to the default registry. Safe to call more than once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsFinished,
			JobFailures,
			JobsActive,
			StageDuration,
			BackendDuration,
		)
	})
}

// Handler exposes /metrics with the collectors registered.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}
