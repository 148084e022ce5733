package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	generationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pixelgate_generations_total",
		Help: "Provider generations by provider and outcome",
	}, []string{"provider", "outcome"})
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pixelgate_generation_retries_total",
		Help: "Retries of transient provider failures",
	}, []string{"provider"})
	generationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pixelgate_generation_latency_seconds",
		Help:    "End-to-end dispatch latency",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 60, 120},
	}, []string{"provider"})
	gateRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pixelgate_gate_rejections_total",
		Help: "Generations rejected because the concurrency gate was full",
	})
	inFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pixelgate_generations_in_flight",
		Help: "Generations currently holding a gate slot",
	})
	warningsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pixelgate_generation_warnings_total",
		Help: "Successful generations returned with a warning",
	}, []string{"warning"})
)
