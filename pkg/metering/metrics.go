package metering

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pixelgate_metering_reports_total",
		Help: "Usage reports by outcome (sent, skipped, failed)",
	}, []string{"outcome"})
	unitsReported = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pixelgate_metering_units_total",
		Help: "Partner cost units successfully reported",
	})
	livenessChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pixelgate_metering_liveness_checks_total",
		Help: "Session liveness checks by result",
	}, []string{"result"})
)
