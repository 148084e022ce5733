package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pixelgate_http_requests_total",
		Help: "HTTP requests by route and status",
	}, []string{"route", "status"})
	rateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pixelgate_http_rate_limited_total",
		Help: "Requests rejected by the per-client rate limiter",
	})
)
