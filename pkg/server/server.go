// Package server exposes the generation service over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zen-systems/pixelgate/pkg/archive"
	"github.com/zen-systems/pixelgate/pkg/history"
	"github.com/zen-systems/pixelgate/pkg/logger"
	"github.com/zen-systems/pixelgate/pkg/metering"
	"github.com/zen-systems/pixelgate/pkg/studio"
	"golang.org/x/time/rate"
)

// SessionHeader carries the partner redirect query string of a metered
// session, e.g. "agentId=a&sessionId=s&origin=mulerun.com&signature=...".
const SessionHeader = "X-Pixelgate-Session"

const maxBodyBytes = 32 << 20

// Options configures a Server.
type Options struct {
	Addr           string
	PartnerSecret  string
	Reporter       metering.UsageReporter
	Archive        *archive.Store
	PageSize       int
	RateLimitRPS   float64
	RateLimitBurst int
	Logger         *slog.Logger
}

// Server is the HTTP API over a studio.Service.
type Server struct {
	svc      *studio.Service
	opts     Options
	mux      *http.ServeMux
	handler  http.Handler
	limiters *clientLimiters
	log      *slog.Logger
}

// New creates a server and registers its routes.
func New(svc *studio.Service, opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	if opts.PageSize <= 0 {
		opts.PageSize = history.DefaultPageSize
	}
	if opts.RateLimitRPS <= 0 {
		opts.RateLimitRPS = 2
	}
	if opts.RateLimitBurst <= 0 {
		opts.RateLimitBurst = 5
	}
	log := opts.Logger
	if log == nil {
		log = logger.Logger
	}

	s := &Server{
		svc:      svc,
		opts:     opts,
		mux:      http.NewServeMux(),
		limiters: newClientLimiters(rate.Limit(opts.RateLimitRPS), opts.RateLimitBurst),
		log:      log,
	}

	api := func(h http.HandlerFunc) http.Handler {
		return s.limiters.middleware(h)
	}
	s.mux.Handle("POST /v1/generations", api(s.handleGenerate))
	s.mux.Handle("POST /v1/videos", api(s.handleVideo))
	s.mux.Handle("POST /v1/partner/verify", api(s.handleVerify))
	s.mux.Handle("POST /v1/partner/report", api(s.handleReport))
	s.mux.Handle("GET /v1/history", api(s.handleListHistory))
	s.mux.Handle("GET /v1/history/{id}", api(s.handleGetHistory))
	s.mux.Handle("DELETE /v1/history/{id}", api(s.handleDeleteHistory))
	s.mux.Handle("GET "+archive.RoutePrefix+"{name}", api(s.handleArtifact))
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.handler = instrument(s.mux)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// ListenAndServe starts the server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("pixelgate listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
