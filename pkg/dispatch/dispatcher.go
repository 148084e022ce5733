// Package dispatch routes generation requests to provider adapters and
// turns their output into a canonical result.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zen-systems/pixelgate/pkg/adapter"
	"github.com/zen-systems/pixelgate/pkg/artifact"
	"github.com/zen-systems/pixelgate/pkg/cost"
	"github.com/zen-systems/pixelgate/pkg/logger"
	"github.com/zen-systems/pixelgate/pkg/metering"
	"github.com/zen-systems/pixelgate/pkg/preprocess"
)

// Warning flags a successful generation whose post-processing failed.
type Warning string

const (
	WarningNone   Warning = ""
	WarningFetch  Warning = "fetch_failed"
	WarningUpload Warning = "upload_failed"
)

// Request is one generation call. Session is nil outside a partner session.
type Request struct {
	Prompt      string
	Model       string
	SourceImage *adapter.SourceImage
	Size        adapter.Size
	SourceLang  adapter.Language
	Optimize    preprocess.OptimizeOptions
	Duration    string
	Session     *metering.Session
}

// Result is the canonical outcome of a generation.
type Result struct {
	Artifact *artifact.Artifact
	Prompt   string
	Model    string
	Provider adapter.Provider
	Warning  Warning
	Cost     float64
	Usage    adapter.Usage
	Retries  int
	Report   *metering.ReportResult

	// OptimizeCost is the PTC spent rewriting the prompt. Metered sessions
	// are billed for it before the provider call.
	OptimizeCost float64
}

// Payload returns the artifact as callers see it: the hosted or remote URL
// when there is one, otherwise base64, otherwise the video task id.
func (r *Result) Payload() string {
	if r == nil || r.Artifact == nil {
		return ""
	}
	switch {
	case r.Artifact.URL != "":
		return r.Artifact.URL
	case len(r.Artifact.Data) > 0:
		return r.Artifact.Base64()
	default:
		return r.Artifact.TaskID
	}
}

// Dispatcher resolves models to adapters and runs the generation flow.
type Dispatcher struct {
	registry *adapter.Registry
	gate     *Gate
	pre      *preprocess.Preprocessor
	calc     *cost.Calculator
	reporter metering.UsageReporter
	sessions metering.SessionChecker
	fetcher  *Fetcher
	uploader Uploader
	retry    RetryPolicy
	log      *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithGate replaces the default concurrency gate.
func WithGate(g *Gate) Option {
	return func(d *Dispatcher) {
		if g != nil {
			d.gate = g
		}
	}
}

// WithPreprocessor enables prompt optimization and translation.
func WithPreprocessor(p *preprocess.Preprocessor) Option {
	return func(d *Dispatcher) {
		d.pre = p
	}
}

// WithReporter sets the metering reporter used for metered sessions.
func WithReporter(r metering.UsageReporter) Option {
	return func(d *Dispatcher) {
		d.reporter = r
	}
}

// WithSessionChecker sets the liveness check run before metered dispatch.
func WithSessionChecker(c metering.SessionChecker) Option {
	return func(d *Dispatcher) {
		d.sessions = c
	}
}

// WithFetcher sets the fetcher used for remote artifacts. A nil fetcher
// leaves remote artifacts as URLs.
func WithFetcher(f *Fetcher) Option {
	return func(d *Dispatcher) {
		d.fetcher = f
	}
}

// WithUploader uploads inline artifacts after generation.
func WithUploader(u Uploader) Option {
	return func(d *Dispatcher) {
		d.uploader = u
	}
}

// WithRetry overrides the retry policy.
func WithRetry(p RetryPolicy) Option {
	return func(d *Dispatcher) {
		d.retry = p
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// New creates a dispatcher over registry.
func New(registry *adapter.Registry, calc *cost.Calculator, opts ...Option) (*Dispatcher, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if calc == nil {
		calc = cost.NewCalculator(cost.DefaultPricing())
	}
	d := &Dispatcher{
		registry: registry,
		gate:     NewGate(DefaultMaxConcurrent),
		calc:     calc,
		retry:    DefaultRetryPolicy(),
		log:      logger.Logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Registry returns the model registry.
func (d *Dispatcher) Registry() *adapter.Registry {
	return d.registry
}

// Gate returns the concurrency gate.
func (d *Dispatcher) Gate() *Gate {
	return d.gate
}

// TaskChecker returns the status checker for an asynchronous model.
func (d *Dispatcher) TaskChecker(model string) (adapter.VideoTaskChecker, error) {
	a, _, err := d.registry.Resolve(model)
	if err != nil {
		return nil, err
	}
	checker, ok := a.(adapter.VideoTaskChecker)
	if !ok {
		return nil, fmt.Errorf("model %s has no asynchronous tasks", model)
	}
	return checker, nil
}

// Generate runs one generation: resolve, gate, liveness, preprocess,
// generate, cost, report, then fetch and upload the artifact.
func (d *Dispatcher) Generate(ctx context.Context, req *Request) (*Result, error) {
	if req == nil {
		return nil, fmt.Errorf("request is required")
	}

	a, model, err := d.registry.Resolve(req.Model)
	if err != nil {
		return nil, err
	}
	log := d.log.With("provider", a.Provider(), "model", model)

	release, err := d.gate.TryAcquire()
	if err != nil {
		gateRejections.Inc()
		log.Warn("generation rejected", "in_flight", d.gate.InFlight(), "error", err)
		return nil, err
	}
	defer release()

	if req.Session.IsMetered() {
		if err := d.checkSession(ctx, req.Session); err != nil {
			log.Warn("session pre-check failed", "session_id", req.Session.SessionID, "error", err)
			return nil, err
		}
	}

	start := time.Now()
	prompt, optimizeCost := d.preprocess(ctx, log, a, req)

	resp, retries, err := d.callAdapterWithPolicy(ctx, a, &adapter.Request{
		Prompt:   prompt,
		Model:    model,
		Image:    req.SourceImage,
		Size:     req.Size,
		Duration: req.Duration,
	})
	generationLatency.WithLabelValues(string(a.Provider())).Observe(time.Since(start).Seconds())
	if err != nil {
		log.Error("generation failed", "retries", retries, "error", err)
		return nil, err
	}

	res := &Result{
		Artifact: resp.Artifact,
		Prompt:   prompt,
		Model:    model,
		Provider: a.Provider(),
		Usage:    resp.Usage,
		Retries:  retries,

		OptimizeCost: optimizeCost,
	}

	ptc, err := d.calc.Cost(resp.Usage)
	if err != nil {
		log.Error("cost calculation failed, treating as free", "error", err)
		ptc = 0
	}
	res.Cost = ptc

	if req.Session.IsMetered() {
		res.Report = d.report(ctx, log, req.Session, ptc)
	}

	d.finishArtifact(ctx, log, res)
	if res.Warning != WarningNone {
		warningsTotal.WithLabelValues(string(res.Warning)).Inc()
	}

	log.Info("generation completed", "cost_ptc", res.Cost, "retries", retries, "warning", res.Warning)
	return res, nil
}

func (d *Dispatcher) checkSession(ctx context.Context, s *metering.Session) error {
	if d.sessions == nil {
		return &metering.MeteringError{Op: metering.OpLiveness, Err: fmt.Errorf("no session checker configured")}
	}
	active, err := d.sessions.SessionActive(ctx, s.SessionID)
	if err != nil {
		return err
	}
	if !active {
		return ErrSessionEnded
	}
	return nil
}

// preprocess rewrites the prompt and returns the optimization cost. In a
// metered session that cost is reported before the provider is called.
func (d *Dispatcher) preprocess(ctx context.Context, log *slog.Logger, a adapter.Adapter, req *Request) (string, float64) {
	if d.pre == nil {
		return req.Prompt, 0
	}
	out := d.pre.Run(ctx, preprocess.Input{
		Prompt:     req.Prompt,
		Optimize:   req.Optimize,
		SourceLang: req.SourceLang,
		TargetLang: a.SourceLanguage(),
	})
	var ptc float64
	if out.Optimized || out.OptimizeUsage.InputTokens > 0 {
		ptc = d.calc.OptimizeCost(out.OptimizeUsage.InputTokens, out.OptimizeUsage.OutputTokens)
		log.Info("prompt optimization cost",
			"input_tokens", out.OptimizeUsage.InputTokens,
			"output_tokens", out.OptimizeUsage.OutputTokens,
			"cost_ptc", ptc)
	}
	if out.Optimized && req.Session.IsMetered() {
		d.report(ctx, log, req.Session, ptc)
	}
	return out.Prompt, ptc
}

// report submits usage best effort. Failures are logged and never undo the
// generation.
func (d *Dispatcher) report(ctx context.Context, log *slog.Logger, s *metering.Session, ptc float64) *metering.ReportResult {
	if d.reporter == nil {
		log.Warn("metered session without reporter, usage not reported", "session_id", s.SessionID, "cost_ptc", ptc)
		return nil
	}
	out, err := d.reporter.Report(ctx, metering.ReportRequest{
		AgentID:   s.AgentID,
		SessionID: s.SessionID,
		CostPTC:   ptc,
		IsFinal:   false,
	})
	if err != nil {
		log.Error("usage report failed", "session_id", s.SessionID, "cost_ptc", ptc, "error", err)
		return nil
	}
	return out
}

func (d *Dispatcher) finishArtifact(ctx context.Context, log *slog.Logger, res *Result) {
	art := res.Artifact
	if art == nil || art.Kind != artifact.KindImage {
		return
	}

	if art.IsRemote() && d.fetcher != nil {
		data, mimeType, err := d.fetcher.Fetch(ctx, art.URL)
		if err != nil {
			var fetchErr *ArtifactFetchError
			if !errors.As(err, &fetchErr) {
				err = &ArtifactFetchError{URL: art.URL, Err: err}
			}
			log.Warn("artifact fetch failed, returning url", "url", art.URL, "error", err)
			res.Warning = WarningFetch
			return
		}
		art = art.WithData(data, mimeType)
		res.Artifact = art
	}

	if d.uploader == nil || len(art.Data) == 0 {
		return
	}
	url, err := d.uploader.Upload(ctx, art.Data, art.MIMEType)
	if err != nil {
		log.Warn("artifact upload failed, returning base64", "error", err)
		res.Warning = WarningUpload
		return
	}
	res.Artifact = art.WithURL(url)
}
