package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zen-systems/pixelgate/pkg/adapter"
	"github.com/zen-systems/pixelgate/pkg/cost"
	"github.com/zen-systems/pixelgate/pkg/metering"
	"github.com/zen-systems/pixelgate/pkg/preprocess"
)

const seedream = "doubao-seedream-4-0-250828"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDispatcher(t *testing.T, adapters []adapter.Adapter, opts ...Option) *Dispatcher {
	t.Helper()
	registry, err := adapter.NewRegistry(nil, adapters...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	base := []Option{
		WithLogger(quietLogger()),
		WithRetry(RetryPolicy{MaxRetries: 1}),
	}
	d, err := New(registry, cost.NewCalculator(cost.DefaultPricing()), append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

type fakeReporter struct {
	mu   sync.Mutex
	reqs []metering.ReportRequest
	err  error
}

func (r *fakeReporter) Report(ctx context.Context, req metering.ReportRequest) (*metering.ReportResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	if r.err != nil {
		return nil, r.err
	}
	credit, units := metering.Convert(req.CostPTC)
	return &metering.ReportResult{Sent: true, Credit: credit, Units: units}, nil
}

type fakeSessions struct {
	active bool
	err    error
	calls  int32
}

func (s *fakeSessions) SessionActive(ctx context.Context, sessionID string) (bool, error) {
	atomic.AddInt32(&s.calls, 1)
	return s.active, s.err
}

type failingOptimizer struct{}

func (failingOptimizer) Optimize(ctx context.Context, prompt, systemPrompt string) (string, preprocess.OptimizeUsage, error) {
	return "", preprocess.OptimizeUsage{}, errors.New("optimizer down")
}

// fixedOptimizer rewrites every prompt and reports a fixed token usage.
type fixedOptimizer struct {
	usage preprocess.OptimizeUsage
}

func (o fixedOptimizer) Optimize(ctx context.Context, prompt, systemPrompt string) (string, preprocess.OptimizeUsage, error) {
	return "optimized " + prompt, o.usage, nil
}

type upperTranslator struct{}

func (upperTranslator) Translate(ctx context.Context, text string, from, to adapter.Language) (string, error) {
	return "EN:" + text, nil
}

// blockingAdapter holds every call until release is closed.
type blockingAdapter struct {
	started chan struct{}
	release chan struct{}
	calls   int32
}

func (a *blockingAdapter) Provider() adapter.Provider       { return adapter.ProviderSeedream }
func (a *blockingAdapter) Models() []string                 { return []string{seedream} }
func (a *blockingAdapter) SourceLanguage() adapter.Language { return "" }

func (a *blockingAdapter) Generate(ctx context.Context, req *adapter.Request) (*adapter.Response, error) {
	atomic.AddInt32(&a.calls, 1)
	a.started <- struct{}{}
	<-a.release
	return adapter.NewMockAdapter(adapter.ProviderSeedream, seedream).Generate(ctx, req)
}

func TestGenerateReturnsCanonicalResult(t *testing.T) {
	mock := adapter.NewMockAdapter(adapter.ProviderSeedream, seedream)
	d := newTestDispatcher(t, []adapter.Adapter{mock})

	res, err := d.Generate(context.Background(), &Request{Prompt: "a cat", Model: seedream})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Prompt != "a cat" || res.Model != seedream {
		t.Fatalf("got prompt %q model %q", res.Prompt, res.Model)
	}
	if res.Payload() != res.Artifact.Base64() || res.Payload() == "" {
		t.Fatalf("expected base64 payload, got %q", res.Payload())
	}
	if res.Cost != 0.03 {
		t.Fatalf("got cost %v want 0.03", res.Cost)
	}
	if res.Warning != WarningNone {
		t.Fatalf("unexpected warning %q", res.Warning)
	}
	if res.Report != nil {
		t.Fatalf("unmetered generation must not report")
	}
}

func TestUnknownModelMakesNoNetworkCall(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	seed, err := adapter.NewSeedreamAdapter("key", srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("NewSeedreamAdapter: %v", err)
	}
	sessions := &fakeSessions{active: true}
	d := newTestDispatcher(t, []adapter.Adapter{seed}, WithSessionChecker(sessions))

	_, err = d.Generate(context.Background(), &Request{
		Prompt:  "x",
		Model:   "dall-e-9",
		Session: &metering.Session{AgentID: "a", SessionID: "s", Metered: true},
	})
	var cfgErr *adapter.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 0 {
		t.Fatalf("got %d upstream calls want 0", got)
	}
	if got := atomic.LoadInt32(&sessions.calls); got != 0 {
		t.Fatalf("got %d liveness checks want 0", got)
	}
}

func TestGateRejectsFifthGeneration(t *testing.T) {
	blocking := &blockingAdapter{
		started: make(chan struct{}, DefaultMaxConcurrent),
		release: make(chan struct{}),
	}
	d := newTestDispatcher(t, []adapter.Adapter{blocking})

	var wg sync.WaitGroup
	errs := make(chan error, DefaultMaxConcurrent)
	for i := 0; i < DefaultMaxConcurrent; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := d.Generate(context.Background(), &Request{Prompt: fmt.Sprintf("p%d", i), Model: seedream})
			errs <- err
		}(i)
	}
	for i := 0; i < DefaultMaxConcurrent; i++ {
		select {
		case <-blocking.started:
		case <-time.After(5 * time.Second):
			t.Fatalf("generation %d never started", i)
		}
	}

	_, err := d.Generate(context.Background(), &Request{Prompt: "fifth", Model: seedream})
	if !errors.Is(err, ErrTooManyGenerations) {
		t.Fatalf("got %v want ErrTooManyGenerations", err)
	}
	if got := atomic.LoadInt32(&blocking.calls); got != DefaultMaxConcurrent {
		t.Fatalf("got %d upstream calls want %d", got, DefaultMaxConcurrent)
	}

	close(blocking.release)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("in-flight generation failed: %v", err)
		}
	}
	if d.Gate().InFlight() != 0 {
		t.Fatalf("gate not released: %d in flight", d.Gate().InFlight())
	}
}

func TestRetryPolicy(t *testing.T) {
	cases := []struct {
		name      string
		errs      []error
		wantCalls int
		wantErr   bool
	}{
		{
			name:      "transient retried once then succeeds",
			errs:      []error{adapter.StatusError(adapter.ProviderSeedream, 503, "busy")},
			wantCalls: 2,
		},
		{
			name: "transient twice fails",
			errs: []error{
				adapter.StatusError(adapter.ProviderSeedream, 502, "bad gateway"),
				adapter.StatusError(adapter.ProviderSeedream, 500, "boom"),
			},
			wantCalls: 2,
			wantErr:   true,
		},
		{
			name:      "permanent not retried",
			errs:      []error{adapter.StatusError(adapter.ProviderSeedream, 400, "bad prompt")},
			wantCalls: 1,
			wantErr:   true,
		},
		{
			name:      "rate limit not retried",
			errs:      []error{adapter.StatusError(adapter.ProviderSeedream, 429, "slow down")},
			wantCalls: 1,
			wantErr:   true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mock := adapter.NewMockAdapter(adapter.ProviderSeedream, seedream).FailWith(tc.errs...)
			d := newTestDispatcher(t, []adapter.Adapter{mock})

			_, err := d.Generate(context.Background(), &Request{Prompt: "x", Model: seedream})
			if tc.wantErr != (err != nil) {
				t.Fatalf("got err %v, wantErr %v", err, tc.wantErr)
			}
			if tc.wantErr {
				var upstream *adapter.UpstreamError
				if !errors.As(err, &upstream) {
					t.Fatalf("expected UpstreamError, got %T", err)
				}
			}
			if got := len(mock.Calls()); got != tc.wantCalls {
				t.Fatalf("got %d calls want %d", got, tc.wantCalls)
			}
		})
	}
}

func TestOptimizerFailureKeepsOriginalPrompt(t *testing.T) {
	mock := adapter.NewMockAdapter(adapter.ProviderSeedream, seedream)
	pre := preprocess.New(failingOptimizer{}, nil, preprocess.WithLogger(quietLogger()))
	d := newTestDispatcher(t, []adapter.Adapter{mock}, WithPreprocessor(pre))

	res, err := d.Generate(context.Background(), &Request{
		Prompt:   "original prompt",
		Model:    seedream,
		Optimize: preprocess.OptimizeOptions{Enabled: true},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Prompt != "original prompt" {
		t.Fatalf("got prompt %q", res.Prompt)
	}
	if calls := mock.Calls(); len(calls) != 1 || calls[0].Prompt != "original prompt" {
		t.Fatalf("adapter saw %+v", calls)
	}
}

func TestTranslationForEnglishOnlyProvider(t *testing.T) {
	flux := adapter.NewMockAdapter(adapter.ProviderFlux, "flux-kontext-pro").WithSourceLanguage(adapter.LangEN)
	gemini := adapter.NewMockAdapter(adapter.ProviderGemini, "gemini-2.5-flash-image-preview")
	pre := preprocess.New(nil, upperTranslator{}, preprocess.WithLogger(quietLogger()))
	d := newTestDispatcher(t, []adapter.Adapter{flux, gemini}, WithPreprocessor(pre))

	res, err := d.Generate(context.Background(), &Request{Prompt: "一只猫", Model: "flux-kontext-pro", SourceLang: adapter.LangZH})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Prompt != "EN:一只猫" {
		t.Fatalf("got prompt %q", res.Prompt)
	}

	res, err = d.Generate(context.Background(), &Request{Prompt: "一只猫", Model: "gemini-2.5-flash-image-preview", SourceLang: adapter.LangZH})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Prompt != "一只猫" {
		t.Fatalf("gemini prompt should not be translated, got %q", res.Prompt)
	}
}

func TestRemoteArtifactIsFetched(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\nfake")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	}))
	defer srv.Close()

	mock := adapter.NewMockAdapter(adapter.ProviderSeedream, seedream)
	mock.Remote = srv.URL + "/out.png"
	d := newTestDispatcher(t, []adapter.Adapter{mock}, WithFetcher(NewFetcher(srv.Client())))

	res, err := d.Generate(context.Background(), &Request{Prompt: "x", Model: seedream})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Warning != WarningNone {
		t.Fatalf("unexpected warning %q", res.Warning)
	}
	if string(res.Artifact.Data) != string(png) || res.Artifact.URL != "" {
		t.Fatalf("artifact not inlined: url=%q len=%d", res.Artifact.URL, len(res.Artifact.Data))
	}
	if res.Artifact.Metadata["source_url"] != mock.Remote {
		t.Fatalf("source url not kept in metadata: %v", res.Artifact.Metadata)
	}
}

func TestFetchFailureKeepsURLWithWarning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	mock := adapter.NewMockAdapter(adapter.ProviderSeedream, seedream)
	mock.Remote = srv.URL + "/missing.png"
	d := newTestDispatcher(t, []adapter.Adapter{mock}, WithFetcher(NewFetcher(srv.Client())))

	res, err := d.Generate(context.Background(), &Request{Prompt: "x", Model: seedream})
	if err != nil {
		t.Fatalf("fetch failure must not fail generation: %v", err)
	}
	if res.Warning != WarningFetch {
		t.Fatalf("got warning %q want %q", res.Warning, WarningFetch)
	}
	if res.Payload() != mock.Remote {
		t.Fatalf("got payload %q want url", res.Payload())
	}
}

type fakeUploader struct {
	url string
	err error
}

func (u fakeUploader) Upload(ctx context.Context, data []byte, mimeType string) (string, error) {
	return u.url, u.err
}

func TestUpload(t *testing.T) {
	t.Run("success replaces payload with hosted url", func(t *testing.T) {
		mock := adapter.NewMockAdapter(adapter.ProviderSeedream, seedream)
		d := newTestDispatcher(t, []adapter.Adapter{mock}, WithUploader(fakeUploader{url: "https://cdn.example/a.png"}))

		res, err := d.Generate(context.Background(), &Request{Prompt: "x", Model: seedream})
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if res.Payload() != "https://cdn.example/a.png" || res.Warning != WarningNone {
			t.Fatalf("got payload %q warning %q", res.Payload(), res.Warning)
		}
	})

	t.Run("failure keeps base64 with warning", func(t *testing.T) {
		mock := adapter.NewMockAdapter(adapter.ProviderSeedream, seedream)
		d := newTestDispatcher(t, []adapter.Adapter{mock}, WithUploader(fakeUploader{err: &UploadError{Status: 500}}))

		res, err := d.Generate(context.Background(), &Request{Prompt: "x", Model: seedream})
		if err != nil {
			t.Fatalf("upload failure must not fail generation: %v", err)
		}
		if res.Warning != WarningUpload {
			t.Fatalf("got warning %q want %q", res.Warning, WarningUpload)
		}
		if res.Payload() != res.Artifact.Base64() {
			t.Fatalf("expected base64 payload")
		}
	})
}

func TestMeteredSessions(t *testing.T) {
	session := &metering.Session{AgentID: "agent-1", SessionID: "sess-1", Metered: true}

	t.Run("active session reports non-final usage", func(t *testing.T) {
		mock := adapter.NewMockAdapter(adapter.ProviderSeedream, seedream)
		reporter := &fakeReporter{}
		d := newTestDispatcher(t, []adapter.Adapter{mock},
			WithSessionChecker(&fakeSessions{active: true}), WithReporter(reporter))

		res, err := d.Generate(context.Background(), &Request{Prompt: "x", Model: seedream, Session: session})
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if len(reporter.reqs) != 1 {
			t.Fatalf("got %d reports want 1", len(reporter.reqs))
		}
		got := reporter.reqs[0]
		if got.AgentID != "agent-1" || got.SessionID != "sess-1" || got.IsFinal || got.CostPTC != 0.03 {
			t.Fatalf("unexpected report %+v", got)
		}
		if res.Report == nil || res.Report.Units != 45000 {
			t.Fatalf("unexpected report result %+v", res.Report)
		}
	})

	t.Run("ended session is rejected before dispatch", func(t *testing.T) {
		mock := adapter.NewMockAdapter(adapter.ProviderSeedream, seedream)
		d := newTestDispatcher(t, []adapter.Adapter{mock}, WithSessionChecker(&fakeSessions{active: false}))

		_, err := d.Generate(context.Background(), &Request{Prompt: "x", Model: seedream, Session: session})
		if !errors.Is(err, ErrSessionEnded) {
			t.Fatalf("got %v want ErrSessionEnded", err)
		}
		if len(mock.Calls()) != 0 {
			t.Fatalf("provider called for ended session")
		}
	})

	t.Run("liveness error fails closed", func(t *testing.T) {
		mock := adapter.NewMockAdapter(adapter.ProviderSeedream, seedream)
		checkErr := &metering.MeteringError{Op: metering.OpLiveness, Status: 500}
		d := newTestDispatcher(t, []adapter.Adapter{mock}, WithSessionChecker(&fakeSessions{err: checkErr}))

		_, err := d.Generate(context.Background(), &Request{Prompt: "x", Model: seedream, Session: session})
		var merr *metering.MeteringError
		if !errors.As(err, &merr) || merr.Op != metering.OpLiveness {
			t.Fatalf("got %v want liveness MeteringError", err)
		}
		if len(mock.Calls()) != 0 {
			t.Fatalf("provider called after failed liveness check")
		}
	})

	t.Run("missing checker fails closed", func(t *testing.T) {
		mock := adapter.NewMockAdapter(adapter.ProviderSeedream, seedream)
		d := newTestDispatcher(t, []adapter.Adapter{mock})

		_, err := d.Generate(context.Background(), &Request{Prompt: "x", Model: seedream, Session: session})
		var merr *metering.MeteringError
		if !errors.As(err, &merr) {
			t.Fatalf("got %v want MeteringError", err)
		}
	})

	t.Run("optimization is billed before the provider call", func(t *testing.T) {
		mock := adapter.NewMockAdapter(adapter.ProviderSeedream, seedream)
		reporter := &fakeReporter{}
		pre := preprocess.New(fixedOptimizer{usage: preprocess.OptimizeUsage{InputTokens: 1_000_000}}, nil,
			preprocess.WithLogger(quietLogger()))
		d := newTestDispatcher(t, []adapter.Adapter{mock}, WithPreprocessor(pre),
			WithSessionChecker(&fakeSessions{active: true}), WithReporter(reporter))

		res, err := d.Generate(context.Background(), &Request{
			Prompt:   "x",
			Model:    seedream,
			Optimize: preprocess.OptimizeOptions{Enabled: true},
			Session:  session,
		})
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if len(reporter.reqs) != 2 {
			t.Fatalf("got %d reports want 2", len(reporter.reqs))
		}
		if got := reporter.reqs[0]; got.CostPTC != 3 || got.IsFinal || got.SessionID != "sess-1" {
			t.Fatalf("unexpected optimization report %+v", got)
		}
		if got := reporter.reqs[1]; got.CostPTC != 0.03 || got.IsFinal {
			t.Fatalf("unexpected generation report %+v", got)
		}
		if res.OptimizeCost != 3 || res.Cost != 0.03 || res.Prompt != "optimized x" {
			t.Fatalf("unexpected result %+v", res)
		}
	})

	t.Run("failed optimization is not billed", func(t *testing.T) {
		mock := adapter.NewMockAdapter(adapter.ProviderSeedream, seedream)
		reporter := &fakeReporter{}
		pre := preprocess.New(failingOptimizer{}, nil, preprocess.WithLogger(quietLogger()))
		d := newTestDispatcher(t, []adapter.Adapter{mock}, WithPreprocessor(pre),
			WithSessionChecker(&fakeSessions{active: true}), WithReporter(reporter))

		_, err := d.Generate(context.Background(), &Request{
			Prompt:   "x",
			Model:    seedream,
			Optimize: preprocess.OptimizeOptions{Enabled: true},
			Session:  session,
		})
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if len(reporter.reqs) != 1 || reporter.reqs[0].CostPTC != 0.03 {
			t.Fatalf("unexpected reports %+v", reporter.reqs)
		}
	})

	t.Run("report failure does not fail generation", func(t *testing.T) {
		mock := adapter.NewMockAdapter(adapter.ProviderSeedream, seedream)
		reporter := &fakeReporter{err: &metering.MeteringError{Op: metering.OpReport, Status: 502}}
		d := newTestDispatcher(t, []adapter.Adapter{mock},
			WithSessionChecker(&fakeSessions{active: true}), WithReporter(reporter))

		res, err := d.Generate(context.Background(), &Request{Prompt: "x", Model: seedream, Session: session})
		if err != nil {
			t.Fatalf("report failure surfaced: %v", err)
		}
		if res.Payload() == "" || res.Report != nil {
			t.Fatalf("unexpected result %+v", res)
		}
	})
}

func TestVideoGenerationReturnsTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/302/video/create":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["duration"] != "5" {
				http.Error(w, "missing duration", http.StatusBadRequest)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"task_id": "task-9"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	video, err := adapter.NewVideoAdapter("key", srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("NewVideoAdapter: %v", err)
	}
	d := newTestDispatcher(t, []adapter.Adapter{video}, WithFetcher(NewFetcher(srv.Client())))

	res, err := d.Generate(context.Background(), &Request{
		Prompt:      "pan left",
		Model:       "kling_21_i2v",
		SourceImage: &adapter.SourceImage{URL: "https://img.example/src.png"},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Payload() != "task-9" {
		t.Fatalf("got payload %q want task id", res.Payload())
	}
	if res.Cost != 0.3 {
		t.Fatalf("got cost %v want 0.3", res.Cost)
	}

	checker, err := d.TaskChecker("kling_21_i2v")
	if err != nil || checker == nil {
		t.Fatalf("TaskChecker: %v", err)
	}
}
