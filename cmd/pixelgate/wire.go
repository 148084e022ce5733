package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/zen-systems/pixelgate/pkg/adapter"
	"github.com/zen-systems/pixelgate/pkg/archive"
	"github.com/zen-systems/pixelgate/pkg/config"
	"github.com/zen-systems/pixelgate/pkg/cost"
	"github.com/zen-systems/pixelgate/pkg/dispatch"
	"github.com/zen-systems/pixelgate/pkg/history"
	"github.com/zen-systems/pixelgate/pkg/logger"
	"github.com/zen-systems/pixelgate/pkg/metering"
	"github.com/zen-systems/pixelgate/pkg/preprocess"
	"github.com/zen-systems/pixelgate/pkg/studio"
)

// app holds everything built from the configuration.
type app struct {
	cfg      *config.Config
	svc      *studio.Service
	reporter metering.UsageReporter
	archive  *archive.Store
	closers  []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Warn("shutdown", "error", err)
		}
	}
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFile(configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if err := logger.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}

	aliases, err = config.LoadAliasesWithFallback("configs/models.yaml")
	if err != nil {
		return nil, err
	}
	aliases.Merge(&config.ModelAliases{Aliases: cfg.Aliases})

	return cfg, nil
}

func createAdapters(ctx context.Context, cfg *config.Config) ([]adapter.Adapter, error) {
	if mockFlag {
		return []adapter.Adapter{adapter.NewMockAdapter("mock", "mock-1")}, nil
	}
	if !cfg.HasUpstream() {
		return nil, fmt.Errorf("PIXELGATE_API_KEY is not set (use --mock for offline runs)")
	}

	hc := &http.Client{Timeout: cfg.Upstream.Timeout}

	gpt, err := adapter.NewGPTImageAdapter(cfg.APIKey, cfg.Upstream.OpenAIBaseURL, hc)
	if err != nil {
		return nil, fmt.Errorf("failed to create gpt-image adapter: %w", err)
	}
	gemini, err := adapter.NewGeminiAdapter(ctx, cfg.APIKey, cfg.Upstream.GeminiBaseURL, hc)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini adapter: %w", err)
	}
	seedream, err := adapter.NewSeedreamAdapter(cfg.APIKey, cfg.Upstream.BaseURL, hc)
	if err != nil {
		return nil, fmt.Errorf("failed to create seedream adapter: %w", err)
	}
	flux, err := adapter.NewFluxAdapter(cfg.APIKey, cfg.Upstream.BaseURL, hc)
	if err != nil {
		return nil, fmt.Errorf("failed to create flux adapter: %w", err)
	}
	video, err := adapter.NewVideoAdapter(cfg.APIKey, cfg.Upstream.BaseURL, hc)
	if err != nil {
		return nil, fmt.Errorf("failed to create video adapter: %w", err)
	}

	return []adapter.Adapter{gpt, gemini, seedream, flux, video}, nil
}

func createPreprocessor(cfg *config.Config) (*preprocess.Preprocessor, error) {
	if !cfg.HasUpstream() {
		return nil, nil
	}
	hc := &http.Client{Timeout: cfg.Upstream.Timeout}

	optimizer, err := preprocess.NewAnthropicOptimizer(cfg.APIKey, cfg.Upstream.AnthropicBaseURL, hc,
		preprocess.WithModel(cfg.Optimize.Model),
		preprocess.WithMaxTokens(cfg.Optimize.MaxTokens),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create optimizer: %w", err)
	}
	translator, err := preprocess.NewDeepLTranslator(cfg.APIKey, cfg.Upstream.BaseURL, hc)
	if err != nil {
		return nil, fmt.Errorf("failed to create translator: %w", err)
	}
	return preprocess.New(optimizer, translator, preprocess.WithLogger(logger.Logger)), nil
}

// newApp wires adapters, metering, history and the studio service.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	adapters, err := createAdapters(ctx, cfg)
	if err != nil {
		return nil, err
	}
	registry, err := adapter.NewRegistry(aliases, adapters...)
	if err != nil {
		return nil, err
	}

	retry := dispatch.DefaultRetryPolicy()
	retry.BaseBackoff = cfg.Dispatch.RetryBackoff
	opts := []dispatch.Option{
		dispatch.WithGate(dispatch.NewGate(cfg.Dispatch.MaxConcurrent)),
		dispatch.WithRetry(retry),
		dispatch.WithLogger(logger.Logger),
	}

	pre, err := createPreprocessor(cfg)
	if err != nil {
		return nil, err
	}
	if pre != nil {
		opts = append(opts, dispatch.WithPreprocessor(pre))
	}

	if cfg.Metered() {
		reporter, err := metering.NewReporter(cfg.Partner.MeteringURL, cfg.PartnerToken,
			metering.WithBreaker(cfg.Partner.BreakerFailures, cfg.Partner.BreakerOpenFor),
			metering.WithLogger(logger.Logger),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create metering reporter: %w", err)
		}
		a.reporter = reporter
		opts = append(opts, dispatch.WithReporter(reporter))
	}

	if cfg.Partner.SessionURL != "" {
		checkerOpts := []metering.CheckerOption{
			metering.WithCheckerBreaker(cfg.Partner.BreakerFailures, cfg.Partner.BreakerOpenFor),
		}
		if cfg.Partner.RedisAddr != "" {
			cache, err := metering.NewRedisLivenessCache(cfg.Partner.RedisAddr, cfg.RedisPassword, cfg.Partner.RedisDB)
			if err != nil {
				return nil, fmt.Errorf("failed to connect liveness cache: %w", err)
			}
			a.closers = append(a.closers, cache.Close)
			checkerOpts = append(checkerOpts, metering.WithCache(cache, cfg.Partner.LivenessTTL))
		}
		checker, err := metering.NewHTTPSessionChecker(cfg.Partner.SessionURL, cfg.PartnerToken, checkerOpts...)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create session checker: %w", err)
		}
		opts = append(opts, dispatch.WithSessionChecker(checker))
	}

	if cfg.FetchArtifacts() {
		opts = append(opts, dispatch.WithFetcher(dispatch.NewFetcher(&http.Client{Timeout: cfg.Dispatch.FetchTimeout})))
	}
	if cfg.Upstream.UploadURL != "" {
		uploader, err := dispatch.NewHTTPUploader(cfg.Upstream.UploadURL, cfg.APIKey, &http.Client{Timeout: cfg.Upstream.Timeout})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create uploader: %w", err)
		}
		opts = append(opts, dispatch.WithUploader(uploader))
	} else if cfg.Archive.Enabled {
		store, err := archive.NewStore(cfg.Archive.Dir, cfg.Archive.BaseURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to open archive: %w", err)
		}
		a.archive = store
		opts = append(opts, dispatch.WithUploader(store))
	}

	d, err := dispatch.New(registry, cost.NewCalculator(cfg.PricingTable()), opts...)
	if err != nil {
		a.Close()
		return nil, err
	}

	store, err := history.Open(cfg.History.Path)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, store.Close)

	svc, err := studio.New(d, store, studio.WithLogger(logger.Logger))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.svc = svc
	return a, nil
}

// parseSession reads a partner redirect query string, e.g.
// "agentId=a&sessionId=s&origin=mulerun.com&signature=...".
func parseSession(secret, raw string) (*metering.Session, error) {
	if raw == "" {
		return nil, nil
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid session: %w", err)
	}
	params := make(map[string]string, len(values))
	for k := range values {
		params[k] = values.Get(k)
	}
	return metering.SessionFromParams(secret, params)
}

// readSourceImage loads a local image file, or refers to a remote one.
func readSourceImage(path, imageURL string) (*adapter.SourceImage, error) {
	switch {
	case path != "":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read image: %w", err)
		}
		return &adapter.SourceImage{Data: data, MIMEType: http.DetectContentType(data)}, nil
	case imageURL != "":
		return &adapter.SourceImage{URL: imageURL}, nil
	default:
		return nil, nil
	}
}
