package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zen-systems/pixelgate/pkg/adapter"
	"github.com/zen-systems/pixelgate/pkg/config"
	"github.com/zen-systems/pixelgate/pkg/cost"
	"github.com/zen-systems/pixelgate/pkg/dispatch"
	"github.com/zen-systems/pixelgate/pkg/history"
	"github.com/zen-systems/pixelgate/pkg/logger"
	"github.com/zen-systems/pixelgate/pkg/metering"
	"github.com/zen-systems/pixelgate/pkg/preprocess"
	"github.com/zen-systems/pixelgate/pkg/server"
)

var (
	configFile  string
	mockFlag    bool
	sessionFlag string
	aliases     *config.ModelAliases
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pixelgate",
		Short: "Image and video generation gateway with partner usage metering",
		Long: `Pixelgate dispatches image and video generations to upstream providers,
	prices their usage, reports it to the billing partner for metered sessions,
	and keeps a local history of every generation.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to config file (default ~/.pixelgate/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&mockFlag, "mock", false, "use the offline mock provider")
	rootCmd.PersistentFlags().StringVar(&sessionFlag, "session", "", "signed partner session query string")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(videoCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(costCmd())
	rootCmd.AddCommand(modelsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var addrFlag string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the video status poller",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if addrFlag != "" {
				cfg.Server.Addr = addrFlag
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			go a.svc.RunPoller(ctx, cfg.Server.PollInterval)

			srv := server.New(a.svc, server.Options{
				Addr:           cfg.Server.Addr,
				PartnerSecret:  cfg.PartnerSecret,
				Reporter:       a.reporter,
				Archive:        a.archive,
				PageSize:       cfg.History.PageSize,
				RateLimitRPS:   cfg.Server.RateLimitRPS,
				RateLimitBurst: cfg.Server.RateLimitBurst,
				Logger:         logger.Logger,
			})
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVar(&addrFlag, "addr", "", "listen address (overrides config)")

	return cmd
}

func generateCmd() *cobra.Command {
	var modelFlag string
	var sizeFlag string
	var imageFlag string
	var imageURLFlag string
	var langFlag string
	var optimizeFlag bool
	var typeFlag string
	var outFlag string

	cmd := &cobra.Command{
		Use:   "generate [prompt]",
		Short: "Generate an image",
		Long: `Generates one image and records it in the local history.

	Use --optimize to rewrite the prompt with the optimization model first.
	Prompts are translated automatically for providers that require English.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if modelFlag == "" {
				return fmt.Errorf("--model is required")
			}
			size := adapter.Size(sizeFlag)
			if size != "" && !size.Valid() {
				return fmt.Errorf("unsupported size %q", sizeFlag)
			}
			src, err := readSourceImage(imageFlag, imageURLFlag)
			if err != nil {
				return err
			}
			session, err := parseSession(cfg.PartnerSecret, sessionFlag)
			if err != nil {
				return err
			}

			ctx := context.Background()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			fmt.Fprintf(os.Stderr, "Generating with %s\n", modelFlag)
			gen, err := a.svc.GenerateImage(ctx, &dispatch.Request{
				Prompt:      args[0],
				Model:       modelFlag,
				SourceImage: src,
				Size:        size,
				SourceLang:  adapter.Language(strings.ToUpper(langFlag)),
				Optimize: preprocess.OptimizeOptions{
					Enabled:      optimizeFlag,
					SystemPrompt: cfg.Optimize.SystemPrompt,
				},
				Session: session,
			}, typeFlag)
			if err != nil {
				return err
			}

			res := gen.Result
			fmt.Fprintf(os.Stderr, "Record %s: %s/%s, cost %g PTC\n", gen.Record.ID, res.Provider, res.Model, res.Cost)
			if res.Warning != dispatch.WarningNone {
				fmt.Fprintf(os.Stderr, "Warning: %s\n", res.Warning)
			}
			if res.Report != nil {
				fmt.Fprintf(os.Stderr, "Reported %d units (sent=%t)\n", res.Report.Units, res.Report.Sent)
			}

			if outFlag != "" && len(res.Artifact.Data) > 0 {
				if err := os.WriteFile(outFlag, res.Artifact.Data, 0644); err != nil {
					return fmt.Errorf("failed to write image: %w", err)
				}
				fmt.Fprintf(os.Stderr, "Saved %s\n", outFlag)
				return nil
			}
			fmt.Println(res.Payload())
			return nil
		},
	}

	cmd.Flags().StringVar(&modelFlag, "model", "", "model or alias (required)")
	cmd.Flags().StringVar(&sizeFlag, "size", "", "output size, e.g. 1024x1024")
	cmd.Flags().StringVar(&imageFlag, "image", "", "source image file for edits")
	cmd.Flags().StringVar(&imageURLFlag, "image-url", "", "source image URL for edits")
	cmd.Flags().StringVar(&langFlag, "lang", "", "prompt language (ZH or EN)")
	cmd.Flags().BoolVar(&optimizeFlag, "optimize", false, "rewrite the prompt before generation")
	cmd.Flags().StringVar(&typeFlag, "type", "image", "record type label")
	cmd.Flags().StringVarP(&outFlag, "out", "o", "", "write the image bytes to this file")

	return cmd
}

func videoCmd() *cobra.Command {
	var modelFlag string
	var imageFlag string
	var imageURLFlag string
	var recordFlag string
	var durationFlag string

	cmd := &cobra.Command{
		Use:   "video [prompt]",
		Short: "Start an image-to-video task",
		Long: `Submits an image-to-video task. The source is either --image, --image-url
	or the image of an existing history record (--record).

	The task finishes asynchronously; run "pixelgate history poll" or keep
	"pixelgate serve" running to pick up the result.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if modelFlag == "" {
				return fmt.Errorf("--model is required")
			}
			src, err := readSourceImage(imageFlag, imageURLFlag)
			if err != nil {
				return err
			}
			if src == nil && recordFlag == "" {
				return fmt.Errorf("one of --image, --image-url or --record is required")
			}
			session, err := parseSession(cfg.PartnerSecret, sessionFlag)
			if err != nil {
				return err
			}

			var prompt string
			if len(args) > 0 {
				prompt = args[0]
			}

			ctx := context.Background()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			gen, err := a.svc.GenerateVideo(ctx, recordFlag, &dispatch.Request{
				Prompt:      prompt,
				Model:       modelFlag,
				SourceImage: src,
				Duration:    durationFlag,
				Session:     session,
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(os.Stderr, "Record %s: task submitted, cost %g PTC\n", gen.Record.ID, gen.Result.Cost)
			fmt.Println(gen.Result.Artifact.TaskID)
			return nil
		},
	}

	cmd.Flags().StringVar(&modelFlag, "model", "", "video model or alias (required)")
	cmd.Flags().StringVar(&imageFlag, "image", "", "source image file")
	cmd.Flags().StringVar(&imageURLFlag, "image-url", "", "source image URL")
	cmd.Flags().StringVar(&recordFlag, "record", "", "history record whose image is animated")
	cmd.Flags().StringVar(&durationFlag, "duration", "", "video duration in seconds, for models that support it")

	return cmd
}

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect and maintain the generation history",
	}

	var pageFlag int
	var pageSizeFlag int
	list := &cobra.Command{
		Use:   "list",
		Short: "List records of the current session, or unmetered records",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			session, err := parseSession(cfg.PartnerSecret, sessionFlag)
			if err != nil {
				return err
			}
			store, err := history.Open(cfg.History.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			scope := history.Unmetered()
			if session.IsMetered() {
				scope = history.ForSession(session.SessionID)
			}
			if pageSizeFlag <= 0 {
				pageSizeFlag = cfg.History.PageSize
			}
			page, err := store.List(context.Background(), history.Query{Scope: scope, Page: pageFlag, PageSize: pageSizeFlag})
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCREATED\tIMAGE\tVIDEO\tPROMPT")
			for _, rec := range page.Records {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", rec.ID, rec.CreatedAt, imageStatus(rec), videoStatus(rec), truncate(rec.RawPrompt, 40))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Page %d, %d of %d records\n", page.Page, len(page.Records), page.Total)
			return nil
		},
	}
	list.Flags().IntVar(&pageFlag, "page", 1, "page number")
	list.Flags().IntVar(&pageSizeFlag, "page-size", 0, "records per page (default from config)")

	show := &cobra.Command{
		Use:   "show [id]",
		Short: "Print one record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			store, err := history.Open(cfg.History.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			rec, err := store.Get(context.Background(), args[0])
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(rec, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	}

	remove := &cobra.Command{
		Use:   "delete [id]",
		Short: "Delete a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			store, err := history.Open(cfg.History.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Delete(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Deleted %s\n", args[0])
			return nil
		},
	}

	poll := &cobra.Command{
		Use:   "poll",
		Short: "Check pending video tasks once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ctx := context.Background()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			done, err := a.svc.PollVideos(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "%d video tasks finished\n", done)
			return nil
		},
	}

	cmd.AddCommand(list, show, remove, poll)
	return cmd
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify [key=value...]",
		Short: "Check a partner signature",
		Long: `Verifies the HMAC signature over the given parameters with the configured
	partner secret. One of the parameters must be signature=<hex>.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cfg.PartnerSecret == "" {
				return fmt.Errorf("PIXELGATE_PARTNER_SECRET is not set")
			}

			params := make(map[string]any, len(args))
			for _, arg := range args {
				key, value, ok := strings.Cut(arg, "=")
				if !ok {
					return fmt.Errorf("expected key=value, got %q", arg)
				}
				params[key] = value
			}

			if err := metering.Verify(cfg.PartnerSecret, params); err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, "Signature valid.")
			return nil
		},
	}
}

func costCmd() *cobra.Command {
	var textTokens int64
	var imageTokens int64
	var outputTokens int64
	var durationFlag string

	cmd := &cobra.Command{
		Use:   "cost [model]",
		Short: "Price one generation and show the partner units it reports",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			model := aliases.Resolve(args[0])
			provider := adapter.Provider(aliases.GetProviderForModel(model))
			var usage adapter.Usage
			switch provider {
			case adapter.ProviderGPTImage:
				usage = adapter.GPTImageUsage{TextInputTokens: textTokens, ImageInputTokens: imageTokens, OutputTokens: outputTokens}
			case adapter.ProviderGemini:
				usage = adapter.GeminiUsage{PromptTokens: textTokens + imageTokens, CandidatesTokens: outputTokens}
			case adapter.ProviderSeedream, adapter.ProviderFlux:
				usage = adapter.FlatFeeUsage{Tag: provider, Model: model}
			case adapter.ProviderVideo:
				usage = adapter.VideoUsage{Model: model, Duration: adapter.DurationFor(model, durationFlag)}
			default:
				return fmt.Errorf("unknown model %q", args[0])
			}

			ptc, err := cost.NewCalculator(cfg.PricingTable()).Cost(usage)
			if err != nil {
				return err
			}
			credit, units := metering.Convert(ptc)

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tPROVIDER\tPTC\tCREDIT\tUNITS")
			fmt.Fprintf(w, "%s\t%s\t%g\t%g\t%d\n", model, provider, ptc, credit, units)
			return w.Flush()
		},
	}

	cmd.Flags().Int64Var(&textTokens, "text-tokens", 0, "text input tokens")
	cmd.Flags().Int64Var(&imageTokens, "image-tokens", 0, "image input tokens")
	cmd.Flags().Int64Var(&outputTokens, "output-tokens", 0, "output tokens")
	cmd.Flags().StringVar(&durationFlag, "duration", "", "video duration in seconds")

	return cmd
}

func modelsCmd() *cobra.Command {
	var resolveFlag bool
	var validateFlag bool

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List providers, models, pricing and aliases",
		Long: `Lists every known model with its provider and pricing.

	Use --resolve to show aliases and what they resolve to.
	Use --validate to check every alias resolves to a known model.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			if resolveFlag {
				return showAliases()
			}
			if validateFlag {
				return validateAliases()
			}

			calc := cost.NewCalculator(cfg.PricingTable())
			status := "no key"
			if cfg.HasUpstream() {
				status = "ready"
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tMODEL\tALIASES\tPRICING\tSTATUS")
			for _, provider := range aliases.ListProviders() {
				models := append([]string(nil), aliases.Providers[provider]...)
				sort.Strings(models)
				for _, model := range models {
					info := adapter.ModelInfo{ID: model, Provider: adapter.Provider(provider)}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", provider, model,
						strings.Join(aliases.AliasesFor(model), ", "), calc.Describe(info), status)
				}
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&resolveFlag, "resolve", false, "show aliases and what they resolve to")
	cmd.Flags().BoolVar(&validateFlag, "validate", false, "check all aliases resolve to known models")

	return cmd
}

func showAliases() error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ALIAS\tMODEL\tPROVIDER")

	aliasMap := aliases.ListAliases()
	var aliasNames []string
	for name := range aliasMap {
		aliasNames = append(aliasNames, name)
	}
	sort.Strings(aliasNames)

	for _, alias := range aliasNames {
		model := aliasMap[alias]
		provider := aliases.GetProviderForModel(model)
		fmt.Fprintf(w, "%s\t%s\t%s\n", alias, model, provider)
	}

	return w.Flush()
}

func validateAliases() error {
	errors := aliases.ValidateAliases()
	if len(errors) == 0 {
		fmt.Println("All aliases resolve to known models.")
		return nil
	}

	fmt.Fprintf(os.Stderr, "Found %d validation errors:\n", len(errors))
	for _, err := range errors {
		fmt.Fprintf(os.Stderr, "  - %s\n", err)
	}
	return fmt.Errorf("validation failed")
}

func imageStatus(rec *history.Record) string {
	if rec.Image == nil {
		return "-"
	}
	return string(rec.Image.Status)
}

func videoStatus(rec *history.Record) string {
	if rec.Video == nil {
		return "-"
	}
	return string(rec.Video.Status)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
