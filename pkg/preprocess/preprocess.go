// Package preprocess rewrites and translates prompts before dispatch. Both
// steps are best effort: a failure leaves the prompt unchanged.
package preprocess

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/zen-systems/pixelgate/pkg/adapter"
	"github.com/zen-systems/pixelgate/pkg/logger"
)

// Step names a preprocessing stage.
type Step string

const (
	StepOptimize  Step = "optimize"
	StepTranslate Step = "translate"
)

// PreprocessingError records a failed step. It is logged and reported in
// Result, never returned to the caller of Run.
type PreprocessingError struct {
	Step Step
	Err  error
}

func (e *PreprocessingError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Step, e.Err)
}

func (e *PreprocessingError) Unwrap() error {
	return e.Err
}

// OptimizeOptions toggles the optimization step.
type OptimizeOptions struct {
	Enabled      bool
	SystemPrompt string
}

// Input is one preprocessing job.
type Input struct {
	Prompt     string
	Optimize   OptimizeOptions
	SourceLang adapter.Language
	// TargetLang is the language the provider requires, or "" for any.
	TargetLang adapter.Language
}

// Result is the outcome of Run. Prompt is always usable.
type Result struct {
	Prompt        string
	Optimized     bool
	Translated    bool
	OptimizeUsage OptimizeUsage
	Errors        []*PreprocessingError
}

// Preprocessor composes an optional Optimizer and Translator.
type Preprocessor struct {
	optimizer  Optimizer
	translator Translator
	log        *slog.Logger
}

// Option configures a Preprocessor.
type Option func(*Preprocessor)

// WithLogger sets the logger used for recovered failures.
func WithLogger(l *slog.Logger) Option {
	return func(p *Preprocessor) {
		p.log = l
	}
}

// New creates a preprocessor. Either backend may be nil, which disables
// the corresponding step.
func New(optimizer Optimizer, translator Translator, opts ...Option) *Preprocessor {
	p := &Preprocessor{
		optimizer:  optimizer,
		translator: translator,
		log:        logger.Logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run optimizes, then translates. It never fails.
func (p *Preprocessor) Run(ctx context.Context, in Input) Result {
	res := Result{Prompt: in.Prompt}

	if in.Optimize.Enabled && p.optimizer != nil {
		text, usage, err := p.optimizer.Optimize(ctx, res.Prompt, in.Optimize.SystemPrompt)
		res.OptimizeUsage = usage
		if err != nil {
			p.fallback(&res, StepOptimize, err)
		} else {
			p.log.Debug("prompt optimized", "original", in.Prompt, "optimized", text)
			res.Prompt = text
			res.Optimized = true
		}
	}

	if p.needsTranslation(in) {
		text, err := p.translator.Translate(ctx, res.Prompt, in.SourceLang, in.TargetLang)
		switch {
		case err != nil:
			p.fallback(&res, StepTranslate, err)
		case text == "":
			p.fallback(&res, StepTranslate, fmt.Errorf("empty translation"))
		default:
			p.log.Debug("prompt translated", "from", in.SourceLang, "to", in.TargetLang)
			res.Prompt = text
			res.Translated = true
		}
	}

	return res
}

func (p *Preprocessor) needsTranslation(in Input) bool {
	if p.translator == nil || in.TargetLang == "" {
		return false
	}
	return in.SourceLang != in.TargetLang
}

func (p *Preprocessor) fallback(res *Result, step Step, err error) {
	perr := &PreprocessingError{Step: step, Err: err}
	res.Errors = append(res.Errors, perr)
	p.log.Warn("preprocessing step failed, keeping prompt", "step", step, "error", err)
}
