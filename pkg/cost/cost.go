// Package cost converts provider usage records into PTC, the platform's
// normalized cost unit.
package cost

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zen-systems/pixelgate/pkg/adapter"
)

// Calculator maps usage records to PTC. It holds no mutable state.
type Calculator struct {
	pricing Pricing
}

// NewCalculator creates a calculator over the given pricing.
func NewCalculator(pricing Pricing) *Calculator {
	return &Calculator{pricing: pricing}
}

// Pricing returns the rates in use.
func (c *Calculator) Pricing() Pricing {
	return c.pricing
}

// Cost returns the PTC cost of one usage record. A nil record costs 0.
func (c *Calculator) Cost(usage adapter.Usage) (float64, error) {
	switch u := usage.(type) {
	case nil:
		return 0, nil
	case adapter.GPTImageUsage:
		r := c.pricing.GPTImage
		return nonNegative(
			float64(u.TextInputTokens)*r.TextInput/perMillion +
				float64(u.ImageInputTokens)*r.ImageInput/perMillion +
				float64(u.OutputTokens)*r.Output/perMillion,
		), nil
	case adapter.GeminiUsage:
		return TokenCost(u.PromptTokens, u.CandidatesTokens, c.pricing.Gemini), nil
	case adapter.FlatFeeUsage:
		return nonNegative(c.pricing.Flat[u.Model]), nil
	case adapter.VideoUsage:
		return c.VideoFee(u.Model, u.Duration), nil
	default:
		return 0, fmt.Errorf("no pricing for usage type %T", usage)
	}
}

// OptimizeCost prices a prompt optimization call.
func (c *Calculator) OptimizeCost(inputTokens, outputTokens int64) float64 {
	return TokenCost(inputTokens, outputTokens, c.pricing.Optimize)
}

// VideoFee returns the fee for a video model, honoring duration tiers.
// Unknown models cost 0.
func (c *Calculator) VideoFee(model, duration string) float64 {
	duration = adapter.DurationFor(model, duration)
	if duration != "" {
		if fee, ok := c.pricing.Video[model+"/"+duration]; ok {
			return nonNegative(fee)
		}
	}
	return nonNegative(c.pricing.Video[model])
}

// Describe renders the pricing of a model for listings.
func (c *Calculator) Describe(info adapter.ModelInfo) string {
	switch info.Provider {
	case adapter.ProviderGPTImage:
		r := c.pricing.GPTImage
		return fmt.Sprintf("text in %g / image in %g / out %g PTC per 1M tokens", r.TextInput, r.ImageInput, r.Output)
	case adapter.ProviderGemini:
		r := c.pricing.Gemini
		return fmt.Sprintf("in %g / out %g PTC per 1M tokens", r.Input, r.Output)
	case adapter.ProviderSeedream, adapter.ProviderFlux:
		return fmt.Sprintf("%g PTC per image", c.pricing.Flat[info.ID])
	case adapter.ProviderVideo:
		if fee, ok := c.pricing.Video[info.ID]; ok {
			return fmt.Sprintf("%g PTC per video", fee)
		}
		var tiers []string
		prefix := info.ID + "/"
		for key, fee := range c.pricing.Video {
			if strings.HasPrefix(key, prefix) {
				tiers = append(tiers, fmt.Sprintf("%ss %g", strings.TrimPrefix(key, prefix), fee))
			}
		}
		sort.Strings(tiers)
		if len(tiers) == 0 {
			return "unpriced"
		}
		return strings.Join(tiers, ", ") + " PTC"
	default:
		return "unpriced"
	}
}

// TokenCost applies per-1M rates to input and output token counts.
func TokenCost(inputTokens, outputTokens int64, rates TokenRates) float64 {
	return nonNegative(float64(inputTokens)*rates.Input/perMillion + float64(outputTokens)*rates.Output/perMillion)
}

func nonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
