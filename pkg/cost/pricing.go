package cost

// perMillion converts a PTC-per-1M-tokens rate into a per-token multiplier.
const perMillion = 1_000_000.0

// TokenRates are PTC per 1,000,000 tokens.
type TokenRates struct {
	Input  float64 `yaml:"input" json:"input"`
	Output float64 `yaml:"output" json:"output"`
}

// GPTImageRates split the input side by modality.
type GPTImageRates struct {
	TextInput  float64 `yaml:"text_input" json:"text_input"`
	ImageInput float64 `yaml:"image_input" json:"image_input"`
	Output     float64 `yaml:"output" json:"output"`
}

// Pricing holds every rate and fee the calculator knows about. Flat fees are
// keyed by model; video fees by model or "model/duration".
type Pricing struct {
	GPTImage GPTImageRates      `yaml:"gpt_image" json:"gpt_image"`
	Gemini   TokenRates         `yaml:"gemini" json:"gemini"`
	Optimize TokenRates         `yaml:"optimize" json:"optimize"`
	Flat     map[string]float64 `yaml:"flat" json:"flat"`
	Video    map[string]float64 `yaml:"video" json:"video"`
}

// DefaultPricing returns the provider contract rates.
func DefaultPricing() Pricing {
	return Pricing{
		GPTImage: GPTImageRates{TextInput: 5, ImageInput: 10, Output: 40},
		Gemini:   TokenRates{Input: 1, Output: 30},
		Optimize: TokenRates{Input: 3, Output: 15},
		Flat: map[string]float64{
			"doubao-seedream-4-0-250828": 0.03,
			"flux-kontext-pro":           0.04,
			"flux-kontext-max":           0.08,
		},
		Video: map[string]float64{
			"google_veo3_fast_i2v":   0.5,
			"google_veo3_pro_i2v":    1,
			"kling_21_i2v_hq/5":      0.5,
			"kling_21_i2v_hq/10":     1,
			"kling_21_i2v/5":         0.3,
			"kling_21_i2v/10":        0.6,
			"minimaxi_hailuo_02_i2v": 0.5,
		},
	}
}

// Merge returns p with every non-zero field of override applied on top.
func (p Pricing) Merge(override Pricing) Pricing {
	out := p
	out.Flat = mergeFees(p.Flat, override.Flat)
	out.Video = mergeFees(p.Video, override.Video)

	if override.GPTImage.TextInput > 0 {
		out.GPTImage.TextInput = override.GPTImage.TextInput
	}
	if override.GPTImage.ImageInput > 0 {
		out.GPTImage.ImageInput = override.GPTImage.ImageInput
	}
	if override.GPTImage.Output > 0 {
		out.GPTImage.Output = override.GPTImage.Output
	}
	out.Gemini = mergeRates(p.Gemini, override.Gemini)
	out.Optimize = mergeRates(p.Optimize, override.Optimize)
	return out
}

func mergeRates(base, override TokenRates) TokenRates {
	if override.Input > 0 {
		base.Input = override.Input
	}
	if override.Output > 0 {
		base.Output = override.Output
	}
	return base
}

func mergeFees(base, override map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		if v >= 0 {
			out[k] = v
		}
	}
	return out
}
