package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ModelAliases manages model alias resolution and validation.
type ModelAliases struct {
	Aliases   map[string]string   `yaml:"aliases"`
	Providers map[string][]string `yaml:"providers"`
}

// LoadAliases reads model aliases from a YAML file.
func LoadAliases(path string) (*ModelAliases, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var aliases ModelAliases
	if err := yaml.Unmarshal(data, &aliases); err != nil {
		return nil, err
	}

	if aliases.Aliases == nil {
		aliases.Aliases = make(map[string]string)
	}
	if aliases.Providers == nil {
		aliases.Providers = make(map[string][]string)
	}

	return &aliases, nil
}

// LoadAliasesWithFallback loads ~/.pixelgate/models.yaml on top of the
// defaults, falling back to defaultPath and then to the defaults alone.
func LoadAliasesWithFallback(defaultPath string) (*ModelAliases, error) {
	base := DefaultAliases()

	var candidates []string
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".pixelgate", "models.yaml"))
	}
	if defaultPath != "" {
		candidates = append(candidates, defaultPath)
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		loaded, err := LoadAliases(path)
		if err != nil {
			return nil, fmt.Errorf("load aliases %s: %w", path, err)
		}
		base.Merge(loaded)
		return base, nil
	}
	return base, nil
}

// Merge adds the aliases and provider models of other, which win on
// conflicts.
func (a *ModelAliases) Merge(other *ModelAliases) {
	if a == nil || other == nil {
		return
	}
	if a.Aliases == nil {
		a.Aliases = make(map[string]string)
	}
	if a.Providers == nil {
		a.Providers = make(map[string][]string)
	}
	for k, v := range other.Aliases {
		a.Aliases[k] = v
	}
	for p, models := range other.Providers {
		a.Providers[p] = append([]string(nil), models...)
	}
}

// Resolve returns the canonical model name for an alias. Lookups are exact
// first, then case-insensitive. Anything else is returned unchanged.
func (a *ModelAliases) Resolve(modelOrAlias string) string {
	if a == nil {
		return modelOrAlias
	}
	if canonical, ok := a.Aliases[modelOrAlias]; ok {
		return canonical
	}
	lower := strings.ToLower(strings.TrimSpace(modelOrAlias))
	if canonical, ok := a.Aliases[lower]; ok {
		return canonical
	}
	if a.GetProviderForModel(lower) != "" {
		return lower
	}
	return modelOrAlias
}

// IsAlias returns true if the given string is a known alias.
func (a *ModelAliases) IsAlias(name string) bool {
	if a == nil || a.Aliases == nil {
		return false
	}
	_, ok := a.Aliases[name]
	return ok
}

// ValidateModel checks if a model exists in the provider's list.
func (a *ModelAliases) ValidateModel(provider, model string) error {
	if a == nil || a.Providers == nil {
		return nil
	}

	models, ok := a.Providers[provider]
	if !ok {
		return fmt.Errorf("unknown provider %q", provider)
	}

	for _, m := range models {
		if m == model {
			return nil
		}
	}

	return fmt.Errorf("model %q not in %s provider list", model, provider)
}

// ValidateAliases reports aliases whose target is not a known model.
func (a *ModelAliases) ValidateAliases() []error {
	if a == nil {
		return nil
	}
	var errs []error
	for _, alias := range sortedKeys(a.Aliases) {
		target := a.Aliases[alias]
		if a.GetProviderForModel(target) == "" {
			errs = append(errs, fmt.Errorf("alias %q: unknown model %q", alias, target))
		}
	}
	return errs
}

// ListAliases returns a copy of the aliases map.
func (a *ModelAliases) ListAliases() map[string]string {
	if a == nil || a.Aliases == nil {
		return make(map[string]string)
	}
	result := make(map[string]string, len(a.Aliases))
	for k, v := range a.Aliases {
		result[k] = v
	}
	return result
}

// AliasesFor returns the sorted aliases pointing at model.
func (a *ModelAliases) AliasesFor(model string) []string {
	if a == nil {
		return nil
	}
	var out []string
	for _, alias := range sortedKeys(a.Aliases) {
		if a.Aliases[alias] == model {
			out = append(out, alias)
		}
	}
	return out
}

// ListProviders returns a sorted list of provider names.
func (a *ModelAliases) ListProviders() []string {
	if a == nil || a.Providers == nil {
		return nil
	}
	providers := make([]string, 0, len(a.Providers))
	for p := range a.Providers {
		providers = append(providers, p)
	}
	sort.Strings(providers)
	return providers
}

// GetProviderForModel returns the provider name for a canonical model.
func (a *ModelAliases) GetProviderForModel(model string) string {
	if a == nil || a.Providers == nil {
		return ""
	}
	for provider, models := range a.Providers {
		for _, m := range models {
			if m == model {
				return provider
			}
		}
	}
	return ""
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DefaultAliases returns the default model aliases configuration.
func DefaultAliases() *ModelAliases {
	return &ModelAliases{
		Aliases: map[string]string{
			"gpt-image":   "gpt-image-1",
			"gpt":         "gpt-image-1",
			"gemini":      "gemini-2.5-flash-image-preview",
			"nano-banana": "gemini-2.5-flash-image-preview",
			"seedream":    "doubao-seedream-4-0-250828",
			"flux":        "flux-kontext-pro",
			"flux-pro":    "flux-kontext-pro",
			"flux-max":    "flux-kontext-max",
			"veo3-fast":   "google_veo3_fast_i2v",
			"veo3":        "google_veo3_pro_i2v",
			"kling":       "kling_21_i2v",
			"kling-hq":    "kling_21_i2v_hq",
			"hailuo":      "minimaxi_hailuo_02_i2v",
		},
		Providers: map[string][]string{
			"gpt-image": {"gpt-image-1"},
			"gemini":    {"gemini-2.5-flash-image-preview"},
			"seedream":  {"doubao-seedream-4-0-250828"},
			"flux":      {"flux-kontext-pro", "flux-kontext-max"},
			"video": {
				"google_veo3_fast_i2v",
				"google_veo3_pro_i2v",
				"kling_21_i2v_hq",
				"kling_21_i2v",
				"minimaxi_hailuo_02_i2v",
			},
		},
	}
}
