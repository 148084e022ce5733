package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolve(t *testing.T) {
	aliases := DefaultAliases()

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "resolve known alias",
			input:    "gemini",
			expected: "gemini-2.5-flash-image-preview",
		},
		{
			name:     "resolve another alias",
			input:    "seedream",
			expected: "doubao-seedream-4-0-250828",
		},
		{
			name:     "case variant of canonical model",
			input:    "Flux-Kontext-Pro",
			expected: "flux-kontext-pro",
		},
		{
			name:     "case variant of alias",
			input:    "Kling-HQ",
			expected: "kling_21_i2v_hq",
		},
		{
			name:     "unknown model returns input unchanged",
			input:    "Dall-E-9",
			expected: "Dall-E-9",
		},
		{
			name:     "canonical model returns unchanged",
			input:    "gpt-image-1",
			expected: "gpt-image-1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := aliases.Resolve(tt.input)
			if result != tt.expected {
				t.Errorf("Resolve(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestResolve_NilAliases(t *testing.T) {
	var aliases *ModelAliases
	result := aliases.Resolve("gemini")
	if result != "gemini" {
		t.Errorf("Resolve on nil should return input, got %q", result)
	}
}

func TestIsAlias(t *testing.T) {
	aliases := DefaultAliases()

	if !aliases.IsAlias("flux-max") {
		t.Error("IsAlias should return true for known alias")
	}
	if aliases.IsAlias("unknown") {
		t.Error("IsAlias should return false for unknown alias")
	}
	if aliases.IsAlias("flux-kontext-max") {
		t.Error("IsAlias should return false for canonical model name")
	}
}

func TestValidateModel(t *testing.T) {
	aliases := DefaultAliases()

	tests := []struct {
		name      string
		provider  string
		model     string
		wantError bool
	}{
		{name: "valid model for provider", provider: "flux", model: "flux-kontext-max"},
		{name: "video model", provider: "video", model: "kling_21_i2v"},
		{name: "model of another provider", provider: "flux", model: "gpt-image-1", wantError: true},
		{name: "unknown provider", provider: "midjourney", model: "v6", wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := aliases.ValidateModel(tt.provider, tt.model)
			if (err != nil) != tt.wantError {
				t.Errorf("ValidateModel(%q, %q) error = %v, wantError %v",
					tt.provider, tt.model, err, tt.wantError)
			}
		})
	}
}

func TestDefaultAliasesPointAtKnownModels(t *testing.T) {
	if errs := DefaultAliases().ValidateAliases(); len(errs) != 0 {
		t.Fatalf("default aliases invalid: %v", errs)
	}

	broken := DefaultAliases()
	broken.Aliases["ghost"] = "no-such-model"
	if errs := broken.ValidateAliases(); len(errs) != 1 {
		t.Fatalf("got %d errors want 1", len(errs))
	}
}

func TestAliasesFor(t *testing.T) {
	got := DefaultAliases().AliasesFor("flux-kontext-pro")
	if len(got) != 2 || got[0] != "flux" || got[1] != "flux-pro" {
		t.Fatalf("got %v", got)
	}
}

func TestLoadAliasesMergesOverDefaults(t *testing.T) {
	home := t.TempDir()
	setHomeEnv(t, home)

	dir := t.TempDir()
	path := filepath.Join(dir, "models.yaml")
	content := `aliases:
  house-style: flux-kontext-max
  gemini: gpt-image-1
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	aliases, err := LoadAliasesWithFallback(path)
	if err != nil {
		t.Fatalf("LoadAliasesWithFallback() error = %v", err)
	}
	if aliases.Resolve("house-style") != "flux-kontext-max" {
		t.Error("file alias should be loaded")
	}
	if aliases.Resolve("gemini") != "gpt-image-1" {
		t.Error("file alias should override default")
	}
	if aliases.Resolve("hailuo") != "minimaxi_hailuo_02_i2v" {
		t.Error("defaults should be kept")
	}
}

func TestLoadAliasesWithFallback_NoFile(t *testing.T) {
	setHomeEnv(t, t.TempDir())

	aliases, err := LoadAliasesWithFallback("/nonexistent/path/models.yaml")
	if err != nil {
		t.Fatalf("LoadAliasesWithFallback() should not error, got %v", err)
	}
	if aliases.Resolve("veo3") != "google_veo3_pro_i2v" {
		t.Error("defaults should be returned")
	}
}

func TestLoadAliases_FileNotFound(t *testing.T) {
	_, err := LoadAliases("/nonexistent/path/models.yaml")
	if err == nil {
		t.Error("LoadAliases should error for nonexistent file")
	}
}

func TestListAliasesIsCopy(t *testing.T) {
	aliases := DefaultAliases()
	list := aliases.ListAliases()
	list["new"] = "value"
	if aliases.Aliases["new"] == "value" {
		t.Error("ListAliases should return a copy, not the original")
	}
}
