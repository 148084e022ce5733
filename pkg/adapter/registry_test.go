package adapter

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type staticAliases map[string]string

func (s staticAliases) Resolve(model string) string {
	if canonical, ok := s[model]; ok {
		return canonical
	}
	return model
}

func TestRegistryResolve(t *testing.T) {
	flux := NewMockAdapter(ProviderFlux, "flux-kontext-pro", "flux-kontext-max")
	seedream := NewMockAdapter(ProviderSeedream, SeedreamModel)
	reg, err := NewRegistry(staticAliases{"Flux-Kontext-Pro": "flux-kontext-pro"}, flux, seedream)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	a, model, err := reg.Resolve("Flux-Kontext-Pro")
	if err != nil {
		t.Fatalf("resolve alias: %v", err)
	}
	if a.Provider() != ProviderFlux || model != "flux-kontext-pro" {
		t.Fatalf("unexpected resolution %s %s", a.Provider(), model)
	}

	_, _, err = reg.Resolve("dall-e-2")
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) || cfgErr.Model != "dall-e-2" {
		t.Fatalf("expected configuration error, got %v", err)
	}

	infos := reg.List()
	if len(infos) != 3 {
		t.Fatalf("expected 3 models, got %d", len(infos))
	}
	if infos[0].Provider != ProviderSeedream {
		t.Fatalf("expected seedream first in provider order, got %+v", infos)
	}
}

func TestRegistryRejectsDuplicateModels(t *testing.T) {
	a := NewMockAdapter(ProviderFlux, "shared")
	b := NewMockAdapter(ProviderSeedream, "shared")
	if _, err := NewRegistry(nil, a, b); err == nil {
		t.Fatalf("expected duplicate model error")
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "5xx", err: StatusError(ProviderFlux, 503, ""), want: true},
		{name: "429", err: StatusError(ProviderFlux, 429, ""), want: false},
		{name: "transport", err: TransportError(ProviderFlux, fmt.Errorf("reset")), want: true},
		{name: "canceled", err: TransportError(ProviderFlux, context.Canceled), want: false},
		{name: "deadline", err: fmt.Errorf("wrap: %w", context.DeadlineExceeded), want: true},
		{name: "plain", err: fmt.Errorf("boom"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Fatalf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
