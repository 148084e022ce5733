package adapter

import (
	"context"

	"github.com/zen-systems/pixelgate/pkg/artifact"
)

// Provider tags the closed set of upstream provider variants.
type Provider string

const (
	ProviderGPTImage Provider = "gpt-image"
	ProviderGemini   Provider = "gemini"
	ProviderSeedream Provider = "seedream"
	ProviderFlux     Provider = "flux"
	ProviderVideo    Provider = "video"
)

// Providers lists every provider tag in registration order.
func Providers() []Provider {
	return []Provider{ProviderGPTImage, ProviderGemini, ProviderSeedream, ProviderFlux, ProviderVideo}
}

// Adapter defines the interface for upstream generation providers.
type Adapter interface {
	// Generate sends one generation request upstream and returns the
	// artifact together with the provider-native usage record.
	Generate(ctx context.Context, req *Request) (*Response, error)

	// Provider returns the adapter's tag.
	Provider() Provider

	// Models returns the list of supported models.
	Models() []string

	// SourceLanguage returns the language the provider requires prompts in,
	// or "" when any language is accepted.
	SourceLanguage() Language
}

// VideoTaskChecker is implemented by adapters whose artifacts are
// asynchronous tasks.
type VideoTaskChecker interface {
	TaskStatus(ctx context.Context, taskID string) (*TaskStatus, error)
}

// Response wraps an adapter output and its usage record.
type Response struct {
	Artifact *artifact.Artifact
	Usage    Usage
}

// ModelInfo holds metadata about a model.
type ModelInfo struct {
	ID       string
	Provider Provider
}
