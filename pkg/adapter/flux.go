package adapter

import (
	"context"
	"net/http"

	"github.com/zen-systems/pixelgate/pkg/artifact"
)

// FluxAdapter implements the Adapter interface for the Flux Kontext models.
// Flux only understands English prompts, so the dispatcher translates first.
type FluxAdapter struct {
	client *proxyClient
}

// NewFluxAdapter creates a new Flux Kontext adapter.
func NewFluxAdapter(apiKey, baseURL string, httpClient *http.Client) (*FluxAdapter, error) {
	client, err := newProxyClient(apiKey, baseURL, httpClient)
	if err != nil {
		return nil, err
	}
	return &FluxAdapter{client: client}, nil
}

// Provider returns the adapter tag.
func (a *FluxAdapter) Provider() Provider {
	return ProviderFlux
}

// Models returns the list of supported Flux models.
func (a *FluxAdapter) Models() []string {
	return []string{"flux-kontext-pro", "flux-kontext-max"}
}

// SourceLanguage reports that Flux requires English prompts.
func (a *FluxAdapter) SourceLanguage() Language {
	return LangEN
}

// Generate sends the translated prompt and optional reference image to Flux.
func (a *FluxAdapter) Generate(ctx context.Context, req *Request) (*Response, error) {
	url, err := a.client.generateImage(ctx, ProviderFlux, proxyImageRequest{
		Prompt: req.Prompt,
		Model:  req.Model,
		Image:  encodeSourceImage(req.Image),
	})
	if err != nil {
		return nil, err
	}

	return &Response{
		Artifact: artifact.NewRemote(url, string(ProviderFlux), req.Model, req.Prompt),
		Usage:    FlatFeeUsage{Tag: ProviderFlux, Model: req.Model},
	}, nil
}
