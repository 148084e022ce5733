package adapter

import (
	"context"
	"net/http"

	"github.com/zen-systems/pixelgate/pkg/artifact"
)

// SeedreamModel is the only model served by SeedreamAdapter.
const SeedreamModel = "doubao-seedream-4-0-250828"

// SeedreamAdapter implements the Adapter interface for Doubao Seedream. It
// bills a flat fee per image and returns a hosted URL.
type SeedreamAdapter struct {
	client *proxyClient
}

// NewSeedreamAdapter creates a new Seedream adapter.
func NewSeedreamAdapter(apiKey, baseURL string, httpClient *http.Client) (*SeedreamAdapter, error) {
	client, err := newProxyClient(apiKey, baseURL, httpClient)
	if err != nil {
		return nil, err
	}
	return &SeedreamAdapter{client: client}, nil
}

// Provider returns the adapter tag.
func (a *SeedreamAdapter) Provider() Provider {
	return ProviderSeedream
}

// Models returns the list of supported Seedream models.
func (a *SeedreamAdapter) Models() []string {
	return []string{SeedreamModel}
}

// SourceLanguage reports that Seedream accepts any prompt language.
func (a *SeedreamAdapter) SourceLanguage() Language {
	return ""
}

// Generate sends the prompt and optional reference image to Seedream.
func (a *SeedreamAdapter) Generate(ctx context.Context, req *Request) (*Response, error) {
	body := proxyImageRequest{
		Prompt: req.Prompt,
		Model:  SeedreamModel,
		Image:  encodeSourceImage(req.Image),
	}
	if body.Image == "" {
		body.Size = string(req.Size)
	}

	url, err := a.client.generateImage(ctx, ProviderSeedream, body)
	if err != nil {
		return nil, err
	}

	return &Response{
		Artifact: artifact.NewRemote(url, string(ProviderSeedream), SeedreamModel, req.Prompt),
		Usage:    FlatFeeUsage{Tag: ProviderSeedream, Model: SeedreamModel},
	}, nil
}
