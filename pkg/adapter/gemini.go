package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/zen-systems/pixelgate/pkg/artifact"
	"google.golang.org/genai"
)

// GeminiAdapter implements the Adapter interface for Gemini image models.
type GeminiAdapter struct {
	client     *genai.Client
	httpClient *http.Client
}

// NewGeminiAdapter creates a new Gemini adapter. An empty baseURL keeps the
// SDK default endpoint.
func NewGeminiAdapter(ctx context.Context, apiKey, baseURL string, httpClient *http.Client) (*GeminiAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("google API key is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: baseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create google client: %w", err)
	}

	return &GeminiAdapter{
		client:     client,
		httpClient: httpClient,
	}, nil
}

// Provider returns the adapter tag.
func (a *GeminiAdapter) Provider() Provider {
	return ProviderGemini
}

// Models returns the list of supported Gemini models.
func (a *GeminiAdapter) Models() []string {
	return []string{
		"gemini-2.5-flash-image-preview",
	}
}

// SourceLanguage reports that Gemini accepts any prompt language.
func (a *GeminiAdapter) SourceLanguage() Language {
	return ""
}

// Generate sends a prompt, and the reference image if any, to Gemini and
// returns the first inline image part as an artifact.
func (a *GeminiAdapter) Generate(ctx context.Context, req *Request) (*Response, error) {
	parts := []*genai.Part{genai.NewPartFromText(req.Prompt)}

	data, mimeType, err := loadSourceImage(ctx, a.httpClient, req.Image)
	if err != nil {
		return nil, err
	}
	if len(data) > 0 {
		parts = append(parts, genai.NewPartFromBytes(data, mimeType))
	}

	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
	resp, err := a.client.Models.GenerateContent(ctx, req.Model, contents, nil)
	if err != nil {
		return nil, mapGeminiError(err)
	}

	if resp == nil || len(resp.Candidates) == 0 {
		return nil, ProtocolError(ProviderGemini, http.StatusOK, "", fmt.Errorf("google returned no candidates"))
	}

	var image *genai.Blob
	if resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				image = part.InlineData
				break
			}
		}
	}
	if image == nil {
		return nil, ProtocolError(ProviderGemini, http.StatusOK, "", fmt.Errorf("google returned no image part"))
	}

	var usage GeminiUsage
	if resp.UsageMetadata != nil {
		usage.PromptTokens = int64(resp.UsageMetadata.PromptTokenCount)
		usage.CandidatesTokens = int64(resp.UsageMetadata.CandidatesTokenCount)
	}

	art := artifact.NewInline(image.Data, image.MIMEType, string(ProviderGemini), req.Model, req.Prompt)
	return &Response{Artifact: art, Usage: usage}, nil
}

func mapGeminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &UpstreamError{
			Provider: ProviderGemini,
			Status:   apiErr.Code,
			Body:     apiErr.Message,
			Class:    ClassifyStatus(apiErr.Code),
			Err:      err,
		}
	}
	return TransportError(ProviderGemini, err)
}
