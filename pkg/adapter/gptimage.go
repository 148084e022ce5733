package adapter

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/zen-systems/pixelgate/pkg/artifact"
)

// GPTImageModel is the only model served by GPTImageAdapter.
const GPTImageModel = "gpt-image-1"

// GPTImageAdapter implements the Adapter interface for gpt-image-1. Text-only
// prompts use the generations endpoint; prompts with a reference image use
// the multipart edits endpoint.
type GPTImageAdapter struct {
	client     openai.Client
	httpClient *http.Client
}

// NewGPTImageAdapter creates a new gpt-image adapter. baseURL may point at
// any OpenAI-compatible gateway.
func NewGPTImageAdapter(apiKey, baseURL string, httpClient *http.Client) (*GPTImageAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	client := openai.NewClient(opts...)
	return &GPTImageAdapter{client: client, httpClient: httpClient}, nil
}

// Provider returns the adapter tag.
func (a *GPTImageAdapter) Provider() Provider {
	return ProviderGPTImage
}

// Models returns the list of supported OpenAI image models.
func (a *GPTImageAdapter) Models() []string {
	return []string{GPTImageModel}
}

// SourceLanguage reports that gpt-image accepts any prompt language.
func (a *GPTImageAdapter) SourceLanguage() Language {
	return ""
}

// Generate sends a prompt to gpt-image-1 and returns the image as an artifact.
func (a *GPTImageAdapter) Generate(ctx context.Context, req *Request) (*Response, error) {
	size := req.Size
	if !size.Valid() {
		size = Size1024x1024
	}

	data, mimeType, err := loadSourceImage(ctx, a.httpClient, req.Image)
	if err != nil {
		return nil, err
	}

	var resp *openai.ImagesResponse
	if len(data) > 0 {
		resp, err = a.client.Images.Edit(ctx, openai.ImageEditParams{
			Image: openai.ImageEditParamsImageUnion{
				OfFile: openai.File(bytes.NewReader(data), "image"+extensionFor(mimeType), mimeType),
			},
			Prompt:  req.Prompt,
			Model:   openai.ImageModelGPTImage1,
			Size:    openai.ImageEditParamsSize(size),
			Quality: openai.ImageEditParamsQualityAuto,
		})
	} else {
		resp, err = a.client.Images.Generate(ctx, openai.ImageGenerateParams{
			Prompt:  req.Prompt,
			Model:   openai.ImageModelGPTImage1,
			Size:    openai.ImageGenerateParamsSize(size),
			Quality: openai.ImageGenerateParamsQualityAuto,
			N:       openai.Int(1),
		})
	}
	if err != nil {
		return nil, mapOpenAIError(err)
	}

	if resp == nil || len(resp.Data) == 0 {
		return nil, ProtocolError(ProviderGPTImage, http.StatusOK, "", fmt.Errorf("openai returned no images"))
	}

	usage := GPTImageUsage{
		TextInputTokens:  resp.Usage.InputTokensDetails.TextTokens,
		ImageInputTokens: resp.Usage.InputTokensDetails.ImageTokens,
		OutputTokens:     resp.Usage.OutputTokens,
	}
	// Some gateways omit the breakdown and only report the input total.
	if usage.TextInputTokens == 0 && usage.ImageInputTokens == 0 {
		usage.TextInputTokens = resp.Usage.InputTokens
	}

	image := resp.Data[0]
	var art *artifact.Artifact
	switch {
	case image.B64JSON != "":
		decoded, err := base64.StdEncoding.DecodeString(image.B64JSON)
		if err != nil {
			return nil, ProtocolError(ProviderGPTImage, http.StatusOK, "", fmt.Errorf("decode b64_json: %w", err))
		}
		art = artifact.NewInline(decoded, "image/png", string(ProviderGPTImage), GPTImageModel, req.Prompt)
	case image.URL != "":
		art = artifact.NewRemote(image.URL, string(ProviderGPTImage), GPTImageModel, req.Prompt)
	default:
		return nil, ProtocolError(ProviderGPTImage, http.StatusOK, "", fmt.Errorf("openai image carried neither b64_json nor url"))
	}

	return &Response{Artifact: art, Usage: usage}, nil
}

func mapOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &UpstreamError{
			Provider: ProviderGPTImage,
			Status:   apiErr.StatusCode,
			Body:     apiErr.RawJSON(),
			Class:    ClassifyStatus(apiErr.StatusCode),
			Err:      err,
		}
	}
	return TransportError(ProviderGPTImage, err)
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}
