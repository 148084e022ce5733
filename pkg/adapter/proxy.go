package adapter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// proxyClient speaks the JSON contract of the aggregating upstream API used
// by the Seedream, Flux and video adapters.
type proxyClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// proxyErrorEnvelope is the error body the proxy returns, sometimes with a
// 2xx status.
type proxyErrorEnvelope struct {
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
		ErrCode any    `json:"err_code"`
	} `json:"error,omitempty"`
}

// proxyImageRequest is the body of /302/image/generate.
type proxyImageRequest struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model"`
	Image  string `json:"image,omitempty"`
	Size   string `json:"size,omitempty"`
}

// proxyImageResponse is the success body of /302/image/generate.
type proxyImageResponse struct {
	ImageURL string `json:"image_url"`
}

func newProxyClient(apiKey, baseURL string, httpClient *http.Client) (*proxyClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("upstream API key is required")
	}
	if baseURL == "" {
		return nil, fmt.Errorf("upstream base URL is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &proxyClient{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}, nil
}

// do sends a request and decodes a 2xx JSON body into out.
func (c *proxyClient) do(ctx context.Context, provider Provider, method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		jsonBody, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return TransportError(provider, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return TransportError(provider, fmt.Errorf("failed to read response body: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return StatusError(provider, resp.StatusCode, string(raw))
	}

	var envelope proxyErrorEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return ProtocolError(provider, resp.StatusCode, string(raw), fmt.Errorf("failed to parse response: %w", err))
	}
	if envelope.Error != nil {
		return ProtocolError(provider, resp.StatusCode, string(raw), fmt.Errorf("upstream reported error: %s", envelope.Error.Message))
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return ProtocolError(provider, resp.StatusCode, string(raw), fmt.Errorf("failed to parse response: %w", err))
	}
	return nil
}

// generateImage calls the proxy image endpoint and returns the hosted URL.
func (c *proxyClient) generateImage(ctx context.Context, provider Provider, body proxyImageRequest) (string, error) {
	var out proxyImageResponse
	if err := c.do(ctx, provider, http.MethodPost, "/302/image/generate", body, &out); err != nil {
		return "", err
	}
	if out.ImageURL == "" {
		return "", ProtocolError(provider, http.StatusOK, "", fmt.Errorf("response carried no image_url"))
	}
	return out.ImageURL, nil
}

// encodeSourceImage renders a source image the way the proxy expects it: a
// URL as-is, inline bytes as a data URL.
func encodeSourceImage(img *SourceImage) string {
	if img == nil {
		return ""
	}
	if len(img.Data) > 0 {
		mimeType := img.MIMEType
		if mimeType == "" {
			mimeType = http.DetectContentType(img.Data)
		}
		return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
	}
	return img.URL
}
