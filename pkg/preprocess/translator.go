package preprocess

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/zen-systems/pixelgate/pkg/adapter"
)

// Translator converts text between prompt languages.
type Translator interface {
	Translate(ctx context.Context, text string, from, to adapter.Language) (string, error)
}

// DeepLTranslator implements Translator against a DeepL-compatible
// endpoint mounted under the upstream base URL.
type DeepLTranslator struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

type deeplRequest struct {
	Text       []string `json:"text"`
	TargetLang string   `json:"target_lang"`
	SourceLang string   `json:"source_lang,omitempty"`
}

type deeplResponse struct {
	Translations []struct {
		DetectedSourceLanguage string `json:"detected_source_language"`
		Text                   string `json:"text"`
	} `json:"translations"`
}

// NewDeepLTranslator creates a new translator.
func NewDeepLTranslator(apiKey, baseURL string, httpClient *http.Client) (*DeepLTranslator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("translation API key is required")
	}
	if baseURL == "" {
		return nil, fmt.Errorf("translation base URL is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &DeepLTranslator{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}, nil
}

// Translate returns the first translation of text.
func (t *DeepLTranslator) Translate(ctx context.Context, text string, from, to adapter.Language) (string, error) {
	jsonBody, err := json.Marshal(deeplRequest{
		Text:       []string{text},
		TargetLang: string(to),
		SourceLang: string(from),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/deepl/v2/translate", bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("translation request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("translation API returned status %d: %s", resp.StatusCode, string(body))
	}

	var out deeplResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if len(out.Translations) == 0 {
		return "", fmt.Errorf("no translations found in response")
	}
	return out.Translations[0].Text, nil
}
