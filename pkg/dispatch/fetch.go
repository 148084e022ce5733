package dispatch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultMaxArtifactBytes bounds downloaded artifacts.
const DefaultMaxArtifactBytes = 32 << 20

// Fetcher downloads remote artifacts so they can be returned inline.
type Fetcher struct {
	httpClient *http.Client
	maxBytes   int64
}

// NewFetcher creates a fetcher. A nil client gets a 60s timeout.
func NewFetcher(httpClient *http.Client) *Fetcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Fetcher{httpClient: httpClient, maxBytes: DefaultMaxArtifactBytes}
}

// Fetch downloads url and returns its bytes and content type. Every failure
// is an *ArtifactFetchError.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", &ArtifactFetchError{URL: url, Err: err}
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, "", &ArtifactFetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", &ArtifactFetchError{URL: url, Status: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, "", &ArtifactFetchError{URL: url, Status: resp.StatusCode, Err: err}
	}
	if int64(len(data)) > f.maxBytes {
		return nil, "", &ArtifactFetchError{URL: url, Status: resp.StatusCode, Err: fmt.Errorf("artifact exceeds %d bytes", f.maxBytes)}
	}
	if len(data) == 0 {
		return nil, "", &ArtifactFetchError{URL: url, Status: resp.StatusCode, Err: fmt.Errorf("empty body")}
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	return data, mimeType, nil
}
