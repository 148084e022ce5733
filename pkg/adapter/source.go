package adapter

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// maxSourceImageBytes bounds reference images pulled from a URL.
const maxSourceImageBytes = 20 << 20

// loadSourceImage returns the bytes of a reference image, downloading it
// when only a URL is known. SDK-backed providers need the raw bytes.
func loadSourceImage(ctx context.Context, httpClient *http.Client, img *SourceImage) ([]byte, string, error) {
	if img == nil {
		return nil, "", nil
	}
	if len(img.Data) > 0 {
		mimeType := img.MIMEType
		if mimeType == "" {
			mimeType = http.DetectContentType(img.Data)
		}
		return img.Data, mimeType, nil
	}
	if img.URL == "" {
		return nil, "", nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, img.URL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("source image request: %w", err)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch source image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch source image: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSourceImageBytes))
	if err != nil {
		return nil, "", fmt.Errorf("read source image: %w", err)
	}
	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return data, mimeType, nil
}
