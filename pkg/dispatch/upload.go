package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"
)

// Uploader stores a generated artifact and returns its hosted URL.
type Uploader interface {
	Upload(ctx context.Context, data []byte, mimeType string) (string, error)
}

// HTTPUploader posts artifacts as multipart form field "file".
type HTTPUploader struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

type uploadResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		URL string `json:"url"`
	} `json:"data"`
}

// NewHTTPUploader creates an uploader for endpoint.
func NewHTTPUploader(endpoint, apiKey string, httpClient *http.Client) (*HTTPUploader, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("upload endpoint is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPUploader{endpoint: endpoint, apiKey: apiKey, httpClient: httpClient}, nil
}

// Upload sends data and returns the hosted URL.
func (u *HTTPUploader) Upload(ctx context.Context, data []byte, mimeType string) (string, error) {
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, "artifact"+extension(mimeType)))
	header.Set("Content-Type", mimeType)
	part, err := mw.CreatePart(header)
	if err != nil {
		return "", &UploadError{Err: err}
	}
	if _, err := part.Write(data); err != nil {
		return "", &UploadError{Err: err}
	}
	if err := mw.Close(); err != nil {
		return "", &UploadError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint, &body)
	if err != nil {
		return "", &UploadError{Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if u.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+u.apiKey)
	}

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return "", &UploadError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", &UploadError{Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &UploadError{Status: resp.StatusCode, Body: string(raw)}
	}

	var out uploadResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", &UploadError{Status: resp.StatusCode, Body: string(raw), Err: err}
	}
	if out.Code != 0 || out.Data.URL == "" {
		return "", &UploadError{Status: resp.StatusCode, Body: string(raw), Err: fmt.Errorf("upload rejected: code=%d msg=%q", out.Code, out.Msg)}
	}
	return out.Data.URL, nil
}

func extension(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	default:
		return ".png"
	}
}
