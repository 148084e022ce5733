package artifact

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"time"
)

// Kind distinguishes image payloads from asynchronous video tasks.
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// Artifact is an immutable generation output. Exactly one of Data, URL or
// TaskID carries the payload.
type Artifact struct {
	Kind      Kind              `json:"kind"`
	Data      []byte            `json:"-"`
	URL       string            `json:"url,omitempty"`
	TaskID    string            `json:"task_id,omitempty"`
	MIMEType  string            `json:"mime_type,omitempty"`
	Provider  string            `json:"provider"`
	Model     string            `json:"model"`
	Prompt    string            `json:"prompt"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	Hash      string            `json:"hash"`
}

// NewInline creates an image artifact from raw bytes.
func NewInline(data []byte, mimeType, provider, model, prompt string) *Artifact {
	if mimeType == "" {
		mimeType = "image/png"
	}
	return build(&Artifact{Kind: KindImage, Data: data, MIMEType: mimeType}, provider, model, prompt)
}

// NewRemote creates an image artifact that still lives at a remote URL.
func NewRemote(url, provider, model, prompt string) *Artifact {
	return build(&Artifact{Kind: KindImage, URL: url}, provider, model, prompt)
}

// NewVideoTask creates a video artifact referencing an upstream task.
func NewVideoTask(taskID, provider, model, prompt string) *Artifact {
	return build(&Artifact{Kind: KindVideo, TaskID: taskID}, provider, model, prompt)
}

func build(a *Artifact, provider, model, prompt string) *Artifact {
	a.Provider = provider
	a.Model = model
	a.Prompt = prompt
	a.Metadata = make(map[string]string)
	a.CreatedAt = time.Now().UTC()
	a.Hash = a.computeHash()
	return a
}

// IsRemote reports whether the artifact has no inline bytes yet.
func (a *Artifact) IsRemote() bool {
	return a.Kind == KindImage && len(a.Data) == 0 && a.URL != ""
}

// Base64 returns the inline payload encoded with standard base64.
func (a *Artifact) Base64() string {
	if len(a.Data) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(a.Data)
}

// WithData returns a copy holding the fetched bytes in place of the URL.
func (a *Artifact) WithData(data []byte, mimeType string) *Artifact {
	next := a.clone()
	next.Data = data
	if mimeType != "" {
		next.MIMEType = mimeType
	}
	next.Metadata["source_url"] = a.URL
	next.URL = ""
	next.Hash = next.computeHash()
	return next
}

// WithURL returns a copy that points at a hosted copy of the payload.
func (a *Artifact) WithURL(url string) *Artifact {
	next := a.clone()
	next.URL = url
	next.Hash = next.computeHash()
	return next
}

// WithMetadata returns a copy with an additional metadata entry.
func (a *Artifact) WithMetadata(key, value string) *Artifact {
	next := a.clone()
	next.Metadata[key] = value
	return next
}

func (a *Artifact) clone() *Artifact {
	next := *a
	next.Metadata = copyMetadata(a.Metadata)
	return &next
}

func (a *Artifact) computeHash() string {
	h := sha256.New()
	h.Write([]byte(a.Kind))
	h.Write(a.Data)
	h.Write([]byte(a.URL))
	h.Write([]byte(a.TaskID))
	h.Write([]byte(a.Provider))
	h.Write([]byte(a.Model))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func copyMetadata(m map[string]string) map[string]string {
	newM := make(map[string]string, len(m))
	for k, v := range m {
		newM[k] = v
	}
	return newM
}

// DecodeBase64 accepts plain base64 or a data URL and returns the bytes and
// the declared MIME type, if any.
func DecodeBase64(s string) ([]byte, string, error) {
	mimeType := ""
	if strings.HasPrefix(s, "data:") {
		header, payload, ok := strings.Cut(s, ",")
		if ok {
			mimeType = strings.TrimSuffix(strings.TrimPrefix(header, "data:"), ";base64")
			s = payload
		}
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, "", err
	}
	return data, mimeType, nil
}
