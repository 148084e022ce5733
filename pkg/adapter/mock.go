package adapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/zen-systems/pixelgate/pkg/artifact"
)

// MockAdapter returns deterministic responses for local runs and tests.
type MockAdapter struct {
	mu       sync.Mutex
	tag      Provider
	models   []string
	language Language
	errs     []error
	calls    []Request

	// Usage is returned with every successful call. When nil a FlatFeeUsage
	// for the requested model is returned.
	Usage Usage
	// Remote makes successful calls return a URL artifact instead of bytes.
	Remote string
}

// NewMockAdapter creates a mock adapter serving the given models under tag.
func NewMockAdapter(tag Provider, models ...string) *MockAdapter {
	if len(models) == 0 {
		models = []string{"mock-1"}
	}
	return &MockAdapter{tag: tag, models: models}
}

// WithSourceLanguage sets the language the mock requires prompts in.
func (a *MockAdapter) WithSourceLanguage(lang Language) *MockAdapter {
	a.language = lang
	return a
}

// FailWith queues errors returned by the next calls, in order.
func (a *MockAdapter) FailWith(errs ...error) *MockAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errs = append(a.errs, errs...)
	return a
}

// Provider returns the adapter tag.
func (a *MockAdapter) Provider() Provider {
	return a.tag
}

// Models returns the list of supported mock models.
func (a *MockAdapter) Models() []string {
	return a.models
}

// SourceLanguage returns the configured prompt language.
func (a *MockAdapter) SourceLanguage() Language {
	return a.language
}

// Calls returns a copy of the requests received so far.
func (a *MockAdapter) Calls() []Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Request, len(a.calls))
	copy(out, a.calls)
	return out
}

// Generate returns a deterministic artifact for the prompt.
func (a *MockAdapter) Generate(ctx context.Context, req *Request) (*Response, error) {
	a.mu.Lock()
	a.calls = append(a.calls, *req)
	var err error
	if len(a.errs) > 0 {
		err = a.errs[0]
		a.errs = a.errs[1:]
	}
	a.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, TransportError(a.tag, ctxErr)
	}

	usage := a.Usage
	if usage == nil {
		usage = FlatFeeUsage{Tag: a.tag, Model: req.Model}
	}

	var art *artifact.Artifact
	if a.Remote != "" {
		art = artifact.NewRemote(a.Remote, string(a.tag), req.Model, req.Prompt)
	} else {
		content := fmt.Sprintf("mock image:%s", req.Prompt)
		art = artifact.NewInline([]byte(content), "image/png", string(a.tag), req.Model, req.Prompt)
	}
	return &Response{Artifact: art, Usage: usage}, nil
}
