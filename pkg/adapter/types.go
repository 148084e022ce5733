package adapter

// Size is the requested output resolution.
type Size string

const (
	Size1024x1024 Size = "1024x1024"
	Size1536x1024 Size = "1536x1024"
	Size1024x1536 Size = "1024x1536"
)

// Valid reports whether s is one of the supported sizes.
func (s Size) Valid() bool {
	switch s {
	case Size1024x1024, Size1536x1024, Size1024x1536:
		return true
	}
	return false
}

// Language is a source or target prompt language code.
type Language string

const (
	LangZH Language = "ZH"
	LangEN Language = "EN"
)

// SourceImage is the optional reference image of a request. Data wins over
// URL when both are set.
type SourceImage struct {
	Data     []byte
	MIMEType string
	URL      string
}

// Request is the provider-facing part of a generation request. The prompt is
// already preprocessed.
type Request struct {
	Prompt   string
	Model    string
	Image    *SourceImage
	Size     Size
	Duration string
}

// TaskState is the upstream state of an asynchronous video task.
type TaskState string

const (
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
)

// TaskStatus reports the progress of a video task.
type TaskStatus struct {
	TaskID   string
	State    TaskState
	VideoURL string
	CoverURL string
}

// Usage is a provider-native usage record. The set of implementations is
// closed; each provider returns exactly one of them.
type Usage interface {
	Provider() Provider
	isUsage()
}

// GPTImageUsage captures the token breakdown reported for gpt-image calls.
type GPTImageUsage struct {
	TextInputTokens  int64 `json:"text_input_tokens"`
	ImageInputTokens int64 `json:"image_input_tokens"`
	OutputTokens     int64 `json:"output_tokens"`
}

func (GPTImageUsage) Provider() Provider { return ProviderGPTImage }
func (GPTImageUsage) isUsage()           {}

// GeminiUsage captures Gemini usage metadata.
type GeminiUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CandidatesTokens int64 `json:"candidates_tokens"`
}

func (GeminiUsage) Provider() Provider { return ProviderGemini }
func (GeminiUsage) isUsage()           {}

// FlatFeeUsage records one billable image from a provider without metered
// usage. Model selects the fee.
type FlatFeeUsage struct {
	Tag   Provider `json:"provider"`
	Model string   `json:"model"`
}

func (u FlatFeeUsage) Provider() Provider { return u.Tag }
func (FlatFeeUsage) isUsage()             {}

// VideoUsage records one video task; the fee depends on model and duration.
type VideoUsage struct {
	Model    string `json:"model"`
	Duration string `json:"duration,omitempty"`
}

func (VideoUsage) Provider() Provider { return ProviderVideo }
func (VideoUsage) isUsage()           {}
