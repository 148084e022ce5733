package adapter

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/zen-systems/pixelgate/pkg/artifact"
)

// defaultVideoDuration applies to models billed per duration when the
// caller leaves it empty.
const defaultVideoDuration = "5"

// VideoAdapter implements the Adapter interface for image-to-video models.
// Generation only creates an upstream task; TaskStatus reports progress.
type VideoAdapter struct {
	client *proxyClient
}

type videoCreateRequest struct {
	Prompt   string `json:"prompt"`
	Model    string `json:"model"`
	Image    string `json:"image"`
	Duration string `json:"duration,omitempty"`
}

type videoCreateResponse struct {
	TaskID string `json:"task_id"`
}

type videoFetchResponse struct {
	TaskID   string `json:"task_id"`
	Status   string `json:"status"`
	VideoURL string `json:"video_url"`
	CoverURL string `json:"cover_url"`
}

// NewVideoAdapter creates a new image-to-video adapter.
func NewVideoAdapter(apiKey, baseURL string, httpClient *http.Client) (*VideoAdapter, error) {
	client, err := newProxyClient(apiKey, baseURL, httpClient)
	if err != nil {
		return nil, err
	}
	return &VideoAdapter{client: client}, nil
}

// Provider returns the adapter tag.
func (a *VideoAdapter) Provider() Provider {
	return ProviderVideo
}

// Models returns the list of supported video models.
func (a *VideoAdapter) Models() []string {
	return []string{
		"google_veo3_fast_i2v",
		"google_veo3_pro_i2v",
		"kling_21_i2v_hq",
		"kling_21_i2v",
		"minimaxi_hailuo_02_i2v",
	}
}

// SourceLanguage reports that video models accept any prompt language.
func (a *VideoAdapter) SourceLanguage() Language {
	return ""
}

// DurationFor returns the effective duration for a model, filling the
// default for duration-priced models.
func DurationFor(model, duration string) string {
	if duration == "" && strings.HasPrefix(model, "kling_") {
		return defaultVideoDuration
	}
	return duration
}

// Generate creates an image-to-video task.
func (a *VideoAdapter) Generate(ctx context.Context, req *Request) (*Response, error) {
	image := encodeSourceImage(req.Image)
	if image == "" {
		return nil, ProtocolError(ProviderVideo, 0, "", fmt.Errorf("video generation requires a source image"))
	}
	duration := DurationFor(req.Model, req.Duration)

	var out videoCreateResponse
	err := a.client.do(ctx, ProviderVideo, http.MethodPost, "/302/video/create", videoCreateRequest{
		Prompt:   req.Prompt,
		Model:    req.Model,
		Image:    image,
		Duration: duration,
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.TaskID == "" {
		return nil, ProtocolError(ProviderVideo, http.StatusOK, "", fmt.Errorf("response carried no task_id"))
	}

	art := artifact.NewVideoTask(out.TaskID, string(ProviderVideo), req.Model, req.Prompt)
	if duration != "" {
		art = art.WithMetadata("duration", duration)
	}
	return &Response{
		Artifact: art,
		Usage:    VideoUsage{Model: req.Model, Duration: duration},
	}, nil
}

// TaskStatus fetches the current state of a video task.
func (a *VideoAdapter) TaskStatus(ctx context.Context, taskID string) (*TaskStatus, error) {
	if taskID == "" {
		return nil, fmt.Errorf("task id is required")
	}
	var out videoFetchResponse
	path := "/302/video/fetch/" + url.PathEscape(taskID)
	if err := a.client.do(ctx, ProviderVideo, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &TaskStatus{
		TaskID:   taskID,
		State:    parseTaskState(out.Status),
		VideoURL: out.VideoURL,
		CoverURL: out.CoverURL,
	}, nil
}

func parseTaskState(status string) TaskState {
	switch strings.ToLower(status) {
	case "success", "succeeded", "completed", "done":
		return TaskSucceeded
	case "failed", "fail", "error", "cancelled", "canceled":
		return TaskFailed
	default:
		return TaskRunning
	}
}
