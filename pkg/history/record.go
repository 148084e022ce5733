package history

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no record has the requested id.
	ErrNotFound = errors.New("history record not found")
	// ErrInvalidTransition is returned when a mutation breaks the status
	// lifecycle or touches an immutable field.
	ErrInvalidTransition = errors.New("invalid history transition")
)

// Status is the lifecycle state of a generation.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSuccess, StatusFailed:
		return true
	}
	return false
}

// checkTransition allows staying put and pending -> success|failed.
func checkTransition(from, to Status) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	if from == to || (from == StatusPending && to != StatusPending) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Image is the image part of a record.
type Image struct {
	Base64  string  `json:"base64"`
	URL     string  `json:"url,omitempty"`
	Prompt  string  `json:"prompt"`
	Model   string  `json:"model"`
	Status  Status  `json:"status"`
	Type    string  `json:"type"`
	Warning string  `json:"warning,omitempty"`
	CostPTC float64 `json:"costPtc,omitempty"`
}

// Video is the video part of a record.
type Video struct {
	TaskID            string  `json:"taskId"`
	Prompt            string  `json:"prompt"`
	Model             string  `json:"model"`
	Duration          string  `json:"duration,omitempty"`
	SourceImageBase64 string  `json:"sourceImageBase64,omitempty"`
	Status            Status  `json:"status"`
	URL               string  `json:"url,omitempty"`
	CoverURL          string  `json:"coverUrl,omitempty"`
	CostPTC           float64 `json:"costPtc,omitempty"`
}

// Record is one persisted generation attempt. SessionID partitions records
// into a metered session or the unmetered set and never changes.
type Record struct {
	ID             string `json:"id"`
	CreatedAt      int64  `json:"createdAt"`
	RawPrompt      string `json:"rawPrompt"`
	ShouldOptimize bool   `json:"shouldOptimize"`
	SessionID      string `json:"mulerunSessionId,omitempty"`
	Image          *Image `json:"image,omitempty"`
	Video          *Video `json:"video,omitempty"`
}

// Draft holds the caller-supplied fields of a new record.
type Draft struct {
	RawPrompt      string
	ShouldOptimize bool
	SessionID      string
	Image          *Image
	Video          *Video
}

func (r *Record) clone() *Record {
	out := *r
	if r.Image != nil {
		img := *r.Image
		out.Image = &img
	}
	if r.Video != nil {
		v := *r.Video
		out.Video = &v
	}
	return &out
}

// validateMutation compares a record before and after a caller mutation.
func validateMutation(before, after *Record) error {
	if after.ID != before.ID || after.CreatedAt != before.CreatedAt || after.SessionID != before.SessionID {
		return fmt.Errorf("%w: id, createdAt and session are immutable", ErrInvalidTransition)
	}
	switch {
	case before.Image != nil && after.Image == nil:
		return fmt.Errorf("%w: image cannot be removed", ErrInvalidTransition)
	case before.Image != nil:
		if err := checkTransition(before.Image.Status, after.Image.Status); err != nil {
			return fmt.Errorf("image: %w", err)
		}
	case after.Image != nil && !after.Image.Status.Valid():
		return fmt.Errorf("%w: unknown image status %q", ErrInvalidTransition, after.Image.Status)
	}
	switch {
	case before.Video != nil && after.Video == nil:
		return fmt.Errorf("%w: video cannot be removed", ErrInvalidTransition)
	case before.Video != nil:
		if err := checkTransition(before.Video.Status, after.Video.Status); err != nil {
			return fmt.Errorf("video: %w", err)
		}
	case after.Video != nil && !after.Video.Status.Valid():
		return fmt.Errorf("%w: unknown video status %q", ErrInvalidTransition, after.Video.Status)
	}
	return nil
}
