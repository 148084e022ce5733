package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrTooManyGenerations is returned when the concurrency gate is full.
	ErrTooManyGenerations = errors.New("too many concurrent generations")
	// ErrSessionEnded is returned when the partner reports the session as
	// no longer running.
	ErrSessionEnded = errors.New("partner session has ended")
)

// ArtifactFetchError reports a failed download of a remote artifact. The
// generation itself succeeded.
type ArtifactFetchError struct {
	URL    string
	Status int
	Err    error
}

func (e *ArtifactFetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch artifact %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("fetch artifact %s: status %d", e.URL, e.Status)
}

func (e *ArtifactFetchError) Unwrap() error {
	return e.Err
}

// UploadError reports a failed upload of a generated artifact.
type UploadError struct {
	Status int
	Body   string
	Err    error
}

func (e *UploadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upload artifact: %v", e.Err)
	}
	return fmt.Sprintf("upload artifact: status %d: %s", e.Status, e.Body)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}
