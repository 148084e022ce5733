package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorClass drives the retry policy for upstream failures.
type ErrorClass string

const (
	ClassTransient ErrorClass = "transient"
	ClassPermanent ErrorClass = "permanent"
)

// UpstreamError wraps provider errors with status metadata.
type UpstreamError struct {
	Provider Provider
	Status   int
	Body     string
	Class    ErrorClass
	Err      error
}

func (e *UpstreamError) Error() string {
	if e == nil {
		return "upstream error"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s upstream error (status=%d): %v", e.Provider, e.Status, e.Err)
	}
	if e.Body != "" {
		return fmt.Sprintf("%s upstream error (status=%d): %s", e.Provider, e.Status, e.Body)
	}
	return fmt.Sprintf("%s upstream error (status=%d)", e.Provider, e.Status)
}

func (e *UpstreamError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ConfigurationError reports a model identifier no adapter serves.
type ConfigurationError struct {
	Model string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("unsupported model %q", e.Model)
}

// ClassifyStatus maps an HTTP status to an error class. Only server-side
// failures are worth a retry.
func ClassifyStatus(status int) ErrorClass {
	if status >= 500 && status <= 599 {
		return ClassTransient
	}
	return ClassPermanent
}

// StatusError builds an UpstreamError from a non-2xx response.
func StatusError(provider Provider, status int, body string) *UpstreamError {
	return &UpstreamError{
		Provider: provider,
		Status:   status,
		Body:     body,
		Class:    ClassifyStatus(status),
	}
}

// TransportError builds an UpstreamError for a request that never produced
// a response.
func TransportError(provider Provider, err error) *UpstreamError {
	class := ClassTransient
	if errors.Is(err, context.Canceled) {
		class = ClassPermanent
	}
	return &UpstreamError{Provider: provider, Class: class, Err: err}
}

// ProtocolError builds a permanent UpstreamError for a 2xx response that
// does not honor the provider contract.
func ProtocolError(provider Provider, status int, body string, err error) *UpstreamError {
	return &UpstreamError{Provider: provider, Status: status, Body: body, Class: ClassPermanent, Err: err}
}

// IsTransient reports whether an error is safe to retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var upstreamErr *UpstreamError
	if errors.As(err, &upstreamErr) {
		return upstreamErr.Class == ClassTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
