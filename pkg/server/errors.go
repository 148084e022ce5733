package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/zen-systems/pixelgate/pkg/adapter"
	"github.com/zen-systems/pixelgate/pkg/dispatch"
	"github.com/zen-systems/pixelgate/pkg/history"
	"github.com/zen-systems/pixelgate/pkg/metering"
)

func respondError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps a service error to an HTTP status.
func statusFor(err error) int {
	var (
		cfgErr      *adapter.ConfigurationError
		upstreamErr *adapter.UpstreamError
		meterErr    *metering.MeteringError
	)
	switch {
	case errors.As(err, &cfgErr):
		return http.StatusBadRequest
	case errors.Is(err, dispatch.ErrTooManyGenerations):
		return http.StatusTooManyRequests
	case errors.Is(err, dispatch.ErrSessionEnded):
		return http.StatusForbidden
	case errors.As(err, &meterErr):
		if meterErr.Op == metering.OpReport {
			return http.StatusBadGateway
		}
		return http.StatusForbidden
	case errors.As(err, &upstreamErr):
		return http.StatusBadGateway
	case errors.Is(err, history.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, history.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	respondError(w, err.Error(), statusFor(err))
}
