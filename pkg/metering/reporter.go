// Package metering talks to the billing partner: it verifies signed session
// redirects, checks session liveness and reports usage in partner units.
package metering

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"github.com/zen-systems/pixelgate/pkg/logger"
)

const (
	// CreditsPerPTC converts PTC into partner credits.
	CreditsPerPTC = 150
	// UnitsPerCredit converts credits into partner cost units of 0.0001 credit.
	UnitsPerCredit = 10000
	// MaxCredit is the largest single report forwarded to the partner.
	MaxCredit = 1000
)

// Convert applies the two-stage PTC to partner unit conversion.
func Convert(costPTC float64) (credit float64, units int64) {
	credit = costPTC * CreditsPerPTC
	units = int64(math.Round(credit * UnitsPerCredit))
	return credit, units
}

// skipReason returns why a conversion must not be reported, or "".
func skipReason(credit float64, units int64) string {
	switch {
	case units <= 0:
		return "non-positive units"
	case credit > MaxCredit:
		return "credit above threshold"
	default:
		return ""
	}
}

// ReportRequest is one usage increment for a session.
type ReportRequest struct {
	AgentID   string
	SessionID string
	CostPTC   float64
	IsFinal   bool
}

// report is the partner wire body.
type report struct {
	AgentID    string `json:"agentId"`
	SessionID  string `json:"sessionId"`
	Cost       int64  `json:"cost"`
	Timestamp  string `json:"timestamp"`
	IsFinal    bool   `json:"isFinal"`
	MeteringID string `json:"meteringId"`
}

// ReportResult describes what happened to a report.
type ReportResult struct {
	Sent       bool    `json:"sent"`
	Skipped    bool    `json:"skipped"`
	Reason     string  `json:"reason,omitempty"`
	Credit     float64 `json:"credit"`
	Units      int64   `json:"units"`
	MeteringID string  `json:"meteringId,omitempty"`
}

// UsageReporter submits usage increments.
type UsageReporter interface {
	Report(ctx context.Context, req ReportRequest) (*ReportResult, error)
}

// Reporter posts usage reports to the partner metering endpoint. Each call
// gets a fresh metering id; nothing is retried or deduplicated.
type Reporter struct {
	endpoint   string
	token      string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	now        func() time.Time
	newID      func() string
	log        *slog.Logger
}

// ReporterOption configures a Reporter.
type ReporterOption func(*Reporter)

// WithHTTPClient sets the HTTP client used for reports.
func WithHTTPClient(c *http.Client) ReporterOption {
	return func(r *Reporter) {
		if c != nil {
			r.httpClient = c
		}
	}
}

// WithClock overrides the report timestamp source.
func WithClock(now func() time.Time) ReporterOption {
	return func(r *Reporter) {
		r.now = now
	}
}

// WithIDGenerator overrides metering id generation.
func WithIDGenerator(newID func() string) ReporterOption {
	return func(r *Reporter) {
		r.newID = newID
	}
}

// WithLogger sets the reporter logger.
func WithLogger(l *slog.Logger) ReporterOption {
	return func(r *Reporter) {
		r.log = l
	}
}

// WithBreaker trips the reporter after failures consecutive errors.
func WithBreaker(failures uint32, openFor time.Duration) ReporterOption {
	return func(r *Reporter) {
		r.breaker = newBreaker("metering-report", failures, openFor)
	}
}

// NewReporter creates a reporter for the given endpoint and bearer token.
func NewReporter(endpoint, token string, opts ...ReporterOption) (*Reporter, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("metering endpoint is required")
	}
	if token == "" {
		return nil, fmt.Errorf("metering token is required")
	}
	r := &Reporter{
		endpoint:   endpoint,
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		breaker:    newBreaker("metering-report", 5, 30*time.Second),
		now:        time.Now,
		newID:      uuid.NewString,
		log:        logger.Logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Report converts the cost and sends it unless a skip threshold applies.
// A skipped report is a success without a network call.
func (r *Reporter) Report(ctx context.Context, req ReportRequest) (*ReportResult, error) {
	if req.AgentID == "" || req.SessionID == "" {
		reportsTotal.WithLabelValues("failed").Inc()
		return nil, &MeteringError{Op: OpReport, Err: fmt.Errorf("agent and session ids are required")}
	}

	credit, units := Convert(req.CostPTC)
	result := &ReportResult{Credit: credit, Units: units}
	if reason := skipReason(credit, units); reason != "" {
		result.Skipped = true
		result.Reason = reason
		reportsTotal.WithLabelValues("skipped").Inc()
		r.log.Warn("metering report skipped",
			"session_id", req.SessionID, "cost_ptc", req.CostPTC, "credit", credit, "units", units, "reason", reason)
		return result, nil
	}

	body := report{
		AgentID:    req.AgentID,
		SessionID:  req.SessionID,
		Cost:       units,
		Timestamp:  r.now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		IsFinal:    req.IsFinal,
		MeteringID: r.newID(),
	}
	result.MeteringID = body.MeteringID

	_, err := r.breaker.Execute(func() (interface{}, error) {
		return nil, r.post(ctx, body)
	})
	if err != nil {
		reportsTotal.WithLabelValues("failed").Inc()
		var merr *MeteringError
		if !errors.As(err, &merr) {
			err = &MeteringError{Op: OpReport, Err: err}
		}
		return result, err
	}

	result.Sent = true
	reportsTotal.WithLabelValues("sent").Inc()
	unitsReported.Add(float64(units))
	r.log.Info("metering report sent",
		"session_id", req.SessionID, "units", units, "metering_id", body.MeteringID, "is_final", req.IsFinal)
	return result, nil
}

func (r *Reporter) post(ctx context.Context, body report) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.token)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return &MeteringError{Op: OpReport, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &MeteringError{Op: OpReport, Status: resp.StatusCode, Body: string(raw)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func newBreaker(name string, failures uint32, openFor time.Duration) *gobreaker.CircuitBreaker {
	if failures == 0 {
		failures = 5
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: openFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}
