package dispatch

import (
	"context"
	"time"

	"github.com/zen-systems/pixelgate/pkg/adapter"
)

// RetryPolicy controls retries of the provider call. Only transient
// failures are retried.
type RetryPolicy struct {
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryPolicy retries a transient failure once.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 1, BaseBackoff: 500 * time.Millisecond, MaxBackoff: 2 * time.Second}
}

func (d *Dispatcher) callAdapterWithPolicy(ctx context.Context, a adapter.Adapter, req *adapter.Request) (*adapter.Response, int, error) {
	var lastErr error
	retries := 0
	for attempt := 0; attempt <= d.retry.MaxRetries; attempt++ {
		retries = attempt
		resp, err := a.Generate(ctx, req)
		if err == nil {
			generationsTotal.WithLabelValues(string(a.Provider()), "success").Inc()
			return resp, attempt, nil
		}

		lastErr = err
		if !adapter.IsTransient(err) || attempt == d.retry.MaxRetries {
			break
		}

		retriesTotal.WithLabelValues(string(a.Provider())).Inc()
		d.log.Warn("transient provider failure, retrying",
			"provider", a.Provider(), "model", req.Model, "attempt", attempt+1, "error", err)

		backoff := computeBackoff(d.retry.BaseBackoff, d.retry.MaxBackoff, attempt)
		if err := sleepWithContext(ctx, backoff); err != nil {
			lastErr = err
			break
		}
	}

	generationsTotal.WithLabelValues(string(a.Provider()), "failed").Inc()
	return nil, retries, lastErr
}

func computeBackoff(base, maxBackoff time.Duration, attempt int) time.Duration {
	backoff := base
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff >= maxBackoff {
			return maxBackoff
		}
	}
	if backoff > maxBackoff {
		return maxBackoff
	}
	return backoff
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
