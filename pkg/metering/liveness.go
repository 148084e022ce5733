package metering

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/zen-systems/pixelgate/pkg/logger"
)

// SessionChecker answers whether a partner session is still running.
type SessionChecker interface {
	SessionActive(ctx context.Context, sessionID string) (bool, error)
}

// LivenessCache remembers sessions recently seen running.
type LivenessCache interface {
	Active(ctx context.Context, sessionID string) (bool, error)
	MarkActive(ctx context.Context, sessionID string, ttl time.Duration) error
}

// HTTPSessionChecker calls GET {baseURL}/{sessionId}. Any check failure
// is returned as an error so callers can fail closed.
type HTTPSessionChecker struct {
	baseURL    string
	token      string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	cache      LivenessCache
	ttl        time.Duration
	log        *slog.Logger
}

// CheckerOption configures an HTTPSessionChecker.
type CheckerOption func(*HTTPSessionChecker)

// WithCache caches positive check results for ttl.
func WithCache(cache LivenessCache, ttl time.Duration) CheckerOption {
	return func(c *HTTPSessionChecker) {
		c.cache = cache
		c.ttl = ttl
	}
}

// WithCheckerHTTPClient sets the HTTP client used for checks.
func WithCheckerHTTPClient(hc *http.Client) CheckerOption {
	return func(c *HTTPSessionChecker) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithCheckerBreaker trips the checker after failures consecutive errors.
func WithCheckerBreaker(failures uint32, openFor time.Duration) CheckerOption {
	return func(c *HTTPSessionChecker) {
		c.breaker = newBreaker("metering-liveness", failures, openFor)
	}
}

type livenessResponse struct {
	Status string `json:"status"`
}

// NewHTTPSessionChecker creates a liveness checker.
func NewHTTPSessionChecker(baseURL, token string, opts ...CheckerOption) (*HTTPSessionChecker, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("session URL is required")
	}
	c := &HTTPSessionChecker{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		breaker:    newBreaker("metering-liveness", 5, 30*time.Second),
		log:        logger.Logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SessionActive reports whether the session status is "running".
func (c *HTTPSessionChecker) SessionActive(ctx context.Context, sessionID string) (bool, error) {
	if sessionID == "" {
		return false, &MeteringError{Op: OpLiveness, Err: fmt.Errorf("session id is required")}
	}

	if c.cache != nil {
		active, err := c.cache.Active(ctx, sessionID)
		if err != nil {
			c.log.Warn("liveness cache read failed", "session_id", sessionID, "error", err)
		} else if active {
			livenessChecks.WithLabelValues("cached").Inc()
			return true, nil
		}
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetchStatus(ctx, sessionID)
	})
	if err != nil {
		livenessChecks.WithLabelValues("error").Inc()
		var merr *MeteringError
		if !errors.As(err, &merr) {
			err = &MeteringError{Op: OpLiveness, Err: err}
		}
		return false, err
	}

	active := out.(bool)
	if !active {
		livenessChecks.WithLabelValues("ended").Inc()
		return false, nil
	}
	livenessChecks.WithLabelValues("running").Inc()
	if c.cache != nil && c.ttl > 0 {
		if err := c.cache.MarkActive(ctx, sessionID, c.ttl); err != nil {
			c.log.Warn("liveness cache write failed", "session_id", sessionID, "error", err)
		}
	}
	return true, nil
}

func (c *HTTPSessionChecker) fetchStatus(ctx context.Context, sessionID string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return false, &MeteringError{Op: OpLiveness, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, &MeteringError{Op: OpLiveness, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return false, &MeteringError{Op: OpLiveness, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return false, &MeteringError{Op: OpLiveness, Status: resp.StatusCode, Body: string(raw)}
	}

	var out livenessResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return false, &MeteringError{Op: OpLiveness, Status: resp.StatusCode, Body: string(raw), Err: err}
	}
	return strings.EqualFold(out.Status, "running"), nil
}

// RedisLivenessCache stores running sessions as expiring redis keys.
type RedisLivenessCache struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisLivenessCache connects to redis at addr.
func NewRedisLivenessCache(addr, password string, db int) (*RedisLivenessCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisLivenessCacheFromClient(rdb), nil
}

// NewRedisLivenessCacheFromClient wraps an existing client.
func NewRedisLivenessCacheFromClient(rdb *redis.Client) *RedisLivenessCache {
	return &RedisLivenessCache{rdb: rdb, prefix: "pixelgate:session:"}
}

// Active reports whether sessionID was marked running and has not expired.
func (c *RedisLivenessCache) Active(ctx context.Context, sessionID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, c.prefix+sessionID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkActive records sessionID as running for ttl.
func (c *RedisLivenessCache) MarkActive(ctx context.Context, sessionID string, ttl time.Duration) error {
	return c.rdb.Set(ctx, c.prefix+sessionID, "1", ttl).Err()
}

// Close releases the redis connection.
func (c *RedisLivenessCache) Close() error {
	return c.rdb.Close()
}
