// Package policy obtains, validates, and caches per-tenant resolved
// policies from the entitlement backend. The backend is authoritative;
// this package only decides what snapshot the rest of clearance reads.
package policy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/clearance/internal/config"
	"github.com/pitabwire/clearance/model"
)

// Fetcher retrieves a tenant's resolved policy from the authoritative
// source. Implementations must treat the response as untrusted input.
type Fetcher interface {
	FetchPolicy(ctx context.Context, tenantID string) (*model.ResolvedPolicy, error)
}

// Client is the HTTP Fetcher against the entitlement backend's
// resolved-policy RPC. Requests are bounded by a fixed timeout, a small
// bounded retry budget, and a circuit breaker; on exhaustion the caller
// falls back to fail-closed defaults rather than hanging.
type Client struct {
	cfg     config.BackendConfig
	client  *http.Client
	breaker *CircuitBreaker
	logger  *zap.Logger
	token   string
}

// NewClient creates a policy backend client. The service token is read
// once from the environment variable named in the config.
func NewClient(cfg config.BackendConfig, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cb := cfg.CircuitBreaker
	return &Client{
		cfg: cfg,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxConnsPerHost:     50,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		breaker: NewCircuitBreaker(cb.FailureThreshold, cb.SuccessThreshold, cb.Timeout),
		logger:  logger,
		token:   os.Getenv(cfg.TokenEnv),
	}
}

// BreakerState exposes the circuit breaker state for readiness checks
// and metrics.
func (c *Client) BreakerState() BreakerState {
	return c.breaker.State()
}

// HealthCheck reports the backend reachable unless the circuit breaker
// is open. No probe request is made; the breaker already reflects the
// live failure state of the fetch path.
func (c *Client) HealthCheck(_ context.Context) error {
	if c.breaker.State() == BreakerOpen {
		return errors.New("policy backend circuit breaker open")
	}
	return nil
}

// FetchPolicy executes GET {base}/v1/tenants/{tenant}/policy with
// bounded retries and exponential backoff. Transient failures (network
// errors, 5xx) are retried; anything else is surfaced immediately.
func (c *Client) FetchPolicy(ctx context.Context, tenantID string) (*model.ResolvedPolicy, error) {
	maxAttempts := c.cfg.Retry.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := calculateBackoff(c.cfg.Retry, attempt)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		resolved, err := c.fetchOnce(ctx, tenantID)
		if err != nil {
			lastErr = err
			if !isRetryable(err) {
				return nil, err
			}
			c.logger.Debug("policy: retrying fetch",
				zap.Int("attempt", attempt+1),
				zap.Int("max", maxAttempts),
				zap.String("tenant_id", tenantID),
				zap.Error(err),
			)
			continue
		}
		return resolved, nil
	}
	return nil, lastErr
}

// retryableError marks failures worth another attempt within the budget.
type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

func (c *Client) fetchOnce(ctx context.Context, tenantID string) (*model.ResolvedPolicy, error) {
	if err := c.breaker.Allow(); err != nil {
		// Breaker-open is not retryable; backing off is its whole point.
		return nil, model.NewBackendUnavailableError()
	}

	reqURL := strings.TrimSuffix(c.cfg.BaseURL, "/") +
		"/v1/tenants/" + url.PathEscape(tenantID) + "/policy"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("policy: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		if ctx.Err() != nil {
			return nil, model.NewBackendTimeoutError()
		}
		if isConnectionError(err) {
			return nil, &retryableError{model.NewBackendUnavailableError()}
		}
		return nil, &retryableError{fmt.Errorf("policy: request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.breaker.RecordFailure()
		return nil, &retryableError{fmt.Errorf("policy: read response: %w", err)}
	}

	switch {
	case resp.StatusCode >= 500:
		c.breaker.RecordFailure()
		return nil, &retryableError{fmt.Errorf("policy: backend status %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		// 4xx is decisive, not an infrastructure failure.
		return nil, fmt.Errorf("policy: backend status %d", resp.StatusCode)
	}
	c.breaker.RecordSuccess()

	resolved, err := DecodePolicy(body)
	if err != nil {
		// Malformed payload is indistinguishable from no policy; not
		// retryable within one fetch, the next refresh tries again.
		return nil, err
	}
	return resolved, nil
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func calculateBackoff(cfg config.RetryConfig, attempt int) time.Duration {
	initial := cfg.BackoffInitial
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	multiplier := cfg.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 2
	}
	max := cfg.BackoffMax
	if max <= 0 {
		max = 2 * time.Second
	}

	delay := initial
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * multiplier)
		if delay > max {
			return max
		}
	}
	return delay
}
