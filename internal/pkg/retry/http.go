package retry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPDoer is the interface for executing HTTP requests.
// Both *http.Client and *RetryClient satisfy this interface.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RetryClient wraps an HTTPDoer with the package retry loop.
type RetryClient struct {
	client HTTPDoer
	policy Policy
}

// NewRetryClient creates a new RetryClient that wraps the given HTTPDoer.
// If client is nil, a default http.Client with 30s timeout is used.
// maxRetries is the number of retry attempts after the initial request (default 3).
func NewRetryClient(client HTTPDoer, maxRetries int) *RetryClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	p := DefaultPolicy()
	p.MaxRetries = maxRetries
	return &RetryClient{client: client, policy: p}
}

// WithPolicy overrides the backoff policy. Tests use it to shrink delays.
func (rc *RetryClient) WithPolicy(p Policy) *RetryClient {
	rc.policy = p
	return rc
}

// Do executes the HTTP request with retry logic.
// It retries on 429/500/502/503/504 and transport errors, never on other
// statuses or context cancellation. On the final attempt the response is
// returned as-is so the caller can inspect status and body.
func (rc *RetryClient) Do(req *http.Request) (*http.Response, error) {
	attempt := 0
	return DoValue(req.Context(), rc.policy, func(ctx context.Context) (*http.Response, error) {
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, Stop(fmt.Errorf("retry: failed to reset request body: %w", err))
			}
			req.Body = body
		}
		attempt++

		resp, err := rc.client.Do(req)
		if err != nil {
			return nil, err
		}
		if isRetryableStatus(resp.StatusCode) && attempt <= rc.policy.MaxRetries {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			return nil, fmt.Errorf("retry: %s %s returned retryable status %d", req.Method, req.URL.Path, resp.StatusCode)
		}
		return resp, nil
	}, nil)
}

// IsRetryableStatus reports whether an HTTP status is transient.
func IsRetryableStatus(statusCode int) bool { return isRetryableStatus(statusCode) }

func isRetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
