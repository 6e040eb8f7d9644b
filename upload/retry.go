package upload

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/gurre/agent-uploader/metrics"
)

// maxAttempts and the backoff bounds implement the retry policy from
// section 4.G: up to 6 attempts total, exponential backoff starting at
// 500ms, doubling, capped at 30s.
const (
	maxAttempts = 6
	baseDelay   = 500 * time.Millisecond
	maxDelay    = 30 * time.Second
)

// transportError wraps a network-layer failure (timeout, connect refused,
// and the like), always retryable per section 4.G.
type transportError struct{ err error }

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

// constructionError wraps a failure to build the outgoing request itself,
// retryable per section 4.G.
type constructionError struct{ err error }

func (e *constructionError) Error() string { return e.err.Error() }
func (e *constructionError) Unwrap() error { return e.err }

// localIOError wraps a failure to read the local file staged for upload.
// Per section 7 this is fatal: no retry will make a missing or unreadable
// local file appear.
type localIOError struct{ err error }

func (e *localIOError) Error() string { return e.err.Error() }
func (e *localIOError) Unwrap() error { return e.err }

// statusError wraps a non-2xx HTTP response.
type statusError struct{ code int }

func (e *statusError) Error() string { return fmt.Sprintf("unexpected status code %d", e.code) }

func statusToError(code int) error {
	if code >= 200 && code < 300 {
		return nil
	}
	return &statusError{code: code}
}

// isRetryable implements the classification from section 4.G: transport
// timeout, connect error, request construction error, HTTP 408, 429, and
// all 5xx are retryable; everything else, including other 4xx and local
// I/O setup errors, is fatal.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}

	var localErr *localIOError
	if errors.As(err, &localErr) {
		return false
	}

	var transportErr *transportError
	if errors.As(err, &transportErr) {
		return true
	}
	var constructionErr *constructionError
	if errors.As(err, &constructionErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout() || isConnectError(netErr)
	}

	var status *statusError
	if errors.As(err, &status) {
		if status.code == http.StatusRequestTimeout || status.code == http.StatusTooManyRequests {
			return true
		}
		return status.code >= 500 && status.code < 600
	}

	return false
}

func isConnectError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// isRetryableAWSError classifies SDK-level errors for the S3Native
// endpoint. The AWS SDK v2 surfaces throttling and 5xx-equivalent failures
// as plain errors without a uniform sentinel type across services, so the
// net.Error timeout check covers the transport layer and anything else is
// treated as fatal, matching section 4.G's "local I/O setup errors" carve
// out applied to the SDK's own request construction failures.
func isRetryableAWSError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// backoffWait sleeps for an exponentially increasing duration with jitter,
// never longer than maxDelay. Returns false if the context is cancelled
// first.
func backoffWait(ctx context.Context, attempt int) bool {
	delay := baseDelay * time.Duration(1<<uint(attempt))
	if delay > maxDelay {
		delay = maxDelay
	}
	jitter := time.Duration(rand.Int64N(int64(delay) + 1))
	delay += jitter
	if delay > maxDelay {
		delay = maxDelay
	}

	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

// Client drives an Endpoint through the retry policy from section 4.G. An
// optional rate limiter throttles requests across concurrent callers,
// complementing (not replacing) the backoff policy: it smooths out bursts
// when several segments close in quick succession, while backoff still
// governs how a single request's own retries are spaced.
type Client struct {
	endpoint Endpoint
	limiter  *rate.Limiter
	mx       *metrics.Metrics
}

// NewClient binds a Client to an Endpoint with no rate limiting.
func NewClient(endpoint Endpoint) *Client {
	return &Client{endpoint: endpoint}
}

// NewRateLimitedClient binds a Client to an Endpoint, capping the request
// rate to limiter. A nil limiter behaves like NewClient.
func NewRateLimitedClient(endpoint Endpoint, limiter *rate.Limiter) *Client {
	return &Client{endpoint: endpoint, limiter: limiter}
}

// WithMetrics attaches mx so retry attempts are counted in
// mx.UploadRetries. A nil mx disables metrics recording; returns c for
// chaining at construction sites.
func (c *Client) WithMetrics(mx *metrics.Metrics) *Client {
	c.mx = mx
	return c
}

// Upload attempts req up to maxAttempts times, applying exponential
// backoff between retryable failures. Fatal errors are surfaced
// immediately; exhausting all attempts surfaces the last error.
func (c *Client) Upload(ctx context.Context, req Request) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		err := c.endpoint.Upload(ctx, req)
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) {
			return err
		}
		if attempt == maxAttempts-1 {
			break
		}
		if c.mx != nil {
			c.mx.UploadRetries.Inc()
		}
		if !backoffWait(ctx, attempt) {
			return ctx.Err()
		}
	}
	return fmt.Errorf("upload failed after %d attempts: %w", maxAttempts, lastErr)
}
