package httpclient

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// retryTransport retries failed requests with exponential backoff and
// jitter. Only idempotent methods (GET, HEAD, OPTIONS) are retried unless
// AllowNonIdempotentRetry is set; a Retry-After header from the previous
// response shortens the computed delay when the server asks for less.
type retryTransport struct {
	base                    http.RoundTripper
	maxAttempts             int
	baseBackoff             time.Duration
	maxBackoff              time.Duration
	allowNonIdempotentRetry bool
}

func newRetryTransport(base http.RoundTripper, cfg Config) *retryTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &retryTransport{
		base:                    base,
		maxAttempts:             cfg.RetryAttempts + 1, // attempts include the initial try
		baseBackoff:             cfg.RetryBackoff,
		maxBackoff:              cfg.MaxBackoff,
		allowNonIdempotentRetry: cfg.AllowNonIdempotentRetry,
	}
}

// RoundTrip implements http.RoundTripper.
func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !t.retriableMethod(req.Method) {
		return t.base.RoundTrip(req)
	}

	var (
		lastResp *http.Response
		lastErr  error
	)
	for attempt := 1; attempt <= t.maxAttempts; attempt++ {
		if attempt > 1 {
			if err := t.sleepBeforeRetry(req.Context(), attempt-1, lastResp); err != nil {
				return nil, err
			}
		}

		resp, err := t.base.RoundTrip(req)
		switch {
		case err == nil && !retryableStatus(resp.StatusCode):
			return resp, nil
		case err != nil && !retryableError(err):
			return nil, err
		}

		// Either a retryable status or a transient transport error;
		// discard the body we won't return and loop.
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		lastResp, lastErr = resp, err

		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, ctxErr
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return lastResp, nil
}

// sleepBeforeRetry blocks for the backoff delay, honoring context
// cancellation and a shorter server-supplied Retry-After.
func (t *retryTransport) sleepBeforeRetry(ctx context.Context, attempt int, prev *http.Response) error {
	delay := t.calculateBackoff(attempt)
	if prev != nil {
		if after := t.parseRetryAfter(prev); after > 0 && after < delay {
			delay = after
		}
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *retryTransport) retriableMethod(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return t.allowNonIdempotentRetry
}

func retryableStatus(code int) bool {
	return (code >= 500 && code < 600) ||
		code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests
}

func retryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return retryableError(urlErr.Err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout() || netErr.Temporary()
	}

	msg := strings.ToLower(err.Error())
	for _, transient := range []string{
		"connection refused",
		"connection reset",
		"no such host",
		"network unreachable",
		"temporary failure in name resolution",
		"eof",
	} {
		if strings.Contains(msg, transient) {
			return true
		}
	}
	return false
}

// calculateBackoff returns baseBackoff * 2^(attempt-1) capped at
// maxBackoff, plus up to 20% jitter.
func (t *retryTransport) calculateBackoff(attempt int) time.Duration {
	delay := math.Min(
		float64(t.baseBackoff)*math.Pow(2.0, float64(attempt-1)),
		float64(t.maxBackoff),
	)
	return time.Duration(delay + rand.Float64()*delay*0.2)
}

// parseRetryAfter reads a Retry-After header in either integer-seconds or
// HTTP-date form. Missing, invalid, or already-elapsed values yield 0.
func (t *retryTransport) parseRetryAfter(resp *http.Response) time.Duration {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if until := time.Until(at); until > 0 {
			return until
		}
	}
	return 0
}
