package httpclient

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/tombee/weaver/internal/tracing"
)

// loggingTransport decorates a RoundTripper with request logging,
// User-Agent injection and correlation ID propagation. Outcome logging
// picks its level from the response: debug for success, warn for 4xx/5xx
// and transport failures.
type loggingTransport struct {
	base      http.RoundTripper
	userAgent string
}

func newLoggingTransport(base http.RoundTripper, userAgent string) *loggingTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &loggingTransport{base: base, userAgent: userAgent}
}

// RoundTrip implements http.RoundTripper.
func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	if corrID := tracing.FromContextOrEmpty(req.Context()); corrID.IsValid() {
		req.Header.Set("X-Correlation-ID", corrID.String())
	}

	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	elapsed := time.Since(start).Milliseconds()

	attrs := []any{
		"method", req.Method,
		"url", sanitizeURL(req.URL),
		"duration_ms", elapsed,
	}
	switch {
	case err != nil:
		slog.Warn("http request failed", append(attrs, "error", err.Error())...)
	case resp.StatusCode >= 400:
		slog.Log(req.Context(), slog.LevelWarn, "http request", append(attrs, "status", resp.StatusCode)...)
	default:
		slog.Log(req.Context(), slog.LevelDebug, "http request", append(attrs, "status", resp.StatusCode)...)
	}
	return resp, err
}
