package httpclient

import (
	"log/slog"
	"net/http"
	"time"
)

// loggingTransport stamps the User-Agent and logs every exchange with a
// sanitized URL. Vendor request ids surface in the log line so a failed
// generation can be traced in the provider's dashboard.
type loggingTransport struct {
	base      http.RoundTripper
	userAgent string
}

func newLoggingTransport(base http.RoundTripper, userAgent string) *loggingTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &loggingTransport{
		base:      base,
		userAgent: userAgent,
	}
}

// RoundTrip implements http.RoundTripper.
func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", t.userAgent)
	}

	resp, err := t.base.RoundTrip(req)
	duration := time.Since(start).Milliseconds()
	logURL := sanitizeURL(req.URL)

	if err != nil {
		slog.Warn("http request failed",
			"method", req.Method,
			"url", logURL,
			"duration_ms", duration,
			"error", err.Error(),
		)
		return nil, err
	}

	level := slog.LevelDebug
	if resp.StatusCode >= 400 {
		level = slog.LevelWarn
	}
	attrs := []any{
		"method", req.Method,
		"url", logURL,
		"status", resp.StatusCode,
		"duration_ms", duration,
	}
	if reqID := resp.Header.Get("X-Request-Id"); reqID != "" {
		attrs = append(attrs, "vendor_request_id", reqID)
	}
	slog.Log(req.Context(), level, "http request", attrs...)

	return resp, nil
}
