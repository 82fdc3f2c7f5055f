// Package httpclient provides a unified HTTP client factory with consistent
// timeout, retry, and observability behavior across the cineflow codebase.
//
// The client factory composes transport layers to provide:
//   - Automatic retries with exponential backoff and jitter
//   - Request logging with sanitized URLs (sensitive params redacted)
//   - User-Agent header injection
//   - Proxy support (HTTP_PROXY / HTTPS_PROXY)
//   - TLS 1.2+ with secure defaults
//   - Connection pooling for performance
//
// Example usage:
//
//	cfg := httpclient.DefaultConfig()
//	cfg.UserAgent = "my-service/1.0"
//	client, err := httpclient.New(cfg)
//	if err != nil {
//	    return err
//	}
//
//	resp, err := client.Get("https://api.example.com/resource")
package httpclient

import (
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"time"
)

// New creates a new HTTP client with the given configuration.
// The client includes:
//   - Retry logic with exponential backoff (configurable)
//   - Request logging with sanitized URLs
//   - User-Agent header injection
//   - Proxy routing by request scheme
//   - TLS 1.2 minimum, TLS 1.3 preferred
//   - Connection pooling with sensible defaults
//
// Returns an error if the configuration is invalid.
func New(cfg Config) (*http.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	proxyFunc, err := proxyFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	maxPerHost := cfg.MaxConnsPerHost
	if maxPerHost <= 0 {
		maxPerHost = 10
	}

	// Create base HTTP transport with TLS and connection pooling
	baseTransport := &http.Transport{
		Proxy: proxyFunc,

		// TLS configuration: 1.2 minimum, 1.3 preferred
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			MaxVersion: tls.VersionTLS13,
		},

		// Connection pooling settings
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: maxPerHost,
		IdleConnTimeout:     90 * time.Second,

		// Timeouts
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	// Layer 1: Logging transport (innermost custom layer)
	// Logs requests, sets User-Agent
	loggingTrans := newLoggingTransport(baseTransport, cfg.UserAgent)

	// Layer 2: Retry transport (outermost custom layer)
	// Handles retries with exponential backoff
	// Only applied if retries are enabled
	var finalTransport http.RoundTripper = loggingTrans
	if cfg.RetryAttempts > 0 {
		finalTransport = newRetryTransport(loggingTrans, cfg)
	}

	return &http.Client{
		Transport: finalTransport,
		Timeout:   cfg.Timeout,
	}, nil
}

// NewStreaming creates an HTTP client for long-lived streaming downloads.
// The client has no overall timeout; callers bound each download with a
// request context instead. Retries are disabled because the stream body
// cannot be replayed.
func NewStreaming(cfg Config) (*http.Client, error) {
	cfg.RetryAttempts = 0
	client, err := New(cfg)
	if err != nil {
		return nil, err
	}
	client.Timeout = 0
	return client, nil
}

// proxyFromConfig builds a per-scheme proxy selector from the config.
// Returns nil (direct connections) when no proxy is configured.
func proxyFromConfig(cfg Config) (func(*http.Request) (*url.URL, error), error) {
	if cfg.HTTPProxy == "" && cfg.HTTPSProxy == "" {
		return nil, nil
	}

	var httpProxy, httpsProxy *url.URL
	var err error

	if cfg.HTTPProxy != "" {
		httpProxy, err = url.Parse(cfg.HTTPProxy)
		if err != nil {
			return nil, err
		}
	}
	if cfg.HTTPSProxy != "" {
		httpsProxy, err = url.Parse(cfg.HTTPSProxy)
		if err != nil {
			return nil, err
		}
	}
	if httpsProxy == nil {
		httpsProxy = httpProxy
	}

	return func(req *http.Request) (*url.URL, error) {
		if req.URL.Scheme == "https" {
			return httpsProxy, nil
		}
		return httpProxy, nil
	}, nil
}
