package httpclient

import (
	"net/url"
	"strings"
)

// sensitiveParams lists query parameter names that must be redacted in logs.
var sensitiveParams = []string{
	"api_key",
	"apikey",
	"key",
	"token",
	"access_token",
	"auth",
	"authorization",
	"secret",
	"password",
	"signature",
	"sig",
}

// sanitizeURL returns a copy of the URL string with sensitive query
// parameters replaced by "REDACTED". The original URL is not modified.
func sanitizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}

	query := u.Query()
	changed := false
	for param := range query {
		if isSensitiveParam(param) {
			query.Set(param, "REDACTED")
			changed = true
		}
	}

	if !changed {
		return u.String()
	}

	sanitized := *u
	sanitized.RawQuery = query.Encode()
	return sanitized.String()
}

// isSensitiveParam reports whether a query parameter name should be redacted.
func isSensitiveParam(name string) bool {
	lower := strings.ToLower(name)
	for _, sensitive := range sensitiveParams {
		if lower == sensitive {
			return true
		}
	}
	return false
}
