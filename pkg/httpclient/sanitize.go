package httpclient

import (
	"net/url"
	"strings"
)

// Query parameter name fragments that must never reach a log line.
// Matched case-insensitively as substrings, so "API_KEY", "ApiKey" and
// "x-auth-token" are all caught.
var redactedFragments = []string{
	"api_key",
	"apikey",
	"token",
	"password",
	"auth",
	"secret",
	"key",
	"credential",
}

// sanitizeURL returns a loggable form of u with credential-bearing query
// parameters replaced by a placeholder. The original URL is not modified.
func sanitizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	clean := *u
	q := clean.Query()
	for name := range q {
		if isSensitiveParam(name) {
			q.Set(name, "[REDACTED]")
		}
	}
	clean.RawQuery = q.Encode()
	return clean.String()
}

func isSensitiveParam(name string) bool {
	lower := strings.ToLower(name)
	for _, frag := range redactedFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}
