// Package source canonicalizes URLs and assigns stable source IDs so
// evidence can be deduplicated across search providers and epochs.
package source

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/tombee/weaver/pkg/errors"
)

// trackingParams are query parameters stripped during canonicalization.
// utm_* prefixed parameters are stripped as well.
var trackingParams = map[string]bool{
	"fbclid":  true,
	"gclid":   true,
	"ref":     true,
	"ref_src": true,
}

// Canonicalize normalizes a URL into its canonical form: lowercase scheme
// and host, no www. prefix, no default port, no fragment, query parameters
// sorted with tracking parameters removed.
//
// Canonicalize is idempotent: applying it to its own output returns the
// same string.
func Canonicalize(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", &errors.ValidationError{
			Field:   "url",
			Message: "url cannot be empty",
		}
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return "", &errors.ValidationError{
			Field:   "url",
			Message: fmt.Sprintf("cannot parse %q: %v", trimmed, err),
		}
	}
	if u.Scheme == "" || u.Host == "" {
		return "", &errors.ValidationError{
			Field:      "url",
			Message:    fmt.Sprintf("url %q is not absolute", trimmed),
			Suggestion: "provide a full URL including scheme and host",
		}
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	if port := u.Port(); port != "" && !isDefaultPort(scheme, port) {
		host = net.JoinHostPort(host, port)
	}

	query := u.Query()
	for key := range query {
		lower := strings.ToLower(key)
		if trackingParams[lower] || strings.HasPrefix(lower, "utm_") {
			delete(query, key)
		}
	}

	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	b.WriteString(host)
	b.WriteString(u.EscapedPath())
	if encoded := query.Encode(); encoded != "" {
		b.WriteString("?")
		b.WriteString(encoded)
	}
	return b.String(), nil
}

func isDefaultPort(scheme, port string) bool {
	switch scheme {
	case "http":
		return port == "80"
	case "https":
		return port == "443"
	}
	return false
}

// ID derives the source ID for a canonical URL: the first 16 hex characters
// of its SHA-256 digest.
func ID(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:8])
}

// Fingerprint canonicalizes a raw URL and returns its source ID together
// with the canonical form.
func Fingerprint(raw string) (id, canonical string, err error) {
	canonical, err = Canonicalize(raw)
	if err != nil {
		return "", "", err
	}
	return ID(canonical), canonical, nil
}
