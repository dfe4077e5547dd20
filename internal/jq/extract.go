package jq

import (
	"encoding/json"
	"strings"

	"github.com/tombee/weaver/pkg/errors"
)

// ExtractJSON locates and decodes the first JSON value in a model
// response. It tolerates markdown code fences and prose before or after
// the payload. what names the expected payload for error reporting.
func ExtractJSON(what, text string) (any, error) {
	candidate := stripFences(strings.TrimSpace(text))

	start := strings.IndexAny(candidate, "{[")
	if start < 0 {
		return nil, &errors.ParsingError{
			What:  what,
			Cause: errJSONNotFound,
		}
	}
	raw := balancedJSON(candidate[start:])
	if raw == "" {
		raw = candidate[start:]
	}

	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, &errors.ParsingError{What: what, Cause: err}
	}
	return value, nil
}

var errJSONNotFound = jsonNotFoundError{}

type jsonNotFoundError struct{}

func (jsonNotFoundError) Error() string { return "no JSON value in response" }

// stripFences unwraps the first fenced code block if the response uses
// markdown formatting. Fences after the payload are left alone.
func stripFences(s string) string {
	idx := strings.Index(s, "```")
	if idx < 0 {
		return s
	}
	if brace := strings.IndexAny(s, "{["); brace >= 0 && brace < idx {
		return s
	}
	rest := s[idx+3:]
	// Skip the language tag on the opening fence.
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		firstLine := strings.TrimSpace(rest[:nl])
		if firstLine == "" || !strings.ContainsAny(firstLine, "{[") {
			rest = rest[nl+1:]
		}
	}
	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

// balancedJSON returns the prefix of s forming one complete JSON object
// or array, tracking nesting depth outside string literals. Returns ""
// when the value never closes.
func balancedJSON(s string) string {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}
