package core

import (
	"strings"
	"unicode"
)

// operationPrefixes maps the leading path segment to a canonical
// operation label. Keeping this table small bounds metric cardinality.
var operationPrefixes = map[string]string{
	"auth":          "auth",
	"api":           "api",
	"notifications": "notifications",
	"templates":     "templates",
	"hives":         "hives",
	"playlists":     "playlists",
	"forums":        "forums",
	"buddies":       "buddies",
	"ws":            "websocket",
	"health":        "health",
	"metrics":       "metrics",
}

// OperationName derives a stable operation label from the method and
// path. Known prefixes collapse to "<prefix>:<METHOD>"; everything else
// falls back to the method plus the sanitized path with id-looking
// segments replaced by ":id".
func OperationName(method, path string) string {
	seg := leadingSegment(path)
	if seg == "api" {
		// Skip the api/vN envelope so /api/v1/notifications and
		// /notifications share a label.
		rest := strings.TrimPrefix(path, "/api")
		if v := leadingSegment(rest); isVersionSegment(v) {
			rest = strings.TrimPrefix(rest, "/"+v)
		}
		if inner := leadingSegment(rest); inner != "" {
			if op, ok := operationPrefixes[inner]; ok && op != "api" {
				return op + ":" + method
			}
		}
		return "api:" + method
	}
	if op, ok := operationPrefixes[seg]; ok {
		return op + ":" + method
	}
	return method + " " + SanitizePath(path)
}

// SanitizePath collapses numeric and UUID-shaped path segments to ":id".
func SanitizePath(path string) string {
	segs := strings.Split(path, "/")
	for i, s := range segs {
		if s == "" {
			continue
		}
		if isIDSegment(s) {
			segs[i] = ":id"
		}
	}
	return strings.Join(segs, "/")
}

func leadingSegment(path string) string {
	path = strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return path
}

func isVersionSegment(s string) bool {
	if len(s) < 2 || s[0] != 'v' {
		return false
	}
	for _, r := range s[1:] {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func isIDSegment(s string) bool {
	if s == "" {
		return false
	}
	digits := 0
	for _, r := range s {
		switch {
		case unicode.IsDigit(r):
			digits++
		case r == '-':
		case r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	// Pure numbers and hex/uuid shapes count as ids; short words like
	// "beef" should not, so require at least one digit.
	return digits > 0
}
