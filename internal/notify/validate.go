package notify

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Intake size limits.
const (
	maxTitleLen    = 200
	maxContentLen  = 5000
	maxActionURL   = 500
	maxFieldDetail = 64
)

// ValidationError reports the first intake rule a request violates.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// allowedTags is the HTML subset content may carry. Titles allow no
// markup at all.
var allowedTags = map[string]bool{
	"b": true, "i": true, "u": true, "em": true, "strong": true,
	"p": true, "br": true, "a": true,
}

var (
	tagPattern     = regexp.MustCompile(`(?i)</?\s*([a-z][a-z0-9]*)((?:\s[^>]*)?)/?>`)
	eventAttribute = regexp.MustCompile(`(?i)\bon[a-z]+\s*=`)
)

// Validate enforces the intake rules. The first violation is returned;
// callers surface it as a 400.
func (r *NotificationRequest) Validate() error {
	if strings.TrimSpace(r.RecipientID) == "" {
		return &ValidationError{Field: "recipientId", Message: "must not be empty"}
	}
	if !ValidType(r.Type) {
		return &ValidationError{Field: "type", Message: "unknown notification type " + truncate(r.Type)}
	}
	if strings.TrimSpace(r.Title) == "" {
		return &ValidationError{Field: "title", Message: "must not be empty"}
	}
	if len(r.Title) > maxTitleLen {
		return &ValidationError{Field: "title", Message: fmt.Sprintf("must be at most %d characters", maxTitleLen)}
	}
	if containsMarkup(r.Title) {
		return &ValidationError{Field: "title", Message: "markup is not allowed"}
	}
	if len(r.Content) > maxContentLen {
		return &ValidationError{Field: "content", Message: fmt.Sprintf("must be at most %d characters", maxContentLen)}
	}
	if msg := unsafeContent(r.Content); msg != "" {
		return &ValidationError{Field: "content", Message: msg}
	}
	if r.ActionURL != "" {
		if len(r.ActionURL) > maxActionURL {
			return &ValidationError{Field: "actionUrl", Message: fmt.Sprintf("must be at most %d characters", maxActionURL)}
		}
		u, err := url.Parse(r.ActionURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return &ValidationError{Field: "actionUrl", Message: "must be an absolute http or https URL"}
		}
	}
	if r.Priority != "" && !knownPriorities[r.Priority] {
		return &ValidationError{Field: "priority", Message: "must be one of LOW, NORMAL, HIGH, URGENT"}
	}
	return nil
}

// containsMarkup reports whether the text carries any HTML tag or
// script-bearing construct.
func containsMarkup(text string) bool {
	return tagPattern.MatchString(text) || hasScriptPayload(text)
}

// unsafeContent validates content against the tag allow-list and the
// usual injection vectors. Empty string means safe.
func unsafeContent(content string) string {
	if hasScriptPayload(content) {
		return "script content is not allowed"
	}
	for _, m := range tagPattern.FindAllStringSubmatch(content, -1) {
		name := strings.ToLower(m[1])
		if !allowedTags[name] {
			return "tag <" + truncate(name) + "> is not allowed"
		}
		attrs := m[2]
		if eventAttribute.MatchString(attrs) {
			return "event handler attributes are not allowed"
		}
		if name != "a" && strings.TrimSpace(attrs) != "" {
			return "attributes are only allowed on <a> tags"
		}
	}
	return ""
}

func hasScriptPayload(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, "<script") ||
		strings.Contains(lower, "javascript:") ||
		strings.Contains(lower, "data:text/html")
}

func truncate(s string) string {
	if len(s) > maxFieldDetail {
		return s[:maxFieldDetail] + "..."
	}
	return s
}
