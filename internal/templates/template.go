// Package templates stores notification templates keyed by
// (type, language) and renders them with bracketed {name} variables.
package templates

import (
	"errors"
	"regexp"
	"sort"
	"strings"
	"time"
)

// ErrNotFound is returned when no template exists for the requested
// key, after the default-language fallback has been tried.
var ErrNotFound = errors.New("templates: template not found")

// ErrExists is returned on create when the (type, language) key is
// already taken.
var ErrExists = errors.New("templates: template already exists")

// ValidationError lists every referenced variable the caller did not
// supply. Renders fail atomically: either all placeholders resolve or
// none are applied.
type ValidationError struct {
	Missing []string
}

func (e *ValidationError) Error() string {
	return "templates: missing variables: " + strings.Join(e.Missing, ", ")
}

// Template is one stored notification template.
type Template struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Language  string    `json:"language"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Key returns the unique (type, language) lookup key.
func (t *Template) Key() string { return Key(t.Type, t.Language) }

// Key builds the lookup key for a type and language.
func Key(typ, language string) string {
	return typ + "|" + strings.ToLower(language)
}

// ProcessedTemplate is the result of a successful render.
type ProcessedTemplate struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z0-9_.]+)\}`)

// ExtractVariables returns the sorted set of placeholder names
// referenced by the subject and body together.
func ExtractVariables(subject, body string) []string {
	seen := map[string]bool{}
	for _, text := range []string{subject, body} {
		for _, m := range placeholderPattern.FindAllStringSubmatch(text, -1) {
			seen[m[1]] = true
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MissingVariables returns the sorted referenced-but-unsupplied
// variable names for the template against vars.
func MissingVariables(t *Template, vars map[string]string) []string {
	var missing []string
	for _, name := range ExtractVariables(t.Subject, t.Body) {
		if _, ok := vars[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// substitute replaces every {name} with its value. Callers must have
// validated vars first; unknown names pass through untouched.
func substitute(text string, vars map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := match[1 : len(match)-1]
		if value, ok := vars[name]; ok {
			return value
		}
		return match
	})
}
