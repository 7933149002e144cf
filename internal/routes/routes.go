// Package routes resolves inbound requests to upstream targets. The
// table is compiled once from config and swapped atomically on reload;
// resolution walks the declared order and the first match wins.
package routes

import (
	"fmt"
	"net/http"
	"net/textproto"
	"net/url"
	"regexp"

	"github.com/studyhive/edge/internal/config"
)

// Route is one compiled entry: predicates, target and filter chain.
type Route struct {
	ID     string
	Target *url.URL

	path    pathPattern
	headers map[string]string // canonical name -> expected value
	query   map[string]string
	version string

	// Filters, applied in the declared order jwt -> quota -> rewrite ->
	// breaker -> headers.
	JWT           bool
	Quota         string
	Breaker       *config.BreakerSpec
	InjectHeaders map[string]string

	rewriteFrom *regexp.Regexp
	rewriteTo   string
}

// Rewrite applies the route's path rewrite. Paths the pattern does not
// match pass through unchanged, which keeps rewriting idempotent on
// already-rewritten paths.
func (rt *Route) Rewrite(path string) string {
	if rt.rewriteFrom == nil || !rt.rewriteFrom.MatchString(path) {
		return path
	}
	return rt.rewriteFrom.ReplaceAllString(path, rt.rewriteTo)
}

// Matches evaluates the route's predicates against a request and the
// negotiated API version.
func (rt *Route) Matches(r *http.Request, version string) bool {
	if !rt.path.match(r.URL.Path) {
		return false
	}
	for name, want := range rt.headers {
		if r.Header.Get(name) != want {
			return false
		}
	}
	if len(rt.query) > 0 {
		q := r.URL.Query()
		for name, want := range rt.query {
			if q.Get(name) != want {
				return false
			}
		}
	}
	if rt.version != "" && rt.version != version {
		return false
	}
	return true
}

// Table is the ordered route list.
type Table struct {
	routes []*Route
}

// Compile builds a Table from config specs. Specs are assumed
// pre-validated; compile errors indicate a config bug.
func Compile(specs []config.RouteSpec) (*Table, error) {
	t := &Table{routes: make([]*Route, 0, len(specs))}
	for _, spec := range specs {
		rt, err := compileRoute(spec)
		if err != nil {
			return nil, err
		}
		t.routes = append(t.routes, rt)
	}
	return t, nil
}

func compileRoute(spec config.RouteSpec) (*Route, error) {
	target, err := url.Parse(spec.Target)
	if err != nil {
		return nil, fmt.Errorf("route %s: target: %w", spec.ID, err)
	}
	rt := &Route{
		ID:            spec.ID,
		Target:        target,
		path:          compilePath(spec.Predicates.Path),
		version:       spec.Predicates.Version,
		JWT:           spec.Filters.JWT,
		Quota:         spec.Filters.Quota,
		Breaker:       spec.Filters.Breaker,
		InjectHeaders: spec.Filters.Headers,
	}
	if len(spec.Predicates.Headers) > 0 {
		rt.headers = make(map[string]string, len(spec.Predicates.Headers))
		for name, want := range spec.Predicates.Headers {
			rt.headers[textproto.CanonicalMIMEHeaderKey(name)] = want
		}
	}
	rt.query = spec.Predicates.Query
	if rw := spec.Filters.Rewrite; rw != nil {
		re, err := regexp.Compile(rw.From)
		if err != nil {
			return nil, fmt.Errorf("route %s: rewrite: %w", spec.ID, err)
		}
		rt.rewriteFrom = re
		rt.rewriteTo = rw.To
	}
	return rt, nil
}

// Resolve returns the first route matching the request, or nil.
func (t *Table) Resolve(r *http.Request, version string) *Route {
	for _, rt := range t.routes {
		if rt.Matches(r, version) {
			return rt
		}
	}
	return nil
}

// Len reports the number of compiled routes.
func (t *Table) Len() int { return len(t.routes) }
