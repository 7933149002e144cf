package routes

import "strings"

// pathPattern is a compiled path glob. Two wildcards are recognized:
// "*" matches exactly one segment, a trailing "**" matches any
// remaining suffix (including none).
type pathPattern struct {
	segments []string
	tailGlob bool
}

func compilePath(pattern string) pathPattern {
	segs := splitPath(pattern)
	p := pathPattern{segments: segs}
	if n := len(segs); n > 0 && segs[n-1] == "**" {
		p.segments = segs[:n-1]
		p.tailGlob = true
	}
	return p
}

func (p pathPattern) match(path string) bool {
	segs := splitPath(path)
	if p.tailGlob {
		if len(segs) < len(p.segments) {
			return false
		}
	} else if len(segs) != len(p.segments) {
		return false
	}
	for i, want := range p.segments {
		if want == "*" {
			if segs[i] == "" {
				return false
			}
			continue
		}
		if segs[i] != want {
			return false
		}
	}
	return true
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}
