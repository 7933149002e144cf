package routes

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/studyhive/edge/internal/config"
	"github.com/studyhive/edge/internal/core"
)

// ErrNotAcceptable is returned when the caller names versions and none
// of them is available. Handlers map it to 406.
var ErrNotAcceptable = errors.New("routes: no acceptable api version")

// VersionSource records where the negotiated version came from.
type VersionSource int

const (
	VersionFromDefault VersionSource = iota
	VersionFromPath
	VersionFromHeader
	VersionFromQuery
)

// VersionResolution is the outcome of version negotiation.
type VersionResolution struct {
	Version    string
	Source     VersionSource
	Deprecated bool
	Warning    string
}

// VersionPolicy negotiates API versions. Precedence: explicit /vN/
// path segment, Accept-Version header (quality-weighted), version
// query parameter, configured default.
type VersionPolicy struct {
	supported  map[string]bool
	def        string
	deprecated map[string]string
}

// NewVersionPolicy compiles the versioning config. An empty supported
// set disables negotiation: Negotiate then returns the zero resolution.
func NewVersionPolicy(cfg config.VersioningConfig) *VersionPolicy {
	p := &VersionPolicy{
		supported:  make(map[string]bool, len(cfg.Supported)),
		def:        cfg.Default,
		deprecated: cfg.Deprecated,
	}
	for _, v := range cfg.Supported {
		p.supported[v] = true
	}
	return p
}

// Enabled reports whether any versions are configured.
func (p *VersionPolicy) Enabled() bool { return len(p.supported) > 0 }

// Negotiate resolves the request's API version.
func (p *VersionPolicy) Negotiate(r *http.Request) (VersionResolution, error) {
	if !p.Enabled() {
		return VersionResolution{}, nil
	}

	if v := pathVersion(r.URL.Path); v != "" {
		if !p.supported[v] {
			return VersionResolution{}, ErrNotAcceptable
		}
		return p.resolution(v, VersionFromPath), nil
	}

	if accept := r.Header.Get("Accept-Version"); accept != "" {
		v, ok := p.bestAccepted(accept)
		if !ok {
			return VersionResolution{}, ErrNotAcceptable
		}
		return p.resolution(v, VersionFromHeader), nil
	}

	if v := r.URL.Query().Get("version"); v != "" {
		if !p.supported[v] {
			return VersionResolution{}, ErrNotAcceptable
		}
		return p.resolution(v, VersionFromQuery), nil
	}

	return p.resolution(p.def, VersionFromDefault), nil
}

func (p *VersionPolicy) resolution(v string, src VersionSource) VersionResolution {
	res := VersionResolution{Version: v, Source: src}
	if msg, ok := p.deprecated[v]; ok {
		res.Deprecated = true
		res.Warning = msg
	}
	return res
}

// bestAccepted parses a quality-weighted list such as "v2, v1;q=0.8"
// and picks the highest-weighted version that is supported. Ties keep
// the caller's listed order.
func (p *VersionPolicy) bestAccepted(header string) (string, bool) {
	type candidate struct {
		version string
		q       float64
		pos     int
	}
	var cands []candidate
	for pos, part := range strings.Split(header, ",") {
		fields := strings.Split(strings.TrimSpace(part), ";")
		version := strings.TrimSpace(fields[0])
		if version == "" {
			continue
		}
		q := 1.0
		for _, f := range fields[1:] {
			f = strings.TrimSpace(f)
			if raw, ok := strings.CutPrefix(f, "q="); ok {
				if parsed, err := strconv.ParseFloat(raw, 64); err == nil {
					q = parsed
				}
			}
		}
		if q <= 0 || !p.supported[version] {
			continue
		}
		cands = append(cands, candidate{version: version, q: q, pos: pos})
	}
	if len(cands) == 0 {
		return "", false
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].q != cands[j].q {
			return cands[i].q > cands[j].q
		}
		return cands[i].pos < cands[j].pos
	})
	return cands[0].version, true
}

// pathVersion extracts a leading /vN/ segment, or "".
func pathVersion(path string) string {
	seg := strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(seg, '/'); i >= 0 {
		seg = seg[:i]
	}
	if len(seg) < 2 || seg[0] != 'v' {
		return ""
	}
	for _, r := range seg[1:] {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return seg
}

// SetVersionHeaders writes the version response headers: API-Version
// whenever negotiation ran, Deprecation and Warning for deprecated
// versions.
func SetVersionHeaders(h http.Header, res VersionResolution) {
	if res.Version == "" {
		return
	}
	h.Set(core.HeaderAPIVersion, res.Version)
	if res.Deprecated {
		h.Set("Deprecation", "true")
		warning := res.Warning
		if warning == "" {
			warning = "API version " + res.Version + " is deprecated"
		}
		h.Set("Warning", `299 - "`+warning+`"`)
	}
}
