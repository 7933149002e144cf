package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
)

// Kind names the subject a quota is kept against. Precedence at
// resolution time: route > api_key > principal > ip.
type Kind string

const (
	KindRoute     Kind = "route"
	KindAPIKey    Kind = "api_key"
	KindPrincipal Kind = "principal"
	KindIP        Kind = "ip"
)

// Dimension is the (kind, key) tuple counters are kept under.
type Dimension struct {
	Kind Kind
	Key  string
}

func (d Dimension) String() string {
	return string(d.Kind) + ":" + d.Key
}

// sanitizeKey strips glob metacharacters so dimension keys stay safe
// inside cache key patterns.
func sanitizeKey(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '*', '?', '[', ']':
			return '_'
		default:
			return r
		}
	}, s)
}

// hashAPIKey shortens and de-identifies an API key for use as a
// counter key.
func hashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:16]
}

// ClientIP resolves the caller address: first X-Forwarded-For hop, then
// X-Real-IP, then the connection's remote address without its port.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		if ip := strings.TrimSpace(fwd); ip != "" {
			return ip
		}
	}
	if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
