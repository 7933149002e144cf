package core

import "strings"

// AuthProvider is the fixed identifier injected as X-Auth-Provider on
// every authenticated upstream request.
const AuthProvider = "studyhive"

// Principal is the authenticated caller derived from a verified token.
// It lives for the duration of a single request.
type Principal struct {
	ID        string   `json:"id"`
	Username  string   `json:"username"`
	Roles     []string `json:"roles"`
	PersonaID string   `json:"persona_id,omitempty"`
	Provider  string   `json:"provider"`
}

// HasRole reports whether the principal carries the given role.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// RolesJoined returns the roles comma-joined in insertion order, the
// form used for the X-User-Roles upstream header.
func (p *Principal) RolesJoined() string {
	return strings.Join(p.Roles, ",")
}

// Header names shared across the edge plane.
const (
	HeaderCorrelationID = "X-Correlation-ID"
	HeaderRequestID     = "X-Request-ID"

	HeaderUserID       = "X-User-Id"
	HeaderUsername     = "X-Username"
	HeaderUserRoles    = "X-User-Roles"
	HeaderPersonaID    = "X-Persona-Id"
	HeaderAuthProvider = "X-Auth-Provider"

	HeaderAPIKey     = "X-API-Key"
	HeaderAPIVersion = "API-Version"

	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRetryAfter         = "Retry-After"
)
