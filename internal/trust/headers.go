package trust

import (
	"net/http"

	"github.com/studyhive/edge/internal/core"
)

var identityHeaders = []string{
	core.HeaderUserID,
	core.HeaderUsername,
	core.HeaderUserRoles,
	core.HeaderPersonaID,
	core.HeaderAuthProvider,
}

// StripIdentity removes any inbound identity headers. Clients must
// never smuggle these past the gateway.
func StripIdentity(h http.Header) {
	for _, name := range identityHeaders {
		h.Del(name)
	}
}

// InjectIdentity sets the upstream identity headers for a verified
// principal. PersonaID is sent even when empty so upstreams can rely
// on the header being present.
func InjectIdentity(h http.Header, p *core.Principal) {
	h.Set(core.HeaderUserID, p.ID)
	h.Set(core.HeaderUsername, p.Username)
	h.Set(core.HeaderUserRoles, p.RolesJoined())
	h.Set(core.HeaderPersonaID, p.PersonaID)
	h.Set(core.HeaderAuthProvider, p.Provider)
}

// PrincipalFromHeaders rebuilds a principal from the gateway's injected
// headers; services behind the gateway trust these on internal traffic.
func PrincipalFromHeaders(h http.Header) (*core.Principal, bool) {
	id := h.Get(core.HeaderUserID)
	if id == "" {
		return nil, false
	}
	roles := []string{}
	if joined := h.Get(core.HeaderUserRoles); joined != "" {
		roles = splitRoles(joined)
	}
	return &core.Principal{
		ID:        id,
		Username:  h.Get(core.HeaderUsername),
		Roles:     roles,
		PersonaID: h.Get(core.HeaderPersonaID),
		Provider:  h.Get(core.HeaderAuthProvider),
	}, true
}

func splitRoles(joined string) []string {
	out := []string{}
	start := 0
	for i := 0; i <= len(joined); i++ {
		if i == len(joined) || joined[i] == ',' {
			if i > start {
				out = append(out, joined[start:i])
			}
			start = i + 1
		}
	}
	return out
}
