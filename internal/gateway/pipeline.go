package gateway

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/studyhive/edge/internal/core"
	"github.com/studyhive/edge/internal/respond"
	"github.com/studyhive/edge/internal/routes"
	"github.com/studyhive/edge/internal/trust"
)

// proxy is the catch-all edge pipeline: strip inbound identity
// headers, negotiate the API version, resolve a route, enforce the
// route's jwt filter and quota, then hand off to the forwarder. Every
// early exit writes the uniform error body.
func (g *Gateway) proxy(w http.ResponseWriter, r *http.Request) {
	snap := g.snap.Load()

	// Identity headers are gateway-owned; whatever the client sent is
	// discarded before anything downstream can read it.
	trust.StripIdentity(r.Header)

	res, err := snap.versions.Negotiate(r)
	if err != nil {
		respond.NotAcceptable(w, r, "Requested API version is not supported")
		return
	}
	routes.SetVersionHeaders(w.Header(), res)

	rt := snap.table.Resolve(r, res.Version)
	if rt == nil {
		respond.NotFound(w, r, "No route matches the request")
		return
	}

	principal, ok := g.authenticate(w, r, rt, snap)
	if !ok {
		return
	}
	if principal != nil {
		r = r.WithContext(core.WithPrincipal(r.Context(), principal))
	}

	if !g.enforceQuota(w, r, principal, rt.ID, rt.Quota, res.Version) {
		return
	}

	if websocket.IsWebSocketUpgrade(r) {
		g.forwarder.Relay(w, r, rt, principal)
		return
	}
	g.forwarder.Forward(w, r, rt, principal)
}

// authenticate enforces the route's jwt filter. Paths on the public
// list skip verification; everything else on a filtered route needs a
// valid bearer token. The upstream is never contacted on failure.
func (g *Gateway) authenticate(w http.ResponseWriter, r *http.Request, rt *routes.Route, snap *snapshot) (*core.Principal, bool) {
	if !rt.JWT || snap.isPublic(r.URL.Path) {
		return nil, true
	}
	raw, err := trust.BearerToken(r.Header.Get("Authorization"))
	if err != nil {
		respond.Unauthorized(w, r)
		return nil, false
	}
	principal, err := g.verifier.Verify(r.Context(), raw)
	if err != nil {
		g.log.Debug("token rejected",
			"reason", trust.Reason(err),
			"path", r.URL.Path,
			"correlation_id", core.CorrelationID(r.Context()),
		)
		respond.Unauthorized(w, r)
		return nil, false
	}
	return principal, true
}
