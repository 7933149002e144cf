// Package gateway assembles the edge router: recovery, correlation,
// access logging and metrics around a small set of local endpoints
// (health, metrics, session operations, the broadcast socket) and a
// catch-all pipeline that authenticates, rate-limits and proxies
// everything else to the configured upstreams.
package gateway

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/studyhive/edge/internal/authsvc"
	"github.com/studyhive/edge/internal/broadcast"
	"github.com/studyhive/edge/internal/config"
	"github.com/studyhive/edge/internal/core"
	"github.com/studyhive/edge/internal/metrics"
	"github.com/studyhive/edge/internal/middleware"
	"github.com/studyhive/edge/internal/proxy"
	"github.com/studyhive/edge/internal/ratelimit"
	"github.com/studyhive/edge/internal/respond"
	"github.com/studyhive/edge/internal/routes"
	"github.com/studyhive/edge/internal/trust"
)

// Deps carries the gateway's collaborators, built explicitly in main.
type Deps struct {
	Verifier  *trust.Verifier
	Auth      *authsvc.Service
	Limiter   *ratelimit.Engine
	Forwarder *proxy.Forwarder
	Hub       *broadcast.Hub // nil disables the broadcast endpoint
	Metrics   *metrics.Gateway
	Gatherer  prometheus.Gatherer
	Log       *slog.Logger
}

// snapshot is the routing state swapped wholesale on reload. Request
// handling loads it once per request and never sees a half-applied
// config.
type snapshot struct {
	table    *routes.Table
	versions *routes.VersionPolicy
	public   []string
}

// isPublic reports whether the path bypasses token verification. An
// entry ending in "/*" matches the whole subtree.
func (s *snapshot) isPublic(path string) bool {
	for _, p := range s.public {
		if p == path {
			return true
		}
		if strings.HasSuffix(p, "/*") && strings.HasPrefix(path, strings.TrimSuffix(p, "*")) {
			return true
		}
	}
	return false
}

// Gateway is the edge server. All request-path state lives behind the
// snapshot pointer so Reload never blocks traffic.
type Gateway struct {
	verifier  *trust.Verifier
	auth      *authsvc.Service
	limiter   *ratelimit.Engine
	forwarder *proxy.Forwarder
	hub       *broadcast.Hub
	metrics   *metrics.Gateway
	gatherer  prometheus.Gatherer
	log       *slog.Logger

	snap atomic.Pointer[snapshot]
}

// New compiles the routing state from cfg and wires the collaborators.
func New(cfg *config.Config, d Deps) (*Gateway, error) {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	g := &Gateway{
		verifier:  d.Verifier,
		auth:      d.Auth,
		limiter:   d.Limiter,
		forwarder: d.Forwarder,
		hub:       d.Hub,
		metrics:   d.Metrics,
		gatherer:  d.Gatherer,
		log:       log,
	}
	if err := g.Reload(cfg); err != nil {
		return nil, err
	}
	return g, nil
}

// Reload recompiles the route table, version policy and limits from
// cfg and swaps them in. In-flight requests finish on the snapshot
// they started with.
func (g *Gateway) Reload(cfg *config.Config) error {
	table, err := routes.Compile(cfg.Routes)
	if err != nil {
		return fmt.Errorf("compile routes: %w", err)
	}
	if g.limiter != nil {
		g.limiter.Update(cfg.RateLimit, cfg.Auth.BypassRole)
	}
	g.snap.Store(&snapshot{
		table:    table,
		versions: routes.NewVersionPolicy(cfg.Versioning),
		public:   append([]string(nil), cfg.Auth.PublicPaths...),
	})
	g.log.Info("routing snapshot installed", "routes", table.Len())
	return nil
}

// Router builds the gateway's mux. Local endpoints are registered
// ahead of the catch-all proxy pipeline, so they win resolution.
func (g *Gateway) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.Recovery(g.log))
	r.Use(middleware.Correlation())
	r.Use(middleware.AccessLog(g.log))
	if g.metrics != nil {
		r.Use(middleware.Metrics(g.metrics.RecordRequest))
	}

	r.HandleFunc("/health/gateway", g.health).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(g.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	auth := r.PathPrefix("/auth").Subrouter()
	auth.Use(middleware.JSONGuard())
	auth.Use(g.limitLocal)
	auth.HandleFunc("/logout", g.logout).Methods(http.MethodPost)
	auth.HandleFunc("/logout/all", g.logoutAll).Methods(http.MethodPost)
	auth.HandleFunc("/token/validate", g.validate).Methods(http.MethodPost)
	auth.HandleFunc("/token/validate/public", g.validatePublic).Methods(http.MethodPost)
	auth.HandleFunc("/token/refresh", g.refresh).Methods(http.MethodPost)

	if g.hub != nil {
		r.HandleFunc("/ws", g.websocket).Methods(http.MethodGet)
	}

	r.PathPrefix("/").HandlerFunc(g.proxy)
	return r
}

func (g *Gateway) health(w http.ResponseWriter, r *http.Request) {
	respond.JSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "gateway",
	})
}

// websocket hands the connection to the broadcast hub. A bearer token
// (header or, for browser clients, the token query parameter) binds a
// principal to the session; anonymous connections may still subscribe.
func (g *Gateway) websocket(w http.ResponseWriter, r *http.Request) {
	raw, err := trust.BearerToken(r.Header.Get("Authorization"))
	if err != nil {
		raw = r.URL.Query().Get("token")
	}
	if raw != "" {
		principal, err := g.verifier.Verify(r.Context(), raw)
		if err != nil {
			respond.Unauthorized(w, r)
			return
		}
		r = r.WithContext(core.WithPrincipal(r.Context(), principal))
	}
	g.hub.Handler()(w, r)
}

// limitLocal applies the default quota to the gateway's own endpoints
// before any token work, keyed by client IP or API key.
func (g *Gateway) limitLocal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.enforceQuota(w, r, nil, "auth-local", "", "") {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// enforceQuota runs one rate-limit check and writes the denial when
// the request is over quota. It reports whether handling may proceed.
func (g *Gateway) enforceQuota(w http.ResponseWriter, r *http.Request, principal *core.Principal, routeID, routeQuota, version string) bool {
	if g.limiter == nil {
		return true
	}
	dec, err := g.limiter.Check(r.Context(), r, principal, routeID, routeQuota, version)
	if err != nil {
		respond.ServiceUnavailable(w, r, "Rate limiting is temporarily unavailable")
		return false
	}
	ratelimit.SetHeaders(w.Header(), dec)
	if dec.Allowed {
		return true
	}
	if dec.Blocked {
		respond.TooManyRequests(w, r, "Temporarily blocked after repeated rate limit violations")
		return false
	}
	respond.TooManyRequests(w, r, "Rate limit exceeded")
	return false
}
