package notify

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/studyhive/edge/internal/core"
	"github.com/studyhive/edge/internal/metrics"
	"github.com/studyhive/edge/internal/middleware"
	"github.com/studyhive/edge/internal/respond"
	"github.com/studyhive/edge/internal/templates"
	"github.com/studyhive/edge/internal/trust"
)

// NewRouter assembles the notifier HTTP surface: health and metrics at
// the root, the notification and template APIs under /api/v1 behind the
// JSON guard and the identity resolver.
func NewRouter(h *Handlers, tpl *templates.Handlers, verifier *trust.Verifier, m *metrics.Notifier, gatherer prometheus.Gatherer, log *slog.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.Recovery(log))
	r.Use(middleware.Correlation())
	r.Use(middleware.AccessLog(log))
	if m != nil {
		r.Use(middleware.Metrics(m.RecordRequest))
	}

	r.HandleFunc("/health/notifier", func(w http.ResponseWriter, _ *http.Request) {
		respond.JSON(w, http.StatusOK, map[string]string{
			"status":  "healthy",
			"service": "notifier",
		})
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.JSONGuard())
	api.Use(identity(verifier))

	h.Mount(api.PathPrefix("/notifications").Subrouter())
	tpl.Mount(api.PathPrefix("/templates").Subrouter())
	api.HandleFunc("/internal/users/sync", h.SyncUsers).Methods(http.MethodPost)
	return r
}

// identity resolves the acting principal. Identity headers forwarded by
// the gateway win; otherwise a bearer token is verified when a verifier
// is configured. Anonymous requests pass through, handlers that need a
// user fall back to the userId parameter or reject.
func identity(verifier *trust.Verifier) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if p, ok := trust.PrincipalFromHeaders(r.Header); ok {
				next.ServeHTTP(w, r.WithContext(core.WithPrincipal(r.Context(), p)))
				return
			}
			if auth := r.Header.Get("Authorization"); auth != "" && verifier != nil {
				raw, err := trust.BearerToken(auth)
				if err != nil {
					respond.Unauthorized(w, r)
					return
				}
				p, err := verifier.Verify(r.Context(), raw)
				if err != nil {
					respond.Unauthorized(w, r)
					return
				}
				next.ServeHTTP(w, r.WithContext(core.WithPrincipal(r.Context(), p)))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
