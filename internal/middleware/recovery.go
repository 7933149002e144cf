package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/gorilla/mux"

	"github.com/studyhive/edge/internal/core"
	"github.com/studyhive/edge/internal/respond"
)

// Recovery converts handler panics into uniform 500 responses. The
// panic value and stack go to the log, never to the client.
func Recovery(log *slog.Logger) mux.MiddlewareFunc {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("handler panic",
						"panic", rec,
						"method", r.Method,
						"path", r.URL.Path,
						"correlation_id", core.CorrelationID(r.Context()),
						"stack", string(debug.Stack()),
					)
					respond.Internal(w, r)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
