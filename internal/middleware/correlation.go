// Package middleware holds the HTTP middleware both servers share:
// panic recovery, correlation IDs, access logging, request metrics and
// the JSON body guard for local mutating endpoints.
package middleware

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/studyhive/edge/internal/core"
)

// Correlation tags every request with a correlation ID (inbound value
// reused, otherwise generated) and a fresh request ID, stores both on
// the context and echoes both on the response.
func Correlation() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			correlationID := r.Header.Get(core.HeaderCorrelationID)
			if correlationID == "" {
				correlationID = newID()
			}
			requestID := newID()

			ctx := core.WithRequestIDs(r.Context(), correlationID, requestID)
			w.Header().Set(core.HeaderCorrelationID, correlationID)
			w.Header().Set(core.HeaderRequestID, requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// newID prefers time-ordered UUIDs; v7 generation only fails when the
// entropy source does, in which case v4's internal fallback still
// yields an ID.
func newID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}
