package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/studyhive/edge/internal/respond"
)

// maxGuardedBody bounds how much of a request body the guard will
// buffer. Local endpoints never accept more.
const maxGuardedBody = 1 << 20

// JSONGuard rejects syntactically invalid JSON bodies on mutating
// methods before authentication runs, so a bad body is reported as 400
// rather than as an auth failure. It is mounted on local endpoints
// only; proxied traffic streams through untouched.
func JSONGuard() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !mutating(r.Method) || r.Body == nil || r.ContentLength == 0 {
				next.ServeHTTP(w, r)
				return
			}
			if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxGuardedBody+1))
			r.Body.Close()
			if err != nil {
				respond.BadRequest(w, r, "Request body could not be read")
				return
			}
			if len(body) > maxGuardedBody {
				respond.Error(w, r, http.StatusRequestEntityTooLarge, "Payload Too Large", "Request body exceeds the permitted size")
				return
			}
			if len(body) > 0 && !json.Valid(body) {
				respond.BadRequest(w, r, "Invalid JSON body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
