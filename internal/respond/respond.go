// Package respond writes the edge plane's uniform response bodies.
// Every error, whatever produced it, leaves the process in the same
// JSON shape so clients and log pipelines never special-case handlers.
package respond

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// ErrorBody is the uniform error envelope.
type ErrorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Status    int    `json:"status"`
	Timestamp string `json:"timestamp"`
	Path      string `json:"path"`
}

// JSON writes v with the given status. Encoding failures are logged,
// not surfaced; headers are already gone by then.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode failed", "error", err)
	}
}

// Error writes the uniform error body for the request path.
func Error(w http.ResponseWriter, r *http.Request, status int, label, message string) {
	JSON(w, status, ErrorBody{
		Error:     label,
		Message:   message,
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Path:      r.URL.Path,
	})
}

// Convenience wrappers for the common taxonomy entries.

func BadRequest(w http.ResponseWriter, r *http.Request, message string) {
	Error(w, r, http.StatusBadRequest, "Bad Request", message)
}

func Unauthorized(w http.ResponseWriter, r *http.Request) {
	Error(w, r, http.StatusUnauthorized, "Unauthorized", "Valid JWT token required")
}

func Forbidden(w http.ResponseWriter, r *http.Request, message string) {
	Error(w, r, http.StatusForbidden, "Forbidden", message)
}

func NotFound(w http.ResponseWriter, r *http.Request, message string) {
	Error(w, r, http.StatusNotFound, "Not Found", message)
}

func NotAcceptable(w http.ResponseWriter, r *http.Request, message string) {
	Error(w, r, http.StatusNotAcceptable, "Not Acceptable", message)
}

func TooManyRequests(w http.ResponseWriter, r *http.Request, message string) {
	Error(w, r, http.StatusTooManyRequests, "Too Many Requests", message)
}

func BadGateway(w http.ResponseWriter, r *http.Request, message string) {
	Error(w, r, http.StatusBadGateway, "Bad Gateway", message)
}

func ServiceUnavailable(w http.ResponseWriter, r *http.Request, message string) {
	Error(w, r, http.StatusServiceUnavailable, "Service Unavailable", message)
}

func GatewayTimeout(w http.ResponseWriter, r *http.Request, message string) {
	Error(w, r, http.StatusGatewayTimeout, "Gateway Timeout", message)
}

func Internal(w http.ResponseWriter, r *http.Request) {
	Error(w, r, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred")
}
