package broadcast

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/studyhive/edge/internal/core"
)

// Handler returns the upgrade endpoint. The trust middleware runs
// before it, so an authenticated caller arrives with a principal in
// context; anonymous sessions may subscribe but never publish.
func (h *Hub) Handler() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     checkOrigin(h.cfg.AllowedOrigins),
	}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the handshake error.
			h.log.Warn("websocket upgrade failed", "error", err)
			return
		}
		p, _ := core.PrincipalFrom(r.Context())
		s := newSession(h, conn, p, core.CorrelationID(r.Context()))

		select {
		case h.register <- s:
		case <-h.done:
			conn.Close()
			return
		}
		go s.writePump()
		go s.readPump()
	}
}

// checkOrigin allows every origin when none are configured, otherwise
// enforces the allow-list.
func checkOrigin(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		set[origin] = true
	}
	return func(r *http.Request) bool {
		return set[r.Header.Get("Origin")]
	}
}
