package proxy

import (
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/studyhive/edge/internal/core"
	"github.com/studyhive/edge/internal/respond"
	"github.com/studyhive/edge/internal/routes"
	"github.com/studyhive/edge/internal/trust"
)

const (
	relayWriteWait  = 10 * time.Second
	relayPongWait   = 60 * time.Second
	relayPingPeriod = 30 * time.Second
	relayMaxMessage = 512 * 1024
)

var relayUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// reserved headers the WebSocket handshake owns; the dialer sets its
// own and rejects callers that supply them.
var wsReserved = map[string]bool{
	"Connection":               true,
	"Upgrade":                  true,
	"Sec-Websocket-Key":        true,
	"Sec-Websocket-Version":    true,
	"Sec-Websocket-Extensions": true,
	"Sec-Websocket-Protocol":   true,
}

// Relay proxies a WebSocket session to the route's target. The
// upstream is dialed before the client upgrade so handshake failures
// still produce a plain HTTP error. Frames are relayed synchronously
// in each direction, so a stalled writer pauses reads from its peer.
func (f *Forwarder) Relay(w http.ResponseWriter, r *http.Request, rt *routes.Route, p *core.Principal) {
	target := rt.Target.Host

	breaker := f.breakerFor(rt)
	gen, err := breaker.Begin()
	if err != nil {
		f.metrics.RecordUpstreamError(target, "open_circuit")
		respond.ServiceUnavailable(w, r, "Upstream temporarily unavailable")
		return
	}

	upstreamURL := url.URL{
		Scheme:   wsScheme(rt.Target.Scheme),
		Host:     rt.Target.Host,
		Path:     rt.Rewrite(r.URL.Path),
		RawQuery: r.URL.RawQuery,
	}

	dialer := websocket.Dialer{HandshakeTimeout: relayWriteWait}
	upstream, resp, err := dialer.Dial(upstreamURL.String(), f.relayHeaders(r, rt, p))
	if resp != nil {
		resp.Body.Close()
	}
	if err != nil {
		breaker.End(gen, false)
		f.metrics.RecordUpstreamError(target, "connect")
		f.log.Warn("websocket upstream dial failed",
			"target", target,
			"route", rt.ID,
			"error", err,
			"correlation_id", core.CorrelationID(r.Context()),
		)
		respond.BadGateway(w, r, "Upstream is unreachable")
		return
	}

	client, err := relayUpgrader.Upgrade(w, r, nil)
	if err != nil {
		upstream.Close()
		breaker.End(gen, true)
		return
	}
	breaker.End(gen, true)

	f.metrics.WebsocketSessions.Inc()
	defer f.metrics.WebsocketSessions.Dec()

	relaySession(client, upstream)
}

// relayHeaders builds the upstream handshake headers: allow-listed
// client headers minus handshake-reserved ones, identity, correlation
// and route-injected headers.
func (f *Forwarder) relayHeaders(r *http.Request, rt *routes.Route, p *core.Principal) http.Header {
	h := http.Header{}
	for name, values := range r.Header {
		if !f.allowed[name] || wsReserved[name] {
			continue
		}
		h[name] = values
	}
	for name, value := range rt.InjectHeaders {
		if !wsReserved[http.CanonicalHeaderKey(name)] {
			h.Set(name, value)
		}
	}
	if p != nil {
		trust.InjectIdentity(h, p)
	}
	if cid := core.CorrelationID(r.Context()); cid != "" {
		h.Set(core.HeaderCorrelationID, cid)
	}
	if rid := core.RequestID(r.Context()); rid != "" {
		h.Set(core.HeaderRequestID, rid)
	}
	return h
}

// relaySession pumps frames between the two connections until either
// side fails or closes, then tears both down with a close frame.
func relaySession(client, upstream *websocket.Conn) {
	for _, conn := range []*websocket.Conn{client, upstream} {
		c := conn
		c.SetReadLimit(relayMaxMessage)
		c.SetReadDeadline(time.Now().Add(relayPongWait))
		c.SetPongHandler(func(string) error {
			return c.SetReadDeadline(time.Now().Add(relayPongWait))
		})
	}

	errc := make(chan error, 2)
	go relayFrames(upstream, client, errc)
	go relayFrames(client, upstream, errc)

	ticker := time.NewTicker(relayPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case err := <-errc:
			closeMsg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
			var ce *websocket.CloseError
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				ce, _ = err.(*websocket.CloseError)
			}
			if ce != nil && ce.Code != websocket.CloseNoStatusReceived {
				closeMsg = websocket.FormatCloseMessage(ce.Code, ce.Text)
			}
			deadline := time.Now().Add(relayWriteWait)
			client.WriteControl(websocket.CloseMessage, closeMsg, deadline)
			upstream.WriteControl(websocket.CloseMessage, closeMsg, deadline)
			client.Close()
			upstream.Close()
			<-errc // second pump exits once its conn closes
			return
		case <-ticker.C:
			deadline := time.Now().Add(relayWriteWait)
			client.WriteControl(websocket.PingMessage, nil, deadline)
			upstream.WriteControl(websocket.PingMessage, nil, deadline)
		}
	}
}

// relayFrames copies messages from src to dst. The write is
// synchronous, so back-pressure on dst pauses reads from src.
func relayFrames(dst, src *websocket.Conn, errc chan<- error) {
	for {
		messageType, message, err := src.ReadMessage()
		if err != nil {
			errc <- err
			return
		}
		dst.SetWriteDeadline(time.Now().Add(relayWriteWait))
		if err := dst.WriteMessage(messageType, message); err != nil {
			errc <- err
			return
		}
	}
}

func wsScheme(scheme string) string {
	switch scheme {
	case "https", "wss":
		return "wss"
	default:
		return "ws"
	}
}
