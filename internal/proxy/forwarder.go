// Package proxy forwards matched requests to their upstream targets.
// Bodies stream in both directions; the only per-request state is the
// rebuilt header set. Each target gets a circuit breaker and a bounded
// connection slot pool, so one slow upstream cannot drain the gateway.
package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/studyhive/edge/internal/circuitbreaker"
	"github.com/studyhive/edge/internal/config"
	"github.com/studyhive/edge/internal/core"
	"github.com/studyhive/edge/internal/metrics"
	"github.com/studyhive/edge/internal/respond"
	"github.com/studyhive/edge/internal/routes"
	"github.com/studyhive/edge/internal/trust"
)

// hopByHop headers are connection-scoped and never forwarded.
var hopByHop = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Proxy-Connection", "Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// Forwarder proxies HTTP requests to route targets.
type Forwarder struct {
	transport *http.Transport
	breakers  *circuitbreaker.Manager
	metrics   *metrics.Gateway
	log       *slog.Logger

	allowed map[string]bool // canonical header names
	timeout time.Duration

	mu    sync.Mutex
	slots map[string]*semaphore.Weighted // per-target connection slots
	width int64
}

// NewForwarder builds a forwarder from the proxy config.
func NewForwarder(cfg config.ProxyConfig, breakers *circuitbreaker.Manager, m *metrics.Gateway, log *slog.Logger) *Forwarder {
	if log == nil {
		log = slog.Default()
	}
	allowed := make(map[string]bool, len(cfg.AllowedHeaders))
	for _, name := range cfg.AllowedHeaders {
		allowed[textproto.CanonicalMIMEHeaderKey(name)] = true
	}
	width := int64(cfg.MaxConnsPerHost)
	if width <= 0 {
		width = 64
	}
	return &Forwarder{
		transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxConnsPerHost:       int(width),
			MaxIdleConnsPerHost:   int(width),
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
		breakers: breakers,
		metrics:  m,
		log:      log,
		allowed:  allowed,
		timeout:  cfg.UpstreamTimeout.Std(),
	}
}

// Forward proxies one request to the route's target, applying the
// route's rewrite and the per-target breaker. The principal, when
// present, is injected as identity headers.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, rt *routes.Route, p *core.Principal) {
	target := rt.Target.Host

	slot := f.slotFor(target)
	if !slot.TryAcquire(1) {
		f.metrics.RecordUpstreamError(target, "pool_exhausted")
		respond.ServiceUnavailable(w, r, "Upstream connection pool exhausted")
		return
	}
	defer slot.Release(1)

	breaker := f.breakerFor(rt)
	gen, err := breaker.Begin()
	if err != nil {
		f.metrics.RecordUpstreamError(target, "open_circuit")
		respond.ServiceUnavailable(w, r, "Upstream temporarily unavailable")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), f.timeout)
	defer cancel()

	out, err := f.buildRequest(ctx, r, rt, p)
	if err != nil {
		breaker.End(gen, true) // request build failure is not an upstream fault
		respond.BadGateway(w, r, "Upstream request could not be constructed")
		return
	}

	resp, err := f.transport.RoundTrip(out)
	if err != nil {
		breaker.End(gen, false)
		status, kind := classifyDialError(ctx, err)
		f.metrics.RecordUpstreamError(target, kind)
		f.log.Warn("upstream request failed",
			"target", target,
			"route", rt.ID,
			"kind", kind,
			"error", err,
			"correlation_id", core.CorrelationID(r.Context()),
		)
		if status == http.StatusGatewayTimeout {
			respond.GatewayTimeout(w, r, "Upstream did not respond in time")
		} else {
			respond.BadGateway(w, r, "Upstream is unreachable")
		}
		return
	}
	defer resp.Body.Close()

	success := resp.StatusCode < 500
	breaker.End(gen, success)
	if !success {
		f.metrics.RecordUpstreamError(target, "status_5xx")
	}

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if err := streamBody(w, resp.Body); err != nil && !errors.Is(err, context.Canceled) {
		f.log.Debug("response stream interrupted",
			"target", target,
			"error", err,
		)
	}
}

// buildRequest constructs the outbound request: rewritten path, same
// query, streamed body, and a header set rebuilt from the allow-list.
func (f *Forwarder) buildRequest(ctx context.Context, r *http.Request, rt *routes.Route, p *core.Principal) (*http.Request, error) {
	u := *rt.Target
	u.Path = rt.Rewrite(r.URL.Path)
	u.RawQuery = r.URL.RawQuery

	out, err := http.NewRequestWithContext(ctx, r.Method, u.String(), r.Body)
	if err != nil {
		return nil, err
	}
	out.ContentLength = r.ContentLength

	for name, values := range r.Header {
		if !f.allowed[name] {
			continue
		}
		out.Header[name] = values
	}
	stripHopByHop(out.Header, r.Header.Get("Connection"))

	for name, value := range rt.InjectHeaders {
		out.Header.Set(name, value)
	}
	if p != nil {
		trust.InjectIdentity(out.Header, p)
	}
	if cid := core.CorrelationID(r.Context()); cid != "" {
		out.Header.Set(core.HeaderCorrelationID, cid)
	}
	if rid := core.RequestID(r.Context()); rid != "" {
		out.Header.Set(core.HeaderRequestID, rid)
	}

	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		prior := r.Header.Get("X-Forwarded-For")
		if prior != "" {
			ip = prior + ", " + ip
		}
		out.Header.Set("X-Forwarded-For", ip)
	}
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	out.Header.Set("X-Forwarded-Proto", proto)
	out.Header.Set("X-Forwarded-Host", r.Host)
	return out, nil
}

func (f *Forwarder) breakerFor(rt *routes.Route) *circuitbreaker.Breaker {
	if rt.Breaker == nil {
		return f.breakers.Get(rt.Target.Host)
	}
	return f.breakers.GetOrCreate(rt.Target.Host, circuitbreaker.Config{
		FailureRatio: rt.Breaker.FailureRatio,
		MinRequests:  rt.Breaker.MinRequests,
		Cooldown:     rt.Breaker.Cooldown.Std(),
		MaxHalfOpen:  rt.Breaker.MaxHalfOpen,
	})
}

func (f *Forwarder) slotFor(target string) *semaphore.Weighted {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.slots == nil {
		f.slots = make(map[string]*semaphore.Weighted)
	}
	s, ok := f.slots[target]
	if !ok {
		s = semaphore.NewWeighted(f.width)
		f.slots[target] = s
	}
	return s
}

// classifyDialError maps a transport error to a response status and a
// metric kind.
func classifyDialError(ctx context.Context, err error) (int, string) {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, "timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return http.StatusGatewayTimeout, "timeout"
	}
	return http.StatusBadGateway, "connect"
}

func copyResponseHeaders(dst, src http.Header) {
	for name, values := range src {
		dst[name] = values
	}
	stripHopByHop(dst, src.Get("Connection"))
}

// stripHopByHop removes connection-scoped headers, including any named
// by the Connection header itself.
func stripHopByHop(h http.Header, connection string) {
	for _, name := range hopByHop {
		h.Del(name)
	}
	for _, name := range strings.Split(connection, ",") {
		if name = strings.TrimSpace(name); name != "" {
			h.Del(name)
		}
	}
}

// streamBody copies the upstream body to the client, flushing after
// each chunk so long-lived responses are not held back by buffering.
func streamBody(w http.ResponseWriter, body io.Reader) error {
	rc := http.NewResponseController(w)
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			rc.Flush()
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
