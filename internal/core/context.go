package core

import "context"

type contextKey int

const metaKey contextKey = iota

// requestMeta carries per-request state. It is allocated once by the
// correlation middleware and mutated in place afterwards, so attaching
// the principal later does not re-wrap the context.
type requestMeta struct {
	correlationID string
	requestID     string
	principal     *Principal
}

// WithRequestIDs returns a context carrying the correlation and request
// identifiers for this request.
func WithRequestIDs(ctx context.Context, correlationID, requestID string) context.Context {
	return context.WithValue(ctx, metaKey, &requestMeta{
		correlationID: correlationID,
		requestID:     requestID,
	})
}

// CorrelationID returns the request's correlation id, or "" when the
// context does not belong to a request.
func CorrelationID(ctx context.Context) string {
	if m, ok := ctx.Value(metaKey).(*requestMeta); ok {
		return m.correlationID
	}
	return ""
}

// RequestID returns the request's request id, or "".
func RequestID(ctx context.Context) string {
	if m, ok := ctx.Value(metaKey).(*requestMeta); ok {
		return m.requestID
	}
	return ""
}

// WithPrincipal attaches the verified principal. When the context
// already carries request metadata the existing value is mutated;
// principals are set exactly once, before any concurrent reads.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	if m, ok := ctx.Value(metaKey).(*requestMeta); ok {
		m.principal = p
		return ctx
	}
	return context.WithValue(ctx, metaKey, &requestMeta{principal: p})
}

// PrincipalFrom returns the verified principal, if any.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	if m, ok := ctx.Value(metaKey).(*requestMeta); ok && m.principal != nil {
		return m.principal, true
	}
	return nil, false
}
