package producer

import (
	"context"
	"errors"
	"sync"
)

// ErrInjected is the failure returned by a memory transport that has
// been told to fail.
var ErrInjected = errors.New("producer: injected transport failure")

// MemoryTransport is an in-process broker stand-in. It records every
// acknowledged publish per exchange and can be told to fail specific
// routing keys, which drives the retry and dead-letter paths in tests
// and broker-less local runs.
type MemoryTransport struct {
	mu        sync.Mutex
	published map[string][]*OutboundMessage
	failures  map[string]int
	downWith  error
	closed    bool
}

// NewMemoryTransport builds an empty transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		published: make(map[string][]*OutboundMessage),
		failures:  make(map[string]int),
	}
}

// FailNext makes the next n publishes for the routing key fail.
func (t *MemoryTransport) FailNext(routingKey string, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures[routingKey] = n
}

// SetDown makes every publish fail with err until cleared with nil.
func (t *MemoryTransport) SetDown(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.downWith = err
}

// Publish records the message under the exchange, honoring injected
// failures first.
func (t *MemoryTransport) Publish(ctx context.Context, exchange string, msg *OutboundMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("producer: transport closed")
	}
	if t.downWith != nil {
		return t.downWith
	}
	if n := t.failures[msg.RoutingKey]; n > 0 {
		t.failures[msg.RoutingKey] = n - 1
		return ErrInjected
	}
	t.published[exchange] = append(t.published[exchange], msg.clone())
	return nil
}

// Published returns the acknowledged messages for an exchange in
// publish order.
func (t *MemoryTransport) Published(exchange string) []*OutboundMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	msgs := t.published[exchange]
	out := make([]*OutboundMessage, len(msgs))
	copy(out, msgs)
	return out
}

// Close marks the transport closed; further publishes fail.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}
