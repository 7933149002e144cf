package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/studyhive/edge/internal/config"
	"github.com/studyhive/edge/internal/metrics"
)

// ErrDeadLettered reports that a message exhausted its retries and was
// routed to the dead-letter exchange instead of its destination.
var ErrDeadLettered = errors.New("producer: message dead-lettered")

// Transport carries messages to a concrete broker. Publish returns nil
// only once the broker has acknowledged the message.
type Transport interface {
	Publish(ctx context.Context, exchange string, msg *OutboundMessage) error
	Close() error
}

// Producer retries failed publishes with a bounded backoff and
// dead-letters what it cannot deliver.
type Producer struct {
	transport Transport
	exchange  string
	dlx       string

	maxRetries int
	backoff    time.Duration

	metrics *metrics.Notifier
	log     *slog.Logger
}

// New builds a producer over the given transport.
func New(t Transport, cfg config.ProducerConfig, m *metrics.Notifier, log *slog.Logger) *Producer {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.NewNotifier(nil)
	}
	backoff := cfg.RetryBackoff.Std()
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return &Producer{
		transport:  t,
		exchange:   cfg.Exchange,
		dlx:        cfg.DLXExchange,
		maxRetries: cfg.MaxRetries,
		backoff:    backoff,
		metrics:    m,
		log:        log,
	}
}

// Publish delivers msg to the exchange, retrying on failure while the
// retry counter is below the message's maximum. Exhausted messages go
// to the dead-letter exchange and Publish reports ErrDeadLettered.
func (p *Producer) Publish(ctx context.Context, msg *OutboundMessage) error {
	if msg.MaxRetries == 0 {
		msg.MaxRetries = p.maxRetries
	}

	var lastErr error
	for {
		lastErr = p.transport.Publish(ctx, p.exchange, msg)
		if lastErr == nil {
			p.metrics.RecordPublish(msg.RoutingKey, "ack")
			return nil
		}
		if msg.RetryCount >= msg.MaxRetries {
			break
		}
		msg.RetryCount++
		p.metrics.RecordPublish(msg.RoutingKey, "retried")
		p.metrics.MessageRetries.Inc()
		p.log.Warn("publish failed, retrying",
			"message_id", msg.ID,
			"routing_key", msg.RoutingKey,
			"retry", msg.RetryCount,
			"error", lastErr,
		)
		if err := sleep(ctx, p.backoff*time.Duration(msg.RetryCount)); err != nil {
			return p.deadLetter(ctx, msg, lastErr)
		}
	}
	return p.deadLetter(ctx, msg, lastErr)
}

// PublishBatch publishes each message independently and joins the
// failures; one poisoned message does not stop the rest.
func (p *Producer) PublishBatch(ctx context.Context, msgs []*OutboundMessage) error {
	var errs []error
	for _, msg := range msgs {
		if err := p.Publish(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("message %s: %w", msg.ID, err))
		}
	}
	return errors.Join(errs...)
}

// PublishAsync publishes in the background. The returned channel
// yields exactly one value: nil once the broker acked, or the final
// error.
func (p *Producer) PublishAsync(ctx context.Context, msg *OutboundMessage) <-chan error {
	result := make(chan error, 1)
	go func() {
		result <- p.Publish(ctx, msg)
	}()
	return result
}

// Close shuts the underlying transport down.
func (p *Producer) Close() error {
	return p.transport.Close()
}

func (p *Producer) deadLetter(ctx context.Context, msg *OutboundMessage, cause error) error {
	dead := msg.clone()
	if dead.Headers == nil {
		dead.Headers = make(map[string]string, 3)
	}
	dead.Headers["x-failure-reason"] = cause.Error()
	dead.Headers["x-original-queue"] = msg.RoutingKey
	dead.Headers["x-failed-at"] = time.Now().UTC().Format(time.RFC3339)

	if err := p.transport.Publish(ctx, p.dlx, dead); err != nil {
		p.metrics.RecordPublish(msg.RoutingKey, "failed")
		p.log.Error("dead-letter publish failed, message lost",
			"message_id", msg.ID,
			"routing_key", msg.RoutingKey,
			"cause", cause,
			"error", err,
		)
		return fmt.Errorf("producer: dead-letter publish for %s: %w", msg.ID, errors.Join(cause, err))
	}

	p.metrics.RecordPublish(msg.RoutingKey, "dead_lettered")
	p.metrics.MessagesDeadLettered.Inc()
	p.log.Error("message dead-lettered",
		"message_id", msg.ID,
		"routing_key", msg.RoutingKey,
		"retries", msg.RetryCount,
		"cause", cause,
	)
	return fmt.Errorf("%w: %s after %d retries: %v", ErrDeadLettered, msg.ID, msg.RetryCount, cause)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
