package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/studyhive/edge/internal/config"
)

// AMQPTransport publishes over a confirm-mode channel to durable topic
// exchanges. A publish returns nil only after the broker ack arrives.
type AMQPTransport struct {
	conn           *amqp.Connection
	confirmTimeout time.Duration
	log            *slog.Logger

	mu sync.Mutex
	ch *amqp.Channel
}

// DialAMQP connects to the broker and declares the main and
// dead-letter exchanges.
func DialAMQP(cfg config.ProducerConfig, log *slog.Logger) (*AMQPTransport, error) {
	if log == nil {
		log = slog.Default()
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("producer: dial %s: %w", cfg.URL, err)
	}
	t := &AMQPTransport{
		conn:           conn,
		confirmTimeout: cfg.ConfirmTimeout.Std(),
		log:            log,
	}
	if t.confirmTimeout <= 0 {
		t.confirmTimeout = 5 * time.Second
	}
	if err := t.resetChannel(cfg.Exchange, cfg.DLXExchange); err != nil {
		conn.Close()
		return nil, err
	}
	return t, nil
}

func (t *AMQPTransport) resetChannel(exchanges ...string) error {
	ch, err := t.conn.Channel()
	if err != nil {
		return fmt.Errorf("producer: open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return fmt.Errorf("producer: confirm mode: %w", err)
	}
	for _, name := range exchanges {
		if name == "" {
			continue
		}
		if err := ch.ExchangeDeclare(name, "topic", true, false, false, false, nil); err != nil {
			ch.Close()
			return fmt.Errorf("producer: declare exchange %s: %w", name, err)
		}
	}
	t.mu.Lock()
	t.ch = ch
	t.mu.Unlock()
	return nil
}

// Publish sends the message and waits for the broker confirm.
func (t *AMQPTransport) Publish(ctx context.Context, exchange string, msg *OutboundMessage) error {
	t.mu.Lock()
	ch := t.ch
	t.mu.Unlock()
	if ch == nil {
		return errors.New("producer: channel closed")
	}

	headers := amqp.Table{
		"x-correlation-id": msg.CorrelationID,
		"x-retry-count":    int32(msg.RetryCount),
	}
	for k, v := range msg.Headers {
		headers[k] = v
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, msg.RoutingKey, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     msg.ID,
		CorrelationId: msg.CorrelationID,
		Priority:      msg.Priority,
		Timestamp:     time.Now().UTC(),
		Headers:       headers,
		Body:          msg.Body,
	})
	if err != nil {
		return fmt.Errorf("producer: publish %s: %w", msg.RoutingKey, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, t.confirmTimeout)
	defer cancel()
	acked, err := confirm.WaitContext(waitCtx)
	if err != nil {
		return fmt.Errorf("producer: confirm %s: %w", msg.ID, err)
	}
	if !acked {
		return fmt.Errorf("producer: broker nacked %s", msg.ID)
	}
	return nil
}

// Close tears the channel and connection down; in-flight confirms are
// drained by the library before the channel close returns.
func (t *AMQPTransport) Close() error {
	t.mu.Lock()
	ch := t.ch
	t.ch = nil
	t.mu.Unlock()

	var errs []error
	if ch != nil {
		if err := ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := t.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
