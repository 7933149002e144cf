package producer

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyhive/edge/internal/config"
	"github.com/studyhive/edge/internal/metrics"
)

const (
	testExchange = "studyhive.notifications"
	testDLX      = "studyhive.notifications.dlx"
)

func newTestProducer(t *testing.T) (*Producer, *MemoryTransport) {
	t.Helper()
	transport := NewMemoryTransport()
	p := New(transport, config.ProducerConfig{
		Exchange:     testExchange,
		DLXExchange:  testDLX,
		MaxRetries:   2,
		RetryBackoff: config.Duration(time.Millisecond),
	}, metrics.NewNotifier(prometheus.NewRegistry()), nil)
	return p, transport
}

func newTestMessage(t *testing.T, key string) *OutboundMessage {
	t.Helper()
	msg, err := NewMessage(key, map[string]string{"title": "Hive starting"}, "corr-1")
	require.NoError(t, err)
	return msg
}

func TestPublishAck(t *testing.T) {
	p, transport := newTestProducer(t)
	msg := newTestMessage(t, KeyCreated)

	require.NoError(t, p.Publish(context.Background(), msg))

	published := transport.Published(testExchange)
	require.Len(t, published, 1)
	assert.Equal(t, msg.ID, published[0].ID)
	assert.Equal(t, 0, published[0].RetryCount)
	assert.Empty(t, transport.Published(testDLX))
}

func TestPublishRetriesThenSucceeds(t *testing.T) {
	p, transport := newTestProducer(t)
	msg := newTestMessage(t, ChannelKey("EMAIL", "send"))

	transport.FailNext(msg.RoutingKey, 1)
	require.NoError(t, p.Publish(context.Background(), msg))

	published := transport.Published(testExchange)
	require.Len(t, published, 1)
	assert.Equal(t, msg.ID, published[0].ID, "retries must keep the original id")
	assert.Equal(t, 1, published[0].RetryCount)
	assert.Empty(t, transport.Published(testDLX))
}

func TestPublishExhaustsRetriesAndDeadLetters(t *testing.T) {
	p, transport := newTestProducer(t)
	msg := newTestMessage(t, ChannelKey("EMAIL", "send"))

	// Three failures against max-retries 2: initial attempt plus two
	// retries all fail, then the message dead-letters.
	transport.FailNext(msg.RoutingKey, 3)
	err := p.Publish(context.Background(), msg)
	require.ErrorIs(t, err, ErrDeadLettered)

	assert.Empty(t, transport.Published(testExchange))
	dead := transport.Published(testDLX)
	require.Len(t, dead, 1)
	assert.Equal(t, msg.ID, dead[0].ID)
	assert.Equal(t, 2, dead[0].RetryCount)
	assert.Equal(t, ErrInjected.Error(), dead[0].Headers["x-failure-reason"])
	assert.Equal(t, msg.RoutingKey, dead[0].Headers["x-original-queue"])
	failedAt, parseErr := time.Parse(time.RFC3339, dead[0].Headers["x-failed-at"])
	require.NoError(t, parseErr)
	assert.WithinDuration(t, time.Now().UTC(), failedAt, time.Minute)
}

func TestPublishHasExactlyOneTerminalOutcome(t *testing.T) {
	for _, failures := range []int{0, 1, 2, 3, 5} {
		p, transport := newTestProducer(t)
		msg := newTestMessage(t, KeyCreated)
		transport.FailNext(msg.RoutingKey, failures)

		_ = p.Publish(context.Background(), msg)

		total := len(transport.Published(testExchange)) + len(transport.Published(testDLX))
		assert.Equal(t, 1, total, "failures=%d: want exactly one ack or one dead letter", failures)
	}
}

func TestPublishBatchIsBestEffort(t *testing.T) {
	p, transport := newTestProducer(t)

	good1 := newTestMessage(t, KeyCreated)
	bad := newTestMessage(t, ChannelKey("PUSH", "send"))
	good2 := newTestMessage(t, KeyPriorityHigh)
	transport.FailNext(bad.RoutingKey, 10)

	err := p.PublishBatch(context.Background(), []*OutboundMessage{good1, bad, good2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), bad.ID)

	assert.Len(t, transport.Published(testExchange), 2)
	assert.Len(t, transport.Published(testDLX), 1)
}

func TestPublishAsyncYieldsOneResult(t *testing.T) {
	p, transport := newTestProducer(t)
	msg := newTestMessage(t, KeyCreated)

	select {
	case err := <-p.PublishAsync(context.Background(), msg):
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("async publish never completed")
	}
	assert.Len(t, transport.Published(testExchange), 1)
}

func TestPublishBrokerDownEverywhereStillErrors(t *testing.T) {
	p, transport := newTestProducer(t)
	transport.SetDown(ErrInjected)
	msg := newTestMessage(t, KeyCreated)

	err := p.Publish(context.Background(), msg)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDeadLettered, "a failed dead-letter publish is a loss, not a dead letter")
}

func TestPriorityLevels(t *testing.T) {
	assert.Equal(t, uint8(1), PriorityLevel("LOW"))
	assert.Equal(t, uint8(4), PriorityLevel("NORMAL"))
	assert.Equal(t, uint8(7), PriorityLevel("HIGH"))
	assert.Equal(t, uint8(9), PriorityLevel("URGENT"))
	assert.Equal(t, uint8(4), PriorityLevel(""))
}

func TestChannelKey(t *testing.T) {
	assert.Equal(t, "notification.email.send", ChannelKey("EMAIL", "send"))
	assert.Equal(t, "notification.websocket.send", ChannelKey("WEBSOCKET", "send"))
}
