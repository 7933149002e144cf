// Package producer publishes outbound messages to the broker with
// bounded retries and dead-lettering. Exactly one terminal outcome
// holds per message: a broker ack or a dead-letter entry.
package producer

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// Routing keys for the notification exchange.
const (
	KeyCreated      = "notification.created"
	KeyPriorityHigh = "notification.priority.high"
)

// ChannelKey builds the per-channel routing key, e.g.
// notification.email.send.
func ChannelKey(channel, action string) string {
	return "notification." + strings.ToLower(channel) + "." + action
}

// PriorityLevel maps a notification priority name onto the broker's
// 0-9 priority scale.
func PriorityLevel(name string) uint8 {
	switch name {
	case "LOW":
		return 1
	case "HIGH":
		return 7
	case "URGENT":
		return 9
	default:
		return 4
	}
}

// OutboundMessage is one unit of broker work. The ID is assigned once
// and survives retries, so consumers can deduplicate republished
// deliveries.
type OutboundMessage struct {
	ID            string
	RoutingKey    string
	Body          json.RawMessage
	Priority      uint8
	CorrelationID string
	RetryCount    int
	MaxRetries    int
	Headers       map[string]string
}

// NewMessage builds a message with a fresh stable ID. The body is
// marshalled immediately so a later retry cannot observe a mutated
// payload.
func NewMessage(routingKey string, payload interface{}, correlationID string) (*OutboundMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &OutboundMessage{
		ID:            newMessageID(),
		RoutingKey:    routingKey,
		Body:          body,
		Priority:      PriorityLevel(""),
		CorrelationID: correlationID,
	}, nil
}

func newMessageID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

func (m *OutboundMessage) clone() *OutboundMessage {
	c := *m
	if m.Headers != nil {
		c.Headers = make(map[string]string, len(m.Headers))
		for k, v := range m.Headers {
			c.Headers[k] = v
		}
	}
	return &c
}
