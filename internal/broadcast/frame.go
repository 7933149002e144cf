// Package broadcast is the gateway's collaborative fan-out: a
// topic-keyed pub/sub over WebSocket with per-topic FIFO delivery and
// cross-instance bridging through the shared cache.
package broadcast

import (
	"encoding/json"
	"strings"
	"time"
)

// Frame types published to subscribers.
const (
	FrameTrackAdded       = "TRACK_ADDED"
	FrameTrackRemoved     = "TRACK_REMOVED"
	FrameTrackReordered   = "TRACK_REORDERED"
	FrameUserJoined       = "USER_JOINED"
	FrameUserLeft         = "USER_LEFT"
	FramePermissionDenied = "PERMISSION_DENIED"
)

// sendableTypes are the frame types clients may publish themselves.
// PERMISSION_DENIED is hub-issued only.
var sendableTypes = map[string]bool{
	FrameTrackAdded:     true,
	FrameTrackRemoved:   true,
	FrameTrackReordered: true,
	FrameUserJoined:     true,
	FrameUserLeft:       true,
}

// Frame is the envelope delivered to every subscriber of a topic.
type Frame struct {
	Type          string          `json:"type"`
	Topic         string          `json:"topic"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// Client commands, STOMP-flavored over JSON text frames.
const (
	CommandSubscribe   = "SUBSCRIBE"
	CommandUnsubscribe = "UNSUBSCRIBE"
	CommandSend        = "SEND"
)

// Command is one inbound client frame.
type Command struct {
	Command     string          `json:"command"`
	Destination string          `json:"destination"`
	Type        string          `json:"type,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Destination prefixes. Subscriptions address /topic/..., publishes
// address /app/...; both map to the same topic namespace.
const (
	topicPrefix = "/topic/"
	appPrefix   = "/app/"
)

// SubscribeTopic maps a /topic/... destination to its topic, reporting
// whether the destination is well-formed.
func SubscribeTopic(destination string) (string, bool) {
	if !strings.HasPrefix(destination, topicPrefix) {
		return "", false
	}
	topic := strings.TrimPrefix(destination, topicPrefix)
	return topic, ValidTopic(topic)
}

// SendTopic maps an /app/... destination to its topic.
func SendTopic(destination string) (string, bool) {
	if !strings.HasPrefix(destination, appPrefix) {
		return "", false
	}
	topic := strings.TrimPrefix(destination, appPrefix)
	return topic, ValidTopic(topic)
}

// ValidTopic accepts the two topic shapes the edge plane carries:
// playlist/{id} and hive/{id}/presence.
func ValidTopic(topic string) bool {
	parts := strings.Split(topic, "/")
	switch {
	case len(parts) == 2 && parts[0] == "playlist":
		return parts[1] != ""
	case len(parts) == 3 && parts[0] == "hive" && parts[2] == "presence":
		return parts[1] != ""
	}
	return false
}

// deniedPayload rides inside PERMISSION_DENIED frames.
type deniedPayload struct {
	Reason      string `json:"reason"`
	Destination string `json:"destination,omitempty"`
}

func denied(topic, reason, destination, correlationID string) *Frame {
	payload, _ := json.Marshal(deniedPayload{Reason: reason, Destination: destination})
	return &Frame{
		Type:          FramePermissionDenied,
		Topic:         topic,
		Payload:       payload,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
	}
}
