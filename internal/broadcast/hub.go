package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"github.com/studyhive/edge/internal/cache"
	"github.com/studyhive/edge/internal/config"
	"github.com/studyhive/edge/internal/metrics"
)

const bridgePrefix = "broadcast:"

type subscription struct {
	session *Session
	topic   string
}

type publishRequest struct {
	frame   *Frame
	origin  *Session // session that issued SEND, nil for server publishes
	bridged bool     // arrived via the cache bridge, do not re-bridge
}

type countQuery struct {
	topic string
	reply chan int
}

// bridgeEnvelope wraps frames crossing instances so a hub can skip the
// echoes of its own publishes.
type bridgeEnvelope struct {
	Origin string `json:"origin"`
	Frame  *Frame `json:"frame"`
}

// Hub owns all subscription state. A single goroutine (Run) applies
// every mutation and publish, which is what makes per-topic delivery
// FIFO: frames enter each subscriber's send buffer in publish order and
// a single writer drains it.
type Hub struct {
	cfg     config.BroadcastConfig
	cache   cache.Cache
	metrics *metrics.Gateway
	log     *slog.Logger

	instanceID string

	register    chan *Session
	unregister  chan *Session
	subscribe   chan subscription
	unsubscribe chan subscription
	publish     chan publishRequest
	queries     chan countQuery
	bridgeOut   chan bridgeEnvelope
	done        chan struct{}

	// Owned by Run; never touched from other goroutines.
	sessions map[*Session]map[string]bool
	topics   map[string]map[*Session]bool
	bridges  map[string]func()
}

// NewHub builds a hub. cache may be nil for single-instance runs; the
// cross-instance bridge is then disabled.
func NewHub(cfg config.BroadcastConfig, c cache.Cache, m *metrics.Gateway, log *slog.Logger) *Hub {
	return &Hub{
		cfg:         cfg,
		cache:       c,
		metrics:     m,
		log:         log,
		instanceID:  uuid.NewString(),
		register:    make(chan *Session),
		unregister:  make(chan *Session),
		subscribe:   make(chan subscription),
		unsubscribe: make(chan subscription),
		publish:     make(chan publishRequest, 512),
		queries:     make(chan countQuery),
		bridgeOut:   make(chan bridgeEnvelope, 256),
		done:        make(chan struct{}),
		sessions:    make(map[*Session]map[string]bool),
		topics:      make(map[string]map[*Session]bool),
		bridges:     make(map[string]func()),
	}
}

// Run applies commands until the context is cancelled, then closes
// every session and releases the bridge subscriptions.
func (h *Hub) Run(ctx context.Context) error {
	go h.bridgeWriter(ctx)

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return nil
		case s := <-h.register:
			h.sessions[s] = make(map[string]bool)
			if h.metrics != nil {
				h.metrics.WebsocketSessions.Inc()
			}
		case s := <-h.unregister:
			h.drop(s)
		case sub := <-h.subscribe:
			h.addSubscription(ctx, sub)
		case sub := <-h.unsubscribe:
			h.removeSubscription(sub.session, sub.topic)
		case req := <-h.publish:
			h.handlePublish(req)
		case q := <-h.queries:
			q.reply <- len(h.topics[q.topic])
		}
	}
}

// SubscriberCount reports the topic's local subscribers. Zero after
// shutdown.
func (h *Hub) SubscriberCount(topic string) int {
	q := countQuery{topic: topic, reply: make(chan int, 1)}
	select {
	case h.queries <- q:
		return <-q.reply
	case <-h.done:
		return 0
	}
}

// Broadcast publishes a server-originated frame to a topic. It is safe
// to call from any goroutine.
func (h *Hub) Broadcast(frame *Frame) {
	select {
	case h.publish <- publishRequest{frame: frame}:
	case <-h.done:
	}
}

func (h *Hub) addSubscription(ctx context.Context, sub subscription) {
	topics, ok := h.sessions[sub.session]
	if !ok {
		return
	}
	topics[sub.topic] = true

	subscribers := h.topics[sub.topic]
	if subscribers == nil {
		subscribers = make(map[*Session]bool)
		h.topics[sub.topic] = subscribers
		h.openBridge(ctx, sub.topic)
	}
	subscribers[sub.session] = true
}

func (h *Hub) removeSubscription(s *Session, topic string) {
	if topics, ok := h.sessions[s]; ok {
		delete(topics, topic)
	}
	subscribers, ok := h.topics[topic]
	if !ok {
		return
	}
	delete(subscribers, s)
	if len(subscribers) == 0 {
		delete(h.topics, topic)
		h.closeBridge(topic)
	}
}

// handlePublish checks permission, fans out locally and bridges the
// frame to the other instances. Denials go only to the originator.
func (h *Hub) handlePublish(req publishRequest) {
	frame := req.frame

	if req.origin != nil {
		if reason, ok := h.sendAllowed(req); !ok {
			req.origin.deliver(denied(frame.Topic, reason, "", frame.CorrelationID))
			return
		}
	}

	if h.metrics != nil {
		h.metrics.BroadcastFrames.WithLabelValues(frame.Type).Inc()
	}
	h.fanOut(frame)

	if !req.bridged {
		select {
		case h.bridgeOut <- bridgeEnvelope{Origin: h.instanceID, Frame: frame}:
		default:
			h.log.Warn("bridge queue full, frame not replicated", "topic", frame.Topic)
		}
	}
}

// sendAllowed gates client publishes: the session must be
// authenticated, subscribed to the topic, and sending a content frame.
func (h *Hub) sendAllowed(req publishRequest) (string, bool) {
	if req.origin.principal == nil {
		return "authentication required", false
	}
	if !sendableTypes[req.frame.Type] {
		return "frame type not permitted", false
	}
	if topics, ok := h.sessions[req.origin]; !ok || !topics[req.frame.Topic] {
		return "not subscribed to topic", false
	}
	return "", true
}

func (h *Hub) fanOut(frame *Frame) {
	subscribers, ok := h.topics[frame.Topic]
	if !ok {
		return
	}
	data, err := json.Marshal(frame)
	if err != nil {
		h.log.Error("frame encode failed", "topic", frame.Topic, "error", err)
		return
	}

	var victims []*Session
	for s := range subscribers {
		select {
		case s.send <- data:
		default:
			// A full buffer means the client cannot keep up. Dropping
			// the session keeps delivery order intact for everyone else.
			victims = append(victims, s)
		}
	}
	for _, s := range victims {
		h.log.Warn("send buffer overflow, dropping session", "session_id", s.ID, "topic", frame.Topic)
		h.drop(s)
	}
}

// drop removes the session from all hub state and closes it. The send
// channel is never closed; the pumps exit on the session's done signal,
// so concurrent deliveries cannot panic.
func (h *Hub) drop(s *Session) {
	topics, ok := h.sessions[s]
	if !ok {
		return
	}
	for topic := range topics {
		h.removeSubscription(s, topic)
	}
	delete(h.sessions, s)
	s.close()
	if h.metrics != nil {
		h.metrics.WebsocketSessions.Dec()
	}
}

func (h *Hub) shutdown() {
	for s := range h.sessions {
		h.drop(s)
	}
	for topic, unsub := range h.bridges {
		unsub()
		delete(h.bridges, topic)
	}
	close(h.done)
}

// openBridge subscribes to the topic's cache channel so frames from
// other instances reach local subscribers.
func (h *Hub) openBridge(ctx context.Context, topic string) {
	if h.cache == nil {
		return
	}
	unsub, err := h.cache.Subscribe(ctx, bridgePrefix+topic, func(payload []byte) {
		var env bridgeEnvelope
		if err := json.Unmarshal(payload, &env); err != nil || env.Frame == nil {
			return
		}
		if env.Origin == h.instanceID {
			return
		}
		select {
		case h.publish <- publishRequest{frame: env.Frame, bridged: true}:
		case <-h.done:
		default:
			h.log.Warn("publish queue full, bridged frame dropped", "topic", topic)
		}
	})
	if err != nil {
		h.log.Error("bridge subscribe failed", "topic", topic, "error", err)
		if h.metrics != nil {
			h.metrics.CacheErrors.WithLabelValues("subscribe").Inc()
		}
		return
	}
	h.bridges[topic] = unsub
}

func (h *Hub) closeBridge(topic string) {
	if unsub, ok := h.bridges[topic]; ok {
		unsub()
		delete(h.bridges, topic)
	}
}

// bridgeWriter pushes local frames to the cache channel off the hub
// goroutine so slow cache writes never stall fan-out.
func (h *Hub) bridgeWriter(ctx context.Context) {
	if h.cache == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-h.bridgeOut:
			payload, err := json.Marshal(env)
			if err != nil {
				continue
			}
			if err := h.cache.Publish(ctx, bridgePrefix+env.Frame.Topic, payload); err != nil {
				h.log.Warn("bridge publish failed", "topic", env.Frame.Topic, "error", err)
				if h.metrics != nil {
					h.metrics.CacheErrors.WithLabelValues("publish").Inc()
				}
			}
		}
	}
}
