package broadcast

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/studyhive/edge/internal/core"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Session is one WebSocket client. The read pump is the only reader of
// the connection, the write pump the only writer; everything outbound
// goes through the send buffer.
type Session struct {
	ID            string
	hub           *Hub
	conn          *websocket.Conn
	principal     *core.Principal
	correlationID string
	send          chan []byte
	done          chan struct{}
	once          sync.Once
	log           *slog.Logger
}

func newSession(h *Hub, conn *websocket.Conn, p *core.Principal, correlationID string) *Session {
	buffer := h.cfg.SendBuffer
	if buffer <= 0 {
		buffer = 256
	}
	return &Session{
		ID:            uuid.NewString(),
		hub:           h,
		conn:          conn,
		principal:     p,
		correlationID: correlationID,
		send:          make(chan []byte, buffer),
		done:          make(chan struct{}),
		log:           h.log,
	}
}

// close shuts the connection exactly once. Hub state is cleaned up by
// the unregister path, never here; close may run on the hub goroutine.
func (s *Session) close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// deliver queues a frame for this session only. Frames are dropped,
// not blocked on, when the client cannot keep up.
func (s *Session) deliver(frame *Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case s.send <- data:
	case <-s.done:
	default:
	}
}

// readPump reads client commands and routes them to the hub. It owns
// all reads on the connection.
func (s *Session) readPump() {
	defer func() {
		select {
		case s.hub.unregister <- s:
		case <-s.hub.done:
		}
		s.close()
	}()

	limit := s.hub.cfg.MaxMessageSize
	if limit <= 0 {
		limit = 512 * 1024
	}
	s.conn.SetReadLimit(limit)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("session read failed", "session_id", s.ID, "error", err)
			}
			return
		}
		var cmd Command
		if err := json.Unmarshal(payload, &cmd); err != nil {
			s.log.Debug("unparseable command dropped", "session_id", s.ID, "error", err)
			continue
		}
		s.dispatch(&cmd)
	}
}

func (s *Session) dispatch(cmd *Command) {
	switch cmd.Command {
	case CommandSubscribe:
		topic, ok := SubscribeTopic(cmd.Destination)
		if !ok {
			s.deliver(denied("", "invalid destination", cmd.Destination, s.correlationID))
			return
		}
		select {
		case s.hub.subscribe <- subscription{session: s, topic: topic}:
		case <-s.hub.done:
		}
	case CommandUnsubscribe:
		topic, ok := SubscribeTopic(cmd.Destination)
		if !ok {
			return
		}
		select {
		case s.hub.unsubscribe <- subscription{session: s, topic: topic}:
		case <-s.hub.done:
		}
	case CommandSend:
		topic, ok := SendTopic(cmd.Destination)
		if !ok {
			s.deliver(denied("", "invalid destination", cmd.Destination, s.correlationID))
			return
		}
		frame := &Frame{
			Type:          cmd.Type,
			Topic:         topic,
			Payload:       cmd.Payload,
			Timestamp:     time.Now().UTC(),
			CorrelationID: s.correlationID,
		}
		select {
		case s.hub.publish <- publishRequest{frame: frame, origin: s}:
		case <-s.hub.done:
		}
	default:
		s.log.Debug("unknown command dropped", "session_id", s.ID, "command", cmd.Command)
	}
}

// writePump drains the send buffer and keeps the connection alive with
// pings. It owns all writes on the connection.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case message := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
			// Flush whatever queued up behind this frame.
			n := len(s.send)
			for i := 0; i < n; i++ {
				if err := s.conn.WriteMessage(websocket.TextMessage, <-s.send); err != nil {
					return
				}
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		}
	}
}
