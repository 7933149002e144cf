package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyhive/edge/internal/cache"
	"github.com/studyhive/edge/internal/config"
	"github.com/studyhive/edge/internal/core"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestHub starts a hub and an upgrade server. A client's X-Test-User
// header becomes its principal, mirroring what the trust middleware
// does in production.
func newTestHub(t *testing.T, c cache.Cache) (*Hub, *httptest.Server) {
	t.Helper()
	cfg := config.Defaults().Broadcast
	hub := NewHub(cfg, c, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = hub.Run(ctx)
	}()

	handler := hub.Handler()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user := r.Header.Get("X-Test-User"); user != "" {
			r = r.WithContext(core.WithPrincipal(r.Context(), &core.Principal{ID: user}))
		}
		handler(w, r)
	}))

	t.Cleanup(func() {
		server.Close()
		cancel()
		<-done
	})
	return hub, server
}

type testClient struct {
	conn *websocket.Conn
}

func dialClient(t *testing.T, server *httptest.Server, user string) *testClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	header := http.Header{}
	if user != "" {
		header.Set("X-Test-User", user)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return &testClient{conn: conn}
}

func (c *testClient) command(t *testing.T, cmd Command) {
	t.Helper()
	require.NoError(t, c.conn.WriteJSON(cmd))
}

func (c *testClient) subscribe(t *testing.T, hub *Hub, topic string, want int) {
	t.Helper()
	c.command(t, Command{Command: CommandSubscribe, Destination: "/topic/" + topic})
	require.Eventually(t, func() bool {
		return hub.SubscriberCount(topic) >= want
	}, 2*time.Second, 5*time.Millisecond, "subscription for %s not registered", topic)
}

func (c *testClient) readFrame(t *testing.T) *Frame {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := c.conn.ReadMessage()
	require.NoError(t, err)
	var f Frame
	require.NoError(t, json.Unmarshal(payload, &f))
	return &f
}

func (c *testClient) expectSilence(t *testing.T) {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := c.conn.ReadMessage()
	require.Error(t, err)
	var netErr interface{ Timeout() bool }
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}

func TestSubscribeAndBroadcast(t *testing.T) {
	hub, server := newTestHub(t, nil)
	client := dialClient(t, server, "user-1")
	client.subscribe(t, hub, "playlist/42", 1)

	hub.Broadcast(&Frame{
		Type:      FrameTrackAdded,
		Topic:     "playlist/42",
		Payload:   json.RawMessage(`{"trackId":"tr-9"}`),
		Timestamp: time.Now().UTC(),
	})

	frame := client.readFrame(t)
	assert.Equal(t, FrameTrackAdded, frame.Type)
	assert.Equal(t, "playlist/42", frame.Topic)
	assert.JSONEq(t, `{"trackId":"tr-9"}`, string(frame.Payload))
}

func TestPerTopicFIFO(t *testing.T) {
	hub, server := newTestHub(t, nil)
	client := dialClient(t, server, "user-1")
	client.subscribe(t, hub, "playlist/7", 1)

	const frames = 200
	for i := 0; i < frames; i++ {
		hub.Broadcast(&Frame{
			Type:      FrameTrackAdded,
			Topic:     "playlist/7",
			Payload:   json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)),
			Timestamp: time.Now().UTC(),
		})
	}

	for i := 0; i < frames; i++ {
		frame := client.readFrame(t)
		var payload struct {
			Seq int `json:"seq"`
		}
		require.NoError(t, json.Unmarshal(frame.Payload, &payload))
		require.Equal(t, i, payload.Seq, "frame %d out of order", i)
	}
}

func TestTopicIsolation(t *testing.T) {
	hub, server := newTestHub(t, nil)
	listener := dialClient(t, server, "user-1")
	listener.subscribe(t, hub, "playlist/1", 1)
	other := dialClient(t, server, "user-2")
	other.subscribe(t, hub, "playlist/2", 1)

	hub.Broadcast(&Frame{Type: FrameTrackAdded, Topic: "playlist/2", Timestamp: time.Now().UTC()})

	frame := other.readFrame(t)
	assert.Equal(t, "playlist/2", frame.Topic)
	listener.expectSilence(t)
}

func TestSendFansOutToSubscribers(t *testing.T) {
	hub, server := newTestHub(t, nil)
	sender := dialClient(t, server, "user-1")
	sender.subscribe(t, hub, "playlist/42", 1)
	watcher := dialClient(t, server, "user-2")
	watcher.subscribe(t, hub, "playlist/42", 2)

	sender.command(t, Command{
		Command:     CommandSend,
		Destination: "/app/playlist/42",
		Type:        FrameTrackAdded,
		Payload:     json.RawMessage(`{"trackId":"tr-1"}`),
	})

	for _, c := range []*testClient{sender, watcher} {
		frame := c.readFrame(t)
		assert.Equal(t, FrameTrackAdded, frame.Type)
		assert.Equal(t, "playlist/42", frame.Topic)
	}
}

func TestSendRequiresAuthentication(t *testing.T) {
	hub, server := newTestHub(t, nil)
	anon := dialClient(t, server, "")
	anon.subscribe(t, hub, "playlist/42", 1)
	watcher := dialClient(t, server, "user-2")
	watcher.subscribe(t, hub, "playlist/42", 2)

	anon.command(t, Command{
		Command:     CommandSend,
		Destination: "/app/playlist/42",
		Type:        FrameTrackAdded,
	})

	// The denial goes only to the originator.
	frame := anon.readFrame(t)
	assert.Equal(t, FramePermissionDenied, frame.Type)
	assert.Contains(t, string(frame.Payload), "authentication required")
	watcher.expectSilence(t)
}

func TestSendRequiresSubscription(t *testing.T) {
	hub, server := newTestHub(t, nil)
	watcher := dialClient(t, server, "user-2")
	watcher.subscribe(t, hub, "playlist/42", 1)
	outsider := dialClient(t, server, "user-1")

	outsider.command(t, Command{
		Command:     CommandSend,
		Destination: "/app/playlist/42",
		Type:        FrameTrackAdded,
	})

	frame := outsider.readFrame(t)
	assert.Equal(t, FramePermissionDenied, frame.Type)
	assert.Contains(t, string(frame.Payload), "not subscribed")
	watcher.expectSilence(t)
}

func TestClientsCannotForgeDenials(t *testing.T) {
	hub, server := newTestHub(t, nil)
	sender := dialClient(t, server, "user-1")
	sender.subscribe(t, hub, "playlist/42", 1)

	sender.command(t, Command{
		Command:     CommandSend,
		Destination: "/app/playlist/42",
		Type:        FramePermissionDenied,
	})

	frame := sender.readFrame(t)
	assert.Equal(t, FramePermissionDenied, frame.Type)
	assert.Contains(t, string(frame.Payload), "frame type not permitted")
}

func TestInvalidDestinationDenied(t *testing.T) {
	_, server := newTestHub(t, nil)
	client := dialClient(t, server, "user-1")

	client.command(t, Command{Command: CommandSubscribe, Destination: "/topic/kitchen/sink/42"})
	frame := client.readFrame(t)
	assert.Equal(t, FramePermissionDenied, frame.Type)
	assert.Contains(t, string(frame.Payload), "invalid destination")

	client.command(t, Command{Command: CommandSend, Destination: "nonsense", Type: FrameTrackAdded})
	frame = client.readFrame(t)
	assert.Equal(t, FramePermissionDenied, frame.Type)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	hub, server := newTestHub(t, nil)
	client := dialClient(t, server, "user-1")
	client.subscribe(t, hub, "hive/9/presence", 1)

	hub.Broadcast(&Frame{Type: FrameUserJoined, Topic: "hive/9/presence", Timestamp: time.Now().UTC()})
	assert.Equal(t, FrameUserJoined, client.readFrame(t).Type)

	client.command(t, Command{Command: CommandUnsubscribe, Destination: "/topic/hive/9/presence"})
	require.Eventually(t, func() bool {
		return hub.SubscriberCount("hive/9/presence") == 0
	}, 2*time.Second, 5*time.Millisecond)

	hub.Broadcast(&Frame{Type: FrameUserLeft, Topic: "hive/9/presence", Timestamp: time.Now().UTC()})
	client.expectSilence(t)
}

func TestDisconnectCleansUpSubscriptions(t *testing.T) {
	hub, server := newTestHub(t, nil)
	client := dialClient(t, server, "user-1")
	client.subscribe(t, hub, "playlist/5", 1)

	client.conn.Close()
	require.Eventually(t, func() bool {
		return hub.SubscriberCount("playlist/5") == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestBridgeFansOutAcrossInstances(t *testing.T) {
	shared := cache.NewMemory()
	hubA, serverA := newTestHub(t, shared)
	hubB, serverB := newTestHub(t, shared)

	clientA := dialClient(t, serverA, "user-a")
	clientA.subscribe(t, hubA, "playlist/42", 1)
	clientB := dialClient(t, serverB, "user-b")
	clientB.subscribe(t, hubB, "playlist/42", 1)

	clientA.command(t, Command{
		Command:     CommandSend,
		Destination: "/app/playlist/42",
		Type:        FrameTrackAdded,
		Payload:     json.RawMessage(`{"trackId":"tr-1"}`),
	})

	// Both instances deliver exactly one copy.
	frameA := clientA.readFrame(t)
	assert.Equal(t, FrameTrackAdded, frameA.Type)
	frameB := clientB.readFrame(t)
	assert.Equal(t, FrameTrackAdded, frameB.Type)
	assert.Equal(t, "playlist/42", frameB.Topic)

	clientA.expectSilence(t)
	clientB.expectSilence(t)
}

func TestValidTopic(t *testing.T) {
	tests := []struct {
		topic string
		ok    bool
	}{
		{"playlist/42", true},
		{"hive/7/presence", true},
		{"playlist/", false},
		{"playlist", false},
		{"hive/7", false},
		{"hive//presence", false},
		{"hive/7/tracks", false},
		{"queue/42", false},
		{"", false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.ok, ValidTopic(tc.topic), tc.topic)
	}
}

func TestDestinationParsing(t *testing.T) {
	topic, ok := SubscribeTopic("/topic/playlist/42")
	require.True(t, ok)
	assert.Equal(t, "playlist/42", topic)

	_, ok = SubscribeTopic("/app/playlist/42")
	assert.False(t, ok)

	topic, ok = SendTopic("/app/hive/3/presence")
	require.True(t, ok)
	assert.Equal(t, "hive/3/presence", topic)

	_, ok = SendTopic("/topic/hive/3/presence")
	assert.False(t, ok)
}
