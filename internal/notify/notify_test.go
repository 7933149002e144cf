package notify

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyhive/edge/internal/config"
	"github.com/studyhive/edge/internal/core"
	"github.com/studyhive/edge/internal/producer"
	"github.com/studyhive/edge/internal/templates"
)

func newTestService(t *testing.T) (*Service, *MemoryStore, *producer.MemoryTransport) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Defaults()

	store := NewMemoryStore()
	transport := producer.NewMemoryTransport()
	prod := producer.New(transport, cfg.Producer, nil, log)

	tplSvc, err := templates.NewService(context.Background(), templates.NewMemoryStore(), cfg.Templates, nil, log)
	require.NoError(t, err)

	return NewService(store, tplSvc, prod, cfg.Notify, nil, log), store, transport
}

func publishedKeys(t *testing.T, transport *producer.MemoryTransport) []string {
	t.Helper()
	msgs := transport.Published(config.Defaults().Producer.Exchange)
	keys := make([]string, 0, len(msgs))
	for _, m := range msgs {
		keys = append(keys, m.RoutingKey)
	}
	return keys
}

func TestValidateRejectsBadRequests(t *testing.T) {
	base := func() *NotificationRequest {
		return &NotificationRequest{
			RecipientID: "user-1",
			Type:        TypeForumReply,
			Title:       "New reply",
			Content:     "Someone answered your question",
		}
	}

	tests := []struct {
		name   string
		mutate func(*NotificationRequest)
		field  string
	}{
		{"blank recipient", func(r *NotificationRequest) { r.RecipientID = "  " }, "recipientId"},
		{"unknown type", func(r *NotificationRequest) { r.Type = "CARRIER_PIGEON" }, "type"},
		{"empty title", func(r *NotificationRequest) { r.Title = "" }, "title"},
		{"title too long", func(r *NotificationRequest) { r.Title = strings.Repeat("a", 201) }, "title"},
		{"title markup", func(r *NotificationRequest) { r.Title = "hi <b>there</b>" }, "title"},
		{"content too long", func(r *NotificationRequest) { r.Content = strings.Repeat("a", 5001) }, "content"},
		{"script content", func(r *NotificationRequest) { r.Content = `<script>alert(1)</script>` }, "content"},
		{"disallowed tag", func(r *NotificationRequest) { r.Content = `<img src=x>` }, "content"},
		{"event attribute", func(r *NotificationRequest) { r.Content = `<a onclick="x()">hi</a>` }, "content"},
		{"javascript url", func(r *NotificationRequest) { r.ActionURL = "javascript:alert(1)" }, "actionUrl"},
		{"relative url", func(r *NotificationRequest) { r.ActionURL = "/hives/1" }, "actionUrl"},
		{"url too long", func(r *NotificationRequest) { r.ActionURL = "https://x.test/" + strings.Repeat("a", 500) }, "actionUrl"},
		{"bad priority", func(r *NotificationRequest) { r.Priority = "WHENEVER" }, "priority"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := base()
			tc.mutate(req)
			err := req.Validate()
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
		})
	}
}

func TestValidateAcceptsAllowedHTML(t *testing.T) {
	req := &NotificationRequest{
		RecipientID: "user-1",
		Type:        TypeForumReply,
		Title:       "New reply",
		Content:     `<p>Check the <a href="https://hive.test/post/1">thread</a>, it is <strong>good</strong>.<br/></p>`,
		ActionURL:   "https://hive.test/post/1",
	}
	assert.NoError(t, req.Validate())
}

func TestCreatePersistsAndFansOut(t *testing.T) {
	svc, store, transport := newTestService(t)
	ctx := core.WithRequestIDs(context.Background(), "corr-77", "req-1")

	n, err := svc.Create(ctx, &NotificationRequest{
		RecipientID: "user-1",
		Type:        TypeForumReply,
		Title:       "New reply",
		Content:     "Someone answered",
	})
	require.NoError(t, err)
	require.NotEmpty(t, n.ID)
	assert.Equal(t, PriorityNormal, n.Priority)
	assert.False(t, n.Read)
	assert.False(t, n.Archived)

	stored, err := store.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", stored.UserID)

	// FORUM_REPLY defaults to websocket delivery plus the created event.
	keys := publishedKeys(t, transport)
	assert.Equal(t, []string{"notification.created", "notification.websocket.send"}, keys)
	for _, m := range transport.Published(config.Defaults().Producer.Exchange) {
		assert.Equal(t, "corr-77", m.CorrelationID)
	}
}

func TestCreateEmailRoutingMetadata(t *testing.T) {
	// Scenario: metadata userEmail plus a security-critical type routes
	// one created event and one email send, same correlation id.
	svc, _, transport := newTestService(t)
	ctx := core.WithRequestIDs(context.Background(), "corr-42", "req-9")

	_, err := svc.Create(ctx, &NotificationRequest{
		RecipientID: "user-1",
		Type:        TypePasswordReset,
		Title:       "Reset your password",
		Content:     "Use the link within 15 minutes",
		Metadata:    map[string]string{"userEmail": "u@example.com"},
	})
	require.NoError(t, err)

	keys := publishedKeys(t, transport)
	assert.Equal(t, []string{"notification.created", "notification.email.send"}, keys)
	msgs := transport.Published(config.Defaults().Producer.Exchange)
	require.Len(t, msgs, 2)
	assert.Equal(t, msgs[0].CorrelationID, msgs[1].CorrelationID)
	assert.Equal(t, "corr-42", msgs[0].CorrelationID)
}

func TestCreateUrgentAddsPriorityKey(t *testing.T) {
	svc, _, transport := newTestService(t)
	require.NoError(t, svc.UpdatePreferences(context.Background(), &Preferences{
		UserID:           "user-1",
		PushEnabled:      true,
		WebsocketEnabled: true,
	}))

	_, err := svc.Create(context.Background(), &NotificationRequest{
		RecipientID: "user-1",
		Type:        TypeHiveStarting,
		Title:       "Hive starting",
		Content:     "Your hive starts in 5 minutes",
		Priority:    PriorityUrgent,
	})
	require.NoError(t, err)

	keys := publishedKeys(t, transport)
	assert.Contains(t, keys, "notification.created")
	assert.Contains(t, keys, "notification.push.send")
	assert.Contains(t, keys, "notification.websocket.send")
	assert.Contains(t, keys, "notification.priority.high")

	for _, m := range transport.Published(config.Defaults().Producer.Exchange) {
		assert.Equal(t, uint8(9), m.Priority)
	}
}

func TestCreateUnknownUser(t *testing.T) {
	svc, store, _ := newTestService(t)
	store.AddUser("user-known")

	_, err := svc.Create(context.Background(), &NotificationRequest{
		RecipientID: "user-unknown",
		Type:        TypeForumReply,
		Title:       "New reply",
		Content:     "body",
	})
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestCreateEmptyRegistryAcceptsAnyone(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Create(context.Background(), &NotificationRequest{
		RecipientID: "whoever",
		Type:        TypeForumReply,
		Title:       "New reply",
		Content:     "body",
	})
	assert.NoError(t, err)
}

func TestCreateRendersTemplateWhenVariablesPresent(t *testing.T) {
	svc, store, _ := newTestService(t)
	require.NoError(t, svc.templates.Create(context.Background(), &templates.Template{
		Type:     TypeHiveInvite,
		Language: "en",
		Subject:  "{inviter} invited you",
		Body:     "Join the {hiveName} hive",
	}))

	n, err := svc.Create(context.Background(), &NotificationRequest{
		RecipientID: "user-1",
		Type:        TypeHiveInvite,
		Title:       "raw title",
		Content:     "raw content",
		Variables:   map[string]string{"inviter": "Ada", "hiveName": "Calculus"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Ada invited you", n.Title)
	assert.Equal(t, "Join the Calculus hive", n.Content)

	stored, err := store.Get(context.Background(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ada invited you", stored.Title)
}

func TestCreateMissingVariablesRejected(t *testing.T) {
	svc, _, _ := newTestService(t)
	require.NoError(t, svc.templates.Create(context.Background(), &templates.Template{
		Type:     TypeHiveInvite,
		Language: "en",
		Subject:  "{inviter} invited you",
		Body:     "Join {hiveName} at {startTime}",
	}))

	_, err := svc.Create(context.Background(), &NotificationRequest{
		RecipientID: "user-1",
		Type:        TypeHiveInvite,
		Title:       "raw",
		Content:     "raw",
		Variables:   map[string]string{"inviter": "Ada"},
	})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "variables", ve.Field)
	assert.Contains(t, ve.Message, "hiveName")
	assert.Contains(t, ve.Message, "startTime")
}

func TestCreateMissingTemplateKeepsRawContent(t *testing.T) {
	svc, _, _ := newTestService(t)

	n, err := svc.Create(context.Background(), &NotificationRequest{
		RecipientID: "user-1",
		Type:        TypeForumReply,
		Title:       "raw title",
		Content:     "raw content",
		Variables:   map[string]string{"unused": "x"},
	})
	require.NoError(t, err)
	assert.Equal(t, "raw title", n.Title)
	assert.Equal(t, "raw content", n.Content)
}

func TestCreateSucceedsWhenBrokerDown(t *testing.T) {
	svc, store, transport := newTestService(t)
	transport.SetDown(assert.AnError)

	n, err := svc.Create(context.Background(), &NotificationRequest{
		RecipientID: "user-1",
		Type:        TypeForumReply,
		Title:       "New reply",
		Content:     "body",
	})
	require.NoError(t, err)

	_, err = store.Get(context.Background(), n.ID)
	assert.NoError(t, err)
}

func TestChannelClassification(t *testing.T) {
	tests := []struct {
		name     string
		req      *NotificationRequest
		prefs    *Preferences
		expected []string
	}{
		{
			name:     "forum reply defaults",
			req:      &NotificationRequest{Type: TypeForumReply},
			prefs:    DefaultPreferences("u"),
			expected: []string{ChannelInApp, ChannelWebsocket},
		},
		{
			name:     "password reset is email",
			req:      &NotificationRequest{Type: TypePasswordReset},
			prefs:    DefaultPreferences("u"),
			expected: []string{ChannelInApp, ChannelEmail},
		},
		{
			name: "device token promotes push when enabled",
			req: &NotificationRequest{
				Type:     TypeForumReply,
				Metadata: map[string]string{"deviceToken": "tok"},
			},
			prefs:    &Preferences{UserID: "u", PushEnabled: true, WebsocketEnabled: true},
			expected: []string{ChannelInApp, ChannelPush, ChannelWebsocket},
		},
		{
			name: "push hint ignored when disabled",
			req: &NotificationRequest{
				Type:     TypeForumReply,
				Metadata: map[string]string{"deviceToken": "tok"},
			},
			prefs:    DefaultPreferences("u"),
			expected: []string{ChannelInApp, ChannelWebsocket},
		},
		{
			name: "email opt-out respected for routine types",
			req: &NotificationRequest{
				Type:     TypeForumReply,
				Metadata: map[string]string{"userEmail": "u@example.com"},
			},
			prefs:    &Preferences{UserID: "u", EmailEnabled: false, WebsocketEnabled: true},
			expected: []string{ChannelInApp, ChannelWebsocket},
		},
		{
			name:     "email opt-out bypassed for password reset",
			req:      &NotificationRequest{Type: TypePasswordReset},
			prefs:    &Preferences{UserID: "u", EmailEnabled: false},
			expected: []string{ChannelInApp, ChannelEmail},
		},
		{
			name:     "websocket disabled drops the channel",
			req:      &NotificationRequest{Type: TypeForumReply},
			prefs:    &Preferences{UserID: "u"},
			expected: []string{ChannelInApp},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, Channels(tc.req, tc.prefs))
		})
	}
}

func TestOwnershipEnforced(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	n, err := svc.Create(ctx, &NotificationRequest{
		RecipientID: "owner",
		Type:        TypeForumReply,
		Title:       "New reply",
		Content:     "body",
	})
	require.NoError(t, err)

	_, err = svc.Get(ctx, n.ID, "intruder")
	assert.ErrorIs(t, err, ErrNotOwner)
	_, err = svc.MarkRead(ctx, n.ID, "intruder")
	assert.ErrorIs(t, err, ErrNotOwner)
	_, err = svc.Archive(ctx, n.ID, "intruder")
	assert.ErrorIs(t, err, ErrNotOwner)
	assert.ErrorIs(t, svc.Delete(ctx, n.ID, "intruder"), ErrNotOwner)

	// The owner still sees an untouched notification.
	got, err := svc.Get(ctx, n.ID, "owner")
	require.NoError(t, err)
	assert.False(t, got.Read)
}

func TestMarkReadAndArchiveLifecycle(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	n, err := svc.Create(ctx, &NotificationRequest{
		RecipientID: "user-1",
		Type:        TypeForumReply,
		Title:       "New reply",
		Content:     "body",
	})
	require.NoError(t, err)

	count, err := svc.CountUnread(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	read, err := svc.MarkRead(ctx, n.ID, "user-1")
	require.NoError(t, err)
	assert.True(t, read.Read)
	require.NotNil(t, read.ReadAt)

	// Marking twice keeps the original timestamp.
	again, err := svc.MarkRead(ctx, n.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, read.ReadAt.Unix(), again.ReadAt.Unix())

	count, err = svc.CountUnread(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	archived, err := svc.Archive(ctx, n.ID, "user-1")
	require.NoError(t, err)
	assert.True(t, archived.Archived)

	items, total, err := svc.List(ctx, "user-1", 0, 20, false)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Equal(t, 0, total)

	require.NoError(t, svc.Delete(ctx, n.ID, "user-1"))
	_, err = svc.Get(ctx, n.ID, "user-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListPagination(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		_, err := svc.Create(ctx, &NotificationRequest{
			RecipientID: "user-1",
			Type:        TypeForumReply,
			Title:       "New reply",
			Content:     "body",
		})
		require.NoError(t, err)
	}

	first, total, err := svc.List(ctx, "user-1", 0, 10, false)
	require.NoError(t, err)
	assert.Equal(t, 25, total)
	assert.Len(t, first, 10)

	last, _, err := svc.List(ctx, "user-1", 2, 10, false)
	require.NoError(t, err)
	assert.Len(t, last, 5)

	beyond, _, err := svc.List(ctx, "user-1", 9, 10, false)
	require.NoError(t, err)
	assert.Empty(t, beyond)

	// Size is clamped to the configured maximum.
	clamped, _, err := svc.List(ctx, "user-1", 0, 100000, false)
	require.NoError(t, err)
	assert.Len(t, clamped, 25)
}

func TestPreferencesDefaultsAndUpdate(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	p, err := svc.Preferences(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, p.EmailEnabled)
	assert.False(t, p.PushEnabled)
	assert.True(t, p.WebsocketEnabled)
	assert.Equal(t, DigestNone, p.DigestCadence)

	p.PushEnabled = true
	p.DigestCadence = DigestHourly
	require.NoError(t, svc.UpdatePreferences(ctx, p))

	saved, err := svc.Preferences(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, saved.PushEnabled)
	assert.Equal(t, DigestHourly, saved.DigestCadence)

	bad := &Preferences{UserID: "user-1", DigestCadence: "fortnightly"}
	var ve *ValidationError
	assert.ErrorAs(t, svc.UpdatePreferences(ctx, bad), &ve)
}

func TestDigestDue(t *testing.T) {
	at := time.Date(2026, 3, 14, 10, 25, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 14, 11, 0, 0, 0, time.UTC), DigestDue(DigestHourly, at))
	assert.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), DigestDue(DigestDaily, at))
	assert.Equal(t, at, DigestDue(DigestNone, at))
}

func TestDigestDefersChannelSends(t *testing.T) {
	svc, store, transport := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.UpdatePreferences(ctx, &Preferences{
		UserID:           "user-1",
		WebsocketEnabled: true,
		DigestCadence:    DigestHourly,
	}))

	_, err := svc.Create(ctx, &NotificationRequest{
		RecipientID: "user-1",
		Type:        TypeForumReply,
		Title:       "New reply",
		Content:     "body",
	})
	require.NoError(t, err)

	// Only the creation event goes out immediately.
	assert.Equal(t, []string{"notification.created"}, publishedKeys(t, transport))

	pending, err := store.PendingDigest(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, TypeForumReply, pending[0].Type)
}

func TestDigestSecurityTypesDeliverImmediately(t *testing.T) {
	svc, store, transport := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.UpdatePreferences(ctx, &Preferences{
		UserID:        "user-1",
		EmailEnabled:  true,
		DigestCadence: DigestDaily,
	}))

	_, err := svc.Create(ctx, &NotificationRequest{
		RecipientID: "user-1",
		Type:        TypePasswordReset,
		Title:       "Reset your password",
		Content:     "body",
	})
	require.NoError(t, err)

	assert.Contains(t, publishedKeys(t, transport), "notification.email.send")
	pending, err := store.PendingDigest(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDigestUrgentBypassesCadence(t *testing.T) {
	svc, store, transport := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.UpdatePreferences(ctx, &Preferences{
		UserID:           "user-1",
		WebsocketEnabled: true,
		DigestCadence:    DigestHourly,
	}))

	_, err := svc.Create(ctx, &NotificationRequest{
		RecipientID: "user-1",
		Type:        TypeHiveStarting,
		Title:       "Hive starting",
		Content:     "now",
		Priority:    PriorityUrgent,
	})
	require.NoError(t, err)

	assert.Contains(t, publishedKeys(t, transport), "notification.priority.high")
	pending, err := store.PendingDigest(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestFlushDigestsCreatesSummary(t *testing.T) {
	svc, store, transport := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.UpdatePreferences(ctx, &Preferences{
		UserID:           "user-1",
		EmailEnabled:     true,
		WebsocketEnabled: true,
		DigestCadence:    DigestHourly,
	}))

	for _, title := range []string{"Reply one", "Reply two", "Reply three"} {
		_, err := svc.Create(ctx, &NotificationRequest{
			RecipientID: "user-1",
			Type:        TypeForumReply,
			Title:       title,
			Content:     "body",
		})
		require.NoError(t, err)
	}

	// Not due yet: nothing flushes.
	require.NoError(t, svc.FlushDigests(ctx, time.Now().UTC()))
	pending, err := store.PendingDigest(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	// Two hours later everything is due.
	require.NoError(t, svc.FlushDigests(ctx, time.Now().UTC().Add(2*time.Hour)))

	pending, err = store.PendingDigest(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, pending)

	items, _, err := svc.List(ctx, "user-1", 0, 20, false)
	require.NoError(t, err)
	require.Len(t, items, 4)
	summary := items[0]
	assert.Equal(t, TypeDigestSummary, summary.Type)
	assert.Contains(t, summary.Content, "Reply one")
	assert.Contains(t, summary.Content, "Reply three")
	assert.Contains(t, summary.Content, "3 updates")

	// The summary itself never re-enters the digest queue.
	pending, err = store.PendingDigest(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Flushing again with nothing pending is a no-op.
	require.NoError(t, svc.FlushDigests(ctx, time.Now().UTC().Add(3*time.Hour)))
	_, total, err := svc.List(ctx, "user-1", 0, 20, false)
	require.NoError(t, err)
	assert.Equal(t, 4, total)

	// Digest summary for an email-enabled user rides the email channel.
	keys := publishedKeys(t, transport)
	assert.Contains(t, keys, "notification.email.send")
}

func TestPriorityLevels(t *testing.T) {
	svc, _, transport := newTestService(t)

	_, err := svc.Create(context.Background(), &NotificationRequest{
		RecipientID: "user-1",
		Type:        TypeForumReply,
		Title:       "New reply",
		Content:     "body",
		Priority:    PriorityLow,
	})
	require.NoError(t, err)

	msgs := transport.Published(config.Defaults().Producer.Exchange)
	require.NotEmpty(t, msgs)
	assert.Equal(t, uint8(1), msgs[0].Priority)
}
