package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyhive/edge/internal/config"
	"github.com/studyhive/edge/internal/core"
	"github.com/studyhive/edge/internal/metrics"
	"github.com/studyhive/edge/internal/producer"
	"github.com/studyhive/edge/internal/templates"
)

func newTestRouter(t *testing.T) (http.Handler, *Service, *MemoryStore) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Defaults()

	store := NewMemoryStore()
	prod := producer.New(producer.NewMemoryTransport(), cfg.Producer, nil, log)
	tplSvc, err := templates.NewService(context.Background(), templates.NewMemoryStore(), cfg.Templates, nil, log)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.NewNotifier(reg)
	svc := NewService(store, tplSvc, prod, cfg.Notify, m, log)

	router := NewRouter(NewHandlers(svc, log), templates.NewHandlers(tplSvc, log), nil, m, reg, log)
	return router, svc, store
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func createViaAPI(t *testing.T, h http.Handler, recipient string) *Notification {
	t.Helper()
	rec := doRequest(t, h, http.MethodPost, "/api/v1/notifications", &NotificationRequest{
		RecipientID: recipient,
		Type:        TypeForumReply,
		Title:       "New reply",
		Content:     "Someone answered",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var n Notification
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &n))
	return &n
}

func TestCreateEndpoint(t *testing.T) {
	router, _, _ := newTestRouter(t)

	n := createViaAPI(t, router, "user-1")
	assert.NotEmpty(t, n.ID)
	assert.Equal(t, "user-1", n.UserID)
	assert.Equal(t, PriorityNormal, n.Priority)
	assert.False(t, n.Read)
}

func TestCreateEndpointEchoesCorrelation(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/api/v1/notifications", &NotificationRequest{
		RecipientID: "user-1",
		Type:        TypeForumReply,
		Title:       "New reply",
		Content:     "body",
	}, map[string]string{core.HeaderCorrelationID: "corr-abc"})

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "corr-abc", rec.Header().Get(core.HeaderCorrelationID))
	assert.NotEmpty(t, rec.Header().Get(core.HeaderRequestID))
}

func TestCreateEndpointValidation(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/api/v1/notifications", &NotificationRequest{
		RecipientID: "user-1",
		Type:        "CARRIER_PIGEON",
		Title:       "t",
		Content:     "c",
	}, nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "type")
	assert.Contains(t, rec.Body.String(), "Bad Request")
}

func TestCreateEndpointUnknownUser(t *testing.T) {
	router, _, store := newTestRouter(t)
	store.AddUser("user-known")

	rec := doRequest(t, router, http.MethodPost, "/api/v1/notifications", &NotificationRequest{
		RecipientID: "user-ghost",
		Type:        TypeForumReply,
		Title:       "t",
		Content:     "c",
	}, nil)

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "User not found")
}

func TestSyncUsersEndpoint(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/api/v1/internal/users/sync",
		map[string][]string{"userIds": {"user-a", " ", "user-b"}}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"synced":2}`, rec.Body.String())

	// The registry is now populated, so unknown recipients are rejected.
	created := createViaAPI(t, router, "user-a")
	assert.Equal(t, "user-a", created.UserID)

	rec = doRequest(t, router, http.MethodPost, "/api/v1/notifications", &NotificationRequest{
		RecipientID: "user-ghost",
		Type:        TypeForumReply,
		Title:       "t",
		Content:     "c",
	}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSyncUsersEndpointRejectsEmptyList(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/api/v1/internal/users/sync",
		map[string][]string{"userIds": {}}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "userIds")
}

func TestCreateEndpointMalformedJSON(t *testing.T) {
	router, _, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/notifications", bytes.NewReader([]byte("{nope")))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid JSON body")
}

func TestListEndpointPagination(t *testing.T) {
	router, _, _ := newTestRouter(t)
	for i := 0; i < 12; i++ {
		createViaAPI(t, router, "user-1")
	}
	createViaAPI(t, router, "user-2")

	rec := doRequest(t, router, http.MethodGet, "/api/v1/notifications?userId=user-1&page=1&size=5", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var p page
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, 12, p.TotalElements)
	assert.Equal(t, 3, p.TotalPages)
	assert.Equal(t, 1, p.Page)
	assert.Len(t, p.Content, 5)
	for _, n := range p.Content {
		assert.Equal(t, "user-1", n.UserID)
	}
}

func TestListEndpointRequiresUser(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := doRequest(t, router, http.MethodGet, "/api/v1/notifications", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "User ID is required")
}

func TestUnreadEndpoints(t *testing.T) {
	router, svc, _ := newTestRouter(t)
	first := createViaAPI(t, router, "user-1")
	createViaAPI(t, router, "user-1")

	_, err := svc.MarkRead(context.Background(), first.ID, "user-1")
	require.NoError(t, err)

	rec := doRequest(t, router, http.MethodGet, "/api/v1/notifications/unread?userId=user-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var p page
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, 1, p.TotalElements)

	rec = doRequest(t, router, http.MethodGet, "/api/v1/notifications/unread/count?userId=user-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var count map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &count))
	assert.Equal(t, 1, count["count"])
}

func TestMarkReadEndpointWithInjectedIdentity(t *testing.T) {
	router, _, _ := newTestRouter(t)
	n := createViaAPI(t, router, "user-1")

	rec := doRequest(t, router, http.MethodPatch, "/api/v1/notifications/"+n.ID+"/read", nil,
		map[string]string{core.HeaderUserID: "user-1"})

	require.Equal(t, http.StatusOK, rec.Code)
	var updated Notification
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.True(t, updated.Read)
	assert.NotNil(t, updated.ReadAt)
}

func TestOwnershipMismatchIs400(t *testing.T) {
	router, _, _ := newTestRouter(t)
	n := createViaAPI(t, router, "owner")

	for _, tc := range []struct {
		method string
		path   string
	}{
		{http.MethodPatch, "/api/v1/notifications/" + n.ID + "/read"},
		{http.MethodPatch, "/api/v1/notifications/" + n.ID + "/archive"},
		{http.MethodDelete, "/api/v1/notifications/" + n.ID},
		{http.MethodGet, "/api/v1/notifications/" + n.ID + "?userId=intruder"},
	} {
		headers := map[string]string{core.HeaderUserID: "intruder"}
		rec := doRequest(t, router, tc.method, tc.path, nil, headers)
		assert.Equal(t, http.StatusBadRequest, rec.Code, tc.path)
		assert.Contains(t, rec.Body.String(), "Notification does not belong to user")
	}
}

func TestUnknownNotificationIs404(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := doRequest(t, router, http.MethodPatch, "/api/v1/notifications/nope/read", nil,
		map[string]string{core.HeaderUserID: "user-1"})
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "Notification not found")
}

func TestDeleteEndpoint(t *testing.T) {
	router, _, _ := newTestRouter(t)
	n := createViaAPI(t, router, "user-1")

	rec := doRequest(t, router, http.MethodDelete, "/api/v1/notifications/"+n.ID, nil,
		map[string]string{core.HeaderUserID: "user-1"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/api/v1/notifications/"+n.ID+"?userId=user-1", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInjectedIdentityBeatsQueryParam(t *testing.T) {
	router, _, _ := newTestRouter(t)
	createViaAPI(t, router, "header-user")
	createViaAPI(t, router, "query-user")

	rec := doRequest(t, router, http.MethodGet, "/api/v1/notifications?userId=query-user", nil,
		map[string]string{core.HeaderUserID: "header-user"})
	require.Equal(t, http.StatusOK, rec.Code)

	var p page
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	require.Len(t, p.Content, 1)
	assert.Equal(t, "header-user", p.Content[0].UserID)
}

func TestPreferencesEndpoints(t *testing.T) {
	router, _, _ := newTestRouter(t)

	// Defaults before anything is saved.
	rec := doRequest(t, router, http.MethodGet, "/api/v1/notifications/preferences?userId=user-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var p Preferences
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.True(t, p.EmailEnabled)
	assert.False(t, p.PushEnabled)
	assert.Equal(t, DigestNone, p.DigestCadence)

	rec = doRequest(t, router, http.MethodPut, "/api/v1/notifications/preferences?userId=user-1", &Preferences{
		EmailEnabled:  true,
		PushEnabled:   true,
		DigestCadence: DigestDaily,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/api/v1/notifications/preferences?userId=user-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.True(t, p.PushEnabled)
	assert.Equal(t, DigestDaily, p.DigestCadence)

	rec = doRequest(t, router, http.MethodPut, "/api/v1/notifications/preferences?userId=user-1", &Preferences{
		DigestCadence: "fortnightly",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := doRequest(t, router, http.MethodGet, "/health/notifier", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")

	createViaAPI(t, router, "user-1")
	rec = doRequest(t, router, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "notifier_notifications_created_total")
}
