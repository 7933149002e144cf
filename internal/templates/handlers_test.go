package templates

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) (*mux.Router, *Service) {
	t.Helper()
	svc := newTestService(t)
	r := mux.NewRouter()
	NewHandlers(svc, nil).Mount(r.PathPrefix("/api/v1/templates").Subrouter())
	return r, svc
}

func doJSON(t *testing.T, router *mux.Router, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)
	return w
}

func TestCreateAndRenderEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/templates",
		`{"type":"HIVE_STARTING","language":"en","subject":"{hiveName} soon","body":"<p>{hiveName} at {startTime}</p>"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var created Template
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)

	w = doJSON(t, router, http.MethodPost, "/api/v1/templates/HIVE_STARTING/en/process",
		`{"variables":{"hiveName":"Calc Group","startTime":"19:00"}}`)
	require.Equal(t, http.StatusOK, w.Code)
	var out ProcessedTemplate
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, "Calc Group soon", out.Subject)
	assert.Equal(t, "<p>Calc Group at 19:00</p>", out.Body)
}

func TestRenderEndpointErrors(t *testing.T) {
	router, svc := newTestRouter(t)
	mustCreate(t, svc, "HIVE_STARTING", "en", "{hiveName} soon", "{hiveName} at {startTime}")

	w := doJSON(t, router, http.MethodPost, "/api/v1/templates/UNKNOWN_TYPE/en/process", `{"variables":{}}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "Template not found")

	w = doJSON(t, router, http.MethodPost, "/api/v1/templates/HIVE_STARTING/en/process", `{"variables":{"hiveName":"x"}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "startTime")
}

func TestCreateEndpointValidation(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/templates", `{"language":"en","subject":"s","body":"b"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/v1/templates",
		`{"type":"HIVE_INVITE","language":"en","subject":"s","body":"b"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/v1/templates",
		`{"type":"HIVE_INVITE","language":"en","subject":"s2","body":"b2"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "already exists")
}

func TestUpdateAndDeleteEndpoints(t *testing.T) {
	router, svc := newTestRouter(t)
	tpl := mustCreate(t, svc, "FORUM_REPLY", "en", "s", "b")

	w := doJSON(t, router, http.MethodPut, "/api/v1/templates/"+tpl.ID,
		`{"type":"FORUM_REPLY","language":"en","subject":"new subject","body":"b"}`)
	require.Equal(t, http.StatusOK, w.Code)

	found, err := svc.Find(context.Background(), "FORUM_REPLY", "en")
	require.NoError(t, err)
	assert.Equal(t, "new subject", found.Subject)

	w = doJSON(t, router, http.MethodDelete, "/api/v1/templates/"+tpl.ID, "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, router, http.MethodDelete, "/api/v1/templates/"+tpl.ID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListLanguagesAndStatisticsEndpoints(t *testing.T) {
	router, svc := newTestRouter(t)
	mustCreate(t, svc, "FORUM_REPLY", "en", "s", "b")
	mustCreate(t, svc, "FORUM_REPLY", "de", "s", "b")

	w := doJSON(t, router, http.MethodGet, "/api/v1/templates/FORUM_REPLY/languages", "")
	require.Equal(t, http.StatusOK, w.Code)
	var langs map[string][]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &langs))
	assert.Equal(t, []string{"de", "en"}, langs["languages"])

	w = doJSON(t, router, http.MethodGet, "/api/v1/templates/statistics", "")
	require.Equal(t, http.StatusOK, w.Code)
	var stats struct {
		CountByType map[string]int `json:"countByType"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.CountByType["FORUM_REPLY"])
}

func TestExtractVariablesEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/templates/extract-variables",
		`{"subject":"Hi {username}","body":"{hiveName} and {username}"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string][]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []string{"hiveName", "username"}, resp["variables"])
}

func TestValidateEndpoint(t *testing.T) {
	router, svc := newTestRouter(t)
	mustCreate(t, svc, "HIVE_INVITE", "en", "Join {hiveName}", "{inviter} invited you")

	w := doJSON(t, router, http.MethodPost, "/api/v1/templates/HIVE_INVITE/en/validate",
		`{"variables":{"hiveName":"x"}}`)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Valid   bool     `json:"valid"`
		Missing []string `json:"missing"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Valid)
	assert.Equal(t, []string{"inviter"}, resp.Missing)

	w = doJSON(t, router, http.MethodPost, "/api/v1/templates/HIVE_INVITE/en/validate",
		`{"variables":{"hiveName":"x","inviter":"ada"}}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Valid)
}

func TestBulkCreateEndpoint(t *testing.T) {
	router, svc := newTestRouter(t)
	mustCreate(t, svc, "HIVE_INVITE", "en", "s", "b")

	w := doJSON(t, router, http.MethodPost, "/api/v1/templates/bulk",
		`[{"type":"HIVE_INVITE","language":"en","subject":"dup","body":"x"},
		  {"type":"BUDDY_REQUEST","language":"en","subject":"s","body":"b"}]`)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Created int           `json:"created"`
		Failed  []BulkFailure `json:"failed"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Created)
	require.Len(t, resp.Failed, 1)
	assert.Equal(t, "HIVE_INVITE", resp.Failed[0].Type)
}
