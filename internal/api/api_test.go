package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lysyi3m/ingest-comb/internal/database"
	"github.com/lysyi3m/ingest-comb/internal/queue"
	"github.com/lysyi3m/ingest-comb/internal/scheduler"
)

const testKey = "secret"

type testEnv struct {
	store  *database.Store
	engine *gin.Engine
}

func setupTestEnv(t *testing.T, apiKey string) *testEnv {
	t.Helper()

	db, err := database.NewConnection(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, _, err = database.RunMigrations(db)
	require.NoError(t, err)

	store := database.NewStore(db)
	q := queue.New(db, queue.DefaultPolicy())
	sched := scheduler.New(store, q, "")

	freq := 60
	require.NoError(t, store.Sources.Upsert(context.Background(), database.Source{
		ID:                    "acme-de-web",
		Channel:               database.ChannelWeb,
		CountryCode:           "DE",
		URL:                   "https://acme.test",
		CrawlFrequencyMinutes: &freq,
		IsEnabled:             true,
	}, time.Now()))

	handler := NewHandler(store, q, sched, "test")
	return &testEnv{store: store, engine: NewServer(handler, apiKey)}
}

func (e *testEnv) do(t *testing.T, method, path string, authenticated bool) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()

	req := httptest.NewRequest(method, path, nil)
	if authenticated {
		req.Header.Set("X-API-Key", testKey)
	}
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)

	var body map[string]interface{}
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	}
	return w, body
}

func TestHealth(t *testing.T) {
	env := setupTestEnv(t, "")

	w, body := env.do(t, http.MethodGet, "/health", false)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestStats(t *testing.T) {
	env := setupTestEnv(t, "")

	w, body := env.do(t, http.MethodGet, "/stats", false)
	require.Equal(t, http.StatusOK, w.Code)

	sources := body["sources"].(map[string]interface{})
	assert.Equal(t, float64(1), sources["total"])
	assert.Equal(t, float64(1), sources["enabled"])
	assert.Contains(t, body, "jobs")
	assert.Contains(t, body, "scheduler")
}

func TestAPIDisabledWithoutKey(t *testing.T) {
	env := setupTestEnv(t, "")

	w, body := env.do(t, http.MethodGet, "/api/sources", true)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Nil(t, body)
	assert.Contains(t, w.Body.String(), "404 page not found")
}

func TestAuthMiddleware(t *testing.T) {
	env := setupTestEnv(t, testKey)

	w, body := env.do(t, http.MethodGet, "/api/sources", false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "API key required", body["error"])

	req := httptest.NewRequest(http.MethodGet, "/api/sources", nil)
	req.Header.Set("X-API-Key", "wrong")
	rec := httptest.NewRecorder()
	env.engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/sources", nil)
	req.Header.Set("Authorization", "Bearer "+testKey)
	rec = httptest.NewRecorder()
	env.engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListSources(t *testing.T) {
	env := setupTestEnv(t, testKey)

	w, body := env.do(t, http.MethodGet, "/api/sources", true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["total"])

	sources := body["sources"].([]interface{})
	first := sources[0].(map[string]interface{})
	assert.Equal(t, "acme-de-web", first["id"])
	assert.Equal(t, "WEB", first["channel"])
	assert.Equal(t, float64(60), first["crawl_frequency_minutes"])
}

func TestTriggerSourceAndInspectRun(t *testing.T) {
	env := setupTestEnv(t, testKey)

	w, body := env.do(t, http.MethodPost, "/api/sources/acme-de-web/trigger", true)
	require.Equal(t, http.StatusAccepted, w.Code)
	run := body["run"].(map[string]interface{})
	runID := run["id"].(string)
	assert.Equal(t, "RUNNING", run["status"])
	assert.Equal(t, "CRAWL", run["run_type"])

	w, body = env.do(t, http.MethodGet, "/api/sources/acme-de-web/runs", true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["total"])

	w, body = env.do(t, http.MethodGet, "/api/runs/"+runID, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, runID, body["id"])

	w, body = env.do(t, http.MethodGet, "/api/runs/"+runID+"/items", true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), body["total"])

	w, body = env.do(t, http.MethodGet, "/api/audit?entity_id="+runID, true)
	require.Equal(t, http.StatusOK, w.Code)
	events := body["events"].([]interface{})
	require.Len(t, events, 1)
	assert.Equal(t, database.EventRunScheduled, events[0].(map[string]interface{})["event_type"])
	assert.Equal(t, "OPERATOR", events[0].(map[string]interface{})["actor_type"])
}

func TestNotFoundAndBadRequests(t *testing.T) {
	env := setupTestEnv(t, testKey)

	tests := []struct {
		name   string
		method string
		path   string
		code   int
	}{
		{"trigger unknown source", http.MethodPost, "/api/sources/nope/trigger", http.StatusNotFound},
		{"runs of unknown source", http.MethodGet, "/api/sources/nope/runs", http.StatusNotFound},
		{"unknown run", http.MethodGet, "/api/runs/nope", http.StatusNotFound},
		{"items of unknown run", http.MethodGet, "/api/runs/nope/items", http.StatusNotFound},
		{"bad since", http.MethodGet, "/api/audit?since=yesterday", http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/api/audit?limit=0", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := env.do(t, tt.method, tt.path, true)
			assert.Equal(t, tt.code, w.Code)
		})
	}
}

func TestTriggerDeletedSource(t *testing.T) {
	env := setupTestEnv(t, testKey)

	_, err := env.store.Sources.MarkDeletedExcept(context.Background(), nil, time.Now())
	require.NoError(t, err)

	w, _ := env.do(t, http.MethodPost, "/api/sources/acme-de-web/trigger", true)
	assert.Equal(t, http.StatusConflict, w.Code)
}
