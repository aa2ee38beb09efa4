package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dsi-pipeline/internal/config"
	"github.com/sells-group/dsi-pipeline/internal/model"
	"github.com/sells-group/dsi-pipeline/internal/pipelineservice"
	"github.com/sells-group/dsi-pipeline/internal/statetracker"
	"github.com/sells-group/dsi-pipeline/internal/store"
)

// newTestRouter builds a router backed by a real SQLite store and a Service
// whose collaborators are all nil, mirroring how each phase handler only
// touches what it needs: fine for the validation and lookup paths exercised
// here, which never reach svc.launch's background phase execution.
func newTestRouter(t *testing.T) (http.Handler, store.Store) {
	t.Helper()
	cfg = &config.Config{}
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "serve.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	tracker := statetracker.New(st)
	svc := pipelineservice.New(st, nil, nil, nil, nil, nil, nil, nil, nil, tracker, config.PipelineConfig{}, nil)

	return buildRouter(svc, st, nil), st
}

func seedRun(t *testing.T, st store.Store) *model.PipelineRun {
	t.Helper()
	now := time.Now().UTC()
	run := model.PipelineRun{
		ID:        uuid.New(),
		Mode:      model.RunModeManual,
		Status:    model.RunStatusCompleted,
		Config:    model.PipelineConfig{ClientID: "acme"},
		StartedAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, st.CreateRun(context.Background(), run))
	return &run
}

func TestServeRouter_Health(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestServeRouter_StartPipeline_MissingClientID(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/pipelines", strings.NewReader(`{"keywords":["a"]}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "client_id is required")
}

func TestServeRouter_StartPipeline_InvalidBody(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/pipelines", strings.NewReader(`not json`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServeRouter_GetRun_NotFound(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/pipelines/"+uuid.New().String(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeRouter_GetRun_InvalidID(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/pipelines/not-a-uuid", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServeRouter_GetRun_Found(t *testing.T) {
	router, st := newTestRouter(t)
	run := seedRun(t, st)

	req := httptest.NewRequest(http.MethodGet, "/pipelines/"+run.ID.String(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var got model.PipelineRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, run.ID, got.ID)
}

func TestServeRouter_CancelRun_NotRunning(t *testing.T) {
	router, st := newTestRouter(t)
	run := seedRun(t, st)

	req := httptest.NewRequest(http.MethodDelete, "/pipelines/"+run.ID.String(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	// The run was seeded directly, not launched through the service, so it
	// has no entry in the service's cancel registry.
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestServeRouter_CancelRun_InvalidID(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodDelete, "/pipelines/not-a-uuid", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResolvePort(t *testing.T) {
	assert.Equal(t, 9090, resolvePort(9090, 8080))
	assert.Equal(t, 8080, resolvePort(0, 8080))
}
