package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyorhq/conveyor/internal/analytics"
	"github.com/conveyorhq/conveyor/internal/events"
	"github.com/conveyorhq/conveyor/internal/phase"
	"github.com/conveyorhq/conveyor/internal/run"
)

func newTestServer(t *testing.T) (*Server, *run.Store, *events.DB) {
	t.Helper()
	store := run.NewStore(t.TempDir())
	db, err := events.Open(filepath.Join(t.TempDir(), "conveyor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())
	return NewServer(store, db, 0), store, db
}

func seedRun(t *testing.T, store *run.Store, requirements string, status run.Status) *run.RunState {
	t.Helper()
	st := run.NewRunState(requirements)
	st.Status = status
	require.NoError(t, store.Create(st))
	return st
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	return rec
}

func TestIndexListsRuns(t *testing.T) {
	s, store, _ := newTestServer(t)
	st := seedRun(t, store, "build a thing", run.StatusRunning)

	rec := get(t, s, "/")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, st.ID)
	assert.Contains(t, body, "badge-running")
}

func TestIndexEmptyStore(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := get(t, s, "/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "No runs yet")
}

func TestAPIRunsFilterByStatus(t *testing.T) {
	s, store, _ := newTestServer(t)
	seedRun(t, store, "one", run.StatusRunning)
	escalated := seedRun(t, store, "two", run.StatusEscalated)
	escalated.Escalation = &run.Escalation{Token: "tok-123", Phase: phase.Design}
	require.NoError(t, store.Commit(escalated))

	rec := get(t, s, "/api/runs?status=escalated")
	require.Equal(t, http.StatusOK, rec.Code)

	var got []RunSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, escalated.ID, got[0].ID)
	assert.Equal(t, "tok-123", got[0].Token)
}

func TestAPIRunsNewestFirst(t *testing.T) {
	s, store, _ := newTestServer(t)
	first := seedRun(t, store, "first", run.StatusCompleted)
	second := seedRun(t, store, "second", run.StatusRunning)

	rec := get(t, s, "/api/runs")
	require.Equal(t, http.StatusOK, rec.Code)

	var got []RunSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, second.ID, got[0].ID)
	assert.Equal(t, first.ID, got[1].ID)
}

func TestAPIRunDetail(t *testing.T) {
	s, store, _ := newTestServer(t)
	st := seedRun(t, store, "detail me", run.StatusRunning)

	rec := get(t, s, "/api/runs/"+st.ID)
	require.Equal(t, http.StatusOK, rec.Code)

	var got run.RunState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, st.ID, got.ID)
	assert.Equal(t, "detail me", got.Requirements)
	assert.Equal(t, phase.Planning, got.Current)
}

func TestAPIRunDetailNotFound(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := get(t, s, "/api/runs/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIRunEvents(t *testing.T) {
	s, store, db := newTestServer(t)
	st := seedRun(t, store, "with events", run.StatusRunning)

	require.NoError(t, db.LogRunEvent(st.ID, "run_created", phase.Planning, 0, "", 0))
	require.NoError(t, db.LogRunEvent(st.ID, "artifact_generated", phase.Planning, 1, "", 900))

	rec := get(t, s, "/api/runs/"+st.ID+"/events")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json"))

	var got []analytics.TimelineEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "run_created", got[0].Event)
	assert.Equal(t, "artifact_generated", got[1].Event)
}

func TestAPIRunEventsEmptyTimeline(t *testing.T) {
	s, store, _ := newTestServer(t)
	st := seedRun(t, store, "quiet", run.StatusRunning)

	rec := get(t, s, "/api/runs/"+st.ID+"/events")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestAPIRunEventsNoDatabase(t *testing.T) {
	store := run.NewStore(t.TempDir())
	s := NewServer(store, nil, 0)
	st := seedRun(t, store, "no db", run.StatusRunning)

	rec := get(t, s, "/api/runs/"+st.ID+"/events")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
