package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obot-platform/leadqueue/server/internal/config"
	"github.com/obot-platform/leadqueue/server/internal/database"
	"github.com/obot-platform/leadqueue/server/internal/directory"
	"github.com/obot-platform/leadqueue/server/internal/events"
	"github.com/obot-platform/leadqueue/server/internal/lock"
	"github.com/obot-platform/leadqueue/server/internal/service"
	"github.com/obot-platform/leadqueue/server/internal/store"
)

type testServer struct {
	store  *store.Store
	locker *lock.Local
	router chi.Router
}

func newTestServer(t *testing.T, lockTimeout time.Duration) *testServer {
	t.Helper()

	cfg := &config.Config{
		DatabaseDSN:    "sqlite3://" + filepath.Join(t.TempDir(), "handler.db"),
		DatabaseDriver: "sqlite",
	}
	db, err := database.New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())

	s := store.New(db.DB)
	poller := events.NewPoller(s, events.PollerConfig{PollInterval: 10 * time.Millisecond, BatchSize: 100}, nil)
	require.NoError(t, poller.Start(context.Background()))
	t.Cleanup(poller.Stop)
	broker := events.NewBroker(s, poller)

	locker := lock.NewLocal(lockTimeout)
	dir := directory.NewDB(s)
	h := New(
		service.NewDistributionService(s, locker, dir, broker, service.DistributionOptions{DedupLeads: true}, nil),
		service.NewRotationService(s, locker, dir, broker, nil),
		service.NewAbsenceService(s, broker, nil),
		broker,
		nil,
	)

	r := chi.NewRouter()
	r.Route("/api", h.Mount)
	return &testServer{store: s, locker: locker, router: r}
}

func (ts *testServer) seed(t *testing.T, unitID string, agentIDs ...string) {
	t.Helper()
	require.NoError(t, ts.store.ReplaceRotation(context.Background(), unitID, agentIDs))
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	decode(t, rec, &body)
	return body["error"]
}

func TestAssignLead(t *testing.T) {
	ts := newTestServer(t, time.Second)
	ts.seed(t, "u1", "a", "b")

	rec := ts.do(t, http.MethodPost, "/api/units/u1/assign", `{"leadId":"lead-1"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var got service.Assignment
	decode(t, rec, &got)
	assert.Equal(t, "a", got.AgentID)
	assert.Equal(t, 1, got.PositionInQueue)
	assert.Equal(t, 2, got.TotalInQueue)

	rec = ts.do(t, http.MethodPost, "/api/units/u1/assign", `{"leadId":"lead-2","previousOwnerAgentId":"b"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	decode(t, rec, &got)
	assert.Equal(t, "a", got.AgentID)
	require.NotNil(t, got.PreviousOwnerAgentID)

	// Replays answer 200 with the original assignment
	rec = ts.do(t, http.MethodPost, "/api/units/u1/assign", `{"leadId":"lead-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &got)
	assert.True(t, got.Replayed)
	assert.Equal(t, "a", got.AgentID)
}

func TestAssignLeadErrors(t *testing.T) {
	ts := newTestServer(t, time.Second)
	ts.seed(t, "u1", "a")

	rec := ts.do(t, http.MethodPost, "/api/units/u1/assign", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "leadId is required", errorMessage(t, rec))

	rec = ts.do(t, http.MethodPost, "/api/units/u1/assign", `{"leadId":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/units/missing/assign", `{"leadId":"lead-1"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPatch, "/api/units/u1/rotation/a/toggle", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/units/u1/assign", `{"leadId":"lead-1"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "no available agent", errorMessage(t, rec))
}

func TestAssignLeadBusyUnit(t *testing.T) {
	ts := newTestServer(t, 50*time.Millisecond)
	ts.seed(t, "u1", "a")

	unlock, err := ts.locker.Lock(context.Background(), "unit:u1")
	require.NoError(t, err)
	defer unlock()

	rec := ts.do(t, http.MethodPost, "/api/units/u1/assign", `{"leadId":"lead-1"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, "no available agent", errorMessage(t, rec))
}

func TestRotationEndpoints(t *testing.T) {
	ts := newTestServer(t, time.Second)
	ts.seed(t, "u1", "a", "b", "c")

	rec := ts.do(t, http.MethodGet, "/api/units/u1/rotation", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view service.RotationView
	decode(t, rec, &view)
	assert.Equal(t, 3, view.Size)

	rec = ts.do(t, http.MethodPut, "/api/units/u1/rotation", `{"agentIds":["c","b","a"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &view)
	assert.Equal(t, "c", view.Active[0].AgentID)

	rec = ts.do(t, http.MethodPut, "/api/units/u1/rotation", `{"agentIds":["c","zed"]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, errorMessage(t, rec), "zed")

	rec = ts.do(t, http.MethodPut, "/api/units/u1/rotation", `{"agentIds":["c","c"]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "agentIds must not contain duplicates", errorMessage(t, rec))

	rec = ts.do(t, http.MethodPut, "/api/units/u1/rotation", `{"agentIds":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPatch, "/api/units/u1/rotation/b/toggle", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var toggled ToggleResponse
	decode(t, rec, &toggled)
	assert.False(t, toggled.ActiveInRotation)

	rec = ts.do(t, http.MethodPatch, "/api/units/u1/rotation/zed/toggle", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/units/missing/rotation", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResyncEndpoint(t *testing.T) {
	ts := newTestServer(t, time.Second)
	ts.seed(t, "u1", "a", "b")

	rec := ts.do(t, http.MethodPost, "/api/units/u1/resync", `{"agentIds":["a","c"]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result map[string]any
	decode(t, rec, &result)
	assert.Equal(t, float64(1), result["added"])
	assert.Equal(t, float64(1), result["removed"])

	// Without a body the directory's member list is used
	require.NoError(t, ts.store.SetUnitAgents(context.Background(), "u1", []string{"a", "c", "d"}))
	rec = ts.do(t, http.MethodPost, "/api/units/u1/resync", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &result)
	assert.Equal(t, float64(1), result["added"])
	assert.Equal(t, float64(0), result["removed"])
}

func TestLogsAndLoadEndpoints(t *testing.T) {
	ts := newTestServer(t, time.Second)
	ts.seed(t, "u1", "a", "b")
	for _, lead := range []string{"l1", "l2", "l3"} {
		rec := ts.do(t, http.MethodPost, "/api/units/u1/assign", `{"leadId":"`+lead+`"}`)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := ts.do(t, http.MethodGet, "/api/units/u1/logs?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var page service.LogPage
	decode(t, rec, &page)
	assert.Len(t, page.Entries, 2)
	assert.Equal(t, int64(3), page.Total)
	assert.Equal(t, "l3", page.Entries[0].LeadID)

	rec = ts.do(t, http.MethodGet, "/api/units/u1/logs?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/units/u1/load?window=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var summary service.LoadSummary
	decode(t, rec, &summary)
	assert.Equal(t, 10, summary.Window)
	assert.Equal(t, 3, summary.LeadsInView)
	require.Len(t, summary.Agents, 2)
	assert.Equal(t, 2, summary.Agents[0].LeadsInWindow)
}

func TestAbsenceEndpoints(t *testing.T) {
	ts := newTestServer(t, time.Second)

	rec := ts.do(t, http.MethodPost, "/api/absences",
		`{"agentId":"a","unitId":"u1","start":"2026-03-02T09:00:00Z","end":"2026-03-02T17:00:00Z","reason":"training"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		ID string `json:"id"`
	}
	decode(t, rec, &created)
	require.NotEmpty(t, created.ID)

	rec = ts.do(t, http.MethodPost, "/api/absences",
		`{"agentId":"a","unitId":"u1","start":"2026-03-02T17:00:00Z","end":"2026-03-02T09:00:00Z"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, errorMessage(t, rec), "must be before end")

	rec = ts.do(t, http.MethodPost, "/api/absences", `{"agentId":"a","unitId":"u1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "start is required", errorMessage(t, rec))

	rec = ts.do(t, http.MethodGet, "/api/units/u1/absences?agentId=a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Absences []map[string]any `json:"absences"`
	}
	decode(t, rec, &list)
	assert.Len(t, list.Absences, 1)

	rec = ts.do(t, http.MethodDelete, "/api/absences/"+created.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/absences/"+created.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventsStream(t *testing.T) {
	ts := newTestServer(t, time.Second)
	ts.seed(t, "u1", "a")

	srv := httptest.NewServer(ts.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/units/u1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	waitFor := func(want string) {
		t.Helper()
		deadline := time.After(3 * time.Second)
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					t.Fatalf("stream closed before %q", want)
				}
				if line == want {
					return
				}
			case <-deadline:
				t.Fatalf("timed out waiting for %q", want)
			}
		}
	}

	waitFor("event: connected")

	post, err := http.Post(srv.URL+"/api/units/u1/assign", "application/json", bytes.NewBufferString(`{"leadId":"lead-1"}`))
	require.NoError(t, err)
	post.Body.Close()
	require.Equal(t, http.StatusCreated, post.StatusCode)

	waitFor("event: assignment_created")
}

func TestEventsRejectsBadSince(t *testing.T) {
	ts := newTestServer(t, time.Second)
	rec := ts.do(t, http.MethodGet, "/api/units/u1/events?since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
