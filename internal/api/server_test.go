package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestra-run/orchestrator/internal/clock"
	"github.com/orchestra-run/orchestrator/internal/cost"
	"github.com/orchestra-run/orchestrator/internal/dispatcher"
	"github.com/orchestra-run/orchestrator/internal/eventbus"
	"github.com/orchestra-run/orchestrator/internal/ideation"
	"github.com/orchestra-run/orchestrator/internal/logging"
	"github.com/orchestra-run/orchestrator/internal/review"
	"github.com/orchestra-run/orchestrator/internal/store"
	"github.com/orchestra-run/orchestrator/internal/supervisor"
	"github.com/orchestra-run/orchestrator/internal/vcs"
)

type nopHost struct{}

func (nopHost) CreateProject(ctx context.Context, title, problemStatement string) (*vcs.Issue, error) {
	return &vcs.Issue{Number: 1}, nil
}
func (nopHost) PushBranch(ctx context.Context, branch, commitMessage string) error { return nil }
func (nopHost) OpenPullRequest(ctx context.Context, branch, title, body string) (string, error) {
	return "", nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s := store.NewMemoryStore()
	clk := clock.NewFake(time.Now())
	logger := logging.New(true)
	bus := eventbus.New(s, clk, logger, "ws", 0, 0)
	governor, err := cost.New(context.Background(), s, bus, clk, logger, "ws", 1000.0, 1000.0, 0, nil)
	require.NoError(t, err)
	disp := dispatcher.New(s, bus, governor, clk, logger, "ws", time.Minute, nil)
	reviewEng := review.New(s, bus, clk, logger, "ws", 5, time.Minute)
	ideaLoop := ideation.New(s, bus, governor, nopHost{}, clk, logger, "ws")
	sup := supervisor.New(s, bus, governor, disp, reviewEng, nil, nil, clk, logger, "ws", 30*time.Second)
	return New(s, bus, governor, sup, reviewEng, ideaLoop, "ws", 5, "", logger)
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = httptest.NewRequest(method, path, bytes.NewReader(b))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	srv.Handler("").ServeHTTP(rec, r)
	return rec
}

func TestHandleAgentsAddAndList(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/agents", map[string]string{"agentId": "agent-1"})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/agents", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var agents []*store.Agent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agents))
	require.Len(t, agents, 1)
	assert.Equal(t, "agent-1", agents[0].ID)
}

func TestHandleAgentsRejectsMissingAgentID(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/agents", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleAgentsEnforcesCap(t *testing.T) {
	srv := newTestServer(t)
	for i := 0; i < 5; i++ {
		rec := doJSON(t, srv, http.MethodPost, "/agents", map[string]string{"agentId": "a" + string(rune('0'+i))})
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	rec := doJSON(t, srv, http.MethodPost, "/agents", map[string]string{"agentId": "overflow"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleAgentSubPauseThenResume(t *testing.T) {
	srv := newTestServer(t)
	doJSON(t, srv, http.MethodPost, "/agents", map[string]string{"agentId": "agent-1"})

	rec := doJSON(t, srv, http.MethodPost, "/agents/agent-1/pause", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/agents/agent-1/resume", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleAgentSubUnknownActionIs404(t *testing.T) {
	srv := newTestServer(t)
	doJSON(t, srv, http.MethodPost, "/agents", map[string]string{"agentId": "agent-1"})
	rec := doJSON(t, srv, http.MethodPost, "/agents/agent-1/explode", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleProjectsCreateAndFilterByState(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/projects", map[string]string{"title": "Do the thing"})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/projects?state=queued", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var projects []*store.Project
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &projects))
	require.Len(t, projects, 1)
	assert.Equal(t, "Do the thing", projects[0].Title)
}

func TestHandleProjectSubPinUnpin(t *testing.T) {
	srv := newTestServer(t)
	doJSON(t, srv, http.MethodPost, "/projects", map[string]string{"title": "x"})

	rec := doJSON(t, srv, http.MethodPost, "/projects/1/pin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var p store.Project
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.True(t, p.Pinned)

	rec = doJSON(t, srv, http.MethodPost, "/projects/1/unpin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.False(t, p.Pinned)
}

func TestHandleProjectSubInvalidNumberIs400(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/projects/not-a-number/pin", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleEventIngressRejectsUnknownTypePrefix(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/events/project", map[string]any{"type": "totally.unrelated", "data": map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleEventIngressAcceptsKnownPrefix(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/events/project", map[string]any{"type": "project.queued", "data": map[string]any{"projectNumber": 1}})
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestHandleReplayReturnsEventsFromDurableStore(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/events/replay?since=0", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleCostSnapshot(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/cost", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleIdeationWeightsGetAndPost(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodGet, "/ideation/weights", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/ideation/weights", map[string]float64{"Security": 3.0})
	assert.Equal(t, http.StatusOK, rec.Code)
	var weights map[string]float64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &weights))
	assert.Equal(t, 3.0, weights["Security"])
}

func TestHandleIdeationWeightsRejectsUnknownCategory(t *testing.T) {
	srv := newTestServer(t)
	rec := doJSON(t, srv, http.MethodPost, "/ideation/weights", map[string]float64{"NotACategory": 1.0})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBearerAuthIsEnforcedWhenConfigured(t *testing.T) {
	s := store.NewMemoryStore()
	clk := clock.NewFake(time.Now())
	logger := logging.New(true)
	bus := eventbus.New(s, clk, logger, "ws", 0, 0)
	governor, err := cost.New(context.Background(), s, bus, clk, logger, "ws", 1000.0, 1000.0, 0, nil)
	require.NoError(t, err)
	disp := dispatcher.New(s, bus, governor, clk, logger, "ws", time.Minute, nil)
	reviewEng := review.New(s, bus, clk, logger, "ws", 5, time.Minute)
	ideaLoop := ideation.New(s, bus, governor, nopHost{}, clk, logger, "ws")
	sup := supervisor.New(s, bus, governor, disp, reviewEng, nil, nil, clk, logger, "ws", 30*time.Second)
	srv := New(s, bus, governor, sup, reviewEng, ideaLoop, "ws", 5, "topsecret", logger)

	req := httptest.NewRequest(http.MethodGet, "/agents", nil)
	rec := httptest.NewRecorder()
	srv.Handler("topsecret").ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
