package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestra-run/orchestrator/internal/agentruntime"
	"github.com/orchestra-run/orchestrator/internal/clock"
	"github.com/orchestra-run/orchestrator/internal/cost"
	"github.com/orchestra-run/orchestrator/internal/dispatcher"
	"github.com/orchestra-run/orchestrator/internal/eventbus"
	"github.com/orchestra-run/orchestrator/internal/logging"
	"github.com/orchestra-run/orchestrator/internal/review"
	"github.com/orchestra-run/orchestrator/internal/store"
)

type fakeRuntime struct{}

func (fakeRuntime) Execute(ctx context.Context, agentID string, projectNumber int64, prompt string) (agentruntime.ExecutionResult, error) {
	return agentruntime.ExecutionResult{Summary: "done", Completed: true}, nil
}

func (fakeRuntime) GenerateProposal(ctx context.Context, agentID, categoryTag, prompt string) (string, string, error) {
	return "title", "problem", nil
}

func newTestSupervisor(t *testing.T) (*Supervisor, store.Store, *clock.Fake, *dispatcher.Dispatcher) {
	t.Helper()
	s := store.NewMemoryStore()
	clk := clock.NewFake(time.Now())
	logger := logging.New(true)
	bus := eventbus.New(s, clk, logger, "ws", 0, 0)
	governor, err := cost.New(context.Background(), s, bus, clk, logger, "ws", 1000.0, 1000.0, 0, nil)
	require.NoError(t, err)
	disp := dispatcher.New(s, bus, governor, clk, logger, "ws", 10*time.Minute, nil)
	reviewEng := review.New(s, bus, clk, logger, "ws", 5, 10*time.Minute)
	super := New(s, bus, governor, disp, reviewEng, nil, fakeRuntime{}, clk, logger, "ws", 30*time.Second)
	return super, s, clk, disp
}

func TestRegisterAgentStartsIdle(t *testing.T) {
	super, s, _, _ := newTestSupervisor(t)
	a, err := super.RegisterAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, store.AgentIdle, a.Status)

	stored, err := s.GetAgent(context.Background(), "ws", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, store.AgentIdle, stored.Status)
}

func TestHeartbeatRevivesUnresponsiveAgent(t *testing.T) {
	super, s, _, _ := newTestSupervisor(t)
	ctx := context.Background()
	_, err := super.RegisterAgent(ctx, "agent-1")
	require.NoError(t, err)
	a, _ := s.GetAgent(ctx, "ws", "agent-1")
	a.Status = store.AgentUnresponsive
	require.NoError(t, s.UpsertAgent(ctx, "ws", a))

	require.NoError(t, super.Heartbeat(ctx, "agent-1"))

	a, _ = s.GetAgent(ctx, "ws", "agent-1")
	assert.Equal(t, store.AgentIdle, a.Status)
}

func TestPauseIdleAgentIsImmediate(t *testing.T) {
	super, s, _, _ := newTestSupervisor(t)
	ctx := context.Background()
	_, err := super.RegisterAgent(ctx, "agent-1")
	require.NoError(t, err)

	require.NoError(t, super.Pause(ctx, "agent-1"))

	a, _ := s.GetAgent(ctx, "ws", "agent-1")
	assert.Equal(t, store.AgentPaused, a.Status)
}

func TestPauseWorkingAgentIsDeferredUntilGraceElapses(t *testing.T) {
	super, s, clk, _ := newTestSupervisor(t)
	ctx := context.Background()
	_, err := super.RegisterAgent(ctx, "agent-1")
	require.NoError(t, err)
	a, _ := s.GetAgent(ctx, "ws", "agent-1")
	a.Status = store.AgentWorking
	require.NoError(t, s.UpsertAgent(ctx, "ws", a))

	require.NoError(t, super.Pause(ctx, "agent-1"))

	a, _ = s.GetAgent(ctx, "ws", "agent-1")
	assert.Equal(t, store.AgentWorking, a.Status, "pause on a working agent must not take effect immediately")
	assert.False(t, super.pauseDue("agent-1"))

	clk.Advance(defaultPauseGrace + time.Second)
	assert.True(t, super.pauseDue("agent-1"), "pause must be forced through once the grace window elapses")
}

func TestResumeRestoresIdleAndClearsPendingPause(t *testing.T) {
	super, _, _, _ := newTestSupervisor(t)
	ctx := context.Background()
	_, err := super.RegisterAgent(ctx, "agent-1")
	require.NoError(t, err)
	require.NoError(t, super.Pause(ctx, "agent-1"))

	require.NoError(t, super.Resume(ctx, "agent-1"))
	assert.False(t, super.pauseDue("agent-1"))
}

func TestStopReleasesHeldClaimAndIsTerminal(t *testing.T) {
	super, s, _, disp := newTestSupervisor(t)
	ctx := context.Background()
	require.NoError(t, s.CreateProject(ctx, "ws", &store.Project{Number: 1, State: store.ProjectQueued}))

	ticket, project, err := disp.TryClaim(ctx, "agent-1", 0)
	require.NoError(t, err)
	require.NotNil(t, ticket)

	a, err := super.RegisterAgent(ctx, "agent-1")
	require.NoError(t, err)
	a.Status = store.AgentWorking
	num := project.Number
	a.CurrentProjectID = &num
	require.NoError(t, s.UpsertAgent(ctx, "ws", a))

	require.NoError(t, super.Stop(ctx, "agent-1"))

	claim, err := s.GetClaim(ctx, "ws", 1)
	require.NoError(t, err)
	assert.Nil(t, claim, "stopping an agent mid-work must release its held claim")

	a, _ = s.GetAgent(ctx, "ws", "agent-1")
	assert.Equal(t, store.AgentStopped, a.Status)
}

func TestScanLivenessMarksStaleAgentUnresponsiveAndReleasesClaim(t *testing.T) {
	super, s, clk, disp := newTestSupervisor(t)
	ctx := context.Background()
	require.NoError(t, s.CreateProject(ctx, "ws", &store.Project{Number: 1, State: store.ProjectQueued}))
	ticket, project, err := disp.TryClaim(ctx, "agent-1", 0)
	require.NoError(t, err)
	require.NotNil(t, ticket)

	a, err := super.RegisterAgent(ctx, "agent-1")
	require.NoError(t, err)
	a.Status = store.AgentWorking
	num := project.Number
	a.CurrentProjectID = &num
	require.NoError(t, s.UpsertAgent(ctx, "ws", a))

	clk.Advance(super.heartbeatInterval*staleMultiplier + time.Second)
	require.NoError(t, super.ScanLiveness(ctx, 0))

	a, _ = s.GetAgent(ctx, "ws", "agent-1")
	assert.Equal(t, store.AgentUnresponsive, a.Status)
	assert.Nil(t, a.CurrentProjectID)

	claim, err := s.GetClaim(ctx, "ws", 1)
	require.NoError(t, err)
	assert.Nil(t, claim)
}

func TestTickAssignsReviewBeforeClaimingNewWork(t *testing.T) {
	super, s, _, disp := newTestSupervisor(t)
	ctx := context.Background()

	_, err := super.RegisterAgent(ctx, "executor")
	require.NoError(t, err)
	reviewer, err := super.RegisterAgent(ctx, "reviewer")
	require.NoError(t, err)
	_ = reviewer

	require.NoError(t, s.CreateProject(ctx, "ws", &store.Project{Number: 1, State: store.ProjectPushed, OwnerAgentID: "executor"}))
	_ = disp // queue empty on purpose: review pickup should win even when nothing is queued

	require.NoError(t, super.Tick(ctx, "reviewer"))

	a, _ := s.GetAgent(ctx, "ws", "reviewer")
	assert.Equal(t, store.AgentReviewing, a.Status)
	require.NotNil(t, a.CurrentProjectID)
	assert.Equal(t, int64(1), *a.CurrentProjectID)

	p, _ := s.GetProject(ctx, "ws", 1)
	assert.Equal(t, "reviewer", p.ReviewerAgentID)
}

func TestTickClaimsQueuedWorkAndEventuallyReturnsToIdle(t *testing.T) {
	super, s, _, _ := newTestSupervisor(t)
	ctx := context.Background()
	_, err := super.RegisterAgent(ctx, "agent-1")
	require.NoError(t, err)
	require.NoError(t, s.CreateProject(ctx, "ws", &store.Project{Number: 1, State: store.ProjectQueued}))

	require.NoError(t, super.Tick(ctx, "agent-1"))

	a, _ := s.GetAgent(ctx, "ws", "agent-1")
	assert.Equal(t, store.AgentWorking, a.Status)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		a, _ = s.GetAgent(ctx, "ws", "agent-1")
		if a.Status == store.AgentIdle {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, store.AgentIdle, a.Status, "runWork's goroutine should hand the agent back to idle once the model call returns")

	p, _ := s.GetProject(ctx, "ws", 1)
	assert.Equal(t, store.ProjectPushed, p.State)
}
