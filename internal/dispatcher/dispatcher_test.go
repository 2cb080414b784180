package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestra-run/orchestrator/internal/clock"
	"github.com/orchestra-run/orchestrator/internal/cost"
	"github.com/orchestra-run/orchestrator/internal/eventbus"
	"github.com/orchestra-run/orchestrator/internal/logging"
	"github.com/orchestra-run/orchestrator/internal/store"
)

func newTestDispatcher(t *testing.T, leaseDuration time.Duration) (*Dispatcher, store.Store, *clock.Fake) {
	t.Helper()
	s := store.NewMemoryStore()
	clk := clock.NewFake(time.Now())
	logger := logging.New(true)
	bus := eventbus.New(s, clk, logger, "ws", 0, 0)
	governor, err := cost.New(context.Background(), s, bus, clk, logger, "ws", 1000.0, 1000.0, 0, nil)
	require.NoError(t, err)
	return New(s, bus, governor, clk, logger, "ws", leaseDuration, nil), s, clk
}

func TestTryClaimGrantsExclusiveFencedTicket(t *testing.T) {
	d, s, _ := newTestDispatcher(t, time.Minute)
	ctx := context.Background()
	require.NoError(t, s.CreateProject(ctx, "ws", &store.Project{Number: 1, State: store.ProjectQueued}))

	ticket, project, err := d.TryClaim(ctx, "agent-1", 0)
	require.NoError(t, err)
	require.NotNil(t, ticket)
	assert.Equal(t, int64(1), project.Number)
	assert.Greater(t, ticket.FenceToken, int64(0))

	stored, err := s.GetProject(ctx, "ws", 1)
	require.NoError(t, err)
	assert.Equal(t, store.ProjectClaimed, stored.State)
	assert.Equal(t, "agent-1", stored.OwnerAgentID)
}

func TestTryClaimIsExclusiveAcrossConcurrentAgents(t *testing.T) {
	d, s, _ := newTestDispatcher(t, time.Minute)
	ctx := context.Background()
	require.NoError(t, s.CreateProject(ctx, "ws", &store.Project{Number: 1, State: store.ProjectQueued}))

	ticket1, _, err := d.TryClaim(ctx, "agent-1", 0)
	require.NoError(t, err)
	require.NotNil(t, ticket1)

	ticket2, project2, err := d.TryClaim(ctx, "agent-2", 0)
	require.NoError(t, err)
	assert.Nil(t, ticket2)
	assert.Nil(t, project2, "the only project is already claimed; nothing left to grant")
}

func TestTryClaimReturnsNilWhenQueueEmpty(t *testing.T) {
	d, _, _ := newTestDispatcher(t, time.Minute)
	ticket, project, err := d.TryClaim(context.Background(), "agent-1", 0)
	require.NoError(t, err)
	assert.Nil(t, ticket)
	assert.Nil(t, project)
}

func TestReleaseFreesBranchForReclaim(t *testing.T) {
	d, s, _ := newTestDispatcher(t, time.Minute)
	ctx := context.Background()
	require.NoError(t, s.CreateProject(ctx, "ws", &store.Project{Number: 1, State: store.ProjectQueued}))
	ticket, _, err := d.TryClaim(ctx, "agent-1", 0)
	require.NoError(t, err)

	require.NoError(t, d.Release(ctx, 1, ticket.FenceToken))

	claim, err := s.GetClaim(ctx, "ws", 1)
	require.NoError(t, err)
	assert.Nil(t, claim)
}

func TestSweepExpiredLeasesRevertsToQueued(t *testing.T) {
	d, s, clk := newTestDispatcher(t, time.Minute)
	ctx := context.Background()
	require.NoError(t, s.CreateProject(ctx, "ws", &store.Project{Number: 1, State: store.ProjectQueued}))
	ticket, _, err := d.TryClaim(ctx, "agent-1", 0)
	require.NoError(t, err)
	require.NotNil(t, ticket)

	clk.Advance(2 * time.Minute)
	require.NoError(t, d.SweepExpiredLeases(ctx))

	p, err := s.GetProject(ctx, "ws", 1)
	require.NoError(t, err)
	assert.Equal(t, store.ProjectQueued, p.State)
	assert.Equal(t, "", p.OwnerAgentID)
	assert.Equal(t, 1, p.ReleaseCount)

	claim, err := s.GetClaim(ctx, "ws", 1)
	require.NoError(t, err)
	assert.Nil(t, claim)
}

func TestEnqueuePutsProjectBackInQueuedState(t *testing.T) {
	d, s, _ := newTestDispatcher(t, time.Minute)
	ctx := context.Background()
	require.NoError(t, s.CreateProject(ctx, "ws", &store.Project{Number: 1, State: store.ProjectRework}))
	p, err := s.GetProject(ctx, "ws", 1)
	require.NoError(t, err)

	require.NoError(t, d.Enqueue(ctx, p))

	stored, err := s.GetProject(ctx, "ws", 1)
	require.NoError(t, err)
	assert.Equal(t, store.ProjectQueued, stored.State)
}
