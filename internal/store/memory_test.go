package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestra-run/orchestrator/internal/errs"
)

func TestUpdateProjectRejectsStaleFenceToken(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateProject(ctx, "ws", &Project{Number: 1, State: ProjectQueued}))
	require.NoError(t, s.PutClaim(ctx, "ws", &ClaimTicket{ProjectNumber: 1, FenceToken: 5}))

	owned, err := s.GetProject(ctx, "ws", 1)
	require.NoError(t, err)
	owned.OwnerAgentID = "agent-1"
	owned.State = ProjectExecuting

	err = s.UpdateProject(ctx, "ws", owned, 4) // stale: claim is at fence 5
	require.Error(t, err)
	assert.Equal(t, errs.Conflict, errs.KindOf(err))

	require.NoError(t, s.UpdateProject(ctx, "ws", owned, 5)) // matches: accepted
}

func TestReleaseClaimRejectsStaleFenceToken(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.PutClaim(ctx, "ws", &ClaimTicket{ProjectNumber: 7, FenceToken: 2}))

	err := s.ReleaseClaim(ctx, "ws", 7, 1)
	require.Error(t, err)
	assert.Equal(t, errs.Conflict, errs.KindOf(err))

	require.NoError(t, s.ReleaseClaim(ctx, "ws", 7, 2))
	claim, err := s.GetClaim(ctx, "ws", 7)
	require.NoError(t, err)
	assert.Nil(t, claim)
}

func TestListExpiredClaimsOnlyReturnsLeasesPastAsOf(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, s.PutClaim(ctx, "ws", &ClaimTicket{ProjectNumber: 1, LeaseExpiresAt: now.Add(-time.Minute)}))
	require.NoError(t, s.PutClaim(ctx, "ws", &ClaimTicket{ProjectNumber: 2, LeaseExpiresAt: now.Add(time.Hour)}))

	expired, err := s.ListExpiredClaims(ctx, "ws", now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, int64(1), expired[0].ProjectNumber)
}

func TestAcquireLockIsExclusiveUntilExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ok, epoch1, err := s.AcquireLock(ctx, "lock:leader", "node-a", 20*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), epoch1)

	ok, _, err = s.AcquireLock(ctx, "lock:leader", "node-b", 20*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok, "a live, non-expired lock must reject a different holder")

	time.Sleep(30 * time.Millisecond)

	ok, epoch2, err := s.AcquireLock(ctx, "lock:leader", "node-b", 20*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok, "an expired lock must be acquirable by a new holder")
	assert.Greater(t, epoch2, epoch1, "each new acquisition bumps the fencing epoch")
}

func TestRenewLockOnlySucceedsForCurrentHolder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, _, err := s.AcquireLock(ctx, "lock:leader", "node-a", time.Minute)
	require.NoError(t, err)

	ok, err := s.RenewLock(ctx, "lock:leader", "node-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.RenewLock(ctx, "lock:leader", "node-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExpireStaleLocksReclaimsPastDeadline(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, _, err := s.AcquireLock(ctx, "lock:a", "node-a", 10*time.Millisecond)
	require.NoError(t, err)
	_, _, err = s.AcquireLock(ctx, "lock:b", "node-a", time.Hour)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	reclaimed, err := s.ExpireStaleLocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)
}

func TestPutProposalIfAbsentEnforcesIdempotencyKey(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	created, err := s.PutProposalIfAbsent(ctx, "ws", &Proposal{ID: "p1"}, "agent1:refactor:2026-07-30T10")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.PutProposalIfAbsent(ctx, "ws", &Proposal{ID: "p2"}, "agent1:refactor:2026-07-30T10")
	require.NoError(t, err)
	assert.False(t, created, "a repeat fire within the same idempotency bucket must not create a second proposal")
}

func TestListProjectsFiltersByStateAndOrdersByNumber(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateProject(ctx, "ws", &Project{Number: 3, State: ProjectQueued}))
	require.NoError(t, s.CreateProject(ctx, "ws", &Project{Number: 1, State: ProjectQueued}))
	require.NoError(t, s.CreateProject(ctx, "ws", &Project{Number: 2, State: ProjectExecuting}))

	queued, err := s.ListProjects(ctx, "ws", ProjectQueued)
	require.NoError(t, err)
	require.Len(t, queued, 2)
	assert.Equal(t, int64(1), queued[0].Number)
	assert.Equal(t, int64(3), queued[1].Number)
}
