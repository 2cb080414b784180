package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestra-run/orchestrator/internal/logging"
	"github.com/orchestra-run/orchestrator/internal/store"
)

func TestGetEpochFromContextRoundTrips(t *testing.T) {
	ctx := context.WithValue(context.Background(), fencingEpochKey, int64(7))
	epoch, ok := GetEpochFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, int64(7), epoch)
}

func TestGetEpochFromContextAbsentReturnsFalse(t *testing.T) {
	_, ok := GetEpochFromContext(context.Background())
	assert.False(t, ok)
}

func TestSingleElectorAcquiresLeadershipAndFencesContext(t *testing.T) {
	s := store.NewMemoryStore()
	logger := logging.New(true)
	var electedCtx context.Context
	done := make(chan struct{})

	e := NewLeaderElector(s, s, "node-a", 30*time.Millisecond, logger)
	e.SetCallbacks(func(ctx context.Context) {
		electedCtx = ctx
		close(done)
	}, func() {})
	e.Start(context.Background())
	defer e.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("elector never became leader")
	}

	assert.True(t, e.IsLeader())
	epoch, ok := GetEpochFromContext(electedCtx)
	assert.True(t, ok)
	assert.GreaterOrEqual(t, epoch, int64(1))
}

func TestOnlyOneOfTwoContendersBecomesLeader(t *testing.T) {
	s := store.NewMemoryStore()
	logger := logging.New(true)

	a := NewLeaderElector(s, s, "node-a", 30*time.Millisecond, logger)
	b := NewLeaderElector(s, s, "node-b", 30*time.Millisecond, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)
	b.Start(ctx)
	defer a.Stop()
	defer b.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a.IsLeader() != b.IsLeader() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NotEqual(t, a.IsLeader(), b.IsLeader(), "exactly one contender must hold the lock at a time")
}

func TestStopReleasesLeadershipSoAnotherContenderCanAcquire(t *testing.T) {
	s := store.NewMemoryStore()
	logger := logging.New(true)

	a := NewLeaderElector(s, s, "node-a", 30*time.Millisecond, logger)
	a.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !a.IsLeader() {
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, a.IsLeader())
	a.Stop()

	ok, _, err := s.AcquireLock(context.Background(), "orchestrator:lock:leader", "node-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "releasing leadership must free the lock for a new acquirer")
}
