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

func TestJanitorCleanReclaimsExpiredLock(t *testing.T) {
	s := store.NewMemoryStore()
	logger := logging.New(true)
	j := NewLockJanitor(s, time.Hour, logger)

	_, _, err := s.AcquireLock(context.Background(), "lock:a", "node-a", 5*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	j.clean(context.Background())

	ok, _, err := s.AcquireLock(context.Background(), "lock:a", "node-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "the janitor sweep should have already reclaimed the stale lock")
}

func TestJanitorLoopStopsOnContextCancel(t *testing.T) {
	s := store.NewMemoryStore()
	logger := logging.New(true)
	j := NewLockJanitor(s, 5*time.Millisecond, logger)

	ctx, cancel := context.WithCancel(context.Background())
	j.Start(ctx)
	cancel()
	// no assertion beyond "this returns and the test process doesn't hang" —
	// loop() must observe ctx.Done() and exit its goroutine.
	time.Sleep(20 * time.Millisecond)
}
