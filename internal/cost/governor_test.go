package cost

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestra-run/orchestrator/internal/clock"
	"github.com/orchestra-run/orchestrator/internal/eventbus"
	"github.com/orchestra-run/orchestrator/internal/logging"
	"github.com/orchestra-run/orchestrator/internal/store"
)

func newTestGovernor(t *testing.T, daily, monthly float64) (*Governor, store.Store, clock.Clock) {
	t.Helper()
	s := store.NewMemoryStore()
	clk := clock.NewFake(time.Now())
	logger := logging.New(true)
	bus := eventbus.New(s, clk, logger, "ws", 0, 0)
	g, err := New(context.Background(), s, bus, clk, logger, "ws", daily, monthly, 0, nil)
	require.NoError(t, err)
	return g, s, clk
}

func TestMayStartDeniedOverDailyBudget(t *testing.T) {
	g, _, _ := newTestGovernor(t, 10.0, 1000.0)
	require.NoError(t, g.Record(context.Background(), "agent-1", 1, 9.0, 100))
	err := g.MayStart(context.Background(), "agent-1", 2.0)
	assert.Error(t, err, "spend would push daily total past the budget")
}

func TestMayStartAdmitsUnderBudget(t *testing.T) {
	g, _, _ := newTestGovernor(t, 10.0, 1000.0)
	err := g.MayStart(context.Background(), "agent-2", 1.0)
	assert.NoError(t, err)
}

func TestRecordIsAppendOnlyAndSumsMonotonically(t *testing.T) {
	g, s, _ := newTestGovernor(t, 1000.0, 1000.0)
	require.NoError(t, g.Record(context.Background(), "agent-1", 1, 1.5, 10))
	require.NoError(t, g.Record(context.Background(), "agent-1", 2, 2.5, 20))

	entries, err := s.ListLedgerEntries(context.Background(), "ws", time.Time{})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	snap := g.Snapshot()
	assert.InDelta(t, 4.0, snap.DailyUSD, 0.001)
}

func TestHardStopCallbackFiresOnce(t *testing.T) {
	var calls int
	g, _, _ := newTestGovernor(t, 10.0, 1000.0)
	g.onHardStop = func(ctx context.Context, reason string) { calls++ }

	require.NoError(t, g.Record(context.Background(), "agent-1", 1, 11.0, 100))
	require.NoError(t, g.Record(context.Background(), "agent-1", 2, 0.01, 1))

	time.Sleep(10 * time.Millisecond) // onHardStop fires in its own goroutine
	assert.Equal(t, 1, calls, "hard stop threshold crossing is one-shot, not re-fired on every subsequent record")
}
