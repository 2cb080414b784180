package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestra-run/orchestrator/internal/clock"
	"github.com/orchestra-run/orchestrator/internal/errs"
	"github.com/orchestra-run/orchestrator/internal/logging"
	"github.com/orchestra-run/orchestrator/internal/store"
)

// failingAuditStore wraps a real MemoryStore but rejects every audit
// write, so the bounded retry buffer's drop-oldest behavior can be
// exercised deterministically.
type failingAuditStore struct {
	*store.MemoryStore
}

func (f *failingAuditStore) AppendAudit(ctx context.Context, workspaceID string, r *store.AuditRecord) error {
	return errs.New(errs.Transient, "simulated audit sink outage")
}

func TestRecordPersistsAsynchronously(t *testing.T) {
	s := store.NewMemoryStore()
	clk := clock.NewFake(time.Now())
	logger := logging.New(true)
	l := New(s, clk, logger, "ws", 0)

	l.Record(context.Background(), "claim", "agent-1", 1, "claimed project 1", 200, 5*time.Millisecond)

	deadline := time.Now().Add(time.Second)
	var recs []*store.AuditRecord
	for time.Now().Before(deadline) {
		var err error
		recs, err = l.Query(context.Background(), time.Time{}, 10)
		require.NoError(t, err)
		if len(recs) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Len(t, recs, 1)
	assert.Equal(t, "claim", recs[0].OperationType)
}

func TestBufferDropsOldestWhenFullAndSinkIsDown(t *testing.T) {
	fs := &failingAuditStore{MemoryStore: store.NewMemoryStore()}
	clk := clock.NewFake(time.Now())
	logger := logging.New(true)
	l := New(fs, clk, logger, "ws", 2)

	for i := 0; i < 3; i++ {
		l.writeOrBuffer(context.Background(), &store.AuditRecord{AuditID: "a" + string(rune('0'+i))})
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Len(t, l.buffer, 2, "buffer must never grow past its configured cap")
	assert.Equal(t, "a1", l.buffer[0].AuditID, "the oldest record must be dropped first")
	assert.Equal(t, "a2", l.buffer[1].AuditID)
}
