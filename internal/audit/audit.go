// Package audit implements the fire-and-forget durable audit sink
// from §4.7. Writers never block on persistence: a failed write goes
// into a bounded retry buffer and is flushed opportunistically, the
// same "events are for observability, not control flow" policy
// FluxForge's Reconciler applies to publishEventAsync.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orchestra-run/orchestrator/internal/clock"
	"github.com/orchestra-run/orchestrator/internal/observability"
	"github.com/orchestra-run/orchestrator/internal/store"
)

const defaultBufferSize = 100

// Log is the audit writer. One instance per workspace-scoped
// deployment, constructed once in main.go; main.go keeps it on its
// components struct and does not pass it to any other component.
type Log struct {
	mu     sync.Mutex
	store  store.Store
	clock  clock.Clock
	logger *zap.SugaredLogger

	workspaceID string
	buffer      []*store.AuditRecord
	bufferCap   int
}

// New constructs a Log backed by s, buffering up to bufferCap
// records (default 100 when 0 is passed) if persistence is failing.
func New(s store.Store, clk clock.Clock, logger *zap.SugaredLogger, workspaceID string, bufferCap int) *Log {
	if bufferCap <= 0 {
		bufferCap = defaultBufferSize
	}
	return &Log{store: s, clock: clk, logger: logger, workspaceID: workspaceID, bufferCap: bufferCap}
}

// Record appends one audit record. It never blocks the caller beyond
// a single buffered-slice mutex hold: persistence happens on a
// best-effort basis, and buffered records are retried after the next
// successful write; there is no timer-driven flush.
func (l *Log) Record(ctx context.Context, operationType, agentID string, projectNumber int64, requestSummary string, responseStatus int, duration time.Duration) {
	rec := &store.AuditRecord{
		AuditID:        uuid.NewString(),
		Timestamp:      l.clock.Now(),
		OperationType:  operationType,
		AgentID:        agentID,
		ProjectNumber:  projectNumber,
		RequestSummary: requestSummary,
		ResponseStatus: responseStatus,
		DurationMs:     duration.Milliseconds(),
	}
	go l.writeOrBuffer(ctx, rec)
}

func (l *Log) writeOrBuffer(ctx context.Context, rec *store.AuditRecord) {
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.store.AppendAudit(writeCtx, l.workspaceID, rec); err != nil {
		observability.AuditWriteFailures.Inc()
		l.bufferOrDrop(rec)
		return
	}
	l.drainBuffer(writeCtx)
}

func (l *Log) bufferOrDrop(rec *store.AuditRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buffer) >= l.bufferCap {
		// drop oldest with a warning; audit writes must never block
		// or grow without bound
		l.logger.Warnw("audit buffer full, dropping oldest record", "audit_id", l.buffer[0].AuditID)
		l.buffer = l.buffer[1:]
		observability.AuditBufferDrops.Inc()
	}
	l.buffer = append(l.buffer, rec)
}

// drainBuffer flushes buffered records opportunistically after a
// successful write, per §4.7.
func (l *Log) drainBuffer(ctx context.Context) {
	l.mu.Lock()
	pending := l.buffer
	l.buffer = nil
	l.mu.Unlock()

	var failed []*store.AuditRecord
	for _, rec := range pending {
		if err := l.store.AppendAudit(ctx, l.workspaceID, rec); err != nil {
			failed = append(failed, rec)
		}
	}
	if len(failed) > 0 {
		l.mu.Lock()
		l.buffer = append(failed, l.buffer...)
		l.mu.Unlock()
	}
}

// Query returns audit records since t, used by the Control API's
// /audit-history endpoint.
func (l *Log) Query(ctx context.Context, since time.Time, limit int) ([]*store.AuditRecord, error) {
	return l.store.ListAudit(ctx, l.workspaceID, since, limit)
}
