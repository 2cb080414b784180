package coordination

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/orchestra-run/orchestrator/internal/store"
)

// LockJanitor periodically reclaims expired locks so a crashed
// holder never pins a lock key forever on a backend that doesn't
// self-expire. Grounded on FluxForge's coordination/janitor.go, with
// the fencing/epoch comparison dropped: AcquireLock already treats an
// expired lock as available to a new contender, so the janitor here
// is pure housekeeping rather than a fencing mechanism.
type LockJanitor struct {
	coordinator store.Coordinator
	interval    time.Duration
	logger      *zap.SugaredLogger
}

func NewLockJanitor(c store.Coordinator, interval time.Duration, logger *zap.SugaredLogger) *LockJanitor {
	return &LockJanitor{coordinator: c, interval: interval, logger: logger}
}

func (j *LockJanitor) Start(ctx context.Context) { go j.loop(ctx) }

func (j *LockJanitor) loop(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.clean(ctx)
		}
	}
}

func (j *LockJanitor) clean(ctx context.Context) {
	reclaimed, err := j.coordinator.ExpireStaleLocks(ctx)
	if err != nil {
		j.logger.Warnw("lock janitor sweep failed", "err", err)
		return
	}
	if reclaimed > 0 {
		j.logger.Infow("lock janitor reclaimed stale locks", "count", reclaimed)
	}
}
