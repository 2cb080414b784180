// Package coordination runs distributed leader election across
// horizontally-scaled orchestrator processes so the singleton tasks
// named in §5 (Dispatcher, Review Engine, Ideation Loop, Cost
// Governor sweeper, Heartbeat Scanner, Audit flusher) execute on
// exactly one process at a time. Grounded on FluxForge's
// coordination/leader.go: a lease lock from the store.Coordinator
// whose every acquisition bumps a durable epoch. The leader's context
// carries that epoch (GetEpochFromContext); downstream writes do not
// check it.
package coordination

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orchestra-run/orchestrator/internal/observability"
	"github.com/orchestra-run/orchestrator/internal/store"
)

type fencingKey string

const fencingEpochKey fencingKey = "fencing_epoch"

// GetEpochFromContext extracts the fencing epoch a leader observed
// at election time from a FencedContext.
func GetEpochFromContext(ctx context.Context) (int64, bool) {
	v := ctx.Value(fencingEpochKey)
	if v == nil {
		return 0, false
	}
	epoch, ok := v.(int64)
	return epoch, ok
}

// LeaderElector runs the election loop for one process.
type LeaderElector struct {
	coordinator store.Coordinator
	durable     store.Store
	nodeID      string
	lockKey     string
	ttl         time.Duration
	logger      *zap.SugaredLogger

	mu           sync.RWMutex
	isLeader     bool
	currentEpoch int64
	leaderCtx    context.Context
	leaderCancel context.CancelFunc
	stepDownTime time.Time
	transitions  int64

	onElected func(context.Context)
	onLost    func()

	ctx    context.Context
	cancel context.CancelFunc
}

// NewLeaderElector constructs an elector contending for lockKey
// "orchestrator:lock:leader".
func NewLeaderElector(c store.Coordinator, durable store.Store, nodeID string, ttl time.Duration, logger *zap.SugaredLogger) *LeaderElector {
	ctx, cancel := context.WithCancel(context.Background())
	return &LeaderElector{
		coordinator: c,
		durable:     durable,
		nodeID:      nodeID,
		lockKey:     "orchestrator:lock:leader",
		ttl:         ttl,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetCallbacks registers the functions run on gaining/losing
// leadership. onElected receives a context cancelled the instant
// leadership is lost, so singleton tasks started from it stop
// promptly.
func (l *LeaderElector) SetCallbacks(onElected func(ctx context.Context), onLost func()) {
	l.onElected = onElected
	l.onLost = onLost
}

func (l *LeaderElector) Start(ctx context.Context) { go l.loop(ctx) }

func (l *LeaderElector) Stop() {
	l.cancel()
	if l.IsLeader() {
		l.release()
	}
}

func (l *LeaderElector) IsLeader() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isLeader
}

// FencedContext is valid only while this process holds leadership;
// it carries the fencing epoch observed at election time.
func (l *LeaderElector) FencedContext() context.Context {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.leaderCtx
}

func (l *LeaderElector) loop(ctx context.Context) {
	interval := l.ttl / 3
	minInterval := interval
	maxInterval := 10 * l.ttl

	renewFailures := 0
	const maxRenewFailures = 3

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if l.IsLeader() {
				l.release()
			}
			return
		case <-timer.C:
			var err error
			if l.IsLeader() {
				var renewed bool
				renewed, err = l.renew(ctx)
				if err == nil {
					renewFailures = 0
					if !renewed {
						l.stepDown()
					}
				} else {
					renewFailures++
					l.logger.Warnw("leader renew failed", "attempt", renewFailures, "err", err)
					if renewFailures >= maxRenewFailures {
						l.logger.Warnw("too many renew failures, stepping down")
						l.stepDown()
						renewFailures = 0
					}
				}
			} else {
				var acquired bool
				acquired, err = l.acquire(ctx)
				if err == nil && acquired {
					l.becomeLeader()
					renewFailures = 0
				}
			}

			if err != nil {
				interval *= 2
				if interval > maxInterval {
					interval = maxInterval
				}
			} else {
				interval = minInterval
			}
			timer.Reset(interval)
		}
	}
}

func (l *LeaderElector) acquire(ctx context.Context) (bool, error) {
	acquired, epoch, err := l.coordinator.AcquireLock(ctx, l.lockKey, l.nodeID, l.ttl)
	if err != nil {
		return false, err
	}
	if acquired {
		l.mu.Lock()
		if l.currentEpoch > 0 && epoch > l.currentEpoch+1 {
			l.logger.Warnw("leader epoch drift detected", "from", l.currentEpoch, "to", epoch)
		}
		l.currentEpoch = epoch
		l.mu.Unlock()
	}
	return acquired, nil
}

func (l *LeaderElector) renew(ctx context.Context) (bool, error) {
	return l.coordinator.RenewLock(ctx, l.lockKey, l.nodeID, l.ttl)
}

func (l *LeaderElector) release() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = l.coordinator.ReleaseLock(ctx, l.lockKey, l.nodeID)
}

func (l *LeaderElector) becomeLeader() {
	l.mu.Lock()
	l.isLeader = true
	ctx, cancel := context.WithCancel(context.Background())
	l.leaderCancel = cancel
	l.transitions++
	l.leaderCtx = context.WithValue(ctx, fencingEpochKey, l.currentEpoch)
	epoch := l.currentEpoch

	var transitionDuration time.Duration
	if !l.stepDownTime.IsZero() {
		transitionDuration = time.Since(l.stepDownTime)
		l.stepDownTime = time.Time{}
	}
	l.mu.Unlock()

	if transitionDuration > 0 {
		observability.LeadershipTransitionDuration.Observe(transitionDuration.Seconds())
	}
	l.logger.Infow("acquired control-plane leadership", "node", l.nodeID, "epoch", epoch)
	observability.LeaderTransitions.WithLabelValues(l.nodeID, "acquired").Inc()
	observability.LeaderEpoch.WithLabelValues(l.nodeID).Set(float64(epoch))
	observability.LeaderStatus.Set(1)

	if l.onElected != nil {
		go l.onElected(l.leaderCtx)
	}
}

func (l *LeaderElector) stepDown() {
	l.mu.Lock()
	if !l.isLeader {
		l.mu.Unlock()
		return
	}
	l.isLeader = false
	l.transitions++
	l.stepDownTime = time.Now()
	if l.leaderCancel != nil {
		l.leaderCancel()
	}
	l.mu.Unlock()

	observability.LeaderStatus.Set(0)
	observability.LeaderTransitions.WithLabelValues(l.nodeID, "lost").Inc()
	l.logger.Infow("lost control-plane leadership", "node", l.nodeID)
	if l.onLost != nil {
		l.onLost()
	}
}
