package dispatcher

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orchestra-run/orchestrator/internal/clock"
	"github.com/orchestra-run/orchestrator/internal/cost"
	"github.com/orchestra-run/orchestrator/internal/errs"
	"github.com/orchestra-run/orchestrator/internal/eventbus"
	"github.com/orchestra-run/orchestrator/internal/observability"
	"github.com/orchestra-run/orchestrator/internal/store"
)

const defaultLeaseDuration = 10 * time.Minute

// WakeIdeationFunc is called when tryClaim finds nothing eligible and
// no review is pending; the Dispatcher doesn't import the Ideation
// Loop package directly to keep the dependency direction one-way.
type WakeIdeationFunc func(ctx context.Context)

// Dispatcher is the singleton authoritative queue owner for one
// workspace. It is cooperative and non-blocking per §5: its critical
// section does only constant-time updates plus one persistence write.
type Dispatcher struct {
	mu sync.Mutex

	store  store.Store
	bus    *eventbus.Bus
	cost   *cost.Governor
	clock  clock.Clock
	logger *zap.SugaredLogger

	workspaceID   string
	leaseDuration time.Duration

	queue *orderedQueue

	// activeBranches guards conflict avoidance: branch names derive
	// from project number, so in practice this is a set of project
	// numbers currently claimed — kept as a named concept because a
	// future multi-project-per-branch scheme would key on branch
	// name instead.
	activeBranches map[string]bool

	wakeIdeation WakeIdeationFunc
}

// New constructs a Dispatcher.
func New(s store.Store, bus *eventbus.Bus, governor *cost.Governor, clk clock.Clock, logger *zap.SugaredLogger, workspaceID string, leaseDuration time.Duration, wake WakeIdeationFunc) *Dispatcher {
	if leaseDuration <= 0 {
		leaseDuration = defaultLeaseDuration
	}
	return &Dispatcher{
		store:          s,
		bus:            bus,
		cost:           governor,
		clock:          clk,
		logger:         logger,
		workspaceID:    workspaceID,
		leaseDuration:  leaseDuration,
		queue:          newOrderedQueue(),
		activeBranches: make(map[string]bool),
		wakeIdeation:   wake,
	}
}

// SetWakeIdeation wires the Ideation Loop wakeup callback after
// construction, for the common case where the Dispatcher is built
// before the Ideation Loop that depends on it.
func (d *Dispatcher) SetWakeIdeation(wake WakeIdeationFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.wakeIdeation = wake
}

func branchName(projectNumber int64) string {
	return "project-" + strconv.FormatInt(projectNumber, 10)
}

// TryClaim implements the claim protocol from §4.2. It is safe for
// concurrent callers: the grant decision is serialized by mu, and the
// persistence write inside the critical section is the queue's only
// suspension-point exception — callers must not hold any other lock
// while calling this.
func (d *Dispatcher) TryClaim(ctx context.Context, agentID string, estimateUSD float64) (*store.ClaimTicket, *store.Project, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	queued, err := d.store.ListProjects(ctx, d.workspaceID, store.ProjectQueued)
	if err != nil {
		return nil, nil, errs.Wrap(err, errs.Transient, "list queued projects")
	}
	rework, err := d.store.ListProjects(ctx, d.workspaceID, store.ProjectRework)
	if err != nil {
		return nil, nil, errs.Wrap(err, errs.Transient, "list rework projects")
	}
	d.queue.refill(append(queued, rework...))

	for d.queue.Len() > 0 {
		candidate := d.queue.popBest()
		branch := branchName(candidate.Number)
		if d.activeBranches[branch] {
			continue // conflict avoidance: another claim already owns this branch
		}

		if err := d.cost.MayStart(ctx, agentID, estimateUSD); err != nil {
			observability.ClaimAttempts.WithLabelValues("budget_denied").Inc()
			return nil, nil, err
		}

		fenceToken, err := d.store.IncrementDurableEpoch(ctx, "dispatcher:"+d.workspaceID)
		if err != nil {
			return nil, nil, errs.Wrap(err, errs.Transient, "mint fence token")
		}
		observability.FenceToken.Set(float64(fenceToken))

		now := d.clock.Now()
		candidate.State = store.ProjectClaimed
		candidate.OwnerAgentID = agentID
		if err := d.store.UpdateProject(ctx, d.workspaceID, candidate, 0); err != nil {
			observability.ClaimAttempts.WithLabelValues("conflict").Inc()
			continue // lost the race to another dispatcher replica; try next candidate
		}

		ticket := &store.ClaimTicket{
			ProjectNumber:  candidate.Number,
			AgentID:        agentID,
			AcquiredAt:     now,
			LeaseExpiresAt: now.Add(d.leaseDuration),
			FenceToken:     fenceToken,
		}
		if err := d.store.PutClaim(ctx, d.workspaceID, ticket); err != nil {
			return nil, nil, errs.Wrap(err, errs.Transient, "persist claim")
		}
		d.activeBranches[branch] = true

		observability.ClaimAttempts.WithLabelValues("granted").Inc()
		d.bus.Publish("project.claimed", map[string]any{"projectNumber": candidate.Number, "agentId": agentID, "fenceToken": fenceToken})
		return ticket, candidate, nil
	}

	observability.ClaimAttempts.WithLabelValues("empty").Inc()
	if d.wakeIdeation != nil {
		pushed, err := d.store.ListProjects(ctx, d.workspaceID, store.ProjectPushed)
		if err != nil {
			return nil, nil, errs.Wrap(err, errs.Transient, "list pushed projects")
		}
		inReview, err := d.store.ListProjects(ctx, d.workspaceID, store.ProjectInReview)
		if err != nil {
			return nil, nil, errs.Wrap(err, errs.Transient, "list in-review projects")
		}
		if len(pushed) == 0 && len(inReview) == 0 {
			go d.wakeIdeation(context.Background())
		}
	}
	return nil, nil, nil
}

// RefreshLease extends a ClaimTicket's lease while the owning agent
// reports progress, per §4.2.
func (d *Dispatcher) RefreshLease(ctx context.Context, projectNumber int64, fenceToken int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	ticket, err := d.store.GetClaim(ctx, d.workspaceID, projectNumber)
	if err != nil {
		return errs.Wrap(err, errs.Transient, "get claim")
	}
	if ticket == nil || ticket.FenceToken != fenceToken {
		return errs.New(errs.Conflict, "stale fence token")
	}
	ticket.LeaseExpiresAt = d.clock.Now().Add(d.leaseDuration)
	return d.store.PutClaim(ctx, d.workspaceID, ticket)
}

// Release gives up a claim cleanly (work finished, error, or
// handed off to review).
func (d *Dispatcher) Release(ctx context.Context, projectNumber int64, fenceToken int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.activeBranches, branchName(projectNumber))
	return d.store.ReleaseClaim(ctx, d.workspaceID, projectNumber, fenceToken)
}

// SweepExpiredLeases reverts claimed/executing projects whose lease
// has expired back to queued, per §4.2's lease-expiry rule, and is
// the cooperative singleton task named in §5 ("Heartbeat Scanner" for
// agents, this for claims).
func (d *Dispatcher) SweepExpiredLeases(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	expired, err := d.store.ListExpiredClaims(ctx, d.workspaceID, d.clock.Now())
	if err != nil {
		return errs.Wrap(err, errs.Transient, "list expired claims")
	}
	for _, claim := range expired {
		project, err := d.store.GetProject(ctx, d.workspaceID, claim.ProjectNumber)
		if err != nil || project == nil {
			continue
		}
		if project.State != store.ProjectClaimed && project.State != store.ProjectExecuting {
			continue
		}
		project.State = store.ProjectQueued
		project.OwnerAgentID = ""
		project.ReleaseCount++
		if err := d.store.UpdateProject(ctx, d.workspaceID, project, claim.FenceToken); err != nil {
			d.logger.Warnw("failed to release expired claim", "project", project.Number, "err", err)
			continue
		}
		_ = d.store.ReleaseClaim(ctx, d.workspaceID, claim.ProjectNumber, claim.FenceToken)
		delete(d.activeBranches, branchName(claim.ProjectNumber))
		observability.ClaimLeaseExpirations.Inc()
		d.bus.Publish("project.released", map[string]any{"projectNumber": claim.ProjectNumber, "reason": "lease_expired"})
	}
	return nil
}

// Enqueue puts a newly-created or newly-accepted-for-rework project
// into the queue. The Ideation Loop paths (the Supervisor's ideation
// step and main.go's wake callback) call this; the Control API's
// project-create handler does not.
func (d *Dispatcher) Enqueue(ctx context.Context, p *store.Project) error {
	p.QueuedAt = d.clock.Now()
	p.State = store.ProjectQueued
	if err := d.store.UpdateProject(ctx, d.workspaceID, p, 0); err != nil {
		return errs.Wrap(err, errs.Transient, "enqueue project")
	}
	d.bus.Publish("project.queued", map[string]any{"projectNumber": p.Number})
	return nil
}
