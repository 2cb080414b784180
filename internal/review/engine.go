// Package review implements the Review Workflow Engine (§4.3): after
// an executor pushes, assign a different idle agent as reviewer,
// record its verdict, and drive the rework loop up to the configured
// iteration cap. Grounded on FluxForge's reconciler.go phase state
// machine (check -> apply -> finalCheck) generalized to
// claim -> verdict -> accept/rework, and on coordination/agent_monitor.go's
// assignment-by-scanning-idle-agents pattern.
package review

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orchestra-run/orchestrator/internal/clock"
	"github.com/orchestra-run/orchestrator/internal/errs"
	"github.com/orchestra-run/orchestrator/internal/eventbus"
	"github.com/orchestra-run/orchestrator/internal/observability"
	"github.com/orchestra-run/orchestrator/internal/store"
)

const defaultMaxIterations = 5

// Verdict is the caller-supplied outcome of a reviewer's
// acceptance-criteria and code-quality pass.
type Verdict struct {
	CriteriaSatisfied map[string]bool
	LintPassed        bool
	TestsPassed       bool
	TypecheckPassed   bool
	Findings          []string
}

func (v Verdict) pass(criteria []string) bool {
	if !v.LintPassed || !v.TestsPassed || !v.TypecheckPassed {
		return false
	}
	for _, c := range criteria {
		if !v.CriteriaSatisfied[c] {
			return false
		}
	}
	return true
}

// Engine is the singleton Review Workflow Engine for one workspace.
type Engine struct {
	mu sync.Mutex

	store  store.Store
	bus    *eventbus.Bus
	clock  clock.Clock
	logger *zap.SugaredLogger

	workspaceID   string
	maxIterations int
	leaseDuration time.Duration
}

// New constructs an Engine.
func New(s store.Store, bus *eventbus.Bus, clk clock.Clock, logger *zap.SugaredLogger, workspaceID string, maxIterations int, leaseDuration time.Duration) *Engine {
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}
	if leaseDuration <= 0 {
		leaseDuration = 10 * time.Minute
	}
	return &Engine{store: s, bus: bus, clock: clk, logger: logger, workspaceID: workspaceID, maxIterations: maxIterations, leaseDuration: leaseDuration}
}

// AssignReviewer picks an idle agent distinct from the executor. If
// none is available the project is left in-review, unassigned — the
// spec's edge case, not an error. (a) in DESIGN.md's Open Question
// decisions: no relaxation of "strictly different" outside the
// explicit ForceSelfReview override.
func (e *Engine) AssignReviewer(ctx context.Context, projectNumber int64) (assigned bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	project, err := e.store.GetProject(ctx, e.workspaceID, projectNumber)
	if err != nil || project == nil {
		return false, errs.Wrap(err, errs.NotFound, "project not found")
	}
	if project.State != store.ProjectPushed && project.State != store.ProjectInReview {
		return false, errs.New(errs.Invariant, "project not awaiting review")
	}

	agents, err := e.store.ListAgents(ctx, e.workspaceID)
	if err != nil {
		return false, errs.Wrap(err, errs.Transient, "list agents")
	}
	var reviewer *store.Agent
	for _, a := range agents {
		if a.Status == store.AgentIdle && a.ID != project.OwnerAgentID {
			reviewer = a
			break
		}
	}
	project.State = store.ProjectInReview
	if reviewer == nil {
		project.ReviewerAgentID = ""
		_ = e.store.UpdateProject(ctx, e.workspaceID, project, 0)
		return false, nil
	}

	fenceToken, err := e.store.IncrementDurableEpoch(ctx, "review:"+e.workspaceID)
	if err != nil {
		return false, errs.Wrap(err, errs.Transient, "mint review fence token")
	}
	now := e.clock.Now()
	ticket := &store.ClaimTicket{
		ProjectNumber:  projectNumber,
		AgentID:        reviewer.ID,
		AcquiredAt:     now,
		LeaseExpiresAt: now.Add(e.leaseDuration),
		FenceToken:     fenceToken,
	}
	if err := e.store.PutClaim(ctx, e.workspaceID, ticket); err != nil {
		return false, errs.Wrap(err, errs.Transient, "persist review claim")
	}
	project.ReviewerAgentID = reviewer.ID
	if err := e.store.UpdateProject(ctx, e.workspaceID, project, 0); err != nil {
		return false, errs.Wrap(err, errs.Transient, "assign reviewer")
	}
	e.bus.Publish("project.in-review", map[string]any{"projectNumber": projectNumber, "reviewerAgentId": reviewer.ID})
	return true, nil
}

// ForceSelfReview is the supplemented operator override (SPEC_FULL.md
// D.2): usable only when the workspace has exactly one non-paused
// agent, it lets that agent review its own work rather than stall
// forever.
func (e *Engine) ForceSelfReview(ctx context.Context, projectNumber int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	project, err := e.store.GetProject(ctx, e.workspaceID, projectNumber)
	if err != nil || project == nil {
		return errs.Wrap(err, errs.NotFound, "project not found")
	}
	agents, err := e.store.ListAgents(ctx, e.workspaceID)
	if err != nil {
		return errs.Wrap(err, errs.Transient, "list agents")
	}
	nonPaused := 0
	for _, a := range agents {
		if a.Status != store.AgentPaused && a.Status != store.AgentStopped {
			nonPaused++
		}
	}
	if nonPaused != 1 {
		return errs.New(errs.Invariant, "force-self-review only permitted with exactly one active agent")
	}
	project.State = store.ProjectInReview
	project.ReviewerAgentID = project.OwnerAgentID
	if err := e.store.UpdateProject(ctx, e.workspaceID, project, 0); err != nil {
		return errs.Wrap(err, errs.Transient, "force self review")
	}
	e.bus.Publish("project.in-review", map[string]any{"projectNumber": projectNumber, "reviewerAgentId": project.OwnerAgentID, "selfReview": true})
	return nil
}

// SubmitVerdict records a ReviewRecord and drives the state machine:
// pass -> accepted (terminal); fail -> rework, re-enqueued with
// priority, preferring the original executor, up to maxIterations
// before terminal failed.
func (e *Engine) SubmitVerdict(ctx context.Context, projectNumber int64, reviewerAgentID string, fenceToken int64, v Verdict) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	project, err := e.store.GetProject(ctx, e.workspaceID, projectNumber)
	if err != nil || project == nil {
		return errs.Wrap(err, errs.NotFound, "project not found")
	}
	if project.ReviewerAgentID != reviewerAgentID {
		return errs.New(errs.Invariant, "reviewer mismatch")
	}
	claim, err := e.store.GetClaim(ctx, e.workspaceID, projectNumber)
	if err != nil {
		return errs.Wrap(err, errs.Transient, "get review claim")
	}
	if claim != nil && claim.FenceToken != fenceToken {
		return errs.New(errs.Conflict, "stale review fence token")
	}

	record := &store.ReviewRecord{
		ProjectNumber:   projectNumber,
		ReviewerAgentID: reviewerAgentID,
		Iteration:       project.ReviewIterations + 1,
		Findings:        v.Findings,
		CreatedAt:       e.clock.Now(),
	}

	if v.pass(project.AcceptanceCriteria) {
		record.Verdict = store.VerdictPass
		project.State = store.ProjectAccepted
		observability.ReviewVerdicts.WithLabelValues("pass").Inc()
	} else {
		record.Verdict = store.VerdictFail
		observability.ReviewVerdicts.WithLabelValues("fail").Inc()
		project.ReviewIterations++
		if project.ReviewIterations >= e.maxIterations {
			project.State = store.ProjectFailed
		} else {
			project.State = store.ProjectRework
			project.QueuedAt = e.clock.Now()
			// preferred executor: unchanged OwnerAgentID; Dispatcher's
			// TryClaim grants to whichever idle agent asks first, so
			// "preferred" is enforced by the executor simply asking
			// for its own rework item before anyone else does.
		}
	}

	if err := e.store.PutReview(ctx, e.workspaceID, record); err != nil {
		return errs.Wrap(err, errs.Transient, "persist review record")
	}
	if err := e.store.UpdateProject(ctx, e.workspaceID, project, fenceToken); err != nil {
		return errs.Wrap(err, errs.Transient, "update project after verdict")
	}
	if claim != nil {
		_ = e.store.ReleaseClaim(ctx, e.workspaceID, projectNumber, claim.FenceToken)
	}

	e.bus.Publish("review.verdict", map[string]any{"projectNumber": projectNumber, "verdict": string(record.Verdict), "iteration": record.Iteration})
	observability.ReviewIterations.Observe(float64(project.ReviewIterations))

	switch project.State {
	case store.ProjectAccepted:
		e.bus.Publish("project.accepted", map[string]any{"projectNumber": projectNumber})
	case store.ProjectFailed:
		e.bus.Publish("project.failed", map[string]any{"projectNumber": projectNumber, "reason": "review_iterations_exhausted"})
	case store.ProjectRework:
		e.bus.Publish("project.rework", map[string]any{"projectNumber": projectNumber, "iteration": project.ReviewIterations})
	}
	return nil
}

// ReclaimAbandonedReviews handles reviews whose lease has expired
// without a verdict (a reviewer crash), matching §4.3's "no-verdict"
// edge case: it releases the review claim and clears ReviewerAgentID
// so AssignReviewer can pick someone new. No ReviewRecord exists
// before a verdict, so there is none to discard.
func (e *Engine) ReclaimAbandonedReviews(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	expired, err := e.store.ListExpiredClaims(ctx, e.workspaceID, e.clock.Now())
	if err != nil {
		return errs.Wrap(err, errs.Transient, "list expired review claims")
	}
	for _, claim := range expired {
		project, err := e.store.GetProject(ctx, e.workspaceID, claim.ProjectNumber)
		if err != nil || project == nil || project.State != store.ProjectInReview {
			continue
		}
		project.ReviewerAgentID = ""
		if err := e.store.UpdateProject(ctx, e.workspaceID, project, claim.FenceToken); err != nil {
			continue
		}
		_ = e.store.ReleaseClaim(ctx, e.workspaceID, claim.ProjectNumber, claim.FenceToken)
		e.bus.Publish("project.released", map[string]any{"projectNumber": claim.ProjectNumber, "reason": "reviewer_unresponsive"})
	}
	return nil
}
