package supervisor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orchestra-run/orchestrator/internal/agentruntime"
	"github.com/orchestra-run/orchestrator/internal/clock"
	"github.com/orchestra-run/orchestrator/internal/cost"
	"github.com/orchestra-run/orchestrator/internal/dispatcher"
	"github.com/orchestra-run/orchestrator/internal/errs"
	"github.com/orchestra-run/orchestrator/internal/eventbus"
	"github.com/orchestra-run/orchestrator/internal/ideation"
	"github.com/orchestra-run/orchestrator/internal/observability"
	"github.com/orchestra-run/orchestrator/internal/review"
	"github.com/orchestra-run/orchestrator/internal/store"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultPauseGrace        = 60 * time.Second
	defaultMaxErrors         = 3
	// staleMultiplier multiplies the heartbeat interval per §4.1's "5x
	// heartbeatInterval" unresponsive rule.
	staleMultiplier = 5
)

// Supervisor runs the per-agent state machine for one workspace: it
// is not itself a singleton (unlike the Dispatcher/Review/Ideation
// engines) — every orchestrator process runs its own Supervisor loop
// over whichever agents it owns a connection to, matching FluxForge's
// per-node reconciler model rather than a single shared scheduler.
type Supervisor struct {
	mu sync.Mutex

	store      store.Store
	bus        *eventbus.Bus
	cost       *cost.Governor
	dispatcher *dispatcher.Dispatcher
	review     *review.Engine
	ideation   *ideation.Loop
	runtime    agentruntime.Runtime
	clock      clock.Clock
	logger     *zap.SugaredLogger

	workspaceID       string
	heartbeatInterval time.Duration
	pauseGrace        time.Duration
	maxErrors         int

	pauseRequested map[string]time.Time
}

// New constructs a Supervisor.
func New(
	s store.Store,
	bus *eventbus.Bus,
	governor *cost.Governor,
	disp *dispatcher.Dispatcher,
	reviewEngine *review.Engine,
	ideationLoop *ideation.Loop,
	runtime agentruntime.Runtime,
	clk clock.Clock,
	logger *zap.SugaredLogger,
	workspaceID string,
	heartbeatInterval time.Duration,
) *Supervisor {
	if heartbeatInterval <= 0 {
		heartbeatInterval = defaultHeartbeatInterval
	}
	return &Supervisor{
		store:             s,
		bus:               bus,
		cost:              governor,
		dispatcher:        disp,
		review:            reviewEngine,
		ideation:          ideationLoop,
		runtime:           runtime,
		clock:             clk,
		logger:            logger,
		workspaceID:       workspaceID,
		heartbeatInterval: heartbeatInterval,
		pauseGrace:        defaultPauseGrace,
		maxErrors:         defaultMaxErrors,
		pauseRequested:    make(map[string]time.Time),
	}
}

func (s *Supervisor) transition(ctx context.Context, a *store.Agent, to store.AgentStatus) error {
	if !legal(a.Status, to) {
		return errs.New(errs.Invariant, "illegal agent state transition")
	}
	from := a.Status
	a.Status = to
	if err := s.store.UpsertAgent(ctx, s.workspaceID, a); err != nil {
		return errs.Wrap(err, errs.Transient, "persist agent transition")
	}
	observability.AgentStateTransitions.WithLabelValues(string(from), string(to)).Inc()
	s.bus.Publish("agent.transition", map[string]any{"agentId": a.ID, "from": string(from), "to": string(to)})
	return nil
}

// RegisterAgent creates or re-registers an agent, idle by default.
func (s *Supervisor) RegisterAgent(ctx context.Context, agentID string) (*store.Agent, error) {
	now := s.clock.Now()
	a := &store.Agent{
		ID:              agentID,
		WorkspaceID:     s.workspaceID,
		Status:          store.AgentIdle,
		LastHeartbeatAt: now,
	}
	if err := s.store.UpsertAgent(ctx, s.workspaceID, a); err != nil {
		return nil, errs.Wrap(err, errs.Transient, "register agent")
	}
	return a, nil
}

// Heartbeat records liveness; it also revives an agent previously
// marked unresponsive, per §4.1's "a late heartbeat revives it".
func (s *Supervisor) Heartbeat(ctx context.Context, agentID string) error {
	a, err := s.store.GetAgent(ctx, s.workspaceID, agentID)
	if err != nil || a == nil {
		return errs.Wrap(err, errs.NotFound, "agent not found")
	}
	a.LastHeartbeatAt = s.clock.Now()
	if a.Status == store.AgentUnresponsive {
		if err := s.transition(ctx, a, store.AgentIdle); err != nil {
			return err
		}
		return nil
	}
	return s.store.UpsertAgent(ctx, s.workspaceID, a)
}

// Pause requests a pause. If the agent is idle it pauses immediately;
// otherwise the request is recorded with a deadline pauseGrace from
// now, and the first Tick that finds the agent idle at or after that
// deadline pauses it. An in-flight working/reviewing step is never
// interrupted, and an agent that returns to idle before the deadline
// keeps taking work until the deadline passes.
func (s *Supervisor) Pause(ctx context.Context, agentID string) error {
	a, err := s.store.GetAgent(ctx, s.workspaceID, agentID)
	if err != nil || a == nil {
		return errs.Wrap(err, errs.NotFound, "agent not found")
	}
	if a.Status == store.AgentIdle {
		a.PreviousStatus = a.Status
		return s.transition(ctx, a, store.AgentPaused)
	}
	s.mu.Lock()
	s.pauseRequested[agentID] = s.clock.Now().Add(s.pauseGrace)
	s.mu.Unlock()
	return nil
}

// pauseDue reports whether a pause was requested for agentID and its
// deadline has passed. Tick consults it only for idle agents.
func (s *Supervisor) pauseDue(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline, requested := s.pauseRequested[agentID]
	if !requested {
		return false
	}
	return !s.clock.Now().Before(deadline)
}

func (s *Supervisor) clearPauseRequest(agentID string) {
	s.mu.Lock()
	delete(s.pauseRequested, agentID)
	s.mu.Unlock()
}

// Resume restores an agent's pre-pause status, per I5's "legal
// transitions" note that resume targets idle and lets the next tick
// pick work back up rather than replaying whatever phase it was in.
func (s *Supervisor) Resume(ctx context.Context, agentID string) error {
	a, err := s.store.GetAgent(ctx, s.workspaceID, agentID)
	if err != nil || a == nil {
		return errs.Wrap(err, errs.NotFound, "agent not found")
	}
	if a.Status != store.AgentPaused {
		return errs.New(errs.Invariant, "agent is not paused")
	}
	s.clearPauseRequest(agentID)
	return s.transition(ctx, a, store.AgentIdle)
}

// Stop is terminal; once stopped an agent never runs another tick.
func (s *Supervisor) Stop(ctx context.Context, agentID string) error {
	a, err := s.store.GetAgent(ctx, s.workspaceID, agentID)
	if err != nil || a == nil {
		return errs.Wrap(err, errs.NotFound, "agent not found")
	}
	s.clearPauseRequest(agentID)
	if a.CurrentProjectID != nil {
		if claim, _ := s.store.GetClaim(ctx, s.workspaceID, *a.CurrentProjectID); claim != nil {
			_ = s.dispatcher.Release(ctx, *a.CurrentProjectID, claim.FenceToken)
		}
	}
	return s.transition(ctx, a, store.AgentStopped)
}

// Drain is the supplemented graceful-drain operation (SPEC_FULL.md
// D.4): it behaves like Pause but only takes effect once the agent's
// current project reaches a terminal or handed-off state, with no
// forced grace-window cutoff — used for planned maintenance rather
// than an operator wanting control back immediately.
func (s *Supervisor) Drain(ctx context.Context, agentID string) error {
	a, err := s.store.GetAgent(ctx, s.workspaceID, agentID)
	if err != nil || a == nil {
		return errs.Wrap(err, errs.NotFound, "agent not found")
	}
	if a.Status == store.AgentIdle {
		a.PreviousStatus = a.Status
		return s.transition(ctx, a, store.AgentPaused)
	}
	s.mu.Lock()
	s.pauseRequested[agentID] = time.Time{} // zero deadline: only clears on natural idle, never forced
	s.mu.Unlock()
	return nil
}

// ScanLiveness is the singleton-per-process "Heartbeat Scanner" named
// in §5: it marks agents unresponsive past staleThreshold and
// releases any claim they held, so the Dispatcher's lease sweep isn't
// the only path back to queued.
func (s *Supervisor) ScanLiveness(ctx context.Context, staleThreshold time.Duration) error {
	if staleThreshold <= 0 {
		staleThreshold = s.heartbeatInterval * staleMultiplier
	}
	agents, err := s.store.ListAgents(ctx, s.workspaceID)
	if err != nil {
		return errs.Wrap(err, errs.Transient, "list agents")
	}
	now := s.clock.Now()
	for _, a := range agents {
		observability.AgentHeartbeatAge.WithLabelValues(a.ID).Set(now.Sub(a.LastHeartbeatAt).Seconds())
		if a.Status == store.AgentPaused || a.Status == store.AgentStopped || a.Status == store.AgentUnresponsive {
			continue
		}
		if now.Sub(a.LastHeartbeatAt) <= staleThreshold {
			continue
		}
		if a.CurrentProjectID != nil {
			if claim, _ := s.store.GetClaim(ctx, s.workspaceID, *a.CurrentProjectID); claim != nil {
				_ = s.dispatcher.Release(ctx, *a.CurrentProjectID, claim.FenceToken)
			}
			a.CurrentProjectID = nil
		}
		if err := s.transition(ctx, a, store.AgentUnresponsive); err != nil {
			s.logger.Warnw("failed to mark agent unresponsive", "agent", a.ID, "err", err)
		}
	}
	return nil
}

// Tick runs one cooperative step for an idle agent: try to assign a
// pending review, else claim queued work, else attempt ideation. The
// work branch returns quickly — its model call (agentruntime.Runtime)
// runs in its own goroutine tracked by CurrentProjectID/Phase,
// mirroring FluxForge's reconciler hard-timeout pattern but
// cooperative rather than preemptive. The ideation branch calls the
// proposal generator inline, so Tick blocks for that call.
func (s *Supervisor) Tick(ctx context.Context, agentID string) error {
	a, err := s.store.GetAgent(ctx, s.workspaceID, agentID)
	if err != nil || a == nil {
		return errs.Wrap(err, errs.NotFound, "agent not found")
	}
	if a.Status != store.AgentIdle {
		return nil
	}
	if s.pauseDue(agentID) {
		s.clearPauseRequest(agentID)
		a.PreviousStatus = a.Status
		return s.transition(ctx, a, store.AgentPaused)
	}

	if assigned, err := s.tryAssignReview(ctx, a); err != nil || assigned {
		return err
	}
	if claimed, err := s.tryClaimWork(ctx, a); err != nil || claimed {
		return err
	}
	return s.tryIdeate(ctx, a)
}

func (s *Supervisor) tryAssignReview(ctx context.Context, a *store.Agent) (bool, error) {
	projects, err := s.store.ListProjects(ctx, s.workspaceID, store.ProjectPushed)
	if err != nil {
		return false, errs.Wrap(err, errs.Transient, "list pushed projects")
	}
	inReview, err := s.store.ListProjects(ctx, s.workspaceID, store.ProjectInReview)
	if err != nil {
		return false, errs.Wrap(err, errs.Transient, "list in-review projects")
	}
	for _, p := range inReview {
		if p.ReviewerAgentID == "" {
			projects = append(projects, p) // unassigned or abandoned review
		}
	}
	for _, p := range projects {
		if p.OwnerAgentID == a.ID {
			continue // reviewer must differ from executor
		}
		assigned, err := s.review.AssignReviewer(ctx, p.Number)
		if err != nil {
			continue
		}
		if assigned {
			num := p.Number
			a.CurrentProjectID = &num
			a.CurrentPhase = "reviewing"
			if err := s.transition(ctx, a, store.AgentReviewing); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

func (s *Supervisor) tryClaimWork(ctx context.Context, a *store.Agent) (bool, error) {
	ticket, project, err := s.dispatcher.TryClaim(ctx, a.ID, 0)
	if err != nil {
		return false, err
	}
	if ticket == nil {
		return false, nil
	}
	num := project.Number
	a.CurrentProjectID = &num
	a.CurrentPhase = "executing"
	if err := s.transition(ctx, a, store.AgentWorking); err != nil {
		return false, err
	}
	go s.runWork(context.Background(), a.ID, project, ticket)
	return true, nil
}

func (s *Supervisor) tryIdeate(ctx context.Context, a *store.Agent) error {
	if s.ideation == nil {
		return nil
	}
	if err := s.transition(ctx, a, store.AgentIdeating); err != nil {
		return err
	}
	gen, ok := s.runtime.(ideation.ProposalGenerator)
	if !ok {
		return s.transition(ctx, a, store.AgentIdle)
	}
	ok2, err := s.ideation.Attempt(ctx, a.ID, gen, s.dispatcher.Enqueue)
	if err != nil {
		s.logger.Warnw("ideation attempt failed", "agent", a.ID, "err", err)
	}
	_ = ok2
	return s.transition(ctx, a, store.AgentIdle)
}

// runWork executes the claimed project's working phase against the
// external LLM runtime and returns the agent to idle (handing the
// project to review) or records an error, escalating to failed after
// maxErrors consecutive failures per §4.1.
func (s *Supervisor) runWork(ctx context.Context, agentID string, project *store.Project, ticket *store.ClaimTicket) {
	result, err := s.runtime.Execute(ctx, agentID, project.Number, "execute project "+project.Title)

	a, gerr := s.store.GetAgent(ctx, s.workspaceID, agentID)
	if gerr != nil || a == nil {
		return
	}

	if err != nil {
		a.ErrorCount++
		a.LastError = err.Error()
		if a.ErrorCount >= s.maxErrors {
			project.State = store.ProjectFailed
			_ = s.store.UpdateProject(ctx, s.workspaceID, project, ticket.FenceToken)
			s.bus.Publish("project.failed", map[string]any{"projectNumber": project.Number, "reason": "executor_error_escalation"})
			_ = s.dispatcher.Release(ctx, project.Number, ticket.FenceToken)
			a.CurrentProjectID = nil
			a.ErrorCount = 0
			_ = s.transition(ctx, a, store.AgentIdle)
			return
		}
		_ = s.store.UpsertAgent(ctx, s.workspaceID, a)
		_ = s.dispatcher.Release(ctx, project.Number, ticket.FenceToken)
		a.CurrentProjectID = nil
		_ = s.transition(ctx, a, store.AgentIdle)
		return
	}

	a.ErrorCount = 0
	a.TasksCompleted++
	a.CurrentProjectID = nil
	project.State = store.ProjectPushed
	_ = s.store.UpdateProject(ctx, s.workspaceID, project, ticket.FenceToken)
	_ = s.dispatcher.Release(ctx, project.Number, ticket.FenceToken)
	s.bus.Publish("project.pushed", map[string]any{"projectNumber": project.Number, "agentId": agentID, "branchDesc": result.Summary})
	_ = s.transition(ctx, a, store.AgentIdle)
}
