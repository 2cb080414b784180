// Package ideation implements the Ideation Loop (§4.4): weighted
// round-robin category selection with cooldown/backoff, proposal
// validation, and project creation when the queue drains. The
// cooldown sweep runs on github.com/robfig/cron/v3 the way
// r3e-network-service_layer schedules its periodic jobs, rather than
// a hand-rolled ticker goroutine.
package ideation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/orchestra-run/orchestrator/internal/clock"
	"github.com/orchestra-run/orchestrator/internal/cost"
	"github.com/orchestra-run/orchestrator/internal/errs"
	"github.com/orchestra-run/orchestrator/internal/eventbus"
	"github.com/orchestra-run/orchestrator/internal/observability"
	"github.com/orchestra-run/orchestrator/internal/store"
	"github.com/orchestra-run/orchestrator/internal/vcs"
)

const (
	baseCooldown    = 5 * time.Minute
	maxBackoff      = 2 * time.Hour
	createdAtBucket = time.Minute // I7 idempotency key granularity
)

// categoryState tracks weighted-round-robin bookkeeping for one
// category tag.
type categoryState struct {
	weight        float64
	cooldownUntil time.Time
	backoff       time.Duration
	failures      int
}

// Loop is the singleton Ideation Loop for one workspace.
type Loop struct {
	mu sync.Mutex

	store  store.Store
	bus    *eventbus.Bus
	cost   *cost.Governor
	host   vcs.Host
	clock  clock.Clock
	logger *zap.SugaredLogger

	workspaceID string
	categories  map[string]*categoryState
	rrCursor    int
	cron        *cron.Cron
}

// New constructs a Loop with all 21 categories at uniform weight.
func New(s store.Store, bus *eventbus.Bus, governor *cost.Governor, host vcs.Host, clk clock.Clock, logger *zap.SugaredLogger, workspaceID string) *Loop {
	l := &Loop{
		store:       s,
		bus:         bus,
		cost:        governor,
		host:        host,
		clock:       clk,
		logger:      logger,
		workspaceID: workspaceID,
		categories:  make(map[string]*categoryState, len(Categories)),
	}
	for _, c := range Categories {
		l.categories[c] = &categoryState{weight: 1.0}
	}
	return l
}

// StartCooldownSweep registers the periodic cron job that reports
// remaining cooldown as a gauge; the selection logic itself re-checks
// cooldownUntil directly, so the cron job's only job is observability
// plus clearing stale backoff state once a category's cooldown has
// long since lapsed.
func (l *Loop) StartCooldownSweep() {
	l.cron = cron.New()
	l.cron.AddFunc("@every 1m", l.sweepCooldowns)
	l.cron.Start()
}

func (l *Loop) StopCooldownSweep() {
	if l.cron != nil {
		l.cron.Stop()
	}
}

func (l *Loop) sweepCooldowns() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	for tag, st := range l.categories {
		remaining := st.cooldownUntil.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		observability.CategoryCooldown.WithLabelValues(tag).Set(remaining.Seconds())
		if remaining == 0 && st.failures > 0 && now.Sub(st.cooldownUntil) > maxBackoff {
			st.failures = 0
			st.backoff = 0
		}
	}
}

// SetWeight implements the supplemented /ideation/weights endpoint
// (D.3).
func (l *Loop) SetWeight(category string, weight float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.categories[category]
	if !ok {
		return errs.New(errs.NotFound, "unknown category")
	}
	st.weight = weight
	return nil
}

// Weights returns a snapshot for the GET side of D.3.
func (l *Loop) Weights() map[string]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]float64, len(l.categories))
	for tag, st := range l.categories {
		out[tag] = st.weight
	}
	return out
}

// selectCategory performs weighted round robin over eligible
// (non-cooldown) categories. Ties are broken by the fixed catalog
// order so selection stays deterministic for a given weight/cooldown
// snapshot.
func (l *Loop) selectCategory() (string, bool) {
	now := l.clock.Now()
	type candidate struct {
		tag    string
		weight float64
	}
	var eligible []candidate
	for _, tag := range Categories {
		st := l.categories[tag]
		if st.cooldownUntil.After(now) {
			continue
		}
		eligible = append(eligible, candidate{tag: tag, weight: st.weight})
	}
	if len(eligible) == 0 {
		return "", false
	}
	sort.SliceStable(eligible, func(i, j int) bool { return eligible[i].weight > eligible[j].weight })

	// weighted round robin: cursor walks the eligible set biased by
	// relative weight via a simple cumulative-weight pick seeded by
	// rrCursor so repeated calls fairly cycle rather than always
	// favoring the single heaviest category.
	var total float64
	for _, c := range eligible {
		total += c.weight
	}
	if total <= 0 {
		return eligible[0].tag, true
	}
	l.rrCursor = (l.rrCursor + 1) % 997 // large odd modulus to spread selection
	target := (float64(l.rrCursor) / 997.0) * total
	var acc float64
	for _, c := range eligible {
		acc += c.weight
		if target <= acc {
			return c.tag, true
		}
	}
	return eligible[len(eligible)-1].tag, true
}

// ProposalGenerator is the out-of-scope LLM runtime interface
// narrowed to the one call Ideation needs: turn a category's canned
// prompt into a proposal. In production it is satisfied by the
// agentruntime.Runtime that main.go and the Supervisor hand to Attempt.
type ProposalGenerator interface {
	GenerateProposal(ctx context.Context, agentID, categoryTag, prompt string) (title, problemStatement string, err error)
}

// CannedPrompt returns the fixed prompt handed to the ideating agent
// for a category.
func CannedPrompt(category string) string {
	return fmt.Sprintf("Propose one concrete, scoped improvement in the %s category for this repository. Respond with a short title and a problem statement.", category)
}

// Attempt runs one ideation attempt with agentID assigned to state
// ideating: select a category, generate a proposal, validate it,
// and on success create+enqueue a Project. On validation failure it
// applies exponential backoff to that category and returns ok=false
// so the caller (Agent Supervisor) returns the agent to idle and can
// retry with a different category on its next empty-queue wakeup.
func (l *Loop) Attempt(ctx context.Context, agentID string, gen ProposalGenerator, enqueue func(context.Context, *store.Project) error) (ok bool, err error) {
	l.mu.Lock()
	category, found := l.selectCategory()
	l.mu.Unlock()
	if !found {
		return false, errs.New(errs.Transient, "all categories in cooldown")
	}

	if err := l.cost.MayStart(ctx, agentID, 0); err != nil {
		return false, err
	}

	title, problem, err := gen.GenerateProposal(ctx, agentID, category, CannedPrompt(category))
	if err != nil || title == "" || problem == "" {
		l.applyBackoff(category)
		observability.IdeationAttempts.WithLabelValues(category, "validation_failed").Inc()
		return false, nil
	}

	bucket := l.clock.Now().Truncate(createdAtBucket)
	idemKey := fmt.Sprintf("%s:%s:%d", agentID, category, bucket.Unix())
	proposal := &store.Proposal{
		ID:                uuid.NewString(),
		WorkspaceID:        l.workspaceID,
		CategoryTag:        category,
		GeneratingAgentID:  agentID,
		Text:               problem,
		CreatedAt:          l.clock.Now(),
	}
	created, err := l.store.PutProposalIfAbsent(ctx, l.workspaceID, proposal, idemKey)
	if err != nil {
		return false, errs.Wrap(err, errs.Transient, "persist proposal")
	}
	if !created {
		// I7: idempotency key already used, no second project
		return true, nil
	}

	issue, err := l.host.CreateProject(ctx, title, problem)
	if err != nil {
		l.applyBackoff(category)
		return false, errs.Wrap(err, errs.External, "create project via issue host")
	}

	number, err := l.store.NextProjectNumber(ctx, l.workspaceID)
	if err != nil {
		return false, errs.Wrap(err, errs.Transient, "mint project number")
	}
	project := &store.Project{
		Number:             number,
		WorkspaceID:        l.workspaceID,
		Title:              title,
		State:              store.ProjectProposed,
		CategoryTag:        category,
		AcceptanceCriteria: issue.AcceptanceCriteria,
		QueuedAt:           l.clock.Now(),
	}
	if err := l.store.CreateProject(ctx, l.workspaceID, project); err != nil {
		return false, errs.Wrap(err, errs.Transient, "create project")
	}
	l.bus.Publish("project.created", map[string]any{"projectNumber": number, "categoryTag": category})

	if err := enqueue(ctx, project); err != nil {
		return false, err
	}
	_ = l.store.DeleteProposal(ctx, l.workspaceID, proposal.ID)

	l.mu.Lock()
	st := l.categories[category]
	st.cooldownUntil = l.clock.Now().Add(baseCooldown)
	st.failures = 0
	st.backoff = 0
	l.mu.Unlock()

	observability.IdeationAttempts.WithLabelValues(category, "created").Inc()
	return true, nil
}

func (l *Loop) applyBackoff(category string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.categories[category]
	st.failures++
	if st.backoff == 0 {
		st.backoff = baseCooldown
	} else {
		st.backoff *= 2
		if st.backoff > maxBackoff {
			st.backoff = maxBackoff
		}
	}
	st.cooldownUntil = l.clock.Now().Add(st.backoff)
}
