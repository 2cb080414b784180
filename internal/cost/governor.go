// Package cost implements the Cost Governor (§4.5): admission control
// against daily/monthly workspace budgets plus per-agent caps,
// in-memory windowed sums over a ring buffer (each read walks the
// retained entries, so its cost grows with their number, up to the
// ring's capacity), and the 80%/95%/100% threshold
// events. The token-bucket admission shaping is grounded on
// FluxForge's scheduler/limiter.go, which wraps golang.org/x/time/rate
// the same way.
package cost

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/orchestra-run/orchestrator/internal/clock"
	"github.com/orchestra-run/orchestrator/internal/errs"
	"github.com/orchestra-run/orchestrator/internal/eventbus"
	"github.com/orchestra-run/orchestrator/internal/observability"
	"github.com/orchestra-run/orchestrator/internal/store"
)

const (
	dailyWindow   = 24 * time.Hour
	monthlyWindow = 30 * 24 * time.Hour

	thresholdWarn80   = 0.80
	thresholdWarn95   = 0.95
	thresholdHardStop = 1.00
)

// PauseAllFunc is invoked when the hard-stop threshold is crossed;
// the Governor doesn't import the Supervisor package directly to
// avoid a cycle, so main.go wires this closure at startup.
type PauseAllFunc func(ctx context.Context, reason string)

// ring is a fixed-capacity circular buffer of ledger entries used to
// answer windowed-sum queries from memory; a query is linear in the
// number of retained entries (see sumSince), not O(1). It plays the
// same role
// FluxForge's degraded-mode local cache plays for eventually
// consistent reads under the single-writer-lane policy in §5.
type ring struct {
	entries []store.CostLedgerEntry
	usdSum  float64
	tokSum  int64
	head    int
	size    int
	cap     int
}

func newRing(capacity int) *ring {
	return &ring{entries: make([]store.CostLedgerEntry, capacity), cap: capacity}
}

func (r *ring) push(e store.CostLedgerEntry) {
	if r.size < r.cap {
		r.entries[(r.head+r.size)%r.cap] = e
		r.size++
	} else {
		evicted := r.entries[r.head]
		r.usdSum -= evicted.USD
		r.tokSum -= evicted.Tokens
		r.entries[r.head] = e
		r.head = (r.head + 1) % r.cap
	}
	r.usdSum += e.USD
	r.tokSum += e.Tokens
}

// sumSince recomputes strictly from raw entries within the window —
// P3 requires the windowed sum to equal a direct sum of raw entries,
// so this walks the buffer rather than trusting only the running
// total, which would drift once entries age out mid-window instead of
// at eviction.
func (r *ring) sumSince(since time.Time) (float64, int64) {
	var usd float64
	var tok int64
	for i := 0; i < r.size; i++ {
		e := r.entries[(r.head+i)%r.cap]
		if !e.At.Before(since) {
			usd += e.USD
			tok += e.Tokens
		}
	}
	return usd, tok
}

// Governor is the process-wide Cost Governor singleton for one
// workspace.
type Governor struct {
	mu sync.RWMutex

	store  store.Store
	bus    *eventbus.Bus
	clock  clock.Clock
	logger *zap.SugaredLogger

	workspaceID      string
	dailyBudgetUSD   float64
	monthlyBudgetUSD float64
	perAgentCapUSD   float64

	daily   *ring
	monthly *ring

	limiters map[string]*rate.Limiter

	crossedDailyWarn80  bool
	crossedDailyWarn95  bool
	crossedDailyHard    bool
	crossedMonthlyWarn80 bool
	crossedMonthlyWarn95 bool
	crossedMonthlyHard   bool

	onHardStop PauseAllFunc
}

// New constructs a Governor and seeds its ring buffers from the
// durable ledger so a restart doesn't reset the day's spend to zero.
func New(ctx context.Context, s store.Store, bus *eventbus.Bus, clk clock.Clock, logger *zap.SugaredLogger, workspaceID string, dailyBudget, monthlyBudget, perAgentCap float64, onHardStop PauseAllFunc) (*Governor, error) {
	g := &Governor{
		store:            s,
		bus:              bus,
		clock:            clk,
		logger:           logger,
		workspaceID:      workspaceID,
		dailyBudgetUSD:   dailyBudget,
		monthlyBudgetUSD: monthlyBudget,
		perAgentCapUSD:   perAgentCap,
		daily:            newRing(100000),
		monthly:          newRing(100000),
		limiters:         make(map[string]*rate.Limiter),
		onHardStop:       onHardStop,
	}
	entries, err := s.ListLedgerEntries(ctx, workspaceID, clk.Now().Add(-monthlyWindow))
	if err != nil {
		return nil, errs.Wrap(err, errs.Transient, "seed cost ledger")
	}
	for _, e := range entries {
		g.monthly.push(*e)
		if e.At.After(clk.Now().Add(-dailyWindow)) {
			g.daily.push(*e)
		}
	}
	return g, nil
}

func (g *Governor) limiterFor(agentID string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[agentID]
	if !ok {
		// one admission decision per second sustained, burst of 5 —
		// shapes rapid-fire mayStart retries from a single agent
		// without throttling normal claim/review cadence.
		l = rate.NewLimiter(rate.Limit(1), 5)
		g.limiters[agentID] = l
	}
	return l
}

// MayStart is the admission-control gate every claim and ideation
// attempt must pass before starting billable work.
func (g *Governor) MayStart(ctx context.Context, agentID string, estimateUSD float64) error {
	if !g.limiterFor(agentID).Allow() {
		observability.CostAdmissionDecisions.WithLabelValues("denied_rate").Inc()
		return errs.New(errs.Budget, "admission rate exceeded for agent")
	}

	g.mu.RLock()
	dailyUSD, _ := g.daily.sumSince(g.clock.Now().Add(-dailyWindow))
	monthlyUSD, _ := g.monthly.sumSince(g.clock.Now().Add(-monthlyWindow))
	g.mu.RUnlock()

	if dailyUSD+estimateUSD > g.dailyBudgetUSD {
		observability.CostAdmissionDecisions.WithLabelValues("denied_daily").Inc()
		return errs.New(errs.Budget, "daily budget would be exceeded")
	}
	if monthlyUSD+estimateUSD > g.monthlyBudgetUSD {
		observability.CostAdmissionDecisions.WithLabelValues("denied_monthly").Inc()
		return errs.New(errs.Budget, "monthly budget would be exceeded")
	}
	if g.perAgentCapUSD > 0 {
		agentUSD, err := g.agentSpend(ctx, agentID, dailyWindow)
		if err != nil {
			return err
		}
		if agentUSD+estimateUSD > g.perAgentCapUSD {
			observability.CostAdmissionDecisions.WithLabelValues("denied_agent_cap").Inc()
			return errs.New(errs.Budget, "per-agent cap would be exceeded")
		}
	}
	observability.CostAdmissionDecisions.WithLabelValues("admitted").Inc()
	return nil
}

func (g *Governor) agentSpend(ctx context.Context, agentID string, window time.Duration) (float64, error) {
	entries, err := g.store.ListLedgerEntries(ctx, g.workspaceID, g.clock.Now().Add(-window))
	if err != nil {
		return 0, errs.Wrap(err, errs.Transient, "read agent spend")
	}
	var sum float64
	for _, e := range entries {
		if e.AgentID == agentID {
			sum += e.USD
		}
	}
	return sum, nil
}

// Record appends a ledger entry (I4: append-only, strictly
// monotonic sums) and evaluates the threshold events.
func (g *Governor) Record(ctx context.Context, agentID string, projectNumber int64, usd float64, tokens int64) error {
	entry := &store.CostLedgerEntry{
		WorkspaceID:   g.workspaceID,
		AgentID:       agentID,
		ProjectNumber: projectNumber,
		USD:           usd,
		Tokens:        tokens,
		At:            g.clock.Now(),
	}
	if err := g.store.AppendLedgerEntry(ctx, g.workspaceID, entry); err != nil {
		return errs.Wrap(err, errs.Transient, "append ledger entry")
	}

	g.mu.Lock()
	g.daily.push(*entry)
	g.monthly.push(*entry)
	dailyUSD, _ := g.daily.sumSince(g.clock.Now().Add(-dailyWindow))
	monthlyUSD, _ := g.monthly.sumSince(g.clock.Now().Add(-monthlyWindow))
	g.mu.Unlock()

	observability.CostLedgerTotal.WithLabelValues("daily").Set(dailyUSD)
	observability.CostLedgerTotal.WithLabelValues("monthly").Set(monthlyUSD)

	g.evaluateThresholds(ctx, "daily", dailyUSD, g.dailyBudgetUSD, &g.crossedDailyWarn80, &g.crossedDailyWarn95, &g.crossedDailyHard)
	g.evaluateThresholds(ctx, "monthly", monthlyUSD, g.monthlyBudgetUSD, &g.crossedMonthlyWarn80, &g.crossedMonthlyWarn95, &g.crossedMonthlyHard)
	return nil
}

func (g *Governor) evaluateThresholds(ctx context.Context, window string, spent, budget float64, warn80, warn95, hard *bool) {
	if budget <= 0 {
		return
	}
	frac := spent / budget
	g.mu.Lock()
	defer g.mu.Unlock()

	if frac >= thresholdHardStop && !*hard {
		*hard = true
		observability.CostThresholdEvents.WithLabelValues("hard_stop").Inc()
		g.bus.Publish("cost.hardStop", map[string]any{"window": window, "spentUsd": spent, "budgetUsd": budget})
		if g.onHardStop != nil {
			go g.onHardStop(ctx, window+" budget exhausted")
		}
		return
	}
	if frac >= thresholdWarn95 && !*warn95 {
		*warn95 = true
		observability.CostThresholdEvents.WithLabelValues("warn_95").Inc()
		g.bus.Publish("cost.warning", map[string]any{"window": window, "spentUsd": spent, "budgetUsd": budget, "threshold": 0.95})
		return
	}
	if frac >= thresholdWarn80 && !*warn80 {
		*warn80 = true
		observability.CostThresholdEvents.WithLabelValues("warn_80").Inc()
		g.bus.Publish("cost.warning", map[string]any{"window": window, "spentUsd": spent, "budgetUsd": budget, "threshold": 0.80})
	}
}

// Snapshot reports the current windows and budgets for the Control
// API's /cost endpoint.
type Snapshot struct {
	DailyUSD, DailyBudgetUSD     float64
	MonthlyUSD, MonthlyBudgetUSD float64
}

func (g *Governor) Snapshot() Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	dailyUSD, _ := g.daily.sumSince(g.clock.Now().Add(-dailyWindow))
	monthlyUSD, _ := g.monthly.sumSince(g.clock.Now().Add(-monthlyWindow))
	return Snapshot{
		DailyUSD:         dailyUSD,
		DailyBudgetUSD:   g.dailyBudgetUSD,
		MonthlyUSD:       monthlyUSD,
		MonthlyBudgetUSD: g.monthlyBudgetUSD,
	}
}

// Export returns raw ledger entries for the supplemented
// /cost/export endpoint (D.5).
func (g *Governor) Export(ctx context.Context, since time.Time) ([]*store.CostLedgerEntry, error) {
	return g.store.ListLedgerEntries(ctx, g.workspaceID, since)
}

// ResetDailyThresholds clears the daily threshold flags so the daily
// warning and hard-stop events can fire again. Nothing in this
// repository calls it; until it is called, each daily threshold event
// fires at most once per process.
func (g *Governor) ResetDailyThresholds() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.crossedDailyWarn80, g.crossedDailyWarn95, g.crossedDailyHard = false, false, false
}
