package store

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/orchestra-run/orchestrator/internal/errs"
)

// MemoryStore holds all orchestrator state in process memory. It
// implements Store (and, trivially, Coordinator) for single-process
// deployments and for tests — the same role FluxForge's MemoryStore
// plays relative to its RedisStore/PostgresStore.
type MemoryStore struct {
	mu sync.RWMutex

	agents    map[string]*Agent
	projects  map[string]*Project
	claims    map[string]*ClaimTicket
	reviews   map[string][]*ReviewRecord
	proposals map[string]*Proposal
	idemKeys  map[string]bool
	ledger    map[string][]*CostLedgerEntry
	events    map[string][]*Event
	audit     map[string][]*AuditRecord
	epochs    map[string]int64
	projSeq   map[string]int64

	locks map[string]lockEntry
}

type lockEntry struct {
	holder   string
	expires  time.Time
	epoch    int64
}

// NewMemoryStore initializes an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:    make(map[string]*Agent),
		projects:  make(map[string]*Project),
		claims:    make(map[string]*ClaimTicket),
		reviews:   make(map[string][]*ReviewRecord),
		proposals: make(map[string]*Proposal),
		idemKeys:  make(map[string]bool),
		ledger:    make(map[string][]*CostLedgerEntry),
		events:    make(map[string][]*Event),
		audit:     make(map[string][]*AuditRecord),
		epochs:    make(map[string]int64),
		projSeq:   make(map[string]int64),
		locks:     make(map[string]lockEntry),
	}
}

// --- Agent operations ---

func (s *MemoryStore) UpsertAgent(ctx context.Context, workspaceID string, a *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.WorkspaceID = workspaceID
	key := WorkspaceKey(workspaceID, ResourceAgent, a.ID)
	cp := *a
	s.agents[key] = &cp
	return nil
}

func (s *MemoryStore) GetAgent(ctx context.Context, workspaceID, agentID string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[WorkspaceKey(workspaceID, ResourceAgent, agentID)]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ListAgents(ctx context.Context, workspaceID string) ([]*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := WorkspacePrefix(workspaceID, ResourceAgent)
	var out []*Agent
	for k, a := range s.agents {
		if strings.HasPrefix(k, prefix) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) UpdateAgentHeartbeat(ctx context.Context, workspaceID, agentID string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[WorkspaceKey(workspaceID, ResourceAgent, agentID)]
	if !ok {
		return errs.New(errs.NotFound, "agent not found")
	}
	a.LastHeartbeatAt = t
	return nil
}

func (s *MemoryStore) DeleteAgent(ctx context.Context, workspaceID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, WorkspaceKey(workspaceID, ResourceAgent, agentID))
	return nil
}

// --- Project operations ---

func (s *MemoryStore) NextProjectNumber(ctx context.Context, workspaceID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projSeq[workspaceID]++
	return s.projSeq[workspaceID], nil
}

func (s *MemoryStore) CreateProject(ctx context.Context, workspaceID string, p *Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.WorkspaceID = workspaceID
	key := WorkspaceKey(workspaceID, ResourceProject, strconv.FormatInt(p.Number, 10))
	cp := *p
	s.projects[key] = &cp
	return nil
}

func (s *MemoryStore) GetProject(ctx context.Context, workspaceID string, number int64) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[WorkspaceKey(workspaceID, ResourceProject, strconv.FormatInt(number, 10))]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListProjects(ctx context.Context, workspaceID string, state ProjectState) ([]*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := WorkspacePrefix(workspaceID, ResourceProject)
	var out []*Project
	for k, p := range s.projects {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if state != "" && p.State != state {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// UpdateProject performs the fence-checked compare-and-set described
// in §4.2's lease-expiry / stale-writer-protection rule (I1). The
// caller is expected to have read the project (and its claim's
// fenceToken) immediately before calling this.
func (s *MemoryStore) UpdateProject(ctx context.Context, workspaceID string, p *Project, expectFenceToken int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := WorkspaceKey(workspaceID, ResourceProject, strconv.FormatInt(p.Number, 10))
	if _, ok := s.projects[key]; !ok {
		return errs.New(errs.NotFound, "project not found")
	}
	claim := s.claims[WorkspaceKey(workspaceID, ResourceClaim, strconv.FormatInt(p.Number, 10))]
	if claim != nil && expectFenceToken != 0 && claim.FenceToken != expectFenceToken {
		return errs.New(errs.Conflict, "stale fence token")
	}
	cp := *p
	s.projects[key] = &cp
	return nil
}

// --- Claim operations ---

func (s *MemoryStore) PutClaim(ctx context.Context, workspaceID string, c *ClaimTicket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.claims[WorkspaceKey(workspaceID, ResourceClaim, strconv.FormatInt(c.ProjectNumber, 10))] = &cp
	return nil
}

func (s *MemoryStore) GetClaim(ctx context.Context, workspaceID string, projectNumber int64) (*ClaimTicket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.claims[WorkspaceKey(workspaceID, ResourceClaim, strconv.FormatInt(projectNumber, 10))]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ReleaseClaim(ctx context.Context, workspaceID string, projectNumber int64, fenceToken int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := WorkspaceKey(workspaceID, ResourceClaim, strconv.FormatInt(projectNumber, 10))
	c, ok := s.claims[key]
	if !ok {
		return nil
	}
	if fenceToken != 0 && c.FenceToken != fenceToken {
		return errs.New(errs.Conflict, "stale fence token on release")
	}
	delete(s.claims, key)
	return nil
}

func (s *MemoryStore) ListExpiredClaims(ctx context.Context, workspaceID string, asOf time.Time) ([]*ClaimTicket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := WorkspacePrefix(workspaceID, ResourceClaim)
	var out []*ClaimTicket
	for k, c := range s.claims {
		if strings.HasPrefix(k, prefix) && c.LeaseExpiresAt.Before(asOf) {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Review operations ---

func (s *MemoryStore) PutReview(ctx context.Context, workspaceID string, r *ReviewRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := WorkspaceKey(workspaceID, ResourceReview, strconv.FormatInt(r.ProjectNumber, 10))
	cp := *r
	s.reviews[key] = append(s.reviews[key], &cp)
	return nil
}

func (s *MemoryStore) ListReviews(ctx context.Context, workspaceID string, projectNumber int64) ([]*ReviewRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.reviews[WorkspaceKey(workspaceID, ResourceReview, strconv.FormatInt(projectNumber, 10))]
	out := make([]*ReviewRecord, len(recs))
	copy(out, recs)
	return out, nil
}

// --- Proposal operations ---

func (s *MemoryStore) PutProposalIfAbsent(ctx context.Context, workspaceID string, p *Proposal, idemKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fullKey := WorkspaceKey(workspaceID, ResourceProposal, idemKey)
	if s.idemKeys[fullKey] {
		return false, nil // I7: never a second project from the same idempotency key
	}
	s.idemKeys[fullKey] = true
	cp := *p
	s.proposals[WorkspaceKey(workspaceID, ResourceProposal, p.ID)] = &cp
	return true, nil
}

func (s *MemoryStore) DeleteProposal(ctx context.Context, workspaceID, proposalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.proposals, WorkspaceKey(workspaceID, ResourceProposal, proposalID))
	return nil
}

// --- Cost ledger operations ---

func (s *MemoryStore) AppendLedgerEntry(ctx context.Context, workspaceID string, e *CostLedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.ledger[workspaceID] = append(s.ledger[workspaceID], &cp)
	return nil
}

func (s *MemoryStore) SumLedger(ctx context.Context, workspaceID string, since time.Time) (float64, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var usd float64
	var tokens int64
	for _, e := range s.ledger[workspaceID] {
		if !e.At.Before(since) {
			usd += e.USD
			tokens += e.Tokens
		}
	}
	return usd, tokens, nil
}

func (s *MemoryStore) ListLedgerEntries(ctx context.Context, workspaceID string, since time.Time) ([]*CostLedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*CostLedgerEntry
	for _, e := range s.ledger[workspaceID] {
		if !e.At.Before(since) {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Event log operations ---

func (s *MemoryStore) AppendEvent(ctx context.Context, workspaceID string, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.events[workspaceID] = append(s.events[workspaceID], &cp)
	return nil
}

func (s *MemoryStore) ListEventsSince(ctx context.Context, workspaceID string, since int64, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Event
	for _, e := range s.events[workspaceID] {
		if e.Seq > since {
			cp := *e
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// --- Audit operations ---

func (s *MemoryStore) AppendAudit(ctx context.Context, workspaceID string, r *AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.audit[workspaceID] = append(s.audit[workspaceID], &cp)
	return nil
}

func (s *MemoryStore) ListAudit(ctx context.Context, workspaceID string, since time.Time, limit int) ([]*AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*AuditRecord
	for _, r := range s.audit[workspaceID] {
		if !r.Timestamp.Before(since) {
			cp := *r
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// --- Coordination / epoch operations ---

func (s *MemoryStore) IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epochs[resourceID]++
	return s.epochs[resourceID], nil
}

func (s *MemoryStore) GetDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epochs[resourceID], nil
}

// --- Coordinator (single-process lock, satisfies the interface for
// tests and single-node deployments where there is nothing to race
// against) ---

func (s *MemoryStore) AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	existing, ok := s.locks[key]
	if ok && existing.holder != holder && existing.expires.After(now) {
		return false, existing.epoch, nil
	}
	epoch := s.epochs[key] + 1
	s.epochs[key] = epoch
	s.locks[key] = lockEntry{holder: holder, expires: now.Add(ttl), epoch: epoch}
	return true, epoch, nil
}

func (s *MemoryStore) RenewLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.locks[key]
	if !ok || existing.holder != holder {
		return false, nil
	}
	existing.expires = time.Now().Add(ttl)
	s.locks[key] = existing
	return true, nil
}

func (s *MemoryStore) ReleaseLock(ctx context.Context, key, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.locks[key]; ok && existing.holder == holder {
		delete(s.locks, key)
	}
	return nil
}

func (s *MemoryStore) ExpireStaleLocks(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	reclaimed := 0
	for key, entry := range s.locks {
		if entry.expires.Before(now) {
			delete(s.locks, key)
			reclaimed++
		}
	}
	return reclaimed, nil
}

