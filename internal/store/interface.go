package store

import (
	"context"
	"time"
)

// Store abstracts over Postgres (durable) and Redis (fast/shared) and
// an in-memory implementation for tests. Any implementation meeting
// the invariants in §3 is acceptable — the Dispatcher, Review Engine,
// Cost Governor, and Event Bus depend only on this interface.
type Store interface {
	// Agent operations
	UpsertAgent(ctx context.Context, workspaceID string, a *Agent) error
	GetAgent(ctx context.Context, workspaceID, agentID string) (*Agent, error)
	ListAgents(ctx context.Context, workspaceID string) ([]*Agent, error)
	UpdateAgentHeartbeat(ctx context.Context, workspaceID, agentID string, t time.Time) error
	DeleteAgent(ctx context.Context, workspaceID, agentID string) error

	// Project operations
	CreateProject(ctx context.Context, workspaceID string, p *Project) error
	GetProject(ctx context.Context, workspaceID string, number int64) (*Project, error)
	ListProjects(ctx context.Context, workspaceID string, state ProjectState) ([]*Project, error)
	// UpdateProject performs a compare-and-set on project state; the
	// caller supplies the full desired record and the fence token it
	// observed. A stale fence token is rejected (I1).
	UpdateProject(ctx context.Context, workspaceID string, p *Project, expectFenceToken int64) error
	NextProjectNumber(ctx context.Context, workspaceID string) (int64, error)

	// Claim operations
	PutClaim(ctx context.Context, workspaceID string, c *ClaimTicket) error
	GetClaim(ctx context.Context, workspaceID string, projectNumber int64) (*ClaimTicket, error)
	ReleaseClaim(ctx context.Context, workspaceID string, projectNumber int64, fenceToken int64) error
	ListExpiredClaims(ctx context.Context, workspaceID string, asOf time.Time) ([]*ClaimTicket, error)

	// Review operations
	PutReview(ctx context.Context, workspaceID string, r *ReviewRecord) error
	ListReviews(ctx context.Context, workspaceID string, projectNumber int64) ([]*ReviewRecord, error)

	// Proposal operations (idempotency key = generatingAgentId+categoryTag+createdAt-bucket)
	PutProposalIfAbsent(ctx context.Context, workspaceID string, p *Proposal, idemKey string) (created bool, err error)
	DeleteProposal(ctx context.Context, workspaceID, proposalID string) error

	// Cost ledger operations (append-only, I4)
	AppendLedgerEntry(ctx context.Context, workspaceID string, e *CostLedgerEntry) error
	SumLedger(ctx context.Context, workspaceID string, since time.Time) (usd float64, tokens int64, err error)
	ListLedgerEntries(ctx context.Context, workspaceID string, since time.Time) ([]*CostLedgerEntry, error)

	// Event log operations (authoritative log backing replay beyond
	// the in-memory retention ring; I3)
	AppendEvent(ctx context.Context, workspaceID string, e *Event) error
	ListEventsSince(ctx context.Context, workspaceID string, since int64, limit int) ([]*Event, error)

	// Audit operations
	AppendAudit(ctx context.Context, workspaceID string, r *AuditRecord) error
	ListAudit(ctx context.Context, workspaceID string, since time.Time, limit int) ([]*AuditRecord, error)

	// Coordination primitives, shared with the Coordinator interface
	// for stores that are also usable as a leader-election backend.
	IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error)
	GetDurableEpoch(ctx context.Context, resourceID string) (int64, error)
}

// Coordinator is implemented by stores that can back distributed
// leader election for a horizontally-scaled control plane (§5 calls
// out singleton tasks; when more than one orchestrator process is
// running, exactly one must run them).
type Coordinator interface {
	AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (acquired bool, epoch int64, err error)
	RenewLock(ctx context.Context, key, holder string, ttl time.Duration) (renewed bool, err error)
	ReleaseLock(ctx context.Context, key, holder string) error
	IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error)
	// ExpireStaleLocks force-releases any lock past its expiry that a
	// crashed holder never released, returning how many it reclaimed.
	// AcquireLock already treats an expired lock as free for a new
	// contender, so this is a housekeeping sweep rather than a
	// correctness requirement — it exists to keep the lock keyspace
	// from accumulating dead entries indefinitely on a quiet cluster.
	ExpireStaleLocks(ctx context.Context) (reclaimed int, err error)
}
