package store

import "time"

// AgentStatus is the per-agent state machine from §4.1.
type AgentStatus string

const (
	AgentIdle         AgentStatus = "idle"
	AgentWorking      AgentStatus = "working"
	AgentReviewing    AgentStatus = "reviewing"
	AgentIdeating     AgentStatus = "ideating"
	AgentPaused       AgentStatus = "paused"
	AgentUnresponsive AgentStatus = "unresponsive"
	AgentStopped      AgentStatus = "stopped"
)

// ProjectState is the project state machine from §4.2.
type ProjectState string

const (
	ProjectProposed       ProjectState = "proposed"
	ProjectQueued         ProjectState = "queued"
	ProjectClaimed        ProjectState = "claimed"
	ProjectExecuting      ProjectState = "executing"
	ProjectPushed         ProjectState = "pushed"
	ProjectInReview       ProjectState = "in-review"
	ProjectRework         ProjectState = "rework"
	ProjectAccepted       ProjectState = "accepted"
	ProjectFailed         ProjectState = "failed"
)

// Verdict is a ReviewRecord's outcome.
type Verdict string

const (
	VerdictPass Verdict = "pass"
	VerdictFail Verdict = "fail"
)

// Workspace is the tenant-equivalent scope: one per deployment in the
// common case, but the store keeps every entity workspace-scoped the
// way FluxForge keeps every entity tenant-scoped, since Non-goals only
// excludes building cross-tenant *isolation* features, not the single
// scoping concept the rest of the store is built around.
type Workspace struct {
	ID                  string
	MaxConcurrentAgents int
	DailyBudgetUSD      float64
	MonthlyBudgetUSD    float64
}

// Agent is one registered worker.
type Agent struct {
	ID                string
	WorkspaceID       string
	Status            AgentStatus
	CurrentProjectID  *int64
	CurrentPhase      string
	LastHeartbeatAt   time.Time
	TasksCompleted    int
	ErrorCount        int
	LastError         string
	PreviousStatus    AgentStatus // restored on resume()
}

// Project is a unit of work tracked end to end.
type Project struct {
	Number             int64
	WorkspaceID        string
	Title              string
	State              ProjectState
	OwnerAgentID       string
	ReviewerAgentID    string
	Phase              string
	CategoryTag        string
	AcceptanceCriteria []string
	ReviewIterations   int
	Pinned             bool
	QueuedAt           time.Time
	ReleaseCount       int
}

// ClaimTicket is an exclusive, fenced grant to work on a project.
type ClaimTicket struct {
	ProjectNumber  int64
	AgentID        string
	AcquiredAt     time.Time
	LeaseExpiresAt time.Time
	FenceToken     int64
}

// ReviewRecord is one reviewer's verdict for one iteration.
type ReviewRecord struct {
	ProjectNumber   int64
	ReviewerAgentID string
	Iteration       int
	Findings        []string
	Verdict         Verdict
	CreatedAt       time.Time
}

// Proposal is an ephemeral ideation output, destroyed once the
// project it describes has been created.
type Proposal struct {
	ID                string
	WorkspaceID       string
	CategoryTag       string
	GeneratingAgentID string
	Text              string
	CreatedAt         time.Time
}

// CostLedgerEntry is one append-only spend record.
type CostLedgerEntry struct {
	WorkspaceID   string
	AgentID       string
	ProjectNumber int64 // 0 means not project-scoped
	USD           float64
	Tokens        int64
	At            time.Time
}

// Event is one entry in the Event Bus's authoritative, append-only log.
type Event struct {
	Seq     int64
	Type    string
	Payload map[string]any
	At      time.Time
}

// AuditRecord is one append-only audit entry.
type AuditRecord struct {
	AuditID        string
	Timestamp      time.Time
	OperationType  string
	AgentID        string
	ProjectNumber  int64
	RequestSummary string
	ResponseStatus int
	DurationMs     int64
}
