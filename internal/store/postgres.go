package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orchestra-run/orchestrator/internal/errs"
)

// PostgresStore implements Store and Coordinator over PostgreSQL, the
// durable backend for deployments that need a record surviving past
// whatever TTLs the Redis backend is configured with. Entities map to
// one table each; fields with no natural column (AcceptanceCriteria,
// Findings, Payload) ride along as JSONB.
//
// Expected schema (one statement per table, run once by the operator):
//
//	CREATE TABLE agents (workspace_id text, id text, status text, current_project_id bigint,
//	  current_phase text, last_heartbeat_at timestamptz, tasks_completed int, error_count int,
//	  last_error text, previous_status text, PRIMARY KEY (workspace_id, id));
//	CREATE TABLE project_seq (workspace_id text PRIMARY KEY, next bigint NOT NULL DEFAULT 1);
//	CREATE TABLE projects (workspace_id text, number bigint, title text, state text,
//	  owner_agent_id text, reviewer_agent_id text, phase text, category_tag text,
//	  acceptance_criteria jsonb, review_iterations int, pinned boolean, queued_at timestamptz,
//	  release_count int, PRIMARY KEY (workspace_id, number));
//	CREATE TABLE claims (workspace_id text, project_number bigint, agent_id text,
//	  acquired_at timestamptz, lease_expires_at timestamptz, fence_token bigint,
//	  PRIMARY KEY (workspace_id, project_number));
//	CREATE TABLE reviews (workspace_id text, project_number bigint, reviewer_agent_id text,
//	  iteration int, findings jsonb, verdict text, created_at timestamptz);
//	CREATE TABLE proposals (workspace_id text, id text, category_tag text,
//	  generating_agent_id text, text text, created_at timestamptz, idem_key text,
//	  PRIMARY KEY (workspace_id, id), UNIQUE (workspace_id, idem_key));
//	CREATE TABLE ledger_entries (workspace_id text, agent_id text, project_number bigint,
//	  usd double precision, tokens bigint, at timestamptz);
//	CREATE TABLE events (workspace_id text, seq bigint, type text, payload jsonb, at timestamptz,
//	  PRIMARY KEY (workspace_id, seq));
//	CREATE TABLE audit_records (workspace_id text, audit_id text, timestamp timestamptz,
//	  operation_type text, agent_id text, project_number bigint, request_summary text,
//	  response_status int, duration_ms bigint);
//	CREATE TABLE epochs (resource_id text PRIMARY KEY, epoch bigint NOT NULL DEFAULT 0);
//	CREATE TABLE locks (key text PRIMARY KEY, holder text, expires_at timestamptz);
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore dials connString and verifies connectivity before
// returning, matching the teacher's pool-then-ping fail-fast startup.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, errs.Wrap(err, errs.Fatal, "parse postgres dsn")
	}
	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, errs.Wrap(err, errs.External, "open postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, errs.Wrap(err, errs.External, "ping postgres")
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// --- Agent operations ---

func (s *PostgresStore) UpsertAgent(ctx context.Context, workspaceID string, a *Agent) error {
	a.WorkspaceID = workspaceID
	query := `
		INSERT INTO agents (workspace_id, id, status, current_project_id, current_phase,
			last_heartbeat_at, tasks_completed, error_count, last_error, previous_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (workspace_id, id) DO UPDATE SET
			status = EXCLUDED.status,
			current_project_id = EXCLUDED.current_project_id,
			current_phase = EXCLUDED.current_phase,
			last_heartbeat_at = EXCLUDED.last_heartbeat_at,
			tasks_completed = EXCLUDED.tasks_completed,
			error_count = EXCLUDED.error_count,
			last_error = EXCLUDED.last_error,
			previous_status = EXCLUDED.previous_status
	`
	_, err := s.pool.Exec(ctx, query, workspaceID, a.ID, a.Status, a.CurrentProjectID, a.CurrentPhase,
		a.LastHeartbeatAt, a.TasksCompleted, a.ErrorCount, a.LastError, a.PreviousStatus)
	return err
}

func (s *PostgresStore) GetAgent(ctx context.Context, workspaceID, agentID string) (*Agent, error) {
	query := `
		SELECT id, status, current_project_id, current_phase, last_heartbeat_at,
			tasks_completed, error_count, last_error, previous_status
		FROM agents WHERE workspace_id = $1 AND id = $2
	`
	var a Agent
	a.WorkspaceID = workspaceID
	err := s.pool.QueryRow(ctx, query, workspaceID, agentID).Scan(
		&a.ID, &a.Status, &a.CurrentProjectID, &a.CurrentPhase, &a.LastHeartbeatAt,
		&a.TasksCompleted, &a.ErrorCount, &a.LastError, &a.PreviousStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) ListAgents(ctx context.Context, workspaceID string) ([]*Agent, error) {
	query := `
		SELECT id, status, current_project_id, current_phase, last_heartbeat_at,
			tasks_completed, error_count, last_error, previous_status
		FROM agents WHERE workspace_id = $1
	`
	rows, err := s.pool.Query(ctx, query, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Agent
	for rows.Next() {
		a := Agent{WorkspaceID: workspaceID}
		if err := rows.Scan(&a.ID, &a.Status, &a.CurrentProjectID, &a.CurrentPhase, &a.LastHeartbeatAt,
			&a.TasksCompleted, &a.ErrorCount, &a.LastError, &a.PreviousStatus); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateAgentHeartbeat(ctx context.Context, workspaceID, agentID string, t time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE agents SET last_heartbeat_at = $1 WHERE workspace_id = $2 AND id = $3`,
		t, workspaceID, agentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.New(errs.NotFound, "agent not found")
	}
	return nil
}

func (s *PostgresStore) DeleteAgent(ctx context.Context, workspaceID, agentID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM agents WHERE workspace_id = $1 AND id = $2`, workspaceID, agentID)
	return err
}

// --- Project operations ---

func (s *PostgresStore) NextProjectNumber(ctx context.Context, workspaceID string) (int64, error) {
	query := `
		INSERT INTO project_seq (workspace_id, next) VALUES ($1, 2)
		ON CONFLICT (workspace_id) DO UPDATE SET next = project_seq.next + 1
		RETURNING next - 1
	`
	var n int64
	err := s.pool.QueryRow(ctx, query, workspaceID).Scan(&n)
	return n, err
}

func (s *PostgresStore) CreateProject(ctx context.Context, workspaceID string, p *Project) error {
	p.WorkspaceID = workspaceID
	criteria, err := json.Marshal(p.AcceptanceCriteria)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO projects (workspace_id, number, title, state, owner_agent_id, reviewer_agent_id,
			phase, category_tag, acceptance_criteria, review_iterations, pinned, queued_at, release_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err = s.pool.Exec(ctx, query, workspaceID, p.Number, p.Title, p.State, p.OwnerAgentID, p.ReviewerAgentID,
		p.Phase, p.CategoryTag, criteria, p.ReviewIterations, p.Pinned, p.QueuedAt, p.ReleaseCount)
	return err
}

func (s *PostgresStore) GetProject(ctx context.Context, workspaceID string, number int64) (*Project, error) {
	query := `
		SELECT title, state, owner_agent_id, reviewer_agent_id, phase, category_tag,
			acceptance_criteria, review_iterations, pinned, queued_at, release_count
		FROM projects WHERE workspace_id = $1 AND number = $2
	`
	var p Project
	p.WorkspaceID, p.Number = workspaceID, number
	var criteria []byte
	err := s.pool.QueryRow(ctx, query, workspaceID, number).Scan(
		&p.Title, &p.State, &p.OwnerAgentID, &p.ReviewerAgentID, &p.Phase, &p.CategoryTag,
		&criteria, &p.ReviewIterations, &p.Pinned, &p.QueuedAt, &p.ReleaseCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(criteria) > 0 {
		if err := json.Unmarshal(criteria, &p.AcceptanceCriteria); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

func (s *PostgresStore) ListProjects(ctx context.Context, workspaceID string, state ProjectState) ([]*Project, error) {
	query := `
		SELECT number, title, state, owner_agent_id, reviewer_agent_id, phase, category_tag,
			acceptance_criteria, review_iterations, pinned, queued_at, release_count
		FROM projects WHERE workspace_id = $1 AND ($2 = '' OR state = $2)
		ORDER BY number
	`
	rows, err := s.pool.Query(ctx, query, workspaceID, string(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Project
	for rows.Next() {
		p := Project{WorkspaceID: workspaceID}
		var criteria []byte
		if err := rows.Scan(&p.Number, &p.Title, &p.State, &p.OwnerAgentID, &p.ReviewerAgentID, &p.Phase,
			&p.CategoryTag, &criteria, &p.ReviewIterations, &p.Pinned, &p.QueuedAt, &p.ReleaseCount); err != nil {
			return nil, err
		}
		if len(criteria) > 0 {
			if err := json.Unmarshal(criteria, &p.AcceptanceCriteria); err != nil {
				return nil, err
			}
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// UpdateProject performs the same fence-token CAS MemoryStore and
// RedisStore enforce (I1), checked against the claims table inside
// the same statement's WHERE clause rather than a separate read, so
// two concurrent writers can't both pass the check.
func (s *PostgresStore) UpdateProject(ctx context.Context, workspaceID string, p *Project, expectFenceToken int64) error {
	criteria, err := json.Marshal(p.AcceptanceCriteria)
	if err != nil {
		return err
	}
	query := `
		UPDATE projects SET title = $3, state = $4, owner_agent_id = $5, reviewer_agent_id = $6,
			phase = $7, category_tag = $8, acceptance_criteria = $9, review_iterations = $10,
			pinned = $11, queued_at = $12, release_count = $13
		WHERE workspace_id = $1 AND number = $2
		AND ($14 = 0 OR NOT EXISTS (
			SELECT 1 FROM claims WHERE workspace_id = $1 AND project_number = $2 AND fence_token <> $14
		))
	`
	tag, err := s.pool.Exec(ctx, query, workspaceID, p.Number, p.Title, p.State, p.OwnerAgentID, p.ReviewerAgentID,
		p.Phase, p.CategoryTag, criteria, p.ReviewIterations, p.Pinned, p.QueuedAt, p.ReleaseCount, expectFenceToken)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.New(errs.Conflict, "stale fence token")
	}
	return nil
}

// --- Claim operations ---

func (s *PostgresStore) PutClaim(ctx context.Context, workspaceID string, c *ClaimTicket) error {
	query := `
		INSERT INTO claims (workspace_id, project_number, agent_id, acquired_at, lease_expires_at, fence_token)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (workspace_id, project_number) DO UPDATE SET
			agent_id = EXCLUDED.agent_id, acquired_at = EXCLUDED.acquired_at,
			lease_expires_at = EXCLUDED.lease_expires_at, fence_token = EXCLUDED.fence_token
	`
	_, err := s.pool.Exec(ctx, query, workspaceID, c.ProjectNumber, c.AgentID, c.AcquiredAt, c.LeaseExpiresAt, c.FenceToken)
	return err
}

func (s *PostgresStore) GetClaim(ctx context.Context, workspaceID string, projectNumber int64) (*ClaimTicket, error) {
	query := `
		SELECT agent_id, acquired_at, lease_expires_at, fence_token
		FROM claims WHERE workspace_id = $1 AND project_number = $2
	`
	c := ClaimTicket{ProjectNumber: projectNumber}
	err := s.pool.QueryRow(ctx, query, workspaceID, projectNumber).Scan(&c.AgentID, &c.AcquiredAt, &c.LeaseExpiresAt, &c.FenceToken)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) ReleaseClaim(ctx context.Context, workspaceID string, projectNumber int64, fenceToken int64) error {
	query := `
		DELETE FROM claims WHERE workspace_id = $1 AND project_number = $2 AND ($3 = 0 OR fence_token = $3)
	`
	tag, err := s.pool.Exec(ctx, query, workspaceID, projectNumber, fenceToken)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 && fenceToken != 0 {
		existing, err := s.GetClaim(ctx, workspaceID, projectNumber)
		if err != nil {
			return err
		}
		if existing != nil {
			return errs.New(errs.Conflict, "stale fence token on release")
		}
	}
	return nil
}

func (s *PostgresStore) ListExpiredClaims(ctx context.Context, workspaceID string, asOf time.Time) ([]*ClaimTicket, error) {
	query := `
		SELECT project_number, agent_id, acquired_at, lease_expires_at, fence_token
		FROM claims WHERE workspace_id = $1 AND lease_expires_at < $2
	`
	rows, err := s.pool.Query(ctx, query, workspaceID, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ClaimTicket
	for rows.Next() {
		var c ClaimTicket
		if err := rows.Scan(&c.ProjectNumber, &c.AgentID, &c.AcquiredAt, &c.LeaseExpiresAt, &c.FenceToken); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// --- Review operations ---

func (s *PostgresStore) PutReview(ctx context.Context, workspaceID string, r *ReviewRecord) error {
	findings, err := json.Marshal(r.Findings)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO reviews (workspace_id, project_number, reviewer_agent_id, iteration, findings, verdict, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = s.pool.Exec(ctx, query, workspaceID, r.ProjectNumber, r.ReviewerAgentID, r.Iteration, findings, r.Verdict, r.CreatedAt)
	return err
}

func (s *PostgresStore) ListReviews(ctx context.Context, workspaceID string, projectNumber int64) ([]*ReviewRecord, error) {
	query := `
		SELECT reviewer_agent_id, iteration, findings, verdict, created_at
		FROM reviews WHERE workspace_id = $1 AND project_number = $2 ORDER BY created_at
	`
	rows, err := s.pool.Query(ctx, query, workspaceID, projectNumber)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ReviewRecord
	for rows.Next() {
		r := ReviewRecord{ProjectNumber: projectNumber}
		var findings []byte
		if err := rows.Scan(&r.ReviewerAgentID, &r.Iteration, &findings, &r.Verdict, &r.CreatedAt); err != nil {
			return nil, err
		}
		if len(findings) > 0 {
			if err := json.Unmarshal(findings, &r.Findings); err != nil {
				return nil, err
			}
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// --- Proposal operations ---

// PutProposalIfAbsent relies on the unique (workspace_id, idem_key)
// constraint to gate idempotency (I7) the same way RedisStore uses
// SetNX: ON CONFLICT DO NOTHING plus a rows-affected check tells the
// caller whether this call minted the proposal or lost the race.
func (s *PostgresStore) PutProposalIfAbsent(ctx context.Context, workspaceID string, p *Proposal, idemKey string) (bool, error) {
	p.WorkspaceID = workspaceID
	query := `
		INSERT INTO proposals (workspace_id, id, category_tag, generating_agent_id, text, created_at, idem_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (workspace_id, idem_key) DO NOTHING
	`
	tag, err := s.pool.Exec(ctx, query, workspaceID, p.ID, p.CategoryTag, p.GeneratingAgentID, p.Text, p.CreatedAt, idemKey)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) DeleteProposal(ctx context.Context, workspaceID, proposalID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM proposals WHERE workspace_id = $1 AND id = $2`, workspaceID, proposalID)
	return err
}

// --- Cost ledger operations ---

func (s *PostgresStore) AppendLedgerEntry(ctx context.Context, workspaceID string, e *CostLedgerEntry) error {
	query := `
		INSERT INTO ledger_entries (workspace_id, agent_id, project_number, usd, tokens, at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.pool.Exec(ctx, query, workspaceID, e.AgentID, e.ProjectNumber, e.USD, e.Tokens, e.At)
	return err
}

func (s *PostgresStore) SumLedger(ctx context.Context, workspaceID string, since time.Time) (float64, int64, error) {
	query := `
		SELECT COALESCE(SUM(usd), 0), COALESCE(SUM(tokens), 0)
		FROM ledger_entries WHERE workspace_id = $1 AND at >= $2
	`
	var usd float64
	var tokens int64
	err := s.pool.QueryRow(ctx, query, workspaceID, since).Scan(&usd, &tokens)
	return usd, tokens, err
}

func (s *PostgresStore) ListLedgerEntries(ctx context.Context, workspaceID string, since time.Time) ([]*CostLedgerEntry, error) {
	query := `
		SELECT agent_id, project_number, usd, tokens, at
		FROM ledger_entries WHERE workspace_id = $1 AND at >= $2 ORDER BY at
	`
	rows, err := s.pool.Query(ctx, query, workspaceID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*CostLedgerEntry
	for rows.Next() {
		e := CostLedgerEntry{WorkspaceID: workspaceID}
		if err := rows.Scan(&e.AgentID, &e.ProjectNumber, &e.USD, &e.Tokens, &e.At); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// --- Event log operations ---

func (s *PostgresStore) AppendEvent(ctx context.Context, workspaceID string, e *Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return err
	}
	query := `INSERT INTO events (workspace_id, seq, type, payload, at) VALUES ($1, $2, $3, $4, $5)`
	_, err = s.pool.Exec(ctx, query, workspaceID, e.Seq, e.Type, payload, e.At)
	return err
}

func (s *PostgresStore) ListEventsSince(ctx context.Context, workspaceID string, since int64, limit int) ([]*Event, error) {
	query := `
		SELECT seq, type, payload, at FROM events
		WHERE workspace_id = $1 AND seq > $2 ORDER BY seq
	`
	if limit > 0 {
		query += ` LIMIT ` + itoaLimit(limit)
	}
	rows, err := s.pool.Query(ctx, query, workspaceID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var e Event
		var payload []byte
		if err := rows.Scan(&e.Seq, &e.Type, &payload, &e.At); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, err
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// --- Audit operations ---

func (s *PostgresStore) AppendAudit(ctx context.Context, workspaceID string, r *AuditRecord) error {
	query := `
		INSERT INTO audit_records (workspace_id, audit_id, timestamp, operation_type, agent_id,
			project_number, request_summary, response_status, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.pool.Exec(ctx, query, workspaceID, r.AuditID, r.Timestamp, r.OperationType, r.AgentID,
		r.ProjectNumber, r.RequestSummary, r.ResponseStatus, r.DurationMs)
	return err
}

func (s *PostgresStore) ListAudit(ctx context.Context, workspaceID string, since time.Time, limit int) ([]*AuditRecord, error) {
	query := `
		SELECT audit_id, timestamp, operation_type, agent_id, project_number, request_summary,
			response_status, duration_ms
		FROM audit_records WHERE workspace_id = $1 AND timestamp >= $2 ORDER BY timestamp
	`
	if limit > 0 {
		query += ` LIMIT ` + itoaLimit(limit)
	}
	rows, err := s.pool.Query(ctx, query, workspaceID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AuditRecord
	for rows.Next() {
		var r AuditRecord
		if err := rows.Scan(&r.AuditID, &r.Timestamp, &r.OperationType, &r.AgentID, &r.ProjectNumber,
			&r.RequestSummary, &r.ResponseStatus, &r.DurationMs); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// --- Coordination / epoch operations ---

func (s *PostgresStore) IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	query := `
		INSERT INTO epochs (resource_id, epoch) VALUES ($1, 1)
		ON CONFLICT (resource_id) DO UPDATE SET epoch = epochs.epoch + 1
		RETURNING epoch
	`
	var epoch int64
	err := s.pool.QueryRow(ctx, query, resourceID).Scan(&epoch)
	return epoch, err
}

func (s *PostgresStore) GetDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	var epoch int64
	err := s.pool.QueryRow(ctx, `SELECT epoch FROM epochs WHERE resource_id = $1`, resourceID).Scan(&epoch)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return epoch, err
}

// AcquireLock mirrors RedisStore's SETNX-then-bump-epoch discipline
// using an INSERT ... ON CONFLICT DO UPDATE that only takes over a
// row whose expires_at has passed.
func (s *PostgresStore) AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, int64, error) {
	now := time.Now()
	query := `
		INSERT INTO locks (key, holder, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
		WHERE locks.expires_at < $4
	`
	tag, err := s.pool.Exec(ctx, query, key, holder, now.Add(ttl), now)
	if err != nil {
		return false, 0, err
	}
	if tag.RowsAffected() == 0 {
		epoch, _ := s.GetDurableEpoch(ctx, key)
		return false, epoch, nil
	}
	epoch, err := s.IncrementDurableEpoch(ctx, key)
	return true, epoch, err
}

func (s *PostgresStore) RenewLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	query := `UPDATE locks SET expires_at = $1 WHERE key = $2 AND holder = $3`
	tag, err := s.pool.Exec(ctx, query, time.Now().Add(ttl), key, holder)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ReleaseLock(ctx context.Context, key, holder string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM locks WHERE key = $1 AND holder = $2`, key, holder)
	return err
}

// ExpireStaleLocks is the one place the Postgres backend does real
// sweep work rather than relying on the backend's own TTL reaping
// (Redis expires keys itself; Postgres rows only ever leave on an
// explicit DELETE), so this is a correctness requirement here rather
// than the housekeeping no-op RedisStore gets away with.
func (s *PostgresStore) ExpireStaleLocks(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM locks WHERE expires_at < $1`, time.Now())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// itoaLimit renders a LIMIT clause's bound. It is only ever fed an
// in-process int, never request input, so strconv.Itoa is safe here;
// a placeholder isn't used because it's simpler to inline a trusted
// int directly into the query text than thread another $N parameter
// through two call sites.
func itoaLimit(n int) string {
	return strconv.Itoa(n)
}
