package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/orchestra-run/orchestrator/internal/errs"
	"github.com/orchestra-run/orchestrator/internal/observability"
)

// RedisStore implements Store and Coordinator over a single Redis
// instance — the fast, shared backend FluxForge leans on for
// coordination because MemoryStore only works single-node. Entities
// are JSON blobs under namespaced keys; append-only logs are Redis
// sorted sets (events scored by their sequence number, ledger and
// audit by timestamp in nanoseconds) so range scans stay
// O(log N + window size).
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore dials addr and verifies connectivity before returning,
// matching FluxForge's fail-fast startup check.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errs.Wrap(err, errs.External, "redis ping")
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) observe(op string, start time.Time) {
	observability.RedisLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func jsonKey(workspaceID string, r Resource, id string) string {
	return WorkspaceKey(workspaceID, r, id)
}

// --- Agent operations ---

func (s *RedisStore) UpsertAgent(ctx context.Context, workspaceID string, a *Agent) error {
	defer s.observe("upsert_agent", time.Now())
	a.WorkspaceID = workspaceID
	b, err := json.Marshal(a)
	if err != nil {
		return err
	}
	key := jsonKey(workspaceID, ResourceAgent, a.ID)
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, b, 0)
	pipe.SAdd(ctx, WorkspacePrefix(workspaceID, ResourceAgent)+"_index", a.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetAgent(ctx context.Context, workspaceID, agentID string) (*Agent, error) {
	defer s.observe("get_agent", time.Now())
	v, err := s.client.Get(ctx, jsonKey(workspaceID, ResourceAgent, agentID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var a Agent
	if err := json.Unmarshal([]byte(v), &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *RedisStore) ListAgents(ctx context.Context, workspaceID string) ([]*Agent, error) {
	defer s.observe("list_agents", time.Now())
	ids, err := s.client.SMembers(ctx, WorkspacePrefix(workspaceID, ResourceAgent)+"_index").Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Agent, 0, len(ids))
	for _, id := range ids {
		a, err := s.GetAgent(ctx, workspaceID, id)
		if err != nil || a == nil {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *RedisStore) UpdateAgentHeartbeat(ctx context.Context, workspaceID, agentID string, t time.Time) error {
	a, err := s.GetAgent(ctx, workspaceID, agentID)
	if err != nil {
		return err
	}
	if a == nil {
		return errs.New(errs.NotFound, "agent not found")
	}
	a.LastHeartbeatAt = t
	return s.UpsertAgent(ctx, workspaceID, a)
}

func (s *RedisStore) DeleteAgent(ctx context.Context, workspaceID, agentID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, jsonKey(workspaceID, ResourceAgent, agentID))
	pipe.SRem(ctx, WorkspacePrefix(workspaceID, ResourceAgent)+"_index", agentID)
	_, err := pipe.Exec(ctx)
	return err
}

// --- Project operations ---

func (s *RedisStore) NextProjectNumber(ctx context.Context, workspaceID string) (int64, error) {
	return s.client.Incr(ctx, WorkspaceKey(workspaceID, ResourceProject, "_seq")).Result()
}

func (s *RedisStore) CreateProject(ctx context.Context, workspaceID string, p *Project) error {
	p.WorkspaceID = workspaceID
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, jsonKey(workspaceID, ResourceProject, fmt.Sprint(p.Number)), b, 0)
	pipe.SAdd(ctx, WorkspacePrefix(workspaceID, ResourceProject)+"_index", p.Number)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetProject(ctx context.Context, workspaceID string, number int64) (*Project, error) {
	v, err := s.client.Get(ctx, jsonKey(workspaceID, ResourceProject, fmt.Sprint(number))).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p Project
	if err := json.Unmarshal([]byte(v), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *RedisStore) ListProjects(ctx context.Context, workspaceID string, state ProjectState) ([]*Project, error) {
	nums, err := s.client.SMembers(ctx, WorkspacePrefix(workspaceID, ResourceProject)+"_index").Result()
	if err != nil {
		return nil, err
	}
	var out []*Project
	for _, n := range nums {
		var num int64
		fmt.Sscan(n, &num)
		p, err := s.GetProject(ctx, workspaceID, num)
		if err != nil || p == nil {
			continue
		}
		if state == "" || p.State == state {
			out = append(out, p)
		}
	}
	return out, nil
}

// UpdateProject checks the claim's fence token before writing, same
// stale-writer rejection MemoryStore performs, using WATCH/MULTI so
// concurrent dispatchers can't race the check-then-set.
func (s *RedisStore) UpdateProject(ctx context.Context, workspaceID string, p *Project, expectFenceToken int64) error {
	claimKey := jsonKey(workspaceID, ResourceClaim, fmt.Sprint(p.Number))
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		if expectFenceToken != 0 {
			cv, err := tx.Get(ctx, claimKey).Result()
			if err != nil && err != redis.Nil {
				return err
			}
			if err == nil {
				var claim ClaimTicket
				if jsonErr := json.Unmarshal([]byte(cv), &claim); jsonErr == nil && claim.FenceToken != expectFenceToken {
					return errs.New(errs.Conflict, "stale fence token")
				}
			}
		}
		b, err := json.Marshal(p)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, jsonKey(workspaceID, ResourceProject, fmt.Sprint(p.Number)), b, 0)
			return nil
		})
		return err
	}, claimKey)
}

// --- Claim operations ---

func (s *RedisStore) PutClaim(ctx context.Context, workspaceID string, c *ClaimTicket) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, jsonKey(workspaceID, ResourceClaim, fmt.Sprint(c.ProjectNumber)), b, 0).Err()
}

func (s *RedisStore) GetClaim(ctx context.Context, workspaceID string, projectNumber int64) (*ClaimTicket, error) {
	v, err := s.client.Get(ctx, jsonKey(workspaceID, ResourceClaim, fmt.Sprint(projectNumber))).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var c ClaimTicket
	if err := json.Unmarshal([]byte(v), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *RedisStore) ReleaseClaim(ctx context.Context, workspaceID string, projectNumber int64, fenceToken int64) error {
	c, err := s.GetClaim(ctx, workspaceID, projectNumber)
	if err != nil || c == nil {
		return err
	}
	if fenceToken != 0 && c.FenceToken != fenceToken {
		return errs.New(errs.Conflict, "stale fence token on release")
	}
	return s.client.Del(ctx, jsonKey(workspaceID, ResourceClaim, fmt.Sprint(projectNumber))).Err()
}

func (s *RedisStore) ListExpiredClaims(ctx context.Context, workspaceID string, asOf time.Time) ([]*ClaimTicket, error) {
	projects, err := s.ListProjects(ctx, workspaceID, "")
	if err != nil {
		return nil, err
	}
	var out []*ClaimTicket
	for _, p := range projects {
		c, err := s.GetClaim(ctx, workspaceID, p.Number)
		if err != nil || c == nil {
			continue
		}
		if c.LeaseExpiresAt.Before(asOf) {
			out = append(out, c)
		}
	}
	return out, nil
}

// --- Review operations ---

func (s *RedisStore) PutReview(ctx context.Context, workspaceID string, r *ReviewRecord) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	key := WorkspaceKey(workspaceID, ResourceReview, fmt.Sprint(r.ProjectNumber))
	return s.client.RPush(ctx, key, b).Err()
}

func (s *RedisStore) ListReviews(ctx context.Context, workspaceID string, projectNumber int64) ([]*ReviewRecord, error) {
	key := WorkspaceKey(workspaceID, ResourceReview, fmt.Sprint(projectNumber))
	raw, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*ReviewRecord, 0, len(raw))
	for _, v := range raw {
		var r ReviewRecord
		if err := json.Unmarshal([]byte(v), &r); err == nil {
			out = append(out, &r)
		}
	}
	return out, nil
}

// --- Proposal operations ---

// PutProposalIfAbsent uses SetNX on the idempotency key as the
// atomic gate I7 requires: two ideation workers racing the same
// category/bucket can only have one of them actually mint a proposal.
func (s *RedisStore) PutProposalIfAbsent(ctx context.Context, workspaceID string, p *Proposal, idemKey string) (bool, error) {
	ok, err := s.client.SetNX(ctx, jsonKey(workspaceID, ResourceProposal, "idem:"+idemKey), "1", 30*24*time.Hour).Result()
	if err != nil || !ok {
		return false, err
	}
	b, err := json.Marshal(p)
	if err != nil {
		return false, err
	}
	return true, s.client.Set(ctx, jsonKey(workspaceID, ResourceProposal, p.ID), b, 0).Err()
}

func (s *RedisStore) DeleteProposal(ctx context.Context, workspaceID, proposalID string) error {
	return s.client.Del(ctx, jsonKey(workspaceID, ResourceProposal, proposalID)).Err()
}

// --- Cost ledger operations ---

func (s *RedisStore) AppendLedgerEntry(ctx context.Context, workspaceID string, e *CostLedgerEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	key := WorkspaceKey(workspaceID, ResourceLedger, "log")
	return s.client.ZAdd(ctx, key, redis.Z{Score: float64(e.At.UnixNano()), Member: b}).Err()
}

func (s *RedisStore) ListLedgerEntries(ctx context.Context, workspaceID string, since time.Time) ([]*CostLedgerEntry, error) {
	key := WorkspaceKey(workspaceID, ResourceLedger, "log")
	raw, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: fmt.Sprint(since.UnixNano()), Max: "+inf"}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*CostLedgerEntry, 0, len(raw))
	for _, v := range raw {
		var e CostLedgerEntry
		if err := json.Unmarshal([]byte(v), &e); err == nil {
			out = append(out, &e)
		}
	}
	return out, nil
}

func (s *RedisStore) SumLedger(ctx context.Context, workspaceID string, since time.Time) (float64, int64, error) {
	entries, err := s.ListLedgerEntries(ctx, workspaceID, since)
	if err != nil {
		return 0, 0, err
	}
	var usd float64
	var tokens int64
	for _, e := range entries {
		usd += e.USD
		tokens += e.Tokens
	}
	return usd, tokens, nil
}

// --- Event log operations ---

func (s *RedisStore) AppendEvent(ctx context.Context, workspaceID string, e *Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	key := WorkspaceKey(workspaceID, ResourceEvent, "log")
	return s.client.ZAdd(ctx, key, redis.Z{Score: float64(e.Seq), Member: b}).Err()
}

func (s *RedisStore) ListEventsSince(ctx context.Context, workspaceID string, since int64, limit int) ([]*Event, error) {
	key := WorkspaceKey(workspaceID, ResourceEvent, "log")
	cmd := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: fmt.Sprint(since + 1), Max: "+inf"})
	raw, err := cmd.Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Event, 0, len(raw))
	for _, v := range raw {
		var e Event
		if err := json.Unmarshal([]byte(v), &e); err == nil {
			out = append(out, &e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// --- Audit operations ---

func (s *RedisStore) AppendAudit(ctx context.Context, workspaceID string, r *AuditRecord) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	key := WorkspaceKey(workspaceID, ResourceAudit, "log")
	return s.client.ZAdd(ctx, key, redis.Z{Score: float64(r.Timestamp.UnixNano()), Member: b}).Err()
}

func (s *RedisStore) ListAudit(ctx context.Context, workspaceID string, since time.Time, limit int) ([]*AuditRecord, error) {
	key := WorkspaceKey(workspaceID, ResourceAudit, "log")
	raw, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: fmt.Sprint(since.UnixNano()), Max: "+inf"}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*AuditRecord, 0, len(raw))
	for _, v := range raw {
		var r AuditRecord
		if err := json.Unmarshal([]byte(v), &r); err == nil {
			out = append(out, &r)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// --- Coordination / epoch operations ---

func (s *RedisStore) IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	return s.client.Incr(ctx, WorkspaceKey("_global", ResourceEpoch, resourceID)).Result()
}

func (s *RedisStore) GetDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	v, err := s.client.Get(ctx, WorkspaceKey("_global", ResourceEpoch, resourceID)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var n int64
	fmt.Sscan(v, &n)
	return n, nil
}

// AcquireLock, RenewLock and ReleaseLock implement Coordinator the
// same way FluxForge's leader.go expects: SET NX EX for acquisition,
// a fenced epoch bump on every acquisition so stale holders can be
// detected even after a TTL-driven loss of the lock.
func (s *RedisStore) AcquireLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, int64, error) {
	defer s.observe("acquire_lock", time.Now())
	ok, err := s.client.SetNX(ctx, key, holder, ttl).Result()
	if err != nil {
		return false, 0, err
	}
	if !ok {
		epoch, _ := s.GetDurableEpoch(ctx, key)
		return false, epoch, nil
	}
	epoch, err := s.IncrementDurableEpoch(ctx, key)
	return true, epoch, err
}

func (s *RedisStore) RenewLock(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	defer s.observe("renew_lock", time.Now())
	v, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if v != holder {
		return false, nil
	}
	return true, s.client.Expire(ctx, key, ttl).Err()
}

func (s *RedisStore) ReleaseLock(ctx context.Context, key, holder string) error {
	v, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	if v != holder {
		return nil // not ours anymore, nothing to do
	}
	return s.client.Del(ctx, key).Err()
}

// ExpireStaleLocks is a no-op against Redis: every lock key carries
// its own EX TTL at SETNX time, so Redis itself reclaims a crashed
// holder's lock without anything scanning for it.
func (s *RedisStore) ExpireStaleLocks(ctx context.Context) (int, error) {
	return 0, nil
}
