// Package observability exports the Prometheus metrics every
// component registers at construction time via promauto, matching
// how FluxForge's control plane centralizes its metric definitions
// in one package rather than scattering prometheus.New* calls.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// === Dispatcher / Project Queue ===

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orch_queue_depth",
		Help: "Number of projects currently queued or in rework, by state",
	}, []string{"state"})

	ClaimAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orch_claim_attempts_total",
		Help: "Total tryClaim calls by outcome",
	}, []string{"outcome"}) // granted|empty|conflict|budget_denied

	ClaimLeaseExpirations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orch_claim_lease_expirations_total",
		Help: "Total claims reverted to queued due to lease expiry",
	})

	FenceToken = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orch_fence_token_high_watermark",
		Help: "Highest fence token issued so far",
	})

	// === Review Workflow Engine ===

	ReviewVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orch_review_verdicts_total",
		Help: "Total review verdicts recorded",
	}, []string{"verdict"})

	ReviewIterations = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orch_review_iterations",
		Help:    "Number of rework iterations before terminal state",
		Buckets: prometheus.LinearBuckets(1, 1, 6),
	})

	// === Ideation Loop ===

	IdeationAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orch_ideation_attempts_total",
		Help: "Total ideation attempts by category and outcome",
	}, []string{"category", "outcome"}) // created|validation_failed

	CategoryCooldown = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orch_ideation_category_cooldown_seconds",
		Help: "Remaining cooldown for a category, in seconds",
	}, []string{"category"})

	// === Cost Governor ===

	CostLedgerTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orch_cost_ledger_usd",
		Help: "Current windowed ledger sum in USD",
	}, []string{"window"}) // daily|monthly

	CostAdmissionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orch_cost_admission_decisions_total",
		Help: "mayStart decisions by outcome",
	}, []string{"outcome"}) // admitted|denied_rate|denied_daily|denied_monthly|denied_agent_cap

	CostThresholdEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orch_cost_threshold_events_total",
		Help: "Budget threshold crossings",
	}, []string{"threshold"}) // warn_80|warn_95|hard_stop

	// === Event Bus ===

	EventBusSeq = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orch_eventbus_seq",
		Help: "Current global event sequence number",
	})

	EventBusSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orch_eventbus_subscribers",
		Help: "Number of live event bus subscribers",
	})

	EventBusGapTooLarge = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orch_eventbus_gap_too_large_total",
		Help: "Total subscriptions rejected with gap-too-large",
	})

	EventBusBackpressureDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orch_eventbus_backpressure_drops_total",
		Help: "Total subscribers dropped for exceeding their queue cap",
	})

	// === Agent Supervisor ===

	AgentStateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orch_agent_state_transitions_total",
		Help: "Agent state machine transitions",
	}, []string{"from", "to"})

	AgentHeartbeatAge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orch_agent_heartbeat_age_seconds",
		Help: "Seconds since an agent's last heartbeat",
	}, []string{"agent_id"})

	// === Audit ===

	AuditWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orch_audit_write_failures_total",
		Help: "Total audit write attempts that failed and were buffered",
	})

	AuditBufferDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orch_audit_buffer_drops_total",
		Help: "Total audit records dropped because the retry buffer was full",
	})

	// === Redis / store latency ===

	RedisLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orch_redis_op_duration_seconds",
		Help:    "Latency of Redis-backed store operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// === Leader election ===

	LeaderEpoch = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orch_leader_epoch",
		Help: "Current fencing epoch of the control-plane leader",
	}, []string{"node_id"})

	LeaderTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orch_leader_transitions_total",
		Help: "Total leadership acquisition/loss events",
	}, []string{"node_id", "event"})

	LeaderStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orch_leader_status",
		Help: "1 if this process currently holds control-plane leadership, else 0",
	})

	LeadershipTransitionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orch_leader_transition_duration_seconds",
		Help:    "Time between losing and regaining leadership",
		Buckets: prometheus.DefBuckets,
	})
)
