// Package supervisor implements the Agent Supervisor (§4.1): the
// per-agent state machine, heartbeat liveness, and the cooperative
// tick that drives an idle agent into claiming, reviewing, or
// ideating work. Grounded on FluxForge's control_plane/reconciler.go
// cooperative-tick-with-hard-timeout shape and
// coordination/agent_monitor.go's liveness sweep.
package supervisor

import "github.com/orchestra-run/orchestrator/internal/store"

// legalTransitions encodes §4.1's state machine: a map from current
// status to the set of statuses it may move to directly.
var legalTransitions = map[store.AgentStatus]map[store.AgentStatus]bool{
	store.AgentIdle: {
		store.AgentWorking:      true,
		store.AgentReviewing:    true,
		store.AgentIdeating:     true,
		store.AgentPaused:       true,
		store.AgentStopped:      true,
		store.AgentUnresponsive: true,
	},
	store.AgentWorking: {
		store.AgentIdle:         true, // work finished, handed to review
		store.AgentPaused:       true,
		store.AgentStopped:      true,
		store.AgentUnresponsive: true,
	},
	store.AgentReviewing: {
		store.AgentIdle:         true,
		store.AgentPaused:       true,
		store.AgentStopped:      true,
		store.AgentUnresponsive: true,
	},
	store.AgentIdeating: {
		store.AgentIdle:         true,
		store.AgentPaused:       true,
		store.AgentStopped:      true,
		store.AgentUnresponsive: true,
	},
	store.AgentPaused: {
		store.AgentIdle:    true, // resume restores PreviousStatus's effect
		store.AgentStopped: true,
	},
	store.AgentUnresponsive: {
		store.AgentIdle:    true, // a late heartbeat revives it
		store.AgentStopped: true,
	},
	store.AgentStopped: {}, // terminal
}

// legal reports whether the I5 state machine permits from -> to.
func legal(from, to store.AgentStatus) bool {
	if from == to {
		return true
	}
	next, ok := legalTransitions[from]
	return ok && next[to]
}
