package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/orchestra-run/orchestrator/internal/store"
)

func TestLegalTransitionsFromIdle(t *testing.T) {
	assert.True(t, legal(store.AgentIdle, store.AgentWorking))
	assert.True(t, legal(store.AgentIdle, store.AgentReviewing))
	assert.True(t, legal(store.AgentIdle, store.AgentIdeating))
	assert.True(t, legal(store.AgentIdle, store.AgentPaused))
	assert.True(t, legal(store.AgentIdle, store.AgentStopped))
	assert.True(t, legal(store.AgentIdle, store.AgentUnresponsive))
}

func TestSameStateIsAlwaysLegal(t *testing.T) {
	assert.True(t, legal(store.AgentWorking, store.AgentWorking))
	assert.True(t, legal(store.AgentStopped, store.AgentStopped))
}

func TestStoppedIsTerminal(t *testing.T) {
	assert.False(t, legal(store.AgentStopped, store.AgentIdle))
	assert.False(t, legal(store.AgentStopped, store.AgentWorking))
}

func TestWorkingCannotJumpDirectlyToReviewing(t *testing.T) {
	assert.False(t, legal(store.AgentWorking, store.AgentReviewing))
}

func TestPausedOnlyResumesToIdleOrStops(t *testing.T) {
	assert.True(t, legal(store.AgentPaused, store.AgentIdle))
	assert.True(t, legal(store.AgentPaused, store.AgentStopped))
	assert.False(t, legal(store.AgentPaused, store.AgentWorking))
}

func TestUnresponsiveOnlyRevivesToIdleOrStops(t *testing.T) {
	assert.True(t, legal(store.AgentUnresponsive, store.AgentIdle))
	assert.True(t, legal(store.AgentUnresponsive, store.AgentStopped))
	assert.False(t, legal(store.AgentUnresponsive, store.AgentReviewing))
}
