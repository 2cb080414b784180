package vcs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/orchestra-run/orchestrator/internal/errs"
)

func TestGitHubHostPushBranchFailsFastWhenCircuitOpen(t *testing.T) {
	h := NewGitHubHost("token", "owner", "repo")
	h.breaker = newCircuitBreaker(1, time.Hour)
	h.breaker.recordFailure()

	err := h.PushBranch(context.Background(), "work/agent-1", "wip")
	assert.Error(t, err)
	assert.Equal(t, errs.External, errs.KindOf(err))
}

func TestGitHubHostCreateProjectFailsFastWhenCircuitOpen(t *testing.T) {
	h := NewGitHubHost("token", "owner", "repo")
	h.breaker = newCircuitBreaker(1, time.Hour)
	h.breaker.recordFailure()

	_, err := h.CreateProject(context.Background(), "title", "problem")
	assert.Error(t, err)
	assert.Equal(t, errs.External, errs.KindOf(err))
}

func TestGitHubHostOpenPullRequestFailsFastWhenCircuitOpen(t *testing.T) {
	h := NewGitHubHost("token", "owner", "repo")
	h.breaker = newCircuitBreaker(1, time.Hour)
	h.breaker.recordFailure()

	_, err := h.OpenPullRequest(context.Background(), "work/agent-1", "title", "body")
	assert.Error(t, err)
	assert.Equal(t, errs.External, errs.KindOf(err))
}
