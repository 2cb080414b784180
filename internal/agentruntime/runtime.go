// Package agentruntime defines the interface boundary to the
// large-language-model runtime that actually performs code edits —
// out of scope per §1, "referenced only by interface". AnthropicRuntime
// is the one concrete adapter, grounded on fluxforge/agent/executor.go's
// shape (run one unit of work, report a structured result) with the
// shelled-out command replaced by a model call.
package agentruntime

import (
	"context"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/orchestra-run/orchestrator/internal/errs"
)

// ExecutionResult is what the Agent Supervisor gets back from one
// working-phase turn.
type ExecutionResult struct {
	Branch    string
	Summary   string
	Completed bool
}

// Runtime is the external LLM runtime surface. Every call is a
// suspension point with the model-work timeout from §5 (default 2
// minutes) and must be cancellable via ctx so stop() can propagate.
type Runtime interface {
	Execute(ctx context.Context, agentID string, projectNumber int64, prompt string) (ExecutionResult, error)
	GenerateProposal(ctx context.Context, agentID, categoryTag, prompt string) (title, problemStatement string, err error)
}

// AnthropicRuntime is the default Runtime, backed by
// github.com/anthropics/anthropic-sdk-go.
type AnthropicRuntime struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropicRuntime constructs a Runtime against the Anthropic API.
func NewAnthropicRuntime(apiKey string) *AnthropicRuntime {
	return &AnthropicRuntime{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.ModelClaudeSonnet4_5,
	}
}

func (r *AnthropicRuntime) Execute(ctx context.Context, agentID string, projectNumber int64, prompt string) (ExecutionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	msg, err := r.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     r.model,
		MaxTokens: 4096,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return ExecutionResult{}, errs.Wrap(err, errs.External, "model execute turn")
	}
	summary := ""
	for _, block := range msg.Content {
		if block.Type == "text" {
			summary += block.Text
		}
	}
	return ExecutionResult{Summary: summary, Completed: true}, nil
}

func (r *AnthropicRuntime) GenerateProposal(ctx context.Context, agentID, categoryTag, prompt string) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	msg, err := r.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     r.model,
		MaxTokens: 1024,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", "", errs.Wrap(err, errs.External, "model generate proposal")
	}
	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return splitTitleAndBody(text)
}

// splitTitleAndBody takes the model's free-form response and splits
// its first line off as the title, the remainder as the problem
// statement — a deliberately simple contract so validation in the
// Ideation Loop (non-empty title, non-empty problem statement) stays
// cheap.
func splitTitleAndBody(text string) (string, string, error) {
	for i, r := range text {
		if r == '\n' {
			return text[:i], text[i+1:], nil
		}
	}
	return text, "", nil
}
