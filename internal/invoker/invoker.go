package invoker

import (
	"context"

	"github.com/loomworks/loom/pkg/schema"
)

// AgentInvoker executes agent node prompts against a model backend.
// Implementations classify failures as transient (retryable by the
// scheduler) or fatal.
type AgentInvoker interface {
	Invoke(ctx context.Context, inv Invocation) (*Completion, error)
}

// Invocation is a single resolved agent call. Prompt and SystemPrompt have
// already been interpolated against the run scope.
type Invocation struct {
	AgentID      string
	Prompt       string
	SystemPrompt string
	Model        string // overrides the agent profile's default model
	Temperature  *float64
	MaxTokens    int
}

// Completion is the result of a successful agent invocation.
type Completion struct {
	Text  string       `json:"text"`
	Model string       `json:"model"`
	Usage schema.Usage `json:"usage"`
}
