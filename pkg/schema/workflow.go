package schema

import "encoding/json"

// Workflow is the JSON-serializable workflow definition.
// Clients submit it inline with each run; the engine snapshots it onto
// the run record so records stay queryable after the definition changes.
type Workflow struct {
	ID       string         `json:"id"`
	Name     string         `json:"name,omitempty"`
	Version  int            `json:"version,omitempty"`
	Nodes    []Node         `json:"nodes"`
	Edges    []Edge         `json:"edges,omitempty"`
	Inputs   map[string]any `json:"inputs,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Node describes a single node in a workflow graph.
type Node struct {
	ID       string          `json:"id"`
	Kind     NodeKind        `json:"kind"`
	Name     string          `json:"name,omitempty"`
	Config   json.RawMessage `json:"config,omitempty"` // kind-specific config block
	Position *Position       `json:"position,omitempty"`
}

// Position is editor placement metadata. The engine ignores it but
// preserves it through snapshots.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// NodeKind enumerates the kinds of nodes in a workflow.
type NodeKind string

const (
	NodeKindAgent       NodeKind = "agent"
	NodeKindInput       NodeKind = "input"
	NodeKindOutput      NodeKind = "output"
	NodeKindTransform   NodeKind = "transform"
	NodeKindConditional NodeKind = "conditional"
	NodeKindLoop        NodeKind = "loop"
)

// Edge is a directed connection between two nodes.
type Edge struct {
	ID         string   `json:"id,omitempty"`
	Source     string   `json:"source"`
	Target     string   `json:"target"`
	Type       EdgeType `json:"type,omitempty"`        // data | control | context (default: data)
	SourcePort string   `json:"source_port,omitempty"` // conditional branch: "true" | "false"
	TargetPort string   `json:"target_port,omitempty"` // named input slot on the target
}

// EdgeType enumerates edge semantics.
type EdgeType string

const (
	EdgeTypeData    EdgeType = "data"    // carries the source's output value
	EdgeTypeControl EdgeType = "control" // ordering gate, fires on truthy output
	EdgeTypeContext EdgeType = "context" // propagates the shared context bag
)

// RetryPolicy configures retry behavior for an agent node.
type RetryPolicy struct {
	MaxAttempts int    `json:"max_attempts"`       // total attempts including the first
	Backoff     string `json:"backoff,omitempty"`  // none | linear | exponential (default: exponential)
	Delay       string `json:"delay,omitempty"`    // initial delay (e.g. "1s", "500ms")
}

// AgentNodeConfig is the config block for agent nodes.
type AgentNodeConfig struct {
	AgentID      string       `json:"agent_id"`
	Prompt       string       `json:"prompt"`
	SystemPrompt string       `json:"system_prompt,omitempty"`
	Model        string       `json:"model,omitempty"`
	Temperature  *float64     `json:"temperature,omitempty"`
	MaxTokens    int          `json:"max_tokens,omitempty"`
	Retry        *RetryPolicy `json:"retry,omitempty"`
}

// InputNodeConfig is the config block for input nodes.
type InputNodeConfig struct {
	Key      string `json:"key"`
	Required bool   `json:"required,omitempty"`
	Default  any    `json:"default,omitempty"`
}

// OutputNodeConfig is the config block for output nodes.
type OutputNodeConfig struct {
	Key string `json:"key"`
}

// TransformNodeConfig is the config block for transform nodes.
type TransformNodeConfig struct {
	Transform string          `json:"transform"`      // registered transform name (e.g. "jq", "uppercase")
	Args      json.RawMessage `json:"args,omitempty"` // transform-specific arguments
}

// ConditionalNodeConfig is the config block for conditional nodes.
type ConditionalNodeConfig struct {
	Expression string `json:"expression"` // CEL expression, must evaluate to bool
}

// LoopNodeConfig is the config block for loop nodes. The body is an
// explicit subgraph executed per iteration, never a cycle in the outer
// graph.
type LoopNodeConfig struct {
	MaxIterations int    `json:"max_iterations"`
	Condition     string `json:"condition,omitempty"` // CEL termination predicate, checked after each iteration
	Collect       string `json:"collect,omitempty"`   // accumulator key visible to following iterations
	Body          []Node `json:"body"`
	Edges         []Edge `json:"edges,omitempty"`
}
