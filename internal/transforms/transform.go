package transforms

import (
	"context"

	"github.com/loomworks/loom/internal/expressions"
)

// Transform is a named data operation a transform node can apply to the value
// flowing through it. Implementations must be safe for concurrent use: a
// single instance is shared across every run executing on the engine.
type Transform interface {
	// Name returns the unique transform identifier referenced by node configs.
	Name() string

	// Describe returns a short human-readable description for discovery
	// surfaces (the HTTP catalog and MCP listings).
	Describe() string

	// Apply executes the transform against the given input and returns the
	// produced value.
	Apply(ctx context.Context, in Input) (any, error)
}

// Input carries everything a transform may consult: the upstream data value,
// the node's decoded arguments, and the read-only evaluation scope of the run.
type Input struct {
	// Value is the merged inbound data value of the transform node.
	Value any

	// Args holds the transform arguments from the node config, already
	// interpolated against the run scope.
	Args map[string]any

	// Scope is the frozen evaluation scope at dispatch time.
	Scope *expressions.Scope
}

// Info describes a registered transform for listing purposes.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// stringArg extracts a required string argument.
func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
