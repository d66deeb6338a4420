package expressions

import (
	"encoding/json"
	"sync"

	"github.com/loomworks/loom/pkg/schema"
)

// Scope is an immutable snapshot of the data visible to one evaluation:
// node outputs, run inputs, the shared context bag, run metadata, and loop
// iteration variables. Safe for concurrent use — all data is copied at
// build time.
type Scope struct {
	Nodes   map[string]any // node ID -> output value
	Inputs  map[string]any // run input parameters
	Context map[string]any // shared context bag
	Run     map[string]any // run metadata (run_id, workflow_id, etc.)
	Iter    *IterScope     // loop iteration variables (nil outside loops)
}

// IterScope holds scoped variables for a single loop iteration.
type IterScope struct {
	Item  any // current item or accumulator value
	Index int // current iteration index (0-based)
}

// Map converts the scope into the flat layout expression engines expect.
func (s *Scope) Map() map[string]any {
	m := map[string]any{
		"nodes":   s.Nodes,
		"inputs":  s.Inputs,
		"context": s.Context,
		"run":     s.Run,
	}
	if s.Iter != nil {
		m["iter"] = map[string]any{"item": s.Iter.Item, "index": s.Iter.Index}
	}
	return m
}

// ScopeBuilder constructs Scopes with proper variable isolation:
//   - Node outputs are immutable after completion (frozen on insert).
//   - Append-only: new outputs are added as the run progresses.
//   - Iteration variables are scoped per loop iteration.
//   - The context bag is replaced wholesale on each propagation, never
//     mutated through an existing snapshot.
type ScopeBuilder struct {
	mu     sync.RWMutex
	nodes  map[string]any // node ID -> frozen output (deep-copied on insert)
	inputs map[string]any // run input params (immutable after init)
	run    map[string]any // run metadata (immutable after init)
	bag    map[string]any // shared context bag (replaced via SetContextBag)

	iter *IterScope
}

// NewScopeBuilder creates a ScopeBuilder initialized with run-level data.
// inputs and run are deep-copied to prevent external mutation.
func NewScopeBuilder(inputs, run map[string]any) *ScopeBuilder {
	return &ScopeBuilder{
		nodes:  make(map[string]any),
		inputs: deepCopyMap(inputs),
		run:    deepCopyMap(run),
	}
}

// AddNodeOutput registers a completed node's output. The output is frozen
// (deep-copied) at the time of insertion. Subsequent calls with the same
// nodeID are rejected: node outputs are immutable after completion.
func (sb *ScopeBuilder) AddNodeOutput(nodeID string, value any) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if _, exists := sb.nodes[nodeID]; exists {
		return schema.NewErrorf(schema.ErrCodeInterpolation,
			"node %q output already registered; node outputs are immutable after completion", nodeID)
	}

	sb.nodes[nodeID] = deepCopyAny(value)
	return nil
}

// SetContextBag replaces the context bag snapshot visible to subsequent
// Build calls. The bag is deep-copied.
func (sb *ScopeBuilder) SetContextBag(bag map[string]any) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.bag = deepCopyMap(bag)
}

// Build creates a Scope snapshot safe for concurrent use.
func (sb *ScopeBuilder) Build() *Scope {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	scope := &Scope{
		Nodes:   deepCopyMap(sb.nodes),
		Inputs:  sb.inputs, // frozen at init
		Context: deepCopyMap(sb.bag),
		Run:     sb.run, // frozen at init
	}

	if sb.iter != nil {
		scope.Iter = &IterScope{
			Item:  deepCopyAny(sb.iter.Item),
			Index: sb.iter.Index,
		}
	}

	return scope
}

// WithIterVars returns a child ScopeBuilder with iteration-scoped
// variables. The child shares nodes/inputs/run but has its own iter vars,
// so iteration state never leaks between iterations.
func (sb *ScopeBuilder) WithIterVars(item any, index int) *ScopeBuilder {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	return &ScopeBuilder{
		nodes:  sb.nodes,  // shared (append-only, safe)
		inputs: sb.inputs, // shared (immutable)
		run:    sb.run,    // shared (immutable)
		bag:    sb.bag,    // shared snapshot; replaced wholesale only
		iter: &IterScope{
			Item:  deepCopyAny(item),
			Index: index,
		},
	}
}

// NodeOutputs returns a read-only copy of the current node outputs.
func (sb *ScopeBuilder) NodeOutputs() map[string]any {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return deepCopyMap(sb.nodes)
}

// --- Deep copy utilities ---

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies a value.
// Handles maps, slices, and primitives (which are inherently immutable).
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		// Primitives (string, float64, bool, nil, int, int64) are value types.
		return v
	}
}
