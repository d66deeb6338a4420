package engine

import (
	"dario.cat/mergo"

	"github.com/loomworks/loom/internal/graph"
	"github.com/loomworks/loom/pkg/schema"
)

// Truthy reports whether a node output value fires a control edge.
// Exactly nil, false, "" and numeric zero are falsy; every other value,
// including empty collections, is truthy.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	case uint64:
		return val != 0
	default:
		return true
	}
}

// edgeLive reports whether a settled edge delivers to its target. An edge
// from a skipped or failed source is dead. An edge from a completed source
// is live unless its source port names the branch the conditional did not
// take, or it is a control edge whose source value is falsy.
func edgeLive(edge *schema.Edge, source *nodeState) bool {
	if source == nil || source.status != schema.NodeStatusCompleted {
		return false
	}
	if edge.SourcePort != "" && source.outcome != nil && edge.SourcePort != source.outcome.Branch {
		return false
	}
	if edge.Type == schema.EdgeTypeControl {
		if source.outcome == nil {
			return false
		}
		return Truthy(source.outcome.Value)
	}
	return true
}

// nodeLive reports whether a node with fully-settled upstream nodes should
// execute. Roots always run. Control gates are conjunctive: every inbound
// control edge must be live, so a single falsy or dead gate skips the node
// no matter what its data edges delivered. Data and context edges are
// disjunctive: one live path is enough. A node whose only inbound edges are
// control edges runs when all its gates pass.
func nodeLive(g *graph.Graph, nodeID string, states map[string]*nodeState) bool {
	if len(g.Deps[nodeID]) == 0 {
		return true
	}

	for _, edge := range g.ControlIn[nodeID] {
		if !edgeLive(edge, states[edge.Source]) {
			return false
		}
	}

	paths := 0
	for _, inbound := range []map[string][]*schema.Edge{g.DataIn, g.ContextIn} {
		for _, edge := range inbound[nodeID] {
			paths++
			if edgeLive(edge, states[edge.Source]) {
				return true
			}
		}
	}
	return paths == 0 && len(g.ControlIn[nodeID]) > 0
}

// resolveNodeInput computes the inbound data value of a node from its live
// inbound data edges. A single unnamed edge passes its value through
// unchanged. Multiple edges produce a map keyed by target port when set,
// falling back to the source node ID.
func resolveNodeInput(g *graph.Graph, nodeID string, states map[string]*nodeState) any {
	var live []*schema.Edge
	for _, edge := range g.DataIn[nodeID] {
		if edgeLive(edge, states[edge.Source]) {
			live = append(live, edge)
		}
	}

	switch len(live) {
	case 0:
		return nil
	case 1:
		if live[0].TargetPort == "" {
			return states[live[0].Source].outcome.Value
		}
	}

	in := make(map[string]any, len(live))
	for _, edge := range live {
		key := edge.TargetPort
		if key == "" {
			key = edge.Source
		}
		in[key] = states[edge.Source].outcome.Value
	}
	return in
}

// mergeContextBag folds a completed node's output into the shared context
// bag and returns the new bag. Map outputs deep-merge with the node's
// values winning; non-map outputs land under the node's ID. The input bag
// is never mutated.
func mergeContextBag(bag map[string]any, nodeID string, value any) (map[string]any, error) {
	merged := make(map[string]any, len(bag)+1)
	for k, v := range bag {
		merged[k] = v
	}

	patch, ok := value.(map[string]any)
	if !ok {
		merged[nodeID] = value
		return merged, nil
	}

	if err := mergo.Merge(&merged, patch, mergo.WithOverride); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeFatal,
			"merge context from node %s: %s", nodeID, err.Error()).WithNode(nodeID).WithCause(err)
	}
	return merged, nil
}
