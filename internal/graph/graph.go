package graph

import (
	"encoding/json"
	"fmt"

	"github.com/loomworks/loom/pkg/schema"
)

// Graph is the in-memory compiled representation of a workflow.
// Built from a schema.Workflow, used by the engine to determine
// execution order and value routing.
type Graph struct {
	Nodes   map[string]*schema.Node // node ID → definition
	Configs map[string]any          // node ID → decoded kind-specific config

	DataIn    map[string][]*schema.Edge // target → inbound data edges
	DataOut   map[string][]*schema.Edge // source → outbound data edges
	ControlIn map[string][]*schema.Edge
	ControlOut map[string][]*schema.Edge
	ContextIn map[string][]*schema.Edge
	ContextOut map[string][]*schema.Edge

	Deps       map[string][]string // node ID → upstream node IDs (all edge types, deduped)
	Dependents map[string][]string // node ID → downstream node IDs

	Sorted []string       // topological order
	Roots  []string       // nodes with no upstream edges
	Order  map[string]int // node ID → declaration index, tie-break for determinism
}

// validNodeKinds is the set of recognized node kinds.
var validNodeKinds = map[schema.NodeKind]bool{
	schema.NodeKindAgent:       true,
	schema.NodeKindInput:       true,
	schema.NodeKindOutput:      true,
	schema.NodeKindTransform:   true,
	schema.NodeKindConditional: true,
	schema.NodeKindLoop:        true,
}

// Build compiles a workflow into an executable Graph. It validates node
// and edge references, decodes kind-specific configs, builds adjacency
// lists per edge type, and topologically sorts with Kahn's algorithm.
// Ordering is deterministic: ties resolve by declaration order.
func Build(wf *schema.Workflow) (*Graph, error) {
	if wf == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}
	if len(wf.Nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no nodes")
	}
	return build(wf.Nodes, wf.Edges)
}

// BuildSubgraph compiles a loop body into its own Graph. The body is an
// explicit arena: its nodes and edges are isolated from the outer graph.
func BuildSubgraph(nodes []schema.Node, edges []schema.Edge) (*Graph, error) {
	if len(nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "loop body has no nodes")
	}
	return build(nodes, edges)
}

func build(nodes []schema.Node, edges []schema.Edge) (*Graph, error) {
	g := &Graph{
		Nodes:      make(map[string]*schema.Node, len(nodes)),
		Configs:    make(map[string]any, len(nodes)),
		DataIn:     make(map[string][]*schema.Edge),
		DataOut:    make(map[string][]*schema.Edge),
		ControlIn:  make(map[string][]*schema.Edge),
		ControlOut: make(map[string][]*schema.Edge),
		ContextIn:  make(map[string][]*schema.Edge),
		ContextOut: make(map[string][]*schema.Edge),
		Deps:       make(map[string][]string, len(nodes)),
		Dependents: make(map[string][]string, len(nodes)),
		Order:      make(map[string]int, len(nodes)),
	}

	// First pass: register nodes, check duplicates, decode configs.
	for i := range nodes {
		node := &nodes[i]

		if node.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node at index %d has empty ID", i)
		}
		if _, exists := g.Nodes[node.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node ID: %s", node.ID)
		}
		if !validNodeKinds[node.Kind] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node %s has unknown kind: %s", node.ID, node.Kind)
		}

		cfg, err := decodeNodeConfig(node)
		if err != nil {
			return nil, err
		}

		g.Nodes[node.ID] = node
		g.Configs[node.ID] = cfg
		g.Order[node.ID] = i
	}

	// Second pass: wire edges and build dependency lists.
	seenDep := make(map[string]map[string]bool, len(nodes))
	for i := range edges {
		edge := &edges[i]

		if edge.Type == "" {
			edge.Type = schema.EdgeTypeData
		}
		if edge.ID == "" {
			edge.ID = fmt.Sprintf("%s->%s", edge.Source, edge.Target)
		}
		if _, exists := g.Nodes[edge.Source]; !exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge %s references non-existent source: %s", edge.ID, edge.Source)
		}
		if _, exists := g.Nodes[edge.Target]; !exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge %s references non-existent target: %s", edge.ID, edge.Target)
		}
		if edge.Source == edge.Target {
			return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "edge %s connects node %s to itself", edge.ID, edge.Source)
		}

		switch edge.Type {
		case schema.EdgeTypeData:
			g.DataOut[edge.Source] = append(g.DataOut[edge.Source], edge)
			g.DataIn[edge.Target] = append(g.DataIn[edge.Target], edge)
		case schema.EdgeTypeControl:
			g.ControlOut[edge.Source] = append(g.ControlOut[edge.Source], edge)
			g.ControlIn[edge.Target] = append(g.ControlIn[edge.Target], edge)
		case schema.EdgeTypeContext:
			g.ContextOut[edge.Source] = append(g.ContextOut[edge.Source], edge)
			g.ContextIn[edge.Target] = append(g.ContextIn[edge.Target], edge)
		default:
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge %s has unknown type: %s", edge.ID, edge.Type)
		}

		if seenDep[edge.Target] == nil {
			seenDep[edge.Target] = make(map[string]bool)
		}
		if !seenDep[edge.Target][edge.Source] {
			seenDep[edge.Target][edge.Source] = true
			g.Deps[edge.Target] = append(g.Deps[edge.Target], edge.Source)
			g.Dependents[edge.Source] = append(g.Dependents[edge.Source], edge.Target)
		}
	}

	// Kahn's algorithm: topological sort + cycle detection.
	inDegree := make(map[string]int, len(g.Nodes))
	for id := range g.Nodes {
		inDegree[id] = len(g.Deps[id])
	}

	queue := make([]string, 0)
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	g.sortByOrder(queue)
	g.Roots = make([]string, len(queue))
	copy(g.Roots, queue)

	sorted := make([]string, 0, len(g.Nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted = append(sorted, id)

		dependents := make([]string, len(g.Dependents[id]))
		copy(dependents, g.Dependents[id])
		g.sortByOrder(dependents)

		for _, dep := range dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(sorted) != len(g.Nodes) {
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "workflow contains a cycle")
	}
	g.Sorted = sorted

	return g, nil
}

// NodesOfKind returns the IDs of all nodes of the given kind, in
// topological order.
func (g *Graph) NodesOfKind(kind schema.NodeKind) []string {
	var ids []string
	for _, id := range g.Sorted {
		if g.Nodes[id].Kind == kind {
			ids = append(ids, id)
		}
	}
	return ids
}

// decodeNodeConfig unmarshals and sanity-checks the kind-specific config
// block. Deeper semantic checks live in the Validator; these are the
// constraints without which the graph cannot execute at all.
func decodeNodeConfig(node *schema.Node) (any, error) {
	switch node.Kind {
	case schema.NodeKindAgent:
		var cfg schema.AgentNodeConfig
		if err := unmarshalConfig(node, &cfg); err != nil {
			return nil, err
		}
		if cfg.AgentID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "agent node %s has no agent_id", node.ID)
		}
		if cfg.Prompt == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "agent node %s has no prompt", node.ID)
		}
		return &cfg, nil

	case schema.NodeKindInput:
		var cfg schema.InputNodeConfig
		if err := unmarshalConfig(node, &cfg); err != nil {
			return nil, err
		}
		if cfg.Key == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "input node %s has no key", node.ID)
		}
		return &cfg, nil

	case schema.NodeKindOutput:
		var cfg schema.OutputNodeConfig
		if err := unmarshalConfig(node, &cfg); err != nil {
			return nil, err
		}
		if cfg.Key == "" {
			cfg.Key = node.ID
		}
		return &cfg, nil

	case schema.NodeKindTransform:
		var cfg schema.TransformNodeConfig
		if err := unmarshalConfig(node, &cfg); err != nil {
			return nil, err
		}
		if cfg.Transform == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "transform node %s has no transform name", node.ID)
		}
		return &cfg, nil

	case schema.NodeKindConditional:
		var cfg schema.ConditionalNodeConfig
		if err := unmarshalConfig(node, &cfg); err != nil {
			return nil, err
		}
		if cfg.Expression == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "conditional node %s has no expression", node.ID)
		}
		return &cfg, nil

	case schema.NodeKindLoop:
		var cfg schema.LoopNodeConfig
		if err := unmarshalConfig(node, &cfg); err != nil {
			return nil, err
		}
		if cfg.MaxIterations <= 0 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "loop node %s must have max_iterations > 0", node.ID)
		}
		if len(cfg.Body) == 0 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "loop node %s has empty body", node.ID)
		}
		return &cfg, nil
	}

	return nil, schema.NewErrorf(schema.ErrCodeValidation, "node %s has unknown kind: %s", node.ID, node.Kind)
}

func unmarshalConfig(node *schema.Node, out any) error {
	if len(node.Config) == 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s node %s has no config", node.Kind, node.ID)
	}
	if err := json.Unmarshal(node.Config, out); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s node %s has invalid config: %v", node.Kind, node.ID, err)
	}
	return nil
}

// sortByOrder sorts node IDs in-place by declaration index using
// insertion sort. Slices here are small.
func (g *Graph) sortByOrder(ids []string) {
	for i := 1; i < len(ids); i++ {
		key := ids[i]
		j := i - 1
		for j >= 0 && g.Order[ids[j]] > g.Order[key] {
			ids[j+1] = ids[j]
			j--
		}
		ids[j+1] = key
	}
}
