package graph

import (
	"fmt"

	"github.com/loomworks/loom/pkg/schema"
)

// validateSemantic performs semantic analysis on the workflow: duplicate
// IDs, edge endpoint references, branch ports, kind-specific configs, and
// recursive loop-body validation.
func validateSemantic(wf *schema.Workflow, transforms TransformLookup, agents AgentLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodeIDs := make(map[string]*schema.Node, len(wf.Nodes))
	for i := range wf.Nodes {
		node := &wf.Nodes[i]
		if _, exists := nodeIDs[node.ID]; exists {
			result.AddNodeError(node.ID, schema.ErrCodeValidation,
				fmt.Sprintf("duplicate node ID %q", node.ID))
			continue
		}
		nodeIDs[node.ID] = node
	}

	validateEdges(wf.Edges, nodeIDs, result)

	for i := range wf.Nodes {
		validateNodeSemantic(&wf.Nodes[i], wf.Edges, transforms, agents, result)
	}

	if len(nodesOfKind(wf.Nodes, schema.NodeKindOutput)) == 0 {
		result.AddWarning("nodes", schema.ErrCodeValidation,
			"workflow has no output nodes; the run can never complete successfully")
	}

	return result
}

func validateEdges(edges []schema.Edge, nodeIDs map[string]*schema.Node, result *schema.ValidationResult) {
	seen := make(map[string]bool, len(edges))
	for i := range edges {
		edge := &edges[i]
		id := edge.ID
		if id == "" {
			id = fmt.Sprintf("%s->%s", edge.Source, edge.Target)
		}
		if seen[id] {
			result.AddEdgeError(id, schema.ErrCodeValidation,
				fmt.Sprintf("duplicate edge ID %q", id))
		}
		seen[id] = true

		source, sourceOK := nodeIDs[edge.Source]
		if !sourceOK {
			result.AddEdgeError(id, schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent source node %q", edge.Source))
		}
		if _, ok := nodeIDs[edge.Target]; !ok {
			result.AddEdgeError(id, schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent target node %q", edge.Target))
		}
		if edge.Source == edge.Target {
			result.AddEdgeError(id, schema.ErrCodeCycleDetected,
				fmt.Sprintf("connects node %q to itself", edge.Source))
		}

		// Branch ports are only meaningful on data edges out of conditionals.
		if edge.SourcePort != "" {
			if sourceOK && source.Kind != schema.NodeKindConditional {
				result.AddEdgeError(id, schema.ErrCodeValidation,
					fmt.Sprintf("source_port %q set, but source %q is not a conditional node", edge.SourcePort, edge.Source))
			}
			if edge.Type == schema.EdgeTypeContext {
				result.AddEdgeError(id, schema.ErrCodeValidation,
					"source_port has no meaning on context edges")
			}
		}
	}
}

func validateNodeSemantic(node *schema.Node, edges []schema.Edge, transforms TransformLookup, agents AgentLookup, result *schema.ValidationResult) {
	cfg, err := decodeNodeConfig(node)
	if err != nil {
		result.AddNodeError(node.ID, schema.ErrCodeValidation, schema.AsEngineError(err, schema.ErrCodeValidation).Message)
		return
	}

	switch node.Kind {
	case schema.NodeKindTransform:
		tc := cfg.(*schema.TransformNodeConfig)
		if transforms != nil && !transforms.Has(tc.Transform) {
			result.AddNodeError(node.ID, schema.ErrCodeValidation,
				fmt.Sprintf("transform %q not registered", tc.Transform))
		}

	case schema.NodeKindAgent:
		ac := cfg.(*schema.AgentNodeConfig)
		if agents != nil && !agents.Has(ac.AgentID) {
			result.AddNodeError(node.ID, schema.ErrCodeValidation,
				fmt.Sprintf("agent %q not found in directory", ac.AgentID))
		}
		if ac.Retry != nil && ac.Retry.MaxAttempts > 10 {
			result.AddNodeWarning(node.ID, schema.ErrCodeValidation,
				fmt.Sprintf("high retry count (%d) may cause excessive delays", ac.Retry.MaxAttempts))
		}

	case schema.NodeKindConditional:
		validateConditionalBranches(node, edges, result)

	case schema.NodeKindLoop:
		lc := cfg.(*schema.LoopNodeConfig)
		validateLoopBody(node, lc, transforms, agents, result)
	}
}

// validateConditionalBranches checks that a conditional routes both ways:
// every outgoing data edge labeled with a branch port, and both the "true"
// and "false" branches present. A one-armed conditional is rejected, not
// warned about, so a branch silently never taken cannot ship.
func validateConditionalBranches(node *schema.Node, edges []schema.Edge, result *schema.ValidationResult) {
	ports := make(map[string]bool, 2)
	outgoing := 0
	for i := range edges {
		edge := &edges[i]
		if edge.Source != node.ID {
			continue
		}
		if edge.Type != "" && edge.Type != schema.EdgeTypeData {
			continue
		}
		outgoing++
		if edge.SourcePort == "" {
			result.AddEdgeError(edge.ID, schema.ErrCodeValidation,
				fmt.Sprintf("data edge from conditional %q must set source_port to \"true\" or \"false\"", node.ID))
			continue
		}
		ports[edge.SourcePort] = true
	}

	if outgoing == 0 {
		result.AddNodeError(node.ID, schema.ErrCodeValidation,
			"conditional node has no outgoing data edges")
		return
	}
	for _, port := range []string{"true", "false"} {
		if !ports[port] {
			result.AddNodeError(node.ID, schema.ErrCodeValidation,
				fmt.Sprintf("conditional is missing its %q branch; both branches must have a data edge", port))
		}
	}
}

// validateLoopBody recursively validates the loop's body subgraph.
func validateLoopBody(node *schema.Node, cfg *schema.LoopNodeConfig, transforms TransformLookup, agents AgentLookup, result *schema.ValidationResult) {
	sub := &schema.ValidationResult{}

	bodyIDs := make(map[string]*schema.Node, len(cfg.Body))
	for i := range cfg.Body {
		body := &cfg.Body[i]
		if _, exists := bodyIDs[body.ID]; exists {
			sub.AddNodeError(node.ID, schema.ErrCodeValidation,
				fmt.Sprintf("loop body has duplicate node ID %q", body.ID))
			continue
		}
		bodyIDs[body.ID] = body
	}

	validateEdges(cfg.Edges, bodyIDs, sub)

	for i := range cfg.Body {
		validateNodeSemantic(&cfg.Body[i], cfg.Edges, transforms, agents, sub)
	}

	// The body must compile as its own acyclic graph.
	if sub.Valid() {
		if _, err := BuildSubgraph(cfg.Body, cfg.Edges); err != nil {
			sub.AddNodeError(node.ID, schema.ErrCodeValidation,
				fmt.Sprintf("loop body is not executable: %s", schema.AsEngineError(err, schema.ErrCodeValidation).Message))
		}
	}

	result.Merge(sub)

	if cfg.Condition == "" && cfg.Collect == "" {
		result.AddNodeWarning(node.ID, schema.ErrCodeValidation,
			"loop has neither a termination condition nor a collect key; it will run exactly max_iterations times and discard results")
	}
}

func nodesOfKind(nodes []schema.Node, kind schema.NodeKind) []string {
	var ids []string
	for i := range nodes {
		if nodes[i].Kind == kind {
			ids = append(ids, nodes[i].ID)
		}
	}
	return ids
}
