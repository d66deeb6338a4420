package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/loomworks/loom/pkg/schema"
)

type dfsColor int

const (
	colorWhite dfsColor = iota // unvisited
	colorGray                  // on the current DFS stack
	colorBlack                 // fully explored
)

// validateTopology performs graph analysis on the workflow: cycle
// detection (DFS coloring, reporting the nodes on the cycle) and routing
// checks (outputs fed, values able to reach an output).
func validateTopology(wf *schema.Workflow) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	forward := make(map[string][]string, len(wf.Nodes))
	dataIn := make(map[string]int, len(wf.Nodes))
	for i := range wf.Edges {
		edge := &wf.Edges[i]
		forward[edge.Source] = append(forward[edge.Source], edge.Target)
		if edge.Type == "" || edge.Type == schema.EdgeTypeData {
			dataIn[edge.Target]++
		}
	}

	if cycle := findCycle(wf.Nodes, forward); len(cycle) > 0 {
		result.AddError("edges", schema.ErrCodeCycleDetected,
			fmt.Sprintf("workflow contains a cycle: %s", strings.Join(cycle, " -> ")))
		return result // routing analysis is meaningless on a cyclic graph
	}

	// Every output node needs at least one inbound data edge to have a
	// value to record.
	for i := range wf.Nodes {
		node := &wf.Nodes[i]
		if node.Kind == schema.NodeKindOutput && dataIn[node.ID] == 0 {
			result.AddNodeError(node.ID, schema.ErrCodeValidation,
				"output node has no inbound data edge")
		}
	}

	// Nodes whose value can never reach an output are dead ends: legal,
	// but almost always a wiring mistake.
	reverse := make(map[string][]string, len(wf.Nodes))
	for i := range wf.Edges {
		reverse[wf.Edges[i].Target] = append(reverse[wf.Edges[i].Target], wf.Edges[i].Source)
	}
	reachesOutput := make(map[string]bool, len(wf.Nodes))
	for i := range wf.Nodes {
		if wf.Nodes[i].Kind == schema.NodeKindOutput {
			markReaching(wf.Nodes[i].ID, reverse, reachesOutput)
		}
	}
	for i := range wf.Nodes {
		node := &wf.Nodes[i]
		if node.Kind == schema.NodeKindOutput {
			continue
		}
		if !reachesOutput[node.ID] {
			result.AddNodeWarning(node.ID, schema.ErrCodeValidation,
				fmt.Sprintf("node %q has no path to any output node", node.ID))
		}
	}

	return result
}

// findCycle runs DFS with three-color marking over the forward adjacency.
// Returns the node IDs on the first cycle found, closing the loop with a
// repeat of the entry node, or nil when the graph is acyclic. Start order
// is sorted for deterministic output.
func findCycle(nodes []schema.Node, forward map[string][]string) []string {
	colors := make(map[string]dfsColor, len(nodes))
	parent := make(map[string]string, len(nodes))

	starts := make([]string, 0, len(nodes))
	for i := range nodes {
		starts = append(starts, nodes[i].ID)
	}
	sort.Strings(starts)

	var cycle []string
	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = colorGray
		next := append([]string(nil), forward[id]...)
		sort.Strings(next)
		for _, target := range next {
			switch colors[target] {
			case colorWhite:
				parent[target] = id
				if visit(target) {
					return true
				}
			case colorGray:
				// Back edge: walk parents from id back to target.
				for at := id; ; at = parent[at] {
					cycle = append(cycle, at)
					if at == target {
						break
					}
				}
				// Reverse into traversal order and close the loop.
				for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
					cycle[i], cycle[j] = cycle[j], cycle[i]
				}
				cycle = append(cycle, target)
				return true
			}
		}
		colors[id] = colorBlack
		return false
	}

	for _, id := range starts {
		if colors[id] == colorWhite {
			if visit(id) {
				return cycle
			}
		}
	}
	return nil
}

// markReaching walks reverse edges from an output node, marking every
// upstream node as able to reach an output.
func markReaching(outputID string, reverse map[string][]string, reaches map[string]bool) {
	queue := []string{outputID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, src := range reverse[id] {
			if !reaches[src] {
				reaches[src] = true
				queue = append(queue, src)
			}
		}
	}
}
