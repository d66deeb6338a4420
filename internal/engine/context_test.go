package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/graph"
	"github.com/loomworks/loom/pkg/schema"
)

func TestTruthy(t *testing.T) {
	falsy := []any{nil, false, "", 0, int64(0), float64(0), uint64(0)}
	for _, v := range falsy {
		assert.False(t, Truthy(v), "expected %#v to be falsy", v)
	}

	truthy := []any{
		true, "x", "false", 1, -1, int64(2), 0.5,
		[]any{}, map[string]any{}, []any{0}, struct{}{},
	}
	for _, v := range truthy {
		assert.True(t, Truthy(v), "expected %#v to be truthy", v)
	}
}

func completedState(value any) *nodeState {
	return &nodeState{
		status:  schema.NodeStatusCompleted,
		outcome: &NodeOutcome{Value: value},
	}
}

func TestEdgeLive_SourceStatus(t *testing.T) {
	edge := &schema.Edge{Source: "a", Target: "b"}

	assert.True(t, edgeLive(edge, completedState("out")))
	assert.False(t, edgeLive(edge, nil))
	assert.False(t, edgeLive(edge, &nodeState{status: schema.NodeStatusSkipped}))
	assert.False(t, edgeLive(edge, &nodeState{status: schema.NodeStatusFailed}))
	assert.False(t, edgeLive(edge, &nodeState{status: schema.NodeStatusRunning}))
}

func TestEdgeLive_BranchPort(t *testing.T) {
	taken := &nodeState{
		status:  schema.NodeStatusCompleted,
		outcome: &NodeOutcome{Value: "v", Branch: "true"},
	}

	onTrue := &schema.Edge{Source: "cond", Target: "b", SourcePort: "true"}
	onFalse := &schema.Edge{Source: "cond", Target: "c", SourcePort: "false"}
	unlabeled := &schema.Edge{Source: "cond", Target: "d"}

	assert.True(t, edgeLive(onTrue, taken))
	assert.False(t, edgeLive(onFalse, taken))
	assert.True(t, edgeLive(unlabeled, taken))
}

func TestEdgeLive_ControlEdgeTruthiness(t *testing.T) {
	edge := &schema.Edge{Source: "a", Target: "b", Type: schema.EdgeTypeControl}

	assert.True(t, edgeLive(edge, completedState("go")))
	assert.True(t, edgeLive(edge, completedState(true)))
	assert.False(t, edgeLive(edge, completedState(false)))
	assert.False(t, edgeLive(edge, completedState("")))
	assert.False(t, edgeLive(edge, completedState(float64(0))))
	assert.False(t, edgeLive(edge, completedState(nil)))

	// A data edge carrying the same falsy value stays live.
	data := &schema.Edge{Source: "a", Target: "b"}
	assert.True(t, edgeLive(data, completedState(false)))
}

func cfgJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

// diamondGraph builds: in -> cond -(true)-> left, cond -(false)-> right,
// left/right -> out.
func diamondGraph(t *testing.T) *graph.Graph {
	t.Helper()
	wf := &schema.Workflow{
		ID: "diamond",
		Nodes: []schema.Node{
			{ID: "in", Kind: schema.NodeKindInput, Config: cfgJSON(t, schema.InputNodeConfig{Key: "v"})},
			{ID: "cond", Kind: schema.NodeKindConditional, Config: cfgJSON(t, schema.ConditionalNodeConfig{Expression: "true"})},
			{ID: "left", Kind: schema.NodeKindTransform, Config: cfgJSON(t, schema.TransformNodeConfig{Transform: "identity"})},
			{ID: "right", Kind: schema.NodeKindTransform, Config: cfgJSON(t, schema.TransformNodeConfig{Transform: "identity"})},
			{ID: "out", Kind: schema.NodeKindOutput, Config: cfgJSON(t, schema.OutputNodeConfig{Key: "result"})},
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "in", Target: "cond"},
			{ID: "e2", Source: "cond", Target: "left", SourcePort: "true"},
			{ID: "e3", Source: "cond", Target: "right", SourcePort: "false"},
			{ID: "e4", Source: "left", Target: "out"},
			{ID: "e5", Source: "right", Target: "out"},
		},
	}
	g, err := graph.Build(wf)
	require.NoError(t, err)
	return g
}

func TestNodeLive_BranchSkipCascade(t *testing.T) {
	g := diamondGraph(t)

	states := map[string]*nodeState{
		"in": completedState("hello"),
		"cond": {
			status:  schema.NodeStatusCompleted,
			outcome: &NodeOutcome{Value: "hello", Branch: "true"},
		},
		"left":  {status: schema.NodeStatusPending},
		"right": {status: schema.NodeStatusPending},
		"out":   {status: schema.NodeStatusPending},
	}

	assert.True(t, nodeLive(g, "in", states), "roots are always live")
	assert.True(t, nodeLive(g, "left", states))
	assert.False(t, nodeLive(g, "right", states))

	// After the untaken branch is skipped, the join is still reachable
	// through the taken one.
	states["right"].status = schema.NodeStatusSkipped
	states["left"] = completedState("HELLO")
	assert.True(t, nodeLive(g, "out", states))

	// With both upstream paths dead the join dies too.
	states["left"] = &nodeState{status: schema.NodeStatusSkipped}
	assert.False(t, nodeLive(g, "out", states))
}

// gatedGraph builds: src -(data)-> work, gate -(control)-> work,
// work -> out. The gate value decides whether work runs at all.
func gatedGraph(t *testing.T) *graph.Graph {
	t.Helper()
	wf := &schema.Workflow{
		ID: "gated",
		Nodes: []schema.Node{
			{ID: "src", Kind: schema.NodeKindInput, Config: cfgJSON(t, schema.InputNodeConfig{Key: "v"})},
			{ID: "gate", Kind: schema.NodeKindInput, Config: cfgJSON(t, schema.InputNodeConfig{Key: "enabled"})},
			{ID: "work", Kind: schema.NodeKindTransform, Config: cfgJSON(t, schema.TransformNodeConfig{Transform: "identity"})},
			{ID: "out", Kind: schema.NodeKindOutput, Config: cfgJSON(t, schema.OutputNodeConfig{Key: "result"})},
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "src", Target: "work"},
			{ID: "e2", Source: "gate", Target: "work", Type: schema.EdgeTypeControl},
			{ID: "e3", Source: "work", Target: "out"},
		},
	}
	g, err := graph.Build(wf)
	require.NoError(t, err)
	return g
}

func TestNodeLive_FalsyControlGateWinsOverLiveData(t *testing.T) {
	g := gatedGraph(t)

	states := map[string]*nodeState{
		"src":  completedState("payload"),
		"gate": completedState(false),
		"work": {status: schema.NodeStatusPending},
		"out":  {status: schema.NodeStatusPending},
	}

	// The data edge is live, but gates are conjunctive: one falsy gate
	// skips the node regardless.
	assert.False(t, nodeLive(g, "work", states))

	states["gate"] = completedState(true)
	assert.True(t, nodeLive(g, "work", states))

	// A skipped gate source counts as an open gate.
	states["gate"] = &nodeState{status: schema.NodeStatusSkipped}
	assert.False(t, nodeLive(g, "work", states))
}

func TestNodeLive_ControlOnlyNode(t *testing.T) {
	wf := &schema.Workflow{
		ID: "control-only",
		Nodes: []schema.Node{
			{ID: "gate", Kind: schema.NodeKindInput, Config: cfgJSON(t, schema.InputNodeConfig{Key: "go"})},
			{ID: "fire", Kind: schema.NodeKindTransform, Config: cfgJSON(t, schema.TransformNodeConfig{Transform: "identity"})},
			{ID: "out", Kind: schema.NodeKindOutput, Config: cfgJSON(t, schema.OutputNodeConfig{Key: "r"})},
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "gate", Target: "fire", Type: schema.EdgeTypeControl},
			{ID: "e2", Source: "fire", Target: "out"},
		},
	}
	g, err := graph.Build(wf)
	require.NoError(t, err)

	states := map[string]*nodeState{
		"gate": completedState(true),
		"fire": {status: schema.NodeStatusPending},
		"out":  {status: schema.NodeStatusPending},
	}
	assert.True(t, nodeLive(g, "fire", states))

	states["gate"] = completedState(0)
	assert.False(t, nodeLive(g, "fire", states))
}

func TestResolveNodeInput(t *testing.T) {
	g := diamondGraph(t)

	states := map[string]*nodeState{
		"in": completedState("hello"),
		"cond": {
			status:  schema.NodeStatusCompleted,
			outcome: &NodeOutcome{Value: "hello", Branch: "true"},
		},
		"left":  completedState("LEFT"),
		"right": {status: schema.NodeStatusSkipped},
		"out":   {status: schema.NodeStatusPending},
	}

	// Single live unnamed edge passes the value through.
	assert.Equal(t, "hello", resolveNodeInput(g, "cond", states))

	// The join sees only the live branch, so the single-edge rule applies.
	assert.Equal(t, "LEFT", resolveNodeInput(g, "out", states))

	// Root with no inbound edges gets nil.
	assert.Nil(t, resolveNodeInput(g, "in", states))
}

func TestResolveNodeInput_MultipleEdgesKeyedByPort(t *testing.T) {
	wf := &schema.Workflow{
		ID: "fan-in",
		Nodes: []schema.Node{
			{ID: "a", Kind: schema.NodeKindInput, Config: cfgJSON(t, schema.InputNodeConfig{Key: "a"})},
			{ID: "b", Kind: schema.NodeKindInput, Config: cfgJSON(t, schema.InputNodeConfig{Key: "b"})},
			{ID: "merge", Kind: schema.NodeKindTransform, Config: cfgJSON(t, schema.TransformNodeConfig{Transform: "merge"})},
			{ID: "out", Kind: schema.NodeKindOutput, Config: cfgJSON(t, schema.OutputNodeConfig{Key: "result"})},
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "a", Target: "merge", TargetPort: "first"},
			{ID: "e2", Source: "b", Target: "merge"},
			{ID: "e3", Source: "merge", Target: "out"},
		},
	}
	g, err := graph.Build(wf)
	require.NoError(t, err)

	states := map[string]*nodeState{
		"a":     completedState(1),
		"b":     completedState(2),
		"merge": {status: schema.NodeStatusPending},
		"out":   {status: schema.NodeStatusPending},
	}

	// Named edges key by target port, unnamed ones by source node ID.
	assert.Equal(t, map[string]any{"first": 1, "b": 2}, resolveNodeInput(g, "merge", states))
}

func TestResolveNodeInput_SingleNamedEdgeStillMaps(t *testing.T) {
	wf := &schema.Workflow{
		ID: "named",
		Nodes: []schema.Node{
			{ID: "a", Kind: schema.NodeKindInput, Config: cfgJSON(t, schema.InputNodeConfig{Key: "a"})},
			{ID: "t", Kind: schema.NodeKindTransform, Config: cfgJSON(t, schema.TransformNodeConfig{Transform: "identity"})},
			{ID: "out", Kind: schema.NodeKindOutput, Config: cfgJSON(t, schema.OutputNodeConfig{Key: "r"})},
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "a", Target: "t", TargetPort: "value"},
			{ID: "e2", Source: "t", Target: "out"},
		},
	}
	g, err := graph.Build(wf)
	require.NoError(t, err)

	states := map[string]*nodeState{
		"a":   completedState("x"),
		"t":   {status: schema.NodeStatusPending},
		"out": {status: schema.NodeStatusPending},
	}

	assert.Equal(t, map[string]any{"value": "x"}, resolveNodeInput(g, "t", states))
}

func TestMergeContextBag_MapOutputDeepMerges(t *testing.T) {
	bag := map[string]any{
		"topic": "go",
		"meta":  map[string]any{"depth": 1, "lang": "en"},
	}

	merged, err := mergeContextBag(bag, "research", map[string]any{
		"topic": "workflows",
		"meta":  map[string]any{"depth": 2},
	})
	require.NoError(t, err)

	assert.Equal(t, "workflows", merged["topic"])
	meta, ok := merged["meta"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 2, meta["depth"])
	assert.Equal(t, "en", meta["lang"])

	// The input bag is never mutated.
	assert.Equal(t, "go", bag["topic"])
}

func TestMergeContextBag_NonMapLandsUnderNodeID(t *testing.T) {
	merged, err := mergeContextBag(map[string]any{"existing": true}, "summarize", "a short summary")
	require.NoError(t, err)

	assert.Equal(t, "a short summary", merged["summarize"])
	assert.Equal(t, true, merged["existing"])
}
