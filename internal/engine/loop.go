package engine

import (
	"context"
	"encoding/json"

	"github.com/loomworks/loom/internal/expressions"
	"github.com/loomworks/loom/internal/graph"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/schema"
)

// executeLoop runs a loop node: the body subgraph executes sequentially
// per iteration, bounded by max_iterations. The first iteration's item is
// the loop's inbound value; each later iteration receives the previous
// iteration's result. An optional CEL condition, checked after each
// iteration, terminates the loop early.
func (e *executorImpl) executeLoop(ctx context.Context, run *activeRun, nodeID string, input any) (*NodeOutcome, error) {
	cfg := run.g.Configs[nodeID].(*schema.LoopNodeConfig)
	runID := run.record.ID

	sub, err := graph.BuildSubgraph(cfg.Body, cfg.Edges)
	if err != nil {
		engErr := schema.AsEngineError(err, schema.ErrCodeValidation)
		return nil, schema.NewErrorf(engErr.Code, "loop node %s: %s", nodeID, engErr.Message).
			WithNode(nodeID).WithCause(err)
	}

	// Body events are namespaced under the loop node so they never collide
	// with outer nodes in the event log.
	bodyExec := e.withEventPrefix(nodeID)

	outer := run.scope.Build()
	item := input
	var collected []any
	var usage schema.Usage
	satisfied := cfg.Condition == ""

	iterations := 0
	for i := 0; i < cfg.MaxIterations; i++ {
		if ctx.Err() != nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "run cancelled during loop").
				WithNode(nodeID).WithCause(ctx.Err())
		}

		iterPayload, _ := json.Marshal(map[string]any{"iteration": i, "item": item})
		_ = e.events.AppendEvent(ctx, &store.Event{
			RunID:   runID,
			NodeID:  nodeID,
			Type:    schema.EventLoopIterStarted,
			Payload: iterPayload,
		})

		iterScope := iterationScope(outer, cfg.Collect, collected)
		bodyRun := &activeRun{
			record: run.record,
			g:      sub,
			scope:  iterScope.WithIterVars(item, i),
			states: make(map[string]*nodeState, len(sub.Nodes)),
			bag:    outer.Context,
		}

		result, iterUsage, err := bodyExec.runLoopBody(ctx, bodyRun)
		if err != nil {
			engErr := schema.AsEngineError(err, schema.ErrCodeNodeFailed)
			return nil, schema.NewErrorf(engErr.Code,
				"loop node %s iteration %d: %s", nodeID, i, engErr.Message).
				WithNode(nodeID).WithCause(err)
		}
		usage.Add(iterUsage)
		collected = append(collected, result)
		item = result
		iterations = i + 1

		_ = e.events.AppendEvent(ctx, &store.Event{
			RunID:   runID,
			NodeID:  nodeID,
			Type:    schema.EventLoopIterCompleted,
			Payload: iterPayload,
		})

		if cfg.Condition != "" {
			condScope := iterationScope(outer, cfg.Collect, collected).WithIterVars(result, i).Build()
			stop, cerr := e.cel.EvaluateBool(ctx, cfg.Condition, condScope.Map())
			if cerr != nil {
				engErr := schema.AsEngineError(cerr, schema.ErrCodeFatal)
				return nil, schema.NewErrorf(schema.ErrCodeFatal,
					"loop node %s condition: %s", nodeID, engErr.Message).
					WithNode(nodeID).WithCause(cerr)
			}
			if stop {
				satisfied = true
				break
			}
		}
	}

	if !satisfied {
		return nil, schema.NewErrorf(schema.ErrCodeFatal,
			"loop node %s exhausted %d iterations without satisfying its condition",
			nodeID, cfg.MaxIterations).
			WithNode(nodeID).
			WithDetails(map[string]any{"max_iterations": cfg.MaxIterations})
	}

	completePayload, _ := json.Marshal(map[string]any{"iterations": iterations})
	_ = e.events.AppendEvent(ctx, &store.Event{
		RunID:   runID,
		NodeID:  nodeID,
		Type:    schema.EventLoopCompleted,
		Payload: completePayload,
	})

	if cfg.Collect != "" {
		return &NodeOutcome{Value: collected, Usage: usage}, nil
	}
	return &NodeOutcome{Value: item, Usage: usage}, nil
}

// runLoopBody executes one iteration of the body subgraph sequentially in
// topological order, honoring edge liveness so conditionals inside the
// body skip their untaken branch. Returns the value of the last completed
// node and the iteration's aggregate token usage.
func (e *executorImpl) runLoopBody(ctx context.Context, bodyRun *activeRun) (any, schema.Usage, error) {
	var last any
	var usage schema.Usage

	for id := range bodyRun.g.Nodes {
		bodyRun.states[id] = &nodeState{status: schema.NodeStatusPending}
	}

	for _, id := range bodyRun.g.Sorted {
		if ctx.Err() != nil {
			return nil, usage, ctx.Err()
		}

		if !nodeLive(bodyRun.g, id, bodyRun.states) {
			bodyRun.states[id].status = schema.NodeStatusSkipped
			continue
		}

		input := resolveNodeInput(bodyRun.g, id, bodyRun.states)
		bodyRun.states[id].status = schema.NodeStatusRunning

		outcome, attempts, err := e.executeNode(ctx, bodyRun, id, input)
		if err != nil {
			bodyRun.states[id].status = schema.NodeStatusFailed
			return nil, usage, err
		}

		st := bodyRun.states[id]
		st.status = schema.NodeStatusCompleted
		st.outcome = outcome
		st.attempts = attempts
		usage.Add(outcome.Usage)

		if aerr := bodyRun.scope.AddNodeOutput(id, outcome.Value); aerr != nil {
			return nil, usage, aerr
		}
		last = outcome.Value
	}

	return last, usage, nil
}

// iterationScope rebuilds a scope builder from an outer scope snapshot so
// body node outputs never leak between iterations or into the outer run.
// The collected results so far are exposed through the context bag under
// the collect key.
func iterationScope(outer *expressions.Scope, collectKey string, collected []any) *expressions.ScopeBuilder {
	sb := expressions.NewScopeBuilder(outer.Inputs, outer.Run)
	for id, v := range outer.Nodes {
		_ = sb.AddNodeOutput(id, v)
	}

	bag := outer.Context
	if collectKey != "" {
		bag = make(map[string]any, len(outer.Context)+1)
		for k, v := range outer.Context {
			bag[k] = v
		}
		bag[collectKey] = collected
	}
	sb.SetContextBag(bag)
	return sb
}

// withEventPrefix derives an executor whose emitted events carry node IDs
// namespaced under the given prefix. Everything else is shared.
func (e *executorImpl) withEventPrefix(prefix string) *executorImpl {
	return &executorImpl{
		store:     e.store,
		events:    &prefixedEvents{inner: e.events, prefix: prefix},
		registry:  e.registry,
		invoker:   e.invoker,
		validator: e.validator,
		cel:       e.cel,
		interp:    e.interp,
		runFSM:    e.runFSM,
		nodeFSM:   e.nodeFSM,
		pool:      e.pool,
		logger:    e.logger,
	}
}

// prefixedEvents namespaces node IDs on appended events.
type prefixedEvents struct {
	inner  EventLogger
	prefix string
}

func (p *prefixedEvents) AppendEvent(ctx context.Context, event *store.Event) error {
	if event.NodeID != "" {
		event.NodeID = p.prefix + "." + event.NodeID
	}
	return p.inner.AppendEvent(ctx, event)
}

func (p *prefixedEvents) GetEvents(ctx context.Context, runID string, since int64) ([]*store.Event, error) {
	return p.inner.GetEvents(ctx, runID, since)
}
