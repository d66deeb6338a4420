package engine

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/loomworks/loom/internal/invoker"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/transforms"
	"github.com/loomworks/loom/pkg/schema"
)

// NodeOutcome is what a successful node execution produces.
type NodeOutcome struct {
	// Value is the node's output, routed along outbound data edges.
	Value any

	// Branch is the port taken by a conditional node: "true" or "false".
	// Empty for every other kind.
	Branch string

	// Usage is token accounting for agent nodes.
	Usage schema.Usage
}

// executeNode runs a single node's kind-specific logic. It returns the
// outcome, the number of attempts made (relevant for agent nodes), and
// the execution error if any.
func (e *executorImpl) executeNode(ctx context.Context, run *activeRun, nodeID string, input any) (*NodeOutcome, int, error) {
	node := run.g.Nodes[nodeID]

	switch node.Kind {
	case schema.NodeKindInput:
		outcome, err := e.executeInput(run, nodeID)
		return outcome, 1, err

	case schema.NodeKindOutput:
		return &NodeOutcome{Value: input}, 1, nil

	case schema.NodeKindTransform:
		outcome, err := e.executeTransform(ctx, run, nodeID, input)
		return outcome, 1, err

	case schema.NodeKindConditional:
		outcome, err := e.executeConditional(ctx, run, nodeID, input)
		return outcome, 1, err

	case schema.NodeKindAgent:
		return e.executeAgent(ctx, run, nodeID)

	case schema.NodeKindLoop:
		outcome, err := e.executeLoop(ctx, run, nodeID, input)
		return outcome, 1, err
	}

	return nil, 1, schema.NewErrorf(schema.ErrCodeFatal, "node %s has unknown kind %s", nodeID, node.Kind).WithNode(nodeID)
}

// executeInput resolves the node's key against the run inputs, falling
// back to the configured default.
func (e *executorImpl) executeInput(run *activeRun, nodeID string) (*NodeOutcome, error) {
	cfg := run.g.Configs[nodeID].(*schema.InputNodeConfig)

	value, ok := run.record.Inputs[cfg.Key]
	if !ok {
		if cfg.Default != nil {
			return &NodeOutcome{Value: cfg.Default}, nil
		}
		if cfg.Required {
			return nil, schema.NewErrorf(schema.ErrCodeInput,
				"required input %q was not provided", cfg.Key).WithNode(nodeID)
		}
		return &NodeOutcome{}, nil
	}
	return &NodeOutcome{Value: value}, nil
}

// executeTransform applies the configured transform to the inbound value.
// Args are interpolated against the run scope before application.
func (e *executorImpl) executeTransform(ctx context.Context, run *activeRun, nodeID string, input any) (*NodeOutcome, error) {
	cfg := run.g.Configs[nodeID].(*schema.TransformNodeConfig)

	t, err := e.registry.Get(cfg.Transform)
	if err != nil {
		return nil, schema.AsEngineError(err, schema.ErrCodeFatal).WithNode(nodeID)
	}

	scope := run.scope.Build()

	args := map[string]any{}
	if len(cfg.Args) > 0 {
		raw := cfg.Args
		resolved, rerr := e.interp.Resolve(raw, scope)
		if rerr != nil {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"interpolate args for transform %q: %s", cfg.Transform, rerr.Error()).
				WithNode(nodeID).WithCause(rerr)
		}
		if uerr := json.Unmarshal(resolved, &args); uerr != nil {
			return nil, schema.NewErrorf(schema.ErrCodeFatal,
				"transform %q args must be an object: %s", cfg.Transform, uerr.Error()).WithNode(nodeID)
		}
	}

	value, err := t.Apply(ctx, transforms.Input{Value: input, Args: args, Scope: scope})
	if err != nil {
		engErr := schema.AsEngineError(err, schema.ErrCodeFatal)
		if engErr.NodeID == "" {
			engErr = engErr.WithNode(nodeID)
		}
		return nil, engErr
	}
	return &NodeOutcome{Value: value}, nil
}

// executeConditional evaluates the CEL expression and records the branch.
// The inbound data value passes through unchanged so downstream nodes on
// the taken branch receive it.
func (e *executorImpl) executeConditional(ctx context.Context, run *activeRun, nodeID string, input any) (*NodeOutcome, error) {
	cfg := run.g.Configs[nodeID].(*schema.ConditionalNodeConfig)

	scope := run.scope.Build()
	result, err := e.cel.EvaluateBool(ctx, cfg.Expression, scope.Map())
	if err != nil {
		engErr := schema.AsEngineError(err, schema.ErrCodeFatal)
		if engErr.NodeID == "" {
			engErr = engErr.WithNode(nodeID)
		}
		return nil, engErr
	}

	branch := strconv.FormatBool(result)
	payload, _ := json.Marshal(map[string]any{
		"expression": cfg.Expression,
		"result":     branch,
	})
	_ = e.events.AppendEvent(ctx, &store.Event{
		RunID:   run.record.ID,
		NodeID:  nodeID,
		Type:    schema.EventBranchEvaluated,
		Payload: payload,
	})

	return &NodeOutcome{Value: input, Branch: branch}, nil
}

// executeAgent interpolates the prompt, invokes the agent backend and
// retries transient failures per the node's retry policy.
func (e *executorImpl) executeAgent(ctx context.Context, run *activeRun, nodeID string) (*NodeOutcome, int, error) {
	cfg := run.g.Configs[nodeID].(*schema.AgentNodeConfig)
	runID := run.record.ID

	scope := run.scope.Build()
	prompt, err := e.interp.Render(cfg.Prompt, scope)
	if err != nil {
		return nil, 1, schema.NewErrorf(schema.ErrCodeInterpolation,
			"interpolate prompt for agent %q: %s", cfg.AgentID, err.Error()).
			WithNode(nodeID).WithCause(err)
	}
	systemPrompt := cfg.SystemPrompt
	if systemPrompt != "" {
		systemPrompt, err = e.interp.Render(systemPrompt, scope)
		if err != nil {
			return nil, 1, schema.NewErrorf(schema.ErrCodeInterpolation,
				"interpolate system prompt for agent %q: %s", cfg.AgentID, err.Error()).
				WithNode(nodeID).WithCause(err)
		}
	}

	call := invoker.Invocation{
		AgentID:      cfg.AgentID,
		Prompt:       prompt,
		SystemPrompt: systemPrompt,
		Model:        cfg.Model,
		Temperature:  cfg.Temperature,
		MaxTokens:    cfg.MaxTokens,
	}
	policy := ResolveRetryPolicy(cfg.Retry)

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		attempts = attempt
		if attempt > 1 {
			// Attempts after the first re-announce the node start so the
			// event log counts them on replay.
			_ = e.events.AppendEvent(ctx, &store.Event{
				RunID:  runID,
				NodeID: nodeID,
				Type:   schema.EventNodeStarted,
			})
		}

		completion, invErr := e.invoker.Invoke(ctx, call)
		if invErr == nil {
			payload, _ := json.Marshal(map[string]any{
				"agent_id": cfg.AgentID,
				"model":    completion.Model,
				"usage":    completion.Usage,
				"attempts": attempt,
			})
			_ = e.events.AppendEvent(ctx, &store.Event{
				RunID:   runID,
				NodeID:  nodeID,
				Type:    schema.EventAgentInvoked,
				Payload: payload,
			})
			return &NodeOutcome{Value: completion.Text, Usage: completion.Usage}, attempt, nil
		}

		lastErr = invErr
		if !IsRetryableError(invErr) || attempt == policy.MaxAttempts {
			break
		}

		delay := ComputeBackoff(policy, attempt-1)
		payload, _ := json.Marshal(map[string]any{
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
			"error":    invErr.Error(),
		})
		_ = e.events.AppendEvent(ctx, &store.Event{
			RunID:   runID,
			NodeID:  nodeID,
			Type:    schema.EventNodeRetrying,
			Payload: payload,
		})
		e.logger.Warn("agent invocation retrying",
			"run_id", runID, "node_id", nodeID, "agent_id", cfg.AgentID,
			"attempt", attempt, "delay", delay.String())

		if werr := WaitForBackoff(ctx, delay); werr != nil {
			return nil, attempt, schema.NewError(schema.ErrCodeCancelled, "run cancelled during backoff").
				WithNode(nodeID).WithCause(werr)
		}
	}

	engErr := schema.AsEngineError(lastErr, schema.ErrCodeFatal)
	if engErr.Retryable() {
		return nil, attempts, schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"agent %q failed after %d attempts: %s", cfg.AgentID, attempts, engErr.Message).
			WithNode(nodeID).
			WithDetails(map[string]any{"attempts": attempts}).
			WithCause(lastErr)
	}
	if engErr.NodeID == "" {
		engErr = engErr.WithNode(nodeID)
	}
	return nil, attempts, engErr
}
