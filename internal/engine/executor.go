package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/expressions"
	"github.com/loomworks/loom/internal/graph"
	"github.com/loomworks/loom/internal/invoker"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/transforms"
	"github.com/loomworks/loom/pkg/schema"
)

// DefaultPoolSize is the executor's default max node concurrency.
const DefaultPoolSize = 10

// EventLogger is the event log surface the executor needs.
type EventLogger interface {
	EventAppender
	GetEvents(ctx context.Context, runID string, since int64) ([]*store.Event, error)
}

// Config wires the executor's collaborators.
type Config struct {
	Store      store.Store
	Events     EventLogger
	Transforms *transforms.Registry
	Agents     graph.AgentLookup    // agent directory, consulted at validation time
	Invoker    invoker.AgentInvoker // agent backend, consulted at execution time
	CEL        *expressions.CELEngine
	PoolSize   int
	RunTimeout time.Duration // optional wall-clock limit per run; 0 means none
	Logger     *slog.Logger
}

// RunRequest is a workflow submission. The workflow definition travels
// inline and is snapshotted onto the run record.
type RunRequest struct {
	Workflow    *schema.Workflow
	Inputs      map[string]any
	TriggeredBy string // api | mcp | schedule
}

// RunResult summarizes a finished run.
type RunResult struct {
	RunID       string              `json:"run_id"`
	Status      schema.RunStatus    `json:"status"`
	Outputs     map[string]any      `json:"outputs,omitempty"`
	Context     map[string]any      `json:"context,omitempty"`
	Usage       schema.Usage        `json:"usage"`
	Error       *schema.EngineError `json:"error,omitempty"`
	StartedAt   time.Time           `json:"started_at"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
}

// RunStatusView is a point-in-time snapshot of a run: the record, the
// per-node results, and the event log.
type RunStatusView struct {
	Run    *store.RunRecord    `json:"run"`
	Nodes  []*store.NodeResult `json:"nodes"`
	Events []*store.Event      `json:"events,omitempty"`
}

// Executor schedules workflow runs.
type Executor interface {
	// Submit validates the workflow, records the run and launches it in the
	// background. Returns the run ID immediately.
	Submit(ctx context.Context, req RunRequest) (string, error)

	// Run executes a workflow synchronously and returns the final result.
	Run(ctx context.Context, req RunRequest) (*RunResult, error)

	// Cancel stops a pending or running run. In-flight nodes are interrupted;
	// undispatched nodes stay pending.
	Cancel(ctx context.Context, runID, reason string) error

	// Status returns the current run snapshot.
	Status(ctx context.Context, runID string) (*RunStatusView, error)

	// Shutdown stops accepting work and waits for in-flight nodes.
	Shutdown()
}

type executorImpl struct {
	store     store.Store
	events    EventLogger
	registry  *transforms.Registry
	invoker   invoker.AgentInvoker
	validator *graph.Validator
	cel       *expressions.CELEngine
	interp    *expressions.Interpolator
	runFSM    *RunFSM
	nodeFSM   *NodeFSM
	pool      *WorkerPool
	timeout   time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	running map[string]*activeRun
}

// activeRun is the in-memory state of one executing run.
type activeRun struct {
	record *store.RunRecord
	g      *graph.Graph
	scope  *expressions.ScopeBuilder
	cancel context.CancelFunc

	mu        sync.Mutex
	states    map[string]*nodeState
	bag       map[string]any
	usage     schema.Usage
	cancelled bool
	firstErr  *schema.EngineError
}

// nodeState tracks one node's progress through a run.
type nodeState struct {
	status      schema.NodeStatus
	outcome     *NodeOutcome
	err         *schema.EngineError
	input       any
	attempts    int
	startedAt   *time.Time
	completedAt *time.Time
}

// nodeDone is the worker-to-scheduler completion message.
type nodeDone struct {
	nodeID      string
	outcome     *NodeOutcome
	err         error
	input       any
	attempts    int
	startedAt   time.Time
	completedAt time.Time
}

// New creates an Executor from the given configuration.
func New(cfg Config) (Executor, error) {
	if cfg.Store == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "executor requires a store")
	}
	if cfg.Events == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "executor requires an event logger")
	}
	if cfg.Transforms == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "executor requires a transform registry")
	}
	if cfg.Invoker == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "executor requires an agent invoker")
	}
	if cfg.Agents == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "executor requires an agent directory")
	}

	cel := cfg.CEL
	if cel == nil {
		var err error
		cel, err = expressions.NewCELEngine()
		if err != nil {
			return nil, err
		}
	}

	validator, err := graph.NewValidator(cfg.Transforms, cfg.Agents)
	if err != nil {
		return nil, err
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &executorImpl{
		store:     cfg.Store,
		events:    cfg.Events,
		registry:  cfg.Transforms,
		invoker:   cfg.Invoker,
		validator: validator,
		cel:       cel,
		interp:    expressions.NewInterpolator(),
		runFSM:    NewRunFSM(cfg.Events),
		nodeFSM:   NewNodeFSM(cfg.Events),
		pool:      NewWorkerPool(poolSize),
		timeout:   cfg.RunTimeout,
		logger:    logger,
		running:   make(map[string]*activeRun),
	}, nil
}

// Submit validates, records and launches a run in the background.
func (e *executorImpl) Submit(ctx context.Context, req RunRequest) (string, error) {
	run, err := e.prepare(ctx, req)
	if err != nil {
		return "", err
	}

	go e.execute(context.Background(), run)
	return run.record.ID, nil
}

// Run executes a workflow synchronously.
func (e *executorImpl) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	run, err := e.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	return e.execute(ctx, run), nil
}

// prepare validates the workflow, snapshots it onto a new run record and
// initializes every node result as pending.
func (e *executorImpl) prepare(ctx context.Context, req RunRequest) (*activeRun, error) {
	if req.Workflow == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "run request has no workflow")
	}

	if err := e.validator.Validate(req.Workflow).ToError(); err != nil {
		return nil, schema.AsEngineError(err, schema.ErrCodeValidation)
	}

	g, err := graph.Build(req.Workflow)
	if err != nil {
		return nil, err
	}

	if len(req.Workflow.Inputs) > 0 {
		schemaJSON, merr := json.Marshal(req.Workflow.Inputs)
		if merr == nil {
			if err := e.validator.ValidateInput(req.Inputs, schemaJSON); err != nil {
				return nil, err
			}
		}
	}

	now := time.Now().UTC()
	record := &store.RunRecord{
		ID:           uuid.NewString(),
		WorkflowID:   req.Workflow.ID,
		WorkflowName: req.Workflow.Name,
		Definition:   *req.Workflow,
		Status:       schema.RunStatusPending,
		Inputs:       req.Inputs,
		TriggeredBy:  req.TriggeredBy,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.store.CreateRun(ctx, record); err != nil {
		return nil, err
	}

	states := make(map[string]*nodeState, len(g.Nodes))
	for id, node := range g.Nodes {
		states[id] = &nodeState{status: schema.NodeStatusPending}
		if err := e.store.UpsertNodeResult(ctx, &store.NodeResult{
			RunID:  record.ID,
			NodeID: id,
			Kind:   node.Kind,
			Status: schema.NodeStatusPending,
		}); err != nil {
			return nil, err
		}
	}

	runMeta := map[string]any{
		"id":            record.ID,
		"workflow_id":   record.WorkflowID,
		"workflow_name": record.WorkflowName,
	}

	return &activeRun{
		record: record,
		g:      g,
		scope:  expressions.NewScopeBuilder(req.Inputs, runMeta),
		states: states,
		bag:    map[string]any{},
	}, nil
}

// execute drives a prepared run to a terminal state.
func (e *executorImpl) execute(ctx context.Context, run *activeRun) *RunResult {
	runID := run.record.ID
	log := e.logger.With("run_id", runID, "workflow_id", run.record.WorkflowID)

	startedAt := time.Now().UTC()
	if err := e.runFSM.Transition(ctx, runID, schema.RunStatusPending, schema.RunStatusRunning); err != nil {
		log.Error("run start transition failed", "error", err)
		return e.failRun(ctx, run, startedAt, schema.AsEngineError(err, schema.ErrCodeStore))
	}
	runningStatus := schema.RunStatusRunning
	if err := e.store.UpdateRun(ctx, runID, store.RunUpdate{
		Status:    &runningStatus,
		StartedAt: &startedAt,
	}); err != nil {
		log.Error("persist run start failed", "error", err)
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if e.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, e.timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	run.cancel = cancel

	e.mu.Lock()
	e.running[runID] = run
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, runID)
		e.mu.Unlock()
	}()

	log.Info("run started", "nodes", len(run.g.Nodes))
	e.executeGraph(ctx, runCtx, run)
	return e.finalize(ctx, run, startedAt, runCtx.Err())
}

// executeGraph walks the dependency graph with a ready-set scheduler.
// A node settles once all of its upstream nodes are terminal: it is
// dispatched if any inbound edge is live, skipped otherwise. Independent
// branches run concurrently through the worker pool.
//
// runCtx interrupts node execution on cancel or timeout; ctx outlives it,
// so a node that finishes after cancellation still records its terminal
// state in the store.
func (e *executorImpl) executeGraph(ctx, runCtx context.Context, run *activeRun) {
	remaining := make(map[string]int, len(run.g.Nodes))
	for id := range run.g.Nodes {
		remaining[id] = len(run.g.Deps[id])
	}

	done := make(chan nodeDone, len(run.g.Nodes))
	inFlight := 0

	var settle func(id string)
	settle = func(id string) {
		if runCtx.Err() != nil {
			return // cancellation leaves undispatched nodes pending
		}

		run.mu.Lock()
		live := nodeLive(run.g, id, run.states)
		run.mu.Unlock()

		if !live {
			e.markSkipped(ctx, run, id)
			for _, dep := range run.g.Dependents[id] {
				remaining[dep]--
				if remaining[dep] == 0 {
					settle(dep)
				}
			}
			return
		}

		if e.dispatch(ctx, runCtx, run, id, done) {
			inFlight++
		}
	}

	for _, id := range run.g.Roots {
		settle(id)
	}

	for inFlight > 0 {
		d := <-done
		inFlight--
		e.handleCompletion(ctx, run, d)
		for _, dep := range run.g.Dependents[d.nodeID] {
			remaining[dep]--
			if remaining[dep] == 0 {
				settle(dep)
			}
		}
	}
}

// dispatch transitions a node to ready and hands it to the worker pool.
// Reports whether the node was actually submitted.
func (e *executorImpl) dispatch(ctx, runCtx context.Context, run *activeRun, nodeID string, done chan<- nodeDone) bool {
	runID := run.record.ID

	if err := e.nodeFSM.Transition(ctx, runID, nodeID, schema.NodeStatusPending, schema.NodeStatusReady); err != nil {
		e.logger.Error("node ready transition failed", "run_id", runID, "node_id", nodeID, "error", err)
		return false
	}
	run.mu.Lock()
	run.states[nodeID].status = schema.NodeStatusReady
	input := resolveNodeInput(run.g, nodeID, run.states)
	run.states[nodeID].input = input
	run.mu.Unlock()
	e.persistNode(ctx, run, nodeID)

	err := e.pool.Submit(runCtx, func(nodeCtx context.Context) (workErr error) {
		d := nodeDone{nodeID: nodeID, input: input, attempts: 1, startedAt: time.Now().UTC()}

		// The completion message must reach the scheduler exactly once, even
		// when the executor panics, or executeGraph blocks forever.
		defer func() {
			if r := recover(); r != nil {
				d.outcome = nil
				d.err = schema.NewErrorf(schema.ErrCodeFatal, "node panicked: %v", r).WithNode(nodeID)
				workErr = d.err
			}
			d.completedAt = time.Now().UTC()
			done <- d
		}()

		if err := e.nodeFSM.Transition(ctx, runID, nodeID, schema.NodeStatusReady, schema.NodeStatusRunning); err != nil {
			d.err = err
			return err
		}
		run.mu.Lock()
		run.states[nodeID].status = schema.NodeStatusRunning
		run.states[nodeID].startedAt = &d.startedAt
		run.states[nodeID].attempts = 1
		run.mu.Unlock()
		e.persistNode(ctx, run, nodeID)

		d.outcome, d.attempts, d.err = e.executeNode(nodeCtx, run, nodeID, input)
		return d.err
	})
	if err != nil {
		// Pool rejected: shutdown or cancellation. The node stays where it is.
		e.logger.Warn("node dispatch rejected", "run_id", runID, "node_id", nodeID, "error", err)
		return false
	}
	return true
}

// handleCompletion settles a finished node: terminal transition, scope and
// context updates, persistence.
func (e *executorImpl) handleCompletion(ctx context.Context, run *activeRun, d nodeDone) {
	runID := run.record.ID

	run.mu.Lock()
	st := run.states[d.nodeID]
	st.attempts = d.attempts
	st.startedAt = &d.startedAt
	st.completedAt = &d.completedAt
	run.mu.Unlock()

	if d.err != nil {
		engErr := schema.AsEngineError(d.err, schema.ErrCodeNodeFailed)
		if engErr.NodeID == "" {
			engErr = engErr.WithNode(d.nodeID)
		}

		payload, _ := json.Marshal(engErr)
		if err := e.nodeFSM.TransitionWithPayload(ctx, runID, d.nodeID, schema.NodeStatusRunning, schema.NodeStatusFailed, payload); err != nil {
			e.logger.Error("node fail transition failed", "run_id", runID, "node_id", d.nodeID, "error", err)
		}

		run.mu.Lock()
		st.status = schema.NodeStatusFailed
		st.err = engErr
		if run.firstErr == nil {
			run.firstErr = engErr
		}
		run.mu.Unlock()
		e.persistNode(ctx, run, d.nodeID)

		e.logger.Warn("node failed", "run_id", runID, "node_id", d.nodeID, "code", engErr.Code, "error", engErr.Message)
		return
	}

	payload, _ := json.Marshal(d.outcome.Value)
	if err := e.nodeFSM.TransitionWithPayload(ctx, runID, d.nodeID, schema.NodeStatusRunning, schema.NodeStatusCompleted, payload); err != nil {
		e.logger.Error("node complete transition failed", "run_id", runID, "node_id", d.nodeID, "error", err)
	}

	run.mu.Lock()
	st.status = schema.NodeStatusCompleted
	st.outcome = d.outcome
	run.usage.Add(d.outcome.Usage)
	run.mu.Unlock()

	if err := run.scope.AddNodeOutput(d.nodeID, d.outcome.Value); err != nil {
		e.logger.Error("register node output failed", "run_id", runID, "node_id", d.nodeID, "error", err)
	}
	e.propagateContext(ctx, run, d.nodeID, d.outcome)
	e.persistNode(ctx, run, d.nodeID)
}

// propagateContext merges a completed node's output into the shared
// context bag when the node has live outbound context edges.
func (e *executorImpl) propagateContext(ctx context.Context, run *activeRun, nodeID string, outcome *NodeOutcome) {
	run.mu.Lock()
	source := run.states[nodeID]
	var live bool
	for _, edge := range run.g.ContextOut[nodeID] {
		if edgeLive(edge, source) {
			live = true
			break
		}
	}
	run.mu.Unlock()
	if !live {
		return
	}

	run.mu.Lock()
	merged, err := mergeContextBag(run.bag, nodeID, outcome.Value)
	if err == nil {
		run.bag = merged
	}
	run.mu.Unlock()
	if err != nil {
		e.logger.Error("context propagation failed", "run_id", run.record.ID, "node_id", nodeID, "error", err)
		return
	}

	run.scope.SetContextBag(merged)

	payload, _ := json.Marshal(map[string]any{"keys": len(merged)})
	_ = e.events.AppendEvent(ctx, &store.Event{
		RunID:   run.record.ID,
		NodeID:  nodeID,
		Type:    schema.EventContextPropagated,
		Payload: payload,
	})
}

// markSkipped settles a node whose every inbound path is dead.
func (e *executorImpl) markSkipped(ctx context.Context, run *activeRun, nodeID string) {
	runID := run.record.ID
	if err := e.nodeFSM.Transition(ctx, runID, nodeID, schema.NodeStatusPending, schema.NodeStatusSkipped); err != nil {
		e.logger.Error("node skip transition failed", "run_id", runID, "node_id", nodeID, "error", err)
	}
	run.mu.Lock()
	run.states[nodeID].status = schema.NodeStatusSkipped
	run.mu.Unlock()
	e.persistNode(ctx, run, nodeID)
}

// finalize computes the terminal run status and persists the record.
// A run completes when at least one output node completed, regardless of
// failures on other branches.
func (e *executorImpl) finalize(ctx context.Context, run *activeRun, startedAt time.Time, ctxErr error) *RunResult {
	runID := run.record.ID
	completedAt := time.Now().UTC()

	run.mu.Lock()
	cancelled := run.cancelled
	firstErr := run.firstErr
	usage := run.usage
	bag := run.bag
	run.mu.Unlock()

	outputs := e.collectOutputs(run)

	result := &RunResult{
		RunID:       runID,
		Outputs:     outputs,
		Context:     bag,
		Usage:       usage,
		StartedAt:   startedAt,
		CompletedAt: &completedAt,
	}

	var status schema.RunStatus
	var runErr *schema.EngineError

	switch {
	case cancelled:
		// Cancel already transitioned and persisted the record.
		result.Status = schema.RunStatusCancelled
		result.Error = schema.NewError(schema.ErrCodeCancelled, "run cancelled")
		return result
	case ctxErr == context.DeadlineExceeded:
		status = schema.RunStatusFailed
		runErr = schema.NewErrorf(schema.ErrCodeTimeout, "run timed out after %s", e.timeout)
	case ctxErr != nil:
		status = schema.RunStatusCancelled
		runErr = schema.NewError(schema.ErrCodeCancelled, "run cancelled")
	case len(outputs) > 0:
		status = schema.RunStatusCompleted
	case firstErr != nil:
		status = schema.RunStatusFailed
		runErr = firstErr
	default:
		status = schema.RunStatusFailed
		runErr = schema.NewError(schema.ErrCodeNodeFailed, "no output node completed")
	}

	var transitionPayload json.RawMessage
	if runErr != nil {
		transitionPayload, _ = json.Marshal(runErr)
	}
	if err := e.runFSM.TransitionWithPayload(ctx, runID, schema.RunStatusRunning, status, transitionPayload); err != nil {
		e.logger.Error("run final transition failed", "run_id", runID, "error", err)
	}

	update := store.RunUpdate{
		Status:      &status,
		Usage:       &usage,
		CompletedAt: &completedAt,
	}
	if len(outputs) > 0 {
		update.Outputs, _ = json.Marshal(outputs)
	}
	if len(bag) > 0 {
		update.Context, _ = json.Marshal(bag)
	}
	if runErr != nil {
		update.Error, _ = json.Marshal(runErr)
	}
	if err := e.store.UpdateRun(ctx, runID, update); err != nil {
		e.logger.Error("persist run end failed", "run_id", runID, "error", err)
	}

	result.Status = status
	result.Error = runErr
	e.logger.Info("run finished", "run_id", runID, "status", status, "outputs", len(outputs), "total_tokens", usage.TotalTokens)
	return result
}

// failRun records a run that could not start.
func (e *executorImpl) failRun(ctx context.Context, run *activeRun, startedAt time.Time, cause *schema.EngineError) *RunResult {
	status := schema.RunStatusFailed
	completedAt := time.Now().UTC()
	errJSON, _ := json.Marshal(cause)
	_ = e.store.UpdateRun(ctx, run.record.ID, store.RunUpdate{
		Status:      &status,
		Error:       errJSON,
		CompletedAt: &completedAt,
	})
	return &RunResult{
		RunID:       run.record.ID,
		Status:      status,
		Error:       cause,
		StartedAt:   startedAt,
		CompletedAt: &completedAt,
	}
}

// collectOutputs gathers the values of completed output nodes keyed by
// their configured output key.
func (e *executorImpl) collectOutputs(run *activeRun) map[string]any {
	outputs := make(map[string]any)
	run.mu.Lock()
	defer run.mu.Unlock()
	for _, id := range run.g.NodesOfKind(schema.NodeKindOutput) {
		st := run.states[id]
		if st.status != schema.NodeStatusCompleted || st.outcome == nil {
			continue
		}
		cfg := run.g.Configs[id].(*schema.OutputNodeConfig)
		outputs[cfg.Key] = st.outcome.Value
	}
	return outputs
}

// persistNode writes the node's current state to the store.
func (e *executorImpl) persistNode(ctx context.Context, run *activeRun, nodeID string) {
	run.mu.Lock()
	st := run.states[nodeID]
	result := &store.NodeResult{
		RunID:       run.record.ID,
		NodeID:      nodeID,
		Kind:        run.g.Nodes[nodeID].Kind,
		Status:      st.status,
		Attempts:    st.attempts,
		StartedAt:   st.startedAt,
		CompletedAt: st.completedAt,
	}
	if st.input != nil {
		result.Input, _ = json.Marshal(st.input)
	}
	if st.outcome != nil {
		result.Output, _ = json.Marshal(st.outcome.Value)
		result.Usage = st.outcome.Usage
	}
	if st.err != nil {
		result.Error, _ = json.Marshal(st.err)
	}
	if st.startedAt != nil && st.completedAt != nil {
		result.DurationMs = st.completedAt.Sub(*st.startedAt).Milliseconds()
	}
	run.mu.Unlock()

	if err := e.store.UpsertNodeResult(ctx, result); err != nil {
		e.logger.Error("persist node result failed", "run_id", run.record.ID, "node_id", nodeID, "error", err)
	}
}

// Cancel stops a pending or running run.
func (e *executorImpl) Cancel(ctx context.Context, runID, reason string) error {
	record, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if record.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %s is already %s", runID, record.Status)
	}

	if err := e.runFSM.Transition(ctx, runID, record.Status, schema.RunStatusCancelled); err != nil {
		return err
	}

	cancelledStatus := schema.RunStatusCancelled
	now := time.Now().UTC()
	errJSON, _ := json.Marshal(map[string]string{"reason": reason})
	if err := e.store.UpdateRun(ctx, runID, store.RunUpdate{
		Status:      &cancelledStatus,
		Error:       errJSON,
		CompletedAt: &now,
	}); err != nil {
		return err
	}

	e.mu.Lock()
	if run, ok := e.running[runID]; ok {
		run.mu.Lock()
		run.cancelled = true
		run.mu.Unlock()
		if run.cancel != nil {
			run.cancel()
		}
	}
	e.mu.Unlock()

	e.logger.Info("run cancelled", "run_id", runID, "reason", reason)
	return nil
}

// Status returns the current run snapshot.
func (e *executorImpl) Status(ctx context.Context, runID string) (*RunStatusView, error) {
	record, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	nodes, err := e.store.ListNodeResults(ctx, runID)
	if err != nil {
		return nil, err
	}
	events, err := e.events.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, err
	}
	return &RunStatusView{Run: record, Nodes: nodes, Events: events}, nil
}

// Shutdown stops the worker pool after in-flight nodes finish.
func (e *executorImpl) Shutdown() {
	e.pool.Shutdown()
}
