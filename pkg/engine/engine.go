package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/nexhub-ai/nexhub/pkg/graph"
	"github.com/nexhub-ai/nexhub/pkg/llm"
	"github.com/nexhub-ai/nexhub/pkg/skill"
	"github.com/nexhub-ai/nexhub/pkg/workflow"
)

// Config tunes the scheduler.
type Config struct {
	// MaxConcurrency bounds parallel node evaluations per execution.
	MaxConcurrency int64 `yaml:"max_concurrency"`
	// ReentryCap bounds control-edge re-entries per node.
	ReentryCap int `yaml:"reentry_cap"`
	// CheckpointEvery persists a checkpoint after this many node
	// completions. 1 checkpoints after every node.
	CheckpointEvery int `yaml:"checkpoint_every"`
	// StreamBuffer bounds the per-subscriber event queue.
	StreamBuffer int `yaml:"stream_buffer"`
	// CheckpointRetention is how long checkpoints of terminal executions
	// survive before GC.
	CheckpointRetention time.Duration `yaml:"checkpoint_retention"`
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 4
	}
	if c.ReentryCap <= 0 {
		c.ReentryCap = 32
	}
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = 1
	}
	if c.StreamBuffer <= 0 {
		c.StreamBuffer = defaultSubscriberBuffer
	}
	if c.CheckpointRetention <= 0 {
		c.CheckpointRetention = 24 * time.Hour
	}
}

// Engine executes workflow graphs.
type Engine struct {
	cfg         Config
	skills      skill.Registry
	invoker     *skill.Invoker
	llms        *llm.Registry
	execs       ExecutionStore
	checkpoints CheckpointStore
	hub         *StreamHub
	logger      *slog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineLogger overrides the default logger.
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// New creates an engine.
func New(cfg Config, skills skill.Registry, invoker *skill.Invoker, llms *llm.Registry,
	execs ExecutionStore, checkpoints CheckpointStore, opts ...EngineOption) *Engine {
	cfg.SetDefaults()
	e := &Engine{
		cfg:         cfg,
		skills:      skills,
		invoker:     invoker,
		llms:        llms,
		execs:       execs,
		checkpoints: checkpoints,
		hub:         NewStreamHub(cfg.StreamBuffer),
		logger:      slog.Default(),
		running:     make(map[string]context.CancelFunc),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Streams exposes the event hub for transports.
func (e *Engine) Streams() *StreamHub { return e.hub }

// Executions exposes the execution store for read paths.
func (e *Engine) Executions() ExecutionStore { return e.execs }

// Run starts executing the workflow's current graph with the given input
// envelope. The returned record is pending; evaluation proceeds in the
// background and the caller follows it through the event stream.
func (e *Engine) Run(ctx context.Context, wf *workflow.Workflow, userID string, input map[string]any) (*Execution, error) {
	plan, err := CompilePlan(&wf.Graph)
	if err != nil {
		return nil, err
	}

	exec := &Execution{
		ID:              uuid.NewString(),
		WorkflowID:      wf.ID,
		WorkflowVersion: wf.Version,
		UserID:          userID,
		Status:          StatusPending,
		InputEnvelope:   input,
		StartedAt:       time.Now().UTC(),
	}
	if err := e.execs.Create(ctx, exec); err != nil {
		return nil, err
	}
	e.hub.Open(exec.ID)
	e.start(exec, plan, nil)
	return cloneExecution(exec), nil
}

// Resume continues an interrupted execution from its latest checkpoint. The
// caller supplies the workflow so the right graph version is recompiled.
func (e *Engine) Resume(ctx context.Context, wf *workflow.Workflow, execID string) (*Execution, error) {
	exec, err := e.execs.Get(ctx, execID)
	if err != nil {
		return nil, err
	}
	if exec.Status.Terminal() {
		return nil, ErrAlreadyTerminal
	}
	e.mu.Lock()
	_, live := e.running[execID]
	e.mu.Unlock()
	if live {
		return nil, ErrNotResumable
	}

	g, err := wf.SnapshotAt(exec.WorkflowVersion)
	if err != nil {
		return nil, err
	}
	plan, err := CompilePlan(&g)
	if err != nil {
		return nil, err
	}
	cp, err := e.checkpoints.Latest(ctx, execID)
	if err != nil && err != ErrExecutionNotFound {
		return nil, err
	}

	e.hub.OpenAt(execID, exec.StepLog)
	e.start(exec, plan, cp)
	return exec, nil
}

// Cancel requests cooperative cancellation. Safe to call repeatedly; takes
// effect at the execution's next suspension point.
func (e *Engine) Cancel(ctx context.Context, execID string) error {
	e.mu.Lock()
	cancel, ok := e.running[execID]
	e.mu.Unlock()
	if ok {
		cancel()
		return nil
	}

	// Not running here: an orphaned record (process restart) may still be
	// non-terminal in the store.
	exec, err := e.execs.Get(ctx, execID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return ErrAlreadyTerminal
	}
	now := time.Now().UTC()
	exec.Status = StatusCancelled
	exec.FinishedAt = &now
	return e.execs.Update(ctx, exec)
}

// GC removes checkpoints of terminal executions older than the retention
// horizon.
func (e *Engine) GC(ctx context.Context) error {
	cutoff := time.Now().Add(-e.cfg.CheckpointRetention)
	ids, err := e.execs.ListTerminalBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := e.checkpoints.DeleteForExecution(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Wait blocks until all background runs finish. Used on shutdown and in
// tests.
func (e *Engine) Wait() { e.wg.Wait() }

func (e *Engine) start(exec *Execution, plan *Plan, cp *Checkpoint) {
	runCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.running[exec.ID] = cancel
	e.mu.Unlock()

	r := &run{
		engine: e,
		exec:   exec,
		plan:   plan,
		sem:    semaphore.NewWeighted(e.cfg.MaxConcurrency),
		cancel: cancel,
		logger: e.logger.With("execution_id", exec.ID, "workflow_id", exec.WorkflowID),
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		r.loop(runCtx, cp)
		e.mu.Lock()
		delete(e.running, exec.ID)
		e.mu.Unlock()
	}()
}

// edgeState tracks resolution of a value-carrying edge: unresolved, fired
// with a value, or void (its source succeeded on another path or was
// skipped).
type edgeState int

const (
	edgeUnresolved edgeState = iota
	edgeFired
	edgeVoid
)

type nodeResult struct {
	nodeID    string
	iteration int
	value     any
	usage     *TokenUsage
	err       *NodeError
}

// run is the per-execution scheduler state. Everything here is touched only
// by the orchestrator goroutine; workers communicate through the results
// channel and the hub.
type run struct {
	engine *Engine
	exec   *Execution
	plan   *Plan
	sem    *semaphore.Weighted
	cancel context.CancelFunc
	logger *slog.Logger

	edges      map[string]edgeState
	edgeValues map[string]any
	outputs    map[string]any
	iterations map[string]int
	dispatched map[string]bool
	inflight   map[string]bool
	reentry    map[string]bool
	recovered  map[string]bool
	finals     map[string]any

	results     chan nodeResult
	completions int
	checkpoints int
	usage       TokenUsage
	failure     *NodeError
	cancelling  bool

	// Token events are published from worker goroutines; the streaming
	// transition and status writes are guarded here.
	streamOnce sync.Once
	statusMu   sync.Mutex
}

func (r *run) loop(ctx context.Context, cp *Checkpoint) {
	r.edges = make(map[string]edgeState)
	r.edgeValues = make(map[string]any)
	r.outputs = make(map[string]any)
	r.iterations = make(map[string]int)
	r.dispatched = make(map[string]bool)
	r.inflight = make(map[string]bool)
	r.reentry = make(map[string]bool)
	r.recovered = make(map[string]bool)
	r.finals = make(map[string]any)
	r.results = make(chan nodeResult)

	r.setStatus(ctx, StatusRunning)

	if cp != nil {
		r.restore(cp)
		for _, id := range cp.Frontier {
			r.dispatch(ctx, id, false)
		}
		r.dispatchReady(ctx)
	} else {
		for _, id := range r.plan.Entries() {
			r.dispatch(ctx, id, false)
		}
	}

	for len(r.inflight) > 0 {
		select {
		case <-ctx.Done():
			if !r.cancelling {
				r.cancelling = true
			}
			// Workers observe the cancelled context; keep draining so the
			// terminal event outlives every in-flight emission.
			res := <-r.results
			r.handleResult(ctx, res)
		case res := <-r.results:
			r.handleResult(ctx, res)
		}
		if ctx.Err() != nil {
			r.cancelling = true
		}
	}
	r.finish(ctx)
}

// restore rebuilds resolution state from a checkpoint, without re-triggering
// control loops. Successful nodes fire their data edges and void their error
// edges; recovered nodes routed their failure value the other way around.
func (r *run) restore(cp *Checkpoint) {
	for id, v := range cp.NodeOutputs {
		r.outputs[id] = v
		r.dispatched[id] = true
	}
	for id, n := range cp.Iterations {
		r.iterations[id] = n
	}
	for id := range cp.Recovered {
		r.recovered[id] = true
	}
	for id, v := range cp.NodeOutputs {
		fired, void := r.plan.dataOut[id], r.plan.errorOut[id]
		if r.recovered[id] {
			fired, void = void, fired
		}
		for _, e := range fired {
			r.edges[e.ID] = edgeFired
			r.edgeValues[e.ID] = v
		}
		for _, e := range void {
			r.edges[e.ID] = edgeVoid
		}
		if node, ok := r.plan.Node(id); ok && node.Type == graph.NodeOutput {
			r.finals[node.Key()] = v
		}
	}
}

func (r *run) handleResult(ctx context.Context, res nodeResult) {
	delete(r.inflight, res.nodeID)
	if res.usage != nil {
		r.usage.PromptTokens += res.usage.PromptTokens
		r.usage.CompletionTokens += res.usage.CompletionTokens
		r.usage.TotalTokens += res.usage.TotalTokens
	}

	switch {
	case res.err != nil && res.err.Kind == FailCancelled:
		// Node interrupted by cancellation; the loop drains and finishes.
		r.emit(res.nodeID, EventCancelled, nil)
	case res.err != nil && r.plan.HasErrorPath(res.nodeID):
		r.emit(res.nodeID, EventFailed, res.err.Value())
		failValue := map[string]any{"error": res.err.Value()}
		r.outputs[res.nodeID] = failValue
		r.recovered[res.nodeID] = true
		for _, e := range r.plan.errorOut[res.nodeID] {
			r.edges[e.ID] = edgeFired
			r.edgeValues[e.ID] = failValue
			if res.iteration > 1 && r.dispatched[e.Target] {
				r.dispatch(ctx, e.Target, true)
			}
		}
		for _, e := range r.plan.dataOut[res.nodeID] {
			r.edges[e.ID] = edgeVoid
		}
	case res.err != nil:
		r.emit(res.nodeID, EventFailed, res.err.Value())
		r.fail(res.err)
	default:
		r.emit(res.nodeID, EventCompleted, res.value)
		r.outputs[res.nodeID] = res.value
		delete(r.recovered, res.nodeID)
		if node, ok := r.plan.Node(res.nodeID); ok && node.Type == graph.NodeOutput {
			r.finals[node.Key()] = res.value
		}
		for _, e := range r.plan.dataOut[res.nodeID] {
			r.edges[e.ID] = edgeFired
			r.edgeValues[e.ID] = res.value
			// A re-entered node pushes fresh values through; consumers that
			// already ran go around again.
			if res.iteration > 1 && r.dispatched[e.Target] {
				r.dispatch(ctx, e.Target, true)
			}
		}
		for _, e := range r.plan.errorOut[res.nodeID] {
			r.edges[e.ID] = edgeVoid
		}
	}

	r.completions++
	if !r.cancelling {
		r.maybeCheckpoint(ctx, res.nodeID)
		// Control edges re-trigger their targets after resolution, so the
		// new iteration sees fresh upstream values.
		if res.err == nil {
			for _, e := range r.plan.controlOut[res.nodeID] {
				r.dispatch(ctx, e.Target, true)
			}
		}
		if r.reentry[res.nodeID] {
			delete(r.reentry, res.nodeID)
			r.dispatch(ctx, res.nodeID, true)
		}
		r.dispatchReady(ctx)
	}
}

// fail records the first unrecovered failure and cancels the run context, so
// in-flight nodes stop instead of running to completion. The terminal status
// stays failed: finish gives the recorded failure precedence over ctx.Err.
func (r *run) fail(err *NodeError) {
	if r.failure == nil {
		r.failure = err
	}
	r.cancelling = true
	r.cancel()
}

// dispatchReady walks undispatched nodes and schedules those whose incoming
// value edges are all resolved. A node whose edges all resolved void is
// skipped, which cascades to its own targets.
func (r *run) dispatchReady(ctx context.Context) {
	for progress := true; progress; {
		progress = false
		for id := range r.plan.nodes {
			if r.dispatched[id] || r.inflight[id] {
				continue
			}
			waits := append([]graph.Edge{}, r.plan.dataIn[id]...)
			waits = append(waits, r.plan.errorIn[id]...)
			if len(waits) == 0 {
				continue
			}
			resolved, fired := true, false
			for _, e := range waits {
				switch r.edges[e.ID] {
				case edgeUnresolved:
					resolved = false
				case edgeFired:
					fired = true
				}
			}
			if !resolved {
				continue
			}
			progress = true
			if fired {
				r.dispatch(ctx, id, false)
				continue
			}
			// All upstream paths went elsewhere.
			r.dispatched[id] = true
			r.emit(id, EventSkipped, nil)
			for _, e := range r.plan.dataOut[id] {
				r.edges[e.ID] = edgeVoid
			}
			for _, e := range r.plan.errorOut[id] {
				r.edges[e.ID] = edgeVoid
			}
		}
	}
}

func (r *run) dispatch(ctx context.Context, nodeID string, reentry bool) {
	if r.cancelling {
		return
	}
	if r.inflight[nodeID] {
		if reentry {
			r.reentry[nodeID] = true
		}
		return
	}
	if !reentry && r.dispatched[nodeID] {
		return
	}
	node, ok := r.plan.Node(nodeID)
	if !ok {
		return
	}

	r.iterations[nodeID]++
	iteration := r.iterations[nodeID]
	if iteration > r.engine.cfg.ReentryCap {
		err := &NodeError{
			Kind:    FailLoopBudgetExceeded,
			NodeID:  nodeID,
			Message: "node re-entry cap exceeded",
		}
		r.emit(nodeID, EventFailed, err.Value())
		r.fail(err)
		return
	}

	r.dispatched[nodeID] = true
	r.inflight[nodeID] = true
	inputs := r.snapshotInputs(nodeID)
	r.emit(nodeID, EventStarted, map[string]any{"iteration": iteration})

	go func() {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			r.results <- nodeResult{nodeID: nodeID, iteration: iteration,
				err: &NodeError{Kind: FailCancelled, NodeID: nodeID, Message: "cancelled before dispatch"}}
			return
		}
		defer r.sem.Release(1)
		value, usage, nerr := r.evalNode(ctx, node, inputs)
		r.results <- nodeResult{nodeID: nodeID, iteration: iteration, value: value, usage: usage, err: nerr}
	}()
}

// snapshotInputs collects the fired incoming edge values keyed by source
// node key. The copy is taken at dispatch, so concurrent completions never
// mutate a running node's view.
func (r *run) snapshotInputs(nodeID string) map[string]any {
	inputs := make(map[string]any)
	collect := func(edges []graph.Edge) {
		for _, e := range edges {
			if r.edges[e.ID] != edgeFired {
				continue
			}
			src, ok := r.plan.Node(e.Source)
			if !ok {
				continue
			}
			inputs[src.Key()] = r.edgeValues[e.ID]
		}
	}
	collect(r.plan.dataIn[nodeID])
	collect(r.plan.errorIn[nodeID])
	return inputs
}

func (r *run) maybeCheckpoint(ctx context.Context, afterNodeID string) {
	if r.completions%r.engine.cfg.CheckpointEvery != 0 {
		return
	}
	r.checkpoints++
	frontier := make([]string, 0, len(r.inflight))
	for id := range r.inflight {
		frontier = append(frontier, id)
	}
	outputs := make(map[string]any, len(r.outputs))
	for k, v := range r.outputs {
		outputs[k] = v
	}
	iterations := make(map[string]int, len(r.iterations))
	for k, v := range r.iterations {
		iterations[k] = v
	}
	var recovered map[string]bool
	if len(r.recovered) > 0 {
		recovered = make(map[string]bool, len(r.recovered))
		for k := range r.recovered {
			recovered[k] = true
		}
	}
	cp := &Checkpoint{
		ExecutionID: r.exec.ID,
		Number:      r.checkpoints,
		AfterNodeID: afterNodeID,
		NodeOutputs: outputs,
		Frontier:    frontier,
		Iterations:  iterations,
		Recovered:   recovered,
		Seq:         r.lastSeq(),
		At:          time.Now().UTC(),
	}
	if err := r.engine.checkpoints.Save(ctx, cp); err != nil {
		r.logger.Warn("checkpoint save failed", "error", err)
	}
}

func (r *run) lastSeq() int64 {
	events := r.engine.hub.Events(r.exec.ID)
	if len(events) == 0 {
		return 0
	}
	return events[len(events)-1].Seq
}

func (r *run) emit(nodeID string, kind EventKind, payload any) {
	r.engine.hub.Publish(r.exec.ID, nodeID, kind, payload)
}

// emitToken publishes a token event from a worker goroutine. The first token
// flips the execution into streaming.
func (r *run) emitToken(nodeID, text string) {
	r.engine.hub.Publish(r.exec.ID, nodeID, EventToken, text)
	r.streamOnce.Do(func() {
		r.setStatus(context.Background(), StatusStreaming)
	})
}

func (r *run) setStatus(ctx context.Context, next Status) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	if !r.exec.Status.CanTransition(next) {
		return
	}
	r.exec.Status = next
	if err := r.engine.execs.Update(ctx, r.exec); err != nil {
		r.logger.Warn("status update failed", "status", next, "error", err)
	}
}

func (r *run) finish(ctx context.Context) {
	// Persist with a fresh context: the run context is cancelled on the
	// cancellation path.
	persistCtx := context.Background()

	// The execution-level terminal event is published after every node
	// emission, so its seq exceeds all prior events.
	var terminal Status
	switch {
	case ctx.Err() != nil && r.failure == nil:
		terminal = StatusCancelled
		r.engine.hub.Publish(r.exec.ID, "", EventCancelled, nil)
	case r.failure != nil:
		terminal = StatusFailed
		r.engine.hub.Publish(r.exec.ID, "", EventFailed, r.failure.Value())
	default:
		terminal = StatusCompleted
		r.engine.hub.Publish(r.exec.ID, "", EventCompleted, r.finals)
	}

	r.exec.StepLog = r.engine.hub.Events(r.exec.ID)
	now := time.Now().UTC()
	r.exec.FinishedAt = &now
	r.exec.Error = r.failure
	if terminal == StatusCompleted {
		r.exec.FinalOutput = r.finals
	}
	if r.usage != (TokenUsage{}) {
		r.exec.TokenUsage = &r.usage
	}
	r.exec.Status = terminal
	if err := r.engine.execs.Update(persistCtx, r.exec); err != nil {
		r.logger.Error("final execution persist failed", "error", err)
	}
	r.engine.hub.Close(r.exec.ID)
	r.logger.Info("execution finished", "status", terminal,
		"completions", r.completions, "events", len(r.exec.StepLog))
}
