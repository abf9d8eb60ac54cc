// Package engine drives a parsed pipeline graph to completion: it
// resolves a handler per node, applies retry policy, selects outgoing
// edges, enforces goal gates, and checkpoints after every stage so runs
// can resume.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	rdebug "runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/dotflow"
	"github.com/petal-labs/dotflow/cond"
	"github.com/petal-labs/dotflow/transform"
	"github.com/petal-labs/dotflow/validate"
)

// Engine errors.
var (
	ErrNoStartNode = errors.New("no start node found")
	ErrCanceled    = errors.New("run canceled")
)

// RunOptions configures a single pipeline run.
type RunOptions struct {
	// RunID identifies the run; generated when empty.
	RunID string

	// LogsRoot is where stage artifacts and the checkpoint live.
	// Defaults to a temp directory.
	LogsRoot string

	// Resume loads <LogsRoot>/checkpoint.json and continues after the
	// last completed node.
	Resume bool

	// InitialContext seeds the run context before the first stage.
	InitialContext map[string]any

	// EventHandler receives engine events; may be nil.
	EventHandler dotflow.EventHandler

	// RetryPolicy is the backoff configuration applied to every node;
	// per-node max_retries still controls the attempt budget. Zero value
	// uses RetryStandard's backoff.
	RetryPolicy RetryPolicy

	// DisableSleep makes retry backoff a no-op (tests).
	DisableSleep bool

	// MaxSteps bounds total stage executions as a cycle guard
	// (default 1000).
	MaxSteps int
}

// Result is the final state of a pipeline run.
type Result struct {
	RunID          string
	FinalStatus    dotflow.FinalStatus
	CompletedNodes []string
	FailedNode     string
	FailureReason  string
	ContextValues  map[string]any
	LogsRoot       string
}

// Engine executes one graph. Construct with New, then Run.
type Engine struct {
	Graph    *dotflow.Graph
	Registry *Registry

	opts    RunOptions
	ctx     *dotflow.Context
	emit    dotflow.EventEmitter
	started time.Time

	history      []StageRecord
	incomingEdge *dotflow.Edge
}

// Prepare transforms and validates a parsed graph. The returned
// diagnostics include warnings even on success.
func Prepare(g *dotflow.Graph, custom ...transform.Transform) ([]validate.Diagnostic, error) {
	if err := transform.ApplyAll(g, custom...); err != nil {
		return nil, err
	}
	return validate.ValidateOrRaise(g)
}

// New creates an engine for a prepared graph.
func New(g *dotflow.Graph, reg *Registry, opts RunOptions) *Engine {
	if reg == nil {
		reg = NewDefaultRegistry(SimulatedBackend{}, AutoApproveInterviewer{}, nil)
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if opts.LogsRoot == "" {
		opts.LogsRoot = filepath.Join(os.TempDir(), "dotflow", opts.RunID)
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = 1000
	}
	if opts.RetryPolicy.InitialDelay == 0 && opts.RetryPolicy.Multiplier == 0 {
		p := opts.RetryPolicy
		opts.RetryPolicy = RetryStandard
		opts.RetryPolicy.MaxAttempts = p.MaxAttempts
		opts.RetryPolicy.ShouldRetry = p.ShouldRetry
		opts.RetryPolicy.Sleep = p.Sleep
	}
	if opts.DisableSleep {
		opts.RetryPolicy.Sleep = func(context.Context, time.Duration) {}
	}
	return &Engine{Graph: g, Registry: reg, opts: opts, ctx: dotflow.NewContext()}
}

// Context exposes the live run context (primarily for tests and
// embedding applications inspecting results).
func (e *Engine) Context() *dotflow.Context { return e.ctx }

// Run drives the pipeline to completion.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	if err := os.MkdirAll(e.opts.LogsRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating logs root: %w", err)
	}

	e.started = time.Now()
	e.emit = func(ev dotflow.Event) {
		if e.opts.EventHandler != nil {
			e.opts.EventHandler(ev)
		}
	}

	// Mirror graph attributes into the context, then apply caller seeds.
	for k, v := range e.Graph.Attrs {
		e.ctx.Set("graph."+k, v)
	}
	e.ctx.Set("graph.goal", e.Graph.Goal())
	e.ctx.Set("run_id", e.opts.RunID)
	e.ctx.ApplyUpdates(e.opts.InitialContext)

	completed := []string{}
	retries := map[string]int{}
	outcomes := map[string]dotflow.Outcome{}

	current := ""
	if e.opts.Resume {
		resumed, cp, err := e.resume(outcomes)
		if err != nil {
			return nil, err
		}
		if resumed != "" {
			current = resumed
			completed = append(completed, cp.CompletedNodes...)
			for k, v := range cp.NodeRetries {
				retries[k] = v
			}
		}
	}
	if current == "" {
		start := e.Graph.StartNode()
		if start == nil {
			return nil, ErrNoStartNode
		}
		current = start.ID
	}

	e.emit(dotflow.NewEvent(dotflow.EventPipelineStarted, e.opts.RunID).
		WithPayload("graph", e.Graph.Name).
		WithPayload("start", current))

	res, err := e.runLoop(ctx, current, completed, retries, outcomes)
	if err != nil {
		e.emit(dotflow.NewEvent(dotflow.EventPipelineFailed, e.opts.RunID).
			WithElapsed(time.Since(e.started)).
			WithPayload("error", err.Error()))
		return nil, err
	}
	kind := dotflow.EventPipelineCompleted
	if res.FinalStatus == dotflow.FinalFail {
		kind = dotflow.EventPipelineFailed
	}
	e.emit(dotflow.NewEvent(kind, e.opts.RunID).
		WithElapsed(time.Since(e.started)).
		WithPayload("status", string(res.FinalStatus)).
		WithPayload("completed", len(res.CompletedNodes)))
	return res, nil
}

func (e *Engine) runLoop(ctx context.Context, current string, completed []string, retries map[string]int, outcomes map[string]dotflow.Outcome) (*Result, error) {
	steps := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCanceled, err)
		}
		steps++
		if steps > e.opts.MaxSteps {
			return e.fail(completed, current, fmt.Sprintf("step limit exceeded (%d)", e.opts.MaxSteps)), nil
		}

		node, ok := e.Graph.Node(current)
		if !ok {
			return nil, fmt.Errorf("%w: %s", dotflow.ErrNodeNotFound, current)
		}

		prev := ""
		if len(completed) > 0 {
			prev = completed[len(completed)-1]
		}
		e.ctx.Set("previous_node", prev)
		e.ctx.Set("current_node", current)

		if node.IsTerminal() {
			// Goal gates run before the pipeline may terminate
			// successfully.
			if gate := failedGoalGate(e.Graph, outcomes); gate != "" {
				target := resolveRetryTarget(e.Graph, gate)
				if target == "" {
					return e.fail(completed, gate, fmt.Sprintf("goal gate %q unsatisfied and no retry target", gate)), nil
				}
				e.ctx.AppendLog(fmt.Sprintf("goal gate %s failed; routing to %s", gate, target))
				e.incomingEdge = nil
				current = target
				continue
			}

			// The exit handler runs (and leaves its status.json) but the
			// terminal node does not join the completed list.
			out, err := e.executeWithRetry(ctx, node, retries)
			if err != nil {
				return nil, err
			}
			outcomes[node.ID] = out
			if err := e.checkpoint(node.ID, completed, retries); err != nil {
				return nil, err
			}
			return e.succeed(completed), nil
		}

		out, err := e.executeWithRetry(ctx, node, retries)
		if err != nil {
			return nil, err
		}

		completed = append(completed, node.ID)
		outcomes[node.ID] = out
		e.recordStage(node, out)

		e.ctx.ApplyUpdates(out.ContextUpdates)
		e.ctx.Set("outcome", string(out.Status))
		e.ctx.Set("preferred_label", out.PreferredLabel)
		e.ctx.Set("failure_reason", out.FailureReason)

		if err := e.checkpoint(node.ID, completed, retries); err != nil {
			return nil, err
		}

		next := SelectEdge(e.Graph, node.ID, out, e.ctx)
		if next == nil {
			if out.Status == dotflow.StatusFail {
				if target := failureRoute(e.Graph, node); target != "" {
					e.incomingEdge = nil
					current = target
					continue
				}
				return e.fail(completed, node.ID, out.FailureReason), nil
			}
			return e.succeed(completed), nil
		}

		if next.LoopRestart() {
			// A loop restart is recorded but not enacted: execution
			// simply continues at the edge target.
			e.ctx.AppendLog(fmt.Sprintf("loop_restart: %s -> %s", node.ID, next.To))
		}

		e.incomingEdge = next
		current = next.To
	}
}

func (e *Engine) recordStage(node *dotflow.Node, out dotflow.Outcome) {
	threadKey := ResolveThreadKey(e.Graph, e.incomingEdge, node, e.ctx.GetString("previous_node", ""))
	e.history = append(e.history, StageRecord{NodeID: node.ID, ThreadKey: threadKey, Outcome: out})
}

func (e *Engine) succeed(completed []string) *Result {
	return &Result{
		RunID:          e.opts.RunID,
		FinalStatus:    dotflow.FinalSuccess,
		CompletedNodes: completed,
		ContextValues:  e.ctx.Snapshot(),
		LogsRoot:       e.opts.LogsRoot,
	}
}

func (e *Engine) fail(completed []string, nodeID, reason string) *Result {
	if reason == "" {
		reason = "run failed"
	}
	return &Result{
		RunID:          e.opts.RunID,
		FinalStatus:    dotflow.FinalFail,
		CompletedNodes: completed,
		FailedNode:     nodeID,
		FailureReason:  reason,
		ContextValues:  e.ctx.Snapshot(),
		LogsRoot:       e.opts.LogsRoot,
	}
}

// executeWithRetry runs a node under its retry policy. SUCCESS, PARTIAL
// and SKIPPED return immediately and zero the node's retry counter;
// RETRY re-attempts with backoff; FAIL returns without retrying.
func (e *Engine) executeWithRetry(ctx context.Context, node *dotflow.Node, retries map[string]int) (dotflow.Outcome, error) {
	policy := e.nodePolicy(node)
	maxAttempts := policy.MaxAttempts

	var out dotflow.Outcome
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		e.emit(dotflow.NewEvent(dotflow.EventStageStarted, e.opts.RunID).
			WithNode(node.ID).
			WithAttempt(attempt).
			WithElapsed(time.Since(e.started)))

		var handlerErr error
		out, handlerErr = e.executeNode(ctx, node)

		if handlerErr != nil {
			// Thrown errors are classified: transient ones behave like
			// RETRY, the rest convert to FAIL.
			if policy.shouldRetry(handlerErr) {
				out = dotflow.Outcome{Status: dotflow.StatusRetry, FailureReason: handlerErr.Error()}
			} else {
				out = dotflow.FailOutcome(handlerErr.Error())
			}
			e.writeStatus(node.ID, out)
		}

		switch out.Status {
		case dotflow.StatusSuccess, dotflow.StatusPartialSuccess, dotflow.StatusSkipped:
			retries[node.ID] = 0
			e.emit(dotflow.NewEvent(dotflow.EventStageCompleted, e.opts.RunID).
				WithNode(node.ID).
				WithAttempt(attempt).
				WithElapsed(time.Since(e.started)).
				WithPayload("status", string(out.Status)))
			return out, nil

		case dotflow.StatusFail:
			e.emit(dotflow.NewEvent(dotflow.EventStageFailed, e.opts.RunID).
				WithNode(node.ID).
				WithAttempt(attempt).
				WithElapsed(time.Since(e.started)).
				WithPayload("reason", out.FailureReason))
			return out, nil

		case dotflow.StatusRetry:
			if attempt < maxAttempts {
				retries[node.ID]++
				delay := policy.DelayForAttempt(attempt)
				e.emit(dotflow.NewEvent(dotflow.EventStageRetrying, e.opts.RunID).
					WithNode(node.ID).
					WithAttempt(attempt).
					WithPayload("delay_ms", delay.Milliseconds()))
				policy.sleep(ctx, delay)
				continue
			}
		}
	}

	// Retry budget exhausted.
	if node.AllowPartial() {
		po := dotflow.Outcome{
			Status:        dotflow.StatusPartialSuccess,
			Notes:         "retries exhausted, partial accepted",
			FailureReason: out.FailureReason,
		}
		e.writeStatus(node.ID, po)
		return po, nil
	}
	fo := out
	fo.Status = dotflow.StatusFail
	if fo.FailureReason == "" {
		fo.FailureReason = "max retries exceeded"
	}
	e.writeStatus(node.ID, fo)
	e.emit(dotflow.NewEvent(dotflow.EventStageFailed, e.opts.RunID).
		WithNode(node.ID).
		WithElapsed(time.Since(e.started)).
		WithPayload("reason", fo.FailureReason))
	return fo, nil
}

// nodePolicy builds the effective retry policy for a node: the run's
// backoff configuration with the node's attempt budget, or a named
// preset when the node asks for one.
func (e *Engine) nodePolicy(node *dotflow.Node) RetryPolicy {
	policy := e.opts.RetryPolicy
	if name := node.AttrString("retry_policy", ""); name != "" {
		if preset, ok := PresetPolicy(name); ok {
			preset.Sleep = policy.Sleep
			preset.ShouldRetry = policy.ShouldRetry
			policy = preset
		}
	}

	maxRetries := node.MaxRetries()
	if maxRetries < 0 {
		maxRetries = e.Graph.AttrInt(dotflow.AttrDefaultMaxRetries, -1)
	}
	if maxRetries >= 0 {
		policy.MaxAttempts = maxRetries + 1
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return policy
}

// executeNode runs one handler attempt: stage dir setup, panic recovery,
// node timeout, and status.json reconciliation.
func (e *Engine) executeNode(ctx context.Context, node *dotflow.Node) (out dotflow.Outcome, err error) {
	if ms := node.TimeoutMillis(); ms > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
		defer cancel()
	}

	handler, _, rerr := e.Registry.Resolve(node)
	if rerr != nil {
		return dotflow.Outcome{}, rerr
	}

	stageDir, derr := StageDir(e.opts.LogsRoot, node.ID)
	if derr != nil {
		return dotflow.FailOutcome(derr.Error()), nil
	}
	// A stale status.json from a previous attempt must not be read back
	// as authoritative.
	_ = os.Remove(filepath.Join(stageDir, "status.json"))

	ex := &Execution{
		Graph:        e.Graph,
		Context:      e.ctx,
		LogsRoot:     e.opts.LogsRoot,
		Emit:         e.emit,
		Branch:       e.branchExecutor(),
		History:      e.history,
		IncomingEdge: e.incomingEdge,
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				// Handler panics must not crash the engine.
				_ = os.WriteFile(filepath.Join(stageDir, "panic.txt"),
					[]byte(fmt.Sprintf("%v\n\n%s", r, rdebug.Stack())), 0o644)
				out = dotflow.Outcome{
					Status:        dotflow.StatusFail,
					FailureReason: fmt.Sprintf("panic: %v", r),
					Notes:         "handler panic recovered",
				}
				err = nil
			}
		}()
		out, err = handler.Execute(ctx, ex, node)
	}()
	if err != nil {
		return out, err
	}

	// A status.json written by the handler (or an external tool it ran)
	// is authoritative.
	if b, readErr := os.ReadFile(filepath.Join(stageDir, "status.json")); readErr == nil {
		if parsed, decErr := dotflow.DecodeOutcomeJSON(b); decErr == nil {
			out = parsed
		}
	}

	out, cerr := out.Canonicalize()
	if cerr != nil {
		return dotflow.FailOutcome(cerr.Error()), nil
	}
	if verr := out.Validate(); verr != nil && strings.TrimSpace(out.FailureReason) == "" {
		out.FailureReason = verr.Error()
	}
	e.writeStatus(node.ID, out)
	return out, nil
}

func (e *Engine) writeStatus(nodeID string, out dotflow.Outcome) {
	if data, err := out.EncodeJSON(); err == nil {
		_ = WriteStageFile(e.opts.LogsRoot, nodeID, "status.json", string(data))
	}
}

// branchExecutor returns the callback the parallel handler uses to run a
// single branch: the target node's handler over the branch's isolated
// context clone.
func (e *Engine) branchExecutor() BranchExecutor {
	return func(ctx context.Context, req BranchRequest) (dotflow.Outcome, error) {
		handler, _, err := e.Registry.Resolve(req.Target)
		if err != nil {
			return dotflow.Outcome{}, err
		}
		ex := &Execution{
			Graph:        e.Graph,
			Context:      req.Context,
			LogsRoot:     e.opts.LogsRoot,
			Emit:         e.emit,
			History:      e.history,
			IncomingEdge: req.Edge,
		}
		out, err := handler.Execute(ctx, ex, req.Target)
		if err != nil {
			return dotflow.FailOutcome(err.Error()), nil
		}
		out, cerr := out.Canonicalize()
		if cerr != nil {
			return dotflow.FailOutcome(cerr.Error()), nil
		}
		e.writeStatus(req.Target.ID, out)
		return out, nil
	}
}

func (e *Engine) checkpoint(nodeID string, completed []string, retries map[string]int) error {
	cp := dotflow.NewCheckpoint()
	cp.Timestamp = time.Now().UTC()
	cp.LastNode = nodeID
	cp.CompletedNodes = append([]string{}, completed...)
	for k, v := range retries {
		cp.NodeRetries[k] = v
	}
	cp.ContextValues = e.ctx.Snapshot()
	cp.Logs = e.ctx.SnapshotLogs()
	path := filepath.Join(e.opts.LogsRoot, dotflow.CheckpointFile)
	if err := cp.Save(path); err != nil {
		return err
	}
	e.emit(dotflow.NewEvent(dotflow.EventCheckpointSaved, e.opts.RunID).
		WithNode(nodeID).
		WithElapsed(time.Since(e.started)))
	return nil
}

// resume loads the checkpoint and rebuilds the outcome map by re-reading
// each completed node's status.json. It returns the node to continue at
// (the edge-successor of the last completed node), or "" when no
// checkpoint exists.
func (e *Engine) resume(outcomes map[string]dotflow.Outcome) (string, *dotflow.Checkpoint, error) {
	path := filepath.Join(e.opts.LogsRoot, dotflow.CheckpointFile)
	cp, err := dotflow.LoadCheckpoint(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil, nil
		}
		return "", nil, err
	}

	e.ctx.Restore(cp.ContextValues)
	e.ctx.RestoreLogs(cp.Logs)
	e.ctx.Set("run_id", e.opts.RunID)

	for _, nodeID := range cp.CompletedNodes {
		b, rerr := os.ReadFile(filepath.Join(e.opts.LogsRoot, nodeID, "status.json"))
		if rerr != nil {
			return "", nil, fmt.Errorf("resume: reading status for %s: %w", nodeID, rerr)
		}
		out, derr := dotflow.DecodeOutcomeJSON(b)
		if derr != nil {
			return "", nil, fmt.Errorf("resume: decoding status for %s: %w", nodeID, derr)
		}
		outcomes[nodeID] = out
		if node, ok := e.Graph.Node(nodeID); ok {
			e.recordStage(node, out)
		}
	}

	last := cp.LastNode
	if last == "" {
		return "", nil, fmt.Errorf("resume: checkpoint has no last node")
	}
	if node, ok := e.Graph.Node(last); ok && node.IsTerminal() {
		return "", nil, fmt.Errorf("resume: run already completed at %s", last)
	}
	next := SelectEdge(e.Graph, last, outcomes[last], e.ctx)
	if next == nil {
		return "", nil, fmt.Errorf("resume: no outgoing edge from %s", last)
	}
	e.incomingEdge = next
	return next.To, cp, nil
}

// SelectEdge picks the next edge for a node given its outcome:
// suggested-next IDs short-circuit in declaration order, then condition
// matches (empty condition is true) ranked by weight descending with
// declaration order breaking ties.
func SelectEdge(g *dotflow.Graph, from string, out dotflow.Outcome, ctx *dotflow.Context) *dotflow.Edge {
	edges := g.Outgoing(from)
	if len(edges) == 0 {
		return nil
	}

	for _, suggested := range out.SuggestedNextIDs {
		for _, e := range edges {
			if e.To == suggested {
				return e
			}
		}
	}

	var best *dotflow.Edge
	for _, e := range edges {
		expr := e.Condition()
		if expr != "" {
			ok, err := cond.Evaluate(expr, out, ctx)
			if err != nil || !ok {
				continue
			}
		}
		if best == nil || e.Weight() > best.Weight() {
			best = e
		}
	}
	return best
}

// failedGoalGate returns the first goal-gated node (in insertion order)
// whose recorded outcome is not successful, or "" when all gates hold.
func failedGoalGate(g *dotflow.Graph, outcomes map[string]dotflow.Outcome) string {
	for _, n := range g.Nodes() {
		if !n.GoalGate() {
			continue
		}
		out, ran := outcomes[n.ID]
		if !ran {
			continue
		}
		if !out.Status.Successful() {
			return n.ID
		}
	}
	return ""
}

// resolveRetryTarget applies the goal-gate routing precedence: node
// retry_target, node fallback, graph retry_target, graph fallback.
func resolveRetryTarget(g *dotflow.Graph, nodeID string) string {
	n, ok := g.Node(nodeID)
	if !ok {
		return ""
	}
	if t := n.RetryTarget(); t != "" {
		return t
	}
	if t := n.FallbackRetryTarget(); t != "" {
		return t
	}
	if t := g.AttrString(dotflow.AttrRetryTarget, ""); t != "" {
		return t
	}
	return g.AttrString(dotflow.AttrFallbackRetryTarget, "")
}

// failureRoute consults the failure-route attributes when a failed stage
// has no matching outgoing edge: node on_fail first, then graph on_fail.
func failureRoute(g *dotflow.Graph, n *dotflow.Node) string {
	if t := n.AttrString("on_fail", ""); t != "" {
		if _, ok := g.Node(t); ok {
			return t
		}
	}
	if t := g.AttrString("on_fail", ""); t != "" {
		if _, ok := g.Node(t); ok {
			return t
		}
	}
	return ""
}
