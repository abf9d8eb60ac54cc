package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/petal-labs/dotflow"
)

// Context keys written by the parallel handler and consumed by fan-in.
const (
	ParallelResultsKey     = "parallel.results"
	ParallelBranchCountKey = "parallel.branch_count"
	ParallelSuccessKey     = "parallel.success_count"
	ParallelFailKey        = "parallel.fail_count"
)

// Join and error policies.
const (
	JoinWaitAll      = "wait_all"
	JoinFirstSuccess = "first_success"
	JoinAny          = "any"

	ErrorContinue = "continue"
	ErrorFailFast = "fail_fast"
)

// BranchRequest describes one parallel branch dispatch: the fan-out edge,
// its target node, and an isolated context clone.
type BranchRequest struct {
	Index   int
	Edge    *dotflow.Edge
	Target  *dotflow.Node
	Context *dotflow.Context
}

// BranchExecutor dispatches a single branch. The engine supplies it to
// the parallel handler so the handler needs no reference into the run
// loop.
type BranchExecutor func(ctx context.Context, req BranchRequest) (dotflow.Outcome, error)

// BranchResult pairs a branch with its outcome.
type BranchResult struct {
	BranchID string          `json:"branch_id"`
	NodeID   string          `json:"node_id"`
	Outcome  dotflow.Outcome `json:"outcome"`
}

// ParallelHandler fans out over the node's outgoing edges with bounded
// concurrency and records the joined result for the downstream fan-in.
type ParallelHandler struct{}

// Execute implements Handler.
func (h *ParallelHandler) Execute(ctx context.Context, ex *Execution, node *dotflow.Node) (dotflow.Outcome, error) {
	if ex.Branch == nil {
		return dotflow.FailOutcome("parallel handler has no branch executor"), nil
	}

	edges := ex.Graph.Outgoing(node.ID)
	if len(edges) == 0 {
		return dotflow.FailOutcome("parallel node has no outgoing edges"), nil
	}

	joinPolicy := node.AttrString("join_policy", JoinWaitAll)
	errorPolicy := node.AttrString("error_policy", ErrorContinue)
	maxParallel := node.AttrInt("max_parallel", 4)
	if maxParallel < 1 {
		maxParallel = 1
	}

	ex.Emit(dotflow.NewEvent(dotflow.EventParallelStarted, ex.Context.GetString("run_id", "")).
		WithNode(node.ID).
		WithPayload("branches", len(edges)).
		WithPayload("max_parallel", maxParallel))

	results := make([]BranchResult, len(edges))
	aborted := false

	for batchStart := 0; batchStart < len(edges); batchStart += maxParallel {
		if aborted {
			break
		}
		end := batchStart + maxParallel
		if end > len(edges) {
			end = len(edges)
		}

		var wg sync.WaitGroup
		for i := batchStart; i < end; i++ {
			edge := edges[i]
			target, ok := ex.Graph.Node(edge.To)
			if !ok {
				results[i] = BranchResult{
					BranchID: branchID(node.ID, i),
					NodeID:   edge.To,
					Outcome:  dotflow.FailOutcome(fmt.Sprintf("branch target %q not found", edge.To)),
				}
				continue
			}

			wg.Add(1)
			go func(i int, edge *dotflow.Edge, target *dotflow.Node) {
				defer wg.Done()
				id := branchID(node.ID, i)
				runID := ex.Context.GetString("run_id", "")
				ex.Emit(dotflow.NewEvent(dotflow.EventBranchStarted, runID).
					WithNode(target.ID).
					WithPayload("branch_id", id))

				// Each branch receives an isolated clone; branches never
				// share mutable state.
				out, err := ex.Branch(ctx, BranchRequest{
					Index:   i,
					Edge:    edge,
					Target:  target,
					Context: ex.Context.Clone(),
				})
				if err != nil {
					out = dotflow.FailOutcome(err.Error())
				}
				results[i] = BranchResult{BranchID: id, NodeID: target.ID, Outcome: out}

				ex.Emit(dotflow.NewEvent(dotflow.EventBranchCompleted, runID).
					WithNode(target.ID).
					WithPayload("branch_id", id).
					WithPayload("status", string(out.Status)))
			}(i, edge, target)
		}
		wg.Wait()

		if errorPolicy == ErrorFailFast {
			for i := batchStart; i < end; i++ {
				if results[i].Outcome.Status == dotflow.StatusFail {
					aborted = true
					break
				}
			}
		}
	}

	// Trim branches never dispatched under fail_fast.
	executed := results[:0]
	for _, r := range results {
		if r.BranchID != "" {
			executed = append(executed, r)
		}
	}

	successes, failures := 0, 0
	serialized := make([]map[string]any, 0, len(executed))
	merged := map[string]any{}
	for _, r := range executed {
		if r.Outcome.Status.Successful() {
			successes++
		} else {
			failures++
		}
		serialized = append(serialized, map[string]any{
			"branch_id":      r.BranchID,
			"node_id":        r.NodeID,
			"status":         string(r.Outcome.Status),
			"failure_reason": r.Outcome.FailureReason,
			"notes":          r.Outcome.Notes,
			"context":        r.Outcome.ContextUpdates,
		})
		// Branch context updates merge in branch declaration order;
		// on key collision the later branch wins.
		for k, v := range r.Outcome.ContextUpdates {
			merged[k] = v
		}
	}

	status := joinStatus(joinPolicy, successes, failures)
	merged[ParallelResultsKey] = serialized
	merged[ParallelBranchCountKey] = len(executed)
	merged[ParallelSuccessKey] = successes
	merged[ParallelFailKey] = failures

	out := dotflow.Outcome{Status: status, ContextUpdates: merged}
	if status == dotflow.StatusFail {
		out.FailureReason = fmt.Sprintf("%d of %d branches failed", failures, len(executed))
	} else if status == dotflow.StatusPartialSuccess {
		out.Notes = fmt.Sprintf("%d of %d branches failed", failures, len(executed))
	}
	return out, nil
}

func branchID(nodeID string, index int) string {
	return fmt.Sprintf("%s#%d", nodeID, index)
}

func joinStatus(policy string, successes, failures int) dotflow.Status {
	switch policy {
	case JoinFirstSuccess:
		if successes > 0 {
			return dotflow.StatusSuccess
		}
		return dotflow.StatusFail
	case JoinAny:
		return dotflow.StatusSuccess
	default: // wait_all
		if failures == 0 {
			return dotflow.StatusSuccess
		}
		return dotflow.StatusPartialSuccess
	}
}

// fanInHandler consumes the parallel results recorded in the context.
// Merge policy for conflicting branch context keys is last-writer-wins in
// branch declaration order, applied by the parallel handler itself.
func fanInHandler(_ context.Context, ex *Execution, _ *dotflow.Node) (dotflow.Outcome, error) {
	raw, ok := ex.Context.Get(ParallelResultsKey)
	if !ok {
		return dotflow.FailOutcome("fan-in without a prior parallel stage"), nil
	}
	results := coerceParallelResults(raw)
	if results == nil {
		return dotflow.FailOutcome("fan-in found malformed parallel results"), nil
	}

	failures := 0
	for _, r := range results {
		status, _ := r["status"].(string)
		if !dotflow.Status(status).Successful() {
			failures++
		}
	}

	if failures == 0 {
		return dotflow.SuccessOutcome(), nil
	}
	return dotflow.Outcome{
		Status: dotflow.StatusPartialSuccess,
		Notes:  fmt.Sprintf("%d of %d branches failed", failures, len(results)),
	}, nil
}

// coerceParallelResults normalizes the stored results slice. Within one
// run the value is the concrete []map[string]any the parallel handler
// wrote; after a checkpoint resume the JSON round-trip hands back
// []any of map[string]any instead.
func coerceParallelResults(raw any) []map[string]any {
	switch v := raw.(type) {
	case []map[string]any:
		return v
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return nil
			}
			out = append(out, m)
		}
		return out
	}
	return nil
}
