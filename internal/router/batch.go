package router

import (
	"context"
	"fmt"

	"github.com/nextlevelbuilder/quorum/internal/action"
	"github.com/nextlevelbuilder/quorum/internal/store"
)

// runSubAction executes one batch element with its own audit row
// linked to the batch via parent_action_id.
func (r *Router) runSubAction(ctx context.Context, parent Request, spec action.Spec, poster Poster) (Request, Outcome) {
	subReq := Request{
		ActionID: store.GenNewID(),
		AgentID:  parent.AgentID,
		TaskID:   parent.TaskID,
		Spec:     spec,
	}

	params, _ := spec.Params.MarshalJSON()
	if r.deps.Stores != nil && r.deps.Stores.Actions != nil {
		rec := &store.ActionRecord{
			ID:             subReq.ActionID,
			AgentID:        subReq.AgentID,
			ActionType:     spec.Type,
			Params:         params,
			Status:         store.ActionPending,
			ParentActionID: &parent.ActionID,
		}
		if err := r.deps.Stores.Actions.Insert(ctx, rec); err == nil {
			r.transition(ctx, subReq.ActionID, store.ActionRunning, nil, "")
		}
	}

	outcome := r.execute(ctx, subReq, poster, true)
	if outcome.Failed() {
		r.transition(ctx, subReq.ActionID, store.ActionFailed, marshalOutcome(outcome), outcome.Err)
	} else {
		r.transition(ctx, subReq.ActionID, store.ActionCompleted, marshalOutcome(outcome), "")
	}
	return subReq, outcome
}

// handleBatchSync executes the sequence in order, stopping at the
// first failure. Results of preceding successes are preserved in the
// failure payload; later actions are not attempted.
func (r *Router) handleBatchSync(ctx context.Context, req Request, p action.Params, poster Poster) Outcome {
	specs, err := action.SpecsFromValue(p["actions"])
	if err != nil {
		return fail(err)
	}
	// Validated in bulk before anything executes.
	specs, err = action.ValidateBatch(specs)
	if err != nil {
		return fail(err)
	}

	var results []action.Value
	for i, spec := range specs {
		_, outcome := r.runSubAction(ctx, req, spec, poster)
		if outcome.Failed() {
			return Outcome{
				Err:     outcome.Err,
				Summary: fmt.Sprintf("batch stopped at action %d (%s): %s", i, spec.Type, outcome.Summary),
				Payload: action.MapOf(map[string]action.Value{
					"completed": {Kind: action.KindList, Items: results},
					"failed_at": action.Int(int64(i)),
					"failure":   outcomeValue(outcome),
				}),
			}
		}
		results = append(results, outcomeValue(outcome))
	}

	return success(action.MapOf(map[string]action.Value{
		"results": {Kind: action.KindList, Items: results},
	}), fmt.Sprintf("batch completed (%d actions)", len(specs)))
}

// handleBatchAsync acknowledges immediately and runs the sequence in a
// background worker. Each sub-action posts a bookkeeping result (which
// never triggers consensus); completion posts the batch result.
func (r *Router) handleBatchAsync(ctx context.Context, req Request, p action.Params, poster Poster) Outcome {
	specs, err := action.SpecsFromValue(p["actions"])
	if err != nil {
		return fail(err)
	}
	specs, err = action.ValidateBatch(specs)
	if err != nil {
		return fail(err)
	}

	batchID := req.ActionID

	go func() {
		// Detached from the dispatching cycle's context: the batch
		// outlives it by design.
		bgCtx := store.WithAgentID(store.WithTaskID(context.Background(), req.TaskID), req.AgentID)

		results := make([]Outcome, 0, len(specs))
		failed := false
		for i, spec := range specs {
			_, outcome := r.runSubAction(bgCtx, req, spec, poster)
			poster.PostBatchActionResult(batchID, i, spec.Type, outcome)
			results = append(results, outcome)
			if outcome.Failed() {
				failed = true
				break
			}
		}

		final := success(batchResultsValue(results), fmt.Sprintf("batch %s finished (%d/%d actions)", batchID, len(results), len(specs)))
		if failed {
			last := results[len(results)-1]
			final.Err = last.Err
			final.Summary = fmt.Sprintf("batch %s failed at action %d: %s", batchID, len(results)-1, last.Summary)
			final.Payload = batchResultsValue(results)
		}
		r.finish(bgCtx, req, final)
		poster.PostBatchCompleted(batchID, results)
	}()

	return Outcome{
		Async:   true,
		Summary: fmt.Sprintf("batch of %d actions started", len(specs)),
		Payload: action.MapOf(map[string]action.Value{
			"batch_id": action.Str(batchID.String()),
			"count":    action.Int(int64(len(specs))),
		}),
	}
}

func outcomeValue(o Outcome) action.Value {
	m := map[string]action.Value{"payload": o.Payload}
	if o.Summary != "" {
		m["summary"] = action.Str(o.Summary)
	}
	if o.Err != "" {
		m["error"] = action.Str(o.Err)
	}
	return action.MapOf(m)
}

func batchResultsValue(results []Outcome) action.Value {
	items := make([]action.Value, len(results))
	for i, o := range results {
		items[i] = outcomeValue(o)
	}
	return action.MapOf(map[string]action.Value{
		"results": {Kind: action.KindList, Items: items},
	})
}
