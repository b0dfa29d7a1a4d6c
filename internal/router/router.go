// Package router executes validated actions. A Router instance is
// per-action and short-lived: it owns the action's audit lifecycle,
// its external side effects, secret resolution/scrubbing and result
// truncation. Long-running work (shell past the smart-mode threshold,
// batch_async) acknowledges immediately and posts the final result to
// the owning agent through the Poster.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nextlevelbuilder/quorum/internal/action"
	"github.com/nextlevelbuilder/quorum/internal/budget"
	"github.com/nextlevelbuilder/quorum/internal/bus"
	"github.com/nextlevelbuilder/quorum/internal/config"
	"github.com/nextlevelbuilder/quorum/internal/cost"
	"github.com/nextlevelbuilder/quorum/internal/mcp"
	"github.com/nextlevelbuilder/quorum/internal/secrets"
	"github.com/nextlevelbuilder/quorum/internal/skills"
	"github.com/nextlevelbuilder/quorum/internal/store"
	"github.com/nextlevelbuilder/quorum/internal/tracing"
	"github.com/nextlevelbuilder/quorum/pkg/protocol"
)

// Outcome is the result of one action execution.
type Outcome struct {
	Payload action.Value `json:"payload"`
	Summary string       `json:"summary,omitempty"`
	// Err is the failure code from the router taxonomy; empty on
	// success.
	Err string `json:"error,omitempty"`
	// Async marks an acknowledgement; the final Outcome arrives later
	// through the Poster.
	Async bool `json:"async,omitempty"`
}

// Failed reports whether the outcome carries a failure.
func (o Outcome) Failed() bool { return o.Err != "" }

// Poster is the agent-side back-channel for deferred results. The
// actor implements it by translating calls into mailbox messages.
type Poster interface {
	PostActionResult(actionID uuid.UUID, actionType string, outcome Outcome)
	PostBatchActionResult(batchID uuid.UUID, subIndex int, actionType string, outcome Outcome)
	PostBatchCompleted(batchID uuid.UUID, results []Outcome)
}

// TreeOps is the slice of the tree lifecycle controller the router
// needs for delegation actions. The parent's budget snapshot travels
// with the call because the parent actor is blocked inside this very
// dispatch and cannot answer a state read.
type TreeOps interface {
	SpawnChild(ctx context.Context, parentID string, parentBudget budget.Budget, params action.Params) (childID string, err error)
	DismissChild(ctx context.Context, parentID, childID string) error
	AdjustBudget(ctx context.Context, parentID string, parentBudget budget.Budget, childID string, newAllocation decimal.Decimal) error
}

// Messenger routes send_message deliveries.
type Messenger interface {
	SendAgentMessage(ctx context.Context, fromID, toID, content string) error
	SendUserMessage(ctx context.Context, taskID uuid.UUID, fromID, content string) error
}

// AnswerFunc serves answer_engine: a single-model quick consultation.
type AnswerFunc func(ctx context.Context, query string) (string, error)

// Deps wires the router's collaborators. Shared state (the shell
// process table, MCP connection table) lives here so continuation
// actions reach it without the original Router instance.
type Deps struct {
	Stores    *store.Stores
	Bus       bus.Publisher
	Vault     *secrets.Vault
	Skills    *skills.Loader
	MCP       *mcp.Manager
	Shell     *ShellSupervisor
	Tree      TreeOps
	Messenger Messenger
	Answer    AnswerFunc
	Costs     *cost.Tracker
	Config    config.RouterConfig
}

// Request identifies one action dispatch. Budget is the dispatching
// agent's escrow snapshot at decision time.
type Request struct {
	ActionID uuid.UUID
	AgentID  string
	TaskID   uuid.UUID
	Budget   budget.Budget
	Spec     action.Spec
}

// Router coordinates a single action execution.
type Router struct {
	deps Deps
}

func New(deps Deps) *Router {
	return &Router{deps: deps}
}

// Dispatch validates, audits and executes the action. Synchronous
// actions return their final Outcome; async ones return an
// acknowledgement and post the final result through poster.
func (r *Router) Dispatch(ctx context.Context, req Request, poster Poster) Outcome {
	params, err := action.Validate(req.Spec.Type, req.Spec.Params)
	if err != nil {
		return r.failNoAudit(req, err)
	}
	req.Spec.Params = params

	r.audit(ctx, req, store.ActionPending, nil, "")
	r.transition(ctx, req.ActionID, store.ActionRunning, nil, "")
	r.publish(req, protocol.EventActionStarted, nil)

	ctx = store.WithAgentID(store.WithActionID(store.WithTaskID(ctx, req.TaskID), req.ActionID), req.AgentID)

	ctx, span := tracing.StartAction(ctx, req.AgentID, req.Spec.Type, req.ActionID.String())
	defer span.End()

	outcome := r.execute(ctx, req, poster, false)
	if outcome.Failed() {
		tracing.RecordError(span, outcome.Err)
	}

	if outcome.Async {
		// Audit row stays running; the async completion path closes it.
		return outcome
	}
	r.finish(ctx, req, outcome)
	return outcome
}

// execute routes to the per-action handler. forceSync is set for
// batch_sync sub-actions, which must not go async.
func (r *Router) execute(ctx context.Context, req Request, poster Poster, forceSync bool) Outcome {
	p := req.Spec.Params
	switch req.Spec.Type {
	case action.TypeWaitAction:
		return r.handleWait(p)
	case action.TypeOrient:
		return r.handleOrient(p)
	case action.TypeTodo:
		return r.handleTodo(p)
	case action.TypeSendMessage:
		return r.handleSendMessage(ctx, req, p)
	case action.TypeRecordCost:
		return r.handleRecordCost(ctx, req, p)
	case action.TypeGenerateSecret:
		return r.handleGenerateSecret(ctx, p)
	case action.TypeSearchSecrets:
		return r.handleSearchSecrets(ctx, p)
	case action.TypeLearnSkills:
		return r.handleLearnSkills(p)
	case action.TypeCreateSkill:
		return r.handleCreateSkill(ctx, p)
	case action.TypeFetchWeb:
		return r.handleFetchWeb(ctx, p)
	case action.TypeCallAPI:
		return r.handleCallAPI(ctx, p)
	case action.TypeCallMCP:
		return r.handleCallMCP(ctx, req, p)
	case action.TypeFileRead:
		return r.handleFileRead(p)
	case action.TypeFileWrite:
		return r.handleFileWrite(p)
	case action.TypeAnswerEngine:
		return r.handleAnswerEngine(ctx, req, p)
	case action.TypeSpawnChild:
		return r.handleSpawnChild(ctx, req, p)
	case action.TypeDismissChild:
		return r.handleDismissChild(ctx, req, p)
	case action.TypeAdjustBudget:
		return r.handleAdjustBudget(ctx, req, p)
	case action.TypeShell:
		return r.handleShell(ctx, req, p, poster, forceSync)
	case action.TypeBatchSync:
		return r.handleBatchSync(ctx, req, p, poster)
	case action.TypeBatchAsync:
		if forceSync {
			return fail(action.ErrNestedBatch)
		}
		return r.handleBatchAsync(ctx, req, p, poster)
	default:
		return fail(fmt.Errorf("%w: %s", action.ErrUnknownAction, req.Spec.Type))
	}
}

// CompleteAsync closes the audit row and posts the final result for a
// deferred action.
func (r *Router) CompleteAsync(req Request, outcome Outcome, poster Poster) {
	ctx := context.Background()
	r.finish(ctx, req, outcome)
	poster.PostActionResult(req.ActionID, req.Spec.Type, outcome)
}

func (r *Router) finish(ctx context.Context, req Request, outcome Outcome) {
	if outcome.Failed() {
		r.transition(ctx, req.ActionID, store.ActionFailed, marshalOutcome(outcome), outcome.Err)
		r.publish(req, protocol.EventActionFailed, outcome.Err)
		return
	}
	r.transition(ctx, req.ActionID, store.ActionCompleted, marshalOutcome(outcome), "")
	r.publish(req, protocol.EventActionCompleted, nil)
}

// failNoAudit covers validation failures before the audit row exists.
func (r *Router) failNoAudit(req Request, err error) Outcome {
	outcome := fail(err)
	r.audit(context.Background(), req, store.ActionFailed, marshalOutcome(outcome), outcome.Err)
	r.publish(req, protocol.EventActionFailed, outcome.Err)
	return outcome
}

func (r *Router) audit(ctx context.Context, req Request, status store.ActionStatus, result []byte, errMsg string) {
	if r.deps.Stores == nil || r.deps.Stores.Actions == nil {
		return
	}
	params, _ := json.Marshal(req.Spec.Params)
	rec := &store.ActionRecord{
		ID:           req.ActionID,
		AgentID:      req.AgentID,
		ActionType:   req.Spec.Type,
		Params:       params,
		Result:       result,
		Status:       status,
		ErrorMessage: errMsg,
	}
	if status == store.ActionFailed {
		now := time.Now().UTC()
		rec.CompletedAt = &now
	}
	if err := r.deps.Stores.Actions.Insert(ctx, rec); err != nil {
		slog.Warn("router: action audit insert failed", "action", req.Spec.Type, "error", err)
	}
}

func (r *Router) transition(ctx context.Context, actionID uuid.UUID, next store.ActionStatus, result []byte, errMsg string) {
	if r.deps.Stores == nil || r.deps.Stores.Actions == nil {
		return
	}
	if err := r.deps.Stores.Actions.Transition(ctx, actionID, next, result, errMsg); err != nil {
		slog.Warn("router: action audit transition failed", "action_id", actionID, "next", next, "error", err)
	}
}

func (r *Router) publish(req Request, event string, payload interface{}) {
	if r.deps.Bus == nil {
		return
	}
	r.deps.Bus.Publish(bus.Event{
		Topic:   protocol.AgentLogsTopic(req.AgentID),
		Name:    event,
		AgentID: req.AgentID,
		Payload: map[string]interface{}{
			"action_id":   req.ActionID.String(),
			"action_type": req.Spec.Type,
			"detail":      payload,
		},
	})
}

func marshalOutcome(o Outcome) []byte {
	b, err := json.Marshal(o)
	if err != nil {
		return nil
	}
	return b
}

// fail builds a failure Outcome from an error using the taxonomy code.
func fail(err error) Outcome {
	return Outcome{Err: FailureCode(err), Summary: err.Error()}
}

func success(payload action.Value, summary string) Outcome {
	return Outcome{Payload: payload, Summary: summary}
}

// timeoutCtx applies the configured per-action timeout.
func (r *Router) timeoutCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	secs := r.deps.Config.ActionTimeoutSec
	if secs <= 0 {
		secs = 30
	}
	return context.WithTimeout(ctx, time.Duration(secs)*time.Second)
}
