package actor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/quorum/internal/action"
	"github.com/nextlevelbuilder/quorum/internal/bus"
	"github.com/nextlevelbuilder/quorum/internal/consensus"
	"github.com/nextlevelbuilder/quorum/internal/cost"
	"github.com/nextlevelbuilder/quorum/internal/providers"
	"github.com/nextlevelbuilder/quorum/internal/router"
	"github.com/nextlevelbuilder/quorum/internal/store"
	"github.com/nextlevelbuilder/quorum/internal/tracing"
	"github.com/nextlevelbuilder/quorum/pkg/protocol"
)

const (
	modelCallTimeout   = 120 * time.Second
	defaultMaxTokens   = 4096
	defaultTemperature = 0.7
)

// runCycle executes one consensus cycle: build prompts, fan out to the
// model pool, reduce, dispatch, incorporate.
func (a *Agent) runCycle() {
	_, span := tracing.StartCycle(a.ctx, a.cfg.AgentID)
	defer span.End()

	if a.status != store.AgentRunning {
		a.status = store.AgentRunning
	}
	a.publishCycleEvent(protocol.EventConsensusStarted, nil)

	a.maybeCondenseHistories()

	replies := a.consultModels()
	if len(replies) == 0 {
		a.handleFullPoolFailure()
		return
	}
	a.retryAttempt = 0

	slate := consensus.FilterValid(replies)
	if len(slate) == 0 {
		a.handleConsensusFailure(fmt.Errorf("%w: no parseable candidates", consensus.ErrNoConsensus))
		return
	}

	acc := cost.NewAccumulator()
	spec, err := a.cfg.Engine.Reduce(a.ctx, slate, acc)
	a.chargeEmbeddingCost(acc)
	if err != nil {
		a.handleConsensusFailure(err)
		return
	}
	a.recoveryPending = false

	// Record the decision into every model history so each model sees
	// what was chosen, not just what it proposed.
	decision, _ := json.Marshal(map[string]interface{}{"action": spec.Type, "params": spec.Params.ToAny()})
	a.appendAll(HistoryEntry{Type: "decision", Content: string(decision), Timestamp: time.Now().UTC()})

	if !a.capabilityAllowed(spec.Type) {
		a.appendAll(HistoryEntry{
			Type:      "user",
			Content:   "[system] action " + spec.Type + " is not permitted by this agent's capability groups",
			Timestamp: time.Now().UTC(),
		})
		a.selfTrigger()
		a.persist()
		return
	}

	// I6: a dismissing agent may not initiate new spawns.
	if a.dismissing && spec.Type == action.TypeSpawnChild {
		a.appendAll(HistoryEntry{
			Type:      "user",
			Content:   "[system] spawn refused: this agent is being dismissed",
			Timestamp: time.Now().UTC(),
		})
		a.selfTrigger()
		a.persist()
		return
	}

	a.publishCycleEvent(protocol.EventConsensusDecided, map[string]interface{}{"action": spec.Type})

	req := router.Request{
		ActionID: store.GenNewID(),
		AgentID:  a.cfg.AgentID,
		TaskID:   a.cfg.TaskID,
		Budget:   a.budget,
		Spec:     *spec,
	}
	outcome := router.New(a.cfg.RouterDeps).Dispatch(a.ctx, req, a)

	retrigger := a.incorporateOutcome(spec.Type, outcome)
	if retrigger {
		a.selfTrigger()
	}
	a.persist()
}

// consultModels fans one request per pool entry out in parallel and
// returns the parsed candidate specs of the survivors.
func (a *Agent) consultModels() []action.Spec {
	ctx, cancel := context.WithTimeout(a.ctx, modelCallTimeout)
	defer cancel()

	opts := providers.Options{MaxTokens: defaultMaxTokens, Temperature: defaultTemperature}

	type reply struct {
		idx  int
		spec action.Spec
		ok   bool
	}
	results := make([]reply, len(a.cfg.ModelPool))
	var wg sync.WaitGroup
	for i, modelSpec := range a.cfg.ModelPool {
		wg.Add(1)
		go func(idx int, modelSpec string) {
			defer wg.Done()
			messages := a.buildMessages(modelSpec)
			resp, err := a.cfg.Models.GenerateText(ctx, modelSpec, messages, opts)
			if err != nil {
				a.log("warn", "model call failed", "model", modelSpec, "error", err.Error())
				return
			}
			parsed, err := parseActionResponse(resp.Content)
			if err != nil {
				a.log("warn", "unparseable model response", "model", modelSpec, "error", err.Error())
				return
			}
			results[idx] = reply{idx: idx, spec: parsed, ok: true}
		}(i, modelSpec)
	}
	wg.Wait()

	var out []action.Spec
	for _, r := range results {
		if r.ok {
			out = append(out, r.spec)
		}
	}
	return out
}

// handleFullPoolFailure retries a fully failed fan-out with jittered
// backoff, bounded by the configured attempt cap.
func (a *Agent) handleFullPoolFailure() {
	a.retryAttempt++
	max := a.cfg.RetryMax
	if max <= 0 {
		max = 3
	}
	if a.retryAttempt > max {
		a.log("error", "consensus cycle failed: model pool unreachable", "attempts", fmt.Sprintf("%d", a.retryAttempt-1))
		a.status = store.AgentIdle
		a.retryAttempt = 0
		a.persist()
		return
	}

	base := a.cfg.BackoffMS
	if base <= 0 {
		base = 100
	}
	// Jittered backoff of at least base·attempt milliseconds.
	delay := time.Duration(base*a.retryAttempt)*time.Millisecond +
		time.Duration(rand.Intn(base))*time.Millisecond
	a.log("warn", "all model calls failed, backing off", "attempt", fmt.Sprintf("%d", a.retryAttempt), "delay", delay.String())

	time.AfterFunc(delay, func() {
		a.Send(TriggerConsensus{})
	})
}

// handleConsensusFailure logs, annotates the histories and re-triggers
// once. No action is dispatched.
func (a *Agent) handleConsensusFailure(err error) {
	a.log("warn", "consensus failed", "error", err.Error())
	a.publishCycleEvent(protocol.EventConsensusFailed, map[string]interface{}{"error": err.Error()})

	a.appendAll(HistoryEntry{
		Type:      "user",
		Content:   "[no-consensus recovery] the models disagreed (" + err.Error() + "); converge on a single conservative action",
		Timestamp: time.Now().UTC(),
	})

	if !a.recoveryPending {
		a.recoveryPending = true
		a.selfTrigger()
	} else {
		// Second failure in a row: go idle and wait for new input
		// instead of burning the pool.
		a.recoveryPending = false
		a.status = store.AgentIdle
	}
	a.persist()
}

// incorporateOutcome folds an action result into local state and
// reports whether the loop should re-trigger.
func (a *Agent) incorporateOutcome(actionType string, outcome router.Outcome) bool {
	a.appendAll(HistoryEntry{
		Type:      "agent",
		Content:   outcomeNote(actionType, outcome),
		Timestamp: time.Now().UTC(),
	})

	if outcome.Failed() {
		// The model self-corrects on the next cycle with the error in
		// its history.
		return true
	}
	if outcome.Async {
		// Acknowledged; the agent keeps working while it runs.
		return true
	}

	switch actionType {
	case action.TypeTodo:
		a.todos = todosFromPayload(outcome.Payload)

	case action.TypeOrient:
		if m := outcome.Payload.Map; m != nil {
			if v, ok := m["situation"]; ok && v.Kind == action.KindString {
				a.transformed.Narrative = append(a.transformed.Narrative, v.S)
			}
		}

	case action.TypeLearnSkills, action.TypeCreateSkill:
		a.mergeSkills(outcome.Payload)

	case action.TypeWaitAction, action.TypeSendMessage, action.TypeShell:
		if wait, ok := waitFromPayload(outcome.Payload); ok {
			return a.applyWait(wait)
		}
	}
	return true
}

// applyWait interprets a merged wait value; it returns whether to
// re-trigger immediately.
func (a *Agent) applyWait(wait action.Value) bool {
	switch wait.Kind {
	case action.KindBool:
		if wait.B {
			// Block until new input arrives.
			a.status = store.AgentIdle
			return false
		}
		return true
	case action.KindInt:
		if wait.I <= 0 {
			return true
		}
		a.scheduleWait(time.Duration(wait.I) * time.Second)
		return false
	default:
		return true
	}
}

func (a *Agent) scheduleWait(d time.Duration) {
	if a.waitTimer != nil {
		a.waitTimer.Stop()
	}
	ref := uuid.Must(uuid.NewV7())
	a.waitTimerRef = ref
	a.waitTimer = time.AfterFunc(d, func() {
		a.Send(WaitExpired{TimerRef: ref})
	})
	a.status = store.AgentIdle
	a.publishWaitEvent(protocol.EventWaitScheduled)
}

func (a *Agent) capabilityAllowed(actionType string) bool {
	schema := action.Get(actionType)
	if schema == nil {
		return false
	}
	for _, g := range a.cfg.CapabilityGroups {
		if g == schema.Capability {
			return true
		}
	}
	return false
}

func (a *Agent) selfTrigger() {
	select {
	case a.mailbox <- ContinueConsensus{}:
	default:
		// Mailbox saturated: a trigger is already pending, which is
		// equivalent after the drain.
	}
}

func (a *Agent) chargeEmbeddingCost(acc *cost.Accumulator) {
	total := acc.Total()
	if total.IsZero() || a.cfg.Costs == nil {
		return
	}
	if err := a.cfg.Costs.Record(context.Background(), a.cfg.TaskID, a.cfg.AgentID,
		store.CostCategoryEmbedding, total, "semantic similarity embeddings"); err != nil {
		a.log("warn", "embedding cost record failed", "error", err.Error())
	}
}

func (a *Agent) mergeSkills(payload action.Value) {
	var records []store.SkillRecord
	if payload.Kind != action.KindMap {
		return
	}
	if skillsVal, ok := payload.Map["skills"]; ok && skillsVal.Kind == action.KindList {
		for _, item := range skillsVal.Items {
			if rec, ok := skillFromValue(item); ok {
				records = append(records, rec)
			}
		}
	} else if rec, ok := skillFromValue(payload); ok {
		records = append(records, rec)
	}

	for _, rec := range records {
		replaced := false
		for i, existing := range a.activeSkills {
			if existing.Name == rec.Name {
				a.activeSkills[i] = rec
				replaced = true
				break
			}
		}
		if !replaced {
			a.activeSkills = append(a.activeSkills, rec)
		}
	}
}

func skillFromValue(v action.Value) (store.SkillRecord, bool) {
	if v.Kind != action.KindMap {
		return store.SkillRecord{}, false
	}
	get := func(key string) string {
		if e, ok := v.Map[key]; ok && e.Kind == action.KindString {
			return e.S
		}
		return ""
	}
	name := get("name")
	if name == "" {
		return store.SkillRecord{}, false
	}
	permanent := false
	if e, ok := v.Map["permanent"]; ok && e.Kind == action.KindBool {
		permanent = e.B
	}
	return store.SkillRecord{
		Name:        name,
		Description: get("description"),
		Path:        get("path"),
		Content:     get("content"),
		Permanent:   permanent,
	}, true
}

func todosFromPayload(payload action.Value) []Todo {
	if payload.Kind != action.KindMap {
		return nil
	}
	items, ok := payload.Map["items"]
	if !ok || items.Kind != action.KindList {
		return nil
	}
	out := make([]Todo, 0, len(items.Items))
	for _, item := range items.Items {
		if item.Kind != action.KindMap {
			continue
		}
		todo := Todo{State: "todo"}
		if v, ok := item.Map["content"]; ok && v.Kind == action.KindString {
			todo.Content = v.S
		}
		if v, ok := item.Map["state"]; ok && v.Kind == action.KindString {
			todo.State = v.S
		}
		if todo.Content != "" {
			out = append(out, todo)
		}
	}
	return out
}

func waitFromPayload(payload action.Value) (action.Value, bool) {
	if payload.Kind != action.KindMap {
		return action.Value{}, false
	}
	wait, ok := payload.Map["wait"]
	return wait, ok
}

func outcomeNote(actionType string, outcome router.Outcome) string {
	payload, _ := json.Marshal(outcome.Payload.ToAny())
	note := "[action " + actionType + "]"
	switch {
	case outcome.Failed():
		note += " error=" + outcome.Err
	case outcome.Async:
		note += " acknowledged"
	default:
		note += " completed"
	}
	if outcome.Summary != "" {
		note += ": " + outcome.Summary
	}
	if len(payload) > 0 && string(payload) != "null" {
		content := string(payload)
		if len(content) > 8000 {
			content = content[:8000] + "…"
		}
		note += "\n" + content
	}
	return note
}

func batchSubResultNote(m BatchActionResult) string {
	status := "ok"
	if m.Outcome.Failed() {
		status = "error=" + m.Outcome.Err
	}
	return fmt.Sprintf("[batch %s action %d (%s)] %s: %s",
		m.BatchID, m.SubIndex, m.ActionType, status, m.Outcome.Summary)
}

func batchCompletedNote(m BatchCompleted) string {
	failures := 0
	for _, o := range m.Results {
		if o.Failed() {
			failures++
		}
	}
	return fmt.Sprintf("[batch %s completed] %d results, %d failures", m.BatchID, len(m.Results), failures)
}

// Poster implementation: the router posts deferred results back into
// the mailbox as messages.

func (a *Agent) PostActionResult(actionID uuid.UUID, actionType string, outcome router.Outcome) {
	a.Send(ActionResult{ActionID: actionID, ActionType: actionType, Outcome: outcome})
}

func (a *Agent) PostBatchActionResult(batchID uuid.UUID, subIndex int, actionType string, outcome router.Outcome) {
	a.Send(BatchActionResult{BatchID: batchID, SubIndex: subIndex, ActionType: actionType, Outcome: outcome})
}

func (a *Agent) PostBatchCompleted(batchID uuid.UUID, results []router.Outcome) {
	a.Send(BatchCompleted{BatchID: batchID, Results: results})
}

func (a *Agent) publishCycleEvent(name string, payload map[string]interface{}) {
	if a.cfg.Bus == nil {
		return
	}
	a.cfg.Bus.Publish(bus.Event{
		Topic:   protocol.AgentLogsTopic(a.cfg.AgentID),
		Name:    name,
		AgentID: a.cfg.AgentID,
		TaskID:  a.cfg.TaskID.String(),
		Payload: payload,
	})
}

// log writes a structured entry to slog, the log store and the bus.
func (a *Agent) log(level, msg string, args ...string) {
	kv := make(map[string]string, len(args)/2)
	slogArgs := make([]interface{}, 0, len(args)+2)
	slogArgs = append(slogArgs, "agent", a.cfg.AgentID)
	for i := 0; i+1 < len(args); i += 2 {
		kv[args[i]] = args[i+1]
		slogArgs = append(slogArgs, args[i], args[i+1])
	}
	switch level {
	case "error":
		slog.Error(msg, slogArgs...)
	case "warn":
		slog.Warn(msg, slogArgs...)
	default:
		slog.Info(msg, slogArgs...)
	}

	if a.cfg.Stores != nil && a.cfg.Stores.Logs != nil {
		fields, _ := json.Marshal(kv)
		rec := &store.LogRecord{
			ID:      store.GenNewID(),
			AgentID: a.cfg.AgentID,
			Level:   level,
			Message: msg,
			Fields:  fields,
		}
		if err := a.cfg.Stores.Logs.Insert(context.Background(), rec); err != nil {
			slog.Debug("actor: log insert failed", "error", err)
		}
	}
	if a.cfg.Bus != nil {
		a.cfg.Bus.Publish(bus.Event{
			Topic:   protocol.AgentLogsTopic(a.cfg.AgentID),
			Name:    protocol.EventLog,
			AgentID: a.cfg.AgentID,
			Payload: map[string]interface{}{"level": level, "message": msg, "fields": kv},
		})
	}
}
