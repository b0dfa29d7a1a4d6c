package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/nextlevelbuilder/quorum/internal/action"
	"github.com/nextlevelbuilder/quorum/internal/mcp"
	"github.com/nextlevelbuilder/quorum/internal/store"
)

// Param accessors over validated params: validation already enforced
// the kinds, so these just unwrap.

func getStr(p action.Params, name string) string {
	if v, ok := p[name]; ok && v.Kind == action.KindString {
		return v.S
	}
	return ""
}

func getInt(p action.Params, name string, fallback int64) int64 {
	if v, ok := p[name]; ok && v.Kind == action.KindInt {
		return v.I
	}
	return fallback
}

func getBool(p action.Params, name string) bool {
	if v, ok := p[name]; ok && v.Kind == action.KindBool {
		return v.B
	}
	return false
}

func getDec(p action.Params, name string) (decimal.Decimal, bool) {
	if v, ok := p[name]; ok {
		return v.AsDecimal()
	}
	return decimal.Zero, false
}

func getStrList(p action.Params, name string) []string {
	v, ok := p[name]
	if !ok || v.Kind != action.KindList {
		return nil
	}
	out := make([]string, 0, len(v.Items))
	for _, e := range v.Items {
		if e.Kind == action.KindString {
			out = append(out, e.S)
		}
	}
	return out
}

// handleWait has no side effect: the actor interprets the merged wait
// value (block, sleep N, or continue).
func (r *Router) handleWait(p action.Params) Outcome {
	wait := p["wait"]
	return success(action.MapOf(map[string]action.Value{"wait": wait}), "wait acknowledged")
}

// handleOrient is reflective: the narrative is echoed back and lands
// in the transformed prompt zone via the actor.
func (r *Router) handleOrient(p action.Params) Outcome {
	payload := map[string]action.Value{"situation": p["situation"]}
	if v, ok := p["strategy"]; ok {
		payload["strategy"] = v
	}
	if v, ok := p["next_steps"]; ok {
		payload["next_steps"] = v
	}
	return success(action.MapOf(payload), "orientation recorded")
}

// handleTodo echoes the validated list; the actor replaces its todos.
func (r *Router) handleTodo(p action.Params) Outcome {
	items := p["items"]
	return success(action.MapOf(map[string]action.Value{"items": items}),
		fmt.Sprintf("todo list updated (%d items)", len(items.Items)))
}

func (r *Router) handleSendMessage(ctx context.Context, req Request, p action.Params) Outcome {
	recipient := getStr(p, "recipient_id")
	content := getStr(p, "content")

	var err error
	switch recipient {
	case "user":
		err = r.deps.Messenger.SendUserMessage(ctx, req.TaskID, req.AgentID, content)
	default:
		err = r.deps.Messenger.SendAgentMessage(ctx, req.AgentID, recipient, content)
	}
	if err != nil {
		return fail(err)
	}
	return success(action.MapOf(map[string]action.Value{
		"recipient": action.Str(recipient),
		"wait":      p["wait"],
	}), "message delivered to "+recipient)
}

func (r *Router) handleRecordCost(ctx context.Context, req Request, p action.Params) Outcome {
	amount, _ := getDec(p, "amount")
	category := getStr(p, "category")
	if category == "" {
		category = store.CostCategoryManual
	}
	description := getStr(p, "description")

	if err := r.deps.Costs.Record(ctx, req.TaskID, req.AgentID, category, amount, description); err != nil {
		return fail(err)
	}
	return success(action.MapOf(map[string]action.Value{
		"amount":   action.Dec(amount),
		"category": action.Str(category),
	}), fmt.Sprintf("recorded %s cost of %s", category, amount))
}

func (r *Router) handleGenerateSecret(ctx context.Context, p action.Params) Outcome {
	name := getStr(p, "name")
	length, err := r.deps.Vault.Generate(ctx, name, int(getInt(p, "length", 0)), getStr(p, "charset"))
	if err != nil {
		return fail(err)
	}
	return success(action.MapOf(map[string]action.Value{
		"name":   action.Str(name),
		"length": action.Int(int64(length)),
	}), fmt.Sprintf("secret %s generated; reference it as {{secret:%s}}", name, name))
}

func (r *Router) handleSearchSecrets(ctx context.Context, p action.Params) Outcome {
	recs, err := r.deps.Vault.Search(ctx, getStr(p, "query"))
	if err != nil {
		return fail(err)
	}
	names := make([]action.Value, len(recs))
	for i, rec := range recs {
		names[i] = action.Str(rec.Name)
	}
	return success(action.MapOf(map[string]action.Value{
		"names": {Kind: action.KindList, Items: names},
	}), fmt.Sprintf("%d secrets match", len(names)))
}

func (r *Router) handleLearnSkills(p action.Params) Outcome {
	var loaded []action.Value
	var missing []string
	for _, name := range getStrList(p, "names") {
		rec, err := r.deps.Skills.Get(name)
		if err != nil {
			missing = append(missing, name)
			continue
		}
		loaded = append(loaded, action.MapOf(map[string]action.Value{
			"name":        action.Str(rec.Name),
			"description": action.Str(rec.Description),
			"path":        action.Str(rec.Path),
			"content":     action.Str(rec.Content),
			"permanent":   action.Bool(rec.Permanent),
		}))
	}

	payload := map[string]action.Value{
		"skills": {Kind: action.KindList, Items: loaded},
	}
	summary := fmt.Sprintf("%d skills loaded", len(loaded))
	if len(missing) > 0 {
		missingVals := make([]action.Value, len(missing))
		for i, m := range missing {
			missingVals[i] = action.Str(m)
		}
		payload["missing"] = action.Value{Kind: action.KindList, Items: missingVals}
		summary += fmt.Sprintf(", %d unknown (%s)", len(missing), strings.Join(missing, ", "))
	}
	return success(action.MapOf(payload), summary)
}

func (r *Router) handleCreateSkill(ctx context.Context, p action.Params) Outcome {
	rec, err := r.deps.Skills.Create(ctx,
		getStr(p, "name"), getStr(p, "description"), getStr(p, "content"), getBool(p, "permanent"))
	if err != nil {
		return fail(err)
	}
	return success(action.MapOf(map[string]action.Value{
		"name":        action.Str(rec.Name),
		"description": action.Str(rec.Description),
		"path":        action.Str(rec.Path),
		"content":     action.Str(rec.Content),
		"permanent":   action.Bool(rec.Permanent),
	}), "skill "+rec.Name+" created")
}

func (r *Router) handleAnswerEngine(ctx context.Context, req Request, p action.Params) Outcome {
	ctx, cancel := r.timeoutCtx(ctx)
	defer cancel()

	answer, err := r.deps.Answer(ctx, getStr(p, "query"))
	if err != nil {
		return fail(err)
	}
	answer, truncated := r.truncate(answer)
	return success(action.MapOf(map[string]action.Value{
		"answer":    action.Str(answer),
		"truncated": action.Bool(truncated),
	}), "answer engine replied")
}

func (r *Router) handleCallMCP(ctx context.Context, req Request, p action.Params) Outcome {
	connectionID := getStr(p, "connection_id")

	// transport present means open a new connection.
	if transportVal, ok := p["transport"]; ok {
		spec, err := decodeTransportSpec(transportVal)
		if err != nil {
			return fail(err)
		}
		conn, err := r.deps.MCP.Open(ctx, req.AgentID, spec)
		if err != nil {
			return fail(err)
		}
		connectionID = conn.ID

		// No tool named: the connection itself is the result.
		if getStr(p, "tool") == "" {
			toolVals := make([]action.Value, len(conn.ToolNames()))
			for i, t := range conn.ToolNames() {
				toolVals[i] = action.Str(t)
			}
			return success(action.MapOf(map[string]action.Value{
				"connection_id": action.Str(connectionID),
				"tools":         {Kind: action.KindList, Items: toolVals},
			}), "mcp connection opened")
		}
	}

	if getBool(p, "terminate") {
		r.deps.MCP.Terminate(connectionID)
		return success(action.MapOf(map[string]action.Value{
			"connection_id": action.Str(connectionID),
			"terminated":    action.Bool(true),
		}), "mcp connection terminated")
	}

	tool := getStr(p, "tool")
	if tool == "" {
		return fail(fmt.Errorf("%w: tool", action.ErrMissingParam))
	}

	var arguments map[string]interface{}
	if argsVal, ok := p["arguments"]; ok && argsVal.Kind == action.KindMap {
		arguments = action.Params(argsVal.Map).ToAny()
	}

	result, err := r.deps.MCP.Call(ctx, connectionID, tool, arguments)
	if err != nil {
		return fail(err)
	}
	result, truncated := r.truncate(result)
	return success(action.MapOf(map[string]action.Value{
		"connection_id": action.Str(connectionID),
		"result":        action.Str(result),
		"truncated":     action.Bool(truncated),
	}), "mcp tool "+tool+" returned")
}

func decodeTransportSpec(v action.Value) (mcp.TransportSpec, error) {
	raw, err := json.Marshal(v.ToAny())
	if err != nil {
		return mcp.TransportSpec{}, fmt.Errorf("%w: transport: %v", action.ErrInvalidParam, err)
	}
	var spec mcp.TransportSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return mcp.TransportSpec{}, fmt.Errorf("%w: transport: %v", action.ErrInvalidParam, err)
	}
	if spec.Name == "" && spec.Kind == "" {
		return mcp.TransportSpec{}, fmt.Errorf("%w: transport needs name or kind", action.ErrInvalidParam)
	}
	return spec, nil
}

func (r *Router) handleSpawnChild(ctx context.Context, req Request, p action.Params) Outcome {
	childID, err := r.deps.Tree.SpawnChild(ctx, req.AgentID, req.Budget, p)
	if err != nil {
		return fail(err)
	}
	payload := map[string]action.Value{"child_id": action.Str(childID)}
	if budgetAmount, ok := getDec(p, "budget"); ok {
		payload["budget"] = action.Dec(budgetAmount)
	}
	return success(action.MapOf(payload), "child "+childID+" spawning")
}

func (r *Router) handleDismissChild(ctx context.Context, req Request, p action.Params) Outcome {
	childID := getStr(p, "child_id")
	if err := r.deps.Tree.DismissChild(ctx, req.AgentID, childID); err != nil {
		return fail(err)
	}
	return success(action.MapOf(map[string]action.Value{
		"child_id": action.Str(childID),
	}), "child "+childID+" dismissal started")
}

func (r *Router) handleAdjustBudget(ctx context.Context, req Request, p action.Params) Outcome {
	childID := getStr(p, "child_id")
	newAllocation, _ := getDec(p, "new_allocation")
	if err := r.deps.Tree.AdjustBudget(ctx, req.AgentID, req.Budget, childID, newAllocation); err != nil {
		return fail(err)
	}
	return success(action.MapOf(map[string]action.Value{
		"child_id":       action.Str(childID),
		"new_allocation": action.Dec(newAllocation),
	}), fmt.Sprintf("child %s budget adjusted to %s", childID, newAllocation))
}
