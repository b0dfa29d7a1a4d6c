package tree

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nextlevelbuilder/quorum/internal/action"
	"github.com/nextlevelbuilder/quorum/internal/actor"
	"github.com/nextlevelbuilder/quorum/internal/budget"
	"github.com/nextlevelbuilder/quorum/internal/bus"
	"github.com/nextlevelbuilder/quorum/internal/registry"
	"github.com/nextlevelbuilder/quorum/internal/router"
	"github.com/nextlevelbuilder/quorum/internal/store"
	"github.com/nextlevelbuilder/quorum/pkg/protocol"
)

const (
	spawnAttempts  = 3
	spawnBackoffMS = 200
	bootSyncWait   = 5 * time.Second
)

// SpawnChild validates synchronously, pre-generates the child id and
// hands the rest to a background worker. The returned id is immediately
// usable for tracking; failures arrive at the parent as a spawn_failed
// message.
func (m *Manager) SpawnChild(ctx context.Context, parentID string, parentBudget budget.Budget, params action.Params) (string, error) {
	parentEntry := m.reg.Lookup(parentID)
	if parentEntry == nil {
		return "", fmt.Errorf("%w: %s", router.ErrAgentNotFound, parentID)
	}
	if m.dismissing.has(parentID) {
		return "", fmt.Errorf("%w: %s", router.ErrParentDismissing, parentID)
	}

	amount, hasBudget := decimal.Zero, false
	if v, ok := params["budget"]; ok {
		amount, hasBudget = v.AsDecimal()
	}

	// Explicit cap discipline: a capped parent must grant an explicit
	// budget to every child.
	if parentBudget.IsCapped() && !hasBudget {
		return "", budget.ErrBudgetRequired
	}
	if hasBudget && parentBudget.IsCapped() {
		parentSpent, err := m.costs.SpentForAgent(ctx, parentID)
		if err != nil {
			return "", fmt.Errorf("query parent spend: %w", err)
		}
		if err := budget.ValidateAllocation(parentBudget, parentSpent, amount); err != nil {
			return "", err
		}
	}

	childID := newAgentID()
	go m.spawnWorker(parentEntry, childID, params, amount, hasBudget, parentBudget.IsCapped())
	return childID, nil
}

// spawnWorker runs the background spawn sequence: resolve profile and
// skills, build config, start the child, confirm boot with a sync
// state read, send the initial task message, broadcast, update the
// parent's tracking and escrow.
func (m *Manager) spawnWorker(parentEntry *registry.Entry, childID string, params action.Params,
	amount decimal.Decimal, hasBudget, escrow bool) {

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	taskDescription := strParam(params, "task_description")
	failSpawn := func(reason string) {
		slog.Warn("spawn worker failed", "child", childID, "parent", parentEntry.AgentID, "reason", reason)
		MarkStopped(m.stores.Agents, childID, store.AgentFailed)
		parentEntry.Handle.Send(actor.SpawnFailed{ChildID: childID, Reason: reason, Task: taskDescription})
		if m.observer != nil {
			m.observer.SpawnFailed(parentEntry.AgentID, childID, reason)
		}
	}

	// (a) resolve profile and skills
	profileName := strParam(params, "profile")
	if profileName == "" {
		if parentRec, err := m.stores.Agents.Get(ctx, parentEntry.AgentID); err == nil {
			if cfg, _, _, err := actor.DecodeRecord(parentRec); err == nil {
				profileName = cfg.ProfileName
			}
		}
	}
	profile, err := m.cfg.ResolveProfile(profileName)
	if err != nil {
		failSpawn(err.Error())
		return
	}
	if profileName == "" {
		profileName = "default"
	}

	var preloaded []store.SkillRecord
	for _, name := range strListParam(params, "skills") {
		rec, err := m.skillsLd.Get(name)
		if err != nil {
			slog.Warn("spawn: unknown skill ignored", "skill", name, "child", childID)
			continue
		}
		preloaded = append(preloaded, *rec)
	}

	// (b) build config
	task, err := m.stores.Tasks.Get(ctx, parentEntry.TaskID)
	if err != nil {
		failSpawn("load task: " + err.Error())
		return
	}

	childBudget := budget.NA()
	if hasBudget {
		childBudget = budget.Capped(budget.ModeAllocated, amount)
	}

	fields := actor.PromptFields{
		Injected: actor.InjectedFields{
			GlobalContext:     task.GlobalContext,
			GlobalConstraints: task.InitialConstraints,
		},
		Provided: actor.ProvidedFields{
			TaskDescription:       taskDescription,
			SuccessCriteria:       strParam(params, "success_criteria"),
			ImmediateContext:      strParam(params, "immediate_context"),
			ApproachGuidance:      strParam(params, "approach_guidance"),
			Role:                  strParam(params, "role"),
			CognitiveStyle:        strParam(params, "cognitive_style"),
			OutputStyle:           strParam(params, "output_style"),
			DelegationStrategy:    strParam(params, "delegation_strategy"),
			DownstreamConstraints: strListParam(params, "downstream_constraints"),
		},
	}

	restored := &actor.RestoredState{
		ActiveSkills: preloaded,
		Budget:       childBudget,
	}
	cfg := m.actorConfig(store.GenNewID(), childID, parentEntry.TaskID, parentEntry.AgentID,
		profileName, profile, fields, childBudget, restored)

	// Persist before start: every live registry entry must have a
	// matching record.
	probe := actor.New(cfg)
	rec, err := probe.EncodeRecord()
	if err != nil {
		failSpawn("encode child: " + err.Error())
		return
	}
	rec.Status = store.AgentStarting
	if err := m.stores.Agents.Upsert(ctx, rec); err != nil {
		failSpawn("persist child: " + err.Error())
		return
	}

	// (c) start, with bounded jittered retries
	var child *actor.Agent
	for attempt := 1; attempt <= spawnAttempts; attempt++ {
		child, err = m.sup.StartAgent(cfg)
		if err == nil {
			break
		}
		if attempt < spawnAttempts {
			delay := time.Duration(spawnBackoffMS*attempt+rand.Intn(spawnBackoffMS)) * time.Millisecond
			slog.Warn("spawn start retry", "child", childID, "attempt", attempt, "error", err, "delay", delay.String())
			time.Sleep(delay)
		}
	}
	if child == nil {
		failSpawn("start child: " + err.Error())
		return
	}

	// (d) initial sync read confirms the mailbox is live
	if _, ok := child.SyncState(bootSyncWait); !ok {
		m.sup.Terminate(childID)
		failSpawn("child failed boot confirmation")
		return
	}

	// (e) initial task message
	child.Send(actor.UserMessage{Content: taskDescription})

	// (f) broadcast spawned
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Topic:   protocol.AgentSpawnedTopic(childID),
			Name:    protocol.EventAgentSpawned,
			AgentID: childID,
			TaskID:  parentEntry.TaskID.String(),
			Payload: map[string]interface{}{"parent": parentEntry.AgentID},
		})
	}

	// (g) idempotent children tracking on the parent
	parentEntry.Handle.Send(actor.ChildSpawned{AgentID: childID, SpawnedAt: time.Now().UTC()})

	// (h) escrow: raise the parent's committed by the granted amount
	if hasBudget && escrow {
		parentEntry.Handle.Send(actor.UpdateBudgetCommitted{Delta: amount})
	}

	if m.observer != nil {
		m.observer.SpawnSucceeded(parentEntry.AgentID, childID)
	}
	slog.Info("child spawned", "child", childID, "parent", parentEntry.AgentID, "budget", amount.String())
}

func strParam(p action.Params, name string) string {
	if v, ok := p[name]; ok && v.Kind == action.KindString {
		return v.S
	}
	return ""
}

func strListParam(p action.Params, name string) []string {
	v, ok := p[name]
	if !ok || v.Kind != action.KindList {
		return nil
	}
	var out []string
	for _, e := range v.Items {
		if e.Kind == action.KindString {
			out = append(out, e.S)
		}
	}
	return out
}
