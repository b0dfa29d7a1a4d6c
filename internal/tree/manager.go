package tree

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nextlevelbuilder/quorum/internal/actor"
	"github.com/nextlevelbuilder/quorum/internal/budget"
	"github.com/nextlevelbuilder/quorum/internal/bus"
	"github.com/nextlevelbuilder/quorum/internal/config"
	"github.com/nextlevelbuilder/quorum/internal/consensus"
	"github.com/nextlevelbuilder/quorum/internal/cost"
	"github.com/nextlevelbuilder/quorum/internal/mcp"
	"github.com/nextlevelbuilder/quorum/internal/providers"
	"github.com/nextlevelbuilder/quorum/internal/registry"
	"github.com/nextlevelbuilder/quorum/internal/router"
	"github.com/nextlevelbuilder/quorum/internal/secrets"
	"github.com/nextlevelbuilder/quorum/internal/skills"
	"github.com/nextlevelbuilder/quorum/internal/store"
	"github.com/nextlevelbuilder/quorum/pkg/protocol"
)

// Observer receives spawn worker outcomes; tests install one to
// observe the background path.
type Observer interface {
	SpawnSucceeded(parentID, childID string)
	SpawnFailed(parentID, childID, reason string)
}

// ManagerConfig wires the tree lifecycle controller.
type ManagerConfig struct {
	Config   *config.Config
	Stores   *store.Stores
	Bus      bus.Publisher
	Registry *registry.Registry
	Pool     *providers.Pool
	Engine   *consensus.Engine
	Costs    *cost.Tracker
	Shell    *router.ShellSupervisor
	MCP      *mcp.Manager
	Vault    *secrets.Vault
	Skills   *skills.Loader
	Observer Observer // optional
}

// Manager drives the task/agent tree lifecycle. It implements
// router.TreeOps and router.Messenger.
type Manager struct {
	cfg        *config.Config
	stores     *store.Stores
	bus        bus.Publisher
	reg        *registry.Registry
	sup        *Supervisor
	pool       *providers.Pool
	engine     *consensus.Engine
	costs      *cost.Tracker
	shell      *router.ShellSupervisor
	mcpMgr     *mcp.Manager
	vault      *secrets.Vault
	skillsLd   *skills.Loader
	observer   Observer
	dismissing *dismissSet
}

func NewManager(mc ManagerConfig) *Manager {
	return &Manager{
		cfg:        mc.Config,
		stores:     mc.Stores,
		bus:        mc.Bus,
		reg:        mc.Registry,
		sup:        NewSupervisor(mc.Registry),
		pool:       mc.Pool,
		engine:     mc.Engine,
		costs:      mc.Costs,
		shell:      mc.Shell,
		mcpMgr:     mc.MCP,
		vault:      mc.Vault,
		skillsLd:   mc.Skills,
		observer:   mc.Observer,
		dismissing: newDismissSet(),
	}
}

// Supervisor exposes the actor supervisor (used by the CLI and tests).
func (m *Manager) Supervisor() *Supervisor { return m.sup }

// SkillsLoader exposes the skill library (used by the CLI wiring).
func (m *Manager) SkillsLoader() *skills.Loader { return m.skillsLd }

// WaitForQuiescence blocks until no live agents remain (bounded).
// Used on daemon shutdown after pausing all tasks.
func (m *Manager) WaitForQuiescence(ctx context.Context) {
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		if m.reg.Len() == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(200 * time.Millisecond):
		}
	}
	slog.Warn("shutdown: agents still live after grace period", "count", m.reg.Len())
}

func persistCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

// routerDeps builds the per-action router dependency set.
func (m *Manager) routerDeps() router.Deps {
	return router.Deps{
		Stores:    m.stores,
		Bus:       m.bus,
		Vault:     m.vault,
		Skills:    m.skillsLd,
		MCP:       m.mcpMgr,
		Shell:     m.shell,
		Tree:      m,
		Messenger: m,
		Answer:    m.answerEngine,
		Costs:     m.costs,
		Config:    m.cfg.Router,
	}
}

// answerEngine serves the answer_engine action with a single
// consultation of the first pool model of the default profile.
func (m *Manager) answerEngine(ctx context.Context, query string) (string, error) {
	profile, err := m.cfg.ResolveProfile("")
	if err != nil {
		return "", err
	}
	resp, err := m.pool.GenerateText(ctx, profile.ModelPool[0], []providers.Message{
		{Role: "system", Content: "Answer the question directly and concisely."},
		{Role: "user", Content: query},
	}, providers.Options{MaxTokens: 1024})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// actorConfig assembles an actor.Config for a fresh or restored agent.
func (m *Manager) actorConfig(recordID uuid.UUID, agentID string, taskID uuid.UUID, parentID string,
	profileName string, profile *config.ProfileConfig, fields actor.PromptFields,
	b budget.Budget, restored *actor.RestoredState) actor.Config {

	return actor.Config{
		RecordID:             recordID,
		AgentID:              agentID,
		TaskID:               taskID,
		ParentID:             parentID,
		ProfileName:          profileName,
		ModelPool:            profile.ModelPool,
		CapabilityGroups:     profile.CapabilityGroups,
		PromptFields:         fields,
		Budget:               b,
		MailboxSize:          m.cfg.Actor.MailboxSize,
		HistoryCondenseAfter: m.cfg.Actor.HistoryCondenseAfter,
		RetryMax:             m.cfg.Actor.ConsensusRetryMax,
		BackoffMS:            m.cfg.Actor.ConsensusBackoffMS,
		Models:               m.pool,
		Engine:               m.engine,
		RouterDeps:           m.routerDeps(),
		Stores:               m.stores,
		Bus:                  m.bus,
		Costs:                m.costs,
		Restored:             restored,
	}
}

// CreateTask persists the task plus its root agent in one transaction,
// then starts the root actor and sends it the initial task message. A
// root start failure marks the task failed (the record is already
// committed; failing it prevents orphan agents).
func (m *Manager) CreateTask(ctx context.Context, prompt, profileName, globalContext string,
	constraints []string, rootBudget *decimal.Decimal) (*store.Task, error) {

	profile, err := m.cfg.ResolveProfile(profileName)
	if err != nil {
		return nil, err
	}
	if profileName == "" {
		profileName = "default"
	}

	task := &store.Task{
		ID:                 store.GenNewID(),
		Prompt:             prompt,
		Status:             store.TaskRunning,
		GlobalContext:      globalContext,
		InitialConstraints: constraints,
		ProfileName:        profileName,
	}

	rootID := newAgentID()
	rootBudgetData := budget.NA()
	if rootBudget != nil {
		rootBudgetData = budget.Capped(budget.ModeRoot, *rootBudget)
	}

	fields := actor.PromptFields{
		Injected: actor.InjectedFields{
			GlobalContext:     globalContext,
			GlobalConstraints: constraints,
		},
		Provided: actor.ProvidedFields{
			TaskDescription: prompt,
			Role:            profile.Role,
			CognitiveStyle:  profile.CognitiveStyle,
			OutputStyle:     profile.OutputStyle,
		},
	}

	cfg := m.actorConfig(store.GenNewID(), rootID, task.ID, "", profileName, profile, fields, rootBudgetData, nil)
	agent := actor.New(cfg)
	rec, err := agent.EncodeRecord()
	if err != nil {
		return nil, err
	}
	rec.Status = store.AgentStarting

	if err := m.stores.Tasks.CreateWithRoot(ctx, task, rec); err != nil {
		return nil, fmt.Errorf("persist task: %w", err)
	}

	started, err := m.sup.StartAgent(cfg)
	if err != nil {
		// Task row is already committed: mark it failed so no orphan
		// agents accumulate under a half-created task.
		pctx, cancel := persistCtx()
		defer cancel()
		_ = m.stores.Tasks.SetResult(pctx, task.ID, store.TaskFailed, "", "root agent failed to start: "+err.Error())
		task.Status = store.TaskFailed
		task.ErrorMessage = err.Error()
		return task, fmt.Errorf("start root agent: %w", err)
	}

	started.Send(actor.UserMessage{Content: prompt})

	m.publishTask(task.ID, protocol.EventTaskCreated, map[string]interface{}{"root": rootID})
	slog.Info("task created", "task", task.ID.String(), "root", rootID, "profile", profileName)
	return task, nil
}

// DeleteTask terminates any live agents then cascade-deletes the task.
func (m *Manager) DeleteTask(ctx context.Context, taskID uuid.UUID) error {
	for _, entry := range m.reg.LiveForTask(taskID) {
		m.sup.Terminate(entry.AgentID)
	}
	if err := m.stores.Tasks.Delete(ctx, taskID); err != nil {
		return err
	}
	m.publishTask(taskID, protocol.EventTaskDeleted, nil)
	return nil
}

func (m *Manager) publishTask(taskID uuid.UUID, event string, payload map[string]interface{}) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.Event{
		Topic:   protocol.TaskMessagesTopic(taskID.String()),
		Name:    event,
		TaskID:  taskID.String(),
		Payload: payload,
	})
}

func newAgentID() string {
	return uuid.Must(uuid.NewV7()).String()
}
