package tree

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nextlevelbuilder/quorum/internal/action"
	"github.com/nextlevelbuilder/quorum/internal/budget"
	"github.com/nextlevelbuilder/quorum/internal/bus"
	"github.com/nextlevelbuilder/quorum/internal/config"
	"github.com/nextlevelbuilder/quorum/internal/consensus"
	"github.com/nextlevelbuilder/quorum/internal/cost"
	"github.com/nextlevelbuilder/quorum/internal/providers"
	"github.com/nextlevelbuilder/quorum/internal/registry"
	"github.com/nextlevelbuilder/quorum/internal/router"
	"github.com/nextlevelbuilder/quorum/internal/secrets"
	"github.com/nextlevelbuilder/quorum/internal/skills"
	"github.com/nextlevelbuilder/quorum/internal/store"
	"github.com/nextlevelbuilder/quorum/internal/store/lite"
)

// idleProvider always chooses wait{true}, so agents settle idle after
// every message.
type idleProvider struct{}

func (idleProvider) GenerateText(ctx context.Context, model string, messages []providers.Message, opts providers.Options) (*providers.Response, error) {
	return &providers.Response{Content: `{"action":"wait","params":{"wait":true}}`}, nil
}

func (idleProvider) Embed(ctx context.Context, text string) ([]float64, error) {
	return []float64{1, 0}, nil
}

func (idleProvider) Name() string { return "fake" }

// stubHandle satisfies registry.Handle for orphan entries.
type stubHandle struct{}

func (stubHandle) Send(msg interface{}) bool { return false }
func (stubHandle) Terminate()                {}

func newTestManager(t *testing.T) (*Manager, *store.Stores) {
	t.Helper()

	stores, err := lite.NewLiteStores(store.StoreConfig{
		SQLitePath: filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Profiles["default"].ModelPool = []string{"fake/one"}
	cfg.Actor.MailboxSize = 64

	pool := providers.NewPool(cfg.Providers)
	pool.Register(idleProvider{}, 0)

	eventBus := bus.New()
	t.Cleanup(eventBus.Close)

	m := NewManager(ManagerConfig{
		Config:   cfg,
		Stores:   stores,
		Bus:      eventBus,
		Registry: registry.New(),
		Pool:     pool,
		Engine:   consensus.NewEngine(pool, decimal.Zero),
		Costs:    cost.NewTracker(stores.Costs, stores.Agents),
		Shell:    router.NewShellSupervisor("", eventBus),
		Vault:    secrets.NewVault(stores.Secrets, "test-key"),
		Skills:   skills.NewLoader(t.TempDir(), stores.Skills),
	})
	return m, stores
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal(msg)
}

func spawnParams(description string) action.Params {
	return action.Params{"task_description": action.Str(description)}
}

func TestCreateTaskStartsRoot(t *testing.T) {
	m, stores := newTestManager(t)
	ctx := context.Background()

	task, err := m.CreateTask(ctx, "summarize the report", "", "", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != store.TaskRunning {
		t.Errorf("status = %s", task.Status)
	}

	live := m.reg.LiveForTask(task.ID)
	if len(live) != 1 {
		t.Fatalf("live agents = %d", len(live))
	}
	if live[0].ParentID != "" {
		t.Errorf("root has parent %q", live[0].ParentID)
	}

	// The root record was committed in the create transaction.
	recs, err := stores.Agents.ListForTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].AgentID != live[0].AgentID {
		t.Fatalf("persisted agents = %+v", recs)
	}
}

// Dismissal authority: a caller that is not the registered parent is
// refused and nothing terminates.
func TestDismissAuthorization(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	task, err := m.CreateTask(ctx, "root work", "", "", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	rootID := m.reg.LiveForTask(task.ID)[0].AgentID

	// Agent B claims parent "C" in the registry.
	m.reg.Register(&registry.Entry{
		AgentID:  "agent-b",
		TaskID:   task.ID,
		ParentID: "agent-c",
		Handle:   stubHandle{},
	})

	err = m.DismissChild(ctx, rootID, "agent-b")
	if !errors.Is(err, router.ErrNotParent) {
		t.Fatalf("err = %v, want not_parent", err)
	}
	if m.reg.Lookup("agent-b") == nil {
		t.Error("agent-b was terminated despite failed authorization")
	}

	// Dismissing a non-existent child is idempotent success.
	if err := m.DismissChild(ctx, rootID, "ghost"); err != nil {
		t.Errorf("ghost dismissal = %v", err)
	}
}

// Budget discipline on spawn: a capped parent must pass a budget, and
// it must fit.
func TestSpawnBudgetDiscipline(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	task, err := m.CreateTask(ctx, "root", "", "", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	rootID := m.reg.LiveForTask(task.ID)[0].AgentID

	capped := budget.Capped(budget.ModeRoot, decimal.NewFromInt(100))

	if _, err := m.SpawnChild(ctx, rootID, capped, spawnParams("sub")); !errors.Is(err, budget.ErrBudgetRequired) {
		t.Errorf("no budget: err = %v, want budget_required", err)
	}

	params := spawnParams("sub")
	params["budget"] = action.Int(500)
	if _, err := m.SpawnChild(ctx, rootID, capped, params); !errors.Is(err, budget.ErrInsufficientBudget) {
		t.Errorf("oversized budget: err = %v, want insufficient_budget", err)
	}

	params["budget"] = action.Int(50)
	childID, err := m.SpawnChild(ctx, rootID, capped, params)
	if err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool { return m.reg.Lookup(childID) != nil }, "child never registered")
}

// Pause then restore preserves the tree shape (S6) and leaves no
// strays (P9).
func TestPauseRestorePreservesTree(t *testing.T) {
	m, stores := newTestManager(t)
	ctx := context.Background()

	task, err := m.CreateTask(ctx, "root work", "", "", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	rootID := m.reg.LiveForTask(task.ID)[0].AgentID

	c1, err := m.SpawnChild(ctx, rootID, budget.NA(), spawnParams("child one"))
	if err != nil {
		t.Fatal(err)
	}
	c2, err := m.SpawnChild(ctx, rootID, budget.NA(), spawnParams("child two"))
	if err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool { return len(m.reg.LiveForTask(task.ID)) == 3 }, "children never came up")

	if err := m.PauseTask(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool { return len(m.reg.LiveForTask(task.ID)) == 0 }, "agents never drained")
	eventually(t, func() bool {
		task, err := stores.Tasks.Get(ctx, task.ID)
		return err == nil && task.Status == store.TaskPaused
	}, "task never paused")

	gotRoot, err := m.RestoreTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotRoot != rootID {
		t.Errorf("restored root = %s, want %s", gotRoot, rootID)
	}

	live := m.reg.LiveForTask(task.ID)
	if len(live) != 3 {
		t.Fatalf("live after restore = %d, want 3", len(live))
	}
	for _, entry := range live {
		switch entry.AgentID {
		case rootID:
			if entry.ParentID != "" {
				t.Errorf("root parent = %q", entry.ParentID)
			}
		case c1, c2:
			if entry.ParentID != rootID {
				t.Errorf("child %s parent = %q, want root", entry.AgentID, entry.ParentID)
			}
		default:
			t.Errorf("unexpected live agent %s", entry.AgentID)
		}
	}

	restored, err := stores.Tasks.Get(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if restored.Status != store.TaskRunning {
		t.Errorf("task status = %s", restored.Status)
	}
}

// An orphan occupying a restored agent's id is terminated and the
// restore succeeds (S7).
func TestRestoreOrphanConflict(t *testing.T) {
	m, stores := newTestManager(t)
	ctx := context.Background()

	task, err := m.CreateTask(ctx, "root work", "", "", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	rootID := m.reg.LiveForTask(task.ID)[0].AgentID

	if err := m.PauseTask(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool { return len(m.reg.LiveForTask(task.ID)) == 0 }, "never drained")

	// A stale process still holds the root's agent_id.
	m.reg.Register(&registry.Entry{
		AgentID: rootID,
		TaskID:  task.ID,
		Handle:  stubHandle{},
	})

	gotRoot, err := m.RestoreTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("restore = %v", err)
	}
	if gotRoot != rootID {
		t.Errorf("root = %s", gotRoot)
	}

	// Exactly the restored set is live; the orphan entry was replaced
	// by the real actor.
	live := m.reg.LiveForTask(task.ID)
	if len(live) != 1 || live[0].AgentID != rootID {
		t.Fatalf("live = %+v", live)
	}
	if _, ok := live[0].Handle.(stubHandle); ok {
		t.Error("orphan handle survived the restore")
	}

	rec, err := stores.Agents.Get(ctx, rootID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status == store.AgentStopped {
		t.Error("restored agent marked stopped")
	}
}

// Dismissal tears down the subtree leaves first and settles escrow.
func TestDismissSubtree(t *testing.T) {
	m, stores := newTestManager(t)
	ctx := context.Background()

	task, err := m.CreateTask(ctx, "root work", "", "", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	rootID := m.reg.LiveForTask(task.ID)[0].AgentID

	childID, err := m.SpawnChild(ctx, rootID, budget.NA(), spawnParams("child"))
	if err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool { return m.reg.Lookup(childID) != nil }, "child never registered")

	// Grandchild under the child.
	grandID, err := m.SpawnChild(ctx, childID, budget.NA(), spawnParams("grandchild"))
	if err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool { return m.reg.Lookup(grandID) != nil }, "grandchild never registered")

	if err := m.DismissChild(ctx, rootID, childID); err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool {
		return m.reg.Lookup(childID) == nil && m.reg.Lookup(grandID) == nil
	}, "subtree never terminated")

	// Root survives; persisted subtree records are stopped.
	if m.reg.Lookup(rootID) == nil {
		t.Fatal("root terminated by child dismissal")
	}
	for _, id := range []string{childID, grandID} {
		rec, err := stores.Agents.Get(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if rec.Status != store.AgentStopped {
			t.Errorf("%s status = %s, want stopped", id, rec.Status)
		}
	}
}

// Boot revival restores running tasks and isolates failures.
func TestReviveOnBoot(t *testing.T) {
	m, stores := newTestManager(t)
	ctx := context.Background()

	task, err := m.CreateTask(ctx, "persistent work", "", "", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	rootID := m.reg.LiveForTask(task.ID)[0].AgentID

	// Simulate a crash: terminate without pausing. Status stays
	// restorable because the agent persisted while running/idle.
	m.sup.Terminate(rootID)
	eventually(t, func() bool { return len(m.reg.LiveForTask(task.ID)) == 0 }, "never terminated")
	if err := stores.Agents.UpdateStatus(ctx, rootID, store.AgentRunning); err != nil {
		t.Fatal(err)
	}

	m.ReviveOnBoot(ctx)
	eventually(t, func() bool { return len(m.reg.LiveForTask(task.ID)) == 1 }, "boot revival missed the task")
}

func TestRestoreUnknownTask(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.RestoreTask(context.Background(), uuid.Must(uuid.NewV7())); !errors.Is(err, ErrAllAgentsFailed) {
		t.Errorf("err = %v, want all_agents_failed", err)
	}
}
