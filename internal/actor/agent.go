// Package actor implements the long-lived agent actor: a goroutine
// with a FIFO mailbox driving the consensus loop from creation to
// termination. Only the actor goroutine mutates its state.
package actor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/quorum/internal/budget"
	"github.com/nextlevelbuilder/quorum/internal/bus"
	"github.com/nextlevelbuilder/quorum/internal/consensus"
	"github.com/nextlevelbuilder/quorum/internal/cost"
	"github.com/nextlevelbuilder/quorum/internal/providers"
	"github.com/nextlevelbuilder/quorum/internal/router"
	"github.com/nextlevelbuilder/quorum/internal/store"
	"github.com/nextlevelbuilder/quorum/pkg/protocol"
)

const defaultMailboxSize = 1024

// ModelCaller is the slice of the provider pool the actor consults.
type ModelCaller interface {
	GenerateText(ctx context.Context, spec string, messages []providers.Message, opts providers.Options) (*providers.Response, error)
}

// Config assembles one agent actor.
type Config struct {
	RecordID uuid.UUID // persisted row id
	AgentID  string
	TaskID   uuid.UUID
	ParentID string

	ProfileName      string
	ModelPool        []string
	CapabilityGroups []string
	PromptFields     PromptFields
	Budget           budget.Budget

	MailboxSize          int
	HistoryCondenseAfter int
	RetryMax             int
	BackoffMS            int

	Models     ModelCaller
	Engine     *consensus.Engine
	RouterDeps router.Deps
	Stores     *store.Stores
	Bus        bus.Publisher
	Costs      *cost.Tracker

	// Restored dynamic state (zero-valued on fresh spawns).
	Restored *RestoredState
}

// Agent is one live actor. All fields below cfg are owned by the run
// goroutine.
type Agent struct {
	cfg     Config
	mailbox chan interface{}
	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}

	status       store.AgentStatus
	promptFields PromptFields
	transformed  TransformedFields
	histories    map[string][]HistoryEntry
	children     []string
	todos        []Todo
	budget       budget.Budget
	activeSkills []store.SkillRecord
	dismissing   bool

	// consensus bookkeeping
	retryAttempt    int
	recoveryPending bool // one no-consensus recovery retrigger outstanding
	waitTimerRef    uuid.UUID
	waitTimer       *time.Timer
}

// New builds the actor without starting it.
func New(cfg Config) *Agent {
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = defaultMailboxSize
	}
	ctx, cancel := context.WithCancel(context.Background())

	a := &Agent{
		cfg:          cfg,
		mailbox:      make(chan interface{}, cfg.MailboxSize),
		ctx:          ctx,
		cancel:       cancel,
		stopped:      make(chan struct{}),
		status:       store.AgentStarting,
		promptFields: cfg.PromptFields,
		transformed:  cfg.PromptFields.Transformed,
		histories:    make(map[string][]HistoryEntry),
		budget:       cfg.Budget,
	}
	for _, spec := range cfg.ModelPool {
		if _, ok := a.histories[spec]; !ok {
			a.histories[spec] = nil
		}
	}
	if cfg.Restored != nil {
		if cfg.Restored.Histories != nil {
			a.histories = cfg.Restored.Histories
		}
		// A fresh pool entry (profile change across restarts) still
		// needs a history sequence.
		for _, spec := range cfg.ModelPool {
			if _, ok := a.histories[spec]; !ok {
				a.histories[spec] = nil
			}
		}
		a.activeSkills = cfg.Restored.ActiveSkills
		a.todos = cfg.Restored.Todos
		a.budget = cfg.Restored.Budget
		a.children = cfg.Restored.Children
		a.dismissing = cfg.Restored.Dismissing
		a.transformed = cfg.Restored.Transformed
	}
	return a
}

// Start launches the actor goroutine.
func (a *Agent) Start() {
	go a.run()
}

// Send delivers a message to the mailbox in FIFO order. It returns
// false once the actor is terminated.
func (a *Agent) Send(msg interface{}) bool {
	select {
	case <-a.ctx.Done():
		return false
	default:
	}
	select {
	case a.mailbox <- msg:
		return true
	case <-a.ctx.Done():
		return false
	}
}

// Terminate force-stops the actor (dismissal, orphan cleanup). The
// context cancellation aborts any in-flight LLM or action work.
func (a *Agent) Terminate() {
	a.cancel()
}

// Stopped closes when the run loop has exited.
func (a *Agent) Stopped() <-chan struct{} { return a.stopped }

// SyncState performs the synchronous get_state read.
func (a *Agent) SyncState(timeout time.Duration) (State, bool) {
	reply := make(chan State, 1)
	if !a.Send(GetState{Reply: reply}) {
		return State{}, false
	}
	select {
	case st := <-reply:
		return st, true
	case <-time.After(timeout):
		return State{}, false
	case <-a.ctx.Done():
		return State{}, false
	}
}

func (a *Agent) run() {
	defer close(a.stopped)
	defer a.cancel()

	a.logEvent("actor.start", "status", string(a.status))

	for {
		var msg interface{}
		select {
		case <-a.ctx.Done():
			a.shutdown(false)
			return
		case msg = <-a.mailbox:
		}

		if _, isStop := msg.(StopRequested); isStop {
			a.shutdown(true)
			return
		}

		wantCycle := a.handle(msg)
		if !wantCycle {
			continue
		}

		// Drain: collapse every queued trigger into this one cycle,
		// stopping the sweep at stop_requested.
		stopSeen := a.drainPending()
		a.runCycle()
		if stopSeen {
			a.shutdown(true)
			return
		}
	}
}

// drainPending consumes immediately available messages, collapsing
// trigger requests; it stops at StopRequested and reports it.
func (a *Agent) drainPending() bool {
	for {
		select {
		case <-a.ctx.Done():
			return false
		case msg := <-a.mailbox:
			if _, isStop := msg.(StopRequested); isStop {
				return true
			}
			a.handle(msg)
		default:
			return false
		}
	}
}

// handle applies one message and reports whether it requests a
// consensus cycle.
func (a *Agent) handle(msg interface{}) bool {
	switch m := msg.(type) {
	case UserMessage:
		a.appendAll(HistoryEntry{Type: "user", Content: m.Content, Timestamp: time.Now().UTC()})
		return true

	case AgentMessage:
		content := "[from agent " + m.FromID + "] " + m.Content
		a.appendAll(HistoryEntry{Type: "user", Content: content, Timestamp: time.Now().UTC()})
		return true

	case TriggerConsensus, ContinueConsensus:
		return true

	case ActionResult:
		a.incorporateOutcome(m.ActionType, m.Outcome)
		return true

	case BatchActionResult:
		// Bookkeeping only; never triggers consensus.
		a.appendAll(HistoryEntry{
			Type:      "agent",
			Content:   batchSubResultNote(m),
			Timestamp: time.Now().UTC(),
		})
		return false

	case BatchCompleted:
		a.appendAll(HistoryEntry{
			Type:      "agent",
			Content:   batchCompletedNote(m),
			Timestamp: time.Now().UTC(),
		})
		return true

	case ChildSpawned:
		a.addChild(m.AgentID)
		return false

	case ChildDismissed:
		a.removeChild(m.AgentID)
		return false

	case UpdateTodos:
		a.todos = m.Items
		return false

	case UpdateBudgetData:
		a.budget = m.Budget
		a.appendAll(HistoryEntry{
			Type:      "user",
			Content:   "[system] budget updated: allocated " + a.budget.Allocated.String(),
			Timestamp: time.Now().UTC(),
		})
		a.persist()
		return false

	case UpdateBudgetCommitted:
		a.budget = budget.LockAllocation(a.budget, m.Delta)
		a.persist()
		return false

	case ReleaseBudgetCommitted:
		a.budget, _ = budget.ReleaseAllocation(a.budget, m.Amount, m.Amount)
		a.persist()
		return false

	case WaitExpired:
		if m.TimerRef != a.waitTimerRef {
			return false // stale timer from a superseded wait
		}
		a.waitTimer = nil
		a.publishWaitEvent(protocol.EventWaitExpired)
		return true

	case SpawnFailed:
		a.removeChild(m.ChildID)
		a.appendAll(HistoryEntry{
			Type:      "user",
			Content:   "[system] spawn of child " + m.ChildID + " failed: " + m.Reason + " (task: " + m.Task + ")",
			Timestamp: time.Now().UTC(),
		})
		return true

	case SetDismissing:
		a.dismissing = true
		a.persist()
		return false

	case GetState:
		m.Reply <- a.snapshot()
		return false

	default:
		slog.Warn("actor: unknown message", "agent", a.cfg.AgentID, "type", fmt.Sprintf("%T", msg))
		return false
	}
}

// shutdown persists final state and exits. graceful marks a
// stop_requested drain (pause); otherwise the actor was terminated.
func (a *Agent) shutdown(graceful bool) {
	if a.waitTimer != nil {
		a.waitTimer.Stop()
	}
	if graceful {
		a.status = store.AgentPaused
	} else {
		a.status = store.AgentStopped
	}
	a.persist()
	a.logEvent("actor.stop", "graceful", graceful)
	if a.cfg.Bus != nil {
		a.cfg.Bus.Publish(bus.Event{
			Topic:   protocol.AgentLogsTopic(a.cfg.AgentID),
			Name:    protocol.EventAgentStopped,
			AgentID: a.cfg.AgentID,
			TaskID:  a.cfg.TaskID.String(),
		})
	}
}

func (a *Agent) snapshot() State {
	histories := make(map[string][]HistoryEntry, len(a.histories))
	for k, v := range a.histories {
		histories[k] = append([]HistoryEntry(nil), v...)
	}
	return State{
		AgentID:      a.cfg.AgentID,
		TaskID:       a.cfg.TaskID,
		ParentID:     a.cfg.ParentID,
		Status:       a.status,
		Children:     append([]string(nil), a.children...),
		Todos:        append([]Todo(nil), a.todos...),
		Budget:       a.budget,
		ActiveSkills: append([]store.SkillRecord(nil), a.activeSkills...),
		Histories:    histories,
		Dismissing:   a.dismissing,
	}
}

// addChild deduplicates on agent_id (idempotent child tracking).
func (a *Agent) addChild(agentID string) {
	for _, id := range a.children {
		if id == agentID {
			return
		}
	}
	a.children = append(a.children, agentID)
	a.persist()
}

func (a *Agent) removeChild(agentID string) {
	for i, id := range a.children {
		if id == agentID {
			a.children = append(a.children[:i], a.children[i+1:]...)
			a.persist()
			return
		}
	}
}

// appendAll adds an entry to every model history.
func (a *Agent) appendAll(entry HistoryEntry) {
	for spec := range a.histories {
		a.histories[spec] = append(a.histories[spec], entry)
	}
}

func (a *Agent) publishWaitEvent(name string) {
	if a.cfg.Bus == nil {
		return
	}
	a.cfg.Bus.Publish(bus.Event{
		Topic:   protocol.TopicWaitEvents,
		Name:    name,
		AgentID: a.cfg.AgentID,
		TaskID:  a.cfg.TaskID.String(),
	})
}

func (a *Agent) logEvent(msg string, args ...interface{}) {
	args = append([]interface{}{"agent", a.cfg.AgentID, "task", a.cfg.TaskID.String()}, args...)
	slog.Info(msg, args...)
}
