package actor

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nextlevelbuilder/quorum/internal/budget"
	"github.com/nextlevelbuilder/quorum/internal/router"
	"github.com/nextlevelbuilder/quorum/internal/store"
)

// Mailbox message kinds. Each is delivered FIFO and handled solely by
// the owning actor goroutine.

// UserMessage is a user turn, enqueued into every model history.
type UserMessage struct {
	Content string
}

// AgentMessage is an inter-agent message enqueued as a user turn on
// behalf of the sender.
type AgentMessage struct {
	FromID  string
	Content string
}

// TriggerConsensus requests a consensus cycle (debounced by the
// drain).
type TriggerConsensus struct{}

// ContinueConsensus is self-posted after internal state mutations and
// behaves like TriggerConsensus.
type ContinueConsensus struct{}

// ActionResult is posted by an action router when a deferred action
// completes.
type ActionResult struct {
	ActionID   uuid.UUID
	ActionType string
	Outcome    router.Outcome
}

// BatchActionResult is bookkeeping for one batch sub-action. It never
// triggers a consensus cycle.
type BatchActionResult struct {
	BatchID    uuid.UUID
	SubIndex   int
	ActionType string
	Outcome    router.Outcome
}

// BatchCompleted is posted when a batch_async finishes; it does
// trigger consensus.
type BatchCompleted struct {
	BatchID uuid.UUID
	Results []router.Outcome
}

// ChildSpawned updates children tracking (idempotent).
type ChildSpawned struct {
	AgentID   string
	SpawnedAt time.Time
}

// ChildDismissed updates children tracking (idempotent).
type ChildDismissed struct {
	AgentID string
}

// UpdateTodos reflects the outcome of the todo action.
type UpdateTodos struct {
	Items []Todo
}

// UpdateBudgetData is applied when a parent adjusted this agent's
// budget externally.
type UpdateBudgetData struct {
	Budget budget.Budget
}

// UpdateBudgetCommitted raises committed by Delta (spawn escrow).
type UpdateBudgetCommitted struct {
	Delta decimal.Decimal
}

// ReleaseBudgetCommitted lowers committed by Amount (dismiss escrow).
type ReleaseBudgetCommitted struct {
	Amount decimal.Decimal
}

// WaitExpired wakes an agent whose wait action scheduled a timer.
// Stale refs (from a superseded wait) are ignored.
type WaitExpired struct {
	TimerRef uuid.UUID
}

// SpawnFailed notifies the parent that a background spawn worker gave
// up.
type SpawnFailed struct {
	ChildID string
	Reason  string
	Task    string
}

// SetDismissing marks the agent as dismissing before its subtree is
// torn down; a dismissing agent may not initiate new spawns.
type SetDismissing struct{}

// StopRequested asks for graceful termination: drain remaining
// triggers, run at most one final cycle, persist, exit normally.
type StopRequested struct{}

// GetState requests a synchronous state snapshot.
type GetState struct {
	Reply chan State
}

// Todo is one tracked work item.
type Todo struct {
	Content string `json:"content"`
	State   string `json:"state"` // "todo", "pending", "done"
}

// HistoryEntry is one entry of a per-model history sequence.
type HistoryEntry struct {
	Type      string    `json:"type"` // "user", "agent", "decision"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// State is the synchronous snapshot returned for GetState.
type State struct {
	AgentID      string
	TaskID       uuid.UUID
	ParentID     string
	Status       store.AgentStatus
	Children     []string
	Todos        []Todo
	Budget       budget.Budget
	ActiveSkills []store.SkillRecord
	Histories    map[string][]HistoryEntry
	Dismissing   bool
}
