package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// GenNewID returns a time-ordered UUID for new records.
func GenNewID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskRunning   TaskStatus = "running"
	TaskPausing   TaskStatus = "pausing"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Task is a user-submitted goal plus the profile and global context its
// agent tree runs under.
type Task struct {
	ID                 uuid.UUID  `json:"id"`
	Prompt             string     `json:"prompt"`
	Status             TaskStatus `json:"status"`
	GlobalContext      string     `json:"global_context,omitempty"`
	InitialConstraints []string   `json:"initial_constraints"`
	ProfileName        string     `json:"profile_name"`
	Result             string     `json:"result,omitempty"`
	ErrorMessage       string     `json:"error_message,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// AgentStatus is the lifecycle state of one agent actor.
type AgentStatus string

const (
	AgentStarting AgentStatus = "starting"
	AgentRunning  AgentStatus = "running"
	AgentIdle     AgentStatus = "idle"
	AgentPausing  AgentStatus = "pausing"
	AgentPaused   AgentStatus = "paused"
	AgentStopped  AgentStatus = "stopped"
	AgentFailed   AgentStatus = "failed"
)

// RestorableAgentStatuses are the statuses eligible for restore_task.
var RestorableAgentStatuses = []AgentStatus{AgentRunning, AgentIdle, AgentPausing, AgentPaused}

// AgentRecord is the persisted form of one agent. Config holds the
// static spawn configuration (profile, model pool, capabilities,
// budget allocation); State holds the write-through dynamic state
// (model histories, active skills, todos, budget data, children ids).
type AgentRecord struct {
	ID           uuid.UUID       `json:"id"`
	TaskID       uuid.UUID       `json:"task_id"`
	AgentID      string          `json:"agent_id"`
	ParentID     string          `json:"parent_id,omitempty"` // empty for roots
	Config       json.RawMessage `json:"config"`
	Status       AgentStatus     `json:"status"`
	PromptFields json.RawMessage `json:"prompt_fields"`
	State        json.RawMessage `json:"state,omitempty"`
	InsertedAt   time.Time       `json:"inserted_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// ActionStatus is the audit state of one dispatched action.
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionRunning   ActionStatus = "running"
	ActionCompleted ActionStatus = "completed"
	ActionFailed    ActionStatus = "failed"
)

// CanTransition reports whether moving from s to next is a legal
// audit transition: pending→running→{completed,failed}, pending→failed.
func (s ActionStatus) CanTransition(next ActionStatus) bool {
	switch s {
	case ActionPending:
		return next == ActionRunning || next == ActionFailed
	case ActionRunning:
		return next == ActionCompleted || next == ActionFailed
	default:
		return false
	}
}

// ActionRecord is one row of the append-only action audit.
type ActionRecord struct {
	ID             uuid.UUID       `json:"id"`
	AgentID        string          `json:"agent_id"`
	ActionType     string          `json:"action_type"`
	Params         json.RawMessage `json:"params"`
	Result         json.RawMessage `json:"result,omitempty"`
	Status         ActionStatus    `json:"status"`
	StartedAt      time.Time       `json:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	ParentActionID *uuid.UUID      `json:"parent_action_id,omitempty"` // set for batch sub-actions
}

// Cost categories.
const (
	CostCategoryLLM       = "llm"
	CostCategoryEmbedding = "embedding"
	CostCategoryAPI       = "api"
	CostCategoryAbsorbed  = "absorbed" // unspent child budget returned on dismissal
	CostCategoryManual    = "manual"   // record_cost action
)

// CostRecord is one row of the append-only cost ledger.
type CostRecord struct {
	ID          uuid.UUID       `json:"id"`
	TaskID      uuid.UUID       `json:"task_id"`
	AgentID     string          `json:"agent_id"`
	Category    string          `json:"category"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// LogRecord is a structured per-agent log entry, mirrored to the bus.
type LogRecord struct {
	ID        uuid.UUID       `json:"id"`
	AgentID   string          `json:"agent_id"`
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	Fields    json.RawMessage `json:"fields,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// MessageRecord is a user-visible message produced by the tree.
type MessageRecord struct {
	ID        uuid.UUID `json:"id"`
	TaskID    uuid.UUID `json:"task_id"`
	FromAgent string    `json:"from_agent,omitempty"`
	Recipient string    `json:"recipient"` // "user" or an agent_id
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// SecretRecord stores one named secret, encrypted at rest. Plaintext
// never leaves the secrets resolver.
type SecretRecord struct {
	ID         uuid.UUID  `json:"id"`
	Name       string     `json:"name"`
	Ciphertext []byte     `json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// SkillRecord is a reusable skill document an agent can activate.
type SkillRecord struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Path        string    `json:"path"`
	Content     string    `json:"content,omitempty"`
	Permanent   bool      `json:"permanent"`
	CreatedAt   time.Time `json:"created_at"`
}
