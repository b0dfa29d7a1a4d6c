package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrIllegalTransition is returned for a disallowed action audit
	// status change.
	ErrIllegalTransition = errors.New("store: illegal status transition")
)

// TaskStore persists tasks. CreateWithRoot runs in a single
// transaction so the root agent row is committed before the root actor
// starts running and the FK holds under concurrent queries.
type TaskStore interface {
	CreateWithRoot(ctx context.Context, task *Task, root *AgentRecord) error
	Get(ctx context.Context, id uuid.UUID) (*Task, error)
	List(ctx context.Context, status TaskStatus) ([]*Task, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status TaskStatus) error
	SetResult(ctx context.Context, id uuid.UUID, status TaskStatus, result, errorMessage string) error
	// Delete cascades to agents, actions, costs, logs and messages.
	Delete(ctx context.Context, id uuid.UUID) error
}

// AgentStore persists agent records.
type AgentStore interface {
	Upsert(ctx context.Context, rec *AgentRecord) error
	Get(ctx context.Context, agentID string) (*AgentRecord, error)
	// ListForTask returns the task's agents ordered by insertion time
	// (parents before children).
	ListForTask(ctx context.Context, taskID uuid.UUID) ([]*AgentRecord, error)
	UpdateStatus(ctx context.Context, agentID string, status AgentStatus) error
	Delete(ctx context.Context, agentID string) error
}

// ActionStore is the append-only action audit.
type ActionStore interface {
	Insert(ctx context.Context, rec *ActionRecord) error
	// Transition enforces the legal transitions of ActionStatus and
	// returns ErrIllegalTransition otherwise.
	Transition(ctx context.Context, id uuid.UUID, next ActionStatus, result []byte, errorMessage string) error
	ListForAgent(ctx context.Context, agentID string, limit int) ([]*ActionRecord, error)
}

// CostStore is the append-only cost ledger.
type CostStore interface {
	Insert(ctx context.Context, rec *CostRecord) error
	SumForAgent(ctx context.Context, agentID string) (decimal.Decimal, error)
	SumForAgents(ctx context.Context, agentIDs []string) (decimal.Decimal, error)
	SumForTask(ctx context.Context, taskID uuid.UUID) (decimal.Decimal, error)
}

// LogStore is the append-only structured log.
type LogStore interface {
	Insert(ctx context.Context, rec *LogRecord) error
	ListForAgent(ctx context.Context, agentID string, limit int) ([]*LogRecord, error)
}

// MessageStore is the append-only user-visible message log.
type MessageStore interface {
	Insert(ctx context.Context, rec *MessageRecord) error
	ListForTask(ctx context.Context, taskID uuid.UUID, limit int) ([]*MessageRecord, error)
}

// SecretStore persists encrypted secrets.
type SecretStore interface {
	Put(ctx context.Context, rec *SecretRecord) error
	Get(ctx context.Context, name string) (*SecretRecord, error)
	// Search matches names case-insensitively by substring.
	Search(ctx context.Context, query string) ([]*SecretRecord, error)
	Touch(ctx context.Context, name string) error
}

// SkillStore persists skill documents.
type SkillStore interface {
	Put(ctx context.Context, rec *SkillRecord) error
	Get(ctx context.Context, name string) (*SkillRecord, error)
	List(ctx context.Context) ([]*SkillRecord, error)
	Delete(ctx context.Context, name string) error
}

// Stores is the top-level container for all storage backends.
type Stores struct {
	Tasks    TaskStore
	Agents   AgentStore
	Actions  ActionStore
	Costs    CostStore
	Logs     LogStore
	Messages MessageStore
	Secrets  SecretStore
	Skills   SkillStore
}

// StoreConfig selects and parameterizes a storage backend.
type StoreConfig struct {
	PostgresDSN string // empty = sqlite standalone mode
	SQLitePath  string
}
