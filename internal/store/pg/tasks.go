package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/nextlevelbuilder/quorum/internal/store"
)

// PGTaskStore implements store.TaskStore backed by Postgres.
type PGTaskStore struct {
	db *sql.DB
}

func NewPGTaskStore(db *sql.DB) *PGTaskStore {
	return &PGTaskStore{db: db}
}

// CreateWithRoot inserts the task and its root agent in one
// transaction. The root agent row must be committed before the root
// actor begins running so the FK holds under concurrent queries.
func (s *PGTaskStore) CreateWithRoot(ctx context.Context, task *store.Task, root *store.AgentRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin task create: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	_, err = tx.ExecContext(ctx,
		`INSERT INTO tasks (id, prompt, status, global_context, initial_constraints, profile_name, result, error_message, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		task.ID, task.Prompt, task.Status, task.GlobalContext,
		pq.Array(task.InitialConstraints), task.ProfileName,
		task.Result, task.ErrorMessage, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}

	root.InsertedAt = now
	root.UpdatedAt = now
	_, err = tx.ExecContext(ctx,
		`INSERT INTO agents (id, task_id, agent_id, parent_id, config, status, prompt_fields, state, inserted_at, updated_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10)`,
		root.ID, root.TaskID, root.AgentID, root.ParentID,
		[]byte(root.Config), root.Status, []byte(root.PromptFields), nullableJSON(root.State),
		root.InsertedAt, root.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert root agent: %w", err)
	}

	return tx.Commit()
}

func (s *PGTaskStore) Get(ctx context.Context, id uuid.UUID) (*store.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, prompt, status, COALESCE(global_context, ''), initial_constraints, profile_name,
		        COALESCE(result, ''), COALESCE(error_message, ''), created_at, updated_at
		 FROM tasks WHERE id = $1`, id)

	var t store.Task
	var constraints pq.StringArray
	err := row.Scan(&t.ID, &t.Prompt, &t.Status, &t.GlobalContext, &constraints,
		&t.ProfileName, &t.Result, &t.ErrorMessage, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	t.InitialConstraints = constraints
	return &t, nil
}

func (s *PGTaskStore) List(ctx context.Context, status store.TaskStatus) ([]*store.Task, error) {
	query := `SELECT id, prompt, status, COALESCE(global_context, ''), initial_constraints, profile_name,
	                 COALESCE(result, ''), COALESCE(error_message, ''), created_at, updated_at
	          FROM tasks`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*store.Task
	for rows.Next() {
		var t store.Task
		var constraints pq.StringArray
		if err := rows.Scan(&t.ID, &t.Prompt, &t.Status, &t.GlobalContext, &constraints,
			&t.ProfileName, &t.Result, &t.ErrorMessage, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.InitialConstraints = constraints
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *PGTaskStore) UpdateStatus(ctx context.Context, id uuid.UUID, status store.TaskStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = $2, updated_at = $3 WHERE id = $1`,
		id, status, time.Now().UTC())
	return err
}

func (s *PGTaskStore) SetResult(ctx context.Context, id uuid.UUID, status store.TaskStatus, result, errorMessage string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = $2, result = $3, error_message = $4, updated_at = $5 WHERE id = $1`,
		id, status, result, errorMessage, time.Now().UTC())
	return err
}

// Delete removes the task; agents, actions, costs, logs and messages
// cascade via FK constraints.
func (s *PGTaskStore) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	return err
}

// nullableJSON maps empty raw JSON to NULL for jsonb columns.
func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
