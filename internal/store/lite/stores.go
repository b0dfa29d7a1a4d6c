package lite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nextlevelbuilder/quorum/internal/store"
)

type liteTaskStore struct{ db *sql.DB }

func (s *liteTaskStore) CreateWithRoot(ctx context.Context, task *store.Task, root *store.AgentRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin task create: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	constraints, _ := json.Marshal(task.InitialConstraints)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO tasks (id, prompt, status, global_context, initial_constraints, profile_name, result, error_message, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID.String(), task.Prompt, task.Status, task.GlobalContext, string(constraints),
		task.ProfileName, task.Result, task.ErrorMessage, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}

	root.InsertedAt = now
	root.UpdatedAt = now
	_, err = tx.ExecContext(ctx,
		`INSERT INTO agents (id, task_id, agent_id, parent_id, config, status, prompt_fields, state, inserted_at, updated_at)
		 VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?)`,
		root.ID.String(), root.TaskID.String(), root.AgentID, root.ParentID,
		string(root.Config), root.Status, string(root.PromptFields), nullStr(root.State),
		root.InsertedAt, root.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert root agent: %w", err)
	}
	return tx.Commit()
}

func (s *liteTaskStore) Get(ctx context.Context, id uuid.UUID) (*store.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, prompt, status, global_context, initial_constraints, profile_name, result, error_message, created_at, updated_at
		 FROM tasks WHERE id = ?`, id.String())
	return scanTask(row)
}

func (s *liteTaskStore) List(ctx context.Context, status store.TaskStatus) ([]*store.Task, error) {
	query := `SELECT id, prompt, status, global_context, initial_constraints, profile_name, result, error_message, created_at, updated_at FROM tasks`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
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
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *liteTaskStore) UpdateStatus(ctx context.Context, id uuid.UUID, status store.TaskStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id.String())
	return err
}

func (s *liteTaskStore) SetResult(ctx context.Context, id uuid.UUID, status store.TaskStatus, result, errorMessage string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, result = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		status, result, errorMessage, time.Now().UTC(), id.String())
	return err
}

func (s *liteTaskStore) Delete(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	// SQLite FKs only cascade task→agents; sweep the rest by task id.
	for _, table := range []string{"costs", "messages"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE task_id = ?`, id.String()); err != nil {
			return err
		}
	}
	_, err = tx.ExecContext(ctx,
		`DELETE FROM actions WHERE agent_id IN (SELECT agent_id FROM agents WHERE task_id = ?)`, id.String())
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`DELETE FROM logs WHERE agent_id IN (SELECT agent_id FROM agents WHERE task_id = ?)`, id.String())
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id.String()); err != nil {
		return err
	}
	return tx.Commit()
}

type taskScanner interface{ Scan(...interface{}) error }

func scanTask(row taskScanner) (*store.Task, error) {
	var t store.Task
	var id, constraints string
	err := row.Scan(&id, &t.Prompt, &t.Status, &t.GlobalContext, &constraints,
		&t.ProfileName, &t.Result, &t.ErrorMessage, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.ID = uuid.MustParse(id)
	json.Unmarshal([]byte(constraints), &t.InitialConstraints)
	return &t, nil
}

type liteAgentStore struct{ db *sql.DB }

func (s *liteAgentStore) Upsert(ctx context.Context, rec *store.AgentRecord) error {
	now := time.Now().UTC()
	if rec.InsertedAt.IsZero() {
		rec.InsertedAt = now
	}
	rec.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, task_id, agent_id, parent_id, config, status, prompt_fields, state, inserted_at, updated_at)
		 VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (agent_id) DO UPDATE SET
		   config = excluded.config,
		   status = excluded.status,
		   prompt_fields = excluded.prompt_fields,
		   state = excluded.state,
		   updated_at = excluded.updated_at`,
		rec.ID.String(), rec.TaskID.String(), rec.AgentID, rec.ParentID,
		string(rec.Config), rec.Status, string(rec.PromptFields), nullStr(rec.State),
		rec.InsertedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert agent %s: %w", rec.AgentID, err)
	}
	return nil
}

func (s *liteAgentStore) Get(ctx context.Context, agentID string) (*store.AgentRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, task_id, agent_id, COALESCE(parent_id, ''), config, status, prompt_fields, COALESCE(state, ''), inserted_at, updated_at
		 FROM agents WHERE agent_id = ?`, agentID)
	return scanLiteAgent(row)
}

func (s *liteAgentStore) ListForTask(ctx context.Context, taskID uuid.UUID) ([]*store.AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, agent_id, COALESCE(parent_id, ''), config, status, prompt_fields, COALESCE(state, ''), inserted_at, updated_at
		 FROM agents WHERE task_id = ? ORDER BY inserted_at`, taskID.String())
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []*store.AgentRecord
	for rows.Next() {
		rec, err := scanLiteAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *liteAgentStore) UpdateStatus(ctx context.Context, agentID string, status store.AgentStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = ?, updated_at = ? WHERE agent_id = ?`,
		status, time.Now().UTC(), agentID)
	return err
}

func (s *liteAgentStore) Delete(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE agent_id = ?`, agentID)
	return err
}

func scanLiteAgent(row taskScanner) (*store.AgentRecord, error) {
	var rec store.AgentRecord
	var id, taskID, config, promptFields, state string
	err := row.Scan(&id, &taskID, &rec.AgentID, &rec.ParentID, &config, &rec.Status,
		&promptFields, &state, &rec.InsertedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	rec.ID = uuid.MustParse(id)
	rec.TaskID = uuid.MustParse(taskID)
	rec.Config = json.RawMessage(config)
	rec.PromptFields = json.RawMessage(promptFields)
	if state != "" {
		rec.State = json.RawMessage(state)
	}
	return &rec, nil
}

type liteActionStore struct{ db *sql.DB }

func (s *liteActionStore) Insert(ctx context.Context, rec *store.ActionRecord) error {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	var parent interface{}
	if rec.ParentActionID != nil {
		parent = rec.ParentActionID.String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO actions (id, agent_id, action_type, params, result, status, started_at, completed_at, error_message, parent_action_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID.String(), rec.AgentID, rec.ActionType, string(rec.Params), nullStr(rec.Result),
		rec.Status, rec.StartedAt, rec.CompletedAt, rec.ErrorMessage, parent)
	if err != nil {
		return fmt.Errorf("insert action: %w", err)
	}
	return nil
}

func (s *liteActionStore) Transition(ctx context.Context, id uuid.UUID, next store.ActionStatus, result []byte, errorMessage string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current store.ActionStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM actions WHERE id = ?`, id.String()).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	if !current.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", store.ErrIllegalTransition, current, next)
	}

	var completedAt interface{}
	if next == store.ActionCompleted || next == store.ActionFailed {
		completedAt = time.Now().UTC()
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE actions SET status = ?, result = COALESCE(?, result), completed_at = COALESCE(?, completed_at), error_message = ? WHERE id = ?`,
		next, nullStr(result), completedAt, errorMessage, id.String())
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *liteActionStore) ListForAgent(ctx context.Context, agentID string, limit int) ([]*store.ActionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, action_type, params, COALESCE(result, ''), status, started_at, completed_at, error_message, COALESCE(parent_action_id, '')
		 FROM actions WHERE agent_id = ? ORDER BY started_at DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	var out []*store.ActionRecord
	for rows.Next() {
		var rec store.ActionRecord
		var id, params, result, parent string
		if err := rows.Scan(&id, &rec.AgentID, &rec.ActionType, &params, &result,
			&rec.Status, &rec.StartedAt, &rec.CompletedAt, &rec.ErrorMessage, &parent); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		rec.ID = uuid.MustParse(id)
		rec.Params = json.RawMessage(params)
		if result != "" {
			rec.Result = json.RawMessage(result)
		}
		if parent != "" {
			p := uuid.MustParse(parent)
			rec.ParentActionID = &p
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

type liteCostStore struct{ db *sql.DB }

func (s *liteCostStore) Insert(ctx context.Context, rec *store.CostRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO costs (id, task_id, agent_id, category, amount, description, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID.String(), rec.TaskID.String(), rec.AgentID, rec.Category,
		rec.Amount.String(), rec.Description, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert cost: %w", err)
	}
	return nil
}

func (s *liteCostStore) SumForAgent(ctx context.Context, agentID string) (decimal.Decimal, error) {
	return s.sumQuery(ctx, `SELECT COALESCE(amount, '0') FROM costs WHERE agent_id = ?`, agentID)
}

func (s *liteCostStore) SumForAgents(ctx context.Context, agentIDs []string) (decimal.Decimal, error) {
	if len(agentIDs) == 0 {
		return decimal.Zero, nil
	}
	placeholders := strings.Repeat("?,", len(agentIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]interface{}, len(agentIDs))
	for i, id := range agentIDs {
		args[i] = id
	}
	return s.sumQuery(ctx, `SELECT amount FROM costs WHERE agent_id IN (`+placeholders+`)`, args...)
}

func (s *liteCostStore) SumForTask(ctx context.Context, taskID uuid.UUID) (decimal.Decimal, error) {
	return s.sumQuery(ctx, `SELECT amount FROM costs WHERE task_id = ?`, taskID.String())
}

// sumQuery sums decimal strings in Go; sqlite floats would lose
// precision.
func (s *liteCostStore) sumQuery(ctx context.Context, query string, args ...interface{}) (decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum costs: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return decimal.Zero, err
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("parse cost amount %q: %w", raw, err)
		}
		total = total.Add(d)
	}
	return total, rows.Err()
}

type liteLogStore struct{ db *sql.DB }

func (s *liteLogStore) Insert(ctx context.Context, rec *store.LogRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO logs (id, agent_id, level, message, fields, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID.String(), rec.AgentID, rec.Level, rec.Message, nullStr(rec.Fields), rec.CreatedAt)
	return err
}

func (s *liteLogStore) ListForAgent(ctx context.Context, agentID string, limit int) ([]*store.LogRecord, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, level, message, COALESCE(fields, ''), created_at
		 FROM logs WHERE agent_id = ? ORDER BY created_at DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.LogRecord
	for rows.Next() {
		var rec store.LogRecord
		var id, fields string
		if err := rows.Scan(&id, &rec.AgentID, &rec.Level, &rec.Message, &fields, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.ID = uuid.MustParse(id)
		if fields != "" {
			rec.Fields = json.RawMessage(fields)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

type liteMessageStore struct{ db *sql.DB }

func (s *liteMessageStore) Insert(ctx context.Context, rec *store.MessageRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, task_id, from_agent, recipient, content, created_at)
		 VALUES (?, ?, NULLIF(?, ''), ?, ?, ?)`,
		rec.ID.String(), rec.TaskID.String(), rec.FromAgent, rec.Recipient, rec.Content, rec.CreatedAt)
	return err
}

func (s *liteMessageStore) ListForTask(ctx context.Context, taskID uuid.UUID, limit int) ([]*store.MessageRecord, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, COALESCE(from_agent, ''), recipient, content, created_at
		 FROM messages WHERE task_id = ? ORDER BY created_at DESC LIMIT ?`, taskID.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.MessageRecord
	for rows.Next() {
		var rec store.MessageRecord
		var id, tid string
		if err := rows.Scan(&id, &tid, &rec.FromAgent, &rec.Recipient, &rec.Content, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.ID = uuid.MustParse(id)
		rec.TaskID = uuid.MustParse(tid)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

type liteSecretStore struct{ db *sql.DB }

func (s *liteSecretStore) Put(ctx context.Context, rec *store.SecretRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (id, name, ciphertext, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET ciphertext = excluded.ciphertext`,
		rec.ID.String(), rec.Name, rec.Ciphertext, rec.CreatedAt)
	return err
}

func (s *liteSecretStore) Get(ctx context.Context, name string) (*store.SecretRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, ciphertext, created_at, last_used_at FROM secrets WHERE name = ?`, name)
	var rec store.SecretRecord
	var id string
	err := row.Scan(&id, &rec.Name, &rec.Ciphertext, &rec.CreatedAt, &rec.LastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.ID = uuid.MustParse(id)
	return &rec, nil
}

func (s *liteSecretStore) Search(ctx context.Context, query string) ([]*store.SecretRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, ciphertext, created_at, last_used_at
		 FROM secrets WHERE lower(name) LIKE '%' || lower(?) || '%' ORDER BY name`, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.SecretRecord
	for rows.Next() {
		var rec store.SecretRecord
		var id string
		if err := rows.Scan(&id, &rec.Name, &rec.Ciphertext, &rec.CreatedAt, &rec.LastUsedAt); err != nil {
			return nil, err
		}
		rec.ID = uuid.MustParse(id)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *liteSecretStore) Touch(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE secrets SET last_used_at = ? WHERE name = ?`, time.Now().UTC(), name)
	return err
}

type liteSkillStore struct{ db *sql.DB }

func (s *liteSkillStore) Put(ctx context.Context, rec *store.SkillRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO skills (name, description, path, content, permanent, created_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET
		   description = excluded.description, path = excluded.path,
		   content = excluded.content, permanent = excluded.permanent`,
		rec.Name, rec.Description, rec.Path, rec.Content, rec.Permanent, rec.CreatedAt)
	return err
}

func (s *liteSkillStore) Get(ctx context.Context, name string) (*store.SkillRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, description, path, content, permanent, created_at FROM skills WHERE name = ?`, name)
	var rec store.SkillRecord
	err := row.Scan(&rec.Name, &rec.Description, &rec.Path, &rec.Content, &rec.Permanent, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *liteSkillStore) List(ctx context.Context) ([]*store.SkillRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, description, path, content, permanent, created_at FROM skills ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.SkillRecord
	for rows.Next() {
		var rec store.SkillRecord
		if err := rows.Scan(&rec.Name, &rec.Description, &rec.Path, &rec.Content, &rec.Permanent, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *liteSkillStore) Delete(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM skills WHERE name = ?`, name)
	return err
}

func nullStr(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
