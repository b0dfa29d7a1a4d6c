package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/quorum/internal/store"
)

// PGAgentStore implements store.AgentStore backed by Postgres.
type PGAgentStore struct {
	db *sql.DB
}

func NewPGAgentStore(db *sql.DB) *PGAgentStore {
	return &PGAgentStore{db: db}
}

func (s *PGAgentStore) Upsert(ctx context.Context, rec *store.AgentRecord) error {
	now := time.Now().UTC()
	if rec.InsertedAt.IsZero() {
		rec.InsertedAt = now
	}
	rec.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, task_id, agent_id, parent_id, config, status, prompt_fields, state, inserted_at, updated_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (agent_id) DO UPDATE SET
		   config = EXCLUDED.config,
		   status = EXCLUDED.status,
		   prompt_fields = EXCLUDED.prompt_fields,
		   state = EXCLUDED.state,
		   updated_at = EXCLUDED.updated_at`,
		rec.ID, rec.TaskID, rec.AgentID, rec.ParentID,
		[]byte(rec.Config), rec.Status, []byte(rec.PromptFields), nullableJSON(rec.State),
		rec.InsertedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert agent %s: %w", rec.AgentID, err)
	}
	return nil
}

func (s *PGAgentStore) Get(ctx context.Context, agentID string) (*store.AgentRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, task_id, agent_id, COALESCE(parent_id, ''), config, status, prompt_fields,
		        COALESCE(state, 'null'), inserted_at, updated_at
		 FROM agents WHERE agent_id = $1`, agentID)
	return scanAgent(row)
}

func (s *PGAgentStore) ListForTask(ctx context.Context, taskID uuid.UUID) ([]*store.AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, agent_id, COALESCE(parent_id, ''), config, status, prompt_fields,
		        COALESCE(state, 'null'), inserted_at, updated_at
		 FROM agents WHERE task_id = $1 ORDER BY inserted_at`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []*store.AgentRecord
	for rows.Next() {
		rec, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PGAgentStore) UpdateStatus(ctx context.Context, agentID string, status store.AgentStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = $2, updated_at = $3 WHERE agent_id = $1`,
		agentID, status, time.Now().UTC())
	return err
}

func (s *PGAgentStore) Delete(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE agent_id = $1`, agentID)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAgent(row rowScanner) (*store.AgentRecord, error) {
	var rec store.AgentRecord
	var config, promptFields, state []byte
	err := row.Scan(&rec.ID, &rec.TaskID, &rec.AgentID, &rec.ParentID,
		&config, &rec.Status, &promptFields, &state, &rec.InsertedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	rec.Config = config
	rec.PromptFields = promptFields
	if string(state) != "null" {
		rec.State = state
	}
	return &rec, nil
}
