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

// PGActionStore implements the append-only action audit on Postgres.
type PGActionStore struct {
	db *sql.DB
}

func NewPGActionStore(db *sql.DB) *PGActionStore {
	return &PGActionStore{db: db}
}

func (s *PGActionStore) Insert(ctx context.Context, rec *store.ActionRecord) error {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO actions (id, agent_id, action_type, params, result, status, started_at, completed_at, error_message, parent_action_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, rec.AgentID, rec.ActionType, []byte(rec.Params), nullableJSON(rec.Result),
		rec.Status, rec.StartedAt, rec.CompletedAt, rec.ErrorMessage, rec.ParentActionID,
	)
	if err != nil {
		return fmt.Errorf("insert action: %w", err)
	}
	return nil
}

// Transition enforces the legal audit transitions under a row lock.
func (s *PGActionStore) Transition(ctx context.Context, id uuid.UUID, next store.ActionStatus, result []byte, errorMessage string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin action transition: %w", err)
	}
	defer tx.Rollback()

	var current store.ActionStatus
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM actions WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock action: %w", err)
	}
	if !current.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", store.ErrIllegalTransition, current, next)
	}

	var completedAt interface{}
	if next == store.ActionCompleted || next == store.ActionFailed {
		completedAt = time.Now().UTC()
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE actions SET status = $2, result = COALESCE($3, result), completed_at = COALESCE($4, completed_at), error_message = $5
		 WHERE id = $1`,
		id, next, nullableJSON(result), completedAt, errorMessage)
	if err != nil {
		return fmt.Errorf("update action: %w", err)
	}
	return tx.Commit()
}

func (s *PGActionStore) ListForAgent(ctx context.Context, agentID string, limit int) ([]*store.ActionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, action_type, params, COALESCE(result, 'null'), status,
		        started_at, completed_at, COALESCE(error_message, ''), parent_action_id
		 FROM actions WHERE agent_id = $1 ORDER BY started_at DESC LIMIT $2`,
		agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	var out []*store.ActionRecord
	for rows.Next() {
		var rec store.ActionRecord
		var params, result []byte
		if err := rows.Scan(&rec.ID, &rec.AgentID, &rec.ActionType, &params, &result,
			&rec.Status, &rec.StartedAt, &rec.CompletedAt, &rec.ErrorMessage, &rec.ParentActionID); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		rec.Params = params
		if string(result) != "null" {
			rec.Result = result
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}
