package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/quorum/internal/store"
)

// PGLogStore implements the append-only per-agent log on Postgres.
type PGLogStore struct {
	db *sql.DB
}

func NewPGLogStore(db *sql.DB) *PGLogStore {
	return &PGLogStore{db: db}
}

func (s *PGLogStore) Insert(ctx context.Context, rec *store.LogRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO logs (id, agent_id, level, message, fields, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.AgentID, rec.Level, rec.Message, nullableJSON(rec.Fields), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert log: %w", err)
	}
	return nil
}

func (s *PGLogStore) ListForAgent(ctx context.Context, agentID string, limit int) ([]*store.LogRecord, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, level, message, COALESCE(fields, 'null'), created_at
		 FROM logs WHERE agent_id = $1 ORDER BY created_at DESC LIMIT $2`,
		agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	var out []*store.LogRecord
	for rows.Next() {
		var rec store.LogRecord
		var fields []byte
		if err := rows.Scan(&rec.ID, &rec.AgentID, &rec.Level, &rec.Message, &fields, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		if string(fields) != "null" {
			rec.Fields = fields
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// PGMessageStore implements the user-visible message log on Postgres.
type PGMessageStore struct {
	db *sql.DB
}

func NewPGMessageStore(db *sql.DB) *PGMessageStore {
	return &PGMessageStore{db: db}
}

func (s *PGMessageStore) Insert(ctx context.Context, rec *store.MessageRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, task_id, from_agent, recipient, content, created_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)`,
		rec.ID, rec.TaskID, rec.FromAgent, rec.Recipient, rec.Content, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *PGMessageStore) ListForTask(ctx context.Context, taskID uuid.UUID, limit int) ([]*store.MessageRecord, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, COALESCE(from_agent, ''), recipient, content, created_at
		 FROM messages WHERE task_id = $1 ORDER BY created_at DESC LIMIT $2`,
		taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*store.MessageRecord
	for rows.Next() {
		var rec store.MessageRecord
		if err := rows.Scan(&rec.ID, &rec.TaskID, &rec.FromAgent, &rec.Recipient, &rec.Content, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}
