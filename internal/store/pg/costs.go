package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/nextlevelbuilder/quorum/internal/store"
)

// PGCostStore implements the append-only cost ledger on Postgres.
// Amounts are stored as NUMERIC and scanned through their string form
// so no precision is lost.
type PGCostStore struct {
	db *sql.DB
}

func NewPGCostStore(db *sql.DB) *PGCostStore {
	return &PGCostStore{db: db}
}

func (s *PGCostStore) Insert(ctx context.Context, rec *store.CostRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO costs (id, task_id, agent_id, category, amount, description, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.TaskID, rec.AgentID, rec.Category, rec.Amount.String(),
		rec.Description, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert cost: %w", err)
	}
	return nil
}

func (s *PGCostStore) SumForAgent(ctx context.Context, agentID string) (decimal.Decimal, error) {
	return s.sum(ctx,
		`SELECT COALESCE(SUM(amount), 0)::text FROM costs WHERE agent_id = $1`, agentID)
}

func (s *PGCostStore) SumForAgents(ctx context.Context, agentIDs []string) (decimal.Decimal, error) {
	if len(agentIDs) == 0 {
		return decimal.Zero, nil
	}
	return s.sum(ctx,
		`SELECT COALESCE(SUM(amount), 0)::text FROM costs WHERE agent_id = ANY($1)`,
		pq.Array(agentIDs))
}

func (s *PGCostStore) SumForTask(ctx context.Context, taskID uuid.UUID) (decimal.Decimal, error) {
	return s.sum(ctx,
		`SELECT COALESCE(SUM(amount), 0)::text FROM costs WHERE task_id = $1`, taskID)
}

func (s *PGCostStore) sum(ctx context.Context, query string, args ...interface{}) (decimal.Decimal, error) {
	var raw string
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("sum costs: %w", err)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse cost sum %q: %w", raw, err)
	}
	return d, nil
}
