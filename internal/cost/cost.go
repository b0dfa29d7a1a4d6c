// Package cost meters spend: an in-memory accumulator threaded through
// embedding/LLM calls plus a tracker over the persistent ledger.
package cost

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nextlevelbuilder/quorum/internal/store"
)

// Accumulator collects incremental costs during one operation (e.g.
// embedding calls inside a consensus reduction). Safe for concurrent
// use.
type Accumulator struct {
	mu    sync.Mutex
	total decimal.Decimal
}

func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

func (a *Accumulator) Add(amount decimal.Decimal) {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.total = a.total.Add(amount)
	a.mu.Unlock()
}

func (a *Accumulator) Total() decimal.Decimal {
	if a == nil {
		return decimal.Zero
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}

// Tracker records costs to the ledger and answers spend queries.
type Tracker struct {
	costs  store.CostStore
	agents store.AgentStore
}

func NewTracker(costs store.CostStore, agents store.AgentStore) *Tracker {
	return &Tracker{costs: costs, agents: agents}
}

// Record appends one cost row.
func (t *Tracker) Record(ctx context.Context, taskID uuid.UUID, agentID, category string, amount decimal.Decimal, description string) error {
	return t.costs.Insert(ctx, &store.CostRecord{
		ID:          store.GenNewID(),
		TaskID:      taskID,
		AgentID:     agentID,
		Category:    category,
		Amount:      amount,
		Description: description,
	})
}

// SpentForAgent returns one agent's own ledger total.
func (t *Tracker) SpentForAgent(ctx context.Context, agentID string) (decimal.Decimal, error) {
	return t.costs.SumForAgent(ctx, agentID)
}

// SpentForSubtree returns the combined spend of agentID and every
// descendant, walking the persisted parent links of the task.
func (t *Tracker) SpentForSubtree(ctx context.Context, taskID uuid.UUID, agentID string) (decimal.Decimal, error) {
	records, err := t.agents.ListForTask(ctx, taskID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("list task agents: %w", err)
	}

	children := make(map[string][]string, len(records))
	for _, rec := range records {
		if rec.ParentID != "" {
			children[rec.ParentID] = append(children[rec.ParentID], rec.AgentID)
		}
	}

	ids := []string{agentID}
	for queue := []string{agentID}; len(queue) > 0; {
		id := queue[0]
		queue = queue[1:]
		for _, child := range children[id] {
			ids = append(ids, child)
			queue = append(queue, child)
		}
	}

	return t.costs.SumForAgents(ctx, ids)
}
