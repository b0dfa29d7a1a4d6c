package tree

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nextlevelbuilder/quorum/internal/actor"
	"github.com/nextlevelbuilder/quorum/internal/budget"
	"github.com/nextlevelbuilder/quorum/internal/bus"
	"github.com/nextlevelbuilder/quorum/internal/router"
	"github.com/nextlevelbuilder/quorum/internal/store"
	"github.com/nextlevelbuilder/quorum/pkg/protocol"
)

// dismissSet tracks parents with an in-flight dismissal so racing
// spawns fail with parent_dismissing.
type dismissSet struct {
	mu  sync.Mutex
	ids map[string]int
}

func newDismissSet() *dismissSet {
	return &dismissSet{ids: make(map[string]int)}
}

func (d *dismissSet) add(id string) {
	d.mu.Lock()
	d.ids[id]++
	d.mu.Unlock()
}

func (d *dismissSet) remove(id string) {
	d.mu.Lock()
	if d.ids[id] > 1 {
		d.ids[id]--
	} else {
		delete(d.ids, id)
	}
	d.mu.Unlock()
}

func (d *dismissSet) has(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ids[id] > 0
}

// DismissChild verifies parental authority via the registry metadata,
// then dispatches an async worker that terminates the subtree leaves
// first. Dismissing a non-existent child succeeds (idempotent).
func (m *Manager) DismissChild(ctx context.Context, parentID, childID string) error {
	entry := m.reg.Lookup(childID)
	if entry == nil {
		return nil
	}
	if entry.ParentID != parentID {
		return fmt.Errorf("%w: %s is not the parent of %s", router.ErrNotParent, parentID, childID)
	}

	// The dismissing flag lands before the worker dispatches so a
	// concurrent spawn on the parent sees it.
	m.dismissing.add(parentID)
	if parentEntry := m.reg.Lookup(parentID); parentEntry != nil {
		parentEntry.Handle.Send(actor.SetDismissing{})
	}

	go m.dismissWorker(parentID, childID, entry.TaskID)
	return nil
}

// dismissWorker walks the subtree and terminates leaves first, then
// settles escrow and notifies the parent.
func (m *Manager) dismissWorker(parentID, childID string, taskID uuid.UUID) {
	defer m.dismissing.remove(parentID)

	ctx, cancel := persistCtx()
	defer cancel()

	// Subtree from persisted parent links; post-order yields leaves
	// before their parents.
	order := m.subtreePostOrder(ctx, taskID, childID)
	for _, id := range order {
		m.sup.Terminate(id)
		// Running actions die with the actor; partial router output is
		// discarded with the process/connection tables.
		if m.shell != nil {
			m.shell.KillForOwner(id)
		}
		if m.mcpMgr != nil {
			m.mcpMgr.TerminateForOwner(id)
		}
		MarkStopped(m.stores.Agents, id, store.AgentStopped)
		if m.bus != nil {
			m.bus.Publish(bus.Event{
				Topic:   protocol.AgentDismissedTopic(id),
				Name:    protocol.EventAgentDismissed,
				AgentID: id,
				TaskID:  taskID.String(),
			})
		}
	}

	// Escrow settlement: absorb the unspent remainder back to the
	// parent, then release the parent's committed amount.
	childAllocated := decimal.Zero
	childCapped := false
	if rec, err := m.stores.Agents.Get(ctx, childID); err == nil {
		if cfg, _, _, err := actor.DecodeRecord(rec); err == nil {
			childAllocated = cfg.Budget.Allocated
			childCapped = cfg.Budget.Mode == budget.ModeAllocated
		}
	}

	if childCapped {
		childSpent, err := m.costs.SpentForSubtree(ctx, taskID, childID)
		if err != nil {
			slog.Warn("dismiss: subtree spend query failed", "child", childID, "error", err)
			childSpent = decimal.Zero
		}
		unspent := childAllocated.Sub(childSpent)
		if unspent.IsNegative() {
			unspent = decimal.Zero
		}
		if unspent.IsPositive() {
			if err := m.costs.Record(ctx, taskID, parentID, store.CostCategoryAbsorbed,
				unspent.Neg(), "absorbed unspent budget from dismissed child "+childID); err != nil {
				slog.Warn("dismiss: absorbed cost record failed", "child", childID, "error", err)
			}
		}
		if parentEntry := m.reg.Lookup(parentID); parentEntry != nil {
			parentEntry.Handle.Send(actor.ReleaseBudgetCommitted{Amount: childAllocated})
		}
	}

	if parentEntry := m.reg.Lookup(parentID); parentEntry != nil {
		parentEntry.Handle.Send(actor.ChildDismissed{AgentID: childID})
	}

	slog.Info("child dismissed", "child", childID, "parent", parentID, "subtree", len(order))
}

// subtreePostOrder returns childID's subtree with every node after its
// children (leaves first), falling back to just the child when the
// store is unavailable.
func (m *Manager) subtreePostOrder(ctx context.Context, taskID uuid.UUID, childID string) []string {
	records, err := m.stores.Agents.ListForTask(ctx, taskID)
	if err != nil {
		slog.Warn("dismiss: list task agents failed", "error", err)
		return []string{childID}
	}

	children := make(map[string][]string, len(records))
	for _, rec := range records {
		if rec.ParentID != "" {
			children[rec.ParentID] = append(children[rec.ParentID], rec.AgentID)
		}
	}

	var order []string
	var walk func(id string)
	walk = func(id string) {
		for _, c := range children[id] {
			walk(c)
		}
		order = append(order, id)
	}
	walk(childID)
	return order
}

// AdjustBudget applies adjust_budget: a positive delta needs parent
// room, a decrease may not undercut what the child already spent plus
// committed. The parent's committed moves by exactly new−current.
func (m *Manager) AdjustBudget(ctx context.Context, parentID string, parentBudget budget.Budget, childID string, newAllocation decimal.Decimal) error {
	rec, err := m.stores.Agents.Get(ctx, childID)
	if err != nil {
		return fmt.Errorf("%w: %s", router.ErrAgentNotFound, childID)
	}
	if rec.ParentID != parentID {
		return fmt.Errorf("%w: %s is not a direct child of %s", router.ErrNotDirectChild, childID, parentID)
	}

	_, _, childState, err := actor.DecodeRecord(rec)
	if err != nil {
		return err
	}
	currentChild := childState.Budget.Allocated
	childCommitted := childState.Budget.Committed

	if newAllocation.LessThan(currentChild) {
		childSpent, err := m.costs.SpentForAgent(ctx, childID)
		if err != nil {
			return fmt.Errorf("query child spend: %w", err)
		}
		// Refuse to invalidate grandchildren.
		if err := budget.ValidateChildDecrease(newAllocation, childSpent, childCommitted); err != nil {
			return err
		}
	}

	parentSpent, err := m.costs.SpentForAgent(ctx, parentID)
	if err != nil {
		return fmt.Errorf("query parent spend: %w", err)
	}
	if _, err := budget.AdjustChildAllocation(parentBudget, currentChild, newAllocation, parentSpent); err != nil {
		return err
	}

	delta := newAllocation.Sub(currentChild)
	if parentEntry := m.reg.Lookup(parentID); parentEntry != nil && parentBudget.IsCapped() {
		parentEntry.Handle.Send(actor.UpdateBudgetCommitted{Delta: delta})
	}
	if childEntry := m.reg.Lookup(childID); childEntry != nil {
		childEntry.Handle.Send(actor.UpdateBudgetData{Budget: budget.Budget{
			Mode:      budget.ModeAllocated,
			Allocated: newAllocation,
			Committed: childCommitted,
		}})
	}
	return nil
}
