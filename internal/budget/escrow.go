// Package budget implements the parent→child escrow accounting:
// pure value semantics over {mode, allocated, committed} with spend
// queried from the cost ledger by the caller.
package budget

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Mode is the budget discipline an agent runs under.
type Mode string

const (
	// ModeNA means no cap: validation always passes and locks are
	// no-ops.
	ModeNA Mode = "na"
	// ModeRoot is a task-level cap set at creation.
	ModeRoot Mode = "root"
	// ModeAllocated is a cap granted by the parent at spawn.
	ModeAllocated Mode = "allocated"
)

var (
	ErrInsufficientBudget       = errors.New("insufficient_budget")
	ErrInsufficientParentBudget = errors.New("insufficient_parent_budget")
	ErrBudgetRequired           = errors.New("budget_required")
	ErrBelowChildCommitment     = errors.New("below_child_commitment")
)

// Budget is one agent's escrow state. Invariant for capped modes:
// committed ≤ allocated − spent at every observable point.
type Budget struct {
	Mode      Mode            `json:"mode"`
	Allocated decimal.Decimal `json:"allocated"`
	Committed decimal.Decimal `json:"committed"`
}

// NA returns an uncapped budget.
func NA() Budget {
	return Budget{Mode: ModeNA}
}

// Capped returns a budget capped at allocated under the given mode.
func Capped(mode Mode, allocated decimal.Decimal) Budget {
	return Budget{Mode: mode, Allocated: allocated}
}

// IsCapped reports whether the budget enforces a cap.
func (b Budget) IsCapped() bool {
	return b.Mode == ModeRoot || b.Mode == ModeAllocated
}

// Available returns allocated − spent − committed for capped modes.
func (b Budget) Available(spent decimal.Decimal) decimal.Decimal {
	if !b.IsCapped() {
		return decimal.Zero
	}
	return b.Allocated.Sub(spent).Sub(b.Committed)
}

// ValidateAllocation reports whether amount can be locked given the
// current spend.
func ValidateAllocation(b Budget, spent, amount decimal.Decimal) error {
	if !b.IsCapped() {
		return nil
	}
	if spent.Add(b.Committed).Add(amount).GreaterThan(b.Allocated) {
		return ErrInsufficientBudget
	}
	return nil
}

// LockAllocation raises committed by amount. No-op for uncapped
// budgets. Callers validate first; Lock itself never fails so a
// validate/lock pair stays atomic within one actor.
func LockAllocation(b Budget, amount decimal.Decimal) Budget {
	if !b.IsCapped() {
		return b
	}
	b.Committed = b.Committed.Add(amount)
	return b
}

// ReleaseAllocation lowers committed by the dismissed child's
// allocation and returns the unspent remainder, floored at zero (a
// child may overspend a race window; the overage is already in the
// ledger).
func ReleaseAllocation(b Budget, childAllocated, childSpent decimal.Decimal) (Budget, decimal.Decimal) {
	if b.IsCapped() {
		b.Committed = b.Committed.Sub(childAllocated)
		if b.Committed.IsNegative() {
			b.Committed = decimal.Zero
		}
	}
	unspent := childAllocated.Sub(childSpent)
	if unspent.IsNegative() {
		unspent = decimal.Zero
	}
	return b, unspent
}

// AdjustChildAllocation applies the delta new−current to the parent's
// committed amount atomically. A positive delta requires available
// room unless the parent is uncapped; a negative delta always
// succeeds.
func AdjustChildAllocation(parent Budget, currentChild, newChild, parentSpent decimal.Decimal) (Budget, error) {
	delta := newChild.Sub(currentChild)
	if !parent.IsCapped() {
		return parent, nil
	}
	if delta.IsPositive() && delta.GreaterThan(parent.Available(parentSpent)) {
		return parent, ErrInsufficientParentBudget
	}
	parent.Committed = parent.Committed.Add(delta)
	if parent.Committed.IsNegative() {
		parent.Committed = decimal.Zero
	}
	return parent, nil
}

// ValidateChildDecrease refuses a new allocation below what the child
// has already spent plus committed to grandchildren.
func ValidateChildDecrease(newAllocation, childSpent, childCommitted decimal.Decimal) error {
	if newAllocation.LessThan(childSpent.Add(childCommitted)) {
		return ErrBelowChildCommitment
	}
	return nil
}
