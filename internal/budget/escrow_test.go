package budget

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestValidateAllocation(t *testing.T) {
	tests := []struct {
		name    string
		budget  Budget
		spent   string
		amount  string
		wantErr bool
	}{
		{"na always passes", NA(), "1000", "1000", false},
		{"fits exactly", Capped(ModeAllocated, d("100")), "20", "80", false},
		{"over by one", Capped(ModeAllocated, d("100")), "20", "81", true},
		{"committed counts", Budget{Mode: ModeAllocated, Allocated: d("100"), Committed: d("50")}, "20", "31", true},
		{"root mode enforced", Capped(ModeRoot, d("10")), "0", "11", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAllocation(tt.budget, d(tt.spent), d(tt.amount))
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAllocation() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// Lock/release symmetry: committed returns to its starting point.
func TestEscrowSymmetry(t *testing.T) {
	for _, amount := range []string{"0", "1", "33.33", "100"} {
		b := Budget{Mode: ModeAllocated, Allocated: d("500"), Committed: d("120")}
		before := b.Committed

		locked := LockAllocation(b, d(amount))
		released, _ := ReleaseAllocation(locked, d(amount), d(amount))

		if !released.Committed.Equal(before) {
			t.Errorf("amount %s: committed %s after lock+release, want %s", amount, released.Committed, before)
		}
	}
}

func TestReleaseAllocationUnspent(t *testing.T) {
	tests := []struct {
		name        string
		allocated   string
		spent       string
		wantUnspent string
	}{
		{"half spent", "100", "40", "60"},
		{"nothing spent", "100", "0", "100"},
		{"overspent floors at zero", "100", "120", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := Budget{Mode: ModeAllocated, Allocated: d("500"), Committed: d(tt.allocated)}
			_, unspent := ReleaseAllocation(b, d(tt.allocated), d(tt.spent))
			if !unspent.Equal(d(tt.wantUnspent)) {
				t.Errorf("unspent = %s, want %s", unspent, tt.wantUnspent)
			}
		})
	}
}

// Adjust moves parent committed by exactly new−current, or fails
// without touching it.
func TestAdjustChildAllocation(t *testing.T) {
	tests := []struct {
		name          string
		parent        Budget
		parentSpent   string
		currentChild  string
		newChild      string
		wantCommitted string
		wantErr       error
	}{
		{
			name:          "decrease",
			parent:        Budget{Mode: ModeAllocated, Allocated: d("100"), Committed: d("50")},
			parentSpent:   "20",
			currentChild:  "40",
			newChild:      "25",
			wantCommitted: "35",
		},
		{
			name:          "increase within room",
			parent:        Budget{Mode: ModeAllocated, Allocated: d("100"), Committed: d("50")},
			parentSpent:   "20",
			currentChild:  "40",
			newChild:      "60",
			wantCommitted: "70",
		},
		{
			name:         "increase beyond room",
			parent:       Budget{Mode: ModeAllocated, Allocated: d("100"), Committed: d("50")},
			parentSpent:  "20",
			currentChild: "40",
			newChild:     "80",
			wantErr:      ErrInsufficientParentBudget,
		},
		{
			name:          "uncapped parent ignores delta",
			parent:        NA(),
			parentSpent:   "0",
			currentChild:  "40",
			newChild:      "4000",
			wantCommitted: "0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := AdjustChildAllocation(tt.parent, d(tt.currentChild), d(tt.newChild), d(tt.parentSpent))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				if !got.Committed.Equal(tt.parent.Committed) {
					t.Errorf("failed adjust moved committed: %s", got.Committed)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if !got.Committed.Equal(d(tt.wantCommitted)) {
				t.Errorf("committed = %s, want %s", got.Committed, tt.wantCommitted)
			}
		})
	}
}

// No sequence of operations may push committed past allocated − spent.
func TestInvariantCommittedBound(t *testing.T) {
	b := Capped(ModeAllocated, d("100"))
	spent := d("10")

	ops := []string{"30", "40", "19", "50", "1"}
	for _, amount := range ops {
		if err := ValidateAllocation(b, spent, d(amount)); err != nil {
			continue // refused locks don't mutate
		}
		b = LockAllocation(b, d(amount))
		if b.Committed.GreaterThan(b.Allocated.Sub(spent)) {
			t.Fatalf("invariant violated: committed %s > allocated-spent %s", b.Committed, b.Allocated.Sub(spent))
		}
	}
}

func TestValidateChildDecrease(t *testing.T) {
	if err := ValidateChildDecrease(d("50"), d("30"), d("20")); err != nil {
		t.Errorf("exact floor should pass: %v", err)
	}
	if err := ValidateChildDecrease(d("49"), d("30"), d("20")); !errors.Is(err, ErrBelowChildCommitment) {
		t.Errorf("want ErrBelowChildCommitment, got %v", err)
	}
}
