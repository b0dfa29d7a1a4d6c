package consensus

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/nextlevelbuilder/quorum/internal/action"
	"github.com/nextlevelbuilder/quorum/internal/cost"
)

// countingEmbedder records calls; identical vectors for identical
// text, orthogonal ones otherwise.
type countingEmbedder struct {
	calls   int
	vectors map[string][]float64
}

func (e *countingEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	e.calls++
	if v, ok := e.vectors[text]; ok {
		return v, nil
	}
	return []float64{1, 0, 0}, nil
}

func newEngine(embedder Embedder) *Engine {
	return NewEngine(embedder, decimal.RequireFromString("0.0001"))
}

func waitValues(vals ...interface{}) []action.Value {
	out := make([]action.Value, len(vals))
	for i, v := range vals {
		out[i] = action.FromAny(v)
	}
	return out
}

// Wait-parameter mixing booleans and numbers: false→0, true→max(60,30),
// then the integer median of [0,30,60,60] is 45.
func TestWaitParameterMixed(t *testing.T) {
	got, err := waitParameter(waitValues(false, 30, true, 60))
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind != action.KindInt || got.I != 45 {
		t.Errorf("got %+v, want Int(45)", got)
	}
}

func TestWaitParameter(t *testing.T) {
	tests := []struct {
		name    string
		in      []action.Value
		want    action.Value
		wantErr bool
	}{
		{"all false", waitValues(false, false), action.Bool(false), false},
		{"all true", waitValues(true, true, true), action.Bool(true), false},
		{"mixed bools three voters", waitValues(true, false, false), action.Bool(true), false},
		{"mixed bools two voters", waitValues(true, false), action.Value{}, true},
		{"numeric median odd", waitValues(10, 20, 90), action.Int(20), false},
		{"numeric median even", waitValues(10, 20), action.Int(15), false},
		{"true below floor", waitValues(true, 10), action.Int(20), false}, // true→30, median(10,30)=20
		{"negative rejected", waitValues(-5), action.Value{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := waitParameter(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && !action.Equal(got, tt.want) {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

// Identical strings must short-circuit without embedding calls.
func TestSemanticSimilarityShortCircuit(t *testing.T) {
	embedder := &countingEmbedder{}
	e := newEngine(embedder)

	got, err := e.semanticSimilarity(context.Background(), 0.9,
		waitValues("hello world", "hello world"), cost.NewAccumulator())
	if err != nil {
		t.Fatal(err)
	}
	if got.S != "hello world" {
		t.Errorf("got %q", got.S)
	}
	if embedder.calls != 0 {
		t.Errorf("embedder called %d times, want 0", embedder.calls)
	}
}

func TestSemanticSimilarityThreshold(t *testing.T) {
	embedder := &countingEmbedder{vectors: map[string][]float64{
		"cats": {1, 0, 0},
		"dogs": {0.95, 0.3, 0}, // cos ≈ 0.95
		"xyz":  {0, 1, 0},      // orthogonal
	}}
	e := newEngine(embedder)
	acc := cost.NewAccumulator()

	got, err := e.semanticSimilarity(context.Background(), 0.9, waitValues("cats", "dogs"), acc)
	if err != nil {
		t.Fatalf("similar values rejected: %v", err)
	}
	if got.S != "cats" {
		t.Errorf("representative should win, got %q", got.S)
	}
	if acc.Total().IsZero() {
		t.Error("embedding cost not accumulated")
	}

	acc2 := cost.NewAccumulator()
	if _, err := e.semanticSimilarity(context.Background(), 0.9, waitValues("cats", "xyz"), acc2); err == nil {
		t.Error("orthogonal values accepted")
	}
	if acc2.Total().IsZero() {
		t.Error("failure path must still return accumulated cost")
	}
}

func TestModeSelectionFirstSeenTiebreak(t *testing.T) {
	got := modeSelection(waitValues("b", "a", "a", "b"))
	if got.S != "b" {
		t.Errorf("first-encountered should win ties, got %q", got.S)
	}
}

func TestUnionMerge(t *testing.T) {
	got := unionMerge([]action.Value{
		action.FromAny([]interface{}{"a", "b"}),
		action.FromAny([]interface{}{"b", "c"}),
		action.FromAny([]interface{}{"a"}),
	})
	want := []string{"a", "b", "c"}
	if len(got.Items) != len(want) {
		t.Fatalf("got %d items, want %d", len(got.Items), len(want))
	}
	for i, w := range want {
		if got.Items[i].S != w {
			t.Errorf("item %d = %q, want %q", i, got.Items[i].S, w)
		}
	}
}

func TestStructuralMerge(t *testing.T) {
	got := structuralMerge([]action.Value{
		action.FromAny(map[string]interface{}{"a": 1, "nested": map[string]interface{}{"x": 1}}),
		action.FromAny(map[string]interface{}{"b": 2, "nested": map[string]interface{}{"y": 2}}),
		action.FromAny(map[string]interface{}{"a": 3}),
	})
	if got.Map["a"].I != 3 {
		t.Errorf("later scalar should win: a = %v", got.Map["a"])
	}
	if got.Map["b"].I != 2 {
		t.Errorf("b = %v", got.Map["b"])
	}
	nested := got.Map["nested"]
	if nested.Map["x"].I != 1 || nested.Map["y"].I != 2 {
		t.Errorf("map-vs-map must recurse: %+v", nested.Map)
	}
}

func TestPercentile(t *testing.T) {
	got := percentile(50, waitValues(10, 30, 20))
	if f, _ := got.AsFloat(); f != 20 {
		t.Errorf("median = %v, want 20", got)
	}

	// Linear interpolation between ranks.
	got = percentile(50, waitValues(10, 20))
	if f, _ := got.AsFloat(); f != 15 {
		t.Errorf("interpolated = %v, want 15", got)
	}

	// No numeric values fall through to mode.
	got = percentile(50, waitValues("x", "y", "x"))
	if got.S != "x" {
		t.Errorf("non-numeric fallback = %v, want mode", got)
	}
}

func TestChooseTypeTiebreak(t *testing.T) {
	// Equal counts: the lower-priority (more conservative) action
	// wins. wait(1) beats shell(10).
	slate := []action.Spec{
		{Type: action.TypeShell},
		{Type: action.TypeWaitAction},
	}
	if got := chooseType(slate); got != action.TypeWaitAction {
		t.Errorf("chooseType = %q, want wait", got)
	}

	// Majority beats priority.
	slate = append(slate, action.Spec{Type: action.TypeShell})
	if got := chooseType(slate); got != action.TypeShell {
		t.Errorf("chooseType = %q, want shell", got)
	}
}

func TestReduceDeterminism(t *testing.T) {
	e := newEngine(nil)
	slate := []action.Spec{
		{Type: action.TypeTodo, Params: action.Params{"items": action.FromAny([]interface{}{
			map[string]interface{}{"content": "a", "state": "todo"},
		})}},
		{Type: action.TypeTodo, Params: action.Params{"items": action.FromAny([]interface{}{
			map[string]interface{}{"content": "b", "state": "todo"},
		})}},
	}

	first, err := e.Reduce(context.Background(), slate, cost.NewAccumulator())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		again, err := e.Reduce(context.Background(), slate, cost.NewAccumulator())
		if err != nil {
			t.Fatal(err)
		}
		if !action.Equal(action.MapOf(map[string]action.Value(first.Params)), action.MapOf(map[string]action.Value(again.Params))) {
			t.Fatalf("run %d differed: %+v vs %+v", i, first.Params, again.Params)
		}
	}
}

func TestBatchSequenceMerge(t *testing.T) {
	e := newEngine(nil)
	seq := func(types ...string) action.Value {
		specs := make([]action.Spec, len(types))
		for i, typ := range types {
			specs[i] = action.Spec{Type: typ, Params: action.Params{
				"url": action.Str("https://example.com"), "path": action.Str("/tmp/x"),
				"query": action.Str("q"),
			}}
		}
		return action.SpecsToValue(specs)
	}

	// Equal sequences merge.
	if _, err := e.batchSequenceMerge(context.Background(),
		[]action.Value{seq(action.TypeFetchWeb), seq(action.TypeFetchWeb)}, cost.NewAccumulator()); err != nil {
		t.Fatalf("equal sequences: %v", err)
	}

	// Length mismatch.
	_, err := e.batchSequenceMerge(context.Background(),
		[]action.Value{seq(action.TypeFetchWeb), seq(action.TypeFetchWeb, action.TypeFileRead)}, cost.NewAccumulator())
	if !errors.Is(err, ErrSequenceLengthMismatch) {
		t.Errorf("want length mismatch, got %v", err)
	}

	// Per-position type mismatch.
	_, err = e.batchSequenceMerge(context.Background(),
		[]action.Value{seq(action.TypeFetchWeb), seq(action.TypeFileRead)}, cost.NewAccumulator())
	if !errors.Is(err, ErrSequenceMismatch) {
		t.Errorf("want sequence mismatch, got %v", err)
	}
}

func TestReduceEmptySlate(t *testing.T) {
	e := newEngine(nil)
	if _, err := e.Reduce(context.Background(), nil, cost.NewAccumulator()); !errors.Is(err, ErrNoConsensus) {
		t.Errorf("want no_consensus, got %v", err)
	}
}
