// Package consensus reduces N parallel model responses to a single
// action by grouping on action type and merging parameters under their
// declared rules.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/nextlevelbuilder/quorum/internal/action"
	"github.com/nextlevelbuilder/quorum/internal/cost"
)

var (
	ErrNoConsensus            = errors.New("no_consensus")
	ErrSequenceMismatch       = errors.New("sequence_mismatch")
	ErrSequenceLengthMismatch = errors.New("sequence_length_mismatch")
)

// Embedder produces vectors for semantic-similarity merging.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Engine merges candidate actions. Embedding spend is threaded through
// the accumulator passed to Reduce; both success and failure paths
// leave the accumulator updated.
type Engine struct {
	embedder Embedder
	// embedCallCost is charged per embedding call.
	embedCallCost decimal.Decimal
}

func NewEngine(embedder Embedder, embedCallCost decimal.Decimal) *Engine {
	return &Engine{embedder: embedder, embedCallCost: embedCallCost}
}

// Reduce merges the slate into one action spec.
func (e *Engine) Reduce(ctx context.Context, slate []action.Spec, acc *cost.Accumulator) (*action.Spec, error) {
	if len(slate) == 0 {
		return nil, fmt.Errorf("%w: empty slate", ErrNoConsensus)
	}

	chosen := chooseType(slate)
	schema := action.Get(chosen)
	if schema == nil {
		return nil, fmt.Errorf("%w: unknown action %q", ErrNoConsensus, chosen)
	}

	var group []action.Params
	var reasoning string
	for _, c := range slate {
		if c.Type == chosen {
			group = append(group, c.Params)
			if reasoning == "" {
				reasoning = c.Reasoning
			}
		}
	}

	merged, err := e.mergeParams(ctx, schema, group, acc)
	if err != nil {
		return nil, err
	}
	return &action.Spec{Type: chosen, Params: merged, Reasoning: reasoning}, nil
}

// chooseType picks the most frequent action type; ties go to the
// lowest schema priority (more conservative wins).
func chooseType(slate []action.Spec) string {
	counts := map[string]int{}
	order := []string{}
	for _, c := range slate {
		if counts[c.Type] == 0 {
			order = append(order, c.Type)
		}
		counts[c.Type]++
	}

	sort.SliceStable(order, func(i, j int) bool {
		if counts[order[i]] != counts[order[j]] {
			return counts[order[i]] > counts[order[j]]
		}
		return priorityOf(order[i]) < priorityOf(order[j])
	})
	return order[0]
}

func priorityOf(actionType string) int {
	if s := action.Get(actionType); s != nil {
		return s.Priority
	}
	return math.MaxInt
}

// mergeParams applies each declared parameter's rule over the values
// present in the group.
func (e *Engine) mergeParams(ctx context.Context, schema *action.Schema, group []action.Params, acc *cost.Accumulator) (action.Params, error) {
	out := action.Params{}
	for name, spec := range schema.Params {
		var values []action.Value
		for _, params := range group {
			if v, ok := params[name]; ok && v.Kind != action.KindNull {
				values = append(values, v)
			}
		}
		if len(values) == 0 {
			continue
		}

		merged, err := e.applyRule(ctx, schema, spec.Rule, values, acc)
		if err != nil {
			return nil, fmt.Errorf("param %s: %w", name, err)
		}
		out[name] = merged
	}
	return out, nil
}

// applyRule dispatches on the rule tag. Deterministic for identical
// inputs and rule definitions.
func (e *Engine) applyRule(ctx context.Context, schema *action.Schema, rule action.Rule, values []action.Value, acc *cost.Accumulator) (action.Value, error) {
	switch rule.Kind {
	case action.RuleExactMatch:
		return exactMatch(values)
	case action.RuleSemanticSimilarity:
		return e.semanticSimilarity(ctx, rule.Threshold, values, acc)
	case action.RuleModeSelection:
		return modeSelection(values), nil
	case action.RuleUnionMerge:
		return unionMerge(values), nil
	case action.RuleStructuralMerge:
		return structuralMerge(values), nil
	case action.RulePercentile:
		return percentile(rule.Percentile, values), nil
	case action.RuleBatchSequenceMerge:
		return e.batchSequenceMerge(ctx, values, acc)
	case action.RuleWaitParameter:
		return waitParameter(values)
	default:
		return action.Value{}, fmt.Errorf("%w: unsupported rule %s", ErrNoConsensus, rule.Kind)
	}
}

func exactMatch(values []action.Value) (action.Value, error) {
	for _, v := range values[1:] {
		if !action.Equal(values[0], v) {
			return action.Value{}, fmt.Errorf("%w: values differ under exact_match", ErrNoConsensus)
		}
	}
	return values[0], nil
}

// semanticSimilarity keeps the first value as representative and
// accepts iff every other value's cosine similarity to it clears the
// threshold. Identical values short-circuit without embedding calls.
func (e *Engine) semanticSimilarity(ctx context.Context, threshold float64, values []action.Value, acc *cost.Accumulator) (action.Value, error) {
	identical := true
	for _, v := range values[1:] {
		if !action.Equal(values[0], v) {
			identical = false
			break
		}
	}
	if identical {
		return values[0], nil
	}

	if e.embedder == nil {
		return action.Value{}, fmt.Errorf("%w: no embedder for semantic_similarity", ErrNoConsensus)
	}

	embed := func(v action.Value) ([]float64, error) {
		vec, err := e.embedder.Embed(ctx, v.DisplayKey())
		acc.Add(e.embedCallCost)
		return vec, err
	}

	rep, err := embed(values[0])
	if err != nil {
		return action.Value{}, fmt.Errorf("%w: embed representative: %v", ErrNoConsensus, err)
	}
	for _, v := range values[1:] {
		vec, err := embed(v)
		if err != nil {
			return action.Value{}, fmt.Errorf("%w: embed candidate: %v", ErrNoConsensus, err)
		}
		if cosine(rep, vec) < threshold {
			return action.Value{}, fmt.Errorf("%w: similarity below %.2f", ErrNoConsensus, threshold)
		}
	}
	return values[0], nil
}

func modeSelection(values []action.Value) action.Value {
	counts := map[string]int{}
	firstSeen := map[string]int{}
	keys := make([]string, len(values))
	for i, v := range values {
		k := v.DisplayKey()
		keys[i] = k
		if counts[k] == 0 {
			firstSeen[k] = i
		}
		counts[k]++
	}

	best := keys[0]
	for _, k := range keys {
		if counts[k] > counts[best] ||
			(counts[k] == counts[best] && firstSeen[k] < firstSeen[best]) {
			best = k
		}
	}
	return values[firstSeen[best]]
}

// unionMerge flattens list values and deduplicates preserving
// first-seen order. Scalars are treated as one-element lists.
func unionMerge(values []action.Value) action.Value {
	seen := map[string]bool{}
	var out []action.Value
	add := func(v action.Value) {
		k := v.DisplayKey()
		if !seen[k] {
			seen[k] = true
			out = append(out, v)
		}
	}
	for _, v := range values {
		if v.Kind == action.KindList {
			for _, e := range v.Items {
				add(e)
			}
		} else {
			add(v)
		}
	}
	return action.Value{Kind: action.KindList, Items: out}
}

// structuralMerge folds maps left to right; later values win scalar
// conflicts, map-vs-map recurses.
func structuralMerge(values []action.Value) action.Value {
	result := values[0]
	for _, v := range values[1:] {
		result = mergeTwo(result, v)
	}
	return result
}

func mergeTwo(a, b action.Value) action.Value {
	if a.Kind == action.KindMap && b.Kind == action.KindMap {
		merged := make(map[string]action.Value, len(a.Map)+len(b.Map))
		for k, v := range a.Map {
			merged[k] = v
		}
		for k, v := range b.Map {
			if existing, ok := merged[k]; ok {
				merged[k] = mergeTwo(existing, v)
			} else {
				merged[k] = v
			}
		}
		return action.MapOf(merged)
	}
	return b
}

// percentile interpolates linearly over the numeric subset; with no
// numeric values it falls through to mode selection.
func percentile(p float64, values []action.Value) action.Value {
	var nums []float64
	allInt := true
	for _, v := range values {
		if f, ok := v.AsFloat(); ok {
			nums = append(nums, f)
			if v.Kind != action.KindInt {
				allInt = false
			}
		}
	}
	if len(nums) == 0 {
		return modeSelection(values)
	}

	sort.Float64s(nums)
	rank := p / 100 * float64(len(nums)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	result := nums[lo]
	if hi > lo {
		frac := rank - float64(lo)
		result = nums[lo] + frac*(nums[hi]-nums[lo])
	}

	if allInt && result == math.Trunc(result) {
		return action.Int(int64(result))
	}
	return action.Float(result)
}

// batchSequenceMerge merges equal-length action sequences
// element-wise: each position must agree on the action type, whose
// params then merge under their own rules.
func (e *Engine) batchSequenceMerge(ctx context.Context, values []action.Value, acc *cost.Accumulator) (action.Value, error) {
	sequences := make([][]action.Spec, len(values))
	for i, v := range values {
		specs, err := action.SpecsFromValue(v)
		if err != nil {
			return action.Value{}, fmt.Errorf("%w: %v", ErrSequenceMismatch, err)
		}
		sequences[i] = specs
	}

	length := len(sequences[0])
	for _, seq := range sequences[1:] {
		if len(seq) != length {
			return action.Value{}, fmt.Errorf("%w: %d vs %d", ErrSequenceLengthMismatch, length, len(seq))
		}
	}

	merged := make([]action.Spec, length)
	for pos := 0; pos < length; pos++ {
		actionType := sequences[0][pos].Type
		for _, seq := range sequences[1:] {
			if seq[pos].Type != actionType {
				return action.Value{}, fmt.Errorf("%w: position %d: %s vs %s",
					ErrSequenceMismatch, pos, actionType, seq[pos].Type)
			}
		}

		schema := action.Get(actionType)
		if schema == nil {
			return action.Value{}, fmt.Errorf("%w: position %d: unknown action %q",
				ErrSequenceMismatch, pos, actionType)
		}

		group := make([]action.Params, len(sequences))
		for i, seq := range sequences {
			group[i] = seq[pos].Params
		}
		params, err := e.mergeParams(ctx, schema, group, acc)
		if err != nil {
			return action.Value{}, fmt.Errorf("position %d: %w", pos, err)
		}
		merged[pos] = action.Spec{Type: actionType, Params: params}
	}

	return action.SpecsToValue(merged), nil
}

// waitParameter merges booleans and/or non-negative second counts:
// uniform booleans keep their value; mixed booleans lean true with ≥3
// voters; numerics take the integer median; a bool/numeric mix maps
// false→0 and true→max(numeric max, 30) before the median.
func waitParameter(values []action.Value) (action.Value, error) {
	var bools []bool
	var nums []int64
	for _, v := range values {
		switch v.Kind {
		case action.KindBool:
			bools = append(bools, v.B)
		case action.KindInt:
			if v.I < 0 {
				return action.Value{}, fmt.Errorf("%w: negative wait", ErrNoConsensus)
			}
			nums = append(nums, v.I)
		case action.KindFloat:
			if v.F < 0 {
				return action.Value{}, fmt.Errorf("%w: negative wait", ErrNoConsensus)
			}
			nums = append(nums, int64(v.F))
		default:
			return action.Value{}, fmt.Errorf("%w: wait must be bool or number, got %s", ErrNoConsensus, v.Kind)
		}
	}

	switch {
	case len(nums) == 0:
		anyTrue, allTrue := false, true
		for _, b := range bools {
			anyTrue = anyTrue || b
			allTrue = allTrue && b
		}
		if allTrue {
			return action.Bool(true), nil
		}
		if !anyTrue {
			return action.Bool(false), nil
		}
		if len(bools) >= 3 {
			return action.Bool(true), nil
		}
		return action.Value{}, fmt.Errorf("%w: split wait vote", ErrNoConsensus)

	case len(bools) == 0:
		return action.Int(intMedian(nums)), nil

	default:
		maxNum := nums[0]
		for _, n := range nums[1:] {
			if n > maxNum {
				maxNum = n
			}
		}
		trueVal := maxNum
		if trueVal < 30 {
			trueVal = 30
		}
		all := append([]int64{}, nums...)
		for _, b := range bools {
			if b {
				all = append(all, trueVal)
			} else {
				all = append(all, 0)
			}
		}
		return action.Int(intMedian(all)), nil
	}
}

func intMedian(nums []int64) int64 {
	sorted := append([]int64{}, nums...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// FilterValid drops slate entries that fail validation, logging each;
// consensus then runs over survivors with coerced params.
func FilterValid(slate []action.Spec) []action.Spec {
	var out []action.Spec
	for _, c := range slate {
		params, err := action.Validate(c.Type, c.Params)
		if err != nil {
			slog.Debug("consensus: dropping invalid candidate", "action", c.Type, "error", err)
			continue
		}
		out = append(out, action.Spec{Type: c.Type, Params: params, Reasoning: c.Reasoning})
	}
	return out
}
