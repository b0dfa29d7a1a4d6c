package action

import (
	"errors"
	"fmt"
	"strings"
)

// Validation failure sentinels, matched with errors.Is.
var (
	ErrUnknownAction    = errors.New("unknown_action")
	ErrMissingParam     = errors.New("missing_required_param")
	ErrXORViolation     = errors.New("xor_violation")
	ErrInvalidParam     = errors.New("invalid_param")
	ErrNestedBatch      = errors.New("nested_batch")
	ErrCapabilityDenied = errors.New("capability_denied")
)

// Spec is one action candidate: a type plus its parameters.
type Spec struct {
	Type      string `json:"action"`
	Params    Params `json:"params"`
	Reasoning string `json:"reasoning,omitempty"`
}

// Validate checks and coerces params against the schema for
// actionType. It is pure: the input is not mutated, and validated
// output re-validates unchanged.
func Validate(actionType string, params Params) (Params, error) {
	schema := Get(actionType)
	if schema == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, actionType)
	}
	return validateAgainst(schema, params)
}

// ValidateBatch validates every sub-action of a batch before any
// executes. Nested batches are rejected.
func ValidateBatch(items []Spec) ([]Spec, error) {
	out := make([]Spec, len(items))
	for i, item := range items {
		if IsBatch(item.Type) {
			return nil, fmt.Errorf("%w: action %d (%s)", ErrNestedBatch, i, item.Type)
		}
		coerced, err := Validate(item.Type, item.Params)
		if err != nil {
			return nil, fmt.Errorf("batch action %d (%s): %w", i, item.Type, err)
		}
		out[i] = Spec{Type: item.Type, Params: coerced, Reasoning: item.Reasoning}
	}
	return out, nil
}

// SpecsFromValue decodes a TypeActionList parameter value into Specs.
func SpecsFromValue(v Value) ([]Spec, error) {
	if v.Kind != KindList {
		return nil, fmt.Errorf("%w: actions must be a list, got %s", ErrInvalidParam, v.Kind)
	}
	out := make([]Spec, 0, len(v.Items))
	for i, item := range v.Items {
		if item.Kind != KindMap {
			return nil, fmt.Errorf("%w: action %d must be a map, got %s", ErrInvalidParam, i, item.Kind)
		}
		typeVal, ok := item.Map["action"]
		if !ok || typeVal.Kind != KindString {
			return nil, fmt.Errorf("%w: action %d missing action type", ErrInvalidParam, i)
		}
		spec := Spec{Type: typeVal.S, Params: Params{}}
		if paramsVal, ok := item.Map["params"]; ok {
			if paramsVal.Kind != KindMap {
				return nil, fmt.Errorf("%w: action %d params must be a map", ErrInvalidParam, i)
			}
			spec.Params = Params(paramsVal.Map)
		}
		out = append(out, spec)
	}
	return out, nil
}

// SpecsToValue re-encodes validated Specs as a TypeActionList value.
func SpecsToValue(specs []Spec) Value {
	items := make([]Value, len(specs))
	for i, s := range specs {
		items[i] = MapOf(map[string]Value{
			"action": Str(s.Type),
			"params": MapOf(map[string]Value(s.Params)),
		})
	}
	return Value{Kind: KindList, Items: items}
}

func validateAgainst(schema *Schema, params Params) (Params, error) {
	out := make(Params, len(params))

	// Coerce known params first; null values count as absent.
	for name, spec := range schema.Params {
		v, ok := params[name]
		if !ok || v.Kind == KindNull {
			continue
		}
		coerced, err := coerce(schema, name, spec, v)
		if err != nil {
			return nil, err
		}
		out[name] = coerced
	}

	// Required params (XOR-group members are conditionally required
	// and handled below).
	xorMembers := map[string]bool{}
	for _, group := range schema.XORGroups {
		for _, name := range group {
			xorMembers[name] = true
		}
	}
	for name, spec := range schema.Params {
		if spec.Required && !xorMembers[name] {
			if _, ok := out[name]; !ok {
				return nil, fmt.Errorf("%w: %s", ErrMissingParam, name)
			}
		}
	}

	// XOR: exactly one group present; every param of that group set.
	if len(schema.XORGroups) > 0 {
		present := -1
		for i, group := range schema.XORGroups {
			any := false
			for _, name := range group {
				if _, ok := out[name]; ok {
					any = true
					break
				}
			}
			if !any {
				continue
			}
			if present >= 0 {
				return nil, fmt.Errorf("%w: groups %v and %v both present",
					ErrXORViolation, schema.XORGroups[present], group)
			}
			present = i
		}
		if present < 0 {
			return nil, fmt.Errorf("%w: one of %v required", ErrXORViolation, schema.XORGroups)
		}
		for _, name := range schema.XORGroups[present] {
			if _, ok := out[name]; !ok {
				return nil, fmt.Errorf("%w: %s (required by group %v)",
					ErrMissingParam, name, schema.XORGroups[present])
			}
		}
	}

	if schema.RequiresWait {
		if _, ok := out["wait"]; !ok {
			return nil, fmt.Errorf("%w: wait", ErrMissingParam)
		}
	}
	return out, nil
}

func coerce(schema *Schema, name string, spec ParamSpec, v Value) (Value, error) {
	fail := func(want string) (Value, error) {
		return Value{}, fmt.Errorf("%w: %s.%s expects %s, got %s",
			ErrInvalidParam, schema.Type, name, want, v.Kind)
	}

	switch spec.Type {
	case TypeBool:
		switch v.Kind {
		case KindBool:
			return v, nil
		case KindString:
			// LLMs routinely emit booleans as strings.
			switch strings.ToLower(strings.TrimSpace(v.S)) {
			case "true":
				return Bool(true), nil
			case "false":
				return Bool(false), nil
			}
		}
		return fail("bool")

	case TypeInt:
		switch v.Kind {
		case KindInt:
			return v, nil
		case KindFloat:
			if v.F == float64(int64(v.F)) {
				return Int(int64(v.F)), nil
			}
		}
		return fail("int")

	case TypeNumber:
		if _, ok := v.AsDecimal(); ok {
			return v, nil
		}
		return fail("number")

	case TypeString:
		if v.Kind == KindString {
			return v, nil
		}
		return fail("string")

	case TypeStringList:
		list, ok := coerceList(v)
		if !ok {
			return fail("list of strings")
		}
		for _, e := range list.Items {
			if e.Kind != KindString {
				return fail("list of strings")
			}
		}
		return list, nil

	case TypeMap:
		if v.Kind == KindMap {
			return v, nil
		}
		return fail("map")

	case TypeEnum:
		if v.Kind != KindString {
			return fail("enum string")
		}
		for _, canonical := range spec.Enum {
			if strings.EqualFold(v.S, canonical) {
				return Str(canonical), nil
			}
		}
		return Value{}, fmt.Errorf("%w: %s.%s must be one of %v, got %q",
			ErrInvalidParam, schema.Type, name, spec.Enum, v.S)

	case TypeWait:
		switch v.Kind {
		case KindBool:
			return v, nil
		case KindInt:
			if v.I >= 0 {
				return v, nil
			}
		case KindFloat:
			if v.F >= 0 && v.F == float64(int64(v.F)) {
				return Int(int64(v.F)), nil
			}
		case KindString:
			switch strings.ToLower(strings.TrimSpace(v.S)) {
			case "true":
				return Bool(true), nil
			case "false":
				return Bool(false), nil
			}
		}
		return fail("bool or non-negative seconds")

	case TypeObjectList:
		list, ok := coerceList(v)
		if !ok {
			return fail("list of objects")
		}
		out := make([]Value, len(list.Items))
		for i, e := range list.Items {
			if e.Kind != KindMap {
				return fail("list of objects")
			}
			elem := make(map[string]Value, len(e.Map))
			for k, ev := range e.Map {
				keySpec, declared := spec.Keys[k]
				if !declared {
					return Value{}, fmt.Errorf("%w: %s.%s[%d] has undeclared key %q",
						ErrInvalidParam, schema.Type, name, i, k)
				}
				coerced, err := coerce(schema, name+"."+k, keySpec, ev)
				if err != nil {
					return Value{}, err
				}
				elem[k] = coerced
			}
			if !spec.AllOptional {
				for k, keySpec := range spec.Keys {
					if keySpec.Required {
						if _, ok := elem[k]; !ok {
							return Value{}, fmt.Errorf("%w: %s.%s[%d].%s",
								ErrMissingParam, schema.Type, name, i, k)
						}
					}
				}
			}
			out[i] = MapOf(elem)
		}
		return Value{Kind: KindList, Items: out}, nil

	case TypeActionList:
		list, ok := coerceList(v)
		if !ok {
			return fail("list of action specs")
		}
		specs, err := SpecsFromValue(list)
		if err != nil {
			return Value{}, err
		}
		validated, err := ValidateBatch(specs)
		if err != nil {
			return Value{}, err
		}
		return SpecsToValue(validated), nil

	default:
		return fail("supported type")
	}
}

// coerceList accepts a list, or an empty map (a common LLM slip for an
// empty list).
func coerceList(v Value) (Value, bool) {
	switch v.Kind {
	case KindList:
		return v, true
	case KindMap:
		if len(v.Map) == 0 {
			return Value{Kind: KindList, Items: []Value{}}, true
		}
	}
	return Value{}, false
}
