// Package action defines the closed action registry: the tagged value
// tree LLM responses are decoded into, the per-action schemas with
// their consensus rules, and the pure validator bridging the two.
package action

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Kind tags a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindDecimal
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindDecimal:
		return "decimal"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// Value is the dynamic parameter representation. Exactly one field
// matching Kind is meaningful.
type Value struct {
	Kind  Kind
	B     bool
	I     int64
	F     float64
	S     string
	D     decimal.Decimal
	Items []Value
	Map   map[string]Value
}

// Params is one action's parameter set.
type Params map[string]Value

func Null() Value             { return Value{Kind: KindNull} }
func Bool(b bool) Value       { return Value{Kind: KindBool, B: b} }
func Int(i int64) Value       { return Value{Kind: KindInt, I: i} }
func Float(f float64) Value   { return Value{Kind: KindFloat, F: f} }
func Str(s string) Value      { return Value{Kind: KindString, S: s} }
func Dec(d decimal.Decimal) Value { return Value{Kind: KindDecimal, D: d} }
func List(items ...Value) Value   { return Value{Kind: KindList, Items: items} }
func MapOf(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{Kind: KindMap, Map: m}
}

// FromAny converts a JSON-decoded interface{} tree into a Value.
func FromAny(v interface{}) Value {
	switch x := v.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(x)
	case float64:
		if x == float64(int64(x)) {
			return Int(int64(x))
		}
		return Float(x)
	case int:
		return Int(int64(x))
	case int64:
		return Int(x)
	case string:
		return Str(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return Int(i)
		}
		f, _ := x.Float64()
		return Float(f)
	case []interface{}:
		items := make([]Value, len(x))
		for i, e := range x {
			items[i] = FromAny(e)
		}
		return Value{Kind: KindList, Items: items}
	case map[string]interface{}:
		m := make(map[string]Value, len(x))
		for k, e := range x {
			m[NormalizeKey(k)] = FromAny(e)
		}
		return MapOf(m)
	default:
		return Str(fmt.Sprintf("%v", x))
	}
}

// ParamsFromAny converts a JSON-decoded object into Params with
// normalized keys.
func ParamsFromAny(m map[string]interface{}) Params {
	out := make(Params, len(m))
	for k, v := range m {
		out[NormalizeKey(k)] = FromAny(v)
	}
	return out
}

// NormalizeKey canonicalizes an LLM-produced parameter name.
func NormalizeKey(k string) string {
	k = strings.TrimSpace(strings.ToLower(k))
	return strings.ReplaceAll(k, " ", "_")
}

// ToAny converts back to a plain interface{} tree for JSON encoding.
func (v Value) ToAny() interface{} {
	switch v.Kind {
	case KindNull:
		return nil
	case KindBool:
		return v.B
	case KindInt:
		return v.I
	case KindFloat:
		return v.F
	case KindString:
		return v.S
	case KindDecimal:
		return v.D.String()
	case KindList:
		out := make([]interface{}, len(v.Items))
		for i, e := range v.Items {
			out[i] = e.ToAny()
		}
		return out
	case KindMap:
		out := make(map[string]interface{}, len(v.Map))
		for k, e := range v.Map {
			out[k] = e.ToAny()
		}
		return out
	default:
		return nil
	}
}

// ToAny converts Params to a plain map for JSON encoding.
func (p Params) ToAny() map[string]interface{} {
	out := make(map[string]interface{}, len(p))
	for k, v := range p {
		out[k] = v.ToAny()
	}
	return out
}

// MarshalJSON encodes through the plain representation.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.ToAny())
}

// UnmarshalJSON decodes from the plain representation.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = FromAny(raw)
	return nil
}

// MarshalJSON encodes Params through the plain representation.
func (p Params) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.ToAny())
}

// UnmarshalJSON decodes Params from a JSON object.
func (p *Params) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = ParamsFromAny(raw)
	return nil
}

// Equal is deep structural equality. Int and Float compare across
// kinds when numerically equal; Decimal compares by value.
func Equal(a, b Value) bool {
	if a.Kind != b.Kind {
		an, aok := a.AsFloat()
		bn, bok := b.AsFloat()
		return aok && bok && an == bn
	}
	switch a.Kind {
	case KindNull:
		return true
	case KindBool:
		return a.B == b.B
	case KindInt:
		return a.I == b.I
	case KindFloat:
		return a.F == b.F
	case KindString:
		return a.S == b.S
	case KindDecimal:
		return a.D.Equal(b.D)
	case KindList:
		if len(a.Items) != len(b.Items) {
			return false
		}
		for i := range a.Items {
			if !Equal(a.Items[i], b.Items[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(a.Map) != len(b.Map) {
			return false
		}
		for k, av := range a.Map {
			bv, ok := b.Map[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// AsFloat returns the numeric value of Int/Float/Decimal kinds.
func (v Value) AsFloat() (float64, bool) {
	switch v.Kind {
	case KindInt:
		return float64(v.I), true
	case KindFloat:
		return v.F, true
	case KindDecimal:
		f, _ := v.D.Float64()
		return f, true
	default:
		return 0, false
	}
}

// AsDecimal returns the decimal value of numeric kinds.
func (v Value) AsDecimal() (decimal.Decimal, bool) {
	switch v.Kind {
	case KindInt:
		return decimal.NewFromInt(v.I), true
	case KindFloat:
		return decimal.NewFromFloat(v.F), true
	case KindDecimal:
		return v.D, true
	default:
		return decimal.Zero, false
	}
}

// DisplayKey renders a Value into a stable string usable as a
// comparison/dedup key. Maps render with sorted keys.
func (v Value) DisplayKey() string {
	switch v.Kind {
	case KindNull:
		return "null"
	case KindBool:
		return fmt.Sprintf("%t", v.B)
	case KindInt:
		return fmt.Sprintf("%d", v.I)
	case KindFloat:
		return fmt.Sprintf("%g", v.F)
	case KindString:
		return v.S
	case KindDecimal:
		return v.D.String()
	case KindList:
		parts := make([]string, len(v.Items))
		for i, e := range v.Items {
			parts[i] = e.DisplayKey()
		}
		return "[" + strings.Join(parts, ",") + "]"
	case KindMap:
		keys := make([]string, 0, len(v.Map))
		for k := range v.Map {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + ":" + v.Map[k].DisplayKey()
		}
		return "{" + strings.Join(parts, ",") + "}"
	default:
		return ""
	}
}
