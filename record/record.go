package record

import (
	"fmt"
	"strings"

	"github.com/rudderlabs/rudder-go-kit/jsonrs"
)

// LocalIDSuffix marks attributes that reference another record by its local
// id instead of a system-assigned one. The injector resolves and strips them
// before anything is sent to the target system.
const LocalIDSuffix = "_localId"

// InternalFieldPrefix marks bookkeeping attributes owned by the generator.
// They never leave the process.
const InternalFieldPrefix = "__df_"

type Kind int

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindMap
)

// Value is a closed variant over the attribute types the target system
// understands: string, number, bool, null and nested map. Keeping the set
// closed lets validation and transform switch exhaustively instead of
// type-asserting on interface{}.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	m    AttributeMap
}

func Null() Value              { return Value{kind: KindNull} }
func String(s string) Value    { return Value{kind: KindString, str: s} }
func Number(n float64) Value   { return Value{kind: KindNumber, num: n} }
func Bool(b bool) Value        { return Value{kind: KindBool, b: b} }
func Map(m AttributeMap) Value { return Value{kind: KindMap, m: m} }

func (v Value) Kind() Kind           { return v.kind }
func (v Value) Str() string          { return v.str }
func (v Value) Num() float64         { return v.num }
func (v Value) Boolean() bool        { return v.b }
func (v Value) MapVal() AttributeMap { return v.m }

// IsEmpty reports whether the value is null or an empty string. Zero numbers
// and false booleans are deliberately not empty: they are generated content.
func (v Value) IsEmpty() bool {
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return strings.TrimSpace(v.str) == ""
	case KindMap:
		return len(v.m) == 0
	default:
		return false
	}
}

// ToAny converts the value to its encoding/json-compatible representation.
func (v Value) ToAny() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindMap:
		return v.m.ToAnyMap()
	default:
		return nil
	}
}

// FromAny converts a decoded JSON value into a Value. Integers arrive as
// float64 from the decoder, which matches the target system's number type.
func FromAny(in any) (Value, error) {
	switch t := in.(type) {
	case nil:
		return Null(), nil
	case string:
		return String(t), nil
	case float64:
		return Number(t), nil
	case int:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case bool:
		return Bool(t), nil
	case map[string]any:
		m, err := FromAnyMap(t)
		if err != nil {
			return Null(), err
		}
		return Map(m), nil
	default:
		return Null(), fmt.Errorf("unsupported attribute value type %T", in)
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	return jsonrs.Marshal(v.ToAny())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := jsonrs.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// AttributeMap is the attribute set of a single record.
type AttributeMap map[string]Value

// Clone returns a copy that can be mutated without touching the original.
// Nested maps are copied too.
func (m AttributeMap) Clone() AttributeMap {
	out := make(AttributeMap, len(m))
	for k, v := range m {
		if v.kind == KindMap {
			v = Map(v.m.Clone())
		}
		out[k] = v
	}
	return out
}

func (m AttributeMap) ToAnyMap() map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v.ToAny()
	}
	return out
}

func FromAnyMap(in map[string]any) (AttributeMap, error) {
	out := make(AttributeMap, len(in))
	for k, raw := range in {
		v, err := FromAny(raw)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

// LogicalRecord is a generated record that exists only locally. LocalID is
// unique within a run; ParentLocalID, when set, names the record this one
// hangs off in the object-type dependency order.
type LogicalRecord struct {
	ObjectType    string       `json:"objectType"`
	LocalID       string       `json:"localId"`
	ParentLocalID string       `json:"parentLocalId,omitempty"`
	Attributes    AttributeMap `json:"attributes"`
}
