package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type ValueKind int

const (
	KindNull ValueKind = iota
	KindNumber
	KindString
	KindBool
	KindDate
	KindList
)

func (k ValueKind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindBool:
		return "boolean"
	case KindDate:
		return "date"
	case KindList:
		return "list"
	}
	return "null"
}

// Value is the tagged union stored in a record's property map and produced by
// formula and rollup evaluation. Only the field matching Kind is meaningful.
type Value struct {
	Kind ValueKind
	Num  float64
	Str  string
	Bool bool
	Time time.Time
	List []Value
}

func Null() Value                { return Value{} }
func Number(f float64) Value     { return Value{Kind: KindNumber, Num: f} }
func String(s string) Value      { return Value{Kind: KindString, Str: s} }
func Bool(b bool) Value          { return Value{Kind: KindBool, Bool: b} }
func Date(t time.Time) Value     { return Value{Kind: KindDate, Time: t.UTC()} }
func List(values ...Value) Value { return Value{Kind: KindList, List: append([]Value{}, values...)} }

// StringList builds a list value of strings, e.g. relation ids or option ids.
func StringList(items []string) Value {
	out := make([]Value, len(items))
	for i, s := range items {
		out[i] = String(s)
	}
	return Value{Kind: KindList, List: out}
}

func (v Value) IsNull() bool { return v.Kind == KindNull }

// IsEmpty treats null, the empty string and the empty list as empty.
func (v Value) IsEmpty() bool {
	switch v.Kind {
	case KindNull:
		return true
	case KindString:
		return v.Str == ""
	case KindList:
		return len(v.List) == 0
	}
	return false
}

// Items returns the list elements, a single-element slice for scalars, and nil for null.
func (v Value) Items() []Value {
	switch v.Kind {
	case KindNull:
		return nil
	case KindList:
		return v.List
	}
	return []Value{v}
}

// Strings returns the string elements of the value, skipping anything else.
func (v Value) Strings() []string {
	var out []string
	for _, item := range v.Items() {
		if item.Kind == KindString {
			out = append(out, item.Str)
		}
	}
	return out
}

// Truthy follows formula semantics: null, false, 0, "" and [] are false.
func (v Value) Truthy() bool {
	switch v.Kind {
	case KindNumber:
		return v.Num != 0 && !math.IsNaN(v.Num)
	case KindString:
		return v.Str != ""
	case KindBool:
		return v.Bool
	case KindDate:
		return !v.Time.IsZero()
	case KindList:
		return len(v.List) > 0
	}
	return false
}

// Equal compares kind and content; dates compare by instant.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindNumber:
		return v.Num == o.Num
	case KindString:
		return v.Str == o.Str
	case KindBool:
		return v.Bool == o.Bool
	case KindDate:
		return v.Time.Equal(o.Time)
	case KindList:
		if len(v.List) != len(o.List) {
			return false
		}
		for i := range v.List {
			if !v.List[i].Equal(o.List[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// Compare orders two values of the same scalar kind. ok is false when the
// kinds differ or the kind has no order.
func (v Value) Compare(o Value) (int, bool) {
	if v.Kind != o.Kind {
		return 0, false
	}
	switch v.Kind {
	case KindNumber:
		return cmpOrdered(v.Num, o.Num), true
	case KindString:
		return strings.Compare(strings.ToLower(v.Str), strings.ToLower(o.Str)), true
	case KindBool:
		if v.Bool == o.Bool {
			return 0, true
		}
		if !v.Bool {
			return -1, true
		}
		return 1, true
	case KindDate:
		return v.Time.Compare(o.Time), true
	case KindNull:
		return 0, true
	}
	return 0, false
}

func cmpOrdered(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// String renders the value for display and for string coercion.
func (v Value) String() string {
	switch v.Kind {
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case KindString:
		return v.Str
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindDate:
		return v.Time.Format(time.RFC3339)
	case KindList:
		parts := make([]string, len(v.List))
		for i, item := range v.List {
			parts[i] = item.String()
		}
		return strings.Join(parts, ", ")
	}
	return ""
}

// Native converts the value into plain Go data.
func (v Value) Native() any {
	switch v.Kind {
	case KindNumber:
		return v.Num
	case KindString:
		return v.Str
	case KindBool:
		return v.Bool
	case KindDate:
		return v.Time
	case KindList:
		out := make([]any, len(v.List))
		for i, item := range v.List {
			out[i] = item.Native()
		}
		return out
	}
	return nil
}

// Clone returns a deep copy.
func (v Value) Clone() Value {
	if v.Kind == KindList {
		out := make([]Value, len(v.List))
		for i, item := range v.List {
			out[i] = item.Clone()
		}
		v.List = out
	}
	return v
}

// FromNative converts loosely typed data into a Value without schema
// knowledge. Strings are never parsed into dates here; that belongs to the
// property registry.
func FromNative(raw any) (Value, error) {
	switch x := raw.(type) {
	case nil:
		return Null(), nil
	case Value:
		return x, nil
	case float64:
		return Number(x), nil
	case float32:
		return Number(float64(x)), nil
	case int:
		return Number(float64(x)), nil
	case int32:
		return Number(float64(x)), nil
	case int64:
		return Number(float64(x)), nil
	case uint:
		return Number(float64(x)), nil
	case uint32:
		return Number(float64(x)), nil
	case uint64:
		return Number(float64(x)), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return Null(), fmt.Errorf("invalid number %q: %w", x.String(), err)
		}
		return Number(f), nil
	case string:
		return String(x), nil
	case bool:
		return Bool(x), nil
	case time.Time:
		return Date(x), nil
	case primitive.DateTime:
		return Date(x.Time()), nil
	case []string:
		return StringList(x), nil
	case []Value:
		return List(x...), nil
	case primitive.A:
		return FromNative([]any(x))
	case []any:
		out := make([]Value, 0, len(x))
		for _, item := range x {
			v, err := FromNative(item)
			if err != nil {
				return Null(), err
			}
			out = append(out, v)
		}
		return Value{Kind: KindList, List: out}, nil
	}
	return Null(), fmt.Errorf("unsupported value type %T", raw)
}

var timeLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04", "2006-01-02"}

// ParseTime accepts RFC 3339 timestamps and plain dates, returned in UTC.
func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// MustFromNative is FromNative for literals known to be valid.
func MustFromNative(raw any) Value {
	v, err := FromNative(raw)
	if err != nil {
		panic(err)
	}
	return v
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.Kind == KindDate {
		return json.Marshal(v.Time.Format(time.RFC3339Nano))
	}
	if v.Kind == KindList {
		if v.List == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.List)
	}
	return json.Marshal(v.Native())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := FromNative(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func (v Value) MarshalBSONValue() (bsontype.Type, []byte, error) {
	switch v.Kind {
	case KindNumber:
		return bson.MarshalValue(v.Num)
	case KindString:
		return bson.MarshalValue(v.Str)
	case KindBool:
		return bson.MarshalValue(v.Bool)
	case KindDate:
		return bson.MarshalValue(v.Time)
	case KindList:
		items := v.List
		if items == nil {
			items = []Value{}
		}
		return bson.MarshalValue(items)
	}
	return bsontype.Null, nil, nil
}

func (v *Value) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	raw := bson.RawValue{Type: t, Value: data}
	switch t {
	case bsontype.Null, bsontype.Undefined:
		*v = Null()
	case bsontype.Double:
		*v = Number(raw.Double())
	case bsontype.Int32:
		*v = Number(float64(raw.Int32()))
	case bsontype.Int64:
		*v = Number(float64(raw.Int64()))
	case bsontype.String:
		*v = String(raw.StringValue())
	case bsontype.Boolean:
		*v = Bool(raw.Boolean())
	case bsontype.DateTime:
		*v = Date(raw.Time())
	case bsontype.Array:
		values, err := raw.Array().Values()
		if err != nil {
			return fmt.Errorf("error decoding list value: %w", err)
		}
		items := make([]Value, len(values))
		for i, item := range values {
			if err := items[i].UnmarshalBSONValue(item.Type, item.Value); err != nil {
				return err
			}
		}
		*v = Value{Kind: KindList, List: items}
	default:
		return fmt.Errorf("unsupported BSON type %s for property value", t)
	}
	return nil
}
