package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Kind tags the dynamic type held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Value is a snapshot field value. The zero Value is null.
// Numbers are kept as decimals so equality and ordering are exact.
type Value struct {
	kind Kind
	str  string
	num  decimal.Decimal
	b    bool
	list []Value
	m    map[string]Value
}

func Null() Value { return Value{} }
func String(s string) Value { return Value{kind: KindString, str: s} }
func Number(d decimal.Decimal) Value { return Value{kind: KindNumber, num: d} }
func Int(i int64) Value { return Number(decimal.NewFromInt(i)) }
func Float(f float64) Value { return Number(decimal.NewFromFloat(f)) }
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func List(items ...Value) Value { return Value{kind: KindList, list: items} }
func Map(fields map[string]Value) Value { return Value{kind: KindMap, m: fields} }

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }
func (v Value) Str() (string, bool) { return v.str, v.kind == KindString }
func (v Value) Num() (decimal.Decimal, bool) { return v.num, v.kind == KindNumber }
func (v Value) Boolean() (bool, bool) { return v.b, v.kind == KindBool }
func (v Value) Items() ([]Value, bool) { return v.list, v.kind == KindList }
func (v Value) Fields() (map[string]Value, bool) {
	return v.m, v.kind == KindMap
}

// Equal reports deep equality. Values of different kinds are never equal.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return v.str == o.str
	case KindNumber:
		return v.num.Equal(o.num)
	case KindBool:
		return v.b == o.b
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, x := range v.m {
			y, ok := o.m[k]
			if !ok || !x.Equal(y) {
				return false
			}
		}
		return true
	}
	return false
}

// Compare orders two numbers or two strings. ok is false for any other pair.
func (v Value) Compare(o Value) (cmp int, ok bool) {
	switch {
	case v.kind == KindNumber && o.kind == KindNumber:
		return v.num.Cmp(o.num), true
	case v.kind == KindString && o.kind == KindString:
		return strings.Compare(v.str, o.str), true
	}
	return 0, false
}

// Interface converts the value to plain Go types (nil, string, json.Number, bool,
// []any, map[string]any).
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return json.Number(v.num.String())
	case KindBool:
		return v.b
	case KindList:
		out := make([]any, len(v.list))
		for i, x := range v.list {
			out[i] = x.Interface()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, x := range v.m {
			out[k] = x.Interface()
		}
		return out
	}
	return nil
}

func (v Value) String() string {
	b, err := v.MarshalJSON()
	if err != nil {
		return "<invalid>"
	}
	return string(b)
}

func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) encode(buf *bytes.Buffer) error {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindString:
		b, err := json.Marshal(v.str)
		if err != nil {
			return err
		}
		buf.Write(b)
	case KindNumber:
		if err := CheckNumber(v.num); err != nil {
			return err
		}
		buf.WriteString(v.num.String())
	case KindBool:
		if v.b {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case KindList:
		buf.WriteByte('[')
		for i, x := range v.list {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := x.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindMap:
		keys := make([]string, 0, len(v.m))
		for k := range v.m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := v.m[k].encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("model: cannot encode value of %s", v.kind)
	}
	return nil
}

func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	out, err := FromJSON(raw)
	if err != nil {
		return err
	}
	*v = out
	return nil
}

// MaxNumberExponent bounds the decimal exponent of a number. Numbers are
// written out digit by digit, so the exponent sets the encoded length.
const MaxNumberExponent = 1000

// ErrNumberRange reports a number whose exponent exceeds MaxNumberExponent.
var ErrNumberRange = errors.New("model: number out of range")

// CheckNumber returns ErrNumberRange when d cannot be encoded within bounds.
func CheckNumber(d decimal.Decimal) error {
	if e := d.Exponent(); e > MaxNumberExponent || e < -MaxNumberExponent {
		return fmt.Errorf("%w: exponent %d", ErrNumberRange, e)
	}
	return nil
}

// ParseNumber parses a JSON number literal and applies CheckNumber.
func ParseNumber(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("model: invalid number %q: %w", s, err)
	}
	if err := CheckNumber(d); err != nil {
		return decimal.Decimal{}, err
	}
	return d, nil
}

// FromJSON converts a value produced by encoding/json (decoded with or without
// UseNumber) into a Value.
func FromJSON(raw any) (Value, error) {
	switch x := raw.(type) {
	case nil:
		return Null(), nil
	case string:
		return String(x), nil
	case bool:
		return Bool(x), nil
	case json.Number:
		d, err := ParseNumber(x.String())
		if err != nil {
			return Value{}, err
		}
		return Number(d), nil
	case float64:
		return Float(x), nil
	case []any:
		items := make([]Value, len(x))
		for i, e := range x {
			iv, err := FromJSON(e)
			if err != nil {
				return Value{}, err
			}
			items[i] = iv
		}
		return List(items...), nil
	case map[string]any:
		fields := make(map[string]Value, len(x))
		for k, e := range x {
			fv, err := FromJSON(e)
			if err != nil {
				return Value{}, err
			}
			fields[k] = fv
		}
		return Map(fields), nil
	}
	return Value{}, fmt.Errorf("model: unsupported JSON value %T", raw)
}

// Snapshot is the state of an object at a point in time, keyed by field name.
type Snapshot map[string]Value

// Lookup resolves a dotted path ("status.value") through nested maps.
func (s Snapshot) Lookup(path string) (Value, bool) {
	if s == nil || path == "" {
		return Value{}, false
	}
	parts := strings.Split(path, ".")
	cur, ok := s[parts[0]]
	if !ok {
		return Value{}, false
	}
	for _, p := range parts[1:] {
		fields, isMap := cur.Fields()
		if !isMap {
			return Value{}, false
		}
		cur, ok = fields[p]
		if !ok {
			return Value{}, false
		}
	}
	return cur, true
}

// Clone returns a shallow copy of the snapshot map.
func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return nil
	}
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}
