package changelog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"changehook/internal/model"
)

const maxDepth = 32

// SerializationError reports a field value that has no snapshot representation.
type SerializationError struct {
	Field string
	Type  string
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("field %q: unsupported value of type %s", e.Field, e.Type)
}

// Placeholder is the snapshot value stored in place of an unserializable field.
func Placeholder(typeName string) model.Value {
	return model.String("<unserializable " + typeName + ">")
}

// Snapshot converts fields into a model.Snapshot. Fields that cannot be
// represented are replaced by a placeholder and reported as warnings, sorted
// by field name.
func Snapshot(fields map[string]any) (model.Snapshot, []string) {
	if fields == nil {
		return nil, nil
	}
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)

	snap := make(model.Snapshot, len(fields))
	var warnings []string
	for _, name := range names {
		v, typ, ok := toValue(fields[name], 0)
		if !ok {
			serr := &SerializationError{Field: name, Type: typ}
			warnings = append(warnings, serr.Error())
			snap[name] = Placeholder(typ)
			continue
		}
		snap[name] = v
	}
	return snap, warnings
}

var (
	timeType    = reflect.TypeOf(time.Time{})
	decimalType = reflect.TypeOf(decimal.Decimal{})
	valueType   = reflect.TypeOf(model.Value{})
	marshaler   = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
)

// toValue returns the failing type name when ok is false.
func toValue(x any, depth int) (model.Value, string, bool) {
	if x == nil {
		return model.Null(), "", true
	}
	switch t := x.(type) {
	case model.Value:
		return t, "", true
	case model.Snapshot:
		return model.Map(map[string]model.Value(t)), "", true
	case string:
		return model.String(t), "", true
	case bool:
		return model.Bool(t), "", true
	case []byte:
		return model.String(string(t)), "", true
	case json.Number:
		d, err := model.ParseNumber(t.String())
		if err != nil {
			return model.Value{}, "json.Number", false
		}
		return model.Number(d), "", true
	case decimal.Decimal:
		if model.CheckNumber(t) != nil {
			return model.Value{}, "decimal.Decimal", false
		}
		return model.Number(t), "", true
	case time.Time:
		return model.String(t.UTC().Format(time.RFC3339Nano)), "", true
	}
	if depth > maxDepth {
		return model.Value{}, fmt.Sprintf("%T", x), false
	}
	return reflectValue(reflect.ValueOf(x), depth)
}

func reflectValue(rv reflect.Value, depth int) (model.Value, string, bool) {
	typ := rv.Type()
	name := typ.String()
	if typ != timeType && typ != decimalType && typ != valueType && typ.Implements(marshaler) {
		return viaJSON(rv.Interface(), name)
	}
	switch rv.Kind() {
	case reflect.String:
		return model.String(rv.String()), "", true
	case reflect.Bool:
		return model.Bool(rv.Bool()), "", true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return model.Int(rv.Int()), "", true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return model.Number(decimal.NewFromBigInt(new(big.Int).SetUint64(rv.Uint()), 0)), "", true
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return model.Value{}, name, false
		}
		return model.Float(f), "", true
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return model.Null(), "", true
		}
		return toValue(rv.Elem().Interface(), depth+1)
	case reflect.Slice:
		if rv.IsNil() {
			return model.Null(), "", true
		}
		fallthrough
	case reflect.Array:
		if typ.Elem().Kind() == reflect.Uint8 {
			b := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(b), rv)
			return model.String(string(b)), "", true
		}
		items := make([]model.Value, rv.Len())
		for i := range items {
			v, bad, ok := toValue(rv.Index(i).Interface(), depth+1)
			if !ok {
				return model.Value{}, bad, false
			}
			items[i] = v
		}
		return model.List(items...), "", true
	case reflect.Map:
		if typ.Key().Kind() != reflect.String {
			return model.Value{}, name, false
		}
		if rv.IsNil() {
			return model.Null(), "", true
		}
		fields := make(map[string]model.Value, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			v, bad, ok := toValue(iter.Value().Interface(), depth+1)
			if !ok {
				return model.Value{}, bad, false
			}
			fields[iter.Key().String()] = v
		}
		return model.Map(fields), "", true
	case reflect.Struct:
		return viaJSON(rv.Interface(), name)
	}
	// chan, func, complex, unsafe.Pointer
	return model.Value{}, name, false
}

func viaJSON(x any, name string) (v model.Value, typ string, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			v, typ, ok = model.Value{}, name, false
		}
	}()
	b, err := json.Marshal(x)
	if err != nil {
		return model.Value{}, name, false
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return model.Value{}, name, false
	}
	out, err := model.FromJSON(raw)
	if err != nil {
		return model.Value{}, name, false
	}
	return out, "", true
}
