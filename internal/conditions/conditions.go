// Package conditions evaluates webhook condition expressions against object
// snapshots.
//
// An expression is a JSON tree of leaves and sets:
//
//	{"attr": "status.value", "value": "active"}
//	{"attr": "asn", "op": "gte", "value": 65000, "negate": true}
//	{"and": [...]}  {"or": [...]}  {"not": {...}}
//
// Supported operators are eq (default), gt, gte, lt, lte, in and contains.
package conditions

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"changehook/internal/model"
)

var (
	// ErrInvalidCondition marks an expression that does not follow the grammar.
	ErrInvalidCondition = errors.New("conditions: invalid condition")
	// ErrUnknownField marks a leaf whose attr is missing from the snapshot.
	ErrUnknownField = errors.New("conditions: unknown field")
	// ErrTypeMismatch marks a leaf whose operator cannot apply to the operand types.
	ErrTypeMismatch = errors.New("conditions: type mismatch")
)

type Op string

const (
	OpEq       Op = "eq"
	OpGt       Op = "gt"
	OpGte      Op = "gte"
	OpLt       Op = "lt"
	OpLte      Op = "lte"
	OpIn       Op = "in"
	OpContains Op = "contains"
)

func (o Op) valid() bool {
	switch o {
	case OpEq, OpGt, OpGte, OpLt, OpLte, OpIn, OpContains:
		return true
	}
	return false
}

// Node is a parsed expression.
type Node interface {
	Eval(s model.Snapshot) (bool, error)
}

// Condition is a leaf comparing one snapshot attribute with a value.
type Condition struct {
	Attr   string
	Op     Op
	Value  model.Value
	Negate bool
}

// Set combines child nodes with "and" or "or".
type Set struct {
	Logic string
	Nodes []Node
}

// Not inverts its child.
type Not struct {
	Node Node
}

// Parse decodes raw into an expression tree. Empty input and JSON null yield
// a nil Node which matches everything.
func Parse(raw []byte) (Node, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCondition, err)
	}
	if len(obj) == 0 {
		return nil, nil
	}
	return parseNode(obj)
}

func parseNode(obj map[string]json.RawMessage) (Node, error) {
	for _, logic := range []string{"and", "or"} {
		if children, ok := obj[logic]; ok {
			if len(obj) != 1 {
				return nil, fmt.Errorf("%w: %q must be the only key", ErrInvalidCondition, logic)
			}
			var list []map[string]json.RawMessage
			if err := json.Unmarshal(children, &list); err != nil {
				return nil, fmt.Errorf("%w: %q expects a list of conditions", ErrInvalidCondition, logic)
			}
			if len(list) == 0 {
				return nil, fmt.Errorf("%w: %q is empty", ErrInvalidCondition, logic)
			}
			set := &Set{Logic: logic, Nodes: make([]Node, 0, len(list))}
			for _, child := range list {
				n, err := parseNode(child)
				if err != nil {
					return nil, err
				}
				set.Nodes = append(set.Nodes, n)
			}
			return set, nil
		}
	}
	if inner, ok := obj["not"]; ok {
		if len(obj) != 1 {
			return nil, fmt.Errorf(`%w: "not" must be the only key`, ErrInvalidCondition)
		}
		var child map[string]json.RawMessage
		if err := json.Unmarshal(inner, &child); err != nil || child == nil {
			return nil, fmt.Errorf(`%w: "not" expects a condition`, ErrInvalidCondition)
		}
		n, err := parseNode(child)
		if err != nil {
			return nil, err
		}
		return &Not{Node: n}, nil
	}
	return parseLeaf(obj)
}

func parseLeaf(obj map[string]json.RawMessage) (Node, error) {
	for k := range obj {
		switch k {
		case "attr", "value", "op", "negate":
		default:
			return nil, fmt.Errorf("%w: unexpected key %q", ErrInvalidCondition, k)
		}
	}
	c := &Condition{Op: OpEq}
	rawAttr, ok := obj["attr"]
	if !ok {
		return nil, fmt.Errorf(`%w: missing "attr"`, ErrInvalidCondition)
	}
	if err := json.Unmarshal(rawAttr, &c.Attr); err != nil || c.Attr == "" {
		return nil, fmt.Errorf(`%w: "attr" must be a non-empty string`, ErrInvalidCondition)
	}
	rawValue, ok := obj["value"]
	if !ok {
		return nil, fmt.Errorf(`%w: missing "value"`, ErrInvalidCondition)
	}
	if err := json.Unmarshal(rawValue, &c.Value); err != nil {
		return nil, fmt.Errorf(`%w: "value": %v`, ErrInvalidCondition, err)
	}
	if rawOp, ok := obj["op"]; ok {
		var op string
		if err := json.Unmarshal(rawOp, &op); err != nil {
			return nil, fmt.Errorf(`%w: "op" must be a string`, ErrInvalidCondition)
		}
		c.Op = Op(strings.ToLower(op))
		if !c.Op.valid() {
			return nil, fmt.Errorf("%w: unknown op %q", ErrInvalidCondition, op)
		}
	}
	if rawNeg, ok := obj["negate"]; ok {
		if err := json.Unmarshal(rawNeg, &c.Negate); err != nil {
			return nil, fmt.Errorf(`%w: "negate" must be a bool`, ErrInvalidCondition)
		}
	}
	if c.Op == OpIn {
		if _, isList := c.Value.Items(); !isList {
			return nil, fmt.Errorf(`%w: "in" expects a list value`, ErrInvalidCondition)
		}
	}
	return c, nil
}

// Validate reports whether raw is a well-formed expression.
func Validate(raw []byte) error {
	_, err := Parse(raw)
	return err
}

// Evaluate parses raw and evaluates it against s. Any error means the
// expression does not match.
func Evaluate(raw []byte, s model.Snapshot) (bool, error) {
	n, err := Parse(raw)
	if err != nil {
		return false, err
	}
	if n == nil {
		return true, nil
	}
	return n.Eval(s)
}

// Matches is Evaluate with errors folded into "no match".
func Matches(raw []byte, s model.Snapshot) bool {
	ok, err := Evaluate(raw, s)
	return err == nil && ok
}

func (c *Condition) Eval(s model.Snapshot) (bool, error) {
	field, ok := s.Lookup(c.Attr)
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownField, c.Attr)
	}
	res, err := c.apply(field)
	if err != nil {
		return false, err
	}
	return res != c.Negate, nil
}

func (c *Condition) apply(field model.Value) (bool, error) {
	switch c.Op {
	case OpEq:
		return field.Equal(c.Value), nil
	case OpGt, OpGte, OpLt, OpLte:
		cmp, ok := field.Compare(c.Value)
		if !ok {
			return false, fmt.Errorf("%w: %s %s %s", ErrTypeMismatch, field.Kind(), c.Op, c.Value.Kind())
		}
		switch c.Op {
		case OpGt:
			return cmp > 0, nil
		case OpGte:
			return cmp >= 0, nil
		case OpLt:
			return cmp < 0, nil
		default:
			return cmp <= 0, nil
		}
	case OpIn:
		items, _ := c.Value.Items()
		for _, it := range items {
			if field.Equal(it) {
				return true, nil
			}
		}
		return false, nil
	case OpContains:
		if items, ok := field.Items(); ok {
			for _, it := range items {
				if it.Equal(c.Value) {
					return true, nil
				}
			}
			return false, nil
		}
		fs, fok := field.Str()
		vs, vok := c.Value.Str()
		if !fok || !vok {
			return false, fmt.Errorf("%w: %s contains %s", ErrTypeMismatch, field.Kind(), c.Value.Kind())
		}
		return strings.Contains(fs, vs), nil
	}
	return false, fmt.Errorf("%w: unknown op %q", ErrInvalidCondition, c.Op)
}

// Eval visits every child so that an error anywhere in the set fails the
// whole expression.
func (s *Set) Eval(snap model.Snapshot) (bool, error) {
	result := s.Logic == "and"
	for _, n := range s.Nodes {
		ok, err := n.Eval(snap)
		if err != nil {
			return false, err
		}
		if s.Logic == "or" {
			result = result || ok
		} else {
			result = result && ok
		}
	}
	return result, nil
}

func (n *Not) Eval(s model.Snapshot) (bool, error) {
	ok, err := n.Node.Eval(s)
	if err != nil {
		return false, err
	}
	return !ok, nil
}
