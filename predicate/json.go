package predicate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Spec is the JSON form of a predicate:
//
//	{"op":"eq","column":"id","value":2}
//	{"op":"between","column":"id","lo":1,"hi":10}
//	{"op":"in","column":"id","values":[1,2,3]}
//	{"op":"and","args":[...]}
//	{"op":"not","args":[...]}
//
// An empty object, or op "all", matches every row.
type Spec struct {
	Op     string `json:"op,omitempty"`
	Column string `json:"column,omitempty"`
	Value  any    `json:"value,omitempty"`
	Lo     any    `json:"lo,omitempty"`
	Hi     any    `json:"hi,omitempty"`
	Values []any  `json:"values,omitempty"`
	Args   []Spec `json:"args,omitempty"`
}

var compareOps = map[string]Op{
	"eq": Eq, "=": Eq, "==": Eq,
	"ne": Ne, "!=": Ne, "<>": Ne,
	"lt": Lt, "<": Lt,
	"le": Le, "<=": Le,
	"gt": Gt, ">": Gt,
	"ge": Ge, ">=": Ge,
}

// Build converts the decoded JSON form into a predicate
func (s Spec) Build() (Predicate, error) {
	op := strings.ToLower(strings.TrimSpace(s.Op))
	if cmpOp, ok := compareOps[op]; ok {
		if s.Column == "" {
			return Predicate{}, fmt.Errorf("%s: missing column", op)
		}
		if s.Value == nil {
			return Predicate{}, fmt.Errorf("%s: missing value", op)
		}
		return Compare(s.Column, cmpOp, s.Value), nil
	}
	switch op {
	case "", "all":
		return All(), nil
	case "between", "range":
		if s.Column == "" || s.Lo == nil || s.Hi == nil {
			return Predicate{}, fmt.Errorf("between: column, lo and hi are required")
		}
		return Between(s.Column, s.Lo, s.Hi), nil
	case "in":
		if s.Column == "" {
			return Predicate{}, fmt.Errorf("in: missing column")
		}
		return In(s.Column, s.Values...), nil
	case "and", "or":
		if len(s.Args) == 0 {
			return Predicate{}, fmt.Errorf("%s: no arguments", op)
		}
		args := make([]Predicate, len(s.Args))
		for i, a := range s.Args {
			p, err := a.Build()
			if err != nil {
				return Predicate{}, err
			}
			args[i] = p
		}
		if op == "and" {
			return And(args...), nil
		}
		return Or(args...), nil
	case "not":
		if len(s.Args) != 1 {
			return Predicate{}, fmt.Errorf("not: expects exactly one argument")
		}
		p, err := s.Args[0].Build()
		if err != nil {
			return Predicate{}, err
		}
		return Not(p), nil
	}
	return Predicate{}, fmt.Errorf("unknown predicate op %q", s.Op)
}

// ParseJSON decodes a JSON predicate. Numbers are kept as json.Number so
// that integer constants keep their precision until bound to a schema.
func ParseJSON(data []byte) (Predicate, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return All(), nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var s Spec
	if err := dec.Decode(&s); err != nil {
		return Predicate{}, fmt.Errorf("invalid predicate: %w", err)
	}
	return s.Build()
}
