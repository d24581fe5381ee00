// Package predicate defines row predicates as a closed set of variants.
//
// Comparison, range and membership variants carry a column and constant
// operands, which makes them decomposable into range constraints the
// catalog can check against partition statistics. Conjunction, disjunction
// and negation combine other predicates. Opaque predicates wrap arbitrary
// Go functions and can only be evaluated, never used for pruning.
package predicate

import (
	"fmt"
	"math"
	"strings"

	"github.com/gigapi/gigapi-warehouse/core"
	"github.com/gigapi/gigapi-warehouse/table"
)

// Kind tags the predicate variant
type Kind uint8

const (
	KindAll Kind = iota
	KindCompare
	KindRange
	KindIn
	KindAnd
	KindOr
	KindNot
	KindOpaque
)

// Op is a comparison operator
type Op uint8

const (
	Eq Op = iota + 1
	Ne
	Lt
	Le
	Gt
	Ge
)

func (o Op) String() string {
	switch o {
	case Eq:
		return "="
	case Ne:
		return "!="
	case Lt:
		return "<"
	case Le:
		return "<="
	case Gt:
		return ">"
	case Ge:
		return ">="
	}
	return "?"
}

// Negate returns the complementary operator
func (o Op) Negate() Op {
	switch o {
	case Eq:
		return Ne
	case Ne:
		return Eq
	case Lt:
		return Ge
	case Le:
		return Gt
	case Gt:
		return Le
	case Ge:
		return Lt
	}
	return o
}

// OpaqueFunc evaluates an arbitrary condition on a row
type OpaqueFunc func(schema *table.Schema, row table.Row) bool

// Predicate is an immutable row condition. The zero value matches every row.
type Predicate struct {
	kind   Kind
	column string
	op     Op
	value  any
	lo, hi any
	values []any
	args   []Predicate
	fn     OpaqueFunc
	desc   string
}

func (p Predicate) Kind() Kind         { return p.kind }
func (p Predicate) Column() string     { return p.column }
func (p Predicate) Op() Op             { return p.op }
func (p Predicate) Value() any         { return p.value }
func (p Predicate) Bounds() (any, any) { return p.lo, p.hi }
func (p Predicate) Values() []any      { return p.values }
func (p Predicate) Args() []Predicate  { return p.args }

// All matches every row
func All() Predicate { return Predicate{kind: KindAll} }

func Compare(column string, op Op, value any) Predicate {
	return Predicate{kind: KindCompare, column: column, op: op, value: value}
}

func Equal(column string, value any) Predicate          { return Compare(column, Eq, value) }
func NotEqual(column string, value any) Predicate       { return Compare(column, Ne, value) }
func Less(column string, value any) Predicate           { return Compare(column, Lt, value) }
func LessOrEqual(column string, value any) Predicate    { return Compare(column, Le, value) }
func Greater(column string, value any) Predicate        { return Compare(column, Gt, value) }
func GreaterOrEqual(column string, value any) Predicate { return Compare(column, Ge, value) }

// Between matches lo <= column <= hi
func Between(column string, lo, hi any) Predicate {
	return Predicate{kind: KindRange, column: column, lo: lo, hi: hi}
}

// In matches rows whose column equals any of values. An empty list matches nothing.
func In(column string, values ...any) Predicate {
	return Predicate{kind: KindIn, column: column, values: values}
}

func And(args ...Predicate) Predicate {
	if len(args) == 1 {
		return args[0]
	}
	return Predicate{kind: KindAnd, args: args}
}

func Or(args ...Predicate) Predicate {
	if len(args) == 1 {
		return args[0]
	}
	return Predicate{kind: KindOr, args: args}
}

func Not(arg Predicate) Predicate {
	return Predicate{kind: KindNot, args: []Predicate{arg}}
}

// Func wraps an arbitrary condition. desc is only used for logging.
func Func(desc string, fn OpaqueFunc) Predicate {
	return Predicate{kind: KindOpaque, fn: fn, desc: desc}
}

func (p Predicate) String() string {
	switch p.kind {
	case KindAll:
		return "TRUE"
	case KindCompare:
		return fmt.Sprintf("%s %s %v", p.column, p.op, p.value)
	case KindRange:
		return fmt.Sprintf("%s BETWEEN %v AND %v", p.column, p.lo, p.hi)
	case KindIn:
		vals := make([]string, len(p.values))
		for i, v := range p.values {
			vals[i] = fmt.Sprint(v)
		}
		return fmt.Sprintf("%s IN (%s)", p.column, strings.Join(vals, ", "))
	case KindAnd, KindOr:
		sep := " AND "
		if p.kind == KindOr {
			sep = " OR "
		}
		parts := make([]string, len(p.args))
		for i, a := range p.args {
			parts[i] = "(" + a.String() + ")"
		}
		return strings.Join(parts, sep)
	case KindNot:
		return "NOT (" + p.args[0].String() + ")"
	case KindOpaque:
		if p.desc != "" {
			return "FUNC(" + p.desc + ")"
		}
		return "FUNC"
	}
	return "?"
}

func isNaN(v any) bool {
	f, ok := v.(float64)
	return ok && math.IsNaN(f)
}

// Matcher is a predicate bound to a schema
type Matcher func(row table.Row) bool

// Bind resolves columns against the schema and coerces constants to the
// column types. Unknown columns and uncoercible constants are a schema mismatch.
func (p Predicate) Bind(s *table.Schema) (Matcher, error) {
	switch p.kind {
	case KindAll:
		return func(table.Row) bool { return true }, nil

	case KindCompare:
		idx, v, err := bindValue(s, p.column, p.value)
		if err != nil {
			return nil, err
		}
		op := p.op
		return func(row table.Row) bool {
			c, ok := table.Compare(row[idx], v)
			if !ok {
				return false
			}
			return opHolds(op, c)
		}, nil

	case KindRange:
		idx, lo, err := bindValue(s, p.column, p.lo)
		if err != nil {
			return nil, err
		}
		_, hi, err := bindValue(s, p.column, p.hi)
		if err != nil {
			return nil, err
		}
		return func(row table.Row) bool {
			cl, ok1 := table.Compare(row[idx], lo)
			ch, ok2 := table.Compare(row[idx], hi)
			return ok1 && ok2 && cl >= 0 && ch <= 0
		}, nil

	case KindIn:
		idx, ok := s.Index(p.column)
		if !ok {
			return nil, core.SchemaMismatchf("unknown column %q", p.column)
		}
		typ := s.Column(idx).Type
		set := make(map[any]struct{}, len(p.values))
		// NaN equals NaN here as in table.Compare
		var nan bool
		for _, raw := range p.values {
			v, ok := typ.Coerce(raw)
			if !ok {
				return nil, core.SchemaMismatchf("column %q expects %s, got %T", p.column, typ, raw)
			}
			if isNaN(v) {
				nan = true
				continue
			}
			set[v] = struct{}{}
		}
		return func(row table.Row) bool {
			if nan && isNaN(row[idx]) {
				return true
			}
			_, hit := set[row[idx]]
			return hit
		}, nil

	case KindAnd, KindOr:
		ms := make([]Matcher, len(p.args))
		for i, a := range p.args {
			m, err := a.Bind(s)
			if err != nil {
				return nil, err
			}
			ms[i] = m
		}
		if p.kind == KindAnd {
			return func(row table.Row) bool {
				for _, m := range ms {
					if !m(row) {
						return false
					}
				}
				return true
			}, nil
		}
		return func(row table.Row) bool {
			for _, m := range ms {
				if m(row) {
					return true
				}
			}
			return false
		}, nil

	case KindNot:
		m, err := p.args[0].Bind(s)
		if err != nil {
			return nil, err
		}
		return func(row table.Row) bool { return !m(row) }, nil

	case KindOpaque:
		if p.fn == nil {
			return nil, fmt.Errorf("opaque predicate %q has no function", p.desc)
		}
		fn := p.fn
		return func(row table.Row) bool { return fn(s, row) }, nil
	}
	return nil, fmt.Errorf("unknown predicate kind %d", p.kind)
}

// Coerce converts a constant to the type of column, as Bind does
func Coerce(s *table.Schema, column string, value any) (any, bool) {
	idx, ok := s.Index(column)
	if !ok {
		return nil, false
	}
	return s.Column(idx).Type.Coerce(value)
}

func bindValue(s *table.Schema, column string, raw any) (int, any, error) {
	idx, ok := s.Index(column)
	if !ok {
		return 0, nil, core.SchemaMismatchf("unknown column %q", column)
	}
	typ := s.Column(idx).Type
	v, ok := typ.Coerce(raw)
	if !ok {
		return 0, nil, core.SchemaMismatchf("column %q expects %s, got %T", column, typ, raw)
	}
	return idx, v, nil
}

func opHolds(op Op, c int) bool {
	switch op {
	case Eq:
		return c == 0
	case Ne:
		return c != 0
	case Lt:
		return c < 0
	case Le:
		return c <= 0
	case Gt:
		return c > 0
	case Ge:
		return c >= 0
	}
	return false
}
