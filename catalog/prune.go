package catalog

import (
	"github.com/gigapi/gigapi-warehouse/predicate"
	"github.com/gigapi/gigapi-warehouse/table"
)

// mayMatch reports whether a partition with statistics st may hold a row
// matching p. It must never return false for a partition holding a match.
func mayMatch(p predicate.Predicate, st table.Stats) bool {
	switch p.Kind() {
	case predicate.KindAll, predicate.KindOpaque:
		return true

	case predicate.KindCompare:
		return compareMay(st, p.Column(), p.Op(), p.Value())

	case predicate.KindRange:
		lo, hi := p.Bounds()
		return compareMay(st, p.Column(), predicate.Ge, lo) &&
			compareMay(st, p.Column(), predicate.Le, hi)

	case predicate.KindIn:
		for _, v := range p.Values() {
			if compareMay(st, p.Column(), predicate.Eq, v) {
				return true
			}
		}
		return false

	case predicate.KindAnd:
		for _, a := range p.Args() {
			if !mayMatch(a, st) {
				return false
			}
		}
		return true

	case predicate.KindOr:
		for _, a := range p.Args() {
			if mayMatch(a, st) {
				return true
			}
		}
		return false

	case predicate.KindNot:
		inner := p.Args()[0]
		switch inner.Kind() {
		case predicate.KindCompare:
			return compareMay(st, inner.Column(), inner.Op().Negate(), inner.Value())
		case predicate.KindNot:
			return mayMatch(inner.Args()[0], st)
		}
		return true
	}
	return true
}

// Decomposable reports whether p carries at least one range constraint
// that pruning can use
func Decomposable(p predicate.Predicate) bool {
	switch p.Kind() {
	case predicate.KindCompare, predicate.KindRange, predicate.KindIn:
		return true
	case predicate.KindAnd:
		for _, a := range p.Args() {
			if Decomposable(a) {
				return true
			}
		}
		return false
	case predicate.KindOr:
		if len(p.Args()) == 0 {
			return false
		}
		for _, a := range p.Args() {
			if !Decomposable(a) {
				return false
			}
		}
		return true
	case predicate.KindNot:
		inner := p.Args()[0]
		switch inner.Kind() {
		case predicate.KindCompare:
			return true
		case predicate.KindNot:
			return Decomposable(inner.Args()[0])
		}
		return false
	}
	return false
}

func compareMay(st table.Stats, column string, op predicate.Op, raw any) bool {
	cs, ok := st.Column(column)
	if !ok || cs.Count == 0 {
		return true
	}
	k, ok := coerceLike(cs.Min, raw)
	if !ok {
		return true
	}
	cmin, ok1 := table.Compare(k, cs.Min)
	cmax, ok2 := table.Compare(k, cs.Max)
	if !ok1 || !ok2 {
		return true
	}
	switch op {
	case predicate.Eq:
		return cmin >= 0 && cmax <= 0
	case predicate.Ne:
		return cmin != 0 || cmax != 0
	case predicate.Lt:
		return cmin > 0
	case predicate.Le:
		return cmin >= 0
	case predicate.Gt:
		return cmax < 0
	case predicate.Ge:
		return cmax <= 0
	}
	return true
}

// coerceLike converts v to the column type of the statistics sample
func coerceLike(sample, v any) (any, bool) {
	var t table.Type
	switch sample.(type) {
	case int64:
		t = table.Int64
	case float64:
		t = table.Float64
	case string:
		t = table.String
	case bool:
		t = table.Bool
	default:
		return nil, false
	}
	return t.Coerce(v)
}
