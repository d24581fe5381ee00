// Package compute evaluates predicates and transforms over batches.
//
// Evaluation is split in two steps: Select produces a roaring bitmap of
// matching row positions, and the other operations materialize batches from
// that selection. The warehouse treats the Engine as an external capability.
package compute

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/gigapi/gigapi-warehouse/core"
	"github.com/gigapi/gigapi-warehouse/predicate"
	"github.com/gigapi/gigapi-warehouse/table"
)

// Transform rewrites one matching row. The result must conform to the schema.
type Transform func(row table.Row) (table.Row, error)

// Engine is the compute capability used by the query and mutation engines
type Engine interface {
	// Select returns the positions of rows matching p
	Select(b *table.Batch, p predicate.Predicate) (*roaring.Bitmap, error)
	// Filter returns the rows matching p, in order
	Filter(b *table.Batch, p predicate.Predicate) (*table.Batch, error)
	// MapWhere applies t to the rows matching p and passes the others through.
	// It returns the new batch and the number of rows transformed.
	MapWhere(b *table.Batch, p predicate.Predicate, t Transform) (*table.Batch, int, error)
}

// Vectorized is the default in-memory Engine
type Vectorized struct{}

var _ Engine = Vectorized{}

func (Vectorized) Select(b *table.Batch, p predicate.Predicate) (*roaring.Bitmap, error) {
	sel := roaring.New()
	if b.Len() == 0 {
		return sel, nil
	}
	match, err := p.Bind(b.Schema)
	if err != nil {
		return nil, err
	}
	for i, row := range b.Rows {
		if match(row) {
			sel.Add(uint32(i))
		}
	}
	return sel, nil
}

func (v Vectorized) Filter(b *table.Batch, p predicate.Predicate) (*table.Batch, error) {
	sel, err := v.Select(b, p)
	if err != nil {
		return nil, err
	}
	return Take(b, sel), nil
}

func (v Vectorized) MapWhere(b *table.Batch, p predicate.Predicate, t Transform) (*table.Batch, int, error) {
	sel, err := v.Select(b, p)
	if err != nil {
		return nil, 0, err
	}
	out := b.Clone()
	it := sel.Iterator()
	for it.HasNext() {
		i := it.Next()
		nr, err := t(b.Rows[i].Clone())
		if err != nil {
			return nil, 0, err
		}
		if nr, err = b.Schema.Validate(nr); err != nil {
			return nil, 0, fmt.Errorf("transform of row %d: %w", i, err)
		}
		out.Rows[i] = nr
	}
	return out, int(sel.GetCardinality()), nil
}

// Take materializes the selected rows of b in position order
func Take(b *table.Batch, sel *roaring.Bitmap) *table.Batch {
	out := &table.Batch{Schema: b.Schema, Rows: make([]table.Row, 0, sel.GetCardinality())}
	it := sel.Iterator()
	for it.HasNext() {
		out.Rows = append(out.Rows, b.Rows[it.Next()])
	}
	return out
}

// Set builds a Transform assigning constant values to columns. Assignments
// are validated against the schema up front so that a bad update is
// rejected before anything is mutated.
func Set(s *table.Schema, assignments map[string]any) (Transform, error) {
	if len(assignments) == 0 {
		return nil, fmt.Errorf("no columns to update")
	}
	idx := make([]int, 0, len(assignments))
	vals := make([]any, 0, len(assignments))
	for name, raw := range assignments {
		i, ok := s.Index(name)
		if !ok {
			return nil, core.SchemaMismatchf("unknown column %q", name)
		}
		v, ok := s.Column(i).Type.Coerce(raw)
		if !ok {
			return nil, core.SchemaMismatchf("column %q expects %s, got %T", name, s.Column(i).Type, raw)
		}
		idx = append(idx, i)
		vals = append(vals, v)
	}
	return func(row table.Row) (table.Row, error) {
		for k, i := range idx {
			row[i] = vals[k]
		}
		return row, nil
	}, nil
}
