package table

import (
	"cmp"
	"fmt"
)

// PartitionID identifies a partition. Ids are assigned monotonically
// starting at 1 and never reused.
type PartitionID uint64

func (id PartitionID) String() string { return fmt.Sprintf("%d", uint64(id)) }

// Row is an ordered tuple of values in schema column order
type Row []any

// Clone returns a shallow copy of the row
func (r Row) Clone() Row {
	out := make(Row, len(r))
	copy(out, r)
	return out
}

// Batch is an ordered collection of rows sharing one schema
type Batch struct {
	Schema *Schema
	Rows   []Row
}

// NewBatch creates a batch over rows without validating them
func NewBatch(schema *Schema, rows ...Row) *Batch {
	return &Batch{Schema: schema, Rows: rows}
}

func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Rows)
}

// Clone copies the row slice; the rows themselves are shared since they
// are never modified in place.
func (b *Batch) Clone() *Batch {
	rows := make([]Row, len(b.Rows))
	copy(rows, b.Rows)
	return &Batch{Schema: b.Schema, Rows: rows}
}

// Concat joins the rows of batches, in order, into a new batch
func Concat(schema *Schema, batches ...*Batch) *Batch {
	n := 0
	for _, b := range batches {
		n += b.Len()
	}
	out := &Batch{Schema: schema, Rows: make([]Row, 0, n)}
	for _, b := range batches {
		if b != nil {
			out.Rows = append(out.Rows, b.Rows...)
		}
	}
	return out
}

// Maps converts every row to a column name to value map
func (b *Batch) Maps() []map[string]any {
	out := make([]map[string]any, len(b.Rows))
	for i, r := range b.Rows {
		out[i] = b.Schema.RowToMap(r)
	}
	return out
}

// Validate checks every row against the batch schema, normalizing in place
func (b *Batch) Validate() error {
	for i, r := range b.Rows {
		nr, err := b.Schema.Validate(r)
		if err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
		b.Rows[i] = nr
	}
	return nil
}

// Compare orders two normalized values of the same column type. ok is false
// when the values are not mutually comparable.
func Compare(a, b any) (c int, ok bool) {
	switch x := a.(type) {
	case int64:
		switch y := b.(type) {
		case int64:
			return cmp.Compare(x, y), true
		case float64:
			return cmp.Compare(float64(x), y), true
		}
	case float64:
		switch y := b.(type) {
		case float64:
			return cmp.Compare(x, y), true
		case int64:
			return cmp.Compare(x, float64(y)), true
		}
	case string:
		if y, ok := b.(string); ok {
			return cmp.Compare(x, y), true
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0, true
			case !x:
				return -1, true
			default:
				return 1, true
			}
		}
	}
	return 0, false
}
