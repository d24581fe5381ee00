package table

import (
	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"

	"github.com/gigapi/gigapi-warehouse/core"
)

func arrowType(t Type) arrow.DataType {
	switch t {
	case Int64:
		return arrow.PrimitiveTypes.Int64
	case Float64:
		return arrow.PrimitiveTypes.Float64
	case Bool:
		return arrow.FixedWidthTypes.Boolean
	default:
		return arrow.BinaryTypes.String
	}
}

// ArrowSchema converts the schema to its Arrow equivalent
func (s *Schema) ArrowSchema() *arrow.Schema {
	fields := make([]arrow.Field, len(s.columns))
	for i, c := range s.columns {
		fields[i] = arrow.Field{Name: c.Name, Type: arrowType(c.Type), Nullable: false}
	}
	return arrow.NewSchema(fields, nil)
}

// Record builds an Arrow record from the batch. The caller releases it.
func (b *Batch) Record(mem memory.Allocator) arrow.Record {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	rb := array.NewRecordBuilder(mem, b.Schema.ArrowSchema())
	defer rb.Release()

	for i, c := range b.Schema.columns {
		switch c.Type {
		case Int64:
			fb := rb.Field(i).(*array.Int64Builder)
			fb.Reserve(len(b.Rows))
			for _, r := range b.Rows {
				fb.Append(r[i].(int64))
			}
		case Float64:
			fb := rb.Field(i).(*array.Float64Builder)
			fb.Reserve(len(b.Rows))
			for _, r := range b.Rows {
				fb.Append(r[i].(float64))
			}
		case Bool:
			fb := rb.Field(i).(*array.BooleanBuilder)
			fb.Reserve(len(b.Rows))
			for _, r := range b.Rows {
				fb.Append(r[i].(bool))
			}
		default:
			fb := rb.Field(i).(*array.StringBuilder)
			fb.Reserve(len(b.Rows))
			for _, r := range b.Rows {
				fb.Append(r[i].(string))
			}
		}
	}
	return rb.NewRecord()
}

// BatchFromTable converts an Arrow table read back from a partition file
// into a batch. The table columns must match the schema by name and type.
func BatchFromTable(s *Schema, tbl arrow.Table) (*Batch, error) {
	if int(tbl.NumCols()) != len(s.columns) {
		return nil, core.SchemaMismatchf("table has %d columns, schema has %d", tbl.NumCols(), len(s.columns))
	}
	n := int(tbl.NumRows())
	rows := make([]Row, n)
	for i := range rows {
		rows[i] = make(Row, len(s.columns))
	}
	for i, c := range s.columns {
		field := tbl.Schema().Field(i)
		if field.Name != c.Name || !arrow.TypeEqual(field.Type, arrowType(c.Type)) {
			return nil, core.SchemaMismatchf("column %d is %s %s, schema expects %s %s",
				i, field.Name, field.Type, c.Name, c.Type)
		}
		if err := fillColumn(rows, i, c, tbl.Column(i).Data().Chunks()); err != nil {
			return nil, err
		}
	}
	return &Batch{Schema: s, Rows: rows}, nil
}

// BatchFromRecord converts a single Arrow record into a batch
func BatchFromRecord(s *Schema, rec arrow.Record) (*Batch, error) {
	tbl := array.NewTableFromRecords(rec.Schema(), []arrow.Record{rec})
	defer tbl.Release()
	return BatchFromTable(s, tbl)
}

func fillColumn(rows []Row, col int, c Column, chunks []arrow.Array) error {
	r := 0
	for _, chunk := range chunks {
		for j := 0; j < chunk.Len(); j++ {
			if r >= len(rows) {
				return core.SchemaMismatchf("column %q has more values than rows", c.Name)
			}
			if chunk.IsNull(j) {
				return core.SchemaMismatchf("column %q has a null at row %d", c.Name, r)
			}
			switch arr := chunk.(type) {
			case *array.Int64:
				rows[r][col] = arr.Value(j)
			case *array.Float64:
				rows[r][col] = arr.Value(j)
			case *array.Boolean:
				rows[r][col] = arr.Value(j)
			case *array.String:
				rows[r][col] = arr.Value(j)
			default:
				return core.SchemaMismatchf("column %q has unsupported array %T", c.Name, chunk)
			}
			r++
		}
	}
	if r != len(rows) {
		return core.SchemaMismatchf("column %q has %d values, expected %d", c.Name, r, len(rows))
	}
	return nil
}
