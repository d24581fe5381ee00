package table

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/gigapi/gigapi-warehouse/core"
)

// Type is the logical type of a column
type Type uint8

const (
	Int64 Type = iota + 1
	Float64
	String
	Bool
)

func (t Type) String() string {
	switch t {
	case Int64:
		return "int64"
	case Float64:
		return "float64"
	case String:
		return "string"
	case Bool:
		return "bool"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Type) UnmarshalText(b []byte) error {
	parsed, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseType accepts the canonical type names plus a few common aliases
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "int64", "int", "integer", "bigint":
		return Int64, nil
	case "float64", "float", "double":
		return Float64, nil
	case "string", "str", "text", "varchar":
		return String, nil
	case "bool", "boolean":
		return Bool, nil
	}
	return 0, fmt.Errorf("unknown column type %q", s)
}

// Coerce normalizes v to the Go representation of t. The second return
// value is false when v cannot represent a value of type t.
func (t Type) Coerce(v any) (any, bool) {
	switch t {
	case Int64:
		switch x := v.(type) {
		case int64:
			return x, true
		case int:
			return int64(x), true
		case int32:
			return int64(x), true
		case int16:
			return int64(x), true
		case int8:
			return int64(x), true
		case uint32:
			return int64(x), true
		case float64:
			if x == math.Trunc(x) && x >= -(1<<63) && x < 1<<63 {
				return int64(x), true
			}
		case json.Number:
			if n, err := x.Int64(); err == nil {
				return n, true
			}
		}
	case Float64:
		switch x := v.(type) {
		case float64:
			return x, true
		case float32:
			return float64(x), true
		case int64:
			return float64(x), true
		case int:
			return float64(x), true
		case json.Number:
			if f, err := x.Float64(); err == nil {
				return f, true
			}
		}
	case String:
		if s, ok := v.(string); ok {
			return s, true
		}
	case Bool:
		if b, ok := v.(bool); ok {
			return b, true
		}
	}
	return nil, false
}

// Column is a named, typed schema column
type Column struct {
	Name string `json:"name"`
	Type Type   `json:"type"`
}

// Schema is the fixed, ordered column layout of a warehouse
type Schema struct {
	columns []Column
	index   map[string]int
}

// NewSchema creates a schema, rejecting empty or duplicate column names
func NewSchema(columns ...Column) (*Schema, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("schema must have at least one column")
	}
	s := &Schema{
		columns: make([]Column, len(columns)),
		index:   make(map[string]int, len(columns)),
	}
	for i, c := range columns {
		if c.Name == "" {
			return nil, fmt.Errorf("column %d has no name", i)
		}
		if _, dup := s.index[c.Name]; dup {
			return nil, fmt.Errorf("duplicate column %q", c.Name)
		}
		if c.Type < Int64 || c.Type > Bool {
			return nil, fmt.Errorf("column %q has invalid type", c.Name)
		}
		s.columns[i] = c
		s.index[c.Name] = i
	}
	return s, nil
}

// MustSchema is like NewSchema but panics on error
func MustSchema(columns ...Column) *Schema {
	s, err := NewSchema(columns...)
	if err != nil {
		panic(err)
	}
	return s
}

// ParseSchema parses "name:type,name:type". A column without a type is a string.
func ParseSchema(spec string) (*Schema, error) {
	var cols []Column
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, typ, found := strings.Cut(part, ":")
		col := Column{Name: strings.TrimSpace(name), Type: String}
		if found {
			t, err := ParseType(typ)
			if err != nil {
				return nil, err
			}
			col.Type = t
		}
		cols = append(cols, col)
	}
	return NewSchema(cols...)
}

func (s *Schema) Columns() []Column {
	out := make([]Column, len(s.columns))
	copy(out, s.columns)
	return out
}

func (s *Schema) Len() int { return len(s.columns) }

func (s *Schema) Column(i int) Column { return s.columns[i] }

// Index returns the position of the named column
func (s *Schema) Index(name string) (int, bool) {
	i, ok := s.index[name]
	return i, ok
}

// Equal reports whether both schemas have the same columns in the same order
func (s *Schema) Equal(o *Schema) bool {
	if s == o {
		return true
	}
	if o == nil || len(s.columns) != len(o.columns) {
		return false
	}
	for i := range s.columns {
		if s.columns[i] != o.columns[i] {
			return false
		}
	}
	return true
}

func (s *Schema) String() string {
	parts := make([]string, len(s.columns))
	for i, c := range s.columns {
		parts[i] = c.Name + ":" + c.Type.String()
	}
	return strings.Join(parts, ",")
}

// Validate checks that row conforms to the schema and returns a normalized copy
func (s *Schema) Validate(row Row) (Row, error) {
	if len(row) != len(s.columns) {
		return nil, core.SchemaMismatchf("row has %d values, schema has %d columns", len(row), len(s.columns))
	}
	out := make(Row, len(row))
	for i, v := range row {
		c := s.columns[i]
		if v == nil {
			return nil, core.SchemaMismatchf("column %q is null", c.Name)
		}
		nv, ok := c.Type.Coerce(v)
		if !ok {
			return nil, core.SchemaMismatchf("column %q expects %s, got %T", c.Name, c.Type, v)
		}
		out[i] = nv
	}
	return out, nil
}

// RowFromMap builds a normalized row from a column name to value map.
// Missing and unknown columns are both a schema mismatch.
func (s *Schema) RowFromMap(m map[string]any) (Row, error) {
	row := make(Row, len(s.columns))
	for name := range m {
		if _, ok := s.index[name]; !ok {
			return nil, core.SchemaMismatchf("unknown column %q", name)
		}
	}
	for i, c := range s.columns {
		v, ok := m[c.Name]
		if !ok {
			return nil, core.SchemaMismatchf("missing column %q", c.Name)
		}
		row[i] = v
	}
	return s.Validate(row)
}

// RowToMap converts a row to a column name to value map
func (s *Schema) RowToMap(row Row) map[string]any {
	m := make(map[string]any, len(s.columns))
	for i, c := range s.columns {
		if i < len(row) {
			m[c.Name] = row[i]
		}
	}
	return m
}

// ParseValue parses the textual form of a value of type t
func ParseValue(t Type, s string) (any, error) {
	switch t {
	case Int64:
		return strconv.ParseInt(s, 10, 64)
	case Float64:
		return strconv.ParseFloat(s, 64)
	case Bool:
		return strconv.ParseBool(s)
	case String:
		return s, nil
	}
	return nil, fmt.Errorf("unknown type %s", t)
}
