// Package csvstore is a naive warehouse keeping the whole table in memory
// and in a single CSV file. It serves as the baseline the partitioned
// warehouse is benchmarked against.
package csvstore

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/spf13/afero"

	"github.com/gigapi/gigapi-warehouse/core"
	"github.com/gigapi/gigapi-warehouse/table"
)

// Warehouse appends inserts to the CSV file and rewrites the file on
// every update and delete
type Warehouse struct {
	mu     sync.Mutex
	fs     afero.Fs
	path   string
	schema *table.Schema
	rows   []table.Row
}

var _ core.DataWarehouse = (*Warehouse)(nil)

// Open loads path if it exists, or creates it with a header row
func Open(fs afero.Fs, path string, schema *table.Schema) (*Warehouse, error) {
	w := &Warehouse{fs: fs, path: path, schema: schema}
	f, err := fs.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return w, w.rewrite()
	}
	if err != nil {
		return nil, core.NewIOError("open", 0, err)
	}
	defer f.Close()
	if err := w.load(f); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Warehouse) load(r io.Reader) error {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return core.NewIOError("read", 0, err)
	}
	if len(header) != w.schema.Len() {
		return core.SchemaMismatchf("csv header %v does not match schema %s", header, w.schema)
	}
	for i, name := range header {
		if w.schema.Column(i).Name != name {
			return core.SchemaMismatchf("csv column %d is %q, schema expects %q", i, name, w.schema.Column(i).Name)
		}
	}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return core.NewIOError("read", 0, err)
		}
		row := make(table.Row, len(rec))
		for i, s := range rec {
			v, err := table.ParseValue(w.schema.Column(i).Type, s)
			if err != nil {
				return err
			}
			row[i] = v
		}
		w.rows = append(w.rows, row)
	}
}

func format(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	}
	return fmt.Sprint(v)
}

func record(row table.Row) []string {
	rec := make([]string, len(row))
	for i, v := range row {
		rec[i] = format(v)
	}
	return rec
}

func (w *Warehouse) rewrite() error {
	tmp := w.path + ".tmp"
	f, err := w.fs.Create(tmp)
	if err != nil {
		return core.NewIOError("write", 0, err)
	}
	cw := csv.NewWriter(f)
	header := make([]string, w.schema.Len())
	for i, c := range w.schema.Columns() {
		header[i] = c.Name
	}
	_ = cw.Write(header)
	for _, row := range w.rows {
		_ = cw.Write(record(row))
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		f.Close()
		return core.NewIOError("write", 0, err)
	}
	if err := f.Close(); err != nil {
		return core.NewIOError("write", 0, err)
	}
	if err := w.fs.Rename(tmp, w.path); err != nil {
		return core.NewIOError("write", 0, err)
	}
	return nil
}

func (w *Warehouse) AddData(_ context.Context, data map[string]any) error {
	row, err := w.schema.RowFromMap(data)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := w.fs.OpenFile(w.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return core.NewIOError("write", 0, err)
	}
	defer f.Close()
	cw := csv.NewWriter(f)
	_ = cw.Write(record(row))
	cw.Flush()
	if err := cw.Error(); err != nil {
		return core.NewIOError("write", 0, err)
	}
	w.rows = append(w.rows, row)
	return nil
}

func (w *Warehouse) key(column string, value any) (int, any, error) {
	idx, ok := w.schema.Index(column)
	if !ok {
		return 0, nil, core.SchemaMismatchf("unknown column %q", column)
	}
	typ := w.schema.Column(idx).Type
	v, ok := typ.Coerce(value)
	if !ok {
		return 0, nil, core.SchemaMismatchf("column %q expects %s, got %T", column, typ, value)
	}
	return idx, v, nil
}

func (w *Warehouse) UpdateData(_ context.Context, keyColumn string, keyValue any, updated map[string]any) error {
	idx, key, err := w.key(keyColumn, keyValue)
	if err != nil {
		return err
	}
	type assignment struct {
		col int
		val any
	}
	var set []assignment
	for name, raw := range updated {
		col, v, err := w.key(name, raw)
		if err != nil {
			return err
		}
		set = append(set, assignment{col, v})
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	rows := make([]table.Row, len(w.rows))
	for i, row := range w.rows {
		if row[idx] == key {
			row = row.Clone()
			for _, a := range set {
				row[a.col] = a.val
			}
		}
		rows[i] = row
	}
	prev := w.rows
	w.rows = rows
	if err := w.rewrite(); err != nil {
		w.rows = prev
		return err
	}
	return nil
}

func (w *Warehouse) DeleteData(_ context.Context, keyColumn string, keyValue any) error {
	idx, key, err := w.key(keyColumn, keyValue)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	kept := make([]table.Row, 0, len(w.rows))
	for _, row := range w.rows {
		if row[idx] != key {
			kept = append(kept, row)
		}
	}
	prev := w.rows
	w.rows = kept
	if err := w.rewrite(); err != nil {
		w.rows = prev
		return err
	}
	return nil
}

func (w *Warehouse) QueryData(_ context.Context, keyColumn string, keys []any) ([]map[string]any, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	idx, _, err := w.key(keyColumn, keys[0])
	if err != nil {
		return nil, err
	}
	want := make(map[any]struct{}, len(keys))
	for _, k := range keys {
		_, v, err := w.key(keyColumn, k)
		if err != nil {
			return nil, err
		}
		want[v] = struct{}{}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	var out []map[string]any
	for _, row := range w.rows {
		if _, ok := want[row[idx]]; ok {
			out = append(out, w.schema.RowToMap(row))
		}
	}
	return out, nil
}

// Len returns the number of rows
func (w *Warehouse) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.rows)
}

func (w *Warehouse) Close() error { return nil }
