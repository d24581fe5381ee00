// Package warehouse composes the write buffer, catalog, partition store,
// query engine and mutation engine into one data warehouse.
package warehouse

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/gigapi/gigapi-warehouse/buffer"
	"github.com/gigapi/gigapi-warehouse/catalog"
	"github.com/gigapi/gigapi-warehouse/compute"
	"github.com/gigapi/gigapi-warehouse/core"
	"github.com/gigapi/gigapi-warehouse/metrics"
	"github.com/gigapi/gigapi-warehouse/mutation"
	"github.com/gigapi/gigapi-warehouse/predicate"
	"github.com/gigapi/gigapi-warehouse/query"
	"github.com/gigapi/gigapi-warehouse/store"
	"github.com/gigapi/gigapi-warehouse/table"
)

var ErrClosed = errors.New("warehouse is closed")

type Options struct {
	Schema          *table.Schema
	PartitionSize   int
	Dir             string
	Fs              afero.Fs
	Compression     string
	ReadParallelism int
	Metrics         *metrics.Metrics
	// Compute defaults to compute.Vectorized
	Compute compute.Engine
	// Store replaces the Parquet file store built from Fs and Dir
	Store store.Store
}

// Warehouse owns the write buffer and the catalog for its lifetime.
// Writers are serialized; queries may run concurrently with each other.
type Warehouse struct {
	mu       sync.RWMutex
	closed   bool
	schema   *table.Schema
	store    store.Store
	catalog  *catalog.Catalog
	buffer   *buffer.Buffer
	query    *query.Engine
	mutation *mutation.Engine
	metrics  *metrics.Metrics

	// the manifest is kept only when the warehouse owns its file store
	manifestFs   afero.Fs
	manifestPath string
	savedVersion uint64
	// replaced partitions whose files still have to be deleted
	orphans []table.PartitionID
	dirty   bool
}

var _ core.DataWarehouse = (*Warehouse)(nil)

// Open creates a warehouse over the partitions found in the store. The
// catalog comes from the manifest when it is current, and from the
// partition contents otherwise.
func Open(ctx context.Context, opts Options) (*Warehouse, error) {
	if opts.Schema == nil {
		return nil, fmt.Errorf("warehouse: schema is required")
	}
	if opts.Compute == nil {
		opts.Compute = compute.Vectorized{}
	}
	st := opts.Store
	var manifestFs afero.Fs
	if st == nil {
		if opts.Fs == nil {
			opts.Fs = afero.NewOsFs()
		}
		manifestFs = opts.Fs
		fs, err := store.Open(ctx, store.Options{
			Fs:          opts.Fs,
			Dir:         opts.Dir,
			Schema:      opts.Schema,
			Compression: opts.Compression,
			Metrics:     opts.Metrics,
		})
		if err != nil {
			return nil, err
		}
		st = fs
	}

	w := &Warehouse{
		schema:  opts.Schema,
		store:   st,
		catalog: catalog.New(opts.Metrics),
		metrics: opts.Metrics,
	}
	if manifestFs != nil {
		w.manifestFs = manifestFs
		w.manifestPath = filepath.Join(opts.Dir, catalog.ManifestName)
	}
	buf, err := buffer.New(opts.Schema, opts.PartitionSize, w.flush, opts.Metrics)
	if err != nil {
		return nil, err
	}
	w.buffer = buf
	w.query = query.New(opts.Schema, w.catalog, st, opts.Compute, opts.ReadParallelism)
	w.mutation = mutation.New(opts.Schema, w.catalog, st, opts.Compute, opts.Metrics)

	if err := w.rebuild(ctx); err != nil {
		return nil, err
	}
	core.Infof(ctx, "warehouse opened: schema %s, partition size %d, %d partitions, %d rows",
		w.schema, buf.Size(), w.catalog.Len(), w.catalog.RowCount())
	return w, nil
}

// rebuild fills the catalog from the manifest when it lists exactly the
// stored partitions, and from the partition contents otherwise
func (w *Warehouse) rebuild(ctx context.Context) error {
	ids, err := w.store.List(ctx)
	if err != nil {
		return err
	}
	if w.manifestFs != nil {
		m, err := catalog.ReadManifest(w.manifestFs, w.manifestPath, w.schema)
		switch {
		case err == nil && m.Matches(ids):
			w.orphans = m.Orphans
			for _, e := range m.Entries {
				e.Path = w.store.Path(e.ID)
				if err := w.catalog.Add(e); err != nil {
					return err
				}
			}
			w.savedVersion = w.catalog.Version()
			core.Infof(ctx, "catalog loaded from %s", w.manifestPath)
			w.removeOrphans(ctx)
			w.saveManifest(ctx)
			return nil
		case err == nil:
			core.Infof(ctx, "manifest lists %d partitions, found %d: rebuilding catalog", len(m.Entries), len(ids))
		case !errors.Is(err, os.ErrNotExist):
			core.Warnf(ctx, "ignoring manifest %s: %v", w.manifestPath, err)
		}
	}
	for _, id := range ids {
		b, err := w.store.ReadPartition(ctx, id)
		if err != nil {
			return err
		}
		if err := w.catalog.Add(catalog.Entry{ID: id, Path: w.store.Path(id), Stats: table.ComputeStats(b)}); err != nil {
			return err
		}
	}
	w.saveManifest(ctx)
	return nil
}

// saveManifest persists the catalog if it changed since the last save.
// A failure only costs a full rebuild on the next Open.
func (w *Warehouse) saveManifest(ctx context.Context) {
	if w.manifestFs == nil || (w.catalog.Version() == w.savedVersion && !w.dirty) {
		return
	}
	if err := catalog.WriteManifest(w.manifestFs, w.manifestPath, w.schema, w.catalog, w.orphans); err != nil {
		w.metrics.IOFailure("manifest")
		core.Warnf(ctx, "failed to save manifest: %v", err)
		return
	}
	w.savedVersion, w.dirty = w.catalog.Version(), false
}

// removeOrphans retries deleting the files of replaced partitions
func (w *Warehouse) removeOrphans(ctx context.Context) {
	if len(w.orphans) == 0 {
		return
	}
	kept := w.orphans[:0]
	for _, id := range w.orphans {
		if err := w.store.DeletePartition(ctx, id); err != nil && !errors.Is(err, os.ErrNotExist) {
			kept = append(kept, id)
			continue
		}
		core.Infof(ctx, "removed orphaned partition %d", id)
		w.dirty = true
	}
	w.orphans = kept
}

func (w *Warehouse) mutated(ctx context.Context, res mutation.Result) {
	if len(res.Orphans) > 0 {
		w.orphans = append(w.orphans, res.Orphans...)
		w.dirty = true
	}
	w.removeOrphans(ctx)
	w.saveManifest(ctx)
}

// flush is called by the buffer with the write lock held
func (w *Warehouse) flush(ctx context.Context, b *table.Batch) error {
	id, st, err := w.store.WritePartition(ctx, b)
	if err != nil {
		return err
	}
	core.Infof(ctx, "flushed %d rows to partition %d", b.Len(), id)
	if err := w.catalog.Add(catalog.Entry{ID: id, Path: w.store.Path(id), Stats: st}); err != nil {
		return err
	}
	w.saveManifest(ctx)
	return nil
}

func (w *Warehouse) observe(op string, start time.Time) {
	w.metrics.Observe(op, time.Since(start).Seconds())
}

func (w *Warehouse) Schema() *table.Schema { return w.schema }

// Insert appends a row. The row is visible to queries once Insert returns.
func (w *Warehouse) Insert(ctx context.Context, row table.Row) error {
	defer w.observe("insert", time.Now())
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	return w.buffer.Insert(ctx, row)
}

// InsertMap inserts a row given as column name to value
func (w *Warehouse) InsertMap(ctx context.Context, m map[string]any) error {
	row, err := w.schema.RowFromMap(m)
	if err != nil {
		return err
	}
	return w.Insert(ctx, row)
}

// Query returns the rows matching p, buffered rows first
func (w *Warehouse) Query(ctx context.Context, p predicate.Predicate) (*table.Batch, error) {
	defer w.observe("query", time.Now())
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return nil, ErrClosed
	}
	return w.query.Query(ctx, p, w.buffer.Snapshot())
}

// Explain reports which partitions a query for p would read
func (w *Warehouse) Explain(ctx context.Context, p predicate.Predicate) (query.Plan, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return query.Plan{}, ErrClosed
	}
	return w.query.Explain(ctx, p, w.buffer.Len())
}

// Update applies t to the rows matching p and returns how many rows it
// changed. On error the count covers the partitions that were rewritten.
func (w *Warehouse) Update(ctx context.Context, p predicate.Predicate, t compute.Transform) (int, error) {
	defer w.observe("update", time.Now())
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrClosed
	}
	res, err := w.mutation.Update(ctx, p, t, w.buffer)
	w.mutated(ctx, res)
	return res.Affected, err
}

// Set assigns constant values to columns of the rows matching p
func (w *Warehouse) Set(ctx context.Context, p predicate.Predicate, assignments map[string]any) (int, error) {
	t, err := compute.Set(w.schema, assignments)
	if err != nil {
		return 0, err
	}
	return w.Update(ctx, p, t)
}

// Delete removes the rows matching p and returns how many were removed
func (w *Warehouse) Delete(ctx context.Context, p predicate.Predicate) (int, error) {
	defer w.observe("delete", time.Now())
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrClosed
	}
	res, err := w.mutation.Delete(ctx, p, w.buffer)
	w.mutated(ctx, res)
	return res.Affected, err
}

// Flush writes the buffered rows to a partition even if it is not full
func (w *Warehouse) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	return w.buffer.Flush(ctx)
}

// Partitions returns the catalog entries in ascending id order
func (w *Warehouse) Partitions() []catalog.Entry {
	return w.catalog.Entries()
}

func (w *Warehouse) BufferedRows() int {
	return w.buffer.Len()
}

// Snapshot is a consistent view of the data for external readers
type Snapshot struct {
	Buffered *table.Batch
	Files    []string
	Version  uint64
}

func (w *Warehouse) Snapshot() Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	s := Snapshot{Buffered: w.buffer.Snapshot(), Version: w.catalog.Version()}
	for _, e := range w.catalog.Entries() {
		s.Files = append(s.Files, w.store.Path(e.ID))
	}
	return s
}

// Close flushes the buffer. A failed flush keeps the warehouse open so
// the rows are not lost.
func (w *Warehouse) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	ctx := context.Background()
	if err := w.buffer.Flush(ctx); err != nil {
		return fmt.Errorf("flush on close: %w", err)
	}
	w.closed = true
	core.Infof(ctx, "warehouse closed with %d partitions", w.catalog.Len())
	return nil
}

// AddData inserts a record given as column name to value
func (w *Warehouse) AddData(ctx context.Context, record map[string]any) error {
	return w.InsertMap(ctx, record)
}

// UpdateData sets the columns in updated on every row whose keyColumn
// equals keyValue
func (w *Warehouse) UpdateData(ctx context.Context, keyColumn string, keyValue any, updated map[string]any) error {
	_, err := w.Set(ctx, predicate.Equal(keyColumn, keyValue), updated)
	return err
}

func (w *Warehouse) DeleteData(ctx context.Context, keyColumn string, keyValue any) error {
	_, err := w.Delete(ctx, predicate.Equal(keyColumn, keyValue))
	return err
}

// QueryData returns the rows whose keyColumn is one of keys
func (w *Warehouse) QueryData(ctx context.Context, keyColumn string, keys []any) ([]map[string]any, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	b, err := w.Query(ctx, predicate.In(keyColumn, keys...))
	if err != nil {
		return nil, err
	}
	return b.Maps(), nil
}
