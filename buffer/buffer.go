// Package buffer accumulates inserted rows until they fill a partition.
package buffer

import (
	"context"
	"fmt"
	"sync"

	"github.com/gigapi/gigapi-warehouse/core"
	"github.com/gigapi/gigapi-warehouse/metrics"
	"github.com/gigapi/gigapi-warehouse/table"
)

// FlushFunc persists a full buffer. The batch is owned by the callee.
type FlushFunc func(ctx context.Context, b *table.Batch) error

// Buffer holds rows not yet assigned to a partition. Buffered rows are
// part of the queryable data set.
type Buffer struct {
	mu      sync.Mutex
	schema  *table.Schema
	size    int
	rows    []table.Row
	flush   FlushFunc
	metrics *metrics.Metrics
}

// New creates an empty buffer that calls flush once it holds size rows
func New(schema *table.Schema, size int, flush FlushFunc, m *metrics.Metrics) (*Buffer, error) {
	if size < 1 {
		return nil, fmt.Errorf("partition size must be positive, got %d", size)
	}
	if flush == nil {
		return nil, fmt.Errorf("flush function is required")
	}
	return &Buffer{
		schema:  schema,
		size:    size,
		rows:    make([]table.Row, 0, size),
		flush:   flush,
		metrics: m,
	}, nil
}

// Size is the partition size the buffer flushes at
func (b *Buffer) Size() int { return b.size }

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rows)
}

// Insert validates row and appends it. When the buffer reaches its size the
// content is flushed and the buffer cleared. If that flush fails the row
// is withdrawn, so a failed insert leaves the buffer as it was.
func (b *Buffer) Insert(ctx context.Context, row table.Row) error {
	nr, err := b.schema.Validate(row)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rows = append(b.rows, nr)
	if len(b.rows) >= b.size {
		if err := b.flushLocked(ctx); err != nil {
			b.rows = b.rows[:len(b.rows)-1]
			b.metrics.SetBuffered(len(b.rows))
			return err
		}
	}
	b.metrics.Inserted(1)
	b.metrics.SetBuffered(len(b.rows))
	return nil
}

// Flush writes out a partially filled buffer. It is a no-op when empty.
func (b *Buffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.rows) == 0 {
		return nil
	}
	return b.flushLocked(ctx)
}

func (b *Buffer) flushLocked(ctx context.Context) error {
	snap := b.snapshotLocked()
	if err := b.flush(ctx, snap); err != nil {
		core.Errorf(ctx, "flush of %d buffered rows failed: %v", snap.Len(), err)
		return err
	}
	b.rows = make([]table.Row, 0, b.size)
	b.metrics.Flushed()
	b.metrics.SetBuffered(0)
	return nil
}

// Snapshot returns a copy of the buffered rows
func (b *Buffer) Snapshot() *table.Batch {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *Buffer) snapshotLocked() *table.Batch {
	rows := make([]table.Row, len(b.rows))
	copy(rows, b.rows)
	return table.NewBatch(b.schema, rows...)
}

// Mutate replaces the buffered rows with the result of fn. The buffer is
// left untouched when fn fails.
func (b *Buffer) Mutate(fn func(*table.Batch) (*table.Batch, error)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	out, err := fn(b.snapshotLocked())
	if err != nil {
		return err
	}
	if !out.Schema.Equal(b.schema) {
		return core.SchemaMismatchf("mutated buffer has schema %s", out.Schema)
	}
	b.rows = append(make([]table.Row, 0, b.size), out.Rows...)
	b.metrics.SetBuffered(len(b.rows))
	return nil
}
