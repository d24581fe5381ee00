// Package mutation implements update and delete as copy-on-write rewrites
// of the partitions that may hold matching rows.
//
// Every candidate partition moves through the states
//
//	CANDIDATE -> READ -> TRANSFORMED -> REWRITTEN | REMOVED | UNCHANGED -> METADATA_REFRESHED
//
// A replacement is always written before the partition it replaces is
// deleted, and the catalog is only changed after the store operation
// succeeded. A failure leaves the partition and its catalog entry as they
// were. Partitions are independent: one failing does not stop the others.
package mutation

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/gigapi/gigapi-warehouse/catalog"
	"github.com/gigapi/gigapi-warehouse/compute"
	"github.com/gigapi/gigapi-warehouse/core"
	"github.com/gigapi/gigapi-warehouse/metrics"
	"github.com/gigapi/gigapi-warehouse/predicate"
	"github.com/gigapi/gigapi-warehouse/store"
	"github.com/gigapi/gigapi-warehouse/table"
)

type State uint8

const (
	Candidate State = iota
	Read
	Transformed
	Rewritten
	Removed
	Unchanged
	MetadataRefreshed
)

func (s State) String() string {
	switch s {
	case Candidate:
		return "CANDIDATE"
	case Read:
		return "READ"
	case Transformed:
		return "TRANSFORMED"
	case Rewritten:
		return "REWRITTEN"
	case Removed:
		return "REMOVED"
	case Unchanged:
		return "UNCHANGED"
	case MetadataRefreshed:
		return "METADATA_REFRESHED"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Outcome is what happened to one candidate partition
type Outcome struct {
	Partition table.PartitionID `json:"partition"`
	// Replacement is the id of the rewritten partition, if any
	Replacement table.PartitionID `json:"replacement,omitempty"`
	// Action is REWRITTEN, REMOVED or UNCHANGED once the partition was transformed
	Action State `json:"action"`
	// State is the last state reached
	State    State `json:"state"`
	Affected int   `json:"affected"`
	// Orphaned is set when the partition was replaced but its file could
	// not be deleted
	Orphaned bool  `json:"orphaned,omitempty"`
	Err      error `json:"-"`
}

// Result sums up a mutation
type Result struct {
	Affected   int       `json:"affected"`
	Buffered   int       `json:"buffered"`
	Partitions []Outcome `json:"partitions"`
	// Orphans lists replaced partitions whose files are still stored
	Orphans []table.PartitionID `json:"orphans,omitempty"`
}

// Buffer is the write buffer as seen by the mutation engine
type Buffer interface {
	Mutate(fn func(*table.Batch) (*table.Batch, error)) error
}

// apply transforms a batch and reports how many rows it affected
type apply func(b *table.Batch) (*table.Batch, int, error)

type Engine struct {
	schema  *table.Schema
	catalog *catalog.Catalog
	store   store.Store
	compute compute.Engine
	metrics *metrics.Metrics
}

func New(schema *table.Schema, c *catalog.Catalog, s store.Store, e compute.Engine, m *metrics.Metrics) *Engine {
	return &Engine{schema: schema, catalog: c, store: s, compute: e, metrics: m}
}

// Update applies t to every row matching p. Rows that do not match are
// unchanged. The error, if any, aggregates the failures of individual
// partitions; the result still counts the rows of those that succeeded.
func (e *Engine) Update(ctx context.Context, p predicate.Predicate, t compute.Transform, buf Buffer) (Result, error) {
	if t == nil {
		return Result{}, fmt.Errorf("update requires a transform")
	}
	return e.run(ctx, "update", p, buf, func(b *table.Batch) (*table.Batch, int, error) {
		return e.compute.MapWhere(b, p, t)
	})
}

// Delete removes every row matching p
func (e *Engine) Delete(ctx context.Context, p predicate.Predicate, buf Buffer) (Result, error) {
	keep := predicate.Not(p)
	return e.run(ctx, "delete", p, buf, func(b *table.Batch) (*table.Batch, int, error) {
		out, err := e.compute.Filter(b, keep)
		if err != nil {
			return nil, 0, err
		}
		return out, b.Len() - out.Len(), nil
	})
}

func (e *Engine) run(ctx context.Context, op string, p predicate.Predicate, buf Buffer, fn apply) (Result, error) {
	if _, err := p.Bind(e.schema); err != nil {
		return Result{}, err
	}
	// a rewrite that has started must reach a terminal state
	ctx = context.WithoutCancel(ctx)

	var res Result
	if buf != nil {
		err := buf.Mutate(func(b *table.Batch) (*table.Batch, error) {
			out, n, err := fn(b)
			if err != nil {
				return nil, err
			}
			res.Buffered = n
			return out, nil
		})
		if err != nil {
			return Result{}, fmt.Errorf("%s buffered rows: %w", op, err)
		}
	}
	res.Affected = res.Buffered

	var errs error
	for _, id := range e.catalog.Prune(ctx, p).Candidates {
		o := e.rewrite(ctx, id, fn)
		res.Partitions = append(res.Partitions, o)
		if o.State == MetadataRefreshed {
			res.Affected += o.Affected
		}
		if o.Orphaned {
			res.Orphans = append(res.Orphans, id)
		}
		if o.Err != nil {
			core.Errorf(ctx, "%s of partition %d stopped after %s: %v", op, id, o.State, o.Err)
			errs = multierr.Append(errs, fmt.Errorf("partition %d: %w", id, o.Err))
		}
	}
	core.Infof(ctx, "%s %s: %d rows affected (%d buffered) over %d candidate partitions",
		op, p, res.Affected, res.Buffered, len(res.Partitions))
	return res, errs
}

func (e *Engine) rewrite(ctx context.Context, id table.PartitionID, fn apply) (o Outcome) {
	o = Outcome{Partition: id, State: Candidate}
	defer func() {
		core.Debugf(ctx, "partition %d: %s (%s, %d rows affected)", id, o.State, o.Action, o.Affected)
	}()

	b, err := e.store.ReadPartition(ctx, id)
	if err != nil {
		o.Err = err
		return o
	}
	o.State = Read

	out, n, err := fn(b)
	if err != nil {
		o.Err = err
		return o
	}
	o.State, o.Affected = Transformed, n

	switch {
	case n == 0:
		// false inclusion by pruning
		o.Action = Unchanged
		o.State = MetadataRefreshed
		return o

	case out.Len() == 0:
		if err := e.store.DeletePartition(ctx, id); err != nil {
			o.Err = err
			return o
		}
		o.Action, o.State = Removed, Removed
		if err := e.catalog.Remove(id); err != nil {
			o.Err = err
			return o
		}
		e.metrics.Removed()

	default:
		newID, st, err := e.store.WritePartition(ctx, out)
		if err != nil {
			o.Err = err
			return o
		}
		o.Action, o.State, o.Replacement = Rewritten, Rewritten, newID
		// the new partition holds the authoritative rows from here on,
		// so the catalog switches to it even if the old file lingers
		delErr := e.store.DeletePartition(ctx, id)
		entry := catalog.Entry{ID: newID, Path: e.store.Path(newID), Stats: st}
		if err := e.catalog.Replace(id, &entry); err != nil {
			o.Err = multierr.Append(delErr, err)
			return o
		}
		if delErr != nil {
			core.Warnf(ctx, "partition %d replaced by %d but its file was not removed: %v", id, newID, delErr)
			o.Err, o.Orphaned = delErr, true
		}
		e.metrics.Rewritten()
	}
	o.State = MetadataRefreshed
	return o
}
