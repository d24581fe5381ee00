// Package query answers predicate queries over buffered rows and
// partitions.
package query

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/gigapi/gigapi-warehouse/catalog"
	"github.com/gigapi/gigapi-warehouse/compute"
	"github.com/gigapi/gigapi-warehouse/core"
	"github.com/gigapi/gigapi-warehouse/predicate"
	"github.com/gigapi/gigapi-warehouse/store"
	"github.com/gigapi/gigapi-warehouse/table"
)

const DefaultParallelism = 4

// Engine reads and filters the partitions that survive pruning
type Engine struct {
	schema      *table.Schema
	catalog     *catalog.Catalog
	store       store.Store
	compute     compute.Engine
	parallelism int
}

// New creates a query engine. parallelism bounds concurrent partition
// reads; values below 1 use DefaultParallelism.
func New(schema *table.Schema, c *catalog.Catalog, s store.Store, e compute.Engine, parallelism int) *Engine {
	if parallelism < 1 {
		parallelism = DefaultParallelism
	}
	return &Engine{
		schema:      schema,
		catalog:     c,
		store:       s,
		compute:     e,
		parallelism: parallelism,
	}
}

// Plan describes how a predicate would be evaluated
type Plan struct {
	Predicate string              `json:"predicate"`
	Buffered  int                 `json:"buffered_rows"`
	Prune     catalog.PruneResult `json:"prune"`
	Entries   []catalog.Entry     `json:"entries"`
}

// Query returns the rows matching p: matches among buffered come first,
// followed by the matches of each partition in ascending id order.
func (e *Engine) Query(ctx context.Context, p predicate.Predicate, buffered *table.Batch) (*table.Batch, error) {
	if _, err := p.Bind(e.schema); err != nil {
		return nil, err
	}
	if buffered == nil {
		buffered = table.NewBatch(e.schema)
	}
	head, err := e.compute.Filter(buffered, p)
	if err != nil {
		return nil, fmt.Errorf("filter buffered rows: %w", err)
	}

	res := e.catalog.Prune(ctx, p)
	parts := make([]*table.Batch, len(res.Candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for i, id := range res.Candidates {
		g.Go(func() error {
			b, err := e.store.ReadPartition(gctx, id)
			if err != nil {
				return err
			}
			out, err := e.compute.Filter(b, p)
			if err != nil {
				return fmt.Errorf("filter partition %d: %w", id, err)
			}
			parts[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		core.Errorf(ctx, "query %s failed: %v", p, err)
		return nil, err
	}

	out := table.Concat(e.schema, append([]*table.Batch{head}, parts...)...)
	core.Debugf(ctx, "query %s: %d rows from %d buffered and %d/%d partitions",
		p, out.Len(), buffered.Len(), len(res.Candidates), res.Total)
	return out, nil
}

// Explain prunes without reading any partition data
func (e *Engine) Explain(ctx context.Context, p predicate.Predicate, buffered int) (Plan, error) {
	if _, err := p.Bind(e.schema); err != nil {
		return Plan{}, err
	}
	res := e.catalog.Prune(ctx, p)
	plan := Plan{Predicate: p.String(), Buffered: buffered, Prune: res}
	for _, id := range res.Candidates {
		if entry, ok := e.catalog.Get(id); ok {
			plan.Entries = append(plan.Entries, entry)
		}
	}
	return plan, nil
}
