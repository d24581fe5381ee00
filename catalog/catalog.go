// Package catalog keeps the in-memory partition metadata and prunes
// partitions using their column statistics.
package catalog

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/gigapi/gigapi-warehouse/core"
	"github.com/gigapi/gigapi-warehouse/metrics"
	"github.com/gigapi/gigapi-warehouse/predicate"
	"github.com/gigapi/gigapi-warehouse/table"
)

// Entry is the metadata of one partition
type Entry struct {
	ID    table.PartitionID `json:"id"`
	Path  string            `json:"path,omitempty"`
	Stats table.Stats       `json:"stats"`
}

func (e Entry) RowCount() int64 { return e.Stats.RowCount }

// PruneResult lists the partitions that may contain matching rows
type PruneResult struct {
	Candidates []table.PartitionID `json:"candidates"`
	Total      int                 `json:"total"`
	// Fallback is set when the predicate had no range constraint usable
	// for pruning and every partition is a candidate.
	Fallback bool   `json:"fallback"`
	Version  uint64 `json:"version"`
}

func (r PruneResult) Pruned() int { return r.Total - len(r.Candidates) }

// Catalog maps partition ids, in ascending order, to their metadata
type Catalog struct {
	mu      sync.RWMutex
	tree    *btree.BTreeG[Entry]
	version uint64
	metrics *metrics.Metrics
}

// New creates an empty catalog. m may be nil.
func New(m *metrics.Metrics) *Catalog {
	return &Catalog{
		tree: btree.NewG[Entry](16, func(a, b Entry) bool {
			return a.ID < b.ID
		}),
		metrics: m,
	}
}

// Add inserts the entry of a new partition
func (c *Catalog) Add(e Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.tree.Get(Entry{ID: e.ID}); exists {
		return fmt.Errorf("partition %d already in catalog", e.ID)
	}
	c.tree.ReplaceOrInsert(e)
	c.changed()
	return nil
}

// Remove drops the entry of a deleted partition
func (c *Catalog) Remove(id table.PartitionID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tree.Delete(Entry{ID: id}); !ok {
		return fmt.Errorf("partition %d not in catalog", id)
	}
	c.changed()
	return nil
}

// Replace swaps the entry of a rewritten partition for the entry of its
// replacement. A nil replacement removes the old entry.
func (c *Catalog) Replace(oldID table.PartitionID, next *Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tree.Get(Entry{ID: oldID}); !ok {
		return fmt.Errorf("partition %d not in catalog", oldID)
	}
	if next != nil && next.ID != oldID {
		if _, exists := c.tree.Get(Entry{ID: next.ID}); exists {
			return fmt.Errorf("partition %d already in catalog", next.ID)
		}
	}
	c.tree.Delete(Entry{ID: oldID})
	if next != nil {
		c.tree.ReplaceOrInsert(*next)
	}
	c.changed()
	return nil
}

func (c *Catalog) changed() {
	c.version++
	c.metrics.SetPartitions(c.tree.Len())
}

// Get returns the entry of a partition
func (c *Catalog) Get(id table.PartitionID) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tree.Get(Entry{ID: id})
}

// Entries returns all entries in ascending id order
func (c *Catalog) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, c.tree.Len())
	c.tree.Ascend(func(e Entry) bool {
		out = append(out, e)
		return true
	})
	return out
}

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tree.Len()
}

// RowCount is the total number of rows over all partitions
func (c *Catalog) RowCount() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var n int64
	c.tree.Ascend(func(e Entry) bool {
		n += e.Stats.RowCount
		return true
	})
	return n
}

// Version increases on every change to the catalog
func (c *Catalog) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Prune returns, in ascending order, the partitions that may hold rows
// matching p. A partition is only excluded when its statistics prove that
// no row can match.
func (c *Catalog) Prune(ctx context.Context, p predicate.Predicate) PruneResult {
	c.mu.RLock()
	res := PruneResult{Total: c.tree.Len(), Version: c.version}
	c.tree.Ascend(func(e Entry) bool {
		if mayMatch(p, e.Stats) {
			res.Candidates = append(res.Candidates, e.ID)
		}
		return true
	})
	c.mu.RUnlock()

	if res.Total > 0 && p.Kind() != predicate.KindAll && !Decomposable(p) {
		res.Fallback = true
		core.Warnf(ctx, "prune fallback: predicate %s has no range constraint, scanning all %d partitions", p, res.Total)
		c.metrics.PruneFallback()
	}
	c.metrics.Pruned(res.Total, res.Pruned())
	core.Debugf(ctx, "pruned %d of %d partitions for %s", res.Pruned(), res.Total, p)
	return res
}
