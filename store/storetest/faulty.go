// Package storetest provides a store.Store wrapper that injects failures.
package storetest

import (
	"context"
	"errors"
	"sync"

	"github.com/gigapi/gigapi-warehouse/core"
	"github.com/gigapi/gigapi-warehouse/store"
	"github.com/gigapi/gigapi-warehouse/table"
)

var ErrInjected = errors.New("injected failure")

// Faulty forwards to an inner store and fails the operations armed with
// FailWrites, FailReads or FailDeletes. It also counts calls per operation.
type Faulty struct {
	store.Store

	mu          sync.Mutex
	failWrites  int
	failReads   map[table.PartitionID]bool
	failDeletes map[table.PartitionID]bool
	Writes      int
	Reads       int
	Deletes     int
}

func New(inner store.Store) *Faulty {
	return &Faulty{
		Store:       inner,
		failReads:   map[table.PartitionID]bool{},
		failDeletes: map[table.PartitionID]bool{},
	}
}

// FailWrites makes the next n writes fail. A negative n fails every write.
func (f *Faulty) FailWrites(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWrites = n
}

func (f *Faulty) FailReads(ids ...table.PartitionID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.failReads[id] = true
	}
}

func (f *Faulty) FailDeletes(ids ...table.PartitionID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.failDeletes[id] = true
	}
}

// Heal disarms every injected failure
func (f *Faulty) Heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWrites = 0
	f.failReads = map[table.PartitionID]bool{}
	f.failDeletes = map[table.PartitionID]bool{}
}

func (f *Faulty) WritePartition(ctx context.Context, b *table.Batch) (table.PartitionID, table.Stats, error) {
	f.mu.Lock()
	f.Writes++
	fail := f.failWrites != 0
	if f.failWrites > 0 {
		f.failWrites--
	}
	f.mu.Unlock()
	if fail {
		return 0, table.Stats{}, core.NewIOError("write", 0, ErrInjected)
	}
	return f.Store.WritePartition(ctx, b)
}

func (f *Faulty) ReadPartition(ctx context.Context, id table.PartitionID) (*table.Batch, error) {
	f.mu.Lock()
	f.Reads++
	fail := f.failReads[id]
	f.mu.Unlock()
	if fail {
		return nil, core.NewIOError("read", uint64(id), ErrInjected)
	}
	return f.Store.ReadPartition(ctx, id)
}

func (f *Faulty) DeletePartition(ctx context.Context, id table.PartitionID) error {
	f.mu.Lock()
	f.Deletes++
	fail := f.failDeletes[id]
	f.mu.Unlock()
	if fail {
		return core.NewIOError("delete", uint64(id), ErrInjected)
	}
	return f.Store.DeletePartition(ctx, id)
}
