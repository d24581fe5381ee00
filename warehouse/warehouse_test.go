package warehouse

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigapi/gigapi-warehouse/catalog"
	"github.com/gigapi/gigapi-warehouse/core"
	"github.com/gigapi/gigapi-warehouse/predicate"
	"github.com/gigapi/gigapi-warehouse/store"
	"github.com/gigapi/gigapi-warehouse/store/storetest"
	"github.com/gigapi/gigapi-warehouse/table"
)

var schema = table.MustSchema(
	table.Column{Name: "id", Type: table.Int64},
	table.Column{Name: "val", Type: table.String},
)

func open(t *testing.T, fs afero.Fs, size int) *Warehouse {
	t.Helper()
	w, err := Open(context.Background(), Options{Schema: schema, PartitionSize: size, Fs: fs, Dir: "/wh"})
	require.NoError(t, err)
	return w
}

func openFaulty(t *testing.T, size int) (*Warehouse, *storetest.Faulty) {
	t.Helper()
	ctx := context.Background()
	fs, err := store.Open(ctx, store.Options{Fs: afero.NewMemMapFs(), Dir: "/wh", Schema: schema})
	require.NoError(t, err)
	faulty := storetest.New(fs)
	w, err := Open(ctx, Options{Schema: schema, PartitionSize: size, Store: faulty})
	require.NoError(t, err)
	return w, faulty
}

func queryRows(t *testing.T, w *Warehouse, p predicate.Predicate) []table.Row {
	t.Helper()
	b, err := w.Query(context.Background(), p)
	require.NoError(t, err)
	return b.Rows
}

func TestWorkedExample(t *testing.T) {
	ctx := context.Background()
	w := open(t, afero.NewMemMapFs(), 3)

	for i, v := range []string{"a", "b", "c"} {
		require.NoError(t, w.Insert(ctx, table.Row{i + 1, v}))
	}
	parts := w.Partitions()
	require.Len(t, parts, 1)
	assert.Equal(t, int64(3), parts[0].RowCount())
	assert.Equal(t, 0, w.BufferedRows())

	require.NoError(t, w.Insert(ctx, table.Row{4, "d"}))
	assert.Equal(t, 1, w.BufferedRows())

	assert.Equal(t, []table.Row{{int64(2), "b"}}, queryRows(t, w, predicate.Equal("id", 2)))

	n, err := w.Delete(ctx, predicate.Equal("id", 1))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	parts = w.Partitions()
	require.Len(t, parts, 1)
	assert.NotEqual(t, table.PartitionID(1), parts[0].ID, "rewritten under a new id")
	assert.Equal(t, int64(2), parts[0].RowCount())
	cs, _ := parts[0].Stats.Column("id")
	assert.Equal(t, int64(2), cs.Min)
	assert.Equal(t, int64(3), cs.Max)

	assert.Equal(t, []table.Row{{int64(4), "d"}, {int64(2), "b"}, {int64(3), "c"}},
		queryRows(t, w, predicate.All()))
}

func TestInsertVisibility(t *testing.T) {
	ctx := context.Background()
	w := open(t, afero.NewMemMapFs(), 4)
	for i := 0; i < 23; i++ {
		require.NoError(t, w.Insert(ctx, table.Row{i, fmt.Sprintf("v%d", i)}))
		got := queryRows(t, w, predicate.Equal("id", i))
		require.Equal(t, []table.Row{{int64(i), fmt.Sprintf("v%d", i)}}, got, "row %d", i)
	}
	assert.Len(t, w.Partitions(), 5)
	assert.Equal(t, 3, w.BufferedRows())
	assert.Len(t, queryRows(t, w, predicate.All()), 23)
}

func TestFlushThreshold(t *testing.T) {
	ctx := context.Background()
	w := open(t, afero.NewMemMapFs(), 5)
	for i := 0; i < 5; i++ {
		assert.Empty(t, w.Partitions())
		require.NoError(t, w.Insert(ctx, table.Row{i, "x"}))
	}
	parts := w.Partitions()
	require.Len(t, parts, 1)
	assert.Equal(t, int64(5), parts[0].RowCount())
	assert.Equal(t, 0, w.BufferedRows())
}

func TestDeleteConsistency(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(3))
	w := open(t, afero.NewMemMapFs(), 4)
	for i := 0; i < 30; i++ {
		require.NoError(t, w.Insert(ctx, table.Row{rng.Intn(20), []string{"a", "b", "c"}[rng.Intn(3)]}))
	}

	p := predicate.Or(predicate.Between("id", 5, 9), predicate.Equal("val", "c"))
	keptBefore := queryRows(t, w, predicate.Not(p))
	matching := queryRows(t, w, p)

	n, err := w.Delete(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, len(matching), n)
	assert.Empty(t, queryRows(t, w, p))
	assert.ElementsMatch(t, keptBefore, queryRows(t, w, predicate.Not(p)))

	for _, e := range w.Partitions() {
		assert.Positive(t, e.RowCount(), "empty partitions are removed")
	}
}

func TestUpdateAndSet(t *testing.T) {
	ctx := context.Background()
	w := open(t, afero.NewMemMapFs(), 2)
	for i := 1; i <= 5; i++ {
		require.NoError(t, w.Insert(ctx, table.Row{i, "old"}))
	}

	n, err := w.Set(ctx, predicate.GreaterOrEqual("id", 2), map[string]any{"val": "new"})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Len(t, queryRows(t, w, predicate.Equal("val", "new")), 4)
	assert.Equal(t, []table.Row{{int64(1), "old"}}, queryRows(t, w, predicate.Equal("val", "old")))

	_, err = w.Set(ctx, predicate.All(), map[string]any{"id": "x"})
	assert.ErrorIs(t, err, core.ErrSchemaMismatch)

	n, err = w.Update(ctx, predicate.Equal("id", 5), func(r table.Row) (table.Row, error) {
		r[0] = r[0].(int64) * 10
		return r, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []table.Row{{int64(50), "new"}}, queryRows(t, w, predicate.Greater("id", 5)))
}

func TestRewriteAtomicity(t *testing.T) {
	ctx := context.Background()
	w, faulty := openFaulty(t, 2)
	for i := 1; i <= 4; i++ {
		require.NoError(t, w.Insert(ctx, table.Row{i, "v"}))
	}
	before := w.Partitions()

	faulty.FailWrites(-1)
	_, err := w.Delete(ctx, predicate.Equal("id", 1))
	assert.ErrorIs(t, err, core.ErrIOFailure)
	assert.Equal(t, before, w.Partitions())
	assert.Equal(t, []table.Row{{int64(1), "v"}}, queryRows(t, w, predicate.Equal("id", 1)))

	faulty.Heal()
	n, err := w.Delete(ctx, predicate.Equal("id", 1))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestInsertIsAtomicOnFlushFailure(t *testing.T) {
	ctx := context.Background()
	w, faulty := openFaulty(t, 2)
	require.NoError(t, w.Insert(ctx, table.Row{1, "a"}))

	faulty.FailWrites(1)
	assert.ErrorIs(t, w.Insert(ctx, table.Row{2, "b"}), core.ErrIOFailure)
	assert.Equal(t, 1, w.BufferedRows())
	assert.Empty(t, w.Partitions())
	assert.Empty(t, queryRows(t, w, predicate.Equal("id", 2)))

	require.NoError(t, w.Insert(ctx, table.Row{2, "b"}))
	assert.Len(t, w.Partitions(), 1)
}

func TestInsertRejectsMismatch(t *testing.T) {
	w := open(t, afero.NewMemMapFs(), 2)
	assert.ErrorIs(t, w.Insert(context.Background(), table.Row{1}), core.ErrSchemaMismatch)
	assert.ErrorIs(t, w.InsertMap(context.Background(), map[string]any{"id": 1}), core.ErrSchemaMismatch)
	assert.Equal(t, 0, w.BufferedRows())
}

func TestReopenRebuildsCatalog(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	w := open(t, fs, 3)
	for i := 1; i <= 7; i++ {
		require.NoError(t, w.Insert(ctx, table.Row{i, "v"}))
	}
	_, err := w.Delete(ctx, predicate.Equal("id", 2))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Insert(ctx, table.Row{8, "v"}), ErrClosed)

	before := w.Partitions()
	w2 := open(t, fs, 3)
	assert.Equal(t, before, w2.Partitions())
	assert.Len(t, queryRows(t, w2, predicate.All()), 6)

	require.NoError(t, w2.Insert(ctx, table.Row{8, "v"}))
	require.NoError(t, w2.Flush(ctx))
	last := w2.Partitions()[len(w2.Partitions())-1]
	assert.Greater(t, last.ID, before[len(before)-1].ID, "ids are not reused after reopening")
}

func TestReopenWithStaleManifest(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	w := open(t, fs, 2)
	for i := 1; i <= 6; i++ {
		require.NoError(t, w.Insert(ctx, table.Row{i, "v"}))
	}
	require.NoError(t, w.Close())
	parts := w.Partitions()
	require.Len(t, parts, 3)
	manifest := filepath.Join("/wh", catalog.ManifestName)
	exists, err := afero.Exists(fs, manifest)
	require.NoError(t, err)
	require.True(t, exists)

	// a partition removed behind the warehouse's back
	require.NoError(t, fs.Remove(parts[1].Path))
	w2 := open(t, fs, 2)
	assert.Equal(t, []table.PartitionID{parts[0].ID, parts[2].ID}, partitionIDs(w2))
	assert.Len(t, queryRows(t, w2, predicate.All()), 4)

	// an unreadable manifest falls back to reading the partitions
	require.NoError(t, afero.WriteFile(fs, manifest, []byte("{"), 0o644))
	w3 := open(t, fs, 2)
	assert.Equal(t, w2.Partitions(), w3.Partitions())
}

func TestReopenKeepsStringBoundsForPruning(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	w := open(t, fs, 2)
	require.NoError(t, w.Insert(ctx, table.Row{1, "a"}))
	require.NoError(t, w.Insert(ctx, table.Row{2, "\xff"}))
	require.NoError(t, w.Close())

	w2 := open(t, fs, 2)
	defer w2.Close()
	rows := queryRows(t, w2, predicate.Equal("val", "\xff"))
	assert.Equal(t, []table.Row{{int64(2), "\xff"}}, rows)
	plan, err := w2.Explain(ctx, predicate.Equal("val", "\xff"))
	require.NoError(t, err)
	assert.Equal(t, []table.PartitionID{1}, plan.Prune.Candidates)
}

func TestOrphanedPartitionIsRemovedLater(t *testing.T) {
	ctx := context.Background()
	w, faulty := openFaulty(t, 2)
	require.NoError(t, w.Insert(ctx, table.Row{1, "a"}))
	require.NoError(t, w.Insert(ctx, table.Row{2, "b"}))
	require.Equal(t, []table.PartitionID{1}, partitionIDs(w))

	faulty.FailDeletes(1)
	n, err := w.Delete(ctx, predicate.Equal("id", 1))
	assert.ErrorIs(t, err, core.ErrIOFailure)
	assert.Equal(t, 1, n)
	assert.Equal(t, []table.PartitionID{2}, partitionIDs(w))
	assert.Equal(t, []table.Row{{int64(2), "b"}}, queryRows(t, w, predicate.All()))

	stored, err := faulty.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []table.PartitionID{1, 2}, stored)

	faulty.Heal()
	n, err = w.Delete(ctx, predicate.Equal("id", 7))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	stored, err = faulty.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []table.PartitionID{2}, stored)
}

func partitionIDs(w *Warehouse) []table.PartitionID {
	var ids []table.PartitionID
	for _, e := range w.Partitions() {
		ids = append(ids, e.ID)
	}
	return ids
}

func TestKeyedAPI(t *testing.T) {
	ctx := context.Background()
	w := open(t, afero.NewMemMapFs(), 2)
	for i := 1; i <= 3; i++ {
		require.NoError(t, w.AddData(ctx, map[string]any{"id": i, "val": fmt.Sprint(i)}))
	}
	require.NoError(t, w.UpdateData(ctx, "id", 2, map[string]any{"val": "two"}))
	require.NoError(t, w.DeleteData(ctx, "id", 3))

	got, err := w.QueryData(ctx, "id", []any{1, 2, 3, 42})
	require.NoError(t, err)
	assert.ElementsMatch(t, []map[string]any{
		{"id": int64(1), "val": "1"},
		{"id": int64(2), "val": "two"},
	}, got)

	got, err = w.QueryData(ctx, "id", nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestExplainAndSnapshot(t *testing.T) {
	ctx := context.Background()
	w := open(t, afero.NewMemMapFs(), 2)
	for i := 1; i <= 5; i++ {
		require.NoError(t, w.Insert(ctx, table.Row{i, "v"}))
	}
	plan, err := w.Explain(ctx, predicate.Equal("id", 4))
	require.NoError(t, err)
	assert.Equal(t, 2, plan.Prune.Total)
	assert.Len(t, plan.Prune.Candidates, 1)
	assert.Equal(t, 1, plan.Buffered)

	snap := w.Snapshot()
	assert.Len(t, snap.Files, 2)
	assert.Equal(t, 1, snap.Buffered.Len())
}
