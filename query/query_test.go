package query

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigapi/gigapi-warehouse/catalog"
	"github.com/gigapi/gigapi-warehouse/compute"
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

type fixture struct {
	cat    *catalog.Catalog
	store  *storetest.Faulty
	engine *Engine
}

func newFixture(t *testing.T, partitions ...[]table.Row) *fixture {
	t.Helper()
	ctx := context.Background()
	fs, err := store.Open(ctx, store.Options{Fs: afero.NewMemMapFs(), Dir: "/q", Schema: schema})
	require.NoError(t, err)
	f := &fixture{cat: catalog.New(nil), store: storetest.New(fs)}
	for _, rows := range partitions {
		id, st, err := f.store.WritePartition(ctx, table.NewBatch(schema, rows...))
		require.NoError(t, err)
		require.NoError(t, f.cat.Add(catalog.Entry{ID: id, Path: fs.Path(id), Stats: st}))
	}
	f.engine = New(schema, f.cat, f.store, compute.Vectorized{}, 2)
	return f
}

func TestQueryOrdersBufferThenPartitions(t *testing.T) {
	f := newFixture(t,
		[]table.Row{{int64(1), "a"}, {int64(2), "b"}},
		[]table.Row{{int64(3), "c"}, {int64(4), "d"}},
		[]table.Row{{int64(5), "e"}},
	)
	buffered := table.NewBatch(schema, table.Row{int64(6), "f"}, table.Row{int64(0), "z"})

	out, err := f.engine.Query(context.Background(), predicate.All(), buffered)
	require.NoError(t, err)
	assert.Equal(t, []table.Row{
		{int64(6), "f"}, {int64(0), "z"},
		{int64(1), "a"}, {int64(2), "b"},
		{int64(3), "c"}, {int64(4), "d"},
		{int64(5), "e"},
	}, out.Rows)
}

func TestQueryReadsOnlySurvivingPartitions(t *testing.T) {
	f := newFixture(t,
		[]table.Row{{int64(1), "a"}, {int64(2), "b"}, {int64(3), "c"}},
		[]table.Row{{int64(10), "x"}},
	)
	buffered := table.NewBatch(schema, table.Row{int64(4), "d"})

	out, err := f.engine.Query(context.Background(), predicate.Equal("id", 2), buffered)
	require.NoError(t, err)
	assert.Equal(t, []table.Row{{int64(2), "b"}}, out.Rows)
	assert.Equal(t, 1, f.store.Reads)
}

func TestQuerySurfacesReadFailure(t *testing.T) {
	f := newFixture(t,
		[]table.Row{{int64(1), "a"}},
		[]table.Row{{int64(2), "b"}},
	)
	f.store.FailReads(2)

	_, err := f.engine.Query(context.Background(), predicate.All(), nil)
	assert.ErrorIs(t, err, core.ErrIOFailure)
}

func TestQueryRejectsUnknownColumn(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Query(context.Background(), predicate.Equal("nope", 1), nil)
	assert.ErrorIs(t, err, core.ErrSchemaMismatch)
}

func TestExplain(t *testing.T) {
	f := newFixture(t,
		[]table.Row{{int64(1), "a"}, {int64(3), "c"}},
		[]table.Row{{int64(10), "x"}},
	)
	plan, err := f.engine.Explain(context.Background(), predicate.Greater("id", 5), 7)
	require.NoError(t, err)
	assert.Equal(t, []table.PartitionID{2}, plan.Prune.Candidates)
	assert.Equal(t, 1, plan.Prune.Pruned())
	assert.Equal(t, 7, plan.Buffered)
	require.Len(t, plan.Entries, 1)
	assert.Equal(t, int64(1), plan.Entries[0].RowCount())
	assert.Equal(t, 0, f.store.Reads)
}
