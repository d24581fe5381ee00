package buffer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigapi/gigapi-warehouse/core"
	"github.com/gigapi/gigapi-warehouse/table"
)

var schema = table.MustSchema(
	table.Column{Name: "id", Type: table.Int64},
	table.Column{Name: "val", Type: table.String},
)

type recorder struct {
	flushed []*table.Batch
	err     error
}

func (r *recorder) flush(_ context.Context, b *table.Batch) error {
	if r.err != nil {
		return r.err
	}
	r.flushed = append(r.flushed, b)
	return nil
}

func TestFlushAtPartitionSize(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	b, err := New(schema, 3, rec.flush, nil)
	require.NoError(t, err)

	require.NoError(t, b.Insert(ctx, table.Row{1, "a"}))
	require.NoError(t, b.Insert(ctx, table.Row{2, "b"}))
	assert.Empty(t, rec.flushed)
	require.NoError(t, b.Insert(ctx, table.Row{3, "c"}))

	require.Len(t, rec.flushed, 1)
	assert.Equal(t, 3, rec.flushed[0].Len())
	assert.Equal(t, int64(1), rec.flushed[0].Rows[0][0], "rows are normalized")
	assert.Equal(t, 0, b.Len())

	require.NoError(t, b.Insert(ctx, table.Row{4, "d"}))
	assert.Equal(t, []table.Row{{int64(4), "d"}}, b.Snapshot().Rows)
}

func TestInsertRejectsMismatch(t *testing.T) {
	rec := &recorder{}
	b, err := New(schema, 2, rec.flush, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, b.Insert(context.Background(), table.Row{"x", "a"}), core.ErrSchemaMismatch)
	assert.ErrorIs(t, b.Insert(context.Background(), table.Row{1}), core.ErrSchemaMismatch)
	assert.Equal(t, 0, b.Len())
}

func TestFailedFlushWithdrawsRow(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	b, err := New(schema, 2, rec.flush, nil)
	require.NoError(t, err)
	require.NoError(t, b.Insert(ctx, table.Row{1, "a"}))

	rec.err = core.NewIOError("write", 0, errors.New("disk full"))
	assert.ErrorIs(t, b.Insert(ctx, table.Row{2, "b"}), core.ErrIOFailure)
	assert.Equal(t, []table.Row{{int64(1), "a"}}, b.Snapshot().Rows)

	rec.err = nil
	require.NoError(t, b.Insert(ctx, table.Row{2, "b"}))
	require.Len(t, rec.flushed, 1)
	assert.Equal(t, 0, b.Len())
}

func TestExplicitFlush(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	b, err := New(schema, 10, rec.flush, nil)
	require.NoError(t, err)

	require.NoError(t, b.Flush(ctx))
	assert.Empty(t, rec.flushed, "empty buffer is not flushed")

	require.NoError(t, b.Insert(ctx, table.Row{1, "a"}))
	require.NoError(t, b.Flush(ctx))
	require.Len(t, rec.flushed, 1)
	assert.Equal(t, 1, rec.flushed[0].Len())
	assert.Equal(t, 0, b.Len())
}

func TestMutate(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	b, err := New(schema, 10, rec.flush, nil)
	require.NoError(t, err)
	require.NoError(t, b.Insert(ctx, table.Row{1, "a"}))
	require.NoError(t, b.Insert(ctx, table.Row{2, "b"}))

	require.NoError(t, b.Mutate(func(in *table.Batch) (*table.Batch, error) {
		return table.NewBatch(schema, in.Rows[1]), nil
	}))
	assert.Equal(t, []table.Row{{int64(2), "b"}}, b.Snapshot().Rows)

	boom := errors.New("boom")
	assert.ErrorIs(t, b.Mutate(func(*table.Batch) (*table.Batch, error) { return nil, boom }), boom)
	assert.Equal(t, 1, b.Len())
}

func TestNewRejectsBadSize(t *testing.T) {
	_, err := New(schema, 0, (&recorder{}).flush, nil)
	assert.Error(t, err)
}
