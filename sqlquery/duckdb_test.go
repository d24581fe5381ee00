package sqlquery

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigapi/gigapi-warehouse/table"
	"github.com/gigapi/gigapi-warehouse/warehouse"
)

func TestQueryFilesAndBuffer(t *testing.T) {
	ctx := context.Background()
	schema := table.MustSchema(
		table.Column{Name: "id", Type: table.Int64},
		table.Column{Name: "val", Type: table.String},
	)
	w, err := warehouse.Open(ctx, warehouse.Options{
		Schema: schema, PartitionSize: 2, Fs: afero.NewOsFs(), Dir: t.TempDir(),
	})
	require.NoError(t, err)
	defer w.Close()

	c := NewClient(w, "")
	require.NoError(t, c.Initialize())
	defer c.Close()

	// nothing stored yet
	res, err := c.Query(ctx, "SELECT * FROM warehouse")
	require.NoError(t, err)
	assert.Empty(t, res)

	for i, v := range []string{"a", "b", "c"} {
		require.NoError(t, w.Insert(ctx, table.Row{int64(i + 1), v}))
	}
	require.Len(t, w.Partitions(), 1)
	require.Equal(t, 1, w.BufferedRows())

	res, err = c.Query(ctx, "SELECT id, val FROM warehouse ORDER BY id")
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{
		{"id": int64(1), "val": "a"},
		{"id": int64(2), "val": "b"},
		{"id": int64(3), "val": "c"},
	}, res)

	res, err = c.Query(ctx, "SELECT count(*) AS n FROM warehouse WHERE id > 1")
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{{"n": int64(2)}}, res)

	res, err = c.Query(ctx, "DESCRIBE warehouse")
	require.NoError(t, err)
	assert.Len(t, res, 2)

	_, err = c.Query(ctx, "SELECT * FROM other")
	assert.Error(t, err)
}
