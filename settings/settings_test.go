package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	s, err := Load("", "/data")
	require.NoError(t, err)
	assert.Equal(t, DefaultPartitionSize, s.PartitionSize)
	assert.Equal(t, filepath.Join("/data", "warehouse"), s.Dir)
	schema, err := s.ParsedSchema()
	require.NoError(t, err)
	assert.Equal(t, "id:string,name:string,address:string,email:string", schema.String())
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("WAREHOUSE_PARTITION_SIZE", "3")
	t.Setenv("WAREHOUSE_SCHEMA", "id:int,val")
	t.Setenv("WAREHOUSE_COMPRESSION", "snappy")

	s, err := Load("", "/data")
	require.NoError(t, err)
	assert.Equal(t, 3, s.PartitionSize)
	assert.Equal(t, "snappy", s.Compression)
	schema, err := s.ParsedSchema()
	require.NoError(t, err)
	assert.Equal(t, "id:int64,val:string", schema.String())
}

func TestConfigFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "warehouse.yaml")
	require.NoError(t, os.WriteFile(file, []byte("partition_size: 50\ntable: events\n"), 0o644))

	s, err := Load(file, "/data")
	require.NoError(t, err)
	assert.Equal(t, 50, s.PartitionSize)
	assert.Equal(t, "events", s.Table)
}

func TestInvalid(t *testing.T) {
	t.Setenv("WAREHOUSE_PARTITION_SIZE", "0")
	_, err := Load("", "/data")
	assert.Error(t, err)
}

func TestRootDir(t *testing.T) {
	t.Setenv("DATA_DIR", "")
	assert.Equal(t, "./data", RootDir(""))
	assert.Equal(t, "/cfg", RootDir("/cfg"))
	t.Setenv("DATA_DIR", "/env")
	assert.Equal(t, "/env", RootDir("/cfg"))
}
