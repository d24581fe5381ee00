// Package settings loads the warehouse settings from the environment and
// an optional config file.
package settings

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/gigapi/gigapi-warehouse/table"
)

const (
	DefaultPartitionSize = 1000
	DefaultSchema        = "id,name,address,email"
	DefaultCompression   = "zstd"
	DefaultParallelism   = 4
	DefaultTable         = "warehouse"
)

// Settings of one warehouse instance. Environment variables use the
// WAREHOUSE_ prefix, e.g. WAREHOUSE_PARTITION_SIZE.
type Settings struct {
	PartitionSize   int    `mapstructure:"partition_size"`
	Schema          string `mapstructure:"schema"`
	Dir             string `mapstructure:"dir"`
	Compression     string `mapstructure:"compression"`
	ReadParallelism int    `mapstructure:"read_parallelism"`
	Table           string `mapstructure:"table"`
}

// Load reads the settings. file may be empty. rootDir is the data root
// used when no warehouse directory is configured.
func Load(file, rootDir string) (*Settings, error) {
	v := viper.New()
	v.SetEnvPrefix("warehouse")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("partition_size", DefaultPartitionSize)
	v.SetDefault("schema", DefaultSchema)
	v.SetDefault("dir", filepath.Join(rootDir, "warehouse"))
	v.SetDefault("compression", DefaultCompression)
	v.SetDefault("read_parallelism", DefaultParallelism)
	v.SetDefault("table", DefaultTable)

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read settings %s: %w", file, err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Settings) Validate() error {
	if s.PartitionSize < 1 {
		return fmt.Errorf("partition_size must be positive, got %d", s.PartitionSize)
	}
	if _, err := s.ParsedSchema(); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	if s.Dir == "" {
		return fmt.Errorf("dir is required")
	}
	return nil
}

func (s *Settings) ParsedSchema() (*table.Schema, error) {
	return table.ParseSchema(s.Schema)
}

// RootDir returns DATA_DIR when set, else fallback, else ./data
func RootDir(fallback string) string {
	if dir := os.Getenv("DATA_DIR"); dir != "" {
		return dir
	}
	if fallback != "" {
		return fallback
	}
	return "./data"
}
