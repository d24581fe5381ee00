package core

import (
	"context"
)

// DataWarehouse defines the keyed row interface shared by every warehouse
// implementation, including the naive CSV baseline used for comparison.
type DataWarehouse interface {
	// AddData adds a row given as column name to value
	AddData(ctx context.Context, data map[string]any) error

	// UpdateData overwrites the given columns of every row whose keyColumn equals keyValue
	UpdateData(ctx context.Context, keyColumn string, keyValue any, updated map[string]any) error

	// DeleteData removes every row whose keyColumn equals keyValue
	DeleteData(ctx context.Context, keyColumn string, keyValue any) error

	// QueryData returns the rows whose keyColumn matches any of keys
	QueryData(ctx context.Context, keyColumn string, keys []any) ([]map[string]any, error)

	// Close releases resources
	Close() error
}
