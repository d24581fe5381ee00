package module

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"

	"github.com/gigapi/gigapi-warehouse/core"
	"github.com/gigapi/gigapi-warehouse/metrics"
	"github.com/gigapi/gigapi-warehouse/querier"
	"github.com/gigapi/gigapi-warehouse/settings"
	"github.com/gigapi/gigapi-warehouse/sqlquery"
	"github.com/gigapi/gigapi-warehouse/warehouse"
)

// Service is a warehouse together with the surfaces serving it
type Service struct {
	Settings  *settings.Settings
	Warehouse *warehouse.Warehouse
	SQL       *sqlquery.Client
	HTTP      *querier.Server
	Flight    *querier.FlightServer
}

// NewService opens the warehouse described by s on fs. A nil fs is the
// local filesystem, the only one DuckDB can read the partitions from.
func NewService(ctx context.Context, s *settings.Settings, fs afero.Fs, m *metrics.Metrics) (*Service, error) {
	schema, err := s.ParsedSchema()
	if err != nil {
		return nil, err
	}
	local := fs == nil
	if local {
		fs = afero.NewOsFs()
	}
	w, err := warehouse.Open(ctx, warehouse.Options{
		Schema:          schema,
		PartitionSize:   s.PartitionSize,
		Dir:             s.Dir,
		Fs:              fs,
		Compression:     s.Compression,
		ReadParallelism: s.ReadParallelism,
		Metrics:         m,
	})
	if err != nil {
		return nil, fmt.Errorf("open warehouse: %w", err)
	}

	var sql *sqlquery.Client
	if local {
		sql = sqlquery.NewClient(w, s.Table)
		if err := sql.Initialize(); err != nil {
			w.Close()
			return nil, err
		}
	} else {
		core.Warnf(ctx, "warehouse %s is not on the local filesystem, SQL queries are disabled", s.Dir)
	}

	core.Infof(ctx, "warehouse %s opened: schema %s, partition size %d, %d partitions",
		s.Dir, schema, s.PartitionSize, len(w.Partitions()))
	return &Service{
		Settings:  s,
		Warehouse: w,
		SQL:       sql,
		HTTP:      querier.NewServer(w, sql, fs),
		Flight:    querier.NewFlightServer(w, sql, s.Table),
	}, nil
}

// Mux returns the HTTP routes including /metrics
func (s *Service) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	s.HTTP.Routes(mux)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Close flushes the buffered rows and releases the SQL client and any
// uncollected Flight results
func (s *Service) Close() error {
	s.Flight.Release()
	err := s.Warehouse.Close()
	if cerr := s.HTTP.Close(); err == nil {
		err = cerr
	}
	return err
}
