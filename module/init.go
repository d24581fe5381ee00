package module

import (
	"context"
	"net/http"

	"github.com/gigapi/gigapi-config/config"
	"github.com/gigapi/gigapi/v2/modules"

	"github.com/gigapi/gigapi-warehouse/core"
	"github.com/gigapi/gigapi-warehouse/metrics"
	"github.com/gigapi/gigapi-warehouse/settings"
)

var service *Service

func WithNoError(hndl func(w http.ResponseWriter, r *http.Request),
) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		hndl(w, r)
		return nil
	}
}

// Init registers the warehouse routes on a gigapi instance
func Init(api modules.Api) {
	if config.Config.Gigapi.Mode != "writeonly" && config.Config.Gigapi.Mode != "aio" {
		return
	}
	ctx := core.WithDefaultLogger(context.Background(), "warehouse-module")
	s, err := settings.Load("", settings.RootDir(config.Config.Gigapi.Root))
	if err != nil {
		panic(err)
	}
	service, err = NewService(ctx, s, nil, metrics.Default())
	if err != nil {
		panic(err)
	}

	srv := service.HTTP
	routes := []struct {
		path    string
		methods []string
		handler func(w http.ResponseWriter, r *http.Request)
	}{
		{"/warehouse/insert", []string{"POST", "OPTIONS"}, srv.HandleInsert},
		{"/warehouse/query", []string{"POST", "OPTIONS"}, srv.HandleQuery},
		{"/warehouse/update", []string{"POST", "OPTIONS"}, srv.HandleUpdate},
		{"/warehouse/delete", []string{"POST", "OPTIONS"}, srv.HandleDelete},
		{"/warehouse/flush", []string{"POST", "OPTIONS"}, srv.HandleFlush},
		{"/warehouse/partitions", []string{"GET", "OPTIONS"}, srv.HandlePartitions},
		{"/warehouse/partitions/explain", []string{"POST", "OPTIONS"}, srv.HandleExplain},
		{"/warehouse/partitions/parquet", []string{"GET", "HEAD", "OPTIONS"}, srv.HandleParquet},
	}
	for _, r := range routes {
		api.RegisterRoute(&modules.Route{
			Path:    r.path,
			Methods: r.methods,
			Handler: WithNoError(r.handler),
		})
	}
}

// Close flushes the buffered rows of the registered warehouse. The host
// calls it on shutdown.
func Close() {
	if service == nil {
		return
	}
	if err := service.Close(); err != nil {
		core.Errorf(context.Background(), "failed to close warehouse: %v", err)
	}
	service = nil
}
