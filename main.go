package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gigapi/gigapi-config/config"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/gigapi/gigapi-warehouse/bench"
	"github.com/gigapi/gigapi-warehouse/core"
	"github.com/gigapi/gigapi-warehouse/csvstore"
	"github.com/gigapi/gigapi-warehouse/metrics"
	"github.com/gigapi/gigapi-warehouse/module"
	"github.com/gigapi/gigapi-warehouse/querier"
	"github.com/gigapi/gigapi-warehouse/settings"
	"github.com/gigapi/gigapi-warehouse/table"
	"github.com/gigapi/gigapi-warehouse/warehouse"
)

func main() {
	config.InitConfig("")

	ctx := core.WithDefaultLogger(context.Background(), "main")
	// Add command line flags
	settingsFlag := flag.String("config", "", "Warehouse settings file (yaml, json or toml)")
	queryFlag := flag.String("query", "", "Execute a single SQL query and exit")
	benchFlag := flag.Int("bench", 0, "Benchmark the warehouse against a CSV file with N rows and exit")
	flag.Parse()

	s, err := settings.Load(*settingsFlag, settings.RootDir(config.Config.Gigapi.Root))
	if err != nil {
		log.Fatalf("Failed to load settings: %v", err)
	}

	if *benchFlag > 0 {
		if err := runBench(ctx, s, *benchFlag); err != nil {
			log.Fatalf("Benchmark failed: %v", err)
		}
		return
	}

	service, err := module.NewService(ctx, s, nil, metrics.Default())
	if err != nil {
		core.Errorf(ctx, "Failed to initialize warehouse: %v", err)
		os.Exit(1)
	}

	// If query flag is provided, execute query and exit
	if *queryFlag != "" {
		err := runQuery(ctx, service, *queryFlag)
		if cerr := service.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			log.Fatalf("Query error: %v", err)
		}
		return
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	err = serve(ctx, service, config.Config.Port, config.Config.FlightSqlPort)
	// the buffered rows are flushed here, after both servers stopped
	if cerr := service.Close(); cerr != nil {
		core.Errorf(ctx, "Failed to close warehouse: %v", cerr)
		if err == nil {
			err = cerr
		}
	}
	if err != nil {
		core.Errorf(ctx, "Server error: %v", err)
		os.Exit(1)
	}
	core.Infof(ctx, "Warehouse stopped")
}

func runQuery(ctx context.Context, service *module.Service, query string) error {
	if service.SQL == nil {
		return fmt.Errorf("SQL queries are not available")
	}
	results, err := service.SQL.Query(ctx, query)
	if err != nil {
		return err
	}
	processedResults := querier.ProcessResultsForJSON(results)
	jsonData, err := json.MarshalIndent(processedResults, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}
	fmt.Println(string(jsonData))
	return nil
}

// serve runs the HTTP and Flight servers until ctx is done or one of them
// fails, then stops both
func serve(ctx context.Context, service *module.Service, port, flightPort int) error {
	httpServer := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: service.Mux()}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		core.Infof(ctx, "Warehouse server running at http://localhost:%d", port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("main server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return querier.StartFlightServer(ctx, flightPort, service.Flight)
	})
	return g.Wait()
}

// runBench compares the warehouse with the naive CSV implementation. Both
// live in a scratch directory removed afterwards.
func runBench(ctx context.Context, s *settings.Settings, rows int) error {
	schema, err := table.ParseSchema(settings.DefaultSchema)
	if err != nil {
		return err
	}
	dir, err := os.MkdirTemp("", "warehouse-bench-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)
	fs := afero.NewBasePathFs(afero.NewOsFs(), dir)

	naive, err := csvstore.Open(fs, "/naive.csv", schema)
	if err != nil {
		return err
	}
	wh, err := warehouse.Open(ctx, warehouse.Options{
		Schema:          schema,
		PartitionSize:   s.PartitionSize,
		Dir:             "/partitions",
		Fs:              fs,
		Compression:     s.Compression,
		ReadParallelism: s.ReadParallelism,
	})
	if err != nil {
		return err
	}
	defer wh.Close()

	_, err = bench.Run(ctx, bench.DefaultConfig(rows), []bench.Target{
		{Name: "NaiveCSVWarehouse", Warehouse: naive},
		{Name: "DataWarehouse", Warehouse: wh},
	}, os.Stdout)
	return err
}
