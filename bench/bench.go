// Package bench times the keyed operations of warehouse implementations
// against the same generated data set.
package bench

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"strconv"
	"time"

	"github.com/gigapi/gigapi-warehouse/core"
)

// Target is one warehouse under test
type Target struct {
	Name      string
	Warehouse core.DataWarehouse
}

type Config struct {
	Rows    int
	Updates int
	Queries int
	Deletes int
	Seed    int64
}

func DefaultConfig(rows int) Config {
	return Config{Rows: rows, Updates: 100, Queries: 100, Deletes: 1000, Seed: time.Now().UnixNano()}
}

// Timing is the total and per call duration of one operation
type Timing struct {
	Op    string
	Calls int
	Total time.Duration
}

func (t Timing) Avg() time.Duration {
	if t.Calls == 0 {
		return 0
	}
	return t.Total / time.Duration(t.Calls)
}

type Result struct {
	Target  string
	Timings []Timing
}

var (
	firstNames = []string{"Ada", "Alan", "Barbara", "Dennis", "Edsger", "Frances", "Grace", "John", "Ken", "Margaret", "Niklaus", "Radia"}
	lastNames  = []string{"Allen", "Hamilton", "Hopper", "Kernighan", "Knuth", "Liskov", "Lovelace", "Perlman", "Ritchie", "Thompson", "Turing", "Wirth"}
	streets    = []string{"Main St", "Oak Ave", "Pine Rd", "Maple Dr", "Cedar Ln", "Elm St"}
	cities     = []string{"Springfield", "Riverside", "Fairview", "Franklin", "Greenville", "Madison"}
	domains    = []string{"example.com", "example.org", "example.net"}
)

func pick(rng *rand.Rand, s []string) string { return s[rng.Intn(len(s))] }

// Generate returns n rows of the id,name,address,email schema with ids
// "1" to "n"
func Generate(rng *rand.Rand, n int) []map[string]any {
	rows := make([]map[string]any, n)
	for i := range rows {
		first, last := pick(rng, firstNames), pick(rng, lastNames)
		rows[i] = map[string]any{
			"id":   strconv.Itoa(i + 1),
			"name": first + " " + last,
			"address": fmt.Sprintf("%d %s\n%s, %05d",
				1+rng.Intn(9999), pick(rng, streets), pick(rng, cities), rng.Intn(100000)),
			"email": fmt.Sprintf("%s.%s%d@%s", first, last, rng.Intn(100), pick(rng, domains)),
		}
	}
	return rows
}

func measure(op string, calls int, fn func() error) (Timing, error) {
	start := time.Now()
	err := fn()
	return Timing{Op: op, Calls: calls, Total: time.Since(start)}, err
}

// Run inserts the generated rows into every target, then updates,
// queries and deletes random keys. Queries and deletes include keys
// that do not exist.
func Run(ctx context.Context, cfg Config, targets []Target, out io.Writer) ([]Result, error) {
	rng := rand.New(rand.NewSource(cfg.Seed))
	fmt.Fprintf(out, "Generating %d rows of fake data...\n", cfg.Rows)
	data := Generate(rng, cfg.Rows)

	updates := make([]map[string]any, 0, cfg.Updates)
	for _, i := range rng.Perm(cfg.Rows)[:min(cfg.Updates, cfg.Rows)] {
		key := strconv.Itoa(i + 1)
		updates = append(updates, map[string]any{
			"id": key, "name": "Updated-" + key, "address": "Updated-" + key, "email": "Updated-" + key,
		})
	}
	queries := make([][]any, cfg.Queries)
	for i := range queries {
		queries[i] = make([]any, i)
		for j := range queries[i] {
			queries[i][j] = strconv.Itoa(1 + rng.Intn(cfg.Rows*2))
		}
	}
	deletes := make([]string, cfg.Deletes)
	for i := range deletes {
		deletes[i] = strconv.Itoa(1 + rng.Intn(cfg.Rows*2))
	}

	steps := []struct {
		op    string
		calls int
		run   func(w core.DataWarehouse) error
	}{
		{"insert", len(data), func(w core.DataWarehouse) error {
			for _, row := range data {
				if err := w.AddData(ctx, row); err != nil {
					return err
				}
			}
			return nil
		}},
		{"update", len(updates), func(w core.DataWarehouse) error {
			for _, row := range updates {
				if err := w.UpdateData(ctx, "id", row["id"], row); err != nil {
					return err
				}
			}
			return nil
		}},
		{"query", len(queries), func(w core.DataWarehouse) error {
			for _, keys := range queries {
				if _, err := w.QueryData(ctx, "id", keys); err != nil {
					return err
				}
			}
			return nil
		}},
		{"delete", len(deletes), func(w core.DataWarehouse) error {
			for _, key := range deletes {
				if err := w.DeleteData(ctx, "id", key); err != nil {
					return err
				}
			}
			return nil
		}},
	}

	results := make([]Result, len(targets))
	for i, t := range targets {
		results[i].Target = t.Name
	}
	for _, step := range steps {
		fmt.Fprintf(out, "\nTesting %s operations...\n", step.op)
		for i, t := range targets {
			timing, err := measure(step.op, step.calls, func() error { return step.run(t.Warehouse) })
			if err != nil {
				return results, fmt.Errorf("%s %s: %w", t.Name, step.op, err)
			}
			results[i].Timings = append(results[i].Timings, timing)
			fmt.Fprintf(out, "%s: %d %s calls in %v (avg: %v per call)\n",
				t.Name, timing.Calls, timing.Op, timing.Total, timing.Avg())
			core.Debugf(ctx, "bench %s %s: %v", t.Name, step.op, timing.Total)
		}
	}
	return results, nil
}
