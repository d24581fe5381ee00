// Package sqlquery runs ad-hoc SQL over the warehouse with DuckDB. The
// partition files are read with read_parquet and the buffered rows are
// loaded into a temporary table, so results include every inserted row.
package sqlquery

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/gigapi/gigapi-warehouse/core"
	"github.com/gigapi/gigapi-warehouse/table"
	"github.com/gigapi/gigapi-warehouse/warehouse"
)

// Source is the data a Client queries
type Source interface {
	Schema() *table.Schema
	Snapshot() warehouse.Snapshot
}

// Client handles rewriting SQL and querying the partition files
type Client struct {
	DB        *sql.DB
	TableName string
	source    Source
	seq       atomic.Uint64
}

func NewClient(source Source, tableName string) *Client {
	if tableName == "" {
		tableName = "warehouse"
	}
	return &Client{TableName: tableName, source: source}
}

// Initialize sets up the DuckDB connection
func (c *Client) Initialize() error {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return fmt.Errorf("failed to initialize DuckDB: %v", err)
	}
	c.DB = db
	return nil
}

var (
	spacesRe = regexp.MustCompile(`\s+`)
	fromRe   = regexp.MustCompile(`(?i)\bFROM\s+(?:(\w+)\.)?(\w+)\b`)
)

// CleanQuery collapses whitespace
func CleanQuery(query string) string {
	return strings.TrimSpace(spacesRe.ReplaceAllString(query, " "))
}

// RewriteQuery replaces references to tableName in the FROM clauses of
// query with the given files and buffer table
func RewriteQuery(query, tableName string, files []string, bufferTable string) (string, error) {
	var src string
	switch {
	case len(files) == 0 && bufferTable == "":
		return "", fmt.Errorf("no data to query")
	case len(files) == 0:
		src = bufferTable
	default:
		quoted := make([]string, len(files))
		for i, f := range files {
			quoted[i] = "'" + strings.ReplaceAll(f, "'", "''") + "'"
		}
		src = fmt.Sprintf("read_parquet([%s])", strings.Join(quoted, ", "))
		if bufferTable != "" {
			src = fmt.Sprintf("(SELECT * FROM %s UNION ALL BY NAME SELECT * FROM %s)", bufferTable, src)
		}
	}

	found := false
	out := fromRe.ReplaceAllStringFunc(query, func(m string) string {
		sub := fromRe.FindStringSubmatch(m)
		if !strings.EqualFold(sub[2], tableName) {
			return m
		}
		found = true
		return "FROM " + src + " AS " + tableName
	})
	if !found {
		return "", fmt.Errorf("invalid query: FROM %s not found", tableName)
	}
	return out, nil
}

func sqlType(t table.Type) string {
	switch t {
	case table.Int64:
		return "BIGINT"
	case table.Float64:
		return "DOUBLE"
	case table.Bool:
		return "BOOLEAN"
	}
	return "VARCHAR"
}

// Query executes a SQL query against the current warehouse snapshot
func (c *Client) Query(ctx context.Context, query string) ([]map[string]any, error) {
	if c.DB == nil {
		return nil, fmt.Errorf("query client is not initialized")
	}
	query = CleanQuery(query)
	schema := c.source.Schema()

	switch strings.ToUpper(query) {
	case "SHOW TABLES":
		return []map[string]any{{"table_name": c.TableName}}, nil
	case "DESCRIBE " + strings.ToUpper(c.TableName), "SHOW COLUMNS":
		res := make([]map[string]any, 0, schema.Len())
		for _, col := range schema.Columns() {
			res = append(res, map[string]any{"column_name": col.Name, "column_type": col.Type.String()})
		}
		return res, nil
	}

	snap := c.source.Snapshot()
	start := time.Now()

	conn, err := c.DB.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %v", err)
	}
	defer conn.Close()

	bufferTable := ""
	if snap.Buffered.Len() > 0 {
		bufferTable = fmt.Sprintf("buffered_%d", c.seq.Add(1))
		if err := c.loadBuffer(ctx, conn, bufferTable, schema, snap.Buffered); err != nil {
			return nil, err
		}
		defer conn.ExecContext(context.WithoutCancel(ctx), "DROP TABLE IF EXISTS "+bufferTable)
	}
	if len(snap.Files) == 0 && bufferTable == "" {
		return []map[string]any{}, nil
	}

	duckdbQuery, err := RewriteQuery(query, c.TableName, snap.Files, bufferTable)
	if err != nil {
		return nil, err
	}
	core.Debugf(ctx, "rewritten query: %s", duckdbQuery)

	rows, err := conn.QueryContext(ctx, duckdbQuery)
	if err != nil {
		return nil, fmt.Errorf("query execution failed: %v", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %v", err)
	}

	var result []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, fmt.Errorf("error scanning row: %v", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %v", err)
	}
	core.Infof(ctx, "sql query over %d files and %d buffered rows returned %d rows in %v",
		len(snap.Files), snap.Buffered.Len(), len(result), time.Since(start))
	return result, nil
}

func (c *Client) loadBuffer(ctx context.Context, conn *sql.Conn, name string, schema *table.Schema, b *table.Batch) error {
	cols := make([]string, schema.Len())
	marks := make([]string, schema.Len())
	for i, col := range schema.Columns() {
		cols[i] = fmt.Sprintf("%q %s", col.Name, sqlType(col.Type))
		marks[i] = "?"
	}
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("CREATE TEMP TABLE %s (%s)", name, strings.Join(cols, ", "))); err != nil {
		return fmt.Errorf("failed to create buffer table: %v", err)
	}
	stmt, err := conn.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s VALUES (%s)", name, strings.Join(marks, ", ")))
	if err != nil {
		return fmt.Errorf("failed to prepare buffer insert: %v", err)
	}
	defer stmt.Close()
	for _, r := range b.Rows {
		if _, err := stmt.ExecContext(ctx, r...); err != nil {
			return fmt.Errorf("failed to load buffered row: %v", err)
		}
	}
	return nil
}

// Close releases resources
func (c *Client) Close() error {
	if c.DB != nil {
		return c.DB.Close()
	}
	return nil
}
