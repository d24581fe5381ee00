// server.go
package querier

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"

	"github.com/gigapi/gigapi-warehouse/core"
	"github.com/gigapi/gigapi-warehouse/predicate"
	"github.com/gigapi/gigapi-warehouse/sqlquery"
	"github.com/gigapi/gigapi-warehouse/warehouse"
)

// Server represents the API server
type Server struct {
	Warehouse *warehouse.Warehouse
	// SQL is nil when the partitions are not on a local filesystem
	SQL *sqlquery.Client
	// Fs holds the partition files served by HandleParquet
	Fs afero.Fs
}

// NewServer creates a new server instance
func NewServer(w *warehouse.Warehouse, sql *sqlquery.Client, fs afero.Fs) *Server {
	return &Server{Warehouse: w, SQL: sql, Fs: fs}
}

// QueryRequest represents a query API request. Either Query (SQL) or
// Where (a predicate) is used.
type QueryRequest struct {
	Query  string          `json:"query,omitempty"`
	Where  json.RawMessage `json:"where,omitempty"`
	Format string          `json:"format,omitempty"`
}

// MutationRequest represents an update or delete API request
type MutationRequest struct {
	Where json.RawMessage `json:"where"`
	Set   map[string]any  `json:"set,omitempty"`
}

// QueryResponse represents a query API response
type QueryResponse struct {
	Results []map[string]interface{} `json:"results"`
}

type MutationResponse struct {
	Affected int    `json:"affected"`
	Error    string `json:"error,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

var reqId int32

// addCORSHeaders adds CORS headers to the response
func addCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

// preamble handles CORS and the allowed methods. It returns false when the
// request has been answered.
func preamble(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	addCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return false
	}
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	return false
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrSchemaMismatch):
		return http.StatusBadRequest
	case errors.Is(err, warehouse.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, core.ErrIOFailure):
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}

func newReqContext(r *http.Request) *http.Request {
	ctx := core.WithDefaultLogger(r.Context(), fmt.Sprintf("req-%d", atomic.AddInt32(&reqId, 1)))
	return r.WithContext(ctx)
}

// HandleInsert Handles the /insert endpoint. The body is a JSON object or
// an array of objects, one per row.
func (s *Server) HandleInsert(w http.ResponseWriter, r *http.Request) {
	if !preamble(w, r, http.MethodPost) {
		return
	}
	r = newReqContext(r)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		sendErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	var rows []map[string]any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '{' {
		var row map[string]any
		err = dec.Decode(&row)
		rows = append(rows, row)
	} else {
		err = dec.Decode(&rows)
	}
	if err != nil {
		sendErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	inserted := 0
	for _, row := range rows {
		if err := s.Warehouse.InsertMap(r.Context(), row); err != nil {
			core.Errorf(r.Context(), "insert failed after %d rows: %v", inserted, err)
			sendJSON(w, statusFor(err), map[string]any{"inserted": inserted, "error": err.Error()})
			return
		}
		inserted++
	}
	sendJSON(w, http.StatusOK, map[string]any{"inserted": inserted})
}

// HandleQuery Handles the /query endpoint
func (s *Server) HandleQuery(w http.ResponseWriter, r *http.Request) {
	if !preamble(w, r, http.MethodPost) {
		return
	}
	r = newReqContext(r)
	ctx := r.Context()

	// Parse request body
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	formatter, err := resultFormat(r, req.Format)
	if err != nil {
		sendErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	var results []map[string]any
	if req.Query != "" {
		if s.SQL == nil {
			sendErrorResponse(w, "SQL queries are not available for this warehouse", http.StatusBadRequest)
			return
		}
		res, err := s.SQL.Query(ctx, req.Query)
		if err != nil {
			sendErrorResponse(w, err.Error(), http.StatusBadRequest)
			return
		}
		results = res
	} else {
		p, err := predicate.ParseJSON(req.Where)
		if err != nil {
			sendErrorResponse(w, err.Error(), http.StatusBadRequest)
			return
		}
		b, err := s.Warehouse.Query(ctx, p)
		if err != nil {
			sendErrorResponse(w, err.Error(), statusFor(err))
			return
		}
		results = b.Maps()
	}

	if err := formatter(results, w); err != nil {
		core.Errorf(ctx, "failed to write results: %v", err)
	}
}

func (s *Server) decodeMutation(w http.ResponseWriter, r *http.Request) (MutationRequest, predicate.Predicate, bool) {
	var req MutationRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		sendErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return req, predicate.Predicate{}, false
	}
	if len(req.Where) == 0 {
		sendErrorResponse(w, "Missing where parameter", http.StatusBadRequest)
		return req, predicate.Predicate{}, false
	}
	p, err := predicate.ParseJSON(req.Where)
	if err != nil {
		sendErrorResponse(w, err.Error(), http.StatusBadRequest)
		return req, predicate.Predicate{}, false
	}
	return req, p, true
}

func sendMutation(w http.ResponseWriter, affected int, err error) {
	if err != nil {
		sendJSON(w, statusFor(err), MutationResponse{Affected: affected, Error: err.Error()})
		return
	}
	sendJSON(w, http.StatusOK, MutationResponse{Affected: affected})
}

// HandleUpdate Handles the /update endpoint: {"where": ..., "set": {...}}
func (s *Server) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	if !preamble(w, r, http.MethodPost) {
		return
	}
	r = newReqContext(r)
	req, p, ok := s.decodeMutation(w, r)
	if !ok {
		return
	}
	if len(req.Set) == 0 {
		sendErrorResponse(w, "Missing set parameter", http.StatusBadRequest)
		return
	}
	n, err := s.Warehouse.Set(r.Context(), p, req.Set)
	sendMutation(w, n, err)
}

// HandleDelete Handles the /delete endpoint: {"where": ...}
func (s *Server) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if !preamble(w, r, http.MethodPost) {
		return
	}
	r = newReqContext(r)
	_, p, ok := s.decodeMutation(w, r)
	if !ok {
		return
	}
	n, err := s.Warehouse.Delete(r.Context(), p)
	sendMutation(w, n, err)
}

// HandleFlush writes the buffered rows to a partition
func (s *Server) HandleFlush(w http.ResponseWriter, r *http.Request) {
	if !preamble(w, r, http.MethodPost) {
		return
	}
	r = newReqContext(r)
	if err := s.Warehouse.Flush(r.Context()); err != nil {
		sendErrorResponse(w, err.Error(), statusFor(err))
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{
		"partitions": len(s.Warehouse.Partitions()),
		"buffered":   s.Warehouse.BufferedRows(),
	})
}

// HandlePartitions lists the partition catalog
func (s *Server) HandlePartitions(w http.ResponseWriter, r *http.Request) {
	if !preamble(w, r, http.MethodGet) {
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{
		"schema":     s.Warehouse.Schema().String(),
		"buffered":   s.Warehouse.BufferedRows(),
		"partitions": s.Warehouse.Partitions(),
	})
}

// HandleExplain reports which partitions survive pruning for a predicate
func (s *Server) HandleExplain(w http.ResponseWriter, r *http.Request) {
	if !preamble(w, r, http.MethodPost) {
		return
	}
	r = newReqContext(r)
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		sendErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	p, err := predicate.ParseJSON(req.Where)
	if err != nil {
		sendErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	plan, err := s.Warehouse.Explain(r.Context(), p)
	if err != nil {
		sendErrorResponse(w, err.Error(), statusFor(err))
		return
	}
	sendJSON(w, http.StatusOK, plan)
}

func sendJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// Send an error response in JSON format
func sendErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	sendJSON(w, statusCode, ErrorResponse{
		Error: message,
	})
}

// Health check endpoint
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if !preamble(w, r, http.MethodGet) {
		return
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"partitions": len(s.Warehouse.Partitions()),
		"timestamp":  time.Now().Format(time.RFC3339),
	})
}

// Routes registers the handlers on mux
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.HandleHealth)
	mux.HandleFunc("/insert", s.HandleInsert)
	mux.HandleFunc("/query", s.HandleQuery)
	mux.HandleFunc("/update", s.HandleUpdate)
	mux.HandleFunc("/delete", s.HandleDelete)
	mux.HandleFunc("/flush", s.HandleFlush)
	mux.HandleFunc("/partitions", s.HandlePartitions)
	mux.HandleFunc("/partitions/explain", s.HandleExplain)
	mux.HandleFunc("/partitions/parquet", s.HandleParquet)
}

// Close the server and release resources
func (s *Server) Close() error {
	if s.SQL != nil {
		return s.SQL.Close()
	}
	return nil
}
