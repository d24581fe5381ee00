package querier

import (
	"context"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/flight"
	flightgen "github.com/apache/arrow/go/v14/arrow/flight/gen/flight"
	"github.com/apache/arrow/go/v14/arrow/ipc"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/gigapi/gigapi-warehouse/core"
	"github.com/gigapi/gigapi-warehouse/predicate"
	"github.com/gigapi/gigapi-warehouse/sqlquery"
	"github.com/gigapi/gigapi-warehouse/warehouse"
)

// FlightServer serves the warehouse over Arrow Flight.
//
// A PATH descriptor ["<table>"] scans every row, ["<table>", "<predicate
// json>"] filters them. A CMD descriptor holding a FlightSQL
// CommandStatementQuery runs SQL through the DuckDB client.
type FlightServer struct {
	flightgen.UnimplementedFlightServiceServer
	warehouse *warehouse.Warehouse
	sql       *sqlquery.Client
	table     string
	mem       memory.Allocator

	results     map[string]pendingResult
	resultsLock sync.RWMutex
	seq         atomic.Uint64

	// tickets not redeemed within ticketTTL are dropped, as are the
	// oldest ones beyond maxPending
	ticketTTL  time.Duration
	maxPending int
	now        func() time.Time
}

type pendingResult struct {
	rec     arrow.Record
	created time.Time
}

const (
	defaultTicketTTL  = 5 * time.Minute
	defaultMaxPending = 256
)

// NewFlightServer creates a Flight server instance. sql may be nil.
func NewFlightServer(w *warehouse.Warehouse, sql *sqlquery.Client, table string) *FlightServer {
	if table == "" {
		table = "warehouse"
	}
	return &FlightServer{
		warehouse: w,
		sql:       sql,
		table:     table,
		mem:       memory.DefaultAllocator,
		results:   make(map[string]pendingResult),

		ticketTTL:  defaultTicketTTL,
		maxPending: defaultMaxPending,
		now:        time.Now,
	}
}

func (s *FlightServer) tableDescriptor() *flight.FlightDescriptor {
	return &flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: []string{s.table}}
}

// ListFlights advertises the single table
func (s *FlightServer) ListFlights(criteria *flight.Criteria, stream flight.FlightService_ListFlightsServer) error {
	var rows int64
	for _, e := range s.warehouse.Partitions() {
		rows += e.RowCount()
	}
	rows += int64(s.warehouse.BufferedRows())
	return stream.Send(&flight.FlightInfo{
		FlightDescriptor: s.tableDescriptor(),
		Schema:           flight.SerializeSchema(s.warehouse.Schema().ArrowSchema(), s.mem),
		TotalRecords:     rows,
		TotalBytes:       -1,
	})
}

// Handshake echoes back any handshake request
func (s *FlightServer) Handshake(stream flight.FlightService_HandshakeServer) error {
	for {
		req, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := stream.Send(&flight.HandshakeResponse{Payload: req.Payload}); err != nil {
			return err
		}
	}
}

// GetSchema returns the table schema for a PATH descriptor
func (s *FlightServer) GetSchema(ctx context.Context, desc *flight.FlightDescriptor) (*flight.SchemaResult, error) {
	if desc.Type != flight.DescriptorPATH {
		return nil, status.Error(codes.Unimplemented, "schema requests are only supported for path descriptors")
	}
	if _, err := s.pathPredicate(desc.Path); err != nil {
		return nil, err
	}
	return &flight.SchemaResult{
		Schema: flight.SerializeSchema(s.warehouse.Schema().ArrowSchema(), s.mem),
	}, nil
}

func (s *FlightServer) pathPredicate(path []string) (predicate.Predicate, error) {
	if len(path) == 0 || len(path) > 2 || path[0] != s.table {
		return predicate.Predicate{}, status.Errorf(codes.NotFound, "unknown flight path %v", path)
	}
	if len(path) == 1 {
		return predicate.All(), nil
	}
	p, err := predicate.ParseJSON([]byte(path[1]))
	if err != nil {
		return predicate.Predicate{}, status.Error(codes.InvalidArgument, err.Error())
	}
	return p, nil
}

// statementQuery extracts the SQL text of a FlightSQL CommandStatementQuery
func statementQuery(cmd []byte) (string, error) {
	var msg anypb.Any
	if err := proto.Unmarshal(cmd, &msg); err != nil {
		return "", status.Errorf(codes.InvalidArgument, "failed to unmarshal command: %v", err)
	}
	var stmt flightgen.CommandStatementQuery
	if !msg.MessageIs(&stmt) {
		return "", status.Errorf(codes.Unimplemented, "unsupported command %s", msg.TypeUrl)
	}
	if err := msg.UnmarshalTo(&stmt); err != nil {
		return "", status.Errorf(codes.InvalidArgument, "failed to unmarshal command: %v", err)
	}
	return sqlquery.CleanQuery(stmt.GetQuery()), nil
}

// GetFlightInfo runs the query and keeps the record until DoGet collects it
func (s *FlightServer) GetFlightInfo(ctx context.Context, desc *flight.FlightDescriptor) (*flight.FlightInfo, error) {
	ctx = core.WithDefaultLogger(ctx, fmt.Sprintf("flight-%d", atomic.AddInt32(&reqId, 1)))

	var rec arrow.Record
	switch desc.Type {
	case flight.DescriptorPATH:
		p, err := s.pathPredicate(desc.Path)
		if err != nil {
			return nil, err
		}
		b, err := s.warehouse.Query(ctx, p)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		rec = b.Record(s.mem)
	case flight.DescriptorCMD:
		query, err := statementQuery(desc.Cmd)
		if err != nil {
			return nil, err
		}
		if s.sql == nil {
			return nil, status.Error(codes.Unimplemented, "SQL queries are not available for this warehouse")
		}
		core.Debugf(ctx, "flight sql query: %s", query)
		results, err := s.sql.Query(ctx, query)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "failed to execute query: %v", err)
		}
		rec, err = convertResultsToArrow(s.mem, results)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "failed to convert results to Arrow format: %v", err)
		}
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unsupported flight descriptor type: %v", desc.Type)
	}

	ticketID := fmt.Sprintf("query-%d", s.seq.Add(1))
	s.store(ctx, ticketID, rec)

	core.Debugf(ctx, "flight ticket %s holds %d records", ticketID, rec.NumRows())
	return &flight.FlightInfo{
		FlightDescriptor: desc,
		Endpoint:         []*flight.FlightEndpoint{{Ticket: &flight.Ticket{Ticket: []byte(ticketID)}}},
		Schema:           flight.SerializeSchema(rec.Schema(), s.mem),
		TotalRecords:     rec.NumRows(),
		TotalBytes:       -1,
	}, nil
}

// DoGet streams the record stored for the ticket and forgets it
func (s *FlightServer) DoGet(ticket *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	s.resultsLock.Lock()
	res, exists := s.results[string(ticket.Ticket)]
	delete(s.results, string(ticket.Ticket))
	s.resultsLock.Unlock()
	if exists && s.now().Sub(res.created) > s.ticketTTL {
		res.rec.Release()
		exists = false
	}
	if !exists {
		return status.Errorf(codes.NotFound, "no results found for ticket: %s", string(ticket.Ticket))
	}
	rec := res.rec
	defer rec.Release()

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		writer.Close()
		return fmt.Errorf("failed to write record batch: %w", err)
	}
	return writer.Close()
}

func (s *FlightServer) store(ctx context.Context, ticketID string, rec arrow.Record) {
	now := s.now()
	s.resultsLock.Lock()
	defer s.resultsLock.Unlock()
	for id, res := range s.results {
		if now.Sub(res.created) > s.ticketTTL {
			core.Debugf(ctx, "flight ticket %s expired", id)
			res.rec.Release()
			delete(s.results, id)
		}
	}
	for len(s.results) >= s.maxPending {
		oldest := ""
		for id, res := range s.results {
			if oldest == "" || res.created.Before(s.results[oldest].created) {
				oldest = id
			}
		}
		core.Debugf(ctx, "flight ticket %s evicted", oldest)
		s.results[oldest].rec.Release()
		delete(s.results, oldest)
	}
	s.results[ticketID] = pendingResult{rec: rec, created: now}
}

// Release drops every ticket not collected yet
func (s *FlightServer) Release() {
	s.resultsLock.Lock()
	defer s.resultsLock.Unlock()
	for id, res := range s.results {
		res.rec.Release()
		delete(s.results, id)
	}
}

// Pending returns the number of tickets not collected yet
func (s *FlightServer) Pending() int {
	s.resultsLock.RLock()
	defer s.resultsLock.RUnlock()
	return len(s.results)
}

// convertResultsToArrow converts SQL rows to a record. Columns are sorted
// by name; each column takes the type of its first non-null value.
func convertResultsToArrow(mem memory.Allocator, results []map[string]interface{}) (arrow.Record, error) {
	names := make([]string, 0)
	seen := make(map[string]bool)
	for _, row := range results {
		for k := range row {
			if !seen[k] {
				seen[k] = true
				names = append(names, k)
			}
		}
	}
	sort.Strings(names)

	fields := make([]arrow.Field, len(names))
	for i, name := range names {
		fields[i] = arrow.Field{Name: name, Type: inferTypeFromColumn(name, results), Nullable: true}
	}
	schema := arrow.NewSchema(fields, nil)

	rb := array.NewRecordBuilder(mem, schema)
	defer rb.Release()
	for i, field := range fields {
		fb := rb.Field(i)
		for _, row := range results {
			val := row[field.Name]
			if val == nil {
				fb.AppendNull()
				continue
			}
			switch b := fb.(type) {
			case *array.Int64Builder:
				n, ok := toInt64(val)
				if !ok {
					b.AppendNull()
					continue
				}
				b.Append(n)
			case *array.Float64Builder:
				f, ok := toFloat64(val)
				if !ok {
					b.AppendNull()
					continue
				}
				b.Append(f)
			case *array.BooleanBuilder:
				v, ok := val.(bool)
				if !ok {
					b.AppendNull()
					continue
				}
				b.Append(v)
			case *array.TimestampBuilder:
				t, ok := val.(time.Time)
				if !ok {
					b.AppendNull()
					continue
				}
				b.Append(arrow.Timestamp(t.UTC().UnixMicro()))
			case *array.StringBuilder:
				if raw, ok := val.([]byte); ok {
					b.Append(string(raw))
					continue
				}
				b.Append(fmt.Sprintf("%v", val))
			default:
				return nil, fmt.Errorf("column %s: unsupported builder %T", field.Name, fb)
			}
		}
	}
	return rb.NewRecord(), nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	}
	return 0, false
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	if i, ok := toInt64(v); ok {
		return float64(i), true
	}
	return 0, false
}

// inferTypeFromColumn attempts to infer the Arrow type for a column by looking at non-null values
func inferTypeFromColumn(columnName string, results []map[string]interface{}) arrow.DataType {
	for _, row := range results {
		switch row[columnName].(type) {
		case nil:
			continue
		case int, int8, int16, int32, int64, uint8, uint16, uint32, uint64:
			return arrow.PrimitiveTypes.Int64
		case float32, float64:
			return arrow.PrimitiveTypes.Float64
		case bool:
			return arrow.FixedWidthTypes.Boolean
		case time.Time:
			return &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}
		default:
			return arrow.BinaryTypes.String
		}
	}
	return arrow.BinaryTypes.String // Default to string if no non-null values found
}

// StartFlightServer serves srv on port until ctx is done or the listener
// fails
func StartFlightServer(ctx context.Context, port int, srv *FlightServer) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	core.Infof(ctx, "Flight server listening on port %d", port)
	return Serve(ctx, lis, srv)
}

// Serve registers srv on a new gRPC server bound to lis. When ctx is done
// the server stops accepting calls and waits for running ones to finish.
func Serve(ctx context.Context, lis net.Listener, srv *FlightServer) error {
	s := grpc.NewServer()
	flightgen.RegisterFlightServiceServer(s, srv)
	reflection.Register(s)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			core.Infof(ctx, "stopping Flight server")
			s.GracefulStop()
		case <-done:
		}
	}()
	if err := s.Serve(lis); err != nil && ctx.Err() == nil {
		return err
	}
	srv.Release()
	return nil
}
