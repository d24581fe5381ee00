package querier

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/flight"
	flightgen "github.com/apache/arrow/go/v14/arrow/flight/gen/flight"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/gigapi/gigapi-warehouse/table"
	"github.com/gigapi/gigapi-warehouse/warehouse"
)

type doGetStream struct {
	grpc.ServerStream
	data []*flight.FlightData
}

func (s *doGetStream) Send(d *flight.FlightData) error {
	s.data = append(s.data, d)
	return nil
}

func (s *doGetStream) Recv() (*flight.FlightData, error) {
	if len(s.data) == 0 {
		return nil, io.EOF
	}
	d := s.data[0]
	s.data = s.data[1:]
	return d, nil
}

type listStream struct {
	grpc.ServerStream
	infos []*flight.FlightInfo
}

func (s *listStream) Send(info *flight.FlightInfo) error {
	s.infos = append(s.infos, info)
	return nil
}

func newFlightServer(t *testing.T) *FlightServer {
	t.Helper()
	ctx := context.Background()
	w, err := warehouse.Open(ctx, warehouse.Options{
		Schema: testSchema, PartitionSize: 2, Fs: afero.NewMemMapFs(), Dir: "/wh",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	for i, name := range []string{"a", "b", "c"} {
		require.NoError(t, w.Insert(ctx, table.Row{int64(i + 1), name}))
	}
	return NewFlightServer(w, nil, "")
}

// fetch runs GetFlightInfo and DoGet and decodes the streamed record
func fetch(t *testing.T, s *FlightServer, desc *flight.FlightDescriptor) arrow.Record {
	t.Helper()
	info, err := s.GetFlightInfo(context.Background(), desc)
	require.NoError(t, err)
	require.Len(t, info.Endpoint, 1)

	stream := &doGetStream{}
	require.NoError(t, s.DoGet(info.Endpoint[0].Ticket, stream))

	rdr, err := flight.NewRecordReader(stream)
	require.NoError(t, err)
	t.Cleanup(rdr.Release)
	require.True(t, rdr.Next())
	rec := rdr.Record()
	assert.Equal(t, info.TotalRecords, rec.NumRows())
	return rec
}

func TestFlightPathScan(t *testing.T) {
	s := newFlightServer(t)

	rec := fetch(t, s, &flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: []string{"warehouse"}})
	require.Equal(t, int64(3), rec.NumRows())
	assert.True(t, rec.Schema().Equal(testSchema.ArrowSchema()))
	// the buffered row comes first
	assert.Equal(t, []int64{3, 1, 2}, rec.Column(0).(*array.Int64).Int64Values())
	assert.Equal(t, 0, s.Pending())

	rec = fetch(t, s, &flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{"warehouse", `{"op":"eq","column":"name","value":"b"}`},
	})
	require.Equal(t, int64(1), rec.NumRows())
	assert.Equal(t, int64(2), rec.Column(0).(*array.Int64).Value(0))
}

func TestFlightErrors(t *testing.T) {
	s := newFlightServer(t)
	ctx := context.Background()

	stmt, err := anypb.New(&flightgen.CommandStatementQuery{Query: "SELECT 1"})
	require.NoError(t, err)
	stmtCmd, err := proto.Marshal(stmt)
	require.NoError(t, err)
	other, err := anypb.New(&flightgen.CommandGetTables{})
	require.NoError(t, err)
	otherCmd, err := proto.Marshal(other)
	require.NoError(t, err)

	tests := []struct {
		name string
		desc *flight.FlightDescriptor
		code codes.Code
	}{
		{"unknown table", &flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: []string{"other"}}, codes.NotFound},
		{"bad predicate", &flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: []string{"warehouse", "{"}}, codes.InvalidArgument},
		{"unknown column", &flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: []string{"warehouse", `{"op":"eq","column":"x","value":1}`}}, codes.InvalidArgument},
		{"garbage command", &flight.FlightDescriptor{Type: flight.DescriptorCMD, Cmd: []byte{0xff, 0xff}}, codes.InvalidArgument},
		{"unsupported command", &flight.FlightDescriptor{Type: flight.DescriptorCMD, Cmd: otherCmd}, codes.Unimplemented},
		{"sql disabled", &flight.FlightDescriptor{Type: flight.DescriptorCMD, Cmd: stmtCmd}, codes.Unimplemented},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.GetFlightInfo(ctx, tt.desc)
			assert.Equal(t, tt.code, status.Code(err))
		})
	}

	err = s.DoGet(&flight.Ticket{Ticket: []byte("query-404")}, &doGetStream{})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestStatementQuery(t *testing.T) {
	stmt, err := anypb.New(&flightgen.CommandStatementQuery{Query: "SELECT *\n  FROM warehouse"})
	require.NoError(t, err)
	cmd, err := proto.Marshal(stmt)
	require.NoError(t, err)

	query, err := statementQuery(cmd)
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM warehouse", query)
}

func TestFlightSchemaAndListing(t *testing.T) {
	s := newFlightServer(t)

	res, err := s.GetSchema(context.Background(), &flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: []string{"warehouse"}})
	require.NoError(t, err)
	schema, err := flight.DeserializeSchema(res.Schema, memory.DefaultAllocator)
	require.NoError(t, err)
	assert.True(t, schema.Equal(testSchema.ArrowSchema()))

	_, err = s.GetSchema(context.Background(), &flight.FlightDescriptor{Type: flight.DescriptorCMD})
	assert.Equal(t, codes.Unimplemented, status.Code(err))

	stream := &listStream{}
	require.NoError(t, s.ListFlights(&flight.Criteria{}, stream))
	require.Len(t, stream.infos, 1)
	assert.Equal(t, []string{"warehouse"}, stream.infos[0].FlightDescriptor.Path)
	assert.Equal(t, int64(3), stream.infos[0].TotalRecords)
}

func TestConvertResultsToArrow(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	results := []map[string]interface{}{
		{"name": "a", "id": int64(1), "score": nil, "ok": true, "at": ts},
		{"name": []byte("b"), "id": int32(2), "score": 1.5, "ok": nil, "at": nil},
	}

	rec, err := convertResultsToArrow(memory.DefaultAllocator, results)
	require.NoError(t, err)
	defer rec.Release()

	require.Equal(t, int64(2), rec.NumRows())
	var names []string
	for _, f := range rec.Schema().Fields() {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"at", "id", "name", "ok", "score"}, names)

	at := findColumnByName(rec, "at").(*array.Timestamp)
	assert.Equal(t, arrow.Timestamp(ts.UnixMicro()), at.Value(0))
	assert.True(t, at.IsNull(1))

	assert.Equal(t, []int64{1, 2}, findColumnByName(rec, "id").(*array.Int64).Int64Values())

	name := findColumnByName(rec, "name").(*array.String)
	assert.Equal(t, "a", name.Value(0))
	assert.Equal(t, "b", name.Value(1))

	ok := findColumnByName(rec, "ok").(*array.Boolean)
	assert.True(t, ok.Value(0))
	assert.True(t, ok.IsNull(1))

	score := findColumnByName(rec, "score").(*array.Float64)
	assert.True(t, score.IsNull(0))
	assert.Equal(t, 1.5, score.Value(1))
}

func TestConvertEmptyResults(t *testing.T) {
	rec, err := convertResultsToArrow(memory.DefaultAllocator, nil)
	require.NoError(t, err)
	defer rec.Release()
	assert.Equal(t, int64(0), rec.NumRows())
	assert.Equal(t, int64(0), rec.NumCols())
}

func TestInferTypeFromColumn(t *testing.T) {
	tests := []struct {
		name    string
		results []map[string]interface{}
		want    arrow.DataType
	}{
		{"int", []map[string]interface{}{{"c": nil}, {"c": 3}}, arrow.PrimitiveTypes.Int64},
		{"float", []map[string]interface{}{{"c": float32(1)}}, arrow.PrimitiveTypes.Float64},
		{"bool", []map[string]interface{}{{"c": false}}, arrow.FixedWidthTypes.Boolean},
		{"string", []map[string]interface{}{{"c": "x"}}, arrow.BinaryTypes.String},
		{"all null", []map[string]interface{}{{"c": nil}}, arrow.BinaryTypes.String},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, arrow.TypeEqual(tt.want, inferTypeFromColumn("c", tt.results)))
		})
	}
}

// Helper function to find a column by name in a record
func findColumnByName(record arrow.Record, name string) arrow.Array {
	for i, field := range record.Schema().Fields() {
		if field.Name == name {
			return record.Column(i)
		}
	}
	return nil
}

func TestTicketsExpire(t *testing.T) {
	s := newFlightServer(t)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	desc := &flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: []string{"warehouse"}}

	stale, err := s.GetFlightInfo(context.Background(), desc)
	require.NoError(t, err)
	now = now.Add(s.ticketTTL + time.Second)
	err = s.DoGet(stale.Endpoint[0].Ticket, &doGetStream{})
	assert.Equal(t, codes.NotFound, status.Code(err))
	assert.Equal(t, 0, s.Pending())

	s.maxPending = 2
	var tickets []*flight.Ticket
	for i := 0; i < 3; i++ {
		info, err := s.GetFlightInfo(context.Background(), desc)
		require.NoError(t, err)
		tickets = append(tickets, info.Endpoint[0].Ticket)
		now = now.Add(time.Millisecond)
	}
	assert.Equal(t, 2, s.Pending())
	err = s.DoGet(tickets[0], &doGetStream{})
	assert.Equal(t, codes.NotFound, status.Code(err), "the oldest ticket is evicted")
	require.NoError(t, s.DoGet(tickets[2], &doGetStream{}))

	s.Release()
	assert.Equal(t, 0, s.Pending())
}

func TestServeStopsWithContext(t *testing.T) {
	s := newFlightServer(t)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() { errc <- Serve(ctx, lis, s) }()
	_, err = s.GetFlightInfo(ctx, &flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: []string{"warehouse"}})
	require.NoError(t, err)
	cancel()

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.Equal(t, 0, s.Pending())
}
