package client

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockFlightServer struct {
	flight.BaseFlightServer

	mu       sync.Mutex
	datasets []string
	rows     int64
}

func (s *mockFlightServer) DoPut(stream flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return err
	}
	defer reader.Release()

	// the descriptor arrives with the schema message
	s.mu.Lock()
	if desc := reader.LatestFlightDescriptor(); desc != nil {
		s.datasets = append(s.datasets, desc.Path...)
	}
	s.mu.Unlock()

	for reader.Next() {
		s.mu.Lock()
		s.rows += reader.Record().NumRows()
		s.mu.Unlock()
	}
	return reader.Err()
}

func (s *mockFlightServer) DoGet(tkt *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	if string(tkt.Ticket) != "stats" {
		return errors.New("unknown ticket")
	}
	rec := NewStatsRecordBuilder(memory.NewGoAllocator()).Build(sampleStats())
	defer rec.Release()

	w := flight.NewRecordWriter(stream)
	defer w.Close()
	return w.Write(rec)
}

func startMockServer(t *testing.T) (*mockFlightServer, string) {
	t.Helper()
	mock := &mockFlightServer{}
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(mock)
	require.NoError(t, server.Init("localhost:0"))
	go func() {
		_ = server.Serve()
	}()
	t.Cleanup(server.Shutdown)
	return mock, server.Addr().String()
}

func TestFlightClient_DoPut(t *testing.T) {
	mock, addr := startMockServer(t)

	client, err := NewFlightClient(addr)
	require.NoError(t, err)
	defer client.Close()

	rec := NewStatsRecordBuilder(memory.NewGoAllocator()).Build(sampleStats())
	defer rec.Release()

	require.NoError(t, client.DoPut(context.Background(), "fastseq-bench", rec))

	mock.mu.Lock()
	defer mock.mu.Unlock()
	assert.Equal(t, []string{"fastseq-bench"}, mock.datasets)
	assert.Equal(t, int64(2), mock.rows)
	assert.Equal(t, StateClosed, client.Breaker().State())
}

func TestFlightClient_DoGet(t *testing.T) {
	_, addr := startMockServer(t)

	client, err := NewFlightClient(addr)
	require.NoError(t, err)
	defer client.Close()

	recs, err := client.DoGet(context.Background(), []byte("stats"))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	defer recs[0].Release()
	assert.Equal(t, int64(2), recs[0].NumRows())

	_, err = client.DoGet(context.Background(), []byte("nope"))
	assert.Error(t, err)
}

func TestFlightClient_BreakerOpens(t *testing.T) {
	// nothing listens on this port
	client, err := NewFlightClient("localhost:1")
	require.NoError(t, err)
	defer client.Close()

	rec := NewStatsRecordBuilder(memory.NewGoAllocator()).Build(sampleStats())
	defer rec.Release()

	var last error
	for i := 0; i < 4; i++ {
		last = client.DoPut(context.Background(), "fastseq-bench", rec)
	}
	assert.ErrorIs(t, last, ErrCircuitOpen)
	assert.Equal(t, StateOpen, client.Breaker().State())
}
