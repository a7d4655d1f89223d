package main

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-fastseq/internal/bench"
	"github.com/23skdu/longbow-fastseq/internal/client"
)

func startTestFlightServer(t *testing.T, runner Runner, adm *admission) string {
	t.Helper()
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(NewFastseqFlightServer(runner, testOptions(), adm))
	require.NoError(t, server.Init("localhost:0"))
	go func() {
		_ = server.Serve()
	}()
	t.Cleanup(server.Shutdown)
	return server.Addr().String()
}

func newTestFlightClient(t *testing.T, addr string) *client.FlightClient {
	t.Helper()
	fc, err := client.NewFlightClient(addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fc.Close() })
	return fc
}

func TestFlightServer_DoGet(t *testing.T) {
	addr := startTestFlightServer(t, runnerFunc(bench.Run), newAdmission(1, defaultLimits()))
	fc := newTestFlightClient(t, addr)

	ticket, err := cbor.Marshal(benchRequest{Steps: 3, Variants: []string{"beam"}})
	require.NoError(t, err)

	recs, err := fc.DoGet(context.Background(), ticket)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	defer recs[0].Release()
	assert.Equal(t, int64(3), recs[0].NumRows())

	bad, err := cbor.Marshal(benchRequest{Variants: []string{"fused"}})
	require.NoError(t, err)
	_, err = fc.DoGet(context.Background(), bad)
	assert.Error(t, err)

	huge, err := cbor.Marshal(benchRequest{Groups: defaultLimits().Groups + 1})
	require.NoError(t, err)
	_, err = fc.DoGet(context.Background(), huge)
	assert.ErrorContains(t, err, "exceeds limit")
}

func TestFlightServer_DoGetAdmission(t *testing.T) {
	var calls atomic.Int32
	runner := runnerFunc(func(ctx context.Context, o bench.Options) (*bench.Result, error) {
		calls.Add(1)
		return bench.Run(ctx, o)
	})
	adm := newAdmission(1, defaultLimits())
	addr := startTestFlightServer(t, runner, adm)

	ticket, err := cbor.Marshal(benchRequest{Steps: 1})
	require.NoError(t, err)

	// an HTTP run holding the only slot blocks Flight runs too
	require.NoError(t, adm.sem.Acquire(context.Background(), 1))
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = newTestFlightClient(t, addr).DoGet(ctx, ticket)
	require.Error(t, err)
	assert.Equal(t, int32(0), calls.Load())

	adm.sem.Release(1)
	recs, err := newTestFlightClient(t, addr).DoGet(context.Background(), ticket)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	defer recs[0].Release()
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, adm.sem.TryAcquire(1), "slot released after the run")
	adm.sem.Release(1)
}
