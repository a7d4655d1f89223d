package main

import (
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-fastseq/internal/bench"
	"github.com/23skdu/longbow-fastseq/internal/client"
)

// FastseqFlightServer runs benchmarks for DoGet. The ticket is a CBOR
// benchRequest; the stream carries the step stats.
type FastseqFlightServer struct {
	flight.BaseFlightServer
	runner   Runner
	defaults bench.Options
	alloc    memory.Allocator
	adm      *admission
}

func NewFastseqFlightServer(runner Runner, defaults bench.Options, adm *admission) *FastseqFlightServer {
	return &FastseqFlightServer{
		runner:   runner,
		defaults: defaults,
		alloc:    memory.NewGoAllocator(),
		adm:      adm,
	}
}

func (s *FastseqFlightServer) DoGet(tkt *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	var req benchRequest
	if len(tkt.GetTicket()) > 0 {
		if err := cbor.Unmarshal(tkt.GetTicket(), &req); err != nil {
			return status.Errorf(codes.InvalidArgument, "decode ticket: %v", err)
		}
	}
	opts, err := req.apply(s.defaults, s.adm.limits)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	ctx := stream.Context()
	if err := s.adm.sem.Acquire(ctx, 1); err != nil {
		log.Error().Err(err).Msg("Failed to acquire semaphore")
		return status.Error(codes.ResourceExhausted, "server busy")
	}
	defer s.adm.sem.Release(1)

	res, err := s.runner.Run(ctx, opts)
	if err != nil {
		benchRuns.WithLabelValues("error").Inc()
		return err
	}
	benchRuns.WithLabelValues("ok").Inc()

	rec := client.NewStatsRecordBuilder(s.alloc).Build(res.Stats)
	if rec == nil {
		return nil
	}
	defer rec.Release()

	w := flight.NewRecordWriter(stream)
	defer w.Close()
	log.Info().Int64("rows", rec.NumRows()).Msg("DoGet streaming benchmark stats")
	return w.Write(rec)
}

func StartFlightServer(addr string, runner Runner, defaults bench.Options, adm *admission) {
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(NewFastseqFlightServer(runner, defaults, adm))

	if err := server.Init(addr); err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight server")
	}

	log.Info().Str("addr", addr).Msg("Starting fastseq Flight server")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight server failed")
	}
}
