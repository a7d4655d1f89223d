package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/23skdu/longbow-fastseq/internal/bench"
	"github.com/23skdu/longbow-fastseq/internal/client"
)

var (
	benchRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fastseq_bench_runs_total",
		Help: "The total number of benchmark runs served",
	}, []string{"outcome"})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fastseq_request_duration_seconds",
		Help:    "Time spent serving benchmark requests",
		Buckets: prometheus.DefBuckets,
	})
)

// Runner runs one benchmark.
type Runner interface {
	Run(ctx context.Context, o bench.Options) (*bench.Result, error)
}

type runnerFunc func(ctx context.Context, o bench.Options) (*bench.Result, error)

func (f runnerFunc) Run(ctx context.Context, o bench.Options) (*bench.Result, error) {
	return f(ctx, o)
}

type FlightClientInterface interface {
	DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error
	Close() error
}

type Server struct {
	runner       Runner
	defaults     bench.Options
	flightClient FlightClientInterface
	datasetName  string
	alloc        memory.Allocator
	adm          *admission
}

func NewServer(runner Runner, defaults bench.Options, fc FlightClientInterface, dataset string, adm *admission) *Server {
	return &Server{
		runner:       runner,
		defaults:     defaults,
		flightClient: fc,
		datasetName:  dataset,
		alloc:        memory.NewGoAllocator(),
		adm:          adm,
	}
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/bench", s.handleBench)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func startServer(addr string, srv *Server) {
	log.Info().Str("addr", addr).Msg("Starting fastseq HTTP server")
	if srv.flightClient != nil {
		log.Info().Str("dataset", srv.datasetName).Msg("Forwarding benchmark stats to Longbow")
	}
	if err := http.ListenAndServe(addr, srv.routes()); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

var tracer = otel.Tracer("fastseq-server")

// handleBench runs a benchmark described by a CBOR benchRequest and answers
// with the step stats as an Arrow IPC stream.
func (s *Server) handleBench(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleBench")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req benchRequest
	if r.ContentLength != 0 {
		body := http.MaxBytesReader(w, r.Body, maxRequestBytes)
		if err := cbor.NewDecoder(body).Decode(&req); err != nil {
			span.RecordError(err)
			http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
			return
		}
	}
	opts, err := req.apply(s.defaults, s.adm.limits)
	if err != nil {
		http.Error(w, fmt.Sprintf("Bad Request: %v", err), http.StatusBadRequest)
		return
	}
	span.SetAttributes(
		attribute.Int("groups", opts.Groups),
		attribute.Int("steps", opts.Steps),
		attribute.Int("variants", len(opts.Variants)),
	)

	// Admission Control
	if err := s.adm.sem.Acquire(ctx, 1); err != nil {
		log.Error().Err(err).Msg("Failed to acquire semaphore")
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}
	defer s.adm.sem.Release(1)

	res, err := s.runner.Run(ctx, opts)
	if err != nil {
		benchRuns.WithLabelValues("error").Inc()
		span.RecordError(err)
		log.Error().Err(err).Msg("Benchmark failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	benchRuns.WithLabelValues("ok").Inc()

	rec := client.NewStatsRecordBuilder(s.alloc).Build(res.Stats)
	if rec == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	defer rec.Release()

	if s.flightClient != nil {
		if err := s.flightClient.DoPut(ctx, s.datasetName, rec); err != nil {
			log.Error().Err(err).Msg("Error forwarding stats to Longbow")
		}
	}

	w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
	w.WriteHeader(http.StatusOK)
	if err := client.WriteIPC(w, rec); err != nil {
		log.Warn().Err(err).Msg("Failed to write arrow stream")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
