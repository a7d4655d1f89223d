package main

import (
	"context"
	"flag"
	"os"
	"runtime/pprof"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-fastseq/internal/bench"
	"github.com/23skdu/longbow-fastseq/internal/cache"
	"github.com/23skdu/longbow-fastseq/internal/client"
)

var (
	cpuProfile    = flag.String("cpuprofile", "", "Write cpu profile to file")
	logLevel      = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	variants      = flag.String("variants", "marian,beam", "Comma separated attention variants; the first is the reference")
	numLayers     = flag.Int("layers", 6, "Decoder layers")
	embedDim      = flag.Int("embed-dim", 512, "Model dimension")
	numHeads      = flag.Int("heads", 8, "Attention heads")
	numBeams      = flag.Int("beams", 4, "Beams per input")
	groups        = flag.Int("batch", 4, "Inputs before beam expansion")
	srcLen        = flag.Int("src-len", 32, "Encoder sequence length")
	steps         = flag.Int("steps", 16, "Decode steps")
	padLast       = flag.Int("pad", 0, "Padded source tokens of the last input")
	seed          = flag.Int64("seed", 42, "Seed for weights and inputs")
	serverAddr    = flag.String("server", "", "Longbow server address (e.g., localhost:3000)")
	datasetName   = flag.String("dataset", "fastseq_bench", "Target dataset name on server")
	listenAddr    = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	flightAddr    = flag.String("flight", "", "Address to listen on for Flight Server (e.g. :9090)")
	maxConcurrent = flag.Int("max-concurrent", 2, "Maximum number of concurrent benchmark runs when serving")
	maxGroups     = flag.Int("max-groups", defaultLimits().Groups, "Largest batch a served request may ask for (0 = unbounded)")
	maxSrcLen     = flag.Int("max-src-len", defaultLimits().SrcLen, "Longest source a served request may ask for (0 = unbounded)")
	maxSteps      = flag.Int("max-steps", defaultLimits().Steps, "Most decode steps a served request may ask for (0 = unbounded)")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	dumpCache     = flag.String("dump-cache", "", "Write a CBOR dump of the final beam caches to file")
	dumpHalf      = flag.Bool("dump-fp16", false, "Store the cache dump as fp16")
)

func main() {
	// Initialize logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid log level")
	}
	zerolog.SetGlobalLevel(level)

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	opts, err := optionsFromFlags()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid benchmark options")
	}
	// server mode reuses weights across requests with the same decoder shape
	opts.Weights = cache.NewWeightCache()
	runner := runnerFunc(bench.Run)

	var flightClient *client.FlightClient
	if *serverAddr != "" {
		flightClient, err = client.NewFlightClient(*serverAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Longbow")
		}
		defer func() {
			if err := flightClient.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight client")
			}
		}()
	}

	// Server Mode
	if *listenAddr != "" || *flightAddr != "" {
		adm := newAdmission(*maxConcurrent, requestLimits{Groups: *maxGroups, SrcLen: *maxSrcLen, Steps: *maxSteps})
		if *listenAddr != "" {
			var fc FlightClientInterface
			if flightClient != nil {
				fc = flightClient
			}
			srv := NewServer(runner, opts, fc, *datasetName, adm)
			if *flightAddr == "" {
				startServer(*listenAddr, srv)
				return
			}
			go startServer(*listenAddr, srv)
		}
		StartFlightServer(*flightAddr, runner, opts, adm)
		return
	}

	if *dumpCache != "" {
		f, err := os.Create(*dumpCache)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create cache dump file")
		}
		defer f.Close()
		opts.Snapshot = f
		opts.SnapshotHalf = *dumpHalf
	}

	start := time.Now()
	res, err := runner.Run(context.Background(), opts)
	if err != nil {
		log.Fatal().Err(err).Msg("Benchmark failed")
	}
	logSummaries(res, time.Since(start))

	rec := client.NewStatsRecordBuilder(memory.NewGoAllocator()).Build(res.Stats)
	defer rec.Release()

	// If server is provided, send via Flight
	if flightClient != nil {
		log.Info().Int64("rows", rec.NumRows()).Str("server", *serverAddr).Str("dataset", *datasetName).Msg("Sending stats to Longbow")
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		if err := flightClient.DoPut(ctx, *datasetName, rec); err != nil {
			log.Fatal().Err(err).Msg("Flight DoPut failed")
		}
		log.Info().Msg("Successfully sent stats to Longbow")
		return
	}
	if err := client.WriteIPC(os.Stdout, rec); err != nil {
		log.Warn().Err(err).Msg("Failed to write arrow stream")
	}
}

func optionsFromFlags() (bench.Options, error) {
	opts := bench.DefaultOptions()
	opts.Decoder.NumLayers = *numLayers
	opts.Decoder.Attention.EmbedDim = *embedDim
	opts.Decoder.Attention.NumHeads = *numHeads
	opts.Decoder.Attention.NumBeams = *numBeams
	opts.Decoder.Attention.Seed = *seed
	opts.Groups = *groups
	opts.SrcLen = *srcLen
	opts.Steps = *steps
	opts.PadLast = *padLast
	opts.Seed = *seed

	vs, err := parseVariants(*variants)
	if err != nil {
		return opts, err
	}
	opts.Variants = vs
	return opts, opts.Validate()
}

func logSummaries(res *bench.Result, elapsed time.Duration) {
	sums := res.Summaries()
	for _, s := range sums {
		log.Info().
			Str("variant", string(s.Variant)).
			Int("steps", s.Steps).
			Dur("mean_step", s.Mean).
			Dur("total", s.Total).
			Int("peak_cache_bytes", s.PeakCacheBytes).
			Float32("max_abs_diff", s.MaxAbsDiff).
			Msg("Decode summary")
	}
	for _, s := range sums[1:] {
		log.Info().
			Str("reference", string(sums[0].Variant)).
			Str("variant", string(s.Variant)).
			Float64("cache_savings", bench.CacheSavings(sums[0], s)).
			Float64("speedup", float64(sums[0].Total)/float64(s.Total)).
			Msg("Variant comparison")
	}
	log.Info().Dur("elapsed", elapsed).Msg("Benchmark complete")
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("fastseq"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
