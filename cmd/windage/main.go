package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime/pprof"
	"time"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-windage/correction"
	"github.com/23skdu/longbow-windage/internal/arrowio"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

var (
	inputPath     = flag.String("input", "", "Arrow IPC stream with old_log_prob, rollout_log_prob, response_mask columns")
	outputPath    = flag.String("output", "", "Write corrected batches to this file (default stdout)")
	listenAddr    = flag.String("listen", "", "Address to listen on for HTTP server (e.g. :8080)")
	cpuProfile    = flag.String("cpuprofile", "", "Write cpu profile to file")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	maxConcurrent = flag.Int("max-concurrent", 4096, "Maximum number of concurrent sequences to process")

	flagIS               = flag.String("is", "", "Importance sampling level (token, sequence); empty disables")
	flagISThreshold      = flag.Float64("is-threshold", 2.0, "Upper truncation threshold for IS weights")
	flagRS               = flag.String("rs", "", "Rejection sampling level (token, sequence, geometric); empty disables")
	flagRSThreshold      = flag.Float64("rs-threshold", 2.0, "Upper rejection threshold")
	flagRSThresholdLower = flag.Float64("rs-threshold-lower", 0, "Lower rejection threshold (0 = 1/upper)")
	flagVetoThreshold    = flag.Float64("veto-threshold", 0, "Catastrophic token veto threshold; 0 disables")
)

// correctionParams is the wire-level configuration shared by the CLI flags,
// the CBOR request body and the Arrow endpoint's query parameters. A request
// that sets any parameter replaces the server's default configuration
// wholesale; fields are never merged, so a client enabling one pipeline must
// spell out every pipeline it wants.
type correctionParams struct {
	RolloutIS                 string  `cbor:"rollout_is"`
	RolloutISThreshold        float64 `cbor:"rollout_is_threshold"`
	RolloutRS                 string  `cbor:"rollout_rs"`
	RolloutRSThreshold        float64 `cbor:"rollout_rs_threshold"`
	RolloutRSThresholdLower   float64 `cbor:"rollout_rs_threshold_lower"`
	RolloutTokenVetoThreshold float64 `cbor:"rollout_token_veto_threshold"`
}

func (p correctionParams) toConfig() (correction.Config, error) {
	var cfg correction.Config
	if p.RolloutIS != "" {
		level, err := correction.ParseLevel(p.RolloutIS)
		if err != nil {
			return cfg, err
		}
		cfg.IS = &correction.ISConfig{Level: level, Threshold: p.RolloutISThreshold}
	}
	if p.RolloutRS != "" {
		level, err := correction.ParseLevel(p.RolloutRS)
		if err != nil {
			return cfg, err
		}
		cfg.RS = &correction.RSConfig{
			Level:          level,
			Threshold:      p.RolloutRSThreshold,
			ThresholdLower: p.RolloutRSThresholdLower,
		}
	}
	cfg.VetoThreshold = p.RolloutTokenVetoThreshold
	return cfg, nil
}

func main() {
	// Initialize logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

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

	params := correctionParams{
		RolloutIS:                 *flagIS,
		RolloutISThreshold:        *flagISThreshold,
		RolloutRS:                 *flagRS,
		RolloutRSThreshold:        *flagRSThreshold,
		RolloutRSThresholdLower:   *flagRSThresholdLower,
		RolloutTokenVetoThreshold: *flagVetoThreshold,
	}
	cfg, err := params.toConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid correction configuration")
	}

	if *listenAddr != "" {
		startServer(*listenAddr, cfg, *maxConcurrent)
		return
	}

	if *inputPath == "" {
		fmt.Fprintln(os.Stderr, "windage: either -input or -listen is required")
		flag.Usage()
		os.Exit(2)
	}

	if err := runFile(*inputPath, *outputPath, cfg); err != nil {
		log.Fatal().Err(err).Msg("Correction run failed")
	}
}

func runFile(inputPath, outputPath string, cfg correction.Config) error {
	in, err := os.Open(inputPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := in.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close input file")
		}
	}()

	var out io.Writer = os.Stdout
	if outputPath != "" {
		f, err := os.Create(outputPath)
		if err != nil {
			return err
		}
		defer func() {
			if err := f.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close output file")
			}
		}()
		out = f
	}

	pool := memory.NewGoAllocator()
	reader, err := ipc.NewReader(in, ipc.WithAllocator(pool))
	if err != nil {
		return fmt.Errorf("open input stream: %w", err)
	}
	defer reader.Release()

	var writer *ipc.Writer
	start := time.Now()
	batches, rows := 0, int64(0)

	for reader.Next() {
		rec := reader.Record()
		tensors, err := arrowio.MatricesFromRecord(rec, "old_log_prob", "rollout_log_prob", "response_mask")
		if err != nil {
			return fmt.Errorf("batch %d: %w", batches, err)
		}

		res, err := correction.Apply(tensors[0], tensors[1], tensors[2], cfg)
		if err != nil {
			return fmt.Errorf("batch %d: %w", batches, err)
		}

		names := []string{"response_mask"}
		outputs := []*mat.Dense{res.Mask}
		if res.Weights != nil {
			if w, ok := res.Weights.Get(correction.WeightsKey); ok {
				names = append(names, correction.WeightsKey)
				outputs = append(outputs, w)
			}
		}
		outRec, err := arrowio.RecordFromMatrices(pool, names, outputs)
		if err != nil {
			return err
		}
		if writer == nil {
			writer = ipc.NewWriter(out, ipc.WithSchema(outRec.Schema()))
		}
		err = writer.Write(outRec)
		outRec.Release()
		if err != nil {
			return err
		}

		log.Info().
			Int("batch", batches).
			Int64("rows", rec.NumRows()).
			Float64("kl", res.Metrics["mismatch/mismatch_kl"]).
			Float64("veto_fraction", res.Metrics["mismatch/rollout_is_veto_fraction"]).
			Float64("ess", res.Metrics["mismatch/rollout_is_eff_sample_size"]).
			Msg("Corrected batch")

		batches++
		rows += rec.NumRows()
	}
	if reader.Err() != nil {
		return reader.Err()
	}

	log.Info().
		Int("batches", batches).
		Int64("rows", rows).
		Dur("elapsed", time.Since(start)).
		Msg("Correction run complete")

	if writer != nil {
		return writer.Close()
	}
	return nil
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
			semconv.ServiceNameKey.String("windage"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
