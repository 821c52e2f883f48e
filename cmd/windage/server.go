package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-windage/correction"
	"github.com/23skdu/longbow-windage/internal/arrowio"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "windage_http_requests_total",
		Help: "Total number of HTTP correction requests by endpoint and status",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "windage_http_request_duration_seconds",
		Help:    "Correction request latency",
		Buckets: prometheus.DefBuckets,
	})
)

var tracer = otel.Tracer("windage-server")

// Server applies rollout corrections to batches received over HTTP.
type Server struct {
	defaults correction.Config
	alloc    memory.Allocator
	sem      *semaphore.Weighted
}

func NewServer(defaults correction.Config, maxConcurrent int) *Server {
	return &Server{
		defaults: defaults,
		alloc:    memory.NewGoAllocator(),
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

func startServer(addr string, defaults correction.Config, maxConcurrent int) {
	srv := NewServer(defaults, maxConcurrent)

	http.HandleFunc("/correct", srv.handleCorrect)
	http.HandleFunc("/correct/arrow", srv.handleCorrectArrow)
	http.HandleFunc("/health", srv.handleHealth)
	http.Handle("/metrics", promhttp.Handler())

	log.Info().Str("addr", addr).Msg("Starting Windage server")
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

type correctRequest struct {
	correctionParams
	OldLogProb     [][]float64 `cbor:"old_log_prob"`
	RolloutLogProb [][]float64 `cbor:"rollout_log_prob"`
	ResponseMask   [][]float64 `cbor:"response_mask"`
}

type correctResponse struct {
	ResponseMask [][]float64        `cbor:"response_mask"`
	Weights      [][]float64        `cbor:"rollout_is_weights,omitempty"`
	Metrics      map[string]float64 `cbor:"metrics"`
}

func (s *Server) handleCorrect(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := tracer.Start(r.Context(), "handleCorrect")
	defer span.End()

	if r.Method != http.MethodPost {
		requestsTotal.WithLabelValues("correct", "405").Inc()
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		requestsTotal.WithLabelValues("correct", "400").Inc()
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	var req correctRequest
	if err := cbor.Unmarshal(body, &req); err != nil {
		requestsTotal.WithLabelValues("correct", "400").Inc()
		http.Error(w, fmt.Sprintf("Invalid CBOR: %v", err), http.StatusBadRequest)
		return
	}

	oldLP, err := denseFromRows("old_log_prob", req.OldLogProb)
	if err != nil {
		requestsTotal.WithLabelValues("correct", "400").Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rolloutLP, err := denseFromRows("rollout_log_prob", req.RolloutLogProb)
	if err != nil {
		requestsTotal.WithLabelValues("correct", "400").Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	mask, err := denseFromRows("response_mask", req.ResponseMask)
	if err != nil {
		requestsTotal.WithLabelValues("correct", "400").Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	cfg := s.defaults
	if req.correctionParams != (correctionParams{}) {
		cfg, err = req.correctionParams.toConfig()
		if err != nil {
			requestsTotal.WithLabelValues("correct", "400").Inc()
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	rows, _ := mask.Dims()
	span.SetAttributes(attribute.Int("batch.rows", rows))
	if err := s.sem.Acquire(ctx, int64(rows)); err != nil {
		requestsTotal.WithLabelValues("correct", "503").Inc()
		http.Error(w, "Server overloaded", http.StatusServiceUnavailable)
		return
	}
	res, err := correction.Apply(oldLP, rolloutLP, mask, cfg)
	s.sem.Release(int64(rows))
	if err != nil {
		requestsTotal.WithLabelValues("correct", "400").Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := correctResponse{
		ResponseMask: rowsFromDense(res.Mask),
		Metrics:      res.Metrics,
	}
	if res.Weights != nil {
		if weights, ok := res.Weights.Get(correction.WeightsKey); ok {
			resp.Weights = rowsFromDense(weights)
		}
	}
	payload, err := cbor.Marshal(resp)
	if err != nil {
		requestsTotal.WithLabelValues("correct", "500").Inc()
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/cbor")
	if _, err := w.Write(payload); err != nil {
		log.Error().Err(err).Msg("Failed to write response")
	}
	requestsTotal.WithLabelValues("correct", "200").Inc()
	requestDuration.Observe(time.Since(start).Seconds())
}

func (s *Server) handleCorrectArrow(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := tracer.Start(r.Context(), "handleCorrectArrow")
	defer span.End()

	if r.Method != http.MethodPost {
		requestsTotal.WithLabelValues("correct_arrow", "405").Inc()
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	params, hasParams, err := paramsFromQuery(r.URL.Query())
	if err != nil {
		requestsTotal.WithLabelValues("correct_arrow", "400").Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cfg := s.defaults
	if hasParams {
		cfg, err = params.toConfig()
		if err != nil {
			requestsTotal.WithLabelValues("correct_arrow", "400").Inc()
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	reader, err := ipc.NewReader(r.Body, ipc.WithAllocator(s.alloc))
	if err != nil {
		requestsTotal.WithLabelValues("correct_arrow", "400").Inc()
		http.Error(w, fmt.Sprintf("Invalid Arrow stream: %v", err), http.StatusBadRequest)
		return
	}
	defer reader.Release()

	var outRecs []arrow.RecordBatch
	defer func() {
		for _, rec := range outRecs {
			rec.Release()
		}
	}()

	for reader.Next() {
		rec := reader.Record()
		tensors, err := arrowio.MatricesFromRecord(rec, "old_log_prob", "rollout_log_prob", "response_mask")
		if err != nil {
			requestsTotal.WithLabelValues("correct_arrow", "400").Inc()
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		rows := rec.NumRows()
		span.SetAttributes(attribute.Int64("batch.rows", rows))
		if err := s.sem.Acquire(ctx, rows); err != nil {
			requestsTotal.WithLabelValues("correct_arrow", "503").Inc()
			http.Error(w, "Server overloaded", http.StatusServiceUnavailable)
			return
		}
		res, err := correction.Apply(tensors[0], tensors[1], tensors[2], cfg)
		s.sem.Release(rows)
		if err != nil {
			requestsTotal.WithLabelValues("correct_arrow", "400").Inc()
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		names := []string{"response_mask"}
		outputs := []*mat.Dense{res.Mask}
		if res.Weights != nil {
			if weights, ok := res.Weights.Get(correction.WeightsKey); ok {
				names = append(names, correction.WeightsKey)
				outputs = append(outputs, weights)
			}
		}
		outRec, err := arrowio.RecordFromMatrices(s.alloc, names, outputs)
		if err != nil {
			requestsTotal.WithLabelValues("correct_arrow", "500").Inc()
			http.Error(w, "Failed to build response batch", http.StatusInternalServerError)
			return
		}
		outRecs = append(outRecs, outRec)
	}
	if reader.Err() != nil {
		requestsTotal.WithLabelValues("correct_arrow", "400").Inc()
		http.Error(w, fmt.Sprintf("Invalid Arrow stream: %v", reader.Err()), http.StatusBadRequest)
		return
	}
	if len(outRecs) == 0 {
		requestsTotal.WithLabelValues("correct_arrow", "400").Inc()
		http.Error(w, "Empty Arrow stream", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
	if err := arrowio.WriteRecords(w, outRecs...); err != nil {
		log.Error().Err(err).Msg("Failed to write Arrow response")
		return
	}
	requestsTotal.WithLabelValues("correct_arrow", "200").Inc()
	requestDuration.Observe(time.Since(start).Seconds())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		log.Error().Err(err).Msg("Failed to write health response")
	}
}

func paramsFromQuery(q url.Values) (correctionParams, bool, error) {
	var p correctionParams
	has := false

	if v := q.Get("rollout_is"); v != "" {
		p.RolloutIS = v
		has = true
	}
	if v := q.Get("rollout_rs"); v != "" {
		p.RolloutRS = v
		has = true
	}
	getFloat := func(key string) (float64, error) {
		v := q.Get(key)
		if v == "" {
			return 0, nil
		}
		has = true
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		return f, nil
	}

	var err error
	if p.RolloutISThreshold, err = getFloat("rollout_is_threshold"); err != nil {
		return p, has, err
	}
	if p.RolloutRSThreshold, err = getFloat("rollout_rs_threshold"); err != nil {
		return p, has, err
	}
	if p.RolloutRSThresholdLower, err = getFloat("rollout_rs_threshold_lower"); err != nil {
		return p, has, err
	}
	if p.RolloutTokenVetoThreshold, err = getFloat("rollout_token_veto_threshold"); err != nil {
		return p, has, err
	}
	return p, has, nil
}

func denseFromRows(name string, rows [][]float64) (*mat.Dense, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, fmt.Errorf("%s must not be empty", name)
	}
	cols := len(rows[0])
	m := mat.NewDense(len(rows), cols, nil)
	for i, row := range rows {
		if len(row) != cols {
			return nil, fmt.Errorf("%s row %d has %d values, want %d", name, i, len(row), cols)
		}
		m.SetRow(i, row)
	}
	return m, nil
}

func rowsFromDense(m *mat.Dense) [][]float64 {
	r, _ := m.Dims()
	out := make([][]float64, r)
	for i := range out {
		out[i] = append([]float64(nil), m.RawRowView(i)...)
	}
	return out
}
