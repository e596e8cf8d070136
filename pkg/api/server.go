package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vjranagit/metricpipe/pkg/collector"
	"github.com/vjranagit/metricpipe/pkg/registry"
	"github.com/vjranagit/metricpipe/pkg/types"
)

// labelParamPrefix marks query parameters that filter on labels.
const labelParamPrefix = "label."

// Pipeline is the service surface exposed over HTTP.
type Pipeline interface {
	RecordBatch(samples []collector.Sample) error
	Stopped() bool
	QueryMetrics(ctx context.Context, q types.MetricQuery) ([]types.MetricSeries, error)
	GetMetricStatistics(ctx context.Context, name string, start, end time.Time) (*types.MetricStatistics, error)
	Registry() *registry.Registry
}

// Server implements the HTTP API server
type Server struct {
	pipeline Pipeline
	gatherer prometheus.Gatherer
	addr     string
	lg       *zap.Logger
	server   *http.Server
}

// NewServer creates a new API server. Self-metrics are served from
// gatherer; nil means prometheus.DefaultGatherer.
func NewServer(addr string, p Pipeline, gatherer prometheus.Gatherer, timeout time.Duration, lg *zap.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if lg == nil {
		lg = zap.NewNop()
	}
	s := &Server{
		pipeline: p,
		gatherer: gatherer,
		addr:     addr,
		lg:       lg.Named("api"),
	}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}
	return s
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/record", s.handleRecord)
	mux.HandleFunc("/api/v1/query", s.handleQuery)
	mux.HandleFunc("/api/v1/statistics", s.handleStatistics)
	mux.HandleFunc("/api/v1/definitions", s.handleDefinitions)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return mux
}

// Start serves until Stop. It returns http.ErrServerClosed after Stop.
func (s *Server) Start() error {
	s.lg.Info("API server listening", zap.String("addr", s.addr))
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleRecord ingests one sample or an array of samples.
func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.pipeline.Stopped() {
		http.Error(w, "Service stopped", http.StatusServiceUnavailable)
		return
	}

	samples, err := decodeSamples(r)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}

	if err := s.pipeline.RecordBatch(samples); err != nil {
		if errors.Is(err, types.ErrServiceStopped) {
			http.Error(w, "Service stopped", http.StatusServiceUnavailable)
			return
		}
		s.lg.Error("Record failed", zap.Error(err))
		http.Error(w, fmt.Sprintf("Record failed: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":  "accepted",
		"samples": len(samples),
	})
}

func decodeSamples(r *http.Request) ([]collector.Sample, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)

	if len(raw) > 0 && raw[0] == '[' {
		var samples []collector.Sample
		if err := json.Unmarshal(raw, &samples); err != nil {
			return nil, err
		}
		return samples, nil
	}
	var sample collector.Sample
	if err := json.Unmarshal(raw, &sample); err != nil {
		return nil, err
	}
	return []collector.Sample{sample}, nil
}

// handleQuery handles query requests
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q, err := parseQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	series, err := s.pipeline.QueryMetrics(r.Context(), q)
	if err != nil {
		if errors.Is(err, types.ErrInvalidQuery) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.lg.Error("Query failed", zap.Strings("metrics", q.MetricNames), zap.Error(err))
		http.Error(w, fmt.Sprintf("Query failed: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, series)
}

func parseQuery(r *http.Request) (types.MetricQuery, error) {
	values := r.URL.Query()

	start, end, err := parseRange(values.Get("start"), values.Get("end"))
	if err != nil {
		return types.MetricQuery{}, err
	}
	q := types.MetricQuery{
		MetricNames: values["metric"],
		Start:       start,
		End:         end,
		Method:      types.AggregationMethod(values.Get("method")),
		OrderBy:     types.OrderBy(values.Get("order")),
	}

	if v := values.Get("window"); v != "" {
		if q.Window, err = time.ParseDuration(v); err != nil {
			return q, errors.Wrap(err, "invalid window")
		}
	}
	if v := values.Get("desc"); v != "" {
		if q.Descending, err = strconv.ParseBool(v); err != nil {
			return q, errors.Wrap(err, "invalid desc")
		}
	}
	if v := values.Get("limit"); v != "" {
		if q.Limit, err = strconv.Atoi(v); err != nil {
			return q, errors.Wrap(err, "invalid limit")
		}
	}
	for key, vs := range values {
		if name, ok := strings.CutPrefix(key, labelParamPrefix); ok && len(vs) > 0 {
			if q.Labels == nil {
				q.Labels = make(map[string]string)
			}
			q.Labels[name] = vs[0]
		}
	}
	return q, nil
}

// parseRange parses RFC3339 bounds. Missing bounds default to the last hour.
func parseRange(startStr, endStr string) (time.Time, time.Time, error) {
	var startTime, endTime time.Time
	var err error

	if endStr != "" {
		endTime, err = time.Parse(time.RFC3339, endStr)
		if err != nil {
			return startTime, endTime, errors.New("invalid end time")
		}
	} else {
		endTime = time.Now()
	}

	if startStr != "" {
		startTime, err = time.Parse(time.RFC3339, startStr)
		if err != nil {
			return startTime, endTime, errors.New("invalid start time")
		}
	} else {
		startTime = endTime.Add(-1 * time.Hour)
	}
	return startTime, endTime, nil
}

// handleStatistics computes statistics over raw observations.
func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	metric := r.URL.Query().Get("metric")
	if metric == "" {
		http.Error(w, "Missing metric parameter", http.StatusBadRequest)
		return
	}
	start, end, err := parseRange(r.URL.Query().Get("start"), r.URL.Query().Get("end"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	stats, err := s.pipeline.GetMetricStatistics(r.Context(), metric, start, end)
	if err != nil {
		s.lg.Error("Statistics failed", zap.String("metric", metric), zap.Error(err))
		http.Error(w, fmt.Sprintf("Statistics failed: %v", err), http.StatusInternalServerError)
		return
	}
	if stats == nil {
		http.Error(w, "No data", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleDefinitions lists or registers metric definitions.
func (s *Server) handleDefinitions(w http.ResponseWriter, r *http.Request) {
	reg := s.pipeline.Registry()

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, reg.List())

	case http.MethodPost:
		var def types.MetricDefinition
		if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
			http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
			return
		}
		if err := reg.Register(def); err != nil {
			switch {
			case errors.Is(err, types.ErrDuplicateMetric):
				http.Error(w, err.Error(), http.StatusConflict)
			case errors.Is(err, types.ErrInvalidDefinition):
				http.Error(w, err.Error(), http.StatusBadRequest)
			default:
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
			return
		}
		s.lg.Info("Metric registered", zap.String("metric", def.Name))
		writeJSON(w, http.StatusCreated, def)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.pipeline.Stopped() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "stopped",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
