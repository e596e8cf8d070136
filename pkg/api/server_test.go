package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/vjranagit/metricpipe/pkg/pipeline"
	"github.com/vjranagit/metricpipe/pkg/registry"
	"github.com/vjranagit/metricpipe/pkg/storage"
	"github.com/vjranagit/metricpipe/pkg/types"
)

type testServer struct {
	svc *pipeline.Service
	srv *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	reg, err := registry.New(types.MetricDefinition{
		Name:               "latency_ms",
		Kind:               types.KindTimer,
		Unit:               "ms",
		LabelNames:         []string{"endpoint"},
		AggregationMethods: []types.AggregationMethod{types.MethodAvg},
		Retention:          time.Hour,
		SamplingRate:       1,
		Enabled:            true,
	})
	require.NoError(t, err)
	mem, err := storage.NewMemory()
	require.NoError(t, err)

	prom := prometheus.NewRegistry()
	cfg := pipeline.DefaultConfig()
	cfg.Collector.FlushInterval = time.Hour
	svc := pipeline.New(cfg, reg, mem.Observations(), mem.Rollups(),
		pipeline.WithLogger(zaptest.NewLogger(t)),
		pipeline.WithRegisterer(prom),
	)
	require.NoError(t, svc.Start(context.Background()))

	srv := httptest.NewServer(NewServer(":0", svc, prom, 0, zaptest.NewLogger(t)).Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = svc.Shutdown(context.Background())
	})
	return &testServer{svc: svc, srv: srv}
}

func (ts *testServer) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(ts.srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (ts *testServer) get(t *testing.T, path string, params url.Values) *http.Response {
	t.Helper()
	u := ts.srv.URL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	resp, err := http.Get(u)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestRecordAndQuery(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.post(t, "/api/v1/record", `{"name":"latency_ms","value":10,"labels":{"endpoint":"/a"}}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = ts.post(t, "/api/v1/record", `[
		{"name":"latency_ms","value":20,"labels":{"endpoint":"/b"}},
		{"name":"latency_ms","value":30,"labels":{"endpoint":"/a"}}
	]`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, float64(2), decode[map[string]any](t, resp)["samples"])

	require.NoError(t, ts.svc.Flush(context.Background()))

	params := url.Values{}
	params.Add("metric", "latency_ms")
	params.Set("start", time.Now().Add(-time.Minute).Format(time.RFC3339))
	params.Set("end", time.Now().Add(time.Minute).Format(time.RFC3339))
	params.Set("label.endpoint", "/a")
	params.Set("order", "value")
	params.Set("desc", "true")

	resp = ts.get(t, "/api/v1/query", params)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	series := decode[[]types.MetricSeries](t, resp)
	require.Len(t, series, 1)
	require.Len(t, series[0].Points, 2)
	assert.Equal(t, 30.0, series[0].Points[0].Value)
	assert.Equal(t, 10.0, series[0].Points[1].Value)
}

func TestQueryBadRequests(t *testing.T) {
	ts := newTestServer(t)

	for name, params := range map[string]url.Values{
		"no metric":  {},
		"bad start":  {"metric": {"latency_ms"}, "start": {"yesterday"}},
		"bad window": {"metric": {"latency_ms"}, "window": {"soon"}},
		"bad limit":  {"metric": {"latency_ms"}, "limit": {"ten"}},
		"bad method": {"metric": {"latency_ms"}, "method": {"median"}, "window": {"1m"}},
	} {
		t.Run(name, func(t *testing.T) {
			resp := ts.get(t, "/api/v1/query", params)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}

	resp := ts.post(t, "/api/v1/query", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestRecordBadBody(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.post(t, "/api/v1/record", `{"name":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.get(t, "/api/v1/record", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestStatistics(t *testing.T) {
	ts := newTestServer(t)

	params := url.Values{"metric": {"latency_ms"}}
	resp := ts.get(t, "/api/v1/statistics", params)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	ts.post(t, "/api/v1/record", `[{"name":"latency_ms","value":10},{"name":"latency_ms","value":30}]`)
	require.NoError(t, ts.svc.Flush(context.Background()))

	params.Set("end", time.Now().Add(time.Minute).Format(time.RFC3339))
	resp = ts.get(t, "/api/v1/statistics", params)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decode[types.MetricStatistics](t, resp)
	assert.Equal(t, 2, stats.Summary.Count)
	assert.Equal(t, 20.0, stats.Summary.Avg)

	resp = ts.get(t, "/api/v1/statistics", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDefinitions(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.get(t, "/api/v1/definitions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defs := decode[[]types.MetricDefinition](t, resp)
	require.Len(t, defs, 1)
	assert.Equal(t, "latency_ms", defs[0].Name)

	body := `{"name":"queue_depth","kind":"gauge","unit":"items","aggregation_methods":["max"],"retention":3600000000000,"sampling_rate":1,"enabled":true}`
	resp = ts.post(t, "/api/v1/definitions", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = ts.post(t, "/api/v1/definitions", body)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = ts.post(t, "/api/v1/definitions", `{"name":"broken","kind":"gauge"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	def, err := ts.svc.Registry().Get("queue_depth")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, def.Retention)
}

func TestHealthAndShutdown(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.get(t, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", decode[map[string]string](t, resp)["status"])

	require.NoError(t, ts.svc.Shutdown(context.Background()))

	resp = ts.get(t, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp = ts.post(t, "/api/v1/record", `{"name":"latency_ms","value":1}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.post(t, "/api/v1/record", `{"name":"latency_ms","value":1}`)

	resp := ts.get(t, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "metricpipe_collector_observations_ingested_total")
}
