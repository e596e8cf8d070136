package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vjranagit/metricpipe/pkg/alert"
	"github.com/vjranagit/metricpipe/pkg/registry"
	"github.com/vjranagit/metricpipe/pkg/storage"
	"github.com/vjranagit/metricpipe/pkg/types"
)

const sampleConfig = `
server:
  listen_addr: ":8080"
storage:
  backend: badger
  path: /var/lib/metricpipe
  compression_level: 2
collector:
  batch_size: 50
  flush_interval: 5s
aggregation:
  windows: ["1m", "15m"]
alerting:
  rules:
    - name: slow
      metric: latency_ms
      operator: gt
      threshold: 500
      severity: warning
metrics:
  - name: latency_ms
    kind: timer
    unit: ms
    label_names: [endpoint]
    aggregation_methods: [avg, p95]
    retention: 720h
    sampling_rate: 1
    enabled: true
    alerting_enabled: true
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "metricpipe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.True(t, cfg.Collector.Enabled)
	assert.Equal(t, 100, cfg.Collector.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.Collector.FlushInterval)
	assert.Equal(t, 10000, cfg.Collector.MaxBufferSize)
	assert.Equal(t, time.Minute, cfg.Aggregation.Interval)
	assert.Equal(t, []time.Duration{time.Minute, 5 * time.Minute, time.Hour}, cfg.Aggregation.Windows)
	assert.Equal(t, time.Hour, cfg.Retention.Interval)
	assert.Equal(t, 1000, cfg.Retention.BatchSize)
	assert.Equal(t, 1024, cfg.Alerting.QueueSize)
	assert.Equal(t, 2*time.Second, cfg.Alerting.Timeout)
	assert.Equal(t, "production", cfg.Collector.Environment)
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, storage.BackendBadger, cfg.Storage.Backend)
	assert.Equal(t, "/var/lib/metricpipe", cfg.Storage.Path)
	assert.Equal(t, 2, cfg.Storage.CompressionLevel)
	assert.Equal(t, 50, cfg.Collector.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.Collector.FlushInterval)
	// Unset keys keep their defaults.
	assert.Equal(t, 10000, cfg.Collector.MaxBufferSize)
	assert.Equal(t, []time.Duration{time.Minute, 15 * time.Minute}, cfg.Aggregation.Windows)

	require.Len(t, cfg.Alerting.Rules, 1)
	assert.Equal(t, alert.Rule{
		Name:      "slow",
		Metric:    "latency_ms",
		Operator:  alert.OpGreater,
		Threshold: 500,
		Severity:  "warning",
	}, cfg.Alerting.Rules[0])

	defs := cfg.Definitions()
	require.Len(t, defs, 1)
	def := defs[0]
	assert.Equal(t, "latency_ms", def.Name)
	assert.Equal(t, types.MetricKind("timer"), def.Kind)
	assert.Equal(t, []string{"endpoint"}, def.LabelNames)
	assert.Equal(t, []types.AggregationMethod{"avg", "p95"}, def.AggregationMethods)
	assert.Equal(t, 30*24*time.Hour, def.Retention)
	assert.Equal(t, 1.0, def.SamplingRate)
	assert.True(t, def.Enabled)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("METRICPIPE_SERVER_LISTEN_ADDR", ":7070")
	t.Setenv("METRICPIPE_STORAGE_REDIS_ADDR", "redis:6380")
	t.Setenv("METRICPIPE_COLLECTOR_FLUSH_INTERVAL", "10s")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.ListenAddr)
	assert.Equal(t, "redis:6380", cfg.Storage.Redis.Addr)
	assert.Equal(t, 10*time.Second, cfg.Collector.FlushInterval)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = Load(writeConfig(t, "storage:\n  backend: cassandra\n"))
	require.ErrorContains(t, err, "unknown storage backend")

	_, err = Load(writeConfig(t, "metrics:\n  - name: bad\n    kind: timer\n"))
	require.ErrorIs(t, err, types.ErrInvalidDefinition)
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"listen addr":  func(c *Config) { c.Server.ListenAddr = "" },
		"compression":  func(c *Config) { c.Storage.CompressionLevel = 5 },
		"badger path":  func(c *Config) { c.Storage.Backend = storage.BackendBadger; c.Storage.Path = "" },
		"batch size":   func(c *Config) { c.Collector.BatchSize = 0 },
		"flush":        func(c *Config) { c.Collector.FlushInterval = 0 },
		"buffer":       func(c *Config) { c.Collector.MaxBufferSize = -1 },
		"window":       func(c *Config) { c.Aggregation.Windows = []time.Duration{0} },
		"retention":    func(c *Config) { c.Retention.BatchSize = 0 },
		"alert rule":   func(c *Config) { c.Alerting.Rules = []alert.Rule{{Name: "x", Metric: "m", Operator: "~"}} },
		"log level":    func(c *Config) { c.Log.Level = "loud" },
		"aggregation":  func(c *Config) { c.Aggregation.Interval = 0 },
		"sweep period": func(c *Config) { c.Retention.Interval = -time.Second },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestConversions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Redis.DB = 3

	sc := cfg.ToStorageConfig()
	assert.Equal(t, storage.BackendMemory, sc.Backend)
	assert.Equal(t, 3, sc.CompressionLevel)
	assert.Equal(t, 3, sc.Redis.DB)
	assert.Equal(t, "metricpipe", sc.Redis.KeyPrefix)

	cc := cfg.ToCollectorConfig()
	assert.True(t, cc.RealTimeAlerting)
	assert.Equal(t, 1024, cc.AlertQueueSize)
	assert.Equal(t, "production", cc.Environment)

	pc := cfg.ToPipelineConfig()
	assert.Equal(t, cc, pc.Collector)
	assert.Equal(t, time.Minute, pc.AggregationInterval)
	assert.Equal(t, time.Hour, pc.RetentionInterval)
	assert.Equal(t, 1000, pc.RetentionBatchSize)
	assert.Equal(t, 30*time.Second, pc.StopTimeout)

	assert.Equal(t, registry.Defaults(), cfg.Definitions())
}

func TestNewLogger(t *testing.T) {
	lg, err := LogConfig{Level: "debug", Development: true}.NewLogger()
	require.NoError(t, err)
	require.NotNil(t, lg)

	_, err = LogConfig{Level: "loud"}.NewLogger()
	require.Error(t, err)
}
