package config

import (
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/vjranagit/metricpipe/pkg/aggregator"
	"github.com/vjranagit/metricpipe/pkg/alert"
	"github.com/vjranagit/metricpipe/pkg/collector"
	"github.com/vjranagit/metricpipe/pkg/pipeline"
	"github.com/vjranagit/metricpipe/pkg/registry"
	"github.com/vjranagit/metricpipe/pkg/retention"
	"github.com/vjranagit/metricpipe/pkg/storage"
	"github.com/vjranagit/metricpipe/pkg/types"
)

// EnvPrefix prefixes environment overrides, e.g. METRICPIPE_STORAGE_PATH.
const EnvPrefix = "METRICPIPE"

// Config holds the application configuration
type Config struct {
	Server      ServerConfig             `mapstructure:"server"`
	Storage     StorageConfig            `mapstructure:"storage"`
	Collector   CollectorConfig          `mapstructure:"collector"`
	Aggregation AggregationConfig        `mapstructure:"aggregation"`
	Retention   RetentionConfig          `mapstructure:"retention"`
	Alerting    AlertingConfig           `mapstructure:"alerting"`
	Log         LogConfig                `mapstructure:"log"`
	Metrics     []types.MetricDefinition `mapstructure:"metrics"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	Timeout         time.Duration `mapstructure:"timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StorageConfig holds storage configuration
type StorageConfig struct {
	Backend          string        `mapstructure:"backend"`
	Path             string        `mapstructure:"path"`
	CompressionLevel int           `mapstructure:"compression_level"`
	CacheCapacity    int           `mapstructure:"cache_capacity"`
	CacheTTL         time.Duration `mapstructure:"cache_ttl"`
	SpillDir         string        `mapstructure:"spill_dir"`
	Redis            RedisConfig   `mapstructure:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// CollectorConfig holds ingestion settings.
type CollectorConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	MaxBufferSize int           `mapstructure:"max_buffer_size"`
	Environment   string        `mapstructure:"environment"`
}

// AggregationConfig holds roll-up settings.
type AggregationConfig struct {
	Interval time.Duration   `mapstructure:"interval"`
	Windows  []time.Duration `mapstructure:"windows"`
}

// RetentionConfig holds sweep settings.
type RetentionConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
}

// AlertingConfig holds real-time alerting settings.
type AlertingConfig struct {
	RealTime  bool          `mapstructure:"real_time"`
	QueueSize int           `mapstructure:"queue_size"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Rules     []alert.Rule  `mapstructure:"rules"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":9090",
			Timeout:         30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			Backend:          storage.BackendMemory,
			Path:             "./data",
			CompressionLevel: 3,
			CacheCapacity:    256,
			CacheTTL:         30 * time.Second,
			SpillDir:         "./data/spill",
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "metricpipe",
			},
		},
		Collector: CollectorConfig{
			Enabled:       true,
			BatchSize:     100,
			FlushInterval: 30 * time.Second,
			MaxBufferSize: 10000,
			Environment:   "production",
		},
		Aggregation: AggregationConfig{
			Interval: time.Minute,
			Windows:  append([]time.Duration(nil), aggregator.DefaultWindows...),
		},
		Retention: RetentionConfig{
			Interval:  time.Hour,
			BatchSize: retention.DefaultBatchSize,
		},
		Alerting: AlertingConfig{
			RealTime:  true,
			QueueSize: 1024,
			Timeout:   2 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from path (optional) and METRICPIPE_*
// environment variables over DefaultConfig.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.listen_addr", d.Server.ListenAddr)
	v.SetDefault("server.timeout", d.Server.Timeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("storage.backend", d.Storage.Backend)
	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("storage.compression_level", d.Storage.CompressionLevel)
	v.SetDefault("storage.cache_capacity", d.Storage.CacheCapacity)
	v.SetDefault("storage.cache_ttl", d.Storage.CacheTTL)
	v.SetDefault("storage.spill_dir", d.Storage.SpillDir)
	v.SetDefault("storage.redis.addr", d.Storage.Redis.Addr)
	v.SetDefault("storage.redis.password", d.Storage.Redis.Password)
	v.SetDefault("storage.redis.db", d.Storage.Redis.DB)
	v.SetDefault("storage.redis.key_prefix", d.Storage.Redis.KeyPrefix)

	v.SetDefault("collector.enabled", d.Collector.Enabled)
	v.SetDefault("collector.batch_size", d.Collector.BatchSize)
	v.SetDefault("collector.flush_interval", d.Collector.FlushInterval)
	v.SetDefault("collector.max_buffer_size", d.Collector.MaxBufferSize)
	v.SetDefault("collector.environment", d.Collector.Environment)

	v.SetDefault("aggregation.interval", d.Aggregation.Interval)
	v.SetDefault("aggregation.windows", durationStrings(d.Aggregation.Windows))

	v.SetDefault("retention.interval", d.Retention.Interval)
	v.SetDefault("retention.batch_size", d.Retention.BatchSize)

	v.SetDefault("alerting.real_time", d.Alerting.RealTime)
	v.SetDefault("alerting.queue_size", d.Alerting.QueueSize)
	v.SetDefault("alerting.timeout", d.Alerting.Timeout)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.development", d.Log.Development)
}

func durationStrings(ds []time.Duration) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.String()
	}
	return out
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return errors.New("server listen address is required")
	}

	switch c.Storage.Backend {
	case storage.BackendMemory, storage.BackendRedis:
	case storage.BackendBadger:
		if c.Storage.Path == "" {
			return errors.New("storage path is required")
		}
	default:
		return errors.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	if c.Storage.CompressionLevel < 1 || c.Storage.CompressionLevel > 4 {
		return errors.New("compression level must be between 1 and 4")
	}

	if c.Collector.BatchSize < 1 {
		return errors.New("collector batch size must be at least 1")
	}
	if c.Collector.FlushInterval <= 0 {
		return errors.New("collector flush interval must be positive")
	}
	if c.Collector.MaxBufferSize < 0 {
		return errors.New("collector max buffer size must not be negative")
	}

	if c.Aggregation.Interval <= 0 {
		return errors.New("aggregation interval must be positive")
	}
	for _, w := range c.Aggregation.Windows {
		if w <= 0 {
			return errors.Errorf("aggregation window %v must be positive", w)
		}
	}

	if c.Retention.Interval <= 0 {
		return errors.New("retention interval must be positive")
	}
	if c.Retention.BatchSize < 1 {
		return errors.New("retention batch size must be at least 1")
	}

	for _, r := range c.Alerting.Rules {
		if err := r.Validate(); err != nil {
			return errors.Wrap(err, "invalid alert rule")
		}
	}
	for _, def := range c.Metrics {
		if err := def.Validate(); err != nil {
			return err
		}
	}

	if _, err := zap.ParseAtomicLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "invalid log level")
	}
	return nil
}

// ToStorageConfig converts to storage.Config
func (c *Config) ToStorageConfig() *storage.Config {
	return &storage.Config{
		Backend:          c.Storage.Backend,
		Path:             c.Storage.Path,
		CompressionLevel: c.Storage.CompressionLevel,
		CacheCapacity:    c.Storage.CacheCapacity,
		CacheTTL:         c.Storage.CacheTTL,
		Redis: storage.RedisConfig{
			Addr:      c.Storage.Redis.Addr,
			Password:  c.Storage.Redis.Password,
			DB:        c.Storage.Redis.DB,
			KeyPrefix: c.Storage.Redis.KeyPrefix,
		},
	}
}

// ToCollectorConfig converts to collector.Config.
func (c *Config) ToCollectorConfig() collector.Config {
	return collector.Config{
		Enabled:          c.Collector.Enabled,
		BatchSize:        c.Collector.BatchSize,
		FlushInterval:    c.Collector.FlushInterval,
		MaxBufferSize:    c.Collector.MaxBufferSize,
		RealTimeAlerting: c.Alerting.RealTime,
		AlertQueueSize:   c.Alerting.QueueSize,
		AlertTimeout:     c.Alerting.Timeout,
		Environment:      c.Collector.Environment,
	}
}

// ToPipelineConfig converts to pipeline.Config.
func (c *Config) ToPipelineConfig() pipeline.Config {
	return pipeline.Config{
		Collector:           c.ToCollectorConfig(),
		AggregationInterval: c.Aggregation.Interval,
		Windows:             c.Aggregation.Windows,
		RetentionInterval:   c.Retention.Interval,
		RetentionBatchSize:  c.Retention.BatchSize,
		StopTimeout:         c.Server.ShutdownTimeout,
	}
}

// Definitions returns the configured metric definitions, or the built-in
// ones when none are configured.
func (c *Config) Definitions() []types.MetricDefinition {
	if len(c.Metrics) == 0 {
		return registry.Defaults()
	}
	return c.Metrics
}

// NewLogger builds the process logger.
func (c LogConfig) NewLogger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}
