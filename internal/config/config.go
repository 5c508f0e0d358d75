package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Places      PlacesConfig      `yaml:"places" mapstructure:"places"`
	Extract     ExtractConfig     `yaml:"extract" mapstructure:"extract"`
	Dedup       DedupConfig       `yaml:"dedup" mapstructure:"dedup"`
	Idempotency IdempotencyConfig `yaml:"idempotency" mapstructure:"idempotency"`
	Registry    RegistryConfig    `yaml:"registry" mapstructure:"registry"`
	Feeds       []FeedConfig      `yaml:"feeds" mapstructure:"feeds"`
	Sync        SyncConfig        `yaml:"sync" mapstructure:"sync"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// PlacesConfig holds geocoding settings.
type PlacesConfig struct {
	Key         string  `yaml:"key" mapstructure:"key"`
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	BiasLat     float64 `yaml:"bias_lat" mapstructure:"bias_lat"`
	BiasLng     float64 `yaml:"bias_lng" mapstructure:"bias_lng"`
	BiasRadius  float64 `yaml:"bias_radius" mapstructure:"bias_radius"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RateLimit   float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// ExtractConfig holds flyer-extraction model settings.
type ExtractConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// DedupConfig holds deduplication thresholds.
type DedupConfig struct {
	NameThreshold        float64       `yaml:"name_threshold" mapstructure:"name_threshold"`
	DescriptionThreshold float64       `yaml:"description_threshold" mapstructure:"description_threshold"`
	FuzzyNameThreshold   float64       `yaml:"fuzzy_name_threshold" mapstructure:"fuzzy_name_threshold"`
	FuzzyWindow          time.Duration `yaml:"fuzzy_window" mapstructure:"fuzzy_window"`
}

// IdempotencyConfig holds upload-guard timing.
type IdempotencyConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	MaxWait      time.Duration `yaml:"max_wait" mapstructure:"max_wait"`
}

// RegistryConfig holds registry cache settings.
type RegistryConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`
}

// FeedConfig describes one JSON feed source.
type FeedConfig struct {
	Name       string  `yaml:"name" mapstructure:"name"`
	URL        string  `yaml:"url" mapstructure:"url"`
	Confidence float64 `yaml:"confidence" mapstructure:"confidence"`
	RateLimit  float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// SyncConfig configures the periodic adapter runner.
type SyncConfig struct {
	Interval    time.Duration `yaml:"interval" mapstructure:"interval"`
	Parallelism int           `yaml:"parallelism" mapstructure:"parallelism"`
}

// ServerConfig configures the upload intake server.
type ServerConfig struct {
	Port         int   `yaml:"port" mapstructure:"port"`
	MaxUploadMiB int64 `yaml:"max_upload_mib" mapstructure:"max_upload_mib"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("EVENTLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("places.base_url", "https://places.googleapis.com/v1")
	v.SetDefault("places.bias_lat", 42.383971)
	v.SetDefault("places.bias_lng", -71.108600)
	v.SetDefault("places.bias_radius", 16100)
	v.SetDefault("places.timeout_secs", 5)
	v.SetDefault("places.rate_limit", 10)
	v.SetDefault("extract.base_url", "https://api.openai.com/v1")
	v.SetDefault("extract.model", "gpt-4o-mini")
	v.SetDefault("dedup.name_threshold", 0.985)
	v.SetDefault("dedup.description_threshold", 0.95)
	v.SetDefault("dedup.fuzzy_name_threshold", 0.85)
	v.SetDefault("dedup.fuzzy_window", "30m")
	v.SetDefault("idempotency.poll_interval", "200ms")
	v.SetDefault("idempotency.max_wait", "30s")
	v.SetDefault("registry.cache_ttl", "1m")
	v.SetDefault("sync.interval", "1h")
	v.SetDefault("sync.parallelism", 4)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.max_upload_mib", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the settings a command depends on are present.
func (c *Config) Validate(mode string) error {
	switch mode {
	case "store":
		if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
			return eris.New("config: store.database_url is required for the postgres driver")
		}
	case "serve":
		if err := c.Validate("store"); err != nil {
			return err
		}
		if c.Extract.Key == "" {
			return eris.New("config: extract.key is required for the upload server")
		}
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
