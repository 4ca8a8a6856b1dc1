package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App       AppConfig                 `mapstructure:"app"`
	Log       LogConfig                 `mapstructure:"log"`
	Postgres  PostgresConfig            `mapstructure:"postgres"`
	Redis     RedisConfig               `mapstructure:"redis"`
	Markets   MarketsConfig             `mapstructure:"markets"`
	Exchanges map[string]ExchangeConfig `mapstructure:"exchanges"`
	Ingest    IngestConfig              `mapstructure:"ingest"`
	Flush     FlushConfig               `mapstructure:"flush"`
	Backfill  BackfillConfig            `mapstructure:"backfill"`
	FX        FXConfig                  `mapstructure:"fx"`
	Retention RetentionConfig           `mapstructure:"retention"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // "dev" or "prod"
	CreateDB    bool   `mapstructure:"create_db"`
}

// LogConfig defines the logger configuration options.
type LogConfig struct {
	Level       string `mapstructure:"level"`       // log level: "debug", "info", "warn", "error"
	Format      string `mapstructure:"format"`      // log format: "json" or "console"
	OutputFile  string `mapstructure:"output_file"` // file path to store logs (optional)
	Environment string `mapstructure:"environment"` // environment: "dev" or "prod"
	Service     string `mapstructure:"service"`

	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled"` // false: in-process fast tier
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	QuoteTTL     time.Duration `mapstructure:"quote_ttl"`
	MaxRetries   int           `mapstructure:"max_retries"` // optimistic update retries
}

// MarketsConfig maps each quote currency to the exchanges that serve it.
type MarketsConfig struct {
	Bases  []string            `mapstructure:"bases"`
	Quotes map[string][]string `mapstructure:"quotes"`
}

type ExchangeConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit"` // requests per second
	Burst     int           `mapstructure:"burst"`

	Breaker BreakerConfig `mapstructure:"breaker"`
}

type BreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxFailures  uint32        `mapstructure:"max_failures"`
	OpenTimeout  time.Duration `mapstructure:"open_timeout"`
	HalfOpenReqs uint32        `mapstructure:"half_open_requests"`
}

type IngestConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	MaxDeviation float64       `mapstructure:"max_deviation_pct"` // 0 disables the filter
}

type FlushConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	Offset      time.Duration `mapstructure:"offset"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Concurrency int           `mapstructure:"concurrency"`
}

type BackfillConfig struct {
	Window    time.Duration `mapstructure:"window"`
	BatchSize int           `mapstructure:"batch_size"`
	// LeaseTTL bounds how long a crashed backfill keeps live flush suppressed.
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`
}

type FXConfig struct {
	TTL     time.Duration `mapstructure:"ttl"`
	Refresh time.Duration `mapstructure:"refresh"`
}

type RetentionConfig struct {
	Keep time.Duration `mapstructure:"keep"` // 0 keeps everything
	At   time.Duration `mapstructure:"at"`   // offset from UTC midnight
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "candlecollector")
	v.SetDefault("app.environment", "dev")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 7)
	v.SetDefault("log.compress", true)

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.sslmode", "disable")
	v.SetDefault("postgres.max_open_conns", 10)
	v.SetDefault("postgres.max_idle_conns", 5)
	v.SetDefault("postgres.conn_max_lifetime", time.Hour)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.dial_timeout", 3*time.Second)
	v.SetDefault("redis.read_timeout", 2*time.Second)
	v.SetDefault("redis.write_timeout", 2*time.Second)
	v.SetDefault("redis.quote_ttl", 5*time.Minute)
	v.SetDefault("redis.max_retries", 10)

	v.SetDefault("ingest.interval", time.Second)
	v.SetDefault("ingest.fetch_timeout", 3*time.Second)

	v.SetDefault("flush.interval", time.Minute)
	v.SetDefault("flush.offset", 5*time.Second)
	v.SetDefault("flush.timeout", 30*time.Second)
	v.SetDefault("flush.concurrency", 8)

	v.SetDefault("backfill.window", 24*time.Hour)
	v.SetDefault("backfill.batch_size", 5000)
	v.SetDefault("backfill.lease_ttl", 30*time.Second)

	v.SetDefault("fx.ttl", 5*time.Minute)
	v.SetDefault("fx.refresh", time.Minute)

	v.SetDefault("retention.at", 10*time.Minute)
}

// Load loads application configuration using Viper.
// It reads config.yaml from path (or the default search paths when path is
// empty) and overrides with environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config") // config.yaml
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if ex, err := os.Executable(); err == nil {
			v.AddConfigPath(filepath.Join(filepath.Dir(ex), "../config"))
		}
	}

	// Support environment variables with dot notation (e.g., POSTGRES_HOST)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Log.Environment == "" {
		cfg.Log.Environment = cfg.App.Environment
	}
	if cfg.Log.Service == "" {
		cfg.Log.Service = cfg.App.Name
	}

	return &cfg, nil
}
