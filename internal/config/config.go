package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds runtime configuration for the API service and the docgen command.
type Config struct {
	Env             string        `validate:"required,oneof=dev test staging production"`
	HTTPPort        string        `validate:"required,numeric"`
	LogLevel        string        `validate:"oneof=debug info warn error"`
	LogFormat       string        `validate:"oneof=json text"`
	ShutdownTimeout time.Duration `validate:"gt=0"`
	// WaitTimeout is used by HTTP waits that do not name a timeout.
	WaitTimeout time.Duration `validate:"gt=0"`

	Generation SchedulerConfig
	Sections   SchedulerConfig
	Retry      RetryConfig
	Provider   ProviderConfig
	Pipeline   PipelineConfig
	Janitor    JanitorConfig
	Redis      RedisConfig
	Archive    ArchiveConfig
}

// SchedulerConfig bounds one scheduler.
type SchedulerConfig struct {
	Concurrency int           `validate:"gt=0,lte=100"`
	IntervalCap int           `validate:"gte=0"`
	Interval    time.Duration `validate:"gte=0"`
}

// RetryConfig is the backoff policy shared by both schedulers.
type RetryConfig struct {
	BaseDelay      time.Duration `validate:"gt=0"`
	MaxDelay       time.Duration `validate:"gte=0"`
	MaxRetries     int           `validate:"gte=0,lte=10"`
	AttemptTimeout time.Duration `validate:"gte=0"`
}

// MaxBackoff is the longest delay any scheduled retry can wait.
func (r RetryConfig) MaxBackoff() time.Duration {
	if r.MaxRetries == 0 {
		return 0
	}
	d := r.BaseDelay << (r.MaxRetries - 1)
	if r.MaxDelay > 0 && d > r.MaxDelay {
		d = r.MaxDelay
	}
	return d
}

// ProviderConfig selects and configures the generation provider.
type ProviderConfig struct {
	Kind        string        `validate:"oneof=mock openai gemini"`
	BaseURL     string        `validate:"required_if=Kind openai"`
	APIKey      string        `validate:"required_if=Kind gemini"`
	Model       string        `validate:"required_unless=Kind mock"`
	Temperature float32       `validate:"gte=0,lte=2"`
	MaxTokens   int           `validate:"gte=0"`
	MockLatency time.Duration `validate:"gte=0"`
}

// PipelineConfig sizes document pipelines.
type PipelineConfig struct {
	MaxExperienceSections     int           `validate:"gt=0,lte=50"`
	DefaultExperienceSections int           `validate:"gte=0,lte=50"`
	RunTimeout                time.Duration `validate:"gte=0"`
}

// JanitorConfig controls pruning of stale retry markers.
type JanitorConfig struct {
	Interval      time.Duration `validate:"gte=0"`
	StaleRetryAge time.Duration `validate:"gte=0"`
}

// RedisConfig enables Redis-backed rate limits when Addr is set.
type RedisConfig struct {
	Addr              string
	Password          string
	DB                int     `validate:"gte=0"`
	RateLimitCapacity int     `validate:"gte=0"`
	RateLimitRefill   float64 `validate:"gte=0"`
	// ProviderKey, when set, makes every process share one provider budget.
	ProviderKey      string
	ProviderCapacity int     `validate:"gte=0"`
	ProviderRefill   float64 `validate:"gte=0"`
}

// ArchiveConfig enables the Postgres job archive when PostgresDSN is set.
type ArchiveConfig struct {
	PostgresDSN string
	Buffer      int  `validate:"gt=0"`
	Migrate     bool
}

type setting struct {
	key string
	env string
	def any
}

var settings = []setting{
	{"env", "APP_ENV", "dev"},
	{"http_port", "HTTP_PORT", "8080"},
	{"log_level", "LOG_LEVEL", "info"},
	{"log_format", "LOG_FORMAT", "json"},
	{"shutdown_timeout", "SHUTDOWN_TIMEOUT", "10s"},
	{"wait_timeout", "WAIT_TIMEOUT", "5m"},

	{"generation.concurrency", "GENERATION_CONCURRENCY", 5},
	{"generation.interval_cap", "GENERATION_INTERVAL_CAP", 0},
	{"generation.interval", "GENERATION_INTERVAL", "1s"},
	{"sections.concurrency", "SECTION_CONCURRENCY", 3},
	{"sections.interval_cap", "SECTION_INTERVAL_CAP", 0},
	{"sections.interval", "SECTION_INTERVAL", "1s"},

	{"retry.base_delay", "RETRY_BASE_DELAY", "1s"},
	{"retry.max_delay", "RETRY_MAX_DELAY", "0s"},
	{"retry.max_retries", "MAX_RETRIES", 3},
	{"retry.attempt_timeout", "ATTEMPT_TIMEOUT", "2m"},

	{"provider.kind", "PROVIDER", "mock"},
	{"provider.base_url", "PROVIDER_BASE_URL", ""},
	{"provider.api_key", "PROVIDER_API_KEY", ""},
	{"provider.model", "PROVIDER_MODEL", ""},
	{"provider.temperature", "PROVIDER_TEMPERATURE", 0.0},
	{"provider.max_tokens", "PROVIDER_MAX_TOKENS", 0},
	{"provider.mock_latency", "MOCK_LATENCY", "200ms"},

	{"pipeline.max_experience_sections", "MAX_EXPERIENCE_SECTIONS", 10},
	{"pipeline.default_experience_sections", "DEFAULT_EXPERIENCE_SECTIONS", 3},
	{"pipeline.run_timeout", "PIPELINE_RUN_TIMEOUT", "10m"},

	{"janitor.interval", "JANITOR_INTERVAL", "1m"},
	{"janitor.stale_retry_age", "STALE_RETRY_AGE", "10m"},

	{"redis.addr", "REDIS_ADDR", ""},
	{"redis.password", "REDIS_PASSWORD", ""},
	{"redis.db", "REDIS_DB", 0},
	{"redis.rate_limit_capacity", "RATE_LIMIT_CAPACITY", 50},
	{"redis.rate_limit_refill", "RATE_LIMIT_REFILL_PER_SEC", 20.0},
	{"redis.provider_key", "PROVIDER_RATE_LIMIT_KEY", ""},
	{"redis.provider_capacity", "PROVIDER_RATE_LIMIT_CAPACITY", 10},
	{"redis.provider_refill", "PROVIDER_RATE_LIMIT_REFILL_PER_SEC", 5.0},

	{"archive.postgres_dsn", "POSTGRES_DSN", ""},
	{"archive.buffer", "ARCHIVE_BUFFER", 1024},
	{"archive.migrate", "ARCHIVE_MIGRATE", true},
}

// Load reads configuration from the environment, falling back to an optional
// YAML file named by CONFIG_FILE and then to defaults for local development.
func Load() (Config, error) {
	v := viper.New()
	for _, s := range settings {
		v.SetDefault(s.key, s.def)
		if err := v.BindEnv(s.key, s.env); err != nil {
			return Config{}, fmt.Errorf("bind %s: %w", s.env, err)
		}
	}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg := Config{
		Env:             v.GetString("env"),
		HTTPPort:        v.GetString("http_port"),
		LogLevel:        v.GetString("log_level"),
		LogFormat:       v.GetString("log_format"),
		ShutdownTimeout: v.GetDuration("shutdown_timeout"),
		WaitTimeout:     v.GetDuration("wait_timeout"),
		Generation:      schedulerConfig(v, "generation"),
		Sections:        schedulerConfig(v, "sections"),
		Retry: RetryConfig{
			BaseDelay:      v.GetDuration("retry.base_delay"),
			MaxDelay:       v.GetDuration("retry.max_delay"),
			MaxRetries:     v.GetInt("retry.max_retries"),
			AttemptTimeout: v.GetDuration("retry.attempt_timeout"),
		},
		Provider: ProviderConfig{
			Kind:        v.GetString("provider.kind"),
			BaseURL:     v.GetString("provider.base_url"),
			APIKey:      v.GetString("provider.api_key"),
			Model:       v.GetString("provider.model"),
			Temperature: float32(v.GetFloat64("provider.temperature")),
			MaxTokens:   v.GetInt("provider.max_tokens"),
			MockLatency: v.GetDuration("provider.mock_latency"),
		},
		Pipeline: PipelineConfig{
			MaxExperienceSections:     v.GetInt("pipeline.max_experience_sections"),
			DefaultExperienceSections: v.GetInt("pipeline.default_experience_sections"),
			RunTimeout:                v.GetDuration("pipeline.run_timeout"),
		},
		Janitor: JanitorConfig{
			Interval:      v.GetDuration("janitor.interval"),
			StaleRetryAge: v.GetDuration("janitor.stale_retry_age"),
		},
		Redis: RedisConfig{
			Addr:              v.GetString("redis.addr"),
			Password:          v.GetString("redis.password"),
			DB:                v.GetInt("redis.db"),
			RateLimitCapacity: v.GetInt("redis.rate_limit_capacity"),
			RateLimitRefill:   v.GetFloat64("redis.rate_limit_refill"),
			ProviderKey:       v.GetString("redis.provider_key"),
			ProviderCapacity:  v.GetInt("redis.provider_capacity"),
			ProviderRefill:    v.GetFloat64("redis.provider_refill"),
		},
		Archive: ArchiveConfig{
			PostgresDSN: v.GetString("archive.postgres_dsn"),
			Buffer:      v.GetInt("archive.buffer"),
			Migrate:     v.GetBool("archive.migrate"),
		},
	}

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Janitor.Interval > 0 && cfg.Janitor.StaleRetryAge > 0 &&
		cfg.Janitor.StaleRetryAge <= cfg.Retry.MaxBackoff() {
		return Config{}, fmt.Errorf("invalid config: STALE_RETRY_AGE %s must exceed the longest retry backoff %s",
			cfg.Janitor.StaleRetryAge, cfg.Retry.MaxBackoff())
	}
	return cfg, nil
}

func schedulerConfig(v *viper.Viper, prefix string) SchedulerConfig {
	return SchedulerConfig{
		Concurrency: v.GetInt(prefix + ".concurrency"),
		IntervalCap: v.GetInt(prefix + ".interval_cap"),
		Interval:    v.GetDuration(prefix + ".interval"),
	}
}
