package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/joho/godotenv"
)

// Config is the gateway configuration, read from INFERGATE_* environment
// variables and the provider file.
type Config struct {
	Addr            string        `env:"INFERGATE_ADDR" envDefault:":8080" validate:"required"`
	ShutdownTimeout time.Duration `env:"INFERGATE_SHUTDOWN_TIMEOUT" envDefault:"10s" validate:"gt=0"`
	ProvidersFile   string        `env:"INFERGATE_PROVIDERS_FILE" validate:"required"`
	DefaultTimeout  time.Duration `env:"INFERGATE_DEFAULT_TIMEOUT" envDefault:"30s" validate:"gt=0"`

	Queue     QueueConfig     `envPrefix:"INFERGATE_QUEUE_"`
	Retry     RetryConfig     `envPrefix:"INFERGATE_RETRY_"`
	Breaker   BreakerConfig   `envPrefix:"INFERGATE_BREAKER_"`
	Cache     CacheConfig     `envPrefix:"INFERGATE_CACHE_"`
	Backlog   BacklogConfig   `envPrefix:"INFERGATE_BACKLOG_"`
	Telemetry TelemetryConfig `envPrefix:"INFERGATE_"`

	Providers []ProviderConfig `env:"-" validate:"min=1,unique=Name,dive"`
}

// QueueConfig bounds admission and dispatch concurrency.
type QueueConfig struct {
	Capacity           int  `env:"CAPACITY" envDefault:"1024" validate:"gt=0"`
	DefaultConcurrency int  `env:"CONCURRENCY" envDefault:"4" validate:"gt=0"`
	EvictLowForHigh    bool `env:"EVICT_LOW" envDefault:"true"`
}

// RetryConfig shapes per-provider retries.
type RetryConfig struct {
	MaxAttempts  int           `env:"MAX_ATTEMPTS" envDefault:"3" validate:"gt=0"`
	InitialDelay time.Duration `env:"INITIAL_DELAY" envDefault:"200ms" validate:"gt=0"`
	MaxDelay     time.Duration `env:"MAX_DELAY" envDefault:"30s" validate:"gtefield=InitialDelay"`
	Jitter       float64       `env:"JITTER" envDefault:"0.2" validate:"gte=0,lt=1"`
}

// BreakerConfig configures every provider's circuit breaker.
type BreakerConfig struct {
	MaxFailures int           `env:"MAX_FAILURES" envDefault:"5" validate:"gt=0"`
	Window      time.Duration `env:"WINDOW" envDefault:"1m" validate:"gt=0"`
	Cooldown    time.Duration `env:"COOLDOWN" envDefault:"30s" validate:"gt=0"`
	MaxCooldown time.Duration `env:"MAX_COOLDOWN" envDefault:"5m" validate:"gtefield=Cooldown"`
}

// CacheConfig selects and sizes the response cache.
type CacheConfig struct {
	Backend    string        `env:"BACKEND" envDefault:"memory" validate:"oneof=none memory ristretto bigcache redis"`
	DefaultTTL time.Duration `env:"TTL" envDefault:"5m" validate:"gte=0"`
	MaxTTL     time.Duration `env:"MAX_TTL" envDefault:"1h" validate:"gte=0"`

	// MaxBytes is the in-process budget for ristretto and bigcache.
	MaxBytes int64 `env:"MAX_BYTES" envDefault:"268435456" validate:"gt=0"`

	RedisAddr     string `env:"REDIS_ADDR" validate:"required_if=Backend redis"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0" validate:"gte=0"`
}

// BacklogConfig selects the durable store for deferred requests.
type BacklogConfig struct {
	Backend        string        `env:"BACKEND" envDefault:"sqlite" validate:"oneof=none memory sqlite filelog postgres"`
	Path           string        `env:"PATH" envDefault:"infergate-backlog.db" validate:"required_if=Backend sqlite,required_if=Backend filelog"`
	DSN            string        `env:"DSN" validate:"required_if=Backend postgres"`
	ReplayInterval time.Duration `env:"REPLAY_INTERVAL" envDefault:"30s" validate:"gte=0"`
	StartOffline   bool          `env:"START_OFFLINE"`
	MaxPending     int           `env:"MAX_PENDING" envDefault:"1000" validate:"gte=0"`
}

// TelemetryConfig configures logging, tracing and metrics export.
type TelemetryConfig struct {
	ServiceName     string  `env:"SERVICE_NAME" envDefault:"infergate" validate:"required"`
	Version         string  `env:"VERSION" envDefault:"dev"`
	LogLevel        string  `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
	TracingExporter string  `env:"TRACING_EXPORTER" envDefault:"none" validate:"oneof=otlp otlp-http stdout none"`
	SamplePct       float64 `env:"TRACING_SAMPLE" envDefault:"0.1" validate:"gte=0,lte=1"`
	MetricsExporter string  `env:"METRICS_EXPORTER" envDefault:"prometheus" validate:"oneof=otlp prometheus stdout none"`
}

// ProviderConfig describes one backend in the providers file.
type ProviderConfig struct {
	Name          string            `json:"name" validate:"required"`
	Kind          string            `json:"kind" validate:"required,oneof=openai anthropic http"`
	Endpoint      string            `json:"endpoint" validate:"omitempty,url"`
	APIKey        string            `json:"api_key"`
	Headers       map[string]string `json:"headers,omitempty"`
	Priority      int               `json:"priority"`
	RateLimit     float64           `json:"rate_limit" validate:"gte=0"`
	Burst         int               `json:"burst" validate:"gte=0"`
	MaxConcurrent int               `json:"max_concurrent" validate:"gte=0"`
	Timeout       Duration          `json:"timeout"`
}

// Duration is a time.Duration written as a Go duration string in JSON.
type Duration time.Duration

// UnmarshalJSON accepts "30s" style strings and plain nanosecond numbers.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = Duration(time.Duration(val))
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

// MarshalJSON writes the duration string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads dotenv files (".env" when none are given; missing files are
// skipped), parses the environment and the providers file, and validates the
// result. Existing environment variables win over dotenv values.
func Load(dotenv ...string) (Config, error) {
	if len(dotenv) == 0 {
		dotenv = []string{".env"}
	}
	for _, f := range dotenv {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	if cfg.ProvidersFile != "" {
		providers, err := LoadProviders(cfg.ProvidersFile)
		if err != nil {
			return Config{}, err
		}
		cfg.Providers = providers
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadProviders reads a JSON array of provider definitions and expands
// ${VAR} references in endpoints, API keys and header values.
func LoadProviders(path string) ([]ProviderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read providers: %w", err)
	}
	var providers []ProviderConfig
	if err := json.Unmarshal(data, &providers); err != nil {
		return nil, fmt.Errorf("config: parse providers %s: %w", path, err)
	}
	for i := range providers {
		if err := providers[i].expand(); err != nil {
			return nil, fmt.Errorf("config: provider %q: %w", providers[i].Name, err)
		}
	}
	return providers, nil
}

func (p *ProviderConfig) expand() error {
	var err error
	if p.Endpoint, err = ExpandEnvStrict(p.Endpoint); err != nil {
		return err
	}
	if p.APIKey, err = ExpandEnvStrict(p.APIKey); err != nil {
		return err
	}
	for k, v := range p.Headers {
		if p.Headers[k], err = ExpandEnvStrict(v); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks field constraints and cross-field rules.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, fe := range verrs {
				msgs[i] = fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag())
			}
			return fmt.Errorf("config: invalid: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("config: invalid: %w", err)
	}
	for _, p := range c.Providers {
		if p.Kind == "http" && p.Endpoint == "" {
			return fmt.Errorf("config: invalid: provider %q of kind http needs an endpoint", p.Name)
		}
	}
	if err := c.Cache.Policy().Validate(); err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}
	return nil
}
