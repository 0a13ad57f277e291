package config

import (
	"context"
	"fmt"
	"net/http"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/jonwraymond/infergate/backsync"
	"github.com/jonwraymond/infergate/backsync/filelog"
	"github.com/jonwraymond/infergate/backsync/postgres"
	"github.com/jonwraymond/infergate/backsync/sqlite"
	"github.com/jonwraymond/infergate/cache"
	"github.com/jonwraymond/infergate/observe"
	"github.com/jonwraymond/infergate/provider"
	"github.com/jonwraymond/infergate/queue"
	"github.com/jonwraymond/infergate/resilience"
	"github.com/jonwraymond/infergate/router"
)

// BuildProvider creates the adapter for one provider definition.
func BuildProvider(p ProviderConfig, client *http.Client) (provider.Provider, error) {
	switch p.Kind {
	case "openai":
		return provider.NewOpenAI(p.Name, p.Endpoint, p.APIKey, client)
	case "anthropic":
		return provider.NewAnthropic(p.Name, p.Endpoint, p.APIKey, client)
	case "http":
		return provider.NewHTTP(provider.HTTPConfig{
			Name:     p.Name,
			Endpoint: p.Endpoint,
			Headers:  p.Headers,
			Client:   client,
		})
	default:
		return nil, fmt.Errorf("config: provider %q has unknown kind %q", p.Name, p.Kind)
	}
}

// Descriptor returns the routing attributes of p.
func (p ProviderConfig) Descriptor() provider.Descriptor {
	return provider.Descriptor{
		Name:          p.Name,
		Endpoint:      p.Endpoint,
		Priority:      p.Priority,
		RateLimit:     p.RateLimit,
		Burst:         p.Burst,
		MaxConcurrent: p.MaxConcurrent,
		Timeout:       time.Duration(p.Timeout),
	}
}

// BuildRegistry registers every configured provider. A nil client lets each
// adapter use its default transport.
func BuildRegistry(cfg Config, client *http.Client) (*provider.Registry, error) {
	reg := provider.NewRegistry()
	for _, pc := range cfg.Providers {
		p, err := BuildProvider(pc, client)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(p, pc.Descriptor()); err != nil {
			return nil, fmt.Errorf("config: register %q: %w", pc.Name, err)
		}
	}
	return reg, nil
}

// BuildCache creates the response cache layer. The returned close function
// releases the backend and is never nil.
func BuildCache(ctx context.Context, cfg CacheConfig, logger observe.Logger) (*cache.Layer, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	policy := cfg.Policy()
	layerOpts := []cache.LayerOption{cache.WithLayerLogger(logger)}

	switch cfg.Backend {
	case "none", "":
		return cache.NewLayer(nil, cache.NoCachePolicy()), noop, nil

	case "memory":
		c := cache.NewMemoryCache()
		return cache.NewLayer(c, policy, layerOpts...), func(context.Context) error { return c.Close() }, nil

	case "ristretto":
		store, err := cache.NewRistrettoStore(cache.RistrettoConfig{
			NumCounters: max(cfg.MaxBytes/1024*10, 1000),
			MaxCost:     cfg.MaxBytes,
			BufferItems: 64,
		})
		if err != nil {
			return nil, nil, err
		}
		c := cache.NewStoreCache(store, nil, cache.WithLogger(logger))
		return cache.NewLayer(c, policy, layerOpts...), c.Close, nil

	case "bigcache":
		store, err := cache.NewBigcacheStore(ctx, cache.BigcacheConfig{
			LifeWindow:         max(cfg.MaxTTL, cfg.DefaultTTL),
			CleanWindow:        time.Minute,
			HardMaxCacheSizeMB: int(max(cfg.MaxBytes>>20, 1)),
		})
		if err != nil {
			return nil, nil, err
		}
		c := cache.NewStoreCache(store, nil, cache.WithLogger(logger))
		return cache.NewLayer(c, policy, layerOpts...), c.Close, nil

	case "redis":
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		store, err := cache.NewRedisStore(rdb, true)
		if err != nil {
			_ = rdb.Close()
			return nil, nil, err
		}
		index, err := cache.NewRedisTagIndex(rdb, "infergate", 2*max(cfg.MaxTTL, cfg.DefaultTTL))
		if err != nil {
			_ = rdb.Close()
			return nil, nil, err
		}
		c := cache.NewStoreCache(store, index, cache.WithLogger(logger))
		return cache.NewLayer(c, policy, layerOpts...), c.Close, nil

	default:
		return nil, nil, fmt.Errorf("config: unknown cache backend %q", cfg.Backend)
	}
}

// Policy returns the cache lifetime rules.
func (c CacheConfig) Policy() cache.Policy {
	return cache.Policy{DefaultTTL: c.DefaultTTL, MaxTTL: c.MaxTTL}
}

// BuildStore opens the durable backlog store. It returns nil for the "none"
// backend, which disables offline persistence.
func BuildStore(ctx context.Context, cfg BacklogConfig, logger observe.Logger) (backsync.Store, error) {
	switch cfg.Backend {
	case "none", "":
		return nil, nil
	case "memory":
		return backsync.NewMemoryStore(), nil
	case "sqlite":
		s, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "filelog":
		l, err := filelog.Open(cfg.Path, filelog.Options{})
		if err != nil {
			return nil, err
		}
		return l, nil
	case "postgres":
		s, err := postgres.Open(ctx, cfg.DSN, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("config: unknown backlog backend %q", cfg.Backend)
	}
}

// BacklogCoordinator wraps store in a replay coordinator. A nil store yields
// a nil coordinator.
func BacklogCoordinator(store backsync.Store, cfg BacklogConfig, opts ...backsync.Option) *backsync.Coordinator {
	if store == nil {
		return nil
	}
	return backsync.NewCoordinator(store, nil, backsync.Config{
		ReplayInterval: cfg.ReplayInterval,
		StartOffline:   cfg.StartOffline,
	}, opts...)
}

// BreakerConfig returns the template every provider breaker is built from.
func (c Config) BreakerConfig() resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		MaxFailures:     c.Breaker.MaxFailures,
		Window:          c.Breaker.Window,
		ResetTimeout:    c.Breaker.Cooldown,
		MaxResetTimeout: c.Breaker.MaxCooldown,
	}
}

// RouterConfig returns the router settings.
func (c Config) RouterConfig() router.Config {
	return router.Config{
		DefaultTimeout: c.DefaultTimeout,
		Retry: resilience.RetryConfig{
			MaxAttempts:  c.Retry.MaxAttempts,
			InitialDelay: c.Retry.InitialDelay,
			MaxDelay:     c.Retry.MaxDelay,
			JitterRatio:  c.Retry.Jitter,
		},
		Queue: queue.Config{
			Capacity:           c.Queue.Capacity,
			DefaultConcurrency: c.Queue.DefaultConcurrency,
			EvictLowForHigh:    c.Queue.EvictLowForHigh,
		},
	}
}

// ObserveConfig returns the telemetry settings.
func (c Config) ObserveConfig() observe.Config {
	t := c.Telemetry
	return observe.Config{
		ServiceName: t.ServiceName,
		Version:     t.Version,
		Tracing: observe.TracingConfig{
			Enabled:   t.TracingExporter != "none",
			Exporter:  t.TracingExporter,
			SamplePct: t.SamplePct,
		},
		Metrics: observe.MetricsConfig{
			Enabled:  t.MetricsExporter != "none",
			Exporter: t.MetricsExporter,
		},
		Logging: observe.LoggingConfig{
			Enabled: true,
			Level:   t.LogLevel,
		},
	}
}
