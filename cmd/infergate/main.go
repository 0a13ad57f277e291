// Command infergate runs the inference gateway: a prioritized, cached,
// failover router in front of LLM providers, served over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jonwraymond/infergate/backsync"
	"github.com/jonwraymond/infergate/config"
	"github.com/jonwraymond/infergate/gateway"
	"github.com/jonwraymond/infergate/health"
	"github.com/jonwraymond/infergate/observe"
	"github.com/jonwraymond/infergate/request"
	"github.com/jonwraymond/infergate/resilience"
	"github.com/jonwraymond/infergate/router"
)

var envFile = flag.String("env", ".env", "dotenv file to load before reading the environment")

func main() {
	flag.Parse()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "infergate: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(*envFile)
	if err != nil {
		return err
	}

	obs, err := observe.NewObserver(ctx, cfg.ObserveConfig())
	if err != nil {
		return fmt.Errorf("observer: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = obs.Shutdown(sctx)
	}()
	logger := obs.Logger()

	mw, err := observe.MiddlewareFromObserver(obs)
	if err != nil {
		return fmt.Errorf("middleware: %w", err)
	}
	events := observe.NewAsyncSink(observe.MultiSink{mw.Metrics(), observe.NewLogSink(logger)}, 1024, logger)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = events.Close(sctx)
	}()

	registry, err := config.BuildRegistry(cfg, &http.Client{})
	if err != nil {
		return err
	}

	layer, closeCache, err := config.BuildCache(ctx, cfg.Cache, logger)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := closeCache(sctx); err != nil {
			logger.Warn(sctx, "cache close failed", observe.F("error", err))
		}
	}()

	store, err := config.BuildStore(ctx, cfg.Backlog, logger)
	if err != nil {
		return fmt.Errorf("backlog: %w", err)
	}
	coord := config.BacklogCoordinator(store, cfg.Backlog,
		backsync.WithLogger(logger), backsync.WithSink(events))
	if coord != nil {
		defer func() {
			if err := coord.Close(); err != nil {
				logger.Warn(context.Background(), "backlog close failed", observe.F("error", err))
			}
		}()
	}

	breakers := resilience.NewBreakers(cfg.BreakerConfig())
	rt, err := router.New(registry, breakers, cfg.RouterConfig(),
		router.WithCache(layer),
		router.WithBacklog(coord),
		router.WithLogger(logger),
		router.WithSink(events),
		router.WithMiddleware(mw),
	)
	if err != nil {
		return err
	}
	rt.OnReplayResult(func(item backsync.Item, res request.Result, err error) {
		if err != nil {
			logger.Warn(ctx, "replay failed", observe.F("request_id", item.ID), observe.F("error", err))
			return
		}
		logger.Info(ctx, "replay completed",
			observe.F("request_id", item.ID), observe.F("provider", res.Provider))
	})

	agg := health.NewAggregator(health.AggregatorConfig{Timeout: 2 * time.Second, Parallel: true})
	agg.Register("providers", health.NewBreakerChecker(breakers))
	agg.Register("queue", health.NewQueueChecker(rt.QueueStats, health.QueueCheckerConfig{}))
	if coord != nil {
		agg.Register("backlog", health.NewBacklogChecker(coord,
			health.BacklogCheckerConfig{MaxPending: cfg.Backlog.MaxPending}))
	}

	gw, err := gateway.New(rt, agg, gateway.WithLogger(logger))
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := rt.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("router: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info(gctx, "listening",
			observe.F("addr", cfg.Addr), observe.F("providers", registry.Names()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info(sctx, "shutting down")
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
