// SPDX-License-Identifier: MIT

// Command eventd runs the unified event service: HTTP ingestion, the
// processor pipeline, subscription routing, replay and projections.
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

	"github.com/meridianhq/eventd/internal/api"
	"github.com/meridianhq/eventd/internal/cache"
	"github.com/meridianhq/eventd/internal/config"
	"github.com/meridianhq/eventd/internal/dispatch"
	xdlog "github.com/meridianhq/eventd/internal/log"
	"github.com/meridianhq/eventd/internal/pipeline"
	"github.com/meridianhq/eventd/internal/projection"
	"github.com/meridianhq/eventd/internal/replay"
	"github.com/meridianhq/eventd/internal/store"
	"github.com/meridianhq/eventd/internal/stream"
	"github.com/meridianhq/eventd/internal/subscription"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("eventd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		logger := xdlog.WithComponent("main")
		logger.Fatal().Err(err).Msg("service failed")
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	xdlog.Configure(xdlog.Config{Level: cfg.LogLevel, Service: "eventd"})
	logger := xdlog.WithComponent("main")
	logger.Info().Str("version", version).Str("listen", cfg.Listen).Msg("starting eventd")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	s, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer func() { _ = s.Close() }()

	registryCache, err := newCache(cfg)
	if err != nil {
		return err
	}

	streams := stream.NewManager(s)
	processors := pipeline.NewRegistry(s, registryCache, cfg.CacheTTL)
	pipe := pipeline.New(s, processors, cfg.ProcessorTimeout, cfg.RetryBackoff)
	subscriptions := subscription.NewRegistry(s, registryCache, cfg.CacheTTL)
	router := subscription.NewRouter(s, subscriptions,
		subscription.NewWebhookClient(cfg.WebhookTimeout), cfg.OutboundRPS)
	engine := replay.NewEngine(s, streams)

	materializer, err := projection.Open(cfg.ProjectionPath(), engine)
	if err != nil {
		return fmt.Errorf("open projection store: %w", err)
	}
	defer func() { _ = materializer.Close() }()

	dispatcher := dispatch.New(s, []dispatch.Consumer{
		dispatch.ConsumerFunc(pipe.Process),
		dispatch.ConsumerFunc(router.Dispatch),
		materializer,
	}, dispatch.WithQueueSize(cfg.QueueSize), dispatch.WithWorkers(cfg.Workers))
	dispatcher.Start(ctx)
	s.SetAppendHook(dispatcher.Enqueue)

	if n, err := dispatcher.Sweep(ctx); err != nil {
		logger.Warn().Err(err).Msg("pending event sweep failed")
	} else if n > 0 {
		logger.Info().Int("events", n).Msg("recovered pending events")
	}

	server := api.New(api.Deps{
		Store:         s,
		Streams:       streams,
		Processors:    processors,
		Pipeline:      pipe,
		Subscriptions: subscriptions,
		Router:        router,
		Replay:        engine,
		Projections:   materializer,
		RateLimit:     cfg.RateLimit,
	})

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	logger.Info().Str("addr", cfg.Listen).Msg("http server listening")

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}

	// stop accepting new work, then let in-flight retries and deliveries
	// settle before closing the stores
	dispatcher.Stop()
	pipe.Drain()
	router.Drain()

	logger.Info().Msg("eventd stopped")
	return nil
}

func newCache(cfg config.Config) (cache.Cache, error) {
	if cfg.RedisAddr == "" {
		return cache.NewMemory(), nil
	}
	c, err := cache.NewRedis(cache.RedisConfig{Addr: cfg.RedisAddr}, xdlog.WithComponent("cache"))
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return c, nil
}
