// Package main is the entry point for the Beamline gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rustkas/beamline-gateway/internal/admission"
	"github.com/rustkas/beamline-gateway/internal/auth"
	"github.com/rustkas/beamline-gateway/internal/bus"
	"github.com/rustkas/beamline-gateway/internal/config"
	"github.com/rustkas/beamline-gateway/internal/gateway"
	"github.com/rustkas/beamline-gateway/internal/observability"
	"github.com/rustkas/beamline-gateway/internal/ratelimit"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

const shutdownTimeout = 30 * time.Second

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting beamline gateway",
		observability.String("version", version),
		observability.String("config", flags.configPath),
		observability.String("listen", cfg.Listen),
		observability.String("nats_url", cfg.NATS.URL),
	)

	app, err := initApplication(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize application", observability.Error(err))
		os.Exit(1)
	}

	run(app, flags.configPath, logger)
}

// parseFlags parses command line flags.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("GATEWAY_CONFIG_PATH", "configs/gateway.yaml"),
		"Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		showVersion: *showVersion,
	}
}

// printVersion prints version information.
func printVersion() {
	fmt.Printf("beamline-gateway version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// application holds all application components.
type application struct {
	server   *gateway.Server
	pipeline *gateway.Pipeline
	router   *bus.Client
	limiter  ratelimit.Limiter
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	logger   observability.Logger
}

// initApplication wires the gateway components together.
func initApplication(cfg *config.Config, logger observability.Logger) (*application, error) {
	metrics := observability.NewMetrics("gateway")

	tracer, err := observability.NewTracer(observability.TracerConfig{
		ServiceName:  "beamline-gateway",
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SamplingRate: cfg.Tracing.SampleRatio,
		Enabled:      cfg.Tracing.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize tracer: %w", err)
	}

	router, err := bus.Connect(&bus.Config{
		URL:            cfg.NATS.URL,
		RequestTimeout: cfg.NATS.RequestTimeout,
	}, bus.WithLogger(logger), bus.WithMetrics(metrics))
	if err != nil {
		return nil, fmt.Errorf("connect to router bus: %w", err)
	}

	ctrl := admission.NewController(&admission.Config{
		GlobalMax:  cfg.Admission.GlobalMax,
		PerConnMax: cfg.Admission.PerConnMax,
	}, admission.WithLogger(logger), admission.WithMetrics(metrics))

	limiter := buildLimiter(cfg, logger)
	verifier := auth.NewVerifier(&auth.Config{
		Required: cfg.Auth.Required,
		Keys:     cfg.Auth.Keys,
	}, logger)

	pipeline := gateway.NewPipeline(ctrl, router,
		gateway.WithLogger(logger),
		gateway.WithMetrics(metrics),
		gateway.WithRateLimiter(limiter),
		gateway.WithAuthVerifier(verifier),
	)

	serverCfg := gateway.DefaultServerConfig()
	serverCfg.Listen = cfg.Listen

	server := gateway.NewServer(serverCfg, pipeline,
		gateway.WithServerLogger(logger),
		gateway.WithServerMetrics(metrics),
		gateway.WithServerTracer(tracer),
	)

	return &application{
		server:   server,
		pipeline: pipeline,
		router:   router,
		limiter:  limiter,
		metrics:  metrics,
		tracer:   tracer,
		logger:   logger,
	}, nil
}

// buildLimiter selects the rate limiter backend from configuration.
func buildLimiter(cfg *config.Config, logger observability.Logger) ratelimit.Limiter {
	if !cfg.RateLimit.Enabled {
		return ratelimit.NewNoopLimiter()
	}

	limitCfg := &ratelimit.Config{
		Requests: cfg.RateLimit.Requests,
		Window:   cfg.RateLimit.Window,
		Burst:    cfg.RateLimit.Burst,
	}

	if cfg.RateLimit.Redis.Enabled {
		return ratelimit.NewRedisLimiter(limitCfg, &ratelimit.RedisConfig{
			Addr:     cfg.RateLimit.Redis.Addr,
			Password: cfg.RateLimit.Redis.Password,
			DB:       cfg.RateLimit.Redis.DB,
		}, logger)
	}

	return ratelimit.NewMemoryLimiter(limitCfg, logger)
}

// run starts the server, watches the configuration file, and blocks until
// a shutdown signal arrives.
func run(app *application, configPath string, logger observability.Logger) {
	errCh := make(chan error, 1)
	go func() {
		errCh <- app.server.Start()
	}()

	watcher := startConfigWatcher(app, configPath, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", observability.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("http server failed", observability.Error(err))
		}
	}

	shutdown(app, watcher, logger)
}

// startConfigWatcher reloads the hot-swappable components when the
// configuration file changes. A broken file keeps the previous settings.
func startConfigWatcher(app *application, configPath string, logger observability.Logger) *config.Watcher {
	watcher, err := config.NewWatcher(configPath, func(newCfg *config.Config) {
		logger.Info("configuration changed, reloading")

		old := app.limiter
		app.limiter = buildLimiter(newCfg, logger)
		app.pipeline.SetRateLimiter(app.limiter)
		closeLimiter(old, logger)

		app.pipeline.SetAuthVerifier(auth.NewVerifier(&auth.Config{
			Required: newCfg.Auth.Required,
			Keys:     newCfg.Auth.Keys,
		}, logger))
	}, logger)
	if err != nil {
		logger.Warn("config watcher unavailable, hot reload disabled", observability.Error(err))
		return nil
	}

	if err := watcher.Start(context.Background()); err != nil {
		logger.Warn("config watcher failed to start", observability.Error(err))
		return nil
	}

	return watcher
}

func closeLimiter(l ratelimit.Limiter, logger observability.Logger) {
	closer, ok := l.(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		logger.Warn("failed to close rate limiter", observability.Error(err))
	}
}

// shutdown stops everything in dependency order.
func shutdown(app *application, watcher *config.Watcher, logger observability.Logger) {
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			logger.Warn("failed to stop config watcher", observability.Error(err))
		}
	}

	if err := app.server.Shutdown(ctx); err != nil {
		logger.Error("http server shutdown failed", observability.Error(err))
	}

	app.router.Close()
	closeLimiter(app.limiter, logger)

	if err := app.tracer.Shutdown(ctx); err != nil {
		logger.Warn("tracer shutdown failed", observability.Error(err))
	}

	logger.Info("shutdown complete")
}
