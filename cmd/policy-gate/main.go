package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/policy-gate/policy-gate/internal/admin"
	"github.com/policy-gate/policy-gate/internal/audit"
	"github.com/policy-gate/policy-gate/internal/config"
	"github.com/policy-gate/policy-gate/internal/extproc"
	"github.com/policy-gate/policy-gate/internal/httpgate"
	"github.com/policy-gate/policy-gate/internal/loader"
	"github.com/policy-gate/policy-gate/internal/metrics"
	"github.com/policy-gate/policy-gate/internal/pipeline"
	"github.com/policy-gate/policy-gate/internal/routes"
	"github.com/policy-gate/policy-gate/internal/tracing"
	"github.com/policy-gate/policy-gate/pkg/policy"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

var (
	configFile  = flag.String("config", "", "Path to configuration file (required)")
	routesFile  = flag.String("routes-file", "", "Path to routes file (overrides gate.routes.path)")
	policyDir   = flag.String("policy-dir", "", "Path to policy definitions directory (overrides gate.policy_dir)")
	showVersion = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("policy-gate %s (commit %s, built %s)\n", Version, GitCommit, BuildDate)
		return
	}

	// Validate that config file is provided
	if *configFile == "" {
		fmt.Fprintf(os.Stderr, "Error: -config flag is required\n")
		fmt.Fprintf(os.Stderr, "Usage: %s -config <path-to-config.toml>\n", os.Args[0])
		os.Exit(1)
	}

	// Load configuration from file
	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration from %s: %v\n", *configFile, err)
		os.Exit(1)
	}

	// Initialize metrics based on configuration
	// This must be done before any metrics are used to ensure no-op behavior when disabled
	metrics.SetEnabled(cfg.Gate.Metrics.Enabled)
	metrics.Init()

	// Apply flag overrides
	applyFlagOverrides(cfg)

	// Set up structured logging based on configuration
	logger := setupLogger(cfg)
	slog.SetDefault(logger)
	ctx := context.Background()

	slog.InfoContext(ctx, "Policy gate starting",
		"version", Version,
		"git_commit", GitCommit,
		"build_date", BuildDate,
		"config_file", *configFile,
		"http_enabled", cfg.Gate.HTTP.Enabled,
		"extproc_enabled", cfg.Gate.ExtProc.Enabled)

	// Initialize tracing (if enabled in config)
	tracingShutdown, err := tracing.InitTracer(&cfg.Tracing)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer tracingShutdown()

	serviceName := cfg.Tracing.ServiceName
	if serviceName == "" {
		serviceName = "policy-gate"
	}

	// Load the route table; hosts refuse traffic until it is in place.
	provider := routes.NewProvider(cfg.Gate.Routes)
	if err := provider.Load(ctx); err != nil {
		slog.ErrorContext(ctx, "Failed to load routes", "path", cfg.Gate.Routes.Path, "error", err)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "Routes loaded", "path", cfg.Gate.Routes.Path, "count", provider.Table().Len())

	if cfg.Gate.Routes.Watch {
		if err := provider.Watch(ctx); err != nil {
			slog.ErrorContext(ctx, "Failed to watch routes file", "path", cfg.Gate.Routes.Path, "error", err)
			os.Exit(1)
		}
		slog.InfoContext(ctx, "Watching routes file for changes", "path", cfg.Gate.Routes.Path)
	}

	// Start the audit sink before the engine so no decision is dropped
	// for want of a recorder.
	var sink *audit.Sink
	if cfg.Audit.Enabled {
		sink, err = audit.NewSink(cfg.Audit, logger)
		if err != nil {
			slog.ErrorContext(ctx, "Failed to start audit sink", "error", err)
			os.Exit(1)
		}
	}

	defaultAP, err := policy.ParseApplyPoint(cfg.Gate.DefaultApplyPoint)
	if err != nil {
		slog.ErrorContext(ctx, "Invalid default apply point", "value", cfg.Gate.DefaultApplyPoint, "error", err)
		os.Exit(1)
	}

	engineOpts := pipeline.Options{
		DefaultApplyPoint: defaultAP,
		Logger:            logger,
		Tracer:            otel.Tracer(serviceName),
	}
	if sink != nil {
		engineOpts.Recorder = sink
	}
	engine := pipeline.NewEngine(engineOpts)

	// Hosts attach before policies load so every stage hook reaches them.
	var gateway *httpgate.Gateway
	if cfg.Gate.HTTP.Enabled {
		gateway = httpgate.New(cfg.Gate.HTTP, provider, logger)
		engine.AttachHost(gateway)
	}

	var extprocServer *extproc.Server
	if cfg.Gate.ExtProc.Enabled {
		processor := extproc.NewProcessor(cfg.Gate.ExtProc, provider, logger, otel.Tracer(serviceName))
		engine.AttachHost(processor)
		extprocServer = extproc.NewServer(cfg.Gate.ExtProc, processor, logger)
	}

	// Load policy definitions from disk. A bad definition is a deploy
	// error, not something to limp past.
	if cfg.Gate.PolicyDir != "" {
		regs, err := loader.Scan(cfg.Gate.PolicyDir, cfg.Raw)
		if err != nil {
			slog.ErrorContext(ctx, "Failed to load policy definitions", "dir", cfg.Gate.PolicyDir, "error", err)
			os.Exit(1)
		}
		if err := engine.Registry().LoadFromSource(regs); err != nil {
			slog.ErrorContext(ctx, "Failed to register policies", "dir", cfg.Gate.PolicyDir, "error", err)
			os.Exit(1)
		}
		slog.InfoContext(ctx, "Policies registered", "count", len(regs), "dir", cfg.Gate.PolicyDir)
	}

	// Start admin HTTP server if enabled
	var adminServer *admin.Server
	if cfg.Gate.Admin.Enabled {
		adminServer = admin.NewServer(&cfg.Gate.Admin, cfg, engine.Registry(), provider)
		go func() {
			if err := adminServer.Start(ctx); err != nil {
				slog.ErrorContext(ctx, "Admin server error", "error", err)
			}
		}()
	}

	// Start metrics HTTP server if enabled
	var metricsServer *metrics.Server
	if cfg.Gate.Metrics.Enabled {
		metricsServer = metrics.NewServer(&cfg.Gate.Metrics)
		go func() {
			if err := metricsServer.Start(ctx); err != nil {
				slog.ErrorContext(ctx, "Metrics server error", "error", err)
			}
		}()
		// Start periodic memory metrics updater
		metrics.StartMemoryMetricsUpdater(ctx, 15*time.Second)
	}

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start the hosts
	serverErrCh := make(chan error, 2)
	if gateway != nil {
		go func() {
			if err := gateway.Start(ctx); err != nil {
				serverErrCh <- err
			}
		}()
	}
	if extprocServer != nil {
		go func() {
			if err := extprocServer.Start(ctx); err != nil {
				serverErrCh <- err
			}
		}()
	}

	// Wait for shutdown signal or server error
	select {
	case sig := <-sigChan:
		slog.InfoContext(ctx, "Received signal, shutting down gracefully", "signal", sig)
	case err := <-serverErrCh:
		slog.ErrorContext(ctx, "Server error", "error", err)
	}

	// Stop accepting traffic first, then the support servers, then drain
	// the audit queue. The tracer shuts down last via the deferred call.
	if gateway != nil {
		stopServer(ctx, "HTTP gateway", gateway.Stop)
	}
	if extprocServer != nil {
		stopServer(ctx, "ext_proc server", extprocServer.Stop)
	}
	if adminServer != nil {
		stopServer(ctx, "admin server", adminServer.Stop)
	}
	if metricsServer != nil {
		stopServer(ctx, "metrics server", metricsServer.Stop)
	}

	if err := provider.Close(); err != nil {
		slog.WarnContext(ctx, "Error closing routes provider", "error", err)
	}

	if sink != nil {
		stopServer(ctx, "audit sink", sink.Close)
	}

	slog.InfoContext(ctx, "Policy gate shut down successfully")
}

// stopServer runs one Stop with a bounded grace period.
func stopServer(ctx context.Context, name string, stop func(context.Context) error) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := stop(shutdownCtx); err != nil {
		slog.ErrorContext(ctx, "Error stopping "+name, "error", err)
	}
}

// applyFlagOverrides applies command-line flag overrides to the configuration
func applyFlagOverrides(cfg *config.Config) {
	if *routesFile != "" {
		cfg.Gate.Routes.Path = *routesFile
	}
	if *policyDir != "" {
		cfg.Gate.PolicyDir = *policyDir
	}
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.Gate.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Gate.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
