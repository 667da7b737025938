// Package main is the entry point for the AI console server. It wires the
// entity stores, the aiBridge client and the HTTP API together.
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

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/aiconsole/internal/capability"
	"github.com/pitabwire/aiconsole/internal/config"
	"github.com/pitabwire/aiconsole/internal/definition"
	"github.com/pitabwire/aiconsole/internal/entity"
	"github.com/pitabwire/aiconsole/internal/events"
	"github.com/pitabwire/aiconsole/internal/fetch"
	"github.com/pitabwire/aiconsole/internal/notify"
	"github.com/pitabwire/aiconsole/internal/observability"
	"github.com/pitabwire/aiconsole/internal/openapi"
	"github.com/pitabwire/aiconsole/internal/persist"
	"github.com/pitabwire/aiconsole/internal/transport"
	"github.com/pitabwire/aiconsole/internal/workspace"
	"github.com/pitabwire/aiconsole/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry.
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "aiconsole", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Index the aiBridge OpenAPI document, when one is configured.
	oaIndex := openapi.NewIndex()
	if cfg.Specs.File != "" {
		if err := oaIndex.Load(cfg.Specs.File); err != nil {
			logger.Error("OpenAPI index load failed", zap.String("file", cfg.Specs.File), zap.Error(err))
			return 1
		}
		metrics.SetOpenAPIOperationsIndexed(oaIndex.Len())
	}

	// Step 5: Load and validate entity definitions.
	registry := definition.NewRegistry(nil, cfg.Controls.Defaults)
	reloader := &definition.Reloader{
		Dirs:      cfg.Definitions.Directories,
		Loader:    definition.NewLoader(),
		Validator: definition.NewValidator(cfg.API.AIBridge),
		Index:     oaIndex,
		Registry:  registry,
		Metrics:   metrics,
		Logger:    logger,
	}
	if err := reloader.Reload(); err != nil {
		logger.Error("definition loading failed", zap.Error(err))
		return 1
	}

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	if cfg.Definitions.HotReload {
		watcher, err := definition.NewWatcher(reloader, cfg.Definitions.Debounce, logger)
		if err != nil {
			logger.Error("definition watcher initialization failed", zap.Error(err))
			return 1
		}
		go watcher.Run(bgCtx)
	}

	// Step 6: Initialize capability resolver.
	capResolver, policy, err := buildCapabilityResolver(cfg, metrics)
	if err != nil {
		logger.Error("capability resolver initialization failed", zap.Error(err))
		return 1
	}
	if policy != nil {
		go reloadPolicyOnHangup(bgCtx, policy, logger)
	}

	readinessChecks := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return registry.Len() > 0 },
		Dependencies:      map[string]observability.HealthChecker{},
	}
	if cfg.Specs.File != "" {
		readinessChecks.OpenAPILoaded = func() bool { return oaIndex.Len() > 0 }
	}

	// Step 7: Open the persisted client state store.
	stateStore, stateClose, err := persist.Open(ctx, cfg.State)
	if err != nil {
		logger.Error("state store initialization failed", zap.Error(err))
		return 1
	}
	defer stateClose()
	if hc, ok := stateStore.(observability.HealthChecker); ok {
		readinessChecks.Dependencies["state_store"] = hc
	}
	logger.Info("state store ready", zap.String("driver", cfg.State.Driver))

	// Step 8: Notifications and change events.
	notifications := notify.NewMemorySink(cfg.Notifications.Capacity, metrics)
	sink := notify.Multi{notifications, notify.NewLogSink(logger)}

	var publisher events.Publisher = events.Nop{}
	if cfg.Events.Enabled {
		url := os.Getenv(cfg.Events.URLEnv)
		if url == "" {
			logger.Error("events enabled but broker url is not set", zap.String("env", cfg.Events.URLEnv))
			return 1
		}
		nc, err := events.Connect(url)
		if err != nil {
			logger.Error("event bus connection failed", zap.Error(err))
			return 1
		}
		defer nc.Drain()
		publisher = events.NewNATSPublisher(nc, cfg.Events.SubjectPrefix, logger, metrics)
		readinessChecks.Dependencies["event_bus"] = events.Health{Status: nc.Status}
	}

	// Step 9: aiBridge client and per-session workspaces.
	client := fetch.New(cfg.API.AIBridge, cfg.Auth.Enabled, fetch.WithMetrics(metrics))
	workspaces := workspace.NewManager(registry, entity.Deps{
		Client:  client,
		Sink:    sink,
		Events:  publisher,
		Metrics: metrics,
		Logger:  logger,
	}, cfg.Workspace, metrics, logger)
	go workspaces.Run(bgCtx)

	// Step 10: Build HTTP router.
	var authenticate func(http.Handler) http.Handler
	if cfg.Auth.Enabled {
		jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)
		authenticate = transport.Authenticator(cfg.Identity, cfg.Auth.TokenCookie, jwks)
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:             cfg,
		Logger:             logger,
		Metrics:            metrics,
		Authenticate:       authenticate,
		CapabilityResolver: capResolver,
		Registry:           registry,
		Workspaces:         workspaces,
		Index:              oaIndex,
		State:              persist.NewGuard(stateStore, metrics),
		Notifications:      notifications,
		Readiness:          readinessChecks,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 11: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("entities", registry.Len()),
		zap.Bool("auth", cfg.Auth.Enabled),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildCapabilityResolver grants everything when authentication is off and
// otherwise evaluates the static role policy. The evaluator is returned so
// it can be reloaded.
func buildCapabilityResolver(cfg *config.Config, metrics *observability.Metrics) (model.CapabilityResolver, *capability.StaticPolicyEvaluator, error) {
	if !cfg.Auth.Enabled {
		return capability.NewResolver(capability.AllowAll{}, cfg.Capability.Cache.TTL, cfg.Capability.Cache.MaxEntries, metrics), nil, nil
	}
	if cfg.Capability.StaticPolicyFile == "" {
		return nil, nil, errors.New("capability.static_policy_file is required when auth is enabled")
	}
	evaluator, err := capability.NewStaticPolicyEvaluator(cfg.Capability.StaticPolicyFile)
	if err != nil {
		return nil, nil, fmt.Errorf("static policy: %w", err)
	}
	return capability.NewResolver(evaluator, cfg.Capability.Cache.TTL, cfg.Capability.Cache.MaxEntries, metrics), evaluator, nil
}
