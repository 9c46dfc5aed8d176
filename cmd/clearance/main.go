// Package main is the entry point for the clearance server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/clearance/internal/capability"
	"github.com/pitabwire/clearance/internal/config"
	"github.com/pitabwire/clearance/internal/observability"
	"github.com/pitabwire/clearance/internal/policy"
	"github.com/pitabwire/clearance/internal/rbac"
	"github.com/pitabwire/clearance/internal/session"
	"github.com/pitabwire/clearance/internal/transport"
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
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

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

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "clearance", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Policy fetch path: backend client, optional warm cache, TTL store.
	client := policy.NewClient(cfg.Backend, logger)

	warmCache, warmCloser, err := buildSnapshotCache(ctx, cfg.SnapshotCache, logger)
	if err != nil {
		logger.Error("snapshot cache initialization failed", zap.Error(err))
		return 1
	}

	var storeOpts []policy.StoreOption
	if warmCache != nil {
		storeOpts = append(storeOpts, policy.WithWarmCache(warmCache))
	}
	store := policy.NewStore(client, cfg.Policy.FreshTTL, cfg.Policy.EvictTTL, logger, storeOpts...)
	resolver := capability.NewResolver(store)

	// Operator directory and session registry.
	directory, dirCloser, err := buildDirectory(ctx, cfg.Directory, logger)
	if err != nil {
		logger.Error("directory initialization failed", zap.Error(err))
		return 1
	}

	registry := session.NewRegistry(store, logger)
	unsubscribe := registry.Subscribe(func(session.Event) {
		metrics.SetActiveSessions(float64(registry.Len()))
	})
	defer unsubscribe()

	// HTTP surface.
	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)

	readinessChecks := observability.ReadinessChecks{
		PolicyBackend: client,
	}
	if directory != nil {
		if hc, ok := directory.(observability.HealthChecker); ok {
			readinessChecks.Directory = hc
		}
	}
	if warmCache != nil {
		if hc, ok := warmCache.(observability.HealthChecker); ok {
			readinessChecks.SnapshotCache = hc
		}
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, jwks),
		Store:        store,
		Resolver:     resolver,
		Directory:    directory,
		Registry:     registry,
		Checks:       readinessChecks,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("backend", cfg.Backend.BaseURL),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	if dirCloser != nil {
		dirCloser()
	}
	if warmCloser != nil {
		warmCloser()
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildSnapshotCache creates the warm snapshot cache based on config.
// Returns a nil cache when disabled.
func buildSnapshotCache(ctx context.Context, cfg config.SnapshotCacheConfig, logger *zap.Logger) (policy.SnapshotCache, func(), error) {
	switch cfg.Driver {
	case "none", "":
		return nil, nil, nil
	case "memory":
		logger.Info("using in-memory snapshot cache")
		return policy.NewMemorySnapshotCache(), nil, nil
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("snapshot cache: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("snapshot cache: ping: %w", err)
		}
		logger.Info("using redis snapshot cache", zap.String("addr", addr), zap.Int("db", cfg.DB))
		return policy.NewRedisSnapshotCache(client), func() { client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported snapshot cache driver: %q", cfg.Driver)
	}
}

// buildDirectory creates the operator directory based on config.
func buildDirectory(ctx context.Context, cfg config.DirectoryConfig, logger *zap.Logger) (rbac.Directory, func(), error) {
	switch cfg.Driver {
	case "static":
		roster := cfg.Principals()
		logger.Info("using static operator roster", zap.Int("operators", len(roster)))
		return rbac.NewMemoryDirectory(roster), nil, nil
	case "postgres", "":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("directory: %s environment variable not set", cfg.DSNEnv)
		}
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("directory: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("directory: ping: %w", err)
		}
		return rbac.NewPGDirectory(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported directory driver: %q", cfg.Driver)
	}
}
