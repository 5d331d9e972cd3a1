// Package main is the entry point for the complementary request service.
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

	"github.com/pitabwire/complement/internal/approval"
	"github.com/pitabwire/complement/internal/config"
	"github.com/pitabwire/complement/internal/ledger"
	"github.com/pitabwire/complement/internal/observability"
	"github.com/pitabwire/complement/internal/role"
	"github.com/pitabwire/complement/internal/segment"
	"github.com/pitabwire/complement/internal/store"
	"github.com/pitabwire/complement/internal/transport"
	"github.com/pitabwire/complement/internal/visibility"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

const serviceName = "complement"

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

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, serviceName, version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	requests, storeCheck, storeCloser, err := buildRequestStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("request store initialization failed", zap.Error(err))
		return 1
	}

	journal, journalCheck, journalCloser, err := buildJournal(ctx, cfg.Journal, logger)
	if err != nil {
		logger.Error("replay journal initialization failed", zap.Error(err))
		return 1
	}

	roles, err := role.NewMapper(cfg.Roles.PolicyFile)
	if err != nil {
		logger.Error("role mapping initialization failed", zap.Error(err))
		return 1
	}

	ledgerClient := ledger.NewClient(cfg.Ledger, metrics, logger)
	gateway := ledger.NewGateway(ledgerClient, journal, metrics, logger)
	segments := segment.NewResolver(ledgerClient, requests, metrics, logger)
	engine := visibility.NewEngine(requests, segments, cfg.Listing.HistoryLimit, logger)
	service := approval.NewService(requests, segments, gateway, cfg.Ledger.ApprovalTimeout, metrics, logger)

	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)
	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, jwks),
		Roles:        roles,
		Service:      service,
		Engine:       engine,
		Metrics:      metrics,
		Readiness: observability.ReadinessChecks{
			RequestStore:  storeCheck,
			Ledger:        ledgerClient,
			ReplayJournal: journalCheck,
		},
		Logger: logger,
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
		zap.Strings("ledger_candidates", cfg.Ledger.Candidates),
		zap.String("store", cfg.Store.Driver),
		zap.String("journal", cfg.Journal.Driver),
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

	// In-flight approvals finish their ledger work before the stores close.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	if storeCloser != nil {
		storeCloser()
	}
	if journalCloser != nil {
		journalCloser()
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildRequestStore creates the request store based on config.
func buildRequestStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.RequestStore, observability.HealthChecker, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Warn("using in-memory request store, requests are lost on restart")
		st := store.NewMemoryRequestStore()
		return st, st, nil, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, nil, fmt.Errorf("request store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("request store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("request store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("request store: ping: %w", err)
		}

		st := store.NewPgRequestStore(pool)
		if err := st.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("request store: migrate: %w", err)
		}
		return st, st, pool.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported request store driver: %q", cfg.Driver)
	}
}

// buildJournal creates the ledger replay journal based on config.
func buildJournal(ctx context.Context, cfg config.JournalConfig, logger *zap.Logger) (ledger.Journal, observability.HealthChecker, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory replay journal")
		j := ledger.NewMemoryJournal(cfg.TTL)
		return j, j, nil, nil
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, nil, fmt.Errorf("replay journal: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, nil, fmt.Errorf("replay journal: ping: %w", err)
		}
		j := ledger.NewRedisJournal(client, cfg.TTL)
		return j, j, func() { client.Close() }, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported replay journal driver: %q", cfg.Driver)
	}
}
