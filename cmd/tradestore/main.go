// Command tradestore launches the trade lifecycle service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	backoff "github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/tradestore/internal/app/consumer"
	"github.com/coachpo/tradestore/internal/app/engine"
	"github.com/coachpo/tradestore/internal/app/sweeper"
	"github.com/coachpo/tradestore/internal/domain/auditstore"
	"github.com/coachpo/tradestore/internal/domain/outboxstore"
	"github.com/coachpo/tradestore/internal/domain/tradestore"
	"github.com/coachpo/tradestore/internal/infra/bus/eventbus"
	"github.com/coachpo/tradestore/internal/infra/config"
	"github.com/coachpo/tradestore/internal/infra/persistence/memory"
	"github.com/coachpo/tradestore/internal/infra/persistence/migrations"
	"github.com/coachpo/tradestore/internal/infra/persistence/postgres"
	httpserver "github.com/coachpo/tradestore/internal/infra/server/http"
	"github.com/coachpo/tradestore/internal/infra/telemetry"
	"github.com/coachpo/tradestore/internal/observability"
)

const (
	defaultConfigPath        = "config/app.yaml"
	defaultMigrationsDir     = "db/migrations"
	serviceLoggerPrefix      = "tradestore "
	maxPingInterval          = 5 * time.Second
	shutdownTimeout          = 30 * time.Second
	apiServerShutdownTimeout = 5 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	busShutdownTimeout       = 2 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPathFlag, verbose := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newServiceLogger()
	observability.SetLogger(observability.NewStdLogger(logger, verbose))

	configPath := resolveConfigPath(cfgPathFlag)
	appCfg, loadedFromFile, err := config.LoadOrDefault(configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: env=%s, driver=%s", appCfg.Environment, appCfg.Storage.Driver)

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	stores, dbPool, err := buildStores(ctx, logger, appCfg.Storage)
	if err != nil {
		logger.Fatalf("initialise storage: %v", err)
	}

	bus := buildEventBus(logger, appCfg.Eventbus, appCfg.Outbox, stores.outbox)

	eng := engine.New(stores.trades, stores.audit, bus, engine.Config{
		QueryTimeout: appCfg.Storage.QueryTimeout,
		SweepWorkers: appCfg.Sweep.Workers,
	})

	lifecycleConsumer := consumer.New(bus)
	if err := lifecycleConsumer.Start(ctx); err != nil {
		logger.Fatalf("start lifecycle consumer: %v", err)
	}

	expirySweeper := sweeper.New(eng, sweeper.Config{
		Interval:   appCfg.Sweep.Interval,
		RunOnStart: appCfg.Sweep.RunOnStart,
	})
	expirySweeper.Start(ctx)
	logger.Printf("expiry sweeper scheduled: interval=%s, runOnStart=%t", appCfg.Sweep.Interval, appCfg.Sweep.RunOnStart)

	var lifecycle conc.WaitGroup

	apiServer := buildAPIServer(appCfg.Server, eng)
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Printf("trade API listening on %s", apiServer.Addr)

	logger.Print("tradestore started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     apiServer,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		sweeper:    expirySweeper,
		consumer:   lifecycleConsumer,
		bus:        bus,
		dbPool:     dbPool,
		telemetry:  telemetryProvider,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() (string, bool) {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()
	return *cfgPath, *verbose
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newServiceLogger() *log.Logger {
	return log.New(os.Stdout, serviceLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

type storageBundle struct {
	trades tradestore.Store
	audit  auditstore.Store
	outbox outboxstore.Store
}

func buildStores(ctx context.Context, logger *log.Logger, cfg config.StorageConfig) (storageBundle, *pgxpool.Pool, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		logger.Print("storage: using in-memory stores")
		return storageBundle{
			trades: memory.NewTradeStore(),
			audit:  memory.NewAuditStore(),
			outbox: memory.NewOutboxStore(),
		}, nil, nil
	case config.DriverPostgres:
		if err := applyMigrations(ctx, logger, cfg.DSN); err != nil {
			return storageBundle{}, nil, fmt.Errorf("apply migrations: %w", err)
		}
		dbPool, err := connectPostgres(ctx, cfg)
		if err != nil {
			return storageBundle{}, nil, err
		}
		store := postgres.New(dbPool)
		logger.Print("storage: connected to postgres")
		return storageBundle{
			trades: store.Trades(),
			audit:  store.Audit(),
			outbox: store.Outbox(),
		}, dbPool, nil
	default:
		return storageBundle{}, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// applyMigrations prefers the on-disk migrations directory and falls back to
// the copy embedded in the binary when the checkout is not present.
func applyMigrations(ctx context.Context, logger *log.Logger, dsn string) error {
	if _, err := os.Stat(defaultMigrationsDir); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("stat migrations directory: %w", err)
		}
		return migrations.ApplyEmbedded(ctx, dsn, logger)
	}
	return migrations.Apply(ctx, dsn, defaultMigrationsDir, logger)
}

func connectPostgres(ctx context.Context, cfg config.StorageConfig) (*pgxpool.Pool, error) {
	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	dbPool, err := pgxpool.New(connectCtx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = maxPingInterval

	var lastErr error
	for {
		lastErr = dbPool.Ping(connectCtx)
		if lastErr == nil {
			return dbPool, nil
		}
		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = maxPingInterval
		}
		select {
		case <-connectCtx.Done():
			dbPool.Close()
			return nil, fmt.Errorf("ping database: %w", errors.Join(connectCtx.Err(), lastErr))
		case <-time.After(sleep):
		}
	}
}

func buildEventBus(logger *log.Logger, busCfg config.EventbusConfig, outboxCfg config.OutboxConfig, outbox outboxstore.Store) eventbus.Bus {
	inner := eventbus.NewMemoryBus(eventbus.MemoryConfig{
		BufferSize:    busCfg.BufferSize,
		FanoutWorkers: busCfg.FanoutWorkers,
	})
	if !outboxCfg.Enabled {
		return inner
	}
	logger.Printf("durable event publishing enabled: replayInterval=%s, retention=%s", outboxCfg.ReplayInterval, outboxCfg.Retention)
	return eventbus.NewDurableBus(inner, outbox,
		eventbus.WithDurableLogger(logger),
		eventbus.WithReplayInterval(outboxCfg.ReplayInterval),
		eventbus.WithReplayBatchSize(outboxCfg.ReplayBatchSize),
		eventbus.WithRetention(outboxCfg.Retention),
	)
}

func buildAPIServer(cfg config.ServerConfig, eng *engine.Engine) *http.Server {
	handler := httpserver.NewHandler(eng, httpserver.WithSubmitRate(cfg.SubmitRatePerSecond, cfg.SubmitBurst))

	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("trade API server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	sweeper    *sweeper.Sweeper
	consumer   *consumer.Consumer
	bus        eventbus.Bus
	dbPool     *pgxpool.Pool
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping trade API server", apiServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.sweeper != nil {
		shutdownStep("stopping expiry sweeper", lifecycleShutdownTimeout, func(context.Context) error {
			cfg.sweeper.Stop()
			return nil
		})
	}

	if cfg.consumer != nil {
		shutdownStep("stopping lifecycle consumer", lifecycleShutdownTimeout, func(context.Context) error {
			cfg.consumer.Stop()
			return nil
		})
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.bus != nil {
		shutdownStep("closing event bus", busShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.bus.Close()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return stepCtx.Err()
			}
		})
	}

	if cfg.dbPool != nil {
		shutdownStep("closing database pool", busShutdownTimeout, func(context.Context) error {
			cfg.dbPool.Close()
			return nil
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}

	return filepath.Clean(defaultConfigPath)
}
