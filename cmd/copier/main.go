// Command copier launches the copy trading service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sourcegraph/conc"

	dbmigrations "github.com/coachpo/copytrader/db/migrations"
	"github.com/coachpo/copytrader/internal/app/audit"
	"github.com/coachpo/copytrader/internal/app/engine"
	"github.com/coachpo/copytrader/internal/app/processor"
	"github.com/coachpo/copytrader/internal/app/registry"
	"github.com/coachpo/copytrader/internal/app/replication"
	"github.com/coachpo/copytrader/internal/app/session"
	"github.com/coachpo/copytrader/internal/domain/auditstore"
	"github.com/coachpo/copytrader/internal/domain/copytrade"
	"github.com/coachpo/copytrader/internal/domain/credentials"
	domainnotify "github.com/coachpo/copytrader/internal/domain/notify"
	"github.com/coachpo/copytrader/internal/infra/bus/kafka"
	"github.com/coachpo/copytrader/internal/infra/cache"
	"github.com/coachpo/copytrader/internal/infra/config"
	"github.com/coachpo/copytrader/internal/infra/exchange"
	"github.com/coachpo/copytrader/internal/infra/notify"
	"github.com/coachpo/copytrader/internal/infra/persistence"
	"github.com/coachpo/copytrader/internal/infra/persistence/migrations"
	"github.com/coachpo/copytrader/internal/infra/persistence/postgres"
	httpserver "github.com/coachpo/copytrader/internal/infra/server/http"
	"github.com/coachpo/copytrader/internal/infra/telemetry"
	"github.com/coachpo/copytrader/internal/infra/vault"
	"github.com/coachpo/copytrader/lib/retry"
)

const (
	defaultConfigPath            = "config/app.yaml"
	copierLoggerPrefix           = "copier "
	shutdownTimeout              = 30 * time.Second
	controlServerShutdownTimeout = 5 * time.Second
	auditDrainTimeout            = 5 * time.Second
	lifecycleShutdownTimeout     = 5 * time.Second
	telemetryShutdownTimeout     = 5 * time.Second
	controlReadHeaderTimeout     = 5 * time.Second
	credentialCacheCapacity      = 4096
	poolMetricsName              = "copier"
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newCopierLogger()

	configPath := resolveConfigPath(cfgPathFlag)
	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: env=%s, poll=%s, redis=%t, kafka=%t",
		appCfg.Environment, appCfg.Engine.PollInterval, appCfg.Redis.Enabled, appCfg.Kafka.Enabled)

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}
	metrics := telemetry.NewReplicationMetrics()

	db, err := openDatabase(ctx, logger, appCfg.Database)
	if err != nil {
		logger.Fatalf("initialise database: %v", err)
	}
	pg := postgres.New(db.Pool())
	postgres.ObservePoolMetrics(db.Pool(), poolMetricsName)

	var redisClient *redis.Client
	if appCfg.Redis.Enabled {
		redisClient, err = openRedis(ctx, appCfg.Redis)
		if err != nil {
			logger.Fatalf("initialise redis: %v", err)
		}
		logger.Printf("redis connected: addr=%s", appCfg.Redis.Addr)
	}

	credentialCache, err := cache.NewCredentials(buildResolver(pg, redisClient, appCfg.Redis),
		appCfg.Engine.CredentialCacheTTL, credentialCacheCapacity, cache.WithMetrics(metrics))
	if err != nil {
		logger.Fatalf("initialise credential cache: %v", err)
	}

	var auditPublisher *kafka.AuditPublisher
	if appCfg.Kafka.Enabled {
		auditPublisher, err = kafka.NewAuditPublisher(appCfg.Kafka.Brokers, appCfg.Kafka.AuditTopic)
		if err != nil {
			logger.Fatalf("initialise kafka audit publisher: %v", err)
		}
		logger.Printf("kafka audit stream enabled: topic=%s brokers=%v", appCfg.Kafka.AuditTopic, appCfg.Kafka.Brokers)
	}

	notifier := buildNotifier(logger, redisClient, appCfg.Redis)
	recorder := audit.NewRecorder(buildSink(pg, auditPublisher), notifier, newComponentLogger("audit "))

	factory := exchange.NewFactory(exchangeOptions(appCfg.Exchange, newComponentLogger("exchange ")))
	replicator := replication.NewEngine(replicationConfig(appCfg), factory, credentialCache,
		replication.WithRecorder(recorder),
		replication.WithMetrics(metrics),
		replication.WithLogger(newComponentLogger("replication ")))
	proc := processor.New(replicator,
		processor.WithRecorder(recorder),
		processor.WithMetrics(metrics),
		processor.WithLogger(newComponentLogger("processor ")))
	sessions := session.NewManager(session.Config{
		QueueSize:           appCfg.Engine.QueueSize,
		SaturationWarnAfter: appCfg.Engine.SaturationWarnAfter,
	}, session.StreamOpener(factory), proc, newComponentLogger("session-manager "),
		session.WithRecorder(recorder),
		session.WithMetrics(metrics))
	poller := registry.New(registryConfig(appCfg.Engine), pg.Relationships, credentialCache, sessions,
		newComponentLogger("registry "),
		registry.WithNotifier(notifier),
		registry.WithClientCache(factory),
		registry.WithMetrics(metrics))

	service := engine.NewService(engine.Deps{
		Poller:     poller,
		Sessions:   sessions,
		Replicator: replicator,
		Accounts:   factory,
		Resolver:   credentialCache,
		Recorder:   recorder,
		Logger:     logger,
	}, engine.WithStopTimeout(appCfg.Engine.StopTimeout), engine.WithOrderTimeout(appCfg.Exchange.HTTPTimeout))

	if appCfg.Engine.AutoStart {
		if err := service.Start(ctx); err != nil {
			logger.Fatalf("start copy trading service: %v", err)
		}
		logger.Print("copy trading service started")
	}

	var lifecycle conc.WaitGroup
	apiServer := buildAPIServer(appCfg.APIServer, httpserver.Deps{
		Engine:        service,
		Relationships: pg.Relationships,
		Audit:         pg.Audit,
	})
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Printf("control API listening on %s", apiServer.Addr)

	logger.Print("copier started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     apiServer,
		service:    service,
		stopAfter:  appCfg.Engine.StopTimeout,
		recorder:   recorder,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		closers: []namedCloser{
			{name: "closing kafka audit publisher", fn: closeKafka(auditPublisher)},
			{name: "closing credential cache", fn: func() error { credentialCache.Close(); return nil }},
			{name: "closing redis", fn: closeRedis(redisClient)},
			{name: "closing database pool", fn: func() error { db.Close(); return nil }},
		},
		telemetry: telemetryProvider,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newCopierLogger() *log.Logger {
	return newComponentLogger(copierLoggerPrefix)
}

func newComponentLogger(prefix string) *log.Logger {
	return log.New(os.Stdout, prefix, log.LstdFlags|log.Lmicroseconds)
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

	if telemetryCfg.Enabled && telemetryCfg.EnableMetrics {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

func openDatabase(ctx context.Context, logger *log.Logger, cfg config.DatabaseConfig) (*persistence.Store, error) {
	if cfg.RunMigrations {
		if err := migrations.ApplyEmbedded(ctx, cfg.DSN, dbmigrations.Files, logger); err != nil {
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
	}
	store, err := persistence.Open(ctx, persistence.PoolConfig{
		DSN:               cfg.DSN,
		MaxConns:          cfg.MaxConns,
		MinConns:          cfg.MinConns,
		MaxConnLifetime:   cfg.MaxConnLifetime,
		MaxConnIdleTime:   cfg.MaxConnIdleTime,
		HealthCheckPeriod: cfg.HealthCheckPeriod,
	})
	if err != nil {
		return nil, err
	}
	logger.Printf("database pool ready: maxConns=%d", cfg.MaxConns)
	return store, nil
}

func openRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// buildResolver consults the redis vault first when it is enabled and falls
// back to the credentials table.
func buildResolver(pg *postgres.Store, client *redis.Client, cfg config.RedisConfig) credentials.Resolver {
	if client == nil {
		return pg.Credentials
	}
	return credentials.Chain{vault.NewRedis(client, cfg.CredentialPrefix), pg.Credentials}
}

func buildNotifier(logger *log.Logger, client *redis.Client, cfg config.RedisConfig) domainnotify.Notifier {
	logNotifier := notify.NewLog(newComponentLogger("notify "))
	if client == nil {
		return logNotifier
	}
	logger.Printf("notifications published on %s", cfg.NotifyChannel)
	return notify.Multi{logNotifier, notify.NewRedis(client, cfg.NotifyChannel)}
}

func buildSink(pg *postgres.Store, publisher *kafka.AuditPublisher) auditstore.Sink {
	if publisher == nil {
		return pg.Audit
	}
	return auditstore.MultiSink{pg.Audit, publisher}
}

func exchangeOptions(cfg config.ExchangeConfig, logger *log.Logger) exchange.Options {
	return exchange.Options{
		RESTURL:           cfg.RESTURL,
		StreamURL:         cfg.StreamURL,
		TestnetRESTURL:    cfg.TestnetRESTURL,
		TestnetStreamURL:  cfg.TestnetStreamURL,
		Category:          cfg.Category,
		HTTPTimeout:       cfg.HTTPTimeout,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		PingInterval:      cfg.PingInterval,
		AuthTTL:           cfg.AuthTTL,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Logger:            logger,
	}
}

func replicationConfig(cfg config.AppConfig) replication.Config {
	orderType, ok := copytrade.ParseOrderType(cfg.Engine.OrderType)
	if !ok {
		orderType = copytrade.OrderTypeMarket
	}
	return replication.Config{
		Precision:    cfg.Engine.QuantityPrecision,
		Concurrency:  cfg.Engine.FanoutConcurrency,
		OrderType:    orderType,
		Category:     cfg.Exchange.Category,
		OrderTimeout: cfg.Exchange.HTTPTimeout,
	}
}

func registryConfig(cfg config.EngineConfig) registry.Config {
	return registry.Config{
		PollInterval: cfg.PollInterval,
		StoreRetry: retry.Policy{
			MaxAttempts:     cfg.StoreRetry.MaxAttempts,
			InitialInterval: cfg.StoreRetry.InitialInterval,
			MaxInterval:     cfg.StoreRetry.MaxInterval,
		},
		DefaultInstruments: cfg.MonitoredInstruments,
	}
}

func buildAPIServer(cfg config.APIServerConfig, deps httpserver.Deps) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpserver.NewHandler(deps),
		ReadHeaderTimeout: controlReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("control server: %v", err)
		}
	})
}

func closeKafka(publisher *kafka.AuditPublisher) func() error {
	return func() error {
		if publisher == nil {
			return nil
		}
		return publisher.Close()
	}
}

func closeRedis(client *redis.Client) func() error {
	return func() error {
		if client == nil {
			return nil
		}
		return client.Close()
	}
}

type namedCloser struct {
	name string
	fn   func() error
}

type gracefulShutdownConfig struct {
	server     *http.Server
	service    *engine.Service
	stopAfter  time.Duration
	recorder   *audit.Recorder
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	closers    []namedCloser
	telemetry  *telemetry.Provider
}

// performGracefulShutdown stops intake first (control API, then sessions),
// drains pending audit writes, and only then releases the stores they write to.
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
		shutdownStep("stopping control server", controlServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	if cfg.service != nil {
		shutdownStep("stopping copy trading service", cfg.stopAfter, func(stepCtx context.Context) error {
			return cfg.service.Stop(stepCtx)
		})
	}

	if cfg.recorder != nil {
		shutdownStep("draining audit writes", auditDrainTimeout, func(stepCtx context.Context) error {
			return waitFor(stepCtx, cfg.recorder.Wait)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			return waitFor(stepCtx, cfg.lifecycle.Wait)
		})
	}

	for _, closer := range cfg.closers {
		shutdownStep(closer.name, controlServerShutdownTimeout, func(context.Context) error {
			return closer.fn()
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}

func waitFor(ctx context.Context, wait func()) error {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting: %w", ctx.Err())
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}
