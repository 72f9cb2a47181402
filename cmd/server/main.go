package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/erp/backoffice/internal/application/connection"
	appsettings "github.com/erp/backoffice/internal/application/settings"
	"github.com/erp/backoffice/internal/application/transfer"
	"github.com/erp/backoffice/internal/domain/settings"
	"github.com/erp/backoffice/internal/infrastructure/archive"
	"github.com/erp/backoffice/internal/infrastructure/config"
	"github.com/erp/backoffice/internal/infrastructure/connector"
	"github.com/erp/backoffice/internal/infrastructure/logger"
	"github.com/erp/backoffice/internal/infrastructure/persistence"
	"github.com/erp/backoffice/internal/infrastructure/profile"
	"github.com/erp/backoffice/internal/infrastructure/telemetry"
	"github.com/erp/backoffice/internal/interfaces/http/handler"
	"github.com/erp/backoffice/internal/interfaces/http/middleware"
	"github.com/erp/backoffice/internal/interfaces/http/router"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	logCfg := logger.FromAppConfig(cfg.Log)
	log, err := logger.New(logCfg)
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	lp, err := telemetry.NewLoggerProvider(context.Background(), cfg.Telemetry, log)
	if err != nil {
		panic("Failed to initialize log export: " + err.Error())
	}
	defer func() {
		_ = lp.Shutdown(context.Background())
	}()
	level, _ := logger.ParseLevel(logCfg.Level)
	if core := lp.ZapCore(level); core != nil {
		if log, err = logger.New(logCfg, core); err != nil {
			panic("Failed to initialize logger: " + err.Error())
		}
	}
	defer func() {
		_ = logger.Sync(log)
	}()

	log.Info("Starting settings service",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
		zap.String("backend", cfg.Persistence.Backend),
		zap.String("version", version),
	)

	if err := run(cfg, log); err != nil {
		log.Fatal("Settings service failed", zap.Error(err))
	}
	log.Info("Server exited gracefully")
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx := context.Background()

	tp, err := telemetry.NewTracerProvider(ctx, cfg.Telemetry, log, telemetry.WithServiceVersion(version))
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			log.Error("Error shutting down tracer provider", zap.Error(err))
		}
	}()

	mp, err := telemetry.NewMeterProvider(ctx, cfg.Telemetry, log)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	defer func() {
		if err := mp.Shutdown(context.Background()); err != nil {
			log.Error("Error shutting down meter provider", zap.Error(err))
		}
	}()

	kv, closeKV, err := openBackend(cfg, tp.IsEnabled())
	if err != nil {
		return err
	}
	defer closeKV()

	policy := settings.PreserveLatentFields
	if cfg.Settings.ClearLatentFields {
		policy = settings.ClearLatentFieldsOnSwitch
	}
	store := appsettings.NewStore(
		appsettings.WithLogger(log),
		appsettings.WithLatentFieldPolicy(policy),
	)

	persisterOpts := []persistence.Option{
		persistence.WithLogger(log),
		persistence.WithDebounce(cfg.Persistence.Debounce),
		persistence.WithMeter(mp.Meter("github.com/erp/backoffice/internal/infrastructure/persistence")),
	}
	if cfg.Profile.Enabled {
		client := profile.NewClient(profile.Config{
			BaseURL: cfg.Profile.BaseURL,
			Token:   cfg.Profile.Token,
			Timeout: cfg.Profile.Timeout,
		}, log)
		persisterOpts = append(persisterOpts, persistence.WithProfileClient(client, cfg.Profile.UserID, persistence.RetryPolicy{
			Base:     cfg.Profile.RetryBase,
			Max:      cfg.Profile.RetryMax,
			Attempts: cfg.Profile.RetryAttempts,
		}))
	}
	persister := persistence.NewPersister(store, kv, persisterOpts...)

	env, skipped := cfg.EnvLayer(settings.DefaultSchema(), os.Environ())
	for _, key := range skipped {
		log.Warn("Ignoring unknown settings default", zap.String("key", key))
	}
	layers, err := persister.Layers(ctx, env)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	seeded, err := store.Seed(ctx, layers)
	if err != nil {
		return fmt.Errorf("seed settings: %w", err)
	}
	if err := persister.Start(ctx); err != nil {
		return fmt.Errorf("start persister: %w", err)
	}
	log.Info("Settings loaded", zap.Uint64("version", seeded))

	pool := connector.NewPool(connector.WithLogger(log))
	stopObserving := pool.Observe(store)
	defer stopObserving()

	tester := connection.NewTester(store, pool,
		connection.WithLogger(log),
		connection.WithDefaultTimeout(cfg.Tester.DefaultTimeout),
		connection.WithMeter(mp.Meter("github.com/erp/backoffice/internal/application/connection")),
		connection.WithRetryPolicy(connection.RetryPolicy{Base: cfg.Tester.RetryBase, Max: cfg.Tester.RetryMax}),
	)

	transferOpts := []transfer.Option{transfer.WithLogger(log)}
	if cfg.Archive.Enabled {
		arch, err := archive.NewS3Archive(&cfg.Archive, archive.WithLogger(log))
		if err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		if err := arch.EnsureBucket(ctx); err != nil {
			log.Warn("Archive bucket unavailable", zap.String("bucket", arch.Bucket()), zap.Error(err))
		}
		transferOpts = append(transferOpts, transfer.WithArchiver(arch))
	}
	transferService := transfer.NewService(store, transferOpts...)

	events := handler.NewEventsHandler(store, handler.WithEventsLogger(log))
	if err := events.Start(); err != nil {
		return err
	}

	engine := newEngine(cfg, log, tp.IsEnabled())
	r := router.NewRouter(engine)
	r.RegisterRoot(router.HealthRoutes(handler.NewHealthHandler(cfg.App.Name, version, map[string]handler.HealthCheck{
		"local_storage": func(ctx context.Context) error {
			_, err := kv.Keys(ctx, "")
			return err
		},
	})))
	r.Register(router.SettingsRoutes(handler.NewSettingsHandler(store, persister, transferService), events)).
		Register(router.ConnectionRoutes(handler.NewConnectionHandler(tester)))
	r.Setup()

	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// event streams never go idle, so they are closed before Shutdown waits
	events.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	tester.Close()
	if err := persister.SaveNow(shutdownCtx); err != nil {
		log.Error("Final settings flush failed", zap.Error(err))
	}
	persister.Close()
	return nil
}

// openBackend opens the local key-value backend selected in the config,
// wrapped in an encryptor when enabled.
func openBackend(cfg *config.Config, tracing bool) (persistence.LocalKV, func(), error) {
	var (
		kv      persistence.LocalKV
		closeFn = func() {}
	)
	switch cfg.Persistence.Backend {
	case config.BackendMemory:
		kv = persistence.NewMemoryKV()
	case config.BackendSQLite, config.BackendPostgres:
		db, err := persistence.NewDatabase(&cfg.Persistence, tracing)
		if err != nil {
			return nil, nil, err
		}
		kv = persistence.NewGormKV(db.DB, cfg.Persistence.Namespace)
		closeFn = func() { _ = db.Close() }
	case config.BackendRedis:
		rkv, err := persistence.NewRedisKV(cfg.Persistence.Redis, cfg.Persistence.Namespace)
		if err != nil {
			return nil, nil, err
		}
		kv = rkv
		closeFn = func() { _ = rkv.Close() }
	default:
		return nil, nil, fmt.Errorf("unknown persistence backend %q", cfg.Persistence.Backend)
	}

	enc := cfg.Persistence.Encryption
	if !enc.Enabled {
		return kv, closeFn, nil
	}
	secret := []byte(enc.Secret)
	if enc.UseKeyring {
		var err error
		secret, err = persistence.KeyringSecret(enc.KeyringService, enc.KeyringUser)
		if err != nil {
			closeFn()
			return nil, nil, err
		}
	}
	ekv, err := persistence.NewEncryptedKV(kv, secret)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return ekv, closeFn, nil
}

func newEngine(cfg *config.Config, log *zap.Logger, tracing bool) *gin.Engine {
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	middleware.SetupValidator()

	engine := gin.New()
	if err := engine.SetTrustedProxies(cfg.HTTP.TrustedProxies); err != nil {
		log.Warn("Invalid trusted proxies", zap.Error(err))
	}

	cors := middleware.DefaultCORSConfig()
	cors.AllowOrigins = cfg.HTTP.CORSAllowOrigins

	engine.Use(
		middleware.Tracing(cfg.Telemetry.ServiceName, tracing),
		logger.RequestID(log),
		middleware.SpanAttributes(),
		logger.GinMiddleware(log),
		logger.Recovery(log),
		middleware.Secure(),
		middleware.CORSWithConfig(cors),
	)
	return engine
}
