package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"wslicense/internal/config"
	"wslicense/internal/infrastructure"
	"wslicense/internal/middleware"
	"wslicense/internal/registry"
	handlers "wslicense/internal/transport/http"
	"wslicense/pkg/contracts"
)

const (
	RegistryServiceName = "licence-registry"
	AgentServiceName    = "licence-agent"
)

// Application is the licence registry server
type Application struct {
	Config        *config.Config
	Router        chi.Router
	Server        *http.Server
	Service       *registry.Service
	Store         registry.Store
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders

	redis        *redis.Client
	consumer     *registry.UsageConsumer
	healthChecks map[string]handlers.HealthCheck
	stopSweep    context.CancelFunc
	sweepDone    chan struct{}
}

// NewApplication loads configuration and builds the registry server
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return NewApplicationWithConfig(context.Background(), cfg, logger)
}

// NewApplicationWithConfig builds the registry server from an explicit
// configuration. Dependencies opened before a failure are closed again.
func NewApplicationWithConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Application, error) {
	if err := cfg.ValidateRegistry(); err != nil {
		return nil, fmt.Errorf("invalid registry configuration: %w", err)
	}

	logger.Info("Application starting",
		slog.String("name", RegistryServiceName),
		slog.String("version", contracts.Version),
		slog.String("store", cfg.Registry.StoreDriver),
		slog.String("lock_backend", cfg.Registry.LockBackend))

	otelProviders, err := infrastructure.InitializeOTel(RegistryServiceName, cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	app := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: otelProviders,
		healthChecks:  make(map[string]handlers.HealthCheck),
	}

	if err := app.initializeServices(ctx); err != nil {
		app.closeDependencies(ctx)
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	if err := app.setupRouter(); err != nil {
		app.closeDependencies(ctx)
		return nil, fmt.Errorf("failed to set up router: %w", err)
	}
	app.createServer()
	return app, nil
}

// initializeServices opens the store and the locker and builds the registry service
func (a *Application) initializeServices(ctx context.Context) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	a.Store = store

	locker, err := a.openLocker(ctx)
	if err != nil {
		return err
	}

	metrics, err := registry.InitializeMetrics(a.OTelProviders.Meter)
	if err != nil {
		return fmt.Errorf("failed to initialize registry metrics: %w", err)
	}

	a.Service = registry.NewService(store, locker,
		registry.WithServiceLogger(a.Logger),
		registry.WithMetrics(metrics),
		registry.WithLockTimeout(a.Config.Registry.LockTimeout),
	)

	if url := a.Config.Registry.UsageNATSURL; url != "" {
		consumer, err := registry.NewUsageConsumer(url, a.Config.Registry.UsageSubject, a.Service, a.Logger)
		if err != nil {
			return err
		}
		a.consumer = consumer
	}
	return nil
}

func (a *Application) openStore(ctx context.Context) (registry.Store, error) {
	if a.Config.Registry.StoreDriver == config.StoreMemory {
		a.Logger.Warn("Using in-memory licence store, licences are lost on restart")
		return registry.NewMemoryStore(), nil
	}
	store, err := registry.OpenSQLStore(ctx, a.Config.Registry, a.Logger)
	if err != nil {
		return nil, err
	}
	a.healthChecks["database"] = store.Ping
	return store, nil
}

func (a *Application) openLocker(ctx context.Context) (registry.Locker, error) {
	if a.Config.Registry.LockBackend != config.LockRedis {
		return registry.NewLocalLocker(), nil
	}
	rdb, err := registry.NewRedisClient(ctx, a.Config.Registry.RedisAddr, a.Config.Registry.RedisPassword, a.Config.Registry.RedisDB)
	if err != nil {
		return nil, err
	}
	a.redis = rdb
	locker := registry.NewRedisLocker(rdb, a.Config.Registry.LockTTL, a.Logger)
	a.healthChecks["redis"] = locker.Ping
	return locker, nil
}

// setupRouter builds the HTTP API. The admin API needs both an admin
// password and a JWT secret.
func (a *Application) setupRouter() error {
	rc := a.Config.Registry

	var issuer *middleware.TokenIssuer
	if rc.AdminPassword != "" && rc.JWTSecret != "" {
		var err error
		if issuer, err = middleware.NewTokenIssuer(rc.JWTSecret, rc.JWTTTL); err != nil {
			return err
		}
	}

	otelMW, err := middleware.NewOTelMiddleware(a.OTelProviders)
	if err != nil {
		return fmt.Errorf("failed to create OTel middleware: %w", err)
	}

	router, err := handlers.NewRouter(handlers.RouterConfig{
		Licences:    a.Service,
		Admin:       a.Service,
		Issuer:      issuer,
		AdminCreds:  handlers.AdminCredentials{Username: rc.AdminUsername, Password: rc.AdminPassword},
		RequireAuth: rc.RequireAuth,
		APITokens:   rc.APITokens,
		Limits: handlers.RateLimits{
			Activate:   rc.ActivateRPM,
			Validate:   rc.ValidateRPM,
			Create:     rc.CreateRPM,
			Usage:      rc.UsageRPM,
			MaxClients: rc.RateLimitClients,
		},
		RequestTimeout: a.Config.Server.RequestTimeout,
		HealthChecks:   a.healthChecks,
		Metrics:        a.OTelProviders.PrometheusHTTP,
		OTel:           otelMW,
		Logger:         a.Logger,
	})
	if err != nil {
		return err
	}
	a.Router = router
	return nil
}

// createServer creates the HTTP server
func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      a.Router,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
		IdleTimeout:  a.Config.Server.IdleTimeout,
	}
}

// Start starts the usage consumer and the HTTP server. A server failure
// calls cancel so that Run can shut down.
func (a *Application) Start(ctx context.Context, cancel context.CancelFunc) error {
	if a.consumer != nil {
		if err := a.consumer.Start(); err != nil {
			return err
		}
	}

	if interval := a.Config.Registry.ExpirySweepInterval; interval > 0 {
		sweepCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
		a.stopSweep = stop
		a.sweepDone = make(chan struct{})
		go a.runExpirySweep(sweepCtx, interval)
	}

	go func() {
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.ErrorContext(ctx, "Server error", slog.String("error", err.Error()))
			cancel()
		}
	}()

	a.Logger.InfoContext(ctx, "Application started successfully",
		slog.String("name", RegistryServiceName),
		slog.String("version", contracts.Version),
		slog.Int("port", a.Config.Server.Port),
		slog.Bool("require_auth", a.Config.Registry.RequireAuth))
	return nil
}

// Stop drains in-flight requests and closes every dependency
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "Shutting down application")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown error: %w", err))
	}
	if a.stopSweep != nil {
		a.stopSweep()
		<-a.sweepDone
		a.stopSweep = nil
	}
	a.closeDependencies(shutdownCtx)

	a.Logger.InfoContext(ctx, "Application shutdown complete")
	return errors.Join(errs...)
}

// runExpirySweep persists due expiries every interval until ctx is done
func (a *Application) runExpirySweep(ctx context.Context, interval time.Duration) {
	defer close(a.sweepDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.Service.ExpireDue(ctx); err != nil && ctx.Err() == nil {
				a.Logger.ErrorContext(ctx, "Expiry sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (a *Application) closeDependencies(ctx context.Context) {
	if a.consumer != nil {
		if err := a.consumer.Close(); err != nil {
			a.Logger.ErrorContext(ctx, "Error closing usage consumer", slog.String("error", err.Error()))
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Logger.ErrorContext(ctx, "Error closing licence store", slog.String("error", err.Error()))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.Logger.ErrorContext(ctx, "Error closing redis client", slog.String("error", err.Error()))
		}
	}
	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(ctx); err != nil {
			a.Logger.ErrorContext(ctx, "Error shutting down OpenTelemetry", slog.String("error", err.Error()))
		}
	}
}

// Run runs the application until interrupted
func (a *Application) Run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := a.Start(ctx, cancel); err != nil {
		return err
	}

	<-ctx.Done()
	a.Logger.Info("Received shutdown signal")

	return a.Stop(context.Background())
}
