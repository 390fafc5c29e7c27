package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"wslicense/internal/config"
	"wslicense/internal/infrastructure"
	"wslicense/internal/license"
	"wslicense/internal/security"
	handlers "wslicense/internal/transport/http"
	"wslicense/pkg/contracts"
	"wslicense/pkg/contracts/domain"
)

// Agent wires the installation-side licence engine: local store, device
// fingerprint, registry client and usage dispatcher.
type Agent struct {
	Config        *config.Config
	Engine        *license.Engine
	Client        *license.Client
	Fingerprint   *security.FingerprintGenerator
	Store         *license.FileStore
	Dispatcher    *license.Dispatcher
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders

	control *http.Server
	closers []io.Closer
	clock   func() time.Time
}

// AgentOption customises an Agent
type AgentOption func(*Agent)

// WithAgentClock replaces the wall clock used by the engine
func WithAgentClock(now func() time.Time) AgentOption {
	return func(a *Agent) { a.clock = now }
}

// NewAgent builds the engine from cfg. The data directory is created if needed.
func NewAgent(cfg *config.Config, logger *slog.Logger, opts ...AgentOption) (*Agent, error) {
	if err := cfg.ValidateClient(); err != nil {
		return nil, fmt.Errorf("invalid agent configuration: %w", err)
	}
	if err := os.MkdirAll(cfg.Client.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	otelProviders, err := infrastructure.InitializeOTel(AgentServiceName, cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	metrics, err := license.InitializeMetrics(otelProviders.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize licence metrics: %w", err)
	}

	a := &Agent{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: otelProviders,
		clock:         time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.Fingerprint = security.NewFingerprintGenerator(
		security.WithSalt(cfg.Client.FingerprintSalt),
		security.WithDataDir(cfg.Client.DataDir),
		security.WithFingerprintLogger(logger),
	)
	a.Store = license.NewFileStore(cfg.Client.DataDir, license.WithStoreLogger(logger))

	a.Client, err = license.NewClient(cfg.Client,
		license.WithDeviceName(a.Fingerprint.DeviceName()),
		license.WithClientLogger(logger),
		license.WithClientMetrics(metrics),
	)
	if err != nil {
		_ = a.Close(context.Background())
		return nil, err
	}

	var sink license.UsageSink
	publisher, err := a.usagePublisher()
	if err != nil {
		_ = a.Close(context.Background())
		return nil, err
	}
	if publisher != nil {
		a.Dispatcher = license.NewDispatcher(publisher, cfg.Usage, logger, metrics)
		sink = a.Dispatcher
	}

	a.Engine, err = license.NewEngine(license.EngineDeps{
		Store:           a.Store,
		Fingerprint:     a.Fingerprint,
		Reconciler:      a.Client,
		Usage:           sink,
		Clock:           a.clock,
		Logger:          logger,
		Metrics:         metrics,
		AppID:           cfg.Client.AppID,
		MaxOfflineDays:  cfg.Client.MaxOfflineDays,
		SyncInterval:    cfg.Client.SyncInterval,
		VerdictCacheTTL: cfg.Client.VerdictCacheTTL,
	})
	if err != nil {
		_ = a.Close(context.Background())
		return nil, err
	}

	if cfg.Client.ControlAddr != "" {
		a.control = &http.Server{
			Addr:         cfg.Client.ControlAddr,
			Handler:      handlers.NewAgentRouter(a.Engine, logger),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}
	}
	return a, nil
}

// usagePublisher returns nil when usage reporting is switched off
func (a *Agent) usagePublisher() (license.UsagePublisher, error) {
	switch a.Config.Usage.Sink {
	case config.SinkHTTP:
		return license.NewHTTPPublisher(a.Client), nil
	case config.SinkNATS:
		p, err := license.NewNATSPublisher(a.Config.Usage.NATSURL, a.Config.Usage.Subject, a.Logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, p)
		return p, nil
	case config.SinkLog:
		return license.NewLogPublisher(a.Logger), nil
	default:
		return nil, nil
	}
}

// Startup computes the verdict the host application gates its start on
func (a *Agent) Startup(ctx context.Context) domain.Verdict {
	v := a.Engine.Startup(ctx)
	a.Logger.InfoContext(ctx, "Agent started",
		slog.String("name", AgentServiceName),
		slog.String("version", contracts.Version),
		slog.Bool("valid", v.Valid),
		slog.String("reason", string(v.Reason)))
	return v
}

// Run serves the control API, if configured, and reconciles in the
// background until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	if a.control != nil {
		go func() {
			if err := a.control.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("control API: %w", err)
			}
		}()
		a.Logger.InfoContext(ctx, "Control API listening", slog.String("addr", a.control.Addr))
	}
	go func() { errCh <- a.Engine.Run(ctx) }()

	return <-errCh
}

// Close stops the control API, flushes queued usage events and releases
// every connection. It is safe to call more than once.
func (a *Agent) Close(ctx context.Context) error {
	var errs []error
	if a.control != nil {
		if err := a.control.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("control API shutdown: %w", err))
		}
	}
	if a.Dispatcher != nil {
		if err := a.Dispatcher.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("usage dispatcher: %w", err))
		}
	}
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		a.OTelProviders = nil
	}
	return errors.Join(errs...)
}
