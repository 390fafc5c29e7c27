package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"wslicense/internal/middleware"
)

// RateLimits are per-caller budgets in requests per minute
type RateLimits struct {
	Activate   int
	Validate   int
	Create     int
	Usage      int
	MaxClients int
}

// RouterConfig collects what the registry router serves
type RouterConfig struct {
	Licences LicenseService
	Admin    AdminService

	// Issuer signs admin sessions; the admin API is not mounted without it.
	Issuer     *middleware.TokenIssuer
	AdminCreds AdminCredentials

	// APITokens guard the installation endpoints when RequireAuth is set.
	RequireAuth bool
	APITokens   []string

	Limits         RateLimits
	RequestTimeout time.Duration
	HealthChecks   map[string]HealthCheck
	Metrics        http.Handler
	OTel           *middleware.OTelMiddleware
	Logger         *slog.Logger
}

// NewRouter builds the registry HTTP API. The installation endpoints are
// served at the root and again under /api/license.
func NewRouter(cfg RouterConfig) (chi.Router, error) {
	logger := cfg.Logger
	limiter := func(name string, rpm int) (func(http.Handler) http.Handler, error) {
		l, err := middleware.NewClientRateLimiter(name, rpm, cfg.Limits.MaxClients, logger)
		if err != nil {
			return nil, err
		}
		return l.Handler, nil
	}
	activateLimit, err := limiter("activate", cfg.Limits.Activate)
	if err != nil {
		return nil, err
	}
	validateLimit, err := limiter("validate", cfg.Limits.Validate)
	if err != nil {
		return nil, err
	}
	usageLimit, err := limiter("usage", cfg.Limits.Usage)
	if err != nil {
		return nil, err
	}
	createLimit, err := limiter("create", cfg.Limits.Create)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if cfg.OTel != nil {
		r.Use(cfg.OTel.Handler)
	}
	r.Use(middleware.StructuredLogger(logger))
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.SecurityHeaders)
	if cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
	}
	r.Use(render.SetContentType(render.ContentTypeJSON))

	health := NewHealthHandler(cfg.HealthChecks, logger)
	r.Get("/health", health.HealthCheck)
	r.Get("/status", health.Status)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	lic := NewLicenseHandler(cfg.Licences, logger)
	installation := func(r chi.Router) {
		if cfg.RequireAuth {
			r.Use(middleware.BearerAuth(cfg.APITokens, logger))
		}
		r.With(activateLimit).Post("/activate", lic.Activate)
		r.With(validateLimit).Post("/validate", lic.Validate)
		r.With(usageLimit).Post("/usage", lic.Usage)
	}
	r.Group(installation)
	r.Route("/api/license", func(r chi.Router) {
		r.Get("/status", health.Status)
		r.Group(installation)
	})

	if cfg.Issuer != nil && cfg.Admin != nil {
		admin := NewAdminHandler(cfg.Admin, cfg.Issuer, cfg.AdminCreds, logger)
		r.Route("/admin", func(r chi.Router) {
			r.With(createLimit).Post("/login", admin.Login)
			r.Group(func(r chi.Router) {
				r.Use(middleware.AdminAuth(cfg.Issuer, logger))
				r.With(createLimit).Post("/licences", admin.CreateLicence)
				r.Get("/licences", admin.ListLicences)
				r.Get("/licences/{key}", admin.GetLicence)
				r.Post("/licences/{key}/status", admin.SetStatus)
				r.Post("/licences/{key}/reset", admin.ResetDevices)
				r.Get("/stats", admin.Stats)
			})
		})
	} else {
		logger.Warn("Admin API disabled: no JWT secret configured")
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteFailure(w, http.StatusNotFound, "NOT_FOUND", "No such endpoint")
	})
	return r, nil
}
