package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "wslicense/internal/errors"
	"wslicense/internal/middleware"
	"wslicense/internal/registry"
	"wslicense/pkg/contracts/domain"
)

// LicenseService is the registry surface used by installations
type LicenseService interface {
	Activate(ctx context.Context, req domain.ActivateRequest) (*domain.LicenseRecord, error)
	Validate(ctx context.Context, req domain.ValidateRequest) (*domain.ValidateResult, error)
	RecordUsage(ctx context.Context, events []domain.UsageEvent) error
}

// LicenseHandler serves /activate, /validate and /usage
type LicenseHandler struct {
	service LicenseService
	logger  *slog.Logger
}

// NewLicenseHandler creates a new license handler
func NewLicenseHandler(service LicenseService, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "license")),
	}
}

// Activate handles POST /activate
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx, span := startSpan(r, "license_handler.activate")
	defer span.End()

	var req domain.ActivateRequest
	if apiErr := decode(r, &req); apiErr != nil {
		h.invalid(ctx, w, r, "activate", apiErr)
		return
	}
	span.SetAttributes(attribute.String("license.app_id", req.AppID))

	rec, err := h.service.Activate(withCaller(ctx, r), req)
	if err != nil {
		h.fail(ctx, w, r, "activate", err, rec)
		return
	}
	render.JSON(w, r, domain.ActivateResponse{
		Success: true,
		Message: "Licence activated",
		Record:  rec,
	})
}

// Validate handles POST /validate
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	ctx, span := startSpan(r, "license_handler.validate")
	defer span.End()

	var req domain.ValidateRequest
	if apiErr := decode(r, &req); apiErr != nil {
		h.invalid(ctx, w, r, "validate", apiErr)
		return
	}

	res, err := h.service.Validate(withCaller(ctx, r), req)
	if err != nil {
		var rec *domain.LicenseRecord
		if res != nil {
			rec = res.Record
		}
		h.fail(ctx, w, r, "validate", err, rec)
		return
	}
	render.JSON(w, r, domain.ValidateResponse{
		ActivateResponse: domain.ActivateResponse{Success: true, Record: res.Record},
		RemainingDays:    res.RemainingDays,
	})
}

// Usage handles POST /usage
func (h *LicenseHandler) Usage(w http.ResponseWriter, r *http.Request) {
	ctx, span := startSpan(r, "license_handler.usage")
	defer span.End()

	var batch domain.UsageBatch
	if apiErr := decode(r, &batch); apiErr != nil {
		h.invalid(ctx, w, r, "usage", apiErr)
		return
	}
	span.SetAttributes(attribute.Int("usage.events", len(batch.Events)))

	if err := h.service.RecordUsage(ctx, batch.Events); err != nil {
		h.fail(ctx, w, r, "usage", err, nil)
		return
	}
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, domain.ActivateResponse{Success: true, Message: "Usage recorded"})
}

func (h *LicenseHandler) invalid(ctx context.Context, w http.ResponseWriter, r *http.Request, op string, apiErr *apperrors.APIError) {
	h.logger.InfoContext(ctx, "rejected malformed request",
		slog.String("operation", op),
		slog.Any("details", apiErr.Details),
	)
	render.Status(r, http.StatusBadRequest)
	render.JSON(w, r, domain.ActivateResponse{
		Success:   false,
		Message:   firstProblem(apiErr),
		ErrorCode: domain.ErrCodeInvalidRequest,
	})
}

// fail writes the failure body for err. rec is included only when the
// registry returned one for the calling device.
func (h *LicenseHandler) fail(ctx context.Context, w http.ResponseWriter, r *http.Request, op string, err error, rec *domain.LicenseRecord) {
	status, code, msg := apperrors.Classify(err)
	attrs := []any{
		slog.String("operation", op),
		slog.String("error_code", code),
		slog.Int("status", status),
	}
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(ctx, "licence request failed", append(attrs, slog.String("error", err.Error()))...)
	} else {
		h.logger.InfoContext(ctx, "licence request denied", attrs...)
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("license.error_code", code))

	render.Status(r, status)
	render.JSON(w, r, domain.ActivateResponse{
		Success:   false,
		Message:   msg,
		ErrorCode: code,
		Record:    rec,
	})
}

func startSpan(r *http.Request, name string) (context.Context, trace.Span) {
	return otel.Tracer("wslicense/transport").Start(r.Context(), name,
		trace.WithAttributes(attribute.String("request_id", middleware.GetRequestID(r.Context()))),
	)
}

func withCaller(ctx context.Context, r *http.Request) context.Context {
	return registry.WithCallerIP(ctx, middleware.ClientIP(r))
}
