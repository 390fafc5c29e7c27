package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apperrors "wslicense/internal/errors"
	"wslicense/internal/license"
	"wslicense/internal/middleware"
	"wslicense/pkg/contracts/domain"
)

// LicenceEngine is the installation-side engine as seen by the host
// application. *license.Engine implements it.
type LicenceEngine interface {
	GetVerdict() domain.Verdict
	Activate(ctx context.Context, key string) (domain.Verdict, error)
	Reconcile(ctx context.Context) (domain.Verdict, error)
	LogUsageEvent(eventType string, details map[string]any)
}

// AgentActivateRequest is the body of the agent's POST /activate
type AgentActivateRequest struct {
	LicenseKey string `json:"licence_key" validate:"required,max=64"`
}

// AgentEventRequest is the body of the agent's POST /events
type AgentEventRequest struct {
	EventType string         `json:"event_type" validate:"required,max=64"`
	Details   map[string]any `json:"details,omitempty"`
}

// AgentHandler serves the loopback control API of a running agent
type AgentHandler struct {
	engine LicenceEngine
	logger *slog.Logger
}

// NewAgentHandler creates a new agent handler
func NewAgentHandler(engine LicenceEngine, logger *slog.Logger) *AgentHandler {
	return &AgentHandler{
		engine: engine,
		logger: logger.With(slog.String("handler", "agent")),
	}
}

// Verdict handles GET /verdict
func (h *AgentHandler) Verdict(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.engine.GetVerdict())
}

// Activate handles POST /activate
func (h *AgentHandler) Activate(w http.ResponseWriter, r *http.Request) {
	var req AgentActivateRequest
	if apiErr := decode(r, &req); apiErr != nil {
		middleware.WriteFailure(w, apiErr.StatusCode, apiErr.ErrorCode, apiErr.Message)
		return
	}
	v, err := h.engine.Activate(r.Context(), req.LicenseKey)
	if err != nil {
		h.fail(w, r, v, err)
		return
	}
	render.JSON(w, r, v)
}

// Reconcile handles POST /reconcile
func (h *AgentHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	v, err := h.engine.Reconcile(r.Context())
	if err != nil && license.IsTransient(err) {
		h.logger.WarnContext(r.Context(), "reconciliation fell back to cached licence",
			slog.String("error", err.Error()),
		)
	}
	render.JSON(w, r, v)
}

// Event handles POST /events
func (h *AgentHandler) Event(w http.ResponseWriter, r *http.Request) {
	var req AgentEventRequest
	if apiErr := decode(r, &req); apiErr != nil {
		middleware.WriteFailure(w, apiErr.StatusCode, apiErr.ErrorCode, apiErr.Message)
		return
	}
	h.engine.LogUsageEvent(req.EventType, req.Details)
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, domain.ActivateResponse{Success: true, Message: "Event queued"})
}

// fail reports an activation failure together with the verdict it left behind
func (h *AgentHandler) fail(w http.ResponseWriter, r *http.Request, v domain.Verdict, err error) {
	status, code, msg := apperrors.Classify(err)
	var ce *license.ClientError
	switch {
	case license.IsTransient(err):
		status, code, msg = http.StatusServiceUnavailable, domain.ErrCodeInternal, "Licence server unreachable"
	case !errors.As(err, &ce):
		// the key was rejected before reaching the registry
		status, code, msg = http.StatusBadRequest, domain.ErrCodeInvalidRequest, err.Error()
	}
	render.Status(r, status)
	render.JSON(w, r, map[string]any{
		"success":    false,
		"error_code": code,
		"message":    msg,
		"verdict":    v,
	})
}

// NewAgentRouter builds the agent control API. Only /events requires a
// valid licence.
func NewAgentRouter(engine LicenceEngine, logger *slog.Logger) chi.Router {
	h := NewAgentHandler(engine, logger)
	gate := middleware.NewLicenceGate(engine, logger, "/verdict", "/activate", "/reconcile")

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer(logger))
	r.Use(render.SetContentType(render.ContentTypeJSON))

	r.Get("/verdict", h.Verdict)
	r.Post("/activate", h.Activate)
	r.Post("/reconcile", h.Reconcile)
	r.With(gate.Handler).Post("/events", h.Event)
	return r
}
