package http

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apperrors "wslicense/internal/errors"
	"wslicense/internal/middleware"
	"wslicense/internal/registry"
	"wslicense/pkg/contracts/domain"
)

// AdminService is the registry surface used by operators
type AdminService interface {
	CreateLicence(ctx context.Context, req domain.CreateLicenseRequest) (*domain.License, error)
	GetLicence(ctx context.Context, key string) (*domain.License, error)
	ListLicences(ctx context.Context, filter domain.LicenseFilter) ([]*domain.License, error)
	Stats(ctx context.Context) (*domain.Stats, error)
	SetStatus(ctx context.Context, key string, req domain.SetStatusRequest) (*domain.License, error)
	ResetDevices(ctx context.Context, key string) (int, error)
}

// AdminCredentials is the single operator account
type AdminCredentials struct {
	Username string
	Password string
}

// AdminHandler serves the /admin API. Errors are problem details.
type AdminHandler struct {
	service AdminService
	issuer  *middleware.TokenIssuer
	creds   AdminCredentials
	logger  *slog.Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(service AdminService, issuer *middleware.TokenIssuer, creds AdminCredentials, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		service: service,
		issuer:  issuer,
		creds:   creds,
		logger:  logger.With(slog.String("handler", "admin")),
	}
}

// Login handles POST /admin/login
func (h *AdminHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	if apiErr := decode(r, &req); apiErr != nil {
		h.problem(w, r, apiErr)
		return
	}
	if err := middleware.CheckCredentials(req, h.creds.Username, h.creds.Password); err != nil {
		h.logger.WarnContext(r.Context(), "admin login failed",
			slog.String("username", req.Username),
			slog.String("remote_ip", middleware.ClientIP(r)),
		)
		h.licenceProblem(w, r, err)
		return
	}
	tok, err := h.issuer.Issue(req.Username)
	if err != nil {
		h.licenceProblem(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "admin logged in", slog.String("username", req.Username))
	render.JSON(w, r, tok)
}

// CreateLicence handles POST /admin/licences
func (h *AdminHandler) CreateLicence(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateLicenseRequest
	if apiErr := decode(r, &req); apiErr != nil {
		h.problem(w, r, apiErr)
		return
	}
	lic, err := h.service.CreateLicence(h.auditCtx(r), req)
	if err != nil {
		h.licenceProblem(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, lic)
}

// ListLicences handles GET /admin/licences?app_id=&status=&limit=&offset=
func (h *AdminHandler) ListLicences(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.LicenseFilter{
		AppID:  q.Get("app_id"),
		Status: domain.LicenseStatus(q.Get("status")),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		h.problem(w, r, apperrors.NewValidationErrors([]apperrors.ValidationError{
			{Field: "status", Message: "unknown licence status"},
		}))
		return
	}
	var ok bool
	if filter.Limit, ok = h.intParam(w, r, "limit", registry.DefaultListLimit, registry.MaxListLimit); !ok {
		return
	}
	if filter.Offset, ok = h.intParam(w, r, "offset", 0, 1<<31-1); !ok {
		return
	}

	list, err := h.service.ListLicences(r.Context(), filter)
	if err != nil {
		h.licenceProblem(w, r, err)
		return
	}
	if list == nil {
		list = []*domain.License{}
	}
	render.JSON(w, r, map[string]any{
		"licences": list,
		"count":    len(list),
		"limit":    filter.Limit,
		"offset":   filter.Offset,
	})
}

// GetLicence handles GET /admin/licences/{key}
func (h *AdminHandler) GetLicence(w http.ResponseWriter, r *http.Request) {
	lic, err := h.service.GetLicence(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		h.licenceProblem(w, r, err)
		return
	}
	render.JSON(w, r, lic)
}

// SetStatus handles POST /admin/licences/{key}/status
func (h *AdminHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	var req domain.SetStatusRequest
	if apiErr := decode(r, &req); apiErr != nil {
		h.problem(w, r, apiErr)
		return
	}
	lic, err := h.service.SetStatus(h.auditCtx(r), chi.URLParam(r, "key"), req)
	if err != nil {
		h.licenceProblem(w, r, err)
		return
	}
	render.JSON(w, r, lic)
}

// ResetDevices handles POST /admin/licences/{key}/reset
func (h *AdminHandler) ResetDevices(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	n, err := h.service.ResetDevices(h.auditCtx(r), key)
	if err != nil {
		h.licenceProblem(w, r, err)
		return
	}
	render.JSON(w, r, map[string]any{"licence_key": key, "devices_removed": n})
}

// Stats handles GET /admin/stats
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.service.Stats(r.Context())
	if err != nil {
		h.licenceProblem(w, r, err)
		return
	}
	render.JSON(w, r, st)
}

func (h *AdminHandler) auditCtx(r *http.Request) context.Context {
	return registry.WithCallerIP(r.Context(), middleware.ClientIP(r))
}

func (h *AdminHandler) intParam(w http.ResponseWriter, r *http.Request, name string, def, max int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 || v > max {
		h.problem(w, r, apperrors.NewValidationErrors([]apperrors.ValidationError{
			{Field: name, Message: "must be an integer between 0 and " + strconv.Itoa(max)},
		}))
		return 0, false
	}
	return v, true
}

func (h *AdminHandler) problem(w http.ResponseWriter, r *http.Request, apiErr *apperrors.APIError) {
	_ = render.Render(w, r, apperrors.ProblemFromAPIError(apiErr, r.URL.Path, middleware.GetRequestID(r.Context())))
}

func (h *AdminHandler) licenceProblem(w http.ResponseWriter, r *http.Request, err error) {
	p := apperrors.LicenseProblem(err, r.URL.Path, middleware.GetRequestID(r.Context()))
	if p.Status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "admin request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
	_ = render.Render(w, r, p)
}
