package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// Licence-specific sentinel errors shared by the registry and the client.
var (
	ErrLicenseNotFound      = errors.New("licence not found")
	ErrLicenseExpired       = errors.New("licence expired")
	ErrLicenseSuspended     = errors.New("licence suspended")
	ErrLicenseRevoked       = errors.New("licence revoked")
	ErrQuotaExceeded        = errors.New("device quota exceeded")
	ErrDeviceBoundElsewhere = errors.New("device already bound to another licence")
	ErrInvalidTransition    = errors.New("invalid licence status transition")
	ErrLicenseExists        = errors.New("licence key already exists")
	ErrLockTimeout          = errors.New("timed out waiting for licence lock")
	ErrNetworkError         = errors.New("network error")
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrTrialUnavailable     = errors.New("trial unavailable: a licence was already cached on this device")
	ErrNoCachedLicense      = errors.New("no cached licence")
	ErrInvalidLicenceInput  = errors.New("invalid licence request")
)

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	// Extensions are flattened into the top-level JSON object
	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	w.Header().Set("Content-Type", "application/problem+json")
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON custom marshaler to include extensions
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{}, 5+len(pd.Extensions))
	for k, v := range pd.Extensions {
		data[k] = v
	}

	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status
	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}
	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}

// ProblemFromAPIError converts an APIError to problem details for admin endpoints.
func ProblemFromAPIError(e *APIError, instance, traceID string) *ProblemDetails {
	p := NewProblemDetails(e.StatusCode, "/errors/"+slug(e.ErrorCode), http.StatusText(e.StatusCode), e.Message, instance)
	p.WithExtension("error_code", e.ErrorCode)
	if traceID != "" {
		p.WithExtension("trace_id", traceID)
	}
	if e.Details != nil {
		p.WithExtension("details", e.Details)
	}
	return p
}

// LicenseProblem maps a licence sentinel to problem details. Unknown errors
// become a 500 without leaking their message.
func LicenseProblem(err error, instance, traceID string) *ProblemDetails {
	status, code, detail := Classify(err)
	p := NewProblemDetails(status, "/errors/"+slug(code), http.StatusText(status), detail, instance)
	p.WithExtension("error_code", code)
	if traceID != "" {
		p.WithExtension("trace_id", traceID)
	}
	return p
}

// Classify maps a licence error to its HTTP status, wire error code and a
// user-facing message.
func Classify(err error) (status int, code string, message string) {
	switch {
	case errors.Is(err, ErrLicenseNotFound):
		return http.StatusNotFound, "INVALID_LICENCE", "Licence not found"
	case errors.Is(err, ErrLicenseExpired):
		return http.StatusForbidden, "LICENSE_EXPIRED", "Licence has expired"
	case errors.Is(err, ErrQuotaExceeded):
		return http.StatusConflict, "MAX_DEVICES_REACHED", "Maximum number of devices reached"
	case errors.Is(err, ErrDeviceBoundElsewhere):
		return http.StatusConflict, "DEVICE_ALREADY_BOUND", "This device is already bound to another licence"
	case errors.Is(err, ErrLicenseSuspended):
		return http.StatusForbidden, "LICENSE_SUSPENDED", "Licence is suspended"
	case errors.Is(err, ErrLicenseRevoked):
		return http.StatusForbidden, "LICENSE_REVOKED", "Licence has been revoked"
	case errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict, "INVALID_TRANSITION", err.Error()
	case errors.Is(err, ErrLicenseExists):
		return http.StatusConflict, "LICENCE_EXISTS", "Licence key already exists"
	case errors.Is(err, ErrInvalidLicenceInput):
		return http.StatusBadRequest, "INVALID_REQUEST", err.Error()
	case errors.Is(err, ErrInvalidCredentials):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Invalid credentials"
	case errors.Is(err, ErrLockTimeout):
		return http.StatusServiceUnavailable, "INTERNAL_ERROR", "Licence is busy, retry shortly"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error"
	}
}

func slug(code string) string {
	b := []byte(code)
	for i, c := range b {
		switch {
		case c == '_':
			b[i] = '-'
		case c >= 'A' && c <= 'Z':
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// Wrap annotates err with an operation name, keeping it matchable with errors.Is.
func Wrap(err error, op string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}
