package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"not found", ErrLicenseNotFound, http.StatusNotFound, "INVALID_LICENCE"},
		{"expired", ErrLicenseExpired, http.StatusForbidden, "LICENSE_EXPIRED"},
		{"quota", ErrQuotaExceeded, http.StatusConflict, "MAX_DEVICES_REACHED"},
		{"bound elsewhere", ErrDeviceBoundElsewhere, http.StatusConflict, "DEVICE_ALREADY_BOUND"},
		{"suspended", ErrLicenseSuspended, http.StatusForbidden, "LICENSE_SUSPENDED"},
		{"revoked", ErrLicenseRevoked, http.StatusForbidden, "LICENSE_REVOKED"},
		{"wrapped quota", fmt.Errorf("activate WS-1: %w", ErrQuotaExceeded), http.StatusConflict, "MAX_DEVICES_REACHED"},
		{"bad input", fmt.Errorf("%w: app id is required", ErrInvalidLicenceInput), http.StatusBadRequest, "INVALID_REQUEST"},
		{"unknown", fmt.Errorf("disk on fire"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code, msg := Classify(tt.err)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantCode, code)
			assert.NotEmpty(t, msg)
		})
	}
}

func TestClassifyDoesNotLeakInternalMessages(t *testing.T) {
	_, _, msg := Classify(fmt.Errorf("pq: password authentication failed"))
	assert.NotContains(t, msg, "password")
}

func TestProblemDetailsMarshalFlattensExtensions(t *testing.T) {
	p := LicenseProblem(ErrQuotaExceeded, "/activate", "trace-1")

	data, err := json.Marshal(p)
	require.NoError(t, err)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, "/errors/max-devices-reached", body["type"])
	assert.Equal(t, float64(http.StatusConflict), body["status"])
	assert.Equal(t, "MAX_DEVICES_REACHED", body["error_code"])
	assert.Equal(t, "trace-1", body["trace_id"])
	assert.Equal(t, "/activate", body["instance"])
}

func TestProblemDetailsExtensionsCannotOverrideStandardFields(t *testing.T) {
	p := NewProblemDetails(http.StatusBadRequest, "/errors/x", "Bad Request", "", "")
	p.WithExtension("status", 999)

	data, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":400`)
}

func TestProblemFromAPIError(t *testing.T) {
	apiErr := NewValidationErrors([]ValidationError{{Field: "licence_key", Message: "is required"}})
	p := ProblemFromAPIError(apiErr, "/admin/licences", "")

	assert.Equal(t, http.StatusBadRequest, p.Status)
	assert.Equal(t, "INVALID_REQUEST", p.Extensions["error_code"])
	assert.NotContains(t, p.Extensions, "trace_id")
	assert.NotNil(t, p.Extensions["details"])
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "op"))
	err := Wrap(ErrLicenseRevoked, "validate")
	assert.ErrorIs(t, err, ErrLicenseRevoked)
	assert.Equal(t, "validate: licence revoked", err.Error())
}
