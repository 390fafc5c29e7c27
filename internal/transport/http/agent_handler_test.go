package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"wslicense/internal/infrastructure"
	"wslicense/internal/license"
	"wslicense/pkg/contracts/domain"
)

type mockEngine struct {
	mock.Mock
}

func (m *mockEngine) GetVerdict() domain.Verdict {
	return m.Called().Get(0).(domain.Verdict)
}

func (m *mockEngine) Activate(ctx context.Context, key string) (domain.Verdict, error) {
	args := m.Called(ctx, key)
	return args.Get(0).(domain.Verdict), args.Error(1)
}

func (m *mockEngine) Reconcile(ctx context.Context) (domain.Verdict, error) {
	args := m.Called(ctx)
	return args.Get(0).(domain.Verdict), args.Error(1)
}

func (m *mockEngine) LogUsageEvent(eventType string, details map[string]any) {
	m.Called(eventType, details)
}

func serveAgent(t *testing.T, engine *mockEngine, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	router := NewAgentRouter(engine, infrastructure.NopLogger())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(rec, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return rec, out
}

func TestAgentVerdict(t *testing.T) {
	engine := &mockEngine{}
	engine.On("GetVerdict").Return(domain.Verdict{Valid: true, Reason: domain.ReasonValid, RemainingDays: 12})

	rec, out := serveAgent(t, engine, http.MethodGet, "/verdict", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["valid"])
	assert.Equal(t, float64(12), out["remaining_days"])
}

func TestAgentActivate(t *testing.T) {
	t.Run("activated", func(t *testing.T) {
		engine := &mockEngine{}
		engine.On("Activate", mock.Anything, "WS-AAAAAAAAAAAA").
			Return(domain.Verdict{Valid: true, Reason: domain.ReasonValid}, nil)

		rec, out := serveAgent(t, engine, http.MethodPost, "/activate", `{"licence_key":"WS-AAAAAAAAAAAA"}`)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "VALID", out["reason"])
		engine.AssertExpectations(t)
	})

	t.Run("quota exceeded", func(t *testing.T) {
		engine := &mockEngine{}
		engine.On("Activate", mock.Anything, "WS-AAAAAAAAAAAA").Return(
			domain.Verdict{Reason: domain.ReasonQuotaExceeded},
			&license.ClientError{Kind: license.KindQuotaExceeded, Code: domain.ErrCodeMaxDevicesReached},
		)

		rec, out := serveAgent(t, engine, http.MethodPost, "/activate", `{"licence_key":"WS-AAAAAAAAAAAA"}`)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, domain.ErrCodeMaxDevicesReached, out["error_code"])
		assert.Equal(t, "QUOTA_EXCEEDED", out["verdict"].(map[string]any)["reason"])
	})

	t.Run("registry unreachable", func(t *testing.T) {
		engine := &mockEngine{}
		engine.On("Activate", mock.Anything, "WS-AAAAAAAAAAAA").Return(
			domain.Verdict{},
			&license.ClientError{Kind: license.KindNetworkError, Err: errors.New("dial tcp: refused")},
		)

		rec, _ := serveAgent(t, engine, http.MethodPost, "/activate", `{"licence_key":"WS-AAAAAAAAAAAA"}`)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("malformed key", func(t *testing.T) {
		engine := &mockEngine{}
		engine.On("Activate", mock.Anything, "bad key!").
			Return(domain.Verdict{Reason: domain.ReasonNoLicence}, errors.New("licence key contains invalid character ' '"))

		rec, out := serveAgent(t, engine, http.MethodPost, "/activate", `{"licence_key":"bad key!"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, domain.ErrCodeInvalidRequest, out["error_code"])
	})

	t.Run("missing key", func(t *testing.T) {
		engine := &mockEngine{}
		rec, out := serveAgent(t, engine, http.MethodPost, "/activate", `{}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "licence_key is required", out["message"])
		engine.AssertNotCalled(t, "Activate", mock.Anything, mock.Anything)
	})
}

func TestAgentEventsAreGated(t *testing.T) {
	engine := &mockEngine{}
	engine.On("GetVerdict").Return(domain.Verdict{Reason: domain.ReasonExpired}).Once()

	rec, out := serveAgent(t, engine, http.MethodPost, "/events", `{"event_type":"message_sent"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, domain.ErrCodeLicenseExpired, out["error_code"])
	engine.AssertNotCalled(t, "LogUsageEvent", mock.Anything, mock.Anything)

	engine.On("GetVerdict").Return(domain.Verdict{Valid: true, Reason: domain.ReasonValid})
	engine.On("LogUsageEvent", "message_sent", map[string]any{"count": float64(3)}).Return()

	rec, _ = serveAgent(t, engine, http.MethodPost, "/events", `{"event_type":"message_sent","details":{"count":3}}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	engine.AssertExpectations(t)
}

func TestAgentReconcileFallsBack(t *testing.T) {
	engine := &mockEngine{}
	engine.On("Reconcile", mock.Anything).Return(
		domain.Verdict{Valid: true, Reason: domain.ReasonValid, NeedsSync: true},
		&license.ClientError{Kind: license.KindServerError},
	)

	rec, out := serveAgent(t, engine, http.MethodPost, "/reconcile", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["needs_sync"])
}
