package license

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wslicense/internal/config"
	apperrors "wslicense/internal/errors"
	"wslicense/internal/infrastructure"
	"wslicense/pkg/contracts/domain"
)

func newTestClient(t *testing.T, url string, opts ...ClientOption) *Client {
	t.Helper()
	opts = append([]ClientOption{WithClientLogger(infrastructure.NopLogger()), WithDeviceName("build-box")}, opts...)
	c, err := NewClient(config.ClientConfig{
		ServerURL: url,
		AppID:     "whatsapp-sender-pro",
		APIToken:  "build-token",
		Timeout:   15 * time.Second,
	}, opts...)
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func testRecord() *domain.LicenseRecord {
	return &domain.LicenseRecord{
		LicenseKey:     "WS-0A1B2C3D4E5F",
		PlanType:       "pro",
		Status:         domain.LicenseStatusActive,
		ExpiryDate:     baseTime.Add(30 * 24 * time.Hour),
		ActivationDate: baseTime,
		MaxDevices:     2,
		DeviceID:       testFP,
	}
}

func TestClientActivate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/activate", r.URL.Path)
		assert.Equal(t, "Bearer build-token", r.Header.Get("Authorization"))

		var req domain.ActivateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "WS-0A1B2C3D4E5F", req.LicenseKey)
		assert.Equal(t, testFP, req.Fingerprint)
		assert.Equal(t, "build-box", req.DeviceName)
		assert.Equal(t, "whatsapp-sender-pro", req.AppID)

		writeJSON(w, http.StatusOK, domain.ActivateResponse{Success: true, Record: testRecord()})
	}))
	defer srv.Close()

	rec, err := newTestClient(t, srv.URL).Activate(context.Background(), "WS-0A1B2C3D4E5F", testFP)
	require.NoError(t, err)
	assert.Equal(t, "pro", rec.PlanType)
	assert.Equal(t, 2, rec.MaxDevices)
}

func TestClientRefreshSendsKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/validate", r.URL.Path)
		var req domain.ValidateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "WS-0A1B2C3D4E5F", req.LicenseKey)

		writeJSON(w, http.StatusOK, domain.ValidateResponse{
			ActivateResponse: domain.ActivateResponse{Success: true, Record: testRecord()},
			RemainingDays:    30,
		})
	}))
	defer srv.Close()

	rec, err := newTestClient(t, srv.URL).Refresh(context.Background(), subscriptionEntry(), testFP)
	require.NoError(t, err)
	assert.Equal(t, "WS-0A1B2C3D4E5F", rec.LicenseKey)
}

func TestClientErrorKinds(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     any
		wantKind ErrorKind
		sentinel error
	}{
		{"not found", http.StatusNotFound,
			domain.ActivateResponse{Message: "Licence not found", ErrorCode: domain.ErrCodeInvalidLicence},
			KindNotFound, apperrors.ErrLicenseNotFound},
		{"expired", http.StatusForbidden,
			domain.ActivateResponse{ErrorCode: domain.ErrCodeLicenseExpired},
			KindExpired, apperrors.ErrLicenseExpired},
		{"quota", http.StatusConflict,
			domain.ActivateResponse{ErrorCode: domain.ErrCodeMaxDevicesReached},
			KindQuotaExceeded, apperrors.ErrQuotaExceeded},
		{"suspended", http.StatusForbidden,
			domain.ActivateResponse{ErrorCode: domain.ErrCodeLicenseSuspended},
			KindSuspended, apperrors.ErrLicenseSuspended},
		{"device bound elsewhere", http.StatusConflict,
			domain.ActivateResponse{ErrorCode: domain.ErrCodeDeviceAlreadyBound},
			KindDeviceConflict, apperrors.ErrDeviceBoundElsewhere},
		{"unauthorized", http.StatusUnauthorized,
			domain.ActivateResponse{ErrorCode: domain.ErrCodeUnauthorized},
			KindUnauthorized, apperrors.ErrInvalidCredentials},
		{"server error", http.StatusInternalServerError,
			domain.ActivateResponse{ErrorCode: domain.ErrCodeInternal},
			KindServerError, nil},
		{"html error page", http.StatusBadGateway, "<html>bad gateway</html>", KindServerError, nil},
		{"success without record", http.StatusOK, domain.ActivateResponse{Success: true}, KindServerError, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if s, ok := tt.body.(string); ok {
					w.WriteHeader(tt.status)
					_, _ = w.Write([]byte(s))
					return
				}
				writeJSON(w, tt.status, tt.body)
			}))
			defer srv.Close()

			_, err := newTestClient(t, srv.URL).Activate(context.Background(), "WS-0A1B2C3D4E5F", testFP)
			require.Error(t, err)

			var ce *ClientError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.wantKind, ce.Kind)
			if tt.sentinel != nil {
				assert.ErrorIs(t, err, tt.sentinel)
			}
		})
	}
}

func TestClientDenialCarriesRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := testRecord()
		rec.Status = domain.LicenseStatusRevoked
		writeJSON(w, http.StatusForbidden, domain.ActivateResponse{
			ErrorCode: domain.ErrCodeLicenseRevoked,
			Message:   "Licence has been revoked",
			Record:    rec,
		})
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).Refresh(context.Background(), subscriptionEntry(), testFP)
	var ce *ClientError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, KindRevoked, ce.Kind)
	require.NotNil(t, ce.Record)
	assert.Equal(t, domain.LicenseStatusRevoked, ce.Record.Status)
	assert.False(t, ce.Transient())
}

func TestClientNetworkErrorIsSingleAttempt(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(200 * time.Millisecond)
		writeJSON(w, http.StatusOK, domain.ActivateResponse{Success: true, Record: testRecord()})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, WithHTTPClient(&http.Client{Timeout: 50 * time.Millisecond}))
	_, err := c.Activate(context.Background(), "WS-0A1B2C3D4E5F", testFP)

	var ce *ClientError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, KindNetworkError, ce.Kind)
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, apperrors.ErrNetworkError)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClientUnreachableServer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newTestClient(t, url).Refresh(context.Background(), nil, testFP)
	assert.True(t, IsTransient(err))
}

func TestClientPostUsage(t *testing.T) {
	var got domain.UsageBatch
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/usage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, http.StatusAccepted, domain.ActivateResponse{Success: true})
	}))
	defer srv.Close()

	err := newTestClient(t, srv.URL).PostUsage(context.Background(), []domain.UsageEvent{
		{ID: "e1", EventType: "message_sent", OccurredAt: baseTime},
	})
	require.NoError(t, err)
	require.Len(t, got.Events, 1)
	assert.Equal(t, "message_sent", got.Events[0].EventType)
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(config.ClientConfig{ServerURL: "not a url", AppID: "x"})
	assert.Error(t, err)

	_, err = NewClient(config.ClientConfig{ServerURL: "http://localhost:8080"})
	assert.Error(t, err)

	for in, want := range map[time.Duration]time.Duration{
		0:                DefaultClientTimeout,
		time.Second:      MinClientTimeout,
		12 * time.Second: 12 * time.Second,
		time.Minute:      MaxClientTimeout,
	} {
		c, err := NewClient(config.ClientConfig{ServerURL: "http://localhost:8080", AppID: "x", Timeout: in})
		require.NoError(t, err)
		assert.Equal(t, want, c.Timeout())
	}
}
