package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "wslicense/internal/errors"
	"wslicense/internal/infrastructure"
	"wslicense/pkg/contracts/domain"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestBearerAuth(t *testing.T) {
	h := BearerAuth([]string{"build-token", " "}, infrastructure.NopLogger())(okHandler())

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid token", "Bearer build-token", http.StatusNoContent},
		{"scheme is case-insensitive", "bearer build-token", http.StatusNoContent},
		{"wrong token", "Bearer other", http.StatusUnauthorized},
		{"blank token never matches", "Bearer  ", http.StatusUnauthorized},
		{"missing header", "", http.StatusUnauthorized},
		{"basic auth", "Basic YWRtaW46YWRtaW4=", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/activate", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)

			if tt.want == http.StatusUnauthorized {
				var body domain.ActivateResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				assert.False(t, body.Success)
				assert.Equal(t, domain.ErrCodeUnauthorized, body.ErrorCode)
				assert.NotEmpty(t, body.Message)
			}
		})
	}
}

func newIssuer(t *testing.T, now time.Time) *TokenIssuer {
	t.Helper()
	ti, err := NewTokenIssuer(testSecret, time.Hour)
	require.NoError(t, err)
	ti.now = func() time.Time { return now }
	return ti
}

func TestTokenIssuerRoundTrip(t *testing.T) {
	now := time.Now()
	ti := newIssuer(t, now)

	tok, err := ti.Issue("root")
	require.NoError(t, err)
	assert.WithinDuration(t, now.Add(time.Hour), tok.ExpiresAt, time.Second)

	claims, err := ti.Verify(tok.Token)
	require.NoError(t, err)
	assert.Equal(t, "root", claims.Subject)

	ti.now = func() time.Time { return now.Add(2 * time.Hour) }
	_, err = ti.Verify(tok.Token)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestTokenIssuerRejectsForeignTokens(t *testing.T) {
	ti := newIssuer(t, time.Now())

	other, err := NewTokenIssuer("ffffffffffffffffffffffffffffffff", time.Hour)
	require.NoError(t, err)
	tok, err := other.Issue("root")
	require.NoError(t, err)
	_, err = ti.Verify(tok.Token)
	assert.ErrorIs(t, err, jwt.ErrTokenSignatureInvalid)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "root"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = ti.Verify(none)
	assert.Error(t, err)

	_, err = NewTokenIssuer("short", time.Hour)
	assert.Error(t, err)
}

func TestAdminAuth(t *testing.T) {
	ti := newIssuer(t, time.Now())
	tok, err := ti.Issue("root")
	require.NoError(t, err)

	var subject string
	h := AdminAuth(ti, infrastructure.NopLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject = AdminSubject(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	req.Header.Set("Authorization", "Bearer "+tok.Token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "root", subject)

	req = httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	req.Header.Set("Authorization", "Bearer "+strings.ToUpper(tok.Token))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var problem map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, "/errors/unauthorized", problem["type"])
	assert.Equal(t, domain.ErrCodeUnauthorized, problem["error_code"])
}

func TestCheckCredentials(t *testing.T) {
	assert.NoError(t, CheckCredentials(domain.LoginRequest{Username: "admin", Password: "s3cret"}, "admin", "s3cret"))
	assert.ErrorIs(t, CheckCredentials(domain.LoginRequest{Username: "admin", Password: "nope"}, "admin", "s3cret"), apperrors.ErrInvalidCredentials)
	assert.ErrorIs(t, CheckCredentials(domain.LoginRequest{}, "", ""), apperrors.ErrInvalidCredentials)
}
