package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wslicense/internal/config"
	"wslicense/internal/infrastructure"
	"wslicense/pkg/contracts/domain"
)

const (
	testToken  = "agent-build-token"
	testSecret = "0123456789abcdef0123456789abcdef"
)

func registryConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Registry.StoreDriver = config.StoreMemory
	cfg.Registry.APITokens = []string{testToken}
	cfg.Registry.AdminPassword = "s3cret"
	cfg.Registry.JWTSecret = testSecret
	cfg.Telemetry.Enabled = false
	return cfg
}

func startRegistry(t *testing.T, cfg *config.Config) (*Application, *httptest.Server) {
	t.Helper()
	a, err := NewApplicationWithConfig(context.Background(), cfg, infrastructure.NopLogger())
	require.NoError(t, err)
	srv := httptest.NewServer(a.Router)
	t.Cleanup(func() {
		srv.Close()
		assert.NoError(t, a.Stop(context.Background()))
	})
	return a, srv
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestNewApplicationMemoryStore(t *testing.T) {
	a, srv := startRegistry(t, registryConfig(t))

	lic, err := a.Service.CreateLicence(context.Background(), domain.CreateLicenseRequest{
		AppID: "whatsapp-sender-pro", MaxDevices: 1,
	})
	require.NoError(t, err)

	resp, out := postJSON(t, srv.URL+"/activate", domain.ActivateRequest{
		LicenseKey: lic.LicenseKey, Fingerprint: "fp-1", AppID: "whatsapp-sender-pro",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, out["success"])

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, ":8080", a.Server.Addr)
	assert.Equal(t, 15*time.Second, a.Server.ReadTimeout)
}

func TestNewApplicationSQLiteStore(t *testing.T) {
	cfg := registryConfig(t)
	cfg.Registry.StoreDriver = config.StoreSQLite
	cfg.Registry.SQLitePath = filepath.Join(t.TempDir(), "db", "licences.db")
	_, srv := startRegistry(t, cfg)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "ok", body.Checks["database"])
}

func TestNewApplicationRejectsIncompleteConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"auth without tokens", func(c *config.Config) { c.Registry.APITokens = nil }},
		{"postgres without dsn", func(c *config.Config) { c.Registry.StoreDriver = config.StorePostgres }},
		{"redis without address", func(c *config.Config) { c.Registry.LockBackend = config.LockRedis }},
		{"short jwt secret", func(c *config.Config) { c.Registry.JWTSecret = "short" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := registryConfig(t)
			tt.mutate(cfg)
			_, err := NewApplicationWithConfig(context.Background(), cfg, infrastructure.NopLogger())
			assert.Error(t, err)
		})
	}
}

func TestAdminAPIDisabledWithoutPassword(t *testing.T) {
	cfg := registryConfig(t)
	cfg.Registry.AdminPassword = ""
	_, srv := startRegistry(t, cfg)

	resp, out := postJSON(t, srv.URL+"/admin/login", domain.LoginRequest{Username: "admin", Password: "x"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", out["error_code"])
}

func agentConfig(t *testing.T, serverURL string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Client.ServerURL = serverURL
	cfg.Client.APIToken = testToken
	cfg.Client.DataDir = t.TempDir()
	cfg.Usage.Sink = config.SinkLog
	cfg.Telemetry.Enabled = false
	return cfg
}

func TestAgentActivatesAgainstRegistry(t *testing.T) {
	reg, srv := startRegistry(t, registryConfig(t))
	lic, err := reg.Service.CreateLicence(context.Background(), domain.CreateLicenseRequest{
		AppID: "whatsapp-sender-pro", PlanType: "pro", DurationDays: 30,
	})
	require.NoError(t, err)

	agent, err := NewAgent(agentConfig(t, srv.URL), infrastructure.NopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, agent.Close(context.Background())) })

	v := agent.Startup(context.Background())
	assert.False(t, v.Valid)
	assert.Equal(t, domain.ReasonNoLicence, v.Reason)

	v, err = agent.Engine.Activate(context.Background(), lic.LicenseKey)
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, "pro", v.PlanType)
	assert.GreaterOrEqual(t, v.RemainingDays, 29)

	got, err := reg.Service.GetLicence(context.Background(), lic.LicenseKey)
	require.NoError(t, err)
	require.Len(t, got.Devices, 1)
	assert.Equal(t, agent.Fingerprint.Generate(), got.Devices[0].Fingerprint)

	// a second agent over the same data directory picks the cached licence up
	again, err := NewAgent(agent.Config, infrastructure.NopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, again.Close(context.Background())) })
	assert.True(t, again.Startup(context.Background()).Valid)
}

func TestAgentRunStopsWithContext(t *testing.T) {
	_, srv := startRegistry(t, registryConfig(t))
	agent, err := NewAgent(agentConfig(t, srv.URL), infrastructure.NopLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop")
	}
	assert.NoError(t, agent.Close(context.Background()))
	assert.NoError(t, agent.Close(context.Background()), "closing twice is harmless")
}

func TestNewAgentRejectsBadConfig(t *testing.T) {
	cfg := agentConfig(t, "ftp://registry")
	_, err := NewAgent(cfg, infrastructure.NopLogger())
	assert.Error(t, err)
}

func TestExpirySweepPersistsDueExpiry(t *testing.T) {
	a, _ := startRegistry(t, registryConfig(t))
	expiry := time.Now().Add(50 * time.Millisecond)
	lic, err := a.Service.CreateLicence(context.Background(), domain.CreateLicenseRequest{
		AppID: "whatsapp-sender-pro", ExpiryDate: &expiry,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	a.sweepDone = make(chan struct{})
	go a.runExpirySweep(ctx, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		got, err := a.Service.GetLicence(context.Background(), lic.LicenseKey)
		return err == nil && got.Status == domain.LicenseStatusExpired
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-a.sweepDone
}
