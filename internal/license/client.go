package license

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"wslicense/internal/config"
	"wslicense/internal/infrastructure"
	"wslicense/pkg/contracts/domain"
)

const (
	MinClientTimeout     = 10 * time.Second
	MaxClientTimeout     = 15 * time.Second
	DefaultClientTimeout = 15 * time.Second

	maxResponseBytes = 1 << 20
)

// Client talks to the licence registry. Every call makes exactly one
// attempt bounded by the client timeout; a timeout is a NETWORK_ERROR.
type Client struct {
	baseURL    string
	appID      string
	token      string
	deviceName string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *Metrics
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithDeviceName sets the device name sent on activation
func WithDeviceName(name string) ClientOption {
	return func(c *Client) { c.deviceName = name }
}

// WithClientLogger sets the client logger
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithClientMetrics sets the metrics the client records into
func WithClientMetrics(m *Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// NewClient builds a registry client. The timeout is clamped to
// [MinClientTimeout, MaxClientTimeout].
func NewClient(cfg config.ClientConfig, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(cfg.ServerURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid licence server URL %q", cfg.ServerURL)
	}
	if cfg.AppID == "" {
		return nil, errors.New("app id is required")
	}

	c := &Client{
		baseURL: strings.TrimRight(cfg.ServerURL, "/"),
		appID:   cfg.AppID,
		token:   cfg.APIToken,
		timeout: clampTimeout(cfg.Timeout),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: c.timeout}
	}
	c.logger = c.logger.With(slog.String("component", "license_client"))
	return c, nil
}

func clampTimeout(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultClientTimeout
	case d < MinClientTimeout:
		return MinClientTimeout
	case d > MaxClientTimeout:
		return MaxClientTimeout
	}
	return d
}

// Timeout returns the effective per-call timeout
func (c *Client) Timeout() time.Duration { return c.timeout }

// Activate binds this device to key
func (c *Client) Activate(ctx context.Context, key, fingerprint string) (*domain.LicenseRecord, error) {
	req := domain.ActivateRequest{
		LicenseKey:  key,
		Fingerprint: fingerprint,
		DeviceName:  c.deviceName,
		AppID:       c.appID,
	}
	var resp domain.ValidateResponse
	if err := c.call(ctx, "activate", "/activate", req, &resp); err != nil {
		return nil, err
	}
	return resp.Record, nil
}

// Refresh asks the registry for the current state of the cached licence.
// It never consumes a device seat.
func (c *Client) Refresh(ctx context.Context, entry *domain.CacheEntry, fingerprint string) (*domain.LicenseRecord, error) {
	req := domain.ValidateRequest{
		Fingerprint: fingerprint,
		AppID:       c.appID,
	}
	if entry != nil {
		req.LicenseKey = entry.LicenseKey
	}
	var resp domain.ValidateResponse
	if err := c.call(ctx, "validate", "/validate", req, &resp); err != nil {
		return nil, err
	}
	return resp.Record, nil
}

// PostUsage delivers a batch of usage events
func (c *Client) PostUsage(ctx context.Context, events []domain.UsageEvent) error {
	var resp domain.ValidateResponse
	return c.call(ctx, "usage", "/usage", domain.UsageBatch{Events: events}, &resp)
}

// call performs one POST and decodes the registry envelope into out
func (c *Client) call(ctx context.Context, op, path string, body any, out *domain.ValidateResponse) error {
	ctx, span := tracer.Start(ctx, "license.client."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.route", path)),
	)
	defer span.End()

	start := time.Now()
	err := c.do(ctx, path, body, out)
	c.metrics.recordCall(ctx, op, start, err)

	logger := c.logger.With(
		slog.String("operation", op),
		slog.String("trace_id", infrastructure.TraceIDFromContext(ctx)),
		slog.Duration("duration", time.Since(start)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("Licence registry call failed", slog.String("error", err.Error()))
		return err
	}
	span.SetStatus(codes.Ok, "")
	logger.Debug("Licence registry call succeeded")
	return nil
}

func (c *Client) do(ctx context.Context, path string, body any, out *domain.ValidateResponse) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return &ClientError{Kind: KindNetworkError, Message: "cannot build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "wslicense-agent/"+infrastructure.ServiceVersion)
	req.Header.Set("X-App-ID", c.appID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &ClientError{Kind: KindNetworkError, Message: "licence server unreachable", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &ClientError{Kind: KindNetworkError, StatusCode: resp.StatusCode, Message: "response interrupted", Err: err}
	}

	*out = domain.ValidateResponse{}
	if err := json.Unmarshal(raw, out); err != nil {
		return &ClientError{
			Kind:       KindServerError,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("unexpected response (HTTP %d)", resp.StatusCode),
			Err:        err,
		}
	}

	if resp.StatusCode >= http.StatusBadRequest || !out.Success {
		msg := out.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &ClientError{
			Kind:       kindFor(out.ErrorCode, resp.StatusCode),
			Code:       out.ErrorCode,
			Message:    msg,
			StatusCode: resp.StatusCode,
			Record:     out.Record,
		}
	}

	if path != "/usage" && out.Record == nil {
		return &ClientError{Kind: KindServerError, StatusCode: resp.StatusCode, Message: "response has no licence record"}
	}
	return nil
}
