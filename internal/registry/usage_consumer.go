package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"wslicense/pkg/contracts/domain"
)

// UsageRecorder stores usage events. *Service implements it.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, events []domain.UsageEvent) error
}

// UsageConsumer stores usage batches published on a NATS subject
type UsageConsumer struct {
	nc       *nats.Conn
	sub      *nats.Subscription
	subject  string
	recorder UsageRecorder
	logger   *slog.Logger
}

// NewUsageConsumer connects to url. Call Start to begin consuming.
func NewUsageConsumer(url, subject string, recorder UsageRecorder, logger *slog.Logger) (*UsageConsumer, error) {
	logger = logger.With(slog.String("component", "usage_consumer"))
	nc, err := nats.Connect(url,
		nats.Name("licence-registry"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS connection lost", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection restored", slog.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &UsageConsumer{nc: nc, subject: subject, recorder: recorder, logger: logger}, nil
}

// Start subscribes to the usage subject
func (c *UsageConsumer) Start() error {
	sub, err := c.nc.Subscribe(c.subject, c.handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", c.subject, err)
	}
	c.sub = sub
	c.logger.Info("Subscribed to usage events", slog.String("subject", c.subject))
	return nil
}

// Close unsubscribes and drains the connection
func (c *UsageConsumer) Close() error {
	if c.sub != nil {
		if err := c.sub.Unsubscribe(); err != nil {
			c.logger.Error("Failed to unsubscribe", slog.String("error", err.Error()))
		}
	}
	return c.nc.Drain()
}

func (c *UsageConsumer) handle(msg *nats.Msg) {
	var batch domain.UsageBatch
	if err := json.Unmarshal(msg.Data, &batch); err != nil {
		c.logger.Warn("Skipping malformed usage message", slog.String("error", err.Error()))
		return
	}

	events := batch.Events[:0]
	for _, ev := range batch.Events {
		if ev.ID == "" || ev.EventType == "" {
			continue
		}
		events = append(events, ev)
	}
	if len(events) == 0 {
		c.logger.Debug("Skipping empty usage message")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.recorder.RecordUsage(ctx, events); err != nil {
		c.logger.Error("Failed to store usage events",
			slog.Int("events", len(events)),
			slog.String("error", err.Error()),
		)
	}
}
