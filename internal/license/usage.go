package license

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/nats-io/nats.go"

	"wslicense/internal/config"
	"wslicense/pkg/contracts/domain"
)

// UsagePublisher delivers a batch of usage events somewhere
type UsagePublisher interface {
	Publish(ctx context.Context, events []domain.UsageEvent) error
}

// HTTPPublisher posts usage batches to the registry
type HTTPPublisher struct {
	client *Client
}

// NewHTTPPublisher creates a publisher backed by the registry client
func NewHTTPPublisher(client *Client) *HTTPPublisher {
	return &HTTPPublisher{client: client}
}

func (p *HTTPPublisher) Publish(ctx context.Context, events []domain.UsageEvent) error {
	return p.client.PostUsage(ctx, events)
}

// NATSPublisher publishes usage batches on a NATS subject
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
}

// NewNATSPublisher connects to url and publishes on subject
func NewNATSPublisher(url, subject string, logger *slog.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("licence-agent"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("Usage NATS connection lost", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Usage NATS connection restored", slog.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATSPublisher{nc: nc, subject: subject}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, events []domain.UsageEvent) error {
	data, err := json.Marshal(domain.UsageBatch{Events: events})
	if err != nil {
		return fmt.Errorf("marshal usage batch: %w", err)
	}
	if err := p.nc.Publish(p.subject, data); err != nil {
		return fmt.Errorf("publish usage batch: %w", err)
	}
	return p.nc.FlushWithContext(ctx)
}

// Close drains the NATS connection
func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}

// LogPublisher writes usage events to the log
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a publisher that only logs
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With(slog.String("component", "usage"))}
}

func (p *LogPublisher) Publish(ctx context.Context, events []domain.UsageEvent) error {
	for _, ev := range events {
		p.logger.InfoContext(ctx, "Usage event",
			slog.String("event_type", ev.EventType),
			slog.String("event_id", ev.ID),
			slog.Any("details", ev.Details),
		)
	}
	return nil
}

// Dispatcher buffers usage events and delivers them in batches from a
// single worker. Enqueue never blocks; events are dropped when the queue is full.
type Dispatcher struct {
	publisher     UsagePublisher
	queue         chan domain.UsageEvent
	batchSize     int
	flushInterval time.Duration
	attempts      int
	logger        *slog.Logger
	metrics       *Metrics

	dropped   atomic.Int64
	delivered atomic.Int64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewDispatcher starts a dispatcher delivering to publisher
func NewDispatcher(publisher UsagePublisher, cfg config.UsageConfig, logger *slog.Logger, metrics *Metrics) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	if cfg.DeliveryAttempts <= 0 {
		cfg.DeliveryAttempts = 1
	}

	d := &Dispatcher{
		publisher:     publisher,
		queue:         make(chan domain.UsageEvent, cfg.QueueSize),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		attempts:      cfg.DeliveryAttempts,
		logger:        logger.With(slog.String("component", "usage_dispatcher")),
		metrics:       metrics,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go d.run()
	return d
}

// Enqueue hands an event to the worker without blocking
func (d *Dispatcher) Enqueue(ev domain.UsageEvent) bool {
	select {
	case <-d.stop:
		d.drop(1)
		return false
	default:
	}

	select {
	case d.queue <- ev:
		return true
	default:
		d.drop(1)
		return false
	}
}

// Dropped returns how many events were discarded
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Delivered returns how many events were published
func (d *Dispatcher) Delivered() int64 { return d.delivered.Load() }

// Close flushes queued events and stops the worker
func (d *Dispatcher) Close(ctx context.Context) error {
	d.stopOnce.Do(func() { close(d.stop) })
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) drop(n int) {
	d.dropped.Add(int64(n))
	d.metrics.recordUsage(context.Background(), 0, n)
}

func (d *Dispatcher) run() {
	defer close(d.done)

	ticker := time.NewTicker(d.flushInterval)
	defer ticker.Stop()

	batch := make([]domain.UsageEvent, 0, d.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		d.deliver(batch)
		batch = make([]domain.UsageEvent, 0, d.batchSize)
	}

	for {
		select {
		case ev := <-d.queue:
			batch = append(batch, ev)
			if len(batch) >= d.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-d.stop:
			for {
				select {
				case ev := <-d.queue:
					batch = append(batch, ev)
					if len(batch) >= d.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(batch []domain.UsageEvent) {
	b := &backoff.Backoff{Min: 200 * time.Millisecond, Max: 5 * time.Second, Factor: 2, Jitter: true}

	var err error
	for attempt := 1; attempt <= d.attempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), MaxClientTimeout)
		err = d.publisher.Publish(ctx, batch)
		cancel()
		if err == nil {
			d.delivered.Add(int64(len(batch)))
			d.metrics.recordUsage(context.Background(), len(batch), 0)
			return
		}
		if attempt == d.attempts {
			break
		}

		wait := b.Duration()
		d.logger.Debug("Usage delivery failed, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
		select {
		case <-time.After(wait):
		case <-d.stop:
		}
	}

	d.logger.Warn("Dropping usage batch after failed delivery",
		slog.Int("events", len(batch)),
		slog.Int("attempts", d.attempts),
		slog.String("error", err.Error()),
	)
	d.drop(len(batch))
}
