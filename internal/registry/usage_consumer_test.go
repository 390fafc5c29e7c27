package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"wslicense/internal/infrastructure"
	"wslicense/pkg/contracts/domain"
)

type mockRecorder struct {
	mock.Mock
}

func (m *mockRecorder) RecordUsage(ctx context.Context, events []domain.UsageEvent) error {
	args := m.Called(ctx, events)
	return args.Error(0)
}

func newTestConsumer(rec UsageRecorder) *UsageConsumer {
	return &UsageConsumer{subject: "wsl.usage", recorder: rec, logger: infrastructure.NopLogger()}
}

func TestUsageConsumerStoresValidEvents(t *testing.T) {
	rec := &mockRecorder{}
	rec.On("RecordUsage", mock.Anything, mock.MatchedBy(func(events []domain.UsageEvent) bool {
		return len(events) == 1 && events[0].ID == "e1"
	})).Return(nil).Once()

	c := newTestConsumer(rec)
	c.handle(&nats.Msg{Data: []byte(`{"events":[
		{"id":"e1","event_type":"message_sent","occurred_at":"2026-03-01T09:00:00Z"},
		{"id":"","event_type":"message_sent","occurred_at":"2026-03-01T09:00:00Z"},
		{"id":"e3","occurred_at":"2026-03-01T09:00:00Z"}
	]}`)})

	rec.AssertExpectations(t)
}

func TestUsageConsumerSkipsBadMessages(t *testing.T) {
	rec := &mockRecorder{}
	c := newTestConsumer(rec)

	c.handle(&nats.Msg{Data: []byte(`not json`)})
	c.handle(&nats.Msg{Data: []byte(`{"events":[]}`)})

	rec.AssertNotCalled(t, "RecordUsage", mock.Anything, mock.Anything)
}

func TestUsageConsumerSurvivesStoreErrors(t *testing.T) {
	rec := &mockRecorder{}
	rec.On("RecordUsage", mock.Anything, mock.Anything).Return(errors.New("disk full")).Once()

	c := newTestConsumer(rec)
	require.NotPanics(t, func() {
		c.handle(&nats.Msg{Data: []byte(`{"events":[{"id":"e1","event_type":"x","occurred_at":"2026-03-01T09:00:00Z"}]}`)})
	})
	rec.AssertExpectations(t)
}

func TestUsageConsumerIntoService(t *testing.T) {
	f := newFixture(t)
	c := newTestConsumer(f.svc)

	msg := &nats.Msg{Data: []byte(`{"events":[{"id":"e1","event_type":"message_sent","occurred_at":"2026-03-01T09:00:00Z"}]}`)}
	c.handle(msg)
	c.handle(msg)

	st, err := f.svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.UsageEvents)
}
