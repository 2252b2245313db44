package eventbus_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadencehq/cadence/pkg/channels/gochannel"
	"github.com/cadencehq/cadence/pkg/eventbus"
	"github.com/cadencehq/cadence/pkg/events"
)

func newTestBus(t *testing.T) eventbus.EventBus {
	t.Helper()

	pub, sub, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)
	t.Cleanup(func() { _ = bus.Close() })

	return bus
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	bus := newTestBus(t)

	var (
		mu       sync.Mutex
		received []*events.EventFired
	)

	require.NoError(t, bus.Handle(events.EventFiredSignal, func(_ context.Context, event any) error {
		signal, ok := event.(*events.EventFired)
		require.True(t, ok)

		mu.Lock()
		received = append(received, signal)
		mu.Unlock()

		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, bus.Subscribe(ctx))

	signal := events.EventFired{
		BaseEvent:  events.NewBaseEvent(events.EventFiredSignal, "org-1"),
		ProfileID:  "profile-1",
		EventName:  "order_placed",
		Properties: map[string]any{"total": 99.0},
		OccurredAt: time.Now().UTC(),
	}
	require.NoError(t, bus.Publish(ctx, "profile-1", signal))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(received) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "order_placed", received[0].EventName)
	assert.Equal(t, "profile-1", received[0].ProfileID)
	assert.Equal(t, 99.0, received[0].Properties["total"])
	assert.Equal(t, "org-1", received[0].OrganizationID)
}

func TestSubscribeIgnoresUnhandledTypes(t *testing.T) {
	bus := newTestBus(t)

	var (
		mu    sync.Mutex
		count int
	)

	require.NoError(t, bus.Handle(events.SegmentEnteredSignal, func(context.Context, any) error {
		mu.Lock()
		count++
		mu.Unlock()

		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, bus.Subscribe(ctx))

	// A type nobody listens to is acked and dropped.
	fired := events.EventFired{
		BaseEvent: events.NewBaseEvent(events.EventFiredSignal, "org-1"),
		ProfileID: "profile-1",
		EventName: "page_viewed",
	}
	require.NoError(t, bus.Publish(ctx, "profile-1", fired))

	entered := events.SegmentEntered{
		BaseEvent: events.NewBaseEvent(events.SegmentEnteredSignal, "org-1"),
		ProfileID: "profile-1",
		SegmentID: "seg-vip",
	}
	require.NoError(t, bus.Publish(ctx, "profile-1", entered))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return count == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGenerateID(t *testing.T) {
	bus := newTestBus(t)

	first := bus.GenerateID()
	second := bus.GenerateID()

	assert.NotEmpty(t, first)
	assert.NotEqual(t, first, second)
}
