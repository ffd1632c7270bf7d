package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alice-realtime/internal/models"
)

func TestMemoryCache_Presence(t *testing.T) {
	runPresenceTests(t, func(t *testing.T) (Cache, func(time.Time)) {
		c := NewMemoryCache()
		return c, func(now time.Time) { c.now = func() time.Time { return now } }
	})
}

func TestMemoryCache_RecentEventsRingAndTTL(t *testing.T) {
	c := NewMemoryCache()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < RecentEventsMax+5; i++ {
		e := &models.Event{ID: fmt.Sprintf("e%d", i), UserID: "r1", EventType: models.EventPageSync}
		require.NoError(t, c.StoreEvent(ctx, e))
	}
	require.NoError(t, c.StoreEvent(ctx, &models.Event{ID: "other", UserID: "r2", EventType: models.EventLogin}))

	all, err := c.GetRecentEvents(ctx, 0, "")
	require.NoError(t, err)
	assert.Len(t, all, RecentEventsMax)
	assert.Equal(t, "other", all[0].ID)

	mine, err := c.GetRecentEvents(ctx, 3, "r1")
	require.NoError(t, err)
	require.Len(t, mine, 3)
	assert.Equal(t, fmt.Sprintf("e%d", RecentEventsMax+4), mine[0].ID)

	now = now.Add(RecentEventsTTL + time.Minute)
	expired, err := c.GetRecentEvents(ctx, 10, "r1")
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func TestMemoryCache_PubSub(t *testing.T) {
	c := NewMemoryCache()
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := c.SubscribeToChannel(ctx, FanoutChannel)
	require.NoError(t, err)

	require.NoError(t, c.PublishEvent(context.Background(), FanoutChannel, []byte("hello")))
	require.NoError(t, c.PublishEvent(context.Background(), "other", []byte("ignored")))

	select {
	case msg := <-sub:
		assert.Equal(t, "hello", string(msg))
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected published message")
	}

	cancel()
	select {
	case _, ok := <-sub:
		assert.False(t, ok, "channel closes after cancellation")
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected subscription channel to close")
	}
}
