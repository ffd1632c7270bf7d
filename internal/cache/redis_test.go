package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"alice-realtime/internal/models"
)

func newMiniRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisCache(client, nil, zap.NewNop()), mr
}

func TestRedisCache_Presence(t *testing.T) {
	runPresenceTests(t, func(t *testing.T) (Cache, func(time.Time)) {
		c, _ := newMiniRedisCache(t)
		return c, func(now time.Time) { c.now = func() time.Time { return now } }
	})
}

func TestRedisCache_PresenceKeys(t *testing.T) {
	c, mr := newMiniRedisCache(t)
	ctx := context.Background()

	_, err := c.AddConnection(ctx, "r1", models.RoleReader)
	require.NoError(t, err)
	_, err = c.AddConnection(ctx, "r1", models.RoleReader)
	require.NoError(t, err)

	count, err := mr.Get(connectionsKey(models.RoleReader, "r1"))
	require.NoError(t, err)
	assert.Equal(t, "2", count)
	assert.True(t, mr.Exists(lastSeenKey("r1")))
	assert.Equal(t, RecentEventsTTL, mr.TTL(lastSeenKey("r1")))

	_, err = c.RemoveConnection(ctx, "r1", models.RoleReader)
	require.NoError(t, err)
	_, err = c.RemoveConnection(ctx, "r1", models.RoleReader)
	require.NoError(t, err)
	assert.False(t, mr.Exists(connectionsKey(models.RoleReader, "r1")), "counter removed at zero")
}

func TestRedisCache_RecentEvents(t *testing.T) {
	c, mr := newMiniRedisCache(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	for i := 0; i < RecentEventsMax+5; i++ {
		e := &models.Event{
			ID:        fmt.Sprintf("e%d", i),
			UserID:    "r1",
			EventType: models.EventPageSync,
			Data:      map[string]any{"pageNumber": float64(i)},
			Timestamp: at.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, c.StoreEvent(ctx, e))
	}
	require.NoError(t, c.StoreEvent(ctx, &models.Event{ID: "other", UserID: "r2", EventType: models.EventLogin}))

	tests := []struct {
		name    string
		limit   int
		userID  string
		wantLen int
		wantTop string
	}{
		{"default limit on all", 0, "", RecentEventsMax, "other"},
		{"limit on user", 3, "r1", 3, fmt.Sprintf("e%d", RecentEventsMax+4)},
		{"limit above ring", 500, "r1", RecentEventsMax, fmt.Sprintf("e%d", RecentEventsMax+4)},
		{"other user", 10, "r2", 1, "other"},
		{"unknown user", 10, "nobody", 0, ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			events, err := c.GetRecentEvents(ctx, tc.limit, tc.userID)
			require.NoError(t, err)
			require.Len(t, events, tc.wantLen)
			if tc.wantLen > 0 {
				assert.Equal(t, tc.wantTop, events[0].ID)
			}
		})
	}

	list, err := mr.List(recentKey("r1"))
	require.NoError(t, err)
	assert.Len(t, list, RecentEventsMax)
	assert.Equal(t, RecentEventsTTL, mr.TTL(recentKey("r1")))
	assert.Equal(t, RecentEventsTTL, mr.TTL(recentKey("")))

	mine, err := c.GetRecentEvents(ctx, 1, "r1")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, float64(RecentEventsMax+4), mine[0].Data["pageNumber"])
	assert.True(t, mine[0].Timestamp.Equal(at.Add(time.Duration(RecentEventsMax+4)*time.Second)))

	mr.FastForward(RecentEventsTTL + time.Minute)
	expired, err := c.GetRecentEvents(ctx, 10, "r1")
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func TestRedisCache_PubSub(t *testing.T) {
	c, _ := newMiniRedisCache(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := c.SubscribeToChannel(ctx, FanoutChannel)
	require.NoError(t, err)

	require.NoError(t, c.PublishEvent(context.Background(), "other", []byte("ignored")))
	require.NoError(t, c.PublishEvent(context.Background(), FanoutChannel, []byte("hello")))

	select {
	case msg := <-sub:
		assert.Equal(t, "hello", string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("expected published message")
	}

	cancel()
	select {
	case _, ok := <-sub:
		assert.False(t, ok, "channel closes after cancellation")
	case <-time.After(2 * time.Second):
		t.Fatal("expected subscription channel to close")
	}
}

// An unreachable Redis must surface errors, never panic, so callers can
// degrade to empty results.
func TestRedisCache_UnavailableReturnsErrors(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	c := NewRedisCache(client, nil, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := c.AddConnection(ctx, "r1", models.RoleReader)
	assert.Error(t, err)
	_, err = c.SetUserOnline(ctx, "r1", models.RoleReader, true)
	assert.Error(t, err)

	users, err := c.GetOnlineUsers(ctx, models.RoleReader)
	assert.Error(t, err)
	assert.Empty(t, users)

	events, err := c.GetRecentEvents(ctx, 10, "")
	assert.Error(t, err)
	assert.Empty(t, events)

	assert.Error(t, c.StoreEvent(ctx, &models.Event{ID: "e1", UserID: "r1"}))
	assert.Error(t, c.PublishEvent(ctx, FanoutChannel, []byte("x")))

	_, err = c.SubscribeToChannel(ctx, FanoutChannel)
	assert.Error(t, err)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "online_users:reader", onlineKey(models.RoleReader))
	assert.Equal(t, "online_connections:reader:u1", connectionsKey(models.RoleReader, "u1"))
	assert.Equal(t, "user:last_seen:u1", lastSeenKey("u1"))
	assert.Equal(t, "recent_events:all", recentKey(""))
	assert.Equal(t, "recent_events:user:u1", recentKey("u1"))
	assert.Equal(t, RecentEventsMax, clampLimit(0))
	assert.Equal(t, 7, clampLimit(7))
}
