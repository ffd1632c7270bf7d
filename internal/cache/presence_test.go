package cache

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alice-realtime/internal/models"
)

// newCacheFunc builds a fresh cache and a hook that pins its clock.
type newCacheFunc func(t *testing.T) (Cache, func(time.Time))

func onlineReaders(t *testing.T, c Cache) []string {
	t.Helper()
	ids, err := c.GetOnlineUsers(context.Background(), models.RoleReader)
	require.NoError(t, err)
	sort.Strings(ids)
	return ids
}

// runPresenceTests checks the presence rules every Cache implementation
// shares.
func runPresenceTests(t *testing.T, newCache newCacheFunc) {
	t0 := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	t.Run("connections are counted", func(t *testing.T) {
		c, setNow := newCache(t)
		setNow(t0)
		ctx := context.Background()

		n, err := c.AddConnection(ctx, "r1", models.RoleReader)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		n, err = c.AddConnection(ctx, "r1", models.RoleReader)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
		_, err = c.AddConnection(ctx, "c1", models.RoleConsultant)
		require.NoError(t, err)

		assert.Equal(t, []string{"r1"}, onlineReaders(t, c))

		n, err = c.RemoveConnection(ctx, "r1", models.RoleReader)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		assert.Equal(t, []string{"r1"}, onlineReaders(t, c), "still connected elsewhere")

		n, err = c.RemoveConnection(ctx, "r1", models.RoleReader)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)
		assert.Empty(t, onlineReaders(t, c))

		consultants, err := c.GetOnlineUsers(ctx, models.RoleConsultant)
		require.NoError(t, err)
		assert.Equal(t, []string{"c1"}, consultants)
	})

	t.Run("login needs a live connection", func(t *testing.T) {
		c, setNow := newCache(t)
		setNow(t0)
		ctx := context.Background()

		marked, err := c.SetUserOnline(ctx, "ghost", models.RoleReader, true)
		require.NoError(t, err)
		assert.False(t, marked)
		assert.Empty(t, onlineReaders(t, c))

		_, err = c.AddConnection(ctx, "r1", models.RoleReader)
		require.NoError(t, err)

		_, err = c.SetUserOnline(ctx, "r1", models.RoleReader, false)
		require.NoError(t, err)
		assert.Empty(t, onlineReaders(t, c), "logout while connected")

		marked, err = c.SetUserOnline(ctx, "r1", models.RoleReader, true)
		require.NoError(t, err)
		assert.True(t, marked)
		assert.Equal(t, []string{"r1"}, onlineReaders(t, c))

		_, err = c.RemoveConnection(ctx, "r1", models.RoleReader)
		require.NoError(t, err)
		marked, err = c.SetUserOnline(ctx, "r1", models.RoleReader, true)
		require.NoError(t, err)
		assert.False(t, marked)
		assert.Empty(t, onlineReaders(t, c))
	})

	t.Run("last seen", func(t *testing.T) {
		c, setNow := newCache(t)
		setNow(t0)
		ctx := context.Background()

		_, err := c.AddConnection(ctx, "r1", models.RoleReader)
		require.NoError(t, err)

		seen, err := c.GetUserLastSeen(ctx, "r1")
		require.NoError(t, err)
		require.NotNil(t, seen)
		assert.True(t, seen.Equal(t0), "got %v", seen)

		_, err = c.RemoveConnection(ctx, "r1", models.RoleReader)
		require.NoError(t, err)
		seen, err = c.GetUserLastSeen(ctx, "r1")
		require.NoError(t, err)
		assert.NotNil(t, seen, "last seen survives going offline")

		missing, err := c.GetUserLastSeen(ctx, "nobody")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("reconcile drops users without a session", func(t *testing.T) {
		c, setNow := newCache(t)
		setNow(t0)
		ctx := context.Background()

		for _, id := range []string{"r1", "r2", "r3"} {
			_, err := c.AddConnection(ctx, id, models.RoleReader)
			require.NoError(t, err)
		}

		setNow(t0.Add(10 * time.Minute))
		_, err := c.AddConnection(ctx, "r4", models.RoleReader)
		require.NoError(t, err)

		removed, err := c.ReconcileOnline(ctx, models.RoleReader, []string{"r1"}, 2*time.Minute)
		require.NoError(t, err)
		assert.Equal(t, 2, removed)
		assert.Equal(t, []string{"r1", "r4"}, onlineReaders(t, c), "kept or seen within grace")

		// A removed user's counter is gone too, so a reconnect starts at one.
		n, err := c.AddConnection(ctx, "r2", models.RoleReader)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		n, err = c.RemoveConnection(ctx, "r3", models.RoleReader)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)
		assert.Equal(t, []string{"r1", "r2", "r4"}, onlineReaders(t, c))
	})
}
