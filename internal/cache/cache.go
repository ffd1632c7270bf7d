package cache

import (
	"context"
	"time"

	"alice-realtime/internal/models"
)

const (
	// RecentEventsTTL bounds how long the recency lists live.
	RecentEventsTTL = 24 * time.Hour
	// RecentEventsMax is the per-list ring size.
	RecentEventsMax = 100

	FanoutChannel = "realtime:fanout"
)

// Cache is the low-latency presence, recency and pub/sub layer. It is not
// authoritative: everything in it can be rebuilt from the durable store.
type Cache interface {
	// AddConnection counts one more live connection for userID across all
	// instances, adds them to the online set and stamps last-seen. It
	// returns the new connection count.
	AddConnection(ctx context.Context, userID string, role models.Role) (int64, error)
	// RemoveConnection releases one connection. The user leaves the online
	// set only when no connection remains; the remaining count is returned.
	RemoveConnection(ctx context.Context, userID string, role models.Role) (int64, error)
	// SetUserOnline toggles online-set membership on session boundaries.
	// Marking a user online is refused, reporting false, while they hold no
	// live connection.
	SetUserOnline(ctx context.Context, userID string, role models.Role, online bool) (bool, error)
	// ReconcileOnline drops online-set members that are not in keep and have
	// not been seen within grace, along with their connection counters.
	ReconcileOnline(ctx context.Context, role models.Role, keep []string, grace time.Duration) (int, error)
	GetOnlineUsers(ctx context.Context, role models.Role) ([]string, error)
	GetUserLastSeen(ctx context.Context, userID string) (*time.Time, error)

	PublishEvent(ctx context.Context, channel string, payload []byte) error
	// SubscribeToChannel delivers payloads until ctx is cancelled, then
	// closes the returned channel.
	SubscribeToChannel(ctx context.Context, channel string) (<-chan []byte, error)

	StoreEvent(ctx context.Context, e *models.Event) error
	GetRecentEvents(ctx context.Context, limit int, userID string) ([]models.Event, error)

	Ping(ctx context.Context) error
	Close() error
}

func onlineKey(role models.Role) string { return "online_users:" + string(role) }

func connectionsKey(role models.Role, userID string) string {
	return "online_connections:" + string(role) + ":" + userID
}

func lastSeenKey(userID string) string { return "user:last_seen:" + userID }

func recentKey(userID string) string {
	if userID == "" {
		return "recent_events:all"
	}
	return "recent_events:user:" + userID
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > RecentEventsMax {
		return RecentEventsMax
	}
	return limit
}
