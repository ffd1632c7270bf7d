package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"alice-realtime/internal/models"
)

// Presence scripts keep the connection counter and the online set in step.
// Last-seen values are unix milliseconds so scripts can compare them.
var (
	addConnectionScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
redis.call('SADD', KEYS[2], ARGV[1])
redis.call('SET', KEYS[3], ARGV[2], 'PX', ARGV[3])
return n
`)

	removeConnectionScript = redis.NewScript(`
local n = redis.call('DECR', KEYS[1])
if n > 0 then
  return n
end
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[1])
return 0
`)

	markOnlineScript = redis.NewScript(`
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
if n <= 0 then
  return 0
end
redis.call('SADD', KEYS[2], ARGV[1])
redis.call('SET', KEYS[3], ARGV[2], 'PX', ARGV[3])
return 1
`)

	reconcileScript = redis.NewScript(`
local seen = tonumber(redis.call('GET', KEYS[3]) or '0')
if seen >= tonumber(ARGV[2]) then
  return 0
end
local removed = redis.call('SREM', KEYS[2], ARGV[1])
redis.call('DEL', KEYS[1])
return removed
`)
)

type RedisCache struct {
	client *redis.Client
	pubsub *redis.Client
	logger *zap.Logger
	now    func() time.Time
}

// NewRedisCache uses client for commands and pubsub for subscriptions. The
// same client may be passed twice.
func NewRedisCache(client, pubsub *redis.Client, logger *zap.Logger) *RedisCache {
	if pubsub == nil {
		pubsub = client
	}
	return &RedisCache{client: client, pubsub: pubsub, logger: logger, now: time.Now}
}

func (c *RedisCache) presenceKeys(userID string, role models.Role) []string {
	return []string{connectionsKey(role, userID), onlineKey(role), lastSeenKey(userID)}
}

func (c *RedisCache) nowMillis() string {
	return strconv.FormatInt(c.now().UTC().UnixMilli(), 10)
}

func (c *RedisCache) AddConnection(ctx context.Context, userID string, role models.Role) (int64, error) {
	n, err := addConnectionScript.Run(ctx, c.client, c.presenceKeys(userID, role),
		userID, c.nowMillis(), RecentEventsTTL.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("add connection for %s: %w", userID, err)
	}
	return n, nil
}

func (c *RedisCache) RemoveConnection(ctx context.Context, userID string, role models.Role) (int64, error) {
	n, err := removeConnectionScript.Run(ctx, c.client, c.presenceKeys(userID, role), userID).Int64()
	if err != nil {
		return 0, fmt.Errorf("remove connection for %s: %w", userID, err)
	}
	return n, nil
}

func (c *RedisCache) SetUserOnline(ctx context.Context, userID string, role models.Role, online bool) (bool, error) {
	if !online {
		if err := c.client.SRem(ctx, onlineKey(role), userID).Err(); err != nil {
			return false, fmt.Errorf("set user %s offline: %w", userID, err)
		}
		return true, nil
	}

	marked, err := markOnlineScript.Run(ctx, c.client, c.presenceKeys(userID, role),
		userID, c.nowMillis(), RecentEventsTTL.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("set user %s online: %w", userID, err)
	}
	return marked == 1, nil
}

func (c *RedisCache) ReconcileOnline(ctx context.Context, role models.Role, keep []string, grace time.Duration) (int, error) {
	members, err := c.client.SMembers(ctx, onlineKey(role)).Result()
	if err != nil {
		return 0, fmt.Errorf("list online %ss: %w", role, err)
	}

	keepSet := make(map[string]struct{}, len(keep))
	for _, id := range keep {
		keepSet[id] = struct{}{}
	}

	cutoff := strconv.FormatInt(c.now().UTC().Add(-grace).UnixMilli(), 10)
	removed := 0
	for _, id := range members {
		if _, ok := keepSet[id]; ok {
			continue
		}
		n, err := reconcileScript.Run(ctx, c.client, c.presenceKeys(id, role), id, cutoff).Int64()
		if err != nil {
			return removed, fmt.Errorf("reconcile %s: %w", id, err)
		}
		removed += int(n)
	}
	return removed, nil
}

func (c *RedisCache) GetOnlineUsers(ctx context.Context, role models.Role) ([]string, error) {
	members, err := c.client.SMembers(ctx, onlineKey(role)).Result()
	if err != nil {
		return nil, fmt.Errorf("list online %ss: %w", role, err)
	}
	return members, nil
}

func (c *RedisCache) GetUserLastSeen(ctx context.Context, userID string) (*time.Time, error) {
	raw, err := c.client.Get(ctx, lastSeenKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get last seen for %s: %w", userID, err)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t, nil
}

func (c *RedisCache) PublishEvent(ctx context.Context, channel string, payload []byte) error {
	if err := c.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

func (c *RedisCache) SubscribeToChannel(ctx context.Context, channel string) (<-chan []byte, error) {
	sub := c.pubsub.Subscribe(ctx, channel)
	// Receive blocks until the subscription is confirmed, surfacing
	// connection errors to the caller instead of the forwarding goroutine.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		defer sub.Close()

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				default:
					c.logger.Warn("fanout subscriber lagging, dropping message", zap.String("channel", channel))
				}
			}
		}
	}()
	return out, nil
}

func (c *RedisCache) StoreEvent(ctx context.Context, e *models.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", e.ID, err)
	}

	pipe := c.client.TxPipeline()
	for _, key := range []string{recentKey(""), recentKey(e.UserID)} {
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, RecentEventsMax-1)
		pipe.Expire(ctx, key, RecentEventsTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache event %s: %w", e.ID, err)
	}
	return nil
}

func (c *RedisCache) GetRecentEvents(ctx context.Context, limit int, userID string) ([]models.Event, error) {
	raw, err := c.client.LRange(ctx, recentKey(userID), 0, int64(clampLimit(limit)-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read recent events: %w", err)
	}

	events := make([]models.Event, 0, len(raw))
	for _, item := range raw {
		var e models.Event
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			c.logger.Warn("skipping unreadable cached event", zap.Error(err))
			continue
		}
		events = append(events, e)
	}
	return events, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close is a no-op; the clients are owned by database.RedisClients.
func (c *RedisCache) Close() error {
	return nil
}
