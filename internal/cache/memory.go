package cache

import (
	"context"
	"sync"
	"time"

	"alice-realtime/internal/models"
)

type recentList struct {
	events    []models.Event // newest first
	expiresAt time.Time
}

// MemoryCache is the single-process Cache used when no Redis host is
// configured. Semantics follow RedisCache, including list TTLs.
type MemoryCache struct {
	mu       sync.RWMutex
	online   map[models.Role]map[string]struct{}
	conns    map[string]int64
	lastSeen map[string]time.Time
	recent   map[string]*recentList

	subMu       sync.RWMutex
	subscribers map[string]map[int64]chan []byte
	nextSubID   int64
	bufferSize  int

	now func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		online:      make(map[models.Role]map[string]struct{}),
		conns:       make(map[string]int64),
		lastSeen:    make(map[string]time.Time),
		recent:      make(map[string]*recentList),
		subscribers: make(map[string]map[int64]chan []byte),
		bufferSize:  64,
		now:         time.Now,
	}
}

func (c *MemoryCache) onlineSet(role models.Role) map[string]struct{} {
	set, ok := c.online[role]
	if !ok {
		set = make(map[string]struct{})
		c.online[role] = set
	}
	return set
}

func (c *MemoryCache) AddConnection(_ context.Context, userID string, role models.Role) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := connectionsKey(role, userID)
	c.conns[key]++
	c.onlineSet(role)[userID] = struct{}{}
	c.lastSeen[userID] = c.now().UTC()
	return c.conns[key], nil
}

func (c *MemoryCache) RemoveConnection(_ context.Context, userID string, role models.Role) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := connectionsKey(role, userID)
	c.conns[key]--
	if c.conns[key] > 0 {
		return c.conns[key], nil
	}
	delete(c.conns, key)
	delete(c.onlineSet(role), userID)
	return 0, nil
}

func (c *MemoryCache) SetUserOnline(_ context.Context, userID string, role models.Role, online bool) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !online {
		delete(c.onlineSet(role), userID)
		return true, nil
	}
	if c.conns[connectionsKey(role, userID)] <= 0 {
		return false, nil
	}
	c.onlineSet(role)[userID] = struct{}{}
	c.lastSeen[userID] = c.now().UTC()
	return true, nil
}

func (c *MemoryCache) ReconcileOnline(_ context.Context, role models.Role, keep []string, grace time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keepSet := make(map[string]struct{}, len(keep))
	for _, id := range keep {
		keepSet[id] = struct{}{}
	}

	cutoff := c.now().UTC().Add(-grace)
	removed := 0
	set := c.onlineSet(role)
	for id := range set {
		if _, ok := keepSet[id]; ok {
			continue
		}
		if seen, ok := c.lastSeen[id]; ok && !seen.Before(cutoff) {
			continue
		}
		delete(set, id)
		delete(c.conns, connectionsKey(role, id))
		removed++
	}
	return removed, nil
}

func (c *MemoryCache) GetOnlineUsers(_ context.Context, role models.Role) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	users := make([]string, 0, len(c.online[role]))
	for id := range c.online[role] {
		users = append(users, id)
	}
	return users, nil
}

func (c *MemoryCache) GetUserLastSeen(_ context.Context, userID string) (*time.Time, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t, ok := c.lastSeen[userID]
	if !ok || c.now().Sub(t) > RecentEventsTTL {
		return nil, nil
	}
	return &t, nil
}

func (c *MemoryCache) PublishEvent(_ context.Context, channel string, payload []byte) error {
	// Sends happen under the read lock so a concurrent unsubscribe cannot
	// close a channel mid-send; they never block.
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	for _, ch := range c.subscribers[channel] {
		msg := append([]byte(nil), payload...)
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

func (c *MemoryCache) SubscribeToChannel(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, c.bufferSize)

	c.subMu.Lock()
	c.nextSubID++
	id := c.nextSubID
	if _, ok := c.subscribers[channel]; !ok {
		c.subscribers[channel] = make(map[int64]chan []byte)
	}
	c.subscribers[channel][id] = ch
	c.subMu.Unlock()

	go func() {
		<-ctx.Done()
		c.subMu.Lock()
		if subs := c.subscribers[channel]; subs != nil {
			delete(subs, id)
			if len(subs) == 0 {
				delete(c.subscribers, channel)
			}
		}
		close(ch)
		c.subMu.Unlock()
	}()

	return ch, nil
}

func (c *MemoryCache) StoreEvent(_ context.Context, e *models.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for _, key := range []string{recentKey(""), recentKey(e.UserID)} {
		list, ok := c.recent[key]
		if !ok || now.After(list.expiresAt) {
			list = &recentList{}
			c.recent[key] = list
		}
		list.events = append([]models.Event{*e}, list.events...)
		if len(list.events) > RecentEventsMax {
			list.events = list.events[:RecentEventsMax]
		}
		list.expiresAt = now.Add(RecentEventsTTL)
	}
	return nil
}

func (c *MemoryCache) GetRecentEvents(_ context.Context, limit int, userID string) ([]models.Event, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	list, ok := c.recent[recentKey(userID)]
	if !ok || c.now().After(list.expiresAt) {
		return []models.Event{}, nil
	}

	n := clampLimit(limit)
	if n > len(list.events) {
		n = len(list.events)
	}
	out := make([]models.Event, n)
	copy(out, list.events[:n])
	return out, nil
}

func (c *MemoryCache) Ping(context.Context) error { return nil }

func (c *MemoryCache) Close() error { return nil }
