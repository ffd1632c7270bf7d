package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"alice-realtime/internal/cache"
	"alice-realtime/internal/metrics"
	"alice-realtime/internal/models"
	"alice-realtime/internal/repository"
)

const (
	RoomConsultants = "consultants"
	RoomSupport     = "support"
)

func UserRoom(userID string) string { return "user:" + userID }

func EventRoom(t models.EventType) string { return "event:" + string(t) }

// TargetRooms returns the rooms an event is pushed to.
func TargetRooms(e *models.Event) []string {
	rooms := []string{RoomConsultants, UserRoom(e.UserID), EventRoom(e.EventType)}
	if e.EventType.IsSupportType() {
		rooms = append(rooms, RoomSupport)
	}
	return rooms
}

// fanoutEnvelope carries a frame to peer instances over the cache channel.
type fanoutEnvelope struct {
	Origin  string          `json:"origin"`
	Rooms   []string        `json:"rooms"`
	Message json.RawMessage `json:"message"`
}

type BroadcasterStats struct {
	Connections     int            `json:"connections"`
	Rooms           map[string]int `json:"rooms"`
	EventsBroadcast uint64         `json:"eventsBroadcast"`
	PersistFailures uint64         `json:"persistFailures"`
	FanoutReceived  uint64         `json:"fanoutReceived"`
	PushesDropped   uint64         `json:"pushesDropped"`
}

// Broadcaster owns the room map and turns queued events into pushes.
type Broadcaster struct {
	store      repository.Store
	cache      cache.Cache
	logger     *zap.Logger
	instanceID string

	mu      sync.RWMutex
	rooms   map[string]map[string]Subscriber
	members map[string]map[string]struct{}

	eventsBroadcast atomic.Uint64
	persistFailures atomic.Uint64
	fanoutReceived  atomic.Uint64
	pushesDropped   atomic.Uint64
}

func NewBroadcaster(store repository.Store, c cache.Cache, instanceID string, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		store:      store,
		cache:      c,
		logger:     logger,
		instanceID: instanceID,
		rooms:      make(map[string]map[string]Subscriber),
		members:    make(map[string]map[string]struct{}),
	}
}

// Start subscribes to the fan-out channel so frames published by peer
// instances reach local rooms. It returns once the subscription is live.
func (b *Broadcaster) Start(ctx context.Context) error {
	ch, err := b.cache.SubscribeToChannel(ctx, cache.FanoutChannel)
	if err != nil {
		return fmt.Errorf("subscribe fanout: %w", err)
	}

	go func() {
		for payload := range ch {
			var env fanoutEnvelope
			if err := json.Unmarshal(payload, &env); err != nil {
				b.logger.Warn("dropping malformed fanout envelope", zap.Error(err))
				continue
			}
			if env.Origin == b.instanceID {
				continue
			}
			b.fanoutReceived.Add(1)
			b.deliver(env.Rooms, env.Message)
		}
	}()

	b.logger.Info("fanout subscription started",
		zap.String("channel", cache.FanoutChannel),
		zap.String("instance_id", b.instanceID))
	return nil
}

// BroadcastEvent persists e, updates presence and pushes it to every target
// room. Downstream failures are logged and never stop the push.
func (b *Broadcaster) BroadcastEvent(ctx context.Context, e *models.Event) {
	log := b.logger.With(
		zap.String("event_id", e.ID),
		zap.String("event_type", string(e.EventType)),
		zap.String("user_id", e.UserID))

	if err := b.store.StoreEvent(ctx, e); err != nil {
		b.persistFailures.Add(1)
		metrics.PersistFailures.Inc()
		log.Error("failed to persist event", zap.Error(err))
	}

	if err := b.cache.StoreEvent(ctx, e); err != nil {
		log.Warn("failed to cache event", zap.Error(err))
	}

	// A LOGIN that outlived its connection in the queue must not bring the
	// reader back online; the cache refuses it when no connection remains.
	switch e.EventType {
	case models.EventLogin:
		marked, err := b.cache.SetUserOnline(ctx, e.UserID, models.RoleReader, true)
		if err != nil {
			log.Warn("failed to mark reader online", zap.Error(err))
		} else if !marked {
			log.Debug("reader has no live connection, presence unchanged")
		}
	case models.EventLogout:
		if _, err := b.cache.SetUserOnline(ctx, e.UserID, models.RoleReader, false); err != nil {
			log.Warn("failed to mark reader offline", zap.Error(err))
		}
	}

	b.Publish(ctx, TargetRooms(e), models.WSMessage{
		Type:    models.MsgReaderActivity,
		Payload: models.NewReaderActivity(e),
	})
	b.eventsBroadcast.Add(1)
	metrics.EventsBroadcast.WithLabelValues(string(e.EventType)).Inc()

	if e.EventType.IsSessionBoundary() {
		b.BroadcastPresence(ctx)
	}
}

// Publish pushes msg to the local members of rooms and forwards it to peer
// instances.
func (b *Broadcaster) Publish(ctx context.Context, rooms []string, msg models.WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("failed to marshal message", zap.String("type", string(msg.Type)), zap.Error(err))
		return
	}

	b.deliver(rooms, data)

	env, err := json.Marshal(fanoutEnvelope{Origin: b.instanceID, Rooms: rooms, Message: data})
	if err != nil {
		b.logger.Error("failed to marshal fanout envelope", zap.Error(err))
		return
	}
	if err := b.cache.PublishEvent(ctx, cache.FanoutChannel, env); err != nil {
		b.logger.Warn("failed to publish fanout envelope", zap.String("type", string(msg.Type)), zap.Error(err))
	}
}

// deliver sends data once to every local subscriber in the union of rooms.
func (b *Broadcaster) deliver(rooms []string, data []byte) int {
	b.mu.RLock()
	seen := make(map[string]struct{})
	targets := make([]Subscriber, 0)
	for _, room := range rooms {
		for id, sub := range b.rooms[room] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	delivered := 0
	for _, sub := range targets {
		if sub.Send(data) {
			delivered++
		} else {
			b.pushesDropped.Add(1)
		}
	}
	return delivered
}

// SendTo pushes msg to a single subscriber without touching rooms.
func (b *Broadcaster) SendTo(sub Subscriber, msg models.WSMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("failed to marshal message", zap.String("type", string(msg.Type)), zap.Error(err))
		return false
	}
	return sub.Send(data)
}

// JoinRoom adds sub to room. Joining the consultants room also sends sub a
// presence snapshot.
func (b *Broadcaster) JoinRoom(ctx context.Context, sub Subscriber, room string) {
	b.mu.Lock()
	members, ok := b.rooms[room]
	if !ok {
		members = make(map[string]Subscriber)
		b.rooms[room] = members
	}
	members[sub.ID()] = sub

	joined, ok := b.members[sub.ID()]
	if !ok {
		joined = make(map[string]struct{})
		b.members[sub.ID()] = joined
	}
	joined[room] = struct{}{}
	b.mu.Unlock()

	if room == RoomConsultants {
		snapshot := b.PresenceSnapshot(ctx)
		b.SendTo(sub, models.WSMessage{Type: models.MsgOnlineReaders, Payload: snapshot})
	}
}

// LeaveRoom removes sub from room and deletes the room when it empties. It
// reports whether sub was a member.
func (b *Broadcaster) LeaveRoom(sub Subscriber, room string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.leaveLocked(sub.ID(), room)
}

func (b *Broadcaster) leaveLocked(id, room string) bool {
	members, ok := b.rooms[room]
	if !ok {
		return false
	}
	if _, ok := members[id]; !ok {
		return false
	}
	delete(members, id)
	if len(members) == 0 {
		delete(b.rooms, room)
	}

	if joined, ok := b.members[id]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(b.members, id)
		}
	}
	return true
}

// LeaveAll removes sub from every room it occupies and returns those rooms.
func (b *Broadcaster) LeaveAll(sub Subscriber) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	joined := b.members[sub.ID()]
	left := make([]string, 0, len(joined))
	for room := range joined {
		left = append(left, room)
	}
	for _, room := range left {
		b.leaveLocked(sub.ID(), room)
	}
	sort.Strings(left)
	return left
}

// Rooms returns the member count of every non-empty room.
func (b *Broadcaster) Rooms() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]int, len(b.rooms))
	for name, members := range b.rooms {
		out[name] = len(members)
	}
	return out
}

// PresenceSnapshot lists online readers, most recently active first. The
// cache is authoritative for presence; the store's online view is used only
// when the cache is unavailable.
func (b *Broadcaster) PresenceSnapshot(ctx context.Context) models.OnlineReaders {
	readers, err := b.cachedReaders(ctx)
	if err != nil {
		b.logger.Warn("presence cache unavailable, falling back to store", zap.Error(err))
		readers, err = b.store.GetOnlineUsers(ctx)
		if err != nil {
			b.logger.Error("failed to load online users from store", zap.Error(err))
			readers = nil
		}
	}
	if readers == nil {
		readers = []models.OnlineUser{}
	}

	sort.SliceStable(readers, func(i, j int) bool {
		if readers[i].LastActivity.Equal(readers[j].LastActivity) {
			return readers[i].UserID < readers[j].UserID
		}
		return readers[i].LastActivity.After(readers[j].LastActivity)
	})

	return models.OnlineReaders{Count: len(readers), Readers: readers}
}

func (b *Broadcaster) cachedReaders(ctx context.Context) ([]models.OnlineUser, error) {
	ids, err := b.cache.GetOnlineUsers(ctx, models.RoleReader)
	if err != nil {
		return nil, err
	}

	readers := make([]models.OnlineUser, 0, len(ids))
	for _, id := range ids {
		u := models.OnlineUser{UserID: id}
		seen, err := b.cache.GetUserLastSeen(ctx, id)
		if err != nil {
			b.logger.Warn("failed to read last seen", zap.String("user_id", id), zap.Error(err))
		} else if seen != nil {
			u.LastActivity = *seen
		}
		readers = append(readers, u)
	}
	return readers, nil
}

// BroadcastPresence sends the current snapshot to the consultants room.
func (b *Broadcaster) BroadcastPresence(ctx context.Context) {
	b.Publish(ctx, []string{RoomConsultants}, models.WSMessage{
		Type:    models.MsgOnlineReaders,
		Payload: b.PresenceSnapshot(ctx),
	})
}

func (b *Broadcaster) Stats() BroadcasterStats {
	b.mu.RLock()
	connections := len(b.members)
	b.mu.RUnlock()

	return BroadcasterStats{
		Connections:     connections,
		Rooms:           b.Rooms(),
		EventsBroadcast: b.eventsBroadcast.Load(),
		PersistFailures: b.persistFailures.Load(),
		FanoutReceived:  b.fanoutReceived.Load(),
		PushesDropped:   b.pushesDropped.Load(),
	}
}

