package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"alice-realtime/internal/cache"
	"alice-realtime/internal/metrics"
	"alice-realtime/internal/middleware"
	"alice-realtime/internal/models"
	"alice-realtime/internal/repository"
	"alice-realtime/internal/services"
)

// opTimeout bounds cache and store work done on behalf of one connection.
// Teardown runs after the request context is gone, so every operation gets
// its own deadline.
const opTimeout = 5 * time.Second

// EventQueue accepts events for asynchronous broadcast.
type EventQueue interface {
	Enqueue(e *models.Event) bool
}

type HubConfig struct {
	AuthTimeout    time.Duration
	AllowedOrigins []string
}

// Hub authenticates WebSocket handshakes and routes client messages.
type Hub struct {
	broadcaster *Broadcaster
	queue       EventQueue
	store       repository.Store
	cache       cache.Cache
	history     *services.HistoryService
	auth        *middleware.JWTAuth
	validate    *validator.Validate
	upgrader    websocket.Upgrader
	logger      *zap.Logger
	now         func() time.Time

	mu          sync.RWMutex
	connections map[string][]*Client
}

func NewHub(b *Broadcaster, q EventQueue, store repository.Store, c cache.Cache, auth *middleware.JWTAuth, cfg HubConfig, logger *zap.Logger) *Hub {
	return &Hub{
		broadcaster: b,
		queue:       q,
		store:       store,
		cache:       c,
		history:     services.NewHistoryService(c, store, logger),
		auth:        auth,
		validate:    validator.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: cfg.AuthTimeout,
			CheckOrigin:      middleware.OriginChecker(cfg.AllowedOrigins),
		},
		logger:      logger,
		now:         time.Now,
		connections: make(map[string][]*Client),
	}
}

func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	principal, err := h.authenticate(r)
	if err != nil {
		metrics.AuthFailures.Inc()
		h.logger.Warn("websocket authentication failed",
			zap.String("remote_addr", middleware.ClientIP(r)),
			zap.Error(err))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("user_id", principal.UserID), zap.Error(err))
		return
	}

	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	client := newClient(conn, principal, sessionID, middleware.ClientIP(r), r.UserAgent(), h.logger)
	go client.writePump()

	h.onConnect(client)

	go func() {
		defer h.onDisconnect(client)
		client.readPump(h.route)
	}()
}

// authenticate resolves the principal from the bearer credential. A role
// declared by the client must match the token.
func (h *Hub) authenticate(r *http.Request) (models.Principal, error) {
	principal, err := h.auth.ParseToken(middleware.BearerToken(r))
	if err != nil {
		return models.Principal{}, err
	}

	if declared := strings.TrimSpace(r.URL.Query().Get("role")); declared != "" {
		if models.Role(strings.ToLower(declared)) != principal.Role {
			return models.Principal{}, fmt.Errorf("%w: declared role %q does not match token role %q",
				models.ErrUnauthorized, declared, principal.Role)
		}
	}
	return principal, nil
}

func (h *Hub) onConnect(c *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	p := c.Principal()

	h.mu.Lock()
	h.connections[p.UserID] = append(h.connections[p.UserID], c)
	total := len(h.connections[p.UserID])
	h.mu.Unlock()

	metrics.ActiveConnections.WithLabelValues(string(p.Role)).Inc()

	if _, err := h.cache.AddConnection(ctx, p.UserID, p.Role); err != nil {
		c.logger.Warn("failed to mark user online", zap.Error(err))
	}

	if err := h.store.UpdateActiveSession(ctx, h.sessionOf(c, h.now())); err != nil {
		c.logger.Error("failed to record active session", zap.String("session_id", c.sessionID), zap.Error(err))
	}

	if p.Role == models.RoleConsultant {
		h.broadcaster.JoinRoom(ctx, c, RoomConsultants)
		h.broadcaster.JoinRoom(ctx, c, RoomSupport)
	} else {
		h.broadcaster.JoinRoom(ctx, c, UserRoom(p.UserID))
	}

	c.logger.Info("websocket connected",
		zap.String("session_id", c.sessionID),
		zap.Int("user_connections", total))
}

func (h *Hub) sessionOf(c *Client, at time.Time) *models.ActiveSession {
	return &models.ActiveSession{
		UserID:       c.Principal().UserID,
		SessionID:    c.sessionID,
		DeviceInfo:   map[string]any{"userAgent": c.userAgent},
		LastActivity: at.UTC(),
		IPAddress:    c.ipAddress,
		IsActive:     true,
	}
}

// TouchSessions refreshes the stored session of every local connection and
// returns how many were refreshed.
func (h *Hub) TouchSessions(ctx context.Context) int {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.connections))
	for _, conns := range h.connections {
		clients = append(clients, conns...)
	}
	h.mu.RUnlock()

	now := h.now()
	touched := 0
	for _, c := range clients {
		if err := h.store.UpdateActiveSession(ctx, h.sessionOf(c, now)); err != nil {
			c.logger.Warn("failed to refresh active session", zap.String("session_id", c.sessionID), zap.Error(err))
			continue
		}
		touched++
	}
	return touched
}

func (h *Hub) onDisconnect(c *Client) {
	c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	p := c.Principal()
	h.broadcaster.LeaveAll(c)

	h.mu.Lock()
	conns := h.connections[p.UserID]
	for i, other := range conns {
		if other == c {
			conns = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	localRemaining := len(conns)
	if localRemaining == 0 {
		delete(h.connections, p.UserID)
	} else {
		h.connections[p.UserID] = conns
	}
	h.mu.Unlock()

	metrics.ActiveConnections.WithLabelValues(string(p.Role)).Dec()

	// The cache counts connections on every instance; the local count only
	// stands in when the cache is unreachable.
	remaining, err := h.cache.RemoveConnection(ctx, p.UserID, p.Role)
	if err != nil {
		c.logger.Warn("failed to release connection presence", zap.Error(err))
		remaining = int64(localRemaining)
	}
	last := remaining == 0

	if err := h.store.DeactivateSession(ctx, c.sessionID); err != nil {
		c.logger.Error("failed to deactivate session", zap.String("session_id", c.sessionID), zap.Error(err))
	}

	if p.Role == models.RoleConsultant && last {
		if err := h.store.DeactivateConsultantSubscriptions(ctx, p.UserID); err != nil {
			c.logger.Error("failed to deactivate consultant subscriptions", zap.Error(err))
		}
	}

	h.broadcaster.BroadcastPresence(ctx)

	c.logger.Info("websocket disconnected", zap.String("session_id", c.sessionID), zap.Bool("last_connection", last))
}

func (h *Hub) route(c *Client, msg models.InboundMessage) {
	switch msg.Type {
	case models.MsgReaderEvent:
		h.onEvent(c, msg.Payload)
	case models.MsgSubscribeConsultant:
		if h.requireConsultant(c, msg.Type) {
			h.onSubscribe(c, msg.Payload)
		}
	case models.MsgUnsubscribeConsultant:
		if h.requireConsultant(c, msg.Type) {
			h.onUnsubscribe(c, msg.Payload)
		}
	case models.MsgGetOnlineReaders:
		if h.requireConsultant(c, msg.Type) {
			h.onOnlineReaders(c)
		}
	case models.MsgGetRecentEvents:
		if h.requireConsultant(c, msg.Type) {
			h.onRecentEvents(c, msg.Payload)
		}
	case models.MsgJoinRoom:
		h.onJoinRoom(c, msg.Payload)
	case models.MsgLeaveRoom:
		h.onLeaveRoom(c, msg.Payload)
	case models.MsgPing:
		c.sendMessage(models.WSMessage{Type: models.MsgPong})
	default:
		c.logger.Warn("unknown message type", zap.String("type", string(msg.Type)))
		c.sendError("UNKNOWN_MESSAGE", fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

func (h *Hub) requireConsultant(c *Client, t models.MessageType) bool {
	if c.Principal().Role == models.RoleConsultant {
		return true
	}
	c.logger.Warn("consultant-only message from reader", zap.String("type", string(t)))
	c.sendError("FORBIDDEN", fmt.Sprintf("%s requires the consultant role", t))
	return false
}

// decode unmarshals and validates a payload, answering the sender with an
// event-error when it is unusable.
func (h *Hub) decode(c *Client, t models.MessageType, raw json.RawMessage, v interface{}) bool {
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, v); err != nil {
			c.logger.Warn("malformed payload", zap.String("type", string(t)), zap.Error(err))
			c.sendError("INVALID_PAYLOAD", "payload is not valid JSON for "+string(t))
			return false
		}
	}

	if err := h.validate.Struct(v); err != nil {
		msg := validationMessage(err)
		c.logger.Warn("invalid payload", zap.String("type", string(t)), zap.String("reason", msg))
		c.sendError("INVALID_PAYLOAD", msg)
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s must satisfy %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

func (h *Hub) onEvent(c *Client, raw json.RawMessage) {
	p := c.Principal()
	if p.Role != models.RoleReader {
		c.sendError("FORBIDDEN", "only readers emit reader events")
		return
	}

	var payload models.ReaderEventPayload
	if !h.decode(c, models.MsgReaderEvent, raw, &payload) {
		return
	}

	eventType, err := models.ParseEventType(payload.EventType)
	if err != nil {
		c.logger.Warn("dropping event with unknown type", zap.String("event_type", payload.EventType))
		c.sendError("INVALID_EVENT_TYPE", err.Error())
		return
	}

	// A connection is exactly one session, chosen at handshake.
	if payload.SessionID != "" && payload.SessionID != c.sessionID {
		c.logger.Warn("dropping event for a foreign session",
			zap.String("event_type", string(eventType)),
			zap.String("session_id", payload.SessionID))
		c.sendError("INVALID_PAYLOAD", "sessionId does not match the session of this connection")
		return
	}

	data := payload.Data
	if data == nil {
		data = map[string]any{}
	}

	metadata := make(map[string]any, len(payload.Metadata)+2)
	for k, v := range payload.Metadata {
		metadata[k] = v
	}
	if _, ok := metadata["ipAddress"]; !ok && c.ipAddress != "" {
		metadata["ipAddress"] = c.ipAddress
	}
	if _, ok := metadata["userAgent"]; !ok && c.userAgent != "" {
		metadata["userAgent"] = c.userAgent
	}

	event := &models.Event{
		ID:        uuid.NewString(),
		UserID:    p.UserID,
		EventType: eventType,
		Data:      data,
		Timestamp: c.nextTimestamp(h.now()),
		SessionID: c.sessionID,
		Metadata:  metadata,
	}

	if !h.queue.Enqueue(event) {
		c.logger.Warn("event queue closed, dropping event",
			zap.String("event_type", string(eventType)),
			zap.Error(models.ErrQueueClosed))
		c.sendError("UNAVAILABLE", models.ErrQueueClosed.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := h.store.UpdateActiveSession(ctx, h.sessionOf(c, event.Timestamp)); err != nil {
		c.logger.Warn("failed to touch active session",
			zap.String("event_type", string(eventType)),
			zap.String("session_id", c.sessionID),
			zap.Error(err))
	}
}

func (h *Hub) onSubscribe(c *Client, raw json.RawMessage) {
	var payload models.SubscribePayload
	if !h.decode(c, models.MsgSubscribeConsultant, raw, &payload) {
		return
	}
	if payload.ConsultantID != c.Principal().UserID {
		c.sendError("FORBIDDEN", "consultants may only manage their own subscription")
		return
	}

	types := make([]models.EventType, 0, len(payload.EventTypes))
	for _, rawType := range payload.EventTypes {
		t, err := models.ParseEventType(rawType)
		if err != nil {
			c.sendError("INVALID_EVENT_TYPE", err.Error())
			return
		}
		types = append(types, t)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	sub := &models.ConsultantSubscription{
		ConsultantID: payload.ConsultantID,
		EventTypes:   types,
		IsActive:     true,
		CreatedAt:    h.now().UTC(),
	}
	if err := h.store.SaveConsultantSubscription(ctx, sub); err != nil {
		c.logger.Error("failed to save consultant subscription", zap.Error(err))
		c.sendError("SUBSCRIPTION_FAILED", "could not save subscription")
		return
	}

	c.sendMessage(models.WSMessage{
		Type: models.MsgSubscriptionUpdated,
		Payload: models.SubscriptionUpdate{
			ConsultantID: sub.ConsultantID,
			EventTypes:   types,
			Active:       true,
		},
	})
}

func (h *Hub) onUnsubscribe(c *Client, raw json.RawMessage) {
	var payload models.UnsubscribePayload
	if !h.decode(c, models.MsgUnsubscribeConsultant, raw, &payload) {
		return
	}
	if payload.ConsultantID != c.Principal().UserID {
		c.sendError("FORBIDDEN", "consultants may only manage their own subscription")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := h.store.DeactivateConsultantSubscriptions(ctx, payload.ConsultantID); err != nil {
		c.logger.Error("failed to deactivate consultant subscriptions", zap.Error(err))
		c.sendError("SUBSCRIPTION_FAILED", "could not remove subscription")
		return
	}

	c.sendMessage(models.WSMessage{
		Type: models.MsgSubscriptionUpdated,
		Payload: models.SubscriptionUpdate{
			ConsultantID: payload.ConsultantID,
			EventTypes:   []models.EventType{},
			Active:       false,
		},
	})
}

func (h *Hub) onOnlineReaders(c *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	c.sendMessage(models.WSMessage{Type: models.MsgOnlineReaders, Payload: h.broadcaster.PresenceSnapshot(ctx)})
}

func (h *Hub) onRecentEvents(c *Client, raw json.RawMessage) {
	var req models.RecentEventsRequest
	if !h.decode(c, models.MsgGetRecentEvents, raw, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	events := h.history.RecentEvents(ctx, req.Limit, req.UserID)

	activities := make([]models.ReaderActivity, 0, len(events))
	for i := range events {
		activities = append(activities, models.NewReaderActivity(&events[i]))
	}
	c.sendMessage(models.WSMessage{
		Type:    models.MsgRecentEvents,
		Payload: models.RecentEvents{Events: activities},
	})
}

func (h *Hub) onJoinRoom(c *Client, raw json.RawMessage) {
	var payload models.RoomPayload
	if !h.decode(c, models.MsgJoinRoom, raw, &payload) {
		return
	}

	p := c.Principal()
	if p.Role != models.RoleConsultant && payload.Room != UserRoom(p.UserID) {
		c.logger.Warn("reader attempted to join foreign room", zap.String("room", payload.Room))
		c.sendError("FORBIDDEN_ROOM", models.ErrForbiddenRoom.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	h.broadcaster.JoinRoom(ctx, c, payload.Room)
	c.sendMessage(models.WSMessage{Type: models.MsgRoomJoined, Payload: models.RoomUpdate{Room: payload.Room}})
}

func (h *Hub) onLeaveRoom(c *Client, raw json.RawMessage) {
	var payload models.RoomPayload
	if !h.decode(c, models.MsgLeaveRoom, raw, &payload) {
		return
	}

	h.broadcaster.LeaveRoom(c, payload.Room)
	c.sendMessage(models.WSMessage{Type: models.MsgRoomLeft, Payload: models.RoomUpdate{Room: payload.Room}})
}

// ConnectionCount returns the number of live connections on this instance.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, conns := range h.connections {
		n += len(conns)
	}
	return n
}

// CloseAll closes every connection. Teardown then runs on each read
// goroutine as usual.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, conns := range h.connections {
		for _, c := range conns {
			c.Close()
		}
	}
}
