package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"alice-realtime/internal/metrics"
	"alice-realtime/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

// Subscriber is anything the broadcaster can push frames to.
type Subscriber interface {
	ID() string
	// Send queues a frame without blocking. It reports false when the frame
	// was dropped.
	Send(data []byte) bool
}

// Client is one authenticated WebSocket connection.
type Client struct {
	id        string
	principal models.Principal
	sessionID string
	ipAddress string
	userAgent string

	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger

	// Only the read goroutine touches lastEventAt.
	lastEventAt time.Time
}

func newClient(conn *websocket.Conn, p models.Principal, sessionID, ip, ua string, logger *zap.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		id:        id,
		principal: p,
		sessionID: sessionID,
		ipAddress: ip,
		userAgent: ua,
		conn:      conn,
		send:      make(chan []byte, sendBufferSize),
		done:      make(chan struct{}),
		logger: logger.With(
			zap.String("conn_id", id),
			zap.String("user_id", p.UserID),
			zap.String("role", string(p.Role))),
	}
}

func (c *Client) ID() string { return c.id }

func (c *Client) Principal() models.Principal { return c.principal }

func (c *Client) SessionID() string { return c.sessionID }

func (c *Client) Send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	default:
		metrics.PushesDropped.Inc()
		c.logger.Warn("send buffer full, dropping frame")
		return false
	}
}

func (c *Client) sendMessage(msg models.WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal message", zap.String("type", string(msg.Type)), zap.Error(err))
		return
	}
	c.Send(data)
}

func (c *Client) sendError(code, message string) {
	c.sendMessage(models.WSMessage{
		Type:    models.MsgEventError,
		Payload: models.ErrorPayload{Code: code, Message: message},
	})
}

// Close stops the write goroutine and closes the socket. Safe to call more
// than once.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
	})
}

// nextTimestamp returns now, clamped so timestamps never go backwards on
// this connection.
func (c *Client) nextTimestamp(now time.Time) time.Time {
	now = now.UTC()
	if now.Before(c.lastEventAt) {
		now = c.lastEventAt
	}
	c.lastEventAt = now
	return now
}

// readPump reads frames until the socket fails and hands each decoded
// envelope to route.
func (c *Client) readPump(route func(*Client, models.InboundMessage)) {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("unexpected close", zap.Error(err))
			}
			return
		}

		var msg models.InboundMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Warn("dropping malformed frame", zap.Error(err))
			c.sendError("INVALID_MESSAGE", "frame is not a valid message envelope")
			continue
		}

		route(c, msg)
	}
}

// writePump owns all writes to the socket.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.Close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
