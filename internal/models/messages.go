package models

import (
	"encoding/json"
	"time"
)

type MessageType string

const (
	// Client to server
	MsgReaderEvent           MessageType = "reader-event"
	MsgSubscribeConsultant   MessageType = "subscribe-consultant"
	MsgUnsubscribeConsultant MessageType = "unsubscribe-consultant"
	MsgGetOnlineReaders      MessageType = "get-online-readers"
	MsgGetRecentEvents       MessageType = "get-recent-events"
	MsgJoinRoom              MessageType = "join-room"
	MsgLeaveRoom             MessageType = "leave-room"
	MsgPing                  MessageType = "ping"

	// Server to client
	MsgReaderActivity      MessageType = "reader-activity"
	MsgOnlineReaders       MessageType = "online-readers"
	MsgRecentEvents        MessageType = "recent-events"
	MsgSubscriptionUpdated MessageType = "subscription-updated"
	MsgRoomJoined          MessageType = "room-joined"
	MsgRoomLeft            MessageType = "room-left"
	MsgPong                MessageType = "pong"
	MsgEventError          MessageType = "event-error"
	MsgConnectionError     MessageType = "connection-error"
)

// WSMessage is the envelope for every frame sent to a client.
type WSMessage struct {
	Type    MessageType `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// InboundMessage is the envelope for frames received from a client. The
// payload is decoded once the type is known.
type InboundMessage struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ==================== Client to Server ====================

type ReaderEventPayload struct {
	EventType string         `json:"eventType" validate:"required"`
	Data      map[string]any `json:"data"`
	SessionID string         `json:"sessionId" validate:"omitempty,max=128"`
	Metadata  map[string]any `json:"metadata"`
}

type SubscribePayload struct {
	ConsultantID string   `json:"consultantId" validate:"required"`
	EventTypes   []string `json:"eventTypes" validate:"dive,required"`
}

type UnsubscribePayload struct {
	ConsultantID string `json:"consultantId" validate:"required"`
}

type RecentEventsRequest struct {
	Limit  int    `json:"limit" validate:"omitempty,min=1,max=200"`
	UserID string `json:"userId"`
}

type RoomPayload struct {
	Room string `json:"room" validate:"required,max=128"`
}

// ==================== Server to Client ====================

type ReaderActivity struct {
	ID          string         `json:"id"`
	UserID      string         `json:"userId"`
	EventType   EventType      `json:"eventType"`
	Data        map[string]any `json:"data"`
	Timestamp   time.Time      `json:"timestamp"`
	SessionID   string         `json:"sessionId"`
	Description string         `json:"description"`
}

func NewReaderActivity(e *Event) ReaderActivity {
	return ReaderActivity{
		ID:          e.ID,
		UserID:      e.UserID,
		EventType:   e.EventType,
		Data:        e.Data,
		Timestamp:   e.Timestamp,
		SessionID:   e.SessionID,
		Description: e.Describe(),
	}
}

type OnlineReaders struct {
	Count   int          `json:"count"`
	Readers []OnlineUser `json:"readers"`
}

type RecentEvents struct {
	Events []ReaderActivity `json:"events"`
}

type SubscriptionUpdate struct {
	ConsultantID string      `json:"consultantId"`
	EventTypes   []EventType `json:"eventTypes"`
	Active       bool        `json:"active"`
}

type RoomUpdate struct {
	Room string `json:"room"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
