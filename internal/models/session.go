package models

import (
	"time"
)

type Role string

const (
	RoleReader     Role = "reader"
	RoleConsultant Role = "consultant"
)

func (r Role) Valid() bool {
	return r == RoleReader || r == RoleConsultant
}

// Principal is the authenticated identity attached to a connection.
type Principal struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}

// ActiveSession is one live connection's session state. SessionID is unique;
// upserts are last-write-wins.
type ActiveSession struct {
	ID           string         `json:"id"`
	UserID       string         `json:"userId"`
	SessionID    string         `json:"sessionId"`
	DeviceInfo   map[string]any `json:"deviceInfo"`
	LastActivity time.Time      `json:"lastActivity"`
	IPAddress    string         `json:"ipAddress"`
	IsActive     bool           `json:"isActive"`
}

// ConsultantSubscription records which event types a consultant wants to see.
// An empty EventTypes list means all types.
type ConsultantSubscription struct {
	ID           string      `json:"id"`
	ConsultantID string      `json:"consultantId"`
	EventTypes   []EventType `json:"eventTypes"`
	IsActive     bool        `json:"isActive"`
	CreatedAt    time.Time   `json:"createdAt"`
}

// Matches reports whether the subscription asks for the given type.
func (s *ConsultantSubscription) Matches(t EventType) bool {
	if len(s.EventTypes) == 0 {
		return true
	}
	for _, et := range s.EventTypes {
		if et == t {
			return true
		}
	}
	return false
}
