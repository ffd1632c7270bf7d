package models

import (
	"fmt"
	"strings"
	"time"
)

type EventType string

const (
	EventLogin              EventType = "LOGIN"
	EventLogout             EventType = "LOGOUT"
	EventPageSync           EventType = "PAGE_SYNC"
	EventSectionSync        EventType = "SECTION_SYNC"
	EventDefinitionLookup   EventType = "DEFINITION_LOOKUP"
	EventAIQuery            EventType = "AI_QUERY"
	EventHelpRequest        EventType = "HELP_REQUEST"
	EventFeedbackSubmission EventType = "FEEDBACK_SUBMISSION"
	EventNoteCreated        EventType = "NOTE_CREATED"
	EventQuizAttempt        EventType = "QUIZ_ATTEMPT"
)

// AllEventTypes lists every EventType in declaration order.
var AllEventTypes = []EventType{
	EventLogin,
	EventLogout,
	EventPageSync,
	EventSectionSync,
	EventDefinitionLookup,
	EventAIQuery,
	EventHelpRequest,
	EventFeedbackSubmission,
	EventNoteCreated,
	EventQuizAttempt,
}

func ParseEventType(s string) (EventType, error) {
	t := EventType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidEventType, s)
	}
	return t, nil
}

func (t EventType) Valid() bool {
	for _, known := range AllEventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// IsSupportType reports whether the event is routed to the support room.
func (t EventType) IsSupportType() bool {
	return t == EventHelpRequest || t == EventFeedbackSubmission
}

// IsSessionBoundary reports whether the event changes reader presence.
func (t EventType) IsSessionBoundary() bool {
	return t == EventLogin || t == EventLogout
}

// Event is one observed reader action. It is never mutated after creation.
type Event struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	EventType EventType      `json:"eventType"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"sessionId"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

const aiQueryPreviewRunes = 60

// Describe renders the human readable line shown on the consultant dashboard.
func (e *Event) Describe() string {
	switch e.EventType {
	case EventLogin:
		return "Logged in"
	case EventLogout:
		return "Logged out"
	case EventPageSync:
		page, ok := dataString(e.Data, "pageNumber", "page")
		if !ok {
			return "Changed page"
		}
		if book, ok := dataString(e.Data, "bookId", "bookTitle"); ok {
			return fmt.Sprintf("Viewing page %s of book %s", page, book)
		}
		return fmt.Sprintf("Viewing page %s", page)
	case EventSectionSync:
		if section, ok := dataString(e.Data, "sectionTitle", "sectionId", "section"); ok {
			return fmt.Sprintf("Reading section %s", section)
		}
		return "Changed section"
	case EventDefinitionLookup:
		if term, ok := dataString(e.Data, "term", "word"); ok {
			return fmt.Sprintf("Looked up definition of %q", term)
		}
		return "Looked up a definition"
	case EventAIQuery:
		if query, ok := dataString(e.Data, "query", "question"); ok {
			return fmt.Sprintf("Asked the AI assistant: %q", truncateRunes(query, aiQueryPreviewRunes))
		}
		return "Asked the AI assistant"
	case EventHelpRequest:
		if msg, ok := dataString(e.Data, "message", "content"); ok {
			return fmt.Sprintf("Requested help: %s", msg)
		}
		return "Requested help"
	case EventFeedbackSubmission:
		return "Submitted feedback"
	case EventNoteCreated:
		if page, ok := dataString(e.Data, "pageNumber", "page"); ok {
			return fmt.Sprintf("Created a note on page %s", page)
		}
		return "Created a note"
	case EventQuizAttempt:
		if score, ok := dataString(e.Data, "score"); ok {
			return fmt.Sprintf("Attempted a quiz (score %s)", score)
		}
		return "Attempted a quiz"
	}
	return "Unknown activity"
}

func dataString(data map[string]any, keys ...string) (string, bool) {
	for _, key := range keys {
		v, ok := data[key]
		if !ok || v == nil {
			continue
		}
		var s string
		switch val := v.(type) {
		case string:
			s = strings.TrimSpace(val)
		case float64:
			s = fmt.Sprintf("%g", val)
		default:
			s = fmt.Sprint(val)
		}
		if s != "" {
			return s, true
		}
	}
	return "", false
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}

// OnlineUser is a derived presence fact.
type OnlineUser struct {
	UserID       string    `json:"userId"`
	LastActivity time.Time `json:"lastActivity"`
}

type DashboardStats struct {
	ActiveReaders     int64               `json:"activeReaders"`
	ActiveSessions    int64               `json:"activeSessions"`
	EventsLastHour    int64               `json:"eventsLastHour"`
	EventsToday       int64               `json:"eventsToday"`
	HelpRequestsToday int64               `json:"helpRequestsToday"`
	FeedbackToday     int64               `json:"feedbackToday"`
	EventsByType      map[EventType]int64 `json:"eventsByType"`
	GeneratedAt       time.Time           `json:"generatedAt"`
}
