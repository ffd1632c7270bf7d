package repository

import (
	"context"
	"time"

	"alice-realtime/internal/models"
)

const (
	// Sessions idle longer than this are no longer counted as online.
	onlineWindow = 5 * time.Minute
	// Active sessions idle longer than this are closed by CleanupOldSessions.
	sessionIdleTimeout = 30 * time.Minute
	// Closed sessions older than this are deleted by CleanupOldSessions.
	closedSessionRetention = 7 * 24 * time.Hour

	defaultRecentLimit = 50
	maxRecentLimit     = 200
)

// Store is the durable source of truth for events, sessions and
// consultant subscriptions.
type Store interface {
	StoreEvent(ctx context.Context, e *models.Event) error
	UpdateActiveSession(ctx context.Context, s *models.ActiveSession) error
	DeactivateSession(ctx context.Context, sessionID string) error
	GetActiveSessions(ctx context.Context, userID string) ([]models.ActiveSession, error)

	SaveConsultantSubscription(ctx context.Context, sub *models.ConsultantSubscription) error
	DeactivateConsultantSubscriptions(ctx context.Context, consultantID string) error
	GetConsultantSubscriptions(ctx context.Context, consultantID string) ([]models.ConsultantSubscription, error)

	GetRecentEvents(ctx context.Context, limit int, userID string) ([]models.Event, error)
	GetOnlineUsers(ctx context.Context) ([]models.OnlineUser, error)
	GetDashboardStats(ctx context.Context) (*models.DashboardStats, error)

	// CleanupOldSessions runs on a best-effort schedule; failures are logged.
	CleanupOldSessions(ctx context.Context)
	DeleteEventsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// NormalizeLimit clamps a history request to [1, maxRecentLimit].
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultRecentLimit
	}
	if limit > maxRecentLimit {
		return maxRecentLimit
	}
	return limit
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func eventTypesToStrings(types []models.EventType) []string {
	out := make([]string, 0, len(types))
	for _, t := range types {
		out = append(out, string(t))
	}
	return out
}

func stringsToEventTypes(raw []string) []models.EventType {
	out := make([]models.EventType, 0, len(raw))
	for _, s := range raw {
		out = append(out, models.EventType(s))
	}
	return out
}
