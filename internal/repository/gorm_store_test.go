package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"alice-realtime/internal/database"
	"alice-realtime/internal/models"
)

func newTestStore(t *testing.T, now time.Time) *GormStore {
	t.Helper()
	db, err := database.OpenSQLite(":memory:", nil)
	require.NoError(t, err)

	store, err := NewGormStore(db, zap.NewNop())
	require.NoError(t, err)
	store.now = func() time.Time { return now }

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return store
}

func newEvent(userID string, et models.EventType, at time.Time) *models.Event {
	return &models.Event{
		ID:        uuid.NewString(),
		UserID:    userID,
		EventType: et,
		Data:      map[string]any{"bookId": "b1"},
		Timestamp: at,
		SessionID: "sess-" + userID,
	}
}

func TestGormStore_RecentEventsNewestFirst(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, now)
	ctx := context.Background()

	require.NoError(t, store.StoreEvent(ctx, newEvent("u1", models.EventLogin, now.Add(-3*time.Minute))))
	require.NoError(t, store.StoreEvent(ctx, newEvent("u1", models.EventPageSync, now.Add(-2*time.Minute))))
	require.NoError(t, store.StoreEvent(ctx, newEvent("u2", models.EventHelpRequest, now.Add(-1*time.Minute))))

	all, err := store.GetRecentEvents(ctx, 10, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, models.EventHelpRequest, all[0].EventType)
	assert.Equal(t, models.EventLogin, all[2].EventType)
	assert.Equal(t, "b1", all[0].Data["bookId"])

	mine, err := store.GetRecentEvents(ctx, 1, "u1")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, models.EventPageSync, mine[0].EventType)
}

func TestGormStore_SessionUpsertIsLastWriteWins(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, now)
	ctx := context.Background()

	first := &models.ActiveSession{UserID: "u1", SessionID: "s1", IPAddress: "10.0.0.1", IsActive: true, LastActivity: now.Add(-time.Minute)}
	require.NoError(t, store.UpdateActiveSession(ctx, first))

	second := &models.ActiveSession{UserID: "u1", SessionID: "s1", IPAddress: "10.0.0.2", IsActive: true, LastActivity: now}
	require.NoError(t, store.UpdateActiveSession(ctx, second))
	assert.Equal(t, first.ID, second.ID, "upsert must keep the original row")

	sessions, err := store.GetActiveSessions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "10.0.0.2", sessions[0].IPAddress)

	require.NoError(t, store.DeactivateSession(ctx, "s1"))
	sessions, err = store.GetActiveSessions(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestGormStore_SubscriptionSupersedes(t *testing.T) {
	store := newTestStore(t, time.Now().UTC())
	ctx := context.Background()

	first := &models.ConsultantSubscription{ConsultantID: "c1", EventTypes: []models.EventType{models.EventHelpRequest}}
	require.NoError(t, store.SaveConsultantSubscription(ctx, first))

	second := &models.ConsultantSubscription{ConsultantID: "c1"}
	require.NoError(t, store.SaveConsultantSubscription(ctx, second))

	subs, err := store.GetConsultantSubscriptions(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, second.ID, subs[0].ID)
	assert.Empty(t, subs[0].EventTypes)

	require.NoError(t, store.DeactivateConsultantSubscriptions(ctx, "c1"))
	subs, err = store.GetConsultantSubscriptions(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestGormStore_OnlineUsersAndDashboard(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, now)
	ctx := context.Background()

	require.NoError(t, store.UpdateActiveSession(ctx, &models.ActiveSession{UserID: "u1", SessionID: "s1", IsActive: true, LastActivity: now.Add(-time.Minute)}))
	require.NoError(t, store.UpdateActiveSession(ctx, &models.ActiveSession{UserID: "u1", SessionID: "s2", IsActive: true, LastActivity: now.Add(-30 * time.Second)}))
	require.NoError(t, store.UpdateActiveSession(ctx, &models.ActiveSession{UserID: "u2", SessionID: "s3", IsActive: true, LastActivity: now.Add(-time.Hour)}))

	online, err := store.GetOnlineUsers(ctx)
	require.NoError(t, err)
	require.Len(t, online, 1)
	assert.Equal(t, "u1", online[0].UserID)

	require.NoError(t, store.StoreEvent(ctx, newEvent("u1", models.EventHelpRequest, now.Add(-10*time.Minute))))
	require.NoError(t, store.StoreEvent(ctx, newEvent("u1", models.EventFeedbackSubmission, now.Add(-20*time.Minute))))
	require.NoError(t, store.StoreEvent(ctx, newEvent("u1", models.EventPageSync, now.Add(-2*time.Hour))))

	stats, err := store.GetDashboardStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.ActiveReaders)
	assert.Equal(t, int64(3), stats.ActiveSessions)
	assert.Equal(t, int64(2), stats.EventsLastHour)
	assert.Equal(t, int64(3), stats.EventsToday)
	assert.Equal(t, int64(1), stats.HelpRequestsToday)
	assert.Equal(t, int64(1), stats.FeedbackToday)
	assert.Equal(t, int64(1), stats.EventsByType[models.EventPageSync])
}

func TestGormStore_RetentionOperations(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, now)
	ctx := context.Background()

	require.NoError(t, store.UpdateActiveSession(ctx, &models.ActiveSession{UserID: "u1", SessionID: "idle", IsActive: true, LastActivity: now.Add(-time.Hour)}))
	require.NoError(t, store.UpdateActiveSession(ctx, &models.ActiveSession{UserID: "u2", SessionID: "fresh", IsActive: true, LastActivity: now.Add(-time.Minute)}))

	store.CleanupOldSessions(ctx)

	sessions, err := store.GetActiveSessions(ctx, "")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "fresh", sessions[0].SessionID)

	require.NoError(t, store.StoreEvent(ctx, newEvent("u1", models.EventLogin, now.Add(-40*24*time.Hour))))
	require.NoError(t, store.StoreEvent(ctx, newEvent("u1", models.EventLogout, now.Add(-time.Hour))))

	deleted, err := store.DeleteEventsOlderThan(ctx, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	remaining, err := store.GetRecentEvents(ctx, 0, "")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, models.EventLogout, remaining[0].EventType)
}

func TestNormalizeLimit(t *testing.T) {
	assert.Equal(t, defaultRecentLimit, NormalizeLimit(0))
	assert.Equal(t, defaultRecentLimit, NormalizeLimit(-4))
	assert.Equal(t, 25, NormalizeLimit(25))
	assert.Equal(t, maxRecentLimit, NormalizeLimit(10_000))
}
