package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"alice-realtime/internal/models"
)

type eventRecord struct {
	ID        string            `gorm:"primaryKey;size:36"`
	UserID    string            `gorm:"not null;index:idx_reader_events_user_created,priority:1"`
	EventType string            `gorm:"not null;index"`
	Data      datatypes.JSONMap `gorm:"not null"`
	SessionID string            `gorm:"not null;default:''"`
	Metadata  datatypes.JSONMap `gorm:"not null"`
	CreatedAt time.Time         `gorm:"not null;index;index:idx_reader_events_user_created,priority:2"`
}

func (eventRecord) TableName() string { return "reader_events" }

type sessionRecord struct {
	ID           string            `gorm:"primaryKey;size:36"`
	UserID       string            `gorm:"not null;index"`
	SessionID    string            `gorm:"not null;uniqueIndex"`
	DeviceInfo   datatypes.JSONMap `gorm:"not null"`
	LastActivity time.Time         `gorm:"not null"`
	IPAddress    string            `gorm:"not null;default:''"`
	IsActive     bool              `gorm:"not null"`
}

func (sessionRecord) TableName() string { return "active_sessions" }

type subscriptionRecord struct {
	ID           string         `gorm:"primaryKey;size:36"`
	ConsultantID string         `gorm:"not null;index"`
	EventTypes   datatypes.JSON `gorm:"not null"`
	IsActive     bool           `gorm:"not null"`
	CreatedAt    time.Time      `gorm:"not null"`
}

func (subscriptionRecord) TableName() string { return "consultant_subscriptions" }

// GormStore is the single-node Store backed by SQLite. Views that Postgres
// computes in SQL are computed here from plain queries.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
	now    func() time.Time
}

func NewGormStore(db *gorm.DB, logger *zap.Logger) (*GormStore, error) {
	if err := db.AutoMigrate(&eventRecord{}, &sessionRecord{}, &subscriptionRecord{}); err != nil {
		return nil, fmt.Errorf("migrate sqlite schema: %w", err)
	}
	return &GormStore{db: db, logger: logger, now: time.Now}, nil
}

func (r *GormStore) StoreEvent(ctx context.Context, e *models.Event) error {
	rec := eventRecord{
		ID:        e.ID,
		UserID:    e.UserID,
		EventType: string(e.EventType),
		Data:      jsonMap(e.Data),
		SessionID: e.SessionID,
		Metadata:  jsonMap(e.Metadata),
		CreatedAt: e.Timestamp.UTC(),
	}
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("insert event %s: %w", e.ID, err)
	}
	return nil
}

func (r *GormStore) UpdateActiveSession(ctx context.Context, s *models.ActiveSession) error {
	if s.LastActivity.IsZero() {
		s.LastActivity = r.now().UTC()
	}
	rec := sessionRecord{
		ID:           uuid.NewString(),
		UserID:       s.UserID,
		SessionID:    s.SessionID,
		DeviceInfo:   jsonMap(s.DeviceInfo),
		LastActivity: s.LastActivity.UTC(),
		IPAddress:    s.IPAddress,
		IsActive:     s.IsActive,
	}

	db := r.db.WithContext(ctx)
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"user_id", "device_info", "last_activity", "ip_address", "is_active"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", s.SessionID, err)
	}

	var stored sessionRecord
	if err := db.Where("session_id = ?", s.SessionID).Take(&stored).Error; err != nil {
		return fmt.Errorf("reload session %s: %w", s.SessionID, err)
	}
	s.ID = stored.ID
	return nil
}

func (r *GormStore) DeactivateSession(ctx context.Context, sessionID string) error {
	return r.db.WithContext(ctx).Model(&sessionRecord{}).
		Where("session_id = ?", sessionID).
		Updates(map[string]interface{}{"is_active": false, "last_activity": r.now().UTC()}).Error
}

func (r *GormStore) GetActiveSessions(ctx context.Context, userID string) ([]models.ActiveSession, error) {
	q := r.db.WithContext(ctx).Where("is_active = ?", true)
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}

	var recs []sessionRecord
	if err := q.Order("last_activity DESC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("query active sessions: %w", err)
	}

	sessions := make([]models.ActiveSession, 0, len(recs))
	for _, rec := range recs {
		sessions = append(sessions, models.ActiveSession{
			ID:           rec.ID,
			UserID:       rec.UserID,
			SessionID:    rec.SessionID,
			DeviceInfo:   map[string]any(rec.DeviceInfo),
			LastActivity: rec.LastActivity,
			IPAddress:    rec.IPAddress,
			IsActive:     rec.IsActive,
		})
	}
	return sessions, nil
}

func (r *GormStore) SaveConsultantSubscription(ctx context.Context, sub *models.ConsultantSubscription) error {
	types, err := json.Marshal(eventTypesToStrings(sub.EventTypes))
	if err != nil {
		return fmt.Errorf("encode event types: %w", err)
	}

	rec := subscriptionRecord{
		ID:           uuid.NewString(),
		ConsultantID: sub.ConsultantID,
		EventTypes:   datatypes.JSON(types),
		IsActive:     true,
		CreatedAt:    r.now().UTC(),
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&subscriptionRecord{}).
			Where("consultant_id = ? AND is_active = ?", sub.ConsultantID, true).
			Update("is_active", false).Error; err != nil {
			return err
		}
		return tx.Create(&rec).Error
	})
	if err != nil {
		return fmt.Errorf("save subscription for %s: %w", sub.ConsultantID, err)
	}

	sub.ID = rec.ID
	sub.IsActive = true
	sub.CreatedAt = rec.CreatedAt
	return nil
}

func (r *GormStore) DeactivateConsultantSubscriptions(ctx context.Context, consultantID string) error {
	return r.db.WithContext(ctx).Model(&subscriptionRecord{}).
		Where("consultant_id = ? AND is_active = ?", consultantID, true).
		Update("is_active", false).Error
}

func (r *GormStore) GetConsultantSubscriptions(ctx context.Context, consultantID string) ([]models.ConsultantSubscription, error) {
	var recs []subscriptionRecord
	err := r.db.WithContext(ctx).
		Where("consultant_id = ? AND is_active = ?", consultantID, true).
		Order("created_at DESC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}

	subs := make([]models.ConsultantSubscription, 0, len(recs))
	for _, rec := range recs {
		var types []string
		if len(rec.EventTypes) > 0 {
			if err := json.Unmarshal(rec.EventTypes, &types); err != nil {
				r.logger.Warn("skipping subscription with unreadable event types",
					zap.String("subscription_id", rec.ID), zap.Error(err))
				continue
			}
		}
		subs = append(subs, models.ConsultantSubscription{
			ID:           rec.ID,
			ConsultantID: rec.ConsultantID,
			EventTypes:   stringsToEventTypes(types),
			IsActive:     rec.IsActive,
			CreatedAt:    rec.CreatedAt,
		})
	}
	return subs, nil
}

func (r *GormStore) GetRecentEvents(ctx context.Context, limit int, userID string) ([]models.Event, error) {
	q := r.db.WithContext(ctx).Model(&eventRecord{})
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}

	var recs []eventRecord
	if err := q.Order("created_at DESC").Limit(NormalizeLimit(limit)).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}

	events := make([]models.Event, 0, len(recs))
	for _, rec := range recs {
		events = append(events, models.Event{
			ID:        rec.ID,
			UserID:    rec.UserID,
			EventType: models.EventType(rec.EventType),
			Data:      map[string]any(rec.Data),
			Timestamp: rec.CreatedAt,
			SessionID: rec.SessionID,
			Metadata:  map[string]any(rec.Metadata),
		})
	}
	return events, nil
}

func (r *GormStore) GetOnlineUsers(ctx context.Context) ([]models.OnlineUser, error) {
	var recs []sessionRecord
	err := r.db.WithContext(ctx).
		Where("is_active = ? AND last_activity > ?", true, r.now().UTC().Add(-onlineWindow)).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("query online users: %w", err)
	}

	latest := make(map[string]time.Time)
	for _, rec := range recs {
		if rec.LastActivity.After(latest[rec.UserID]) {
			latest[rec.UserID] = rec.LastActivity
		}
	}

	users := make([]models.OnlineUser, 0, len(latest))
	for id, at := range latest {
		users = append(users, models.OnlineUser{UserID: id, LastActivity: at})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].LastActivity.After(users[j].LastActivity) })
	return users, nil
}

func (r *GormStore) GetDashboardStats(ctx context.Context) (*models.DashboardStats, error) {
	now := r.now().UTC()
	today := startOfDay(now)
	db := r.db.WithContext(ctx)

	online, err := r.GetOnlineUsers(ctx)
	if err != nil {
		return nil, err
	}

	stats := &models.DashboardStats{
		ActiveReaders: int64(len(online)),
		EventsByType:  make(map[models.EventType]int64),
		GeneratedAt:   now,
	}

	counts := []struct {
		dest  *int64
		query *gorm.DB
	}{
		{&stats.ActiveSessions, db.Model(&sessionRecord{}).Where("is_active = ?", true)},
		{&stats.EventsLastHour, db.Model(&eventRecord{}).Where("created_at > ?", now.Add(-time.Hour))},
		{&stats.EventsToday, db.Model(&eventRecord{}).Where("created_at >= ?", today)},
		{&stats.HelpRequestsToday, db.Model(&eventRecord{}).
			Where("event_type = ? AND created_at >= ?", string(models.EventHelpRequest), today)},
		{&stats.FeedbackToday, db.Model(&eventRecord{}).
			Where("event_type = ? AND created_at >= ?", string(models.EventFeedbackSubmission), today)},
	}
	for _, c := range counts {
		if err := c.query.Count(c.dest).Error; err != nil {
			return nil, fmt.Errorf("query dashboard stats: %w", err)
		}
	}

	var byType []struct {
		EventType string
		Total     int64
	}
	err = db.Model(&eventRecord{}).
		Select("event_type, COUNT(*) AS total").
		Where("created_at >= ?", today).
		Group("event_type").
		Scan(&byType).Error
	if err != nil {
		return nil, fmt.Errorf("query events by type: %w", err)
	}
	for _, row := range byType {
		stats.EventsByType[models.EventType(row.EventType)] = row.Total
	}

	return stats, nil
}

func (r *GormStore) CleanupOldSessions(ctx context.Context) {
	now := r.now().UTC()
	db := r.db.WithContext(ctx)

	closed := db.Model(&sessionRecord{}).
		Where("is_active = ? AND last_activity < ?", true, now.Add(-sessionIdleTimeout)).
		Update("is_active", false)
	if closed.Error != nil {
		r.logger.Warn("session cleanup failed", zap.Error(closed.Error))
		return
	}

	deleted := db.Where("is_active = ? AND last_activity < ?", false, now.Add(-closedSessionRetention)).
		Delete(&sessionRecord{})
	if deleted.Error != nil {
		r.logger.Warn("closed session purge failed", zap.Error(deleted.Error))
		return
	}

	r.logger.Info("session cleanup finished",
		zap.Int64("closed", closed.RowsAffected),
		zap.Int64("deleted", deleted.RowsAffected))
}

func (r *GormStore) DeleteEventsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("created_at < ?", cutoff.UTC()).Delete(&eventRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete old events: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func jsonMap(m map[string]any) datatypes.JSONMap {
	if m == nil {
		return datatypes.JSONMap{}
	}
	return datatypes.JSONMap(m)
}
