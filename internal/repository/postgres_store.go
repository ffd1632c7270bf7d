package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"alice-realtime/internal/models"
)

type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

func (r *PostgresStore) StoreEvent(ctx context.Context, e *models.Event) error {
	data, err := marshalJSONMap(e.Data)
	if err != nil {
		return fmt.Errorf("encode event data: %w", err)
	}
	metadata, err := marshalJSONMap(e.Metadata)
	if err != nil {
		return fmt.Errorf("encode event metadata: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO reader_events (id, user_id, event_type, data, session_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.UserID, string(e.EventType), data, e.SessionID, metadata, e.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("insert event %s: %w", e.ID, err)
	}
	return nil
}

func (r *PostgresStore) UpdateActiveSession(ctx context.Context, s *models.ActiveSession) error {
	device, err := marshalJSONMap(s.DeviceInfo)
	if err != nil {
		return fmt.Errorf("encode device info: %w", err)
	}
	if s.LastActivity.IsZero() {
		s.LastActivity = time.Now().UTC()
	}

	query := `
		INSERT INTO active_sessions (user_id, session_id, device_info, last_activity, ip_address, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id) DO UPDATE
		SET user_id = EXCLUDED.user_id,
			device_info = EXCLUDED.device_info,
			last_activity = EXCLUDED.last_activity,
			ip_address = EXCLUDED.ip_address,
			is_active = EXCLUDED.is_active
		RETURNING id
	`

	var id uuid.UUID
	if err := r.pool.QueryRow(ctx, query,
		s.UserID, s.SessionID, device, s.LastActivity.UTC(), s.IPAddress, s.IsActive,
	).Scan(&id); err != nil {
		return fmt.Errorf("upsert session %s: %w", s.SessionID, err)
	}
	s.ID = id.String()
	return nil
}

func (r *PostgresStore) DeactivateSession(ctx context.Context, sessionID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE active_sessions
		SET is_active = FALSE, last_activity = NOW()
		WHERE session_id = $1
	`, sessionID)
	return err
}

func (r *PostgresStore) GetActiveSessions(ctx context.Context, userID string) ([]models.ActiveSession, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, session_id, device_info, last_activity, ip_address, is_active
		FROM active_sessions
		WHERE is_active AND ($1 = '' OR user_id = $1)
		ORDER BY last_activity DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query active sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.ActiveSession
	for rows.Next() {
		var (
			s      models.ActiveSession
			id     uuid.UUID
			device []byte
		)
		if err := rows.Scan(&id, &s.UserID, &s.SessionID, &device, &s.LastActivity, &s.IPAddress, &s.IsActive); err != nil {
			return nil, err
		}
		s.ID = id.String()
		s.DeviceInfo = unmarshalJSONMap(device)
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// SaveConsultantSubscription supersedes every active subscription of the
// consultant with the new one.
func (r *PostgresStore) SaveConsultantSubscription(ctx context.Context, sub *models.ConsultantSubscription) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin subscription tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE consultant_subscriptions SET is_active = FALSE
		WHERE consultant_id = $1 AND is_active
	`, sub.ConsultantID); err != nil {
		return fmt.Errorf("supersede subscriptions: %w", err)
	}

	var id uuid.UUID
	err = tx.QueryRow(ctx, `
		INSERT INTO consultant_subscriptions (consultant_id, event_types, is_active)
		VALUES ($1, $2, TRUE)
		RETURNING id, created_at
	`, sub.ConsultantID, eventTypesToStrings(sub.EventTypes)).Scan(&id, &sub.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	sub.ID = id.String()
	sub.IsActive = true

	return tx.Commit(ctx)
}

func (r *PostgresStore) DeactivateConsultantSubscriptions(ctx context.Context, consultantID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE consultant_subscriptions SET is_active = FALSE
		WHERE consultant_id = $1 AND is_active
	`, consultantID)
	return err
}

func (r *PostgresStore) GetConsultantSubscriptions(ctx context.Context, consultantID string) ([]models.ConsultantSubscription, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, consultant_id, event_types, is_active, created_at
		FROM consultant_subscriptions
		WHERE consultant_id = $1 AND is_active
		ORDER BY created_at DESC
	`, consultantID)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []models.ConsultantSubscription
	for rows.Next() {
		var (
			sub   models.ConsultantSubscription
			id    uuid.UUID
			types []string
		)
		if err := rows.Scan(&id, &sub.ConsultantID, &types, &sub.IsActive, &sub.CreatedAt); err != nil {
			return nil, err
		}
		sub.ID = id.String()
		sub.EventTypes = stringsToEventTypes(types)
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (r *PostgresStore) GetRecentEvents(ctx context.Context, limit int, userID string) ([]models.Event, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, event_type, data, session_id, metadata, created_at
		FROM reader_events
		WHERE ($2 = '' OR user_id = $2)
		ORDER BY created_at DESC
		LIMIT $1
	`, NormalizeLimit(limit), userID)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	defer rows.Close()

	return collectEvents(rows)
}

func collectEvents(rows pgx.Rows) ([]models.Event, error) {
	var events []models.Event
	for rows.Next() {
		var (
			e              models.Event
			id             uuid.UUID
			eventType      string
			data, metadata []byte
		)
		if err := rows.Scan(&id, &e.UserID, &eventType, &data, &e.SessionID, &metadata, &e.Timestamp); err != nil {
			return nil, err
		}
		e.ID = id.String()
		e.EventType = models.EventType(eventType)
		e.Data = unmarshalJSONMap(data)
		e.Metadata = unmarshalJSONMap(metadata)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (r *PostgresStore) GetOnlineUsers(ctx context.Context) ([]models.OnlineUser, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT user_id, last_activity FROM online_users ORDER BY last_activity DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query online users: %w", err)
	}
	defer rows.Close()

	var users []models.OnlineUser
	for rows.Next() {
		var u models.OnlineUser
		if err := rows.Scan(&u.UserID, &u.LastActivity); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (r *PostgresStore) GetDashboardStats(ctx context.Context) (*models.DashboardStats, error) {
	stats := &models.DashboardStats{
		EventsByType: make(map[models.EventType]int64),
		GeneratedAt:  time.Now().UTC(),
	}

	err := r.pool.QueryRow(ctx, `
		SELECT active_readers, active_sessions, events_last_hour, events_today,
			help_requests_today, feedback_today
		FROM dashboard_stats
	`).Scan(
		&stats.ActiveReaders, &stats.ActiveSessions, &stats.EventsLastHour, &stats.EventsToday,
		&stats.HelpRequestsToday, &stats.FeedbackToday,
	)
	if err != nil {
		return nil, fmt.Errorf("query dashboard stats: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT event_type, COUNT(*) FROM reader_events
		WHERE created_at >= $1
		GROUP BY event_type
	`, startOfDay(stats.GeneratedAt))
	if err != nil {
		return nil, fmt.Errorf("query events by type: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			eventType string
			count     int64
		)
		if err := rows.Scan(&eventType, &count); err != nil {
			return nil, err
		}
		stats.EventsByType[models.EventType(eventType)] = count
	}
	return stats, rows.Err()
}

func (r *PostgresStore) CleanupOldSessions(ctx context.Context) {
	var closed int
	if err := r.pool.QueryRow(ctx, "SELECT cleanup_old_sessions()").Scan(&closed); err != nil {
		r.logger.Warn("session cleanup failed", zap.Error(err))
		return
	}
	r.logger.Info("session cleanup finished", zap.Int("closed", closed))
}

func (r *PostgresStore) DeleteEventsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, "DELETE FROM reader_events WHERE created_at < $1", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete old events: %w", err)
	}
	return tag.RowsAffected(), nil
}

func marshalJSONMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func unmarshalJSONMap(raw []byte) map[string]any {
	out := map[string]any{}
	if len(raw) == 0 {
		return out
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}
