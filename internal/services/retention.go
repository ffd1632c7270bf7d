package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"alice-realtime/internal/cache"
	"alice-realtime/internal/models"
	"alice-realtime/internal/repository"
)

const (
	// retentionRunTimeout bounds one cleanup pass.
	retentionRunTimeout = 2 * time.Minute
	// presenceGrace protects users who connected after the active-session
	// read from being reconciled away.
	presenceGrace = 2 * time.Minute
)

// SessionKeeper refreshes the sessions of connections held by this process
// so CleanupOldSessions does not close them.
type SessionKeeper interface {
	TouchSessions(ctx context.Context) int
}

// RetentionScheduler closes idle sessions and deletes events older than the
// retention window on a fixed interval.
type RetentionScheduler struct {
	store     repository.Store
	interval  time.Duration
	retention time.Duration
	logger    *zap.Logger
	cache     cache.Cache
	keeper    SessionKeeper
	stopChan  chan struct{}
	doneChan  chan struct{}
}

func NewRetentionScheduler(store repository.Store, interval, retention time.Duration, logger *zap.Logger) *RetentionScheduler {
	return &RetentionScheduler{
		store:     store,
		interval:  interval,
		retention: retention,
		logger:    logger,
		stopChan:  make(chan struct{}),
		doneChan:  make(chan struct{}),
	}
}

// WithPresence makes each pass refresh live sessions through keeper and
// drop online-set members of c that have no active session left.
func (s *RetentionScheduler) WithPresence(c cache.Cache, keeper SessionKeeper) *RetentionScheduler {
	s.cache = c
	s.keeper = keeper
	return s
}

func (s *RetentionScheduler) Start() {
	if s.store == nil || s.interval <= 0 {
		close(s.doneChan)
		return
	}

	go s.loop()

	s.logger.Info("retention scheduler started",
		zap.Duration("interval", s.interval),
		zap.Duration("event_retention", s.retention))
}

// Stop ends the loop and waits for an in-flight pass to finish.
func (s *RetentionScheduler) Stop() {
	select {
	case <-s.stopChan:
	default:
		close(s.stopChan)
	}
	<-s.doneChan
}

func (s *RetentionScheduler) loop() {
	defer close(s.doneChan)

	// Run on startup as well as by interval.
	s.runWithTimeout(time.Now().UTC())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.runWithTimeout(time.Now().UTC())
		}
	}
}

func (s *RetentionScheduler) runWithTimeout(now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), retentionRunTimeout)
	defer cancel()
	s.RunOnce(ctx, now)
}

// RunOnce performs a single cleanup pass and returns the number of events
// deleted.
func (s *RetentionScheduler) RunOnce(ctx context.Context, now time.Time) int64 {
	if s.keeper != nil {
		touched := s.keeper.TouchSessions(ctx)
		s.logger.Debug("retention: refreshed live sessions", zap.Int("count", touched))
	}

	s.store.CleanupOldSessions(ctx)

	if s.cache != nil {
		s.ReconcilePresence(ctx)
	}

	if s.retention <= 0 {
		return 0
	}

	cutoff := now.Add(-s.retention)
	deleted, err := s.store.DeleteEventsOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("retention: failed to delete old events", zap.Time("cutoff", cutoff), zap.Error(err))
		return 0
	}
	if deleted > 0 {
		s.logger.Info("retention: deleted old events", zap.Int64("count", deleted), zap.Time("cutoff", cutoff))
	}
	return deleted
}

// ReconcilePresence removes users from the cache's online sets when the
// store holds no active session for them, which clears presence left behind
// by an instance that exited without disconnecting its clients.
func (s *RetentionScheduler) ReconcilePresence(ctx context.Context) int {
	sessions, err := s.store.GetActiveSessions(ctx, "")
	if err != nil {
		s.logger.Error("presence reconcile: failed to load active sessions", zap.Error(err))
		return 0
	}

	seen := make(map[string]struct{}, len(sessions))
	keep := make([]string, 0, len(sessions))
	for _, sess := range sessions {
		if _, dup := seen[sess.UserID]; dup {
			continue
		}
		seen[sess.UserID] = struct{}{}
		keep = append(keep, sess.UserID)
	}

	total := 0
	for _, role := range []models.Role{models.RoleReader, models.RoleConsultant} {
		removed, err := s.cache.ReconcileOnline(ctx, role, keep, presenceGrace)
		if err != nil {
			s.logger.Warn("presence reconcile failed", zap.String("role", string(role)), zap.Error(err))
			continue
		}
		total += removed
	}
	if total > 0 {
		s.logger.Info("presence reconcile: removed stale online users", zap.Int("count", total))
	}
	return total
}
