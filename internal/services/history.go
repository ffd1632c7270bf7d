package services

import (
	"context"

	"go.uber.org/zap"

	"alice-realtime/internal/cache"
	"alice-realtime/internal/models"
	"alice-realtime/internal/repository"
)

// HistoryService serves recent activity from the cache, falling back to the
// durable store.
type HistoryService struct {
	cache  cache.Cache
	store  repository.Store
	logger *zap.Logger
}

func NewHistoryService(c cache.Cache, store repository.Store, logger *zap.Logger) *HistoryService {
	return &HistoryService{cache: c, store: store, logger: logger}
}

// RecentEvents returns up to limit events, newest first. The store is
// consulted when the cache errors or holds fewer events than requested. It
// never fails; an empty slice means neither source answered.
func (h *HistoryService) RecentEvents(ctx context.Context, limit int, userID string) []models.Event {
	limit = repository.NormalizeLimit(limit)

	cached, err := h.cache.GetRecentEvents(ctx, limit, userID)
	if err != nil {
		h.logger.Warn("failed to read recent events from cache", zap.String("user_id", userID), zap.Error(err))
	} else if len(cached) >= limit {
		return cached
	}

	stored, err := h.store.GetRecentEvents(ctx, limit, userID)
	if err != nil {
		h.logger.Error("failed to read recent events from store", zap.String("user_id", userID), zap.Error(err))
		if cached == nil {
			return []models.Event{}
		}
		return cached
	}
	if stored == nil {
		return []models.Event{}
	}
	return stored
}
