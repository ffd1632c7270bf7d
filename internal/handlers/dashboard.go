package handlers

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"alice-realtime/internal/models"
	"alice-realtime/internal/repository"
	"alice-realtime/internal/services"
)

// DashboardHandler serves the consultant dashboard's REST reads.
type DashboardHandler struct {
	store   repository.Store
	history *services.HistoryService
	logger  *zap.Logger
}

func NewDashboardHandler(store repository.Store, history *services.HistoryService, logger *zap.Logger) *DashboardHandler {
	return &DashboardHandler{store: store, history: history, logger: logger}
}

func (h *DashboardHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.GetDashboardStats(r.Context())
	if err != nil {
		h.logger.Error("failed to load dashboard stats", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to load dashboard stats", r))
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

func (h *DashboardHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")

	sessions, err := h.store.GetActiveSessions(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to load active sessions", zap.String("user_id", userID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to load sessions", r))
		return
	}
	if sessions == nil {
		sessions = []models.ActiveSession{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (h *DashboardHandler) RecentEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, errorRespWithFields("VALIDATION_ERROR", "Validation failed",
				map[string]string{"limit": "must be a positive integer"}, r))
			return
		}
		limit = n
	}

	events := h.history.RecentEvents(r.Context(), limit, r.URL.Query().Get("user_id"))

	activities := make([]models.ReaderActivity, 0, len(events))
	for i := range events {
		activities = append(activities, models.NewReaderActivity(&events[i]))
	}
	writeJSON(w, http.StatusOK, models.RecentEvents{Events: activities})
}
