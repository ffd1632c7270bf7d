package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"alice-realtime/internal/cache"
	"alice-realtime/internal/database"
	"alice-realtime/internal/models"
	"alice-realtime/internal/queue"
	"alice-realtime/internal/repository"
	"alice-realtime/internal/services"
	"alice-realtime/internal/websocket"
)

type stubQueue struct{ stats queue.Stats }

func (s stubQueue) Stats() queue.Stats { return s.stats }

type stubBroadcaster struct{ stats websocket.BroadcasterStats }

func (s stubBroadcaster) Stats() websocket.BroadcasterStats { return s.stats }

func newDashboardHandler(t *testing.T) (*DashboardHandler, *repository.GormStore) {
	t.Helper()
	db, err := database.OpenSQLite(":memory:", nil)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	store, err := repository.NewGormStore(db, zap.NewNop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	history := services.NewHistoryService(cache.NewMemoryCache(), store, zap.NewNop())
	return NewDashboardHandler(store, history, zap.NewNop()), store
}

// ─── System Handler Tests ───

func TestSystemHandler_Health(t *testing.T) {
	h := NewSystemHandler(stubQueue{}, stubBroadcaster{})

	rr := httptest.NewRecorder()
	h.Health(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	if rr.Header().Get("Content-Type") != "application/json" {
		t.Errorf("Expected Content-Type 'application/json', got %q", rr.Header().Get("Content-Type"))
	}

	var body healthResponse
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("Expected status 'ok', got %q", body.Status)
	}
	if body.Timestamp.IsZero() {
		t.Error("Expected a timestamp")
	}
}

func TestSystemHandler_Stats(t *testing.T) {
	h := NewSystemHandler(
		stubQueue{stats: queue.Stats{Size: 3, Capacity: 1000, Dropped: 1}},
		stubBroadcaster{stats: websocket.BroadcasterStats{Connections: 2, Rooms: map[string]int{"consultants": 1}}},
	)

	rr := httptest.NewRecorder()
	h.Stats(rr, httptest.NewRequest(http.MethodGet, "/stats", nil))

	raw := rr.Body.Bytes()

	var stats statsResponse
	if err := json.Unmarshal(raw, &stats); err != nil {
		t.Fatalf("Failed to decode stats: %v", err)
	}
	if stats.Uptime < 0 {
		t.Errorf("Expected non-negative uptime, got %f", stats.Uptime)
	}
	if stats.Queue.Capacity != 1000 || stats.Queue.Dropped != 1 {
		t.Errorf("Unexpected queue stats: %+v", stats.Queue)
	}
	if stats.Broadcaster.Connections != 2 {
		t.Errorf("Expected 2 connections, got %d", stats.Broadcaster.Connections)
	}
	if stats.Broadcaster.Rooms["consultants"] != 1 {
		t.Errorf("Expected consultants room with 1 member, got %v", stats.Broadcaster.Rooms)
	}
}

// ─── Dashboard Handler Tests ───

func TestDashboardHandler_RecentEvents(t *testing.T) {
	h, store := newDashboardHandler(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, et := range []models.EventType{models.EventLogin, models.EventDefinitionLookup} {
		err := store.StoreEvent(ctx, &models.Event{
			ID:        uuid.NewString(),
			UserID:    "u1",
			EventType: et,
			Data:      map[string]any{"term": "whiting"},
			Timestamp: now.Add(time.Duration(i) * time.Second),
			SessionID: "s1",
		})
		if err != nil {
			t.Fatalf("store event: %v", err)
		}
	}

	rr := httptest.NewRecorder()
	h.RecentEvents(rr, httptest.NewRequest(http.MethodGet, "/api/v1/events/recent?limit=5&user_id=u1", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}

	var body models.RecentEvents
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(body.Events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(body.Events))
	}
	if body.Events[0].Description != `Looked up definition of "whiting"` {
		t.Errorf("Unexpected description %q", body.Events[0].Description)
	}
}

func TestDashboardHandler_RecentEvents_InvalidLimit(t *testing.T) {
	h, _ := newDashboardHandler(t)

	for _, limit := range []string{"abc", "0", "-3"} {
		t.Run(limit, func(t *testing.T) {
			rr := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/api/v1/events/recent?limit="+limit, nil)
			req.Header.Set("X-Request-ID", "req-1")
			h.RecentEvents(rr, req)

			if rr.Code != http.StatusBadRequest {
				t.Fatalf("Expected status 400, got %d", rr.Code)
			}

			var body models.ErrorResponse
			if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if body.Error.Code != "VALIDATION_ERROR" {
				t.Errorf("Expected VALIDATION_ERROR, got %q", body.Error.Code)
			}
			if body.Error.RequestID != "req-1" {
				t.Errorf("Expected request id to be echoed, got %q", body.Error.RequestID)
			}
			if body.Error.Fields["limit"] == "" {
				t.Error("Expected a field error for limit")
			}
		})
	}
}

func TestDashboardHandler_SessionsAndStats(t *testing.T) {
	h, store := newDashboardHandler(t)
	ctx := context.Background()

	err := store.UpdateActiveSession(ctx, &models.ActiveSession{
		UserID: "u1", SessionID: "s1", IsActive: true, LastActivity: time.Now().UTC(), IPAddress: "10.1.1.1",
	})
	if err != nil {
		t.Fatalf("update session: %v", err)
	}

	rr := httptest.NewRecorder()
	h.Sessions(rr, httptest.NewRequest(http.MethodGet, "/api/v1/sessions?user_id=u1", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}

	var sessions struct {
		Sessions []models.ActiveSession `json:"sessions"`
		Count    int                    `json:"count"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&sessions); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if sessions.Count != 1 || sessions.Sessions[0].IPAddress != "10.1.1.1" {
		t.Errorf("Unexpected sessions payload: %+v", sessions)
	}

	rr = httptest.NewRecorder()
	h.Stats(rr, httptest.NewRequest(http.MethodGet, "/api/v1/dashboard/stats", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}

	var stats models.DashboardStats
	if err := json.NewDecoder(rr.Body).Decode(&stats); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if stats.ActiveReaders != 1 {
		t.Errorf("Expected 1 active reader, got %d", stats.ActiveReaders)
	}
}
