package handlers

import (
	"net/http"
	"time"

	"alice-realtime/internal/queue"
	"alice-realtime/internal/websocket"
)

type QueueStatter interface {
	Stats() queue.Stats
}

type BroadcasterStatter interface {
	Stats() websocket.BroadcasterStats
}

// SystemHandler serves liveness and runtime statistics.
type SystemHandler struct {
	startedAt   time.Time
	queue       QueueStatter
	broadcaster BroadcasterStatter
	now         func() time.Time
}

func NewSystemHandler(q QueueStatter, b BroadcasterStatter) *SystemHandler {
	return &SystemHandler{startedAt: time.Now(), queue: q, broadcaster: b, now: time.Now}
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    float64   `json:"uptime"`
}

type statsResponse struct {
	Uptime      float64                    `json:"uptime"`
	Queue       queue.Stats                `json:"queue"`
	Broadcaster websocket.BroadcasterStats `json:"broadcaster"`
}

func (h *SystemHandler) uptime() float64 {
	return h.now().Sub(h.startedAt).Seconds()
}

func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Timestamp: h.now().UTC(),
		Uptime:    h.uptime(),
	})
}

func (h *SystemHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		Uptime:      h.uptime(),
		Queue:       h.queue.Stats(),
		Broadcaster: h.broadcaster.Stats(),
	})
}
