package queue

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"alice-realtime/internal/metrics"
	"alice-realtime/internal/models"
)

// Handler consumes drained events. Only one call is in flight at a time.
type Handler interface {
	BroadcastEvent(ctx context.Context, e *models.Event)
}

type Stats struct {
	Size      int    `json:"size"`
	Capacity  int    `json:"capacity"`
	Enqueued  uint64 `json:"enqueued"`
	Dropped   uint64 `json:"dropped"`
	Processed uint64 `json:"processed"`
	Closed    bool   `json:"closed"`
}

// Queue is a bounded FIFO with a drop-oldest overflow policy and a single
// serial consumer. Producers never block.
type Queue struct {
	mu       sync.Mutex
	buf      []*models.Event
	head     int
	size     int
	closed   bool
	notify   chan struct{}
	drained  chan struct{}
	handler  Handler
	logger   *zap.Logger
	enqueued uint64
	dropped  uint64
	handled  uint64
}

func New(capacity int, handler Handler, logger *zap.Logger) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		buf:     make([]*models.Event, capacity),
		notify:  make(chan struct{}, 1),
		drained: make(chan struct{}),
		handler: handler,
		logger:  logger,
	}
}

// Enqueue appends e. When the buffer is full the oldest buffered event is
// discarded. It returns false once Shutdown has been called.
func (q *Queue) Enqueue(e *models.Event) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}

	capacity := len(q.buf)
	if q.size == capacity {
		oldest := q.buf[q.head]
		q.buf[q.head] = nil
		q.head = (q.head + 1) % capacity
		q.size--
		q.dropped++
		metrics.EventsDropped.Inc()
		q.logger.Warn("event queue full, dropping oldest event",
			zap.String("event_id", oldest.ID),
			zap.String("event_type", string(oldest.EventType)),
			zap.String("user_id", oldest.UserID),
			zap.Int("capacity", capacity))
	}

	q.buf[(q.head+q.size)%capacity] = e
	q.size++
	q.enqueued++
	metrics.EventsEnqueued.Inc()
	metrics.QueueDepth.Set(float64(q.size))
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

func (q *Queue) pop() (*models.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		return nil, false
	}
	e := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	metrics.QueueDepth.Set(float64(q.size))
	return e, true
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Run drains the queue until ctx is cancelled or Shutdown has been called
// and the buffer is empty. It must be called exactly once.
func (q *Queue) Run(ctx context.Context) {
	defer close(q.drained)

	for {
		for {
			e, ok := q.pop()
			if !ok {
				break
			}
			q.dispatch(ctx, e)
		}

		if q.isClosed() {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-q.notify:
		}
	}
}

func (q *Queue) dispatch(ctx context.Context, e *models.Event) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("event handler panicked",
				zap.Any("panic", r),
				zap.String("event_id", e.ID),
				zap.String("event_type", string(e.EventType)),
				zap.String("user_id", e.UserID))
		}
	}()

	q.handler.BroadcastEvent(ctx, e)

	q.mu.Lock()
	q.handled++
	q.mu.Unlock()
}

// Shutdown stops accepting events and waits for the consumer to drain the
// buffer, or for ctx to expire.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}

	select {
	case <-q.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Size:      q.size,
		Capacity:  len(q.buf),
		Enqueued:  q.enqueued,
		Dropped:   q.dropped,
		Processed: q.handled,
		Closed:    q.closed,
	}
}
