// Package interaction buffers UI-originated events until the next agent turn consumes them.
package interaction

import (
	"container/list"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/agent-relay/internal/domain"
	"github.com/ashureev/agent-relay/internal/telemetry"
	"github.com/google/uuid"
)

const (
	// DefaultCapacity is the per-session queue bound.
	DefaultCapacity = 100
	// DefaultTTL is how long an interaction stays deliverable.
	DefaultTTL = 5 * time.Minute
)

// Options configures a Queue.
type Options struct {
	Capacity int
	TTL      time.Duration
	Metrics  *telemetry.Metrics
	Logger   *slog.Logger
}

// Queue holds one bounded FIFO per session so a noisy session can only evict
// its own entries. Each entry is handed out at most once.
type Queue struct {
	mu       sync.Mutex
	queues   map[string]*list.List // sessionID -> *domain.QueuedInteraction
	capacity int
	ttl      time.Duration
	metrics  *telemetry.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewQueue creates an empty queue.
func NewQueue(opts Options) *Queue {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Queue{
		queues:   make(map[string]*list.List),
		capacity: opts.Capacity,
		ttl:      opts.TTL,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		now:      time.Now,
	}
}

// QueueInteraction appends a timestamped interaction to the session's queue,
// evicting that session's oldest entry when the queue is full.
func (q *Queue) QueueInteraction(sessionID, componentID, interactionType string, data json.RawMessage, target string) domain.QueuedInteraction {
	item := domain.QueuedInteraction{
		ID:              uuid.NewString(),
		SessionID:       sessionID,
		ComponentID:     componentID,
		InteractionType: interactionType,
		Data:            data,
		Target:          target,
	}

	q.mu.Lock()
	item.CreatedAt = q.now()
	l, ok := q.queues[sessionID]
	if !ok {
		l = list.New()
		q.queues[sessionID] = l
	}
	l.PushBack(&item)
	evicted := 0
	for l.Len() > q.capacity {
		l.Remove(l.Front())
		evicted++
	}
	q.mu.Unlock()

	ctx := context.Background()
	q.metrics.InteractionQueued(ctx)
	if evicted > 0 {
		q.metrics.InteractionsDiscarded(ctx, evicted, "evicted")
		q.logger.Warn("Interaction queue full, evicted oldest", "session_id", sessionID, "evicted", evicted)
	}
	return item
}

// GetInteractions drains and returns the live interactions of sessionID in
// arrival order. Expired entries of every session are discarded on the way;
// other sessions' live entries are left in place.
func (q *Queue) GetInteractions(sessionID string) []domain.QueuedInteraction {
	q.mu.Lock()
	expired := q.pruneLocked()
	var out []domain.QueuedInteraction
	if l, ok := q.queues[sessionID]; ok {
		out = collect(l)
		delete(q.queues, sessionID)
	}
	q.mu.Unlock()

	q.metrics.InteractionsDiscarded(context.Background(), expired, "expired")
	return out
}

// PeekInteractions returns the live interactions of sessionID without consuming them.
func (q *Queue) PeekInteractions(sessionID string) []domain.QueuedInteraction {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.queues[sessionID]
	if !ok {
		return nil
	}
	cutoff := q.now().Add(-q.ttl)
	var out []domain.QueuedInteraction
	for e := l.Front(); e != nil; e = e.Next() {
		item := e.Value.(*domain.QueuedInteraction)
		if item.CreatedAt.After(cutoff) {
			out = append(out, *item)
		}
	}
	return out
}

// Prune discards expired entries in every session and returns how many were dropped.
func (q *Queue) Prune() int {
	q.mu.Lock()
	n := q.pruneLocked()
	q.mu.Unlock()

	q.metrics.InteractionsDiscarded(context.Background(), n, "expired")
	return n
}

// Clear drops every entry of a session, live or not.
func (q *Queue) Clear(sessionID string) int {
	q.mu.Lock()
	n := 0
	if l, ok := q.queues[sessionID]; ok {
		n = l.Len()
		delete(q.queues, sessionID)
	}
	q.mu.Unlock()

	q.metrics.InteractionsDiscarded(context.Background(), n, "cleared")
	return n
}

// Len returns the number of queued entries across all sessions, expired included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, l := range q.queues {
		n += l.Len()
	}
	return n
}

// pruneLocked removes entries older than the TTL. Entries are in arrival
// order, so each list is trimmed from the front.
func (q *Queue) pruneLocked() int {
	cutoff := q.now().Add(-q.ttl)
	removed := 0
	for sessionID, l := range q.queues {
		for e := l.Front(); e != nil; {
			item := e.Value.(*domain.QueuedInteraction)
			if item.CreatedAt.After(cutoff) {
				break
			}
			next := e.Next()
			l.Remove(e)
			removed++
			e = next
		}
		if l.Len() == 0 {
			delete(q.queues, sessionID)
		}
	}
	return removed
}

func collect(l *list.List) []domain.QueuedInteraction {
	out := make([]domain.QueuedInteraction, 0, l.Len())
	for e := l.Front(); e != nil; e = e.Next() {
		out = append(out, *e.Value.(*domain.QueuedInteraction))
	}
	return out
}
