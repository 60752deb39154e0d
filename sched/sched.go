// Package sched implements the prefetch scheduler: a strict-priority,
// concurrency-limited task runner that fills the content store. At most
// one task per key is queued or active at any time, and cancellation is
// cooperative: a cancelled retrieval may still complete, but its result
// is never written to the store.
package sched

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/navwarm/navwarm/store"
)

// Priority is the scheduling tier of a prefetch task. Lower values run
// first; tasks within a tier run in FIFO order.
type Priority int

const (
	High Priority = iota
	Normal
	Low

	tiers = 3
)

func (p Priority) String() string {
	switch p {
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Snapshot is the result of one retrieval.
type Snapshot struct {
	Payload    []byte
	Validators store.Validators
}

// Retriever fetches page content. Implementations should honor context
// cancellation, but the scheduler tolerates ones that do not: a result
// that settles after cancellation is discarded.
type Retriever interface {
	Retrieve(ctx context.Context, key string) (Snapshot, error)
}

type task struct {
	id       string
	key      string
	priority Priority
	queuedAt time.Time
	cancel   context.CancelFunc
	// cancelled marks an active task whose result must be discarded.
	cancelled bool
}

// Stats is a point-in-time summary of the scheduler.
type Stats struct {
	QueueLength      int    `json:"queueLength"`
	ActiveCount      int    `json:"activeCount"`
	ConcurrencyLimit int    `json:"concurrencyLimit"`
	Enabled          bool   `json:"enabled"`
	Completed        uint64 `json:"completed"`
	Failed           uint64 `json:"failed"`
	Cancelled        uint64 `json:"cancelled"`
}

// Scheduler runs prefetch tasks against a Retriever and writes results
// into the content store.
//
// All methods are safe for concurrent use.
type Scheduler struct {
	mu      sync.Mutex
	queues  [tiers][]*task
	queued  map[string]*task
	active  map[string]*task
	limit   int
	enabled bool

	completed uint64
	failed    uint64
	cancelled uint64

	st        *store.Store
	retriever Retriever
}

// New creates a Scheduler with the given concurrency limit. It fails
// fast if the limit is not positive.
func New(st *store.Store, retriever Retriever, limit int) (*Scheduler, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("sched: concurrency limit must be positive, got %d", limit)
	}
	return &Scheduler{
		queued:    make(map[string]*task),
		active:    make(map[string]*task),
		limit:     limit,
		enabled:   true,
		st:        st,
		retriever: retriever,
	}, nil
}

// Enqueue inserts a prefetch task for the given key. It is a no-op
// returning false if the key is already cached, already queued or
// already active, or if the scheduler is disabled.
func (s *Scheduler) Enqueue(key string, p Priority) bool {
	if p < High || p > Low {
		p = Low
	}
	if s.st.Contains(key) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return false
	}
	if _, ok := s.queued[key]; ok {
		return false
	}
	if _, ok := s.active[key]; ok {
		return false
	}
	t := &task{
		id:       uuid.NewString(),
		key:      key,
		priority: p,
		queuedAt: time.Now(),
	}
	s.queues[p] = append(s.queues[p], t)
	s.queued[key] = t
	log.Trace().Str("task", t.id).Str("key", key).Stringer("priority", p).Msg("Prefetch queued")
	s.pumpLocked()
	return true
}

// pumpLocked admits queued tasks until the concurrency limit is reached,
// highest tier first, FIFO within a tier.
func (s *Scheduler) pumpLocked() {
	if !s.enabled {
		return
	}
	for len(s.active) < s.limit {
		t := s.popLocked()
		if t == nil {
			return
		}
		delete(s.queued, t.key)
		ctx, cancel := context.WithCancel(context.Background())
		t.cancel = cancel
		s.active[t.key] = t
		go s.run(t, ctx)
	}
}

func (s *Scheduler) popLocked() *task {
	for tier := range s.queues {
		if len(s.queues[tier]) > 0 {
			t := s.queues[tier][0]
			s.queues[tier] = s.queues[tier][1:]
			return t
		}
	}
	return nil
}

func (s *Scheduler) run(t *task, ctx context.Context) {
	defer t.cancel()
	snap, err := s.retriever.Retrieve(ctx, t.key)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, t.key)
	switch {
	case t.cancelled || ctx.Err() != nil:
		s.cancelled++
		log.Trace().Str("task", t.id).Str("key", t.key).Msg("Prefetch cancelled")
	case err != nil:
		// No automatic retry: a later navigation attempt will
		// naturally re-request the page.
		s.failed++
		log.Debug().Err(err).Str("task", t.id).Str("key", t.key).Msg("Prefetch failed")
	default:
		s.completed++
		stored := s.st.Put(t.key, snap.Payload, snap.Validators)
		log.Trace().Str("task", t.id).Str("key", t.key).Bool("stored", stored).Msg("Prefetch completed")
	}
	s.pumpLocked()
}

// Cancel removes a queued task or marks an active one for discard. It
// returns false if the key is neither queued nor active. Cancelling an
// active task never waits for the retrieval to stop; it only guarantees
// the result is not written to the store.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.queued[key]; ok {
		s.dropQueuedLocked(t)
		s.cancelled++
		log.Trace().Str("task", t.id).Str("key", key).Msg("Queued prefetch removed")
		return true
	}
	if t, ok := s.active[key]; ok {
		t.cancelled = true
		t.cancel()
		return true
	}
	return false
}

func (s *Scheduler) dropQueuedLocked(t *task) {
	delete(s.queued, t.key)
	queue := s.queues[t.priority]
	for i, qt := range queue {
		if qt == t {
			s.queues[t.priority] = append(queue[:i], queue[i+1:]...)
			return
		}
	}
}

// Pending reports whether a task for the key is queued or active.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queued[key]; ok {
		return true
	}
	_, ok := s.active[key]
	return ok
}

// ClearAll cancels every queued and active task.
func (s *Scheduler) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tier := range s.queues {
		s.cancelled += uint64(len(s.queues[tier]))
		s.queues[tier] = nil
	}
	s.queued = make(map[string]*task)
	for _, t := range s.active {
		t.cancelled = true
		t.cancel()
	}
}

// SetEnabled turns the scheduler on or off. While disabled, Enqueue is
// rejected and no queued task is admitted; active tasks still settle.
func (s *Scheduler) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
	if enabled {
		s.pumpLocked()
	}
}

// Stats returns a point-in-time summary.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	queueLength := 0
	for tier := range s.queues {
		queueLength += len(s.queues[tier])
	}
	return Stats{
		QueueLength:      queueLength,
		ActiveCount:      len(s.active),
		ConcurrencyLimit: s.limit,
		Enabled:          s.enabled,
		Completed:        s.completed,
		Failed:           s.failed,
		Cancelled:        s.cancelled,
	}
}
