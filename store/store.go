// Package store implements the bounded content store: a key to snapshot
// cache with FIFO-by-insertion eviction under dual size/count budgets,
// pinning, TTL expiry and an optional durable mirror.
package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/navwarm/navwarm/persist"
)

// Validators are the freshness indicators captured with a snapshot. They
// decide whether a later retrieval actually changed the content.
type Validators struct {
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"lastModified,omitempty"`
}

// IsZero reports whether no validator is set.
func (v Validators) IsZero() bool {
	return v.ETag == "" && v.LastModified == ""
}

// Entry is one cached page snapshot. The payload is owned by the store
// and must not be modified by callers.
type Entry struct {
	Key        string
	Payload    []byte
	Validators Validators
	SizeBytes  int64
	InsertedAt time.Time
	// RefreshedAt is when the content was last confirmed current: the
	// insertion time, or later if a revalidation confirmed the entry
	// unchanged. Expiry is measured from it; eviction order is not.
	RefreshedAt time.Time
	Pinned      bool

	// stale marks an expired entry that is kept for revalidation until
	// the next sweep.
	stale bool
	seq   uint64
}

// Options configures a Store.
type Options struct {
	// MaxSizeBytes bounds the aggregate payload size. Required.
	MaxSizeBytes int64
	// MaxEntries bounds the entry count. Required.
	MaxEntries int
	// TTL is the wall-clock lifetime of an entry, measured from the
	// last refresh. Zero disables expiry.
	TTL time.Duration
	// Pinned keys are exempt from eviction and expiry (always-warm
	// pages). Keys not yet present are pinned as soon as they appear.
	Pinned []string
	// Mirror is the optional durable mirror for the store contents.
	// Mirror failures never fail a store operation.
	Mirror persist.DurableStore
	// OnEvent receives cache lifecycle events. It is called outside the
	// store lock and may call back into the store.
	OnEvent func(Event)
}

// Stats is a point-in-time summary of the store.
type Stats struct {
	Entries      int    `json:"entries"`
	SizeBytes    int64  `json:"sizeBytes"`
	MaxEntries   int    `json:"maxEntries"`
	MaxSizeBytes int64  `json:"maxSizeBytes"`
	Hits         uint64 `json:"hits"`
	Misses       uint64 `json:"misses"`
	Evictions    uint64 `json:"evictions"`
	Expirations  uint64 `json:"expirations"`
}

// Store is the bounded content store. One instance is owned by one
// orchestrator for the lifetime of a page session.
//
// All methods are safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	entries map[string]*Entry
	size    int64
	seq     uint64
	pinned  map[string]struct{}

	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64

	maxSizeBytes int64
	maxEntries   int
	ttl          time.Duration
	mirror       persist.DurableStore
	writer       *persist.Writer
	onEvent      func(Event)

	now func() time.Time
}

// New creates a Store. It fails fast on invalid budgets. If a mirror is
// configured, previously persisted state is restored; unreadable state is
// discarded and the store starts empty.
func New(opts Options) (*Store, error) {
	if opts.MaxEntries <= 0 {
		return nil, fmt.Errorf("store: maxEntries must be positive, got %d", opts.MaxEntries)
	}
	if opts.MaxSizeBytes <= 0 {
		return nil, fmt.Errorf("store: maxSizeBytes must be positive, got %d", opts.MaxSizeBytes)
	}
	s := &Store{
		entries:      make(map[string]*Entry),
		pinned:       make(map[string]struct{}),
		maxSizeBytes: opts.MaxSizeBytes,
		maxEntries:   opts.MaxEntries,
		ttl:          opts.TTL,
		mirror:       opts.Mirror,
		onEvent:      opts.OnEvent,
		now:          time.Now,
	}
	for _, key := range opts.Pinned {
		s.pinned[key] = struct{}{}
	}
	if s.mirror != nil {
		s.writer = persist.NewWriter(s.mirror, snapshotName)
		s.restore()
	}
	return s, nil
}

// Get returns the fresh entry for the given key. It records a hit or
// miss; an expired entry misses and is marked stale, kept until the next
// sweep so a revalidation can rescue it. Eviction order is never altered.
func (s *Store) Get(key string) (Entry, bool) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if ok && s.expiredLocked(e) {
		expired := s.markStaleLocked(e)
		s.misses++
		s.mu.Unlock()
		if expired {
			s.emit(Expired{Key: key})
		}
		s.emit(Miss{Key: key})
		return Entry{}, false
	}
	if !ok {
		s.misses++
		s.mu.Unlock()
		s.emit(Miss{Key: key})
		return Entry{}, false
	}
	s.hits++
	entry := *e
	s.mu.Unlock()
	s.emit(Hit{Key: key})
	return entry, true
}

// Contains reports whether a fresh entry exists for the key. Unlike Get
// it records no hit or miss; the scheduler uses it for deduplication.
func (s *Store) Contains(key string) bool {
	s.mu.Lock()
	e, ok := s.entries[key]
	if ok && s.expiredLocked(e) {
		expired := s.markStaleLocked(e)
		s.mu.Unlock()
		if expired {
			s.emit(Expired{Key: key})
		}
		return false
	}
	s.mu.Unlock()
	return ok
}

// Peek returns the entry for the given key regardless of freshness,
// without recording a hit or a miss. The retriever uses it to pick up
// validators for conditional requests against stale content.
func (s *Store) Peek(key string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// markStaleLocked marks an expired entry stale. It reports whether the
// entry was freshly marked, so the expiration is counted and announced
// only once.
func (s *Store) markStaleLocked(e *Entry) bool {
	if e.stale {
		return false
	}
	e.stale = true
	s.expirations++
	return true
}

// Put stores a snapshot under the given key. If an existing entry carries
// identical non-empty validators, the content has not changed and the
// write is skipped: Put returns false, the entry keeps its eviction
// position and its freshness is renewed (a revalidation confirmed it
// current). Two empty validator sets never compare equal, since a
// validator-less page carries no proof it is unchanged. Otherwise the
// entry is created or replaced, budgets are enforced and Put returns
// true.
func (s *Store) Put(key string, payload []byte, v Validators) bool {
	s.mu.Lock()
	if existing, ok := s.entries[key]; ok && existing.Validators == v && !v.IsZero() {
		existing.RefreshedAt = s.now()
		existing.stale = false
		s.mu.Unlock()
		s.saveMirror()
		return false
	}
	events := s.putLocked(key, payload, v)
	s.mu.Unlock()
	for _, evt := range events {
		s.emit(evt)
	}
	s.saveMirror()
	return true
}

func (s *Store) putLocked(key string, payload []byte, v Validators) []Event {
	if existing, ok := s.entries[key]; ok {
		s.size -= existing.SizeBytes
	}
	s.seq++
	_, pin := s.pinned[key]
	now := s.now()
	e := &Entry{
		Key:         key,
		Payload:     payload,
		Validators:  v,
		SizeBytes:   int64(len(payload)),
		InsertedAt:  now,
		RefreshedAt: now,
		Pinned:      pin,
		seq:         s.seq,
	}
	s.entries[key] = e
	s.size += e.SizeBytes
	events := []Event{Stored{Key: key}}
	return append(events, s.evictLocked()...)
}

// evictLocked enforces the size and count budgets: while over budget it
// removes the non-pinned entry with the smallest insertion time (ties by
// insertion order). If only pinned entries remain, the overflow is
// tolerated.
func (s *Store) evictLocked() []Event {
	var events []Event
	for s.size > s.maxSizeBytes || len(s.entries) > s.maxEntries {
		var oldest *Entry
		for _, e := range s.entries {
			if e.Pinned {
				continue
			}
			if oldest == nil || e.InsertedAt.Before(oldest.InsertedAt) ||
				(e.InsertedAt.Equal(oldest.InsertedAt) && e.seq < oldest.seq) {
				oldest = e
			}
		}
		if oldest == nil {
			log.Debug().Int64("size", s.size).Int("entries", len(s.entries)).
				Msg("Over budget but all entries pinned")
			events = append(events, EvictionStalled{SizeBytes: s.size, Entries: len(s.entries)})
			break
		}
		reason := EvictCount
		if s.size > s.maxSizeBytes {
			reason = EvictSize
		}
		s.removeLocked(oldest)
		s.evictions++
		events = append(events, Evicted{Key: oldest.Key, Reason: reason})
	}
	return events
}

func (s *Store) removeLocked(e *Entry) {
	delete(s.entries, e.Key)
	s.size -= e.SizeBytes
}

func (s *Store) expiredLocked(e *Entry) bool {
	if s.ttl == 0 || e.Pinned {
		return false
	}
	return s.now().Sub(e.RefreshedAt) > s.ttl
}

// Delete removes the entry for the given key.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	e, ok := s.entries[key]
	if ok {
		s.removeLocked(e)
	}
	s.mu.Unlock()
	if ok {
		s.saveMirror()
	}
	return ok
}

// Clear removes all entries.
func (s *Store) Clear() {
	s.mu.Lock()
	s.entries = make(map[string]*Entry)
	s.size = 0
	s.mu.Unlock()
	s.saveMirror()
}

// Pin marks a key exempt from eviction and expiry. The pin applies to a
// later entry if none exists yet.
func (s *Store) Pin(key string) {
	s.mu.Lock()
	s.pinned[key] = struct{}{}
	if e, ok := s.entries[key]; ok {
		e.Pinned = true
	}
	s.mu.Unlock()
}

// Unpin removes the eviction exemption for a key.
func (s *Store) Unpin(key string) {
	s.mu.Lock()
	delete(s.pinned, key)
	var events []Event
	if e, ok := s.entries[key]; ok {
		e.Pinned = false
		events = s.evictLocked()
	}
	s.mu.Unlock()
	for _, evt := range events {
		s.emit(evt)
	}
	if len(events) > 0 {
		s.saveMirror()
	}
}

// Sweep removes every expired entry and returns the number removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	var expired []*Entry
	for _, e := range s.entries {
		if s.expiredLocked(e) {
			expired = append(expired, e)
		}
	}
	for _, e := range expired {
		s.removeLocked(e)
		if !e.stale {
			s.expirations++
		}
	}
	s.mu.Unlock()
	for _, e := range expired {
		// entries marked stale earlier were already announced
		if !e.stale {
			s.emit(Expired{Key: e.Key})
		}
	}
	if len(expired) > 0 {
		s.saveMirror()
	}
	return len(expired)
}

// Stats returns a point-in-time summary.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Entries:      len(s.entries),
		SizeBytes:    s.size,
		MaxEntries:   s.maxEntries,
		MaxSizeBytes: s.maxSizeBytes,
		Hits:         s.hits,
		Misses:       s.misses,
		Evictions:    s.evictions,
		Expirations:  s.expirations,
	}
}

func (s *Store) emit(evt Event) {
	if s.onEvent != nil {
		s.onEvent(evt)
	}
}
