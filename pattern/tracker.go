// Package pattern records observed navigation transitions and ranks
// likely next targets by a frequency and recency weighted score. The
// heuristic is deterministic and inspectable; there is no trained model.
package pattern

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/navwarm/navwarm/persist"
)

// Edge is one observed (from, to) navigation transition.
type Edge struct {
	From       string    `json:"from"`
	To         string    `json:"to"`
	Count      int       `json:"count"`
	LastSeenAt time.Time `json:"lastSeenAt"`

	seq uint64
}

// Prediction is one ranked candidate for the next navigation.
type Prediction struct {
	To    string  `json:"to"`
	Score float64 `json:"score"`
}

// Options configures a Tracker.
type Options struct {
	// HistoryCap bounds the edge set; the globally least-recently-seen
	// edges are trimmed when it is exceeded. Required.
	HistoryCap int
	// RecencyWindow is the span over which an edge's recency weight
	// decays from 1 to 0. Required.
	RecencyWindow time.Duration
	// AlwaysWarm keys are part of the top-level set even before any
	// transition involving them is observed.
	AlwaysWarm []string
	// Mirror is the optional durable mirror for the edge set. A failed
	// load yields an empty tracker, never an error.
	Mirror persist.DurableStore
}

// Tracker is the navigation pattern tracker. One instance is owned by
// one orchestrator per page session.
//
// All methods are safe for concurrent use.
type Tracker struct {
	mu         sync.Mutex
	edges      map[string]map[string]*Edge
	count      int
	seq        uint64
	historyCap int
	window     time.Duration
	alwaysWarm []string
	mirror     persist.DurableStore
	writer     *persist.Writer

	now func() time.Time
}

// New creates a Tracker and restores the persisted edge set if a mirror
// is configured. It fails fast on invalid options.
func New(opts Options) (*Tracker, error) {
	if opts.HistoryCap <= 0 {
		return nil, fmt.Errorf("pattern: historyCap must be positive, got %d", opts.HistoryCap)
	}
	if opts.RecencyWindow <= 0 {
		return nil, fmt.Errorf("pattern: recencyWindow must be positive, got %s", opts.RecencyWindow)
	}
	t := &Tracker{
		edges:      make(map[string]map[string]*Edge),
		historyCap: opts.HistoryCap,
		window:     opts.RecencyWindow,
		alwaysWarm: append([]string(nil), opts.AlwaysWarm...),
		mirror:     opts.Mirror,
		now:        time.Now,
	}
	if t.mirror != nil {
		t.writer = persist.NewWriter(t.mirror, snapshotName)
		t.restore()
	}
	return t, nil
}

// RecordTransition upserts the (from, to) edge, incrementing its count
// and refreshing its recency. If the edge set exceeds the history cap,
// the globally least-recently-seen edges are trimmed.
func (t *Tracker) RecordTransition(from, to string) {
	t.mu.Lock()
	tos, ok := t.edges[from]
	if !ok {
		tos = make(map[string]*Edge)
		t.edges[from] = tos
	}
	e, ok := tos[to]
	if !ok {
		t.seq++
		e = &Edge{From: from, To: to, seq: t.seq}
		tos[to] = e
		t.count++
	}
	e.Count++
	e.LastSeenAt = t.now()
	t.trimLocked()
	t.mu.Unlock()
	t.saveMirror()
}

func (t *Tracker) trimLocked() {
	for t.count > t.historyCap {
		var stale *Edge
		for _, tos := range t.edges {
			for _, e := range tos {
				if stale == nil || e.LastSeenAt.Before(stale.LastSeenAt) ||
					(e.LastSeenAt.Equal(stale.LastSeenAt) && e.seq < stale.seq) {
					stale = e
				}
			}
		}
		if stale == nil {
			return
		}
		t.removeLocked(stale)
		log.Trace().Str("from", stale.From).Str("to", stale.To).Msg("Trimmed navigation edge")
	}
}

func (t *Tracker) removeLocked(e *Edge) {
	delete(t.edges[e.From], e.To)
	if len(t.edges[e.From]) == 0 {
		delete(t.edges, e.From)
	}
	t.count--
}

// Predict ranks the observed successors of the given key. The score is
// count * (1 + recencyWeight) where the recency weight decays linearly
// from 1 to 0 over the recency window. Ties keep the order in which the
// edges were first observed. The list is empty if nothing was observed.
func (t *Tracker) Predict(from string) []Prediction {
	t.mu.Lock()
	defer t.mu.Unlock()
	tos := t.edges[from]
	if len(tos) == 0 {
		return nil
	}
	now := t.now()
	edges := make([]*Edge, 0, len(tos))
	for _, e := range tos {
		edges = append(edges, e)
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].seq < edges[j].seq })
	predictions := make([]Prediction, 0, len(edges))
	for _, e := range edges {
		predictions = append(predictions, Prediction{To: e.To, Score: t.score(e, now)})
	}
	sort.SliceStable(predictions, func(i, j int) bool {
		return predictions[i].Score > predictions[j].Score
	})
	return predictions
}

func (t *Tracker) score(e *Edge, now time.Time) float64 {
	age := now.Sub(e.LastSeenAt)
	recencyWeight := 1 - float64(age)/float64(t.window)
	if recencyWeight < 0 {
		recencyWeight = 0
	}
	return float64(e.Count) * (1 + recencyWeight)
}

// TopLevelSet returns every key ever observed as a transition endpoint,
// plus the configured always-warm keys, deduplicated. Always-warm keys
// come first; observed keys follow in first-observation order.
func (t *Tracker) TopLevelSet() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := make(map[string]struct{})
	keys := make([]string, 0, len(t.alwaysWarm)+t.count*2)
	add := func(key string) {
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	for _, key := range t.alwaysWarm {
		add(key)
	}
	edges := make([]*Edge, 0, t.count)
	for _, tos := range t.edges {
		for _, e := range tos {
			edges = append(edges, e)
		}
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].seq < edges[j].seq })
	for _, e := range edges {
		add(e.From)
		add(e.To)
	}
	return keys
}

// SetAlwaysWarm replaces the configured always-warm keys.
func (t *Tracker) SetAlwaysWarm(keys []string) {
	t.mu.Lock()
	t.alwaysWarm = append([]string(nil), keys...)
	t.mu.Unlock()
}

// Len returns the number of recorded edges.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Reset clears all recorded edges.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.edges = make(map[string]map[string]*Edge)
	t.count = 0
	t.mu.Unlock()
	t.saveMirror()
}
