// Package navwarm is a caching and predictive-prefetch engine for
// conventional multi-page sites. It keeps a bounded store of page
// snapshots, schedules prefetches from intent signals and observed
// navigation patterns, and serves navigations from the cache with a
// direct retrieval fallback. The engine is a pure optimization layer:
// its total failure never prevents an uncached navigation.
package navwarm

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/navwarm/navwarm/pattern"
	"github.com/navwarm/navwarm/persist"
	"github.com/navwarm/navwarm/sched"
	"github.com/navwarm/navwarm/store"
)

// IntentKind says which signal produced an intent; each kind has its own
// configured delay before a prefetch is issued.
type IntentKind int

const (
	IntentHover IntentKind = iota
	IntentTouch
)

func (k IntentKind) String() string {
	if k == IntentTouch {
		return "touch"
	}
	return "hover"
}

// IntentSignal is an externally observed hint that the user may navigate
// to a target.
type IntentSignal struct {
	Key        string
	Kind       IntentKind
	Confidence float64
}

type pendingIntent struct {
	timer    *time.Timer
	enqueued bool
}

// Orchestrator composes the content store, the fetch scheduler and the
// navigation pattern tracker for one page session. It owns one instance
// of each; none are process-wide singletons.
type Orchestrator struct {
	cfg       Config
	st        *store.Store
	scheduler *sched.Scheduler
	tracker   *pattern.Tracker
	device    DeviceClassifier
	retriever sched.Retriever

	mu      sync.Mutex
	pending map[string]*pendingIntent

	done      chan struct{}
	closeOnce sync.Once
}

// New creates an Orchestrator from the given configuration and
// collaborators. The mirror may be nil to run without durable state.
// Misconfiguration fails fast; everything else is handled internally.
func New(cfg Config, retriever sched.Retriever, device DeviceClassifier, mirror persist.DurableStore) (*Orchestrator, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if device == nil {
		device = StaticDevice(false)
	}

	warm := make([]string, 0, len(cfg.AlwaysWarm))
	for _, key := range cfg.AlwaysWarm {
		warm = append(warm, NormalizeKey(key))
	}

	st, err := store.New(store.Options{
		MaxSizeBytes: cfg.MaxSizeBytes,
		MaxEntries:   cfg.MaxEntries,
		TTL:          time.Duration(cfg.TTL),
		Pinned:       warm,
		Mirror:       mirror,
		OnEvent:      logEvent,
	})
	if err != nil {
		return nil, err
	}

	limit := cfg.ConcurrencyLimit
	if limit == 0 {
		limit = unconstrainedConcurrency
		if device.ConstrainedDevice() {
			limit = constrainedConcurrency
		}
	}
	scheduler, err := sched.New(st, retriever, limit)
	if err != nil {
		return nil, err
	}

	tracker, err := pattern.New(pattern.Options{
		HistoryCap:    cfg.HistoryCap,
		RecencyWindow: time.Duration(cfg.RecencyWindow),
		AlwaysWarm:    warm,
		Mirror:        mirror,
	})
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:       cfg,
		st:        st,
		scheduler: scheduler,
		tracker:   tracker,
		device:    device,
		retriever: retriever,
		pending:   make(map[string]*pendingIntent),
		done:      make(chan struct{}),
	}
	go o.sweep()
	return o, nil
}

// sweep periodically removes expired entries from the store.
func (o *Orchestrator) sweep() {
	ticker := time.NewTicker(time.Duration(o.cfg.SweepInterval))
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := o.st.Sweep(); n > 0 {
				log.Trace().Int("removed", n).Msg("Swept expired entries")
			}
		case <-o.done:
			return
		}
	}
}

// OnIntent handles an intent signal. After the delay configured for the
// signal kind, if the intent has not been withdrawn, a prefetch is
// enqueued: Normal priority on unconstrained devices, Low on constrained
// ones.
func (o *Orchestrator) OnIntent(sig IntentSignal) {
	key := NormalizeKey(sig.Key)
	if o.st.Contains(key) {
		return
	}
	delay := time.Duration(o.cfg.HoverDelay)
	if sig.Kind == IntentTouch {
		delay = time.Duration(o.cfg.TouchDelay)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if p, ok := o.pending[key]; ok {
		// an earlier intent whose prefetch already settled must not
		// suppress this one
		if !p.enqueued || o.scheduler.Pending(key) {
			return
		}
		delete(o.pending, key)
	}
	log.Trace().Str("key", key).Stringer("kind", sig.Kind).Float64("confidence", sig.Confidence).
		Msg("Intent observed")
	p := &pendingIntent{}
	p.timer = time.AfterFunc(delay, func() { o.fireIntent(key) })
	o.pending[key] = p
}

func (o *Orchestrator) fireIntent(key string) {
	priority := sched.Normal
	if o.device.ConstrainedDevice() {
		priority = sched.Low
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.pending[key]
	if !ok {
		return
	}
	p.enqueued = o.scheduler.Enqueue(key, priority)
	if !p.enqueued {
		// nothing to withdraw; a later intent starts over
		delete(o.pending, key)
	}
}

// OnIntentWithdrawn handles the withdrawal of an earlier intent. It
// stops the pending delay timer, and cancels the prefetch task if this
// intent already enqueued one.
func (o *Orchestrator) OnIntentWithdrawn(rawKey string) {
	key := NormalizeKey(rawKey)
	o.mu.Lock()
	p, ok := o.pending[key]
	if ok {
		p.timer.Stop()
		delete(o.pending, key)
	}
	o.mu.Unlock()
	if ok && p.enqueued {
		o.scheduler.Cancel(key)
	}
}

// OnNavigationComplete records the transition, prefetches the top
// predicted successors of the new page within the device budget, and
// prefetches up to navigationExtraPages targets extracted from the
// page's navigation elements. Everything is enqueued at Low priority.
func (o *Orchestrator) OnNavigationComplete(rawFrom, rawTo string, extraTargets []string) {
	from := NormalizeKey(rawFrom)
	to := NormalizeKey(rawTo)

	o.mu.Lock()
	if p, ok := o.pending[to]; ok {
		p.timer.Stop()
		delete(o.pending, to)
	}
	o.mu.Unlock()

	if from != "" && from != to {
		o.tracker.RecordTransition(from, to)
	}

	budget := o.prefetchBudget()
	for _, prediction := range o.tracker.Predict(to) {
		if budget == 0 {
			break
		}
		if prediction.To == to {
			continue
		}
		if o.scheduler.Enqueue(prediction.To, sched.Low) && budget > 0 {
			budget--
		}
	}

	extra := *o.cfg.NavigationExtraPages
	for _, target := range extraTargets {
		if extra == 0 {
			break
		}
		key := NormalizeKey(target)
		if key == to {
			continue
		}
		if o.scheduler.Enqueue(key, sched.Low) {
			extra--
		}
	}
}

// WarmStart prefetches the top-level set at Low priority, bounded by the
// device budget. It is meant for session start, before any navigation
// has been observed.
func (o *Orchestrator) WarmStart() {
	budget := o.prefetchBudget()
	for _, key := range o.tracker.TopLevelSet() {
		if budget == 0 {
			break
		}
		if o.scheduler.Enqueue(key, sched.Low) && budget > 0 {
			budget--
		}
	}
}

// prefetchBudget returns the per-navigation prefetch budget; -1 means
// unlimited.
func (o *Orchestrator) prefetchBudget() int {
	if o.device.ConstrainedDevice() {
		return *o.cfg.MobilePrefetchLimit
	}
	if o.cfg.DesktopPrefetchUnlimited {
		return -1
	}
	return *o.cfg.MobilePrefetchLimit
}

// Resolve serves a navigation: cache first, direct retrieval on miss.
// The boolean reports a cache hit. A successful direct retrieval also
// populates the store.
func (o *Orchestrator) Resolve(ctx context.Context, rawKey string) ([]byte, bool, error) {
	key := NormalizeKey(rawKey)
	if e, ok := o.st.Get(key); ok {
		return e.Payload, true, nil
	}
	snap, err := o.retriever.Retrieve(ctx, key)
	if err != nil {
		return nil, false, err
	}
	o.st.Put(key, snap.Payload, snap.Validators)
	return snap.Payload, false, nil
}

// SetAlwaysWarm replaces the always-warm key set: newly listed keys are
// pinned and prefetched, keys no longer listed are unpinned.
func (o *Orchestrator) SetAlwaysWarm(keys []string) {
	warm := make([]string, 0, len(keys))
	next := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		key = NormalizeKey(key)
		warm = append(warm, key)
		next[key] = struct{}{}
	}
	for _, key := range o.tracker.TopLevelSet() {
		// unpinning a key not pinned before is a no-op
		if _, ok := next[key]; !ok {
			o.st.Unpin(key)
		}
	}
	for _, key := range warm {
		o.st.Pin(key)
		o.scheduler.Enqueue(key, sched.Low)
	}
	o.tracker.SetAlwaysWarm(warm)
}

// Store exposes the content store to the navigation layer.
func (o *Orchestrator) Store() *store.Store {
	return o.st
}

// Scheduler exposes the fetch scheduler to the navigation layer.
func (o *Orchestrator) Scheduler() *sched.Scheduler {
	return o.scheduler
}

// Tracker exposes the pattern tracker to the navigation layer.
func (o *Orchestrator) Tracker() *pattern.Tracker {
	return o.tracker
}

// Close stops the sweeper and all pending intent timers and cancels
// every outstanding prefetch.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		close(o.done)
		o.mu.Lock()
		for key, p := range o.pending {
			p.timer.Stop()
			delete(o.pending, key)
		}
		o.mu.Unlock()
		o.scheduler.ClearAll()
	})
}

func logEvent(evt store.Event) {
	switch e := evt.(type) {
	case store.Evicted:
		log.Trace().Str("key", e.Key).Str("reason", string(e.Reason)).Msg("Entry evicted")
	case store.Expired:
		log.Trace().Str("key", e.Key).Msg("Entry expired")
	case store.EvictionStalled:
		log.Debug().Int64("size", e.SizeBytes).Int("entries", e.Entries).
			Msg("Cache over budget, all entries pinned")
	}
}
