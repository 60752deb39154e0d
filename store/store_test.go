package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/navwarm/navwarm/persist"
)

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	if opts.MaxSizeBytes == 0 {
		opts.MaxSizeBytes = 1 << 20
	}
	if opts.MaxEntries == 0 {
		opts.MaxEntries = 100
	}
	s, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// fakeClock returns a settable clock for the store.
func fakeClock(s *Store, start time.Time) *time.Time {
	current := start
	s.now = func() time.Time { return current }
	return &current
}

func TestFIFOEviction(t *testing.T) {
	s := newTestStore(t, Options{MaxEntries: 2})
	clock := fakeClock(s, time.Unix(1000, 0))

	s.Put("/a", []byte("aa"), Validators{})
	*clock = clock.Add(time.Second)
	s.Put("/b", []byte("bb"), Validators{})
	*clock = clock.Add(time.Second)
	s.Put("/c", []byte("cc"), Validators{})

	if _, ok := s.Get("/a"); ok {
		t.Error("oldest entry /a should have been evicted")
	}
	for _, key := range []string{"/b", "/c"} {
		if _, ok := s.Get(key); !ok {
			t.Errorf("entry %s should still be cached", key)
		}
	}
	if stats := s.Stats(); stats.Entries != 2 || stats.Evictions != 1 {
		t.Errorf("got %d entries and %d evictions, want 2 and 1", stats.Entries, stats.Evictions)
	}
}

func TestEvictionIsInsertionOrderNotAccessOrder(t *testing.T) {
	s := newTestStore(t, Options{MaxEntries: 2})
	clock := fakeClock(s, time.Unix(1000, 0))

	s.Put("/a", []byte("aa"), Validators{})
	*clock = clock.Add(time.Second)
	s.Put("/b", []byte("bb"), Validators{})
	// reading /a must not promote it
	s.Get("/a")
	*clock = clock.Add(time.Second)
	s.Put("/c", []byte("cc"), Validators{})

	if _, ok := s.Get("/a"); ok {
		t.Error("reading /a should not have protected it from eviction")
	}
}

func TestSizeBudgetHeld(t *testing.T) {
	s := newTestStore(t, Options{MaxSizeBytes: 100, MaxEntries: 1000})
	for i := 0; i < 50; i++ {
		s.Put(fmt.Sprintf("/page/%d", i), make([]byte, 9), Validators{})
		if stats := s.Stats(); stats.SizeBytes > 100 {
			t.Fatalf("size %d exceeds budget after %d puts", stats.SizeBytes, i+1)
		}
	}
}

func TestSingleOversizedPayloadEvictsEverythingElse(t *testing.T) {
	s := newTestStore(t, Options{MaxSizeBytes: 10, MaxEntries: 10})
	s.Put("/small", []byte("123"), Validators{})
	s.Put("/big", make([]byte, 8), Validators{})
	if _, ok := s.Get("/small"); ok {
		t.Error("/small should have been evicted to make room")
	}
	if _, ok := s.Get("/big"); !ok {
		t.Error("/big should be cached")
	}
}

func TestPinnedNeverEvicted(t *testing.T) {
	var stalled bool
	s := newTestStore(t, Options{
		MaxEntries: 2,
		Pinned:     []string{"/home", "/about"},
		OnEvent: func(evt Event) {
			if _, ok := evt.(EvictionStalled); ok {
				stalled = true
			}
		},
	})
	s.Put("/home", []byte("home"), Validators{})
	s.Put("/about", []byte("about"), Validators{})
	s.Put("/other", []byte("other"), Validators{})

	for _, key := range []string{"/home", "/about"} {
		if _, ok := s.Get(key); !ok {
			t.Errorf("pinned entry %s should never be evicted", key)
		}
	}
	// /other is the only eviction candidate
	if _, ok := s.Get("/other"); ok {
		t.Error("non-pinned entry should have been evicted")
	}

	// all remaining entries pinned: overflow is tolerated
	s.Pin("/extra")
	s.Put("/extra", []byte("extra"), Validators{})
	if stats := s.Stats(); stats.Entries != 3 {
		t.Errorf("got %d entries, want 3 (soft overflow)", stats.Entries)
	}
	if !stalled {
		t.Error("expected an EvictionStalled event")
	}
}

func TestUnpinMakesEvictable(t *testing.T) {
	s := newTestStore(t, Options{MaxEntries: 1, Pinned: []string{"/home", "/other"}})
	s.Put("/home", []byte("home"), Validators{})
	s.Put("/other", []byte("other"), Validators{})
	if stats := s.Stats(); stats.Entries != 2 {
		t.Fatalf("got %d entries, want 2 (soft overflow, all pinned)", stats.Entries)
	}
	s.Unpin("/home")
	if _, ok := s.Get("/home"); ok {
		t.Error("unpinned overflow entry should have been evicted")
	}
	if stats := s.Stats(); stats.Entries != 1 {
		t.Errorf("got %d entries after unpin, want 1", stats.Entries)
	}
}

func TestPutSkipsUnchangedValidators(t *testing.T) {
	s := newTestStore(t, Options{})
	if !s.Put("/a", []byte("first"), Validators{ETag: "v1"}) {
		t.Fatal("first put should be stored")
	}
	if s.Put("/a", []byte("second"), Validators{ETag: "v1"}) {
		t.Error("put with identical validators should be skipped")
	}
	e, _ := s.Get("/a")
	if string(e.Payload) != "first" {
		t.Errorf("stored payload is %q, want the original", e.Payload)
	}
	if !s.Put("/a", []byte("third"), Validators{ETag: "v2"}) {
		t.Error("put with changed validators should be stored")
	}
}

func TestPutWithoutValidatorsAlwaysStores(t *testing.T) {
	s := newTestStore(t, Options{})
	s.Put("/a", []byte("first"), Validators{})
	if !s.Put("/a", []byte("second"), Validators{}) {
		t.Error("a validator-less page carries no proof it is unchanged")
	}
	e, _ := s.Get("/a")
	if string(e.Payload) != "second" {
		t.Errorf("stored payload is %q, want the replacement", e.Payload)
	}
}

func TestReplaceUpdatesAggregateSize(t *testing.T) {
	s := newTestStore(t, Options{})
	s.Put("/a", make([]byte, 100), Validators{})
	s.Put("/a", make([]byte, 10), Validators{})
	if stats := s.Stats(); stats.SizeBytes != 10 || stats.Entries != 1 {
		t.Errorf("got size %d and %d entries, want 10 and 1", stats.SizeBytes, stats.Entries)
	}
}

func TestTTLExpiryOnTouch(t *testing.T) {
	s := newTestStore(t, Options{TTL: time.Minute, Pinned: []string{"/pinned"}})
	clock := fakeClock(s, time.Unix(1000, 0))
	s.Put("/a", []byte("aa"), Validators{})
	s.Put("/pinned", []byte("pp"), Validators{})

	*clock = clock.Add(2 * time.Minute)
	if _, ok := s.Get("/a"); ok {
		t.Error("entry past TTL should be expired on touch")
	}
	if s.Contains("/a") {
		t.Error("a stale entry must not count as cached")
	}
	if _, ok := s.Get("/pinned"); !ok {
		t.Error("pinned entries never expire")
	}
	// the stale entry stays until the sweep, so a revalidation can still
	// rescue it; the expiration is counted once
	if _, ok := s.Get("/a"); ok {
		t.Error("a stale entry keeps missing")
	}
	if stats := s.Stats(); stats.Entries != 2 || stats.Expirations != 1 {
		t.Errorf("got %d entries and %d expirations, want 2 and 1", stats.Entries, stats.Expirations)
	}
	if removed := s.Sweep(); removed != 1 {
		t.Errorf("swept %d entries, want 1", removed)
	}
	if stats := s.Stats(); stats.Entries != 1 || stats.Expirations != 1 {
		t.Errorf("got %d entries and %d expirations after sweep, want 1 and 1", stats.Entries, stats.Expirations)
	}
}

func TestPeekSkipsCountersAndFreshness(t *testing.T) {
	s := newTestStore(t, Options{TTL: time.Minute})
	clock := fakeClock(s, time.Unix(1000, 0))
	s.Put("/a", []byte("aa"), Validators{ETag: "v1"})

	*clock = clock.Add(2 * time.Minute)
	e, ok := s.Peek("/a")
	if !ok || e.Validators.ETag != "v1" {
		t.Fatalf("peek should return the stale entry, got ok=%v %+v", ok, e.Validators)
	}
	if stats := s.Stats(); stats.Hits != 0 || stats.Misses != 0 {
		t.Errorf("peek recorded %d hits and %d misses, want none", stats.Hits, stats.Misses)
	}
	if _, ok := s.Peek("/missing"); ok {
		t.Error("peek of a missing key should return false")
	}
}

func TestRevalidationRescuesStaleEntry(t *testing.T) {
	s := newTestStore(t, Options{TTL: time.Minute})
	clock := fakeClock(s, time.Unix(1000, 0))
	s.Put("/a", []byte("aa"), Validators{ETag: "v1"})

	*clock = clock.Add(2 * time.Minute)
	if _, ok := s.Get("/a"); ok {
		t.Fatal("entry should be stale")
	}

	// a revalidation settles as a skipped write and renews freshness
	if s.Put("/a", []byte("aa"), Validators{ETag: "v1"}) {
		t.Error("identical validators must skip the write")
	}
	if _, ok := s.Get("/a"); !ok {
		t.Error("a revalidated entry is fresh again")
	}
	if removed := s.Sweep(); removed != 0 {
		t.Errorf("swept %d entries, want 0", removed)
	}
}

func TestSweep(t *testing.T) {
	s := newTestStore(t, Options{TTL: time.Minute})
	clock := fakeClock(s, time.Unix(1000, 0))
	s.Put("/a", []byte("aa"), Validators{})
	s.Put("/b", []byte("bb"), Validators{})
	*clock = clock.Add(30 * time.Second)
	s.Put("/c", []byte("cc"), Validators{})
	*clock = clock.Add(45 * time.Second)

	if removed := s.Sweep(); removed != 2 {
		t.Errorf("swept %d entries, want 2", removed)
	}
	if _, ok := s.Get("/c"); !ok {
		t.Error("fresh entry should survive the sweep")
	}
}

func TestDeleteAndClear(t *testing.T) {
	s := newTestStore(t, Options{})
	s.Put("/a", []byte("aa"), Validators{})
	s.Put("/b", []byte("bb"), Validators{})
	if !s.Delete("/a") {
		t.Error("delete of an existing entry should return true")
	}
	if s.Delete("/a") {
		t.Error("delete of a missing entry should return false")
	}
	if stats := s.Stats(); stats.Entries != 1 || stats.SizeBytes != 2 {
		t.Errorf("got %d entries and size %d after delete, want 1 and 2", stats.Entries, stats.SizeBytes)
	}
	s.Clear()
	if stats := s.Stats(); stats.Entries != 0 || stats.SizeBytes != 0 {
		t.Errorf("got %d entries and size %d after clear, want 0 and 0", stats.Entries, stats.SizeBytes)
	}
}

func TestContainsRecordsNoCounters(t *testing.T) {
	s := newTestStore(t, Options{})
	s.Put("/a", []byte("aa"), Validators{})
	s.Contains("/a")
	s.Contains("/missing")
	if stats := s.Stats(); stats.Hits != 0 || stats.Misses != 0 {
		t.Errorf("Contains must not count hits or misses, got %d/%d", stats.Hits, stats.Misses)
	}
}

func TestHitMissCounters(t *testing.T) {
	s := newTestStore(t, Options{})
	s.Put("/a", []byte("aa"), Validators{})
	s.Get("/a")
	s.Get("/a")
	s.Get("/missing")
	if stats := s.Stats(); stats.Hits != 2 || stats.Misses != 1 {
		t.Errorf("got %d hits and %d misses, want 2 and 1", stats.Hits, stats.Misses)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestMirrorRoundtrip(t *testing.T) {
	mirror := persist.NewMemory()
	s := newTestStore(t, Options{Mirror: mirror})
	s.Put("/a", []byte("payload"), Validators{ETag: "v1"})
	waitFor(t, "mirror write", func() bool {
		_, ok, _ := mirror.Load(snapshotName)
		return ok
	})

	restored := newTestStore(t, Options{Mirror: mirror})
	e, ok := restored.Get("/a")
	if !ok {
		t.Fatal("entry should have been restored from the mirror")
	}
	if string(e.Payload) != "payload" || e.Validators.ETag != "v1" {
		t.Errorf("restored entry is %q/%q", e.Payload, e.Validators.ETag)
	}
}

func TestCorruptMirrorDiscarded(t *testing.T) {
	mirror := persist.NewMemory()
	if err := mirror.Save(snapshotName, []byte("not a snapshot")); err != nil {
		t.Fatal(err)
	}
	s := newTestStore(t, Options{Mirror: mirror})
	if stats := s.Stats(); stats.Entries != 0 {
		t.Errorf("corrupt state should yield an empty store, got %d entries", stats.Entries)
	}
	if _, ok, _ := mirror.Load(snapshotName); ok {
		t.Error("corrupt state should have been cleared")
	}
}

func TestVersionMismatchDiscarded(t *testing.T) {
	mirror := persist.NewMemory()
	data, err := persist.Encode(snapshotVersion+1, snapshot{})
	if err != nil {
		t.Fatal(err)
	}
	if err := mirror.Save(snapshotName, data); err != nil {
		t.Fatal(err)
	}
	s := newTestStore(t, Options{Mirror: mirror})
	if stats := s.Stats(); stats.Entries != 0 {
		t.Errorf("mismatched version should yield an empty store, got %d entries", stats.Entries)
	}
}

func TestConstructionFailsFast(t *testing.T) {
	if _, err := New(Options{MaxEntries: 0, MaxSizeBytes: 100}); err == nil {
		t.Error("maxEntries <= 0 must fail construction")
	}
	if _, err := New(Options{MaxEntries: 10, MaxSizeBytes: -1}); err == nil {
		t.Error("negative maxSizeBytes must fail construction")
	}
}
