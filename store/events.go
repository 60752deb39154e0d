package store

// Event is one cache lifecycle notification. The set of variants is
// closed; consumers switch over the concrete types.
type Event interface {
	event()
}

// Hit is emitted when Get finds a fresh entry.
type Hit struct {
	Key string
}

// Miss is emitted when Get finds no usable entry.
type Miss struct {
	Key string
}

// Stored is emitted when Put creates or replaces an entry.
type Stored struct {
	Key string
}

// EvictReason says which budget forced an eviction.
type EvictReason string

const (
	EvictSize  EvictReason = "size"
	EvictCount EvictReason = "count"
)

// Evicted is emitted when an entry is removed to get back within budget.
type Evicted struct {
	Key    string
	Reason EvictReason
}

// Expired is emitted when an entry is removed because it outlived the TTL.
type Expired struct {
	Key string
}

// EvictionStalled is emitted when the store is over budget but every
// entry is pinned, so the overflow is tolerated.
type EvictionStalled struct {
	SizeBytes int64
	Entries   int
}

func (Hit) event()             {}
func (Miss) event()            {}
func (Stored) event()          {}
func (Evicted) event()         {}
func (Expired) event()         {}
func (EvictionStalled) event() {}
