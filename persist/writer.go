package persist

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Writer serializes saves for one component name. Writes stay
// fire-and-forget for the caller, but reach the store one at a time and
// in order; when writes outpace the store, intermediate snapshots are
// dropped and only the latest is written.
type Writer struct {
	store DurableStore
	name  string

	mu   sync.Mutex
	next []byte
	busy bool
}

// NewWriter creates a Writer saving under the given component name.
func NewWriter(store DurableStore, name string) *Writer {
	return &Writer{store: store, name: name}
}

// Write schedules data to be saved. A failure is only logged.
func (w *Writer) Write(data []byte) {
	w.mu.Lock()
	w.next = data
	if w.busy {
		w.mu.Unlock()
		return
	}
	w.busy = true
	w.mu.Unlock()
	go w.drain()
}

func (w *Writer) drain() {
	for {
		w.mu.Lock()
		data := w.next
		w.next = nil
		if data == nil {
			w.busy = false
			w.mu.Unlock()
			return
		}
		w.mu.Unlock()
		if err := w.store.Save(w.name, data); err != nil {
			log.Warn().Err(err).Str("name", w.name).Msg("Could not persist snapshot")
		}
	}
}
