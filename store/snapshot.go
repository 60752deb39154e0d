package store

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/navwarm/navwarm/persist"
)

const (
	snapshotName    = "content-store"
	snapshotVersion = 1
)

type persistedEntry struct {
	Key         string     `json:"key"`
	Payload     []byte     `json:"payload"`
	Validators  Validators `json:"validators"`
	SizeBytes   int64      `json:"sizeBytes"`
	InsertedAt  time.Time  `json:"insertedAt"`
	RefreshedAt time.Time  `json:"refreshedAt"`
	Pinned      bool       `json:"pinned"`
	Seq         uint64     `json:"seq"`
}

type snapshot struct {
	Entries     []persistedEntry `json:"entries"`
	Hits        uint64           `json:"hits"`
	Misses      uint64           `json:"misses"`
	Evictions   uint64           `json:"evictions"`
	Expirations uint64           `json:"expirations"`
}

// saveMirror persists the current store contents on a best-effort basis.
// The write happens off the caller's goroutine and a failure is only
// logged; the in-memory store stays authoritative.
func (s *Store) saveMirror() {
	if s.mirror == nil {
		return
	}
	s.mu.Lock()
	snap := snapshot{
		Entries:     make([]persistedEntry, 0, len(s.entries)),
		Hits:        s.hits,
		Misses:      s.misses,
		Evictions:   s.evictions,
		Expirations: s.expirations,
	}
	for _, e := range s.entries {
		snap.Entries = append(snap.Entries, persistedEntry{
			Key:         e.Key,
			Payload:     e.Payload,
			Validators:  e.Validators,
			SizeBytes:   e.SizeBytes,
			InsertedAt:  e.InsertedAt,
			RefreshedAt: e.RefreshedAt,
			Pinned:      e.Pinned,
			Seq:         e.seq,
		})
	}
	s.mu.Unlock()

	data, err := persist.Encode(snapshotVersion, snap)
	if err != nil {
		log.Warn().Err(err).Msg("Could not encode store snapshot")
		return
	}
	s.writer.Write(data)
}

// restore loads the persisted store contents. Corrupt or
// version-mismatched state is discarded and the store starts empty.
func (s *Store) restore() {
	data, ok, err := s.mirror.Load(snapshotName)
	if err != nil {
		log.Warn().Err(err).Msg("Could not load store snapshot")
		return
	}
	if !ok {
		return
	}
	var snap snapshot
	if err := persist.Decode(data, snapshotVersion, &snap); err != nil {
		log.Warn().Err(err).Msg("Discarding unreadable store snapshot")
		if err := s.mirror.Clear(snapshotName); err != nil {
			log.Warn().Err(err).Msg("Could not clear store snapshot")
		}
		return
	}
	s.mu.Lock()
	for _, pe := range snap.Entries {
		_, pin := s.pinned[pe.Key]
		refreshed := pe.RefreshedAt
		if refreshed.IsZero() {
			refreshed = pe.InsertedAt
		}
		s.entries[pe.Key] = &Entry{
			Key:         pe.Key,
			Payload:     pe.Payload,
			Validators:  pe.Validators,
			SizeBytes:   pe.SizeBytes,
			InsertedAt:  pe.InsertedAt,
			RefreshedAt: refreshed,
			Pinned:      pe.Pinned || pin,
			seq:         pe.Seq,
		}
		s.size += pe.SizeBytes
		if pe.Seq > s.seq {
			s.seq = pe.Seq
		}
	}
	s.hits = snap.Hits
	s.misses = snap.Misses
	s.evictions = snap.Evictions
	s.expirations = snap.Expirations
	events := s.evictLocked()
	s.mu.Unlock()
	for _, evt := range events {
		s.emit(evt)
	}
	log.Debug().Int("entries", len(snap.Entries)).Msg("Restored store snapshot")
}
