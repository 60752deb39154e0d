package pattern

import (
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/navwarm/navwarm/persist"
)

const (
	snapshotName    = "nav-edges"
	snapshotVersion = 1
)

type persistedEdge struct {
	From       string    `json:"from"`
	To         string    `json:"to"`
	Count      int       `json:"count"`
	LastSeenAt time.Time `json:"lastSeenAt"`
	Seq        uint64    `json:"seq"`
}

type snapshot struct {
	Edges []persistedEdge `json:"edges"`
}

// saveMirror persists the edge set on a best-effort basis; a failure is
// only logged.
func (t *Tracker) saveMirror() {
	if t.mirror == nil {
		return
	}
	t.mu.Lock()
	snap := snapshot{Edges: make([]persistedEdge, 0, t.count)}
	for _, tos := range t.edges {
		for _, e := range tos {
			snap.Edges = append(snap.Edges, persistedEdge{
				From:       e.From,
				To:         e.To,
				Count:      e.Count,
				LastSeenAt: e.LastSeenAt,
				Seq:        e.seq,
			})
		}
	}
	t.mu.Unlock()
	sort.Slice(snap.Edges, func(i, j int) bool { return snap.Edges[i].Seq < snap.Edges[j].Seq })

	data, err := persist.Encode(snapshotVersion, snap)
	if err != nil {
		log.Warn().Err(err).Msg("Could not encode edge snapshot")
		return
	}
	t.writer.Write(data)
}

// restore loads the persisted edge set. A failed load is treated as an
// empty tracker, never as an error.
func (t *Tracker) restore() {
	data, ok, err := t.mirror.Load(snapshotName)
	if err != nil {
		log.Warn().Err(err).Msg("Could not load edge snapshot")
		return
	}
	if !ok {
		return
	}
	var snap snapshot
	if err := persist.Decode(data, snapshotVersion, &snap); err != nil {
		log.Warn().Err(err).Msg("Discarding unreadable edge snapshot")
		if err := t.mirror.Clear(snapshotName); err != nil {
			log.Warn().Err(err).Msg("Could not clear edge snapshot")
		}
		return
	}
	t.mu.Lock()
	for _, pe := range snap.Edges {
		tos, ok := t.edges[pe.From]
		if !ok {
			tos = make(map[string]*Edge)
			t.edges[pe.From] = tos
		}
		if _, ok := tos[pe.To]; ok {
			continue
		}
		tos[pe.To] = &Edge{
			From:       pe.From,
			To:         pe.To,
			Count:      pe.Count,
			LastSeenAt: pe.LastSeenAt,
			seq:        pe.Seq,
		}
		t.count++
		if pe.Seq > t.seq {
			t.seq = pe.Seq
		}
	}
	t.trimLocked()
	t.mu.Unlock()
	log.Debug().Int("edges", len(snap.Edges)).Msg("Restored edge snapshot")
}
