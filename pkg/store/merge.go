package store

import (
	"sort"

	"github.com/go-go-golems/pupdash/pkg/protocol"
	"github.com/rs/zerolog/log"
)

// MergeSnapshot replaces the indices with a snapshot taken at snap.TS while
// keeping anything the stream delivered at or after that time. Without a
// snapshot timestamp every streamed pup keeps its in-memory data.
func (s *Store) MergeSnapshot(snap protocol.Snapshot) {
	t := snap.Timestamp()

	s.mu.Lock()
	states := make(map[string]protocol.PupState, len(snap.States))
	for id, st := range snap.States {
		if st.ID == "" {
			st.ID = id
		}
		if err := protocol.ValidatePupState(st); err != nil {
			log.Warn().Err(err).Str("pup", id).Msg("dropping invalid pup state from snapshot")
			continue
		}
		states[id] = st
	}
	stats := make(map[string]protocol.PupStats, len(snap.Stats))
	for id, st := range snap.Stats {
		if st.ID == "" {
			st.ID = id
		}
		stats[id] = st
	}
	assets := make(map[string]protocol.PupAssets, len(snap.Assets))
	for id, a := range snap.Assets {
		assets[id] = a
	}

	restored, dropped := 0, 0
	for id := range states {
		if !s.streamedSince(id, t) {
			continue
		}
		if s.removed[id] {
			delete(states, id)
			delete(stats, id)
			delete(assets, id)
			dropped++
			continue
		}
		s.restore(id, states, stats, assets)
		restored++
	}
	for id := range s.states {
		if _, ok := states[id]; ok {
			continue
		}
		if s.streamedSince(id, t) {
			s.restore(id, states, stats, assets)
			restored++
		}
	}

	for id := range states {
		delete(s.removed, id)
	}
	s.states, s.stats, s.assets = states, stats, assets
	s.rebuild()
	count := len(s.pups)
	s.mu.Unlock()

	log.Debug().Int64("ts", t).Int("pups", count).Int("kept_from_stream", restored).Int("purged", dropped).Msg("snapshot merged")
	s.Notify("", "snapshot")
}

// streamedSince reports whether the stream delivered data for id at or after
// snapshot time t.
func (s *Store) streamedSince(id string, t int64) bool {
	l := s.ledger[id]
	return l > 0 && l >= t
}

// restore copies whatever the store currently holds for id over the
// snapshot's version.
func (s *Store) restore(id string, states map[string]protocol.PupState, stats map[string]protocol.PupStats, assets map[string]protocol.PupAssets) {
	if st, ok := s.states[id]; ok {
		states[id] = st
	}
	if st, ok := s.stats[id]; ok {
		stats[id] = st
	}
	if a, ok := s.assets[id]; ok {
		assets[id] = a
	}
}

// rebuild makes the pup list agree with the indices, reusing existing pups
// so fields attached outside the indices (the catalog definition) survive.
// Pups whose id is still present keep it first; catalog pups then claim
// unassigned states of the same source and name, which covers a reinstall
// under a new id.
func (s *Store) rebuild() {
	assigned := map[string]bool{}
	kept := map[*Pup]bool{}
	for _, p := range s.pups {
		if p.State == nil {
			continue
		}
		if st, ok := s.states[p.State.ID]; ok && !assigned[st.ID] {
			assigned[st.ID] = true
			p.State = &st
			kept[p] = true
		}
	}

	next := make([]*Pup, 0, len(s.pups)+len(s.states))
	for _, p := range s.pups {
		if kept[p] {
			next = append(next, p)
			continue
		}
		if p.Definition == nil {
			continue
		}
		// an installed pup of the same source and name already owns the
		// catalog entry
		if owner := s.keptOwner(p.Definition, kept); owner != nil {
			if owner.Definition == nil {
				owner.Definition = p.Definition
			}
			continue
		}
		// uninstalled server side or never installed: fall back to the
		// catalog entry unless a state of the same source and name exists
		p.State = nil
		if id := s.stateForDefinition(p.Definition, assigned); id != "" {
			st := s.states[id]
			assigned[id] = true
			p.State = &st
		}
		next = append(next, p)
	}

	var fresh []string
	for id := range s.states {
		if !assigned[id] {
			fresh = append(fresh, id)
		}
	}
	sort.Strings(fresh)
	for _, id := range fresh {
		st := s.states[id]
		next = append(next, &Pup{State: &st, Definition: s.definitionFor(st.Source.ID, st.Name())})
	}

	for _, p := range next {
		s.attachIndices(p)
		s.compute(p)
	}
	s.pups = next
}

func (s *Store) keptOwner(def *Definition, kept map[*Pup]bool) *Pup {
	k := ByDefinition(def.SourceID, def.Name)
	for _, p := range s.pups {
		if kept[p] && k.matches(p) {
			return p
		}
	}
	return nil
}

func (s *Store) stateForDefinition(def *Definition, assigned map[string]bool) string {
	ids := make([]string, 0, len(s.states))
	for id := range s.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		st := s.states[id]
		if assigned[id] {
			continue
		}
		if st.Source.ID == def.SourceID && st.Name() == def.Name {
			return id
		}
	}
	return ""
}

func (s *Store) attachIndices(p *Pup) {
	p.Stats, p.Assets = nil, nil
	if p.State == nil {
		return
	}
	if st, ok := s.stats[p.State.ID]; ok {
		p.Stats = &st
	}
	if a, ok := s.assets[p.State.ID]; ok {
		p.Assets = &a
	}
}

// MergeSources folds catalog listings into the store. Every definition ends
// up on exactly one pup, which is the installed pup when one came from the
// same source and name.
func (s *Store) MergeSources(listings map[string]protocol.SourceListing) {
	sourceIDs := make([]string, 0, len(listings))
	for id := range listings {
		sourceIDs = append(sourceIDs, id)
	}
	sort.Strings(sourceIDs)

	s.mu.Lock()
	for _, sourceID := range sourceIDs {
		l := listings[sourceID]
		if err := protocol.ValidateSourceListing(sourceID, l); err != nil {
			log.Warn().Err(err).Str("source", sourceID).Msg("dropping invalid source listing")
			continue
		}
		if l.ID == "" {
			l.ID = sourceID
		}
		s.sources[sourceID] = l

		keys := make([]string, 0, len(l.Pups))
		for key := range l.Pups {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			def := l.Pups[key]
			if def.Name == "" {
				def.Name = key
			}
			p := s.resolve(ByDefinition(sourceID, def.Name))
			if p == nil {
				p = &Pup{}
				s.pups = append(s.pups, p)
			}
			p.Definition = &Definition{SourceID: sourceID, PupDefinition: def}
			s.compute(p)
		}
	}
	s.mu.Unlock()

	s.Notify("", "sources")
}
