package store

import (
	"github.com/go-go-golems/pupdash/pkg/protocol"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownPup = errors.New("unknown pup")
	ErrStale      = errors.New("stale update")
)

// UpdatePupModel applies a streamed pup state carrying server timestamp ts.
// A pup the store has not seen yet is created, so an install event that
// beats the next snapshot still shows up. Updates older than what the
// ledger already holds are dropped.
func (s *Store) UpdatePupModel(st protocol.PupState, ts int64) error {
	if err := protocol.ValidatePupState(st); err != nil {
		log.Warn().Err(err).Str("pup", st.ID).Msg("discarding invalid pup update")
		return err
	}

	s.mu.Lock()
	if s.isStale(st.ID, ts) {
		s.mu.Unlock()
		log.Debug().Str("pup", st.ID).Int64("ts", ts).Msg("discarding stale pup update")
		return ErrStale
	}

	p := s.resolve(ByID(st.ID))
	if p == nil {
		if c := s.resolve(ByDefinition(st.Source.ID, st.Name())); c != nil && c.State == nil {
			p = c
		}
	}
	created := p == nil
	if created {
		p = &Pup{Definition: s.definitionFor(st.Source.ID, st.Name())}
		s.pups = append(s.pups, p)
	}
	p.State = &st
	s.states[st.ID] = st
	delete(s.removed, st.ID)
	s.attachIndices(p)
	s.bump(st.ID, ts)
	s.compute(p)
	s.mu.Unlock()

	log.Debug().Str("pup", st.ID).Int64("ts", ts).Bool("created", created).Str("installation", st.Installation).Msg("pup updated")
	s.Notify(st.ID, "pup")
	return nil
}

// UpdatePupStatsModel applies streamed stats. Stats for pups that are not
// installed are not tracked.
func (s *Store) UpdatePupStatsModel(st protocol.PupStats, ts int64) error {
	if err := protocol.ValidatePupStats(st); err != nil {
		log.Warn().Err(err).Str("pup", st.ID).Msg("discarding invalid stats update")
		return err
	}

	s.mu.Lock()
	p := s.resolve(ByID(st.ID))
	if p == nil {
		s.mu.Unlock()
		log.Debug().Str("pup", st.ID).Msg("discarding stats for unknown pup")
		return ErrUnknownPup
	}
	if s.isStale(st.ID, ts) {
		s.mu.Unlock()
		log.Debug().Str("pup", st.ID).Int64("ts", ts).Msg("discarding stale stats update")
		return ErrStale
	}
	p.Stats = &st
	s.stats[st.ID] = st
	s.bump(st.ID, ts)
	s.compute(p)
	s.mu.Unlock()

	s.Notify(st.ID, "stats")
	return nil
}

// RemovePupByID drops a pup and everything indexed under its id. ts is the
// server time of the purge; snapshots taken before it do not restore the pup.
// Removing an unknown id does nothing beyond a notification.
func (s *Store) RemovePupByID(id string, ts int64) {
	s.mu.Lock()
	p := s.resolve(ByID(id))
	if p != nil {
		if i := s.indexOf(p); i >= 0 {
			s.pups = append(s.pups[:i], s.pups[i+1:]...)
		}
	} else {
		log.Debug().Str("pup", id).Msg("remove: pup not found")
	}
	s.forget(id)
	s.removed[id] = true
	s.bump(id, ts)
	s.mu.Unlock()

	s.Notify("", "removed")
}

// RemovePupsBySourceID drops the source and every pup that came from it.
func (s *Store) RemovePupsBySourceID(sourceID string) {
	s.mu.Lock()
	kept := s.pups[:0]
	removed := 0
	for _, p := range s.pups {
		if !p.fromSource(sourceID) {
			kept = append(kept, p)
			continue
		}
		if p.State != nil {
			s.forget(p.State.ID)
			s.removed[p.State.ID] = true
		}
		removed++
	}
	for i := len(kept); i < len(s.pups); i++ {
		s.pups[i] = nil
	}
	s.pups = kept
	delete(s.sources, sourceID)
	s.mu.Unlock()

	log.Debug().Str("source", sourceID).Int("pups", removed).Msg("source removed")
	s.Notify("", "source_removed")
}

// forget removes the indices of id. The ledger entry stays for the session.
func (s *Store) forget(id string) {
	delete(s.states, id)
	delete(s.stats, id)
	delete(s.assets, id)
	delete(s.activity, id)
}

func (s *Store) isStale(id string, ts int64) bool {
	return ts > 0 && ts < s.ledger[id]
}

func (s *Store) bump(id string, ts int64) {
	if ts > s.ledger[id] {
		s.ledger[id] = ts
	}
}
