// Package store owns the client side model of pups. It merges snapshot
// fetches with streamed deltas using a per pup freshness ledger, keeps the
// derived status of every pup current and notifies observers of changes.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/go-go-golems/pupdash/pkg/protocol"
	"github.com/rs/zerolog/log"
)

type Options struct {
	// InFlight reports the action names currently pending for a pup, from
	// transactions and jobs. It is called with the store lock held and must
	// not call back into the store.
	InFlight func(pupID string) []string
	Now      func() time.Time
}

type Store struct {
	mu sync.Mutex

	pups     []*Pup
	states   map[string]protocol.PupState
	stats    map[string]protocol.PupStats
	assets   map[string]protocol.PupAssets
	sources  map[string]protocol.SourceListing
	activity map[string][]ActivityEntry
	ledger   map[string]int64
	// removed holds ids the stream purged, so an older snapshot cannot bring
	// them back.
	removed map[string]bool

	observers map[uint64]Observer
	nextSub   uint64

	inFlight func(pupID string) []string
	now      func() time.Time
}

func New(opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		states:    map[string]protocol.PupState{},
		stats:     map[string]protocol.PupStats{},
		assets:    map[string]protocol.PupAssets{},
		sources:   map[string]protocol.SourceListing{},
		activity:  map[string][]ActivityEntry{},
		ledger:    map[string]int64{},
		removed:   map[string]bool{},
		observers: map[uint64]Observer{},
		inFlight:  opts.InFlight,
		now:       opts.Now,
	}
}

// Subscribe registers o and returns a function that removes it again. The
// returned function is safe to call more than once.
func (s *Store) Subscribe(o Observer) (unsubscribe func()) {
	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	s.observers[id] = o
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.observers, id)
			s.mu.Unlock()
		})
	}
}

// Close drops every observer.
func (s *Store) Close() {
	s.mu.Lock()
	s.observers = map[uint64]Observer{}
	s.mu.Unlock()
}

// Notify refreshes observers. Without a pup id every observer refreshes;
// with one, only observers targeting that pup refresh, and bulk observers
// get their bulk hook.
func (s *Store) Notify(pupID string, reason string) {
	s.mu.Lock()
	ids := make([]uint64, 0, len(s.observers))
	for id := range s.observers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	observers := make([]Observer, 0, len(ids))
	for _, id := range ids {
		observers = append(observers, s.observers[id])
	}
	s.mu.Unlock()

	n := Notification{PupID: pupID, Reason: reason}
	for _, o := range observers {
		if pupID == "" {
			safeRefresh(n, o.Refresh)
			continue
		}
		if t, ok := o.(TargetedObserver); ok && t.TargetPupID() == pupID {
			safeRefresh(n, o.Refresh)
		}
		if b, ok := o.(BulkObserver); ok {
			safeRefresh(n, b.BulkRefresh)
		}
	}
}

func safeRefresh(n Notification, fn func(Notification)) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Str("pup", n.PupID).Str("reason", n.Reason).Interface("panic", p).Msg("observer refresh failed")
		}
	}()
	fn(n)
}

func (s *Store) Pups() []Pup {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Pup, 0, len(s.pups))
	for _, p := range s.pups {
		out = append(out, *p)
	}
	return out
}

func (s *Store) Pup(k Key) (Pup, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.resolve(k)
	if p == nil {
		return Pup{}, false
	}
	return *p, true
}

func (s *Store) Sources() map[string]protocol.SourceListing {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]protocol.SourceListing, len(s.sources))
	for id, l := range s.sources {
		out[id] = l
	}
	return out
}

// Ledger returns the newest stream timestamp applied for a pup id.
func (s *Store) Ledger(id string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger[id]
}

// Recompute re-derives a pup's computed fields, for when signals outside the
// store (transactions, jobs) changed.
func (s *Store) Recompute(pupID string) {
	s.mu.Lock()
	p := s.resolve(ByID(pupID))
	if p != nil {
		s.compute(p)
	}
	s.mu.Unlock()
	if p != nil {
		s.Notify(pupID, "recompute")
	}
}

func (s *Store) resolve(k Key) *Pup {
	for _, p := range s.pups {
		if k.matches(p) {
			return p
		}
	}
	return nil
}

func (s *Store) compute(p *Pup) {
	var inFlight []string
	if p.State != nil && s.inFlight != nil {
		inFlight = s.inFlight(p.State.ID)
	}
	p.Computed = compute(p, inFlight)
}

func (s *Store) definitionFor(sourceID, name string) *Definition {
	l, ok := s.sources[sourceID]
	if !ok {
		return nil
	}
	for key, def := range l.Pups {
		if def.Name == "" {
			def.Name = key
		}
		if def.Name == name {
			return &Definition{SourceID: sourceID, PupDefinition: def}
		}
	}
	return nil
}

func (s *Store) indexOf(p *Pup) int {
	for i, q := range s.pups {
		if q == p {
			return i
		}
	}
	return -1
}
