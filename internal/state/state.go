// Package state holds the shared application aggregate. Every mutation is a
// whole-structure replacement applied under a single lock, so readers observe
// either the pre- or post-mutation snapshot and never an in-between.
//
// Subscribers receive each new snapshot tagged with its origin. Persistence
// and sync are subscribers, never inline steps of a mutation; the push
// scheduler arms only on local-edit transitions, which is what keeps a pulled
// remote update from being echoed straight back.
package state

import (
	"sync"

	"fleetline/internal/domain"
)

// Origin tags a state transition with where it came from.
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

func (o Origin) String() string {
	if o == OriginRemote {
		return "remote_merge"
	}
	return "local_edit"
}

// Subscriber reacts to a newly produced aggregate value. The snapshot is a
// deep copy shared by all subscribers of one transition; treat it as
// read-only.
type Subscriber func(snapshot domain.AppState, origin Origin)

type Store struct {
	mu    sync.Mutex
	state domain.AppState
	subs  []Subscriber
}

// New creates a store seeded with the given aggregate.
func New(initial domain.AppState) *Store {
	return &Store{state: initial}
}

// Snapshot returns a deep copy of the current aggregate.
func (s *Store) Snapshot() domain.AppState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Subscribe registers a subscriber for future transitions.
func (s *Store) Subscribe(fn Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

// Apply runs mutate against a clone of the current aggregate. When mutate
// reports a change the clone replaces the aggregate and subscribers are
// notified with the new snapshot; otherwise the transition is a no-op and
// nothing is published. The mutation runs to completion before any other
// mutation can begin; subscribers are invoked outside the lock.
func (s *Store) Apply(origin Origin, mutate func(st *domain.AppState) bool) (domain.AppState, bool) {
	s.mu.Lock()
	next := s.state.Clone()
	if !mutate(&next) {
		snapshot := s.state.Clone()
		s.mu.Unlock()
		return snapshot, false
	}
	s.state = next
	subs := append([]Subscriber(nil), s.subs...)
	snapshot := next.Clone()
	s.mu.Unlock()
	for _, fn := range subs {
		fn(snapshot, origin)
	}
	return snapshot, true
}
