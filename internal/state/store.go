package state

import (
	"sync"
)

// Change describes one applied batch of actions.
type Change struct {
	Version uint64
	Actions []string
}

// Store coordinates concurrent access to the engine state. Every mutation
// goes through Dispatch or Update, so readers never see a torn state.
type Store struct {
	mu        sync.RWMutex
	state     EngineState
	seq       uint64
	listeners []func(Change)
}

// NewStore returns a store holding initial.
func NewStore(initial EngineState) *Store {
	return &Store{state: initial.Clone()}
}

// Dispatch applies actions in order as one transition. If any action is
// rejected none of them take effect and the error is returned.
func (s *Store) Dispatch(actions ...Action) error {
	return s.Update(func(EngineState) ([]Action, error) { return actions, nil })
}

// Update derives actions from the current state and applies them under the
// same lock, so the read and the write cannot interleave with other writers.
// fn must not call back into the Store.
func (s *Store) Update(fn func(cur EngineState) ([]Action, error)) error {
	s.mu.Lock()
	actions, err := fn(s.state.Clone())
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if len(actions) == 0 {
		s.mu.Unlock()
		return nil
	}
	next := s.state
	for _, a := range actions {
		next, err = Reduce(next, a)
		if err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.state = next
	change := Change{Version: next.Version, Actions: actionNames(actions)}
	listeners := s.listeners
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(change)
	}
	return nil
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() EngineState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// NextSeq hands out write sequence numbers, starting at 1.
func (s *Store) NextSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// OnChange registers fn to run after every applied transition, outside the
// lock. Register listeners before the store is shared.
func (s *Store) OnChange(fn func(Change)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func actionNames(actions []Action) []string {
	names := make([]string, len(actions))
	for i, a := range actions {
		names[i] = a.Name()
	}
	return names
}
