// state/store.go
package state

import (
	"sync"

	"github.com/wfunc/tycoon/logger"
	"github.com/wfunc/tycoon/network"
)

// Listener is called with a copy of the new state after every change.
type Listener func(s Snapshot)

// Observer hears about events that were not folded into state.
type Observer interface {
	UnknownEvent(ev network.Unknown)
}

type listenerEntry struct {
	id int
	fn Listener
}

// Store holds the current Snapshot. Only Apply and Reset change it.
type Store struct {
	selfName string

	mutex     sync.RWMutex
	current   Snapshot
	listeners []listenerEntry
	nextID    int
	observer  Observer
}

// NewStore creates an empty store for the local player selfName.
func NewStore(selfName string) *Store {
	return &Store{
		selfName: selfName,
		current:  Empty("", ""),
	}
}

func (s *Store) SelfName() string { return s.selfName }

// SetObserver installs the hook told about Unknown events. nil removes it.
func (s *Store) SetObserver(o Observer) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.observer = o
}

// Current returns a copy of the state that callers may modify freely.
func (s *Store) Current() Snapshot {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.current.Clone()
}

// Apply folds ev into the current state. It has the shape of a router
// subscriber so it can be registered directly.
func (s *Store) Apply(ev network.Event) {
	s.mutex.Lock()
	if u, ok := ev.(network.Unknown); ok {
		observer := s.observer
		s.mutex.Unlock()
		if u.Err != nil {
			logger.Log.Debugf("Not folding undecodable %q message: %v", u.Type, u.Err)
		} else {
			logger.Log.Debugf("Not folding unrecognized message type %q", u.Type)
		}
		if observer != nil {
			observer.UnknownEvent(u)
		}
		return
	}

	next, changed := Reduce(s.current, s.selfName, ev)
	if !changed {
		s.mutex.Unlock()
		return
	}
	s.current = next
	s.notifyLocked()
}

// Reset starts over for a new room. It is only called when the client
// moves to a different target.
func (s *Store) Reset(roomID, hostName string) {
	s.mutex.Lock()
	s.current = Empty(roomID, hostName)
	s.notifyLocked()
}

// Subscribe registers l and returns a func that removes it.
func (s *Store) Subscribe(l Listener) func() {
	s.mutex.Lock()
	id := s.nextID
	s.nextID++
	s.listeners = append(s.listeners, listenerEntry{id: id, fn: l})
	s.mutex.Unlock()

	return func() {
		s.mutex.Lock()
		defer s.mutex.Unlock()
		for i, e := range s.listeners {
			if e.id == id {
				s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

// notifyLocked releases the mutex before calling listeners.
func (s *Store) notifyLocked() {
	snapshot := s.current
	listeners := make([]listenerEntry, len(s.listeners))
	copy(listeners, s.listeners)
	s.mutex.Unlock()

	for _, e := range listeners {
		e.fn(snapshot.Clone())
	}
}
