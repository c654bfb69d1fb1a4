// Package hub fans registry events out to connected observers.
package hub

import (
	"sync"

	"github.com/stepherg/fleethub"
)

// Transport is one observer's outbound channel. Send must not block
// indefinitely; implementations report a full queue or closed connection
// as an error and leave failure handling to the hub. Close is idempotent.
type Transport interface {
	Send(msg interface{}) error
	Close() error
}

// Observer pairs an id with its transport, as captured by a snapshot.
type Observer struct {
	ID        fleethub.ObserverID
	Transport Transport
}

type entry struct {
	transport Transport
	focus     fleethub.DeviceID
}

// Subscriptions is the set of currently-connected observers. Observer ids
// are generated per connection and never reused, so a removed observer can
// never be re-added by a racing broadcast.
type Subscriptions struct {
	mu        sync.RWMutex
	observers map[fleethub.ObserverID]*entry
}

func NewSubscriptions() *Subscriptions {
	return &Subscriptions{observers: make(map[fleethub.ObserverID]*entry)}
}

func (s *Subscriptions) Add(id fleethub.ObserverID, t Transport) {
	s.mu.Lock()
	s.observers[id] = &entry{transport: t}
	s.mu.Unlock()
}

// Remove drops an observer. The transport-close path and the broadcast
// failure path both land here; removing an absent id is a no-op.
func (s *Subscriptions) Remove(id fleethub.ObserverID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.observers[id]; !ok {
		return false
	}
	delete(s.observers, id)
	return true
}

// SetFocus records which device an observer is watching.
func (s *Subscriptions) SetFocus(id fleethub.ObserverID, device fleethub.DeviceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.observers[id]
	if !ok {
		return fleethub.ErrObserverNotFound
	}
	e.focus = device
	return nil
}

// Focus returns the observer's focus device, if any.
func (s *Subscriptions) Focus(id fleethub.ObserverID) (fleethub.DeviceID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.observers[id]
	if !ok || e.focus == "" {
		return "", false
	}
	return e.focus, true
}

// Snapshot copies the current observer set so broadcast iteration never
// touches the live map while failures mutate it.
func (s *Subscriptions) Snapshot() []Observer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Observer, 0, len(s.observers))
	for id, e := range s.observers {
		out = append(out, Observer{ID: id, Transport: e.transport})
	}
	return out
}

func (s *Subscriptions) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.observers)
}
