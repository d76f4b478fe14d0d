// Package connectivity reports whether the remote API is reachable and
// notifies subscribers when it becomes reachable again.
//
// Two implementations are provided: [Manual], whose state is set by the host
// application, and [Probe], which polls an HTTP endpoint.
package connectivity

import "sync"

// Monitor exposes the current connectivity state. Callbacks registered with
// Subscribe fire exactly once per offline→online transition. Going offline
// only updates the state.
type Monitor interface {
	Online() bool
	Subscribe(fn func())
}

// tracker holds the shared online flag and subscriber list.
type tracker struct {
	mu     sync.Mutex
	online bool
	subs   []func()
}

// Online reports the last known state.
func (t *tracker) Online() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online
}

// Subscribe registers fn to be called on every offline→online transition.
func (t *tracker) Subscribe(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs = append(t.subs, fn)
}

// set stores the new state and runs subscribers if it is a transition to
// online. Subscribers run outside the lock so they may call Online.
func (t *tracker) set(online bool) bool {
	t.mu.Lock()
	regained := online && !t.online
	t.online = online
	subs := append([]func(){}, t.subs...)
	t.mu.Unlock()

	if regained {
		for _, fn := range subs {
			fn()
		}
	}
	return regained
}

// Manual is a Monitor driven by the host application, e.g. from OS network
// events or a UI toggle.
type Manual struct {
	tracker
}

// NewManual returns a Manual monitor with the given initial state.
func NewManual(online bool) *Manual {
	m := &Manual{}
	m.online = online
	return m
}

// SetOnline updates the state. Setting online while already online does not
// notify subscribers.
func (m *Manual) SetOnline(online bool) {
	m.set(online)
}
