// Package connectivity reports whether the remote store is reachable.
package connectivity

import (
	"sync"
)

// Source is an online/offline signal. Subscribers are called with the new
// state on every change.
type Source interface {
	Online() bool
	Subscribe(cb func(online bool)) (unsubscribe func())
}

// Manual is a Source driven by explicit Set calls, used for host signals
// and tests.
type Manual struct {
	mu     sync.Mutex
	online bool
	subs   map[int]func(bool)
	nextID int
}

// NewManual creates a Manual source with the given initial state.
func NewManual(online bool) *Manual {
	return &Manual{online: online, subs: make(map[int]func(bool))}
}

// Online reports the current state.
func (m *Manual) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set changes the state and notifies subscribers if it changed.
func (m *Manual) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]func(bool), 0, len(m.subs))
	for _, cb := range m.subs {
		subs = append(subs, cb)
	}
	m.mu.Unlock()

	for _, cb := range subs {
		cb(online)
	}
}

// Subscribe registers cb for state changes.
func (m *Manual) Subscribe(cb func(bool)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = cb
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}
