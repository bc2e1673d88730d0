package client

import (
	"sort"
	"sync"
)

// membership tracks the set of rooms the client should be in. It is
// the source of truth for what gets rejoined after reconnection.
type membership struct {
	mx    *sync.Mutex
	rooms map[string]struct{}
}

func newMembership() *membership {
	return &membership{
		mx:    &sync.Mutex{},
		rooms: make(map[string]struct{}),
	}
}

func (m *membership) add(room string) {
	m.mx.Lock()
	m.rooms[room] = struct{}{}
	m.mx.Unlock()
}

func (m *membership) remove(room string) {
	m.mx.Lock()
	delete(m.rooms, room)
	m.mx.Unlock()
}

func (m *membership) list() []string {
	m.mx.Lock()
	out := make([]string, 0, len(m.rooms))
	for room := range m.rooms {
		out = append(out, room)
	}
	m.mx.Unlock()
	sort.Strings(out)
	return out
}
