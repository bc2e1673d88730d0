package server

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/wirebus/wirebus/model"
)

// hub tracks which sessions are members of which rooms and fans
// envelopes out to them. Per-session channel order preserves per-room
// delivery order.
type hub struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	rooms  map[string]map[*session]struct{}
}

func newHub(logger *zerolog.Logger) *hub {
	return &hub{
		logger: logger.With().Str("component", "hub").Logger(),
		mx:     &sync.RWMutex{},
		rooms:  make(map[string]map[*session]struct{}),
	}
}

func (h *hub) join(room string, s *session) {
	h.mx.Lock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*session]struct{})
		h.rooms[room] = members
	}
	members[s] = struct{}{}
	h.mx.Unlock()
	h.logger.Debug().Str("room", room).Msg("session joined room")
}

func (h *hub) leave(room string, s *session) {
	h.mx.Lock()
	if members, ok := h.rooms[room]; ok {
		delete(members, s)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mx.Unlock()
	h.logger.Debug().Str("room", room).Msg("session left room")
}

// dropAll removes the session from every room it joined.
func (h *hub) dropAll(s *session) {
	h.mx.Lock()
	for room, members := range h.rooms {
		if _, ok := members[s]; ok {
			delete(members, s)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	h.mx.Unlock()
}

func (h *hub) members(room string) int {
	h.mx.RLock()
	defer h.mx.RUnlock()
	return len(h.rooms[room])
}

// emit delivers the envelope to every current member of the room and
// returns how many sessions accepted it.
func (h *hub) emit(room string, env model.Envelope) int {
	h.mx.RLock()
	members := make([]*session, 0, len(h.rooms[room]))
	for s := range h.rooms[room] {
		members = append(members, s)
	}
	h.mx.RUnlock()

	var sent int
	for _, s := range members {
		if s.push(env) {
			sent++
		}
	}
	if sent == 0 {
		h.logger.Debug().
			Str("room", room).
			Str("type", env.Meta.Type).
			Msg("room emit reached no one")
	}
	return sent
}
