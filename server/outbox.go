package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/wirebus/wirebus/model"
	"github.com/wirebus/wirebus/protocol"
	"github.com/wirebus/wirebus/storage"
)

// outbox is the per-room store-and-forward log. Messages addressed to
// a room with no connected members are appended to that room's durable
// log and flushed, in enqueue order, the moment any session joins.
// Rooms with members are never touched by the log.
//
// Its mutex covers both the member check in deliverOrStore and the
// join+flush sequence, so a store decided against a joining member can
// never be emitted after messages sent to that member directly.
type outbox struct {
	logger  zerolog.Logger
	mx      *sync.Mutex
	log     storage.Log
	hub     *hub
	metrics *Metrics
	// mem holds entries that failed to persist, so store outages
	// degrade to in-memory store-and-forward instead of losing sends
	mem map[string][]model.RoomLogEntry
}

func newOutbox(logger *zerolog.Logger, log storage.Log, h *hub, metrics *Metrics) *outbox {
	return &outbox{
		logger:  logger.With().Str("component", "outbox").Logger(),
		mx:      &sync.Mutex{},
		log:     log,
		hub:     h,
		metrics: metrics,
		mem:     make(map[string][]model.RoomLogEntry),
	}
}

// deliverOrStore emits the envelope to the room if it has at least one
// connected member, otherwise appends it to the room's log.
func (ob *outbox) deliverOrStore(ctx context.Context, room string, env model.Envelope) {
	ob.mx.Lock()
	defer ob.mx.Unlock()

	if ob.hub.members(room) > 0 {
		ob.hub.emit(room, env)
		ob.metrics.roomEmit()
		return
	}

	entry := model.RoomLogEntry{
		Type:       env.Meta.Type,
		Data:       env.Data,
		EnqueuedAt: time.Now().UTC(),
	}
	b, err := json.Marshal(&entry)
	if err == nil {
		err = ob.log.Append(ctx, room, b)
	}
	if err != nil {
		ob.logger.Error().Err(err).
			Str("room", room).
			Msg("outbox append failed, keeping entry in memory")
		ob.mem[room] = append(ob.mem[room], entry)
	}
	ob.metrics.outboxStore()
	ob.logger.Debug().
		Str("room", room).
		Str("type", env.Meta.Type).
		Msg("message stored for empty room")
}

// onJoin adds the session to the room and flushes the room's log to
// it, in enqueue order, then clears the log. Joining an already
// populated room flushes nothing because the log is already empty.
func (ob *outbox) onJoin(ctx context.Context, room string, s *session) {
	ob.mx.Lock()
	defer ob.mx.Unlock()

	ob.hub.join(room, s)

	vals, err := ob.log.ReadAll(ctx, room)
	if err != nil {
		ob.logger.Error().Err(err).
			Str("room", room).
			Msg("outbox read failed, stored messages not flushed")
		vals = nil
	}
	var flushed int
	for _, v := range vals {
		var entry model.RoomLogEntry
		if err = json.Unmarshal(v, &entry); err != nil {
			ob.logger.Error().Err(err).
				Str("room", room).
				Msg("skipping unreadable outbox entry")
			continue
		}
		if ob.emitEntry(room, entry) {
			flushed++
		}
	}
	for _, entry := range ob.mem[room] {
		if ob.emitEntry(room, entry) {
			flushed++
		}
	}
	delete(ob.mem, room)

	if len(vals) > 0 {
		if err = ob.log.Clear(ctx, room); err != nil {
			ob.logger.Error().Err(err).
				Str("room", room).
				Msg("outbox clear failed")
		}
	}
	if flushed > 0 {
		ob.metrics.outboxFlush(flushed)
		ob.logger.Debug().
			Str("room", room).
			Int("count", flushed).
			Msg("outbox flushed")
	}
}

// onLeave removes the session from the room.
func (ob *outbox) onLeave(room string, s *session) {
	ob.mx.Lock()
	defer ob.mx.Unlock()
	ob.hub.leave(room, s)
}

// onDisconnect removes the session from every room.
func (ob *outbox) onDisconnect(s *session) {
	ob.mx.Lock()
	defer ob.mx.Unlock()
	ob.hub.dropAll(s)
}

func (ob *outbox) emitEntry(room string, entry model.RoomLogEntry) bool {
	env, err := protocol.NewRequest(entry.Type, entry.Data)
	if err != nil {
		ob.logger.Error().Err(err).
			Str("room", room).
			Msg("unable to rebuild stored message")
		return false
	}
	return ob.hub.emit(room, env) > 0
}
