package client

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
	"github.com/wirebus/wirebus/model"
	"github.com/wirebus/wirebus/storage"
)

type queueEntry struct {
	route string
	data  json.RawMessage
	// done is nil for entries reloaded from the durable store, their
	// original caller is gone and they replay fire-and-forget.
	done chan outcome
}

// queue is the offline queue: a strict FIFO of requests accumulated
// while disconnected, mirrored to a durable log so order survives
// process restart. Store failures degrade to memory-only queueing.
type queue struct {
	logger   zerolog.Logger
	mx       *sync.Mutex
	entries  []*queueEntry
	log      storage.Log
	key      string
	degraded bool
	// mirrored counts store values written by this process through
	// enqueue, so load can tell them apart from a previous process's
	// leftovers and not restore them a second time
	mirrored int
}

func newQueue(logger *zerolog.Logger, log storage.Log, key string) *queue {
	return &queue{
		logger: logger.With().Str("component", "offline-queue").Logger(),
		mx:     &sync.Mutex{},
		log:    log,
		key:    key,
	}
}

// load pulls persisted entries into the queue ahead of anything
// enqueued live, preserving global FIFO order.
func (q *queue) load(ctx context.Context) {
	if q.log == nil {
		return
	}
	vals, err := q.log.ReadAll(ctx, q.key)
	if err != nil {
		q.mx.Lock()
		q.degraded = true
		q.mx.Unlock()
		q.logger.Error().Err(err).Msg("queue store read failed, continuing memory-only")
		return
	}
	q.mx.Lock()
	mirrored := q.mirrored
	q.mx.Unlock()
	if mirrored >= len(vals) {
		return
	}
	// the store tail was mirrored by this process's own live enqueues,
	// restoring it would deliver those entries twice
	vals = vals[:len(vals)-mirrored]

	restored := make([]*queueEntry, 0, len(vals))
	for _, v := range vals {
		var pe model.QueueEntry
		if err = json.Unmarshal(v, &pe); err != nil {
			q.logger.Error().Err(err).Msg("skipping unreadable persisted queue entry")
			continue
		}
		restored = append(restored, &queueEntry{route: pe.Route, data: pe.Data})
	}
	q.mx.Lock()
	q.entries = append(restored, q.entries...)
	q.mx.Unlock()
	if len(restored) > 0 {
		q.logger.Debug().
			Int("count", len(restored)).
			Msg("persisted queue entries loaded")
	}
}

// enqueue appends an entry and mirrors it to the durable store.
// withDeferred controls whether the caller gets a settlement channel.
func (q *queue) enqueue(ctx context.Context, route string, data json.RawMessage, withDeferred bool) <-chan outcome {
	e := &queueEntry{route: route, data: data}
	if withDeferred {
		e.done = make(chan outcome, 1)
	}
	q.mx.Lock()
	q.entries = append(q.entries, e)
	degraded := q.degraded
	q.mx.Unlock()

	if q.log != nil && !degraded {
		b, err := json.Marshal(model.QueueEntry{Route: route, Data: data})
		if err == nil {
			err = q.log.Append(ctx, q.key, b)
		}
		if err != nil {
			q.mx.Lock()
			q.degraded = true
			q.mx.Unlock()
			q.logger.Error().Err(err).Msg("queue store append failed, continuing memory-only")
		} else {
			q.mx.Lock()
			q.mirrored++
			q.mx.Unlock()
		}
	}
	return e.done
}

func (q *queue) len() int {
	q.mx.Lock()
	defer q.mx.Unlock()
	return len(q.entries)
}

// flush drains entries in FIFO order. submit sends one request and
// returns its settlement channel, or an error when the connection is
// gone, in which case draining resumes from the current head on the
// next connected transition. After a full drain the durable mirror is
// cleared.
func (q *queue) flush(ctx context.Context, submit func(route string, data json.RawMessage) (<-chan outcome, error)) {
	for {
		q.mx.Lock()
		if len(q.entries) == 0 {
			q.mx.Unlock()
			break
		}
		e := q.entries[0]
		q.mx.Unlock()

		ch, err := submit(e.route, e.data)
		if err != nil {
			q.logger.Debug().Err(err).
				Int("remaining", q.len()).
				Msg("flush interrupted")
			return
		}
		if e.done != nil {
			// live caller still waiting, forward the settlement
			go forward(ch, e.done)
		} else {
			// replayed entry: await completion before advancing so a
			// failure mid-flush does not reorder the remainder
			select {
			case out := <-ch:
				if out.err != nil {
					q.logger.Warn().Err(out.err).
						Str("route", e.route).
						Msg("replayed request failed")
				}
			case <-ctx.Done():
				return
			}
		}

		q.mx.Lock()
		q.entries = q.entries[1:]
		q.mx.Unlock()
	}

	if q.log == nil {
		return
	}
	q.mx.Lock()
	degraded := q.degraded
	q.mx.Unlock()
	if degraded {
		// a degraded store may still hold persisted entries that were
		// never read back, leave them for the next process instead of
		// destroying them undelivered
		return
	}
	if err := q.log.Clear(ctx, q.key); err != nil {
		q.logger.Error().Err(err).Msg("queue store clear failed")
		return
	}
	q.mx.Lock()
	q.mirrored = 0
	q.mx.Unlock()
}

func forward(from <-chan outcome, to chan<- outcome) {
	to <- <-from
}
