package client

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/wirebus/wirebus/model"
)

// ReplyError is an error response received from the peer.
type ReplyError struct {
	Code    int
	Message string
}

func (e *ReplyError) Error() string {
	return e.Message
}

type outcome struct {
	data json.RawMessage
	err  error
}

type pendingRequest struct {
	id        string
	route     string
	createdAt time.Time
	done      chan outcome
	timer     *time.Timer
}

// tracker correlates outbound requests with inbound responses by id.
// Every pending request settles exactly once, from whichever of
// {response, timeout, failAll} happens first.
type tracker struct {
	logger  zerolog.Logger
	mx      *sync.Mutex
	pending map[string]*pendingRequest
}

func newTracker(logger *zerolog.Logger) *tracker {
	return &tracker{
		logger:  logger.With().Str("component", "tracker").Logger(),
		mx:      &sync.Mutex{},
		pending: make(map[string]*pendingRequest),
	}
}

// track registers a pending request and arms its timeout.
// timeout <= 0 disables the timer.
func (t *tracker) track(id, route string, timeout time.Duration) <-chan outcome {
	pr := &pendingRequest{
		id:        id,
		route:     route,
		createdAt: time.Now(),
		done:      make(chan outcome, 1),
	}
	t.mx.Lock()
	t.pending[id] = pr
	if timeout > 0 {
		pr.timer = time.AfterFunc(timeout, func() {
			t.expire(id, route, timeout)
		})
	}
	t.mx.Unlock()
	return pr.done
}

func (t *tracker) expire(id, route string, timeout time.Duration) {
	pr, ok := t.take(id)
	if !ok {
		// already settled
		return
	}
	pr.done <- outcome{err: fmt.Errorf("TIMEOUT: %s (%dms)", route, timeout.Milliseconds())}
	t.logger.Debug().
		Str("id", id).
		Str("route", route).
		Msg("request timed out")
}

// resolve settles the pending request matching the response envelope.
// Responses for unknown ids (late after timeout, or from a previous
// connection) are discarded.
func (t *tracker) resolve(env model.Envelope) {
	pr, ok := t.take(env.Meta.ID)
	if !ok {
		t.logger.Trace().
			Str("id", env.Meta.ID).
			Msg("response for unknown request discarded")
		return
	}
	if env.IsErr() {
		pr.done <- outcome{err: &ReplyError{
			Code:    env.Meta.Code,
			Message: env.Meta.Error,
		}}
		return
	}
	pr.done <- outcome{data: env.Data}
}

// reject settles a single pending request with err.
func (t *tracker) reject(id string, err error) {
	if pr, ok := t.take(id); ok {
		pr.done <- outcome{err: err}
	}
}

// failAll rejects every pending request with err.
func (t *tracker) failAll(err error) {
	t.mx.Lock()
	taken := t.pending
	t.pending = make(map[string]*pendingRequest)
	t.mx.Unlock()

	for _, pr := range taken {
		if pr.timer != nil {
			pr.timer.Stop()
		}
		pr.done <- outcome{err: err}
	}
	if len(taken) > 0 {
		t.logger.Debug().
			Int("count", len(taken)).
			Msg("pending requests rejected")
	}
}

func (t *tracker) take(id string) (*pendingRequest, bool) {
	t.mx.Lock()
	defer t.mx.Unlock()

	pr, ok := t.pending[id]
	if !ok {
		return nil, false
	}
	delete(t.pending, id)
	if pr.timer != nil {
		pr.timer.Stop()
	}
	return pr, true
}
