package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/wirebus/wirebus/model"
	"github.com/wirebus/wirebus/protocol"
	"github.com/wirebus/wirebus/router"
	"github.com/wirebus/wirebus/storage"
)

const (
	defaultQueueKey   = "offline-queue"
	defaultPushBuffer = 64
)

var (
	ErrConnectionLost = errors.New("connection lost")
	ErrClosed         = errors.New("client is closed")
	ErrNotConnected   = errors.New("not connected")
	ErrEmptyRoom      = errors.New("room name cannot be empty")
)

// AuthRejectedError is returned by Connect when the handshake is
// rejected by the server.
type AuthRejectedError struct {
	Code string
}

func (e *AuthRejectedError) Error() string {
	return "authentication rejected: " + e.Code
}

type EventKind int

const (
	// EventAuthenticating signals the start of a connect attempt.
	EventAuthenticating EventKind = iota
	// EventConnected signals a completed handshake. Session carries
	// the application-defined session data.
	EventConnected
	// EventDisconnected signals a transport-level connection loss.
	EventDisconnected
	// EventAuthFailed signals a rejected handshake.
	EventAuthFailed
)

type Event struct {
	Kind    EventKind
	Session json.RawMessage
	Code    string
	Err     error
}

// Transport is the underlying bidirectional connection. It owns
// dialing, the handshake exchange and reconnection cadence, and
// reports lifecycle changes through Events.
type Transport interface {
	Start(ctx context.Context) error
	Send(env model.Envelope) error
	Inbound() <-chan model.Envelope
	Events() <-chan Event
	Close() error
}

type Config struct {
	Logger    *zerolog.Logger
	Transport Transport
	// Store mirrors the offline queue so it survives restarts.
	// Optional, nil means memory-only queueing.
	Store    storage.Log
	QueueKey string
	// DefaultTimeout applies to connect and to every request unless
	// overridden per call. 0 disables timeouts.
	DefaultTimeout time.Duration
}

// Client is the connection manager. It owns the connection state
// machine and sequences offline-queue flush and room rejoin after
// every successful authentication.
type Client struct {
	logger    zerolog.Logger
	transport Transport
	tracker   *tracker
	queue     *queue
	rooms     *membership
	router    *router.Router
	timeout   time.Duration

	mx      *sync.Mutex
	state   model.ConnState
	session json.RawMessage
	waiters []chan connectResult
	started bool
	closed  bool

	runCtx   context.Context
	cancel   context.CancelFunc
	replayMx *sync.Mutex
	pushc    chan model.Envelope
}

type connectResult struct {
	session json.RawMessage
	err     error
}

func New(cfg Config) *Client {
	key := cfg.QueueKey
	if key == "" {
		key = defaultQueueKey
	}
	c := &Client{
		logger:    cfg.Logger.With().Str("component", "client").Logger(),
		transport: cfg.Transport,
		tracker:   newTracker(cfg.Logger),
		queue:     newQueue(cfg.Logger, cfg.Store, key),
		rooms:     newMembership(),
		router:    router.New(cfg.Logger),
		timeout:   cfg.DefaultTimeout,
		mx:        &sync.Mutex{},
		replayMx:  &sync.Mutex{},
		pushc:     make(chan model.Envelope, defaultPushBuffer),
	}
	// entries persisted by a previous process go ahead of anything
	// enqueued live by this one
	c.queue.load(context.Background())
	return c
}

type CallOption func(*callOptions)

type callOptions struct {
	timeout time.Duration
	set     bool
}

// WithTimeout overrides the default request timeout for one call.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		o.timeout = d
		o.set = true
	}
}

// Connect starts the transport and waits for a completed handshake,
// returning the application-defined session data. Calling Connect
// while already connected is a no-op returning the cached session.
func (c *Client) Connect(ctx context.Context) (json.RawMessage, error) {
	c.mx.Lock()
	if c.closed {
		c.mx.Unlock()
		return nil, ErrClosed
	}
	if c.state == model.StateConnected {
		session := c.session
		c.mx.Unlock()
		return session, nil
	}
	if err := c.startLocked(); err != nil {
		c.mx.Unlock()
		return nil, err
	}
	c.state = model.StateAuthenticating
	w := make(chan connectResult, 1)
	c.waiters = append(c.waiters, w)
	c.mx.Unlock()

	var timeoutCh <-chan time.Time
	if c.timeout > 0 {
		tm := time.NewTimer(c.timeout)
		defer tm.Stop()
		timeoutCh = tm.C
	}
	select {
	case res := <-w:
		return res.session, res.err
	case <-timeoutCh:
		return nil, fmt.Errorf("TIMEOUT: connect (%dms)", c.timeout.Milliseconds())
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) startLocked() error {
	if c.started {
		return nil
	}
	c.started = true
	c.runCtx, c.cancel = context.WithCancel(context.Background())
	if err := c.transport.Start(c.runCtx); err != nil {
		return err
	}
	go c.run(c.runCtx)
	go c.pushPump(c.runCtx)
	return nil
}

// Disconnect closes the transport. Synchronous and idempotent.
func (c *Client) Disconnect() {
	c.mx.Lock()
	if c.closed {
		c.mx.Unlock()
		return
	}
	c.closed = true
	c.state = model.StateDisconnected
	cancel := c.cancel
	waiters := c.waiters
	c.waiters = nil
	c.mx.Unlock()

	if cancel != nil {
		cancel()
	}
	_ = c.transport.Close()
	for _, w := range waiters {
		w <- connectResult{err: ErrClosed}
	}
	c.tracker.failAll(ErrClosed)
	c.logger.Debug().Msg("client closed")
}

// Handle registers a handler for inbound pushes on route.
func (c *Client) Handle(route string, h router.Handler) error {
	return c.router.Register(route, h)
}

// Request sends a typed request and waits for the correlated reply.
// While disconnected the request is absorbed by the offline queue and
// settles after the next successful authentication.
func (c *Client) Request(ctx context.Context, route string, payload any, opts ...CallOption) (json.RawMessage, error) {
	data, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	co := callOptions{timeout: c.timeout}
	for _, o := range opts {
		o(&co)
	}

	ch, err := c.submit(route, data, co.timeout)
	if err != nil {
		if !errors.Is(err, ErrNotConnected) {
			return nil, err
		}
		ch = c.queue.enqueue(ctx, route, data, true)
		c.logger.Debug().
			Str("route", route).
			Msg("request queued while disconnected")
		c.kickFlush()
	}
	select {
	case out := <-ch:
		return out.data, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Notify sends a request without waiting for its reply. While
// disconnected it is queued fire-and-forget.
func (c *Client) Notify(ctx context.Context, route string, payload any) error {
	data, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	// the settlement channel is buffered, nobody has to drain it
	if _, err = c.submit(route, data, c.timeout); err != nil {
		if !errors.Is(err, ErrNotConnected) {
			return err
		}
		c.queue.enqueue(ctx, route, data, false)
		c.kickFlush()
	}
	return nil
}

// Join adds the client to a room. While disconnected the room is only
// recorded locally, the next rejoin pass sends the actual join.
func (c *Client) Join(ctx context.Context, room string) error {
	if room == "" {
		return ErrEmptyRoom
	}
	ch, err := c.submit(model.RouteRoomJoin, roomPayload(room), c.timeout)
	if err != nil {
		if errors.Is(err, ErrNotConnected) {
			c.rooms.add(room)
			return nil
		}
		return err
	}
	select {
	case out := <-ch:
		if out.err != nil {
			return out.err
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	c.rooms.add(room)
	return nil
}

// Leave removes the client from a room.
func (c *Client) Leave(ctx context.Context, room string) error {
	if room == "" {
		return ErrEmptyRoom
	}
	ch, err := c.submit(model.RouteRoomLeave, roomPayload(room), c.timeout)
	if err != nil {
		if errors.Is(err, ErrNotConnected) {
			c.rooms.remove(room)
			return nil
		}
		return err
	}
	select {
	case out := <-ch:
		if out.err != nil {
			return out.err
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	c.rooms.remove(room)
	return nil
}

// State returns the current connection state.
func (c *Client) State() model.ConnState {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.state
}

// Queued returns the number of offline-queue entries not yet flushed.
func (c *Client) Queued() int {
	return c.queue.len()
}

// Rooms returns the rooms the client is currently a member of.
func (c *Client) Rooms() []string {
	return c.rooms.list()
}

func (c *Client) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.transport.Events():
			if !ok {
				return
			}
			c.handleEvent(ev)
		case env, ok := <-c.transport.Inbound():
			if !ok {
				return
			}
			c.handleInbound(ctx, env)
		}
	}
}

func (c *Client) handleEvent(ev Event) {
	switch ev.Kind {
	case EventAuthenticating:
		c.mx.Lock()
		if !c.closed {
			c.state = model.StateAuthenticating
		}
		c.mx.Unlock()

	case EventConnected:
		c.mx.Lock()
		if c.closed {
			c.mx.Unlock()
			return
		}
		c.state = model.StateConnected
		c.session = ev.Session
		waiters := c.waiters
		c.waiters = nil
		runCtx := c.runCtx
		c.mx.Unlock()

		for _, w := range waiters {
			w <- connectResult{session: ev.Session}
		}
		c.logger.Debug().Msg("authenticated")
		go c.replay(runCtx)

	case EventDisconnected:
		c.mx.Lock()
		if !c.closed {
			c.state = model.StateDisconnected
		}
		c.mx.Unlock()
		// ids from this connection are not valid on the next one,
		// settle everything in flight now
		c.tracker.failAll(ErrConnectionLost)
		c.logger.Debug().Msg("disconnected")

	case EventAuthFailed:
		c.mx.Lock()
		if !c.closed {
			c.state = model.StateDisconnected
		}
		waiters := c.waiters
		c.waiters = nil
		c.mx.Unlock()

		err := ev.Err
		if err == nil {
			err = &AuthRejectedError{Code: ev.Code}
		}
		for _, w := range waiters {
			w <- connectResult{err: err}
		}
		c.logger.Warn().Err(err).Msg("handshake rejected")
	}
}

func (c *Client) handleInbound(ctx context.Context, env model.Envelope) {
	if env.IsResponse() {
		c.tracker.resolve(env)
		return
	}
	// inbound push, handed to the push pump so a slow handler does
	// not stall response correlation while push order is preserved
	select {
	case c.pushc <- env:
	case <-ctx.Done():
	}
}

// pushPump dispatches inbound pushes one at a time, in arrival order.
func (c *Client) pushPump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-c.pushc:
			c.router.DispatchPush(ctx, env)
		}
	}
}

// replay runs the post-authentication sequence: offline-queue flush,
// then room rejoin. Serialized so overlapping reconnects cannot
// interleave two flushes.
func (c *Client) replay(ctx context.Context) {
	c.replayMx.Lock()
	defer c.replayMx.Unlock()
	c.queue.flush(ctx, c.submitQueued)
	c.rejoinAll(ctx)
}

// kickFlush drains the queue immediately if a connection appeared
// between the failed submit and the enqueue.
func (c *Client) kickFlush() {
	c.mx.Lock()
	runCtx := c.runCtx
	connected := c.state == model.StateConnected
	c.mx.Unlock()
	if !connected || runCtx == nil {
		return
	}
	go func() {
		c.replayMx.Lock()
		defer c.replayMx.Unlock()
		c.queue.flush(runCtx, c.submitQueued)
	}()
}

func (c *Client) rejoinAll(ctx context.Context) {
	for _, room := range c.rooms.list() {
		ch, err := c.submit(model.RouteRoomJoin, roomPayload(room), c.timeout)
		if err != nil {
			c.logger.Warn().Err(err).
				Str("room", room).
				Msg("rejoin interrupted")
			return
		}
		select {
		case out := <-ch:
			if out.err != nil {
				// best-effort, keep rejoining the rest
				c.logger.Warn().Err(out.err).
					Str("room", room).
					Msg("room rejoin failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// submit builds and sends one request on the live connection and
// returns its settlement channel.
func (c *Client) submit(route string, data json.RawMessage, timeout time.Duration) (<-chan outcome, error) {
	c.mx.Lock()
	if c.closed {
		c.mx.Unlock()
		return nil, ErrClosed
	}
	if c.state != model.StateConnected {
		c.mx.Unlock()
		return nil, ErrNotConnected
	}
	c.mx.Unlock()

	env, err := protocol.NewRequest(route, data)
	if err != nil {
		return nil, err
	}
	ch := c.tracker.track(env.Meta.ID, route, timeout)
	if err = c.transport.Send(env); err != nil {
		c.tracker.reject(env.Meta.ID, err)
	}
	return ch, nil
}

func (c *Client) submitQueued(route string, data json.RawMessage) (<-chan outcome, error) {
	return c.submit(route, data, c.timeout)
}

func roomPayload(room string) json.RawMessage {
	b, _ := json.Marshal(model.RoomRequest{Room: room})
	return b
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, errors.Join(protocol.ErrBadPayload, err)
		}
		return b, nil
	}
}
