package ws

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/wirebus/wirebus/client"
	"github.com/wirebus/wirebus/model"
	"github.com/wirebus/wirebus/protocol"
)

const (
	defaultHandshakeTimeout = 3 * time.Second
	defaultAuthWait         = 5 * time.Second
	defaultWriteDeadline    = 5 * time.Second
	// defaultReadIdleTimeout must exceed the server ping interval
	defaultReadIdleTimeout = 60 * time.Second

	defaultReconnectDelayMin = time.Second
	defaultReconnectDelayMax = 30 * time.Second

	defaultChanBuffer = 16
)

var (
	ErrClosed       = errors.New("transport is closed")
	ErrNotConnected = errors.New("transport is not connected")
	ErrBadHandshake = errors.New("unexpected handshake reply")
)

type Config struct {
	Logger *zerolog.Logger
	// URL is the websocket endpoint, e.g. ws://host:8888/ws.
	URL string
	// Token is the credential presented during the _auth handshake.
	Token             string
	ReconnectDelayMin time.Duration
	ReconnectDelayMax time.Duration
}

// Transport is a gorilla/websocket client.Transport. It dials,
// performs the _auth handshake, and reconnects with bounded
// exponential backoff and jitter until closed.
type Transport struct {
	logger   zerolog.Logger
	url      string
	token    string
	delayMin time.Duration
	delayMax time.Duration

	mx      *sync.Mutex
	conn    *websocket.Conn
	started bool
	closed  bool

	inbound chan model.Envelope
	events  chan client.Event
}

func New(cfg Config) *Transport {
	delayMin := cfg.ReconnectDelayMin
	if delayMin <= 0 {
		delayMin = defaultReconnectDelayMin
	}
	delayMax := cfg.ReconnectDelayMax
	if delayMax < delayMin {
		delayMax = defaultReconnectDelayMax
	}
	return &Transport{
		logger:   cfg.Logger.With().Str("component", "ws-transport").Logger(),
		url:      cfg.URL,
		token:    cfg.Token,
		delayMin: delayMin,
		delayMax: delayMax,
		mx:       &sync.Mutex{},
		inbound:  make(chan model.Envelope, defaultChanBuffer),
		events:   make(chan client.Event, defaultChanBuffer),
	}
}

func (t *Transport) Start(ctx context.Context) error {
	t.mx.Lock()
	defer t.mx.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.started {
		return nil
	}
	t.started = true
	go t.runLoop(ctx)
	return nil
}

func (t *Transport) Inbound() <-chan model.Envelope {
	return t.inbound
}

func (t *Transport) Events() <-chan client.Event {
	return t.events
}

// Send writes one envelope to the live connection. Writes are
// serialized, gorilla connections allow a single writer.
func (t *Transport) Send(env model.Envelope) error {
	t.mx.Lock()
	defer t.mx.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.conn == nil {
		return ErrNotConnected
	}
	b, err := json.Marshal(&env)
	if err != nil {
		return err
	}
	if err = t.conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, b)
}

func (t *Transport) Close() error {
	t.mx.Lock()
	if t.closed {
		t.mx.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.conn = nil
	t.mx.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(defaultWriteDeadline))
		return conn.Close()
	}
	return nil
}

func (t *Transport) runLoop(ctx context.Context) {
	delay := t.delayMin
reconnectLoop:
	for {
		if t.isClosed() || ctx.Err() != nil {
			break reconnectLoop
		}
		t.emit(ctx, client.Event{Kind: client.EventAuthenticating})

		conn, session, err := t.dial(ctx)
		if err != nil {
			var authErr *client.AuthRejectedError
			if errors.As(err, &authErr) {
				t.emit(ctx, client.Event{Kind: client.EventAuthFailed, Code: authErr.Code, Err: err})
			} else {
				t.logger.Warn().Err(err).Msg("dial failed")
			}
			select {
			case <-ctx.Done():
				break reconnectLoop
			case <-time.After(withJitter(delay)):
			}
			delay = min(delay*2, t.delayMax)
			continue
		}
		delay = t.delayMin

		t.setConn(conn)
		t.emit(ctx, client.Event{Kind: client.EventConnected, Session: session})

		t.readPump(ctx, conn)

		t.setConn(nil)
		_ = conn.Close()
		t.emit(ctx, client.Event{Kind: client.EventDisconnected})
	}
	t.logger.Debug().Msg("transport stopped")
}

// dial connects and performs the _auth handshake. On success it
// returns the connection and the session data from the auth reply.
func (t *Transport) dial(ctx context.Context) (*websocket.Conn, json.RawMessage, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return nil, nil, err
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	session, err := t.authenticate(conn)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, session, nil
}

func (t *Transport) authenticate(conn *websocket.Conn) (json.RawMessage, error) {
	env, err := protocol.NewRequest(model.RouteAuth, model.AuthRequest{Token: t.token})
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(&env)
	if err != nil {
		return nil, err
	}
	if err = conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); err != nil {
		return nil, err
	}
	if err = conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return nil, err
	}

	if err = conn.SetReadDeadline(time.Now().Add(defaultAuthWait)); err != nil {
		return nil, err
	}
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	reply, err := protocol.Decode(msg)
	if err != nil {
		return nil, errors.Join(ErrBadHandshake, err)
	}
	if !reply.IsResponse() || reply.Meta.ID != env.Meta.ID {
		return nil, ErrBadHandshake
	}
	if reply.IsErr() {
		return nil, &client.AuthRejectedError{Code: reply.Meta.Error}
	}
	return reply.Data, nil
}

func (t *Transport) readPump(ctx context.Context, conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(defaultReadIdleTimeout))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(defaultReadIdleTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData),
			time.Now().Add(defaultWriteDeadline))
	})

readLoop:
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway) {
				t.logger.Debug().Err(err).Msg("connection closed")
			} else if !t.isClosed() {
				t.logger.Warn().Err(err).Msg("receive failed")
			}
			break readLoop
		}
		env, err := protocol.Decode(msg)
		if err != nil {
			t.logger.Error().Err(err).Msg("malformed inbound frame dropped")
			continue
		}
		select {
		case t.inbound <- env:
		case <-ctx.Done():
			break readLoop
		}
	}
}

func (t *Transport) emit(ctx context.Context, ev client.Event) {
	select {
	case t.events <- ev:
	case <-ctx.Done():
	}
}

func (t *Transport) setConn(conn *websocket.Conn) {
	t.mx.Lock()
	t.conn = conn
	t.mx.Unlock()
}

func (t *Transport) isClosed() bool {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.closed
}

func withJitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}
