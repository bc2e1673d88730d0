package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/wirebus/wirebus/model"
	"github.com/wirebus/wirebus/protocol"
	"github.com/wirebus/wirebus/router"
	"github.com/wirebus/wirebus/storage"
	"github.com/wirebus/wirebus/storage/memory"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 65536
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second

	defaultSendBuffer  = 64
	defaultSendTimeout = time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
	// ErrCredentialRejected is returned by an Authenticator when the
	// credential is well-formed but wrong. Any other error means the
	// check itself failed.
	ErrCredentialRejected = errors.New("credential rejected")
)

// Authenticator decides the handshake. It returns the application
// session object delivered to the client on success.
type Authenticator func(ctx context.Context, credential string) (any, error)

type Config struct {
	Logger *zerolog.Logger
	// Authenticator decides handshakes. nil accepts every credential.
	Authenticator Authenticator
	// Store backs the room outbox. nil falls back to an in-memory log.
	Store      storage.Log
	ListenAddr string
	Metrics    *Metrics
}

// Server is the websocket endpoint: it authenticates connections,
// dispatches typed requests through the route table, tracks room
// membership and runs the store-and-forward outbox.
type Server struct {
	logger  zerolog.Logger
	auth    Authenticator
	router  *router.Router
	hub     *hub
	outbox  *outbox
	metrics *Metrics
	ws      *websocket.Upgrader
	*http.Server
}

func NewServer(cfg Config) *Server {
	store := cfg.Store
	if store == nil {
		store = memory.NewMemLog()
	}
	h := newHub(cfg.Logger)
	srv := &Server{
		logger:  cfg.Logger.With().Str("component", "websocket-server").Logger(),
		auth:    cfg.Authenticator,
		router:  router.New(cfg.Logger),
		hub:     h,
		outbox:  newOutbox(cfg.Logger, store, h, cfg.Metrics),
		metrics: cfg.Metrics,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.serve)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

// Handle registers a request handler for route.
func (srv *Server) Handle(route string, h router.Handler) error {
	return srv.router.Register(route, h)
}

// SendToRoom delivers a push to the room's members, or stores it for
// the next joiner when the room is empty.
func (srv *Server) SendToRoom(ctx context.Context, room, route string, payload any) error {
	env, err := protocol.NewRequest(route, payload)
	if err != nil {
		return err
	}
	srv.outbox.deliverOrStore(ctx, room, env)
	return nil
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

func (srv *Server) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := newSession(ctx, &srv.logger)
	srv.metrics.connOpen()

	go srv.handleConn(ctx, cancel, conn, s)
}

func (srv *Server) handleConn(
	ctx context.Context,
	cancel context.CancelFunc,
	conn *websocket.Conn,
	s *session,
) {
	wg := &sync.WaitGroup{}

	wg.Add(2)
	go func() {
		srv.receiver(ctx, conn, s)
		cancel()
		wg.Done()
	}()
	go func() {
		srv.sender(ctx, conn, s)
		cancel()
		wg.Done()
	}()

	wg.Wait()
	webSocketCloser(conn, &s.logger)
	srv.outbox.onDisconnect(s)
	srv.metrics.connClose()
	s.logger.Debug().Msg("session ended")
}

func (srv *Server) receiver(ctx context.Context, conn *websocket.Conn, s *session) {
	conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		s.logger.Trace().Msg("got pong")
		return readDeadLineFunc(defaultPongWait)
	})
	if err := readDeadLineFunc(defaultPongWait); err != nil {
		s.logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

RecvLoop:
	for {
		select {
		case <-ctx.Done():
			break RecvLoop
		default:
			_, msg, wsErr := conn.ReadMessage()
			if wsErr != nil {
				if websocket.IsCloseError(wsErr,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway) {
					s.logger.Debug().Err(wsErr).Msg("connection closed")
				} else {
					s.logger.Warn().Err(wsErr).Msg("unexpected error during receive")
				}
				break RecvLoop
			}
			if !srv.handleFrame(ctx, s, msg) {
				break RecvLoop
			}
		}
	}
}

// handleFrame processes one inbound frame. It returns false when the
// connection must be dropped (failed handshake).
func (srv *Server) handleFrame(ctx context.Context, s *session, msg []byte) bool {
	env, err := protocol.Decode(msg)
	if err != nil {
		code := protocol.CodeFor(err)
		text := "Malformed envelope"
		if code == model.CodeBadType {
			text = "Missing or invalid message type"
		}
		s.push(protocol.NewError(env.Meta.ID, code, text))
		srv.metrics.dispatch("rejected")
		return true
	}
	if env.IsResponse() {
		// clients do not answer requests in this protocol
		s.logger.Debug().Str("id", env.Meta.ID).Msg("unexpected response envelope dropped")
		return true
	}

	if !s.authed {
		return srv.handleAuth(ctx, s, env)
	}

	switch env.Meta.Type {
	case model.RouteAuth:
		// repeated handshake on a live session is a no-op
		resp, rErr := protocol.NewResult(env.Meta.ID, s.session)
		if rErr == nil {
			s.push(resp)
		}
	case model.RouteRoomJoin:
		srv.handleJoin(ctx, s, env)
	case model.RouteRoomLeave:
		srv.handleLeave(s, env)
	default:
		// dispatched concurrently so one slow handler cannot stall
		// other requests on the same connection
		go func() {
			resp := srv.router.Dispatch(ctx, env)
			if resp.IsErr() {
				srv.metrics.dispatch("error")
			} else {
				srv.metrics.dispatch("ok")
			}
			s.push(resp)
		}()
	}
	return true
}

func (srv *Server) handleAuth(ctx context.Context, s *session, env model.Envelope) bool {
	if env.Meta.Type != model.RouteAuth {
		s.push(protocol.NewError(env.Meta.ID, 0, model.AuthNull))
		s.logger.Warn().
			Str("type", env.Meta.Type).
			Msg("message before handshake, dropping connection")
		return false
	}
	var req model.AuthRequest
	_ = json.Unmarshal(env.Data, &req)
	if req.Token == "" {
		s.push(protocol.NewError(env.Meta.ID, 0, model.AuthNull))
		return false
	}

	sessionData := any(nil)
	if srv.auth != nil {
		var err error
		sessionData, err = srv.auth(ctx, req.Token)
		if err != nil {
			code := model.AuthError
			if errors.Is(err, ErrCredentialRejected) {
				code = model.AuthFail
			}
			s.push(protocol.NewError(env.Meta.ID, 0, code))
			s.logger.Warn().Err(err).Str("code", code).Msg("handshake rejected")
			return false
		}
	}
	resp, err := protocol.NewResult(env.Meta.ID, sessionData)
	if err != nil {
		s.push(protocol.NewError(env.Meta.ID, 0, model.AuthError))
		s.logger.Error().Err(err).Msg("session data is not serializable")
		return false
	}
	s.authed = true
	s.session = sessionData
	s.push(resp)
	s.logger.Debug().Msg("handshake complete")
	return true
}

func (srv *Server) handleJoin(ctx context.Context, s *session, env model.Envelope) {
	var req model.RoomRequest
	_ = json.Unmarshal(env.Data, &req)
	if req.Room == "" {
		s.push(protocol.NewError(env.Meta.ID, model.CodeHandlerFailure, "room name cannot be empty"))
		return
	}
	srv.outbox.onJoin(ctx, req.Room, s)
	s.rooms[req.Room] = struct{}{}
	resp, err := protocol.NewResult(env.Meta.ID, model.RoomRequest{Room: req.Room})
	if err == nil {
		s.push(resp)
	}
}

func (srv *Server) handleLeave(s *session, env model.Envelope) {
	var req model.RoomRequest
	_ = json.Unmarshal(env.Data, &req)
	if req.Room == "" {
		s.push(protocol.NewError(env.Meta.ID, model.CodeHandlerFailure, "room name cannot be empty"))
		return
	}
	srv.outbox.onLeave(req.Room, s)
	delete(s.rooms, req.Room)
	resp, err := protocol.NewResult(env.Meta.ID, model.RoomRequest{Room: req.Room})
	if err == nil {
		s.push(resp)
	}
}

func (srv *Server) sender(ctx context.Context, conn *websocket.Conn, s *session) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer pingTicker.Stop()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			// flush whatever the receiver pushed before it stopped,
			// e.g. the handshake rejection
			drainSend(conn, s)
			break SendLoop
		case <-pingTicker.C:
			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				s.logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsErr = conn.WriteMessage(websocket.PingMessage, []byte{})
			if wsErr != nil {
				s.logger.Error().Err(wsErr).Msg("failed to send ping")
			}
			s.logger.Trace().Msg("ping sent")

		case env := <-s.send:
			b, wsErr := json.Marshal(&env)
			if wsErr != nil {
				s.logger.Error().Err(wsErr).Msg("failed to marshal outgoing message")
				continue
			}
			wsErr = conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				s.logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			if wsErr = conn.WriteMessage(websocket.TextMessage, b); wsErr != nil {
				s.logger.Error().Err(wsErr).Msg("failed to write outgoing message")
				break SendLoop
			}
		}
	}
}

func drainSend(conn *websocket.Conn, s *session) {
	for {
		select {
		case env := <-s.send:
			b, err := json.Marshal(&env)
			if err != nil {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
			if conn.WriteMessage(websocket.TextMessage, b) != nil {
				return
			}
		default:
			return
		}
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage, []byte{})
		if wsErr != nil {
			logger.Debug().Err(wsErr).Msg("failed to send websocket close message")
		}
	}
	if wsErr = conn.Close(); wsErr != nil {
		logger.Debug().Err(wsErr).Msg("failed to close websocket connection")
	}
}

// session is one authenticated client connection.
type session struct {
	ctx     context.Context
	logger  zerolog.Logger
	send    chan model.Envelope
	rooms   map[string]struct{}
	authed  bool
	session any
}

func newSession(ctx context.Context, logger *zerolog.Logger) *session {
	return &session{
		ctx:    ctx,
		logger: logger.With().Str("component", "session").Logger(),
		send:   make(chan model.Envelope, defaultSendBuffer),
		rooms:  make(map[string]struct{}),
	}
}

// push queues an envelope for the sender pump. A session that cannot
// accept within the send timeout is considered dead and the envelope
// is dropped.
func (s *session) push(env model.Envelope) bool {
	t := time.NewTimer(defaultSendTimeout)
	defer t.Stop()
	select {
	case s.send <- env:
		return true
	case <-s.ctx.Done():
		return false
	case <-t.C:
		s.logger.Error().
			Str("type", env.Meta.Type).
			Msg("dead session, push dropped")
		return false
	}
}
