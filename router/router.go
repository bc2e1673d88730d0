package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/wirebus/wirebus/model"
	"github.com/wirebus/wirebus/protocol"
)

var (
	ErrEmptyRoute    = errors.New("route name cannot be empty")
	ErrReservedRoute = errors.New("route name is reserved")
	ErrNilHandler    = errors.New("handler cannot be nil")
)

// Handler processes one inbound payload for a route. The returned
// value is serialized into the response envelope.
type Handler func(ctx context.Context, data json.RawMessage) (any, error)

// Router maps route names to handlers. Exactly one handler per route,
// re-registration overwrites.
type Router struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	routes map[string]Handler
}

func New(logger *zerolog.Logger) *Router {
	return &Router{
		logger: logger.With().Str("component", "router").Logger(),
		mx:     &sync.RWMutex{},
		routes: make(map[string]Handler),
	}
}

// Register stores the handler for route. Route names starting with an
// underscore are reserved for control messages.
func (rt *Router) Register(route string, h Handler) error {
	if route == "" {
		return ErrEmptyRoute
	}
	if strings.HasPrefix(route, "_") {
		return ErrReservedRoute
	}
	if h == nil {
		return ErrNilHandler
	}
	rt.mx.Lock()
	rt.routes[route] = h
	rt.mx.Unlock()
	return nil
}

// Dispatch runs the handler for the inbound request envelope and
// returns the response envelope. Handler failures never propagate,
// they become error responses.
func (rt *Router) Dispatch(ctx context.Context, env model.Envelope) model.Envelope {
	h, ok := rt.lookup(env.Meta.Type)
	if !ok {
		return protocol.NewError(env.Meta.ID, model.CodeUnknownRoute,
			fmt.Sprintf("Unknown route: %s", env.Meta.Type))
	}
	result, err := rt.invoke(ctx, env.Meta.Type, h, env.Data)
	if err != nil {
		return protocol.NewError(env.Meta.ID, model.CodeHandlerFailure, err.Error())
	}
	resp, err := protocol.NewResult(env.Meta.ID, result)
	if err != nil {
		rt.logger.Error().Err(err).
			Str("route", env.Meta.Type).
			Msg("handler result is not serializable")
		return protocol.NewError(env.Meta.ID, model.CodeHandlerFailure, err.Error())
	}
	return resp
}

// DispatchPush runs the handler for an inbound push envelope. Pushes
// have no reply channel: unknown routes and handler failures are
// logged and dropped.
func (rt *Router) DispatchPush(ctx context.Context, env model.Envelope) {
	h, ok := rt.lookup(env.Meta.Type)
	if !ok {
		rt.logger.Debug().
			Str("route", env.Meta.Type).
			Msg("push for unknown route dropped")
		return
	}
	if _, err := rt.invoke(ctx, env.Meta.Type, h, env.Data); err != nil {
		rt.logger.Error().Err(err).
			Str("route", env.Meta.Type).
			Msg("push handler failed")
	}
}

func (rt *Router) lookup(route string) (Handler, bool) {
	rt.mx.RLock()
	h, ok := rt.routes[route]
	rt.mx.RUnlock()
	return h, ok
}

func (rt *Router) invoke(ctx context.Context, route string, h Handler, data json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			rt.logger.Error().
				Str("route", route).
				Any("panic", r).
				Msg("handler panicked")
		}
	}()
	return h(ctx, data)
}
