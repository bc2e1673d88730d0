package model

import (
	"encoding/json"
	"time"
)

// Message-level error codes carried in response meta.
const (
	CodeBadEnvelope    = 2001
	CodeBadType        = 2002
	CodeUnknownRoute   = 2003
	CodeHandlerFailure = 2004
)

// Handshake failure codes. These travel in the error field of the
// auth response rather than as numeric message codes.
const (
	AuthNull  = "AUTH_NULL"
	AuthFail  = "AUTH_FAIL"
	AuthError = "AUTH_ERROR"
)

// Reserved control routes. Application handlers cannot be registered
// for routes with the underscore prefix.
const (
	RouteAuth      = "_auth"
	RouteRoomJoin  = "_room_join"
	RouteRoomLeave = "_room_leave"
)

type Meta struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Success *bool  `json:"success,omitempty"`
	Code    int    `json:"code,omitempty"`
	Error   string `json:"error,omitempty"`
}

type Envelope struct {
	Meta Meta            `json:"meta"`
	Data json.RawMessage `json:"data,omitempty"`
}

// IsResponse reports whether the envelope carries a request outcome
// rather than a request or push.
func (e Envelope) IsResponse() bool {
	return e.Meta.Success != nil
}

// IsErr reports whether the envelope is a failed response.
func (e Envelope) IsErr() bool {
	return e.Meta.Success != nil && !*e.Meta.Success
}

// AuthRequest is the payload of the _auth handshake request.
type AuthRequest struct {
	Token string `json:"token"`
}

// RoomRequest is the payload of _room_join and _room_leave.
type RoomRequest struct {
	Room string `json:"room"`
}

// QueueEntry is the persisted form of one offline-queue element.
type QueueEntry struct {
	Route string          `json:"route"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// RoomLogEntry is the persisted form of one room-outbox element.
type RoomLogEntry struct {
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

type ConnState int

const (
	StateDisconnected ConnState = iota
	StateAuthenticating
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	}
	return "disconnected"
}
