package protocol

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/wirebus/wirebus/model"
)

var (
	ErrBadEnvelope = errors.New("malformed envelope")
	ErrBadType     = errors.New("missing or invalid message type")
	ErrBadPayload  = errors.New("payload is not serializable")
	ErrID          = errors.New("unable to generate message id")
)

// NewRequest builds a request envelope for route carrying payload.
// The id is a fresh UUIDv7, so ids are globally unique and time-ordered.
func NewRequest(route string, payload any) (model.Envelope, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return model.Envelope{}, errors.Join(ErrID, err)
	}
	data, err := marshalPayload(payload)
	if err != nil {
		return model.Envelope{}, err
	}
	return model.Envelope{
		Meta: model.Meta{
			Type: route,
			ID:   id.String(),
		},
		Data: data,
	}, nil
}

// NewResult builds a success response for the request identified by id.
func NewResult(id string, payload any) (model.Envelope, error) {
	data, err := marshalPayload(payload)
	if err != nil {
		return model.Envelope{}, err
	}
	success := true
	return model.Envelope{
		Meta: model.Meta{
			ID:      id,
			Success: &success,
		},
		Data: data,
	}, nil
}

// NewError builds a failed response for the request identified by id.
func NewError(id string, code int, msg string) model.Envelope {
	success := false
	return model.Envelope{
		Meta: model.Meta{
			ID:      id,
			Success: &success,
			Code:    code,
			Error:   msg,
		},
	}
}

// Decode parses a wire frame into an envelope. Payload shape is not
// validated here, that is the route handler's concern.
func Decode(b []byte) (model.Envelope, error) {
	trimmed := bytes.TrimLeft(b, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return model.Envelope{}, ErrBadEnvelope
	}
	var env model.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field == "meta.type" {
			return model.Envelope{}, errors.Join(ErrBadType, err)
		}
		return model.Envelope{}, errors.Join(ErrBadEnvelope, err)
	}
	if !env.IsResponse() && env.Meta.Type == "" {
		return model.Envelope{}, ErrBadType
	}
	return env, nil
}

// CodeFor maps a decode error to its wire error code.
func CodeFor(err error) int {
	if errors.Is(err, ErrBadType) {
		return model.CodeBadType
	}
	return model.CodeBadEnvelope
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Join(ErrBadPayload, err)
	}
	return data, nil
}
