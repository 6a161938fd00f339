package network

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wfunc/tycoon/models"
)

// Inbound message types pushed by the server.
const (
	TypePlayerJoined     = "player_joined"
	TypeGameStarted      = "game_started"
	TypeGameStateChanged = "game_state_changed"
)

// Envelope is the outer shape of every pushed message.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Event is a decoded inbound message.
type Event interface {
	EventType() string
	isEvent()
}

type PlayerJoined struct {
	Players []string
}

type GameStarted struct {
	Snapshot models.GameState
}

type GameStateChanged struct {
	Snapshot models.GameState
}

// Unknown carries any message that is not one of the types above, or that
// could not be decoded. Err is nil for a well-formed message of a type this
// client does not know.
type Unknown struct {
	Type string
	Raw  []byte
	Err  error
}

func (PlayerJoined) EventType() string     { return TypePlayerJoined }
func (GameStarted) EventType() string      { return TypeGameStarted }
func (GameStateChanged) EventType() string { return TypeGameStateChanged }
func (u Unknown) EventType() string        { return u.Type }

func (PlayerJoined) isEvent()     {}
func (GameStarted) isEvent()      {}
func (GameStateChanged) isEvent() {}
func (Unknown) isEvent()          {}

// DecodeError reports a message that could not be decoded.
type DecodeError struct {
	Type string
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("decode message: %v", e.Err)
	}
	return fmt.Sprintf("decode %s message: %v", e.Type, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

var errMissingType = errors.New("missing type")

// Decode turns a raw frame into an Event. It never fails to produce an
// event: undecodable frames come back as Unknown together with a
// *DecodeError, and unrecognized types as Unknown with a nil error.
func Decode(raw []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return unknown("", raw, err)
	}
	if env.Type == "" {
		return unknown("", raw, errMissingType)
	}

	switch env.Type {
	case TypePlayerJoined:
		var payload struct {
			Players *[]string `json:"players"`
		}
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return unknown(env.Type, raw, err)
		}
		if payload.Players == nil {
			return unknown(env.Type, raw, errors.New("missing players"))
		}
		return PlayerJoined{Players: *payload.Players}, nil

	case TypeGameStarted, TypeGameStateChanged:
		var snapshot models.GameState
		if err := json.Unmarshal(env.Data, &snapshot); err != nil {
			return unknown(env.Type, raw, err)
		}
		if env.Type == TypeGameStarted {
			return GameStarted{Snapshot: snapshot}, nil
		}
		return GameStateChanged{Snapshot: snapshot}, nil

	default:
		return Unknown{Type: env.Type, Raw: raw}, nil
	}
}

func unknown(typ string, raw []byte, err error) (Event, error) {
	decodeErr := &DecodeError{Type: typ, Err: err}
	return Unknown{Type: typ, Raw: raw, Err: decodeErr}, decodeErr
}
