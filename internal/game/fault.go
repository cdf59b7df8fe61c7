package game

import (
	"errors"
	"fmt"
)

// Code tags a Fault with the failure kind an RPC caller should dispatch on.
type Code string

const (
	CodeClientNotConnected Code = "client_not_connected"
	CodeClientNotInGame    Code = "client_not_in_game"
	CodeSessionExpired     Code = "session_expired"
	CodeInvalidClientType  Code = "invalid_client_type"
	CodeNoServer           Code = "no_server"
	CodeNoSuchGameServer   Code = "no_such_game_server"
	CodeInvalidGameState   Code = "invalid_game_state"
	CodeInvalidClientState Code = "invalid_client_state"
	CodeInvalidPlan        Code = "invalid_plan"
	CodeConfig             Code = "config"
	CodeEventTimeout       Code = "event_timeout"
	CodeEvent              Code = "event"
	CodeGameServer         Code = "game_server"
)

// Fault is the single error currency crossing package boundaries. State-machine
// violations carry the rejected state so callers can render a precise message.
type Fault struct {
	Code    Code
	Message string

	// GameState/ClientState are populated for state-machine violations only.
	GameState   GameState
	ClientState ClientState
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f == nil {
		return "<nil>"
	}
	switch f.Code {
	case CodeInvalidGameState:
		return fmt.Sprintf("%s: %s (game state %s)", f.Code, f.Message, f.GameState)
	case CodeInvalidClientState:
		return fmt.Sprintf("%s: %s (client state %s)", f.Code, f.Message, f.ClientState)
	default:
		return fmt.Sprintf("%s: %s", f.Code, f.Message)
	}
}

// Faultf builds a Fault with a formatted message.
func Faultf(code Code, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrongGameState reports an operation attempted while the session was in the
// wrong phase.
func WrongGameState(current GameState, op string) *Fault {
	return &Fault{
		Code:      CodeInvalidGameState,
		Message:   fmt.Sprintf("%s is not allowed now", op),
		GameState: current,
	}
}

// WrongClientState reports an operation attempted while the client was in the
// wrong phase.
func WrongClientState(current ClientState, op string) *Fault {
	return &Fault{
		Code:        CodeInvalidClientState,
		Message:     fmt.Sprintf("%s is not allowed now", op),
		ClientState: current,
	}
}

// CodeOf extracts the fault code from an error chain, defaulting to the
// generic game-server code for unrecognised errors.
func CodeOf(err error) Code {
	var fault *Fault
	if errors.As(err, &fault) {
		return fault.Code
	}
	return CodeGameServer
}
