package game

import (
	"encoding/json"
	"strings"
	"time"
)

// ClientType distinguishes the browser views that may connect to the server.
type ClientType string

const (
	ClientGameManager     ClientType = "game_manager"
	ClientServiceProvider ClientType = "service_provider"
	ClientScoreBoard      ClientType = "score_board"
	ClientServerManager   ClientType = "server_manager"
)

// Prefix returns the identifier prefix used when allocating client IDs.
func (t ClientType) Prefix() string {
	switch t {
	case ClientGameManager:
		return "GM"
	case ClientServiceProvider:
		return "SP"
	case ClientScoreBoard:
		return "SB"
	case ClientServerManager:
		return "SM"
	default:
		return ""
	}
}

// Valid reports whether the type is one of the recognised client kinds.
func (t ClientType) Valid() bool { return t.Prefix() != "" }

// ParseClientType resolves the wire representation of a client type.
func ParseClientType(raw string) (ClientType, bool) {
	t := ClientType(strings.ToLower(strings.TrimSpace(raw)))
	return t, t.Valid()
}

// GameState tracks where a session is in the planning/execution cycle.
type GameState string

const (
	GameInitialising GameState = "initialising"
	GameStarting     GameState = "starting"
	GameIdle         GameState = "idle"
	GamePlanning     GameState = "planning"
	GameAccept       GameState = "accept"
	GameExecuting    GameState = "executing"
	GameFinished     GameState = "finished"
)

// Valid reports whether the value names a known game state.
func (s GameState) Valid() bool {
	switch s {
	case GameInitialising, GameStarting, GameIdle, GamePlanning, GameAccept, GameExecuting, GameFinished:
		return true
	}
	return false
}

// Terminal reports whether the session can never leave this state.
func (s GameState) Terminal() bool { return s == GameFinished }

// ClientState tracks the position of a joined service provider within a round.
type ClientState string

const (
	StateInitialising      ClientState = "initialising"
	StateAwaitingPortfolio ClientState = "awaiting_portfolio"
	StateWaitingToStart    ClientState = "waiting_to_start"
	StateIdle              ClientState = "idle"
	StateInPlanning        ClientState = "in_planning"
	StateSubmitted         ClientState = "submitted"
	StateAccepting         ClientState = "accepting"
	StateAccepted          ClientState = "accepted"
	StateDeclined          ClientState = "declined"
	StateExecuting         ClientState = "executing"
	StateFinished          ClientState = "finished"

	// Side states a client passes through around a connection loss. They are
	// orthogonal to the round sequence and never advance it.
	StateDisconnected ClientState = "disconnected"
	StateReconnecting ClientState = "reconnecting"
)

// Valid reports whether the value names a known client state.
func (s ClientState) Valid() bool {
	switch s {
	case StateInitialising, StateAwaitingPortfolio, StateWaitingToStart, StateIdle,
		StateInPlanning, StateSubmitted, StateAccepting, StateAccepted, StateDeclined,
		StateExecuting, StateFinished, StateDisconnected, StateReconnecting:
		return true
	}
	return false
}

// Terminal reports whether the client can never leave this state.
func (s ClientState) Terminal() bool { return s == StateFinished }

// Side reports whether the state is a connection side state rather than a
// position in the round sequence.
func (s ClientState) Side() bool {
	return s == StateDisconnected || s == StateReconnecting
}

// Player describes the portfolio assignment carried by a service provider.
type Player struct {
	Name      string `json:"name"`
	Portfolio string `json:"portfolio"`
	Colour    string `json:"colour,omitempty"`
}

// EventType enumerates the asynchronous notifications placed in mailboxes.
type EventType string

const (
	EventJoin            EventType = "join"
	EventGameState       EventType = "game_state"
	EventClientState     EventType = "client_state"
	EventPlanChange      EventType = "plan_change"
	EventPortfolio       EventType = "portfolio"
	EventExecutionResult EventType = "execution_result"
	EventScoreUpdate     EventType = "score_update"
	EventReassign        EventType = "reassign"
	EventDisconnect      EventType = "disconnect"
	EventRestart         EventType = "restart"
	EventEnd             EventType = "end"
)

// Event is a single notification queued for delivery to one client. The
// payload stays opaque to the delivery layer; consumers decode it based on
// the event type.
type Event struct {
	ID      string          `json:"id"`
	Type    EventType       `json:"type"`
	Sender  string          `json:"sender"`
	GameID  string          `json:"game_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	FiredAt time.Time       `json:"fired_at"`
}

// MarshalPayload encodes an arbitrary value as the event payload, returning
// the event unchanged when encoding fails so the notification is still sent.
func (e Event) MarshalPayload(v any) Event {
	data, err := json.Marshal(v)
	if err != nil {
		return e
	}
	e.Payload = data
	return e
}
