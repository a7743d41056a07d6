package realtime

import (
	"encoding/json"

	"retroboard/api/internal/retro"
)

// Envelope is the wire frame in both directions. ID correlates a client
// request with its ack or error; server-initiated pushes leave it empty.
type Envelope struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client to server events.
const (
	EventJoin           = "join-session"
	EventUpdate         = "update-session"
	EventToggleReaction = "toggle-reaction"
	EventToggleReady    = "toggle-ready"
	EventCloseSession   = "close-session"
	EventGroupTickets   = "ai-group-tickets"
)

// Server to client events.
const (
	EventSessionState  = "session-updated"
	EventParticipants  = "participants-updated"
	EventSessionClosed = "session-closed"
	EventAck           = "ack"
	EventError         = "error"
)

type joinPayload struct {
	SessionID string     `json:"sessionId"`
	User      retro.User `json:"user"`
	Token     string     `json:"token,omitempty"`
}

type reactionPayload struct {
	TicketID string `json:"ticketId"`
	Emoji    string `json:"emoji"`
}

type readyPayload struct {
	Ready bool `json:"ready"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// sessionPayload is what every participant receives after a state change.
// Session is personalized per recipient; Users is the shared roster.
type sessionPayload struct {
	Session retro.SessionState `json:"session"`
	Users   []retro.User       `json:"users"`
}
