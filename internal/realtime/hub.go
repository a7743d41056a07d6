// Package realtime is the session synchronization engine: it owns the event
// protocol, applies the merge rules to incoming updates, and fans the
// resulting state out to every connection with per-user visibility filtering.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"

	"retroboard/api/internal/auth"
	"retroboard/api/internal/grouping"
	"retroboard/api/internal/retro"
	"retroboard/api/internal/roster"
	"retroboard/api/internal/store"
)

// Sender delivers one event to a single connection. Implementations must not
// block: a slow consumer is the consumer's problem, never the hub's.
type Sender interface {
	Send(event, id string, data any)
}

// SessionStore is the persistence surface the hub needs.
type SessionStore interface {
	FindSession(ctx context.Context, sessionID string) (store.SessionRecord, error)
	CreateSession(ctx context.Context, sessionID, adminID string, data []byte) error
	UpsertSession(ctx context.Context, sessionID, adminID string, data []byte) error
	SetSessionStatus(ctx context.Context, sessionID, status string) error
}

// Grouper produces theme suggestions for a set of tickets.
type Grouper interface {
	GroupTickets(ctx context.Context, tickets []grouping.TicketInput) (grouping.Result, error)
}

type Hub struct {
	store    SessionStore
	registry *roster.Registry
	engine   retro.Engine
	grouper  Grouper // nil when no model is configured
	secret   []byte

	// mu guards the sender map only. Session state is serialized through
	// the per-session locks below, so store round-trips or a slow model
	// call for one room never stall events for another.
	mu      sync.Mutex
	senders map[string]Sender

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewHub(sessions SessionStore, registry *roster.Registry, engine retro.Engine, grouper Grouper, tokenSecret string) *Hub {
	return &Hub{
		store:    sessions,
		registry: registry,
		engine:   engine,
		grouper:  grouper,
		secret:   []byte(tokenSecret),
		senders:  make(map[string]Sender),
		locks:    make(map[string]*sync.Mutex),
	}
}

// lockSession serializes read-modify-write cycles on one session, in arrival
// order. The returned function releases the lock.
func (h *Hub) lockSession(sessionID string) func() {
	h.locksMu.Lock()
	l, ok := h.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		h.locks[sessionID] = l
	}
	h.locksMu.Unlock()
	l.Lock()
	return l.Unlock
}

// Connect attaches a live connection's outbound side.
func (h *Hub) Connect(connID string, sender Sender) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.senders[connID] = sender
}

// Disconnect drops the connection and tells the room. A user with a second
// tab still open stays in the roster.
func (h *Hub) Disconnect(ctx context.Context, connID string) {
	h.mu.Lock()
	delete(h.senders, connID)
	h.mu.Unlock()
	sessionID, ok := h.registry.Unregister(connID)
	if !ok {
		return
	}
	h.broadcastParticipants(sessionID)
}

// Dispatch routes one decoded frame from a connection.
func (h *Hub) Dispatch(ctx context.Context, connID string, env Envelope) {
	switch env.Event {
	case EventJoin:
		h.handleJoin(ctx, connID, env)
	case EventUpdate:
		h.handleUpdate(ctx, connID, env)
	case EventToggleReaction:
		h.handleToggleReaction(ctx, connID, env)
	case EventToggleReady:
		h.handleToggleReady(ctx, connID, env)
	case EventCloseSession:
		h.handleClose(ctx, connID, env)
	case EventGroupTickets:
		h.handleGroupTickets(ctx, connID, env)
	default:
		h.sendError(connID, env.ID, "UNKNOWN_EVENT", "Unknown event: "+env.Event)
	}
}

func (h *Hub) handleJoin(ctx context.Context, connID string, env Envelope) {
	var payload joinPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		h.sendError(connID, env.ID, "INVALID_PAYLOAD", "Malformed join payload")
		return
	}
	sessionID := strings.TrimSpace(payload.SessionID)
	user := retro.SanitizeUser(payload.User)
	if sessionID == "" || user.ID == "" {
		h.sendError(connID, env.ID, "INVALID_PAYLOAD", "sessionId and user.id are required")
		return
	}

	// The claimed identity only carries weight with a token that proves it.
	verified := auth.VerifyForUser(h.secret, payload.Token, user.ID)

	unlock := h.lockSession(sessionID)
	defer unlock()

	record, err := h.store.FindSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		// Joining a session that does not exist yet creates it, but only
		// for an authenticated account so anonymous visitors cannot squat
		// arbitrary IDs as admin.
		if !verified {
			h.sendError(connID, env.ID, "SESSION_NOT_FOUND", "Session not found")
			return
		}
		state := retro.NewSessionState(sessionID, user.ID)
		data, encErr := retro.EncodeState(state)
		if encErr != nil {
			h.sendError(connID, env.ID, "SERVER_ERROR", "Could not create session")
			return
		}
		if createErr := h.store.CreateSession(ctx, sessionID, user.ID, data); createErr != nil {
			h.sendError(connID, env.ID, "SERVER_ERROR", "Could not create session")
			return
		}
		record = store.SessionRecord{SessionID: sessionID, AdminID: user.ID, Status: retro.StatusActive, Data: data}
	} else if err != nil {
		h.sendError(connID, env.ID, "SERVER_ERROR", "Could not load session")
		return
	}

	if record.Status == retro.StatusClosed {
		h.sendError(connID, env.ID, "SESSION_CLOSED", "Session is closed")
		return
	}

	state, err := retro.DecodeState(record.Data)
	if err != nil {
		h.sendError(connID, env.ID, "SERVER_ERROR", "Could not load session")
		return
	}
	if state.ID == "" {
		state.ID = record.SessionID
	}

	// Downstream authorization trusts registered identities, so the admin's
	// user ID may only be claimed with a token that proves it.
	if user.ID == state.AdminID && !verified {
		h.sendError(connID, env.ID, "IDENTITY_NOT_VERIFIED", "Joining as the session admin requires a valid token")
		return
	}
	user.IsAdmin = verified && user.ID == state.AdminID

	h.registry.Register(connID, user, sessionID)

	users := h.registry.Participants(sessionID)
	h.send(connID, EventSessionState, env.ID, sessionPayload{
		Session: retro.VisibleSessionFor(state, user),
		Users:   users,
	})
	h.broadcastParticipants(sessionID)
}

func (h *Hub) handleUpdate(ctx context.Context, connID string, env Envelope) {
	var update retro.SessionUpdate
	if err := json.Unmarshal(env.Data, &update); err != nil {
		h.sendError(connID, env.ID, "INVALID_PAYLOAD", "Malformed session update")
		return
	}

	user, sessionID, ok := h.registry.User(connID)
	if !ok {
		h.sendError(connID, env.ID, "NOT_JOINED", "Join a session first")
		return
	}

	unlock := h.lockSession(sessionID)
	defer unlock()

	state, record, err := h.loadActiveState(ctx, sessionID)
	if err != nil {
		h.sendError(connID, env.ID, errCode(err), errMessage(err))
		return
	}

	result, err := h.engine.Apply(state, update, user, h.registry.Participants(sessionID))
	if err != nil {
		switch {
		case errors.Is(err, retro.ErrNotParticipant):
			h.sendError(connID, env.ID, "NOT_PARTICIPANT", "Not a participant of this session")
		case errors.Is(err, retro.ErrUnknownPhase):
			h.sendError(connID, env.ID, "UNKNOWN_PHASE", "Unknown phase")
		default:
			h.sendError(connID, env.ID, "SERVER_ERROR", "Could not apply update")
		}
		return
	}

	if err := h.persist(ctx, record, result.Session); err != nil {
		h.sendError(connID, env.ID, "SERVER_ERROR", "Could not save session")
		return
	}

	if result.PhaseChanged {
		h.registry.ResetReady(sessionID)
	}
	h.broadcastSession(result.Session)
	if result.PhaseChanged {
		h.broadcastParticipants(sessionID)
	}
}

func (h *Hub) handleToggleReaction(ctx context.Context, connID string, env Envelope) {
	var payload reactionPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil || payload.TicketID == "" || payload.Emoji == "" {
		h.sendError(connID, env.ID, "INVALID_PAYLOAD", "ticketId and emoji are required")
		return
	}

	user, sessionID, ok := h.registry.User(connID)
	if !ok {
		h.sendError(connID, env.ID, "NOT_JOINED", "Join a session first")
		return
	}

	unlock := h.lockSession(sessionID)
	defer unlock()

	state, record, err := h.loadActiveState(ctx, sessionID)
	if err != nil {
		h.sendError(connID, env.ID, errCode(err), errMessage(err))
		return
	}

	// During brainstorming tickets are only visible to their authors; even
	// an error reply would confirm the card exists, so the event is dropped
	// without a response.
	if state.Phase == retro.PhaseBrainstorm {
		log.Printf(`{"msg":"reaction ignored during brainstorm","sessionId":%q,"userId":%q}`, sessionID, user.ID)
		return
	}

	found := false
	for i := range state.Tickets {
		if state.Tickets[i].ID != payload.TicketID {
			continue
		}
		found = true
		if state.Tickets[i].Reactions == nil {
			state.Tickets[i].Reactions = make(map[string][]string)
		}
		state.Tickets[i].Reactions[payload.Emoji] = toggleMember(state.Tickets[i].Reactions[payload.Emoji], user.ID)
		if len(state.Tickets[i].Reactions[payload.Emoji]) == 0 {
			delete(state.Tickets[i].Reactions, payload.Emoji)
		}
		break
	}
	if !found {
		h.sendError(connID, env.ID, "TICKET_NOT_FOUND", "Ticket not found")
		return
	}

	if err := h.persist(ctx, record, state); err != nil {
		h.sendError(connID, env.ID, "SERVER_ERROR", "Could not save session")
		return
	}
	h.broadcastSession(state)
}

func (h *Hub) handleToggleReady(ctx context.Context, connID string, env Envelope) {
	var payload readyPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		h.sendError(connID, env.ID, "INVALID_PAYLOAD", "Malformed ready payload")
		return
	}

	if !h.registry.SetReady(connID, payload.Ready) {
		h.sendError(connID, env.ID, "NOT_JOINED", "Join a session first")
		return
	}
	_, sessionID, _ := h.registry.User(connID)
	h.broadcastParticipants(sessionID)
}

func (h *Hub) handleClose(ctx context.Context, connID string, env Envelope) {
	user, sessionID, ok := h.registry.User(connID)
	if !ok {
		h.sendError(connID, env.ID, "NOT_JOINED", "Join a session first")
		return
	}

	unlock := h.lockSession(sessionID)
	defer unlock()

	state, _, err := h.loadActiveState(ctx, sessionID)
	if err != nil {
		h.sendError(connID, env.ID, errCode(err), errMessage(err))
		return
	}
	if !retro.IsSessionAdmin(state, user) {
		h.sendError(connID, env.ID, "FORBIDDEN", "Only the admin can close the session")
		return
	}

	if err := h.store.SetSessionStatus(ctx, sessionID, retro.StatusClosed); err != nil {
		h.sendError(connID, env.ID, "SERVER_ERROR", "Could not close session")
		return
	}

	for _, id := range h.registry.Connections(sessionID) {
		h.send(id, EventSessionClosed, "", map[string]any{"sessionId": sessionID})
	}
	h.send(connID, EventAck, env.ID, map[string]any{"ok": true})
}

func (h *Hub) handleGroupTickets(ctx context.Context, connID string, env Envelope) {
	user, sessionID, ok := h.registry.User(connID)
	if !ok {
		h.sendError(connID, env.ID, "NOT_JOINED", "Join a session first")
		return
	}

	unlock := h.lockSession(sessionID)
	state, _, err := h.loadActiveState(ctx, sessionID)
	if err != nil {
		unlock()
		h.sendError(connID, env.ID, errCode(err), errMessage(err))
		return
	}
	if !retro.IsSessionAdmin(state, user) {
		unlock()
		h.sendError(connID, env.ID, "FORBIDDEN", "Only the admin can trigger grouping")
		return
	}

	inputs := make([]grouping.TicketInput, len(state.Tickets))
	for i, ticket := range state.Tickets {
		inputs[i] = grouping.TicketInput{ID: ticket.ID, Text: ticket.Text, Column: ticket.Column}
	}
	unlock()

	// The model call runs with no lock held so the room's other events keep
	// flowing while it thinks. Grouping must always leave the board in a
	// usable state: any model failure degrades to the single catch-all
	// theme instead of surfacing an error to the room.
	var result grouping.Result
	fellBack := false
	if h.grouper == nil {
		result = grouping.CatchAll(inputs)
		fellBack = true
	} else if result, err = h.grouper.GroupTickets(ctx, inputs); err != nil {
		log.Printf(`{"msg":"grouping failed, using catch-all","sessionId":%q,"error":%q}`, sessionID, err.Error())
		result = grouping.CatchAll(inputs)
		fellBack = true
	}

	// Re-validate once the lock is back: the session may have closed or
	// changed hands while the model ran, and the themes are applied to the
	// tickets as they are now.
	unlock = h.lockSession(sessionID)
	defer unlock()

	state, record, err := h.loadActiveState(ctx, sessionID)
	if err != nil {
		h.sendError(connID, env.ID, errCode(err), errMessage(err))
		return
	}
	if !retro.IsSessionAdmin(state, user) {
		h.sendError(connID, env.ID, "FORBIDDEN", "Only the admin can trigger grouping")
		return
	}

	state.Themes = make([]retro.ThemeGroup, len(result.Themes))
	for i, theme := range result.Themes {
		state.Themes[i] = retro.ThemeGroup{
			ID:          theme.ID,
			Name:        theme.Name,
			Description: theme.Description,
			VoterIDs:    []string{},
		}
	}
	assignments := make(map[string]string, len(result.Assignments))
	for _, assignment := range result.Assignments {
		assignments[assignment.TicketID] = assignment.ThemeID
	}
	for i := range state.Tickets {
		state.Tickets[i].ThemeID = assignments[state.Tickets[i].ID]
	}

	if err := h.persist(ctx, record, state); err != nil {
		h.sendError(connID, env.ID, "SERVER_ERROR", "Could not save session")
		return
	}

	h.broadcastSession(state)
	h.send(connID, EventAck, env.ID, map[string]any{
		"ok":         true,
		"themeCount": len(state.Themes),
		"fallback":   fellBack,
	})
}

// ---- internals ----

var errSessionClosed = errors.New("session closed")

func (h *Hub) loadActiveState(ctx context.Context, sessionID string) (retro.SessionState, store.SessionRecord, error) {
	record, err := h.store.FindSession(ctx, sessionID)
	if err != nil {
		return retro.SessionState{}, store.SessionRecord{}, err
	}
	if record.Status == retro.StatusClosed {
		return retro.SessionState{}, store.SessionRecord{}, errSessionClosed
	}
	state, err := retro.DecodeState(record.Data)
	if err != nil {
		return retro.SessionState{}, store.SessionRecord{}, err
	}
	if state.ID == "" {
		state.ID = record.SessionID
	}
	return state, record, nil
}

func (h *Hub) persist(ctx context.Context, record store.SessionRecord, state retro.SessionState) error {
	data, err := retro.EncodeState(state)
	if err != nil {
		return err
	}
	return h.store.UpsertSession(ctx, record.SessionID, record.AdminID, data)
}

// broadcastSession pushes the new state to every connection in the room,
// filtered per recipient. Delivery is fire and forget.
func (h *Hub) broadcastSession(state retro.SessionState) {
	users := h.registry.Participants(state.ID)
	for _, connID := range h.registry.Connections(state.ID) {
		user, _, ok := h.registry.User(connID)
		if !ok {
			continue
		}
		h.send(connID, EventSessionState, "", sessionPayload{
			Session: retro.VisibleSessionFor(state, user),
			Users:   users,
		})
	}
}

func (h *Hub) broadcastParticipants(sessionID string) {
	users := h.registry.Participants(sessionID)
	for _, connID := range h.registry.Connections(sessionID) {
		h.send(connID, EventParticipants, "", map[string]any{"users": users})
	}
}

func (h *Hub) send(connID, event, id string, data any) {
	h.mu.Lock()
	sender, ok := h.senders[connID]
	h.mu.Unlock()
	if ok {
		sender.Send(event, id, data)
	}
}

func (h *Hub) sendError(connID, id, code, message string) {
	h.send(connID, EventError, id, errorPayload{Code: code, Message: message})
}

func errCode(err error) string {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return "SESSION_NOT_FOUND"
	case errors.Is(err, errSessionClosed):
		return "SESSION_CLOSED"
	default:
		return "SERVER_ERROR"
	}
}

func errMessage(err error) string {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return "Session not found"
	case errors.Is(err, errSessionClosed):
		return "Session is closed"
	default:
		return "Could not load session"
	}
}

func toggleMember(ids []string, userID string) []string {
	for i, id := range ids {
		if id == userID {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return append(ids, userID)
}
