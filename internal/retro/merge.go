package retro

import (
	"encoding/json"
	"errors"
)

var (
	// ErrNotParticipant rejects updates from actors who are neither the
	// session admin nor currently in the room.
	ErrNotParticipant = errors.New("actor is not a participant of the session")
	// ErrUnknownPhase rejects phase values outside PhaseOrder.
	ErrUnknownPhase = errors.New("unknown phase")
)

// adminOnlyFields is the declared mutation policy: these session fields are
// restored from stored state for every non-admin update, whatever the
// payload claimed. Kept as data so the authorization surface is auditable in
// one place.
var adminOnlyFields = []string{
	"adminId",
	"phase",
	"currentThemeIndex",
	"brainstormTimerEndsAt",
	"brainstormTimerDuration",
}

// AdminOnlyFields returns the locked field list (copy).
func AdminOnlyFields() []string {
	return append([]string(nil), adminOnlyFields...)
}

// Result is the outcome of a merge. PhaseChanged tells the caller to reset
// every connected participant's ready flag.
type Result struct {
	Session      SessionState
	PhaseChanged bool
}

// Engine resolves an incoming partial update against the stored session.
// MaxVotes is the per-user vote quota across all themes.
type Engine struct {
	MaxVotes int
}

// Apply decides whether actor may apply update to existing and computes the
// authoritative merged state. roster is the current participant list for the
// session. The returned state is a fresh copy; existing is never mutated.
func (e Engine) Apply(existing SessionState, update SessionUpdate, actor User, roster []User) (Result, error) {
	isAdmin := IsSessionAdmin(existing, actor)
	if !isAdmin && !rosterContains(roster, actor.ID) {
		return Result{}, ErrNotParticipant
	}

	if update.Phase != nil && !ValidPhase(*update.Phase) {
		return Result{}, ErrUnknownPhase
	}

	// Shallow merge: incoming wins field-by-field, absent fields keep the
	// stored value.
	candidate := existing.Clone()
	candidate.ID = existing.ID
	if update.Phase != nil {
		candidate.Phase = *update.Phase
	}
	if update.Tickets != nil {
		candidate.Tickets = cloneTickets(*update.Tickets)
	}
	if update.Themes != nil {
		candidate.Themes = cloneThemes(*update.Themes)
	}
	if update.CurrentThemeIndex != nil {
		candidate.CurrentThemeIndex = *update.CurrentThemeIndex
	}
	if update.AdminID != nil {
		candidate.AdminID = *update.AdminID
	}
	if len(update.TimerEndsAt) > 0 {
		if string(update.TimerEndsAt) == "null" {
			candidate.TimerEndsAt = nil
		} else {
			var ends int64
			if err := json.Unmarshal(update.TimerEndsAt, &ends); err == nil {
				candidate.TimerEndsAt = &ends
			}
		}
	}
	if update.TimerDuration != nil {
		candidate.TimerDuration = *update.TimerDuration
	}
	if update.Actions != nil {
		candidate.Actions = append([]ActionItem(nil), *update.Actions...)
	}

	phaseChanged := false
	if isAdmin {
		phaseChanged = update.Phase != nil && *update.Phase != existing.Phase
	} else {
		// Non-admins can never advance the phase, change ownership, or
		// control the timer; see adminOnlyFields.
		candidate.AdminID = existing.AdminID
		candidate.Phase = existing.Phase
		candidate.CurrentThemeIndex = existing.CurrentThemeIndex
		candidate.TimerEndsAt = existing.TimerEndsAt
		candidate.TimerDuration = existing.TimerDuration

		policy := PolicyFor(existing.Phase)
		if policy.OwnTicketsOnly && update.Tickets != nil {
			candidate.Tickets = mergeOwnTickets(existing.Tickets, *update.Tickets, actor.ID)
		}
		if policy.TicketsFrozen {
			candidate.Tickets = cloneTickets(existing.Tickets)
		}
		if policy.ThemesFrozen {
			candidate.Themes = cloneThemes(existing.Themes)
		}
		if policy.VoteDelta {
			incoming := existing.Themes
			if update.Themes != nil {
				incoming = *update.Themes
			}
			candidate.Themes = e.applyVoteDelta(existing.Themes, incoming, actor.ID)
		}
	}

	return Result{Session: candidate, PhaseChanged: phaseChanged}, nil
}

// mergeOwnTickets keeps everyone else's tickets from stored state and only
// the actor's own tickets from the payload, so a participant's filtered view
// echoed back cannot silently delete other users' cards.
func mergeOwnTickets(existing, incoming []Ticket, actorID string) []Ticket {
	merged := make([]Ticket, 0, len(existing)+len(incoming))
	for _, ticket := range existing {
		if ticket.AuthorID != actorID {
			merged = append(merged, ticket)
		}
	}
	for _, ticket := range incoming {
		if ticket.AuthorID == actorID {
			merged = append(merged, ticket)
		}
	}
	return cloneTickets(merged)
}

// applyVoteDelta grants at most one additional vote per update: the first
// stored theme (array order) where the actor's incoming vote count exceeds
// their stored count receives it. Votes beyond the quota are dropped
// silently - the client-side counter is advisory, the server is
// authoritative.
func (e Engine) applyVoteDelta(existing, incoming []ThemeGroup, actorID string) []ThemeGroup {
	quota := e.MaxVotes
	if quota <= 0 {
		quota = 5
	}

	used := 0
	for _, theme := range existing {
		used += countVotes(theme.VoterIDs, actorID)
	}
	out := cloneThemes(existing)
	if used >= quota {
		return out
	}

	incomingByID := make(map[string]ThemeGroup, len(incoming))
	for _, theme := range incoming {
		incomingByID[theme.ID] = theme
	}

	for i, theme := range out {
		source, ok := incomingByID[theme.ID]
		if !ok {
			continue
		}
		if countVotes(source.VoterIDs, actorID) > countVotes(theme.VoterIDs, actorID) {
			out[i].Votes = theme.Votes + 1
			out[i].VoterIDs = append(out[i].VoterIDs, actorID)
			break
		}
	}
	return out
}

// VotesUsed returns the actor's total vote count across all themes.
func VotesUsed(themes []ThemeGroup, actorID string) int {
	used := 0
	for _, theme := range themes {
		used += countVotes(theme.VoterIDs, actorID)
	}
	return used
}

func countVotes(voterIDs []string, actorID string) int {
	count := 0
	for _, id := range voterIDs {
		if id == actorID {
			count++
		}
	}
	return count
}

func rosterContains(roster []User, userID string) bool {
	for _, user := range roster {
		if user.ID == userID {
			return true
		}
	}
	return false
}
