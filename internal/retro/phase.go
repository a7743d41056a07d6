package retro

// Phase is the lifecycle stage of a retrospective session. Visibility and
// mutation rules differ per phase; the authoritative value lives in the
// stored session and only admins move it.
type Phase string

const (
	PhaseBrainstorm Phase = "BRAINSTORM"
	PhaseGrouping   Phase = "GROUPING"
	PhaseVoting     Phase = "VOTING"
	PhaseDiscussion Phase = "DISCUSSION"
)

// PhaseOrder is the canonical progression. Admins may move between any two
// declared phases (stepping back to regroup is legitimate); values outside
// this list are rejected at the merge boundary.
var PhaseOrder = []Phase{PhaseBrainstorm, PhaseGrouping, PhaseVoting, PhaseDiscussion}

func ValidPhase(p Phase) bool {
	for _, known := range PhaseOrder {
		if p == known {
			return true
		}
	}
	return false
}

// ParticipantPolicy declares what a non-admin actor may mutate while the
// session is in a given phase. Admin-only fields (phase, adminId,
// currentThemeIndex, timer) are locked in every phase; this table only
// governs the collections.
type ParticipantPolicy struct {
	// OwnTicketsOnly keeps only the actor's own tickets from the incoming
	// payload; everyone else's tickets are restored from stored state so a
	// filtered client view echoed back cannot delete other users' cards.
	OwnTicketsOnly bool
	// TicketsFrozen restores the stored ticket list unconditionally.
	TicketsFrozen bool
	// ThemesFrozen restores the stored theme list unconditionally.
	ThemesFrozen bool
	// VoteDelta merges themes through the vote-delta algorithm instead of
	// taking them verbatim: at most one additional vote per update.
	VoteDelta bool
}

var participantPolicies = map[Phase]ParticipantPolicy{
	PhaseBrainstorm: {OwnTicketsOnly: true, ThemesFrozen: true},
	PhaseGrouping:   {},
	PhaseVoting:     {TicketsFrozen: true, VoteDelta: true},
	PhaseDiscussion: {TicketsFrozen: true, ThemesFrozen: true},
}

func PolicyFor(p Phase) ParticipantPolicy {
	return participantPolicies[p]
}
