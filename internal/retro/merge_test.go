package retro

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func votingSession() SessionState {
	return SessionState{
		ID:      "s1",
		Phase:   PhaseVoting,
		AdminID: "admin",
		Tickets: []Ticket{{ID: "t1", Text: "slow CI", Column: ColumnWell, AuthorID: "u1"}},
		Themes: []ThemeGroup{
			{ID: "theme_1", Name: "CI", Votes: 1, VoterIDs: []string{"u1"}},
			{ID: "theme_2", Name: "Process", Votes: 0, VoterIDs: []string{}},
		},
	}
}

func roster(ids ...string) []User {
	users := make([]User, len(ids))
	for i, id := range ids {
		users[i] = User{ID: id, Name: "user-" + id}
	}
	return users
}

func themesPtr(themes []ThemeGroup) *[]ThemeGroup { return &themes }
func ticketsPtr(tickets []Ticket) *[]Ticket       { return &tickets }

func TestApplyRejectsNonParticipants(t *testing.T) {
	engine := Engine{MaxVotes: 5}
	existing := votingSession()

	_, err := engine.Apply(existing, SessionUpdate{ID: "s1"}, User{ID: "stranger"}, roster("u1", "u2"))
	if !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}

	// The session owner is accepted even when not in the roster.
	if _, err := engine.Apply(existing, SessionUpdate{ID: "s1"}, User{ID: "admin"}, nil); err != nil {
		t.Fatalf("admin update rejected: %v", err)
	}
}

func TestApplyNonAdminFieldLockout(t *testing.T) {
	engine := Engine{MaxVotes: 5}
	existing := votingSession()
	ends := int64(1700000000)
	existing.TimerEndsAt = &ends
	existing.TimerDuration = 10
	existing.CurrentThemeIndex = 1

	phase := PhaseDiscussion
	adminID := "u1"
	index := 3
	duration := 99
	update := SessionUpdate{
		ID:                "s1",
		Phase:             &phase,
		AdminID:           &adminID,
		CurrentThemeIndex: &index,
		TimerEndsAt:       json.RawMessage(`1800000000`),
		TimerDuration:     &duration,
	}

	result, err := engine.Apply(existing, update, User{ID: "u1"}, roster("u1"))
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	got := result.Session
	if got.Phase != existing.Phase || got.AdminID != existing.AdminID ||
		got.CurrentThemeIndex != existing.CurrentThemeIndex ||
		got.TimerDuration != existing.TimerDuration ||
		got.TimerEndsAt == nil || *got.TimerEndsAt != *existing.TimerEndsAt {
		t.Errorf("non-admin update altered locked fields: %+v", got)
	}
	if result.PhaseChanged {
		t.Error("non-admin update must never report a phase change")
	}
}

func TestAdminOnlyFieldListMatchesLockout(t *testing.T) {
	want := []string{"adminId", "phase", "currentThemeIndex", "brainstormTimerEndsAt", "brainstormTimerDuration"}
	if !reflect.DeepEqual(AdminOnlyFields(), want) {
		t.Errorf("declared admin-only fields drifted: %v", AdminOnlyFields())
	}
}

func TestApplyAdminPhaseChange(t *testing.T) {
	engine := Engine{MaxVotes: 5}
	existing := votingSession()
	phase := PhaseDiscussion

	result, err := engine.Apply(existing, SessionUpdate{ID: "s1", Phase: &phase}, User{ID: "admin"}, nil)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if result.Session.Phase != PhaseDiscussion {
		t.Errorf("expected phase DISCUSSION, got %s", result.Session.Phase)
	}
	if !result.PhaseChanged {
		t.Error("expected PhaseChanged for admin phase transition")
	}
}

func TestApplyRejectsUnknownPhase(t *testing.T) {
	engine := Engine{MaxVotes: 5}
	existing := votingSession()
	phase := Phase("PARTY")
	_, err := engine.Apply(existing, SessionUpdate{ID: "s1", Phase: &phase}, User{ID: "admin"}, nil)
	if !errors.Is(err, ErrUnknownPhase) {
		t.Fatalf("expected ErrUnknownPhase, got %v", err)
	}
}

func TestApplyAdminClearsTimer(t *testing.T) {
	engine := Engine{MaxVotes: 5}
	existing := votingSession()
	ends := int64(1700000000)
	existing.TimerEndsAt = &ends

	result, err := engine.Apply(existing, SessionUpdate{ID: "s1", TimerEndsAt: json.RawMessage(`null`)}, User{ID: "admin"}, nil)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if result.Session.TimerEndsAt != nil {
		t.Error("explicit null should clear the timer for admins")
	}
}

func TestApplyBrainstormKeepsOthersTickets(t *testing.T) {
	engine := Engine{MaxVotes: 5}
	existing := SessionState{
		ID:      "s1",
		Phase:   PhaseBrainstorm,
		AdminID: "admin",
		Tickets: []Ticket{
			{ID: "t1", Text: "slow CI", AuthorID: "u1"},
			{ID: "t2", Text: "good pairing", AuthorID: "u2"},
		},
		Themes: []ThemeGroup{},
	}

	// u1 echoes back its filtered view (own ticket edited, u2's card
	// absent) plus an attempt to smuggle a ticket authored by u2.
	incoming := []Ticket{
		{ID: "t1", Text: "slow CI on main", AuthorID: "u1"},
		{ID: "t3", Text: "forged", AuthorID: "u2"},
	}

	result, err := engine.Apply(existing, SessionUpdate{ID: "s1", Tickets: &incoming}, User{ID: "u1"}, roster("u1", "u2"))
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	byID := map[string]Ticket{}
	for _, ticket := range result.Session.Tickets {
		byID[ticket.ID] = ticket
	}
	if len(byID) != 2 {
		t.Fatalf("expected 2 tickets, got %+v", result.Session.Tickets)
	}
	if byID["t1"].Text != "slow CI on main" {
		t.Error("actor's own edit was not applied")
	}
	if byID["t2"].Text != "good pairing" {
		t.Error("another user's ticket was clobbered")
	}
	if _, forged := byID["t3"]; forged {
		t.Error("ticket forged under another author was accepted")
	}
}

func TestApplyVoteIncrement(t *testing.T) {
	engine := Engine{MaxVotes: 5}
	existing := votingSession()

	incoming := cloneThemes(existing.Themes)
	incoming[0].Votes = 2
	incoming[0].VoterIDs = []string{"u1", "u1"}

	result, err := engine.Apply(existing, SessionUpdate{ID: "s1", Themes: &incoming}, User{ID: "u1"}, roster("u1"))
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	theme := result.Session.Themes[0]
	if theme.Votes != 2 {
		t.Errorf("expected 2 votes, got %d", theme.Votes)
	}
	if !reflect.DeepEqual(theme.VoterIDs, []string{"u1", "u1"}) {
		t.Errorf("unexpected voterIds %v", theme.VoterIDs)
	}
}

func TestApplyVoteQuotaExhausted(t *testing.T) {
	engine := Engine{MaxVotes: 1}
	existing := votingSession() // u1 already holds 1 vote

	incoming := cloneThemes(existing.Themes)
	incoming[1].Votes = 1
	incoming[1].VoterIDs = []string{"u1"}

	result, err := engine.Apply(existing, SessionUpdate{ID: "s1", Themes: &incoming}, User{ID: "u1"}, roster("u1"))
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if !reflect.DeepEqual(result.Session.Themes, existing.Themes) {
		t.Errorf("themes changed despite exhausted quota: %+v", result.Session.Themes)
	}
}

func TestApplyVoteSingleIncrementPerUpdate(t *testing.T) {
	engine := Engine{MaxVotes: 5}
	existing := votingSession()

	// A single payload claiming extra votes on both themes: only the first
	// stored theme absorbs one vote.
	incoming := cloneThemes(existing.Themes)
	incoming[0].Votes = 3
	incoming[0].VoterIDs = []string{"u1", "u1", "u1"}
	incoming[1].Votes = 2
	incoming[1].VoterIDs = []string{"u1", "u1"}

	result, err := engine.Apply(existing, SessionUpdate{ID: "s1", Themes: &incoming}, User{ID: "u1"}, roster("u1"))
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if got := VotesUsed(result.Session.Themes, "u1"); got != 2 {
		t.Errorf("expected one additional vote (total 2), got %d", got)
	}
	if result.Session.Themes[0].Votes != 2 {
		t.Errorf("first theme should absorb the vote, got %d", result.Session.Themes[0].Votes)
	}
	if result.Session.Themes[1].Votes != 0 {
		t.Errorf("second theme must stay untouched, got %d", result.Session.Themes[1].Votes)
	}
}

func TestApplyVoteQuotaOverSequence(t *testing.T) {
	engine := Engine{MaxVotes: 5}
	state := votingSession()
	state.Themes[0].Votes = 0
	state.Themes[0].VoterIDs = []string{}

	// Eight vote attempts; only five may land.
	for i := 0; i < 8; i++ {
		incoming := cloneThemes(state.Themes)
		incoming[0].VoterIDs = append(incoming[0].VoterIDs, "u1")
		incoming[0].Votes++

		result, err := engine.Apply(state, SessionUpdate{ID: "s1", Themes: &incoming}, User{ID: "u1"}, roster("u1"))
		if err != nil {
			t.Fatalf("Apply %d failed: %v", i, err)
		}
		state = result.Session
	}

	if got := VotesUsed(state.Themes, "u1"); got != 5 {
		t.Errorf("quota breached: %d votes attributed to u1", got)
	}
}

func TestApplyVotingNeverMutatesTickets(t *testing.T) {
	engine := Engine{MaxVotes: 5}
	existing := votingSession()

	incoming := []Ticket{{ID: "t1", Text: "rewritten", AuthorID: "u1"}}
	result, err := engine.Apply(existing, SessionUpdate{ID: "s1", Tickets: &incoming}, User{ID: "u1"}, roster("u1"))
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if !reflect.DeepEqual(result.Session.Tickets, existing.Tickets) {
		t.Errorf("tickets mutated through the voting path: %+v", result.Session.Tickets)
	}
}

func TestApplyDiscussionOnlyActionsMove(t *testing.T) {
	engine := Engine{MaxVotes: 5}
	existing := votingSession()
	existing.Phase = PhaseDiscussion

	actions := []ActionItem{{ID: "a1", Text: "split the deploy job", Assignee: "u2"}}
	update := SessionUpdate{
		ID:      "s1",
		Tickets: ticketsPtr([]Ticket{}),
		Themes:  themesPtr([]ThemeGroup{}),
		Actions: &actions,
	}

	result, err := engine.Apply(existing, update, User{ID: "u1"}, roster("u1"))
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if !reflect.DeepEqual(result.Session.Tickets, existing.Tickets) {
		t.Error("tickets should be restored during DISCUSSION")
	}
	if !reflect.DeepEqual(result.Session.Themes, existing.Themes) {
		t.Error("themes should be restored during DISCUSSION")
	}
	if !reflect.DeepEqual(result.Session.Actions, actions) {
		t.Errorf("actions should pass through, got %+v", result.Session.Actions)
	}
}

func TestApplyDoesNotMutateExisting(t *testing.T) {
	engine := Engine{MaxVotes: 5}
	existing := votingSession()
	snapshot := existing.Clone()

	incoming := cloneThemes(existing.Themes)
	incoming[0].VoterIDs = append(incoming[0].VoterIDs, "u1")
	incoming[0].Votes++
	if _, err := engine.Apply(existing, SessionUpdate{ID: "s1", Themes: &incoming}, User{ID: "u1"}, roster("u1")); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if !reflect.DeepEqual(existing, snapshot) {
		t.Error("Apply mutated the stored session in place")
	}
}
