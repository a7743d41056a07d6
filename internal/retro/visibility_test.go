package retro

import (
	"reflect"
	"testing"
)

func brainstormSession() SessionState {
	return SessionState{
		ID:      "s1",
		Phase:   PhaseBrainstorm,
		AdminID: "admin",
		Tickets: []Ticket{
			{ID: "t1", Text: "slow CI", Column: ColumnWell, Author: "P1", AuthorID: "u1"},
			{ID: "t2", Text: "good pairing", Column: ColumnWell, Author: "P2", AuthorID: "u2"},
			{ID: "t3", Text: "orphan card", Column: ColumnPuzzles},
		},
		Themes: []ThemeGroup{},
	}
}

func TestVisibleSessionBrainstormFiltersToOwnTickets(t *testing.T) {
	session := brainstormSession()

	view := VisibleSessionFor(session, User{ID: "u1", Name: "P1"})
	if len(view.Tickets) != 1 || view.Tickets[0].ID != "t1" {
		t.Fatalf("expected only u1's ticket, got %+v", view.Tickets)
	}

	view = VisibleSessionFor(session, User{ID: "u2", Name: "P2"})
	if len(view.Tickets) != 1 || view.Tickets[0].ID != "t2" {
		t.Fatalf("expected only u2's ticket, got %+v", view.Tickets)
	}
}

func TestVisibleSessionExcludesAuthorlessTicketsForNonAdmins(t *testing.T) {
	session := brainstormSession()
	view := VisibleSessionFor(session, User{ID: "u1"})
	for _, ticket := range view.Tickets {
		if ticket.AuthorID == "" {
			t.Errorf("authorless ticket %q leaked into non-admin view", ticket.ID)
		}
	}
}

func TestVisibleSessionAdminSeesEverything(t *testing.T) {
	session := brainstormSession()

	// Session owner by ID.
	view := VisibleSessionFor(session, User{ID: "admin"})
	if !reflect.DeepEqual(view.Tickets, session.Tickets) {
		t.Errorf("session owner view differs from full ticket set")
	}

	// Globally elevated user.
	view = VisibleSessionFor(session, User{ID: "u9", IsAdmin: true})
	if !reflect.DeepEqual(view.Tickets, session.Tickets) {
		t.Errorf("elevated admin view differs from full ticket set")
	}
}

func TestVisibleSessionRoundTripForAdminInAllPhases(t *testing.T) {
	for _, phase := range PhaseOrder {
		session := brainstormSession()
		session.Phase = phase
		view := VisibleSessionFor(session, User{ID: "admin"})
		if !reflect.DeepEqual(view.Tickets, session.Tickets) {
			t.Errorf("phase %s: admin view ticket set differs", phase)
		}
	}
}

func TestVisibleSessionUnfilteredOutsideBrainstorm(t *testing.T) {
	session := brainstormSession()
	session.Phase = PhaseVoting
	view := VisibleSessionFor(session, User{ID: "u2"})
	if len(view.Tickets) != len(session.Tickets) {
		t.Errorf("expected all %d tickets in VOTING, got %d", len(session.Tickets), len(view.Tickets))
	}
}

func TestVisibleSessionDoesNotAliasStoredState(t *testing.T) {
	session := brainstormSession()
	session.Tickets[0].Reactions = map[string][]string{"👍": {"u2"}}

	view := VisibleSessionFor(session, User{ID: "admin"})
	view.Tickets[0].Text = "mutated"
	view.Tickets[0].Reactions["👍"] = append(view.Tickets[0].Reactions["👍"], "u3")

	if session.Tickets[0].Text != "slow CI" {
		t.Error("filtered view shares ticket storage with the session")
	}
	if len(session.Tickets[0].Reactions["👍"]) != 1 {
		t.Error("filtered view shares reaction storage with the session")
	}
}

func TestSanitizeUser(t *testing.T) {
	long := make([]byte, 100)
	for i := range long {
		long[i] = 'a'
	}

	got := SanitizeUser(User{ID: " u1 ", Name: string(long), IsAdmin: true, IsReady: true})
	if got.ID != "u1" {
		t.Errorf("expected trimmed ID, got %q", got.ID)
	}
	if len(got.Name) != 64 {
		t.Errorf("expected name trimmed to 64 chars, got %d", len(got.Name))
	}
	if got.IsAdmin {
		t.Error("sanitize must strip the client-claimed admin flag")
	}
	if !got.IsReady {
		t.Error("ready flag should survive sanitization")
	}

	got = SanitizeUser(User{ID: "u2", Name: "   "})
	if got.Name != "Anonymous" {
		t.Errorf("expected fallback display name, got %q", got.Name)
	}
}

func TestDecodeStateDefaultsMissingCollections(t *testing.T) {
	state, err := DecodeState([]byte(`{"id":"s1","phase":"GROUPING","adminId":"admin"}`))
	if err != nil {
		t.Fatalf("DecodeState failed: %v", err)
	}
	if state.Tickets == nil || state.Themes == nil {
		t.Error("expected empty collections instead of nil")
	}
	if state.Phase != PhaseGrouping {
		t.Errorf("unexpected phase %s", state.Phase)
	}
}
