package retro

// VisibleSessionFor computes the subset of a session a recipient may see.
// During BRAINSTORM a non-admin sees only their own tickets; tickets without
// an author never reach non-admin views. Pure: the stored session is never
// modified, and the filtered copy is never persisted.
func VisibleSessionFor(s SessionState, u User) SessionState {
	out := s.Clone()
	if s.Phase != PhaseBrainstorm || IsSessionAdmin(s, u) {
		return out
	}

	visible := make([]Ticket, 0, len(out.Tickets))
	for _, ticket := range out.Tickets {
		if ticket.AuthorID == "" {
			continue
		}
		if ticket.AuthorID == u.ID {
			visible = append(visible, ticket)
		}
	}
	out.Tickets = visible
	return out
}
