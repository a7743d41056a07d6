package retro

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Column values match the four fixed board categories the clients render.
const (
	ColumnWell     = "What went well"
	ColumnLessWell = "What went less well"
	ColumnTryNext  = "What do we want to try next"
	ColumnPuzzles  = "What puzzles us"
)

const (
	StatusActive = "active"
	StatusClosed = "closed"
)

type Ticket struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	Column   string `json:"column"`
	Author   string `json:"author"`
	AuthorID string `json:"authorId,omitempty"`
	ThemeID  string `json:"themeId,omitempty"`
	// Reactions maps an emoji to the IDs of users who reacted with it.
	Reactions map[string][]string `json:"reactions,omitempty"`
}

type ThemeGroup struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Votes       int      `json:"votes"`
	VoterIDs    []string `json:"voterIds"`
}

type ActionItem struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	Assignee string `json:"assignee,omitempty"`
	Done     bool   `json:"done"`
}

// User is the transient participant identity attached to a live connection.
// It is never persisted; vote quotas are derived from theme voterIds.
type User struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	IsAdmin bool   `json:"isAdmin"`
	IsReady bool   `json:"isReady"`
}

// SessionState is the full board state, serialized as-is into the session
// record's data blob.
type SessionState struct {
	ID                string       `json:"id"`
	Phase             Phase        `json:"phase"`
	Tickets           []Ticket     `json:"tickets"`
	Themes            []ThemeGroup `json:"themes"`
	CurrentThemeIndex int          `json:"currentThemeIndex"`
	AdminID           string       `json:"adminId"`
	TimerEndsAt       *int64       `json:"brainstormTimerEndsAt"`
	TimerDuration     int          `json:"brainstormTimerDuration,omitempty"`
	Actions           []ActionItem `json:"actions,omitempty"`
}

// SessionUpdate is a partial state sent by a client. Nil fields were absent
// from the payload and leave the stored value untouched. TimerEndsAt is kept
// raw so an explicit null (admin clearing the timer) is distinguishable from
// an absent field.
type SessionUpdate struct {
	ID                string          `json:"id"`
	Phase             *Phase          `json:"phase,omitempty"`
	Tickets           *[]Ticket       `json:"tickets,omitempty"`
	Themes            *[]ThemeGroup   `json:"themes,omitempty"`
	CurrentThemeIndex *int            `json:"currentThemeIndex,omitempty"`
	AdminID           *string         `json:"adminId,omitempty"`
	TimerEndsAt       json.RawMessage `json:"brainstormTimerEndsAt,omitempty"`
	TimerDuration     *int            `json:"brainstormTimerDuration,omitempty"`
	Actions           *[]ActionItem   `json:"actions,omitempty"`
}

// NewSessionState is the default board for a freshly created session.
func NewSessionState(sessionID, adminID string) SessionState {
	duration := 10
	return SessionState{
		ID:            sessionID,
		Phase:         PhaseBrainstorm,
		Tickets:       []Ticket{},
		Themes:        []ThemeGroup{},
		AdminID:       adminID,
		TimerDuration: duration,
	}
}

// DecodeState tolerates older blobs with missing fields: collections default
// to empty rather than nil so clients always receive arrays.
func DecodeState(raw []byte) (SessionState, error) {
	var state SessionState
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &state); err != nil {
			return SessionState{}, fmt.Errorf("decode session state: %w", err)
		}
	}
	if state.Tickets == nil {
		state.Tickets = []Ticket{}
	}
	if state.Themes == nil {
		state.Themes = []ThemeGroup{}
	}
	return state, nil
}

func EncodeState(state SessionState) ([]byte, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode session state: %w", err)
	}
	return raw, nil
}

// Clone returns a deep copy; merge and visibility code never alias the
// stored slices.
func (s SessionState) Clone() SessionState {
	out := s
	out.Tickets = cloneTickets(s.Tickets)
	out.Themes = cloneThemes(s.Themes)
	if s.Actions != nil {
		out.Actions = append([]ActionItem(nil), s.Actions...)
	}
	if s.TimerEndsAt != nil {
		ends := *s.TimerEndsAt
		out.TimerEndsAt = &ends
	}
	return out
}

func cloneTickets(tickets []Ticket) []Ticket {
	out := make([]Ticket, len(tickets))
	for i, ticket := range tickets {
		out[i] = ticket
		if ticket.Reactions != nil {
			reactions := make(map[string][]string, len(ticket.Reactions))
			for emoji, ids := range ticket.Reactions {
				reactions[emoji] = cloneIDs(ids)
			}
			out[i].Reactions = reactions
		}
	}
	return out
}

func cloneThemes(themes []ThemeGroup) []ThemeGroup {
	out := make([]ThemeGroup, len(themes))
	for i, theme := range themes {
		out[i] = theme
		out[i].VoterIDs = cloneIDs(theme.VoterIDs)
	}
	return out
}

// cloneIDs keeps nil nil and empty empty so a cloned state marshals the same
// JSON as the original.
func cloneIDs(ids []string) []string {
	if ids == nil {
		return nil
	}
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

const maxDisplayNameLen = 64

// SanitizeUser bounds the display name and strips any client-claimed admin
// flag; elevation happens only after join-time token verification.
func SanitizeUser(u User) User {
	name := strings.TrimSpace(u.Name)
	if len(name) > maxDisplayNameLen {
		name = name[:maxDisplayNameLen]
	}
	if name == "" {
		name = "Anonymous"
	}
	return User{
		ID:      strings.TrimSpace(u.ID),
		Name:    name,
		IsAdmin: false,
		IsReady: u.IsReady,
	}
}

// IsSessionAdmin reports whether u administers s, either through verified
// global elevation or by owning the session.
func IsSessionAdmin(s SessionState, u User) bool {
	return u.IsAdmin || (u.ID != "" && u.ID == s.AdminID)
}
