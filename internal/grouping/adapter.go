package grouping

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// TicketInput is the slice of a ticket the model is allowed to see.
type TicketInput struct {
	ID     string
	Text   string
	Column string
}

type Theme struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type Assignment struct {
	TicketID string `json:"ticketId"`
	ThemeID  string `json:"themeId"`
}

type Result struct {
	Themes      []Theme      `json:"themes"`
	Assignments []Assignment `json:"assignments"`
}

// ErrUnusableResponse means the model replied but nothing groupable could be
// extracted; callers fall back to CatchAll.
var ErrUnusableResponse = errors.New("unusable grouping response")

type generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Adapter normalizes model output into a Result that always assigns every
// input ticket to a theme from its own theme list.
type Adapter struct {
	llm generator
}

func NewAdapter(llm generator) *Adapter {
	return &Adapter{llm: llm}
}

type ticketAlias struct {
	Alias   string `json:"alias"`
	Text    string `json:"text"`
	Context string `json:"originalContext"`

	realID string
}

// GroupTickets sends ticket contents to the model using opaque per-ticket
// aliases (T1, T2, ...) instead of real IDs, then normalizes whatever comes
// back. An error means the model was unreachable or its output was beyond
// repair; partial output is repaired by the keyword heuristic instead.
func (a *Adapter) GroupTickets(ctx context.Context, tickets []TicketInput) (Result, error) {
	if len(tickets) == 0 {
		return Result{Themes: []Theme{}, Assignments: []Assignment{}}, nil
	}

	aliases := make([]ticketAlias, len(tickets))
	for i, ticket := range tickets {
		aliases[i] = ticketAlias{
			Alias:   fmt.Sprintf("T%d", i+1),
			Text:    ticket.Text,
			Context: ticket.Column,
			realID:  ticket.ID,
		}
	}

	raw, err := a.llm.Generate(ctx, buildPrompt(aliases))
	if err != nil {
		return Result{}, fmt.Errorf("grouping call: %w", err)
	}

	var parsed struct {
		Themes []struct {
			ID          string `json:"id"`
			Name        string `json:"name"`
			Description string `json:"description"`
		} `json:"themes"`
		Assignments []struct {
			TicketID string `json:"ticketId"`
			ThemeID  string `json:"themeId"`
		} `json:"assignments"`
	}
	if err := json.Unmarshal([]byte(normalizeJSONText(raw)), &parsed); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnusableResponse, err)
	}
	if len(parsed.Themes) == 0 {
		return Result{}, ErrUnusableResponse
	}

	// Canonical sequential theme IDs regardless of what the model invented;
	// raw IDs and names both map back so sloppy assignments still resolve.
	themes := make([]Theme, len(parsed.Themes))
	themeKeys := make(map[string]string)
	for i, theme := range parsed.Themes {
		canonical := fmt.Sprintf("theme_%d", i+1)
		name := theme.Name
		if name == "" {
			name = fmt.Sprintf("Theme %d", i+1)
		}
		themes[i] = Theme{ID: canonical, Name: name, Description: theme.Description}
		themeKeys[normalizeKey(theme.ID)] = canonical
		themeKeys[normalizeKey(theme.Name)] = canonical
	}

	assignments := make([]Assignment, 0, len(tickets))
	assigned := make(map[string]struct{})
	for _, assignment := range parsed.Assignments {
		ticketID := resolveTicketID(assignment.TicketID, aliases)
		themeID, ok := themeKeys[normalizeKey(assignment.ThemeID)]
		if ticketID == "" || !ok {
			continue
		}
		if _, dup := assigned[ticketID]; dup {
			continue
		}
		assigned[ticketID] = struct{}{}
		assignments = append(assignments, Assignment{TicketID: ticketID, ThemeID: themeID})
	}

	if len(assigned) < len(tickets) {
		assignments = append(assignments, fallbackAssignments(tickets, themes, assigned)...)
	}

	return Result{Themes: themes, Assignments: assignments}, nil
}

// CatchAll is the last-resort grouping: one theme holding every ticket.
// Guaranteed never to leave a ticket unassigned.
func CatchAll(tickets []TicketInput) Result {
	theme := Theme{ID: "theme_1", Name: "All feedback", Description: "All cards from this session"}
	assignments := make([]Assignment, len(tickets))
	for i, ticket := range tickets {
		assignments[i] = Assignment{TicketID: ticket.ID, ThemeID: theme.ID}
	}
	return Result{Themes: []Theme{theme}, Assignments: assignments}
}

func buildPrompt(aliases []ticketAlias) string {
	items, _ := json.Marshal(aliases)
	return `You are grouping retrospective cards into concrete, content-based themes.

Rules:
- Use the ACTUAL card content first (keywords, entities, nouns), not generic agile coaching buckets.
- Prefer literal cluster names users would expect from their words.
- Do NOT use abstract categories like "Challenges", "Opportunities", "Communication" or "Process" unless cards explicitly contain those ideas.
- Create 1 to 6 themes depending on the data (not forced to 3 or more).
- Assign every ticketId to exactly one themeId.
- For assignments.ticketId you MUST use the provided ticket aliases only (T1, T2, ...), never invented IDs.
- Theme names must be short and specific (2-5 words).
- Return ONLY valid JSON of the shape {"themes":[{"id","name","description"}],"assignments":[{"ticketId","themeId"}]}.

Items:
` + string(items) + "\n"
}

// normalizeJSONText tolerates models that wrap their JSON in code fences or
// surround it with prose.
func normalizeJSONText(text string) string {
	trimmed := strings.TrimSpace(text)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		return trimmed
	}

	first := strings.Index(trimmed, "{")
	last := strings.LastIndex(trimmed, "}")
	if first != -1 && last > first {
		return trimmed[first : last+1]
	}
	return trimmed
}

func normalizeKey(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

var numericAliasPattern = regexp.MustCompile(`^[tT]?(\d+)$`)

// resolveTicketID maps a model-reported ticket reference back to a real ID:
// exact alias, exact real ID, or a bare/prefixed index as a last resort.
func resolveTicketID(raw string, aliases []ticketAlias) string {
	key := strings.TrimSpace(raw)
	if key == "" {
		return ""
	}
	for _, alias := range aliases {
		if strings.EqualFold(alias.Alias, key) || alias.realID == key {
			return alias.realID
		}
	}
	if match := numericAliasPattern.FindStringSubmatch(key); match != nil {
		index, err := strconv.Atoi(match[1])
		if err == nil && index >= 1 && index <= len(aliases) {
			return aliases[index-1].realID
		}
	}
	return ""
}

// fallbackAssignments classifies uncovered tickets by counted token overlap
// between ticket text and theme name+description. Ties go to the first theme
// in list order.
func fallbackAssignments(tickets []TicketInput, themes []Theme, assigned map[string]struct{}) []Assignment {
	type lexicon struct {
		themeID string
		words   map[string]struct{}
	}
	lexicons := make([]lexicon, len(themes))
	for i, theme := range themes {
		words := make(map[string]struct{})
		for _, word := range tokenize(theme.Name + " " + theme.Description) {
			words[word] = struct{}{}
		}
		lexicons[i] = lexicon{themeID: theme.ID, words: words}
	}

	var out []Assignment
	for _, ticket := range tickets {
		if _, done := assigned[ticket.ID]; done {
			continue
		}
		bestTheme := themes[0].ID
		bestScore := -1
		ticketWords := tokenize(ticket.Text)
		for _, lex := range lexicons {
			score := 0
			for _, word := range ticketWords {
				if _, ok := lex.words[word]; ok {
					score++
				}
			}
			if score > bestScore {
				bestScore = score
				bestTheme = lex.themeID
			}
		}
		out = append(out, Assignment{TicketID: ticket.ID, ThemeID: bestTheme})
	}
	return out
}

var stopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "to": {}, "of": {},
	"for": {}, "in": {}, "on": {}, "de": {}, "du": {}, "des": {}, "la": {},
	"le": {}, "les": {}, "et": {}, "ou": {}, "un": {}, "une": {},
	"what": {}, "went": {}, "well": {}, "next": {}, "try": {}, "version": {},
}

// tokenize lowercases, strips diacritics and punctuation, and drops stop
// words, deduplicating the result.
func tokenize(value string) []string {
	decomposed := norm.NFD.String(strings.ToLower(value))
	var builder strings.Builder
	for _, r := range decomposed {
		switch {
		case unicode.Is(unicode.Mn, r):
			// combining mark from decomposition; drop it
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			builder.WriteRune(r)
		default:
			builder.WriteRune(' ')
		}
	}

	seen := make(map[string]struct{})
	var words []string
	for _, word := range strings.Fields(builder.String()) {
		if _, stop := stopWords[word]; stop {
			continue
		}
		if _, dup := seen[word]; dup {
			continue
		}
		seen[word] = struct{}{}
		words = append(words, word)
	}
	return words
}
