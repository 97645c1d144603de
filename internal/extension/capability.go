package extension

import (
	"fmt"
	"sort"
)

// Type is the capability an extension provides to the host.
type Type string

// Capability types.
const (
	TypeImporter      Type = "importer"
	TypeExporter      Type = "exporter"
	TypeTheme         Type = "theme"
	TypeQuizMode      Type = "quiz_mode"
	TypeAIEnhancement Type = "ai_enhancement"
	TypeAnalytics     Type = "analytics"
	TypeIntegration   Type = "integration"
)

// validTypes are the known capability types.
var validTypes = map[Type]bool{
	TypeImporter:      true,
	TypeExporter:      true,
	TypeTheme:         true,
	TypeQuizMode:      true,
	TypeAIEnhancement: true,
	TypeAnalytics:     true,
	TypeIntegration:   true,
}

// Valid reports whether the type is one of the fixed enumeration.
func (t Type) Valid() bool {
	return validTypes[t]
}

// Lifecycle hooks every extension may define. Both are optional.
const (
	hookInit    = "init"
	hookCleanup = "cleanup"
)

// contractFunctions lists the global functions an extension of each type
// must define. The loader verifies this shape before the instance is ever
// used, so a manifest can't claim a capability its code doesn't implement.
var contractFunctions = map[Type][]string{
	TypeImporter:      {"import", "supported_formats"},
	TypeExporter:      {"export", "supported_formats"},
	TypeTheme:         {"apply_theme"},
	TypeQuizMode:      {"start_session", "next_card", "submit_answer"},
	TypeAIEnhancement: {"enhance"},
	TypeAnalytics:     {"generate_report"},
	TypeIntegration:   {"sync"},
}

// ContractFunctions returns the required functions for a capability type.
func ContractFunctions(t Type) []string {
	fns := contractFunctions[t]
	out := make([]string, len(fns))
	copy(out, fns)
	return out
}

// Card is a flashcard payload exchanged with extensions.
type Card map[string]interface{}

// Importer wraps an enabled importer extension.
type Importer struct{ h *Host }

// Import parses the file at path into cards.
func (i *Importer) Import(path string) ([]Card, error) {
	results, err := i.h.CallConverted("import", path)
	if err != nil {
		return nil, err
	}
	return toCards(results)
}

// SupportedFormats returns the file extensions the importer accepts.
func (i *Importer) SupportedFormats() ([]string, error) {
	results, err := i.h.CallConverted("supported_formats")
	if err != nil {
		return nil, err
	}
	return toStrings(results)
}

// Exporter wraps an enabled exporter extension.
type Exporter struct{ h *Host }

// Export writes cards to the file at path.
func (e *Exporter) Export(path string, cards []Card) error {
	payload := make([]interface{}, len(cards))
	for i, c := range cards {
		payload[i] = map[string]interface{}(c)
	}
	_, err := e.h.CallConverted("export", path, payload)
	return err
}

// SupportedFormats returns the file extensions the exporter produces.
func (e *Exporter) SupportedFormats() ([]string, error) {
	results, err := e.h.CallConverted("supported_formats")
	if err != nil {
		return nil, err
	}
	return toStrings(results)
}

// Theme wraps an enabled theme extension.
type Theme struct{ h *Host }

// Apply returns the theme's style table.
func (t *Theme) Apply() (map[string]interface{}, error) {
	results, err := t.h.CallConverted("apply_theme")
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("theme %q returned nothing", t.h.Name())
	}
	styles, ok := results[0].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("theme %q returned %T, want table", t.h.Name(), results[0])
	}
	return styles, nil
}

// QuizMode wraps an enabled quiz-mode extension.
type QuizMode struct{ h *Host }

// StartSession begins a quiz over the given cards.
func (q *QuizMode) StartSession(cards []Card) error {
	payload := make([]interface{}, len(cards))
	for i, c := range cards {
		payload[i] = map[string]interface{}(c)
	}
	_, err := q.h.CallConverted("start_session", payload)
	return err
}

// NextCard returns the next card of the session, or nil when done.
func (q *QuizMode) NextCard() (Card, error) {
	results, err := q.h.CallConverted("next_card")
	if err != nil {
		return nil, err
	}
	if len(results) == 0 || results[0] == nil {
		return nil, nil
	}
	card, ok := results[0].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("quiz mode %q returned %T, want table", q.h.Name(), results[0])
	}
	return Card(card), nil
}

// SubmitAnswer scores an answer and reports whether it was correct.
func (q *QuizMode) SubmitAnswer(answer string) (bool, error) {
	results, err := q.h.CallConverted("submit_answer", answer)
	if err != nil {
		return false, err
	}
	if len(results) == 0 {
		return false, nil
	}
	correct, _ := results[0].(bool)
	return correct, nil
}

// AsImporter returns the importer contract for an enabled extension.
func (h *Host) AsImporter() (*Importer, error) {
	if err := h.requireType(TypeImporter); err != nil {
		return nil, err
	}
	return &Importer{h: h}, nil
}

// AsExporter returns the exporter contract for an enabled extension.
func (h *Host) AsExporter() (*Exporter, error) {
	if err := h.requireType(TypeExporter); err != nil {
		return nil, err
	}
	return &Exporter{h: h}, nil
}

// AsTheme returns the theme contract for an enabled extension.
func (h *Host) AsTheme() (*Theme, error) {
	if err := h.requireType(TypeTheme); err != nil {
		return nil, err
	}
	return &Theme{h: h}, nil
}

// AsQuizMode returns the quiz-mode contract for an enabled extension.
func (h *Host) AsQuizMode() (*QuizMode, error) {
	if err := h.requireType(TypeQuizMode); err != nil {
		return nil, err
	}
	return &QuizMode{h: h}, nil
}

func (h *Host) requireType(t Type) error {
	if h.manifest.Type != t {
		return fmt.Errorf("extension %q is %s, not %s", h.name, h.manifest.Type, t)
	}
	return nil
}

func toCards(results []interface{}) ([]Card, error) {
	if len(results) == 0 {
		return nil, nil
	}
	raw, ok := results[0].([]interface{})
	if !ok {
		return nil, fmt.Errorf("expected a card list, got %T", results[0])
	}
	cards := make([]Card, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("expected a card table, got %T", item)
		}
		cards = append(cards, Card(m))
	}
	return cards, nil
}

func toStrings(results []interface{}) ([]string, error) {
	if len(results) == 0 {
		return nil, nil
	}
	raw, ok := results[0].([]interface{})
	if !ok {
		return nil, fmt.Errorf("expected a string list, got %T", results[0])
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("expected a string, got %T", item)
		}
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}
