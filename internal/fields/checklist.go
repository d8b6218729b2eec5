package fields

import (
	"encoding/json"
	"slices"
	"strings"

	nanoid "github.com/matoous/go-nanoid/v2"
)

const (
	optionIDAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	optionIDLength   = 10
	checkedMarker    = "[x]"
	uncheckedMarker  = "[ ]"
	bulletMarker     = "- "
)

// NewOptionID returns a fresh option identifier.
func NewOptionID() string {
	return nanoid.MustGenerate(optionIDAlphabet, optionIDLength)
}

// ChecklistData is the stored form of a checklist cell.
type ChecklistData struct {
	Options           []SelectOption `json:"options"`
	SelectedOptionIDs []string       `json:"selected_option_ids"`
}

// ParseChecklist reads a checklist payload. JSON objects are decoded strictly first and
// then leniently, ignoring unknown fields; an object that fails both is an empty
// checklist. Any other text is read as markdown lines ("[x] name", "[ ] name",
// "- name") with fresh option ids.
func ParseChecklist(data any) ChecklistData {
	switch typed := data.(type) {
	case nil:
		return ChecklistData{}
	case ChecklistData:
		return typed
	case map[string]any:
		encoded, err := json.Marshal(typed)
		if err != nil {
			return ChecklistData{}
		}
		return decodeChecklistObject(string(encoded))
	case string:
		if !strings.HasPrefix(strings.TrimSpace(typed), "{") {
			return parseChecklistMarkdown(typed)
		}
		return decodeChecklistObject(typed)
	default:
		return ChecklistData{}
	}
}

func decodeChecklistObject(text string) ChecklistData {
	if parsed, ok := decodeChecklistJSON(text, true); ok {
		return parsed
	}
	if parsed, ok := decodeChecklistJSON(text, false); ok {
		return parsed
	}
	return ChecklistData{}
}

func decodeChecklistJSON(text string, strict bool) (ChecklistData, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") {
		return ChecklistData{}, false
	}
	decoder := json.NewDecoder(strings.NewReader(trimmed))
	if strict {
		decoder.DisallowUnknownFields()
	}
	var parsed ChecklistData
	if err := decoder.Decode(&parsed); err != nil {
		return ChecklistData{}, false
	}
	options := parsed.Options[:0]
	for _, option := range parsed.Options {
		if option.ID != "" {
			options = append(options, option)
			continue
		}
		if strict {
			return ChecklistData{}, false
		}
		// Lenient payloads may omit ids; such options cannot be selected by id.
		option.ID = NewOptionID()
		options = append(options, option)
	}
	parsed.Options = options
	return parsed, true
}

func parseChecklistMarkdown(text string) ChecklistData {
	var parsed ChecklistData
	for _, line := range strings.Split(text, "\n") {
		name, selected, ok := parseChecklistLine(line)
		if !ok {
			continue
		}
		option := SelectOption{ID: NewOptionID(), Name: name}
		parsed.Options = append(parsed.Options, option)
		if selected {
			parsed.SelectedOptionIDs = append(parsed.SelectedOptionIDs, option.ID)
		}
	}
	return parsed
}

func parseChecklistLine(line string) (string, bool, bool) {
	trimmed := strings.TrimSpace(line)
	trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, bulletMarker))
	selected := false
	switch {
	case len(trimmed) >= 3 && strings.EqualFold(trimmed[:3], checkedMarker):
		selected = true
		trimmed = trimmed[3:]
	case strings.HasPrefix(trimmed, uncheckedMarker):
		trimmed = trimmed[3:]
	}
	name := strings.TrimSpace(trimmed)
	if name == "" {
		return "", false, false
	}
	return name, selected, true
}

// IsSelected reports whether the option with id is checked.
func (data ChecklistData) IsSelected(id string) bool {
	return slices.Contains(data.SelectedOptionIDs, id)
}

// Selected returns the checked options in option order.
func (data ChecklistData) Selected() []SelectOption {
	var selected []SelectOption
	for _, option := range data.Options {
		if data.IsSelected(option.ID) {
			selected = append(selected, option)
		}
	}
	return selected
}

// Percentage returns the completed share of options, or 0 for an empty checklist.
func (data ChecklistData) Percentage() float64 {
	if len(data.Options) == 0 {
		return 0
	}
	return float64(len(data.Selected())) / float64(len(data.Options))
}

// Markdown renders one "[x] name" or "[ ] name" line per option.
func (data ChecklistData) Markdown() string {
	lines := make([]string, 0, len(data.Options))
	for _, option := range data.Options {
		marker := uncheckedMarker
		if data.IsSelected(option.ID) {
			marker = checkedMarker
		}
		lines = append(lines, marker+" "+option.Name)
	}
	return strings.Join(lines, "\n")
}

// JSON returns the stored JSON form.
func (data ChecklistData) JSON() string {
	normalized := data
	if normalized.Options == nil {
		normalized.Options = []SelectOption{}
	}
	if normalized.SelectedOptionIDs == nil {
		normalized.SelectedOptionIDs = []string{}
	}
	encoded, err := json.Marshal(normalized)
	if err != nil {
		return ""
	}
	return string(encoded)
}

// StringifyChecklist renders options and selection as checklist markdown.
func StringifyChecklist(options []SelectOption, selectedIDs []string) string {
	return ChecklistData{Options: options, SelectedOptionIDs: selectedIDs}.Markdown()
}
