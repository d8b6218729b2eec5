package fields

import (
	"strings"
)

// ResolveOption finds the option a token refers to: by id first, then by name.
func ResolveOption(options []SelectOption, token string) (SelectOption, bool) {
	token = strings.TrimSpace(token)
	if token == "" {
		return SelectOption{}, false
	}
	for _, option := range options {
		if option.ID == token {
			return option, true
		}
	}
	for _, option := range options {
		if option.Name == token {
			return option, true
		}
	}
	for _, option := range options {
		if strings.EqualFold(option.Name, token) {
			return option, true
		}
	}
	return SelectOption{}, false
}

// SelectTokens splits a select payload into its option references.
func SelectTokens(data any) []string {
	var raw []string
	switch typed := data.(type) {
	case string:
		raw = strings.Split(typed, ",")
	case []string:
		raw = typed
	case []any:
		for _, element := range typed {
			if text, ok := element.(string); ok {
				raw = append(raw, text)
			}
		}
	}
	tokens := make([]string, 0, len(raw))
	for _, token := range raw {
		if trimmed := strings.TrimSpace(token); trimmed != "" {
			tokens = append(tokens, trimmed)
		}
	}
	return tokens
}

// SelectedOptions resolves a cell against the select options of field. Checklist
// payloads contribute their checked options, matched by id and then by name. Unmatched
// references are dropped; a single select keeps only the first match.
func SelectedOptions(cell Cell, field Field) []SelectOption {
	options := field.SelectOptions()
	var resolved []SelectOption
	seen := make(map[string]struct{})
	add := func(option SelectOption) {
		if _, duplicate := seen[option.ID]; duplicate {
			return
		}
		seen[option.ID] = struct{}{}
		resolved = append(resolved, option)
	}

	if cell.SourceType() == Checklist {
		for _, checked := range ParseChecklist(cell.Data).Selected() {
			if option, ok := ResolveOption(options, checked.ID); ok {
				add(option)
				continue
			}
			if option, ok := ResolveOption(options, checked.Name); ok {
				add(option)
			}
		}
	} else {
		for _, token := range SelectTokens(cell.Data) {
			if option, ok := ResolveOption(options, token); ok {
				add(option)
			}
		}
	}
	if field.Type == SingleSelect && len(resolved) > 1 {
		resolved = resolved[:1]
	}
	return resolved
}

func optionIDs(options []SelectOption) []string {
	ids := make([]string, 0, len(options))
	for _, option := range options {
		ids = append(ids, option.ID)
	}
	return ids
}

func optionNames(options []SelectOption) []string {
	names := make([]string, 0, len(options))
	for _, option := range options {
		names = append(names, option.Name)
	}
	return names
}
