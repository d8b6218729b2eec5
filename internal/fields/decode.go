package fields

import (
	"encoding/json"
	"strconv"
	"strings"
)

// RelationTextFunc renders the display text of the related rows.
type RelationTextFunc func(rowIDs []string) string

// RollupValue is the resolved value of a rollup cell.
type RollupValue struct {
	Value      string
	Numeric    float64
	HasNumeric bool
}

// Resolvers supply the values of cells that live in other documents. They must not
// block on network.
type Resolvers struct {
	RelationText func(rowID, fieldID string) string
	RollupValue  func(rowID, fieldID string) RollupValue
}

func (resolvers Resolvers) relationText(rowID, fieldID string) string {
	if resolvers.RelationText == nil {
		return ""
	}
	return resolvers.RelationText(rowID, fieldID)
}

func (resolvers Resolvers) rollupValue(rowID, fieldID string) RollupValue {
	if resolvers.RollupValue == nil {
		return RollupValue{}
	}
	return resolvers.RollupValue(rowID, fieldID)
}

// DecodeText renders the cell as display text under the field's current type. A
// string or numeric payload written under the current type is returned as is.
func DecodeText(cell Cell, field Field, relationText RelationTextFunc) string {
	source := cell.SourceType()
	target := field.Type
	if source == target {
		if text, ok := primitiveText(cell.Data); ok {
			return text
		}
	}

	switch {
	case target == Checkbox:
		if cell.Data == nil {
			return ""
		}
		if checkboxTruthy(cell.Data) {
			return "Yes"
		}
		return "No"
	case target.IsSelect():
		return strings.Join(optionNames(SelectedOptions(cell, field)), ", ")
	case target == Checklist:
		return ParseChecklist(cell.Data).Markdown()
	case target == Relation:
		if relationText == nil {
			return ""
		}
		return relationText(RelationRowIDs(cell.Data))
	default:
		text, _ := primitiveText(cell.Data)
		return text
	}
}

// Transform converts the cell into the storage form of the field's current type:
// option ids for selects, ChecklistData for checklists, bool for checkboxes, row ids
// for relations, float64 for numbers and unix seconds for dates. Unconvertible
// payloads yield nil; other types yield display text.
func Transform(cell Cell, field Field) any {
	switch field.Type {
	case Checkbox:
		return checkboxTruthy(cell.Data)
	case SingleSelect, MultiSelect:
		return optionIDs(SelectedOptions(cell, field))
	case Checklist:
		return ParseChecklist(cell.Data)
	case Relation:
		return RelationRowIDs(cell.Data)
	case Number:
		if value, ok := numberValue(cell.Data); ok {
			return value
		}
		return nil
	case DateTime, LastEditedTime, CreatedTime:
		if timestamp, ok := timestampValue(cell.Data); ok {
			return timestamp
		}
		return nil
	default:
		return DecodeText(cell, field, nil)
	}
}

// SortKind selects the comparable member of a SortKey.
type SortKind int

const (
	SortText SortKind = iota
	SortNumber
	SortBool
)

// SortKey is the typed primitive a cell sorts by.
type SortKey struct {
	Kind    SortKind
	Text    string
	Number  float64
	Bool    bool
	Missing bool
}

// TextKey builds a text sort key; the empty string is missing.
func TextKey(text string) SortKey {
	return SortKey{Kind: SortText, Text: text, Missing: strings.TrimSpace(text) == ""}
}

// NumberKey builds a present numeric sort key.
func NumberKey(value float64) SortKey {
	return SortKey{Kind: SortNumber, Number: value}
}

// MissingKey builds a missing sort key of kind.
func MissingKey(kind SortKind) SortKey {
	return SortKey{Kind: kind, Missing: true}
}

// SortKindOf returns the key kind fieldType sorts by.
func SortKindOf(fieldType FieldType) SortKind {
	switch fieldType {
	case Checkbox:
		return SortBool
	case Number, DateTime, Checklist, LastEditedTime, CreatedTime:
		return SortNumber
	default:
		return SortText
	}
}

// DecodeSortKey computes the sort key of a row's cell. Relation and rollup values come
// from resolvers; cell is nil when the row has no cell for the field. Unchecked and
// missing checkboxes both sort as false.
func DecodeSortKey(cell *Cell, field Field, rowID string, resolvers Resolvers) SortKey {
	switch field.Type {
	case Relation:
		return TextKey(resolvers.relationText(rowID, field.ID))
	case Rollup:
		value := resolvers.rollupValue(rowID, field.ID)
		if value.HasNumeric {
			return NumberKey(value.Numeric)
		}
		return TextKey(value.Value)
	}
	if cell == nil {
		if field.Type == Checkbox {
			return SortKey{Kind: SortBool}
		}
		return MissingKey(SortKindOf(field.Type))
	}

	switch field.Type {
	case Checkbox:
		return SortKey{Kind: SortBool, Bool: checkboxTruthy(cell.Data)}
	case Number:
		if value, ok := numberValue(cell.Data); ok {
			return NumberKey(value)
		}
		return MissingKey(SortNumber)
	case DateTime, LastEditedTime, CreatedTime:
		if timestamp, ok := timestampValue(cell.Data); ok {
			return NumberKey(float64(timestamp))
		}
		return MissingKey(SortNumber)
	case Checklist:
		return NumberKey(ParseChecklist(cell.Data).Percentage())
	case SingleSelect, MultiSelect:
		return TextKey(strings.Join(optionNames(SelectedOptions(*cell, field)), ", "))
	default:
		return TextKey(DecodeText(*cell, field, nil))
	}
}

// RelationRowIDs reads the row ids of a relation payload: a list or a JSON array.
func RelationRowIDs(data any) []string {
	switch typed := data.(type) {
	case []string:
		return compactStrings(typed)
	case []any:
		ids := make([]string, 0, len(typed))
		for _, element := range typed {
			if text, ok := element.(string); ok {
				ids = append(ids, text)
			}
		}
		return compactStrings(ids)
	case string:
		var ids []string
		if err := json.Unmarshal([]byte(typed), &ids); err == nil {
			return compactStrings(ids)
		}
		return compactStrings(strings.Split(typed, ","))
	default:
		return nil
	}
}

func compactStrings(values []string) []string {
	compacted := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			compacted = append(compacted, trimmed)
		}
	}
	return compacted
}

func primitiveText(data any) (string, bool) {
	switch typed := data.(type) {
	case string:
		return typed, true
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64), true
	case int:
		return strconv.Itoa(typed), true
	case int64:
		return strconv.FormatInt(typed, 10), true
	default:
		return "", false
	}
}

var truthyTexts = map[string]struct{}{
	"yes": {}, "true": {}, "1": {}, "[x]": {}, "x": {}, "checked": {}, "on": {},
}

func checkboxTruthy(data any) bool {
	switch typed := data.(type) {
	case bool:
		return typed
	case float64:
		return typed != 0
	case int:
		return typed != 0
	case int64:
		return typed != 0
	case string:
		_, ok := truthyTexts[strings.ToLower(strings.TrimSpace(typed))]
		return ok
	default:
		return false
	}
}

func numberValue(data any) (float64, bool) {
	switch typed := data.(type) {
	case float64:
		return typed, true
	case int:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case string:
		trimmed := strings.ReplaceAll(strings.TrimSpace(typed), ",", "")
		if trimmed == "" {
			return 0, false
		}
		value, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return 0, false
		}
		return value, true
	default:
		return 0, false
	}
}

func timestampValue(data any) (int64, bool) {
	if nested, ok := data.(map[string]any); ok {
		data = nested["timestamp"]
	}
	value, ok := numberValue(data)
	if !ok {
		return 0, false
	}
	return int64(value), true
}
