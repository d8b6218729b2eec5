package view

import (
	"encoding/json"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/language"

	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/fields"
)

// Evaluator applies filters, sorts and grouping over rows of one database. It never
// performs cross-document reads itself; relation and rollup values come from the
// resolvers.
type Evaluator struct {
	fields    map[string]fields.Field
	resolvers fields.Resolvers
	language  language.Tag
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithLanguage selects the collation language for text sorts.
func WithLanguage(tag language.Tag) EvaluatorOption {
	return func(evaluator *Evaluator) {
		evaluator.language = tag
	}
}

// NewEvaluator builds an evaluator over the database's fields.
func NewEvaluator(all []fields.Field, resolvers fields.Resolvers, opts ...EvaluatorOption) *Evaluator {
	evaluator := &Evaluator{
		fields:    make(map[string]fields.Field, len(all)),
		resolvers: resolvers,
		language:  language.Und,
	}
	for _, field := range all {
		evaluator.fields[field.ID] = field
	}
	for _, opt := range opts {
		opt(evaluator)
	}
	return evaluator
}

// FilterRows keeps the rows matching every top-level filter, in order.
func (evaluator *Evaluator) FilterRows(rows []Row, filters []Filter) []Row {
	if len(filters) == 0 {
		return rows
	}
	kept := make([]Row, 0, len(rows))
	for _, row := range rows {
		if evaluator.matchesAll(row, filters) {
			kept = append(kept, row)
		}
	}
	return kept
}

func (evaluator *Evaluator) matchesAll(row Row, filters []Filter) bool {
	for _, filter := range filters {
		if !evaluator.Matches(row, filter) {
			return false
		}
	}
	return true
}

// Matches evaluates one filter node against row. Filters on unknown fields match.
func (evaluator *Evaluator) Matches(row Row, filter Filter) bool {
	switch filter.Type {
	case FilterAnd:
		return evaluator.matchesAll(row, filter.Children)
	case FilterOr:
		if len(filter.Children) == 0 {
			return true
		}
		return slices.ContainsFunc(filter.Children, func(child Filter) bool {
			return evaluator.Matches(row, child)
		})
	}

	field, ok := evaluator.fields[filter.FieldID]
	if !ok {
		return true
	}
	switch field.Type {
	case fields.Number:
		return evaluator.matchNumber(row, field, filter)
	case fields.Checkbox:
		return evaluator.matchCheckbox(row, field, filter)
	case fields.SingleSelect, fields.MultiSelect:
		return evaluator.matchSelect(row, field, filter)
	case fields.Checklist:
		return evaluator.matchChecklist(row, field, filter)
	case fields.DateTime, fields.CreatedTime, fields.LastEditedTime:
		return evaluator.matchDate(row, field, filter)
	default:
		return matchText(evaluator.text(row, field), filter)
	}
}

func (evaluator *Evaluator) text(row Row, field fields.Field) string {
	switch field.Type {
	case fields.Relation:
		if evaluator.resolvers.RelationText == nil {
			return ""
		}
		return evaluator.resolvers.RelationText(row.ID, field.ID)
	case fields.Rollup:
		if evaluator.resolvers.RollupValue == nil {
			return ""
		}
		return evaluator.resolvers.RollupValue(row.ID, field.ID).Value
	}
	cell, ok := row.cell(field.ID)
	if !ok {
		return ""
	}
	return fields.DecodeText(cell, field, nil)
}

func matchText(text string, filter Filter) bool {
	value := strings.ToLower(strings.TrimSpace(text))
	content := strings.ToLower(strings.TrimSpace(filter.Content))
	switch filter.Condition {
	case TextIs:
		return value == content
	case TextIsNot:
		return value != content
	case TextContains:
		return strings.Contains(value, content)
	case TextDoesNotContain:
		return !strings.Contains(value, content)
	case TextStartsWith:
		return strings.HasPrefix(value, content)
	case TextEndsWith:
		return strings.HasSuffix(value, content)
	case TextIsEmpty:
		return value == ""
	case TextIsNotEmpty:
		return value != ""
	default:
		return true
	}
}

func (evaluator *Evaluator) matchNumber(row Row, field fields.Field, filter Filter) bool {
	var key fields.SortKey
	if cell, ok := row.cell(field.ID); ok {
		key = fields.DecodeSortKey(&cell, field, row.ID, evaluator.resolvers)
	} else {
		key = fields.MissingKey(fields.SortNumber)
	}
	switch filter.Condition {
	case NumberIsEmpty:
		return key.Missing
	case NumberIsNotEmpty:
		return !key.Missing
	}
	expected, err := strconv.ParseFloat(strings.TrimSpace(filter.Content), 64)
	if err != nil {
		return true
	}
	if key.Missing {
		return filter.Condition == NumberNotEqual
	}
	switch filter.Condition {
	case NumberEqual:
		return key.Number == expected
	case NumberNotEqual:
		return key.Number != expected
	case NumberGreaterThan:
		return key.Number > expected
	case NumberLessThan:
		return key.Number < expected
	case NumberGreaterThanOrEqual:
		return key.Number >= expected
	case NumberLessThanOrEqual:
		return key.Number <= expected
	default:
		return true
	}
}

func (evaluator *Evaluator) matchCheckbox(row Row, field fields.Field, filter Filter) bool {
	checked := false
	if cell, ok := row.cell(field.ID); ok {
		checked, _ = fields.Transform(cell, field).(bool)
	}
	switch filter.Condition {
	case CheckboxIsChecked:
		return checked
	case CheckboxIsUnchecked:
		return !checked
	default:
		return true
	}
}

func (evaluator *Evaluator) selectedIDs(row Row, field fields.Field) []string {
	cell, ok := row.cell(field.ID)
	if !ok {
		return nil
	}
	ids, _ := fields.Transform(cell, field).([]string)
	return ids
}

func (evaluator *Evaluator) matchSelect(row Row, field fields.Field, filter Filter) bool {
	return matchSelectIDs(evaluator.selectedIDs(row, field), filter)
}

func matchSelectIDs(selected []string, filter Filter) bool {
	wanted := fields.SelectTokens(filter.Content)
	anyWanted := slices.ContainsFunc(selected, func(id string) bool {
		return slices.Contains(wanted, id)
	})
	switch filter.Condition {
	case SelectIsEmpty:
		return len(selected) == 0
	case SelectIsNotEmpty:
		return len(selected) > 0
	}
	if len(wanted) == 0 {
		return true
	}
	switch filter.Condition {
	case SelectIs, SelectContains:
		return anyWanted
	case SelectIsNot, SelectDoesNotContain:
		return !anyWanted
	default:
		return true
	}
}

func (evaluator *Evaluator) matchChecklist(row Row, field fields.Field, filter Filter) bool {
	var data fields.ChecklistData
	if cell, ok := row.cell(field.ID); ok {
		data, _ = fields.Transform(cell, field).(fields.ChecklistData)
	}
	complete := len(data.Options) > 0 && len(data.Selected()) == len(data.Options)
	switch filter.Condition {
	case ChecklistIsComplete:
		return complete
	case ChecklistIsIncomplete:
		return !complete
	default:
		return true
	}
}

func (evaluator *Evaluator) timestamp(row Row, field fields.Field) (int64, bool) {
	switch field.Type {
	case fields.CreatedTime:
		return row.CreatedAt, row.CreatedAt != 0
	case fields.LastEditedTime:
		return row.LastModified, row.LastModified != 0
	}
	cell, ok := row.cell(field.ID)
	if !ok {
		return 0, false
	}
	timestamp, ok := fields.Transform(cell, field).(int64)
	return timestamp, ok
}

type dateContent struct {
	Timestamp *int64 `json:"timestamp"`
	Start     *int64 `json:"start"`
	End       *int64 `json:"end"`
}

func parseDateContent(content string) (dateContent, bool) {
	trimmed := strings.TrimSpace(content)
	if seconds, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return dateContent{Timestamp: &seconds, Start: &seconds, End: &seconds}, true
	}
	var parsed dateContent
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return dateContent{}, false
	}
	if parsed.Timestamp == nil {
		parsed.Timestamp = parsed.Start
	}
	return parsed, parsed.Timestamp != nil || parsed.End != nil
}

func day(seconds int64) int64 {
	return time.Unix(seconds, 0).UTC().Truncate(24*time.Hour).Unix() / 86400
}

func (evaluator *Evaluator) matchDate(row Row, field fields.Field, filter Filter) bool {
	timestamp, present := evaluator.timestamp(row, field)
	switch filter.Condition {
	case DateIsEmpty:
		return !present
	case DateIsNotEmpty:
		return present
	}
	content, ok := parseDateContent(filter.Content)
	if !ok {
		return true
	}
	if !present {
		return false
	}
	value := day(timestamp)
	if filter.Condition == DateWithin {
		if content.Start == nil || content.End == nil {
			return true
		}
		return value >= day(*content.Start) && value <= day(*content.End)
	}
	if content.Timestamp == nil {
		return true
	}
	target := day(*content.Timestamp)
	switch filter.Condition {
	case DateIs:
		return value == target
	case DateBefore:
		return value < target
	case DateAfter:
		return value > target
	case DateOnOrBefore:
		return value <= target
	case DateOnOrAfter:
		return value >= target
	default:
		return true
	}
}
