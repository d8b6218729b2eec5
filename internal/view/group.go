package view

import (
	"slices"

	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/fields"
)

// Group is one bucket of a grouped view. Keys are namespaced so that the "no
// selection" bucket can never collide with an option bucket.
type Group struct {
	Key      string
	OptionID string
	Name     string
	Rows     []Row
}

const (
	groupKeyOption    = "option:"
	groupKeyNone      = "none:"
	groupKeyChecked   = "checkbox:checked"
	groupKeyUnchecked = "checkbox:unchecked"
)

type bucket struct {
	group Group
	probe Row
}

// GroupByField buckets the rows that pass filters by the select options or checkbox
// state of fieldID. A bucket is omitted when the filters on fieldID reject its value,
// so grouping never shows a row under a value the filter excludes. Multi-select rows
// join every bucket they hold. Grouping by other field types returns nil.
func (evaluator *Evaluator) GroupByField(rows []Row, fieldID string, filters []Filter) []Group {
	field, ok := evaluator.fields[fieldID]
	if !ok {
		return nil
	}
	var buckets []bucket
	switch {
	case field.Type.IsSelect():
		for _, option := range field.SelectOptions() {
			buckets = append(buckets, bucket{
				group: Group{Key: groupKeyOption + option.ID, OptionID: option.ID, Name: option.Name},
				probe: probeRow(field, option.ID),
			})
		}
		buckets = append(buckets, bucket{
			group: Group{Key: groupKeyNone + field.ID, Name: "No " + field.Name},
			probe: probeRow(field, nil),
		})
	case field.Type == fields.Checkbox:
		buckets = []bucket{
			{group: Group{Key: groupKeyChecked, Name: "Checked"}, probe: probeRow(field, "Yes")},
			{group: Group{Key: groupKeyUnchecked, Name: "Unchecked"}, probe: probeRow(field, "No")},
		}
	default:
		return nil
	}

	fieldFilters := filtersOnField(filters, fieldID)
	visible := evaluator.FilterRows(rows, filters)
	groups := make([]Group, 0, len(buckets))
	indexByKey := make(map[string]int, len(buckets))
	for _, candidate := range buckets {
		if !evaluator.matchesAll(candidate.probe, fieldFilters) {
			continue
		}
		indexByKey[candidate.group.Key] = len(groups)
		groups = append(groups, candidate.group)
	}

	for _, row := range visible {
		for _, key := range evaluator.bucketKeys(row, field) {
			if index, ok := indexByKey[key]; ok {
				groups[index].Rows = append(groups[index].Rows, row)
			}
		}
	}
	return groups
}

func (evaluator *Evaluator) bucketKeys(row Row, field fields.Field) []string {
	if field.Type == fields.Checkbox {
		cell, ok := row.cell(field.ID)
		if ok {
			if checked, _ := fields.Transform(cell, field).(bool); checked {
				return []string{groupKeyChecked}
			}
		}
		return []string{groupKeyUnchecked}
	}
	ids := evaluator.selectedIDs(row, field)
	if len(ids) == 0 {
		return []string{groupKeyNone + field.ID}
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, groupKeyOption+id)
	}
	return keys
}

// probeRow holds a single cell carrying value for field.
func probeRow(field fields.Field, value any) Row {
	row := Row{Cells: map[string]fields.Cell{}}
	if value != nil {
		row.Cells[field.ID] = fields.Cell{Data: value, FieldType: field.Type}
	}
	return row
}

// filtersOnField returns the top-level condition filters on fieldID. Filter groups
// mixing fields cannot be evaluated against a single value and are left to row
// filtering.
func filtersOnField(filters []Filter, fieldID string) []Filter {
	return slices.DeleteFunc(slices.Clone(filters), func(filter Filter) bool {
		return filter.Type != FilterData || filter.FieldID != fieldID
	})
}
