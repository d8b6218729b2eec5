package view

import (
	"cmp"
	"slices"

	"golang.org/x/text/collate"

	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/fields"
)

type activeSort struct {
	field      fields.Field
	descending bool
}

type keyedRow struct {
	row  Row
	keys []fields.SortKey
}

// SortRows orders rows by sorts in declared order, keeping the original order of rows
// whose keys are all equal. Rows without a value sort last in either direction. Text
// compares case-insensitively with numeric segments ordered by value.
func (evaluator *Evaluator) SortRows(rows []Row, sorts []Sort) []Row {
	active := make([]activeSort, 0, len(sorts))
	for _, sort := range sorts {
		if field, ok := evaluator.fields[sort.FieldID]; ok {
			active = append(active, activeSort{field: field, descending: sort.Condition == Descending})
		}
	}
	sorted := slices.Clone(rows)
	if len(active) == 0 || len(rows) < 2 {
		return sorted
	}

	keyed := make([]keyedRow, len(rows))
	for index, row := range rows {
		keys := make([]fields.SortKey, len(active))
		for position, criterion := range active {
			keys[position] = evaluator.sortKey(row, criterion.field)
		}
		keyed[index] = keyedRow{row: row, keys: keys}
	}

	collator := collate.New(evaluator.language, collate.IgnoreCase, collate.Numeric)
	slices.SortStableFunc(keyed, func(left, right keyedRow) int {
		for position, criterion := range active {
			if order := compareKeys(collator, left.keys[position], right.keys[position], criterion.descending); order != 0 {
				return order
			}
		}
		return 0
	})
	for index, entry := range keyed {
		sorted[index] = entry.row
	}
	return sorted
}

func (evaluator *Evaluator) sortKey(row Row, field fields.Field) fields.SortKey {
	switch field.Type {
	case fields.CreatedTime, fields.LastEditedTime:
		if timestamp, ok := evaluator.timestamp(row, field); ok {
			return fields.NumberKey(float64(timestamp))
		}
		return fields.MissingKey(fields.SortNumber)
	}
	if cell, ok := row.cell(field.ID); ok {
		return fields.DecodeSortKey(&cell, field, row.ID, evaluator.resolvers)
	}
	return fields.DecodeSortKey(nil, field, row.ID, evaluator.resolvers)
}

// compareKeys places missing keys after present ones regardless of direction; the
// direction applies to present values only.
func compareKeys(collator *collate.Collator, left, right fields.SortKey, descending bool) int {
	switch {
	case left.Missing && right.Missing:
		return 0
	case left.Missing:
		return 1
	case right.Missing:
		return -1
	}
	order := compareValues(collator, left, right)
	if descending {
		return -order
	}
	return order
}

func compareValues(collator *collate.Collator, left, right fields.SortKey) int {
	if left.Kind != right.Kind {
		return cmp.Compare(left.Kind, right.Kind)
	}
	switch left.Kind {
	case fields.SortNumber:
		return cmp.Compare(left.Number, right.Number)
	case fields.SortBool:
		switch {
		case left.Bool == right.Bool:
			return 0
		case !left.Bool:
			return -1
		default:
			return 1
		}
	default:
		return collator.CompareString(left.Text, right.Text)
	}
}
