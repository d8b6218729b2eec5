// Package view computes database views: it filters, sorts and groups rows using
// decoded cell values, with relation and rollup values supplied by resolvers.
package view

import "github.com/MarcoPoloResearchLab/gravity/workspace/internal/fields"

// FilterType distinguishes condition filters from filter groups.
type FilterType int

const (
	FilterData FilterType = iota
	FilterAnd
	FilterOr
)

// Filter is one node of a view's filter tree. Condition is interpreted by the type of
// the filtered field.
type Filter struct {
	ID        string
	FieldID   string
	Type      FilterType
	Condition int
	Content   string
	Children  []Filter
}

// Text conditions apply to text-like fields, relations and rollups.
const (
	TextIs = iota
	TextIsNot
	TextContains
	TextDoesNotContain
	TextStartsWith
	TextEndsWith
	TextIsEmpty
	TextIsNotEmpty
)

const (
	NumberEqual = iota
	NumberNotEqual
	NumberGreaterThan
	NumberLessThan
	NumberGreaterThanOrEqual
	NumberLessThanOrEqual
	NumberIsEmpty
	NumberIsNotEmpty
)

const (
	CheckboxIsChecked = iota
	CheckboxIsUnchecked
)

// Select conditions take a comma-separated list of option ids as content. Is and
// Contains match rows holding any listed option; IsNot and DoesNotContain match rows
// holding none of them.
const (
	SelectIs = iota
	SelectIsNot
	SelectContains
	SelectDoesNotContain
	SelectIsEmpty
	SelectIsNotEmpty
)

const (
	ChecklistIsComplete = iota
	ChecklistIsIncomplete
)

// Date conditions compare calendar days in UTC. Content is unix seconds or
// {"timestamp"|"start"|"end": seconds}.
const (
	DateIs = iota
	DateBefore
	DateAfter
	DateOnOrBefore
	DateOnOrAfter
	DateWithin
	DateIsEmpty
	DateIsNotEmpty
)

// SortCondition is the direction of a sort.
type SortCondition int

const (
	Ascending SortCondition = iota
	Descending
)

// Sort orders rows by one field.
type Sort struct {
	ID        string
	FieldID   string
	Condition SortCondition
}

// RowMeta is a view's lightweight handle to a row document.
type RowMeta struct {
	ID     string
	Height int
}

// View is a saved view of a database.
type View struct {
	ID           string
	DatabaseID   string
	Name         string
	Filters      []Filter
	Sorts        []Sort
	GroupFieldID string
	RowOrders    []RowMeta
}

// Row is the content of one row document.
type Row struct {
	ID           string
	DatabaseID   string
	Height       int
	Cells        map[string]fields.Cell
	CreatedAt    int64
	LastModified int64
}

func (row Row) cell(fieldID string) (fields.Cell, bool) {
	cell, ok := row.Cells[fieldID]
	return cell, ok
}
