package view

import (
	"slices"
	"testing"

	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/fields"
)

var (
	titleField  = fields.Field{ID: "title", Name: "Title", Type: fields.RichText, IsPrimary: true}
	amountField = fields.Field{ID: "amount", Name: "Amount", Type: fields.Number}
	doneField   = fields.Field{ID: "done", Name: "Done", Type: fields.Checkbox}
	dueField    = fields.Field{ID: "due", Name: "Due", Type: fields.DateTime}
	statusField = fields.Field{
		ID:   "status",
		Name: "Status",
		Type: fields.SingleSelect,
		Option: fields.SelectTypeOption{Options: []fields.SelectOption{
			{ID: "todo", Name: "To do"},
			{ID: "doing", Name: "Doing"},
			{ID: "done", Name: "Done"},
		}},
	}
	tagsField = fields.Field{
		ID:   "tags",
		Name: "Tags",
		Type: fields.MultiSelect,
		Option: fields.SelectTypeOption{Options: []fields.SelectOption{
			{ID: "red", Name: "Red"},
			{ID: "blue", Name: "Blue"},
		}},
	}
	allFields = []fields.Field{titleField, amountField, doneField, dueField, statusField, tagsField}
)

func makeRow(id string, values map[string]any) Row {
	row := Row{ID: id, Cells: map[string]fields.Cell{}}
	for fieldID, value := range values {
		field, _ := fields.FieldByID(allFields, fieldID)
		row.Cells[fieldID] = fields.Cell{Data: value, FieldType: field.Type}
	}
	return row
}

func rowIDs(rows []Row) []string {
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	return ids
}

func newTestEvaluator() *Evaluator {
	return NewEvaluator(allFields, fields.Resolvers{})
}

func TestSortRowsPlacesMissingValuesLastInBothDirections(t *testing.T) {
	rows := []Row{
		makeRow("blank", nil),
		makeRow("b", map[string]any{"title": "banana", "amount": 2.0}),
		makeRow("empty", map[string]any{"title": "   "}),
		makeRow("a", map[string]any{"title": "Apple", "amount": 10.0}),
	}
	evaluator := newTestEvaluator()

	cases := []struct {
		name string
		sort Sort
		want []string
	}{
		{name: "text ascending", sort: Sort{FieldID: "title", Condition: Ascending}, want: []string{"a", "b", "blank", "empty"}},
		{name: "text descending", sort: Sort{FieldID: "title", Condition: Descending}, want: []string{"b", "a", "blank", "empty"}},
		{name: "number ascending", sort: Sort{FieldID: "amount", Condition: Ascending}, want: []string{"b", "a", "blank", "empty"}},
		{name: "number descending", sort: Sort{FieldID: "amount", Condition: Descending}, want: []string{"a", "b", "blank", "empty"}},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			got := rowIDs(evaluator.SortRows(rows, []Sort{testCase.sort}))
			if !slices.Equal(got, testCase.want) {
				t.Fatalf("expected %v, got %v", testCase.want, got)
			}
		})
	}
}

func TestSortRowsCollatesNumericSegmentsAndIgnoresCase(t *testing.T) {
	rows := []Row{
		makeRow("ten", map[string]any{"title": "Item 10"}),
		makeRow("two", map[string]any{"title": "item 2"}),
		makeRow("one", map[string]any{"title": "ITEM 1"}),
	}
	got := rowIDs(newTestEvaluator().SortRows(rows, []Sort{{FieldID: "title"}}))
	if want := []string{"one", "two", "ten"}; !slices.Equal(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestSortRowsIsStableAcrossEqualKeys(t *testing.T) {
	rows := []Row{
		makeRow("r1", map[string]any{"done": "Yes", "title": "x"}),
		makeRow("r2", map[string]any{"done": "No", "title": "x"}),
		makeRow("r3", map[string]any{"done": "Yes", "title": "x"}),
		makeRow("r4", map[string]any{"title": "x"}),
	}
	got := rowIDs(newTestEvaluator().SortRows(rows, []Sort{{FieldID: "done", Condition: Descending}, {FieldID: "title"}}))
	if want := []string{"r1", "r3", "r2", "r4"}; !slices.Equal(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if original := rowIDs(rows); !slices.Equal(original, []string{"r1", "r2", "r3", "r4"}) {
		t.Fatalf("input rows were reordered: %v", original)
	}
}

func TestSortRowsIgnoresUnknownFields(t *testing.T) {
	rows := []Row{makeRow("b", nil), makeRow("a", nil)}
	got := rowIDs(newTestEvaluator().SortRows(rows, []Sort{{FieldID: "missing"}}))
	if !slices.Equal(got, []string{"b", "a"}) {
		t.Fatalf("expected original order, got %v", got)
	}
}

func TestFilterRowsByFieldType(t *testing.T) {
	const day = int64(86400)
	rows := []Row{
		makeRow("r1", map[string]any{"title": "Write report", "amount": 5.0, "done": "Yes", "status": "todo", "tags": "red,blue", "due": float64(10 * day)}),
		makeRow("r2", map[string]any{"title": "Review", "amount": "12", "done": "No", "status": "doing", "tags": "blue", "due": float64(12*day + 3600)}),
		makeRow("r3", map[string]any{"title": "", "status": "Done"}),
	}
	cases := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{name: "text contains", filter: Filter{FieldID: "title", Condition: TextContains, Content: "RE"}, want: []string{"r1", "r2"}},
		{name: "text starts with", filter: Filter{FieldID: "title", Condition: TextStartsWith, Content: "write"}, want: []string{"r1"}},
		{name: "text empty", filter: Filter{FieldID: "title", Condition: TextIsEmpty}, want: []string{"r3"}},
		{name: "number greater", filter: Filter{FieldID: "amount", Condition: NumberGreaterThan, Content: "6"}, want: []string{"r2"}},
		{name: "number not equal keeps blanks", filter: Filter{FieldID: "amount", Condition: NumberNotEqual, Content: "5"}, want: []string{"r2", "r3"}},
		{name: "number empty", filter: Filter{FieldID: "amount", Condition: NumberIsEmpty}, want: []string{"r3"}},
		{name: "checkbox checked", filter: Filter{FieldID: "done", Condition: CheckboxIsChecked}, want: []string{"r1"}},
		{name: "checkbox unchecked", filter: Filter{FieldID: "done", Condition: CheckboxIsUnchecked}, want: []string{"r2", "r3"}},
		{name: "select is any of", filter: Filter{FieldID: "status", Condition: SelectIs, Content: "todo,done"}, want: []string{"r1", "r3"}},
		{name: "select is not", filter: Filter{FieldID: "status", Condition: SelectIsNot, Content: "todo"}, want: []string{"r2", "r3"}},
		{name: "multi select contains", filter: Filter{FieldID: "tags", Condition: SelectContains, Content: "red"}, want: []string{"r1"}},
		{name: "multi select empty", filter: Filter{FieldID: "tags", Condition: SelectIsEmpty}, want: []string{"r3"}},
		{name: "date is same day", filter: Filter{FieldID: "due", Condition: DateIs, Content: "1040000"}, want: []string{"r2"}},
		{name: "date before", filter: Filter{FieldID: "due", Condition: DateBefore, Content: `{"timestamp": 1036800}`}, want: []string{"r1"}},
		{name: "date within", filter: Filter{FieldID: "due", Condition: DateWithin, Content: `{"start": 864000, "end": 950400}`}, want: []string{"r1"}},
		{name: "date empty", filter: Filter{FieldID: "due", Condition: DateIsEmpty}, want: []string{"r3"}},
		{name: "unknown field matches", filter: Filter{FieldID: "nope", Condition: TextIs, Content: "x"}, want: []string{"r1", "r2", "r3"}},
		{
			name: "or group",
			filter: Filter{Type: FilterOr, Children: []Filter{
				{FieldID: "done", Condition: CheckboxIsChecked},
				{FieldID: "status", Condition: SelectIs, Content: "done"},
			}},
			want: []string{"r1", "r3"},
		},
		{
			name: "and group",
			filter: Filter{Type: FilterAnd, Children: []Filter{
				{FieldID: "tags", Condition: SelectContains, Content: "blue"},
				{FieldID: "amount", Condition: NumberGreaterThanOrEqual, Content: "12"},
			}},
			want: []string{"r2"},
		},
	}
	evaluator := newTestEvaluator()
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			got := rowIDs(evaluator.FilterRows(rows, []Filter{testCase.filter}))
			if !slices.Equal(got, testCase.want) {
				t.Fatalf("expected %v, got %v", testCase.want, got)
			}
		})
	}
}

func TestFilterRowsUsesResolversForRelations(t *testing.T) {
	relationField := fields.Field{ID: "link", Name: "Link", Type: fields.Relation, Option: fields.RelationTypeOption{DatabaseID: "other"}}
	evaluator := NewEvaluator([]fields.Field{relationField}, fields.Resolvers{
		RelationText: func(rowID, fieldID string) string {
			if rowID == "r1" {
				return "Alpha, Beta"
			}
			return ""
		},
	})
	rows := []Row{{ID: "r1"}, {ID: "r2"}}
	got := rowIDs(evaluator.FilterRows(rows, []Filter{{FieldID: "link", Condition: TextContains, Content: "beta"}}))
	if !slices.Equal(got, []string{"r1"}) {
		t.Fatalf("expected [r1], got %v", got)
	}
}

func TestGroupByFieldAgreesWithFilters(t *testing.T) {
	rows := []Row{
		makeRow("r1", map[string]any{"status": "todo", "tags": "red,blue"}),
		makeRow("r2", map[string]any{"status": "doing", "tags": "blue"}),
		makeRow("r3", map[string]any{}),
		makeRow("r4", map[string]any{"status": "todo"}),
	}
	evaluator := newTestEvaluator()
	filterSets := [][]Filter{
		nil,
		{{FieldID: "status", Condition: SelectIsNot, Content: "todo"}},
		{{FieldID: "status", Condition: SelectIs, Content: "todo,doing"}},
		{{FieldID: "status", Condition: SelectIsNotEmpty}},
		{{FieldID: "status", Condition: SelectIsEmpty}},
	}
	for _, filters := range filterSets {
		groups := evaluator.GroupByField(rows, "status", filters)
		for _, group := range groups {
			for _, row := range group.Rows {
				if !evaluator.matchesAll(row, filters) {
					t.Fatalf("row %s grouped under %s fails filters %+v", row.ID, group.Key, filters)
				}
				if group.OptionID != "" && !slices.Contains(evaluator.selectedIDs(row, statusField), group.OptionID) {
					t.Fatalf("row %s grouped under %s without holding the option", row.ID, group.Key)
				}
			}
		}
	}

	excluding := evaluator.GroupByField(rows, "status", []Filter{{FieldID: "status", Condition: SelectIsNot, Content: "todo"}})
	keys := make([]string, 0, len(excluding))
	for _, group := range excluding {
		keys = append(keys, group.Key)
	}
	if want := []string{"option:doing", "option:done", "none:status"}; !slices.Equal(keys, want) {
		t.Fatalf("expected groups %v, got %v", want, keys)
	}

	nonEmpty := evaluator.GroupByField(rows, "status", []Filter{{FieldID: "status", Condition: SelectIsNotEmpty}})
	for _, group := range nonEmpty {
		if group.Key == "none:status" {
			t.Fatalf("expected the empty bucket to be hidden by an is-not-empty filter")
		}
	}
}

func TestGroupByFieldMultiSelectJoinsEveryBucket(t *testing.T) {
	rows := []Row{
		makeRow("r1", map[string]any{"tags": "red,blue"}),
		makeRow("r2", map[string]any{}),
	}
	groups := newTestEvaluator().GroupByField(rows, "tags", nil)
	got := map[string][]string{}
	for _, group := range groups {
		got[group.Key] = rowIDs(group.Rows)
	}
	if !slices.Equal(got["option:red"], []string{"r1"}) || !slices.Equal(got["option:blue"], []string{"r1"}) {
		t.Fatalf("expected r1 in both option buckets, got %v", got)
	}
	if !slices.Equal(got["none:tags"], []string{"r2"}) {
		t.Fatalf("expected r2 in the empty bucket, got %v", got)
	}
}

func TestGroupByCheckbox(t *testing.T) {
	rows := []Row{
		makeRow("r1", map[string]any{"done": "Yes"}),
		makeRow("r2", map[string]any{"done": "No"}),
		makeRow("r3", nil),
	}
	groups := newTestEvaluator().GroupByField(rows, "done", []Filter{{FieldID: "done", Condition: CheckboxIsUnchecked}})
	if len(groups) != 1 || groups[0].Key != "checkbox:unchecked" {
		t.Fatalf("expected only the unchecked group, got %+v", groups)
	}
	if got := rowIDs(groups[0].Rows); !slices.Equal(got, []string{"r2", "r3"}) {
		t.Fatalf("expected [r2 r3], got %v", got)
	}
	if groups := newTestEvaluator().GroupByField(rows, "title", nil); groups != nil {
		t.Fatalf("expected no groups for a text field, got %+v", groups)
	}
}
