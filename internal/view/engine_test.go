package view

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/docs"
	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/fields"
	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/relation"
)

const testDatabaseGUID = "6b5b0a52-5f43-4d8a-9b1f-0c5a2f7e9d11"

type fakeRelations struct {
	mu       sync.Mutex
	values   map[string]fields.RollupValue
	reads    []relation.Request
	resolves []relation.Request
}

func (relations *fakeRelations) Read(request relation.Request) string {
	relations.mu.Lock()
	defer relations.mu.Unlock()
	relations.reads = append(relations.reads, request)
	return relations.values[request.CellID].Value
}

func (relations *fakeRelations) ReadRollup(request relation.Request) fields.RollupValue {
	relations.mu.Lock()
	defer relations.mu.Unlock()
	relations.reads = append(relations.reads, request)
	return relations.values[request.CellID]
}

func (relations *fakeRelations) Resolve(_ context.Context, request relation.Request) (fields.RollupValue, error) {
	relations.mu.Lock()
	defer relations.mu.Unlock()
	relations.resolves = append(relations.resolves, request)
	return relations.values[request.CellID], nil
}

func mustOpenDoc(testContext *testing.T, registry *docs.Registry, guid string) *crdt.Doc {
	testContext.Helper()
	doc, err := registry.Open(context.Background(), guid)
	if err != nil {
		testContext.Fatalf("open %s: %v", guid, err)
	}
	testContext.Cleanup(func() {
		_ = registry.Close(guid)
	})
	return doc
}

func seedDatabase(testContext *testing.T, registry *docs.Registry, saved View, all []fields.Field, rows []Row) {
	testContext.Helper()
	database := mustOpenDoc(testContext, registry, testDatabaseGUID)
	if err := WriteFields(database, all); err != nil {
		testContext.Fatalf("write fields: %v", err)
	}
	for _, row := range rows {
		saved.RowOrders = append(saved.RowOrders, RowMeta{ID: row.ID})
		rowDoc := mustOpenDoc(testContext, registry, docs.RowKey(testDatabaseGUID, row.ID))
		if err := WriteRow(rowDoc, row); err != nil {
			testContext.Fatalf("write row %s: %v", row.ID, err)
		}
	}
	if err := WriteView(database, saved); err != nil {
		testContext.Fatalf("write view: %v", err)
	}
}

func TestViewCodecRoundTrip(t *testing.T) {
	database := crdt.NewDoc(testDatabaseGUID)
	saved := View{
		ID:         "view-1",
		DatabaseID: "db-1",
		Name:       "Board",
		Filters: []Filter{
			{ID: "f1", FieldID: "title", Condition: TextContains, Content: "x"},
			{ID: "f2", Type: FilterOr, Children: []Filter{{ID: "f3", FieldID: "done", Condition: CheckboxIsChecked}}},
		},
		Sorts:        []Sort{{ID: "s1", FieldID: "amount", Condition: Descending}},
		GroupFieldID: "status",
		RowOrders:    []RowMeta{{ID: "r1", Height: 60}, {ID: "r2"}},
	}
	if err := WriteView(database, saved); err != nil {
		t.Fatalf("write view: %v", err)
	}
	decoded, err := ReadView(database, "view-1")
	if err != nil {
		t.Fatalf("read view: %v", err)
	}
	if decoded.Name != "Board" || decoded.DatabaseID != "db-1" || decoded.GroupFieldID != "status" {
		t.Fatalf("unexpected view header %+v", decoded)
	}
	if len(decoded.Filters) != 2 || decoded.Filters[1].Type != FilterOr || len(decoded.Filters[1].Children) != 1 {
		t.Fatalf("unexpected filters %+v", decoded.Filters)
	}
	if decoded.Filters[1].Children[0].FieldID != "done" {
		t.Fatalf("unexpected nested filter %+v", decoded.Filters[1].Children[0])
	}
	if len(decoded.Sorts) != 1 || decoded.Sorts[0].Condition != Descending {
		t.Fatalf("unexpected sorts %+v", decoded.Sorts)
	}
	if !slices.Equal(decoded.RowOrders, saved.RowOrders) {
		t.Fatalf("expected row orders %+v, got %+v", saved.RowOrders, decoded.RowOrders)
	}
	if ids := ViewIDs(database); !slices.Equal(ids, []string{"view-1"}) {
		t.Fatalf("expected [view-1], got %v", ids)
	}
	if _, err := ReadView(database, "missing"); !errors.Is(err, ErrViewNotFound) {
		t.Fatalf("expected ErrViewNotFound, got %v", err)
	}
}

func TestEngineComputeFiltersSortsAndGroups(t *testing.T) {
	registry := docs.NewRegistry(docs.RegistryConfig{})
	rows := []Row{
		makeRow("r1", map[string]any{"title": "Gamma", "amount": 3.0, "status": "todo"}),
		makeRow("r2", map[string]any{"title": "alpha", "amount": 1.0, "status": "doing"}),
		makeRow("r3", map[string]any{"title": "Beta", "amount": 9.0, "status": "todo"}),
		makeRow("r4", map[string]any{"title": "Delta", "status": "done"}),
	}
	seedDatabase(t, registry, View{
		ID:           "view-1",
		Filters:      []Filter{{FieldID: "status", Condition: SelectIsNot, Content: "done"}},
		Sorts:        []Sort{{FieldID: "title"}},
		GroupFieldID: "status",
	}, allFields, rows)

	engine, err := NewEngine(EngineConfig{Registry: registry})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	projection, err := engine.Compute(context.Background(), testDatabaseGUID, "view-1")
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if got := rowIDs(projection.Rows); !slices.Equal(got, []string{"r2", "r3", "r1"}) {
		t.Fatalf("expected [r2 r3 r1], got %v", got)
	}
	if len(projection.Fields) != len(allFields) {
		t.Fatalf("expected %d fields, got %d", len(allFields), len(projection.Fields))
	}
	groups := map[string][]string{}
	for _, group := range projection.Groups {
		groups[group.Key] = rowIDs(group.Rows)
	}
	if _, ok := groups["option:done"]; ok {
		t.Fatalf("expected the filtered option bucket to be hidden, got %v", groups)
	}
	if !slices.Equal(groups["option:todo"], []string{"r3", "r1"}) {
		t.Fatalf("expected todo bucket [r3 r1], got %v", groups["option:todo"])
	}
	if registry.Len() != 1+len(rows) {
		t.Fatalf("expected compute to release its references, registry holds %d docs", registry.Len())
	}
}

func TestEngineComputeResolvesRelationsAndRollups(t *testing.T) {
	linkField := fields.Field{ID: "link", Name: "Link", Type: fields.Relation, Option: fields.RelationTypeOption{DatabaseID: "projects"}}
	totalField := fields.Field{ID: "total", Name: "Total", Type: fields.Rollup, Option: fields.RollupTypeOption{
		RelationFieldID: "link",
		TargetFieldID:   "budget",
		Calculation:     fields.CalculationSum,
	}}
	all := []fields.Field{titleField, linkField, totalField}
	rows := []Row{
		{ID: "r1", Cells: map[string]fields.Cell{"link": {Data: []string{"p1", "p2"}, FieldType: fields.Relation}}},
		{ID: "r2", Cells: map[string]fields.Cell{"link": {Data: []string{"p3"}, FieldType: fields.Relation}}},
	}

	for _, wait := range []bool{false, true} {
		registry := docs.NewRegistry(docs.RegistryConfig{})
		seedDatabase(t, registry, View{
			ID:      "view-1",
			Filters: []Filter{{FieldID: "link", Condition: TextContains, Content: "apollo"}},
			Sorts:   []Sort{{FieldID: "total", Condition: Descending}},
		}, all, rows)
		relations := &fakeRelations{values: map[string]fields.RollupValue{
			relation.CellID("r1", "link"):  {Value: "Apollo, Gemini"},
			relation.CellID("r2", "link"):  {Value: "Apollo"},
			relation.CellID("r1", "total"): {Value: "3", Numeric: 3, HasNumeric: true},
			relation.CellID("r2", "total"): {Value: "7", Numeric: 7, HasNumeric: true},
		}}
		engine, err := NewEngine(EngineConfig{Registry: registry, Relations: relations, WaitForRelations: wait})
		if err != nil {
			t.Fatalf("new engine: %v", err)
		}
		projection, err := engine.Compute(context.Background(), testDatabaseGUID, "view-1")
		if err != nil {
			t.Fatalf("compute: %v", err)
		}
		if got := rowIDs(projection.Rows); !slices.Equal(got, []string{"r2", "r1"}) {
			t.Fatalf("wait=%v: expected [r2 r1], got %v", wait, got)
		}
		if wait && len(relations.resolves) == 0 {
			t.Fatalf("expected blocking resolution when waiting for relations")
		}
		if !wait && len(relations.resolves) != 0 {
			t.Fatalf("expected cached reads only, got %d resolves", len(relations.resolves))
		}
	}

	request, ok := RelationRequest(rows[0], map[string]fields.Field{"link": linkField, "total": totalField}, "total")
	if !ok {
		t.Fatalf("expected a rollup request")
	}
	if request.DatabaseID != "projects" || request.TargetFieldID != "budget" || !slices.Equal(request.RowIDs, []string{"p1", "p2"}) {
		t.Fatalf("unexpected rollup request %+v", request)
	}
}

func TestEngineComputeUnknownView(t *testing.T) {
	registry := docs.NewRegistry(docs.RegistryConfig{})
	seedDatabase(t, registry, View{ID: "view-1"}, allFields, nil)
	engine, err := NewEngine(EngineConfig{Registry: registry})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if _, err := engine.Compute(context.Background(), testDatabaseGUID, "other"); !errors.Is(err, ErrViewNotFound) {
		t.Fatalf("expected ErrViewNotFound, got %v", err)
	}
	if _, err := NewEngine(EngineConfig{}); !errors.Is(err, ErrMissingRegistry) {
		t.Fatalf("expected ErrMissingRegistry, got %v", err)
	}
}
