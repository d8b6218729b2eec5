package relation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/docs"
	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/fields"
)

const titleFieldID = "title"

type fakeHooks struct {
	mu        sync.Mutex
	viewCalls int
	entered   chan int
	gates     map[int]chan struct{}
	viewFor   func(call int) string
	databases map[string]*crdt.Doc
	rows      map[string]*crdt.Doc
	loads     int
	released  []string
	failRow   bool
}

func newFakeHooks() *fakeHooks {
	return &fakeHooks{
		entered:   make(chan int, 16),
		gates:     make(map[int]chan struct{}),
		viewFor:   func(int) string { return "view-1" },
		databases: make(map[string]*crdt.Doc),
		rows:      make(map[string]*crdt.Doc),
	}
}

func (hooks *fakeHooks) GetViewIDFromDatabaseID(ctx context.Context, databaseID string) (string, error) {
	hooks.mu.Lock()
	hooks.viewCalls++
	call := hooks.viewCalls
	gate := hooks.gates[call]
	hooks.mu.Unlock()
	hooks.entered <- call
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return hooks.viewFor(call), nil
}

func (hooks *fakeHooks) LoadView(_ context.Context, viewID string) (*crdt.Doc, error) {
	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	hooks.loads++
	database, ok := hooks.databases[viewID]
	if !ok {
		return nil, fmt.Errorf("unknown view %s", viewID)
	}
	return database, nil
}

func (hooks *fakeHooks) CreateRowDoc(_ context.Context, rowKey string) (*crdt.Doc, error) {
	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	if hooks.failRow {
		return nil, errors.New("row unavailable")
	}
	row, ok := hooks.rows[rowKey]
	if !ok {
		return crdt.NewDoc(rowKey), nil
	}
	return row, nil
}

func (hooks *fakeHooks) ReleaseView(viewID string) {
	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	hooks.released = append(hooks.released, viewID)
}

func (hooks *fakeHooks) gate(call int) chan struct{} {
	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	gate := make(chan struct{})
	hooks.gates[call] = gate
	return gate
}

func (hooks *fakeHooks) calls() int {
	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	return hooks.viewCalls
}

func mustDatabase(t *testing.T, hooks *fakeHooks, viewID, guid string, extra ...fields.Field) *crdt.Doc {
	t.Helper()
	database := crdt.NewDoc(guid, crdt.WithClientID(1))
	databaseMap, err := database.GetMap(fields.RootKey).SetMap(fields.DatabaseKey)
	if err != nil {
		t.Fatalf("set database failed: %v", err)
	}
	fieldMaps, err := databaseMap.SetMap(fields.KeyFields)
	if err != nil {
		t.Fatalf("set fields failed: %v", err)
	}
	all := append([]fields.Field{{ID: titleFieldID, Name: "Title", Type: fields.RichText, IsPrimary: true}}, extra...)
	for _, field := range all {
		fieldMap, err := fieldMaps.SetMap(field.ID)
		if err != nil {
			t.Fatalf("set field failed: %v", err)
		}
		if err := fields.WriteField(fieldMap, field); err != nil {
			t.Fatalf("write field failed: %v", err)
		}
	}
	hooks.mu.Lock()
	hooks.databases[viewID] = database
	hooks.mu.Unlock()
	return database
}

func mustRow(t *testing.T, hooks *fakeHooks, database *crdt.Doc, rowID string, cells map[string]fields.Cell) {
	t.Helper()
	key := docs.RowKey(database.GUID(), rowID)
	row := crdt.NewDoc(key, crdt.WithClientID(1))
	rowMap, err := row.GetMap(fields.RootKey).SetMap(fields.RowKey)
	if err != nil {
		t.Fatalf("set row failed: %v", err)
	}
	cellMaps, err := rowMap.SetMap(fields.KeyCells)
	if err != nil {
		t.Fatalf("set cells failed: %v", err)
	}
	for fieldID, cell := range cells {
		cellMap, err := cellMaps.SetMap(fieldID)
		if err != nil {
			t.Fatalf("set cell failed: %v", err)
		}
		if err := fields.WriteCell(cellMap, cell); err != nil {
			t.Fatalf("write cell failed: %v", err)
		}
	}
	hooks.mu.Lock()
	hooks.rows[key] = row
	hooks.mu.Unlock()
}

func titleCell(text string) map[string]fields.Cell {
	return map[string]fields.Cell{titleFieldID: {Data: text, FieldType: fields.RichText}}
}

func mustCache(t *testing.T, cfg Config) *Cache {
	t.Helper()
	cache, err := NewCache(cfg)
	if err != nil {
		t.Fatalf("new cache failed: %v", err)
	}
	t.Cleanup(cache.Close)
	return cache
}

func waitChange(t *testing.T, stream <-chan Change) Change {
	t.Helper()
	select {
	case change := <-stream:
		return change
	case <-time.After(2 * time.Second):
		t.Fatal("expected a cache change")
		return Change{}
	}
}

func TestReadJoinsPrimaryTextOfRelatedRows(testContext *testing.T) {
	hooks := newFakeHooks()
	database := mustDatabase(testContext, hooks, "view-1", "tasks-db")
	mustRow(testContext, hooks, database, "r1", titleCell("Alpha"))
	mustRow(testContext, hooks, database, "r2", titleCell("  "))
	mustRow(testContext, hooks, database, "r3", titleCell("Gamma"))
	cache := mustCache(testContext, Config{Hooks: hooks})

	request := Request{CellID: CellID("row-a", "links"), DatabaseID: "tasks-db", RowIDs: []string{"r1", "r2", "r3", "missing"}}
	value, err := cache.Resolve(context.Background(), request)
	if err != nil {
		testContext.Fatalf("resolve failed: %v", err)
	}
	if value.Value != "Alpha, Gamma" {
		testContext.Fatalf("unexpected relation text %q", value.Value)
	}
	if got := cache.Read(request); got != "Alpha, Gamma" {
		testContext.Fatalf("expected cached text, got %q", got)
	}
}

func TestReadIsIdempotentWithinTTL(testContext *testing.T) {
	hooks := newFakeHooks()
	database := mustDatabase(testContext, hooks, "view-1", "tasks-db")
	mustRow(testContext, hooks, database, "r1", titleCell("Alpha"))
	gate := hooks.gate(1)
	now := time.Unix(1700000000, 0)
	cache := mustCache(testContext, Config{Hooks: hooks, Clock: func() time.Time { return now }})
	stream, cancel := cache.Subscribe(context.Background())
	defer cancel()

	request := Request{CellID: "c1", DatabaseID: "tasks-db", RowIDs: []string{"r1"}}
	for range 5 {
		if got := cache.Read(request); got != "" {
			testContext.Fatalf("expected empty value before resolution, got %q", got)
		}
	}
	if lookup := cache.Lookup("c1"); lookup.State != StateUnknown {
		testContext.Fatalf("expected unknown state, got %+v", lookup)
	}
	close(gate)
	if change := waitChange(testContext, stream); change.Value != "Alpha" {
		testContext.Fatalf("unexpected change %+v", change)
	}

	first := cache.Read(request)
	for range 10 {
		if got := cache.Read(request); got != first {
			testContext.Fatalf("expected identical reads, got %q then %q", first, got)
		}
	}
	if calls := hooks.calls(); calls != 1 {
		testContext.Fatalf("expected one computation, got %d", calls)
	}
	if lookup := cache.Lookup("c1"); lookup.State != StateValue || !lookup.Fresh || lookup.Text != "Alpha" {
		testContext.Fatalf("unexpected lookup %+v", lookup)
	}
}

func TestStaleValueIsServedWhileRevalidating(testContext *testing.T) {
	hooks := newFakeHooks()
	database := mustDatabase(testContext, hooks, "view-1", "tasks-db")
	mustRow(testContext, hooks, database, "r1", titleCell("Alpha"))
	var clockMu sync.Mutex
	now := time.Unix(1700000000, 0)
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}
	cache := mustCache(testContext, Config{Hooks: hooks, Clock: clock})
	stream, cancel := cache.Subscribe(context.Background())
	defer cancel()

	request := Request{CellID: "c1", DatabaseID: "tasks-db", RowIDs: []string{"r1"}}
	cache.Read(request)
	waitChange(testContext, stream)

	clockMu.Lock()
	now = now.Add(DefaultTTL + time.Second)
	clockMu.Unlock()
	if lookup := cache.Lookup("c1"); lookup.Fresh {
		testContext.Fatalf("expected entry to be stale")
	}
	gate := hooks.gate(2)
	if got := cache.Read(request); got != "Alpha" {
		testContext.Fatalf("expected stale value, got %q", got)
	}
	close(gate)
	waitChange(testContext, stream)
	if calls := hooks.calls(); calls != 2 {
		testContext.Fatalf("expected a revalidation, got %d computations", calls)
	}
}

func TestInvalidateDiscardsSupersededResult(testContext *testing.T) {
	hooks := newFakeHooks()
	oldDatabase := mustDatabase(testContext, hooks, "view-old", "db-old")
	newDatabase := mustDatabase(testContext, hooks, "view-new", "db-new")
	mustRow(testContext, hooks, oldDatabase, "r1", titleCell("old"))
	mustRow(testContext, hooks, newDatabase, "r1", titleCell("new"))
	hooks.viewFor = func(call int) string {
		if call == 1 {
			return "view-old"
		}
		return "view-new"
	}
	firstGate := hooks.gate(1)
	cache := mustCache(testContext, Config{Hooks: hooks, Concurrency: 1})
	stream, cancel := cache.Subscribe(context.Background())
	defer cancel()

	request := Request{CellID: "c1", DatabaseID: "db", RowIDs: []string{"r1"}}
	superseded := make(chan string, 1)
	go func() {
		value, _ := cache.Resolve(context.Background(), request)
		superseded <- value.Value
	}()
	<-hooks.entered

	cache.Invalidate("c1")
	if got := cache.Read(request); got != "" {
		testContext.Fatalf("expected empty value after invalidate, got %q", got)
	}
	close(firstGate)

	if got := <-superseded; got != "old" {
		testContext.Fatalf("expected original waiter to receive its result, got %q", got)
	}
	if change := waitChange(testContext, stream); change.Value != "new" || change.Generation != 1 {
		testContext.Fatalf("expected only the current generation to be published, got %+v", change)
	}
	if got := cache.Read(request); got != "new" {
		testContext.Fatalf("expected current value, got %q", got)
	}
}

func TestResolutionFailureDegradesToEmpty(testContext *testing.T) {
	hooks := newFakeHooks()
	database := mustDatabase(testContext, hooks, "view-1", "tasks-db")
	mustRow(testContext, hooks, database, "r1", titleCell("Alpha"))
	hooks.failRow = true
	cache := mustCache(testContext, Config{Hooks: hooks})

	request := Request{CellID: "c1", DatabaseID: "tasks-db", RowIDs: []string{"r1"}}
	value, err := cache.Resolve(context.Background(), request)
	if err != nil || value.Value != "" {
		testContext.Fatalf("expected empty value, got %q err=%v", value.Value, err)
	}
	if lookup := cache.Lookup("c1"); lookup.State != StateEmpty {
		testContext.Fatalf("expected explicit empty state, got %+v", lookup)
	}
}

func TestRollupCalculations(testContext *testing.T) {
	hooks := newFakeHooks()
	estimate := fields.Field{ID: "estimate", Name: "Estimate", Type: fields.Number}
	database := mustDatabase(testContext, hooks, "view-1", "tasks-db", estimate)
	mustRow(testContext, hooks, database, "r1", map[string]fields.Cell{"estimate": {Data: "3", FieldType: fields.Number}})
	mustRow(testContext, hooks, database, "r2", map[string]fields.Cell{"estimate": {Data: 5.5, FieldType: fields.Number}})
	mustRow(testContext, hooks, database, "r3", titleCell("no estimate"))
	cache := mustCache(testContext, Config{Hooks: hooks})

	cases := []struct {
		calculation fields.Calculation
		want        string
	}{
		{fields.CalculationSum, "8.5"},
		{fields.CalculationAverage, "4.25"},
		{fields.CalculationMin, "3"},
		{fields.CalculationMax, "5.5"},
		{fields.CalculationCount, "2"},
		{fields.CalculationShowOriginal, "3, 5.5"},
	}
	for index, testCase := range cases {
		request := Request{
			CellID:        fmt.Sprintf("rollup-%d", index),
			DatabaseID:    "tasks-db",
			RowIDs:        []string{"r1", "r2", "r3"},
			TargetFieldID: "estimate",
			Calculation:   testCase.calculation,
		}
		value, err := cache.Resolve(context.Background(), request)
		if err != nil {
			testContext.Fatalf("resolve failed: %v", err)
		}
		if value.Value != testCase.want {
			testContext.Fatalf("calculation %d: expected %q, got %q", testCase.calculation, testCase.want, value.Value)
		}
	}
}

func TestHandleCacheEvictsOldestAndDeduplicatesLoads(testContext *testing.T) {
	hooks := newFakeHooks()
	for index := range 3 {
		mustDatabase(testContext, hooks, fmt.Sprintf("view-%d", index), fmt.Sprintf("db-%d", index))
	}
	handles := newHandleCache(2, hooks.LoadView, hooks.ReleaseView)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := handles.get(context.Background(), "view-0"); err != nil {
				testContext.Errorf("get failed: %v", err)
			}
		}()
	}
	wg.Wait()
	for _, viewID := range []string{"view-1", "view-2"} {
		if _, err := handles.get(context.Background(), viewID); err != nil {
			testContext.Fatalf("get failed: %v", err)
		}
	}

	if hooks.loads != 3 {
		testContext.Fatalf("expected 3 loads, got %d", hooks.loads)
	}
	if handles.len() != 2 || len(hooks.released) != 1 || hooks.released[0] != "view-0" {
		testContext.Fatalf("expected view-0 to be evicted, got released=%v len=%d", hooks.released, handles.len())
	}
}

func TestEditsInvalidateDependentCells(testContext *testing.T) {
	hooks := newFakeHooks()
	database := mustDatabase(testContext, hooks, "view-1", "tasks-db")
	mustRow(testContext, hooks, database, "r1", titleCell("Alpha"))
	mustRow(testContext, hooks, database, "r2", titleCell("Beta"))
	cache := mustCache(testContext, Config{Hooks: hooks})
	ctx := context.Background()

	first := Request{CellID: CellID("t1", "link"), DatabaseID: "tasks-db", RowIDs: []string{"r1"}}
	second := Request{CellID: CellID("t2", "link"), DatabaseID: "tasks-db", RowIDs: []string{"r2"}}
	for _, request := range []Request{first, second} {
		if _, err := cache.Resolve(ctx, request); err != nil {
			testContext.Fatalf("resolve %s: %v", request.CellID, err)
		}
	}

	if count := cache.InvalidateDependents(docs.RowKey(database.GUID(), "r1")); count != 1 {
		testContext.Fatalf("expected one dependent cell, got %d", count)
	}
	if lookup := cache.Lookup(first.CellID); lookup.State != StateUnknown {
		testContext.Fatalf("expected %s to be invalidated, got %+v", first.CellID, lookup)
	}
	if lookup := cache.Lookup(second.CellID); lookup.State != StateValue {
		testContext.Fatalf("expected %s to stay cached, got %+v", second.CellID, lookup)
	}

	if count := cache.InvalidateDependents(database.GUID()); count != 1 {
		testContext.Fatalf("expected the remaining cell to depend on the database, got %d", count)
	}
	if lookup := cache.Lookup(second.CellID); lookup.State != StateUnknown {
		testContext.Fatalf("expected a database edit to invalidate %s, got %+v", second.CellID, lookup)
	}

	if _, err := cache.Resolve(ctx, first); err != nil {
		testContext.Fatalf("resolve again: %v", err)
	}
	if count := cache.InvalidateRow("t2"); count != 0 {
		testContext.Fatalf("expected nothing cached for t2, got %d", count)
	}
	if count := cache.InvalidateRow("t1"); count != 1 {
		testContext.Fatalf("expected the t1 cell to be invalidated, got %d", count)
	}
	if lookup := cache.Lookup(first.CellID); lookup.State != StateUnknown {
		testContext.Fatalf("expected %s to be invalidated by its row, got %+v", first.CellID, lookup)
	}
}
