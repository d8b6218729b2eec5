// Package relation resolves relation and rollup cells by reading rows of other
// database documents, serving the results from a generation-checked cache so that
// readers never block.
package relation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/docs"
	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/fields"
)

const (
	DefaultTTL            = 5 * time.Second
	DefaultMaxStale       = time.Minute
	DefaultPruneInterval  = 2 * time.Second
	DefaultConcurrency    = 4
	DefaultHandleCapacity = 50
	relationSeparator     = ", "
)

var (
	errMissingPrimaryField = errors.New("related database has no primary field")
	errMissingTargetField  = errors.New("rollup target field not found")
	errMissingView         = errors.New("related database has no view")
)

// Hooks is the host's data access used by the cache.
type Hooks interface {
	GetViewIDFromDatabaseID(ctx context.Context, databaseID string) (string, error)
	// LoadView returns the database document that owns viewID.
	LoadView(ctx context.Context, viewID string) (*crdt.Doc, error)
	CreateRowDoc(ctx context.Context, rowKey string) (*crdt.Doc, error)
}

// ViewReleaser is implemented by hooks that want to know when a loaded view handle is
// dropped from the cache.
type ViewReleaser interface {
	ReleaseView(viewID string)
}

// Request describes one relation or rollup cell.
type Request struct {
	CellID     string
	DatabaseID string
	RowIDs     []string
	// TargetFieldID turns the request into a rollup over that field of the related rows.
	TargetFieldID string
	Calculation   fields.Calculation
}

// CellID joins a row id and a field id into a cache key.
func CellID(rowID, fieldID string) string {
	return rowID + ":" + fieldID
}

// State tells a never computed cell apart from one that resolved to nothing.
type State int

const (
	StateUnknown State = iota
	StateEmpty
	StateValue
)

// Lookup is the cached view of one cell.
type Lookup struct {
	State State
	Text  string
	Fresh bool
}

// Config configures a Cache.
type Config struct {
	Hooks          Hooks
	TTL            time.Duration
	MaxStale       time.Duration
	PruneInterval  time.Duration
	Concurrency    int64
	HandleCapacity int
	Clock          func() time.Time
	Logger         *zap.Logger
}

type entry struct {
	value      fields.RollupValue
	generation uint64
	writtenAt  time.Time
}

type flight struct {
	generation uint64
	done       chan struct{}
	value      fields.RollupValue
}

// Cache is the relation resolution cache.
type Cache struct {
	hooks         Hooks
	ttl           time.Duration
	maxStale      time.Duration
	pruneInterval time.Duration
	clock         func() time.Time
	logger        *zap.Logger
	semaphore     *semaphore.Weighted
	handles       *handleCache
	notifier      *dispatcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	entries     map[string]entry
	generations map[string]uint64
	inflight    map[string]*flight
	// dependents maps a document guid to the cells whose last computation read it.
	dependents map[string]map[string]struct{}
	lastPrune  time.Time
}

// NewCache constructs a cache over hooks.
func NewCache(cfg Config) (*Cache, error) {
	if cfg.Hooks == nil {
		return nil, errors.New("relation: hooks are required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxStale < cfg.TTL {
		cfg.MaxStale = max(DefaultMaxStale, cfg.TTL)
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = DefaultPruneInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.HandleCapacity <= 0 {
		cfg.HandleCapacity = DefaultHandleCapacity
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var release func(string)
	if releaser, ok := cfg.Hooks.(ViewReleaser); ok {
		release = releaser.ReleaseView
	}
	ctx, cancel := context.WithCancel(context.Background())
	cache := &Cache{
		hooks:         cfg.Hooks,
		ttl:           cfg.TTL,
		maxStale:      cfg.MaxStale,
		pruneInterval: cfg.PruneInterval,
		clock:         cfg.Clock,
		logger:        logger,
		semaphore:     semaphore.NewWeighted(cfg.Concurrency),
		handles:       newHandleCache(cfg.HandleCapacity, cfg.Hooks.LoadView, release),
		notifier:      newDispatcher(),
		ctx:           ctx,
		cancel:        cancel,
		entries:       make(map[string]entry),
		generations:   make(map[string]uint64),
		inflight:      make(map[string]*flight),
		dependents:    make(map[string]map[string]struct{}),
	}
	return cache, nil
}

// Read returns the cell's text without blocking: the fresh value, a stale value while
// it is recomputed, or "" when it was never computed.
func (cache *Cache) Read(request Request) string {
	return cache.read(request).Value
}

// ReadRollup is Read for rollup requests, keeping the numeric aggregate.
func (cache *Cache) ReadRollup(request Request) fields.RollupValue {
	return cache.read(request)
}

func (cache *Cache) read(request Request) fields.RollupValue {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	now := cache.clock()
	cache.pruneLocked(now)

	current, ok := cache.entries[request.CellID]
	if ok && cache.isFreshLocked(request.CellID, current, now) {
		readsTotal.WithLabelValues("fresh").Inc()
		return current.value
	}
	if ok {
		readsTotal.WithLabelValues("stale").Inc()
	} else {
		readsTotal.WithLabelValues("miss").Inc()
	}
	cache.startLocked(request)
	return current.value
}

// Lookup reports what is cached for cellID without triggering a computation.
func (cache *Cache) Lookup(cellID string) Lookup {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	current, ok := cache.entries[cellID]
	if !ok {
		return Lookup{State: StateUnknown}
	}
	lookup := Lookup{State: StateValue, Text: current.value.Value, Fresh: cache.isFreshLocked(cellID, current, cache.clock())}
	if current.value.Value == "" {
		lookup.State = StateEmpty
	}
	return lookup
}

// Resolve waits for the cell's value, joining a computation already in flight. A
// result superseded by Invalidate is still returned here.
func (cache *Cache) Resolve(ctx context.Context, request Request) (fields.RollupValue, error) {
	cache.mu.Lock()
	now := cache.clock()
	if current, ok := cache.entries[request.CellID]; ok && cache.isFreshLocked(request.CellID, current, now) {
		cache.mu.Unlock()
		return current.value, nil
	}
	running := cache.startLocked(request)
	cache.mu.Unlock()

	select {
	case <-running.done:
		return running.value, nil
	case <-ctx.Done():
		return fields.RollupValue{}, ctx.Err()
	}
}

// Invalidate bumps the cell's generation and drops its cached and in-flight entries.
func (cache *Cache) Invalidate(cellID string) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	cache.invalidateLocked(cellID)
}

// InvalidateRow invalidates every cached or in-flight cell of rowID, e.g. after the
// row's relation cell was edited.
func (cache *Cache) InvalidateRow(rowID string) int {
	prefix := CellID(rowID, "")
	cache.mu.Lock()
	defer cache.mu.Unlock()
	var matched []string
	for cellID := range cache.entries {
		if strings.HasPrefix(cellID, prefix) {
			matched = append(matched, cellID)
		}
	}
	for cellID := range cache.inflight {
		if _, cached := cache.entries[cellID]; !cached && strings.HasPrefix(cellID, prefix) {
			matched = append(matched, cellID)
		}
	}
	for _, cellID := range matched {
		cache.invalidateLocked(cellID)
	}
	return len(matched)
}

// InvalidateDependents invalidates the cells computed from the document guid, e.g.
// after a related row or database changed.
func (cache *Cache) InvalidateDependents(guid string) int {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	cells := cache.dependents[guid]
	delete(cache.dependents, guid)
	invalidated := 0
	for cellID := range cells {
		if cache.invalidateLocked(cellID) {
			invalidated++
		}
	}
	return invalidated
}

// invalidateLocked reports whether the cell had a cached or in-flight value.
func (cache *Cache) invalidateLocked(cellID string) bool {
	cache.generations[cellID]++
	_, cached := cache.entries[cellID]
	_, running := cache.inflight[cellID]
	delete(cache.entries, cellID)
	delete(cache.inflight, cellID)
	if !cached && !running {
		return false
	}
	invalidationsTotal.Inc()
	return true
}

// Subscribe streams every valid cache write until ctx ends or cancel is called. The
// stream is closed once the subscription ends.
func (cache *Cache) Subscribe(ctx context.Context) (<-chan Change, func()) {
	return cache.notifier.subscribe(ctx)
}

// Close stops computations waiting for the semaphore and waits for running ones.
func (cache *Cache) Close() {
	cache.cancel()
	cache.wg.Wait()
}

func (cache *Cache) isFreshLocked(cellID string, current entry, now time.Time) bool {
	return current.generation == cache.generations[cellID] && now.Sub(current.writtenAt) < cache.ttl
}

func (cache *Cache) pruneLocked(now time.Time) {
	if now.Sub(cache.lastPrune) < cache.pruneInterval {
		return
	}
	cache.lastPrune = now
	for cellID, current := range cache.entries {
		if now.Sub(current.writtenAt) >= cache.maxStale {
			delete(cache.entries, cellID)
		}
	}
}

func (cache *Cache) startLocked(request Request) *flight {
	if running, ok := cache.inflight[request.CellID]; ok {
		return running
	}
	running := &flight{generation: cache.generations[request.CellID], done: make(chan struct{})}
	cache.inflight[request.CellID] = running
	request.RowIDs = append([]string(nil), request.RowIDs...)
	cache.wg.Add(1)
	go cache.run(request, running)
	return running
}

func (cache *Cache) run(request Request, running *flight) {
	defer cache.wg.Done()
	defer close(running.done)

	var value fields.RollupValue
	var read []string
	if err := cache.semaphore.Acquire(cache.ctx, 1); err == nil {
		started := cache.clock()
		value, read = cache.compute(cache.ctx, request)
		computationSeconds.Observe(cache.clock().Sub(started).Seconds())
		cache.semaphore.Release(1)
	}
	running.value = value

	cache.mu.Lock()
	if cache.inflight[request.CellID] == running {
		delete(cache.inflight, request.CellID)
	}
	valid := cache.generations[request.CellID] == running.generation && cache.ctx.Err() == nil
	if valid {
		cache.entries[request.CellID] = entry{value: value, generation: running.generation, writtenAt: cache.clock()}
		for _, guid := range read {
			cells, ok := cache.dependents[guid]
			if !ok {
				cells = make(map[string]struct{})
				cache.dependents[guid] = cells
			}
			cells[request.CellID] = struct{}{}
		}
	}
	cache.mu.Unlock()

	if !valid {
		computationsTotal.WithLabelValues("superseded").Inc()
		return
	}
	computationsTotal.WithLabelValues("stored").Inc()
	cache.notifier.publish(Change{CellID: request.CellID, Value: value.Value, Generation: running.generation})
}

// compute returns the cell value and the guids of the documents it was read from.
func (cache *Cache) compute(ctx context.Context, request Request) (fields.RollupValue, []string) {
	if len(request.RowIDs) == 0 {
		return fields.RollupValue{}, nil
	}
	var read []string
	value, err := cache.resolve(ctx, request, func(doc *crdt.Doc) { read = append(read, doc.GUID()) })
	if err != nil {
		cache.logError("resolve_relation", err, zap.String("cell_id", request.CellID), zap.String("database_id", request.DatabaseID))
		return fields.RollupValue{}, read
	}
	return value, read
}

func (cache *Cache) resolve(ctx context.Context, request Request, record func(*crdt.Doc)) (fields.RollupValue, error) {
	viewID, err := cache.hooks.GetViewIDFromDatabaseID(ctx, request.DatabaseID)
	if err != nil {
		return fields.RollupValue{}, fmt.Errorf("view id: %w", err)
	}
	if viewID == "" {
		return fields.RollupValue{}, errMissingView
	}
	database, err := cache.handles.get(ctx, viewID)
	if err != nil {
		return fields.RollupValue{}, fmt.Errorf("load view %s: %w", viewID, err)
	}
	record(database)

	all := fields.ReadFields(database)
	var target fields.Field
	var ok bool
	if request.TargetFieldID == "" {
		target, ok = fields.PrimaryField(all)
		if !ok {
			return fields.RollupValue{}, errMissingPrimaryField
		}
	} else if target, ok = fields.FieldByID(all, request.TargetFieldID); !ok {
		return fields.RollupValue{}, errMissingTargetField
	}

	cells := make([]*fields.Cell, 0, len(request.RowIDs))
	for _, rowID := range request.RowIDs {
		rowDoc, err := cache.hooks.CreateRowDoc(ctx, docs.RowKey(database.GUID(), rowID))
		if err != nil {
			return fields.RollupValue{}, fmt.Errorf("open row %s: %w", rowID, err)
		}
		record(rowDoc)
		if cell, ok := fields.RowCell(rowDoc, target.ID); ok {
			cells = append(cells, &cell)
		} else {
			cells = append(cells, nil)
		}
	}

	if request.TargetFieldID == "" {
		return fields.RollupValue{Value: joinTexts(cells, target)}, nil
	}
	return aggregate(cells, target, request.Calculation), nil
}

func joinTexts(cells []*fields.Cell, target fields.Field) string {
	texts := make([]string, 0, len(cells))
	for _, cell := range cells {
		if cell == nil {
			continue
		}
		if text := strings.TrimSpace(fields.DecodeText(*cell, target, nil)); text != "" {
			texts = append(texts, text)
		}
	}
	return strings.Join(texts, relationSeparator)
}

func aggregate(cells []*fields.Cell, target fields.Field, calculation fields.Calculation) fields.RollupValue {
	if calculation == fields.CalculationShowOriginal {
		return fields.RollupValue{Value: joinTexts(cells, target)}
	}
	var numbers []float64
	present := 0
	for _, cell := range cells {
		if cell == nil {
			continue
		}
		if strings.TrimSpace(fields.DecodeText(*cell, target, nil)) != "" {
			present++
		}
		key := fields.DecodeSortKey(cell, target, "", fields.Resolvers{})
		if key.Kind == fields.SortNumber && !key.Missing {
			numbers = append(numbers, key.Number)
		}
	}

	var result float64
	switch calculation {
	case fields.CalculationCount:
		result = float64(present)
	case fields.CalculationSum:
		for _, number := range numbers {
			result += number
		}
	case fields.CalculationAverage, fields.CalculationMin, fields.CalculationMax:
		if len(numbers) == 0 {
			return fields.RollupValue{}
		}
		result = numbers[0]
		var sum float64
		for _, number := range numbers {
			sum += number
			switch calculation {
			case fields.CalculationMin:
				result = min(result, number)
			case fields.CalculationMax:
				result = max(result, number)
			}
		}
		if calculation == fields.CalculationAverage {
			result = sum / float64(len(numbers))
		}
	default:
		return fields.RollupValue{}
	}
	return fields.RollupValue{Value: strconv.FormatFloat(result, 'f', -1, 64), Numeric: result, HasNumeric: true}
}

func (cache *Cache) logError(operation string, err error, fieldsToLog ...zap.Field) {
	attrs := append([]zap.Field{
		zap.String("operation", operation),
		zap.Error(err),
	}, fieldsToLog...)
	cache.logger.Warn("relation resolution failed", attrs...)
}
