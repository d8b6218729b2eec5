// Package crdt implements the replicated document store: a conflict-free document of
// nested maps and arrays that exchanges binary updates and state vectors with peers.
package crdt

import (
	"errors"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// Origin tags a transaction so that update listeners can tell where a change came from.
type Origin string

const (
	// OriginLocal marks edits made through this replica's API.
	OriginLocal Origin = "local"
	// OriginRemote marks updates received from the network.
	OriginRemote Origin = "remote"
	// OriginPersistence marks updates replayed from durable local storage.
	OriginPersistence Origin = "persistence"
)

var (
	// ErrDocDestroyed is returned by operations on a destroyed document.
	ErrDocDestroyed = errors.New("crdt: document destroyed")
	// ErrEmptyKey indicates that a map key is empty.
	ErrEmptyKey = errors.New("crdt: empty map key")
	// ErrIndexOutOfRange indicates an array position beyond the sequence length.
	ErrIndexOutOfRange = errors.New("crdt: index out of range")
	// ErrNestedValue indicates an attempt to store a shared type as a plain value.
	ErrNestedValue = errors.New("crdt: shared types must be created with SetMap or SetArray")
)

// UpdateHandler receives every integrated transaction as a v1 update.
type UpdateHandler func(update []byte, origin Origin)

// Option configures a document.
type Option func(*Doc)

// WithClientID fixes the replica's client id instead of drawing a random one.
func WithClientID(clientID uint64) Option {
	return func(doc *Doc) {
		doc.clientID = clientID
	}
}

type container struct {
	kind     contentKind
	entries  map[string][]*item
	sequence []*item
	ordered  []*item
	dirty    bool
}

// Doc is a replicated document addressed by its guid.
type Doc struct {
	mu             sync.Mutex
	guid           string
	clientID       uint64
	lamport        uint64
	items          map[ID]*item
	state          StateVector
	pending        []*item
	pendingDeletes map[ID]struct{}
	containers     map[parentRef]*container
	handlers       map[int]UpdateHandler
	destroyHooks   []func()
	nextHandler    int
	destroyed      bool
}

// NewDoc constructs an empty document.
func NewDoc(guid string, opts ...Option) *Doc {
	doc := &Doc{
		guid:           guid,
		clientID:       uint64(uuid.New().ID()),
		items:          make(map[ID]*item),
		state:          make(StateVector),
		pendingDeletes: make(map[ID]struct{}),
		containers:     make(map[parentRef]*container),
		handlers:       make(map[int]UpdateHandler),
	}
	for _, opt := range opts {
		opt(doc)
	}
	return doc
}

// GUID returns the document's globally unique identifier.
func (doc *Doc) GUID() string {
	return doc.guid
}

// ClientID returns the id this replica stamps on its own items.
func (doc *Doc) ClientID() uint64 {
	return doc.clientID
}

// GetMap returns the root map with the given name.
func (doc *Doc) GetMap(name string) *Map {
	doc.mu.Lock()
	defer doc.mu.Unlock()
	doc.containerFor(rootRef(name), kindMap)
	return &Map{doc: doc, ref: rootRef(name)}
}

// GetArray returns the root array with the given name.
func (doc *Doc) GetArray(name string) *Array {
	doc.mu.Lock()
	defer doc.mu.Unlock()
	doc.containerFor(rootRef(name), kindArray)
	return &Array{doc: doc, ref: rootRef(name)}
}

// OnUpdate registers handler for every subsequent transaction and returns a function
// that removes it.
func (doc *Doc) OnUpdate(handler UpdateHandler) func() {
	doc.mu.Lock()
	defer doc.mu.Unlock()
	key := doc.nextHandler
	doc.nextHandler++
	doc.handlers[key] = handler
	return func() {
		doc.mu.Lock()
		defer doc.mu.Unlock()
		delete(doc.handlers, key)
	}
}

// OnDestroy registers a hook invoked once when the document is destroyed.
func (doc *Doc) OnDestroy(hook func()) {
	doc.mu.Lock()
	defer doc.mu.Unlock()
	doc.destroyHooks = append(doc.destroyHooks, hook)
}

// Destroy tears down all subscriptions. Further mutations fail with ErrDocDestroyed.
func (doc *Doc) Destroy() {
	doc.mu.Lock()
	if doc.destroyed {
		doc.mu.Unlock()
		return
	}
	doc.destroyed = true
	doc.handlers = make(map[int]UpdateHandler)
	hooks := doc.destroyHooks
	doc.destroyHooks = nil
	doc.mu.Unlock()

	for _, hook := range hooks {
		hook()
	}
}

// Destroyed reports whether Destroy has been called.
func (doc *Doc) Destroyed() bool {
	doc.mu.Lock()
	defer doc.mu.Unlock()
	return doc.destroyed
}

// StateVector returns a copy of the integrated state.
func (doc *Doc) StateVector() StateVector {
	doc.mu.Lock()
	defer doc.mu.Unlock()
	return doc.state.Clone()
}

// EncodeStateVector returns the encoded state vector of the document.
func (doc *Doc) EncodeStateVector() []byte {
	return EncodeStateVector(doc.StateVector())
}

// HasPending reports whether received items or deletions are waiting on dependencies
// this replica has not seen yet.
func (doc *Doc) HasPending() bool {
	doc.mu.Lock()
	defer doc.mu.Unlock()
	return len(doc.pending) > 0 || len(doc.pendingDeletes) > 0
}

// EncodeStateAsUpdate returns a v1 update containing everything the holder of the
// encoded remote state vector is missing. An empty vector yields the full document.
func (doc *Doc) EncodeStateAsUpdate(encodedStateVector []byte) ([]byte, error) {
	diff, err := doc.diff(encodedStateVector)
	if err != nil {
		return nil, err
	}
	return encodeV1(diff), nil
}

// EncodeStateAsUpdateV2 is EncodeStateAsUpdate using the v2 layout.
func (doc *Doc) EncodeStateAsUpdateV2(encodedStateVector []byte) ([]byte, error) {
	diff, err := doc.diff(encodedStateVector)
	if err != nil {
		return nil, err
	}
	return encodeV2(diff), nil
}

func (doc *Doc) diff(encodedStateVector []byte) (*update, error) {
	remote, err := DecodeStateVector(encodedStateVector)
	if err != nil {
		return nil, err
	}

	doc.mu.Lock()
	defer doc.mu.Unlock()
	diff := &update{}
	for id, it := range doc.items {
		if id.Clock >= remote[id.Client] {
			diff.items = append(diff.items, it.clone())
		}
		if it.deleted {
			diff.deletes = append(diff.deletes, id)
		}
	}
	slices.SortFunc(diff.items, func(left, right *item) int {
		return compareIDs(left.id, right.id)
	})
	return diff, nil
}

// ApplyUpdate integrates a v1 update tagged with origin.
func (doc *Doc) ApplyUpdate(payload []byte, origin Origin) error {
	decoded, err := decodeV1(payload)
	if err != nil {
		return err
	}
	return doc.apply(decoded, origin)
}

// ApplyUpdateV2 integrates a v2 update tagged with origin.
func (doc *Doc) ApplyUpdateV2(payload []byte, origin Origin) error {
	decoded, err := decodeV2(payload)
	if err != nil {
		return err
	}
	return doc.apply(decoded, origin)
}

func (doc *Doc) apply(decoded *update, origin Origin) error {
	return doc.Transact(origin, func(transaction *Txn) error {
		transaction.integrateRemote(decoded)
		return nil
	})
}

// Transact runs fn while holding the document lock and emits all of its changes to the
// update handlers as one update tagged with origin. Shared types must be obtained from
// the transaction (or rebound with In) to be used inside fn.
func (doc *Doc) Transact(origin Origin, fn func(*Txn) error) error {
	doc.mu.Lock()
	if doc.destroyed {
		doc.mu.Unlock()
		return ErrDocDestroyed
	}
	transaction := &Txn{doc: doc, origin: origin}
	err := fn(transaction)
	transaction.done = true

	var payload []byte
	var handlers []UpdateHandler
	if !transaction.changes.empty() {
		payload = encodeV1(&transaction.changes)
		handlers = make([]UpdateHandler, 0, len(doc.handlers))
		keys := make([]int, 0, len(doc.handlers))
		for key := range doc.handlers {
			keys = append(keys, key)
		}
		slices.Sort(keys)
		for _, key := range keys {
			handlers = append(handlers, doc.handlers[key])
		}
	}
	doc.mu.Unlock()

	for _, handler := range handlers {
		handler(payload, origin)
	}
	return err
}

func (doc *Doc) containerFor(ref parentRef, kind contentKind) *container {
	existing, ok := doc.containers[ref]
	if ok {
		return existing
	}
	created := &container{kind: kind, entries: make(map[string][]*item)}
	doc.containers[ref] = created
	return created
}

func (doc *Doc) canIntegrate(it *item) bool {
	if it.id.Clock != doc.state[it.id.Client] {
		return false
	}
	if it.parent.nested {
		if _, ok := doc.items[it.parent.id]; !ok {
			return false
		}
	}
	if it.origin != nil {
		if _, ok := doc.items[*it.origin]; !ok {
			return false
		}
	}
	return true
}

func (doc *Doc) integrate(it *item) {
	doc.items[it.id] = it
	doc.state[it.id.Client] = it.id.Clock + 1
	if it.lamport >= doc.lamport {
		doc.lamport = it.lamport + 1
	}
	parent := doc.containerFor(it.parent, kindMap)
	if it.key != "" {
		parent.entries[it.key] = append(parent.entries[it.key], it)
	} else {
		parent.sequence = append(parent.sequence, it)
		parent.dirty = true
	}
	if it.kind != kindValue {
		doc.containerFor(nestedRef(it.id), it.kind).kind = it.kind
	}
}

func (doc *Doc) markDeleted(it *item) bool {
	if it.deleted {
		return false
	}
	it.deleted = true
	if it.key == "" {
		if parent, ok := doc.containers[it.parent]; ok {
			parent.dirty = true
		}
	}
	return true
}

// Txn is an open transaction on a document.
type Txn struct {
	doc     *Doc
	origin  Origin
	changes update
	done    bool
}

// Origin returns the origin this transaction was opened with.
func (transaction *Txn) Origin() Origin {
	return transaction.origin
}

// GetMap returns the named root map bound to this transaction.
func (transaction *Txn) GetMap(name string) *Map {
	transaction.doc.containerFor(rootRef(name), kindMap)
	return &Map{doc: transaction.doc, ref: rootRef(name), transaction: transaction}
}

// GetArray returns the named root array bound to this transaction.
func (transaction *Txn) GetArray(name string) *Array {
	transaction.doc.containerFor(rootRef(name), kindArray)
	return &Array{doc: transaction.doc, ref: rootRef(name), transaction: transaction}
}

func (transaction *Txn) active() bool {
	return transaction != nil && !transaction.done
}

func (transaction *Txn) newItem(parent parentRef, key string, origin *ID, kind contentKind, value []byte) *item {
	doc := transaction.doc
	it := &item{
		id:      ID{Client: doc.clientID, Clock: doc.state[doc.clientID]},
		lamport: doc.lamport,
		parent:  parent,
		key:     key,
		origin:  origin,
		kind:    kind,
		value:   value,
	}
	doc.integrate(it)
	transaction.changes.items = append(transaction.changes.items, it.clone())
	return it
}

func (transaction *Txn) deleteItem(it *item) {
	if transaction.doc.markDeleted(it) {
		transaction.changes.deletes = append(transaction.changes.deletes, it.id)
	}
}

func (transaction *Txn) integrateRemote(decoded *update) {
	doc := transaction.doc
	candidates := append(doc.pending, decoded.items...)
	doc.pending = nil
	slices.SortFunc(candidates, func(left, right *item) int {
		return compareIDs(left.id, right.id)
	})

	for {
		progressed := false
		remaining := candidates[:0]
		for _, it := range candidates {
			if it.id.Clock < doc.state[it.id.Client] {
				continue
			}
			if !doc.canIntegrate(it) {
				remaining = append(remaining, it)
				continue
			}
			integrated := it.clone()
			integrated.deleted = false
			doc.integrate(integrated)
			transaction.changes.items = append(transaction.changes.items, integrated.clone())
			progressed = true
		}
		candidates = remaining
		if !progressed || len(candidates) == 0 {
			break
		}
	}
	doc.pending = slices.CompactFunc(candidates, func(left, right *item) bool {
		return left.id == right.id
	})

	for _, id := range decoded.deletes {
		doc.pendingDeletes[id] = struct{}{}
	}
	for id := range doc.pendingDeletes {
		it, ok := doc.items[id]
		if !ok {
			continue
		}
		delete(doc.pendingDeletes, id)
		transaction.deleteItem(it)
	}
}
