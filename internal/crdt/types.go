package crdt

import (
	"encoding/json"
	"fmt"
	"slices"
)

// Map is a replicated string-keyed map. Concurrent writes to one key resolve to the
// write with the highest lamport clock, ties broken by client id.
type Map struct {
	doc         *Doc
	ref         parentRef
	transaction *Txn
}

// Array is a replicated sequence.
type Array struct {
	doc         *Doc
	ref         parentRef
	transaction *Txn
}

// In rebinds the map to an open transaction.
func (m *Map) In(transaction *Txn) *Map {
	return &Map{doc: m.doc, ref: m.ref, transaction: transaction}
}

// In rebinds the array to an open transaction.
func (a *Array) In(transaction *Txn) *Array {
	return &Array{doc: a.doc, ref: a.ref, transaction: transaction}
}

// Doc returns the owning document.
func (m *Map) Doc() *Doc {
	return m.doc
}

func (m *Map) read(fn func()) {
	read(m.doc, m.transaction, fn)
}

func (m *Map) write(fn func(*Txn) error) error {
	return write(m.doc, m.transaction, fn)
}

func read(doc *Doc, transaction *Txn, fn func()) {
	if transaction.active() {
		fn()
		return
	}
	doc.mu.Lock()
	defer doc.mu.Unlock()
	fn()
}

func write(doc *Doc, transaction *Txn, fn func(*Txn) error) error {
	if transaction.active() {
		return fn(transaction)
	}
	return doc.Transact(OriginLocal, fn)
}

func (m *Map) container() *container {
	return m.doc.containerFor(m.ref, kindMap)
}

func (m *Map) winner(key string) *item {
	var current *item
	for _, candidate := range m.container().entries[key] {
		if current == nil || wins(candidate, current) {
			current = candidate
		}
	}
	if current == nil || current.deleted {
		return nil
	}
	return current
}

func (m *Map) materialize(it *item) any {
	return materialize(m.doc, m.transaction, it)
}

func materialize(doc *Doc, transaction *Txn, it *item) any {
	switch it.kind {
	case kindMap:
		return &Map{doc: doc, ref: nestedRef(it.id), transaction: transaction}
	case kindArray:
		return &Array{doc: doc, ref: nestedRef(it.id), transaction: transaction}
	default:
		var value any
		if len(it.value) == 0 {
			return nil
		}
		if err := json.Unmarshal(it.value, &value); err != nil {
			return nil
		}
		return value
	}
}

// Get returns the value stored under key: a primitive decoded from JSON, a *Map or an
// *Array.
func (m *Map) Get(key string) (any, bool) {
	var value any
	var found bool
	m.read(func() {
		if it := m.winner(key); it != nil {
			value = m.materialize(it)
			found = true
		}
	})
	return value, found
}

// GetString returns the value under key when it is a string.
func (m *Map) GetString(key string) string {
	value, _ := m.Get(key)
	text, _ := value.(string)
	return text
}

// GetMap returns the nested map under key.
func (m *Map) GetMap(key string) (*Map, bool) {
	value, _ := m.Get(key)
	nested, ok := value.(*Map)
	return nested, ok
}

// GetArray returns the nested array under key.
func (m *Map) GetArray(key string) (*Array, bool) {
	value, _ := m.Get(key)
	nested, ok := value.(*Array)
	return nested, ok
}

// Has reports whether key currently holds a value.
func (m *Map) Has(key string) bool {
	_, found := m.Get(key)
	return found
}

// Keys returns the visible keys in ascending order.
func (m *Map) Keys() []string {
	var keys []string
	m.read(func() {
		for key := range m.container().entries {
			if m.winner(key) != nil {
				keys = append(keys, key)
			}
		}
	})
	slices.Sort(keys)
	return keys
}

// Len returns the number of visible keys.
func (m *Map) Len() int {
	return len(m.Keys())
}

// Set stores a JSON-encodable value under key.
func (m *Map) Set(key string, value any) error {
	switch value.(type) {
	case *Map, *Array:
		return ErrNestedValue
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("crdt: encode value for %q: %w", key, err)
	}
	_, err = m.put(key, kindValue, encoded)
	return err
}

// SetMap stores a new empty map under key and returns it.
func (m *Map) SetMap(key string) (*Map, error) {
	it, err := m.put(key, kindMap, nil)
	if err != nil {
		return nil, err
	}
	return &Map{doc: m.doc, ref: nestedRef(it.id), transaction: m.transaction}, nil
}

// SetArray stores a new empty array under key and returns it.
func (m *Map) SetArray(key string) (*Array, error) {
	it, err := m.put(key, kindArray, nil)
	if err != nil {
		return nil, err
	}
	return &Array{doc: m.doc, ref: nestedRef(it.id), transaction: m.transaction}, nil
}

func (m *Map) put(key string, kind contentKind, value []byte) (*item, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	var created *item
	err := m.write(func(transaction *Txn) error {
		for _, previous := range m.container().entries[key] {
			transaction.deleteItem(previous)
		}
		created = transaction.newItem(m.ref, key, nil, kind, value)
		return nil
	})
	return created, err
}

// Delete removes key.
func (m *Map) Delete(key string) error {
	return m.write(func(transaction *Txn) error {
		for _, previous := range m.container().entries[key] {
			transaction.deleteItem(previous)
		}
		return nil
	})
}

// ToJSON converts the map, including nested shared types, to plain Go values.
func (m *Map) ToJSON() map[string]any {
	values := make(map[string]any)
	m.read(func() {
		for key := range m.container().entries {
			if it := m.winner(key); it != nil {
				values[key] = m.materialize(it)
			}
		}
	})
	// Nested types take the document lock themselves.
	result := make(map[string]any, len(values))
	for key, value := range values {
		result[key] = plain(value)
	}
	return result
}

func plain(value any) any {
	switch typed := value.(type) {
	case *Map:
		return typed.ToJSON()
	case *Array:
		return typed.ToJSON()
	default:
		return value
	}
}

// Doc returns the owning document.
func (a *Array) Doc() *Doc {
	return a.doc
}

func (a *Array) container() *container {
	return a.doc.containerFor(a.ref, kindArray)
}

func (a *Array) ordered() []*item {
	current := a.container()
	if !current.dirty && current.ordered != nil {
		return current.ordered
	}

	const head = "head"
	children := make(map[string][]*item)
	originKey := func(origin *ID) string {
		if origin == nil {
			return head
		}
		return origin.String()
	}
	for _, it := range current.sequence {
		key := originKey(it.origin)
		children[key] = append(children[key], it)
	}
	for _, siblings := range children {
		slices.SortFunc(siblings, func(left, right *item) int {
			if left.lamport != right.lamport {
				if left.lamport > right.lamport {
					return -1
				}
				return 1
			}
			if left.id.Client != right.id.Client {
				if left.id.Client > right.id.Client {
					return -1
				}
				return 1
			}
			return 0
		})
	}

	ordered := make([]*item, 0, len(current.sequence))
	stack := slices.Clone(children[head])
	slices.Reverse(stack)
	for len(stack) > 0 {
		next := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		ordered = append(ordered, next)
		descendants := children[next.id.String()]
		for index := len(descendants) - 1; index >= 0; index-- {
			stack = append(stack, descendants[index])
		}
	}

	current.ordered = ordered
	current.dirty = false
	return ordered
}

func (a *Array) visible() []*item {
	ordered := a.ordered()
	result := make([]*item, 0, len(ordered))
	for _, it := range ordered {
		if !it.deleted {
			result = append(result, it)
		}
	}
	return result
}

// Len returns the number of visible elements.
func (a *Array) Len() int {
	var length int
	read(a.doc, a.transaction, func() {
		length = len(a.visible())
	})
	return length
}

// Get returns the element at index.
func (a *Array) Get(index int) (any, bool) {
	var value any
	var found bool
	read(a.doc, a.transaction, func() {
		elements := a.visible()
		if index < 0 || index >= len(elements) {
			return
		}
		value = materialize(a.doc, a.transaction, elements[index])
		found = true
	})
	return value, found
}

// Values returns every visible element in order.
func (a *Array) Values() []any {
	var values []any
	read(a.doc, a.transaction, func() {
		for _, it := range a.visible() {
			values = append(values, materialize(a.doc, a.transaction, it))
		}
	})
	return values
}

// ToJSON converts the array, including nested shared types, to plain Go values.
func (a *Array) ToJSON() []any {
	values := a.Values()
	result := make([]any, 0, len(values))
	for _, value := range values {
		result = append(result, plain(value))
	}
	return result
}

// Insert places values at index, shifting later elements right.
func (a *Array) Insert(index int, values ...any) error {
	encoded := make([][]byte, 0, len(values))
	for _, value := range values {
		switch value.(type) {
		case *Map, *Array:
			return ErrNestedValue
		}
		payload, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("crdt: encode array value: %w", err)
		}
		encoded = append(encoded, payload)
	}
	return write(a.doc, a.transaction, func(transaction *Txn) error {
		origin, err := a.originAt(index)
		if err != nil {
			return err
		}
		for _, payload := range encoded {
			created := transaction.newItem(a.ref, "", origin, kindValue, payload)
			createdID := created.id
			origin = &createdID
		}
		return nil
	})
}

// Push appends values to the end of the array.
func (a *Array) Push(values ...any) error {
	return write(a.doc, a.transaction, func(transaction *Txn) error {
		bound := a.In(transaction)
		return bound.Insert(len(bound.visible()), values...)
	})
}

// PushMap appends a new empty map and returns it.
func (a *Array) PushMap() (*Map, error) {
	var created *Map
	err := write(a.doc, a.transaction, func(transaction *Txn) error {
		origin, err := a.originAt(len(a.visible()))
		if err != nil {
			return err
		}
		it := transaction.newItem(a.ref, "", origin, kindMap, nil)
		created = &Map{doc: a.doc, ref: nestedRef(it.id), transaction: a.transaction}
		return nil
	})
	return created, err
}

func (a *Array) originAt(index int) (*ID, error) {
	elements := a.visible()
	if index < 0 || index > len(elements) {
		return nil, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, index, len(elements))
	}
	if index == 0 {
		return nil, nil
	}
	origin := elements[index-1].id
	return &origin, nil
}

// Delete removes length elements starting at index.
func (a *Array) Delete(index, length int) error {
	return write(a.doc, a.transaction, func(transaction *Txn) error {
		elements := a.visible()
		if index < 0 || length < 0 || index+length > len(elements) {
			return fmt.Errorf("%w: %d+%d of %d", ErrIndexOutOfRange, index, length, len(elements))
		}
		for _, it := range elements[index : index+length] {
			transaction.deleteItem(it)
		}
		return nil
	})
}
