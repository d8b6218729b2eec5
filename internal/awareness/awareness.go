// Package awareness keeps the ephemeral presence state (cursors, selections, user
// descriptors) that peers share alongside a replicated document. States are never
// persisted; each client owns its entry and newer clocks replace older ones.
package awareness

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/wire"
)

// DefaultOutdatedTimeout is how long a remote state survives without a refresh.
const DefaultOutdatedTimeout = 30 * time.Second

// ErrInvalidUpdate indicates that an awareness payload could not be decoded.
var ErrInvalidUpdate = errors.New("awareness: invalid update")

var nullState = []byte("null")

// Change lists the client ids touched by one applied update.
type Change struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
}

// Empty reports whether the change touched no client.
func (change Change) Empty() bool {
	return len(change.Added) == 0 && len(change.Updated) == 0 && len(change.Removed) == 0
}

// Clients returns every client id named by the change.
func (change Change) Clients() []uint64 {
	clients := make([]uint64, 0, len(change.Added)+len(change.Updated)+len(change.Removed))
	clients = append(clients, change.Added...)
	clients = append(clients, change.Updated...)
	clients = append(clients, change.Removed...)
	slices.Sort(clients)
	return slices.Compact(clients)
}

// Observer is notified after every change with the origin of the update.
type Observer func(change Change, origin crdt.Origin)

// Config configures an Awareness instance.
type Config struct {
	ClientID        uint64
	Clock           func() time.Time
	OutdatedTimeout time.Duration
}

type clientMeta struct {
	clock       uint64
	lastUpdated time.Time
}

// Awareness holds the presence state of every known client.
type Awareness struct {
	mu        sync.Mutex
	clientID  uint64
	clock     func() time.Time
	timeout   time.Duration
	states    map[uint64]json.RawMessage
	meta      map[uint64]clientMeta
	observers map[int]Observer
	nextKey   int
}

// New constructs an Awareness for the local client.
func New(cfg Config) *Awareness {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	timeout := cfg.OutdatedTimeout
	if timeout <= 0 {
		timeout = DefaultOutdatedTimeout
	}
	return &Awareness{
		clientID:  cfg.ClientID,
		clock:     clock,
		timeout:   timeout,
		states:    make(map[uint64]json.RawMessage),
		meta:      make(map[uint64]clientMeta),
		observers: make(map[int]Observer),
	}
}

// ClientID returns the local client id.
func (awareness *Awareness) ClientID() uint64 {
	return awareness.clientID
}

// Observe registers observer and returns a function that removes it.
func (awareness *Awareness) Observe(observer Observer) func() {
	awareness.mu.Lock()
	defer awareness.mu.Unlock()
	key := awareness.nextKey
	awareness.nextKey++
	awareness.observers[key] = observer
	return func() {
		awareness.mu.Lock()
		defer awareness.mu.Unlock()
		delete(awareness.observers, key)
	}
}

// LocalState returns the local client's state, or nil when it is cleared.
func (awareness *Awareness) LocalState() json.RawMessage {
	awareness.mu.Lock()
	defer awareness.mu.Unlock()
	return slices.Clone(awareness.states[awareness.clientID])
}

// States returns a snapshot of every present client's state.
func (awareness *Awareness) States() map[uint64]json.RawMessage {
	awareness.mu.Lock()
	defer awareness.mu.Unlock()
	snapshot := make(map[uint64]json.RawMessage, len(awareness.states))
	for client, state := range awareness.states {
		snapshot[client] = slices.Clone(state)
	}
	return snapshot
}

// Clients returns the ids of every client with a known clock, present or removed,
// in ascending order.
func (awareness *Awareness) Clients() []uint64 {
	awareness.mu.Lock()
	defer awareness.mu.Unlock()
	clients := make([]uint64, 0, len(awareness.meta))
	for client := range awareness.meta {
		clients = append(clients, client)
	}
	slices.Sort(clients)
	return clients
}

// SetLocalState replaces the local state with the JSON encoding of state. A nil state
// marks the local client as gone.
func (awareness *Awareness) SetLocalState(state any) error {
	var encoded json.RawMessage
	if state != nil {
		marshaled, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("awareness: encode local state: %w", err)
		}
		if !bytes.Equal(marshaled, nullState) {
			encoded = marshaled
		}
	}

	awareness.mu.Lock()
	client := awareness.clientID
	previous, existed := awareness.states[client]
	meta := awareness.meta[client]
	awareness.meta[client] = clientMeta{clock: meta.clock + 1, lastUpdated: awareness.clock()}

	var change Change
	switch {
	case encoded == nil && existed:
		delete(awareness.states, client)
		change.Removed = []uint64{client}
	case encoded == nil:
	case !existed:
		awareness.states[client] = encoded
		change.Added = []uint64{client}
	default:
		awareness.states[client] = encoded
		if !bytes.Equal(previous, encoded) {
			change.Updated = []uint64{client}
		}
	}
	observers := awareness.observerList()
	awareness.mu.Unlock()

	notify(observers, change, crdt.OriginLocal)
	return nil
}

// Renew re-announces the local state with a fresh clock so peers do not time it out.
// Observers see the renewal as an update of the local client.
func (awareness *Awareness) Renew() {
	awareness.mu.Lock()
	client := awareness.clientID
	meta := awareness.meta[client]
	awareness.meta[client] = clientMeta{clock: meta.clock + 1, lastUpdated: awareness.clock()}
	var change Change
	if _, present := awareness.states[client]; present {
		change.Updated = []uint64{client}
	}
	observers := awareness.observerList()
	awareness.mu.Unlock()

	notify(observers, change, crdt.OriginLocal)
}

// EncodeUpdate encodes the states of clients. Clients without a state are encoded as
// removed so that peers drop them.
func (awareness *Awareness) EncodeUpdate(clients []uint64) []byte {
	awareness.mu.Lock()
	defer awareness.mu.Unlock()
	var buffer []byte
	for _, client := range clients {
		state, ok := awareness.states[client]
		if !ok {
			state = nullState
		}
		clock := awareness.meta[client].clock
		buffer = wire.AppendMessage(buffer, fieldEntry, func(entry []byte) []byte {
			entry = wire.AppendVarint(entry, fieldClient, client)
			entry = wire.AppendVarint(entry, fieldClock, clock)
			return wire.AppendBytes(entry, fieldState, state)
		})
	}
	return buffer
}

// EncodeFull encodes every known client.
func (awareness *Awareness) EncodeFull() []byte {
	return awareness.EncodeUpdate(awareness.Clients())
}

// ApplyUpdate merges a peer's awareness update tagged with origin.
func (awareness *Awareness) ApplyUpdate(payload []byte, origin crdt.Origin) error {
	entries, err := decodeEntries(payload)
	if err != nil {
		return err
	}

	now := awareness.clock()
	var change Change
	awareness.mu.Lock()
	for _, incoming := range entries {
		current, known := awareness.meta[incoming.client]
		_, present := awareness.states[incoming.client]
		removal := bytes.Equal(incoming.state, nullState)

		accept := !known || incoming.clock > current.clock || (incoming.clock == current.clock && removal && present)
		if !accept {
			continue
		}
		if incoming.client == awareness.clientID && removal {
			// Peers may not clear the local state; answer with a newer clock instead.
			awareness.meta[incoming.client] = clientMeta{clock: incoming.clock + 1, lastUpdated: now}
			continue
		}

		awareness.meta[incoming.client] = clientMeta{clock: incoming.clock, lastUpdated: now}
		switch {
		case removal && present:
			delete(awareness.states, incoming.client)
			change.Removed = append(change.Removed, incoming.client)
		case removal:
		case !present:
			awareness.states[incoming.client] = incoming.state
			change.Added = append(change.Added, incoming.client)
		default:
			previous := awareness.states[incoming.client]
			awareness.states[incoming.client] = incoming.state
			if !bytes.Equal(previous, incoming.state) {
				change.Updated = append(change.Updated, incoming.client)
			}
		}
	}
	observers := awareness.observerList()
	awareness.mu.Unlock()

	notify(observers, change, origin)
	return nil
}

// RemoveStates drops the given remote clients, as when their connection closes.
func (awareness *Awareness) RemoveStates(clients []uint64, origin crdt.Origin) {
	var change Change
	awareness.mu.Lock()
	for _, client := range clients {
		if _, present := awareness.states[client]; !present {
			continue
		}
		delete(awareness.states, client)
		if client == awareness.clientID {
			meta := awareness.meta[client]
			awareness.meta[client] = clientMeta{clock: meta.clock + 1, lastUpdated: awareness.clock()}
		}
		change.Removed = append(change.Removed, client)
	}
	observers := awareness.observerList()
	awareness.mu.Unlock()

	notify(observers, change, origin)
}

// RemoveOutdated removes remote states that have not been refreshed within the
// outdated timeout and returns their client ids.
func (awareness *Awareness) RemoveOutdated() []uint64 {
	now := awareness.clock()
	var outdated []uint64
	awareness.mu.Lock()
	for client, meta := range awareness.meta {
		if client == awareness.clientID {
			continue
		}
		if _, present := awareness.states[client]; !present {
			continue
		}
		if now.Sub(meta.lastUpdated) >= awareness.timeout {
			outdated = append(outdated, client)
		}
	}
	awareness.mu.Unlock()

	slices.Sort(outdated)
	awareness.RemoveStates(outdated, crdt.Origin("timeout"))
	return outdated
}

func (awareness *Awareness) observerList() []Observer {
	keys := make([]int, 0, len(awareness.observers))
	for key := range awareness.observers {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	observers := make([]Observer, 0, len(keys))
	for _, key := range keys {
		observers = append(observers, awareness.observers[key])
	}
	return observers
}

func notify(observers []Observer, change Change, origin crdt.Origin) {
	if change.Empty() {
		return
	}
	for _, observer := range observers {
		observer(change, origin)
	}
}

const (
	fieldEntry  = 1
	fieldClient = 1
	fieldClock  = 2
	fieldState  = 3
)

type entry struct {
	client uint64
	clock  uint64
	state  json.RawMessage
}

func decodeEntries(payload []byte) ([]entry, error) {
	var entries []entry
	err := wire.Walk(payload, func(field wire.Field) error {
		if field.Number != fieldEntry {
			return nil
		}
		var decoded entry
		if err := wire.Walk(field.Bytes, func(inner wire.Field) error {
			switch inner.Number {
			case fieldClient:
				decoded.client = inner.Varint
			case fieldClock:
				decoded.clock = inner.Varint
			case fieldState:
				decoded.state = slices.Clone(inner.Bytes)
			}
			return nil
		}); err != nil {
			return err
		}
		if len(decoded.state) == 0 {
			decoded.state = nullState
		}
		if !json.Valid(decoded.state) {
			return fmt.Errorf("client %d carries invalid JSON state", decoded.client)
		}
		entries = append(entries, decoded)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	return entries, nil
}
