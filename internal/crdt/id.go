package crdt

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/wire"
)

// ID identifies a single item: the client that created it and that client's clock.
type ID struct {
	Client uint64
	Clock  uint64
}

// String renders the identifier as client:clock.
func (id ID) String() string {
	return fmt.Sprintf("%d:%d", id.Client, id.Clock)
}

func compareIDs(left, right ID) int {
	if byClient := cmp.Compare(left.Client, right.Client); byClient != 0 {
		return byClient
	}
	return cmp.Compare(left.Clock, right.Clock)
}

// StateVector summarizes which items a replica has integrated: for each client, the
// next clock it expects.
type StateVector map[uint64]uint64

// Clone returns an independent copy of the state vector.
func (stateVector StateVector) Clone() StateVector {
	clone := make(StateVector, len(stateVector))
	for client, clock := range stateVector {
		clone[client] = clock
	}
	return clone
}

// Clients returns the client ids in ascending order.
func (stateVector StateVector) Clients() []uint64 {
	clients := make([]uint64, 0, len(stateVector))
	for client := range stateVector {
		clients = append(clients, client)
	}
	slices.Sort(clients)
	return clients
}

const (
	fieldStateEntry  = 1
	fieldEntryClient = 1
	fieldEntryClock  = 2
)

// EncodeStateVector serializes a state vector in client order.
func EncodeStateVector(stateVector StateVector) []byte {
	var buffer []byte
	for _, client := range stateVector.Clients() {
		clock := stateVector[client]
		buffer = wire.AppendMessage(buffer, fieldStateEntry, func(entry []byte) []byte {
			entry = wire.AppendVarint(entry, fieldEntryClient, client)
			return wire.AppendVarint(entry, fieldEntryClock, clock)
		})
	}
	return buffer
}

// DecodeStateVector parses a state vector. An empty payload is the empty vector.
func DecodeStateVector(payload []byte) (StateVector, error) {
	stateVector := make(StateVector)
	err := wire.Walk(payload, func(field wire.Field) error {
		if field.Number != fieldStateEntry {
			return nil
		}
		var client, clock uint64
		if err := wire.Walk(field.Bytes, func(entry wire.Field) error {
			switch entry.Number {
			case fieldEntryClient:
				client = entry.Varint
			case fieldEntryClock:
				clock = entry.Varint
			}
			return nil
		}); err != nil {
			return err
		}
		stateVector[client] = clock
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: state vector: %v", ErrInvalidUpdate, err)
	}
	return stateVector, nil
}
