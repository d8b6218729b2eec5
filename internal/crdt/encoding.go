package crdt

import (
	"errors"
	"fmt"
	"slices"

	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/wire"
)

// ErrInvalidUpdate indicates that an update payload could not be decoded.
var ErrInvalidUpdate = errors.New("crdt: invalid update")

// v1 field numbers.
const (
	fieldUpdateItem   = 1
	fieldUpdateDelete = 2

	fieldItemClient     = 1
	fieldItemClock      = 2
	fieldItemLamport    = 3
	fieldItemParentRoot = 4
	fieldItemParentID   = 5
	fieldItemOrigin     = 6
	fieldItemKey        = 7
	fieldItemKind       = 8
	fieldItemValue      = 9

	fieldIDClient = 1
	fieldIDClock  = 2

	fieldRangeClient = 1
	fieldRangeClock  = 2
	fieldRangeLength = 3
)

// v2 field numbers. Clients are interned into a table and referenced by index.
const (
	fieldV2Client = 1
	fieldV2Item   = 2
	fieldV2Delete = 3
)

type deleteRange struct {
	client uint64
	clock  uint64
	length uint64
}

func toRanges(ids []ID) []deleteRange {
	sorted := slices.Clone(ids)
	slices.SortFunc(sorted, compareIDs)
	sorted = slices.Compact(sorted)
	var ranges []deleteRange
	for _, id := range sorted {
		if last := len(ranges) - 1; last >= 0 && ranges[last].client == id.Client && ranges[last].clock+ranges[last].length == id.Clock {
			ranges[last].length++
			continue
		}
		ranges = append(ranges, deleteRange{client: id.Client, clock: id.Clock, length: 1})
	}
	return ranges
}

// maxDeleteRange bounds a single decoded delete range.
const maxDeleteRange = 1 << 20

func fromRange(client, clock, length uint64) ([]ID, error) {
	if length > maxDeleteRange {
		return nil, fmt.Errorf("delete range of %d exceeds %d", length, maxDeleteRange)
	}
	ids := make([]ID, 0, length)
	for offset := range length {
		ids = append(ids, ID{Client: client, Clock: clock + offset})
	}
	return ids, nil
}

func appendID(buffer []byte, id ID) []byte {
	buffer = wire.AppendVarint(buffer, fieldIDClient, id.Client)
	return wire.AppendVarint(buffer, fieldIDClock, id.Clock)
}

func decodeID(payload []byte) (ID, error) {
	var id ID
	err := wire.Walk(payload, func(field wire.Field) error {
		switch field.Number {
		case fieldIDClient:
			id.Client = field.Varint
		case fieldIDClock:
			id.Clock = field.Varint
		}
		return nil
	})
	return id, err
}

func encodeV1(u *update) []byte {
	var buffer []byte
	for _, it := range u.items {
		buffer = wire.AppendMessage(buffer, fieldUpdateItem, func(encoded []byte) []byte {
			encoded = wire.AppendVarint(encoded, fieldItemClient, it.id.Client)
			encoded = wire.AppendVarint(encoded, fieldItemClock, it.id.Clock)
			encoded = wire.AppendVarint(encoded, fieldItemLamport, it.lamport)
			if it.parent.nested {
				encoded = wire.AppendMessage(encoded, fieldItemParentID, func(parent []byte) []byte {
					return appendID(parent, it.parent.id)
				})
			} else {
				encoded = wire.AppendString(encoded, fieldItemParentRoot, it.parent.root)
			}
			if it.origin != nil {
				origin := *it.origin
				encoded = wire.AppendMessage(encoded, fieldItemOrigin, func(originBuffer []byte) []byte {
					return appendID(originBuffer, origin)
				})
			}
			if it.key != "" {
				encoded = wire.AppendString(encoded, fieldItemKey, it.key)
			}
			encoded = wire.AppendVarint(encoded, fieldItemKind, uint64(it.kind))
			if len(it.value) > 0 {
				encoded = wire.AppendBytes(encoded, fieldItemValue, it.value)
			}
			return encoded
		})
	}
	for _, deleted := range toRanges(u.deletes) {
		buffer = wire.AppendMessage(buffer, fieldUpdateDelete, func(encoded []byte) []byte {
			encoded = wire.AppendVarint(encoded, fieldRangeClient, deleted.client)
			encoded = wire.AppendVarint(encoded, fieldRangeClock, deleted.clock)
			return wire.AppendVarint(encoded, fieldRangeLength, deleted.length)
		})
	}
	return buffer
}

func decodeV1(payload []byte) (*update, error) {
	decoded := &update{}
	err := wire.Walk(payload, func(field wire.Field) error {
		switch field.Number {
		case fieldUpdateItem:
			it, err := decodeItemV1(field.Bytes)
			if err != nil {
				return err
			}
			decoded.items = append(decoded.items, it)
		case fieldUpdateDelete:
			var client, clock, length uint64
			if err := wire.Walk(field.Bytes, func(rangeField wire.Field) error {
				switch rangeField.Number {
				case fieldRangeClient:
					client = rangeField.Varint
				case fieldRangeClock:
					clock = rangeField.Varint
				case fieldRangeLength:
					length = rangeField.Varint
				}
				return nil
			}); err != nil {
				return err
			}
			ids, err := fromRange(client, clock, length)
			if err != nil {
				return err
			}
			decoded.deletes = append(decoded.deletes, ids...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	return decoded, nil
}

func decodeItemV1(payload []byte) (*item, error) {
	it := &item{}
	err := wire.Walk(payload, func(field wire.Field) error {
		switch field.Number {
		case fieldItemClient:
			it.id.Client = field.Varint
		case fieldItemClock:
			it.id.Clock = field.Varint
		case fieldItemLamport:
			it.lamport = field.Varint
		case fieldItemParentRoot:
			it.parent = rootRef(field.String())
		case fieldItemParentID:
			parentID, err := decodeID(field.Bytes)
			if err != nil {
				return err
			}
			it.parent = nestedRef(parentID)
		case fieldItemOrigin:
			origin, err := decodeID(field.Bytes)
			if err != nil {
				return err
			}
			it.origin = &origin
		case fieldItemKey:
			it.key = field.String()
		case fieldItemKind:
			it.kind = contentKind(field.Varint)
		case fieldItemValue:
			it.value = append([]byte(nil), field.Bytes...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if it.kind > kindArray {
		return nil, fmt.Errorf("unknown content kind %d", it.kind)
	}
	return it, nil
}

type clientTable struct {
	index   map[uint64]uint64
	clients []uint64
}

func (table *clientTable) intern(client uint64) uint64 {
	if position, ok := table.index[client]; ok {
		return position
	}
	position := uint64(len(table.clients))
	table.index[client] = position
	table.clients = append(table.clients, client)
	return position
}

func encodeV2(u *update) []byte {
	table := &clientTable{index: make(map[uint64]uint64)}
	var body []byte
	for _, it := range u.items {
		clientIndex := table.intern(it.id.Client)
		var parentIndex, originIndex uint64
		if it.parent.nested {
			parentIndex = table.intern(it.parent.id.Client)
		}
		if it.origin != nil {
			originIndex = table.intern(it.origin.Client)
		}
		body = wire.AppendMessage(body, fieldV2Item, func(encoded []byte) []byte {
			encoded = wire.AppendVarint(encoded, fieldItemClient, clientIndex)
			encoded = wire.AppendVarint(encoded, fieldItemClock, it.id.Clock)
			encoded = wire.AppendVarint(encoded, fieldItemLamport, it.lamport)
			if it.parent.nested {
				encoded = wire.AppendMessage(encoded, fieldItemParentID, func(parent []byte) []byte {
					return appendID(parent, ID{Client: parentIndex, Clock: it.parent.id.Clock})
				})
			} else {
				encoded = wire.AppendString(encoded, fieldItemParentRoot, it.parent.root)
			}
			if it.origin != nil {
				originClock := it.origin.Clock
				encoded = wire.AppendMessage(encoded, fieldItemOrigin, func(origin []byte) []byte {
					return appendID(origin, ID{Client: originIndex, Clock: originClock})
				})
			}
			if it.key != "" {
				encoded = wire.AppendString(encoded, fieldItemKey, it.key)
			}
			encoded = wire.AppendVarint(encoded, fieldItemKind, uint64(it.kind))
			if len(it.value) > 0 {
				encoded = wire.AppendBytes(encoded, fieldItemValue, it.value)
			}
			return encoded
		})
	}
	for _, deleted := range toRanges(u.deletes) {
		clientIndex := table.intern(deleted.client)
		body = wire.AppendMessage(body, fieldV2Delete, func(encoded []byte) []byte {
			encoded = wire.AppendVarint(encoded, fieldRangeClient, clientIndex)
			encoded = wire.AppendVarint(encoded, fieldRangeClock, deleted.clock)
			return wire.AppendVarint(encoded, fieldRangeLength, deleted.length)
		})
	}

	var buffer []byte
	for _, client := range table.clients {
		buffer = wire.AppendVarint(buffer, fieldV2Client, client)
	}
	return append(buffer, body...)
}

func decodeV2(payload []byte) (*update, error) {
	var clients []uint64
	resolve := func(index uint64) (uint64, error) {
		if index >= uint64(len(clients)) {
			return 0, fmt.Errorf("client index %d out of range", index)
		}
		return clients[index], nil
	}

	decoded := &update{}
	err := wire.Walk(payload, func(field wire.Field) error {
		switch field.Number {
		case fieldV2Client:
			clients = append(clients, field.Varint)
		case fieldV2Item:
			it, err := decodeItemV1(field.Bytes)
			if err != nil {
				return err
			}
			if it.id.Client, err = resolve(it.id.Client); err != nil {
				return err
			}
			if it.parent.nested {
				if it.parent.id.Client, err = resolve(it.parent.id.Client); err != nil {
					return err
				}
			}
			if it.origin != nil {
				if it.origin.Client, err = resolve(it.origin.Client); err != nil {
					return err
				}
			}
			decoded.items = append(decoded.items, it)
		case fieldV2Delete:
			var clientIndex, clock, length uint64
			if err := wire.Walk(field.Bytes, func(rangeField wire.Field) error {
				switch rangeField.Number {
				case fieldRangeClient:
					clientIndex = rangeField.Varint
				case fieldRangeClock:
					clock = rangeField.Varint
				case fieldRangeLength:
					length = rangeField.Varint
				}
				return nil
			}); err != nil {
				return err
			}
			client, err := resolve(clientIndex)
			if err != nil {
				return err
			}
			ids, err := fromRange(client, clock, length)
			if err != nil {
				return err
			}
			decoded.deletes = append(decoded.deletes, ids...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	return decoded, nil
}

// MergeUpdates structurally merges v1 updates into a single v1 update. Items are
// deduplicated by id and delete sets are unioned, so the result is independent of the
// order and grouping of its inputs.
func MergeUpdates(updates ...[]byte) ([]byte, error) {
	seen := make(map[ID]struct{})
	merged := &update{}
	for _, payload := range updates {
		decoded, err := decodeV1(payload)
		if err != nil {
			return nil, err
		}
		for _, it := range decoded.items {
			if _, ok := seen[it.id]; ok {
				continue
			}
			seen[it.id] = struct{}{}
			merged.items = append(merged.items, it)
		}
		merged.deletes = append(merged.deletes, decoded.deletes...)
	}
	slices.SortFunc(merged.items, func(left, right *item) int {
		return compareIDs(left.id, right.id)
	})
	return encodeV1(merged), nil
}

// ConvertV2ToV1 re-encodes a v2 update in the v1 layout.
func ConvertV2ToV1(payload []byte) ([]byte, error) {
	decoded, err := decodeV2(payload)
	if err != nil {
		return nil, err
	}
	return encodeV1(decoded), nil
}

// ConvertV1ToV2 re-encodes a v1 update in the v2 layout.
func ConvertV1ToV2(payload []byte) ([]byte, error) {
	decoded, err := decodeV1(payload)
	if err != nil {
		return nil, err
	}
	return encodeV2(decoded), nil
}
