// Package protocol defines the envelope exchanged between a replica and the sync
// authority and its protobuf wire-format encoding.
package protocol

import (
	"cmp"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/wire"
)

var (
	// ErrMalformedMessage indicates that an envelope could not be decoded.
	ErrMalformedMessage = errors.New("protocol: malformed message")
	// ErrMissingBody indicates an envelope that carries no body.
	ErrMissingBody = errors.New("protocol: message has no body")
	// ErrMultipleBodies indicates an envelope that carries more than one body.
	ErrMultipleBodies = errors.New("protocol: message has more than one body")
)

// CollabType tags the kind of replicated document an envelope addresses.
type CollabType uint32

const (
	CollabDocument CollabType = iota
	CollabDatabase
	CollabWorkspaceDatabase
	CollabDatabaseRow
	CollabFolder
	CollabUserAwareness
)

// String returns the lowercase name of the collab type.
func (collabType CollabType) String() string {
	switch collabType {
	case CollabDocument:
		return "document"
	case CollabDatabase:
		return "database"
	case CollabWorkspaceDatabase:
		return "workspace_database"
	case CollabDatabaseRow:
		return "database_row"
	case CollabFolder:
		return "folder"
	case CollabUserAwareness:
		return "user_awareness"
	default:
		return fmt.Sprintf("collab_type(%d)", uint32(collabType))
	}
}

// UpdateFlags selects the encoding variant of an update payload.
type UpdateFlags uint32

const (
	// FlagsV1 marks a row-oriented v1 update.
	FlagsV1 UpdateFlags = 0
	// FlagsV2 marks a client-table v2 update.
	FlagsV2 UpdateFlags = 1
)

// MessageID is the authority's monotonic resume token.
type MessageID struct {
	Timestamp uint64
	Counter   uint32
}

// IsZero reports whether the id is the empty resume token.
func (id MessageID) IsZero() bool {
	return id.Timestamp == 0 && id.Counter == 0
}

// Compare orders message ids by timestamp and then counter.
func (id MessageID) Compare(other MessageID) int {
	if byTimestamp := cmp.Compare(id.Timestamp, other.Timestamp); byTimestamp != 0 {
		return byTimestamp
	}
	return cmp.Compare(id.Counter, other.Counter)
}

// String renders the id as timestamp-counter.
func (id MessageID) String() string {
	return fmt.Sprintf("%d-%d", id.Timestamp, id.Counter)
}

// ParseMessageID parses the timestamp-counter form produced by String.
func ParseMessageID(text string) (MessageID, error) {
	timestampText, counterText, found := strings.Cut(strings.TrimSpace(text), "-")
	if !found {
		return MessageID{}, fmt.Errorf("%w: message id %q", ErrMalformedMessage, text)
	}
	timestamp, err := strconv.ParseUint(timestampText, 10, 64)
	if err != nil {
		return MessageID{}, fmt.Errorf("%w: message id timestamp: %v", ErrMalformedMessage, err)
	}
	counter, err := strconv.ParseUint(counterText, 10, 32)
	if err != nil {
		return MessageID{}, fmt.Errorf("%w: message id counter: %v", ErrMalformedMessage, err)
	}
	return MessageID{Timestamp: timestamp, Counter: uint32(counter)}, nil
}

// Body is one of SyncRequest, Update, AwarenessUpdate or AccessChanged.
type Body interface {
	bodyField() int
}

// SyncRequest asks the peer for everything missing from StateVector.
type SyncRequest struct {
	StateVector   []byte
	LastMessageID MessageID
}

// Update carries a binary document delta.
type Update struct {
	Flags     UpdateFlags
	Payload   []byte
	MessageID MessageID
}

// AwarenessUpdate carries an encoded awareness delta.
type AwarenessUpdate struct {
	Payload []byte
}

// AccessChanged tells a replica that its permissions on the object changed.
type AccessChanged struct {
	CanRead bool
	Reason  string
}

func (SyncRequest) bodyField() int     { return fieldSyncRequest }
func (Update) bodyField() int          { return fieldUpdate }
func (AwarenessUpdate) bodyField() int { return fieldAwarenessUpdate }
func (AccessChanged) bodyField() int   { return fieldAccessChanged }

// Message is the outer envelope.
type Message struct {
	ObjectID   string
	CollabType CollabType
	Body       Body
}

const (
	fieldObjectID        = 1
	fieldCollabType      = 2
	fieldSyncRequest     = 3
	fieldUpdate          = 4
	fieldAwarenessUpdate = 5
	fieldAccessChanged   = 6

	fieldSyncStateVector   = 1
	fieldSyncLastMessageID = 2

	fieldUpdateFlags     = 1
	fieldUpdatePayload   = 2
	fieldUpdateMessageID = 3

	fieldAwarenessPayload = 1

	fieldAccessCanRead = 1
	fieldAccessReason  = 2

	fieldMessageIDTimestamp = 1
	fieldMessageIDCounter   = 2
)

func appendMessageID(buffer []byte, number protowire.Number, id MessageID) []byte {
	return wire.AppendMessage(buffer, number, func(encoded []byte) []byte {
		encoded = wire.AppendVarint(encoded, fieldMessageIDTimestamp, id.Timestamp)
		return wire.AppendVarint(encoded, fieldMessageIDCounter, uint64(id.Counter))
	})
}

func decodeMessageID(payload []byte) (MessageID, error) {
	var id MessageID
	err := wire.Walk(payload, func(field wire.Field) error {
		switch field.Number {
		case fieldMessageIDTimestamp:
			id.Timestamp = field.Varint
		case fieldMessageIDCounter:
			id.Counter = uint32(field.Varint)
		}
		return nil
	})
	return id, err
}

// Encode serializes the envelope. Messages without a body fail with ErrMissingBody.
func Encode(message Message) ([]byte, error) {
	if message.Body == nil {
		return nil, ErrMissingBody
	}
	buffer := wire.AppendString(nil, fieldObjectID, message.ObjectID)
	buffer = wire.AppendVarint(buffer, fieldCollabType, uint64(message.CollabType))

	switch body := message.Body.(type) {
	case SyncRequest:
		buffer = wire.AppendMessage(buffer, fieldSyncRequest, func(encoded []byte) []byte {
			encoded = wire.AppendBytes(encoded, fieldSyncStateVector, body.StateVector)
			return appendMessageID(encoded, fieldSyncLastMessageID, body.LastMessageID)
		})
	case Update:
		buffer = wire.AppendMessage(buffer, fieldUpdate, func(encoded []byte) []byte {
			encoded = wire.AppendVarint(encoded, fieldUpdateFlags, uint64(body.Flags))
			encoded = wire.AppendBytes(encoded, fieldUpdatePayload, body.Payload)
			if !body.MessageID.IsZero() {
				encoded = appendMessageID(encoded, fieldUpdateMessageID, body.MessageID)
			}
			return encoded
		})
	case AwarenessUpdate:
		buffer = wire.AppendMessage(buffer, fieldAwarenessUpdate, func(encoded []byte) []byte {
			return wire.AppendBytes(encoded, fieldAwarenessPayload, body.Payload)
		})
	case AccessChanged:
		buffer = wire.AppendMessage(buffer, fieldAccessChanged, func(encoded []byte) []byte {
			encoded = wire.AppendBool(encoded, fieldAccessCanRead, body.CanRead)
			if body.Reason != "" {
				encoded = wire.AppendString(encoded, fieldAccessReason, body.Reason)
			}
			return encoded
		})
	default:
		return nil, fmt.Errorf("%w: unsupported body %T", ErrMalformedMessage, message.Body)
	}
	return buffer, nil
}

// Decode parses an envelope. Exactly one body must be present.
func Decode(payload []byte) (Message, error) {
	var message Message
	err := wire.Walk(payload, func(field wire.Field) error {
		switch field.Number {
		case fieldObjectID:
			message.ObjectID = field.String()
			return nil
		case fieldCollabType:
			message.CollabType = CollabType(field.Varint)
			return nil
		case fieldSyncRequest, fieldUpdate, fieldAwarenessUpdate, fieldAccessChanged:
		default:
			return nil
		}
		if message.Body != nil {
			return ErrMultipleBodies
		}
		body, err := decodeBody(int(field.Number), field.Bytes)
		if err != nil {
			return err
		}
		message.Body = body
		return nil
	})
	if errors.Is(err, ErrMultipleBodies) {
		return Message{}, err
	}
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if message.Body == nil {
		return Message{}, ErrMissingBody
	}
	return message, nil
}

func decodeBody(number int, payload []byte) (Body, error) {
	switch number {
	case fieldSyncRequest:
		var request SyncRequest
		err := wire.Walk(payload, func(field wire.Field) error {
			switch field.Number {
			case fieldSyncStateVector:
				request.StateVector = append([]byte(nil), field.Bytes...)
			case fieldSyncLastMessageID:
				id, err := decodeMessageID(field.Bytes)
				if err != nil {
					return err
				}
				request.LastMessageID = id
			}
			return nil
		})
		return request, err
	case fieldUpdate:
		var update Update
		err := wire.Walk(payload, func(field wire.Field) error {
			switch field.Number {
			case fieldUpdateFlags:
				update.Flags = UpdateFlags(field.Varint)
			case fieldUpdatePayload:
				update.Payload = append([]byte(nil), field.Bytes...)
			case fieldUpdateMessageID:
				id, err := decodeMessageID(field.Bytes)
				if err != nil {
					return err
				}
				update.MessageID = id
			}
			return nil
		})
		return update, err
	case fieldAwarenessUpdate:
		var awarenessUpdate AwarenessUpdate
		err := wire.Walk(payload, func(field wire.Field) error {
			if field.Number == fieldAwarenessPayload {
				awarenessUpdate.Payload = append([]byte(nil), field.Bytes...)
			}
			return nil
		})
		return awarenessUpdate, err
	default:
		var accessChanged AccessChanged
		err := wire.Walk(payload, func(field wire.Field) error {
			switch field.Number {
			case fieldAccessCanRead:
				accessChanged.CanRead = field.Bool()
			case fieldAccessReason:
				accessChanged.Reason = field.String()
			}
			return nil
		})
		return accessChanged, err
	}
}
