package protocol

import (
	"errors"
	"reflect"
	"testing"

	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/wire"
)

func TestEncodeDecodeEnvelope(t *testing.T) {
	testCases := []struct {
		name string
		body Body
	}{
		{name: "sync request", body: SyncRequest{StateVector: []byte{1, 2, 3}, LastMessageID: MessageID{Timestamp: 1700, Counter: 2}}},
		{name: "update", body: Update{Flags: FlagsV2, Payload: []byte("delta"), MessageID: MessageID{Timestamp: 9, Counter: 1}}},
		{name: "awareness", body: AwarenessUpdate{Payload: []byte("presence")}},
		{name: "access revoked", body: AccessChanged{CanRead: false, Reason: "removed from workspace"}},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			original := Message{ObjectID: "object-1", CollabType: CollabDatabaseRow, Body: testCase.body}
			encoded, err := Encode(original)
			if err != nil {
				t.Fatalf("encode failed: %v", err)
			}
			decoded, err := Decode(encoded)
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if !reflect.DeepEqual(decoded, original) {
				t.Fatalf("expected %+v, got %+v", original, decoded)
			}
		})
	}
}

func TestSyncRequestDefaultsResumeToken(t *testing.T) {
	encoded, err := Encode(Message{ObjectID: "object-1", Body: SyncRequest{}})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	request, ok := decoded.Body.(SyncRequest)
	if !ok {
		t.Fatalf("expected sync request body, got %T", decoded.Body)
	}
	if !request.LastMessageID.IsZero() {
		t.Fatalf("expected zero resume token, got %s", request.LastMessageID)
	}
}

func TestDecodeRejectsEnvelopeWithoutBody(t *testing.T) {
	payload := wire.AppendString(nil, fieldObjectID, "object-1")
	if _, err := Decode(payload); !errors.Is(err, ErrMissingBody) {
		t.Fatalf("expected missing body error, got %v", err)
	}
}

func TestDecodeRejectsEnvelopeWithTwoBodies(t *testing.T) {
	first, err := Encode(Message{ObjectID: "object-1", Body: AwarenessUpdate{Payload: []byte("a")}})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	second := wire.AppendMessage(nil, fieldUpdate, func(encoded []byte) []byte {
		return wire.AppendBytes(encoded, fieldUpdatePayload, []byte("b"))
	})
	if _, err := Decode(append(first, second...)); !errors.Is(err, ErrMultipleBodies) {
		t.Fatalf("expected multiple bodies error, got %v", err)
	}
}

func TestDecodeRejectsTruncatedPayload(t *testing.T) {
	encoded, err := Encode(Message{ObjectID: "object-1", Body: Update{Payload: []byte("delta")}})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if _, err := Decode(encoded[:len(encoded)-2]); !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("expected malformed error, got %v", err)
	}
}

func TestMessageIDOrdering(t *testing.T) {
	earlier := MessageID{Timestamp: 5, Counter: 9}
	later := MessageID{Timestamp: 6, Counter: 0}
	if earlier.Compare(later) >= 0 || later.Compare(earlier) <= 0 {
		t.Fatalf("expected timestamp to dominate ordering")
	}
	if (MessageID{Timestamp: 6, Counter: 1}).Compare(later) <= 0 {
		t.Fatalf("expected counter to break ties")
	}
}

func TestParseMessageIDRoundTrip(t *testing.T) {
	original := MessageID{Timestamp: 1700000000123, Counter: 4}
	parsed, err := ParseMessageID(original.String())
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if parsed != original {
		t.Fatalf("expected %v, got %v", original, parsed)
	}
	for _, invalid := range []string{"", "12", "a-1", "1-b", "1-99999999999"} {
		if _, err := ParseMessageID(invalid); !errors.Is(err, ErrMalformedMessage) {
			t.Fatalf("expected malformed error for %q, got %v", invalid, err)
		}
	}
}
