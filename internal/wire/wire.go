// Package wire walks protobuf wire-format messages field by field.
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed indicates that a payload is not valid protobuf wire data.
var ErrMalformed = errors.New("wire: malformed payload")

// Field is a single decoded field of a wire-format message.
type Field struct {
	Number protowire.Number
	Type   protowire.Type
	Varint uint64
	Bytes  []byte
}

// String returns the field payload interpreted as a string.
func (field Field) String() string {
	return string(field.Bytes)
}

// Bool returns the varint payload interpreted as a boolean.
func (field Field) Bool() bool {
	return field.Varint != 0
}

// Walk decodes every top-level field of payload and hands it to visit in order.
// Groups and fixed-width fields are skipped.
func Walk(payload []byte, visit func(Field) error) error {
	for len(payload) > 0 {
		number, fieldType, tagLength := protowire.ConsumeTag(payload)
		if tagLength < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(tagLength))
		}
		payload = payload[tagLength:]

		field := Field{Number: number, Type: fieldType}
		var valueLength int
		switch fieldType {
		case protowire.VarintType:
			field.Varint, valueLength = protowire.ConsumeVarint(payload)
		case protowire.BytesType:
			field.Bytes, valueLength = protowire.ConsumeBytes(payload)
		default:
			valueLength = protowire.ConsumeFieldValue(number, fieldType, payload)
			if valueLength < 0 {
				return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(valueLength))
			}
			payload = payload[valueLength:]
			continue
		}
		if valueLength < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(valueLength))
		}
		payload = payload[valueLength:]

		if err := visit(field); err != nil {
			return err
		}
	}
	return nil
}

// AppendVarint appends a varint field.
func AppendVarint(buffer []byte, number protowire.Number, value uint64) []byte {
	buffer = protowire.AppendTag(buffer, number, protowire.VarintType)
	return protowire.AppendVarint(buffer, value)
}

// AppendBool appends a boolean field encoded as a varint.
func AppendBool(buffer []byte, number protowire.Number, value bool) []byte {
	return AppendVarint(buffer, number, protowire.EncodeBool(value))
}

// AppendBytes appends a length-delimited field.
func AppendBytes(buffer []byte, number protowire.Number, value []byte) []byte {
	buffer = protowire.AppendTag(buffer, number, protowire.BytesType)
	return protowire.AppendBytes(buffer, value)
}

// AppendString appends a length-delimited string field.
func AppendString(buffer []byte, number protowire.Number, value string) []byte {
	buffer = protowire.AppendTag(buffer, number, protowire.BytesType)
	return protowire.AppendString(buffer, value)
}

// AppendMessage appends an embedded message produced by encode.
func AppendMessage(buffer []byte, number protowire.Number, encode func([]byte) []byte) []byte {
	return AppendBytes(buffer, number, encode(nil))
}
