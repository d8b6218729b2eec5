// Package fields models database fields and cells and decodes cell payloads into
// display text, typed values and sort keys. Cells keep the shape they were written in;
// a field type change is applied lazily on read.
package fields

import "strconv"

// FieldType enumerates the kinds of database columns.
type FieldType int

const (
	RichText FieldType = iota
	Number
	DateTime
	SingleSelect
	MultiSelect
	Checkbox
	URL
	Checklist
	LastEditedTime
	CreatedTime
	Relation
	Summary
	Translate
	Time
	Media
	Rollup
)

var fieldTypeNames = [...]string{
	"RichText", "Number", "DateTime", "SingleSelect", "MultiSelect", "Checkbox", "URL",
	"Checklist", "LastEditedTime", "CreatedTime", "Relation", "Summary", "Translate",
	"Time", "Media", "Rollup",
}

func (fieldType FieldType) String() string {
	if fieldType >= 0 && int(fieldType) < len(fieldTypeNames) {
		return fieldTypeNames[fieldType]
	}
	return "FieldType(" + strconv.Itoa(int(fieldType)) + ")"
}

// Valid reports whether fieldType is a known field type.
func (fieldType FieldType) Valid() bool {
	return fieldType >= RichText && fieldType <= Rollup
}

// IsSelect reports whether fieldType is a single or multi select.
func (fieldType FieldType) IsSelect() bool {
	return fieldType == SingleSelect || fieldType == MultiSelect
}

// IsTextual reports whether text filter conditions apply to fieldType.
func (fieldType FieldType) IsTextual() bool {
	switch fieldType {
	case RichText, URL, Relation, Rollup, Summary, Translate:
		return true
	default:
		return false
	}
}

// Field is a database column definition.
type Field struct {
	ID        string
	Name      string
	Type      FieldType
	IsPrimary bool
	// Option is the configuration for Type. Options stored for other types are kept in
	// the document but not decoded.
	Option TypeOption
}

// SelectOptions returns the field's select options, or nil when it carries none.
func (field Field) SelectOptions() []SelectOption {
	if option, ok := field.Option.(SelectTypeOption); ok {
		return option.Options
	}
	return nil
}

// Cell is a stored cell payload with the field type it was written under.
type Cell struct {
	// Data is a plain value: string, float64, bool, []any, map[string]any or nil.
	Data      any
	FieldType FieldType
	// SourceFieldType is recorded only when it differs from the field's current type.
	SourceFieldType *FieldType
	CreatedAt       int64
	LastModified    int64
}

// SourceType resolves the type the payload was written in.
func (cell Cell) SourceType() FieldType {
	if cell.SourceFieldType != nil {
		return *cell.SourceFieldType
	}
	return cell.FieldType
}
