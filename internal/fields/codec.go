package fields

import (
	"encoding/json"
	"slices"
	"strconv"

	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/crdt"
)

// Document layout shared by database and row documents.
const (
	RootKey         = "data"
	DatabaseKey     = "database"
	RowKey          = "database_row"
	KeyID           = "id"
	KeyDatabaseID   = "database_id"
	KeyFields       = "fields"
	KeyViews        = "views"
	KeyCells        = "cells"
	KeyCreatedAt    = "created_at"
	KeyLastModified = "last_modified"
	KeyHeight       = "height"

	keyName            = "name"
	keyType            = "ty"
	keyIsPrimary       = "is_primary"
	keyTypeOption      = "type_option"
	keyContent         = "content"
	keyRelationFieldID = "relation_field_id"
	keyTargetFieldID   = "target_field_id"
	keyCalculation     = "calculation_type"
	keyFormat          = "format"
	keyDateFormat      = "date_format"
	keyTimeFormat      = "time_format"
	keyData            = "data"
	keyFieldType       = "field_type"
	keySourceFieldType = "source_field_type"
)

// DatabaseMap returns data.database of a database document, if present.
func DatabaseMap(doc *crdt.Doc) (*crdt.Map, bool) {
	return doc.GetMap(RootKey).GetMap(DatabaseKey)
}

// RowMap returns data.database_row of a row document, if present.
func RowMap(doc *crdt.Doc) (*crdt.Map, bool) {
	return doc.GetMap(RootKey).GetMap(RowKey)
}

// ReadFields decodes every field of a database document, ordered by id.
func ReadFields(doc *crdt.Doc) []Field {
	database, ok := DatabaseMap(doc)
	if !ok {
		return nil
	}
	fieldMaps, ok := database.GetMap(KeyFields)
	if !ok {
		return nil
	}
	var decoded []Field
	for _, key := range fieldMaps.Keys() {
		fieldMap, ok := fieldMaps.GetMap(key)
		if !ok {
			continue
		}
		if field, ok := ReadField(fieldMap); ok {
			decoded = append(decoded, field)
		}
	}
	return decoded
}

// FieldByID finds a field by id.
func FieldByID(all []Field, id string) (Field, bool) {
	index := slices.IndexFunc(all, func(field Field) bool { return field.ID == id })
	if index < 0 {
		return Field{}, false
	}
	return all[index], true
}

// PrimaryField returns the primary field of a database.
func PrimaryField(all []Field) (Field, bool) {
	index := slices.IndexFunc(all, func(field Field) bool { return field.IsPrimary })
	if index < 0 {
		return Field{}, false
	}
	return all[index], true
}

// ReadField decodes one field map. Type options that cannot be decoded fall back to
// NoneTypeOption.
func ReadField(fieldMap *crdt.Map) (Field, bool) {
	id := fieldMap.GetString(KeyID)
	if id == "" {
		return Field{}, false
	}
	fieldType, ok := fieldTypeValue(fieldMap, keyType)
	if !ok {
		return Field{}, false
	}
	isPrimary, _ := plainGet(fieldMap, keyIsPrimary).(bool)
	field := Field{
		ID:        id,
		Name:      fieldMap.GetString(keyName),
		Type:      fieldType,
		IsPrimary: isPrimary,
		Option:    NoneTypeOption{},
	}
	if options, ok := fieldMap.GetMap(keyTypeOption); ok {
		if raw, ok := options.GetMap(strconv.Itoa(int(fieldType))); ok {
			field.Option = decodeTypeOption(fieldType, raw.ToJSON())
		}
	}
	return field, true
}

func decodeTypeOption(fieldType FieldType, raw map[string]any) TypeOption {
	text := func(key string) string {
		value, _ := raw[key].(string)
		return value
	}
	switch fieldType {
	case SingleSelect, MultiSelect:
		var option SelectTypeOption
		if err := json.Unmarshal([]byte(text(keyContent)), &option); err != nil {
			return SelectTypeOption{}
		}
		return option
	case Checklist:
		return ChecklistTypeOption{}
	case Relation:
		return RelationTypeOption{DatabaseID: text(KeyDatabaseID)}
	case Rollup:
		calculation, _ := numberValue(raw[keyCalculation])
		return RollupTypeOption{
			RelationFieldID: text(keyRelationFieldID),
			TargetFieldID:   text(keyTargetFieldID),
			Calculation:     Calculation(calculation),
		}
	case Number:
		return NumberTypeOption{Format: text(keyFormat)}
	case DateTime:
		return DateTimeTypeOption{DateFormat: text(keyDateFormat), TimeFormat: text(keyTimeFormat)}
	default:
		return NoneTypeOption{}
	}
}

func encodeTypeOption(option TypeOption) (map[string]any, bool) {
	switch typed := option.(type) {
	case SelectTypeOption:
		if typed.Options == nil {
			typed.Options = []SelectOption{}
		}
		content, err := json.Marshal(typed)
		if err != nil {
			return nil, false
		}
		return map[string]any{keyContent: string(content)}, true
	case RelationTypeOption:
		return map[string]any{KeyDatabaseID: typed.DatabaseID}, true
	case RollupTypeOption:
		return map[string]any{
			keyRelationFieldID: typed.RelationFieldID,
			keyTargetFieldID:   typed.TargetFieldID,
			keyCalculation:     int(typed.Calculation),
		}, true
	case NumberTypeOption:
		return map[string]any{keyFormat: typed.Format}, true
	case DateTimeTypeOption:
		return map[string]any{keyDateFormat: typed.DateFormat, keyTimeFormat: typed.TimeFormat}, true
	default:
		return nil, false
	}
}

// WriteField stores field into fieldMap. Options stored for other types are kept.
func WriteField(fieldMap *crdt.Map, field Field) error {
	if err := fieldMap.Set(KeyID, field.ID); err != nil {
		return err
	}
	if err := fieldMap.Set(keyName, field.Name); err != nil {
		return err
	}
	if err := fieldMap.Set(keyType, int(field.Type)); err != nil {
		return err
	}
	if err := fieldMap.Set(keyIsPrimary, field.IsPrimary); err != nil {
		return err
	}
	encoded, ok := encodeTypeOption(field.Option)
	if !ok {
		return nil
	}
	options, ok := fieldMap.GetMap(keyTypeOption)
	if !ok {
		var err error
		if options, err = fieldMap.SetMap(keyTypeOption); err != nil {
			return err
		}
	}
	raw, err := options.SetMap(strconv.Itoa(int(field.Type)))
	if err != nil {
		return err
	}
	for key, value := range encoded {
		if err := raw.Set(key, value); err != nil {
			return err
		}
	}
	return nil
}

// ReadCell decodes one cell map, flattening nested shared types into plain values.
func ReadCell(cellMap *crdt.Map) (Cell, bool) {
	fieldType, ok := fieldTypeValue(cellMap, keyFieldType)
	if !ok {
		return Cell{}, false
	}
	cell := Cell{Data: plainGet(cellMap, keyData), FieldType: fieldType}
	if source, ok := fieldTypeValue(cellMap, keySourceFieldType); ok && source != fieldType {
		cell.SourceFieldType = &source
	}
	if created, ok := numberValue(plainGet(cellMap, KeyCreatedAt)); ok {
		cell.CreatedAt = int64(created)
	}
	if modified, ok := numberValue(plainGet(cellMap, KeyLastModified)); ok {
		cell.LastModified = int64(modified)
	}
	return cell, true
}

// RowCell returns the cell of fieldID in a row document.
func RowCell(doc *crdt.Doc, fieldID string) (Cell, bool) {
	row, ok := RowMap(doc)
	if !ok {
		return Cell{}, false
	}
	cells, ok := row.GetMap(KeyCells)
	if !ok {
		return Cell{}, false
	}
	cellMap, ok := cells.GetMap(fieldID)
	if !ok {
		return Cell{}, false
	}
	return ReadCell(cellMap)
}

// WriteCell stores cell into cellMap. A relation payload given as a list of row ids is
// stored as a replicated array.
func WriteCell(cellMap *crdt.Map, cell Cell) error {
	if err := cellMap.Set(keyFieldType, int(cell.FieldType)); err != nil {
		return err
	}
	if cell.SourceFieldType != nil && *cell.SourceFieldType != cell.FieldType {
		if err := cellMap.Set(keySourceFieldType, int(*cell.SourceFieldType)); err != nil {
			return err
		}
	} else if err := cellMap.Delete(keySourceFieldType); err != nil {
		return err
	}
	if cell.CreatedAt != 0 {
		if err := cellMap.Set(KeyCreatedAt, cell.CreatedAt); err != nil {
			return err
		}
	}
	if cell.LastModified != 0 {
		if err := cellMap.Set(KeyLastModified, cell.LastModified); err != nil {
			return err
		}
	}
	if rowIDs, ok := cell.Data.([]string); ok {
		array, err := cellMap.SetArray(keyData)
		if err != nil {
			return err
		}
		values := make([]any, 0, len(rowIDs))
		for _, rowID := range rowIDs {
			values = append(values, rowID)
		}
		return array.Push(values...)
	}
	if checklist, ok := cell.Data.(ChecklistData); ok {
		return cellMap.Set(keyData, checklist.JSON())
	}
	return cellMap.Set(keyData, cell.Data)
}

func fieldTypeValue(m *crdt.Map, key string) (FieldType, bool) {
	value, ok := numberValue(plainGet(m, key))
	if !ok {
		return 0, false
	}
	fieldType := FieldType(int(value))
	return fieldType, fieldType.Valid()
}

func plainGet(m *crdt.Map, key string) any {
	value, ok := m.Get(key)
	if !ok {
		return nil
	}
	switch typed := value.(type) {
	case *crdt.Map:
		return typed.ToJSON()
	case *crdt.Array:
		return typed.ToJSON()
	default:
		return value
	}
}
