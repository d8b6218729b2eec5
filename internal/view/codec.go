package view

import (
	"errors"
	"fmt"
	"slices"

	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/fields"
)

// ErrViewNotFound indicates a view id unknown to the database document.
var ErrViewNotFound = errors.New("view: view not found")

const (
	keyName         = "name"
	keyFieldID      = "field_id"
	keyType         = "ty"
	keyCondition    = "condition"
	keyContent      = "content"
	keyChildren     = "children"
	keyFilters      = "filters"
	keySorts        = "sorts"
	keyGroupFieldID = "group_field_id"
	keyRowOrders    = "row_orders"
)

// ReadView decodes viewID from a database document.
func ReadView(database *crdt.Doc, viewID string) (View, error) {
	viewMap, ok := viewMapOf(database, viewID)
	if !ok {
		return View{}, fmt.Errorf("%w: %s", ErrViewNotFound, viewID)
	}
	decoded := View{
		ID:           viewMap.GetString(fields.KeyID),
		DatabaseID:   viewMap.GetString(fields.KeyDatabaseID),
		Name:         viewMap.GetString(keyName),
		GroupFieldID: viewMap.GetString(keyGroupFieldID),
	}
	if decoded.ID == "" {
		decoded.ID = viewID
	}
	if filters, ok := viewMap.GetArray(keyFilters); ok {
		decoded.Filters = readFilters(filters)
	}
	if sorts, ok := viewMap.GetArray(keySorts); ok {
		for _, element := range sorts.Values() {
			sortMap, ok := element.(*crdt.Map)
			if !ok {
				continue
			}
			decoded.Sorts = append(decoded.Sorts, Sort{
				ID:        sortMap.GetString(fields.KeyID),
				FieldID:   sortMap.GetString(keyFieldID),
				Condition: SortCondition(intValue(sortMap, keyCondition)),
			})
		}
	}
	if orders, ok := viewMap.GetArray(keyRowOrders); ok {
		for _, element := range orders.Values() {
			orderMap, ok := element.(*crdt.Map)
			if !ok {
				continue
			}
			if id := orderMap.GetString(fields.KeyID); id != "" {
				decoded.RowOrders = append(decoded.RowOrders, RowMeta{ID: id, Height: intValue(orderMap, fields.KeyHeight)})
			}
		}
	}
	return decoded, nil
}

// ViewIDs lists the view ids of a database document in ascending order.
func ViewIDs(database *crdt.Doc) []string {
	databaseMap, ok := fields.DatabaseMap(database)
	if !ok {
		return nil
	}
	views, ok := databaseMap.GetMap(fields.KeyViews)
	if !ok {
		return nil
	}
	return views.Keys()
}

func viewMapOf(database *crdt.Doc, viewID string) (*crdt.Map, bool) {
	databaseMap, ok := fields.DatabaseMap(database)
	if !ok {
		return nil, false
	}
	views, ok := databaseMap.GetMap(fields.KeyViews)
	if !ok {
		return nil, false
	}
	return views.GetMap(viewID)
}

func readFilters(array *crdt.Array) []Filter {
	var decoded []Filter
	for _, element := range array.Values() {
		filterMap, ok := element.(*crdt.Map)
		if !ok {
			continue
		}
		filter := Filter{
			ID:        filterMap.GetString(fields.KeyID),
			FieldID:   filterMap.GetString(keyFieldID),
			Type:      FilterType(intValue(filterMap, keyType)),
			Condition: intValue(filterMap, keyCondition),
			Content:   filterMap.GetString(keyContent),
		}
		if children, ok := filterMap.GetArray(keyChildren); ok {
			filter.Children = readFilters(children)
		}
		decoded = append(decoded, filter)
	}
	return decoded
}

func intValue(m *crdt.Map, key string) int {
	value, _ := m.Get(key)
	number, _ := value.(float64)
	return int(number)
}

// WriteView stores v in a database document, creating the database map if needed.
// Filters, sorts and row orders are replaced as a whole.
func WriteView(database *crdt.Doc, v View) error {
	return database.Transact(crdt.OriginLocal, func(transaction *crdt.Txn) error {
		databaseMap, err := ensureMap(transaction.GetMap(fields.RootKey), fields.DatabaseKey)
		if err != nil {
			return err
		}
		views, err := ensureMap(databaseMap, fields.KeyViews)
		if err != nil {
			return err
		}
		viewMap, err := views.SetMap(v.ID)
		if err != nil {
			return err
		}
		if err := setAll(viewMap, map[string]any{
			fields.KeyID:         v.ID,
			fields.KeyDatabaseID: v.DatabaseID,
			keyName:              v.Name,
			keyGroupFieldID:      v.GroupFieldID,
		}); err != nil {
			return err
		}
		filters, err := viewMap.SetArray(keyFilters)
		if err != nil {
			return err
		}
		if err := writeFilters(filters, v.Filters); err != nil {
			return err
		}
		sorts, err := viewMap.SetArray(keySorts)
		if err != nil {
			return err
		}
		for _, sort := range v.Sorts {
			sortMap, err := sorts.PushMap()
			if err != nil {
				return err
			}
			if err := setAll(sortMap, map[string]any{fields.KeyID: sort.ID, keyFieldID: sort.FieldID, keyCondition: int(sort.Condition)}); err != nil {
				return err
			}
		}
		orders, err := viewMap.SetArray(keyRowOrders)
		if err != nil {
			return err
		}
		for _, order := range v.RowOrders {
			orderMap, err := orders.PushMap()
			if err != nil {
				return err
			}
			if err := setAll(orderMap, map[string]any{fields.KeyID: order.ID, fields.KeyHeight: order.Height}); err != nil {
				return err
			}
		}
		return nil
	})
}

func writeFilters(array *crdt.Array, filters []Filter) error {
	for _, filter := range filters {
		filterMap, err := array.PushMap()
		if err != nil {
			return err
		}
		if err := setAll(filterMap, map[string]any{
			fields.KeyID: filter.ID,
			keyFieldID:   filter.FieldID,
			keyType:      int(filter.Type),
			keyCondition: filter.Condition,
			keyContent:   filter.Content,
		}); err != nil {
			return err
		}
		if len(filter.Children) == 0 {
			continue
		}
		children, err := filterMap.SetArray(keyChildren)
		if err != nil {
			return err
		}
		if err := writeFilters(children, filter.Children); err != nil {
			return err
		}
	}
	return nil
}

// WriteFields stores field definitions in a database document.
func WriteFields(database *crdt.Doc, all []fields.Field) error {
	return database.Transact(crdt.OriginLocal, func(transaction *crdt.Txn) error {
		databaseMap, err := ensureMap(transaction.GetMap(fields.RootKey), fields.DatabaseKey)
		if err != nil {
			return err
		}
		fieldMaps, err := ensureMap(databaseMap, fields.KeyFields)
		if err != nil {
			return err
		}
		for _, field := range all {
			fieldMap, err := ensureMap(fieldMaps, field.ID)
			if err != nil {
				return err
			}
			if err := fields.WriteField(fieldMap, field); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReadRow decodes a row document. Cells that cannot be decoded are skipped.
func ReadRow(rowDoc *crdt.Doc) (Row, bool) {
	rowMap, ok := fields.RowMap(rowDoc)
	if !ok {
		return Row{}, false
	}
	row := Row{
		ID:           rowMap.GetString(fields.KeyID),
		DatabaseID:   rowMap.GetString(fields.KeyDatabaseID),
		Height:       intValue(rowMap, fields.KeyHeight),
		CreatedAt:    int64(intValue(rowMap, fields.KeyCreatedAt)),
		LastModified: int64(intValue(rowMap, fields.KeyLastModified)),
		Cells:        make(map[string]fields.Cell),
	}
	if cells, ok := rowMap.GetMap(fields.KeyCells); ok {
		for _, fieldID := range cells.Keys() {
			cellMap, ok := cells.GetMap(fieldID)
			if !ok {
				continue
			}
			if cell, ok := fields.ReadCell(cellMap); ok {
				row.Cells[fieldID] = cell
			}
		}
	}
	return row, true
}

// WriteRow stores row into a row document. Cells are created or overwritten, never
// removed.
func WriteRow(rowDoc *crdt.Doc, row Row) error {
	return rowDoc.Transact(crdt.OriginLocal, func(transaction *crdt.Txn) error {
		rowMap, err := ensureMap(transaction.GetMap(fields.RootKey), fields.RowKey)
		if err != nil {
			return err
		}
		if err := setAll(rowMap, map[string]any{
			fields.KeyID:           row.ID,
			fields.KeyDatabaseID:   row.DatabaseID,
			fields.KeyHeight:       row.Height,
			fields.KeyCreatedAt:    row.CreatedAt,
			fields.KeyLastModified: row.LastModified,
		}); err != nil {
			return err
		}
		cellMaps, err := ensureMap(rowMap, fields.KeyCells)
		if err != nil {
			return err
		}
		fieldIDs := make([]string, 0, len(row.Cells))
		for fieldID := range row.Cells {
			fieldIDs = append(fieldIDs, fieldID)
		}
		slices.Sort(fieldIDs)
		for _, fieldID := range fieldIDs {
			cellMap, err := ensureMap(cellMaps, fieldID)
			if err != nil {
				return err
			}
			if err := fields.WriteCell(cellMap, row.Cells[fieldID]); err != nil {
				return err
			}
		}
		return nil
	})
}

func ensureMap(parent *crdt.Map, key string) (*crdt.Map, error) {
	if existing, ok := parent.GetMap(key); ok {
		return existing, nil
	}
	return parent.SetMap(key)
}

func setAll(target *crdt.Map, values map[string]any) error {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		if err := target.Set(key, values[key]); err != nil {
			return err
		}
	}
	return nil
}
