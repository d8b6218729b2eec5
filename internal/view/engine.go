package view

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/text/language"

	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/docs"
	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/fields"
	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/relation"
)

// ErrMissingRegistry indicates an engine configured without a document registry.
var ErrMissingRegistry = errors.New("view: document registry is required")

// RelationReader serves relation and rollup values. *relation.Cache implements it.
type RelationReader interface {
	Read(request relation.Request) string
	ReadRollup(request relation.Request) fields.RollupValue
	Resolve(ctx context.Context, request relation.Request) (fields.RollupValue, error)
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	Registry  *docs.Registry
	Relations RelationReader
	// WaitForRelations resolves every relation and rollup cell before evaluating
	// instead of serving whatever is cached.
	WaitForRelations bool
	Language         language.Tag
	Logger           *zap.Logger
}

// Engine evaluates saved views of database documents.
type Engine struct {
	cfg    EngineConfig
	logger *zap.Logger
}

// Projection is the evaluated content of a view.
type Projection struct {
	View   View
	Fields []fields.Field
	Rows   []Row
	Groups []Group
}

// NewEngine validates cfg.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, ErrMissingRegistry
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cfg: cfg, logger: logger}, nil
}

// Compute loads the database and its rows, then filters, sorts and groups them as the
// view describes.
func (engine *Engine) Compute(ctx context.Context, databaseGUID, viewID string) (Projection, error) {
	database, err := engine.cfg.Registry.Open(ctx, databaseGUID)
	if err != nil {
		return Projection{}, err
	}
	defer engine.release(databaseGUID)

	saved, err := ReadView(database, viewID)
	if err != nil {
		return Projection{}, err
	}
	all := fields.ReadFields(database)
	rows, err := engine.loadRows(ctx, database, saved.RowOrders)
	if err != nil {
		return Projection{}, err
	}

	resolvers, err := engine.resolvers(ctx, all, rows)
	if err != nil {
		return Projection{}, err
	}
	evaluator := NewEvaluator(all, resolvers, WithLanguage(engine.cfg.Language))
	visible := evaluator.SortRows(evaluator.FilterRows(rows, saved.Filters), saved.Sorts)
	projection := Projection{View: saved, Fields: all, Rows: visible}
	if saved.GroupFieldID != "" {
		projection.Groups = evaluator.GroupByField(visible, saved.GroupFieldID, saved.Filters)
	}
	return projection, nil
}

func (engine *Engine) loadRows(ctx context.Context, database *crdt.Doc, orders []RowMeta) ([]Row, error) {
	rows := make([]Row, 0, len(orders))
	for _, order := range orders {
		key := docs.RowKey(database.GUID(), order.ID)
		rowDoc, err := engine.cfg.Registry.Open(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("view: open row %s: %w", order.ID, err)
		}
		row, ok := ReadRow(rowDoc)
		engine.release(key)
		if !ok {
			row = Row{Cells: map[string]fields.Cell{}}
		}
		row.ID = order.ID
		if order.Height != 0 {
			row.Height = order.Height
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (engine *Engine) release(guid string) {
	if err := engine.cfg.Registry.Close(guid); err != nil {
		engine.logger.Warn("release document failed", zap.String("guid", guid), zap.Error(err))
	}
}

func (engine *Engine) resolvers(ctx context.Context, all []fields.Field, rows []Row) (fields.Resolvers, error) {
	if engine.cfg.Relations == nil {
		return fields.Resolvers{}, nil
	}
	byID := make(map[string]Row, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
	}
	fieldsByID := make(map[string]fields.Field, len(all))
	for _, field := range all {
		fieldsByID[field.ID] = field
	}
	request := func(rowID, fieldID string) (relation.Request, bool) {
		row, ok := byID[rowID]
		if !ok {
			return relation.Request{}, false
		}
		return RelationRequest(row, fieldsByID, fieldID)
	}

	if !engine.cfg.WaitForRelations {
		return fields.Resolvers{
			RelationText: func(rowID, fieldID string) string {
				if req, ok := request(rowID, fieldID); ok {
					return engine.cfg.Relations.Read(req)
				}
				return ""
			},
			RollupValue: func(rowID, fieldID string) fields.RollupValue {
				if req, ok := request(rowID, fieldID); ok {
					return engine.cfg.Relations.ReadRollup(req)
				}
				return fields.RollupValue{}
			},
		}, nil
	}

	resolved := make(map[string]fields.RollupValue)
	for _, row := range rows {
		for _, field := range all {
			if field.Type != fields.Relation && field.Type != fields.Rollup {
				continue
			}
			req, ok := RelationRequest(row, fieldsByID, field.ID)
			if !ok {
				continue
			}
			value, err := engine.cfg.Relations.Resolve(ctx, req)
			if err != nil {
				return fields.Resolvers{}, err
			}
			resolved[req.CellID] = value
		}
	}
	return fields.Resolvers{
		RelationText: func(rowID, fieldID string) string {
			return resolved[relation.CellID(rowID, fieldID)].Value
		},
		RollupValue: func(rowID, fieldID string) fields.RollupValue {
			return resolved[relation.CellID(rowID, fieldID)]
		},
	}, nil
}

// RelationRequest builds the cache request for a relation or rollup cell of row.
func RelationRequest(row Row, fieldsByID map[string]fields.Field, fieldID string) (relation.Request, bool) {
	field, ok := fieldsByID[fieldID]
	if !ok {
		return relation.Request{}, false
	}
	switch option := field.Option.(type) {
	case fields.RelationTypeOption:
		cell, ok := row.cell(field.ID)
		if !ok {
			return relation.Request{}, false
		}
		return relation.Request{
			CellID:     relation.CellID(row.ID, field.ID),
			DatabaseID: option.DatabaseID,
			RowIDs:     fields.RelationRowIDs(cell.Data),
		}, true
	case fields.RollupTypeOption:
		relationField, ok := fieldsByID[option.RelationFieldID]
		if !ok {
			return relation.Request{}, false
		}
		relationOption, ok := relationField.Option.(fields.RelationTypeOption)
		if !ok {
			return relation.Request{}, false
		}
		cell, ok := row.cell(relationField.ID)
		if !ok {
			return relation.Request{}, false
		}
		return relation.Request{
			CellID:        relation.CellID(row.ID, field.ID),
			DatabaseID:    relationOption.DatabaseID,
			RowIDs:        fields.RelationRowIDs(cell.Data),
			TargetFieldID: option.TargetFieldID,
			Calculation:   option.Calculation,
		}, true
	default:
		return relation.Request{}, false
	}
}
