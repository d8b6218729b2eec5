// Package storage persists replicated documents locally: an append-only "updates" log
// replayed on open and a "custom" key-value store for per-document metadata.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/crdt"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	// ErrInvalidObjectID indicates an empty or oversized object identifier.
	ErrInvalidObjectID = errors.New("storage: invalid object id")
	// ErrInvalidUpdate indicates an empty update payload.
	ErrInvalidUpdate = errors.New("storage: invalid update")
	// ErrInvalidKey indicates an empty metadata key.
	ErrInvalidKey = errors.New("storage: invalid metadata key")
	noOpLogger    = zap.NewNop()
)

const maxIdentifierLength = 190

// DefaultCompactThreshold is the log length above which an object's updates are merged.
const DefaultCompactThreshold = 500

// ServiceError carries a stable operation.reason code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: operation + "." + reason, err: cause}
}

const (
	opStoreNew         = "storage.new"
	opAppendUpdate     = "storage.append_update"
	opLoadUpdates      = "storage.load_updates"
	opCompact          = "storage.compact"
	opGetMeta          = "storage.get_meta"
	opSetMeta          = "storage.set_meta"
	opEvict            = "storage.evict"
	opOpen             = "storage.open"
	fieldObjectID      = "object_id"
	queryObjectID      = "object_id = ?"
	queryObjectHash    = "object_id = ? AND update_hash = ?"
	queryObjectKey     = "object_id = ? AND meta_key = ?"
	orderUpdateIDAsc   = "update_id ASC"
	reasonMissingDB    = "missing_database"
	reasonInvalidInput = "invalid_input"
	reasonInsertFailed = "insert_failed"
	reasonLookupFailed = "lookup_failed"
	reasonQueryFailed  = "query_failed"
	reasonMergeFailed  = "merge_failed"
	reasonDeleteFailed = "delete_failed"
	reasonUpsertFailed = "upsert_failed"
	reasonReplayFailed = "replay_failed"
)

// ServiceConfig configures a Store.
type ServiceConfig struct {
	Database         *gorm.DB
	Clock            func() time.Time
	Logger           *zap.Logger
	CompactThreshold int
}

// Store is the persistence collaborator for replicated documents.
type Store struct {
	db               *gorm.DB
	clock            func() time.Time
	logger           *zap.Logger
	compactThreshold int
}

// NewStore validates cfg and returns a Store.
func NewStore(cfg ServiceConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, reasonMissingDB, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	threshold := cfg.CompactThreshold
	if threshold <= 0 {
		threshold = DefaultCompactThreshold
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger, compactThreshold: threshold}, nil
}

// AppendOutcome describes the result of AppendUpdate.
type AppendOutcome struct {
	UpdateID  int64
	Duplicate bool
	LogLength int64
}

func validateObjectID(objectID string) error {
	trimmed := strings.TrimSpace(objectID)
	if trimmed == "" {
		return fmt.Errorf("%w: empty", ErrInvalidObjectID)
	}
	if len(trimmed) > maxIdentifierLength {
		return fmt.Errorf("%w: longer than %d", ErrInvalidObjectID, maxIdentifierLength)
	}
	return nil
}

func hashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// AppendUpdate stores payload in the object's update log. Byte-identical updates are
// stored once.
func (store *Store) AppendUpdate(ctx context.Context, objectID string, payload []byte) (AppendOutcome, error) {
	if err := validateObjectID(objectID); err != nil {
		return AppendOutcome{}, newServiceError(opAppendUpdate, reasonInvalidInput, err)
	}
	if len(payload) == 0 {
		return AppendOutcome{}, newServiceError(opAppendUpdate, reasonInvalidInput, fmt.Errorf("%w: empty payload", ErrInvalidUpdate))
	}

	var outcome AppendOutcome
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		model := UpdateRecord{
			ObjectID:         objectID,
			Payload:          payload,
			UpdateHash:       hashPayload(payload),
			AppliedAtSeconds: store.clock().UTC().Unix(),
		}
		created := transaction.Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
		if created.Error != nil {
			store.logError(opAppendUpdate, reasonInsertFailed, created.Error, zap.String(fieldObjectID, objectID))
			return newServiceError(opAppendUpdate, reasonInsertFailed, created.Error)
		}
		outcome.UpdateID = model.UpdateID
		outcome.Duplicate = created.RowsAffected == 0
		if outcome.Duplicate {
			var existing UpdateRecord
			if err := transaction.Select("update_id").Where(queryObjectHash, objectID, model.UpdateHash).Take(&existing).Error; err != nil {
				store.logError(opAppendUpdate, reasonLookupFailed, err, zap.String(fieldObjectID, objectID))
				return newServiceError(opAppendUpdate, reasonLookupFailed, err)
			}
			outcome.UpdateID = existing.UpdateID
		}
		if err := transaction.Model(&UpdateRecord{}).Where(queryObjectID, objectID).Count(&outcome.LogLength).Error; err != nil {
			store.logError(opAppendUpdate, reasonQueryFailed, err, zap.String(fieldObjectID, objectID))
			return newServiceError(opAppendUpdate, reasonQueryFailed, err)
		}
		return nil
	})
	if err != nil {
		return AppendOutcome{}, err
	}
	return outcome, nil
}

// LoadUpdates returns the object's update log in append order.
func (store *Store) LoadUpdates(ctx context.Context, objectID string) ([][]byte, error) {
	if err := validateObjectID(objectID); err != nil {
		return nil, newServiceError(opLoadUpdates, reasonInvalidInput, err)
	}
	var records []UpdateRecord
	if err := store.db.WithContext(ctx).Where(queryObjectID, objectID).Order(orderUpdateIDAsc).Find(&records).Error; err != nil {
		store.logError(opLoadUpdates, reasonQueryFailed, err, zap.String(fieldObjectID, objectID))
		return nil, newServiceError(opLoadUpdates, reasonQueryFailed, err)
	}
	updates := make([][]byte, 0, len(records))
	for _, record := range records {
		updates = append(updates, record.Payload)
	}
	return updates, nil
}

// CompactionResult reports what Compact replaced.
type CompactionResult struct {
	Merged int
}

// Compact replaces the object's update log with a single structurally merged update.
func (store *Store) Compact(ctx context.Context, objectID string) (CompactionResult, error) {
	if err := validateObjectID(objectID); err != nil {
		return CompactionResult{}, newServiceError(opCompact, reasonInvalidInput, err)
	}
	var result CompactionResult
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var records []UpdateRecord
		if err := transaction.Where(queryObjectID, objectID).Order(orderUpdateIDAsc).Find(&records).Error; err != nil {
			store.logError(opCompact, reasonQueryFailed, err, zap.String(fieldObjectID, objectID))
			return newServiceError(opCompact, reasonQueryFailed, err)
		}
		if len(records) < 2 {
			return nil
		}
		payloads := make([][]byte, 0, len(records))
		for _, record := range records {
			payloads = append(payloads, record.Payload)
		}
		merged, err := crdt.MergeUpdates(payloads...)
		if err != nil {
			store.logError(opCompact, reasonMergeFailed, err, zap.String(fieldObjectID, objectID))
			return newServiceError(opCompact, reasonMergeFailed, err)
		}
		if err := transaction.Where(queryObjectID, objectID).Delete(&UpdateRecord{}).Error; err != nil {
			store.logError(opCompact, reasonDeleteFailed, err, zap.String(fieldObjectID, objectID))
			return newServiceError(opCompact, reasonDeleteFailed, err)
		}
		compacted := UpdateRecord{
			ObjectID:         objectID,
			Payload:          merged,
			UpdateHash:       hashPayload(merged),
			AppliedAtSeconds: store.clock().UTC().Unix(),
		}
		if err := transaction.Create(&compacted).Error; err != nil {
			store.logError(opCompact, reasonInsertFailed, err, zap.String(fieldObjectID, objectID))
			return newServiceError(opCompact, reasonInsertFailed, err)
		}
		result.Merged = len(records)
		return nil
	})
	if err != nil {
		return CompactionResult{}, err
	}
	if result.Merged > 0 {
		store.logger.Info("update log compacted", zap.String(fieldObjectID, objectID), zap.Int("merged", result.Merged))
	}
	return result, nil
}

// GetMeta reads key from the object's custom store.
func (store *Store) GetMeta(ctx context.Context, objectID, key string) (string, bool, error) {
	if err := validateObjectID(objectID); err != nil {
		return "", false, newServiceError(opGetMeta, reasonInvalidInput, err)
	}
	var record CustomRecord
	err := store.db.WithContext(ctx).Where(queryObjectKey, objectID, key).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		store.logError(opGetMeta, reasonQueryFailed, err, zap.String(fieldObjectID, objectID))
		return "", false, newServiceError(opGetMeta, reasonQueryFailed, err)
	}
	return record.Value, true, nil
}

// SetMeta writes key in the object's custom store.
func (store *Store) SetMeta(ctx context.Context, objectID, key, value string) error {
	if err := validateObjectID(objectID); err != nil {
		return newServiceError(opSetMeta, reasonInvalidInput, err)
	}
	if strings.TrimSpace(key) == "" {
		return newServiceError(opSetMeta, reasonInvalidInput, ErrInvalidKey)
	}
	record := CustomRecord{ObjectID: objectID, Key: key, Value: value, UpdatedAtSeconds: store.clock().UTC().Unix()}
	err := store.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "object_id"}, {Name: "meta_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"meta_value", "updated_at_s"}),
	}).Create(&record).Error
	if err != nil {
		store.logError(opSetMeta, reasonUpsertFailed, err, zap.String(fieldObjectID, objectID))
		return newServiceError(opSetMeta, reasonUpsertFailed, err)
	}
	return nil
}

// Evict purges both stores of the object.
func (store *Store) Evict(ctx context.Context, objectID string) error {
	if err := validateObjectID(objectID); err != nil {
		return newServiceError(opEvict, reasonInvalidInput, err)
	}
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := transaction.Where(queryObjectID, objectID).Delete(&UpdateRecord{}).Error; err != nil {
			return err
		}
		return transaction.Where(queryObjectID, objectID).Delete(&CustomRecord{}).Error
	})
	if err != nil {
		store.logError(opEvict, reasonDeleteFailed, err, zap.String(fieldObjectID, objectID))
		return newServiceError(opEvict, reasonDeleteFailed, err)
	}
	return nil
}

// Binding keeps a document's update log in step with the live document.
type Binding struct {
	detach func()
}

// Close stops persisting further updates.
func (binding *Binding) Close() {
	if binding.detach != nil {
		binding.detach()
		binding.detach = nil
	}
}

// Open replays the stored log of doc (tagged OriginPersistence) and then appends every
// subsequent update. When Open returns the document is synced locally.
func (store *Store) Open(ctx context.Context, doc *crdt.Doc) (*Binding, error) {
	objectID := doc.GUID()
	updates, err := store.LoadUpdates(ctx, objectID)
	if err != nil {
		return nil, err
	}
	for _, payload := range updates {
		if err := doc.ApplyUpdate(payload, crdt.OriginPersistence); err != nil {
			store.logError(opOpen, reasonReplayFailed, err, zap.String(fieldObjectID, objectID))
			return nil, newServiceError(opOpen, reasonReplayFailed, err)
		}
	}

	persistCtx := context.WithoutCancel(ctx)
	detach := doc.OnUpdate(func(update []byte, origin crdt.Origin) {
		if origin == crdt.OriginPersistence {
			return
		}
		outcome, err := store.AppendUpdate(persistCtx, objectID, update)
		if err != nil {
			return
		}
		if outcome.LogLength > int64(store.compactThreshold) {
			if _, err := store.Compact(persistCtx, objectID); err != nil {
				store.logger.Warn("compaction failed", zap.String(fieldObjectID, objectID), zap.Error(err))
			}
		}
	})
	return &Binding{detach: detach}, nil
}

func (store *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	store.logger.Error("storage error", attrs...)
}
