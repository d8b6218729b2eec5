package storage

// UpdateRecord is one entry of a document's append-only update log.
type UpdateRecord struct {
	UpdateID         int64  `gorm:"column:update_id;primaryKey;autoIncrement"`
	ObjectID         string `gorm:"column:object_id;size:190;not null;index:idx_workspace_updates_object;uniqueIndex:idx_workspace_update_dedupe,priority:1"`
	Payload          []byte `gorm:"column:payload;type:blob;not null"`
	UpdateHash       string `gorm:"column:update_hash;size:64;not null;uniqueIndex:idx_workspace_update_dedupe,priority:2"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (UpdateRecord) TableName() string {
	return "workspace_updates"
}

// CustomRecord is one key of a document's metadata store.
type CustomRecord struct {
	ObjectID         string `gorm:"column:object_id;primaryKey;size:190;not null"`
	Key              string `gorm:"column:meta_key;primaryKey;size:190;not null"`
	Value            string `gorm:"column:meta_value;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CustomRecord) TableName() string {
	return "workspace_custom"
}

// Models lists every table the store needs migrated.
func Models() []any {
	return []any{&UpdateRecord{}, &CustomRecord{}}
}
