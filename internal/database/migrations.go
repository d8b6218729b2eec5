package database

import (
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/gravity/workspace/internal/storage"
)

const migrationPurgeEmptyUpdates = "2026-09-28_purge_empty_workspace_updates"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

// migration is a named one-shot data repair. A migration runs at most once per database.
type migration struct {
	name  string
	apply func(*gorm.DB) error
}

var migrations = []migration{
	{name: migrationPurgeEmptyUpdates, apply: purgeEmptyUpdates},
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	var applied []string
	if err := db.Model(&migrationRecord{}).Pluck("name", &applied).Error; err != nil {
		return fmt.Errorf("load applied migrations: %w", err)
	}

	for _, pending := range migrations {
		if slices.Contains(applied, pending.name) {
			continue
		}
		err := db.Transaction(func(tx *gorm.DB) error {
			if err := pending.apply(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: pending.name, AppliedAtSeconds: time.Now().UTC().Unix()}).Error
		})
		if err != nil {
			return fmt.Errorf("migration %s: %w", pending.name, err)
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", pending.name))
		}
	}
	return nil
}

// purgeEmptyUpdates removes log entries without a payload. Replaying them fails.
func purgeEmptyUpdates(db *gorm.DB) error {
	return db.Where("length(payload) = 0").Delete(&storage.UpdateRecord{}).Error
}
