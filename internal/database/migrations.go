package database

import (
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// migrationRecord tracks one-off data migrations that AutoMigrate cannot
// express.
type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null;autoCreateTime"`
}

func (migrationRecord) TableName() string { return "migration_records" }

type dataMigration struct {
	name string
	run  func(tx *gorm.DB) error
}

// Earlier builds persisted narration failures as the literal string "error",
// which is outside the closed status enumeration and now rejected on read.
var dataMigrations = []dataMigration{
	{
		name: "2025-06-normalize-narration-status",
		run: func(tx *gorm.DB) error {
			return tx.Exec("UPDATE books SET narration_status = 'none' WHERE narration_status NOT IN ('none', 'generating', 'ready')").Error
		},
	},
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	for _, migration := range dataMigrations {
		var record migrationRecord
		err := db.First(&record, "name = ?", migration.name).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		txErr := db.Transaction(func(tx *gorm.DB) error {
			if err := migration.run(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: migration.name}).Error
		})
		if txErr != nil {
			return txErr
		}
		if logger != nil {
			logger.Info("data migration applied", zap.String("name", migration.name))
		}
	}
	return nil
}
