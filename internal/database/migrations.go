package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/intake/internal/candidates"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationDropOrphanCandidateChildren = "2026-10-01_drop_orphan_candidate_children"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationDropOrphanCandidateChildren, apply: dropOrphanCandidateChildren},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// dropOrphanCandidateChildren removes rows written while foreign keys were not enforced.
// SQLite leaves enforcement off per connection unless the DSN asks for it, so a candidate
// deleted through the sqlite3 shell or another tool leaves its child rows behind.
// Attachment rows are dropped too; their blobs are left for the sweeper.
func dropOrphanCandidateChildren(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		owners := tx.Model(&candidates.Candidate{}).Select("id")
		for _, child := range []any{&candidates.Education{}, &candidates.Experience{}, &candidates.Attachment{}} {
			if err := tx.Where("candidate_id NOT IN (?)", owners).Delete(child).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
