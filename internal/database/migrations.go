package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/forumsync/internal/cache"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillCollectionState = "2026-09-14_backfill_collection_state"

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
		{name: migrationBackfillCollectionState, apply: backfillCollectionState},
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

// backfillCollectionState creates the state row of collections that have records but
// were written before cache_collections existed. Such collections count as populated.
func backfillCollectionState(db *gorm.DB) error {
	type collectionBounds struct {
		Collection  string
		MaxPosition int64
	}
	var bounds []collectionBounds
	if err := db.Model(&cache.Record{}).
		Select("collection, MAX(position) AS max_position").
		Group("collection").
		Scan(&bounds).Error; err != nil {
		return err
	}

	now := time.Now().UTC().UnixMilli()
	for _, bound := range bounds {
		var existing cache.CollectionState
		err := db.Where("collection = ?", bound.Collection).Take(&existing).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		state := cache.CollectionState{
			Collection:      bound.Collection,
			Populated:       true,
			NextPosition:    bound.MaxPosition + 1,
			UpdatedAtMillis: now,
		}
		if err := db.Create(&state).Error; err != nil {
			return err
		}
	}
	return nil
}
