package repository

import (
	"gorm.io/gorm"

	"github.com/hubot-paas/orchestrator/internal/models"
)

// registerModels returns all models that need migration
func registerModels() []interface{} {
	return []interface{}{
		&models.Addon{},
		&models.Snapshot{},

		&models.Project{},
		&models.ProjectAddon{},
		&models.Release{},
	}
}

// Migrate brings the schema up to date.
func Migrate(db *gorm.DB) error {
	if err := enableUUIDExtension(db); err != nil {
		return err
	}
	if err := db.AutoMigrate(registerModels()...); err != nil {
		return err
	}
	return runCustomMigrations(db)
}

// runCustomMigrations handles schema changes AutoMigrate can't handle
func runCustomMigrations(db *gorm.DB) error {
	migrations := []func(*gorm.DB) error{
		addLiveAddonNameIndex,
		addReleaseProjectStatusIndex,
	}

	for _, migration := range migrations {
		if err := migration(db); err != nil {
			return err
		}
	}

	return nil
}

func enableUUIDExtension(db *gorm.DB) error {
	return db.Exec(`CREATE EXTENSION IF NOT EXISTS "pgcrypto"`).Error
}

// addLiveAddonNameIndex keeps names unique among live addons only; deleted
// addons keep their name until their volumes are reclaimed.
func addLiveAddonNameIndex(db *gorm.DB) error {
	return db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_addons_live_ns_name
		ON addons(namespace, name)
		WHERE deleted_at IS NULL
	`).Error
}

func addReleaseProjectStatusIndex(db *gorm.DB) error {
	return db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_releases_project_status
		ON releases(project_id, status)
	`).Error
}
