package models

import (
	"github.com/mmdatafocus/recruit_backend/config"
	"github.com/mmdatafocus/recruit_backend/utils"
)

// MigrateTable runs GORM auto-migration for the queue subsystem tables.
// The wider CRUD schema is owned by the main application's migrations.
func MigrateTable() {
	db := config.GetDB()
	utils.ErrorPanic(db.AutoMigrate(
		&Candidate{},
		&ImportJob{},
		&EmailQueue{},
		&EmailTracking{},
	))
}
