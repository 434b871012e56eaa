package models

import (
	"gorm.io/gorm"
)

func MigrateTable(db *gorm.DB) error {
	return db.AutoMigrate(
		&Product{},
		&ClientProfile{}, &ClientBranch{},
		&Order{}, &OrderLine{},
		&SyncJobState{}, &SyncRun{}, &SyncError{},
	)
}
