package models

import "time"

// SyncBookkeeping is embedded in every synced table.
type SyncBookkeeping struct {
	SapLastSync  *time.Time `gorm:"index" json:"sap_last_sync"`
	SyncPending  bool       `gorm:"index;not null;default:false" json:"sync_pending"`
	SyncAttempts int        `gorm:"not null;default:0" json:"sync_attempts"`
	SyncError    string     `gorm:"type:text" json:"sync_error"`
}
