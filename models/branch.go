package models

import (
	"time"
)

// ClientBranch is a ship-to/bill-to address of a client profile.
// (ClientProfileId, AddressName, AddressType) identifies the remote address.
type ClientBranch struct {
	ID              uint       `gorm:"primary_key" json:"id"`
	ClientProfileId uint       `gorm:"uniqueIndex:idx_client_branch,priority:1;not null" json:"client_profile_id"`
	AddressName     string     `gorm:"uniqueIndex:idx_client_branch,priority:2;size:100;not null" json:"address_name"`
	AddressType     string     `gorm:"uniqueIndex:idx_client_branch,priority:3;size:20;not null" json:"address_type"`
	Street          string     `gorm:"size:200" json:"street"`
	City            string     `gorm:"size:100" json:"city"`
	County          string     `gorm:"size:100" json:"county"`
	Country         string     `gorm:"size:3" json:"country"`
	ZipCode         string     `gorm:"size:20" json:"zip_code"`
	IsActive        *bool      `gorm:"not null;default:true" json:"is_active"`
	SapLastSync     *time.Time `json:"sap_last_sync"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
