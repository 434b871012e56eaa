package models

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// ClientProfile is the local counterpart of an ERP business partner.
type ClientProfile struct {
	ID          uint   `gorm:"primary_key" json:"id"`
	RemoteCode  string `gorm:"uniqueIndex;size:50;not null" json:"remote_code"`
	Name        string `gorm:"size:200;not null" json:"name"`
	ForeignName string `gorm:"size:200" json:"foreign_name"`
	// TaxId is stored normalized (letters and digits only, upper case).
	TaxId           string         `gorm:"index;size:50" json:"tax_id"`
	CrossRefCode    string         `gorm:"index;size:100" json:"cross_ref_code"`
	GroupCode       int            `gorm:"index;default:0" json:"group_code"`
	Email           string         `gorm:"size:200" json:"email"`
	Phone           string         `gorm:"size:30" json:"phone"`
	Currency        string         `gorm:"size:3" json:"currency"`
	IsActive        *bool          `gorm:"not null;default:true" json:"is_active"`
	Branches        []ClientBranch `gorm:"foreignKey:ClientProfileId" json:"branches"`
	RemoteUpdatedAt *time.Time     `json:"remote_updated_at"`
	SyncBookkeeping
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetClientProfile(ctx context.Context, db *gorm.DB, id uint) (*ClientProfile, error) {
	var client ClientProfile
	err := db.WithContext(ctx).Where("id = ?", id).Take(&client).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &client, nil
}

func GetClientProfileByRemoteCode(ctx context.Context, db *gorm.DB, remoteCode string) (*ClientProfile, error) {
	var client ClientProfile
	err := db.WithContext(ctx).Where("remote_code = ?", remoteCode).Take(&client).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &client, nil
}

// FindClientProfileForPartner finds the local row that already claims a partner, either by
// its code or by the normalized tax id when the stored code went stale.
func FindClientProfileForPartner(ctx context.Context, db *gorm.DB, remoteCode string, taxId string) (*ClientProfile, error) {
	client, err := GetClientProfileByRemoteCode(ctx, db, remoteCode)
	if err != nil || client != nil || taxId == "" {
		return client, err
	}
	var byTax ClientProfile
	err = db.WithContext(ctx).Where("tax_id = ?", taxId).Order("id").Take(&byTax).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &byTax, nil
}
