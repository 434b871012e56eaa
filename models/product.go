package models

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Product struct {
	ID              uint            `gorm:"primary_key" json:"id"`
	RemoteCode      string          `gorm:"uniqueIndex;size:50;not null" json:"remote_code"`
	Name            string          `gorm:"size:200;not null" json:"name"`
	Description     string          `gorm:"type:text" json:"description"`
	Barcode         string          `gorm:"index;size:100" json:"barcode"`
	GroupCode       int             `gorm:"index;default:0" json:"group_code"`
	UnitOfMeasure   string          `gorm:"size:50" json:"unit_of_measure"`
	Price           decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"price"`
	Currency        string          `gorm:"size:3" json:"currency"`
	StockOnHand     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"stock_on_hand"`
	IsActive        *bool           `gorm:"not null;default:true" json:"is_active"`
	RemoteUpdatedAt *time.Time      `json:"remote_updated_at"`
	SyncBookkeeping
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetProductByRemoteCode(ctx context.Context, db *gorm.DB, remoteCode string) (*Product, error) {
	var product Product
	err := db.WithContext(ctx).Where("remote_code = ?", remoteCode).Take(&product).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &product, nil
}

// ListPendingProducts returns products whose local description still has to be pushed to the ERP.
func ListPendingProducts(ctx context.Context, db *gorm.DB, maxAttempts int) ([]Product, error) {
	var products []Product
	q := db.WithContext(ctx).Where("sync_pending = ?", true)
	if maxAttempts > 0 {
		q = q.Where("sync_attempts < ?", maxAttempts)
	}
	err := q.Order("id").Find(&products).Error
	return products, err
}

// SetProductDescription records a local description edit for push-back on the next products run.
func SetProductDescription(ctx context.Context, db *gorm.DB, id uint, description string) error {
	res := db.WithContext(ctx).Model(&Product{}).Where("id = ?", id).Updates(map[string]interface{}{
		"description":   description,
		"sync_pending":  true,
		"sync_attempts": 0,
		"sync_error":    "",
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
