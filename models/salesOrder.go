package models

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Order is a locally created sales order. It is pushed to the ERP once
// (SyncPending) and afterwards refreshed from it.
type Order struct {
	ID              uint            `gorm:"primary_key" json:"id"`
	ClientProfileId uint            `gorm:"index;not null" json:"client_profile_id"`
	CardCode        string          `gorm:"index;size:50;not null" json:"card_code"`
	Reference       string          `gorm:"uniqueIndex;size:100;not null" json:"reference"`
	OrderDate       time.Time       `gorm:"index;not null" json:"order_date"`
	DueDate         *time.Time      `json:"due_date"`
	Currency        string          `gorm:"size:3" json:"currency"`
	ExchangeRate    decimal.Decimal `gorm:"type:decimal(20,6);default:0" json:"exchange_rate"`
	DocTotal        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"doc_total"`
	Comments        string          `gorm:"type:text" json:"comments"`
	RemoteDocEntry  *int            `gorm:"uniqueIndex" json:"remote_doc_entry"`
	RemoteDocNum    *int            `json:"remote_doc_num"`
	RemoteStatus    string          `gorm:"size:20" json:"remote_status"`
	DeliveryStatus  DeliveryStatus  `gorm:"size:20;not null;default:NotDelivered" json:"delivery_status"`
	OrderedQty      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"ordered_qty"`
	DeliveredQty    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"delivered_qty"`
	InvoiceDocEntry *int            `gorm:"index" json:"invoice_doc_entry"`
	InvoiceDocNum   *int            `json:"invoice_doc_num"`
	InvoiceMatch    string          `gorm:"size:20" json:"invoice_match"`
	InvoiceScore    int             `gorm:"default:0" json:"invoice_score"`
	InvoiceLinkedAt *time.Time      `json:"invoice_linked_at"`
	IsActive        *bool           `gorm:"not null;default:true" json:"is_active"`
	Lines           []OrderLine     `gorm:"foreignKey:OrderId" json:"lines"`
	SyncBookkeeping
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type OrderLine struct {
	ID        uint            `gorm:"primary_key" json:"id"`
	OrderId   uint            `gorm:"index;not null" json:"order_id"`
	LineNum   int             `gorm:"not null" json:"line_num"`
	ItemCode  string          `gorm:"size:50;not null" json:"item_code"`
	Quantity  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"quantity"`
	UnitPrice decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// ListOrdersPendingSubmission returns orders not yet accepted by the ERP.
func ListOrdersPendingSubmission(ctx context.Context, db *gorm.DB, maxAttempts int) ([]Order, error) {
	var orders []Order
	q := db.WithContext(ctx).
		Preload("Lines", func(tx *gorm.DB) *gorm.DB { return tx.Order("line_num") }).
		Where("sync_pending = ? AND remote_doc_entry IS NULL AND is_active = ?", true, true)
	if maxAttempts > 0 {
		q = q.Where("sync_attempts < ?", maxAttempts)
	}
	err := q.Order("id").Find(&orders).Error
	return orders, err
}

// ListOrdersAwaitingInvoice returns submitted orders that have no invoice link yet.
func ListOrdersAwaitingInvoice(ctx context.Context, db *gorm.DB) ([]Order, error) {
	var orders []Order
	err := db.WithContext(ctx).
		Where("remote_doc_entry IS NOT NULL AND invoice_doc_entry IS NULL AND is_active = ?", true).
		Order("id").
		Find(&orders).Error
	return orders, err
}

// LinkOrderInvoice records an invoice link. It only writes when no link exists yet,
// so concurrent or repeated runs cannot overwrite an earlier decision.
func LinkOrderInvoice(ctx context.Context, db *gorm.DB, orderId uint, docEntry int, docNum int, strategy string, score int, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Model(&Order{}).
		Where("id = ? AND invoice_doc_entry IS NULL", orderId).
		Updates(map[string]interface{}{
			"invoice_doc_entry": docEntry,
			"invoice_doc_num":   docNum,
			"invoice_match":     strategy,
			"invoice_score":     score,
			"invoice_linked_at": at,
		})
	return res.RowsAffected == 1, res.Error
}

func GetOrderByRemoteDocEntry(ctx context.Context, db *gorm.DB, docEntry int) (*Order, error) {
	return takeOrder(db.WithContext(ctx).Where("remote_doc_entry = ?", docEntry))
}

// GetOrderByReference finds an order by the reference written to the ERP as NumAtCard.
func GetOrderByReference(ctx context.Context, db *gorm.DB, reference string) (*Order, error) {
	return takeOrder(db.WithContext(ctx).Where("reference = ?", reference))
}

func takeOrder(q *gorm.DB) (*Order, error) {
	var order Order
	err := q.Preload("Lines", func(tx *gorm.DB) *gorm.DB { return tx.Order("line_num") }).Take(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// ListLinkedInvoiceEntries returns the invoice entries already linked to an order.
func ListLinkedInvoiceEntries(ctx context.Context, db *gorm.DB) ([]int, error) {
	var entries []int
	err := db.WithContext(ctx).Model(&Order{}).
		Where("invoice_doc_entry IS NOT NULL").
		Pluck("invoice_doc_entry", &entries).Error
	return entries, err
}
