package erpsync

import (
	"context"
	"fmt"
	"strings"

	"github.com/mmdatafocus/erpsync_backend/erp"
	"github.com/mmdatafocus/erpsync_backend/models"
	"github.com/mmdatafocus/erpsync_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const entityProduct = "product"

// ProductsFamily pushes local description edits to the ERP and then pulls items.
type ProductsFamily struct {
	client      *erp.Client
	db          *gorm.DB
	priceList   int
	maxAttempts int
}

func NewProductsFamily(client *erp.Client, db *gorm.DB, priceList int, maxAttempts int) *ProductsFamily {
	return &ProductsFamily{client: client, db: db, priceList: priceList, maxAttempts: maxAttempts}
}

func (f *ProductsFamily) Name() string { return models.JobFamilyProducts }

func (f *ProductsFamily) Run(ctx context.Context, run *Run) error {
	if err := f.pushDescriptions(ctx, run); err != nil {
		return err
	}

	res, err := f.client.Fetcher().FetchAll(ctx, erp.ItemsResource, erp.ModifiedSince(run.Since), run.Settings.BatchSize, run.Settings.MaxBatches)
	if err != nil {
		return fmt.Errorf("fetch items: %w", err)
	}
	run.HasMore = res.HasMore

	for _, batch := range res.Batches {
		for _, raw := range batch {
			item, err := erp.Decode[erp.Item](raw)
			if err != nil {
				run.Fail(ctx, &ItemProcessingError{EntityType: entityProduct, Code: CodeInvalidPayload, Payload: raw, Err: err})
				continue
			}
			code := strings.TrimSpace(item.ItemCode)
			if code == "" {
				run.Fail(ctx, &ItemProcessingError{EntityType: entityProduct, Code: CodeMissingId, Payload: raw, Err: fmt.Errorf("item code missing")})
				continue
			}
			_ = run.Item(ctx, entityProduct, code, raw, func(tx *gorm.DB) (Outcome, error) {
				return f.upsert(ctx, tx, run, item)
			})
		}
	}
	return nil
}

// pushDescriptions sends pending free-text descriptions, the only product
// field the ERP accepts from this side.
func (f *ProductsFamily) pushDescriptions(ctx context.Context, run *Run) error {
	pending, err := models.ListPendingProducts(ctx, f.db, f.maxAttempts)
	if err != nil {
		return fmt.Errorf("list pending products: %w", err)
	}
	for _, p := range pending {
		pushErr := f.client.UpdateItem(ctx, p.RemoteCode, map[string]any{"User_Text": p.Description})
		if pushErr != nil {
			if dbErr := f.db.WithContext(ctx).Model(&models.Product{}).Where("id = ?", p.ID).Updates(map[string]interface{}{
				"sync_attempts": gorm.Expr("sync_attempts + ?", 1),
				"sync_error":    pushErr.Error(),
			}).Error; dbErr != nil {
				run.logger.WithField("remote_code", p.RemoteCode).Warnf("record push failure: %v", dbErr)
			}
			run.Fail(ctx, &ItemProcessingError{
				EntityType: entityProduct,
				RemoteCode: p.RemoteCode,
				Code:       CodePushFailed,
				Retryable:  erp.IsRetryable(pushErr),
				Err:        pushErr,
			})
			if erp.IsSessionFailure(pushErr) {
				return pushErr
			}
			continue
		}
		// Only clear the flag if the description was not edited again meanwhile.
		res := f.db.WithContext(ctx).Model(&models.Product{}).
			Where("id = ? AND description = ?", p.ID, p.Description).
			Updates(map[string]interface{}{
				"sync_pending":  false,
				"sync_attempts": 0,
				"sync_error":    "",
			})
		if res.Error != nil {
			return fmt.Errorf("clear pending flag of product %d: %w", p.ID, res.Error)
		}
		run.logger.WithField("remote_code", p.RemoteCode).Debug("description pushed")
	}
	return nil
}

func (f *ProductsFamily) upsert(ctx context.Context, tx *gorm.DB, run *Run, item erp.Item) (Outcome, error) {
	existing, err := models.GetProductByRemoteCode(ctx, tx, item.ItemCode)
	if err != nil {
		return OutcomeSkipped, err
	}

	price := decimal.Zero
	currency := ""
	if p, ok := item.Price(f.priceList); ok {
		price, currency = p.Price, strings.ToUpper(p.Currency)
	}
	active := item.Active()

	if existing == nil {
		product := models.Product{
			RemoteCode:      item.ItemCode,
			Name:            strings.TrimSpace(item.ItemName),
			Description:     item.UserText,
			Barcode:         strings.TrimSpace(item.BarCode),
			GroupCode:       item.ItemsGroupCode,
			UnitOfMeasure:   item.SalesUnit,
			Price:           price,
			Currency:        currency,
			StockOnHand:     item.QuantityOnStock,
			IsActive:        &active,
			RemoteUpdatedAt: item.ModifiedAt(),
		}
		product.SapLastSync = snapshotPtr(run)
		if err := tx.Create(&product).Error; err != nil {
			if isDuplicateKey(err) {
				return OutcomeSkipped, &ItemProcessingError{Code: CodeDBError, Retryable: true, Err: fmt.Errorf("created concurrently: %w", err)}
			}
			return OutcomeSkipped, err
		}
		return OutcomeCreated, nil
	}

	changes := map[string]interface{}{}
	setIf := func(column string, changed bool, value interface{}) {
		if changed {
			changes[column] = value
		}
	}
	setIf("name", existing.Name != strings.TrimSpace(item.ItemName), strings.TrimSpace(item.ItemName))
	// A pending local edit wins until it has been pushed.
	setIf("description", !existing.SyncPending && existing.Description != item.UserText, item.UserText)
	setIf("barcode", existing.Barcode != strings.TrimSpace(item.BarCode), strings.TrimSpace(item.BarCode))
	setIf("group_code", existing.GroupCode != item.ItemsGroupCode, item.ItemsGroupCode)
	setIf("unit_of_measure", existing.UnitOfMeasure != item.SalesUnit, item.SalesUnit)
	setIf("price", !existing.Price.Equal(price), price)
	setIf("currency", existing.Currency != currency, currency)
	setIf("stock_on_hand", !existing.StockOnHand.Equal(item.QuantityOnStock), item.QuantityOnStock)
	setIf("is_active", utils.DereferencePtr(existing.IsActive, true) != active, active)
	setIf("remote_updated_at", !sameTime(existing.RemoteUpdatedAt, item.ModifiedAt()), item.ModifiedAt())

	if len(changes) == 0 {
		return OutcomeSkipped, touch(tx, &models.Product{}, existing.ID, run)
	}
	changes["sap_last_sync"] = run.Snapshot
	if err := tx.Model(&models.Product{}).Where("id = ?", existing.ID).Updates(changes).Error; err != nil {
		return OutcomeSkipped, err
	}
	return OutcomeUpdated, nil
}

// Tombstone deactivates products a complete full run did not see.
func (f *ProductsFamily) Tombstone(ctx context.Context, db *gorm.DB, run *Run) (int64, error) {
	res := db.WithContext(ctx).Model(&models.Product{}).
		Where("is_active = ? AND sap_last_sync < ?", true, run.Snapshot).
		Updates(map[string]interface{}{"is_active": false})
	return res.RowsAffected, res.Error
}
