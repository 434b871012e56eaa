package erpsync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mmdatafocus/erpsync_backend/erp"
	"github.com/mmdatafocus/erpsync_backend/fxrate"
	"github.com/mmdatafocus/erpsync_backend/models"
	"github.com/mmdatafocus/erpsync_backend/reconcile"
	"github.com/mmdatafocus/erpsync_backend/resolver"
	"github.com/mmdatafocus/erpsync_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const entityOrder = "order"

const remoteStatusCancelled = "cancelled"

// OrderSubmitter posts locally created orders to the ERP.
type OrderSubmitter struct {
	client      *erp.Client
	resolver    *resolver.Resolver
	rates       *fxrate.Resolver
	db          *gorm.DB
	maxAttempts int
}

func NewOrderSubmitter(client *erp.Client, res *resolver.Resolver, rates *fxrate.Resolver, db *gorm.DB, maxAttempts int) *OrderSubmitter {
	return &OrderSubmitter{client: client, resolver: res, rates: rates, db: db, maxAttempts: maxAttempts}
}

// SubmitPending submits every pending order once. A failed order keeps its
// pending flag and is retried by later runs until maxAttempts is reached.
// Only session failures stop the loop.
func (s *OrderSubmitter) SubmitPending(ctx context.Context, run *Run) error {
	pending, err := models.ListOrdersPendingSubmission(ctx, s.db, s.maxAttempts)
	if err != nil {
		return fmt.Errorf("list pending orders: %w", err)
	}
	for _, order := range pending {
		doc, code, err := s.submit(ctx, order)
		if err != nil {
			s.recordFailure(ctx, run, order, code, err)
			if erp.IsSessionFailure(err) {
				return err
			}
			continue
		}
		order := order
		_ = run.Item(ctx, entityOrder, order.Reference, nil, func(tx *gorm.DB) (Outcome, error) {
			return OutcomeCreated, tx.Model(&models.Order{}).Where("id = ?", order.ID).Updates(map[string]interface{}{
				"card_code":        doc.CardCode,
				"remote_doc_entry": doc.DocEntry,
				"remote_doc_num":   doc.DocNum,
				"remote_status":    doc.DocumentStatus,
				"exchange_rate":    doc.rate,
				"sync_pending":     false,
				"sync_attempts":    0,
				"sync_error":       "",
				"sap_last_sync":    run.Snapshot,
			}).Error
		})
	}
	return nil
}

type submittedOrder struct {
	*erp.Document
	rate decimal.Decimal
}

func (s *OrderSubmitter) submit(ctx context.Context, order models.Order) (*submittedOrder, string, error) {
	client, err := models.GetClientProfile(ctx, s.db, order.ClientProfileId)
	if err != nil {
		return nil, CodeDBError, err
	}
	if client == nil {
		return nil, CodePartnerNotFound, fmt.Errorf("client profile %d not found", order.ClientProfileId)
	}
	match, err := s.resolver.Resolve(ctx, resolver.LocalRecord{
		StoredCode:   client.RemoteCode,
		TaxId:        client.TaxId,
		CrossRefCode: client.CrossRefCode,
	})
	if err != nil {
		return nil, CodeResolveFailed, err
	}
	if match == nil {
		return nil, CodePartnerNotFound, fmt.Errorf("no business partner for client %s", client.RemoteCode)
	}
	cardCode := match.Partner.CardCode

	// A previous attempt may have reached the ERP before its bookkeeping failed.
	existing, err := s.client.FindOrderByReference(ctx, cardCode, order.Reference)
	if err != nil {
		return nil, CodeSubmitFailed, err
	}
	if existing != nil {
		rate := existing.DocRate
		if !rate.IsPositive() {
			rate = decimal.NewFromInt(1)
		}
		return &submittedOrder{Document: existing, rate: rate}, "", nil
	}

	doc := erp.NewDocument{
		CardCode:   cardCode,
		NumAtCard:  order.Reference,
		DocDate:    erp.Date{Time: utils.DateOnly(order.OrderDate)},
		DocDueDate: erp.Date{Time: utils.DateOnly(utils.DereferencePtr(order.DueDate, order.OrderDate))},
		Comments:   order.Comments,
	}
	rate := decimal.NewFromInt(1)
	if order.Currency != "" && s.rates != nil {
		res, err := s.rates.Resolve(ctx, order.Currency, order.OrderDate)
		if err != nil {
			var unavailable *fxrate.RateUnavailableError
			if errors.As(err, &unavailable) {
				return nil, CodeRateUnavailable, err
			}
			return nil, CodeSubmitFailed, err
		}
		rate = res.Rate
		doc.DocCurrency = res.Currency
		doc.DocRate = &rate
	}
	for _, l := range order.Lines {
		doc.DocumentLines = append(doc.DocumentLines, erp.NewDocumentLine{
			ItemCode:  l.ItemCode,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice,
		})
	}
	created, err := s.client.CreateOrder(ctx, doc)
	if err != nil {
		return nil, CodeSubmitFailed, err
	}
	if created.CardCode == "" {
		created.CardCode = cardCode
	}
	return &submittedOrder{Document: created, rate: rate}, "", nil
}

func (s *OrderSubmitter) recordFailure(ctx context.Context, run *Run, order models.Order, code string, err error) {
	if dbErr := s.db.WithContext(ctx).Model(&models.Order{}).Where("id = ?", order.ID).Updates(map[string]interface{}{
		"sync_attempts": gorm.Expr("sync_attempts + ?", 1),
		"sync_error":    err.Error(),
	}).Error; dbErr != nil {
		run.logger.WithField("reference", order.Reference).Warnf("record submit failure: %v", dbErr)
	}
	run.Fail(ctx, &ItemProcessingError{
		EntityType: entityOrder,
		RemoteCode: order.Reference,
		Code:       code,
		Retryable:  code != CodePartnerNotFound && (code == CodeRateUnavailable || erp.IsRetryable(err)),
		Err:        err,
	})
}

// OrdersFamily submits pending local orders and then refreshes orders the
// ERP changed, including their delivery progress.
type OrdersFamily struct {
	client    *erp.Client
	submitter *OrderSubmitter
	engine    *reconcile.Engine
	db        *gorm.DB
}

func NewOrdersFamily(client *erp.Client, submitter *OrderSubmitter, engine *reconcile.Engine, db *gorm.DB) *OrdersFamily {
	return &OrdersFamily{client: client, submitter: submitter, engine: engine, db: db}
}

func (f *OrdersFamily) Name() string { return models.JobFamilyOrders }

func (f *OrdersFamily) Run(ctx context.Context, run *Run) error {
	if f.submitter != nil {
		if err := f.submitter.SubmitPending(ctx, run); err != nil {
			return err
		}
	}

	res, err := f.client.Fetcher().FetchAll(ctx, erp.OrdersResource, erp.ModifiedSince(run.Since), run.Settings.BatchSize, run.Settings.MaxBatches)
	if err != nil {
		return fmt.Errorf("fetch orders: %w", err)
	}
	run.HasMore = res.HasMore

	for _, batch := range res.Batches {
		for _, raw := range batch {
			doc, err := erp.Decode[erp.Document](raw)
			if err != nil {
				run.Fail(ctx, &ItemProcessingError{EntityType: entityOrder, Code: CodeInvalidPayload, Payload: raw, Err: err})
				continue
			}
			if doc.DocEntry <= 0 {
				run.Fail(ctx, &ItemProcessingError{EntityType: entityOrder, Code: CodeMissingId, Payload: raw, Err: fmt.Errorf("doc entry missing")})
				continue
			}
			_ = run.Item(ctx, entityOrder, strconv.Itoa(doc.DocEntry), raw, func(tx *gorm.DB) (Outcome, error) {
				return f.refresh(ctx, tx, run, doc)
			})
		}
	}
	return nil
}

func remoteStatus(doc erp.Document) string {
	if doc.Cancelled {
		return remoteStatusCancelled
	}
	return doc.DocumentStatus
}

func (f *OrdersFamily) refresh(ctx context.Context, tx *gorm.DB, run *Run, doc erp.Document) (Outcome, error) {
	order, err := models.GetOrderByRemoteDocEntry(ctx, tx, doc.DocEntry)
	if err != nil {
		return OutcomeSkipped, err
	}
	if order == nil && strings.TrimSpace(doc.NumAtCard) != "" {
		order, err = models.GetOrderByReference(ctx, tx, strings.TrimSpace(doc.NumAtCard))
		if err != nil {
			return OutcomeSkipped, err
		}
		if order != nil && order.RemoteDocEntry != nil && *order.RemoteDocEntry != doc.DocEntry {
			return OutcomeSkipped, &ItemProcessingError{
				Code: CodeDBError,
				Err:  fmt.Errorf("reference %s already belongs to doc entry %d", order.Reference, *order.RemoteDocEntry),
			}
		}
	}
	if order == nil {
		return f.create(ctx, tx, run, doc)
	}

	changes := map[string]interface{}{}
	if order.RemoteDocEntry == nil {
		changes["remote_doc_entry"] = doc.DocEntry
		changes["remote_doc_num"] = doc.DocNum
		changes["sync_pending"] = false
	}
	if status := remoteStatus(doc); order.RemoteStatus != status {
		changes["remote_status"] = status
	}
	if !order.DocTotal.Equal(doc.DocTotal) {
		changes["doc_total"] = doc.DocTotal
	}
	if bool(doc.Cancelled) && utils.DereferencePtr(order.IsActive, true) {
		changes["is_active"] = false
	}

	delivery := *order
	deliveryChanged, err := f.engine.ApplyDelivery(&delivery, doc.DocumentLines)
	if err != nil && !errors.Is(err, reconcile.ErrStatusRegression) {
		return OutcomeSkipped, err
	}
	if deliveryChanged {
		changes["delivery_status"] = delivery.DeliveryStatus
		changes["ordered_qty"] = delivery.OrderedQty
		changes["delivered_qty"] = delivery.DeliveredQty
	}

	linesChanged, err := syncOrderLines(tx, order, doc.DocumentLines)
	if err != nil {
		return OutcomeSkipped, err
	}
	if len(changes) == 0 {
		if err := touch(tx, &models.Order{}, order.ID, run); err != nil {
			return OutcomeSkipped, err
		}
		if linesChanged {
			return OutcomeUpdated, nil
		}
		return OutcomeSkipped, nil
	}
	changes["sap_last_sync"] = run.Snapshot
	if err := tx.Model(&models.Order{}).Where("id = ?", order.ID).Updates(changes).Error; err != nil {
		return OutcomeSkipped, err
	}
	return OutcomeUpdated, nil
}

// create adopts an order entered directly in the ERP. Orders of partners
// without a local client profile are left alone.
func (f *OrdersFamily) create(ctx context.Context, tx *gorm.DB, run *Run, doc erp.Document) (Outcome, error) {
	client, err := models.GetClientProfileByRemoteCode(ctx, tx, doc.CardCode)
	if err != nil {
		return OutcomeSkipped, err
	}
	if client == nil {
		return OutcomeSkipped, nil
	}
	reference := strings.TrimSpace(doc.NumAtCard)
	if reference == "" {
		reference = "ERP-" + strconv.Itoa(doc.DocEntry)
	}
	docEntry, docNum := doc.DocEntry, doc.DocNum
	order := models.Order{
		ClientProfileId: client.ID,
		CardCode:        doc.CardCode,
		Reference:       reference,
		OrderDate:       doc.DocDate.Time,
		DueDate:         doc.DocDueDate.Ptr(),
		Currency:        strings.ToUpper(doc.DocCurrency),
		ExchangeRate:    doc.DocRate,
		DocTotal:        doc.DocTotal,
		Comments:        doc.Comments,
		RemoteDocEntry:  &docEntry,
		RemoteDocNum:    &docNum,
		RemoteStatus:    remoteStatus(doc),
		DeliveryStatus:  models.DeliveryStatusNotDelivered,
		IsActive:        utils.NewTrue(),
	}
	if doc.Cancelled {
		order.IsActive = utils.NewFalse()
	}
	if _, err := f.engine.ApplyDelivery(&order, doc.DocumentLines); err != nil {
		return OutcomeSkipped, err
	}
	order.SapLastSync = snapshotPtr(run)
	for _, l := range doc.DocumentLines {
		order.Lines = append(order.Lines, models.OrderLine{
			LineNum:   l.LineNum,
			ItemCode:  l.ItemCode,
			Quantity:  l.Quantity,
			UnitPrice: l.Price,
		})
	}
	if err := tx.Create(&order).Error; err != nil {
		if isDuplicateKey(err) {
			return OutcomeSkipped, &ItemProcessingError{Code: CodeDBError, Retryable: true, Err: fmt.Errorf("created concurrently: %w", err)}
		}
		return OutcomeSkipped, err
	}
	return OutcomeCreated, nil
}

// syncOrderLines updates local lines in place by line number and adds new ones.
func syncOrderLines(tx *gorm.DB, order *models.Order, remote []erp.DocumentLine) (bool, error) {
	byNum := make(map[int]models.OrderLine, len(order.Lines))
	for _, l := range order.Lines {
		byNum[l.LineNum] = l
	}
	changed := false
	for _, r := range remote {
		local, ok := byNum[r.LineNum]
		if !ok {
			line := models.OrderLine{OrderId: order.ID, LineNum: r.LineNum, ItemCode: r.ItemCode, Quantity: r.Quantity, UnitPrice: r.Price}
			if err := tx.Create(&line).Error; err != nil {
				return false, err
			}
			changed = true
			continue
		}
		if local.ItemCode == r.ItemCode && local.Quantity.Equal(r.Quantity) && local.UnitPrice.Equal(r.Price) {
			continue
		}
		if err := tx.Model(&models.OrderLine{}).Where("id = ?", local.ID).Updates(map[string]interface{}{
			"item_code":  r.ItemCode,
			"quantity":   r.Quantity,
			"unit_price": r.Price,
		}).Error; err != nil {
			return false, err
		}
		changed = true
	}
	return changed, nil
}

// Tombstone deactivates submitted orders a complete full run did not see.
// Orders that never reached the ERP are not touched.
func (f *OrdersFamily) Tombstone(ctx context.Context, db *gorm.DB, run *Run) (int64, error) {
	res := db.WithContext(ctx).Model(&models.Order{}).
		Where("is_active = ? AND remote_doc_entry IS NOT NULL AND sap_last_sync < ?", true, run.Snapshot).
		Updates(map[string]interface{}{"is_active": false})
	return res.RowsAffected, res.Error
}

// OrderInvoicesFamily links submitted orders to their invoices.
type OrderInvoicesFamily struct {
	engine *reconcile.Engine
	db     *gorm.DB
}

func NewOrderInvoicesFamily(engine *reconcile.Engine, db *gorm.DB) *OrderInvoicesFamily {
	return &OrderInvoicesFamily{engine: engine, db: db}
}

func (f *OrderInvoicesFamily) Name() string { return models.JobFamilyOrderInvoices }

func (f *OrderInvoicesFamily) Run(ctx context.Context, run *Run) error {
	orders, err := models.ListOrdersAwaitingInvoice(ctx, f.db)
	if err != nil {
		return fmt.Errorf("list orders awaiting invoice: %w", err)
	}
	linked, err := models.ListLinkedInvoiceEntries(ctx, f.db)
	if err != nil {
		return fmt.Errorf("list linked invoices: %w", err)
	}
	excluded := make(map[int]bool, len(linked))
	for _, e := range linked {
		excluded[e] = true
	}

	for _, order := range orders {
		link, err := f.engine.FindInvoice(ctx, order, excluded)
		if err != nil {
			run.Fail(ctx, &ItemProcessingError{
				EntityType: entityOrder,
				RemoteCode: order.Reference,
				Code:       CodeFetchFailed,
				Retryable:  erp.IsRetryable(err),
				Err:        err,
			})
			if erp.IsSessionFailure(err) {
				return err
			}
			continue
		}
		if link == nil {
			run.Count(OutcomeSkipped)
			continue
		}
		orderId := order.ID
		err = run.Item(ctx, entityOrder, order.Reference, nil, func(tx *gorm.DB) (Outcome, error) {
			ok, err := models.LinkOrderInvoice(ctx, tx, orderId, link.Invoice.DocEntry, link.Invoice.DocNum, link.Strategy, link.Score, run.Snapshot)
			if err != nil {
				return OutcomeSkipped, &ItemProcessingError{Code: CodeLinkFailed, Retryable: true, Err: err}
			}
			if !ok {
				return OutcomeSkipped, nil
			}
			return OutcomeUpdated, nil
		})
		if err == nil {
			excluded[link.Invoice.DocEntry] = true
			run.logger.WithFields(logrus.Fields{
				"reference": order.Reference,
				"invoice":   link.Invoice.DocNum,
				"strategy":  link.Strategy,
				"score":     link.Score,
			}).Info("order linked to invoice")
		}
	}
	return nil
}
