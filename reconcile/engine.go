package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/erpsync_backend/erp"
	"github.com/mmdatafocus/erpsync_backend/models"
	"github.com/mmdatafocus/erpsync_backend/utils"
	"github.com/sirupsen/logrus"
)

// InvoiceSource lists a partner's invoices in a date range.
type InvoiceSource interface {
	ListInvoices(ctx context.Context, cardCode string, from time.Time, to time.Time) ([]erp.Document, bool, error)
}

// Link is an accepted order-invoice correlation.
type Link struct {
	Invoice  InvoiceRef
	Strategy string
	Score    int
}

// Engine links local orders to remote invoices and applies delivery progress.
type Engine struct {
	invoices InvoiceSource
	scoring  Scoring
	logger   *logrus.Logger
}

func NewEngine(invoices InvoiceSource, scoring Scoring, logg *logrus.Logger) *Engine {
	return &Engine{invoices: invoices, scoring: scoring, logger: logg}
}

func (e *Engine) Scoring() Scoring { return e.scoring }

// FindInvoice looks for the invoice of a submitted order. An invoice line
// copied from the order is a direct link; otherwise the scoring heuristic
// decides. Invoices in excluded are already linked to other orders.
// The heuristic only runs over a complete listing. nil, nil means no
// decision this run.
func (e *Engine) FindInvoice(ctx context.Context, order models.Order, excluded map[int]bool) (*Link, error) {
	if order.RemoteDocEntry == nil {
		return nil, errors.New("order has not been submitted")
	}
	from := utils.DateOnly(order.OrderDate)
	to := from.AddDate(0, 0, e.scoring.WindowDays)
	docs, hasMore, err := e.invoices.ListInvoices(ctx, order.CardCode, from, to)
	if err != nil {
		return nil, fmt.Errorf("list invoices for %s: %w", order.CardCode, err)
	}

	ref := OrderRef{CardCode: order.CardCode, Total: order.DocTotal, Date: order.OrderDate}
	refs := make([]InvoiceRef, 0, len(docs))
	for _, d := range docs {
		inv := InvoiceRef{DocEntry: d.DocEntry, DocNum: d.DocNum, CardCode: d.CardCode, Total: d.DocTotal, Date: d.DocDate.Time}
		if d.ReferencesOrder(*order.RemoteDocEntry) && !excluded[d.DocEntry] {
			return &Link{Invoice: inv, Strategy: models.InvoiceMatchDirect, Score: e.scoring.Score(ref, inv)}, nil
		}
		refs = append(refs, inv)
	}
	if hasMore {
		e.logger.WithFields(logrus.Fields{
			"module":     "reconcile",
			"order_id":   order.ID,
			"card_code":  order.CardCode,
			"candidates": len(refs),
		}).Warn("invoice listing truncated, correlation skipped")
		return nil, nil
	}

	best := e.scoring.Correlate(ref, refs, excluded)
	if best == nil {
		e.logger.WithFields(logrus.Fields{
			"module":     "reconcile",
			"order_id":   order.ID,
			"card_code":  order.CardCode,
			"candidates": len(refs),
		}).Debug("no invoice correlation this run")
		return nil, nil
	}
	return &Link{Invoice: best.Invoice, Strategy: models.InvoiceMatchHeuristic, Score: best.Score}, nil
}

// ApplyDelivery derives the delivery position from remote lines and writes it
// onto order. It reports whether anything changed. A regression leaves order
// untouched and returns ErrStatusRegression.
func (e *Engine) ApplyDelivery(order *models.Order, lines []erp.DocumentLine) (bool, error) {
	d := DeriveDelivery(lines)
	status, err := AdvanceDeliveryStatus(order.DeliveryStatus, d.Status)
	if err != nil {
		e.logger.WithFields(logrus.Fields{
			"module":    "reconcile",
			"order_id":  order.ID,
			"stored":    order.DeliveryStatus,
			"remote":    d.Status,
			"remaining": d.Remaining.String(),
		}).Warn("ignoring delivery status regression")
		return false, err
	}
	changed := status != order.DeliveryStatus ||
		!d.Ordered.Equal(order.OrderedQty) ||
		!d.Delivered.Equal(order.DeliveredQty)
	order.DeliveryStatus = status
	order.OrderedQty = d.Ordered
	order.DeliveredQty = d.Delivered
	return changed, nil
}
