package reconcile

import (
	"errors"
	"fmt"

	"github.com/mmdatafocus/erpsync_backend/erp"
	"github.com/mmdatafocus/erpsync_backend/models"
	"github.com/shopspring/decimal"
)

// ErrStatusRegression is returned when remote data would move a delivery
// status backwards. The caller logs it and keeps the stored status.
var ErrStatusRegression = errors.New("delivery status regression")

// Delivery is the delivery position of an order derived from its remote lines.
type Delivery struct {
	Status    models.DeliveryStatus
	Ordered   decimal.Decimal
	Remaining decimal.Decimal
	Delivered decimal.Decimal
}

// DeriveDelivery sums ordered and open quantities over all lines.
func DeriveDelivery(lines []erp.DocumentLine) Delivery {
	ordered := decimal.Zero
	remaining := decimal.Zero
	for _, l := range lines {
		ordered = ordered.Add(l.Quantity)
		remaining = remaining.Add(l.RemainingOpenQuantity)
	}
	return Delivery{
		Status:    DeliveryStatusFor(ordered, remaining),
		Ordered:   ordered,
		Remaining: remaining,
		Delivered: ordered.Sub(remaining),
	}
}

// DeliveryStatusFor maps quantities to a status: nothing open is Complete,
// something delivered is Partial, anything else is NotDelivered. An order
// without any quantity is NotDelivered.
func DeliveryStatusFor(ordered decimal.Decimal, remaining decimal.Decimal) models.DeliveryStatus {
	switch {
	case !ordered.IsPositive():
		return models.DeliveryStatusNotDelivered
	case remaining.IsZero():
		return models.DeliveryStatusComplete
	case remaining.IsPositive() && remaining.LessThan(ordered):
		return models.DeliveryStatusPartial
	default:
		return models.DeliveryStatusNotDelivered
	}
}

// AdvanceDeliveryStatus returns the status to store. Statuses only move
// forward; a backwards move returns the current status and ErrStatusRegression.
func AdvanceDeliveryStatus(current models.DeliveryStatus, next models.DeliveryStatus) (models.DeliveryStatus, error) {
	if !current.IsValid() {
		return next, nil
	}
	if next.Rank() < current.Rank() {
		return current, fmt.Errorf("%w: %s -> %s", ErrStatusRegression, current, next)
	}
	return next, nil
}
