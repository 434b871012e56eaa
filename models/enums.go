package models

import "fmt"

type DeliveryStatus string

const (
	DeliveryStatusNotDelivered DeliveryStatus = "NotDelivered"
	DeliveryStatusPartial      DeliveryStatus = "Partial"
	DeliveryStatusComplete     DeliveryStatus = "Complete"
)

// Rank orders delivery statuses; status only ever moves to a higher rank.
func (s DeliveryStatus) Rank() int {
	switch s {
	case DeliveryStatusPartial:
		return 1
	case DeliveryStatusComplete:
		return 2
	default:
		return 0
	}
}

func (s DeliveryStatus) IsValid() bool {
	switch s {
	case DeliveryStatusNotDelivered, DeliveryStatusPartial, DeliveryStatusComplete:
		return true
	}
	return false
}

type JobKind string

const (
	JobKindFull        JobKind = "full"
	JobKindIncremental JobKind = "incremental"
)

func ParseJobKind(s string) (JobKind, error) {
	switch JobKind(s) {
	case JobKindFull, JobKindIncremental:
		return JobKind(s), nil
	}
	return "", fmt.Errorf("unknown job kind %q", s)
}

type JobState string

const (
	JobStateIdle      JobState = "idle"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
)

const (
	SyncRunStatusRunning = "running"
	SyncRunStatusSuccess = "success"
	SyncRunStatusFailed  = "failed"
	SyncRunStatusPartial = "partial"
	SyncRunStatusSkipped = "skipped"
)

const (
	SyncTriggeredManual   = "manual"
	SyncTriggeredSchedule = "schedule"
	SyncTriggeredChained  = "chained"
	SyncTriggeredCommand  = "command"
)

// Job families. Client group variants are named ClientGroupFamily(code).
const (
	JobFamilyProducts      = "products"
	JobFamilyClients       = "clients"
	JobFamilyOrders        = "orders"
	JobFamilyOrderInvoices = "order-invoices"
)

func ClientGroupFamily(groupCode string) string {
	return JobFamilyClients + "-group-" + groupCode
}

// Invoice link strategies recorded on orders.
const (
	InvoiceMatchDirect    = "direct"
	InvoiceMatchHeuristic = "heuristic"
)

// Branch address types as the ERP reports them.
const (
	AddressTypeShipTo = "bo_ShipTo"
	AddressTypeBillTo = "bo_BillTo"
)
