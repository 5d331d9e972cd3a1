package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the approval state of a Request.
type Status string

// Request status constants.
const (
	StatusPendingCoordinator   Status = "PENDING_COORDINATOR"
	StatusPendingController    Status = "PENDING_CONTROLLER"
	StatusReturnedByController Status = "RETURNED_BY_CONTROLLER"
	StatusApproved             Status = "APPROVED"
	StatusRejected             Status = "REJECTED"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPendingCoordinator, StatusPendingController, StatusReturnedByController,
		StatusApproved, StatusRejected:
		return true
	}
	return false
}

// DefaultRecordStatus is sent to the ledger when no record status was approved.
const DefaultRecordStatus = "ATIVO"

// Request is a proposal to add a billable line item to a work order on the
// ledger system.
type Request struct {
	ID            int64 `json:"id"`
	WorkOrderID   int64 `json:"work_order_id"`
	PricingUnitID int64 `json:"pricing_unit_id"`
	RequesterID   int64 `json:"requester_id"`

	// Snapshots captured at submission and never refreshed.
	RequesterName string          `json:"requester_name"`
	UnitPrice     decimal.Decimal `json:"unit_price"`

	SegmentID *int64 `json:"segment_id,omitempty"`

	Quantity      int    `json:"quantity"`
	Justification string `json:"justification"`

	ApprovedPricingUnitID    *int64  `json:"approved_pricing_unit_id,omitempty"`
	ApprovedQuantity         *int    `json:"approved_quantity,omitempty"`
	ApprovedBOQ              *string `json:"approved_boq,omitempty"`
	ApprovedRecordStatus     *string `json:"approved_record_status,omitempty"`
	StagedEdits              string  `json:"staged_edits,omitempty"`
	CoordinatorJustification string  `json:"coordinator_justification,omitempty"`

	Status                  Status     `json:"status"`
	CreatedAt               time.Time  `json:"created_at"`
	CoordinatorID           *int64     `json:"coordinator_id,omitempty"`
	CoordinatorActedAt      *time.Time `json:"coordinator_acted_at,omitempty"`
	ControllerID            *int64     `json:"controller_id,omitempty"`
	ControllerActedAt       *time.Time `json:"controller_acted_at,omitempty"`
	RejectionReason         string     `json:"rejection_reason,omitempty"`
	ControllerJustification string     `json:"controller_justification,omitempty"`

	Version int `json:"version"`
}

// EffectivePricingUnitID returns the approved pricing unit, falling back to the
// originally requested one.
func (r Request) EffectivePricingUnitID() int64 {
	if r.ApprovedPricingUnitID != nil {
		return *r.ApprovedPricingUnitID
	}
	return r.PricingUnitID
}

// EffectiveQuantity returns the approved quantity, falling back to the
// originally requested one.
func (r Request) EffectiveQuantity() int {
	if r.ApprovedQuantity != nil {
		return *r.ApprovedQuantity
	}
	return r.Quantity
}

// EffectiveBOQ returns the approved bill-of-quantities text or "".
func (r Request) EffectiveBOQ() string {
	if r.ApprovedBOQ != nil {
		return *r.ApprovedBOQ
	}
	return ""
}

// EffectiveRecordStatus returns the approved record status or DefaultRecordStatus.
func (r Request) EffectiveRecordStatus() string {
	if r.ApprovedRecordStatus != nil && *r.ApprovedRecordStatus != "" {
		return *r.ApprovedRecordStatus
	}
	return DefaultRecordStatus
}

// TotalValue is the unit price snapshot times the effective quantity. It is
// derived on every read and never stored.
func (r Request) TotalValue() decimal.Decimal {
	return r.UnitPrice.Mul(decimal.NewFromInt(int64(r.EffectiveQuantity())))
}

// Request event names recorded in the audit trail.
const (
	EventCreated             = "created"
	EventCoordinatorApproved = "coordinator_approved"
	EventCoordinatorRejected = "coordinator_rejected"
	EventControllerApproved  = "controller_approved"
	EventControllerReturned  = "controller_returned"
	EventRejected            = "rejected"
	EventSegmentBackfilled   = "segment_backfilled"
)

// RequestEvent records a change in a request's audit trail.
type RequestEvent struct {
	ID         string    `json:"id"`
	RequestID  int64     `json:"request_id"`
	Event      string    `json:"event"`
	ActorID    int64     `json:"actor_id,omitempty"`
	FromStatus Status    `json:"from_status,omitempty"`
	ToStatus   Status    `json:"to_status,omitempty"`
	Comment    string    `json:"comment,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
