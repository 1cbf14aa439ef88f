/**
 * @description
 * This file defines the Order aggregate as seen by the escrow service. The money-handling
 * sub-state of an order is tracked by a single SettlementPhase; the legacy status fields
 * (payment status, escrow status, overdue and chat flags) are projections of that phase
 * and are recomputed by Project before an order leaves the service.
 *
 * @dependencies
 * - time: Standard Go library.
 * - github.com/google/uuid: For order, client and editor identifiers.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// OrderType distinguishes how an order was created on the marketplace.
type OrderType string

const (
	OrderTypeGig     OrderType = "gig"
	OrderTypeRequest OrderType = "request"
	OrderTypeBrief   OrderType = "brief"
)

// OrderStatus is the workflow status of an order.
type OrderStatus string

const (
	StatusPendingPayment  OrderStatus = "pending_payment"
	StatusNew             OrderStatus = "new"
	StatusAwaitingPayment OrderStatus = "awaiting_payment"
	StatusAccepted        OrderStatus = "accepted"
	StatusInProgress      OrderStatus = "in_progress"
	StatusSubmitted       OrderStatus = "submitted"
	StatusCompleted       OrderStatus = "completed"
	StatusRejected        OrderStatus = "rejected"
	StatusCancelled       OrderStatus = "cancelled"
	StatusDisputed        OrderStatus = "disputed"
	StatusExpired         OrderStatus = "expired"
)

// IsTerminal reports whether no further payment transition may follow this status.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// PaymentStatus is the legacy payment status projection.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentEscrow     PaymentStatus = "escrow"
	PaymentReleased   PaymentStatus = "released"
	PaymentRefunded   PaymentStatus = "refunded"
	PaymentFailed     PaymentStatus = "failed"
)

// EscrowStatus is the legacy escrow status projection.
type EscrowStatus string

const (
	EscrowNone     EscrowStatus = "none"
	EscrowHeld     EscrowStatus = "held"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
	EscrowDisputed EscrowStatus = "disputed"
)

// PayoutStatus tracks the editor payout after funds leave escrow.
type PayoutStatus string

const (
	PayoutNone       PayoutStatus = ""
	PayoutPending    PayoutStatus = "pending"
	PayoutProcessing PayoutStatus = "processing"
	PayoutProcessed  PayoutStatus = "processed"
	PayoutFailed     PayoutStatus = "failed"
)

// SettlementPhase is the single source of truth for the money state of an order.
type SettlementPhase string

const (
	PhaseAwaitingPayment   SettlementPhase = "awaiting_payment"
	PhasePaymentProcessing SettlementPhase = "payment_processing"
	PhasePaymentFailed     SettlementPhase = "payment_failed"
	PhaseUnpaidCancelled   SettlementPhase = "unpaid_cancelled"
	PhaseHeld              SettlementPhase = "held"
	PhaseOverdue           SettlementPhase = "overdue"
	PhaseDisputed          SettlementPhase = "disputed"
	PhaseReleasing         SettlementPhase = "releasing"
	PhaseRefunding         SettlementPhase = "refunding"
	PhasePayoutDeferred    SettlementPhase = "payout_deferred"
	PhaseReleased          SettlementPhase = "released"
	PhaseRefunded          SettlementPhase = "refunded"
)

// HoldsFunds reports whether captured money is still sitting in escrow.
func (p SettlementPhase) HoldsFunds() bool {
	switch p {
	case PhaseHeld, PhaseOverdue, PhaseDisputed, PhaseReleasing, PhaseRefunding:
		return true
	}
	return false
}

// IsSettled reports whether the escrow has reached a final disposition.
func (p SettlementPhase) IsSettled() bool {
	switch p {
	case PhaseReleased, PhasePayoutDeferred, PhaseRefunded:
		return true
	}
	return false
}

// Settleable lists the phases from which a release or refund may be claimed.
var Settleable = []SettlementPhase{PhaseHeld, PhaseOverdue, PhaseDisputed}

// RefundReasonOverdue is recorded when the grace window lapses without delivery.
const RefundReasonOverdue = "overdue"

const (
	ChatDisabledOverdue  = "overdue"
	ChatDisabledRefunded = "refunded"
)

// MaxDeadlineExtensions caps how many times a deadline can be pushed back.
const MaxDeadlineExtensions = 3

// Order represents the escrow-relevant view of a marketplace order.
type Order struct {
	ID                    uuid.UUID        `json:"id" db:"id"`
	OrderNumber           string           `json:"order_number" db:"order_number"`
	Type                  OrderType        `json:"type" db:"type"`
	ClientID              uuid.UUID        `json:"client_id" db:"client_id"`
	EditorID              uuid.UUID        `json:"editor_id" db:"editor_id"`
	Title                 string           `json:"title" db:"title"`
	Amount                int64            `json:"amount" db:"amount"`
	Currency              string           `json:"currency" db:"currency"`
	PlatformFeePercentage float64          `json:"platform_fee_percentage" db:"platform_fee_percentage"`
	PlatformFee           int64            `json:"platform_fee" db:"platform_fee"`
	EditorEarning         int64            `json:"editor_earning" db:"editor_earning"`
	Status                OrderStatus      `json:"status" db:"status"`
	Phase                 SettlementPhase  `json:"settlement_phase" db:"settlement_phase"`
	PreviousPhase         *SettlementPhase `json:"-" db:"previous_phase"`
	ClaimedAt             *time.Time       `json:"-" db:"claimed_at"`

	PaymentStatus PaymentStatus `json:"payment_status" db:"payment_status"`
	EscrowStatus  EscrowStatus  `json:"escrow_status" db:"escrow_status"`

	GatewayOrderID   *string `json:"gateway_order_id,omitempty" db:"gateway_order_id"`
	GatewayPaymentID *string `json:"gateway_payment_id,omitempty" db:"gateway_payment_id"`
	GatewaySignature *string `json:"-" db:"gateway_signature"`
	GatewayPayoutID  *string `json:"gateway_payout_id,omitempty" db:"gateway_payout_id"`

	Deadline               *time.Time `json:"deadline,omitempty" db:"deadline"`
	PaymentExpiresAt       *time.Time `json:"payment_expires_at,omitempty" db:"payment_expires_at"`
	EscrowHeldAt           *time.Time `json:"escrow_held_at,omitempty" db:"escrow_held_at"`
	EscrowReleasedAt       *time.Time `json:"escrow_released_at,omitempty" db:"escrow_released_at"`
	CompletedAt            *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	OverdueAt              *time.Time `json:"overdue_at,omitempty" db:"overdue_at"`
	GraceEndsAt            *time.Time `json:"grace_ends_at,omitempty" db:"grace_ends_at"`
	DeadlineExtensionCount int        `json:"deadline_extension_count" db:"deadline_extension_count"`

	IsOverdue          bool    `json:"is_overdue" db:"is_overdue"`
	OverdueRefunded    bool    `json:"overdue_refunded" db:"overdue_refunded"`
	ChatDisabled       bool    `json:"chat_disabled" db:"chat_disabled"`
	ChatDisabledReason *string `json:"chat_disabled_reason,omitempty" db:"chat_disabled_reason"`

	CancellationReason *string    `json:"cancellation_reason,omitempty" db:"cancellation_reason"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty" db:"cancelled_at"`

	RefundID     *uuid.UUID `json:"refund_id,omitempty" db:"refund_id"`
	RefundAmount *int64     `json:"refund_amount,omitempty" db:"refund_amount"`
	RefundedAt   *time.Time `json:"refunded_at,omitempty" db:"refunded_at"`
	RefundReason *string    `json:"refund_reason,omitempty" db:"refund_reason"`

	PayoutStatus PayoutStatus `json:"payout_status,omitempty" db:"payout_status"`
	PayoutAmount *int64       `json:"payout_amount,omitempty" db:"payout_amount"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Project recomputes the legacy status fields from the settlement phase.
func (o *Order) Project() {
	o.PaymentStatus, o.EscrowStatus = projectStatuses(o.Phase, o.PreviousPhase)

	fromOverdue := o.PreviousPhase != nil && *o.PreviousPhase == PhaseOverdue &&
		(o.Phase == PhaseRefunding || o.Phase == PhaseReleasing)
	o.OverdueRefunded = o.Phase == PhaseRefunded && o.RefundReason != nil && *o.RefundReason == RefundReasonOverdue
	o.IsOverdue = o.Phase == PhaseOverdue || fromOverdue || o.OverdueRefunded
	o.ChatDisabled = o.IsOverdue

	switch {
	case o.OverdueRefunded:
		reason := ChatDisabledRefunded
		o.ChatDisabledReason = &reason
	case o.IsOverdue:
		reason := ChatDisabledOverdue
		o.ChatDisabledReason = &reason
	default:
		o.ChatDisabledReason = nil
	}
}

func projectStatuses(phase SettlementPhase, previous *SettlementPhase) (PaymentStatus, EscrowStatus) {
	switch phase {
	case PhaseAwaitingPayment:
		return PaymentPending, EscrowNone
	case PhasePaymentProcessing:
		return PaymentProcessing, EscrowNone
	case PhasePaymentFailed:
		return PaymentFailed, EscrowNone
	case PhaseUnpaidCancelled:
		if previous != nil && *previous == PhasePaymentFailed {
			return PaymentFailed, EscrowNone
		}
		return PaymentPending, EscrowNone
	case PhaseHeld, PhaseOverdue, PhaseReleasing, PhaseRefunding:
		return PaymentEscrow, EscrowHeld
	case PhaseDisputed:
		return PaymentEscrow, EscrowDisputed
	case PhaseReleased, PhasePayoutDeferred:
		return PaymentReleased, EscrowReleased
	case PhaseRefunded:
		return PaymentRefunded, EscrowRefunded
	}
	return PaymentPending, EscrowNone
}

// NewOrder carries the inputs needed to open an order for payment.
type NewOrder struct {
	Type     OrderType  `json:"type"`
	ClientID uuid.UUID  `json:"client_id"`
	EditorID uuid.UUID  `json:"editor_id"`
	Title    string     `json:"title"`
	Amount   int64      `json:"amount"`
	Deadline *time.Time `json:"deadline,omitempty"`
}

// Rating is the client's review of a delivered order. Its existence gates release.
type Rating struct {
	OrderID   uuid.UUID `json:"order_id" db:"order_id"`
	ClientID  uuid.UUID `json:"client_id" db:"client_id"`
	Score     int       `json:"score" db:"score"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Delivery holds the per-delivery download token the client must present to release funds.
type Delivery struct {
	OrderID   uuid.UUID `db:"order_id"`
	TokenHash string    `db:"token_hash"`
	ExpiresAt time.Time `db:"expires_at"`
	IssuedAt  time.Time `db:"issued_at"`
}
