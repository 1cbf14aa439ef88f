package domain

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys for order workflow events produced by the marketplace services.
const (
	EventOrderAccepted   = "order.accepted"
	EventOrderStarted    = "order.started"
	EventOrderSubmitted  = "order.submitted"
	EventOrderRejected   = "order.rejected"
	EventRatingSubmitted = "rating.submitted"
)

// WorkflowEvent is the payload consumed from the marketplace events exchange.
type WorkflowEvent struct {
	Type       string     `json:"type"`
	OrderID    uuid.UUID  `json:"order_id"`
	ActorID    uuid.UUID  `json:"actor_id"`
	Score      int        `json:"score,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	OccurredAt *time.Time `json:"occurred_at,omitempty"`
}

// NotificationKind names the user-facing notification templates.
type NotificationKind string

const (
	NotifyPaymentReceived  NotificationKind = "payment_received"
	NotifyPaymentFailed    NotificationKind = "payment_failed"
	NotifyOrderCancelled   NotificationKind = "order_cancelled"
	NotifyOrderOverdue     NotificationKind = "order_overdue"
	NotifyDeliveryReady    NotificationKind = "delivery_ready"
	NotifyFundsReleased    NotificationKind = "funds_released"
	NotifyPayoutDeferred   NotificationKind = "payout_deferred"
	NotifyRefundIssued     NotificationKind = "refund_issued"
	NotifyDisputeOpened    NotificationKind = "dispute_opened"
	NotifyDisputeResolved  NotificationKind = "dispute_resolved"
	NotifyDeadlineExtended NotificationKind = "deadline_extended"
)

// Notification is an alert for one party of an order.
type Notification struct {
	UserID    uuid.UUID         `json:"user_id"`
	OrderID   uuid.UUID         `json:"order_id"`
	Kind      NotificationKind  `json:"kind"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// SystemMessage is posted into the order chat on every money transition.
type SystemMessage struct {
	OrderID   uuid.UUID `json:"order_id"`
	Text      string    `json:"text"`
	Event     string    `json:"event"`
	CreatedAt time.Time `json:"created_at"`
}
