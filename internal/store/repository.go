/**
 * @description
 * This file defines the `Repository` interface, the contract for every persistence
 * operation the escrow ledger performs. Money-phase transitions are expressed as
 * compare-and-swap methods: each one names the phases it may start from and fails with
 * ErrStaleTransition when another writer has already moved the order.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For identifiers.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/editora/escrow-service/internal/domain"
	"github.com/google/uuid"
)

var (
	ErrOrderNotFound    = errors.New("order not found")
	ErrRefundNotFound   = errors.New("refund not found")
	ErrUserNotFound     = errors.New("user not found")
	ErrDeliveryNotFound = errors.New("delivery not found")
	// ErrStaleTransition means the order was not in any of the expected source phases.
	ErrStaleTransition = errors.New("order state changed concurrently")
	// ErrLiveRefundExists means the order already has a refund that is not terminal.
	ErrLiveRefundExists = errors.New("order already has a refund in flight")
)

// CaptureParams moves an order into escrow after a verified payment.
type CaptureParams struct {
	OrderID          uuid.UUID
	GatewayPaymentID string
	GatewaySignature *string
	ExpectedStatus   domain.OrderStatus
	NextStatus       domain.OrderStatus
	HeldAt           time.Time
}

// ClaimParams moves a funded order into a releasing or refunding claim.
type ClaimParams struct {
	OrderID uuid.UUID
	From    []domain.SettlementPhase
	To      domain.SettlementPhase
	// ExpectedStatus, when set, also guards the workflow status so that a percentage
	// computed from it cannot go stale.
	ExpectedStatus *domain.OrderStatus
	At             time.Time
}

// ReleaseSettlement finalizes a releasing claim.
type ReleaseSettlement struct {
	OrderID         uuid.UUID
	Deferred        bool
	GatewayPayoutID *string
	PayoutStatus    domain.PayoutStatus
	PayoutAmount    int64
	Payment         domain.Payment
	At              time.Time
}

// RefundSettlement finalizes a refunding claim.
type RefundSettlement struct {
	OrderID uuid.UUID
	Status  domain.OrderStatus
	Refund  domain.Refund
	Payment domain.Payment
	// EditorShare is credited to the editor's pending-payout balance when the refund is partial.
	EditorShare   int64
	EditorPayment *domain.Payment
	At            time.Time
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// User directory
	FindUserIDByClerkUserID(ctx context.Context, clerkUserID string) (uuid.UUID, error)
	GetPayoutEligibility(ctx context.Context, editorID uuid.UUID) (domain.PayoutEligibility, error)
	GetWalletBalance(ctx context.Context, userID uuid.UUID) (int64, error)
	GetPendingPayoutBalance(ctx context.Context, userID uuid.UUID) (int64, error)

	// Orders
	CreateOrder(ctx context.Context, order *domain.Order) error
	GetOrderByID(ctx context.Context, orderID uuid.UUID) (*domain.Order, error)
	GetOrderByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*domain.Order, error)

	// Payment capture transitions
	MarkPaymentProcessing(ctx context.Context, orderID uuid.UUID, gatewayOrderID string) (*domain.Order, error)
	CapturePayment(ctx context.Context, params CaptureParams) (*domain.Order, error)
	MarkPaymentFailed(ctx context.Context, orderID uuid.UUID) (*domain.Order, error)
	CancelUnpaidOrder(ctx context.Context, orderID uuid.UUID, reason string, at time.Time) (*domain.Order, error)

	// Workflow and deadline transitions on funded orders
	AdvanceWorkflowStatus(ctx context.Context, orderID uuid.UUID, from []domain.OrderStatus, to domain.OrderStatus) (*domain.Order, error)
	MarkOverdue(ctx context.Context, orderID uuid.UUID, at, graceEndsAt time.Time) (*domain.Order, error)
	ExtendDeadline(ctx context.Context, orderID uuid.UUID, deadline time.Time) (*domain.Order, error)
	MarkDisputed(ctx context.Context, orderID uuid.UUID) (*domain.Order, error)

	// Settlement claims
	ClaimSettlement(ctx context.Context, params ClaimParams) (*domain.Order, error)
	ReclaimStalledRelease(ctx context.Context, orderID uuid.UUID, staleBefore, at time.Time) (*domain.Order, error)
	FinalizeRelease(ctx context.Context, settlement ReleaseSettlement) (*domain.Order, error)

	// Refunds
	ClaimRefund(ctx context.Context, params ClaimParams, refund *domain.Refund) (*domain.Order, error)
	GetRefundByID(ctx context.Context, refundID uuid.UUID) (*domain.Refund, error)
	LeaseRefund(ctx context.Context, refundID uuid.UUID, now, leaseUntil time.Time) (*domain.Refund, error)
	RecordRefundFailure(ctx context.Context, refundID uuid.UUID, retryCount int, nextRetryAt time.Time, reason string) error
	AbandonRefund(ctx context.Context, refundID, orderID uuid.UUID, reason string) (*domain.Order, error)
	FinalizeRefund(ctx context.Context, settlement RefundSettlement) (*domain.Order, error)
	ConvertRefundToWallet(ctx context.Context, gatewayRefundID, reason string) (*domain.Refund, error)

	// Payouts
	MarkPayoutProcessed(ctx context.Context, gatewayPayoutID string) (*domain.Order, error)
	MarkPayoutFailed(ctx context.Context, gatewayPayoutID string) (*domain.Order, error)

	// Delivery gate
	RecordRating(ctx context.Context, rating domain.Rating) error
	HasRating(ctx context.Context, orderID uuid.UUID) (bool, error)
	UpsertDelivery(ctx context.Context, delivery domain.Delivery) error
	GetDelivery(ctx context.Context, orderID uuid.UUID) (*domain.Delivery, error)

	// Payments
	ListPaymentsByOrder(ctx context.Context, orderID uuid.UUID) ([]domain.Payment, error)

	// Webhooks
	RecordWebhookEvent(ctx context.Context, eventID, eventType string, payload []byte) (bool, error)
	ForgetWebhookEvent(ctx context.Context, eventID string) error

	// Settlement sweeps
	ListExpiredUnpaidOrders(ctx context.Context, now time.Time, limit int) ([]domain.Order, error)
	ListOverdueCandidates(ctx context.Context, now time.Time, limit int) ([]domain.Order, error)
	ListGraceExpiredOrders(ctx context.Context, now time.Time, limit int) ([]domain.Order, error)
	ListRetryableRefunds(ctx context.Context, now time.Time, limit int) ([]domain.Refund, error)
	ListStalledReleases(ctx context.Context, staleBefore time.Time, limit int) ([]domain.Order, error)
}
