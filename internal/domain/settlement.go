package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RefundStatus is the lifecycle state of a Refund attempt.
type RefundStatus string

const (
	RefundInitiated     RefundStatus = "initiated"
	RefundProcessing    RefundStatus = "processing"
	RefundCompleted     RefundStatus = "completed"
	RefundFailed        RefundStatus = "failed"
	RefundAddedToWallet RefundStatus = "added_to_wallet"
)

// DefaultRefundMaxRetries bounds how many transient gateway failures a refund absorbs.
const DefaultRefundMaxRetries = 5

// PaymentSnapshot is a denormalized copy of the original capture, carried on a Refund so
// that processing it never depends on the order row.
type PaymentSnapshot struct {
	GatewayOrderID   string     `json:"gateway_order_id" db:"original_gateway_order_id"`
	GatewayPaymentID string     `json:"gateway_payment_id" db:"original_gateway_payment_id"`
	Amount           int64      `json:"amount" db:"original_amount"`
	PaidAt           *time.Time `json:"paid_at,omitempty" db:"original_paid_at"`
}

// Refund is the audit record of returning escrowed money to a client.
type Refund struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	OrderID         uuid.UUID       `json:"order_id" db:"order_id"`
	OrderNumber     string          `json:"order_number" db:"order_number"`
	ClientID        uuid.UUID       `json:"client_id" db:"client_id"`
	Amount          int64           `json:"amount" db:"amount"`
	Percentage      int             `json:"percentage" db:"percentage"`
	Reason          string          `json:"reason" db:"reason"`
	ReasonDetails   *string         `json:"reason_details,omitempty" db:"reason_details"`
	InitiatedBy     string          `json:"initiated_by" db:"initiated_by"`
	Status          RefundStatus    `json:"status" db:"status"`
	GatewayRefundID *string         `json:"gateway_refund_id,omitempty" db:"gateway_refund_id"`
	FailureReason   *string         `json:"failure_reason,omitempty" db:"failure_reason"`
	RetryCount      int             `json:"retry_count" db:"retry_count"`
	MaxRetries      int             `json:"max_retries" db:"max_retries"`
	NextRetryAt     *time.Time      `json:"next_retry_at,omitempty" db:"next_retry_at"`
	OriginalPayment PaymentSnapshot `json:"original_payment"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// IsTerminal reports whether the refund will see no further attempts.
// A failed refund with a scheduled retry is still live.
func (r Refund) IsTerminal() bool {
	switch r.Status {
	case RefundCompleted, RefundAddedToWallet:
		return true
	case RefundFailed:
		return r.NextRetryAt == nil
	}
	return false
}

// RetryBackoff returns the delay before attempt n (1-based) of a failed refund.
func RetryBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * 5 * time.Minute
}

// PaymentType classifies a settlement Payment record.
type PaymentType string

const (
	PaymentTypeEscrowRelease PaymentType = "escrow_release"
	PaymentTypeRefund        PaymentType = "refund"
	PaymentTypeDisputeSplit  PaymentType = "dispute_split"
	// PaymentTypeCancellationShare records the part of a partly refunded order kept by the editor.
	PaymentTypeCancellationShare PaymentType = "cancellation_share"
)

// PaymentMethod records where settled money went.
type PaymentMethod string

const (
	MethodGateway       PaymentMethod = "gateway"
	MethodWallet        PaymentMethod = "wallet"
	MethodPendingPayout PaymentMethod = "pending_payout"
)

// Payment is an append-only settlement record kept for reporting.
type Payment struct {
	ID                 uuid.UUID     `json:"id" db:"id"`
	ReceiptID          string        `json:"receipt_id" db:"receipt_id"`
	OrderID            uuid.UUID     `json:"order_id" db:"order_id"`
	Type               PaymentType   `json:"type" db:"type"`
	PayerID            uuid.UUID     `json:"payer_id" db:"payer_id"`
	PayeeID            uuid.UUID     `json:"payee_id" db:"payee_id"`
	Amount             int64         `json:"amount" db:"amount"`
	PlatformFee        int64         `json:"platform_fee" db:"platform_fee"`
	NetAmount          int64         `json:"net_amount" db:"net_amount"`
	Method             PaymentMethod `json:"method" db:"method"`
	GatewayReferenceID *string       `json:"gateway_reference_id,omitempty" db:"gateway_reference_id"`
	Status             string        `json:"status" db:"status"`
	CreatedAt          time.Time     `json:"created_at" db:"created_at"`
}

// NewReceiptID builds a unique, human-readable receipt number.
func NewReceiptID(kind PaymentType, at time.Time) string {
	prefix := "RCP"
	switch kind {
	case PaymentTypeRefund:
		prefix = "RFD"
	case PaymentTypeDisputeSplit:
		prefix = "SPL"
	case PaymentTypeCancellationShare:
		prefix = "CNS"
	}
	token := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:10])
	return fmt.Sprintf("%s-%s-%s", prefix, at.UTC().Format("20060102"), token)
}

// NewOrderNumber builds the human-readable order number shown to both parties.
func NewOrderNumber(at time.Time) string {
	token := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return fmt.Sprintf("ORD-%s-%s", at.UTC().Format("20060102"), token)
}

// PayoutEligibility is the outcome of checking whether an editor can receive a payout now.
// It is either EligibleForPayout or IneligibleForPayout.
type PayoutEligibility interface {
	isPayoutEligibility()
}

// EligibleForPayout carries the verified fund account payouts should be sent to.
type EligibleForPayout struct {
	FundAccountID string
}

// IneligibleForPayout explains why a payout has to be deferred.
type IneligibleForPayout struct {
	Reason string
}

func (EligibleForPayout) isPayoutEligibility()   {}
func (IneligibleForPayout) isPayoutEligibility() {}
