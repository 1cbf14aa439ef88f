/**
 * @description
 * Money rules for escrow orders. All amounts here are whole major units (rupees); the
 * conversion to the gateway's minor unit happens in pkg/gateway and nowhere else.
 *
 * Percentages are applied with decimal arithmetic and rounded half away from zero, so
 * 1000 at 75% is exactly 750 and 1005 at 10% is 101.
 *
 * @dependencies
 * - github.com/shopspring/decimal: Exact percentage arithmetic.
 */

package domain

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// FeeSnapshot is the platform fee split captured when an order is created.
type FeeSnapshot struct {
	Percentage    float64 `json:"percentage"`
	PlatformFee   int64   `json:"platform_fee"`
	EditorEarning int64   `json:"editor_earning"`
}

// ComputeFees splits amount into the platform fee and the editor's earning.
// PlatformFee + EditorEarning always equals amount.
func ComputeFees(amount int64, percentage float64) FeeSnapshot {
	if percentage < 0 {
		percentage = 0
	}
	if percentage > 100 {
		percentage = 100
	}
	fee := ApplyPercent(amount, percentage)
	return FeeSnapshot{
		Percentage:    percentage,
		PlatformFee:   fee,
		EditorEarning: amount - fee,
	}
}

// ApplyPercent returns round(amount * pct / 100).
func ApplyPercent(amount int64, pct float64) int64 {
	return decimal.NewFromInt(amount).
		Mul(decimal.NewFromFloat(pct)).
		Div(hundred).
		Round(0).
		IntPart()
}

// RefundPercentTable maps the workflow stage at refund time to the share returned to the client.
type RefundPercentTable struct {
	InProgress int
	Submitted  int
}

// DefaultRefundPercentTable mirrors the marketplace's published cancellation policy.
var DefaultRefundPercentTable = RefundPercentTable{InProgress: 75, Submitted: 50}

// PercentFor returns the refundable percentage for an order currently in status.
func (t RefundPercentTable) PercentFor(status OrderStatus) int {
	switch status {
	case StatusPendingPayment, StatusNew, StatusAwaitingPayment, StatusAccepted, StatusRejected, StatusDisputed:
		return 100
	case StatusInProgress:
		return clampPercent(t.InProgress)
	case StatusSubmitted:
		return clampPercent(t.Submitted)
	}
	return 0
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// SplitShares divides a disputed order between the client and the editor. The client gets
// clientPercent of the amount; the remainder is paid to the editor net of the snapshotted fee.
func SplitShares(order Order, clientPercent int) (clientShare, editorShare, platformFee int64) {
	clientShare = ApplyPercent(order.Amount, float64(clampPercent(clientPercent)))
	remainder := order.Amount - clientShare
	platformFee = ApplyPercent(remainder, order.PlatformFeePercentage)
	editorShare = remainder - platformFee
	return clientShare, editorShare, platformFee
}
