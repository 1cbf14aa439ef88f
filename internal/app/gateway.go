package app

import (
	"context"

	"github.com/editora/escrow-service/pkg/gateway"
)

// Gateway is the subset of the payment gateway client the ledger depends on.
// *gateway.Client satisfies it.
type Gateway interface {
	Configured() bool
	CreateOrder(ctx context.Context, amount int64, currency, receipt string, notes map[string]string) (*gateway.Order, error)
	VerifyPayment(ctx context.Context, gatewayOrderID, paymentID, signature string) (*gateway.Verification, error)
	ProcessRefund(ctx context.Context, paymentID string, amount int64, currency, idempotencyKey string, notes map[string]string) (*gateway.RefundResult, error)
	CreatePayout(ctx context.Context, fundAccountID string, amount int64, currency, reference, idempotencyKey string) (*gateway.PayoutResult, error)
	VerifyWebhookSignature(rawBody []byte, signatureHeader string) bool
}

var _ Gateway = (*gateway.Client)(nil)
