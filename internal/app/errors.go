package app

import (
	"errors"

	"github.com/editora/escrow-service/internal/store"
)

// Ledger errors. Callers match them with errors.Is; the store sentinels are re-exported so
// the API layer only needs this package.
var (
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidOrder         = errors.New("invalid order")
	ErrGatewayUnavailable   = errors.New("payment gateway unavailable")
	ErrSignatureInvalid     = errors.New("payment signature invalid")
	ErrAlreadySettled       = errors.New("order already settled")
	ErrPayoutIneligible     = errors.New("editor is not eligible for payout")
	ErrRefundGatewayFailure = errors.New("refund rejected by payment gateway")
	ErrForbidden            = errors.New("caller may not act on this order")
	ErrDeliveryTokenInvalid = errors.New("download token invalid or expired")
	ErrRatingRequired       = errors.New("order must be rated before release")
	ErrConfirmTextMismatch  = errors.New("confirmation text must be CONFIRM")
	ErrDeadlineExtension    = errors.New("deadline extension not allowed")
	ErrInvalidResolution    = errors.New("invalid dispute resolution")

	ErrOrderNotFound    = store.ErrOrderNotFound
	ErrRefundNotFound   = store.ErrRefundNotFound
	ErrStaleTransition  = store.ErrStaleTransition
	ErrRefundInProgress = store.ErrLiveRefundExists
)

// ErrDeadlineExtensionLimit is returned once an order has used all of its extensions.
var ErrDeadlineExtensionLimit = errors.New("deadline extension limit reached")
