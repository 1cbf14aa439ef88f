/**
 * @description
 * This file contains the Escrow Ledger, the only component allowed to move an order's
 * settlement phase. Every transition is a compare-and-swap in the repository; the ledger
 * decides which transition to attempt, calls the payment gateway where money moves, and
 * emits chat messages and notifications once a transition has been persisted.
 *
 * Key features:
 * - Order creation with a platform fee snapshot.
 * - Checkout initiation and payment confirmation (client callback and webhook capture).
 * - Release, refund, dispute and deadline operations live in the sibling ledger_*.go files.
 *
 * @dependencies
 * - internal/domain, internal/store: Domain models and persistence.
 * - pkg/gateway: Payment gateway error vocabulary.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/editora/escrow-service/internal/config"
	"github.com/editora/escrow-service/internal/domain"
	"github.com/editora/escrow-service/internal/store"
	"github.com/editora/escrow-service/pkg/gateway"
	"github.com/google/uuid"
)

// LedgerConfig is the money-rule snapshot the ledger works with.
type LedgerConfig struct {
	Currency           string
	PlatformFeePercent float64
	MinOrderAmount     int64
	PaymentWindow      time.Duration
	GracePeriod        time.Duration
	RefundTable        domain.RefundPercentTable
	RefundMaxRetries   int
	DownloadTokenTTL   time.Duration
	ClaimStaleAfter    time.Duration
	GatewayTimeout     time.Duration
}

// DefaultLedgerConfig returns the marketplace defaults.
func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		Currency:           "INR",
		PlatformFeePercent: 10,
		MinOrderAmount:     100,
		PaymentWindow:      48 * time.Hour,
		GracePeriod:        24 * time.Hour,
		RefundTable:        domain.DefaultRefundPercentTable,
		RefundMaxRetries:   domain.DefaultRefundMaxRetries,
		DownloadTokenTTL:   24 * time.Hour,
		ClaimStaleAfter:    15 * time.Minute,
		GatewayTimeout:     15 * time.Second,
	}
}

// LedgerConfigFrom maps the service configuration onto the ledger's money rules.
func LedgerConfigFrom(cfg config.Config) LedgerConfig {
	return LedgerConfig{
		Currency:           cfg.Currency,
		PlatformFeePercent: cfg.PlatformFeePercent,
		MinOrderAmount:     cfg.MinOrderAmount,
		PaymentWindow:      cfg.PaymentWindow(),
		GracePeriod:        cfg.GracePeriod(),
		RefundTable: domain.RefundPercentTable{
			InProgress: cfg.RefundPercentInProgress,
			Submitted:  cfg.RefundPercentSubmitted,
		},
		RefundMaxRetries: cfg.RefundMaxRetries,
		DownloadTokenTTL: cfg.DownloadTokenTTL(),
		ClaimStaleAfter:  cfg.ClaimStaleAfter(),
		GatewayTimeout:   cfg.GatewayTimeout(),
	}
}

// Ledger owns the escrow and settlement lifecycle of orders.
type Ledger struct {
	repo     store.Repository
	gateway  Gateway
	notifier Notifier
	metrics  *SettlementMetrics
	cfg      LedgerConfig
	now      func() time.Time
}

// NewLedger creates a new Ledger.
func NewLedger(repo store.Repository, gw Gateway, notifier Notifier, cfg LedgerConfig) *Ledger {
	if cfg.RefundMaxRetries <= 0 {
		cfg.RefundMaxRetries = domain.DefaultRefundMaxRetries
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 15 * time.Second
	}
	if cfg.Currency == "" {
		cfg.Currency = "INR"
	}
	return &Ledger{
		repo:     repo,
		gateway:  gw,
		notifier: notifier,
		metrics:  Metrics(),
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ResolveInternalUserID converts a Clerk subject into the internal user id.
func (l *Ledger) ResolveInternalUserID(ctx context.Context, clerkUserID string) (uuid.UUID, error) {
	return l.repo.FindUserIDByClerkUserID(ctx, clerkUserID)
}

// GetOrder loads an order with its projections.
func (l *Ledger) GetOrder(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	return l.repo.GetOrderByID(ctx, orderID)
}

// ListPayments returns the settlement records of an order.
func (l *Ledger) ListPayments(ctx context.Context, orderID uuid.UUID) ([]domain.Payment, error) {
	return l.repo.ListPaymentsByOrder(ctx, orderID)
}

func (l *Ledger) gatewayReady() bool {
	return l.gateway != nil && l.gateway.Configured()
}

// explainRejected re-reads an order whose transition was rejected and reports whether
// it had already been settled or was merely moved by another writer.
func (l *Ledger) explainRejected(ctx context.Context, orderID uuid.UUID) error {
	o, err := l.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Phase.IsSettled() || o.Phase == domain.PhaseUnpaidCancelled || o.Status.IsTerminal() {
		return ErrAlreadySettled
	}
	return ErrStaleTransition
}

// CreateOrder opens an order for payment with the current platform fee snapshotted on it.
func (l *Ledger) CreateOrder(ctx context.Context, in domain.NewOrder) (*domain.Order, error) {
	if in.Amount < l.cfg.MinOrderAmount {
		return nil, fmt.Errorf("%w: minimum order amount is %d", ErrInvalidAmount, l.cfg.MinOrderAmount)
	}
	if in.ClientID == uuid.Nil || in.EditorID == uuid.Nil || in.ClientID == in.EditorID {
		return nil, fmt.Errorf("%w: client and editor must be distinct users", ErrInvalidOrder)
	}

	now := l.now()
	status := domain.StatusAwaitingPayment
	switch in.Type {
	case domain.OrderTypeGig:
		status = domain.StatusPendingPayment
	case domain.OrderTypeRequest, domain.OrderTypeBrief:
	default:
		return nil, fmt.Errorf("%w: unknown order type %q", ErrInvalidOrder, in.Type)
	}

	fees := domain.ComputeFees(in.Amount, l.cfg.PlatformFeePercent)
	expiresAt := now.Add(l.cfg.PaymentWindow)
	order := &domain.Order{
		ID:                    uuid.New(),
		OrderNumber:           domain.NewOrderNumber(now),
		Type:                  in.Type,
		ClientID:              in.ClientID,
		EditorID:              in.EditorID,
		Title:                 strings.TrimSpace(in.Title),
		Amount:                in.Amount,
		Currency:              l.cfg.Currency,
		PlatformFeePercentage: fees.Percentage,
		PlatformFee:           fees.PlatformFee,
		EditorEarning:         fees.EditorEarning,
		Status:                status,
		Phase:                 domain.PhaseAwaitingPayment,
		Deadline:              in.Deadline,
		PaymentExpiresAt:      &expiresAt,
	}
	if err := l.repo.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	order.Project()
	log.Printf("level=info component=ledger msg=\"order created\" order_id=%s order_number=%s type=%s amount=%d fee=%d", order.ID, order.OrderNumber, order.Type, order.Amount, order.PlatformFee)
	return order, nil
}

// InitiateResult carries what the client needs to open the gateway checkout.
type InitiateResult struct {
	Order          *domain.Order `json:"order"`
	GatewayOrderID string        `json:"gateway_order_id"`
	Amount         int64         `json:"amount"`
	Currency       string        `json:"currency"`
}

// Initiate creates the gateway checkout order and moves the order to payment processing.
func (l *Ledger) Initiate(ctx context.Context, orderID uuid.UUID, amount int64) (*InitiateResult, error) {
	if !l.gatewayReady() {
		return nil, ErrGatewayUnavailable
	}
	order, err := l.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status.IsTerminal() {
		return nil, ErrAlreadySettled
	}
	if amount < l.cfg.MinOrderAmount || amount != order.Amount {
		return nil, fmt.Errorf("%w: expected %d", ErrInvalidAmount, order.Amount)
	}
	if order.Phase != domain.PhaseAwaitingPayment && order.Phase != domain.PhasePaymentFailed {
		return nil, fmt.Errorf("%w: payment is already %s", ErrInvalidAmount, order.PaymentStatus)
	}

	started := time.Now()
	gwOrder, err := l.gateway.CreateOrder(ctx, order.Amount, order.Currency, order.OrderNumber, map[string]string{
		"order_id":     order.ID.String(),
		"order_number": order.OrderNumber,
	})
	l.metrics.ObserveGatewayCall("create_order", started, err)
	if err != nil {
		if errors.Is(err, gateway.ErrUnavailable) {
			return nil, ErrGatewayUnavailable
		}
		log.Printf("level=error component=ledger op=initiate msg=\"gateway create order failed\" order_id=%s err=%v", order.ID, err)
		return nil, fmt.Errorf("failed to create gateway order: %w", err)
	}

	updated, err := l.repo.MarkPaymentProcessing(ctx, order.ID, gwOrder.ID)
	if err != nil {
		l.metrics.ObserveTransition("initiate", "rejected")
		if errors.Is(err, store.ErrStaleTransition) {
			return nil, l.explainRejected(ctx, order.ID)
		}
		return nil, err
	}
	l.metrics.ObserveTransition("initiate", "ok")
	return &InitiateResult{
		Order:          updated,
		GatewayOrderID: gwOrder.ID,
		Amount:         updated.Amount,
		Currency:       updated.Currency,
	}, nil
}

// capturedWith reports whether the order has already been captured with paymentID.
func capturedWith(o *domain.Order, paymentID string) bool {
	if o.GatewayPaymentID == nil || *o.GatewayPaymentID != paymentID {
		return false
	}
	switch o.Phase {
	case domain.PhaseAwaitingPayment, domain.PhasePaymentProcessing, domain.PhasePaymentFailed, domain.PhaseUnpaidCancelled:
		return false
	}
	return true
}

// nextStatusAfterPayment returns the workflow status an order moves to once funded.
func nextStatusAfterPayment(status domain.OrderStatus) (domain.OrderStatus, bool) {
	switch status {
	case domain.StatusPendingPayment:
		return domain.StatusNew, true
	case domain.StatusAwaitingPayment:
		return domain.StatusAccepted, true
	}
	return "", false
}

// precheckCapture resolves the order for a capture attempt. A nil order with a nil error
// never happens; a non-nil order with done=true is an idempotent repeat.
func (l *Ledger) precheckCapture(ctx context.Context, gatewayOrderID, paymentID string) (order *domain.Order, done bool, err error) {
	order, err = l.repo.GetOrderByGatewayOrderID(ctx, gatewayOrderID)
	if err != nil {
		return nil, false, err
	}
	if capturedWith(order, paymentID) {
		return order, true, nil
	}
	if order.Phase != domain.PhasePaymentProcessing && order.Phase != domain.PhasePaymentFailed {
		return nil, false, ErrAlreadySettled
	}
	return order, false, nil
}

// Confirm verifies a checkout callback and moves the order into escrow. Repeating it with
// the same payment id returns the order without side effects.
func (l *Ledger) Confirm(ctx context.Context, gatewayOrderID, paymentID, signature string) (*domain.Order, error) {
	if !l.gatewayReady() {
		return nil, ErrGatewayUnavailable
	}
	order, done, err := l.precheckCapture(ctx, gatewayOrderID, paymentID)
	if err != nil || done {
		return order, err
	}

	verifyCtx, cancel := context.WithTimeout(ctx, l.cfg.GatewayTimeout)
	defer cancel()
	started := time.Now()
	verification, err := l.gateway.VerifyPayment(verifyCtx, gatewayOrderID, paymentID, signature)
	l.metrics.ObserveGatewayCall("verify_payment", started, err)
	if err != nil {
		if errors.Is(err, gateway.ErrUnavailable) {
			return nil, ErrGatewayUnavailable
		}
		// The order stays in payment_processing; a retry or the capture webhook completes it.
		log.Printf("level=warn component=ledger op=confirm msg=\"payment verification did not complete\" order_id=%s payment_id=%s timeout=%t err=%v", order.ID, paymentID, gateway.IsTimeout(err), err)
		return nil, fmt.Errorf("failed to verify payment: %w", err)
	}

	if !verification.Valid {
		l.metrics.ObserveTransition("confirm", "signature_invalid")
		failed, markErr := l.repo.MarkPaymentFailed(ctx, order.ID)
		if markErr != nil {
			log.Printf("level=warn component=ledger op=confirm msg=\"could not mark payment failed\" order_id=%s err=%v", order.ID, markErr)
		} else {
			l.notifier.Notify(ctx, domain.Notification{
				UserID:  failed.ClientID,
				OrderID: failed.ID,
				Kind:    domain.NotifyPaymentFailed,
				Title:   "Payment failed",
				Body:    fmt.Sprintf("We could not verify your payment for order %s. Please try again.", failed.OrderNumber),
			})
		}
		return nil, ErrSignatureInvalid
	}

	sig := signature
	return l.capture(ctx, order, paymentID, &sig, "confirm")
}

// CaptureFromWebhook applies a payment capture reported by a signed gateway webhook.
func (l *Ledger) CaptureFromWebhook(ctx context.Context, gatewayOrderID, paymentID string) (*domain.Order, error) {
	order, done, err := l.precheckCapture(ctx, gatewayOrderID, paymentID)
	if errors.Is(err, ErrAlreadySettled) && paymentID != "" {
		return nil, l.refundStrayCapture(ctx, gatewayOrderID, paymentID)
	}
	if err != nil || done {
		return order, err
	}
	return l.capture(ctx, order, paymentID, nil, "webhook_capture")
}

// refundStrayCapture returns a payment the gateway captured for an order that can no longer
// hold it, such as one already cancelled for non-payment. The payment id keys the refund so a
// redelivered webhook never refunds twice. Rejections are left for an operator; transient
// errors are returned so the gateway redelivers.
func (l *Ledger) refundStrayCapture(ctx context.Context, gatewayOrderID, paymentID string) error {
	order, err := l.repo.GetOrderByGatewayOrderID(ctx, gatewayOrderID)
	if err != nil {
		return err
	}
	l.metrics.ObserveTransition("stray_capture", "detected")
	log.Printf("level=error component=ledger op=webhook_capture msg=\"payment captured for an order that cannot hold it\" order_id=%s phase=%s status=%s payment_id=%s amount=%d", order.ID, order.Phase, order.Status, paymentID, order.Amount)
	if !l.gatewayReady() {
		return fmt.Errorf("%w: stray payment %s needs a manual refund", ErrAlreadySettled, paymentID)
	}

	refundCtx, cancel := context.WithTimeout(ctx, l.cfg.GatewayTimeout)
	defer cancel()
	started := time.Now()
	result, err := l.gateway.ProcessRefund(refundCtx, paymentID, order.Amount, order.Currency, "stray_"+paymentID, map[string]string{
		"order_id": order.ID.String(),
		"reason":   "stray_capture",
	})
	l.metrics.ObserveGatewayCall("process_refund", started, err)
	if err != nil {
		if errors.Is(err, gateway.ErrRejected) || errors.Is(err, gateway.ErrUnavailable) {
			l.metrics.ObserveTransition("stray_capture", "manual")
			log.Printf("level=error component=ledger op=webhook_capture msg=\"stray payment refund rejected; needs a manual refund\" order_id=%s payment_id=%s err=%v", order.ID, paymentID, err)
			return fmt.Errorf("%w: stray payment %s needs a manual refund", ErrAlreadySettled, paymentID)
		}
		return fmt.Errorf("failed to refund stray payment: %w", err)
	}

	l.metrics.ObserveTransition("stray_capture", "refunded")
	log.Printf("level=info component=ledger op=webhook_capture msg=\"stray payment refunded\" order_id=%s payment_id=%s gateway_refund_id=%s", order.ID, paymentID, result.RefundID)
	l.notifier.Notify(ctx, domain.Notification{
		UserID:  order.ClientID,
		OrderID: order.ID,
		Kind:    domain.NotifyRefundIssued,
		Title:   "Payment returned",
		Body:    fmt.Sprintf("A payment of %s %d arrived after order %s was closed and has been returned to your original payment method.", order.Currency, order.Amount, order.OrderNumber),
		Data:    map[string]string{"payment_id": paymentID, "gateway_refund_id": result.RefundID},
	})
	return nil
}

// FailFromWebhook records a failed payment attempt reported by the gateway.
func (l *Ledger) FailFromWebhook(ctx context.Context, gatewayOrderID string) (*domain.Order, error) {
	order, err := l.repo.GetOrderByGatewayOrderID(ctx, gatewayOrderID)
	if err != nil {
		return nil, err
	}
	failed, err := l.repo.MarkPaymentFailed(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	l.metrics.ObserveTransition("payment_failed", "ok")
	l.notifier.Notify(ctx, domain.Notification{
		UserID:  failed.ClientID,
		OrderID: failed.ID,
		Kind:    domain.NotifyPaymentFailed,
		Title:   "Payment failed",
		Body:    fmt.Sprintf("Your payment for order %s did not go through. You can retry before the payment window closes.", failed.OrderNumber),
	})
	return failed, nil
}

func (l *Ledger) capture(ctx context.Context, order *domain.Order, paymentID string, signature *string, op string) (*domain.Order, error) {
	next, ok := nextStatusAfterPayment(order.Status)
	if !ok {
		return nil, ErrAlreadySettled
	}

	held, err := l.repo.CapturePayment(ctx, store.CaptureParams{
		OrderID:          order.ID,
		GatewayPaymentID: paymentID,
		GatewaySignature: signature,
		ExpectedStatus:   order.Status,
		NextStatus:       next,
		HeldAt:           l.now(),
	})
	if err != nil {
		if !errors.Is(err, store.ErrStaleTransition) {
			return nil, err
		}
		// A concurrent confirm or webhook may have won with the same payment.
		current, getErr := l.repo.GetOrderByID(ctx, order.ID)
		if getErr != nil {
			return nil, getErr
		}
		if capturedWith(current, paymentID) {
			l.metrics.ObserveTransition(op, "duplicate")
			return current, nil
		}
		l.metrics.ObserveTransition(op, "rejected")
		if current.Phase != domain.PhasePaymentProcessing && current.Phase != domain.PhasePaymentFailed {
			return nil, ErrAlreadySettled
		}
		return nil, ErrStaleTransition
	}

	l.metrics.ObserveTransition(op, "ok")
	log.Printf("level=info component=ledger op=%s msg=\"payment captured into escrow\" order_id=%s payment_id=%s status=%s", op, held.ID, paymentID, held.Status)
	l.notifier.PostSystemMessage(ctx, domain.SystemMessage{
		OrderID: held.ID,
		Event:   "payment_received",
		Text:    fmt.Sprintf("Payment of %s %d received and held in escrow.", held.Currency, held.Amount),
	})
	l.notifier.Notify(ctx, domain.Notification{
		UserID:  held.EditorID,
		OrderID: held.ID,
		Kind:    domain.NotifyPaymentReceived,
		Title:   "New paid order",
		Body:    fmt.Sprintf("Order %s has been paid and is ready for you.", held.OrderNumber),
		Data:    map[string]string{"status": string(held.Status)},
	})
	return held, nil
}
