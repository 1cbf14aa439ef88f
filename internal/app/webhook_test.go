package app

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/editora/escrow-service/internal/domain"
	"github.com/editora/escrow-service/pkg/gateway"
)

func captureEvent(eventID, gatewayOrderID, paymentID string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"event":"payment.captured","payload":{"payment":{"entity":{"id":%q,"order_id":%q,"status":"captured"}}}}`, eventID, paymentID, gatewayOrderID))
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	processor := NewWebhookProcessor(f.ledger, f.repo, f.gw)
	res := f.initiatedOrder(t)

	err := processor.Process(context.Background(), captureEvent("evt_1", res.GatewayOrderID, "pay_1"), "forged", "")
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
	if err := processor.Process(context.Background(), captureEvent("evt_1", res.GatewayOrderID, "pay_1"), "", ""); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid for a missing signature, got %v", err)
	}
	if got := f.order(t, res.Order.ID).Phase; got != domain.PhasePaymentProcessing {
		t.Fatalf("expected the order to be untouched, got %s", got)
	}
}

func TestWebhookDuplicateEventProcessedOnce(t *testing.T) {
	f := newFixture(t)
	processor := NewWebhookProcessor(f.ledger, f.repo, f.gw)
	res := f.initiatedOrder(t)
	body := captureEvent("evt_capture", res.GatewayOrderID, "pay_1")

	for i := 0; i < 3; i++ {
		if err := processor.Process(context.Background(), body, "valid", ""); err != nil {
			t.Fatalf("delivery %d returned error: %v", i, err)
		}
	}
	if got := f.notes.count(domain.NotifyPaymentReceived); got != 1 {
		t.Fatalf("expected one capture, got %d", got)
	}
	if got := f.order(t, res.Order.ID).Phase; got != domain.PhaseHeld {
		t.Fatalf("expected held, got %s", got)
	}

	// The same capture under a new event id is absorbed by the ledger.
	if err := processor.Process(context.Background(), captureEvent("evt_capture_2", res.GatewayOrderID, "pay_1"), "valid", ""); err != nil {
		t.Fatalf("redelivered capture returned error: %v", err)
	}
	if got := f.notes.count(domain.NotifyPaymentReceived); got != 1 {
		t.Fatalf("expected still one capture, got %d", got)
	}
}

func TestWebhookCaptureAfterCancellationIsRefunded(t *testing.T) {
	f := newFixture(t)
	processor := NewWebhookProcessor(f.ledger, f.repo, f.gw)
	res := f.initiatedOrder(t)
	cancelled := f.order(t, res.Order.ID)
	cancelled.Phase = domain.PhaseUnpaidCancelled
	cancelled.Status = domain.StatusCancelled
	f.repo.PutOrder(*cancelled)

	// A transient gateway error is returned so the gateway redelivers.
	f.gw.refundErr = errors.New("i/o timeout")
	if err := processor.Process(context.Background(), captureEvent("evt_late", res.GatewayOrderID, "pay_late"), "valid", ""); err == nil {
		t.Fatalf("expected a transient refund failure to be retried")
	}

	f.gw.refundErr = nil
	if err := processor.Process(context.Background(), captureEvent("evt_late", res.GatewayOrderID, "pay_late"), "valid", ""); err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	f.gw.mu.Lock()
	keys := append([]string(nil), f.gw.refundKeys...)
	f.gw.mu.Unlock()
	if len(keys) != 2 || keys[0] != "stray_pay_late" || keys[1] != keys[0] {
		t.Fatalf("expected both attempts keyed by the payment id, got %v", keys)
	}
	order := f.order(t, res.Order.ID)
	if order.Phase != domain.PhaseUnpaidCancelled || order.GatewayPaymentID != nil {
		t.Fatalf("expected the cancelled order to stay unfunded, got %s", order.Phase)
	}
	note := f.notes.last(domain.NotifyRefundIssued)
	if note == nil || note.UserID != f.clientID || note.Data["payment_id"] != "pay_late" {
		t.Fatalf("expected the client to be told the payment was returned")
	}
}

func TestWebhookRejectedStrayRefundIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	processor := NewWebhookProcessor(f.ledger, f.repo, f.gw)
	order := f.heldOrder(t, domain.StatusInProgress, 1000)
	f.gw.refundErr = &gateway.APIError{StatusCode: 400, Code: "BAD_REQUEST_ERROR", Description: "payment not refundable"}

	if err := processor.Process(context.Background(), captureEvent("evt_second", *order.GatewayOrderID, "pay_second"), "valid", ""); err != nil {
		t.Fatalf("expected a rejected stray refund to be acknowledged, got %v", err)
	}
	if refunds, _ := f.gw.calls(); refunds != 1 {
		t.Fatalf("expected one refund attempt, got %d", refunds)
	}
	held := f.order(t, order.ID)
	if held.Phase != domain.PhaseHeld || *held.GatewayPaymentID != *order.GatewayPaymentID {
		t.Fatalf("expected the funded order to be untouched")
	}
	if f.notes.count(domain.NotifyRefundIssued) != 0 {
		t.Fatalf("expected no refund notification")
	}
}

func TestWebhookUnknownOrderIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	processor := NewWebhookProcessor(f.ledger, f.repo, f.gw)

	if err := processor.Process(context.Background(), captureEvent("evt_x", "order_gw_missing", "pay_x"), "valid", ""); err != nil {
		t.Fatalf("expected an unknown order to be acknowledged, got %v", err)
	}
}

func TestWebhookPayoutFailedMovesToPending(t *testing.T) {
	f := newFixture(t)
	f.makeEditorEligible()
	processor := NewWebhookProcessor(f.ledger, f.repo, f.gw)
	order := f.heldOrder(t, domain.StatusSubmitted, 1000)

	released, err := f.ledger.Release(context.Background(), order.ID, TriggerClientConfirmation)
	if err != nil {
		t.Fatalf("Release returned error: %v", err)
	}
	body := []byte(fmt.Sprintf(`{"event":"payout.failed","payload":{"payout":{"entity":{"id":%q,"status":"failed","failure_reason":"beneficiary bank offline"}}}}`, *released.GatewayPayoutID))
	if err := processor.Process(context.Background(), body, "valid", "evt_payout_failed"); err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	if got := f.pendingPayout(t, f.editorID); got != 900 {
		t.Fatalf("expected pending payout of 900, got %d", got)
	}

	if err := processor.Process(context.Background(), body, "valid", "evt_payout_failed"); err != nil {
		t.Fatalf("duplicate Process returned error: %v", err)
	}
	if got := f.pendingPayout(t, f.editorID); got != 900 {
		t.Fatalf("expected the pending payout to be credited once, got %d", got)
	}
}

func TestWebhookRefundFailedCreditsWallet(t *testing.T) {
	f := newFixture(t)
	processor := NewWebhookProcessor(f.ledger, f.repo, f.gw)
	order := f.heldOrder(t, domain.StatusAccepted, 1000)

	outcome, err := f.ledger.Refund(context.Background(), order.ID, RefundRequest{Reason: "client_cancelled"})
	if err != nil {
		t.Fatalf("Refund returned error: %v", err)
	}
	body := []byte(fmt.Sprintf(`{"id":"evt_rf","event":"refund.failed","payload":{"refund":{"entity":{"id":%q,"status":"failed"}}}}`, *outcome.Refund.GatewayRefundID))
	if err := processor.Process(context.Background(), body, "valid", ""); err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	if got := f.wallet(t, f.clientID); got != 1000 {
		t.Fatalf("expected wallet balance 1000, got %d", got)
	}
	refunds := f.repo.Refunds(order.ID)
	if len(refunds) != 1 || refunds[0].Status != domain.RefundAddedToWallet {
		t.Fatalf("expected the refund to move to the wallet, got %+v", refunds)
	}
}

type failingLedger struct {
	WebhookLedger
	failures int
	calls    int
}

func (l *failingLedger) CaptureFromWebhook(ctx context.Context, gatewayOrderID, paymentID string) (*domain.Order, error) {
	l.calls++
	if l.calls <= l.failures {
		return nil, errors.New("connection reset")
	}
	return &domain.Order{}, nil
}

func TestWebhookFailureIsRetriable(t *testing.T) {
	f := newFixture(t)
	ledger := &failingLedger{failures: 1}
	processor := NewWebhookProcessor(ledger, f.repo, f.gw)
	body := captureEvent("evt_retry", "order_gw_1", "pay_1")

	if err := processor.Process(context.Background(), body, "valid", ""); err == nil {
		t.Fatalf("expected the first delivery to fail")
	}
	if err := processor.Process(context.Background(), body, "valid", ""); err != nil {
		t.Fatalf("expected the retry to succeed, got %v", err)
	}
	if ledger.calls != 2 {
		t.Fatalf("expected the retry to reach the ledger, got %d calls", ledger.calls)
	}
}
