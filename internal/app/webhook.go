/**
 * @description
 * Processing of signed payment gateway webhooks. Events are deduplicated by event id
 * before they reach the ledger; an event whose processing fails is forgotten again so the
 * gateway's retry gets a second chance.
 */
package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/editora/escrow-service/internal/domain"
	"github.com/editora/escrow-service/internal/store"
)

// Gateway webhook event types.
const (
	WebhookPaymentCaptured = "payment.captured"
	WebhookOrderPaid       = "order.paid"
	WebhookPaymentFailed   = "payment.failed"
	WebhookRefundProcessed = "refund.processed"
	WebhookRefundFailed    = "refund.failed"
	WebhookPayoutProcessed = "payout.processed"
	WebhookPayoutFailed    = "payout.failed"
	WebhookPayoutReversed  = "payout.reversed"
)

// WebhookEnvelope is the gateway's event body.
type WebhookEnvelope struct {
	ID      string `json:"id"`
	Event   string `json:"event"`
	Payload struct {
		Payment *struct {
			Entity webhookPayment `json:"entity"`
		} `json:"payment"`
		Refund *struct {
			Entity webhookRefund `json:"entity"`
		} `json:"refund"`
		Payout *struct {
			Entity webhookPayout `json:"entity"`
		} `json:"payout"`
	} `json:"payload"`
}

type webhookPayment struct {
	ID               string `json:"id"`
	OrderID          string `json:"order_id"`
	Status           string `json:"status"`
	ErrorDescription string `json:"error_description"`
}

type webhookRefund struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
}

type webhookPayout struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason"`
}

// WebhookLedger is the part of the ledger webhooks drive.
type WebhookLedger interface {
	CaptureFromWebhook(ctx context.Context, gatewayOrderID, paymentID string) (*domain.Order, error)
	FailFromWebhook(ctx context.Context, gatewayOrderID string) (*domain.Order, error)
	PayoutProcessed(ctx context.Context, gatewayPayoutID string) (*domain.Order, error)
	PayoutFailed(ctx context.Context, gatewayPayoutID, reason string) (*domain.Order, error)
	RefundReversed(ctx context.Context, gatewayRefundID, reason string) (*domain.Refund, error)
}

// WebhookEvents records processed event ids.
type WebhookEvents interface {
	RecordWebhookEvent(ctx context.Context, eventID, eventType string, payload []byte) (bool, error)
	ForgetWebhookEvent(ctx context.Context, eventID string) error
}

// SignatureVerifier checks a webhook signature header against the raw body.
type SignatureVerifier interface {
	VerifyWebhookSignature(rawBody []byte, signatureHeader string) bool
}

// WebhookProcessor authenticates, deduplicates and routes gateway webhooks.
type WebhookProcessor struct {
	ledger   WebhookLedger
	events   WebhookEvents
	verifier SignatureVerifier
	metrics  *SettlementMetrics
}

// NewWebhookProcessor creates a new WebhookProcessor.
func NewWebhookProcessor(ledger WebhookLedger, events WebhookEvents, verifier SignatureVerifier) *WebhookProcessor {
	return &WebhookProcessor{ledger: ledger, events: events, verifier: verifier, metrics: Metrics()}
}

// Process handles one webhook delivery. It returns ErrSignatureInvalid for a bad or
// missing signature and an error only when the gateway should retry.
func (p *WebhookProcessor) Process(ctx context.Context, rawBody []byte, signature, eventIDHeader string) error {
	if strings.TrimSpace(signature) == "" || !p.verifier.VerifyWebhookSignature(rawBody, signature) {
		p.metrics.ObserveWebhook("unknown", "bad_signature")
		return ErrSignatureInvalid
	}

	var env WebhookEnvelope
	if err := json.Unmarshal(rawBody, &env); err != nil {
		// A signed body we cannot parse will not parse on retry either.
		log.Printf("level=warn component=webhook msg=\"unparseable webhook body\" err=%v", err)
		p.metrics.ObserveWebhook("unknown", "malformed")
		return nil
	}

	eventID := webhookEventID(eventIDHeader, env.ID, rawBody)
	fresh, err := p.events.RecordWebhookEvent(ctx, eventID, env.Event, rawBody)
	if err != nil {
		return fmt.Errorf("failed to record webhook event: %w", err)
	}
	if !fresh {
		log.Printf("level=info component=webhook msg=\"duplicate webhook ignored\" event_id=%s event=%s", eventID, env.Event)
		p.metrics.ObserveWebhook(env.Event, "duplicate")
		return nil
	}

	if err := p.route(ctx, &env); err != nil {
		if forgetErr := p.events.ForgetWebhookEvent(ctx, eventID); forgetErr != nil {
			log.Printf("level=error component=webhook msg=\"failed to forget webhook event\" event_id=%s err=%v", eventID, forgetErr)
		}
		p.metrics.ObserveWebhook(env.Event, "error")
		return err
	}
	p.metrics.ObserveWebhook(env.Event, "ok")
	return nil
}

func (p *WebhookProcessor) route(ctx context.Context, env *WebhookEnvelope) error {
	var err error
	switch env.Event {
	case WebhookPaymentCaptured, WebhookOrderPaid:
		payment := env.Payload.Payment
		if payment == nil || payment.Entity.OrderID == "" {
			log.Printf("level=warn component=webhook msg=\"capture event without payment\" event=%s", env.Event)
			return nil
		}
		_, err = p.ledger.CaptureFromWebhook(ctx, payment.Entity.OrderID, payment.Entity.ID)
	case WebhookPaymentFailed:
		payment := env.Payload.Payment
		if payment == nil || payment.Entity.OrderID == "" {
			return nil
		}
		_, err = p.ledger.FailFromWebhook(ctx, payment.Entity.OrderID)
	case WebhookPayoutProcessed:
		if env.Payload.Payout == nil {
			return nil
		}
		_, err = p.ledger.PayoutProcessed(ctx, env.Payload.Payout.Entity.ID)
	case WebhookPayoutFailed, WebhookPayoutReversed:
		if env.Payload.Payout == nil {
			return nil
		}
		payout := env.Payload.Payout.Entity
		reason := payout.FailureReason
		if reason == "" {
			reason = env.Event
		}
		_, err = p.ledger.PayoutFailed(ctx, payout.ID, reason)
	case WebhookRefundProcessed:
		// Refunds are finalized when the gateway accepts them.
		return nil
	case WebhookRefundFailed:
		if env.Payload.Refund == nil {
			return nil
		}
		_, err = p.ledger.RefundReversed(ctx, env.Payload.Refund.Entity.ID, "gateway refund failed")
	default:
		log.Printf("level=info component=webhook msg=\"ignoring webhook event\" event=%s", env.Event)
		return nil
	}

	if err == nil {
		return nil
	}
	if isSettledOutcome(err) {
		log.Printf("level=info component=webhook msg=\"webhook already applied\" event=%s reason=%q", env.Event, err.Error())
		return nil
	}
	if errors.Is(err, ErrSignatureInvalid) {
		return nil
	}
	return err
}

// isSettledOutcome reports errors meaning the event has nothing left to do.
func isSettledOutcome(err error) bool {
	return errors.Is(err, store.ErrStaleTransition) ||
		errors.Is(err, store.ErrOrderNotFound) ||
		errors.Is(err, store.ErrRefundNotFound) ||
		errors.Is(err, ErrAlreadySettled)
}

func webhookEventID(header, bodyID string, rawBody []byte) string {
	if id := strings.TrimSpace(header); id != "" {
		return id
	}
	if id := strings.TrimSpace(bodyID); id != "" {
		return id
	}
	sum := sha256.Sum256(rawBody)
	return "sha256:" + hex.EncodeToString(sum[:])
}
