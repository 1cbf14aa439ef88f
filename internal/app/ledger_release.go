package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/editora/escrow-service/internal/domain"
	"github.com/editora/escrow-service/internal/store"
	"github.com/editora/escrow-service/pkg/gateway"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Release triggers.
const (
	TriggerClientConfirmation = "client_confirmation"
	TriggerDisputeResolution  = "dispute_resolution"
	TriggerRecovery           = "stalled_release_recovery"
)

const deliveryConfirmText = "CONFIRM"

// Release pays the editor out of escrow. The order is claimed before the gateway is
// called, so concurrent releases produce a single payout.
func (l *Ledger) Release(ctx context.Context, orderID uuid.UUID, trigger string) (*domain.Order, error) {
	order, err := l.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Phase.IsSettled() || order.Status.IsTerminal() {
		return nil, ErrAlreadySettled
	}
	if !isSettleable(order.Phase) {
		return nil, ErrStaleTransition
	}

	claimed, err := l.repo.ClaimSettlement(ctx, store.ClaimParams{
		OrderID: orderID,
		From:    domain.Settleable,
		To:      domain.PhaseReleasing,
		At:      l.now(),
	})
	if err != nil {
		l.metrics.ObserveTransition("release", "rejected")
		if errors.Is(err, store.ErrStaleTransition) {
			return nil, l.explainRejected(ctx, orderID)
		}
		return nil, err
	}
	log.Printf("level=info component=ledger op=release msg=\"release claimed\" order_id=%s trigger=%s from=%s", orderID, trigger, derefPhase(claimed.PreviousPhase))
	return l.settleRelease(ctx, claimed, trigger)
}

// ResumeStalledRelease takes over a release claim whose owner never finished it.
func (l *Ledger) ResumeStalledRelease(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	now := l.now()
	claimed, err := l.repo.ReclaimStalledRelease(ctx, orderID, now.Add(-l.cfg.ClaimStaleAfter), now)
	if err != nil {
		return nil, err
	}
	return l.settleRelease(ctx, claimed, TriggerRecovery)
}

func (l *Ledger) settleRelease(ctx context.Context, order *domain.Order, trigger string) (*domain.Order, error) {
	eligibility, err := l.repo.GetPayoutEligibility(ctx, order.EditorID)
	if err != nil {
		log.Printf("level=error component=ledger op=release msg=\"payout eligibility lookup failed; claim left for recovery\" order_id=%s err=%v", order.ID, err)
		return nil, fmt.Errorf("failed to check payout eligibility: %w", err)
	}

	var deferReason string
	var payout *gateway.PayoutResult
	switch e := eligibility.(type) {
	case domain.IneligibleForPayout:
		deferReason = e.Reason
	case domain.EligibleForPayout:
		if !l.gatewayReady() {
			deferReason = "gateway_unavailable"
			break
		}
		payoutCtx, cancel := context.WithTimeout(ctx, l.cfg.GatewayTimeout)
		started := time.Now()
		payout, err = l.gateway.CreatePayout(payoutCtx, e.FundAccountID, order.EditorEarning, order.Currency, order.OrderNumber, order.ID.String())
		cancel()
		l.metrics.ObserveGatewayCall("create_payout", started, err)
		switch {
		case err == nil:
		case errors.Is(err, gateway.ErrNoFundAccount):
			deferReason = "no_fund_account"
		case errors.Is(err, gateway.ErrRejected), errors.Is(err, gateway.ErrUnavailable):
			deferReason = "payout_rejected"
		default:
			log.Printf("level=warn component=ledger op=release msg=\"payout call did not complete; claim left for recovery\" order_id=%s timeout=%t err=%v", order.ID, gateway.IsTimeout(err), err)
			return nil, fmt.Errorf("failed to create payout: %w", err)
		}
	default:
		return nil, fmt.Errorf("unexpected payout eligibility %T", eligibility)
	}

	now := l.now()
	settlement := store.ReleaseSettlement{
		OrderID:      order.ID,
		PayoutAmount: order.EditorEarning,
		At:           now,
		Payment: domain.Payment{
			ID:          uuid.New(),
			ReceiptID:   domain.NewReceiptID(domain.PaymentTypeEscrowRelease, now),
			OrderID:     order.ID,
			Type:        domain.PaymentTypeEscrowRelease,
			PayerID:     order.ClientID,
			PayeeID:     order.EditorID,
			Amount:      order.Amount,
			PlatformFee: order.PlatformFee,
			NetAmount:   order.EditorEarning,
			Status:      "completed",
			CreatedAt:   now,
		},
	}
	if deferReason != "" {
		settlement.Deferred = true
		settlement.PayoutStatus = domain.PayoutPending
		settlement.Payment.Method = domain.MethodPendingPayout
	} else {
		settlement.PayoutStatus = domain.PayoutProcessing
		settlement.GatewayPayoutID = &payout.PayoutID
		settlement.Payment.Method = domain.MethodGateway
		settlement.Payment.GatewayReferenceID = &payout.PayoutID
	}

	released, err := l.repo.FinalizeRelease(ctx, settlement)
	if err != nil {
		l.metrics.ObserveTransition("release", "finalize_failed")
		log.Printf("level=error component=ledger op=release msg=\"failed to finalize release\" order_id=%s deferred=%t err=%v", order.ID, settlement.Deferred, err)
		return nil, err
	}

	if settlement.Deferred {
		l.metrics.ObserveTransition("release", "deferred")
		log.Printf("level=info component=ledger op=release msg=\"payout deferred\" order_id=%s trigger=%s err=%v", released.ID, trigger, fmt.Errorf("%w: %s", ErrPayoutIneligible, deferReason))
		l.notifier.Notify(ctx, domain.Notification{
			UserID:  released.EditorID,
			OrderID: released.ID,
			Kind:    domain.NotifyPayoutDeferred,
			Title:   "Earnings added to pending payout",
			Body:    fmt.Sprintf("%s %d from order %s is waiting for your payout details.", released.Currency, released.EditorEarning, released.OrderNumber),
			Data:    map[string]string{"reason": deferReason},
		})
	} else {
		l.metrics.ObserveTransition("release", "ok")
		log.Printf("level=info component=ledger op=release msg=\"funds released\" order_id=%s trigger=%s payout_id=%s", released.ID, trigger, payout.PayoutID)
		l.notifier.Notify(ctx, domain.Notification{
			UserID:  released.EditorID,
			OrderID: released.ID,
			Kind:    domain.NotifyFundsReleased,
			Title:   "Payment released",
			Body:    fmt.Sprintf("%s %d for order %s is on its way to your account.", released.Currency, released.EditorEarning, released.OrderNumber),
		})
	}
	l.notifier.PostSystemMessage(ctx, domain.SystemMessage{
		OrderID: released.ID,
		Event:   "funds_released",
		Text:    releaseMessage(trigger),
	})
	return released, nil
}

// ConfirmDelivery is the client's download confirmation. It requires a rating and a valid
// download token, then releases the escrow.
func (l *Ledger) ConfirmDelivery(ctx context.Context, orderID, clientID uuid.UUID, confirmText, token string) (*domain.Order, error) {
	if strings.TrimSpace(confirmText) != deliveryConfirmText {
		return nil, ErrConfirmTextMismatch
	}
	order, err := l.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.ClientID != clientID {
		return nil, ErrForbidden
	}
	if order.Phase.IsSettled() {
		return nil, ErrAlreadySettled
	}

	rated, err := l.repo.HasRating(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !rated {
		return nil, ErrRatingRequired
	}

	delivery, err := l.repo.GetDelivery(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrDeliveryNotFound) {
			return nil, ErrDeliveryTokenInvalid
		}
		return nil, err
	}
	if !l.now().Before(delivery.ExpiresAt) {
		return nil, ErrDeliveryTokenInvalid
	}
	if bcrypt.CompareHashAndPassword([]byte(delivery.TokenHash), []byte(strings.TrimSpace(token))) != nil {
		return nil, ErrDeliveryTokenInvalid
	}

	return l.Release(ctx, orderID, TriggerClientConfirmation)
}

// DownloadToken is a freshly issued delivery token. Only its hash is stored.
type DownloadToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IssueDownloadToken re-issues the download token for a submitted order.
func (l *Ledger) IssueDownloadToken(ctx context.Context, orderID, clientID uuid.UUID) (*DownloadToken, error) {
	order, err := l.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.ClientID != clientID {
		return nil, ErrForbidden
	}
	return l.issueDownloadToken(ctx, order)
}

func (l *Ledger) issueDownloadToken(ctx context.Context, order *domain.Order) (*DownloadToken, error) {
	if order.Status != domain.StatusSubmitted || !order.Phase.HoldsFunds() {
		return nil, ErrStaleTransition
	}

	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate download token: %w", err)
	}
	token := hex.EncodeToString(raw)
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash download token: %w", err)
	}

	now := l.now()
	expiresAt := now.Add(l.cfg.DownloadTokenTTL)
	if err := l.repo.UpsertDelivery(ctx, domain.Delivery{
		OrderID:   order.ID,
		TokenHash: string(hash),
		ExpiresAt: expiresAt,
		IssuedAt:  now,
	}); err != nil {
		return nil, fmt.Errorf("failed to store download token: %w", err)
	}
	return &DownloadToken{Token: token, ExpiresAt: expiresAt}, nil
}

// PayoutProcessed records the gateway's confirmation that an editor payout settled.
func (l *Ledger) PayoutProcessed(ctx context.Context, gatewayPayoutID string) (*domain.Order, error) {
	order, err := l.repo.MarkPayoutProcessed(ctx, gatewayPayoutID)
	if err != nil {
		return nil, err
	}
	l.metrics.ObserveTransition("payout_processed", "ok")
	return order, nil
}

// PayoutFailed moves a failed or reversed payout onto the editor's pending balance.
func (l *Ledger) PayoutFailed(ctx context.Context, gatewayPayoutID, reason string) (*domain.Order, error) {
	order, err := l.repo.MarkPayoutFailed(ctx, gatewayPayoutID)
	if err != nil {
		return nil, err
	}
	l.metrics.ObserveTransition("payout_failed", "deferred")
	log.Printf("level=warn component=ledger op=payout_failed msg=\"payout failed; earnings moved to pending payout\" order_id=%s payout_id=%s reason=%q", order.ID, gatewayPayoutID, reason)
	l.notifier.Notify(ctx, domain.Notification{
		UserID:  order.EditorID,
		OrderID: order.ID,
		Kind:    domain.NotifyPayoutDeferred,
		Title:   "Payout could not be completed",
		Body:    fmt.Sprintf("Your payout for order %s failed and has been added to your pending balance.", order.OrderNumber),
		Data:    map[string]string{"reason": reason},
	})
	return order, nil
}

func releaseMessage(trigger string) string {
	switch trigger {
	case TriggerDisputeResolution:
		return "The dispute was resolved in the editor's favour. Escrowed funds have been released."
	case TriggerClientConfirmation:
		return "The client confirmed delivery. Escrowed funds have been released to the editor."
	}
	return "Escrowed funds have been released to the editor."
}

func isSettleable(p domain.SettlementPhase) bool {
	return phaseIn(p, domain.Settleable)
}

func phaseIn(p domain.SettlementPhase, phases []domain.SettlementPhase) bool {
	for _, candidate := range phases {
		if p == candidate {
			return true
		}
	}
	return false
}

func statusIn(s domain.OrderStatus, statuses []domain.OrderStatus) bool {
	for _, candidate := range statuses {
		if s == candidate {
			return true
		}
	}
	return false
}

func derefPhase(p *domain.SettlementPhase) string {
	if p == nil {
		return ""
	}
	return string(*p)
}
