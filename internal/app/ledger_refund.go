package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/editora/escrow-service/internal/domain"
	"github.com/editora/escrow-service/internal/store"
	"github.com/editora/escrow-service/pkg/gateway"
	"github.com/google/uuid"
)

// Refund reasons with settlement-specific handling.
const (
	RefundReasonDisputeRefund = "dispute_refund"
	RefundReasonDisputeSplit  = "dispute_split"
	RefundReasonRejected      = "editor_rejected"
)

// RefundRequest describes a refund to claim.
type RefundRequest struct {
	Reason        string
	ReasonDetails *string
	InitiatedBy   string
	// Percent overrides the stage table when set.
	Percent *int

	// from narrows the phases and statuses the claim may start from. Nil means any
	// settleable phase at the observed status.
	from     []domain.SettlementPhase
	statuses []domain.OrderStatus
}

// RefundOutcome reports where a refund ended up. Pending means a transient gateway error
// left it scheduled for retry.
type RefundOutcome struct {
	Order   *domain.Order  `json:"order"`
	Refund  *domain.Refund `json:"refund"`
	Pending bool           `json:"pending"`
}

// Refund returns escrowed funds to the client. The percentage is taken from the stage
// table for the workflow status observed now, and the claim only succeeds if the order is
// still in that status.
func (l *Ledger) Refund(ctx context.Context, orderID uuid.UUID, req RefundRequest) (*RefundOutcome, error) {
	order, err := l.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Phase.IsSettled() || order.Status.IsTerminal() {
		return nil, ErrAlreadySettled
	}
	from := domain.Settleable
	if req.from != nil {
		from = req.from
	}
	if !phaseIn(order.Phase, from) {
		return nil, ErrStaleTransition
	}
	if req.statuses != nil && !statusIn(order.Status, req.statuses) {
		return nil, ErrStaleTransition
	}

	pct := l.cfg.RefundTable.PercentFor(order.Status)
	if req.Percent != nil {
		pct = *req.Percent
	}
	if pct < 0 || pct > 100 {
		return nil, fmt.Errorf("%w: refund percentage %d", ErrInvalidAmount, pct)
	}
	amount := domain.ApplyPercent(order.Amount, float64(pct))
	if pct == 0 || amount <= 0 {
		return nil, fmt.Errorf("%w: nothing refundable at status %s", ErrAlreadySettled, order.Status)
	}

	now := l.now()
	lease := now.Add(l.cfg.ClaimStaleAfter)
	refund := &domain.Refund{
		ID:            uuid.New(),
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		ClientID:      order.ClientID,
		Amount:        amount,
		Percentage:    pct,
		Reason:        req.Reason,
		ReasonDetails: req.ReasonDetails,
		InitiatedBy:   req.InitiatedBy,
		Status:        domain.RefundProcessing,
		MaxRetries:    l.cfg.RefundMaxRetries,
		NextRetryAt:   &lease,
		OriginalPayment: domain.PaymentSnapshot{
			Amount: order.Amount,
			PaidAt: order.EscrowHeldAt,
		},
	}
	if order.GatewayOrderID != nil {
		refund.OriginalPayment.GatewayOrderID = *order.GatewayOrderID
	}
	if order.GatewayPaymentID != nil {
		refund.OriginalPayment.GatewayPaymentID = *order.GatewayPaymentID
	}

	observed := order.Status
	claimed, err := l.repo.ClaimRefund(ctx, store.ClaimParams{
		OrderID:        order.ID,
		From:           from,
		To:             domain.PhaseRefunding,
		ExpectedStatus: &observed,
		At:             now,
	}, refund)
	if err != nil {
		l.metrics.ObserveTransition("refund", "rejected")
		switch {
		case errors.Is(err, store.ErrStaleTransition):
			return nil, l.explainRejected(ctx, order.ID)
		case errors.Is(err, store.ErrLiveRefundExists):
			return nil, ErrRefundInProgress
		}
		return nil, err
	}
	log.Printf("level=info component=ledger op=refund msg=\"refund claimed\" order_id=%s refund_id=%s percent=%d amount=%d reason=%s", order.ID, refund.ID, pct, amount, req.Reason)
	return l.processRefund(ctx, claimed, refund)
}

// RetryRefund re-drives a refund whose previous attempt failed transiently.
func (l *Ledger) RetryRefund(ctx context.Context, refundID uuid.UUID) (*RefundOutcome, error) {
	now := l.now()
	refund, err := l.repo.LeaseRefund(ctx, refundID, now, now.Add(l.cfg.ClaimStaleAfter))
	if errors.Is(err, store.ErrStaleTransition) {
		return nil, l.explainUnleased(ctx, refundID)
	}
	if err != nil {
		return nil, err
	}
	order, err := l.repo.GetOrderByID(ctx, refund.OrderID)
	if err != nil {
		return nil, err
	}
	if order.Phase != domain.PhaseRefunding {
		log.Printf("level=error component=ledger op=retry_refund msg=\"live refund on an order that is not refunding\" order_id=%s refund_id=%s phase=%s", order.ID, refund.ID, order.Phase)
		return nil, ErrStaleTransition
	}
	return l.processRefund(ctx, order, refund)
}

// explainUnleased tells a refund that no longer exists or already settled apart from one
// that another worker holds or that is not yet due.
func (l *Ledger) explainUnleased(ctx context.Context, refundID uuid.UUID) error {
	refund, err := l.repo.GetRefundByID(ctx, refundID)
	if err != nil {
		return err
	}
	if refund.IsTerminal() {
		return ErrAlreadySettled
	}
	return ErrStaleTransition
}

// processRefund calls the gateway for a claimed refund and settles the outcome. The
// refund id is the gateway idempotency key, so retries never refund twice.
func (l *Ledger) processRefund(ctx context.Context, order *domain.Order, refund *domain.Refund) (*RefundOutcome, error) {
	var result *gateway.RefundResult
	var gwErr error
	if l.gatewayReady() {
		refundCtx, cancel := context.WithTimeout(ctx, l.cfg.GatewayTimeout)
		started := time.Now()
		result, gwErr = l.gateway.ProcessRefund(refundCtx, refund.OriginalPayment.GatewayPaymentID, refund.Amount, order.Currency, refund.ID.String(), map[string]string{
			"order_id": order.ID.String(),
			"reason":   refund.Reason,
		})
		cancel()
		l.metrics.ObserveGatewayCall("process_refund", started, gwErr)
	} else {
		gwErr = gateway.ErrUnavailable
	}

	method := domain.MethodGateway
	switch {
	case gwErr == nil:
		refund.Status = domain.RefundCompleted
		refund.GatewayRefundID = &result.RefundID
	case errors.Is(gwErr, gateway.ErrRejected), errors.Is(gwErr, gateway.ErrUnavailable):
		reason := fmt.Errorf("%w: %v", ErrRefundGatewayFailure, gwErr).Error()
		log.Printf("level=warn component=ledger op=refund msg=\"gateway refund failed; crediting client wallet\" order_id=%s refund_id=%s err=%v", order.ID, refund.ID, gwErr)
		refund.Status = domain.RefundAddedToWallet
		refund.FailureReason = &reason
		method = domain.MethodWallet
	default:
		return l.recordRefundFailure(ctx, order, refund, gwErr)
	}

	return l.finalizeRefund(ctx, order, refund, method)
}

func (l *Ledger) recordRefundFailure(ctx context.Context, order *domain.Order, refund *domain.Refund, cause error) (*RefundOutcome, error) {
	attempt := refund.RetryCount + 1
	reason := cause.Error()
	if attempt >= refund.MaxRetries {
		reverted, err := l.repo.AbandonRefund(ctx, refund.ID, order.ID, reason)
		if err != nil {
			return nil, fmt.Errorf("failed to abandon refund: %w", err)
		}
		l.metrics.ObserveTransition("refund", "abandoned")
		log.Printf("level=error component=ledger op=refund msg=\"refund abandoned after retries; order returned to escrow\" order_id=%s refund_id=%s attempts=%d phase=%s err=%v", order.ID, refund.ID, attempt, reverted.Phase, cause)
		refund.Status = domain.RefundFailed
		refund.RetryCount = attempt
		refund.NextRetryAt = nil
		refund.FailureReason = &reason
		return &RefundOutcome{Order: reverted, Refund: refund}, nil
	}

	next := l.now().Add(domain.RetryBackoff(attempt))
	if err := l.repo.RecordRefundFailure(ctx, refund.ID, attempt, next, reason); err != nil {
		return nil, fmt.Errorf("failed to record refund failure: %w", err)
	}
	l.metrics.ObserveTransition("refund", "retry_scheduled")
	log.Printf("level=warn component=ledger op=refund msg=\"refund attempt failed; retry scheduled\" order_id=%s refund_id=%s attempt=%d next_retry_at=%s timeout=%t err=%v", order.ID, refund.ID, attempt, next.Format(time.RFC3339), gateway.IsTimeout(cause), cause)
	refund.Status = domain.RefundFailed
	refund.RetryCount = attempt
	refund.NextRetryAt = &next
	refund.FailureReason = &reason
	return &RefundOutcome{Order: order, Refund: refund, Pending: true}, nil
}

// finalStatusFor is the workflow status an order settles in after a refund.
func finalStatusFor(reason string) domain.OrderStatus {
	switch reason {
	case RefundReasonDisputeSplit:
		return domain.StatusCompleted
	case RefundReasonRejected:
		return domain.StatusRejected
	}
	return domain.StatusCancelled
}

func (l *Ledger) finalizeRefund(ctx context.Context, order *domain.Order, refund *domain.Refund, method domain.PaymentMethod) (*RefundOutcome, error) {
	now := l.now()
	settlement := store.RefundSettlement{
		OrderID: order.ID,
		Status:  finalStatusFor(refund.Reason),
		Refund:  *refund,
		At:      now,
		Payment: domain.Payment{
			ID:                 uuid.New(),
			ReceiptID:          domain.NewReceiptID(domain.PaymentTypeRefund, now),
			OrderID:            order.ID,
			Type:               domain.PaymentTypeRefund,
			PayerID:            order.EditorID,
			PayeeID:            order.ClientID,
			Amount:             refund.Amount,
			NetAmount:          refund.Amount,
			Method:             method,
			GatewayReferenceID: refund.GatewayRefundID,
			Status:             "completed",
			CreatedAt:          now,
		},
	}

	// Whatever the client does not get back is the editor's share of the work done,
	// net of the platform fee.
	if refund.Percentage < 100 {
		shareType := domain.PaymentTypeCancellationShare
		if refund.Reason == RefundReasonDisputeSplit {
			shareType = domain.PaymentTypeDisputeSplit
		}
		_, editorShare, fee := domain.SplitShares(*order, refund.Percentage)
		if editorShare > 0 {
			settlement.EditorShare = editorShare
			settlement.EditorPayment = &domain.Payment{
				ID:          uuid.New(),
				ReceiptID:   domain.NewReceiptID(shareType, now),
				OrderID:     order.ID,
				Type:        shareType,
				PayerID:     order.ClientID,
				PayeeID:     order.EditorID,
				Amount:      editorShare + fee,
				PlatformFee: fee,
				NetAmount:   editorShare,
				Method:      domain.MethodPendingPayout,
				Status:      "completed",
				CreatedAt:   now,
			}
		}
	}

	refunded, err := l.repo.FinalizeRefund(ctx, settlement)
	if err != nil {
		// The refund stays processing under its lease; the retry sweep re-sends it with
		// the same idempotency key.
		l.metrics.ObserveTransition("refund", "finalize_failed")
		log.Printf("level=error component=ledger op=refund msg=\"failed to finalize refund\" order_id=%s refund_id=%s status=%s err=%v", order.ID, refund.ID, refund.Status, err)
		return nil, err
	}
	refund.NextRetryAt = nil
	refund.CompletedAt = &now
	l.metrics.ObserveTransition("refund", string(refund.Status))
	log.Printf("level=info component=ledger op=refund msg=\"refund settled\" order_id=%s refund_id=%s amount=%d method=%s editor_share=%d", refunded.ID, refund.ID, refund.Amount, method, settlement.EditorShare)

	where := "to your original payment method"
	if method == domain.MethodWallet {
		where = "to your wallet"
	}
	l.notifier.PostSystemMessage(ctx, domain.SystemMessage{
		OrderID: refunded.ID,
		Event:   "refund_issued",
		Text:    fmt.Sprintf("A refund of %s %d (%d%%) has been issued to the client.", refunded.Currency, refund.Amount, refund.Percentage),
	})
	l.notifier.Notify(ctx, domain.Notification{
		UserID:  refunded.ClientID,
		OrderID: refunded.ID,
		Kind:    domain.NotifyRefundIssued,
		Title:   "Refund issued",
		Body:    fmt.Sprintf("%s %d for order %s has been refunded %s.", refunded.Currency, refund.Amount, refunded.OrderNumber, where),
		Data:    map[string]string{"refund_id": refund.ID.String(), "method": string(method)},
	})
	editorKind := domain.NotifyOrderCancelled
	editorBody := fmt.Sprintf("Order %s was cancelled and the client has been refunded.", refunded.OrderNumber)
	switch {
	case settlement.EditorShare > 0 && refund.Reason == RefundReasonDisputeSplit:
		editorKind = domain.NotifyDisputeResolved
		editorBody = fmt.Sprintf("The dispute on order %s was settled. %s %d was added to your pending payout.", refunded.OrderNumber, refunded.Currency, settlement.EditorShare)
	case settlement.EditorShare > 0:
		editorBody = fmt.Sprintf("Order %s was cancelled and the client was partly refunded. %s %d for the work done was added to your pending payout.", refunded.OrderNumber, refunded.Currency, settlement.EditorShare)
	}
	l.notifier.Notify(ctx, domain.Notification{
		UserID:  refunded.EditorID,
		OrderID: refunded.ID,
		Kind:    editorKind,
		Title:   "Order refunded",
		Body:    editorBody,
	})

	return &RefundOutcome{Order: refunded, Refund: refund}, nil
}

// RefundReversed credits the client's wallet for a gateway refund that failed after the
// gateway had accepted it.
func (l *Ledger) RefundReversed(ctx context.Context, gatewayRefundID, reason string) (*domain.Refund, error) {
	refund, err := l.repo.ConvertRefundToWallet(ctx, gatewayRefundID, reason)
	if err != nil {
		return nil, err
	}
	l.metrics.ObserveTransition("refund_reversed", "wallet")
	log.Printf("level=warn component=ledger op=refund_reversed msg=\"gateway refund failed; credited client wallet\" order_id=%s refund_id=%s amount=%d", refund.OrderID, refund.ID, refund.Amount)
	l.notifier.Notify(ctx, domain.Notification{
		UserID:  refund.ClientID,
		OrderID: refund.OrderID,
		Kind:    domain.NotifyRefundIssued,
		Title:   "Refund moved to wallet",
		Body:    fmt.Sprintf("Your bank could not accept the refund for order %s, so it was added to your wallet.", refund.OrderNumber),
		Data:    map[string]string{"refund_id": refund.ID.String(), "method": string(domain.MethodWallet)},
	})
	return refund, nil
}
