package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/editora/escrow-service/internal/domain"
	"github.com/google/uuid"
)

const paymentTimeoutReason = "payment timeout"

// ExpireUnpaidOrder cancels an order whose payment window lapsed. No money was held, so
// nothing is refunded.
func (l *Ledger) ExpireUnpaidOrder(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	cancelled, err := l.repo.CancelUnpaidOrder(ctx, orderID, paymentTimeoutReason, l.now())
	if err != nil {
		return nil, err
	}
	l.metrics.ObserveTransition("expire_unpaid", "ok")
	for _, userID := range []uuid.UUID{cancelled.ClientID, cancelled.EditorID} {
		l.notifier.Notify(ctx, domain.Notification{
			UserID:  userID,
			OrderID: cancelled.ID,
			Kind:    domain.NotifyOrderCancelled,
			Title:   "Order cancelled",
			Body:    fmt.Sprintf("Order %s was cancelled because payment was not completed in time.", cancelled.OrderNumber),
		})
	}
	return cancelled, nil
}

// MarkOrderOverdue starts the grace window on an order that missed its deadline and
// disables its chat while the window runs.
func (l *Ledger) MarkOrderOverdue(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	now := l.now()
	graceEndsAt := now.Add(l.cfg.GracePeriod)
	overdue, err := l.repo.MarkOverdue(ctx, orderID, now, graceEndsAt)
	if err != nil {
		return nil, err
	}
	l.metrics.ObserveTransition("mark_overdue", "ok")
	log.Printf("level=info component=ledger op=mark_overdue msg=\"order overdue\" order_id=%s grace_ends_at=%s", overdue.ID, graceEndsAt.Format(time.RFC3339))

	l.notifier.PostSystemMessage(ctx, domain.SystemMessage{
		OrderID: overdue.ID,
		Event:   "order_overdue",
		Text:    fmt.Sprintf("The deadline has passed. Chat is paused and the order will be refunded if it is not delivered by %s.", graceEndsAt.Format(time.RFC1123)),
	})
	for _, userID := range []uuid.UUID{overdue.ClientID, overdue.EditorID} {
		l.notifier.Notify(ctx, domain.Notification{
			UserID:  userID,
			OrderID: overdue.ID,
			Kind:    domain.NotifyOrderOverdue,
			Title:   "Order overdue",
			Body:    fmt.Sprintf("Order %s missed its deadline. The grace period ends %s.", overdue.OrderNumber, graceEndsAt.Format(time.RFC1123)),
		})
	}
	return overdue, nil
}

// RefundOverdueOrder refunds an order in full once its grace window has lapsed. The claim
// only starts from the overdue phase, so a delivery that lands first wins.
func (l *Ledger) RefundOverdueOrder(ctx context.Context, orderID uuid.UUID) (*RefundOutcome, error) {
	full := 100
	return l.Refund(ctx, orderID, RefundRequest{
		Reason:      domain.RefundReasonOverdue,
		InitiatedBy: "system",
		Percent:     &full,
		from:        []domain.SettlementPhase{domain.PhaseOverdue},
		statuses:    []domain.OrderStatus{domain.StatusAccepted, domain.StatusInProgress},
	})
}
