package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/editora/escrow-service/internal/domain"
	"github.com/editora/escrow-service/internal/store"
	"github.com/google/uuid"
)

// Dispute outcomes.
const (
	OutcomeRelease = "release"
	OutcomeRefund  = "refund"
	OutcomeSplit   = "split"
)

// Resolution is an admin decision on a disputed order.
type Resolution struct {
	Outcome       string `json:"outcome"`
	ClientPercent int    `json:"client_percent"`
	Note          string `json:"note"`
}

// Dispute freezes a funded order until an admin resolves it. raisedBy is uuid.Nil when an
// admin opens the dispute.
func (l *Ledger) Dispute(ctx context.Context, orderID, raisedBy uuid.UUID, reason string) (*domain.Order, error) {
	order, err := l.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if raisedBy != uuid.Nil && raisedBy != order.ClientID && raisedBy != order.EditorID {
		return nil, ErrForbidden
	}
	if order.Phase.IsSettled() || order.Status.IsTerminal() {
		return nil, ErrAlreadySettled
	}

	disputed, err := l.repo.MarkDisputed(ctx, orderID)
	if err != nil {
		l.metrics.ObserveTransition("dispute", "rejected")
		if errors.Is(err, store.ErrStaleTransition) {
			return nil, l.explainRejected(ctx, orderID)
		}
		return nil, err
	}
	l.metrics.ObserveTransition("dispute", "ok")
	log.Printf("level=info component=ledger op=dispute msg=\"dispute opened\" order_id=%s raised_by=%s", orderID, raisedBy)

	l.notifier.PostSystemMessage(ctx, domain.SystemMessage{
		OrderID: disputed.ID,
		Event:   "dispute_opened",
		Text:    "A dispute has been opened. Funds stay in escrow until our team resolves it.",
	})
	for _, userID := range []uuid.UUID{disputed.ClientID, disputed.EditorID} {
		l.notifier.Notify(ctx, domain.Notification{
			UserID:  userID,
			OrderID: disputed.ID,
			Kind:    domain.NotifyDisputeOpened,
			Title:   "Dispute opened",
			Body:    fmt.Sprintf("A dispute was opened on order %s: %s", disputed.OrderNumber, strings.TrimSpace(reason)),
		})
	}
	return disputed, nil
}

// ResolveDispute settles a disputed order by releasing, refunding or splitting the escrow.
func (l *Ledger) ResolveDispute(ctx context.Context, orderID uuid.UUID, res Resolution) (*domain.Order, error) {
	order, err := l.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Phase.IsSettled() {
		return nil, ErrAlreadySettled
	}
	if order.Phase != domain.PhaseDisputed {
		return nil, ErrStaleTransition
	}

	var note *string
	if trimmed := strings.TrimSpace(res.Note); trimmed != "" {
		note = &trimmed
	}

	switch res.Outcome {
	case OutcomeRelease:
		return l.Release(ctx, orderID, TriggerDisputeResolution)
	case OutcomeRefund:
		full := 100
		outcome, err := l.Refund(ctx, orderID, RefundRequest{
			Reason:        RefundReasonDisputeRefund,
			ReasonDetails: note,
			InitiatedBy:   "admin",
			Percent:       &full,
		})
		if err != nil {
			return nil, err
		}
		return outcome.Order, nil
	case OutcomeSplit:
		if res.ClientPercent <= 0 || res.ClientPercent >= 100 {
			return nil, fmt.Errorf("%w: split client percent must be between 1 and 99", ErrInvalidResolution)
		}
		pct := res.ClientPercent
		outcome, err := l.Refund(ctx, orderID, RefundRequest{
			Reason:        RefundReasonDisputeSplit,
			ReasonDetails: note,
			InitiatedBy:   "admin",
			Percent:       &pct,
		})
		if err != nil {
			return nil, err
		}
		return outcome.Order, nil
	}
	return nil, fmt.Errorf("%w: unknown outcome %q", ErrInvalidResolution, res.Outcome)
}

// ExtendDeadline pushes an order's deadline back. An overdue order returns to held and
// its chat is re-enabled.
func (l *Ledger) ExtendDeadline(ctx context.Context, orderID uuid.UUID, deadline time.Time) (*domain.Order, error) {
	order, err := l.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.DeadlineExtensionCount >= domain.MaxDeadlineExtensions {
		return nil, ErrDeadlineExtensionLimit
	}
	if order.Status != domain.StatusAccepted && order.Status != domain.StatusInProgress {
		return nil, fmt.Errorf("%w: order is %s", ErrDeadlineExtension, order.Status)
	}
	if !deadline.After(l.now()) || (order.Deadline != nil && !deadline.After(*order.Deadline)) {
		return nil, fmt.Errorf("%w: new deadline must be later than the current one", ErrDeadlineExtension)
	}

	extended, err := l.repo.ExtendDeadline(ctx, orderID, deadline.UTC())
	if err != nil {
		if !errors.Is(err, store.ErrStaleTransition) {
			return nil, err
		}
		current, getErr := l.repo.GetOrderByID(ctx, orderID)
		if getErr != nil {
			return nil, getErr
		}
		if current.DeadlineExtensionCount >= domain.MaxDeadlineExtensions {
			return nil, ErrDeadlineExtensionLimit
		}
		return nil, ErrStaleTransition
	}
	l.metrics.ObserveTransition("extend_deadline", "ok")

	l.notifier.PostSystemMessage(ctx, domain.SystemMessage{
		OrderID: extended.ID,
		Event:   "deadline_extended",
		Text:    fmt.Sprintf("The deadline was extended to %s.", deadline.UTC().Format(time.RFC1123)),
	})
	for _, userID := range []uuid.UUID{extended.ClientID, extended.EditorID} {
		l.notifier.Notify(ctx, domain.Notification{
			UserID:  userID,
			OrderID: extended.ID,
			Kind:    domain.NotifyDeadlineExtended,
			Title:   "Deadline extended",
			Body:    fmt.Sprintf("Order %s now has a new deadline (%d of %d extensions used).", extended.OrderNumber, extended.DeadlineExtensionCount, domain.MaxDeadlineExtensions),
		})
	}
	return extended, nil
}

// AdvanceWorkflow applies an order workflow event from the marketplace services.
func (l *Ledger) AdvanceWorkflow(ctx context.Context, ev domain.WorkflowEvent) error {
	switch ev.Type {
	case domain.EventOrderAccepted:
		_, err := l.repo.AdvanceWorkflowStatus(ctx, ev.OrderID, []domain.OrderStatus{domain.StatusNew}, domain.StatusAccepted)
		return err
	case domain.EventOrderStarted:
		_, err := l.repo.AdvanceWorkflowStatus(ctx, ev.OrderID, []domain.OrderStatus{domain.StatusAccepted}, domain.StatusInProgress)
		return err
	case domain.EventOrderSubmitted:
		order, err := l.repo.AdvanceWorkflowStatus(ctx, ev.OrderID, []domain.OrderStatus{domain.StatusInProgress}, domain.StatusSubmitted)
		if errors.Is(err, store.ErrStaleTransition) {
			// A redelivery after the status moved but before a download token was stored.
			order, err = l.undeliveredSubmission(ctx, ev.OrderID, err)
		}
		if err != nil {
			return err
		}
		token, err := l.issueDownloadToken(ctx, order)
		if err != nil {
			return err
		}
		l.notifier.Notify(ctx, domain.Notification{
			UserID:  order.ClientID,
			OrderID: order.ID,
			Kind:    domain.NotifyDeliveryReady,
			Title:   "Your delivery is ready",
			Body:    fmt.Sprintf("The editor submitted order %s. Rate it and confirm the download to release payment.", order.OrderNumber),
			Data: map[string]string{
				"download_token": token.Token,
				"expires_at":     token.ExpiresAt.Format(time.RFC3339),
			},
		})
		return nil
	case domain.EventOrderRejected:
		order, err := l.repo.AdvanceWorkflowStatus(ctx, ev.OrderID, []domain.OrderStatus{domain.StatusNew, domain.StatusAccepted}, domain.StatusRejected)
		if errors.Is(err, store.ErrStaleTransition) {
			// A redelivery after the status moved but before the refund was claimed.
			current, getErr := l.repo.GetOrderByID(ctx, ev.OrderID)
			if getErr != nil {
				return getErr
			}
			if current.Status != domain.StatusRejected || !current.Phase.HoldsFunds() {
				return err
			}
			order, err = current, nil
		}
		if err != nil {
			return err
		}
		var details *string
		if reason := strings.TrimSpace(ev.Reason); reason != "" {
			details = &reason
		}
		full := 100
		_, err = l.Refund(ctx, order.ID, RefundRequest{
			Reason:        RefundReasonRejected,
			ReasonDetails: details,
			InitiatedBy:   "editor",
			Percent:       &full,
		})
		return err
	case domain.EventRatingSubmitted:
		if ev.Score < 1 || ev.Score > 5 {
			return fmt.Errorf("%w: rating score %d out of range", ErrInvalidOrder, ev.Score)
		}
		order, err := l.repo.GetOrderByID(ctx, ev.OrderID)
		if err != nil {
			return err
		}
		if order.ClientID != ev.ActorID {
			return ErrForbidden
		}
		return l.repo.RecordRating(ctx, domain.Rating{
			OrderID:   order.ID,
			ClientID:  order.ClientID,
			Score:     ev.Score,
			CreatedAt: l.now(),
		})
	}
	log.Printf("level=info component=ledger op=advance_workflow msg=\"ignoring unknown workflow event\" type=%s order_id=%s", ev.Type, ev.OrderID)
	return nil
}

// undeliveredSubmission returns the order when it is already submitted but no download
// token exists yet. Otherwise the original stale error stands.
func (l *Ledger) undeliveredSubmission(ctx context.Context, orderID uuid.UUID, stale error) (*domain.Order, error) {
	current, err := l.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if current.Status != domain.StatusSubmitted || !current.Phase.HoldsFunds() {
		return nil, stale
	}
	if _, err := l.repo.GetDelivery(ctx, orderID); !errors.Is(err, store.ErrDeliveryNotFound) {
		if err != nil {
			return nil, err
		}
		return nil, stale
	}
	return current, nil
}
