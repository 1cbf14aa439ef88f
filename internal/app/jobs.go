/**
 * @description
 * Settlement sweeps. Each sweep lists the orders (or refunds) that a timer should move and
 * hands them to the ledger one at a time. A failure on one item is logged and the sweep
 * continues; the item is picked up again on the next tick.
 */
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/editora/escrow-service/internal/domain"
	"github.com/editora/escrow-service/internal/store"
	"github.com/google/uuid"
)

const defaultSweepBatchSize = 200

// SweepSource lists the candidates of each sweep.
type SweepSource interface {
	ListExpiredUnpaidOrders(ctx context.Context, now time.Time, limit int) ([]domain.Order, error)
	ListOverdueCandidates(ctx context.Context, now time.Time, limit int) ([]domain.Order, error)
	ListGraceExpiredOrders(ctx context.Context, now time.Time, limit int) ([]domain.Order, error)
	ListRetryableRefunds(ctx context.Context, now time.Time, limit int) ([]domain.Refund, error)
	ListStalledReleases(ctx context.Context, staleBefore time.Time, limit int) ([]domain.Order, error)
}

// SettlementLedger is the part of the ledger the sweeps drive.
type SettlementLedger interface {
	ExpireUnpaidOrder(ctx context.Context, orderID uuid.UUID) (*domain.Order, error)
	MarkOrderOverdue(ctx context.Context, orderID uuid.UUID) (*domain.Order, error)
	RefundOverdueOrder(ctx context.Context, orderID uuid.UUID) (*RefundOutcome, error)
	RetryRefund(ctx context.Context, refundID uuid.UUID) (*RefundOutcome, error)
	ResumeStalledRelease(ctx context.Context, orderID uuid.UUID) (*domain.Order, error)
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Found     int
	Processed int
	Skipped   int
	Failed    int
}

// Jobs contains the logic for all settlement sweeps.
type Jobs struct {
	source          SweepSource
	ledger          SettlementLedger
	logger          *slog.Logger
	metrics         *SettlementMetrics
	batchSize       int
	claimStaleAfter time.Duration
	now             func() time.Time
}

// NewJobs creates a new Jobs runner.
func NewJobs(source SweepSource, ledger SettlementLedger, logger *slog.Logger, claimStaleAfter time.Duration) *Jobs {
	if claimStaleAfter <= 0 {
		claimStaleAfter = 15 * time.Minute
	}
	return &Jobs{
		source:          source,
		ledger:          ledger,
		logger:          logger,
		metrics:         Metrics(),
		batchSize:       defaultSweepBatchSize,
		claimStaleAfter: claimStaleAfter,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// RunAll runs every sweep once, in lifecycle order.
func (j *Jobs) RunAll() {
	j.ExpireUnpaidOrders()
	j.MarkOverdueOrders()
	j.RefundGraceExpiredOrders()
	j.RetryPendingRefunds()
	j.ResumeStalledReleases()
}

// ExpireUnpaidOrders cancels awaiting-payment orders whose payment window has lapsed.
func (j *Jobs) ExpireUnpaidOrders() {
	j.sweepOrders("expire_unpaid", j.source.ListExpiredUnpaidOrders, func(ctx context.Context, id uuid.UUID) error {
		_, err := j.ledger.ExpireUnpaidOrder(ctx, id)
		return err
	})
}

// MarkOverdueOrders starts the grace window on funded orders past their deadline.
func (j *Jobs) MarkOverdueOrders() {
	j.sweepOrders("mark_overdue", j.source.ListOverdueCandidates, func(ctx context.Context, id uuid.UUID) error {
		_, err := j.ledger.MarkOrderOverdue(ctx, id)
		return err
	})
}

// RefundGraceExpiredOrders refunds overdue orders in full once their grace window ends.
func (j *Jobs) RefundGraceExpiredOrders() {
	j.sweepOrders("refund_grace_expired", j.source.ListGraceExpiredOrders, func(ctx context.Context, id uuid.UUID) error {
		outcome, err := j.ledger.RefundOverdueOrder(ctx, id)
		if err == nil && outcome.Pending {
			j.logger.Warn("overdue refund pending retry", "order_id", id, "refund_id", outcome.Refund.ID)
		}
		return err
	})
}

// RetryPendingRefunds re-drives refunds whose previous attempt failed transiently.
func (j *Jobs) RetryPendingRefunds() {
	j.logger.Info("starting sweep", "sweep", "retry_refunds")
	ctx := context.Background()

	refunds, err := j.source.ListRetryableRefunds(ctx, j.now(), j.batchSize)
	if err != nil {
		j.logger.Error("failed to list sweep candidates", "sweep", "retry_refunds", "error", err)
		return
	}
	ids := make([]uuid.UUID, 0, len(refunds))
	for _, rf := range refunds {
		ids = append(ids, rf.ID)
	}
	j.process(ctx, "retry_refunds", ids, func(ctx context.Context, id uuid.UUID) error {
		_, err := j.ledger.RetryRefund(ctx, id)
		return err
	})
}

// ResumeStalledReleases finishes release claims abandoned by a crashed or timed-out caller.
func (j *Jobs) ResumeStalledReleases() {
	list := func(ctx context.Context, now time.Time, limit int) ([]domain.Order, error) {
		return j.source.ListStalledReleases(ctx, now.Add(-j.claimStaleAfter), limit)
	}
	j.sweepOrders("resume_releases", list, func(ctx context.Context, id uuid.UUID) error {
		_, err := j.ledger.ResumeStalledRelease(ctx, id)
		return err
	})
}

type orderLister func(ctx context.Context, now time.Time, limit int) ([]domain.Order, error)

func (j *Jobs) sweepOrders(name string, list orderLister, handle func(context.Context, uuid.UUID) error) SweepResult {
	j.logger.Info("starting sweep", "sweep", name)
	ctx := context.Background()

	orders, err := list(ctx, j.now(), j.batchSize)
	if err != nil {
		j.logger.Error("failed to list sweep candidates", "sweep", name, "error", err)
		return SweepResult{}
	}
	ids := make([]uuid.UUID, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ID)
	}
	return j.process(ctx, name, ids, handle)
}

func (j *Jobs) process(ctx context.Context, name string, ids []uuid.UUID, handle func(context.Context, uuid.UUID) error) SweepResult {
	result := SweepResult{Found: len(ids)}
	if len(ids) == 0 {
		j.logger.Info("sweep found nothing to do", "sweep", name)
		return result
	}

	for _, id := range ids {
		itemCtx, cancel := context.WithTimeout(ctx, time.Minute)
		err := handle(itemCtx, id)
		cancel()
		switch {
		case err == nil:
			result.Processed++
		case errors.Is(err, store.ErrStaleTransition), errors.Is(err, ErrAlreadySettled), errors.Is(err, ErrRefundInProgress):
			// Another writer got there first.
			result.Skipped++
			j.logger.Info("sweep item already moved", "sweep", name, "id", id, "reason", err)
		default:
			result.Failed++
			j.logger.Error("sweep item failed", "sweep", name, "id", id, "error", err)
		}
	}

	j.metrics.ObserveSweep(name, result.Processed, result.Failed)
	j.logger.Info("sweep finished", "sweep", name, "found", result.Found, "processed", result.Processed, "skipped", result.Skipped, "failed", result.Failed)
	return result
}
