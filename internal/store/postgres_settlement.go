package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/editora/escrow-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const refundColumns = `
	id, order_id, order_number, client_id, amount, percentage, reason, reason_details,
	initiated_by, status, gateway_refund_id, failure_reason, retry_count, max_retries,
	next_retry_at, original_gateway_order_id, original_gateway_payment_id, original_amount,
	original_paid_at, completed_at, created_at, updated_at`

func scanRefund(row pgx.Row) (*domain.Refund, error) {
	var (
		rf     domain.Refund
		status string
	)
	err := row.Scan(
		&rf.ID, &rf.OrderID, &rf.OrderNumber, &rf.ClientID, &rf.Amount, &rf.Percentage, &rf.Reason, &rf.ReasonDetails,
		&rf.InitiatedBy, &status, &rf.GatewayRefundID, &rf.FailureReason, &rf.RetryCount, &rf.MaxRetries,
		&rf.NextRetryAt, &rf.OriginalPayment.GatewayOrderID, &rf.OriginalPayment.GatewayPaymentID, &rf.OriginalPayment.Amount,
		&rf.OriginalPayment.PaidAt, &rf.CompletedAt, &rf.CreatedAt, &rf.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rf.Status = domain.RefundStatus(status)
	return &rf, nil
}

func insertPayment(ctx context.Context, tx pgx.Tx, p domain.Payment) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO escrow_payments (
			id, receipt_id, order_id, type, payer_id, payee_id, amount, platform_fee,
			net_amount, method, gateway_reference_id, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, p.ID, p.ReceiptID, p.OrderID, string(p.Type), p.PayerID, p.PayeeID, p.Amount, p.PlatformFee,
		p.NetAmount, string(p.Method), p.GatewayReferenceID, p.Status, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert payment record: %w", err)
	}
	return nil
}

// ClaimRefund claims a funded order for refund and opens its Refund record atomically.
// The live-refund unique index turns a second concurrent claim into ErrLiveRefundExists.
func (r *PostgresRepository) ClaimRefund(ctx context.Context, p ClaimParams, rf *domain.Refund) (*domain.Order, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	o, err := scanOrder(tx.QueryRow(ctx, claimQuery+orderColumns, claimArgs(p)...))
	if o, err = r.casResult(ctx, tx, p.OrderID, o, err); err != nil {
		return nil, err
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO escrow_refunds (
			id, order_id, order_number, client_id, amount, percentage, reason, reason_details,
			initiated_by, status, retry_count, max_retries, next_retry_at,
			original_gateway_order_id, original_gateway_payment_id, original_amount, original_paid_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING created_at, updated_at
	`, rf.ID, rf.OrderID, rf.OrderNumber, rf.ClientID, rf.Amount, rf.Percentage, rf.Reason, rf.ReasonDetails,
		rf.InitiatedBy, string(rf.Status), rf.RetryCount, rf.MaxRetries, rf.NextRetryAt,
		rf.OriginalPayment.GatewayOrderID, rf.OriginalPayment.GatewayPaymentID, rf.OriginalPayment.Amount, rf.OriginalPayment.PaidAt,
	).Scan(&rf.CreatedAt, &rf.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrLiveRefundExists
		}
		return nil, fmt.Errorf("failed to insert refund: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit refund claim: %w", err)
	}
	return o, nil
}

// GetRefundByID loads a refund.
func (r *PostgresRepository) GetRefundByID(ctx context.Context, refundID uuid.UUID) (*domain.Refund, error) {
	rf, err := scanRefund(r.db.QueryRow(ctx, `SELECT `+refundColumns+` FROM escrow_refunds WHERE id = $1`, refundID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRefundNotFound
		}
		return nil, err
	}
	return rf, nil
}

// LeaseRefund takes ownership of a due refund attempt until leaseUntil.
func (r *PostgresRepository) LeaseRefund(ctx context.Context, refundID uuid.UUID, now, leaseUntil time.Time) (*domain.Refund, error) {
	rf, err := scanRefund(r.db.QueryRow(ctx, `
		UPDATE escrow_refunds
		SET status = 'processing', next_retry_at = $3, updated_at = NOW()
		WHERE id = $1
		  AND status IN ('initiated', 'processing', 'failed')
		  AND next_retry_at IS NOT NULL
		  AND next_retry_at <= $2
		RETURNING `+refundColumns, refundID, now, leaseUntil))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrStaleTransition
		}
		return nil, err
	}
	return rf, nil
}

// RecordRefundFailure schedules another attempt after a transient gateway failure.
func (r *PostgresRepository) RecordRefundFailure(ctx context.Context, refundID uuid.UUID, retryCount int, nextRetryAt time.Time, reason string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE escrow_refunds
		SET status = 'failed', retry_count = $2, next_retry_at = $3, failure_reason = $4, updated_at = NOW()
		WHERE id = $1 AND status IN ('initiated', 'processing', 'failed')
	`, refundID, retryCount, nextRetryAt, reason)
	if err != nil {
		return fmt.Errorf("failed to record refund failure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleTransition
	}
	return nil
}

// AbandonRefund terminally fails a refund and hands the order back to the phase it was
// claimed from.
func (r *PostgresRepository) AbandonRefund(ctx context.Context, refundID, orderID uuid.UUID, reason string) (*domain.Order, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE escrow_refunds
		SET status = 'failed', next_retry_at = NULL, failure_reason = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ('initiated', 'processing', 'failed')
	`, refundID, reason)
	if err != nil {
		return nil, fmt.Errorf("failed to abandon refund: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrStaleTransition
	}

	o, err := scanOrder(tx.QueryRow(ctx, `
		UPDATE escrow_orders
		SET settlement_phase = COALESCE(previous_phase, 'held'),
		    previous_phase = 'refunding',
		    claimed_at = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND settlement_phase = 'refunding'
		RETURNING `+orderColumns, orderID))
	if o, err = r.casResult(ctx, tx, orderID, o, err); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit refund abandonment: %w", err)
	}
	return o, nil
}

// FinalizeRefund completes a refund claim: the order, the Refund, the Payment record and
// any wallet or pending-payout credit are written in one transaction.
func (r *PostgresRepository) FinalizeRefund(ctx context.Context, s RefundSettlement) (*domain.Order, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	payoutStatus := ""
	var payoutAmount *int64
	if s.EditorShare > 0 {
		payoutStatus = string(domain.PayoutPending)
		payoutAmount = &s.EditorShare
	}

	o, err := scanOrder(tx.QueryRow(ctx, `
		UPDATE escrow_orders
		SET settlement_phase = 'refunded',
		    claimed_at = NULL,
		    status = $2,
		    cancelled_at = CASE WHEN $2 = 'cancelled' THEN $3 ELSE cancelled_at END,
		    cancellation_reason = CASE WHEN $2 = 'cancelled' THEN COALESCE(cancellation_reason, $6) ELSE cancellation_reason END,
		    completed_at = CASE WHEN $2 = 'completed' THEN $3 ELSE completed_at END,
		    refund_id = $4,
		    refund_amount = $5,
		    refunded_at = $3,
		    refund_reason = $6,
		    payout_status = CASE WHEN $7 <> '' THEN $7 ELSE payout_status END,
		    payout_amount = COALESCE($8, payout_amount),
		    updated_at = NOW()
		WHERE id = $1 AND settlement_phase = 'refunding'
		RETURNING `+orderColumns,
		s.OrderID, string(s.Status), s.At, s.Refund.ID, s.Refund.Amount, s.Refund.Reason, payoutStatus, payoutAmount,
	))
	if o, err = r.casResult(ctx, tx, s.OrderID, o, err); err != nil {
		return nil, err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE escrow_refunds
		SET status = $2,
		    gateway_refund_id = $3,
		    failure_reason = $4,
		    retry_count = $5,
		    next_retry_at = NULL,
		    completed_at = $6,
		    updated_at = NOW()
		WHERE id = $1 AND status IN ('initiated', 'processing', 'failed')
	`, s.Refund.ID, string(s.Refund.Status), s.Refund.GatewayRefundID, s.Refund.FailureReason, s.Refund.RetryCount, s.At)
	if err != nil {
		return nil, fmt.Errorf("failed to update refund: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrStaleTransition
	}

	if err := insertPayment(ctx, tx, s.Payment); err != nil {
		return nil, err
	}

	if s.Refund.Status == domain.RefundAddedToWallet {
		if err := incrementBalance(ctx, tx, "wallet_balance", s.Refund.ClientID, s.Refund.Amount); err != nil {
			return nil, err
		}
	}

	if s.EditorShare > 0 {
		if err := incrementBalance(ctx, tx, "pending_payout_balance", o.EditorID, s.EditorShare); err != nil {
			return nil, err
		}
		if s.EditorPayment != nil {
			if err := insertPayment(ctx, tx, *s.EditorPayment); err != nil {
				return nil, err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit refund: %w", err)
	}
	return o, nil
}

// ConvertRefundToWallet credits the client's wallet for a gateway refund that the gateway
// later reported as failed.
func (r *PostgresRepository) ConvertRefundToWallet(ctx context.Context, gatewayRefundID, reason string) (*domain.Refund, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rf, err := scanRefund(tx.QueryRow(ctx, `
		UPDATE escrow_refunds
		SET status = 'added_to_wallet', failure_reason = $2, updated_at = NOW()
		WHERE gateway_refund_id = $1 AND status = 'completed'
		RETURNING `+refundColumns, gatewayRefundID, reason))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrStaleTransition
		}
		return nil, err
	}

	if err := incrementBalance(ctx, tx, "wallet_balance", rf.ClientID, rf.Amount); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit wallet conversion: %w", err)
	}
	return rf, nil
}

// ListRetryableRefunds returns live refunds whose next attempt is due.
func (r *PostgresRepository) ListRetryableRefunds(ctx context.Context, now time.Time, limit int) ([]domain.Refund, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+refundColumns+`
		FROM escrow_refunds
		WHERE status IN ('initiated', 'processing', 'failed')
		  AND next_retry_at IS NOT NULL
		  AND next_retry_at <= $1
		ORDER BY next_retry_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refunds []domain.Refund
	for rows.Next() {
		rf, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		refunds = append(refunds, *rf)
	}
	return refunds, rows.Err()
}

// ListPaymentsByOrder returns the settlement records for an order, oldest first.
func (r *PostgresRepository) ListPaymentsByOrder(ctx context.Context, orderID uuid.UUID) ([]domain.Payment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, receipt_id, order_id, type, payer_id, payee_id, amount, platform_fee,
		       net_amount, method, gateway_reference_id, status, created_at
		FROM escrow_payments
		WHERE order_id = $1
		ORDER BY created_at
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []domain.Payment
	for rows.Next() {
		var (
			p      domain.Payment
			kind   string
			method string
		)
		if err := rows.Scan(&p.ID, &p.ReceiptID, &p.OrderID, &kind, &p.PayerID, &p.PayeeID, &p.Amount, &p.PlatformFee,
			&p.NetAmount, &method, &p.GatewayReferenceID, &p.Status, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Type = domain.PaymentType(kind)
		p.Method = domain.PaymentMethod(method)
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// RecordRating stores the client's rating. Ratings are write-once.
func (r *PostgresRepository) RecordRating(ctx context.Context, rating domain.Rating) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO escrow_ratings (order_id, client_id, score, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (order_id) DO NOTHING
	`, rating.OrderID, rating.ClientID, rating.Score, rating.CreatedAt)
	return err
}

// HasRating reports whether the order has been rated.
func (r *PostgresRepository) HasRating(ctx context.Context, orderID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM escrow_ratings WHERE order_id = $1)`, orderID).Scan(&exists)
	return exists, err
}

// UpsertDelivery stores the current download token hash for an order.
func (r *PostgresRepository) UpsertDelivery(ctx context.Context, d domain.Delivery) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO escrow_deliveries (order_id, token_hash, expires_at, issued_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (order_id) DO UPDATE
		SET token_hash = EXCLUDED.token_hash,
		    expires_at = EXCLUDED.expires_at,
		    issued_at = EXCLUDED.issued_at
	`, d.OrderID, d.TokenHash, d.ExpiresAt, d.IssuedAt)
	return err
}

// GetDelivery loads the download token record for an order.
func (r *PostgresRepository) GetDelivery(ctx context.Context, orderID uuid.UUID) (*domain.Delivery, error) {
	var d domain.Delivery
	err := r.db.QueryRow(ctx, `
		SELECT order_id, token_hash, expires_at, issued_at
		FROM escrow_deliveries
		WHERE order_id = $1
	`, orderID).Scan(&d.OrderID, &d.TokenHash, &d.ExpiresAt, &d.IssuedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDeliveryNotFound
		}
		return nil, err
	}
	return &d, nil
}

// RecordWebhookEvent stores a gateway event id and reports whether it was new.
func (r *PostgresRepository) RecordWebhookEvent(ctx context.Context, eventID, eventType string, payload []byte) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO gateway_webhook_events (event_id, event_type, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, eventType, string(payload))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ForgetWebhookEvent removes a recorded event so a gateway retry is processed again.
func (r *PostgresRepository) ForgetWebhookEvent(ctx context.Context, eventID string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM gateway_webhook_events WHERE event_id = $1`, eventID)
	return err
}
