/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface for
 * orders and the user directory. Every money-phase change is a single conditional UPDATE
 * keyed on the expected source phase; zero affected rows is reported as
 * ErrStaleTransition so the ledger can re-read and decide.
 *
 * @dependencies
 * - context, errors, fmt, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/editora/escrow-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository is the PostgreSQL implementation of the Repository interface.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const orderColumns = `
	id, order_number, type, client_id, editor_id, title, amount, currency,
	platform_fee_percentage, platform_fee, editor_earning, status, settlement_phase,
	previous_phase, claimed_at, gateway_order_id, gateway_payment_id, gateway_signature,
	gateway_payout_id, deadline, payment_expires_at, escrow_held_at, escrow_released_at,
	completed_at, overdue_at, grace_ends_at, deadline_extension_count, cancellation_reason,
	cancelled_at, refund_id, refund_amount, refunded_at, refund_reason, payout_status,
	payout_amount, created_at, updated_at`

var terminalStatuses = []string{
	string(domain.StatusCompleted),
	string(domain.StatusCancelled),
	string(domain.StatusExpired),
}

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var (
		o            domain.Order
		orderType    string
		status       string
		phase        string
		previous     *string
		payoutStatus string
	)
	err := row.Scan(
		&o.ID, &o.OrderNumber, &orderType, &o.ClientID, &o.EditorID, &o.Title, &o.Amount, &o.Currency,
		&o.PlatformFeePercentage, &o.PlatformFee, &o.EditorEarning, &status, &phase,
		&previous, &o.ClaimedAt, &o.GatewayOrderID, &o.GatewayPaymentID, &o.GatewaySignature,
		&o.GatewayPayoutID, &o.Deadline, &o.PaymentExpiresAt, &o.EscrowHeldAt, &o.EscrowReleasedAt,
		&o.CompletedAt, &o.OverdueAt, &o.GraceEndsAt, &o.DeadlineExtensionCount, &o.CancellationReason,
		&o.CancelledAt, &o.RefundID, &o.RefundAmount, &o.RefundedAt, &o.RefundReason, &payoutStatus,
		&o.PayoutAmount, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Type = domain.OrderType(orderType)
	o.Status = domain.OrderStatus(status)
	o.Phase = domain.SettlementPhase(phase)
	if previous != nil {
		p := domain.SettlementPhase(*previous)
		o.PreviousPhase = &p
	}
	o.PayoutStatus = domain.PayoutStatus(payoutStatus)
	o.Project()
	return &o, nil
}

func scanOrders(rows pgx.Rows) ([]domain.Order, error) {
	defer rows.Close()
	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func phaseStrings(phases []domain.SettlementPhase) []string {
	out := make([]string, len(phases))
	for i, p := range phases {
		out[i] = string(p)
	}
	return out
}

func statusStrings(statuses []domain.OrderStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// casResult turns a RETURNING scan into the ledger's error vocabulary.
func (r *PostgresRepository) casResult(ctx context.Context, q queryer, orderID uuid.UUID, order *domain.Order, err error) (*domain.Order, error) {
	if err == nil {
		return order, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	var exists bool
	if checkErr := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM escrow_orders WHERE id = $1)`, orderID).Scan(&exists); checkErr != nil {
		return nil, fmt.Errorf("failed to check order existence: %w", checkErr)
	}
	if !exists {
		return nil, ErrOrderNotFound
	}
	return nil, ErrStaleTransition
}

type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// FindUserIDByClerkUserID resolves the internal user id for a Clerk subject.
func (r *PostgresRepository) FindUserIDByClerkUserID(ctx context.Context, clerkUserID string) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.db.QueryRow(ctx, `SELECT id FROM users WHERE clerk_user_id = $1`, clerkUserID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, ErrUserNotFound
		}
		return uuid.Nil, err
	}
	return id, nil
}

// GetPayoutEligibility reports whether the editor has passed KYC and linked a verified fund account.
func (r *PostgresRepository) GetPayoutEligibility(ctx context.Context, editorID uuid.UUID) (domain.PayoutEligibility, error) {
	var (
		kycStatus     string
		fundAccountID *string
		verified      bool
	)
	err := r.db.QueryRow(ctx, `
		SELECT kyc_status, gateway_fund_account_id, fund_account_verified
		FROM users
		WHERE id = $1
	`, editorID).Scan(&kycStatus, &fundAccountID, &verified)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	if !strings.EqualFold(kycStatus, "verified") {
		return domain.IneligibleForPayout{Reason: "kyc_" + strings.ToLower(kycStatus)}, nil
	}
	if fundAccountID == nil || strings.TrimSpace(*fundAccountID) == "" {
		return domain.IneligibleForPayout{Reason: "no_fund_account"}, nil
	}
	if !verified {
		return domain.IneligibleForPayout{Reason: "fund_account_unverified"}, nil
	}
	return domain.EligibleForPayout{FundAccountID: *fundAccountID}, nil
}

// GetWalletBalance returns the client's internal wallet balance.
func (r *PostgresRepository) GetWalletBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	return r.userBalance(ctx, "wallet_balance", userID)
}

// GetPendingPayoutBalance returns the editor's accrued but unpaid earnings.
func (r *PostgresRepository) GetPendingPayoutBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	return r.userBalance(ctx, "pending_payout_balance", userID)
}

func (r *PostgresRepository) userBalance(ctx context.Context, column string, userID uuid.UUID) (int64, error) {
	var balance int64
	err := r.db.QueryRow(ctx, `SELECT `+column+` FROM users WHERE id = $1`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrUserNotFound
		}
		return 0, err
	}
	return balance, nil
}

// CreateOrder inserts a new order with its fee snapshot.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o *domain.Order) error {
	query := `
		INSERT INTO escrow_orders (
			id, order_number, type, client_id, editor_id, title, amount, currency,
			platform_fee_percentage, platform_fee, editor_earning, status, settlement_phase,
			deadline, payment_expires_at, payout_status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, '')
		RETURNING created_at, updated_at
	`
	return r.db.QueryRow(ctx, query,
		o.ID, o.OrderNumber, string(o.Type), o.ClientID, o.EditorID, o.Title, o.Amount, o.Currency,
		o.PlatformFeePercentage, o.PlatformFee, o.EditorEarning, string(o.Status), string(o.Phase),
		o.Deadline, o.PaymentExpiresAt,
	).Scan(&o.CreatedAt, &o.UpdatedAt)
}

// GetOrderByID loads an order by its id.
func (r *PostgresRepository) GetOrderByID(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	o, err := scanOrder(r.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM escrow_orders WHERE id = $1`, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return o, nil
}

// GetOrderByGatewayOrderID loads an order by the gateway checkout order id.
func (r *PostgresRepository) GetOrderByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*domain.Order, error) {
	o, err := scanOrder(r.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM escrow_orders WHERE gateway_order_id = $1`, gatewayOrderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return o, nil
}

// MarkPaymentProcessing records the gateway order and moves an unpaid order to processing.
func (r *PostgresRepository) MarkPaymentProcessing(ctx context.Context, orderID uuid.UUID, gatewayOrderID string) (*domain.Order, error) {
	query := `
		UPDATE escrow_orders
		SET settlement_phase = 'payment_processing',
		    previous_phase = settlement_phase,
		    gateway_order_id = $2,
		    updated_at = NOW()
		WHERE id = $1
		  AND settlement_phase IN ('awaiting_payment', 'payment_failed')
		  AND status <> ALL($3::text[])
		RETURNING ` + orderColumns
	o, err := scanOrder(r.db.QueryRow(ctx, query, orderID, gatewayOrderID, terminalStatuses))
	return r.casResult(ctx, r.db, orderID, o, err)
}

// CapturePayment moves a processing order into escrow. It also accepts orders whose
// checkout signature failed, because a verified capture webhook proves the money moved.
func (r *PostgresRepository) CapturePayment(ctx context.Context, p CaptureParams) (*domain.Order, error) {
	query := `
		UPDATE escrow_orders
		SET settlement_phase = 'held',
		    previous_phase = settlement_phase,
		    gateway_payment_id = $2,
		    gateway_signature = COALESCE($3, gateway_signature),
		    escrow_held_at = $4,
		    status = $6,
		    updated_at = NOW()
		WHERE id = $1
		  AND settlement_phase IN ('payment_processing', 'payment_failed')
		  AND status = $5
		RETURNING ` + orderColumns
	o, err := scanOrder(r.db.QueryRow(ctx, query,
		p.OrderID, p.GatewayPaymentID, p.GatewaySignature, p.HeldAt, string(p.ExpectedStatus), string(p.NextStatus),
	))
	return r.casResult(ctx, r.db, p.OrderID, o, err)
}

// MarkPaymentFailed records a failed checkout so the client can retry.
func (r *PostgresRepository) MarkPaymentFailed(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	query := `
		UPDATE escrow_orders
		SET settlement_phase = 'payment_failed',
		    previous_phase = settlement_phase,
		    updated_at = NOW()
		WHERE id = $1 AND settlement_phase = 'payment_processing'
		RETURNING ` + orderColumns
	o, err := scanOrder(r.db.QueryRow(ctx, query, orderID))
	return r.casResult(ctx, r.db, orderID, o, err)
}

// CancelUnpaidOrder cancels an order whose payment window lapsed. No money is involved.
func (r *PostgresRepository) CancelUnpaidOrder(ctx context.Context, orderID uuid.UUID, reason string, at time.Time) (*domain.Order, error) {
	query := `
		UPDATE escrow_orders
		SET settlement_phase = 'unpaid_cancelled',
		    previous_phase = settlement_phase,
		    status = 'cancelled',
		    cancellation_reason = $2,
		    cancelled_at = $3,
		    updated_at = NOW()
		WHERE id = $1
		  AND status = 'awaiting_payment'
		  AND settlement_phase IN ('awaiting_payment', 'payment_failed')
		  AND payment_expires_at <= $3
		RETURNING ` + orderColumns
	o, err := scanOrder(r.db.QueryRow(ctx, query, orderID, reason, at))
	return r.casResult(ctx, r.db, orderID, o, err)
}

// AdvanceWorkflowStatus moves a funded order between workflow statuses.
// A submission lifts an overdue mark: the editor delivered, so the grace refund no longer applies.
func (r *PostgresRepository) AdvanceWorkflowStatus(ctx context.Context, orderID uuid.UUID, from []domain.OrderStatus, to domain.OrderStatus) (*domain.Order, error) {
	query := `
		UPDATE escrow_orders
		SET status = $3,
		    previous_phase = CASE WHEN $3::text = 'submitted' AND settlement_phase = 'overdue' THEN settlement_phase ELSE previous_phase END,
		    overdue_at = CASE WHEN $3::text = 'submitted' AND settlement_phase = 'overdue' THEN NULL ELSE overdue_at END,
		    grace_ends_at = CASE WHEN $3::text = 'submitted' AND settlement_phase = 'overdue' THEN NULL ELSE grace_ends_at END,
		    settlement_phase = CASE WHEN $3::text = 'submitted' THEN 'held' ELSE settlement_phase END,
		    updated_at = NOW()
		WHERE id = $1
		  AND status = ANY($2::text[])
		  AND settlement_phase IN ('held', 'overdue')
		RETURNING ` + orderColumns
	o, err := scanOrder(r.db.QueryRow(ctx, query, orderID, statusStrings(from), string(to)))
	return r.casResult(ctx, r.db, orderID, o, err)
}

// MarkOverdue starts the grace window for an order that missed its deadline.
func (r *PostgresRepository) MarkOverdue(ctx context.Context, orderID uuid.UUID, at, graceEndsAt time.Time) (*domain.Order, error) {
	query := `
		UPDATE escrow_orders
		SET settlement_phase = 'overdue',
		    previous_phase = settlement_phase,
		    overdue_at = $2,
		    grace_ends_at = $3,
		    updated_at = NOW()
		WHERE id = $1
		  AND settlement_phase = 'held'
		  AND status IN ('accepted', 'in_progress')
		  AND deadline < $2
		RETURNING ` + orderColumns
	o, err := scanOrder(r.db.QueryRow(ctx, query, orderID, at, graceEndsAt))
	return r.casResult(ctx, r.db, orderID, o, err)
}

// ExtendDeadline pushes the deadline back and lifts any overdue penalty.
func (r *PostgresRepository) ExtendDeadline(ctx context.Context, orderID uuid.UUID, deadline time.Time) (*domain.Order, error) {
	query := `
		UPDATE escrow_orders
		SET deadline = $2,
		    deadline_extension_count = deadline_extension_count + 1,
		    previous_phase = settlement_phase,
		    settlement_phase = 'held',
		    overdue_at = NULL,
		    grace_ends_at = NULL,
		    updated_at = NOW()
		WHERE id = $1
		  AND deadline_extension_count < $3
		  AND status IN ('accepted', 'in_progress')
		  AND settlement_phase IN ('held', 'overdue')
		RETURNING ` + orderColumns
	o, err := scanOrder(r.db.QueryRow(ctx, query, orderID, deadline, domain.MaxDeadlineExtensions))
	return r.casResult(ctx, r.db, orderID, o, err)
}

// MarkDisputed freezes a funded order pending admin resolution.
func (r *PostgresRepository) MarkDisputed(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	query := `
		UPDATE escrow_orders
		SET previous_phase = settlement_phase,
		    settlement_phase = 'disputed',
		    status = 'disputed',
		    updated_at = NOW()
		WHERE id = $1
		  AND settlement_phase IN ('held', 'overdue')
		  AND status <> ALL($2::text[])
		RETURNING ` + orderColumns
	o, err := scanOrder(r.db.QueryRow(ctx, query, orderID, terminalStatuses))
	return r.casResult(ctx, r.db, orderID, o, err)
}

const claimQuery = `
	UPDATE escrow_orders
	SET previous_phase = settlement_phase,
	    settlement_phase = $3,
	    claimed_at = $4,
	    updated_at = NOW()
	WHERE id = $1
	  AND settlement_phase = ANY($2::text[])
	  AND ($5::text IS NULL OR status = $5::text)
	  AND status <> ALL($6::text[])
	RETURNING `

func claimArgs(p ClaimParams) []any {
	var expected *string
	if p.ExpectedStatus != nil {
		s := string(*p.ExpectedStatus)
		expected = &s
	}
	return []any{p.OrderID, phaseStrings(p.From), string(p.To), p.At, expected, terminalStatuses}
}

// ClaimSettlement moves a funded order into a releasing or refunding claim.
func (r *PostgresRepository) ClaimSettlement(ctx context.Context, p ClaimParams) (*domain.Order, error) {
	o, err := scanOrder(r.db.QueryRow(ctx, claimQuery+orderColumns, claimArgs(p)...))
	return r.casResult(ctx, r.db, p.OrderID, o, err)
}

// ReclaimStalledRelease refreshes a release claim that has not finished in time so that
// exactly one recoverer resumes it.
func (r *PostgresRepository) ReclaimStalledRelease(ctx context.Context, orderID uuid.UUID, staleBefore, at time.Time) (*domain.Order, error) {
	query := `
		UPDATE escrow_orders
		SET claimed_at = $3, updated_at = NOW()
		WHERE id = $1
		  AND settlement_phase = 'releasing'
		  AND claimed_at < $2
		RETURNING ` + orderColumns
	o, err := scanOrder(r.db.QueryRow(ctx, query, orderID, staleBefore, at))
	return r.casResult(ctx, r.db, orderID, o, err)
}

// FinalizeRelease completes a release claim, writes the Payment record and, for deferred
// payouts, accrues the editor's pending balance in the same transaction.
func (r *PostgresRepository) FinalizeRelease(ctx context.Context, s ReleaseSettlement) (*domain.Order, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	phase := domain.PhaseReleased
	if s.Deferred {
		phase = domain.PhasePayoutDeferred
	}

	query := `
		UPDATE escrow_orders
		SET settlement_phase = $2,
		    claimed_at = NULL,
		    status = 'completed',
		    completed_at = $3,
		    escrow_released_at = $3,
		    gateway_payout_id = COALESCE($4, gateway_payout_id),
		    payout_status = $5,
		    payout_amount = $6,
		    updated_at = NOW()
		WHERE id = $1 AND settlement_phase = 'releasing'
		RETURNING ` + orderColumns
	o, err := scanOrder(tx.QueryRow(ctx, query,
		s.OrderID, string(phase), s.At, s.GatewayPayoutID, string(s.PayoutStatus), s.PayoutAmount,
	))
	if o, err = r.casResult(ctx, tx, s.OrderID, o, err); err != nil {
		return nil, err
	}

	if err := insertPayment(ctx, tx, s.Payment); err != nil {
		return nil, err
	}

	if s.Deferred {
		if err := incrementBalance(ctx, tx, "pending_payout_balance", o.EditorID, s.PayoutAmount); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit release: %w", err)
	}
	return o, nil
}

// incrementBalance atomically adds amount to one of the user balance columns.
func incrementBalance(ctx context.Context, tx pgx.Tx, column string, userID uuid.UUID, amount int64) error {
	tag, err := tx.Exec(ctx, `UPDATE users SET `+column+` = `+column+` + $1, updated_at = NOW() WHERE id = $2`, amount, userID)
	if err != nil {
		return fmt.Errorf("failed to increment %s: %w", column, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// MarkPayoutProcessed records the gateway's confirmation that a payout settled.
func (r *PostgresRepository) MarkPayoutProcessed(ctx context.Context, gatewayPayoutID string) (*domain.Order, error) {
	query := `
		UPDATE escrow_orders
		SET payout_status = 'processed', updated_at = NOW()
		WHERE gateway_payout_id = $1
		  AND settlement_phase = 'released'
		  AND payout_status = 'processing'
		RETURNING ` + orderColumns
	o, err := scanOrder(r.db.QueryRow(ctx, query, gatewayPayoutID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrStaleTransition
		}
		return nil, err
	}
	return o, nil
}

// MarkPayoutFailed moves a failed or reversed payout onto the editor's pending balance.
func (r *PostgresRepository) MarkPayoutFailed(ctx context.Context, gatewayPayoutID string) (*domain.Order, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE escrow_orders
		SET settlement_phase = 'payout_deferred',
		    payout_status = 'pending',
		    updated_at = NOW()
		WHERE gateway_payout_id = $1
		  AND settlement_phase = 'released'
		  AND payout_status IN ('processing', 'processed')
		RETURNING ` + orderColumns
	o, err := scanOrder(tx.QueryRow(ctx, query, gatewayPayoutID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrStaleTransition
		}
		return nil, err
	}

	amount := o.EditorEarning
	if o.PayoutAmount != nil {
		amount = *o.PayoutAmount
	}
	if err := incrementBalance(ctx, tx, "pending_payout_balance", o.EditorID, amount); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit payout failure: %w", err)
	}
	return o, nil
}

// ListExpiredUnpaidOrders returns awaiting-payment orders past their payment window.
// Orders with a payment in flight are left alone until the gateway resolves it.
func (r *PostgresRepository) ListExpiredUnpaidOrders(ctx context.Context, now time.Time, limit int) ([]domain.Order, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+orderColumns+`
		FROM escrow_orders
		WHERE status = 'awaiting_payment'
		  AND settlement_phase IN ('awaiting_payment', 'payment_failed')
		  AND payment_expires_at <= $1
		ORDER BY payment_expires_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return scanOrders(rows)
}

// ListOverdueCandidates returns funded orders past their deadline that are not yet overdue.
func (r *PostgresRepository) ListOverdueCandidates(ctx context.Context, now time.Time, limit int) ([]domain.Order, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+orderColumns+`
		FROM escrow_orders
		WHERE settlement_phase = 'held'
		  AND status IN ('accepted', 'in_progress')
		  AND deadline < $1
		ORDER BY deadline
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return scanOrders(rows)
}

// ListGraceExpiredOrders returns overdue orders whose grace window has lapsed.
func (r *PostgresRepository) ListGraceExpiredOrders(ctx context.Context, now time.Time, limit int) ([]domain.Order, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+orderColumns+`
		FROM escrow_orders
		WHERE settlement_phase = 'overdue'
		  AND status IN ('accepted', 'in_progress')
		  AND grace_ends_at <= $1
		ORDER BY grace_ends_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return scanOrders(rows)
}

// ListStalledReleases returns release claims older than staleBefore.
func (r *PostgresRepository) ListStalledReleases(ctx context.Context, staleBefore time.Time, limit int) ([]domain.Order, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+orderColumns+`
		FROM escrow_orders
		WHERE settlement_phase = 'releasing'
		  AND claimed_at < $1
		ORDER BY claimed_at
		LIMIT $2
	`, staleBefore, limit)
	if err != nil {
		return nil, err
	}
	return scanOrders(rows)
}
