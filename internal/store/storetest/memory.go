// Package storetest provides an in-memory store.Repository for tests. Every transition
// applies the same source-phase guards as the PostgreSQL queries, under one mutex, so
// concurrency tests observe the same compare-and-swap outcomes.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/editora/escrow-service/internal/domain"
	"github.com/editora/escrow-service/internal/store"
	"github.com/google/uuid"
)

// User is a seeded user directory entry.
type User struct {
	ID                   uuid.UUID
	ClerkUserID          string
	WalletBalance        int64
	PendingPayoutBalance int64
	Eligibility          domain.PayoutEligibility
}

// Memory is an in-memory store.Repository.
type Memory struct {
	mu         sync.Mutex
	users      map[uuid.UUID]*User
	orders     map[uuid.UUID]*domain.Order
	refunds    map[uuid.UUID]*domain.Refund
	payments   []domain.Payment
	ratings    map[uuid.UUID]domain.Rating
	deliveries map[uuid.UUID]domain.Delivery
	webhooks   map[string]string
}

var _ store.Repository = (*Memory)(nil)

// NewMemory returns an empty repository.
func NewMemory() *Memory {
	return &Memory{
		users:      make(map[uuid.UUID]*User),
		orders:     make(map[uuid.UUID]*domain.Order),
		refunds:    make(map[uuid.UUID]*domain.Refund),
		ratings:    make(map[uuid.UUID]domain.Rating),
		deliveries: make(map[uuid.UUID]domain.Delivery),
		webhooks:   make(map[string]string),
	}
}

// AddUser seeds a user. A nil Eligibility means the user has not passed KYC.
func (m *Memory) AddUser(u User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.Eligibility == nil {
		u.Eligibility = domain.IneligibleForPayout{Reason: "kyc_pending"}
	}
	m.users[u.ID] = &u
}

// PutOrder stores o as-is, bypassing every guard.
func (m *Memory) PutOrder(o domain.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = cloneOrder(&o)
}

// Refunds returns every refund recorded for orderID.
func (m *Memory) Refunds(orderID uuid.UUID) []domain.Refund {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Refund
	for _, rf := range m.refunds {
		if rf.OrderID == orderID {
			out = append(out, *rf)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func cloneOrder(o *domain.Order) *domain.Order {
	c := *o
	c.Project()
	return &c
}

func phaseIn(p domain.SettlementPhase, phases ...domain.SettlementPhase) bool {
	for _, candidate := range phases {
		if p == candidate {
			return true
		}
	}
	return false
}

func statusIn(s domain.OrderStatus, statuses ...domain.OrderStatus) bool {
	for _, candidate := range statuses {
		if s == candidate {
			return true
		}
	}
	return false
}

func refundLive(rf *domain.Refund) bool {
	return !rf.IsTerminal()
}

// cas applies mutate when guard accepts the current order.
func (m *Memory) cas(orderID uuid.UUID, guard func(*domain.Order) bool, mutate func(*domain.Order)) (*domain.Order, error) {
	o, ok := m.orders[orderID]
	if !ok {
		return nil, store.ErrOrderNotFound
	}
	if !guard(o) {
		return nil, store.ErrStaleTransition
	}
	mutate(o)
	o.UpdatedAt = time.Now()
	return cloneOrder(o), nil
}

func (m *Memory) increment(userID uuid.UUID, wallet bool, amount int64) error {
	u, ok := m.users[userID]
	if !ok {
		return store.ErrUserNotFound
	}
	if wallet {
		u.WalletBalance += amount
	} else {
		u.PendingPayoutBalance += amount
	}
	return nil
}

func (m *Memory) paymentExists(p domain.Payment) bool {
	for _, existing := range m.payments {
		if existing.OrderID == p.OrderID && existing.Type == p.Type && existing.Method == p.Method {
			return true
		}
	}
	return false
}

func (m *Memory) FindUserIDByClerkUserID(ctx context.Context, clerkUserID string) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.ClerkUserID == clerkUserID {
			return u.ID, nil
		}
	}
	return uuid.Nil, store.ErrUserNotFound
}

func (m *Memory) GetPayoutEligibility(ctx context.Context, editorID uuid.UUID) (domain.PayoutEligibility, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[editorID]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	return u.Eligibility, nil
}

func (m *Memory) GetWalletBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return 0, store.ErrUserNotFound
	}
	return u.WalletBalance, nil
}

func (m *Memory) GetPendingPayoutBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return 0, store.ErrUserNotFound
	}
	return u.PendingPayoutBalance, nil
}

func (m *Memory) CreateOrder(ctx context.Context, o *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.orders[o.ID]; exists {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	now := time.Now()
	o.CreatedAt, o.UpdatedAt = now, now
	m.orders[o.ID] = cloneOrder(o)
	return nil
}

func (m *Memory) GetOrderByID(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, store.ErrOrderNotFound
	}
	return cloneOrder(o), nil
}

func (m *Memory) GetOrderByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.GatewayOrderID != nil && *o.GatewayOrderID == gatewayOrderID {
			return cloneOrder(o), nil
		}
	}
	return nil, store.ErrOrderNotFound
}

func (m *Memory) MarkPaymentProcessing(ctx context.Context, orderID uuid.UUID, gatewayOrderID string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cas(orderID, func(o *domain.Order) bool {
		return phaseIn(o.Phase, domain.PhaseAwaitingPayment, domain.PhasePaymentFailed) && !o.Status.IsTerminal()
	}, func(o *domain.Order) {
		prev := o.Phase
		o.PreviousPhase = &prev
		o.Phase = domain.PhasePaymentProcessing
		o.GatewayOrderID = &gatewayOrderID
	})
}

func (m *Memory) CapturePayment(ctx context.Context, p store.CaptureParams) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cas(p.OrderID, func(o *domain.Order) bool {
		return phaseIn(o.Phase, domain.PhasePaymentProcessing, domain.PhasePaymentFailed) && o.Status == p.ExpectedStatus
	}, func(o *domain.Order) {
		prev := o.Phase
		o.PreviousPhase = &prev
		o.Phase = domain.PhaseHeld
		paymentID := p.GatewayPaymentID
		o.GatewayPaymentID = &paymentID
		if p.GatewaySignature != nil {
			o.GatewaySignature = p.GatewaySignature
		}
		heldAt := p.HeldAt
		o.EscrowHeldAt = &heldAt
		o.Status = p.NextStatus
	})
}

func (m *Memory) MarkPaymentFailed(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cas(orderID, func(o *domain.Order) bool {
		return o.Phase == domain.PhasePaymentProcessing
	}, func(o *domain.Order) {
		prev := o.Phase
		o.PreviousPhase = &prev
		o.Phase = domain.PhasePaymentFailed
	})
}

func (m *Memory) CancelUnpaidOrder(ctx context.Context, orderID uuid.UUID, reason string, at time.Time) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cas(orderID, func(o *domain.Order) bool {
		return o.Status == domain.StatusAwaitingPayment &&
			phaseIn(o.Phase, domain.PhaseAwaitingPayment, domain.PhasePaymentFailed) &&
			o.PaymentExpiresAt != nil && !o.PaymentExpiresAt.After(at)
	}, func(o *domain.Order) {
		prev := o.Phase
		o.PreviousPhase = &prev
		o.Phase = domain.PhaseUnpaidCancelled
		o.Status = domain.StatusCancelled
		o.CancellationReason = &reason
		o.CancelledAt = &at
	})
}

func (m *Memory) AdvanceWorkflowStatus(ctx context.Context, orderID uuid.UUID, from []domain.OrderStatus, to domain.OrderStatus) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cas(orderID, func(o *domain.Order) bool {
		return statusIn(o.Status, from...) && phaseIn(o.Phase, domain.PhaseHeld, domain.PhaseOverdue)
	}, func(o *domain.Order) {
		o.Status = to
		if to == domain.StatusSubmitted && o.Phase == domain.PhaseOverdue {
			prev := o.Phase
			o.PreviousPhase = &prev
			o.Phase = domain.PhaseHeld
			o.OverdueAt = nil
			o.GraceEndsAt = nil
		}
	})
}

func (m *Memory) MarkOverdue(ctx context.Context, orderID uuid.UUID, at, graceEndsAt time.Time) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cas(orderID, func(o *domain.Order) bool {
		return o.Phase == domain.PhaseHeld &&
			statusIn(o.Status, domain.StatusAccepted, domain.StatusInProgress) &&
			o.Deadline != nil && o.Deadline.Before(at)
	}, func(o *domain.Order) {
		prev := o.Phase
		o.PreviousPhase = &prev
		o.Phase = domain.PhaseOverdue
		o.OverdueAt = &at
		o.GraceEndsAt = &graceEndsAt
	})
}

func (m *Memory) ExtendDeadline(ctx context.Context, orderID uuid.UUID, deadline time.Time) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cas(orderID, func(o *domain.Order) bool {
		return o.DeadlineExtensionCount < domain.MaxDeadlineExtensions &&
			statusIn(o.Status, domain.StatusAccepted, domain.StatusInProgress) &&
			phaseIn(o.Phase, domain.PhaseHeld, domain.PhaseOverdue)
	}, func(o *domain.Order) {
		o.Deadline = &deadline
		o.DeadlineExtensionCount++
		prev := o.Phase
		o.PreviousPhase = &prev
		o.Phase = domain.PhaseHeld
		o.OverdueAt = nil
		o.GraceEndsAt = nil
	})
}

func (m *Memory) MarkDisputed(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cas(orderID, func(o *domain.Order) bool {
		return phaseIn(o.Phase, domain.PhaseHeld, domain.PhaseOverdue) && !o.Status.IsTerminal()
	}, func(o *domain.Order) {
		prev := o.Phase
		o.PreviousPhase = &prev
		o.Phase = domain.PhaseDisputed
		o.Status = domain.StatusDisputed
	})
}

func claimGuard(p store.ClaimParams) func(*domain.Order) bool {
	return func(o *domain.Order) bool {
		if !phaseIn(o.Phase, p.From...) || o.Status.IsTerminal() {
			return false
		}
		return p.ExpectedStatus == nil || o.Status == *p.ExpectedStatus
	}
}

func claimMutation(p store.ClaimParams) func(*domain.Order) {
	return func(o *domain.Order) {
		prev := o.Phase
		o.PreviousPhase = &prev
		o.Phase = p.To
		at := p.At
		o.ClaimedAt = &at
	}
}

func (m *Memory) ClaimSettlement(ctx context.Context, p store.ClaimParams) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cas(p.OrderID, claimGuard(p), claimMutation(p))
}

func (m *Memory) ReclaimStalledRelease(ctx context.Context, orderID uuid.UUID, staleBefore, at time.Time) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cas(orderID, func(o *domain.Order) bool {
		return o.Phase == domain.PhaseReleasing && o.ClaimedAt != nil && o.ClaimedAt.Before(staleBefore)
	}, func(o *domain.Order) {
		o.ClaimedAt = &at
	})
}

func (m *Memory) FinalizeRelease(ctx context.Context, s store.ReleaseSettlement) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[s.OrderID]
	if !ok {
		return nil, store.ErrOrderNotFound
	}
	if o.Phase != domain.PhaseReleasing {
		return nil, store.ErrStaleTransition
	}
	if m.paymentExists(s.Payment) {
		return nil, fmt.Errorf("duplicate payment record for order %s", s.OrderID)
	}
	if s.Deferred {
		if _, ok := m.users[o.EditorID]; !ok {
			return nil, store.ErrUserNotFound
		}
	}

	if s.Deferred {
		o.Phase = domain.PhasePayoutDeferred
	} else {
		o.Phase = domain.PhaseReleased
	}
	o.ClaimedAt = nil
	o.Status = domain.StatusCompleted
	at := s.At
	o.CompletedAt = &at
	o.EscrowReleasedAt = &at
	if s.GatewayPayoutID != nil {
		o.GatewayPayoutID = s.GatewayPayoutID
	}
	o.PayoutStatus = s.PayoutStatus
	amount := s.PayoutAmount
	o.PayoutAmount = &amount
	o.UpdatedAt = time.Now()

	m.payments = append(m.payments, s.Payment)
	if s.Deferred {
		_ = m.increment(o.EditorID, false, s.PayoutAmount)
	}
	return cloneOrder(o), nil
}

func (m *Memory) ClaimRefund(ctx context.Context, p store.ClaimParams, rf *domain.Refund) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[p.OrderID]
	if !ok {
		return nil, store.ErrOrderNotFound
	}
	if !claimGuard(p)(o) {
		return nil, store.ErrStaleTransition
	}
	for _, existing := range m.refunds {
		if existing.OrderID == p.OrderID && refundLive(existing) {
			return nil, store.ErrLiveRefundExists
		}
	}
	claimMutation(p)(o)
	o.UpdatedAt = time.Now()

	now := time.Now()
	rf.CreatedAt, rf.UpdatedAt = now, now
	stored := *rf
	m.refunds[rf.ID] = &stored
	return cloneOrder(o), nil
}

func (m *Memory) GetRefundByID(ctx context.Context, refundID uuid.UUID) (*domain.Refund, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rf, ok := m.refunds[refundID]
	if !ok {
		return nil, store.ErrRefundNotFound
	}
	c := *rf
	return &c, nil
}

func (m *Memory) LeaseRefund(ctx context.Context, refundID uuid.UUID, now, leaseUntil time.Time) (*domain.Refund, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rf, ok := m.refunds[refundID]
	if !ok || !refundLive(rf) || rf.NextRetryAt == nil || rf.NextRetryAt.After(now) {
		return nil, store.ErrStaleTransition
	}
	rf.Status = domain.RefundProcessing
	lease := leaseUntil
	rf.NextRetryAt = &lease
	rf.UpdatedAt = time.Now()
	c := *rf
	return &c, nil
}

func (m *Memory) RecordRefundFailure(ctx context.Context, refundID uuid.UUID, retryCount int, nextRetryAt time.Time, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rf, ok := m.refunds[refundID]
	if !ok || !refundLive(rf) {
		return store.ErrStaleTransition
	}
	rf.Status = domain.RefundFailed
	rf.RetryCount = retryCount
	next := nextRetryAt
	rf.NextRetryAt = &next
	rf.FailureReason = &reason
	rf.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) AbandonRefund(ctx context.Context, refundID, orderID uuid.UUID, reason string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rf, ok := m.refunds[refundID]
	if !ok || !refundLive(rf) {
		return nil, store.ErrStaleTransition
	}
	o, ok := m.orders[orderID]
	if !ok {
		return nil, store.ErrOrderNotFound
	}
	if o.Phase != domain.PhaseRefunding {
		return nil, store.ErrStaleTransition
	}

	rf.Status = domain.RefundFailed
	rf.NextRetryAt = nil
	rf.FailureReason = &reason
	rf.UpdatedAt = time.Now()

	back := domain.PhaseHeld
	if o.PreviousPhase != nil {
		back = *o.PreviousPhase
	}
	refunding := domain.PhaseRefunding
	o.PreviousPhase = &refunding
	o.Phase = back
	o.ClaimedAt = nil
	o.UpdatedAt = time.Now()
	return cloneOrder(o), nil
}

func (m *Memory) FinalizeRefund(ctx context.Context, s store.RefundSettlement) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[s.OrderID]
	if !ok {
		return nil, store.ErrOrderNotFound
	}
	if o.Phase != domain.PhaseRefunding {
		return nil, store.ErrStaleTransition
	}
	rf, ok := m.refunds[s.Refund.ID]
	if !ok || !refundLive(rf) {
		return nil, store.ErrStaleTransition
	}
	if m.paymentExists(s.Payment) || (s.EditorPayment != nil && m.paymentExists(*s.EditorPayment)) {
		return nil, fmt.Errorf("duplicate payment record for order %s", s.OrderID)
	}
	if _, ok := m.users[s.Refund.ClientID]; !ok && s.Refund.Status == domain.RefundAddedToWallet {
		return nil, store.ErrUserNotFound
	}
	if _, ok := m.users[o.EditorID]; !ok && s.EditorShare > 0 {
		return nil, store.ErrUserNotFound
	}

	at := s.At
	o.Phase = domain.PhaseRefunded
	o.ClaimedAt = nil
	o.Status = s.Status
	switch s.Status {
	case domain.StatusCancelled:
		o.CancelledAt = &at
		if o.CancellationReason == nil {
			reason := s.Refund.Reason
			o.CancellationReason = &reason
		}
	case domain.StatusCompleted:
		o.CompletedAt = &at
	}
	refundID := s.Refund.ID
	amount := s.Refund.Amount
	reason := s.Refund.Reason
	o.RefundID = &refundID
	o.RefundAmount = &amount
	o.RefundedAt = &at
	o.RefundReason = &reason
	if s.EditorShare > 0 {
		share := s.EditorShare
		o.PayoutStatus = domain.PayoutPending
		o.PayoutAmount = &share
	}
	o.UpdatedAt = time.Now()

	rf.Status = s.Refund.Status
	rf.GatewayRefundID = s.Refund.GatewayRefundID
	rf.FailureReason = s.Refund.FailureReason
	rf.RetryCount = s.Refund.RetryCount
	rf.NextRetryAt = nil
	rf.CompletedAt = &at
	rf.UpdatedAt = time.Now()

	m.payments = append(m.payments, s.Payment)
	if s.Refund.Status == domain.RefundAddedToWallet {
		_ = m.increment(s.Refund.ClientID, true, s.Refund.Amount)
	}
	if s.EditorShare > 0 {
		_ = m.increment(o.EditorID, false, s.EditorShare)
		if s.EditorPayment != nil {
			m.payments = append(m.payments, *s.EditorPayment)
		}
	}
	return cloneOrder(o), nil
}

func (m *Memory) ConvertRefundToWallet(ctx context.Context, gatewayRefundID, reason string) (*domain.Refund, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rf := range m.refunds {
		if rf.GatewayRefundID == nil || *rf.GatewayRefundID != gatewayRefundID || rf.Status != domain.RefundCompleted {
			continue
		}
		if err := m.increment(rf.ClientID, true, rf.Amount); err != nil {
			return nil, err
		}
		rf.Status = domain.RefundAddedToWallet
		rf.FailureReason = &reason
		rf.UpdatedAt = time.Now()
		c := *rf
		return &c, nil
	}
	return nil, store.ErrStaleTransition
}

func (m *Memory) findByPayoutID(gatewayPayoutID string) *domain.Order {
	for _, o := range m.orders {
		if o.GatewayPayoutID != nil && *o.GatewayPayoutID == gatewayPayoutID {
			return o
		}
	}
	return nil
}

func (m *Memory) MarkPayoutProcessed(ctx context.Context, gatewayPayoutID string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.findByPayoutID(gatewayPayoutID)
	if o == nil || o.Phase != domain.PhaseReleased || o.PayoutStatus != domain.PayoutProcessing {
		return nil, store.ErrStaleTransition
	}
	o.PayoutStatus = domain.PayoutProcessed
	o.UpdatedAt = time.Now()
	return cloneOrder(o), nil
}

func (m *Memory) MarkPayoutFailed(ctx context.Context, gatewayPayoutID string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.findByPayoutID(gatewayPayoutID)
	if o == nil || o.Phase != domain.PhaseReleased ||
		(o.PayoutStatus != domain.PayoutProcessing && o.PayoutStatus != domain.PayoutProcessed) {
		return nil, store.ErrStaleTransition
	}
	amount := o.EditorEarning
	if o.PayoutAmount != nil {
		amount = *o.PayoutAmount
	}
	if err := m.increment(o.EditorID, false, amount); err != nil {
		return nil, err
	}
	o.Phase = domain.PhasePayoutDeferred
	o.PayoutStatus = domain.PayoutPending
	o.UpdatedAt = time.Now()
	return cloneOrder(o), nil
}

func (m *Memory) RecordRating(ctx context.Context, rating domain.Rating) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.ratings[rating.OrderID]; !exists {
		m.ratings[rating.OrderID] = rating
	}
	return nil
}

func (m *Memory) HasRating(ctx context.Context, orderID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.ratings[orderID]
	return ok, nil
}

func (m *Memory) UpsertDelivery(ctx context.Context, d domain.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries[d.OrderID] = d
	return nil
}

func (m *Memory) GetDelivery(ctx context.Context, orderID uuid.UUID) (*domain.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[orderID]
	if !ok {
		return nil, store.ErrDeliveryNotFound
	}
	return &d, nil
}

func (m *Memory) ListPaymentsByOrder(ctx context.Context, orderID uuid.UUID) ([]domain.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Payment
	for _, p := range m.payments {
		if p.OrderID == orderID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *Memory) RecordWebhookEvent(ctx context.Context, eventID, eventType string, payload []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, seen := m.webhooks[eventID]; seen {
		return false, nil
	}
	m.webhooks[eventID] = eventType
	return true, nil
}

func (m *Memory) ForgetWebhookEvent(ctx context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.webhooks, eventID)
	return nil
}

// listOrders returns orders matching keep, ordered by key and capped at limit.
func (m *Memory) listOrders(keep func(*domain.Order) bool, key func(*domain.Order) time.Time, limit int) []domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Order
	for _, o := range m.orders {
		if keep(o) {
			out = append(out, *cloneOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return key(&out[i]).Before(key(&out[j])) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *Memory) ListExpiredUnpaidOrders(ctx context.Context, now time.Time, limit int) ([]domain.Order, error) {
	return m.listOrders(func(o *domain.Order) bool {
		return o.Status == domain.StatusAwaitingPayment &&
			phaseIn(o.Phase, domain.PhaseAwaitingPayment, domain.PhasePaymentFailed) &&
			o.PaymentExpiresAt != nil && !o.PaymentExpiresAt.After(now)
	}, func(o *domain.Order) time.Time { return *o.PaymentExpiresAt }, limit), nil
}

func (m *Memory) ListOverdueCandidates(ctx context.Context, now time.Time, limit int) ([]domain.Order, error) {
	return m.listOrders(func(o *domain.Order) bool {
		return o.Phase == domain.PhaseHeld &&
			statusIn(o.Status, domain.StatusAccepted, domain.StatusInProgress) &&
			o.Deadline != nil && o.Deadline.Before(now)
	}, func(o *domain.Order) time.Time { return *o.Deadline }, limit), nil
}

func (m *Memory) ListGraceExpiredOrders(ctx context.Context, now time.Time, limit int) ([]domain.Order, error) {
	return m.listOrders(func(o *domain.Order) bool {
		return o.Phase == domain.PhaseOverdue &&
			statusIn(o.Status, domain.StatusAccepted, domain.StatusInProgress) &&
			o.GraceEndsAt != nil && !o.GraceEndsAt.After(now)
	}, func(o *domain.Order) time.Time { return *o.GraceEndsAt }, limit), nil
}

func (m *Memory) ListStalledReleases(ctx context.Context, staleBefore time.Time, limit int) ([]domain.Order, error) {
	return m.listOrders(func(o *domain.Order) bool {
		return o.Phase == domain.PhaseReleasing && o.ClaimedAt != nil && o.ClaimedAt.Before(staleBefore)
	}, func(o *domain.Order) time.Time { return *o.ClaimedAt }, limit), nil
}

func (m *Memory) ListRetryableRefunds(ctx context.Context, now time.Time, limit int) ([]domain.Refund, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Refund
	for _, rf := range m.refunds {
		if refundLive(rf) && rf.NextRetryAt != nil && !rf.NextRetryAt.After(now) {
			out = append(out, *rf)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(*out[j].NextRetryAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
