package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOrderProject_LegacyStatuses(t *testing.T) {
	failed := PhasePaymentFailed
	tests := []struct {
		name     string
		phase    SettlementPhase
		previous *SettlementPhase
		payment  PaymentStatus
		escrow   EscrowStatus
	}{
		{"awaiting payment", PhaseAwaitingPayment, nil, PaymentPending, EscrowNone},
		{"processing", PhasePaymentProcessing, nil, PaymentProcessing, EscrowNone},
		{"failed", PhasePaymentFailed, nil, PaymentFailed, EscrowNone},
		{"unpaid cancelled", PhaseUnpaidCancelled, nil, PaymentPending, EscrowNone},
		{"unpaid cancelled after failure", PhaseUnpaidCancelled, &failed, PaymentFailed, EscrowNone},
		{"held", PhaseHeld, nil, PaymentEscrow, EscrowHeld},
		{"overdue", PhaseOverdue, nil, PaymentEscrow, EscrowHeld},
		{"releasing", PhaseReleasing, nil, PaymentEscrow, EscrowHeld},
		{"refunding", PhaseRefunding, nil, PaymentEscrow, EscrowHeld},
		{"disputed", PhaseDisputed, nil, PaymentEscrow, EscrowDisputed},
		{"released", PhaseReleased, nil, PaymentReleased, EscrowReleased},
		{"payout deferred", PhasePayoutDeferred, nil, PaymentReleased, EscrowReleased},
		{"refunded", PhaseRefunded, nil, PaymentRefunded, EscrowRefunded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := Order{Phase: tt.phase, PreviousPhase: tt.previous}
			o.Project()
			require.Equal(t, tt.payment, o.PaymentStatus)
			require.Equal(t, tt.escrow, o.EscrowStatus)
		})
	}
}

func TestOrderProject_OverdueFlags(t *testing.T) {
	now := time.Now()
	o := Order{Phase: PhaseOverdue, OverdueAt: &now}
	o.Project()
	require.True(t, o.IsOverdue)
	require.True(t, o.ChatDisabled)
	require.False(t, o.OverdueRefunded)
	require.NotNil(t, o.ChatDisabledReason)
	require.Equal(t, ChatDisabledOverdue, *o.ChatDisabledReason)

	reason := RefundReasonOverdue
	o.Phase = PhaseRefunded
	o.RefundReason = &reason
	o.Project()
	require.True(t, o.OverdueRefunded)
	require.True(t, o.ChatDisabled)
	require.Equal(t, ChatDisabledRefunded, *o.ChatDisabledReason)
}

func TestOrderProject_ExtensionClearsOverdue(t *testing.T) {
	o := Order{Phase: PhaseHeld}
	o.Project()
	require.False(t, o.IsOverdue)
	require.False(t, o.ChatDisabled)
	require.Nil(t, o.ChatDisabledReason)
}

func TestRefundIsTerminal(t *testing.T) {
	retryAt := time.Now().Add(time.Minute)
	require.False(t, Refund{Status: RefundProcessing}.IsTerminal())
	require.False(t, Refund{Status: RefundFailed, NextRetryAt: &retryAt}.IsTerminal())
	require.True(t, Refund{Status: RefundFailed}.IsTerminal())
	require.True(t, Refund{Status: RefundAddedToWallet}.IsTerminal())
	require.True(t, Refund{Status: RefundCompleted}.IsTerminal())
}

func TestStatusIsTerminal(t *testing.T) {
	require.True(t, StatusCompleted.IsTerminal())
	require.True(t, StatusCancelled.IsTerminal())
	require.True(t, StatusExpired.IsTerminal())
	require.False(t, StatusInProgress.IsTerminal())
	require.False(t, StatusRejected.IsTerminal())
}
