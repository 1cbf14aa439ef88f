package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComputeFees_ScenarioA(t *testing.T) {
	fees := ComputeFees(1000, 10)

	require.Equal(t, int64(100), fees.PlatformFee)
	require.Equal(t, int64(900), fees.EditorEarning)
}

func TestComputeFees_PartsAlwaysSumToAmount(t *testing.T) {
	percentages := []float64{0, 5, 7.5, 10, 12.5, 15, 33.3, 99.9, 100}
	for amount := int64(100); amount <= 5000; amount += 37 {
		for _, pct := range percentages {
			fees := ComputeFees(amount, pct)
			require.Equalf(t, amount, fees.PlatformFee+fees.EditorEarning, "amount=%d pct=%v", amount, pct)
			require.GreaterOrEqual(t, fees.PlatformFee, int64(0))
			require.GreaterOrEqual(t, fees.EditorEarning, int64(0))
		}
	}
}

func TestComputeFees_RoundsHalfAwayFromZero(t *testing.T) {
	require.Equal(t, int64(101), ComputeFees(1005, 10).PlatformFee)
	require.Equal(t, int64(100), ComputeFees(1004, 10).PlatformFee)
}

func TestComputeFees_ClampsPercentage(t *testing.T) {
	require.Equal(t, int64(0), ComputeFees(1000, -5).PlatformFee)
	require.Equal(t, int64(1000), ComputeFees(1000, 150).PlatformFee)
}

func TestRefundPercentTable_ByStage(t *testing.T) {
	table := DefaultRefundPercentTable
	tests := []struct {
		status OrderStatus
		want   int
	}{
		{StatusPendingPayment, 100},
		{StatusNew, 100},
		{StatusAwaitingPayment, 100},
		{StatusAccepted, 100},
		{StatusInProgress, 75},
		{StatusSubmitted, 50},
		{StatusCompleted, 0},
		{StatusCancelled, 0},
		{StatusExpired, 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			require.Equal(t, tt.want, table.PercentFor(tt.status))
		})
	}
}

func TestApplyPercent_InProgressRefundOfThousand(t *testing.T) {
	pct := DefaultRefundPercentTable.PercentFor(StatusInProgress)
	require.Equal(t, int64(750), ApplyPercent(1000, float64(pct)))
}

func TestSplitShares(t *testing.T) {
	order := Order{Amount: 1000, PlatformFeePercentage: 10}

	client, editor, fee := SplitShares(order, 40)

	require.Equal(t, int64(400), client)
	require.Equal(t, int64(60), fee)
	require.Equal(t, int64(540), editor)
	require.Equal(t, order.Amount, client+editor+fee)
}
