package executor

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/csuduan/qtrader-sub001/internal/domain"
	"github.com/csuduan/qtrader-sub001/internal/gateway"
)

func waitFinished(t *testing.T, cmd *domain.OrderCmd, changed chan *domain.OrderCmd, timeout time.Duration) *domain.OrderCmd {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case c := <-changed:
			if c.Status == domain.CmdFinished {
				return c
			}
		case <-deadline:
			t.Fatalf("cmd %s did not finish within %s", cmd.CmdID, timeout)
		}
	}
}

// Scenario 1 (spec §8): single-slice success.
func TestExecutor_SingleSliceSuccess(t *testing.T) {
	gw := gateway.NewSimGateway()
	ex := New(gw, zerolog.Nop())

	changed := make(chan *domain.OrderCmd, 32)
	cmd := &domain.OrderCmd{
		Symbol:            "SHFE.rb2505",
		Direction:         domain.Buy,
		Offset:            domain.OffsetOpen,
		Volume:            3,
		Price:             3500,
		MaxVolumePerOrder: 10,
		OrderInterval:     20 * time.Millisecond,
		OrderTimeout:      5 * time.Second,
		TotalTimeout:      10 * time.Second,
		OnChange:          func(c *domain.OrderCmd) { changed <- c },
	}

	ex.Submit(cmd)
	final := waitFinished(t, cmd, changed, 2*time.Second)

	require.Equal(t, domain.ReasonAllCompleted, final.FinishReason)
	require.Equal(t, float64(3), final.FilledVolume)
	require.Len(t, final.ChildOrders, 1)
}

// Scenario 2 (spec §8): split with partial fill + timeout-triggered
// cancel, then a final full-filling slice.
func TestExecutor_SplitWithPartialAndTimeout(t *testing.T) {
	gw := gateway.NewSimGateway()
	gw.FillPlan["DCE.i2505"] = []gateway.FillStep{
		{Volume: 5},             // slice 1: full fill of 5
		{Volume: 3},             // slice 2: fills 3 of 5, then the rest never arrives -> cancel at timeout
		{Volume: 4},             // slice 3 (after cancel credits 3, remaining 4): fills fully
	}
	ex := New(gw, zerolog.Nop())

	changed := make(chan *domain.OrderCmd, 64)
	cmd := &domain.OrderCmd{
		Symbol:            "DCE.i2505",
		Direction:         domain.Buy,
		Offset:            domain.OffsetOpen,
		Volume:            12,
		Price:             100,
		MaxVolumePerOrder: 5,
		OrderInterval:     20 * time.Millisecond,
		OrderTimeout:      150 * time.Millisecond,
		TotalTimeout:      5 * time.Second,
		OnChange:          func(c *domain.OrderCmd) { changed <- c },
	}

	ex.Submit(cmd)
	final := waitFinished(t, cmd, changed, 3*time.Second)

	require.Equal(t, domain.ReasonAllCompleted, final.FinishReason)
	require.Equal(t, float64(12), final.FilledVolume)
	require.Len(t, final.ChildOrders, 3)
}

// Boundary: volume == max_volume_per_order executes as a single slice.
func TestExecutor_ExactMultipleSingleSlice(t *testing.T) {
	gw := gateway.NewSimGateway()
	ex := New(gw, zerolog.Nop())

	changed := make(chan *domain.OrderCmd, 8)
	cmd := &domain.OrderCmd{
		Symbol:            "X.1",
		Direction:         domain.Sell,
		Offset:            domain.OffsetClose,
		Volume:            10,
		Price:             10,
		MaxVolumePerOrder: 10,
		OrderInterval:     20 * time.Millisecond,
		OrderTimeout:      time.Second,
		TotalTimeout:      3 * time.Second,
		OnChange:          func(c *domain.OrderCmd) { changed <- c },
	}
	ex.Submit(cmd)
	final := waitFinished(t, cmd, changed, 2*time.Second)
	require.Len(t, final.ChildOrders, 1)
	require.Equal(t, float64(10), final.FilledVolume)
}

// Risk control: pre-insert enforcement (spec §9 resolution #1, scenario 5).
func TestRiskControl_MaxDailyOrders(t *testing.T) {
	rc := NewRiskControl(2, 10, 0)
	require.NoError(t, rc.CheckOrder(1))
	rc.OnOrderInserted()
	require.NoError(t, rc.CheckOrder(1))
	rc.OnOrderInserted()
	require.Error(t, rc.CheckOrder(1)) // third order_req rejected, no gateway call
}

func TestRiskControl_MaxOrderVolume(t *testing.T) {
	rc := NewRiskControl(100, 100, 5)
	require.Error(t, rc.CheckOrder(6))
	require.NoError(t, rc.CheckOrder(5))
}
