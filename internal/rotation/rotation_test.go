package rotation

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/csuduan/qtrader-sub001/internal/domain"
	"github.com/csuduan/qtrader-sub001/internal/executor"
	"github.com/csuduan/qtrader-sub001/internal/gateway"
)

const csvSample = "account_id,strategy_id,instrument,offset,direction,volume,order_time\nACC,S1,DCE.i2505,Open,Buy,2,09:05:00\n"

// Scenario 3 (spec §8): rotation import/execute/complete.
func TestRotation_ImportExecuteComplete(t *testing.T) {
	store := NewMemStore()
	gw := gateway.NewSimGateway()
	ex := executor.New(gw, zerolog.Nop())
	eng := New("ACC", store, ex, 10, time.Second, zerolog.Nop())

	n, rejected, err := eng.ImportCSV("20250115_r.csv", strings.NewReader(csvSample), domain.ImportAppend)
	require.NoError(t, err)
	require.Empty(t, rejected)
	require.Equal(t, 1, n)

	rows, err := store.ListByDate("ACC", "20250115")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, domain.RotationPending, rows[0].Status)

	now, _ := time.Parse("15:04:05", "09:06:00")
	require.NoError(t, eng.ExecuteRotation(true, "20250115", now))

	require.Eventually(t, func() bool {
		return rows[0].Status == domain.RotationRunning
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		if cmd, ok := ex.Get(rows[0].CurrentCmdID); ok && cmd.Status == domain.CmdFinished {
			eng.onCmdTerminal(rows[0], cmd)
			return true
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, domain.RotationCompleted, rows[0].Status)
	require.Equal(t, float64(2), rows[0].FilledVolume)
	require.Equal(t, float64(0), rows[0].RemainingVolume())
}

func TestRotation_ReentrantExecuteIsNoop(t *testing.T) {
	store := NewMemStore()
	gw := gateway.NewSimGateway()
	ex := executor.New(gw, zerolog.Nop())
	eng := New("ACC", store, ex, 10, time.Second, zerolog.Nop())
	eng.working = 1 // simulate an in-flight run

	require.NoError(t, eng.ExecuteRotation(true, "20250115", time.Now()))
	// a run that went ahead would have reset the latch on return
	require.Equal(t, int32(1), eng.working)
}

func TestRotation_ReplaceThenReplaceIsIdempotent(t *testing.T) {
	store := NewMemStore()
	gw := gateway.NewSimGateway()
	ex := executor.New(gw, zerolog.Nop())
	eng := New("ACC", store, ex, 10, time.Second, zerolog.Nop())

	_, _, err := eng.ImportCSV("20250115_r.csv", strings.NewReader(csvSample), domain.ImportReplace)
	require.NoError(t, err)
	_, _, err = eng.ImportCSV("20250115_r.csv", strings.NewReader(csvSample), domain.ImportReplace)
	require.NoError(t, err)

	rows, err := store.ListByDate("ACC", "20250115")
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestRotation_RejectsInvalidRows(t *testing.T) {
	store := NewMemStore()
	gw := gateway.NewSimGateway()
	ex := executor.New(gw, zerolog.Nop())
	eng := New("ACC", store, ex, 10, time.Second, zerolog.Nop())

	bad := "account_id,strategy_id,instrument,offset,direction,volume\nACC,S1,BADSYMBOL,Open,Buy,0\n"
	n, rejected, err := eng.ImportCSV("20250115_bad.csv", strings.NewReader(bad), domain.ImportAppend)
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Len(t, rejected, 1)
}
