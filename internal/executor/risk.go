// Package executor implements the OrderCmd split/retry/timeout state
// machine (spec §4.4) and the pre-insert risk-control gate it is called
// through (spec §9 open question #1, resolved against
// original_source/src/risk_control.py: RiskControl.check_order/
// check_cancel are invoked and enforced before insert_order/cancel_order,
// with counters bumped once the call is admitted rather than on a later
// gateway confirmation).
package executor

import (
	"fmt"
	"sync"
	"time"
)

// RiskControl enforces max_daily_orders / max_daily_cancels /
// max_order_volume for one account. Counters reset on first use of a new
// calendar day, mirroring RiskControl._reset_if_new_day in the source.
type RiskControl struct {
	mu sync.Mutex

	maxDailyOrders  int
	maxDailyCancels int
	maxOrderVolume  float64

	dailyOrders  int
	dailyCancels int
	lastReset    string // YYYY-MM-DD
}

func NewRiskControl(maxDailyOrders, maxDailyCancels int, maxOrderVolume float64) *RiskControl {
	return &RiskControl{
		maxDailyOrders:  maxDailyOrders,
		maxDailyCancels: maxDailyCancels,
		maxOrderVolume:  maxOrderVolume,
		lastReset:       today(),
	}
}

func today() string { return time.Now().Format("2006-01-02") }

func (r *RiskControl) resetIfNewDay() {
	d := today()
	if d != r.lastReset {
		r.dailyOrders = 0
		r.dailyCancels = 0
		r.lastReset = d
	}
}

// CheckOrder gates an order_req before any gateway call is made. It does
// not mutate counters; OnOrderInserted does that, once the cmd has been
// admitted to the executor.
func (r *RiskControl) CheckOrder(volume float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetIfNewDay()

	if r.maxOrderVolume > 0 && volume > r.maxOrderVolume {
		return fmt.Errorf("risk: order volume %.0f exceeds max_single_order_lots %.0f", volume, r.maxOrderVolume)
	}
	if r.maxDailyOrders > 0 && r.dailyOrders >= r.maxDailyOrders {
		return fmt.Errorf("risk: max_daily_orders (%d) reached", r.maxDailyOrders)
	}
	return nil
}

// CheckCancel gates a cancel_req the same way.
func (r *RiskControl) CheckCancel() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetIfNewDay()

	if r.maxDailyCancels > 0 && r.dailyCancels >= r.maxDailyCancels {
		return fmt.Errorf("risk: max_daily_cancels (%d) reached", r.maxDailyCancels)
	}
	return nil
}

// OnOrderInserted bumps the daily order counter once Executor.Submit has
// accepted the cmd. Submit is fire-and-forget — it never reports a
// gateway-level reject back to the caller, that shows up later as the
// cmd's own terminal ERROR state — so this counts cmds admitted for
// execution, not orders the gateway has confirmed.
func (r *RiskControl) OnOrderInserted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetIfNewDay()
	r.dailyOrders++
}

// OnOrderCancelled bumps the daily cancel counter once Executor.Cancel
// has accepted a cancel_req for a known cmd.
func (r *RiskControl) OnOrderCancelled() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetIfNewDay()
	r.dailyCancels++
}

// Status reports the current counters for get_system_param-style reads.
type Status struct {
	DailyOrders     int
	DailyCancels    int
	MaxDailyOrders  int
	MaxDailyCancels int
}

func (r *RiskControl) GetStatus() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetIfNewDay()
	return Status{
		DailyOrders:     r.dailyOrders,
		DailyCancels:    r.dailyCancels,
		MaxDailyOrders:  r.maxDailyOrders,
		MaxDailyCancels: r.maxDailyCancels,
	}
}
