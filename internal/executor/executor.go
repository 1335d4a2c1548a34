package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/csuduan/qtrader-sub001/internal/domain"
	"github.com/csuduan/qtrader-sub001/internal/gateway"
)

// maxInsertErrors is the small cap on consecutive insert failures before
// an OrderCmd gives up with ERROR (spec §4.4 step 1: "e.g., 3").
const maxInsertErrors = 3

// watchEvent is one order/trade update delivered to a cmd's run loop,
// keyed implicitly by the channel it arrives on (one channel per live
// child order).
type watchEvent struct {
	order *domain.Order
	trade *domain.Trade
}

// Executor drives OrderCmds to completion against a Gateway (spec §4.4).
// Many cmds run concurrently, each as an independent state machine; the
// executor correlates gateway order/trade callbacks to the cmd currently
// watching that order_id.
type Executor struct {
	gw  gateway.Gateway
	log zerolog.Logger

	mu       sync.Mutex
	cmds     map[string]*domain.OrderCmd
	watchers map[string]chan watchEvent // order_id -> cmd's watch channel
	cancels  map[string]chan struct{}   // cmd_id -> external-cancel signal
}

func New(gw gateway.Gateway, log zerolog.Logger) *Executor {
	e := &Executor{
		gw:       gw,
		log:      log.With().Str("component", "executor").Logger(),
		cmds:     make(map[string]*domain.OrderCmd),
		watchers: make(map[string]chan watchEvent),
		cancels:  make(map[string]chan struct{}),
	}
	gw.RegisterCallbacks(gateway.Callbacks{
		OnOrder: e.dispatchOrder,
		OnTrade: e.dispatchTrade,
	})
	return e
}

func (e *Executor) dispatchOrder(o *domain.Order) {
	e.mu.Lock()
	ch, ok := e.watchers[o.OrderID]
	e.mu.Unlock()
	if ok {
		select {
		case ch <- watchEvent{order: o}:
		default:
		}
	}
}

func (e *Executor) dispatchTrade(t *domain.Trade) {
	e.mu.Lock()
	ch, ok := e.watchers[t.OrderID]
	e.mu.Unlock()
	if ok {
		select {
		case ch <- watchEvent{trade: t}:
		default:
		}
	}
}

// Submit starts driving cmd to completion and returns immediately; the
// terminal state is reported through cmd.OnChange (spec §4.4).
func (e *Executor) Submit(cmd *domain.OrderCmd) {
	if cmd.CmdID == "" {
		cmd.CmdID = uuid.NewString()
	}
	if cmd.SplitStrategy == "" {
		cmd.SplitStrategy = domain.SplitFixed
	} else if cmd.SplitStrategy == domain.SplitAdaptive {
		e.log.Warn().Str("cmd_id", cmd.CmdID).Msg("ADAPTIVE split strategy not implemented, falling back to FIXED")
		cmd.SplitStrategy = domain.SplitFixed
	}

	cmd.Status = domain.CmdRunning
	cmd.StartedAt = time.Now()

	e.mu.Lock()
	e.cmds[cmd.CmdID] = cmd
	e.cancels[cmd.CmdID] = make(chan struct{})
	e.mu.Unlock()

	e.notify(cmd)
	go e.run(cmd)
}

// Cancel requests external cancellation of a running cmd (spec §4.4:
// "transitions to CANCELLED after the current child's quiescence").
func (e *Executor) Cancel(cmdID string) error {
	e.mu.Lock()
	ch, ok := e.cancels[cmdID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown cmd %s", cmdID)
	}
	select {
	case <-ch:
	default:
		close(ch)
	}
	return nil
}

// Get returns the current (possibly still RUNNING) state of a cmd.
func (e *Executor) Get(cmdID string) (*domain.OrderCmd, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.cmds[cmdID]
	return c, ok
}

// List returns every tracked cmd (spec §4.4: "exposed through
// get_order_cmds_status").
func (e *Executor) List() []*domain.OrderCmd {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*domain.OrderCmd, 0, len(e.cmds))
	for _, c := range e.cmds {
		out = append(out, c)
	}
	return out
}

func (e *Executor) notify(cmd *domain.OrderCmd) {
	if cmd.OnChange != nil {
		cmd.OnChange(cmd)
	}
}

func (e *Executor) watch(orderID string) chan watchEvent {
	ch := make(chan watchEvent, 16)
	e.mu.Lock()
	e.watchers[orderID] = ch
	e.mu.Unlock()
	return ch
}

func (e *Executor) unwatch(orderID string) {
	e.mu.Lock()
	delete(e.watchers, orderID)
	e.mu.Unlock()
}

func (e *Executor) cancelSignal(cmdID string) chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancels[cmdID]
}

func (e *Executor) finish(cmd *domain.OrderCmd, reason domain.FinishReason) {
	cmd.Status = domain.CmdFinished
	cmd.FinishReason = reason
	cmd.FinishedAt = time.Now()
	e.notify(cmd)
}

// run is the per-cmd state machine (spec §4.4 "Algorithm").
func (e *Executor) run(cmd *domain.OrderCmd) {
	cancelSig := e.cancelSignal(cmd.CmdID)
	totalDeadline := cmd.StartedAt.Add(cmd.TotalTimeout)
	var lastOrderID string
	var sliceDeadline time.Time
	errorCount := 0

	finishAndCleanup := func(reason domain.FinishReason) {
		if lastOrderID != "" {
			e.unwatch(lastOrderID)
		}
		e.finish(cmd, reason)
	}

	for {
		if cmd.RemainingVolume() <= 0 {
			finishAndCleanup(domain.ReasonAllCompleted)
			return
		}

		select {
		case <-cancelSig:
			if lastOrderID != "" {
				e.cancelChild(cmd, lastOrderID)
			}
			finishAndCleanup(domain.ReasonCancelled)
			return
		default:
		}

		if time.Now().After(totalDeadline) {
			if lastOrderID != "" {
				e.cancelChild(cmd, lastOrderID)
			}
			finishAndCleanup(domain.ReasonPartialTimeout)
			return
		}

		if lastOrderID == "" {
			slice := cmd.RemainingVolume()
			if cmd.MaxVolumePerOrder > 0 && slice > cmd.MaxVolumePerOrder {
				slice = cmd.MaxVolumePerOrder
			}

			ch := make(chan struct{})
			var order *domain.Order
			var err error
			func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				order, err = e.gw.SendOrder(ctx, gateway.OrderRequest{
					Symbol:    cmd.Symbol,
					Direction: cmd.Direction,
					Offset:    cmd.Offset,
					Volume:    slice,
					Price:     cmd.Price,
				})
				close(ch)
			}()
			<-ch

			if err != nil {
				errorCount++
				e.log.Warn().Err(err).Str("cmd_id", cmd.CmdID).Msg("insert_order failed")
				if errorCount >= maxInsertErrors {
					finishAndCleanup(domain.ReasonError)
					return
				}
				continue
			}
			errorCount = 0

			if order.Status == domain.OrderRejected {
				if cmd.FilledVolume > 0 {
					continue // partial fills exist; not fatal (spec §4.4)
				}
				finishAndCleanup(domain.ReasonError)
				return
			}

			lastOrderID = order.OrderID
			cmd.ChildOrders = append(cmd.ChildOrders, order.OrderID)
			sliceDeadline = time.Now().Add(cmd.OrderTimeout)
			watchCh := e.watch(order.OrderID)
			e.driveChild(cmd, order.OrderID, watchCh, sliceDeadline, cancelSig, &lastOrderID)
			continue
		}
	}
}

// driveChild watches one live child order until it is FINISHED/REJECTED,
// its order_timeout elapses (triggering a cancel), or the cmd is
// cancelled. It mutates cmd.FilledVolume and clears *lastOrderID when the
// child quiesces.
func (e *Executor) driveChild(cmd *domain.OrderCmd, orderID string, watchCh chan watchEvent, sliceDeadline time.Time, cancelSig chan struct{}, lastOrderID *string) {
	interval := cmd.OrderInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	cancelled := false

	for {
		remaining := time.Until(sliceDeadline)
		wait := interval
		if !cancelled && remaining < wait {
			wait = remaining
			if wait < 0 {
				wait = 0
			}
		}

		select {
		case ev := <-watchCh:
			if ev.trade != nil && ev.trade.OrderID == orderID {
				cmd.FilledVolume += ev.trade.Volume
				e.notify(cmd)
			}
			if ev.order != nil && ev.order.IsTerminal() {
				e.unwatch(orderID)
				*lastOrderID = ""
				return
			}
		case <-time.After(wait):
			if cancelled {
				// cancel already issued; keep waiting for quiescence up to
				// one more order_timeout window, then give up and move on
				// (gateway will still report the terminal state async).
				if time.Now().Before(sliceDeadline) {
					continue
				}
				e.unwatch(orderID)
				*lastOrderID = ""
				return
			}
			if time.Now().After(sliceDeadline) {
				e.cancelChild(cmd, orderID)
				cancelled = true
				sliceDeadline = time.Now().Add(cmd.OrderTimeout)
				continue
			}
		case <-cancelSig:
			// external cancel: cancel the child and wait for it to quiesce
			// like an order_timeout cancel; run() then finishes CANCELLED.
			e.cancelChild(cmd, orderID)
			cancelled = true
			cancelSig = nil
			sliceDeadline = time.Now().Add(cmd.OrderTimeout)
		}
	}
}

func (e *Executor) cancelChild(cmd *domain.OrderCmd, orderID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.gw.CancelOrder(ctx, gateway.CancelRequest{OrderID: orderID}); err != nil {
		e.log.Warn().Err(err).Str("cmd_id", cmd.CmdID).Str("order_id", orderID).Msg("cancel_order failed")
	}
}
