// Package domain holds the core entities shared across the Manager and
// Trader processes: accounts, orders, trades, positions, order commands,
// rotation instructions, strategies, jobs and the Manager-side TraderProxy
// mirror. None of these types know about IPC, persistence or transport;
// they are pure data plus the small amount of validation logic that keeps
// their invariants (see spec §3) true at construction time.
package domain

import "time"

// Direction is the side of an order or trade.
type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
)

// Offset distinguishes opening from closing volume.
type Offset string

const (
	OffsetOpen       Offset = "OPEN"
	OffsetClose      Offset = "CLOSE"
	OffsetCloseToday Offset = "CLOSETODAY"
)

// OrderStatus is the lifecycle state of a live brokerage order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderActive    OrderStatus = "ACTIVE"
	OrderFinished  OrderStatus = "FINISHED"
	OrderRejected  OrderStatus = "REJECTED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// Order is a live brokerage order. volume_left is debited by trades as
// they arrive; 0 <= VolumeLeft <= Volume always holds.
type Order struct {
	OrderID    string      `json:"order_id"`
	Symbol     string      `json:"symbol"`
	Direction  Direction   `json:"direction"`
	Offset     Offset      `json:"offset"`
	Volume     float64     `json:"volume"`
	VolumeLeft float64     `json:"volume_left"`
	Price      float64     `json:"price"`
	PriceType  string      `json:"price_type"`
	Status     OrderStatus `json:"status"`
	InsertTime time.Time   `json:"insert_time"`
	StatusMsg  string      `json:"status_msg"`
}

// IsTerminal reports whether the order will never change state again.
func (o *Order) IsTerminal() bool {
	switch o.Status {
	case OrderFinished, OrderRejected, OrderCancelled:
		return true
	default:
		return false
	}
}

// IsReject reports the degenerate FINISHED-but-nothing-filled case, which
// is semantically a reject rather than a completed order (spec §3).
func (o *Order) IsReject() bool {
	return o.Status == OrderFinished && o.VolumeLeft == o.Volume
}

// Trade is an immutable execution fill. Its Volume is debited from the
// parent order's VolumeLeft exactly once, by whichever component consumes
// the trade event first.
type Trade struct {
	TradeID   string    `json:"trade_id"`
	OrderID   string    `json:"order_id"`
	Symbol    string    `json:"symbol"`
	Direction Direction `json:"direction"`
	Offset    Offset    `json:"offset"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	TradeTime time.Time `json:"trade_time"`
}

// Position is a per-account, per-symbol aggregate reconciled from gateway
// snapshots plus trades. No netting is computed here; the gateway is the
// source of truth for long/short lots.
type Position struct {
	Symbol       string  `json:"symbol"`
	PosLong      float64 `json:"pos_long"`
	PosShort     float64 `json:"pos_short"`
	AvgPriceLong float64 `json:"avg_price_long"`
	AvgPriceShort float64 `json:"avg_price_short"`
	FloatPnL     float64 `json:"float_pnl"`
	Margin       float64 `json:"margin"`
}

// Account is a per-account balance snapshot updated by gateway callbacks.
type Account struct {
	AccountID        string  `json:"account_id"`
	Balance          float64 `json:"balance"`
	Available        float64 `json:"available"`
	Margin           float64 `json:"margin"`
	FloatProfit      float64 `json:"float_profit"`
	HoldProfit       float64 `json:"hold_profit"`
	CloseProfit      float64 `json:"close_profit"`
	RiskRatio        float64 `json:"risk_ratio"`
	GatewayConnected bool    `json:"gateway_connected"`
	TradePaused      bool    `json:"trade_paused"`
	Status           string  `json:"status"`
}

// OrderCmdStatus is the lifecycle state of a split-and-retry directive.
type OrderCmdStatus string

const (
	CmdPending  OrderCmdStatus = "PENDING"
	CmdRunning  OrderCmdStatus = "RUNNING"
	CmdFinished OrderCmdStatus = "FINISHED"
)

// FinishReason explains why an OrderCmd reached CmdFinished.
type FinishReason string

const (
	ReasonAllCompleted   FinishReason = "ALL_COMPLETED"
	ReasonPartialTimeout FinishReason = "PARTIAL_TIMEOUT"
	ReasonCancelled      FinishReason = "CANCELLED"
	ReasonError          FinishReason = "ERROR"
)

// SplitStrategy selects how the executor slices volume across child
// orders. ADAPTIVE is recognized but falls back to FIXED (executor.Submit
// logs the fallback).
type SplitStrategy string

const (
	SplitFixed    SplitStrategy = "FIXED"
	SplitAdaptive SplitStrategy = "ADAPTIVE"
)

// OnChangeFunc is invoked at least once per OrderCmd status transition.
type OnChangeFunc func(cmd *OrderCmd)

// OrderCmd is a high-level "move N lots of symbol S" directive driven to
// completion by the executor through one or more child orders. Volume is
// immutable once constructed (spec §9 resolves the source's ambiguity
// here); RemainingVolume is always derived.
type OrderCmd struct {
	CmdID             string
	Symbol            string
	Direction         Direction
	Offset            Offset
	Volume            float64
	FilledVolume      float64
	Price             float64 // 0 => market/opposite-side best quote
	MaxVolumePerOrder float64
	OrderInterval     time.Duration
	TotalTimeout      time.Duration
	OrderTimeout      time.Duration
	Source            string
	SplitStrategy     SplitStrategy
	OnChange          OnChangeFunc

	Status       OrderCmdStatus
	FinishReason FinishReason
	StartedAt    time.Time
	FinishedAt   time.Time
	ChildOrders  []string
}

// RemainingVolume is Volume - FilledVolume; Volume itself is never
// mutated after construction.
func (c *OrderCmd) RemainingVolume() float64 {
	return c.Volume - c.FilledVolume
}

// RotationStatus is the lifecycle state of a persisted rotation row.
type RotationStatus string

const (
	RotationPending   RotationStatus = "PENDING"
	RotationRunning   RotationStatus = "RUNNING"
	RotationCompleted RotationStatus = "COMPLETED"
	RotationFailed    RotationStatus = "FAILED"
)

// RotationImportMode records which CSV ingest mode produced a row.
type RotationImportMode string

const (
	ImportAppend  RotationImportMode = "append"
	ImportReplace RotationImportMode = "replace"
)

// RotationInstruction is a persisted row from CSV ingest driving one
// OrderCmd at its OrderTime. RemainingVolume = Volume - FilledVolume
// always holds; Completed iff RemainingVolume == 0 (spec §3).
type RotationInstruction struct {
	ID                int64
	AccountID         string
	StrategyID        string
	Symbol            string
	Direction         Direction
	Offset            Offset
	Volume            float64
	FilledVolume      float64
	Price             float64
	OrderTime         string // HH:MM:SS, optional
	TradingDate       string // YYYYMMDD
	Enabled           bool
	Status            RotationStatus
	AttemptCount      int
	RemainingAttempts int
	CurrentCmdID      string
	LastAttemptTime   time.Time
	ErrorMessage      string
	Source            string
	ImportMode        RotationImportMode
	IsDeleted         bool
}

// RemainingVolume derives the outstanding quantity for this instruction.
func (r *RotationInstruction) RemainingVolume() float64 {
	return r.Volume - r.FilledVolume
}

// Strategy is a long-lived per-account strategy instance. It owns logical
// position only; orders it emits are routed through the executor.
type Strategy struct {
	StrategyID    string
	Enabled       bool
	OpeningPaused bool
	ClosingPaused bool
	Inited        bool
	PosLong       float64
	PosShort      float64
	PosPrice      float64
	Config        map[string]any
	Params        map[string]any
	Signal        map[string]any
}

// Job is a scheduler entry as a plain record. The scheduler package keeps
// its own entry type and does not read or update this one.
type Job struct {
	JobID          string
	JobName        string
	Group          string
	CronExpression string
	JobMethod      string
	Enabled        bool
	LastTrigger    time.Time
}

// TraderProxyState is the Manager-side lifecycle state of a Trader.
type TraderProxyState string

const (
	TraderStopped  TraderProxyState = "STOPPED"
	TraderStarting TraderProxyState = "STARTING"
	TraderRunning  TraderProxyState = "RUNNING"
	TraderDegraded TraderProxyState = "DEGRADED"
	TraderStopping TraderProxyState = "STOPPING"
)

// AlarmData is what the alarm log hook produces for every ERROR-level
// record (or specific health signal) and pushes onward as an IPC push.
type AlarmData struct {
	Level     string    `json:"level"`
	Module    string    `json:"module"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
