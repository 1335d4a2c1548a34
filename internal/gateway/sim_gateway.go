package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/csuduan/qtrader-sub001/internal/domain"
)

// SimGateway is an in-memory reference Gateway used by executor/rotation
// tests and as a runnable stand-in where no real brokerage SDK binding
// exists (spec §1 explicitly places the concrete driver out of scope).
// Orders fill immediately and fully unless FillPlan has been set to
// something else for the given symbol, which lets tests script partial
// fills, stalls and rejects deterministically.
type SimGateway struct {
	mu        sync.Mutex
	connected bool
	cbs       []Callbacks
	orders    map[string]*domain.Order
	quotes    map[string]Quote

	// FillPlan, if set for a symbol, is consumed one entry per inserted
	// order for that symbol: it dictates the trade volume to emit (0 means
	// "never fill, let the caller cancel/time out") and whether the order
	// should be rejected instead.
	FillPlan map[string][]FillStep
	planIdx  map[string]int
}

// FillStep scripts one child order's outcome for tests.
type FillStep struct {
	Reject    bool
	FillAfter time.Duration // delay before trade is emitted; 0 = immediate
	Volume    float64       // volume to fill; 0 = never fills on its own
}

func NewSimGateway() *SimGateway {
	return &SimGateway{
		orders:   make(map[string]*domain.Order),
		quotes:   make(map[string]Quote),
		FillPlan: make(map[string][]FillStep),
		planIdx:  make(map[string]int),
	}
}

func (g *SimGateway) Connect(ctx context.Context) error {
	g.mu.Lock()
	g.connected = true
	g.mu.Unlock()
	return nil
}

func (g *SimGateway) Disconnect(ctx context.Context) error {
	g.mu.Lock()
	g.connected = false
	g.mu.Unlock()
	return nil
}

func (g *SimGateway) Subscribe(symbols ...string) error   { return nil }
func (g *SimGateway) Unsubscribe(symbols ...string) error { return nil }

func (g *SimGateway) IsConnected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

// RegisterCallbacks is additive: every registered listener receives every
// order/trade event (Gateway interface doc).
func (g *SimGateway) RegisterCallbacks(cb Callbacks) {
	g.mu.Lock()
	g.cbs = append(g.cbs, cb)
	g.mu.Unlock()
}

func (g *SimGateway) emitOrder(o *domain.Order) {
	g.mu.Lock()
	cbs := g.cbs
	g.mu.Unlock()
	for _, cb := range cbs {
		if cb.OnOrder != nil {
			cb.OnOrder(cloneOrder(o))
		}
	}
}

func (g *SimGateway) emitTrade(t *domain.Trade) {
	g.mu.Lock()
	cbs := g.cbs
	g.mu.Unlock()
	for _, cb := range cbs {
		if cb.OnTrade != nil {
			cb.OnTrade(t)
		}
	}
}

// SetQuote sets the best bid/ask used to resolve a zero-price order.
func (g *SimGateway) SetQuote(symbol string, q Quote) {
	g.mu.Lock()
	g.quotes[symbol] = q
	g.mu.Unlock()
}

func (g *SimGateway) SendOrder(ctx context.Context, req OrderRequest) (*domain.Order, error) {
	g.mu.Lock()
	step, hasStep := g.nextStep(req.Symbol)
	price := req.Price
	if price == 0 {
		if q, ok := g.quotes[req.Symbol]; ok {
			if req.Direction == domain.Buy {
				price = q.AskPrice
			} else {
				price = q.BidPrice
			}
		}
	}

	order := &domain.Order{
		OrderID:    uuid.NewString(),
		Symbol:     req.Symbol,
		Direction:  req.Direction,
		Offset:     req.Offset,
		Volume:     req.Volume,
		VolumeLeft: req.Volume,
		Price:      price,
		Status:     domain.OrderActive,
		InsertTime: time.Now(),
	}
	if hasStep && step.Reject {
		order.Status = domain.OrderRejected
	}
	g.orders[order.OrderID] = order
	g.mu.Unlock()

	g.emitOrder(order)

	if !hasStep {
		// No script for this symbol: fill fully, immediately.
		go g.emitFill(order.OrderID, -1, 0)
	} else if !step.Reject && step.Volume != 0 {
		go g.emitFill(order.OrderID, step.Volume, step.FillAfter)
	}
	// step.Volume == 0 (and not rejected) means "never fills on its own":
	// the test expects the executor to cancel or time out this slice.
	return cloneOrder(order), nil
}

func (g *SimGateway) nextStep(symbol string) (FillStep, bool) {
	plan := g.FillPlan[symbol]
	idx := g.planIdx[symbol]
	if idx >= len(plan) {
		return FillStep{}, false
	}
	g.planIdx[symbol] = idx + 1
	return plan[idx], true
}

func (g *SimGateway) emitFill(orderID string, volume float64, after time.Duration) {
	if after > 0 {
		time.Sleep(after)
	}
	g.mu.Lock()
	order, ok := g.orders[orderID]
	if !ok {
		g.mu.Unlock()
		return
	}
	fillVol := volume
	if fillVol < 0 || fillVol > order.VolumeLeft {
		fillVol = order.VolumeLeft
	}
	order.VolumeLeft -= fillVol
	if order.VolumeLeft <= 0 {
		order.Status = domain.OrderFinished
	}
	g.mu.Unlock()

	trade := &domain.Trade{
		TradeID:   uuid.NewString(),
		OrderID:   orderID,
		Symbol:    order.Symbol,
		Direction: order.Direction,
		Offset:    order.Offset,
		Price:     order.Price,
		Volume:    fillVol,
		TradeTime: time.Now(),
	}
	g.emitTrade(trade)
	g.emitOrder(order)
}

func (g *SimGateway) CancelOrder(ctx context.Context, req CancelRequest) error {
	g.mu.Lock()
	order, ok := g.orders[req.OrderID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("unknown order %s", req.OrderID)
	}
	if order.IsTerminal() {
		g.mu.Unlock()
		return nil // already completed; not an error (spec §4.4)
	}
	order.Status = domain.OrderFinished
	g.mu.Unlock()

	g.emitOrder(order)
	return nil
}

func (g *SimGateway) GetAccount() (*domain.Account, error)        { return &domain.Account{}, nil }
func (g *SimGateway) GetOrders() ([]*domain.Order, error)         { return nil, nil }
func (g *SimGateway) GetPositions() ([]*domain.Position, error)   { return nil, nil }
func (g *SimGateway) GetTrades() ([]*domain.Trade, error)         { return nil, nil }
func (g *SimGateway) GetContracts() ([]string, error)             { return nil, nil }
func (g *SimGateway) GetQuotes(symbols ...string) ([]Quote, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Quote, 0, len(symbols))
	for _, s := range symbols {
		if q, ok := g.quotes[s]; ok {
			out = append(out, q)
		}
	}
	return out, nil
}

// OrderSnapshot returns a copy of the order's current state, for tests.
func (g *SimGateway) OrderSnapshot(orderID string) (*domain.Order, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.orders[orderID]
	if !ok {
		return nil, false
	}
	return cloneOrder(o), true
}

func cloneOrder(o *domain.Order) *domain.Order {
	cp := *o
	return &cp
}
