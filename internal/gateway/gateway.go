// Package gateway defines the abstract brokerage gateway contract (spec
// §4.8) and a simulator implementation used by tests and by the
// executor's end-to-end scenarios. The real brokerage SDK binding is out
// of core scope (spec §1); structurally this interface and its
// callback-registration shape are grounded on
// aristath-sentinel/internal/clients/tradernet/adapter.go, which wraps a
// concrete client behind a delegate-and-transform adapter the same way.
package gateway

import (
	"context"

	"github.com/csuduan/qtrader-sub001/internal/domain"
)

// OrderRequest is what the executor sends to place a child order.
type OrderRequest struct {
	Symbol    string
	Direction domain.Direction
	Offset    domain.Offset
	Volume    float64
	Price     float64 // 0 => market/opposite-side best quote
}

// CancelRequest asks the gateway to cancel a live order.
type CancelRequest struct {
	OrderID string
}

// Quote is a best-bid/ask snapshot used to resolve OrderRequest.Price
// when the caller supplied 0.
type Quote struct {
	Symbol   string
	BidPrice float64
	AskPrice float64
}

// Callbacks groups every event the gateway can push back to its owner.
// An implementation may invoke them from a goroutine it owns or inline
// from SendOrder/CancelOrder (SimGateway emits the initial and the
// cancelled order update inline); the Trader's callbacks forward each
// event onto the event engine (spec §4.8).
type Callbacks struct {
	OnTick     func(symbol string, q Quote)
	OnBar      func(symbol string, bar any)
	OnOrder    func(o *domain.Order)
	OnTrade    func(t *domain.Trade)
	OnPosition func(p *domain.Position)
	OnAccount  func(a *domain.Account)
	OnContract func(symbol string, contract any)
}

// Gateway is the abstract brokerage connection contract.
type Gateway interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Subscribe(symbols ...string) error
	Unsubscribe(symbols ...string) error

	SendOrder(ctx context.Context, req OrderRequest) (*domain.Order, error)
	CancelOrder(ctx context.Context, req CancelRequest) error

	GetAccount() (*domain.Account, error)
	GetOrders() ([]*domain.Order, error)
	GetPositions() ([]*domain.Position, error)
	GetTrades() ([]*domain.Trade, error)
	GetQuotes(symbols ...string) ([]Quote, error)
	GetContracts() ([]string, error)

	// RegisterCallbacks is additive: each call registers one more listener
	// rather than replacing whatever was registered before. The executor
	// and the Trader shell both register their own Callbacks against the
	// same Gateway (spec §4.4: "the executor reads its input order/trade
	// events from the same event engine that drives strategies"), and both
	// must see every order/trade update.
	RegisterCallbacks(cb Callbacks)
	IsConnected() bool
}
