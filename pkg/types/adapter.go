package types

import (
	"context"

	"github.com/shopspring/decimal"
)

// CreateOrderRequest carries everything an adapter needs to place an order.
// Nonce is the signing timestamp issued by the nonce coordinator; adapters
// that sign requests themselves may ignore it.
type CreateOrderRequest struct {
	Symbol        string
	Type          OrderType
	Side          OrderSide
	Amount        decimal.Decimal
	Price         decimal.Decimal
	ClientOrderID string
	PostOnly      bool
	TimeInForce   TimeInForce
	ReduceOnly    bool
	Nonce         int64
}

// OrderAck is the venue's response to a create request.
type OrderAck struct {
	RemoteID string
	Status   string
	Filled   decimal.Decimal
	Remaining decimal.Decimal
	Average  decimal.Decimal
	Fee      decimal.Decimal
}

// OrderView is the venue's current view of an order.
type OrderView struct {
	RemoteID string
	Status   string
	Filled   decimal.Decimal
	Amount   decimal.Decimal
	Average  decimal.Decimal
	Fee      decimal.Decimal
}

// Capability interfaces. Adapters implement whichever subset the venue
// supports; capability probing type-asserts against these.

type OrderWriter interface {
	CreateOrder(ctx context.Context, req CreateOrderRequest) (*OrderAck, error)
	CancelOrder(ctx context.Context, remoteID, symbol string) error
}

type OrderReader interface {
	FetchOrder(ctx context.Context, remoteID, symbol string) (*OrderView, error)
	FetchOpenOrders(ctx context.Context, symbol string) ([]*RemoteOrder, error)
}

type PositionReader interface {
	FetchPositions(ctx context.Context) ([]*Position, error)
}

type BalanceReader interface {
	FetchBalance(ctx context.Context) ([]*Balance, error)
}

type MarketDataReader interface {
	FetchTicker(ctx context.Context, symbol string) (*Ticker, error)
}

type TimeSource interface {
	FetchTime(ctx context.Context) (int64, error)
}

type TradeReader interface {
	FetchMyTrades(ctx context.Context, symbol string) ([]*Trade, error)
}

// ExchangeAdapter is the full capability set the core depends on. Adapters
// own authentication, signing and the vendor wire protocol.
type ExchangeAdapter interface {
	OrderWriter
	OrderReader
	PositionReader
	BalanceReader
	MarketDataReader
	TimeSource
	TradeReader
}

// Capabilities reports which capability interfaces a handle implements.
type Capabilities struct {
	CreateOrder     bool `json:"create_order"`
	CancelOrder     bool `json:"cancel_order"`
	FetchOrder      bool `json:"fetch_order"`
	FetchOpenOrders bool `json:"fetch_open_orders"`
	FetchPositions  bool `json:"fetch_positions"`
	FetchBalance    bool `json:"fetch_balance"`
	FetchTicker     bool `json:"fetch_ticker"`
	FetchTime       bool `json:"fetch_time"`
	FetchMyTrades   bool `json:"fetch_my_trades"`
}

// ProbeCapabilities inspects an opaque handle for the capability methods.
func ProbeCapabilities(handle interface{}) Capabilities {
	caps := Capabilities{}
	if _, ok := handle.(OrderWriter); ok {
		caps.CreateOrder = true
		caps.CancelOrder = true
	}
	if _, ok := handle.(OrderReader); ok {
		caps.FetchOrder = true
		caps.FetchOpenOrders = true
	}
	if _, ok := handle.(PositionReader); ok {
		caps.FetchPositions = true
	}
	if _, ok := handle.(BalanceReader); ok {
		caps.FetchBalance = true
	}
	if _, ok := handle.(MarketDataReader); ok {
		caps.FetchTicker = true
	}
	if _, ok := handle.(TimeSource); ok {
		caps.FetchTime = true
	}
	if _, ok := handle.(TradeReader); ok {
		caps.FetchMyTrades = true
	}
	return caps
}
