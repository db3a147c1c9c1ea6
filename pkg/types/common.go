package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order sides
const (
	OrderSideBuy  = "BUY"
	OrderSideSell = "SELL"
)

// Order types
const (
	OrderTypeMarket   = "MARKET"
	OrderTypeLimit    = "LIMIT"
	OrderTypePostOnly = "POST_ONLY"
	OrderTypeIOC      = "IOC"
	OrderTypeFOK      = "FOK"
)

// Time in force
const (
	TimeInForceGTC = "GTC" // Good Till Cancel
	TimeInForceIOC = "IOC" // Immediate or Cancel
	TimeInForceFOK = "FOK" // Fill or Kill
	TimeInForcePO  = "PO"  // Post Only
)

// Position sides
const (
	PositionSideLong  = "LONG"
	PositionSideShort = "SHORT"
)

// Type aliases for readability
type OrderSide = string
type OrderType = string
type PositionSide = string
type TimeInForce = string

// OrderState is the local lifecycle state of an order owned by the executor.
type OrderState string

const (
	OrderStatePending         OrderState = "PENDING"
	OrderStateSubmitted       OrderState = "SUBMITTED"
	OrderStatePartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderStateFilled          OrderState = "FILLED"
	OrderStateCanceled        OrderState = "CANCELED"
	OrderStateRejected        OrderState = "REJECTED"
	OrderStateExpired         OrderState = "EXPIRED"
	OrderStateFailed          OrderState = "FAILED"
)

// IsTerminal reports whether the state ends the order lifecycle.
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderStateFilled, OrderStateCanceled, OrderStateRejected, OrderStateExpired, OrderStateFailed:
		return true
	}
	return false
}

// Remote order status values as normalized by adapters.
const (
	RemoteStatusOpen     = "open"
	RemoteStatusClosed   = "closed"
	RemoteStatusCanceled = "canceled"
	RemoteStatusRejected = "rejected"
	RemoteStatusExpired  = "expired"
)

// Order is the executor-owned record of a submission. It lives in the
// active table from creation until a terminal state, then survives only as
// snapshots inside events and execution records.
type Order struct {
	ClientID   string `json:"client_id"`
	RemoteID   string `json:"remote_id,omitempty"`
	EndpointID string `json:"endpoint_id"`
	AccountID  string `json:"account_id"`

	Symbol string    `json:"symbol"`
	Side   OrderSide `json:"side"`
	Type   OrderType `json:"type"`

	RequestedAmount decimal.Decimal `json:"requested_amount"`
	RemainingAmount decimal.Decimal `json:"remaining_amount"`
	FilledAmount    decimal.Decimal `json:"filled_amount"`

	OriginalPrice decimal.Decimal `json:"original_price"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	AvgFillPrice  decimal.Decimal `json:"avg_fill_price"`

	ReduceOnly bool `json:"reduce_only,omitempty"`
	PostOnly   bool `json:"post_only,omitempty"`

	State         OrderState `json:"state"`
	ResubmitCount int        `json:"resubmit_count"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	LastError     string     `json:"last_error,omitempty"`
}

// Fill is a single execution against an order.
type Fill struct {
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	Fee       decimal.Decimal `json:"fee,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Latency   time.Duration   `json:"latency,omitempty"`
}

// Ticker is a best bid/ask snapshot used for repricing.
type Ticker struct {
	Symbol string          `json:"symbol"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Last   decimal.Decimal `json:"last"`
}

// Position is a remote or locally believed position.
type Position struct {
	Symbol        string          `json:"symbol"`
	Side          PositionSide    `json:"side"`
	Size          decimal.Decimal `json:"size"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Balance is a per-currency balance snapshot.
type Balance struct {
	Currency  string          `json:"currency"`
	Total     decimal.Decimal `json:"total"`
	Free      decimal.Decimal `json:"free"`
	Used      decimal.Decimal `json:"used"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Trade is an executed trade as reported by an adapter.
type Trade struct {
	TradeID  string          `json:"trade_id"`
	OrderID  string          `json:"order_id"`
	Symbol   string          `json:"symbol"`
	Side     OrderSide       `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Amount   decimal.Decimal `json:"amount"`
	Fee      decimal.Decimal `json:"fee,omitempty"`
	Time     time.Time       `json:"time"`
	IsMaker  bool            `json:"is_maker"`
}

// RemoteOrder is an order as seen by the venue, used for reconciliation.
type RemoteOrder struct {
	RemoteID  string          `json:"remote_id"`
	Symbol    string          `json:"symbol"`
	Side      OrderSide       `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	Filled    decimal.Decimal `json:"filled"`
	Remaining decimal.Decimal `json:"remaining"`
	Status    string          `json:"status"`
	UpdatedAt time.Time       `json:"updated_at"`
}
