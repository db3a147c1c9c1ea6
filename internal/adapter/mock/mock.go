// Package mock provides a scripted exchange adapter for tests and paper
// trading. Every capability method records its call, applies an optional
// injected latency, then runs the scripted hook or a benign default.
package mock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/execms/oms/pkg/types"
)

// Call records one adapter invocation.
type Call struct {
	Method string
	Symbol string
	Req    *types.CreateOrderRequest // set for CreateOrder
	Arg    string                    // remoteID for cancel/fetch
}

// Adapter implements types.ExchangeAdapter with per-method hooks.
type Adapter struct {
	mu sync.Mutex
	id string

	CreateOrderFn     func(ctx context.Context, req types.CreateOrderRequest) (*types.OrderAck, error)
	CancelOrderFn     func(ctx context.Context, remoteID, symbol string) error
	FetchOrderFn      func(ctx context.Context, remoteID, symbol string) (*types.OrderView, error)
	FetchOpenOrdersFn func(ctx context.Context, symbol string) ([]*types.RemoteOrder, error)
	FetchPositionsFn  func(ctx context.Context) ([]*types.Position, error)
	FetchBalanceFn    func(ctx context.Context) ([]*types.Balance, error)
	FetchTickerFn     func(ctx context.Context, symbol string) (*types.Ticker, error)
	FetchTimeFn       func(ctx context.Context) (int64, error)
	FetchMyTradesFn   func(ctx context.Context, symbol string) ([]*types.Trade, error)

	Latency time.Duration

	calls   []Call
	orderSeq atomic.Int64
	timeErr  error
}

// NewAdapter creates a mock adapter with benign defaults: orders fill
// immediately at the requested price.
func NewAdapter(id string) *Adapter {
	return &Adapter{id: id}
}

// ID returns the adapter's endpoint id.
func (a *Adapter) ID() string { return a.id }

// FailTime makes FetchTime return err; nil restores success.
func (a *Adapter) FailTime(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.timeErr = err
}

// Calls returns a snapshot of recorded calls.
func (a *Adapter) Calls() []Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Call, len(a.calls))
	copy(out, a.calls)
	return out
}

// CallCount counts recorded calls to the named method.
func (a *Adapter) CallCount(method string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

func (a *Adapter) record(c Call) {
	a.mu.Lock()
	a.calls = append(a.calls, c)
	a.mu.Unlock()
	if a.Latency > 0 {
		time.Sleep(a.Latency)
	}
}

// NextOrderID issues a synthetic remote id.
func (a *Adapter) NextOrderID() string {
	return fmt.Sprintf("%s-%d", a.id, a.orderSeq.Add(1))
}

func (a *Adapter) CreateOrder(ctx context.Context, req types.CreateOrderRequest) (*types.OrderAck, error) {
	a.record(Call{Method: "CreateOrder", Symbol: req.Symbol, Req: &req})
	if a.CreateOrderFn != nil {
		return a.CreateOrderFn(ctx, req)
	}
	return &types.OrderAck{
		RemoteID: a.NextOrderID(),
		Status:   types.RemoteStatusClosed,
		Filled:   req.Amount,
		Remaining: decimal.Zero,
		Average:  req.Price,
	}, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, remoteID, symbol string) error {
	a.record(Call{Method: "CancelOrder", Symbol: symbol, Arg: remoteID})
	if a.CancelOrderFn != nil {
		return a.CancelOrderFn(ctx, remoteID, symbol)
	}
	return nil
}

func (a *Adapter) FetchOrder(ctx context.Context, remoteID, symbol string) (*types.OrderView, error) {
	a.record(Call{Method: "FetchOrder", Symbol: symbol, Arg: remoteID})
	if a.FetchOrderFn != nil {
		return a.FetchOrderFn(ctx, remoteID, symbol)
	}
	return &types.OrderView{RemoteID: remoteID, Status: types.RemoteStatusClosed}, nil
}

func (a *Adapter) FetchOpenOrders(ctx context.Context, symbol string) ([]*types.RemoteOrder, error) {
	a.record(Call{Method: "FetchOpenOrders", Symbol: symbol})
	if a.FetchOpenOrdersFn != nil {
		return a.FetchOpenOrdersFn(ctx, symbol)
	}
	return nil, nil
}

func (a *Adapter) FetchPositions(ctx context.Context) ([]*types.Position, error) {
	a.record(Call{Method: "FetchPositions"})
	if a.FetchPositionsFn != nil {
		return a.FetchPositionsFn(ctx)
	}
	return nil, nil
}

func (a *Adapter) FetchBalance(ctx context.Context) ([]*types.Balance, error) {
	a.record(Call{Method: "FetchBalance"})
	if a.FetchBalanceFn != nil {
		return a.FetchBalanceFn(ctx)
	}
	return nil, nil
}

func (a *Adapter) FetchTicker(ctx context.Context, symbol string) (*types.Ticker, error) {
	a.record(Call{Method: "FetchTicker", Symbol: symbol})
	if a.FetchTickerFn != nil {
		return a.FetchTickerFn(ctx, symbol)
	}
	return &types.Ticker{Symbol: symbol}, nil
}

func (a *Adapter) FetchTime(ctx context.Context) (int64, error) {
	a.record(Call{Method: "FetchTime"})
	a.mu.Lock()
	timeErr := a.timeErr
	a.mu.Unlock()
	if a.FetchTimeFn != nil {
		return a.FetchTimeFn(ctx)
	}
	if timeErr != nil {
		return 0, timeErr
	}
	return time.Now().UnixMilli(), nil
}

func (a *Adapter) FetchMyTrades(ctx context.Context, symbol string) ([]*types.Trade, error) {
	a.record(Call{Method: "FetchMyTrades", Symbol: symbol})
	if a.FetchMyTradesFn != nil {
		return a.FetchMyTradesFn(ctx, symbol)
	}
	return nil, nil
}

var _ types.ExchangeAdapter = (*Adapter)(nil)
