package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execms/oms/internal/adapter/mock"
	"github.com/execms/oms/internal/ratelimit"
	"github.com/execms/oms/pkg/bus"
	"github.com/execms/oms/pkg/types"
)

type staticEndpoints struct {
	primary  string
	adapters map[string]types.ExchangeAdapter
	healthy  []string
}

func (s *staticEndpoints) Primary() string { return s.primary }

func (s *staticEndpoints) Adapter(id string) (types.ExchangeAdapter, error) {
	a, ok := s.adapters[id]
	if !ok {
		return nil, types.ErrEndpointNotFound
	}
	return a, nil
}

func (s *staticEndpoints) HealthyEndpoints() []string { return s.healthy }

func singleEndpoint(a *mock.Adapter) *staticEndpoints {
	return &staticEndpoints{
		primary:  a.ID(),
		adapters: map[string]types.ExchangeAdapter{a.ID(): a},
		healthy:  []string{a.ID()},
	}
}

type eventRecorder struct {
	mu     sync.Mutex
	byType map[string][]OrderEvent
}

func recordEvents(b *bus.Bus) *eventRecorder {
	r := &eventRecorder{byType: map[string][]OrderEvent{}}
	b.SubscribeAll(func(evt bus.Event) {
		oe, ok := evt.Data.(OrderEvent)
		if !ok {
			return
		}
		r.mu.Lock()
		r.byType[evt.Type] = append(r.byType[evt.Type], oe)
		r.mu.Unlock()
	})
	return r
}

func (r *eventRecorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byType[eventType])
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.UnfillTimeout = 40 * time.Millisecond
	cfg.CheckInterval = 5 * time.Millisecond
	cfg.NonceRetryDelay = 5 * time.Millisecond
	cfg.DryRunFillDelay = 5 * time.Millisecond
	cfg.CompletionWaitCeiling = 5 * time.Second
	cfg.DefaultPostOnly = false
	cfg.RateLimit = ratelimit.Config{
		InitialWait: 20 * time.Millisecond,
		MaxWait:     200 * time.Millisecond,
		Multiplier:  2,
		MaxRaises:   5,
	}
	return cfg
}

func dec(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func limitReq(amount, price float64) Request {
	return Request{
		AccountID: "acct-1",
		Symbol:    "BTC/USDT",
		Side:      types.OrderSideBuy,
		Type:      types.OrderTypeLimit,
		Amount:    dec(amount),
		Price:     dec(price),
	}
}

// Unfilled limit order gets canceled, repriced from the book, and the
// resubmission fills at the new price.
func TestSubmit_RepriceAfterStallThenFill(t *testing.T) {
	a := mock.NewAdapter("A")
	submissions := 0
	a.CreateOrderFn = func(ctx context.Context, req types.CreateOrderRequest) (*types.OrderAck, error) {
		submissions++
		if submissions == 1 {
			return &types.OrderAck{RemoteID: a.NextOrderID(), Status: types.RemoteStatusOpen}, nil
		}
		return &types.OrderAck{
			RemoteID: a.NextOrderID(),
			Status:   types.RemoteStatusClosed,
			Filled:   req.Amount,
			Average:  req.Price,
		}, nil
	}
	a.FetchOrderFn = func(ctx context.Context, remoteID, symbol string) (*types.OrderView, error) {
		return &types.OrderView{RemoteID: remoteID, Status: types.RemoteStatusOpen, Amount: dec(0.1)}, nil
	}
	a.FetchTickerFn = func(ctx context.Context, symbol string) (*types.Ticker, error) {
		return &types.Ticker{Symbol: symbol, Bid: dec(50099), Ask: dec(50100), Last: dec(50100)}, nil
	}

	b := bus.New()
	rec := recordEvents(b)
	e := New(testConfig(), singleEndpoint(a), b)
	defer e.Stop()

	res, err := e.Submit(context.Background(), limitReq(0.1, 50000))
	require.NoError(t, err)
	require.True(t, res.Success)

	assert.Equal(t, types.OrderStateFilled, res.Order.State)
	assert.True(t, res.Order.AvgFillPrice.Equal(dec(50100)), "avg fill %s", res.Order.AvgFillPrice)
	assert.Equal(t, 1, res.Order.ResubmitCount)
	assert.True(t, res.Order.CurrentPrice.Equal(dec(50100)))

	assert.Equal(t, 2, rec.count(EventOrderSubmitted))
	assert.Equal(t, 1, rec.count(EventOrderResubmitting))
	assert.Equal(t, 1, rec.count(EventOrderFilled))
	assert.Equal(t, 1, a.CallCount("CancelOrder"))
}

// Three 429 responses back off 20/40/80ms without burning resubmit
// attempts; the fourth try succeeds and the order fills.
func TestSubmit_RateLimitBackoffThenSuccess(t *testing.T) {
	a := mock.NewAdapter("A")
	calls := 0
	a.CreateOrderFn = func(ctx context.Context, req types.CreateOrderRequest) (*types.OrderAck, error) {
		calls++
		if calls <= 3 {
			return nil, errors.New("429 too many requests")
		}
		return &types.OrderAck{
			RemoteID: a.NextOrderID(),
			Status:   types.RemoteStatusClosed,
			Filled:   req.Amount,
			Average:  req.Price,
		}, nil
	}

	b := bus.New()
	rec := recordEvents(b)
	e := New(testConfig(), singleEndpoint(a), b)
	defer e.Stop()

	start := time.Now()
	res, err := e.Submit(context.Background(), limitReq(0.1, 50000))
	elapsed := time.Since(start)
	require.NoError(t, err)
	require.True(t, res.Success)

	// 20 + 40 + 80 ms of rate-limit waits
	assert.GreaterOrEqual(t, elapsed, 130*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)

	assert.Equal(t, types.OrderStateFilled, res.Order.State)
	assert.Equal(t, 0, res.Order.ResubmitCount)
	assert.Equal(t, 1, rec.count(EventOrderSubmitted))

	stats := e.Stats()
	assert.Equal(t, int64(3), stats.RateLimitHits)
	assert.Equal(t, int64(1), stats.Submitted)
	assert.Equal(t, int64(1), stats.Filled)
}

// Dry-run fills synthetically with slippage against the caller and never
// touches the adapter.
func TestSubmit_DryRunFillsSynthetically(t *testing.T) {
	a := mock.NewAdapter("A")
	cfg := testConfig()
	cfg.DryRun = true
	cfg.DryRunSlippage = 0.0001

	b := bus.New()
	rec := recordEvents(b)
	e := New(cfg, singleEndpoint(a), b)
	defer e.Stop()

	res, err := e.Submit(context.Background(), Request{
		AccountID: "acct-1",
		Symbol:    "BTC/USDT",
		Side:      types.OrderSideSell,
		Type:      types.OrderTypeMarket,
		Amount:    dec(0.1),
		Price:     dec(50000),
	})
	require.NoError(t, err)
	require.True(t, res.Success)

	assert.Equal(t, types.OrderStateFilled, res.Order.State)
	assert.True(t, res.Order.AvgFillPrice.Equal(dec(49995)), "avg fill %s", res.Order.AvgFillPrice)
	assert.Contains(t, res.Order.RemoteID, "dryrun-")
	assert.Empty(t, a.Calls(), "dry-run must not touch the adapter")

	assert.Equal(t, 1, rec.count(EventOrderSubmitted))
	assert.Equal(t, 1, rec.count(EventOrderFilled))
	assert.Equal(t, int64(1), e.Stats().DryRunFills)
}

// Submissions for one account reach the adapter in FIFO order.
func TestSubmit_AccountSerialFIFO(t *testing.T) {
	a := mock.NewAdapter("A")
	e := New(testConfig(), singleEndpoint(a), bus.New())
	defer e.Stop()

	const n = 12
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.Submit(context.Background(), Request{
				AccountID: "acct-1",
				Symbol:    fmt.Sprintf("SYM-%02d", i),
				Side:      types.OrderSideBuy,
				Type:      types.OrderTypeMarket,
				Amount:    dec(1),
				Price:     dec(100),
			})
			assert.NoError(t, err)
		}(i)
		time.Sleep(15 * time.Millisecond)
	}
	wg.Wait()

	var got []string
	for _, c := range a.Calls() {
		if c.Method == "CreateOrder" {
			got = append(got, c.Symbol)
		}
	}
	require.Len(t, got, n)
	for i, sym := range got {
		assert.Equal(t, fmt.Sprintf("SYM-%02d", i), sym)
	}
}

// Cancel flips the order to Canceled exactly once; the second call is a
// no-op and only one remote cancel goes out.
func TestCancel_Idempotent(t *testing.T) {
	a := mock.NewAdapter("A")
	a.CreateOrderFn = func(ctx context.Context, req types.CreateOrderRequest) (*types.OrderAck, error) {
		return &types.OrderAck{RemoteID: a.NextOrderID(), Status: types.RemoteStatusOpen}, nil
	}
	a.FetchOrderFn = func(ctx context.Context, remoteID, symbol string) (*types.OrderView, error) {
		return &types.OrderView{RemoteID: remoteID, Status: types.RemoteStatusOpen}, nil
	}

	cfg := testConfig()
	cfg.UnfillTimeout = time.Second // keep the stall monitor out of the way

	b := bus.New()
	rec := recordEvents(b)
	e := New(cfg, singleEndpoint(a), b)
	defer e.Stop()

	resCh := make(chan *Result, 1)
	go func() {
		res, err := e.Submit(context.Background(), limitReq(0.1, 50000))
		assert.NoError(t, err)
		resCh <- res
	}()

	var clientID string
	require.Eventually(t, func() bool {
		orders := e.ActiveOrders()
		for _, o := range orders {
			if o.State == types.OrderStateSubmitted {
				clientID = o.ClientID
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, e.Cancel(context.Background(), clientID))
	assert.False(t, e.Cancel(context.Background(), clientID))

	res := <-resCh
	assert.False(t, res.Success)
	assert.Equal(t, "canceled", res.Error)
	assert.Equal(t, types.OrderStateCanceled, res.Order.State)

	assert.Equal(t, 1, rec.count(EventOrderCanceled))
	assert.Equal(t, 1, a.CallCount("CancelOrder"))
	assert.Equal(t, int64(1), e.Stats().Canceled)
}

// A fatal balance error ends the submission without retries.
func TestSubmit_FatalBalanceErrorFailsFast(t *testing.T) {
	a := mock.NewAdapter("A")
	a.CreateOrderFn = func(ctx context.Context, req types.CreateOrderRequest) (*types.OrderAck, error) {
		return nil, errors.New("insufficient balance for order")
	}

	b := bus.New()
	rec := recordEvents(b)
	e := New(testConfig(), singleEndpoint(a), b)
	defer e.Stop()

	res, err := e.Submit(context.Background(), limitReq(0.1, 50000))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, KindInsufficientBalance, res.ErrorKind)
	assert.Equal(t, types.OrderStateFailed, res.Order.State)
	assert.Equal(t, 1, a.CallCount("CreateOrder"))
	assert.Equal(t, 1, rec.count(EventOrderFailed))
}

// An invalid order lands in Rejected, not Failed.
func TestSubmit_InvalidOrderRejected(t *testing.T) {
	a := mock.NewAdapter("A")
	a.CreateOrderFn = func(ctx context.Context, req types.CreateOrderRequest) (*types.OrderAck, error) {
		return nil, errors.New("order rejected: invalid quantity precision")
	}

	e := New(testConfig(), singleEndpoint(a), bus.New())
	defer e.Stop()

	res, err := e.Submit(context.Background(), limitReq(0.1, 50000))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, KindInvalidOrder, res.ErrorKind)
	assert.Equal(t, types.OrderStateRejected, res.Order.State)
}

// Retry exhaustion on the primary falls through to the next healthy
// endpoint, which fills.
func TestSubmitWithFallback_MovesToBackup(t *testing.T) {
	a := mock.NewAdapter("A")
	a.CreateOrderFn = func(ctx context.Context, req types.CreateOrderRequest) (*types.OrderAck, error) {
		return nil, errors.New("connection refused")
	}
	bb := mock.NewAdapter("B")

	eps := &staticEndpoints{
		primary: "A",
		adapters: map[string]types.ExchangeAdapter{
			"A": a, "B": bb,
		},
		healthy: []string{"A", "B"},
	}

	cfg := testConfig()
	cfg.MaxResubmitAttempts = 2
	e := New(cfg, eps, bus.New())
	defer e.Stop()

	res, err := e.SubmitWithFallback(context.Background(), limitReq(0.1, 50000))
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "B", res.Order.EndpointID)
	assert.Equal(t, types.OrderStateFilled, res.Order.State)
	assert.Equal(t, 2, a.CallCount("CreateOrder"))
	assert.Equal(t, 1, bb.CallCount("CreateOrder"))
}

// Partial fill below the dust threshold closes the order instead of
// repricing the sliver.
func TestMonitor_DustRemainderTreatedAsFilled(t *testing.T) {
	a := mock.NewAdapter("A")
	a.CreateOrderFn = func(ctx context.Context, req types.CreateOrderRequest) (*types.OrderAck, error) {
		return &types.OrderAck{RemoteID: a.NextOrderID(), Status: types.RemoteStatusOpen}, nil
	}
	a.FetchOrderFn = func(ctx context.Context, remoteID, symbol string) (*types.OrderView, error) {
		return &types.OrderView{
			RemoteID: remoteID,
			Status:   types.RemoteStatusOpen,
			Amount:   dec(1),
			Filled:   dec(0.995),
			Average:  dec(50000),
		}, nil
	}

	b := bus.New()
	rec := recordEvents(b)
	e := New(testConfig(), singleEndpoint(a), b)
	defer e.Stop()

	res, err := e.Submit(context.Background(), limitReq(1, 50000))
	require.NoError(t, err)
	require.True(t, res.Success)

	assert.Equal(t, types.OrderStateFilled, res.Order.State)
	assert.True(t, res.Order.FilledAmount.Equal(dec(0.995)))
	assert.Equal(t, 0, res.Order.ResubmitCount)
	assert.Equal(t, 1, rec.count(EventOrderPartiallyFilled))
	assert.Equal(t, 1, rec.count(EventOrderFilled))
	assert.Equal(t, 0, a.CallCount("CancelOrder"))
}

// Exhausting resubmits cancels the remote order and fails the submission.
func TestSubmit_MaxResubmitsFails(t *testing.T) {
	a := mock.NewAdapter("A")
	a.CreateOrderFn = func(ctx context.Context, req types.CreateOrderRequest) (*types.OrderAck, error) {
		return &types.OrderAck{RemoteID: a.NextOrderID(), Status: types.RemoteStatusOpen}, nil
	}
	a.FetchOrderFn = func(ctx context.Context, remoteID, symbol string) (*types.OrderView, error) {
		return &types.OrderView{RemoteID: remoteID, Status: types.RemoteStatusOpen, Amount: dec(0.1)}, nil
	}
	a.FetchTickerFn = func(ctx context.Context, symbol string) (*types.Ticker, error) {
		return &types.Ticker{Symbol: symbol, Bid: dec(50000), Ask: dec(50001)}, nil
	}

	cfg := testConfig()
	cfg.MaxResubmitAttempts = 2

	b := bus.New()
	rec := recordEvents(b)
	e := New(cfg, singleEndpoint(a), b)
	defer e.Stop()

	res, err := e.Submit(context.Background(), limitReq(0.1, 50000))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "max_resubmits", res.Error)
	assert.Equal(t, types.OrderStateFailed, res.Order.State)
	assert.Equal(t, 2, rec.count(EventOrderResubmitting))
	assert.Equal(t, 1, rec.count(EventOrderFailed))
	assert.Equal(t, 3, a.CallCount("CreateOrder"))
}

// Nonce drift errors re-anchor the clock and retry with a fresh nonce.
func TestSubmit_NonceDriftRetries(t *testing.T) {
	a := mock.NewAdapter("A")
	calls := 0
	var nonces []int64
	a.CreateOrderFn = func(ctx context.Context, req types.CreateOrderRequest) (*types.OrderAck, error) {
		calls++
		nonces = append(nonces, req.Nonce)
		if calls == 1 {
			return nil, fmt.Errorf("request timestamp expired, server time %d", time.Now().UnixMilli()+2000)
		}
		return &types.OrderAck{
			RemoteID: a.NextOrderID(),
			Status:   types.RemoteStatusClosed,
			Filled:   req.Amount,
			Average:  req.Price,
		}, nil
	}

	e := New(testConfig(), singleEndpoint(a), bus.New())
	defer e.Stop()

	res, err := e.Submit(context.Background(), limitReq(0.1, 50000))
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Len(t, nonces, 2)
	assert.Greater(t, nonces[1], nonces[0], "retry must carry a fresh, larger nonce")
	assert.InDelta(t, float64(2000), float64(e.Nonces().Skew("A")), 150)
}

func TestClassify_OrderedBuckets(t *testing.T) {
	cases := map[string]ErrorKind{
		"HTTP 429 too many requests":        KindRateLimited,
		"rate limit exceeded for timestamp": KindRateLimited, // rate-limit wins over nonce
		"invalid nonce":                     KindNonceConflict,
		"recvWindow exceeded":               KindNonceConflict,
		"insufficient margin":               KindInsufficientBalance,
		"order rejected":                    KindInvalidOrder,
		"dial tcp: connection refused":      KindNetwork,
		"exchange temporarily unavailable":  KindExchange,
		"weird broker hiccup":               KindUnknown,
	}
	for msg, want := range cases {
		assert.Equal(t, want, Classify(errors.New(msg)), msg)
	}
}
