package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/execms/oms/internal/account"
	"github.com/execms/oms/internal/nonce"
	"github.com/execms/oms/internal/ratelimit"
	"github.com/execms/oms/pkg/bus"
	"github.com/execms/oms/pkg/types"
)

// dustFraction is the remaining/requested ratio below which a partially
// filled order is treated as filled instead of repriced.
var dustFraction = decimal.NewFromFloat(0.01)

var one = decimal.NewFromInt(1)

// errLocallyCanceled aborts a queued submission whose order was canceled
// while waiting for its account slot.
var errLocallyCanceled = errors.New("order canceled locally")

// EndpointProvider is the executor's view of the failover controller.
type EndpointProvider interface {
	Primary() string
	Adapter(id string) (types.ExchangeAdapter, error)
	HealthyEndpoints() []string
}

type monitorOutcome int

const (
	monitorFilled monitorOutcome = iota
	monitorDone                  // terminal state reached externally (cancel)
	monitorReprice
	monitorCeiling // completion-wait wall clock elapsed
)

// Executor submits orders through per-account FIFO queues, monitors them for
// stalls, cancels and reprices, and classifies every adapter error into a
// retry policy. Orders live in the active table until terminal.
type Executor struct {
	cfg       Config
	accounts  *account.Manager
	limits    *ratelimit.Controller
	nonces    *nonce.Coordinator
	endpoints EndpointProvider
	bus       *bus.Bus

	active sync.Map // clientID -> *managedOrder
	stats  statsCounters

	stopCh   chan struct{}
	stopOnce sync.Once
	logger   *logrus.Entry
}

// New creates an executor.
func New(cfg Config, endpoints EndpointProvider, b *bus.Bus) *Executor {
	if cfg.UnfillTimeout <= 0 {
		cfg = DefaultConfig()
	}
	return &Executor{
		cfg: cfg,
		accounts: account.NewManager(account.Config{
			MaxConcurrentGlobal: cfg.MaxConcurrentGlobal,
			TaskTimeout:         cfg.QueueTimeout,
			QueueIdleTTL:        5 * time.Minute,
			ReapInterval:        time.Minute,
			QueueDepth:          cfg.MaxConcurrentPerAccount,
		}),
		limits:    ratelimit.New(cfg.RateLimit),
		nonces:    nonce.New(),
		endpoints: endpoints,
		bus:       b,
		stopCh:    make(chan struct{}),
		logger:    logrus.WithField("component", "executor"),
	}
}

// Nonces exposes the coordinator so integrators can anchor clocks at startup.
func (e *Executor) Nonces() *nonce.Coordinator { return e.nonces }

// RateLimits exposes the rate-limit controller for diagnostics.
func (e *Executor) RateLimits() *ratelimit.Controller { return e.limits }

// Submit executes one order and blocks until it reaches a terminal state or
// the completion-wait ceiling elapses, in which case the result reports the
// current partial state. Submission failures are reported in the Result;
// the error return covers malformed requests only.
func (e *Executor) Submit(ctx context.Context, req Request) (*Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	select {
	case <-e.stopCh:
		return nil, types.ErrStopped
	default:
	}

	endpointID := req.EndpointID
	if endpointID == "" {
		endpointID = e.endpoints.Primary()
	}

	postOnly := req.PostOnly || req.Type == types.OrderTypePostOnly
	if !postOnly && e.cfg.DefaultPostOnly && req.Type == types.OrderTypeLimit {
		postOnly = true
	}

	now := time.Now()
	ord := &types.Order{
		ClientID:        uuid.NewString(),
		EndpointID:      endpointID,
		AccountID:       req.AccountID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Type:            req.Type,
		RequestedAmount: req.Amount,
		RemainingAmount: req.Amount,
		OriginalPrice:   req.Price,
		CurrentPrice:    req.Price,
		ReduceOnly:      req.ReduceOnly,
		PostOnly:        postOnly,
		State:           types.OrderStatePending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	mo := newManagedOrder(ord)
	e.active.Store(ord.ClientID, mo)
	go func(id string) {
		<-mo.done
		e.active.Delete(id)
	}(ord.ClientID)

	if e.cfg.DryRun {
		return e.runDryRun(ctx, mo)
	}

	adapter, err := e.endpoints.Adapter(endpointID)
	if err != nil {
		return e.finalizeError(mo, err)
	}

	if req.Type == types.OrderTypeMarket {
		return e.submitMarket(ctx, mo, adapter, endpointID)
	}
	return e.submitLimit(ctx, mo, adapter, endpointID)
}

func validate(req Request) error {
	if req.AccountID == "" {
		return errors.New("account id required")
	}
	if req.Symbol == "" {
		return errors.New("symbol required")
	}
	if req.Side != types.OrderSideBuy && req.Side != types.OrderSideSell {
		return fmt.Errorf("invalid side %q", req.Side)
	}
	if !req.Amount.IsPositive() {
		return errors.New("amount must be positive")
	}
	if req.Type != types.OrderTypeMarket && !req.Price.IsPositive() {
		return errors.New("price required for non-market orders")
	}
	return nil
}

// submitLimit drives the retry loop, stall monitor, and reprice cycle for
// limit-style orders (limit, postOnly, ioc, fok).
func (e *Executor) submitLimit(ctx context.Context, mo *managedOrder, adapter types.ExchangeAdapter, endpointID string) (*Result, error) {
	deadline := time.NewTimer(e.cfg.CompletionWaitCeiling)
	defer deadline.Stop()

	for {
		var baseline decimal.Decimal
		runErr := e.accounts.Run(ctx, mo.snapshot().AccountID, func(tctx context.Context) error {
			b, err := e.attemptSubmit(tctx, mo, adapter, endpointID, false)
			baseline = b
			return err
		})
		if errors.Is(runErr, errLocallyCanceled) {
			return e.resultFor(mo), nil
		}
		if runErr != nil {
			return e.finalizeError(mo, runErr)
		}
		if mo.terminal() {
			return e.resultFor(mo), nil
		}

		outcome, newPrice := e.monitorOrder(ctx, mo, adapter, baseline, deadline)
		switch outcome {
		case monitorFilled, monitorDone:
			return e.resultFor(mo), nil
		case monitorCeiling:
			snap := mo.snapshot()
			e.logger.Warnf("order %s completion wait ceiling reached, filled %s of %s",
				snap.ClientID, snap.FilledAmount, snap.RequestedAmount)
			return &Result{Success: true, Order: snap}, nil
		case monitorReprice:
			snap := mo.update(func(o *types.Order) {
				o.ResubmitCount++
				o.CurrentPrice = newPrice
			})
			if snap.ResubmitCount > e.cfg.MaxResubmitAttempts {
				e.cancelRemote(ctx, adapter, mo)
				snap = mo.update(func(o *types.Order) {
					o.State = types.OrderStateFailed
					o.LastError = "max_resubmits"
				})
				e.stats.failed.Add(1)
				e.publish(EventOrderFailed, snap, nil, "max_resubmits")
				return &Result{Success: false, Order: snap, Error: "max_resubmits"}, nil
			}
			e.stats.resubmits.Add(1)
			e.publish(EventOrderResubmitting, snap, nil, "unfilled after stall timeout")
			e.logger.Infof("order %s repricing to %s (resubmit %d)", snap.ClientID, newPrice, snap.ResubmitCount)
		}
	}
}

// submitMarket submits once through the retry loop and treats the ack as
// terminal; market orders get no stall monitor.
func (e *Executor) submitMarket(ctx context.Context, mo *managedOrder, adapter types.ExchangeAdapter, endpointID string) (*Result, error) {
	runErr := e.accounts.Run(ctx, mo.snapshot().AccountID, func(tctx context.Context) error {
		_, err := e.attemptSubmit(tctx, mo, adapter, endpointID, true)
		return err
	})
	if errors.Is(runErr, errLocallyCanceled) {
		return e.resultFor(mo), nil
	}
	if runErr != nil {
		return e.finalizeError(mo, runErr)
	}
	return e.resultFor(mo), nil
}

// attemptSubmit runs inside the account-serial section. It retries
// classified transient errors up to MaxResubmitAttempts, then surfaces the
// last one. Returns the fill already acked on the new remote order so the
// stall monitor can count deltas from there.
func (e *Executor) attemptSubmit(ctx context.Context, mo *managedOrder, adapter types.ExchangeAdapter, endpointID string, market bool) (decimal.Decimal, error) {
	attempts := 0
	for {
		if mo.terminal() {
			return decimal.Zero, errLocallyCanceled
		}
		if err := e.limits.WaitIfLimited(ctx, endpointID); err != nil {
			return decimal.Zero, err
		}

		snap := mo.snapshot()
		req := types.CreateOrderRequest{
			Symbol:        snap.Symbol,
			Type:          snap.Type,
			Side:          snap.Side,
			Amount:        snap.RemainingAmount,
			Price:         snap.CurrentPrice,
			ClientOrderID: snap.ClientID,
			PostOnly:      snap.PostOnly,
			TimeInForce:   timeInForceFor(snap),
			ReduceOnly:    snap.ReduceOnly,
			Nonce:         e.nonces.Next(endpointID),
		}

		ack, err := adapter.CreateOrder(ctx, req)
		if err == nil {
			e.limits.Clear(endpointID)
			submitted := mo.update(func(o *types.Order) {
				o.RemoteID = ack.RemoteID
				o.State = types.OrderStateSubmitted
				o.LastError = ""
			})
			e.stats.submitted.Add(1)
			e.publish(EventOrderSubmitted, submitted, nil, "")

			baseline := ack.Filled
			if ack.Filled.IsPositive() {
				e.applyFill(mo, priceOr(ack.Average, snap.CurrentPrice), ack.Filled)
			}
			if !mo.terminal() {
				if market {
					// market orders fill by definition; trust the ack average
					e.applyFill(mo, priceOr(ack.Average, snap.CurrentPrice), mo.snapshot().RemainingAmount)
				} else if ack.Status == types.RemoteStatusClosed {
					e.markFilled(mo, "closed on ack")
				}
			}
			return baseline, nil
		}

		kind := Classify(err)
		mo.update(func(o *types.Order) { o.LastError = err.Error() })
		if kind.Fatal() {
			return decimal.Zero, &ClassifiedError{Kind: kind, Err: err}
		}

		switch kind {
		case KindRateLimited:
			e.limits.RecordLimited(endpointID)
			e.stats.rateLimitHits.Add(1)
			if werr := e.limits.WaitIfLimited(ctx, endpointID); werr != nil {
				return decimal.Zero, werr
			}
		case KindNonceConflict:
			e.nonces.HandleDriftError(endpointID, err)
			if werr := sleepCtx(ctx, e.cfg.NonceRetryDelay); werr != nil {
				return decimal.Zero, werr
			}
		default:
			if werr := sleepCtx(ctx, e.cfg.CheckInterval); werr != nil {
				return decimal.Zero, werr
			}
		}

		attempts++
		if attempts >= e.cfg.MaxResubmitAttempts {
			return decimal.Zero, &ClassifiedError{Kind: kind, Err: fmt.Errorf("retries exhausted after %d attempts: %w", attempts, err)}
		}
		e.logger.Debugf("order %s retrying after %s error (attempt %d)", snap.ClientID, kind, attempts)
	}
}

// monitorOrder waits out the stall timer, re-fetches the remote order on
// each fire, and decides between filled, keep waiting, and reprice.
// counted tracks how much of the current remote order's fill has already
// been applied so deltas are never double counted.
func (e *Executor) monitorOrder(ctx context.Context, mo *managedOrder, adapter types.ExchangeAdapter, counted decimal.Decimal, deadline *time.Timer) (monitorOutcome, decimal.Decimal) {
	for {
		stall := time.NewTimer(e.cfg.UnfillTimeout)
		select {
		case <-mo.done:
			stall.Stop()
			return monitorDone, decimal.Zero
		case <-ctx.Done():
			stall.Stop()
			return monitorCeiling, decimal.Zero
		case <-e.stopCh:
			stall.Stop()
			return monitorCeiling, decimal.Zero
		case <-deadline.C:
			stall.Stop()
			return monitorCeiling, decimal.Zero
		case <-stall.C:
		}

		snap := mo.snapshot()
		view, err := adapter.FetchOrder(ctx, snap.RemoteID, snap.Symbol)
		if err != nil {
			e.logger.Warnf("order %s stall check fetch failed: %v", snap.ClientID, err)
			continue
		}

		if delta := view.Filled.Sub(counted); delta.IsPositive() {
			counted = view.Filled
			e.applyFill(mo, priceOr(view.Average, snap.CurrentPrice), delta)
			if mo.terminal() {
				return monitorFilled, decimal.Zero
			}
		}
		snap = mo.snapshot()

		switch {
		case view.Status == types.RemoteStatusClosed ||
			(view.Amount.IsPositive() && view.Filled.GreaterThanOrEqual(view.Amount)):
			e.markFilled(mo, "remote closed")
			return monitorFilled, decimal.Zero

		case snap.FilledAmount.IsPositive() &&
			snap.RemainingAmount.LessThan(snap.RequestedAmount.Mul(dustFraction)):
			// dust tolerance: the remainder is not worth a reprice
			e.markFilled(mo, "dust remainder")
			return monitorFilled, decimal.Zero

		case view.Filled.IsPositive():
			// partial progress on this remote order: keep waiting

		default:
			e.cancelRemote(ctx, adapter, mo)
			return monitorReprice, e.repriceFor(ctx, adapter, snap)
		}
	}
}

// repriceFor computes the next submission price from the live book, falling
// back to a slippage bump on the current price when the ticker fails.
func (e *Executor) repriceFor(ctx context.Context, adapter types.ExchangeAdapter, snap types.Order) decimal.Decimal {
	ticker, err := adapter.FetchTicker(ctx, snap.Symbol)
	if err != nil || ticker == nil || !ticker.Bid.IsPositive() || !ticker.Ask.IsPositive() {
		slip := decimal.NewFromFloat(e.cfg.PriceSlippage)
		if snap.Side == types.OrderSideBuy {
			return snap.CurrentPrice.Mul(one.Add(slip))
		}
		return snap.CurrentPrice.Mul(one.Sub(slip))
	}

	offset := decimal.NewFromFloat(e.cfg.MakerPriceOffset)
	if snap.Side == types.OrderSideBuy {
		if snap.PostOnly && e.cfg.AutoMakerPrice {
			return ticker.Bid.Mul(one.Add(offset))
		}
		return ticker.Ask
	}
	if snap.PostOnly && e.cfg.AutoMakerPrice {
		return ticker.Ask.Mul(one.Sub(offset))
	}
	return ticker.Bid
}

// cancelRemote cancels the order's current remote id, absorbing idempotent
// "not found / already done" responses.
func (e *Executor) cancelRemote(ctx context.Context, adapter types.ExchangeAdapter, mo *managedOrder) {
	snap := mo.snapshot()
	if snap.RemoteID == "" {
		return
	}
	if err := adapter.CancelOrder(ctx, snap.RemoteID, snap.Symbol); err != nil && !absorbableCancel(err) {
		e.logger.Warnf("order %s remote cancel failed: %v", snap.ClientID, err)
	}
}

// applyFill folds a fill delta into the order and publishes the matching
// partial/filled event.
func (e *Executor) applyFill(mo *managedOrder, price, delta decimal.Decimal) {
	now := time.Now()
	snap := mo.update(func(o *types.Order) {
		prevValue := o.AvgFillPrice.Mul(o.FilledAmount)
		o.FilledAmount = o.FilledAmount.Add(delta)
		if o.FilledAmount.GreaterThan(o.RequestedAmount) {
			o.FilledAmount = o.RequestedAmount
		}
		o.RemainingAmount = o.RequestedAmount.Sub(o.FilledAmount)
		if o.FilledAmount.IsPositive() {
			o.AvgFillPrice = prevValue.Add(price.Mul(delta)).DivRound(o.FilledAmount, 12)
		}
		if o.RemainingAmount.IsPositive() {
			o.State = types.OrderStatePartiallyFilled
		} else {
			o.State = types.OrderStateFilled
		}
	})

	fill := &types.Fill{Price: price, Amount: delta, Timestamp: now, Latency: now.Sub(snap.CreatedAt)}
	if snap.State == types.OrderStateFilled {
		e.stats.filled.Add(1)
		e.publish(EventOrderFilled, snap, fill, "")
	} else {
		e.publish(EventOrderPartiallyFilled, snap, fill, "")
	}
}

// markFilled closes out an order whose remainder is tolerated (remote
// closed, dust).
func (e *Executor) markFilled(mo *managedOrder, reason string) {
	if mo.terminal() {
		return
	}
	snap := mo.update(func(o *types.Order) { o.State = types.OrderStateFilled })
	e.stats.filled.Add(1)
	e.publish(EventOrderFilled, snap, nil, reason)
}

// runDryRun simulates the fill without touching any adapter. Events, stats
// and account-serial ordering match the live path exactly.
func (e *Executor) runDryRun(ctx context.Context, mo *managedOrder) (*Result, error) {
	runErr := e.accounts.Run(ctx, mo.snapshot().AccountID, func(tctx context.Context) error {
		if err := sleepCtx(tctx, e.cfg.DryRunFillDelay); err != nil {
			return err
		}
		if mo.terminal() {
			return errLocallyCanceled
		}
		snap := mo.update(func(o *types.Order) {
			o.RemoteID = "dryrun-" + shortID(o.ClientID)
			o.State = types.OrderStateSubmitted
		})
		e.stats.submitted.Add(1)
		e.publish(EventOrderSubmitted, snap, nil, "dry_run")

		price := snap.CurrentPrice
		slip := decimal.NewFromFloat(e.cfg.DryRunSlippage)
		if snap.Side == types.OrderSideBuy {
			price = price.Mul(one.Add(slip))
		} else {
			price = price.Mul(one.Sub(slip))
		}
		e.applyFill(mo, price, snap.RemainingAmount)
		e.stats.dryRunFills.Add(1)
		return nil
	})
	if errors.Is(runErr, errLocallyCanceled) {
		return e.resultFor(mo), nil
	}
	if runErr != nil {
		return e.finalizeError(mo, runErr)
	}
	return e.resultFor(mo), nil
}

// SubmitWithFallback tries the requested (or primary) endpoint first and,
// on retry exhaustion, walks the remaining healthy endpoints in priority
// order until one succeeds or none remain.
func (e *Executor) SubmitWithFallback(ctx context.Context, req Request) (*Result, error) {
	endpointID := req.EndpointID
	if endpointID == "" {
		endpointID = e.endpoints.Primary()
	}
	tried := map[string]bool{}

	for {
		req.EndpointID = endpointID
		res, err := e.Submit(ctx, req)
		if err != nil {
			return nil, err
		}
		if res.Success || res.ErrorKind.Fatal() || res.ErrorKind == "" {
			return res, nil
		}

		tried[endpointID] = true
		next := ""
		for _, id := range e.endpoints.HealthyEndpoints() {
			if !tried[id] {
				next = id
				break
			}
		}
		if next == "" {
			return res, nil
		}
		e.logger.Warnf("endpoint %s exhausted retries (%s), falling back to %s", endpointID, res.ErrorKind, next)
		endpointID = next
	}
}

// Cancel sets the local order to Canceled, attempts the remote cancel, and
// wakes the completion wait. A second call is a no-op returning false.
func (e *Executor) Cancel(ctx context.Context, clientID string) bool {
	v, ok := e.active.Load(clientID)
	if !ok {
		return false
	}
	mo := v.(*managedOrder)
	if mo.terminal() {
		return false
	}

	snap := mo.update(func(o *types.Order) {
		if !o.State.IsTerminal() {
			o.State = types.OrderStateCanceled
		}
	})
	if snap.State != types.OrderStateCanceled {
		return false
	}

	if snap.RemoteID != "" && !strings.HasPrefix(snap.RemoteID, "dryrun-") {
		if adapter, err := e.endpoints.Adapter(snap.EndpointID); err == nil {
			e.cancelRemote(ctx, adapter, mo)
		}
	}
	e.stats.canceled.Add(1)
	e.publish(EventOrderCanceled, snap, nil, "caller cancel")
	return true
}

// CancelFilter narrows CancelAll.
type CancelFilter struct {
	EndpointID string
	Symbol     string
}

// CancelAll cancels every matching active order and returns the count.
func (e *Executor) CancelAll(ctx context.Context, filter CancelFilter) int {
	var ids []string
	e.active.Range(func(k, v interface{}) bool {
		snap := v.(*managedOrder).snapshot()
		if filter.EndpointID != "" && snap.EndpointID != filter.EndpointID {
			return true
		}
		if filter.Symbol != "" && snap.Symbol != filter.Symbol {
			return true
		}
		ids = append(ids, k.(string))
		return true
	})

	n := 0
	for _, id := range ids {
		if e.Cancel(ctx, id) {
			n++
		}
	}
	return n
}

// ActiveOrders returns snapshots of every non-terminal order.
func (e *Executor) ActiveOrders() []types.Order {
	var out []types.Order
	e.active.Range(func(_, v interface{}) bool {
		snap := v.(*managedOrder).snapshot()
		if !snap.State.IsTerminal() {
			out = append(out, snap)
		}
		return true
	})
	return out
}

// Stats returns cumulative counters.
func (e *Executor) Stats() Stats {
	return e.stats.snapshot()
}

// Stop refuses new submissions, wakes completion waits, and drains the
// account queues.
func (e *Executor) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.accounts.Stop()
}

func (e *Executor) finalizeError(mo *managedOrder, err error) (*Result, error) {
	kind := KindOf(err)
	state := types.OrderStateFailed
	if kind == KindInvalidOrder {
		state = types.OrderStateRejected
	}
	snap := mo.update(func(o *types.Order) {
		o.State = state
		o.LastError = err.Error()
	})
	e.stats.failed.Add(1)
	e.publish(EventOrderFailed, snap, nil, string(kind))
	e.logger.Errorf("order %s failed (%s): %v", snap.ClientID, kind, err)
	return &Result{Success: false, Order: snap, Error: err.Error(), ErrorKind: kind}, nil
}

func (e *Executor) resultFor(mo *managedOrder) *Result {
	snap := mo.snapshot()
	switch snap.State {
	case types.OrderStateFilled:
		return &Result{Success: true, Order: snap}
	case types.OrderStateCanceled:
		return &Result{Success: false, Order: snap, Error: "canceled"}
	case types.OrderStateSubmitted, types.OrderStatePartiallyFilled:
		// completion-wait ceiling: report the partial state
		return &Result{Success: true, Order: snap}
	default:
		return &Result{Success: false, Order: snap, Error: snap.LastError}
	}
}

func (e *Executor) publish(eventType string, snap types.Order, fill *types.Fill, reason string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventType, OrderEvent{Order: snap, Fill: fill, Reason: reason})
}

func timeInForceFor(snap types.Order) types.TimeInForce {
	switch {
	case snap.PostOnly:
		return types.TimeInForcePO
	case snap.Type == types.OrderTypeIOC:
		return types.TimeInForceIOC
	case snap.Type == types.OrderTypeFOK:
		return types.TimeInForceFOK
	default:
		return types.TimeInForceGTC
	}
}

func priceOr(price, fallback decimal.Decimal) decimal.Decimal {
	if price.IsPositive() {
		return price
	}
	return fallback
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
