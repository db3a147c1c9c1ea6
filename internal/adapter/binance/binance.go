// Package binance implements the exchange adapter capability set against
// Binance spot via go-binance. The adapter owns request signing, symbol
// conversion and client-side throttling; the 429 backoff policy stays with
// the rate-limit controller upstream.
package binance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/execms/oms/pkg/types"
)

// Binance API error codes for orders that no longer exist.
const (
	codeOrderNotFound  = -2013
	codeCancelRejected = -2011
)

// Config carries the adapter credentials and throttle settings.
type Config struct {
	APIKey            string
	APISecret         string
	Testnet           bool
	RequestsPerSecond float64
	Burst             int
}

// Adapter is a spot-market implementation of types.ExchangeAdapter.
type Adapter struct {
	client  *binance.Client
	limiter *rate.Limiter
	logger  *logrus.Entry
}

// New creates a Binance adapter.
func New(cfg Config) *Adapter {
	if cfg.Testnet {
		binance.UseTestnet = true
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 20
	}
	return &Adapter{
		client:  binance.NewClient(cfg.APIKey, cfg.APISecret),
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		logger:  logrus.WithField("exchange", "binance"),
	}
}

// toVenueSymbol converts "BTC/USDT" to "BTCUSDT".
func toVenueSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "")
}

func (a *Adapter) throttle(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

func (a *Adapter) CreateOrder(ctx context.Context, req types.CreateOrderRequest) (*types.OrderAck, error) {
	if err := a.throttle(ctx); err != nil {
		return nil, err
	}

	svc := a.client.NewCreateOrderService().
		Symbol(toVenueSymbol(req.Symbol)).
		Side(sideOf(req.Side)).
		Quantity(req.Amount.String())
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}

	switch {
	case req.Type == types.OrderTypeMarket:
		svc = svc.Type(binance.OrderTypeMarket)
	case req.PostOnly || req.Type == types.OrderTypePostOnly:
		// LIMIT_MAKER is Binance's post-only order type
		svc = svc.Type(binance.OrderTypeLimitMaker).Price(req.Price.String())
	case req.Type == types.OrderTypeIOC:
		svc = svc.Type(binance.OrderTypeLimit).TimeInForce(binance.TimeInForceTypeIOC).Price(req.Price.String())
	case req.Type == types.OrderTypeFOK:
		svc = svc.Type(binance.OrderTypeLimit).TimeInForce(binance.TimeInForceTypeFOK).Price(req.Price.String())
	default:
		svc = svc.Type(binance.OrderTypeLimit).TimeInForce(binance.TimeInForceTypeGTC).Price(req.Price.String())
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance create order: %w", err)
	}

	filled := parseDecimal(resp.ExecutedQuantity)
	requested := parseDecimal(resp.OrigQuantity)
	ack := &types.OrderAck{
		RemoteID:  strconv.FormatInt(resp.OrderID, 10),
		Status:    normalizeStatus(resp.Status),
		Filled:    filled,
		Remaining: requested.Sub(filled),
		Average:   averagePrice(parseDecimal(resp.CummulativeQuoteQuantity), filled),
	}
	for _, f := range resp.Fills {
		ack.Fee = ack.Fee.Add(parseDecimal(f.Commission))
	}
	return ack, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, remoteID, symbol string) error {
	if err := a.throttle(ctx); err != nil {
		return err
	}
	orderID, err := strconv.ParseInt(remoteID, 10, 64)
	if err != nil {
		return fmt.Errorf("binance cancel: bad remote id %q: %w", remoteID, err)
	}
	_, err = a.client.NewCancelOrderService().
		Symbol(toVenueSymbol(symbol)).
		OrderID(orderID).
		Do(ctx)
	if err != nil {
		if isOrderGone(err) {
			return types.ErrOrderNotFound
		}
		return fmt.Errorf("binance cancel order: %w", err)
	}
	return nil
}

func (a *Adapter) FetchOrder(ctx context.Context, remoteID, symbol string) (*types.OrderView, error) {
	if err := a.throttle(ctx); err != nil {
		return nil, err
	}
	orderID, err := strconv.ParseInt(remoteID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("binance fetch order: bad remote id %q: %w", remoteID, err)
	}
	o, err := a.client.NewGetOrderService().
		Symbol(toVenueSymbol(symbol)).
		OrderID(orderID).
		Do(ctx)
	if err != nil {
		if isOrderGone(err) {
			return nil, types.ErrOrderNotFound
		}
		return nil, fmt.Errorf("binance fetch order: %w", err)
	}
	filled := parseDecimal(o.ExecutedQuantity)
	return &types.OrderView{
		RemoteID: remoteID,
		Status:   normalizeStatus(o.Status),
		Filled:   filled,
		Amount:   parseDecimal(o.OrigQuantity),
		Average:  averagePrice(parseDecimal(o.CummulativeQuoteQuantity), filled),
	}, nil
}

func (a *Adapter) FetchOpenOrders(ctx context.Context, symbol string) ([]*types.RemoteOrder, error) {
	if err := a.throttle(ctx); err != nil {
		return nil, err
	}
	svc := a.client.NewListOpenOrdersService()
	if symbol != "" {
		svc = svc.Symbol(toVenueSymbol(symbol))
	}
	orders, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance open orders: %w", err)
	}
	out := make([]*types.RemoteOrder, 0, len(orders))
	for _, o := range orders {
		filled := parseDecimal(o.ExecutedQuantity)
		amount := parseDecimal(o.OrigQuantity)
		out = append(out, &types.RemoteOrder{
			RemoteID:  strconv.FormatInt(o.OrderID, 10),
			Symbol:    o.Symbol,
			Side:      normalizeSide(o.Side),
			Price:     parseDecimal(o.Price),
			Amount:    amount,
			Filled:    filled,
			Remaining: amount.Sub(filled),
			Status:    normalizeStatus(o.Status),
			UpdatedAt: time.UnixMilli(o.UpdateTime),
		})
	}
	return out, nil
}

// FetchPositions returns an empty set: a spot venue carries balances, not
// positions.
func (a *Adapter) FetchPositions(ctx context.Context) ([]*types.Position, error) {
	return []*types.Position{}, nil
}

func (a *Adapter) FetchBalance(ctx context.Context) ([]*types.Balance, error) {
	if err := a.throttle(ctx); err != nil {
		return nil, err
	}
	account, err := a.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance balance: %w", err)
	}
	now := time.Now()
	var out []*types.Balance
	for _, b := range account.Balances {
		free := parseDecimal(b.Free)
		locked := parseDecimal(b.Locked)
		if free.IsZero() && locked.IsZero() {
			continue
		}
		out = append(out, &types.Balance{
			Currency:  b.Asset,
			Total:     free.Add(locked),
			Free:      free,
			Used:      locked,
			UpdatedAt: now,
		})
	}
	return out, nil
}

func (a *Adapter) FetchTicker(ctx context.Context, symbol string) (*types.Ticker, error) {
	if err := a.throttle(ctx); err != nil {
		return nil, err
	}
	books, err := a.client.NewListBookTickersService().
		Symbol(toVenueSymbol(symbol)).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance ticker: %w", err)
	}
	if len(books) == 0 {
		return nil, fmt.Errorf("binance ticker: no book for %s", symbol)
	}
	book := books[0]
	return &types.Ticker{
		Symbol: symbol,
		Bid:    parseDecimal(book.BidPrice),
		Ask:    parseDecimal(book.AskPrice),
	}, nil
}

func (a *Adapter) FetchTime(ctx context.Context) (int64, error) {
	if err := a.throttle(ctx); err != nil {
		return 0, err
	}
	serverTime, err := a.client.NewServerTimeService().Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("binance server time: %w", err)
	}
	return serverTime, nil
}

func (a *Adapter) FetchMyTrades(ctx context.Context, symbol string) ([]*types.Trade, error) {
	if err := a.throttle(ctx); err != nil {
		return nil, err
	}
	trades, err := a.client.NewListTradesService().
		Symbol(toVenueSymbol(symbol)).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance trades: %w", err)
	}
	out := make([]*types.Trade, 0, len(trades))
	for _, tr := range trades {
		side := types.OrderSideSell
		if tr.IsBuyer {
			side = types.OrderSideBuy
		}
		out = append(out, &types.Trade{
			TradeID: strconv.FormatInt(tr.ID, 10),
			OrderID: strconv.FormatInt(tr.OrderID, 10),
			Symbol:  symbol,
			Side:    side,
			Price:   parseDecimal(tr.Price),
			Amount:  parseDecimal(tr.Quantity),
			Fee:     parseDecimal(tr.Commission),
			Time:    time.UnixMilli(tr.Time),
			IsMaker: tr.IsMaker,
		})
	}
	return out, nil
}

func sideOf(side types.OrderSide) binance.SideType {
	if side == types.OrderSideSell {
		return binance.SideTypeSell
	}
	return binance.SideTypeBuy
}

func normalizeSide(side binance.SideType) types.OrderSide {
	if side == binance.SideTypeSell {
		return types.OrderSideSell
	}
	return types.OrderSideBuy
}

// normalizeStatus folds Binance order statuses into the adapter-neutral
// vocabulary.
func normalizeStatus(status binance.OrderStatusType) string {
	switch status {
	case binance.OrderStatusTypeNew, binance.OrderStatusTypePartiallyFilled:
		return types.RemoteStatusOpen
	case binance.OrderStatusTypeFilled:
		return types.RemoteStatusClosed
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypePendingCancel:
		return types.RemoteStatusCanceled
	case binance.OrderStatusTypeRejected:
		return types.RemoteStatusRejected
	case binance.OrderStatusTypeExpired:
		return types.RemoteStatusExpired
	default:
		return strings.ToLower(string(status))
	}
}

func isOrderGone(err error) bool {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == codeOrderNotFound || apiErr.Code == codeCancelRejected
	}
	return false
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// averagePrice derives the average fill price from the cumulative quote
// amount, which Binance reports instead of an average.
func averagePrice(quoteValue, filled decimal.Decimal) decimal.Decimal {
	if !filled.IsPositive() {
		return decimal.Zero
	}
	return quoteValue.DivRound(filled, 12)
}

var _ types.ExchangeAdapter = (*Adapter)(nil)
