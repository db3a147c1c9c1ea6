package executor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/execms/oms/internal/ratelimit"
	"github.com/execms/oms/pkg/types"
)

// Event types published on the bus. Payloads are OrderEvent snapshots.
const (
	EventOrderSubmitted       = "order.submitted"
	EventOrderPartiallyFilled = "order.partially_filled"
	EventOrderFilled          = "order.filled"
	EventOrderCanceled        = "order.canceled"
	EventOrderResubmitting    = "order.resubmitting"
	EventOrderFailed          = "order.failed"
)

// OrderEvent is the payload carried by every order event.
type OrderEvent struct {
	Order  types.Order `json:"order"`
	Fill   *types.Fill `json:"fill,omitempty"`
	Reason string      `json:"reason,omitempty"`
}

// Config carries every executor knob.
type Config struct {
	UnfillTimeout         time.Duration // stall timer after each submission
	CheckInterval         time.Duration // delay between classified retries
	MaxResubmitAttempts   int
	PriceSlippage         float64 // reprice fallback when the ticker fails
	RateLimit             ratelimit.Config
	MaxConcurrentPerAccount int // queued submissions per account before Submit blocks
	MaxConcurrentGlobal   int
	QueueTimeout          time.Duration
	DefaultPostOnly       bool
	AutoMakerPrice        bool
	MakerPriceOffset      float64
	DryRun                bool
	DryRunFillDelay       time.Duration
	DryRunSlippage        float64
	NonceRetryDelay       time.Duration
	CompletionWaitCeiling time.Duration // hard wall clock on the completion wait
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		UnfillTimeout:           500 * time.Millisecond,
		CheckInterval:           100 * time.Millisecond,
		MaxResubmitAttempts:     5,
		PriceSlippage:           0.001,
		RateLimit:               ratelimit.DefaultConfig(),
		MaxConcurrentPerAccount: 5,
		MaxConcurrentGlobal:     20,
		QueueTimeout:            30 * time.Second,
		AutoMakerPrice:          true,
		MakerPriceOffset:        0.0001,
		DryRunFillDelay:         100 * time.Millisecond,
		DryRunSlippage:          0.0001,
		NonceRetryDelay:         100 * time.Millisecond,
		CompletionWaitCeiling:   60 * time.Second,
	}
}

// Request describes one order submission.
type Request struct {
	EndpointID string // empty routes to the current primary
	AccountID  string
	Symbol     string
	Side       types.OrderSide
	Type       types.OrderType
	Amount     decimal.Decimal
	Price      decimal.Decimal // limit price, or reference price for market/dry-run
	ReduceOnly bool
	PostOnly   bool
}

// Result is returned to the caller once the order reaches a terminal state
// or the completion-wait ceiling elapses.
type Result struct {
	Success   bool        `json:"success"`
	Order     types.Order `json:"order"`
	Error     string      `json:"error,omitempty"`
	ErrorKind ErrorKind   `json:"error_kind,omitempty"`
}

// Stats are cumulative executor counters.
type Stats struct {
	Submitted     int64 `json:"submitted"`
	Filled        int64 `json:"filled"`
	Canceled      int64 `json:"canceled"`
	Failed        int64 `json:"failed"`
	Resubmits     int64 `json:"resubmits"`
	RateLimitHits int64 `json:"rate_limit_hits"`
	DryRunFills   int64 `json:"dry_run_fills"`
}

type statsCounters struct {
	submitted     atomic.Int64
	filled        atomic.Int64
	canceled      atomic.Int64
	failed        atomic.Int64
	resubmits     atomic.Int64
	rateLimitHits atomic.Int64
	dryRunFills   atomic.Int64
}

func (s *statsCounters) snapshot() Stats {
	return Stats{
		Submitted:     s.submitted.Load(),
		Filled:        s.filled.Load(),
		Canceled:      s.canceled.Load(),
		Failed:        s.failed.Load(),
		Resubmits:     s.resubmits.Load(),
		RateLimitHits: s.rateLimitHits.Load(),
		DryRunFills:   s.dryRunFills.Load(),
	}
}

// managedOrder wraps the executor-owned Order with its lifecycle channel.
// All mutation goes through update so the done channel closes exactly once
// on the first terminal transition.
type managedOrder struct {
	mu   sync.Mutex
	ord  *types.Order
	done chan struct{}
}

func newManagedOrder(ord *types.Order) *managedOrder {
	return &managedOrder{ord: ord, done: make(chan struct{})}
}

func (m *managedOrder) update(fn func(o *types.Order)) types.Order {
	m.mu.Lock()
	defer m.mu.Unlock()

	wasTerminal := m.ord.State.IsTerminal()
	fn(m.ord)
	m.ord.UpdatedAt = time.Now()
	if !wasTerminal && m.ord.State.IsTerminal() {
		close(m.done)
	}
	return *m.ord
}

func (m *managedOrder) snapshot() types.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.ord
}

func (m *managedOrder) terminal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ord.State.IsTerminal()
}
