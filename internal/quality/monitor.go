// Package quality tracks per-order execution lifecycle and aggregates
// slippage, latency and fill-rate statistics over rolling windows. The
// monitor is a pure subscriber of executor events; it never calls back
// into the executor and shares only immutable snapshots.
package quality

import (
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/execms/oms/internal/executor"
	"github.com/execms/oms/pkg/bus"
	"github.com/execms/oms/pkg/types"
)

// Events published on the bus.
const (
	EventAnomalyDetected = "quality.anomaly_detected"
	EventRecordCompleted = "quality.record_completed"
	EventStatsUpdated    = "quality.stats_updated"
)

// Bucket is the discretized execution quality label.
type Bucket string

const (
	BucketExcellent Bucket = "EXCELLENT"
	BucketGood      Bucket = "GOOD"
	BucketAverage   Bucket = "AVERAGE"
	BucketPoor      Bucket = "POOR"
	BucketCritical  Bucket = "CRITICAL"
)

// Config carries the quality monitor thresholds. Slippage values are
// fractions (0.002 = 0.2%).
type Config struct {
	SlippageWarningThreshold  float64
	SlippageCriticalThreshold float64
	SlippageAnomalyThreshold  float64
	ExecutionTimeWarning      time.Duration
	ExecutionTimeCritical     time.Duration
	ExecutionTimeAnomaly      time.Duration
	FillRateWarning           float64
	FillRateCritical          float64
	StatisticsWindowSize      int
	RollingWindowTime         time.Duration
	ShortTermWindowTime       time.Duration
	AggregationInterval       time.Duration
	EnableAnomalyDetection    bool
	AnomalySensitivity        float64
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		SlippageWarningThreshold:  0.002,
		SlippageCriticalThreshold: 0.005,
		SlippageAnomalyThreshold:  0.01,
		ExecutionTimeWarning:      5 * time.Second,
		ExecutionTimeCritical:     15 * time.Second,
		ExecutionTimeAnomaly:      60 * time.Second,
		FillRateWarning:           0.8,
		FillRateCritical:          0.5,
		StatisticsWindowSize:      1000,
		RollingWindowTime:         24 * time.Hour,
		ShortTermWindowTime:       time.Hour,
		AggregationInterval:       60 * time.Second,
		EnableAnomalyDetection:    true,
		AnomalySensitivity:        3.0,
	}
}

// ExecutionRecord is the immutable terminal snapshot of one tracked order.
type ExecutionRecord struct {
	ClientID   string `json:"client_id"`
	RemoteID   string `json:"remote_id,omitempty"`
	EndpointID string `json:"endpoint_id"`
	AccountID  string `json:"account_id"`
	Symbol     string `json:"symbol"`

	Side          types.OrderSide `json:"side"`
	ExpectedPrice decimal.Decimal `json:"expected_price"`
	AvgFillPrice  decimal.Decimal `json:"avg_fill_price"`
	Slippage      float64         `json:"slippage"` // signed fraction, positive = unfavorable

	ExecutionTime   time.Duration `json:"execution_time"`
	FillRate        float64       `json:"fill_rate"`
	PartialFills    int           `json:"partial_fills"`
	AvgFillLatency  time.Duration `json:"avg_fill_latency,omitempty"`
	TimeToFirstFill time.Duration `json:"time_to_first_fill,omitempty"`

	TotalFees  decimal.Decimal  `json:"total_fees"`
	FinalState types.OrderState `json:"final_state"`
	Quality    Bucket           `json:"quality"`
	Fills      []types.Fill     `json:"fills,omitempty"`

	CompletedAt time.Time `json:"completed_at"`
}

// Anomaly is the payload of EventAnomalyDetected. Kinds holds every
// trigger that fired for the record (threshold and statistical).
type Anomaly struct {
	Kinds  []string        `json:"kinds"`
	ZScore float64         `json:"z_score,omitempty"`
	Record ExecutionRecord `json:"record"`
}

type tracking struct {
	order        types.Order
	startTime    time.Time
	fills        []types.Fill
	filledAmount decimal.Decimal
	filledValue  decimal.Decimal
	totalFees    decimal.Decimal
	firstFillAt  time.Time
	latencySum   time.Duration
}

// Monitor owns per-order tracking entries and the bounded record buffer.
type Monitor struct {
	cfg Config
	bus *bus.Bus

	trackMu  sync.Mutex
	tracking map[string]*tracking

	mu      sync.Mutex // aggregation lock, guards records
	records []ExecutionRecord

	stopCh   chan struct{}
	stopOnce sync.Once
	logger   *logrus.Entry
}

// NewMonitor creates a monitor; Bind attaches it to an event bus.
func NewMonitor(cfg Config, b *bus.Bus) *Monitor {
	if cfg.StatisticsWindowSize <= 0 {
		cfg = DefaultConfig()
	}
	return &Monitor{
		cfg:      cfg,
		bus:      b,
		tracking: make(map[string]*tracking),
		stopCh:   make(chan struct{}),
		logger:   logrus.WithField("component", "quality"),
	}
}

// Bind subscribes the monitor to the executor's order events.
func (m *Monitor) Bind(b *bus.Bus) {
	b.Subscribe(executor.EventOrderSubmitted, m.onOrderEvent)
	b.Subscribe(executor.EventOrderPartiallyFilled, m.onOrderEvent)
	b.Subscribe(executor.EventOrderFilled, m.onOrderEvent)
	b.Subscribe(executor.EventOrderCanceled, m.onOrderEvent)
	b.Subscribe(executor.EventOrderFailed, m.onOrderEvent)
}

func (m *Monitor) onOrderEvent(evt bus.Event) {
	oe, ok := evt.Data.(executor.OrderEvent)
	if !ok {
		return
	}
	switch evt.Type {
	case executor.EventOrderSubmitted:
		m.StartTracking(oe.Order)
	case executor.EventOrderPartiallyFilled:
		if oe.Fill != nil {
			m.UpdateFill(oe.Order.ClientID, *oe.Fill)
		}
	case executor.EventOrderFilled:
		if oe.Fill != nil {
			m.UpdateFill(oe.Order.ClientID, *oe.Fill)
		}
		m.CompleteTracking(oe.Order, types.OrderStateFilled)
	case executor.EventOrderCanceled, executor.EventOrderFailed:
		m.CompleteTracking(oe.Order, oe.Order.State)
	}
}

// StartTracking opens a tracking entry for the order. Repeat submissions
// of the same client id (resubmits) keep the original entry and its
// start time.
func (m *Monitor) StartTracking(order types.Order) {
	m.trackMu.Lock()
	defer m.trackMu.Unlock()
	if _, ok := m.tracking[order.ClientID]; ok {
		return
	}
	start := order.CreatedAt
	if start.IsZero() {
		start = time.Now()
	}
	m.tracking[order.ClientID] = &tracking{order: order, startTime: start}
}

// UpdateFill appends a fill to the tracked order.
func (m *Monitor) UpdateFill(clientID string, fill types.Fill) {
	m.trackMu.Lock()
	defer m.trackMu.Unlock()
	t, ok := m.tracking[clientID]
	if !ok {
		return
	}
	if fill.Timestamp.IsZero() {
		fill.Timestamp = time.Now()
	}
	if fill.Latency <= 0 {
		fill.Latency = fill.Timestamp.Sub(t.startTime)
	}
	t.fills = append(t.fills, fill)
	t.filledAmount = t.filledAmount.Add(fill.Amount)
	t.filledValue = t.filledValue.Add(fill.Price.Mul(fill.Amount))
	t.totalFees = t.totalFees.Add(fill.Fee)
	t.latencySum += fill.Latency
	if t.firstFillAt.IsZero() {
		t.firstFillAt = fill.Timestamp
	}
}

// CompleteTracking closes the entry, computes the execution record,
// stores it in the bounded buffer, and runs anomaly detection.
func (m *Monitor) CompleteTracking(order types.Order, finalState types.OrderState) {
	m.trackMu.Lock()
	t, ok := m.tracking[order.ClientID]
	if ok {
		delete(m.tracking, order.ClientID)
	}
	m.trackMu.Unlock()
	if !ok {
		return
	}

	rec := m.buildRecord(t, order, finalState)
	kinds, z := m.detectAnomalies(rec)
	m.appendRecord(rec)

	if m.bus != nil {
		m.bus.Publish(EventRecordCompleted, rec)
		if len(kinds) > 0 {
			m.logger.Warnf("execution anomaly on %s (%s): %v", rec.ClientID, rec.Symbol, kinds)
			m.bus.Publish(EventAnomalyDetected, Anomaly{Kinds: kinds, ZScore: z, Record: rec})
		}
	}
}

func (m *Monitor) buildRecord(t *tracking, order types.Order, finalState types.OrderState) ExecutionRecord {
	now := time.Now()
	rec := ExecutionRecord{
		ClientID:      order.ClientID,
		RemoteID:      order.RemoteID,
		EndpointID:    order.EndpointID,
		AccountID:     order.AccountID,
		Symbol:        order.Symbol,
		Side:          t.order.Side,
		ExpectedPrice: t.order.OriginalPrice,
		ExecutionTime: now.Sub(t.startTime),
		PartialFills:  len(t.fills),
		TotalFees:     t.totalFees,
		FinalState:    finalState,
		Fills:         t.fills,
		CompletedAt:   now,
	}

	if t.filledAmount.IsPositive() {
		rec.AvgFillPrice = t.filledValue.DivRound(t.filledAmount, 12)
		rec.AvgFillLatency = t.latencySum / time.Duration(len(t.fills))
		rec.TimeToFirstFill = t.firstFillAt.Sub(t.startTime)
	}
	if t.order.RequestedAmount.IsPositive() {
		rec.FillRate, _ = t.filledAmount.DivRound(t.order.RequestedAmount, 12).Float64()
	}
	rec.Slippage = slippage(t.order.Side, rec.ExpectedPrice, rec.AvgFillPrice)
	rec.Quality = m.cfg.bucketFor(rec.Slippage, rec.ExecutionTime, rec.FillRate)
	return rec
}

// slippage is signed so that positive is always unfavorable to the caller.
func slippage(side types.OrderSide, expected, avg decimal.Decimal) float64 {
	if !expected.IsPositive() || !avg.IsPositive() {
		return 0
	}
	var frac decimal.Decimal
	if side == types.OrderSideBuy {
		frac = avg.Sub(expected).DivRound(expected, 12)
	} else {
		frac = expected.Sub(avg).DivRound(expected, 12)
	}
	f, _ := frac.Float64()
	return f
}

func (c Config) bucketFor(slip float64, execTime time.Duration, fillRate float64) Bucket {
	abs := math.Abs(slip)
	switch {
	case abs >= c.SlippageAnomalyThreshold || execTime >= c.ExecutionTimeAnomaly || fillRate < c.FillRateCritical:
		return BucketCritical
	case abs >= c.SlippageCriticalThreshold || execTime >= c.ExecutionTimeCritical:
		return BucketPoor
	case abs >= c.SlippageWarningThreshold || execTime >= c.ExecutionTimeWarning || fillRate < c.FillRateWarning:
		return BucketAverage
	case abs < c.SlippageWarningThreshold/2 && execTime < c.ExecutionTimeWarning/2 && fillRate > 0.95:
		return BucketExcellent
	default:
		return BucketGood
	}
}

func (m *Monitor) appendRecord(rec ExecutionRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	if n := len(m.records) - m.cfg.StatisticsWindowSize; n > 0 {
		m.records = m.records[n:]
	}
}

// Records returns a snapshot of the lifetime buffer.
func (m *Monitor) Records() []ExecutionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ExecutionRecord, len(m.records))
	copy(out, m.records)
	return out
}

// TrackedCount reports how many orders are currently being tracked.
func (m *Monitor) TrackedCount() int {
	m.trackMu.Lock()
	defer m.trackMu.Unlock()
	return len(m.tracking)
}

// Start runs the periodic aggregation loop until Stop.
func (m *Monitor) Start() {
	go func() {
		ticker := time.NewTicker(m.cfg.AggregationInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				snap := m.Windows()
				if m.bus != nil {
					m.bus.Publish(EventStatsUpdated, snap)
				}
			}
		}
	}()
}

// Stop halts the aggregation loop.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}
