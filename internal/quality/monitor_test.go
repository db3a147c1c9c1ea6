package quality

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execms/oms/internal/executor"
	"github.com/execms/oms/pkg/bus"
	"github.com/execms/oms/pkg/types"
)

func dec(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func testOrder(id string, side types.OrderSide, amount, price float64) types.Order {
	return types.Order{
		ClientID:        id,
		EndpointID:      "A",
		AccountID:       "acct-1",
		Symbol:          "BTC/USDT",
		Side:            side,
		Type:            types.OrderTypeLimit,
		RequestedAmount: dec(amount),
		RemainingAmount: dec(amount),
		OriginalPrice:   dec(price),
		CurrentPrice:    dec(price),
		State:           types.OrderStateSubmitted,
		CreatedAt:       time.Now(),
	}
}

// completeWithSlippage tracks and completes one fully filled buy order
// whose average price realizes the given slippage fraction.
func completeWithSlippage(m *Monitor, id string, slip float64) {
	ord := testOrder(id, types.OrderSideBuy, 1, 50000)
	m.StartTracking(ord)
	fillPrice := 50000 * (1 + slip)
	m.UpdateFill(id, types.Fill{Price: dec(fillPrice), Amount: dec(1), Timestamp: time.Now()})
	ord.State = types.OrderStateFilled
	m.CompleteTracking(ord, types.OrderStateFilled)
}

func TestSlippage_SignLaw(t *testing.T) {
	// buy above expected is unfavorable
	assert.Greater(t, slippage(types.OrderSideBuy, dec(50000), dec(50100)), 0.0)
	// buy below expected is favorable
	assert.Less(t, slippage(types.OrderSideBuy, dec(50000), dec(49900)), 0.0)
	// sell below expected is unfavorable
	assert.Greater(t, slippage(types.OrderSideSell, dec(50000), dec(49900)), 0.0)
	// sell above expected is favorable
	assert.Less(t, slippage(types.OrderSideSell, dec(50000), dec(50100)), 0.0)
	assert.InDelta(t, 0.002, slippage(types.OrderSideBuy, dec(50000), dec(50100)), 1e-9)
}

func TestBucket_Thresholds(t *testing.T) {
	cfg := DefaultConfig()
	cases := []struct {
		slip     float64
		execTime time.Duration
		fillRate float64
		want     Bucket
	}{
		{0.0001, time.Second, 1.0, BucketExcellent},
		{0.0015, 4 * time.Second, 1.0, BucketGood},
		{0.003, time.Second, 1.0, BucketAverage},
		{0.0001, 6 * time.Second, 1.0, BucketAverage},
		{0.0001, time.Second, 0.7, BucketAverage},
		{0.006, time.Second, 1.0, BucketPoor},
		{0.0001, 20 * time.Second, 1.0, BucketPoor},
		{0.02, time.Second, 1.0, BucketCritical},
		{0.0001, 90 * time.Second, 1.0, BucketCritical},
		{0.0001, time.Second, 0.4, BucketCritical},
	}
	for _, c := range cases {
		got := cfg.bucketFor(c.slip, c.execTime, c.fillRate)
		assert.Equal(t, c.want, got, "slip=%v time=%v fill=%v", c.slip, c.execTime, c.fillRate)
	}
}

func TestTracking_RecordFromFills(t *testing.T) {
	m := NewMonitor(DefaultConfig(), nil)

	ord := testOrder("o-1", types.OrderSideBuy, 1, 50000)
	m.StartTracking(ord)
	m.UpdateFill("o-1", types.Fill{Price: dec(50000), Amount: dec(0.4), Timestamp: time.Now()})
	m.UpdateFill("o-1", types.Fill{Price: dec(50200), Amount: dec(0.6), Timestamp: time.Now()})
	m.CompleteTracking(ord, types.OrderStateFilled)

	recs := m.Records()
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, 2, rec.PartialFills)
	assert.InDelta(t, 1.0, rec.FillRate, 1e-9)
	// weighted average 0.4*50000 + 0.6*50200 = 50120
	assert.True(t, rec.AvgFillPrice.Equal(dec(50120)), "avg %s", rec.AvgFillPrice)
	assert.InDelta(t, 0.0024, rec.Slippage, 1e-9)
	assert.Equal(t, types.OrderStateFilled, rec.FinalState)
	assert.Equal(t, 0, m.TrackedCount())
}

// Completing 30 well-behaved orders then one with 0.5% slippage trips both
// the threshold detector and the statistical one.
func TestAnomaly_ThresholdAndZScore(t *testing.T) {
	b := bus.New()
	var mu sync.Mutex
	var anomalies []Anomaly
	b.Subscribe(EventAnomalyDetected, func(evt bus.Event) {
		mu.Lock()
		anomalies = append(anomalies, evt.Data.(Anomaly))
		mu.Unlock()
	})

	m := NewMonitor(DefaultConfig(), b)
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 30; i++ {
		completeWithSlippage(m, fmt.Sprintf("o-%02d", i), rng.NormFloat64()*0.0005)
	}

	mu.Lock()
	baselineAnomalies := len(anomalies)
	mu.Unlock()
	assert.Zero(t, baselineAnomalies, "well-behaved baseline must not alarm")

	completeWithSlippage(m, "o-bad", 0.005)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, anomalies, 1)
	a := anomalies[0]
	assert.Contains(t, a.Kinds, AnomalySlippageHigh)
	assert.Contains(t, a.Kinds, AnomalySlippageZScore)
	assert.Greater(t, a.ZScore, 3.0)
	assert.Equal(t, "o-bad", a.Record.ClientID)
}

// Aggregation is a pure function of the buffer: two consecutive calls
// without new completions agree.
func TestWindows_Idempotent(t *testing.T) {
	m := NewMonitor(DefaultConfig(), nil)
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		completeWithSlippage(m, fmt.Sprintf("o-%02d", i), rng.NormFloat64()*0.001)
	}

	first := m.Windows()
	second := m.Windows()
	assert.Equal(t, first["lifetime"], second["lifetime"])
	assert.Equal(t, first["24h"].Slippage, second["24h"].Slippage)
	assert.Equal(t, 20, first["lifetime"].Count)
	assert.Equal(t, 20, first["1h"].Count)
}

func TestWindows_Percentiles(t *testing.T) {
	sorted := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	assert.InDelta(t, 5.5, percentile(sorted, 0.50), 1e-9)
	assert.InDelta(t, 1.45, percentile(sorted, 0.05), 1e-9)
	assert.InDelta(t, 9.55, percentile(sorted, 0.95), 1e-9)
	assert.Equal(t, 10.0, percentile(sorted, 1.0))
}

func TestBuffer_FIFOEviction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StatisticsWindowSize = 10
	m := NewMonitor(cfg, nil)

	for i := 0; i < 15; i++ {
		completeWithSlippage(m, fmt.Sprintf("o-%02d", i), 0)
	}
	recs := m.Records()
	require.Len(t, recs, 10)
	assert.Equal(t, "o-05", recs[0].ClientID)
	assert.Equal(t, "o-14", recs[9].ClientID)
}

// The monitor assembles records purely from bus events.
func TestBind_ConsumesExecutorEvents(t *testing.T) {
	b := bus.New()
	m := NewMonitor(DefaultConfig(), b)
	m.Bind(b)

	ord := testOrder("o-1", types.OrderSideBuy, 0.1, 50000)
	b.Publish(executor.EventOrderSubmitted, executor.OrderEvent{Order: ord})

	filled := ord
	filled.State = types.OrderStateFilled
	filled.FilledAmount = dec(0.1)
	filled.AvgFillPrice = dec(50100)
	b.Publish(executor.EventOrderFilled, executor.OrderEvent{
		Order: filled,
		Fill:  &types.Fill{Price: dec(50100), Amount: dec(0.1), Timestamp: time.Now()},
	})

	recs := m.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, "o-1", recs[0].ClientID)
	assert.True(t, recs[0].AvgFillPrice.Equal(dec(50100)))
	assert.Equal(t, types.OrderStateFilled, recs[0].FinalState)
	assert.Equal(t, 0, m.TrackedCount())
}
