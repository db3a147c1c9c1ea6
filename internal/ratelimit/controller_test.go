package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestController(cfg Config) (*Controller, *time.Time) {
	c := New(cfg)
	now := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestRecordLimited_ExponentialGrowth(t *testing.T) {
	cfg := Config{InitialWait: 100 * time.Millisecond, MaxWait: time.Second, Multiplier: 2, MaxRaises: 5}
	c, _ := newTestController(cfg)

	c.RecordLimited("binance")
	assert.Equal(t, 100*time.Millisecond, c.WaitRemaining("binance"))

	c.RecordLimited("binance")
	assert.Equal(t, 200*time.Millisecond, c.WaitRemaining("binance"))

	c.RecordLimited("binance")
	assert.Equal(t, 400*time.Millisecond, c.WaitRemaining("binance"))
}

func TestRecordLimited_CapAndMaxRaises(t *testing.T) {
	cfg := Config{InitialWait: 100 * time.Millisecond, MaxWait: 500 * time.Millisecond, Multiplier: 2, MaxRaises: 3}
	c, _ := newTestController(cfg)

	for i := 0; i < 10; i++ {
		c.RecordLimited("okx")
	}
	// streak is clamped at MaxRaises and the window at MaxWait
	assert.Equal(t, 400*time.Millisecond, c.WaitRemaining("okx"))
}

func TestIsLimited_ExpiresWithoutClear(t *testing.T) {
	c, now := newTestController(DefaultConfig())

	c.RecordLimited("bybit")
	assert.True(t, c.IsLimited("bybit"))

	*now = now.Add(2 * time.Second)
	assert.False(t, c.IsLimited("bybit"))
}

func TestClear_ResetsStreakButKeepsWindow(t *testing.T) {
	cfg := Config{InitialWait: 100 * time.Millisecond, MaxWait: time.Second, Multiplier: 2, MaxRaises: 5}
	c, _ := newTestController(cfg)

	c.RecordLimited("binance")
	c.RecordLimited("binance")
	require.True(t, c.IsLimited("binance"))

	c.Clear("binance")
	// the window already started keeps running
	assert.True(t, c.IsLimited("binance"))

	// the streak restarted from zero
	c.RecordLimited("binance")
	assert.Equal(t, 100*time.Millisecond, c.WaitRemaining("binance"))
}

func TestWaitIfLimited_NotLimitedReturnsImmediately(t *testing.T) {
	c, _ := newTestController(DefaultConfig())
	assert.NoError(t, c.WaitIfLimited(context.Background(), "binance"))
}

func TestWaitIfLimited_HonorsContext(t *testing.T) {
	c := New(Config{InitialWait: time.Minute, MaxWait: time.Minute, Multiplier: 2, MaxRaises: 5})
	c.RecordLimited("binance")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := c.WaitIfLimited(ctx, "binance")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEndpointsAreIndependent(t *testing.T) {
	c, _ := newTestController(DefaultConfig())

	c.RecordLimited("binance")
	assert.True(t, c.IsLimited("binance"))
	assert.False(t, c.IsLimited("bybit"))
}
