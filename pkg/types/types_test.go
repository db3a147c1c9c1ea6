package types

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrderState_IsTerminal(t *testing.T) {
	terminal := []OrderState{OrderStateFilled, OrderStateCanceled, OrderStateRejected, OrderStateExpired, OrderStateFailed}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), string(s))
	}
	live := []OrderState{OrderStatePending, OrderStateSubmitted, OrderStatePartiallyFilled}
	for _, s := range live {
		assert.False(t, s.IsTerminal(), string(s))
	}
}

type readOnlyHandle struct{}

func (readOnlyHandle) FetchOrder(ctx context.Context, remoteID, symbol string) (*OrderView, error) {
	return nil, nil
}

func (readOnlyHandle) FetchOpenOrders(ctx context.Context, symbol string) ([]*RemoteOrder, error) {
	return nil, nil
}

func (readOnlyHandle) FetchTime(ctx context.Context) (int64, error) { return 0, nil }

func TestProbeCapabilities_PartialHandle(t *testing.T) {
	caps := ProbeCapabilities(readOnlyHandle{})

	assert.True(t, caps.FetchOrder)
	assert.True(t, caps.FetchOpenOrders)
	assert.True(t, caps.FetchTime)

	assert.False(t, caps.CreateOrder)
	assert.False(t, caps.CancelOrder)
	assert.False(t, caps.FetchPositions)
	assert.False(t, caps.FetchBalance)
	assert.False(t, caps.FetchTicker)
	assert.False(t, caps.FetchMyTrades)
}

func TestProbeCapabilities_EmptyHandle(t *testing.T) {
	caps := ProbeCapabilities(struct{}{})
	assert.Equal(t, Capabilities{}, caps)
}
