package reconciler

import (
	"sync"
	"time"

	"github.com/execms/oms/pkg/types"
)

// View is one side of the reconciliation: keyed orders, positions and
// balances. The local view holds what the core believes; the remote view
// holds what the venue last reported.
type View struct {
	mu         sync.RWMutex
	orders     map[string]types.RemoteOrder // remoteId
	positions  map[string]types.Position    // symbol
	balances   map[string]types.Balance     // currency
	lastSyncAt time.Time
}

// NewView creates an empty view.
func NewView() *View {
	return &View{
		orders:    make(map[string]types.RemoteOrder),
		positions: make(map[string]types.Position),
		balances:  make(map[string]types.Balance),
	}
}

func (v *View) UpsertOrder(o types.RemoteOrder) {
	v.mu.Lock()
	defer v.mu.Unlock()
	o.UpdatedAt = time.Now()
	v.orders[o.RemoteID] = o
}

func (v *View) RemoveOrder(remoteID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.orders, remoteID)
}

func (v *View) Order(remoteID string) (types.RemoteOrder, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	o, ok := v.orders[remoteID]
	return o, ok
}

// ReplaceOrders swaps the whole order map, used by sync passes.
func (v *View) ReplaceOrders(orders []*types.RemoteOrder) {
	v.mu.Lock()
	defer v.mu.Unlock()
	now := time.Now()
	v.orders = make(map[string]types.RemoteOrder, len(orders))
	for _, o := range orders {
		entry := *o
		entry.UpdatedAt = now
		v.orders[o.RemoteID] = entry
	}
	v.lastSyncAt = now
}

func (v *View) Orders() map[string]types.RemoteOrder {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]types.RemoteOrder, len(v.orders))
	for k, o := range v.orders {
		out[k] = o
	}
	return out
}

func (v *View) SetPosition(p types.Position) {
	v.mu.Lock()
	defer v.mu.Unlock()
	p.UpdatedAt = time.Now()
	v.positions[p.Symbol] = p
}

func (v *View) RemovePosition(symbol string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.positions, symbol)
}

func (v *View) Position(symbol string) (types.Position, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	p, ok := v.positions[symbol]
	return p, ok
}

func (v *View) ReplacePositions(positions []*types.Position) {
	v.mu.Lock()
	defer v.mu.Unlock()
	now := time.Now()
	v.positions = make(map[string]types.Position, len(positions))
	for _, p := range positions {
		entry := *p
		entry.UpdatedAt = now
		v.positions[p.Symbol] = entry
	}
	v.lastSyncAt = now
}

func (v *View) Positions() map[string]types.Position {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]types.Position, len(v.positions))
	for k, p := range v.positions {
		out[k] = p
	}
	return out
}

func (v *View) SetBalance(b types.Balance) {
	v.mu.Lock()
	defer v.mu.Unlock()
	b.UpdatedAt = time.Now()
	v.balances[b.Currency] = b
}

func (v *View) Balance(currency string) (types.Balance, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	b, ok := v.balances[currency]
	return b, ok
}

func (v *View) ReplaceBalances(balances []*types.Balance) {
	v.mu.Lock()
	defer v.mu.Unlock()
	now := time.Now()
	v.balances = make(map[string]types.Balance, len(balances))
	for _, b := range balances {
		entry := *b
		entry.UpdatedAt = now
		v.balances[b.Currency] = entry
	}
	v.lastSyncAt = now
}

func (v *View) Balances() map[string]types.Balance {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]types.Balance, len(v.balances))
	for k, b := range v.balances {
		out[k] = b
	}
	return out
}

// LastSyncAt reports when the view last absorbed a full replace.
func (v *View) LastSyncAt() time.Time {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.lastSyncAt
}
