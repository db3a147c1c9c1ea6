// Package reconciler keeps the local belief about orders, positions and
// balances consistent with what the venue reports. Three loops run
// concurrently: a quick sync over open orders, a full sync over orders,
// positions and balances followed by a diff, and a heartbeat that
// classifies the partition state of the connection.
package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/execms/oms/internal/executor"
	"github.com/execms/oms/pkg/bus"
	"github.com/execms/oms/pkg/types"
)

// Events published on the bus.
const (
	EventInconsistencyFound = "reconcile.inconsistency_found"
	EventRepairRequired     = "reconcile.repair_required"
	EventRepairApplied      = "reconcile.repair_applied"
	EventPartitionChanged   = "reconcile.partition_changed"
	EventSyncCompleted      = "reconcile.sync_completed"
	EventFillsBackfilled    = "reconcile.fills_backfilled"
)

// PartitionState classifies connectivity to the venue.
type PartitionState string

const (
	PartitionConnected    PartitionState = "CONNECTED"
	PartitionPartial      PartitionState = "PARTIAL"
	PartitionPartitioned  PartitionState = "PARTITIONED"
	PartitionReconnecting PartitionState = "RECONNECTING"
)

// AdapterSource resolves the adapter the reconciler syncs against,
// normally the failover controller's current primary.
type AdapterSource interface {
	PrimaryAdapter() types.ExchangeAdapter
}

// Config carries the reconciler knobs.
type Config struct {
	SyncCheckInterval     time.Duration
	ForceFullSyncInterval time.Duration
	SyncTimeout           time.Duration
	PositionSizeTolerance float64
	BalanceTolerance      float64
	HeartbeatInterval     time.Duration
	HeartbeatTimeout      time.Duration
	PartitionThreshold    int
	EnableAutoRepair      bool
	ConfirmBeforeRepair   bool
	MaxRepairAttempts     int
	HistoryLength         int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		SyncCheckInterval:     30 * time.Second,
		ForceFullSyncInterval: 5 * time.Minute,
		SyncTimeout:           10 * time.Second,
		PositionSizeTolerance: 0.001,
		BalanceTolerance:      0.0001,
		HeartbeatInterval:     5 * time.Second,
		HeartbeatTimeout:      15 * time.Second,
		PartitionThreshold:    3,
		EnableAutoRepair:      true,
		ConfirmBeforeRepair:   true,
		MaxRepairAttempts:     3,
		HistoryLength:         500,
	}
}

// SyncReport summarizes one sync pass.
type SyncReport struct {
	Full            bool            `json:"full"`
	Inconsistencies []Inconsistency `json:"inconsistencies,omitempty"`
	Repaired        int             `json:"repaired"`
	Pending         int             `json:"pending"` // critical repairs awaiting confirmation
	Duration        time.Duration   `json:"duration"`
	At              time.Time       `json:"at"`
}

// Reconciler owns the local and remote views and the repair history.
type Reconciler struct {
	cfg      Config
	adapters AdapterSource
	bus      *bus.Bus

	local  *View
	remote *View

	mu      sync.Mutex
	history []RepairOutcome

	partMu            sync.Mutex
	partition         PartitionState
	heartbeatFailures int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *logrus.Entry
}

// New creates a reconciler.
func New(cfg Config, adapters AdapterSource, b *bus.Bus) *Reconciler {
	if cfg.PartitionThreshold <= 0 {
		cfg = DefaultConfig()
	}
	if cfg.MaxRepairAttempts < 1 {
		cfg.MaxRepairAttempts = 1
	}
	return &Reconciler{
		cfg:       cfg,
		adapters:  adapters,
		bus:       b,
		local:     NewView(),
		remote:    NewView(),
		partition: PartitionConnected,
		stopCh:    make(chan struct{}),
		logger:    logrus.WithField("component", "reconciler"),
	}
}

// Local returns the locally believed view. Integrators seed and maintain
// it; Bind keeps the order portion current from executor events.
func (r *Reconciler) Local() *View { return r.local }

// Remote returns the last synced remote view.
func (r *Reconciler) Remote() *View { return r.remote }

// Partition reports the current partition state.
func (r *Reconciler) Partition() PartitionState {
	r.partMu.Lock()
	defer r.partMu.Unlock()
	return r.partition
}

// Bind keeps the local order view current from the executor's events, so
// the diff compares against what the core actually believes.
func (r *Reconciler) Bind(b *bus.Bus) {
	update := func(evt bus.Event) {
		oe, ok := evt.Data.(executor.OrderEvent)
		if !ok || oe.Order.RemoteID == "" {
			return
		}
		o := oe.Order
		if o.State.IsTerminal() {
			r.local.RemoveOrder(o.RemoteID)
			return
		}
		r.local.UpsertOrder(types.RemoteOrder{
			RemoteID:  o.RemoteID,
			Symbol:    o.Symbol,
			Side:      o.Side,
			Price:     o.CurrentPrice,
			Amount:    o.RequestedAmount,
			Filled:    o.FilledAmount,
			Remaining: o.RemainingAmount,
			Status:    types.RemoteStatusOpen,
		})
	}
	b.Subscribe(executor.EventOrderSubmitted, update)
	b.Subscribe(executor.EventOrderPartiallyFilled, update)
	b.Subscribe(executor.EventOrderFilled, update)
	b.Subscribe(executor.EventOrderCanceled, update)
	b.Subscribe(executor.EventOrderFailed, update)
}

// Start launches the quick-sync, full-sync and heartbeat loops. An
// initial full sync runs before the loops settle into their intervals.
func (r *Reconciler) Start(ctx context.Context) {
	if _, err := r.FullSync(ctx); err != nil {
		r.logger.Warnf("initial full sync failed: %v", err)
	}

	r.wg.Add(3)
	go r.loop(ctx, r.cfg.SyncCheckInterval, func() {
		if r.Partition() == PartitionPartitioned {
			return
		}
		if err := r.QuickSync(ctx); err != nil {
			r.logger.Warnf("quick sync failed: %v", err)
		}
	})
	go r.loop(ctx, r.cfg.ForceFullSyncInterval, func() {
		if _, err := r.FullSync(ctx); err != nil {
			r.logger.Warnf("full sync failed: %v", err)
		}
	})
	go r.loop(ctx, r.cfg.HeartbeatInterval, func() {
		r.heartbeat(ctx)
	})
}

func (r *Reconciler) loop(ctx context.Context, interval time.Duration, fn func()) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Stop halts the loops and waits for them to exit.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// QuickSync refreshes the remote open-order view only.
func (r *Reconciler) QuickSync(ctx context.Context) error {
	adapter := r.adapters.PrimaryAdapter()
	if adapter == nil {
		return types.ErrNoHealthyEndpoint
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.SyncTimeout)
	defer cancel()

	orders, err := adapter.FetchOpenOrders(ctx, "")
	if err != nil {
		return err
	}
	r.remote.ReplaceOrders(orders)
	return nil
}

// FullSync refetches orders, positions and balances in parallel, then
// diffs the views and runs the repair policy.
func (r *Reconciler) FullSync(ctx context.Context) (*SyncReport, error) {
	adapter := r.adapters.PrimaryAdapter()
	if adapter == nil {
		return nil, types.ErrNoHealthyEndpoint
	}
	start := time.Now()
	fetchCtx, cancel := context.WithTimeout(ctx, r.cfg.SyncTimeout)
	defer cancel()

	var wg sync.WaitGroup
	var ordersErr, positionsErr, balancesErr error
	wg.Add(3)
	go func() {
		defer wg.Done()
		orders, err := adapter.FetchOpenOrders(fetchCtx, "")
		if err != nil {
			ordersErr = err
			return
		}
		r.remote.ReplaceOrders(orders)
	}()
	go func() {
		defer wg.Done()
		positions, err := adapter.FetchPositions(fetchCtx)
		if err != nil {
			positionsErr = err
			return
		}
		r.remote.ReplacePositions(positions)
	}()
	go func() {
		defer wg.Done()
		balances, err := adapter.FetchBalance(fetchCtx)
		if err != nil {
			balancesErr = err
			return
		}
		r.remote.ReplaceBalances(balances)
	}()
	wg.Wait()

	for _, err := range []error{ordersErr, positionsErr, balancesErr} {
		if err != nil {
			return nil, err
		}
	}

	report := r.Reconcile(ctx)
	report.Full = true
	report.Duration = time.Since(start)
	if r.bus != nil {
		r.bus.Publish(EventSyncCompleted, *report)
	}
	return report, nil
}

// Reconcile diffs the current views and applies the repair policy:
// non-critical inconsistencies repair immediately when auto-repair is on;
// critical ones wait for confirmation unless ConfirmBeforeRepair is off.
// Unconfirmed criticals resurface on the next diff pass.
func (r *Reconciler) Reconcile(ctx context.Context) *SyncReport {
	report := &SyncReport{At: time.Now()}
	report.Inconsistencies = r.Diff()

	for _, inc := range report.Inconsistencies {
		if r.bus != nil {
			r.bus.Publish(EventInconsistencyFound, inc)
		}
		r.logger.Warnf("inconsistency %s/%s (%s): %s", inc.Kind, inc.Key, inc.Severity, inc.Detail)

		if !r.cfg.EnableAutoRepair {
			continue
		}
		if inc.Severity == SeverityCritical && r.cfg.ConfirmBeforeRepair {
			report.Pending++
			if r.bus != nil {
				r.bus.Publish(EventRepairRequired, inc)
			}
			continue
		}
		if err := r.Repair(ctx, inc); err == nil {
			report.Repaired++
		}
	}
	return report
}

// heartbeat probes the venue clock and reclassifies the partition state.
func (r *Reconciler) heartbeat(ctx context.Context) {
	adapter := r.adapters.PrimaryAdapter()
	if adapter == nil {
		r.recordHeartbeat(false)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.HeartbeatTimeout)
	defer cancel()
	_, err := adapter.FetchTime(ctx)
	r.recordHeartbeat(err == nil)
}

func (r *Reconciler) recordHeartbeat(ok bool) {
	r.partMu.Lock()
	prev := r.partition
	if ok {
		r.heartbeatFailures = 0
		if prev == PartitionPartitioned {
			r.partition = PartitionReconnecting
		} else {
			r.partition = PartitionConnected
		}
	} else {
		r.heartbeatFailures++
		if r.heartbeatFailures >= r.cfg.PartitionThreshold {
			r.partition = PartitionPartitioned
		} else {
			r.partition = PartitionPartial
		}
	}
	next := r.partition
	r.partMu.Unlock()

	if next != prev {
		r.logger.Infof("partition state %s -> %s", prev, next)
		if r.bus != nil {
			r.bus.Publish(EventPartitionChanged, next)
		}
	}
}
