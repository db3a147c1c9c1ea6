package reconciler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/execms/oms/pkg/types"
)

// RepairOutcome is one entry in the bounded repair history.
type RepairOutcome struct {
	Inconsistency Inconsistency `json:"inconsistency"`
	Attempts      int           `json:"attempts"`
	Success       bool          `json:"success"`
	Error         string        `json:"error,omitempty"`
	RepairedAt    time.Time     `json:"repaired_at"`
}

// Repair applies the suggested action for one inconsistency, retrying
// transient failures with exponential backoff up to MaxRepairAttempts.
// The outcome is appended to the history either way.
func (r *Reconciler) Repair(ctx context.Context, inc Inconsistency) error {
	attempts := 0
	op := func() error {
		attempts++
		return r.applyRepair(ctx, inc)
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(200*time.Millisecond),
			backoff.WithMaxInterval(2*time.Second),
		),
		uint64(r.cfg.MaxRepairAttempts-1),
	), ctx)

	err := backoff.Retry(op, bo)
	outcome := RepairOutcome{
		Inconsistency: inc,
		Attempts:      attempts,
		Success:       err == nil,
		RepairedAt:    time.Now(),
	}
	if err != nil {
		outcome.Error = err.Error()
		r.logger.Errorf("repair %s/%s failed after %d attempts: %v", inc.Kind, inc.Key, attempts, err)
	} else {
		r.logger.Infof("repaired %s/%s via %s", inc.Kind, inc.Key, inc.Action)
	}
	r.appendHistory(outcome)

	if r.bus != nil {
		r.bus.Publish(EventRepairApplied, outcome)
	}
	return err
}

// applyRepair re-reads the remote truth and overwrites the local view,
// or cancels stray remote orders.
func (r *Reconciler) applyRepair(ctx context.Context, inc Inconsistency) error {
	adapter := r.adapters.PrimaryAdapter()
	if adapter == nil {
		return types.ErrNoHealthyEndpoint
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.SyncTimeout)
	defer cancel()

	switch inc.Action {
	case ActionSyncOrder:
		view, err := adapter.FetchOrder(ctx, inc.Key, inc.Symbol)
		if err != nil {
			if isOrderGone(err) {
				r.local.RemoveOrder(inc.Key)
				r.remote.RemoveOrder(inc.Key)
				return nil
			}
			return fmt.Errorf("sync order %s: %w", inc.Key, err)
		}
		entry := types.RemoteOrder{
			RemoteID: view.RemoteID,
			Symbol:   inc.Symbol,
			Amount:   view.Amount,
			Filled:   view.Filled,
			Remaining: view.Amount.Sub(view.Filled),
			Status:   view.Status,
		}
		r.local.UpsertOrder(entry)
		r.remote.UpsertOrder(entry)
		if view.Status == types.RemoteStatusClosed && view.Filled.IsPositive() {
			return r.backfillFills(ctx, adapter, inc.Symbol)
		}
		return nil

	case ActionCancelOrder:
		if err := adapter.CancelOrder(ctx, inc.Key, inc.Symbol); err != nil && !isOrderGone(err) {
			return fmt.Errorf("cancel stray order %s: %w", inc.Key, err)
		}
		r.remote.RemoveOrder(inc.Key)
		return nil

	case ActionSyncPosition:
		positions, err := adapter.FetchPositions(ctx)
		if err != nil {
			return fmt.Errorf("sync position %s: %w", inc.Key, err)
		}
		r.remote.ReplacePositions(positions)
		for _, p := range positions {
			if p.Symbol == inc.Key {
				r.local.SetPosition(*p)
				return nil
			}
		}
		// remote has no such position: the local belief was stale
		r.local.RemovePosition(inc.Key)
		return nil

	case ActionSyncBalance:
		balances, err := adapter.FetchBalance(ctx)
		if err != nil {
			return fmt.Errorf("sync balance %s: %w", inc.Key, err)
		}
		r.remote.ReplaceBalances(balances)
		for _, b := range balances {
			if b.Currency == inc.Key {
				r.local.SetBalance(*b)
				return nil
			}
		}
		return nil

	case ActionFetchFills:
		return r.backfillFills(ctx, adapter, inc.Symbol)

	case ActionNoAction:
		return nil
	}
	return fmt.Errorf("unknown repair action %q", inc.Action)
}

// backfillFills republishes recent trades so downstream consumers can
// reconcile missed fills.
func (r *Reconciler) backfillFills(ctx context.Context, adapter types.ExchangeAdapter, symbol string) error {
	trades, err := adapter.FetchMyTrades(ctx, symbol)
	if err != nil {
		return fmt.Errorf("fetch fills for %s: %w", symbol, err)
	}
	if r.bus != nil && len(trades) > 0 {
		r.bus.Publish(EventFillsBackfilled, trades)
	}
	return nil
}

func isOrderGone(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"not found", "unknown order", "already", "does not exist"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

func (r *Reconciler) appendHistory(outcome RepairOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, outcome)
	if n := len(r.history) - r.cfg.HistoryLength; n > 0 {
		r.history = r.history[n:]
	}
}

// RepairHistory returns a snapshot of the bounded outcome log.
func (r *Reconciler) RepairHistory() []RepairOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RepairOutcome, len(r.history))
	copy(out, r.history)
	return out
}
