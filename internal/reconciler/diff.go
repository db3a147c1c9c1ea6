package reconciler

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// InconsistencyKind names the category of a local/remote divergence.
type InconsistencyKind string

const (
	OrderMissing     InconsistencyKind = "ORDER_MISSING"      // local present, remote absent
	OrderExtra       InconsistencyKind = "ORDER_EXTRA"        // remote present, local absent
	OrderStatusDiff  InconsistencyKind = "ORDER_STATUS_DIFF"  // status or filled amount diverges
	PositionMissing  InconsistencyKind = "POSITION_MISSING"   // local present, remote absent
	PositionExtra    InconsistencyKind = "POSITION_EXTRA"     // remote present, local absent
	PositionSizeDiff InconsistencyKind = "POSITION_SIZE_DIFF" // sizes diverge past tolerance
	BalanceMismatch  InconsistencyKind = "BALANCE_MISMATCH"   // totals diverge past tolerance
	// FillMissing exists for schema parity with downstream consumers; no
	// diff rule produces it.
	FillMissing InconsistencyKind = "FILL_MISSING"
)

// Severity orders inconsistencies by urgency.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// RepairAction is the suggested remediation for an inconsistency.
type RepairAction string

const (
	ActionSyncOrder    RepairAction = "SYNC_ORDER"
	ActionSyncPosition RepairAction = "SYNC_POSITION"
	ActionSyncBalance  RepairAction = "SYNC_BALANCE"
	ActionFetchFills   RepairAction = "FETCH_FILLS"
	ActionCancelOrder  RepairAction = "CANCEL_ORDER"
	ActionNoAction     RepairAction = "NO_ACTION"
)

// Inconsistency is one detected divergence between the views.
type Inconsistency struct {
	Kind       InconsistencyKind `json:"kind"`
	Key        string            `json:"key"` // remoteId, symbol, or currency
	Symbol     string            `json:"symbol,omitempty"`
	Severity   Severity          `json:"severity"`
	Action     RepairAction      `json:"action"`
	Detail     string            `json:"detail,omitempty"`
	DetectedAt time.Time         `json:"detected_at"`
}

// Diff compares the local and remote views under the configured
// tolerances. The result is deterministic for fixed inputs but unordered
// across categories.
func (r *Reconciler) Diff() []Inconsistency {
	now := time.Now()
	var out []Inconsistency

	localOrders := r.local.Orders()
	remoteOrders := r.remote.Orders()
	for id, lo := range localOrders {
		ro, ok := remoteOrders[id]
		if !ok {
			out = append(out, Inconsistency{
				Kind: OrderMissing, Key: id, Symbol: lo.Symbol,
				Severity: SeverityHigh, Action: ActionSyncOrder,
				Detail:     "order tracked locally but absent from remote open orders",
				DetectedAt: now,
			})
			continue
		}
		filledDrift := lo.Filled.Sub(ro.Filled).Abs()
		tolerance := lo.Amount.Mul(decimal.NewFromFloat(r.cfg.PositionSizeTolerance))
		if lo.Status != ro.Status || filledDrift.GreaterThan(tolerance) {
			out = append(out, Inconsistency{
				Kind: OrderStatusDiff, Key: id, Symbol: lo.Symbol,
				Severity: SeverityMedium, Action: ActionSyncOrder,
				Detail:     fmt.Sprintf("local %s/%s vs remote %s/%s", lo.Status, lo.Filled, ro.Status, ro.Filled),
				DetectedAt: now,
			})
		}
	}
	for id, ro := range remoteOrders {
		if _, ok := localOrders[id]; !ok {
			out = append(out, Inconsistency{
				Kind: OrderExtra, Key: id, Symbol: ro.Symbol,
				Severity: SeverityMedium, Action: ActionCancelOrder,
				Detail:     "remote order not tracked locally",
				DetectedAt: now,
			})
		}
	}

	localPositions := r.local.Positions()
	remotePositions := r.remote.Positions()
	posTol := decimal.NewFromFloat(r.cfg.PositionSizeTolerance)
	for sym, lp := range localPositions {
		rp, ok := remotePositions[sym]
		if !ok {
			out = append(out, Inconsistency{
				Kind: PositionMissing, Key: sym, Symbol: sym,
				Severity: SeverityCritical, Action: ActionSyncPosition,
				Detail:     fmt.Sprintf("local position %s absent remotely", lp.Size),
				DetectedAt: now,
			})
			continue
		}
		drift := lp.Size.Sub(rp.Size).Abs()
		bound := decimal.Max(lp.Size.Abs(), rp.Size.Abs()).Mul(posTol)
		if drift.GreaterThan(bound) {
			out = append(out, Inconsistency{
				Kind: PositionSizeDiff, Key: sym, Symbol: sym,
				Severity: SeverityCritical, Action: ActionSyncPosition,
				Detail:     fmt.Sprintf("local %s vs remote %s", lp.Size, rp.Size),
				DetectedAt: now,
			})
		}
	}
	for sym, rp := range remotePositions {
		if _, ok := localPositions[sym]; !ok {
			out = append(out, Inconsistency{
				Kind: PositionExtra, Key: sym, Symbol: sym,
				Severity: SeverityCritical, Action: ActionSyncPosition,
				Detail:     fmt.Sprintf("remote position %s not tracked locally", rp.Size),
				DetectedAt: now,
			})
		}
	}

	localBalances := r.local.Balances()
	remoteBalances := r.remote.Balances()
	balTol := decimal.NewFromFloat(r.cfg.BalanceTolerance)
	for cur, lb := range localBalances {
		rb, ok := remoteBalances[cur]
		if !ok {
			continue
		}
		drift := lb.Total.Sub(rb.Total).Abs()
		bound := decimal.Max(lb.Total.Abs(), rb.Total.Abs()).Mul(balTol)
		if drift.GreaterThan(bound) {
			out = append(out, Inconsistency{
				Kind: BalanceMismatch, Key: cur,
				Severity: SeverityMedium, Action: ActionSyncBalance,
				Detail:     fmt.Sprintf("local %s vs remote %s", lb.Total, rb.Total),
				DetectedAt: now,
			})
		}
	}

	return out
}
