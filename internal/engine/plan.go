// Package engine contains the order reconciliation core: plan building,
// order lifecycle coordination, position risk checks, and the tick driver
// that binds them together.
package engine

import (
	"github.com/shopspring/decimal"

	"github.com/coachpo/marlin/internal/numeric"
	"github.com/coachpo/marlin/internal/schema"
)

// dustEpsilon is the amount below which a target is not worth an order.
var dustEpsilon = decimal.NewFromFloat(1e-5)

// Plan is the reconciliation outcome for one tick: open orders to keep,
// open orders to cancel, and target orders still unmet.
type Plan struct {
	Keep   []schema.OpenOrder
	Cancel []schema.OpenOrder
	Place  []schema.DesiredOrder
}

// BuildPlan diffs the currently open orders against the desired target set.
// Each open order is matched greedily against the first unclaimed target
// with the same side and reduce-only flag whose price lies within
// priceTolerance; a zero tolerance demands exact price equality. A match
// consumes the target whole and keeps the order. Unmatched orders are
// cancelled, and unclaimed targets with amounts above the dust threshold
// are emitted as placements.
func BuildPlan(open []schema.OpenOrder, desired []schema.DesiredOrder, priceTolerance decimal.Decimal) Plan {
	plan := Plan{}
	claimed := make([]bool, len(desired))

	for _, o := range open {
		idx := -1
		for i, d := range desired {
			if claimed[i] || d.Side != o.Side || d.ReduceOnly != o.ReduceOnly {
				continue
			}
			if !numeric.WithinTolerance(o.Price, d.Price, priceTolerance) {
				continue
			}
			idx = i
			break
		}
		if idx < 0 {
			plan.Cancel = append(plan.Cancel, o)
			continue
		}
		claimed[idx] = true
		plan.Keep = append(plan.Keep, o)
	}

	for i, d := range desired {
		if claimed[i] || d.Amount.LessThanOrEqual(dustEpsilon) {
			continue
		}
		plan.Place = append(plan.Place, d)
	}
	return plan
}
