package engine

import (
	"github.com/shopspring/decimal"

	"github.com/coachpo/marlin/internal/schema"
)

// PositionFromAccount extracts the position for symbol from an account
// push. A symbol absent from the push yields a flat snapshot, which is how
// venues report a closed position.
func PositionFromAccount(update schema.AccountUpdate, symbol string) schema.PositionSnapshot {
	for _, p := range update.Positions {
		if p.Symbol == symbol {
			return p
		}
	}
	return schema.PositionSnapshot{Symbol: symbol}
}

// BestBidAsk returns the top of book from a depth snapshot. Either side may
// be zero when the book is one-sided or empty.
func BestBidAsk(depth schema.DepthSnapshot) (bid, ask decimal.Decimal) {
	if len(depth.Bids) > 0 {
		bid = depth.Bids[0].Price
	}
	if len(depth.Asks) > 0 {
		ask = depth.Asks[0].Price
	}
	return bid, ask
}

// cloneOrders copies an order slice so callers can hold it across ticks
// without observing later mutations.
func cloneOrders(orders []schema.OpenOrder) []schema.OpenOrder {
	if len(orders) == 0 {
		return nil
	}
	out := make([]schema.OpenOrder, len(orders))
	copy(out, orders)
	return out
}

// cloneTargets copies a target slice for publication.
func cloneTargets(targets []schema.DesiredOrder) []schema.DesiredOrder {
	if len(targets) == 0 {
		return nil
	}
	out := make([]schema.DesiredOrder, len(targets))
	copy(out, targets)
	return out
}
