package engine

import (
	"github.com/shopspring/decimal"

	"github.com/coachpo/marlin/config"
	"github.com/coachpo/marlin/internal/schema"
)

// Signal is a directional stance produced by a Signaler.
type Signal int

const (
	// SignalFlat requests no exposure.
	SignalFlat Signal = iota
	// SignalLong requests a long position of the configured size.
	SignalLong
	// SignalShort requests a short position of the configured size.
	SignalShort
)

// Signaler turns market state into a directional stance. Implementations
// range from moving-average crossovers to external feeds.
type Signaler interface {
	Signal(state TickState) Signal
}

// SignalerFunc adapts a function into a Signaler.
type SignalerFunc func(state TickState) Signal

// Signal invokes the wrapped function.
func (f SignalerFunc) Signal(state TickState) Signal { return f(state) }

// TrendPlanner converts a Signaler's stance into order targets. Entries
// cross the spread with a limit at the touch; exits are reduce-only.
type TrendPlanner struct {
	cfg      config.BotSettings
	signaler Signaler
}

// NewTrendPlanner returns a trend planner wrapping the signaler.
func NewTrendPlanner(cfg config.BotSettings, signaler Signaler) *TrendPlanner {
	return &TrendPlanner{cfg: cfg, signaler: signaler}
}

// PriceTolerance returns the chase threshold shared with the plan builder.
func (p *TrendPlanner) PriceTolerance() decimal.Decimal {
	return p.cfg.PriceChaseThreshold
}

// Targets diffs the signalled stance against the current position and
// emits the orders that move one toward the other.
func (p *TrendPlanner) Targets(state TickState) []schema.DesiredOrder {
	if state.BestBid.Sign() <= 0 || state.BestAsk.Sign() <= 0 {
		return nil
	}

	var want decimal.Decimal
	switch p.signaler.Signal(state) {
	case SignalLong:
		want = p.cfg.TradeAmount
	case SignalShort:
		want = p.cfg.TradeAmount.Neg()
	default:
		want = decimal.Zero
	}

	diff := want.Sub(state.Position.PositionAmt)
	if diff.IsZero() {
		return nil
	}

	// Exits reduce exposure toward zero; anything beyond that is an entry.
	pos := state.Position.PositionAmt
	reduceOnly := (pos.Sign() > 0 && diff.Sign() < 0 && want.Sign() >= 0 && diff.Abs().LessThanOrEqual(pos.Abs())) ||
		(pos.Sign() < 0 && diff.Sign() > 0 && want.Sign() <= 0 && diff.Abs().LessThanOrEqual(pos.Abs()))

	target := schema.DesiredOrder{
		Amount:     diff.Abs(),
		ReduceOnly: reduceOnly,
	}
	if diff.Sign() > 0 {
		target.Side = schema.TradeSideBuy
		target.Price = state.BestAsk
	} else {
		target.Side = schema.TradeSideSell
		target.Price = state.BestBid
	}
	return []schema.DesiredOrder{target}
}
