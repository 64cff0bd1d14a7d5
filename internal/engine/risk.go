package engine

import (
	"github.com/shopspring/decimal"

	"github.com/coachpo/marlin/config"
	"github.com/coachpo/marlin/internal/schema"
)

var hundred = decimal.NewFromInt(100)

// ShouldStopLoss reports whether the position's loss at the current
// executable exit price exceeds lossLimit. Longs exit at the bid, shorts at
// the ask. A non-positive lossLimit disables the check, and a position with
// no entry price never triggers.
func ShouldStopLoss(pos schema.PositionSnapshot, bestBid, bestAsk, lossLimit decimal.Decimal) bool {
	if lossLimit.Sign() <= 0 || pos.IsFlat() || pos.EntryPrice.Sign() <= 0 {
		return false
	}
	var loss decimal.Decimal
	switch {
	case pos.IsLong():
		if bestBid.Sign() <= 0 {
			return false
		}
		loss = pos.EntryPrice.Sub(bestBid).Mul(pos.PositionAmt)
	default:
		if bestAsk.Sign() <= 0 {
			return false
		}
		loss = bestAsk.Sub(pos.EntryPrice).Mul(pos.PositionAmt.Neg())
	}
	return loss.GreaterThan(lossLimit)
}

// Trailing tracks a ratcheting stop for one position. The stop only ever
// tightens: for a long it rises with new price highs and never falls, and
// symmetrically for a short. ATR-based trailing takes precedence over the
// percentage activation/callback mode when both are configured.
type Trailing struct {
	cfg    config.TrailingSettings
	active bool
	long   bool
	armed  bool
	peak   decimal.Decimal
	stop   decimal.Decimal
}

// NewTrailing returns a trailing tracker for the given settings.
func NewTrailing(cfg config.TrailingSettings) *Trailing {
	return &Trailing{cfg: cfg}
}

// Reset clears all trailing state, e.g. after the position closes.
func (t *Trailing) Reset() {
	t.active = false
	t.armed = false
	t.peak = decimal.Zero
	t.stop = decimal.Zero
}

// Active reports whether a stop level is currently armed.
func (t *Trailing) Active() bool {
	return t.active
}

// Stop returns the current stop level; only meaningful while Active.
func (t *Trailing) Stop() decimal.Decimal {
	return t.stop
}

// Observe feeds the latest mark price and ATR reading for the position and
// reports whether the trailing stop has been hit. atr may be zero when no
// ATR estimate is available yet; the percentage mode is used as fallback.
func (t *Trailing) Observe(pos schema.PositionSnapshot, price, atr decimal.Decimal) bool {
	if pos.IsFlat() || pos.EntryPrice.Sign() <= 0 || price.Sign() <= 0 {
		t.Reset()
		return false
	}
	long := pos.IsLong()
	if !t.armed || t.long != long {
		t.Reset()
		t.armed = true
		t.long = long
		t.peak = price
	}
	if long && price.GreaterThan(t.peak) {
		t.peak = price
	}
	if !long && price.LessThan(t.peak) {
		t.peak = price
	}

	if cand, ok := t.candidate(pos, atr); ok {
		if !t.active {
			t.active = true
			t.stop = cand
		} else if long && cand.GreaterThan(t.stop) {
			t.stop = cand
		} else if !long && cand.LessThan(t.stop) {
			t.stop = cand
		}
	}

	if !t.active {
		return false
	}
	if long {
		return price.LessThanOrEqual(t.stop)
	}
	return price.GreaterThanOrEqual(t.stop)
}

func (t *Trailing) candidate(pos schema.PositionSnapshot, atr decimal.Decimal) (decimal.Decimal, bool) {
	if t.cfg.ATRMultiplier.Sign() > 0 && atr.Sign() > 0 {
		offset := atr.Mul(t.cfg.ATRMultiplier)
		if t.long {
			return t.peak.Sub(offset), true
		}
		return t.peak.Add(offset), true
	}
	if t.cfg.ActivationPct.Sign() <= 0 || t.cfg.CallbackPct.Sign() <= 0 {
		return decimal.Zero, false
	}
	activation := t.cfg.ActivationPct.Div(hundred)
	callback := t.cfg.CallbackPct.Div(hundred)
	if t.long {
		trigger := pos.EntryPrice.Mul(decimal.NewFromInt(1).Add(activation))
		if t.peak.LessThan(trigger) && !t.active {
			return decimal.Zero, false
		}
		return t.peak.Mul(decimal.NewFromInt(1).Sub(callback)), true
	}
	trigger := pos.EntryPrice.Mul(decimal.NewFromInt(1).Sub(activation))
	if t.peak.GreaterThan(trigger) && !t.active {
		return decimal.Zero, false
	}
	return t.peak.Mul(decimal.NewFromInt(1).Add(callback)), true
}
