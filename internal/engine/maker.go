package engine

import (
	"github.com/shopspring/decimal"

	"github.com/coachpo/marlin/config"
	"github.com/coachpo/marlin/internal/schema"
)

// MakerPlanner quotes both sides of the book at a configured offset from
// the touch. Whichever side would grow an already full inventory is flipped
// to reduce-only so the bot oscillates around a bounded position.
type MakerPlanner struct {
	cfg config.BotSettings
}

// NewMakerPlanner returns a maker planner for the bot configuration.
func NewMakerPlanner(cfg config.BotSettings) *MakerPlanner {
	return &MakerPlanner{cfg: cfg}
}

// PriceTolerance returns the chase threshold: quotes within this band of
// their target price are left resting instead of being re-pegged.
func (p *MakerPlanner) PriceTolerance() decimal.Decimal {
	return p.cfg.PriceChaseThreshold
}

// Targets quotes a bid below the best bid and an ask above the best ask.
// With no book observed yet it quotes nothing.
func (p *MakerPlanner) Targets(state TickState) []schema.DesiredOrder {
	if state.BestBid.Sign() <= 0 || state.BestAsk.Sign() <= 0 {
		return nil
	}
	bidPrice := state.BestBid.Sub(p.cfg.BidOffset)
	askPrice := state.BestAsk.Add(p.cfg.AskOffset)
	if bidPrice.Sign() <= 0 {
		return nil
	}

	pos := state.Position.PositionAmt
	longFull := pos.GreaterThanOrEqual(p.cfg.TradeAmount)
	shortFull := pos.Neg().GreaterThanOrEqual(p.cfg.TradeAmount)

	targets := make([]schema.DesiredOrder, 0, 2)
	if !longFull {
		targets = append(targets, schema.DesiredOrder{
			Side:       schema.TradeSideBuy,
			Price:      bidPrice,
			Amount:     p.cfg.TradeAmount,
			ReduceOnly: shortFull,
		})
	}
	if !shortFull {
		targets = append(targets, schema.DesiredOrder{
			Side:       schema.TradeSideSell,
			Price:      askPrice,
			Amount:     p.cfg.TradeAmount,
			ReduceOnly: longFull,
		})
	}
	return targets
}
