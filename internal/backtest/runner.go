package backtest

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/coachpo/marlin/config"
	"github.com/coachpo/marlin/internal/engine"
	"github.com/coachpo/marlin/internal/schema"
)

// Run replays the candles through a fresh engine for the bot configuration
// and returns the performance report. The engine uses the same planners and
// risk checks as live trading; only the venue is simulated.
func Run(ctx context.Context, cfg config.BotSettings, candles []schema.Kline) (Report, error) {
	if len(candles) == 0 {
		return Report{}, fmt.Errorf("no candles to replay")
	}

	sim := NewSim(cfg.Symbol, cfg.PriceTick, cfg.MaxCloseSlippagePct)

	var planner engine.TargetPlanner
	switch cfg.Strategy {
	case config.StrategyMaker:
		planner = engine.NewMakerPlanner(cfg)
	case config.StrategyTrend:
		signaler := engine.NewCrossoverSignaler(9, 21)
		if _, err := sim.WatchKlines(ctx, cfg.Symbol, "", func(k schema.Kline) {
			signaler.ObserveKline(k)
		}); err != nil {
			return Report{}, err
		}
		planner = engine.NewTrendPlanner(cfg, signaler)
	default:
		return Report{}, fmt.Errorf("unknown strategy %q", cfg.Strategy)
	}

	eng := engine.New(cfg, sim, planner)
	for _, wire := range []func() error{
		func() error { _, err := sim.WatchAccount(ctx, eng.HandleAccount); return err },
		func() error { _, err := sim.WatchOrders(ctx, eng.HandleOrder); return err },
		func() error { _, err := sim.WatchDepth(ctx, cfg.Symbol, eng.HandleDepth); return err },
		func() error { _, err := sim.WatchKlines(ctx, cfg.Symbol, "", eng.HandleKline); return err },
	} {
		if err := wire(); err != nil {
			return Report{}, err
		}
	}

	equity := make([]decimal.Decimal, 0, len(candles))
	for _, k := range candles {
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}
		sim.Step(k)
		eng.TickOnce(ctx)
		equity = append(equity, sim.Equity())
	}

	// Flatten at the end so the report reflects a closed book.
	_ = sim.CancelAllOrders(ctx, cfg.Symbol)
	pos := sim.Position()
	if !pos.IsFlat() {
		// Zero book prices make the coordinator fall back to a market order.
		if err := eng.Coordinator().MarketClose(ctx, pos, decimal.Zero, decimal.Zero, decimal.Zero); err != nil {
			return Report{}, fmt.Errorf("final close: %w", err)
		}
		equity = append(equity, sim.Equity())
	}

	return buildReport(len(candles), sim.ClosedTrades(), equity, sim.Equity(), sim.Position().PositionAmt), nil
}
