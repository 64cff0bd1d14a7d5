// Command marlin runs the live trading engines.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/marlin/config"
	"github.com/coachpo/marlin/internal/engine"
	"github.com/coachpo/marlin/internal/exchange"
	"github.com/coachpo/marlin/internal/observability"
	"github.com/coachpo/marlin/internal/schema"
	"github.com/coachpo/marlin/internal/tradelog"
	"github.com/coachpo/marlin/lib/telemetry"
)

const (
	defaultConfigPath        = "config/marlin.yaml"
	loggerPrefix             = "marlin "
	signalFastPeriod         = 9
	signalSlowPeriod         = 21
	recorderShutdownTimeout  = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to the configuration file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("%s%v", loggerPrefix, err)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	observability.SetLogger(observability.NewStdLogger(loggerPrefix, cfg.Debug))

	_, telemetryShutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		if err := telemetryShutdown(shutdownCtx); err != nil {
			observability.Log().Warn("telemetry shutdown failed",
				observability.F("error", err.Error()))
		}
	}()

	recorder, cleanup, err := buildRecorder(ctx, cfg.TradeLog)
	if err != nil {
		return err
	}
	defer cleanup()

	venue, err := exchange.NewRemote(ctx, cfg.Exchange)
	if err != nil {
		return err
	}
	defer venue.Close()

	observability.Log().Info("marlin starting",
		observability.F("exchange", cfg.Exchange.Name),
		observability.F("bots", len(cfg.Bots)))

	var wg conc.WaitGroup
	for _, bot := range cfg.Bots {
		eng, err := buildEngine(ctx, bot, venue, recorder)
		if err != nil {
			return err
		}
		wg.Go(func() {
			if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
				observability.Log().Error("engine exited",
					observability.F("bot", bot.Name),
					observability.F("error", err.Error()))
			}
		})
	}
	wg.Wait()

	observability.Log().Info("marlin stopped")
	return nil
}

// buildRecorder wires trade-log persistence. An empty DSN keeps the log in
// memory only.
func buildRecorder(ctx context.Context, cfg config.TradeLogSettings) (*tradelog.Recorder, func(), error) {
	var store *tradelog.Store
	if cfg.DSN != "" {
		s, err := tradelog.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open trade log store: %w", err)
		}
		store = s
	}
	recorder, err := tradelog.NewRecorder(cfg, store)
	if err != nil {
		if store != nil {
			store.Close()
		}
		return nil, nil, fmt.Errorf("build trade log recorder: %w", err)
	}
	cleanup := func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), recorderShutdownTimeout)
		defer cancel()
		if err := recorder.Close(drainCtx); err != nil {
			observability.Log().Warn("trade log drain failed",
				observability.F("error", err.Error()))
		}
		if store != nil {
			store.Close()
		}
	}
	return recorder, cleanup, nil
}

// buildEngine assembles the planner for the bot's strategy and, for trend
// bots, feeds the crossover signaler from its own kline subscription.
func buildEngine(ctx context.Context, bot config.BotSettings, venue exchange.Exchange, recorder *tradelog.Recorder) (*engine.Engine, error) {
	var planner engine.TargetPlanner
	switch bot.Strategy {
	case config.StrategyMaker:
		planner = engine.NewMakerPlanner(bot)
	case config.StrategyTrend:
		signaler := engine.NewCrossoverSignaler(signalFastPeriod, signalSlowPeriod)
		if _, err := venue.WatchKlines(ctx, bot.Symbol, "1m", func(k schema.Kline) {
			signaler.ObserveKline(k)
		}); err != nil {
			return nil, fmt.Errorf("watch klines for %s: %w", bot.Name, err)
		}
		planner = engine.NewTrendPlanner(bot, signaler)
	default:
		return nil, fmt.Errorf("bot %s: unknown strategy %q", bot.Name, bot.Strategy)
	}

	opts := []engine.Option{}
	if recorder != nil {
		opts = append(opts, engine.WithRecorder(recorder))
	}
	return engine.New(bot, venue, planner, opts...), nil
}
