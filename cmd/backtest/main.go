// Command backtest replays OHLCV candles through a bot configuration.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/coachpo/marlin/config"
	"github.com/coachpo/marlin/internal/backtest"
	"github.com/coachpo/marlin/internal/observability"
)

const defaultConfigPath = "config/marlin.yaml"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", defaultConfigPath, "path to the configuration file")
		csvPath    = flag.String("candles", "", "path to the OHLCV CSV file")
		botName    = flag.String("bot", "", "bot to replay (defaults to the first configured bot)")
		interval   = flag.String("interval", "1m", "candle interval label")
		verbose    = flag.Bool("v", false, "log engine activity during the replay")
	)
	flag.Parse()

	if strings.TrimSpace(*csvPath) == "" {
		return errors.New("-candles flag is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	bot, err := selectBot(cfg, *botName)
	if err != nil {
		return err
	}
	if *verbose {
		observability.SetLogger(observability.NewStdLogger("backtest ", cfg.Debug))
	}

	candles, err := backtest.LoadCSV(*csvPath, bot.Symbol, *interval)
	if err != nil {
		return err
	}

	report, err := backtest.Run(context.Background(), bot, candles)
	if err != nil {
		return err
	}
	fmt.Println(report.String())
	return nil
}

func selectBot(cfg config.Settings, name string) (config.BotSettings, error) {
	if strings.TrimSpace(name) == "" {
		return cfg.Bots[0], nil
	}
	for _, bot := range cfg.Bots {
		if bot.Name == name {
			return bot, nil
		}
	}
	return config.BotSettings{}, fmt.Errorf("no bot named %q in %d configured bots", name, len(cfg.Bots))
}
