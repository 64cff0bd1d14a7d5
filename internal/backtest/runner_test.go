package backtest

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/marlin/config"
	"github.com/coachpo/marlin/internal/schema"
)

func oscillatingCandles(n int) []schema.Kline {
	out := make([]schema.Kline, 0, n)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		out = append(out, schema.Kline{
			Symbol:    "ETHUSDT",
			Interval:  "1m",
			OpenTime:  base.Add(time.Duration(i) * time.Minute),
			CloseTime: base.Add(time.Duration(i+1) * time.Minute),
			Open:      dec("2000"),
			High:      dec("2010"),
			Low:       dec("1990"),
			Close:     dec("2000"),
			Volume:    dec("100"),
		})
	}
	return out
}

func backtestSettings(strategy config.StrategyKind) config.BotSettings {
	return config.BotSettings{
		Name:                "bt",
		Symbol:              "ETHUSDT",
		Strategy:            strategy,
		TradeAmount:         dec("1"),
		LossLimit:           dec("1000"),
		PriceTick:           dec("0.01"),
		QtyStep:             dec("0.001"),
		MaxCloseSlippagePct: dec("0.5"),
		BidOffset:           dec("1"),
		AskOffset:           dec("1"),
		RefreshInterval:     time.Second,
		OrderTimeout:        15 * time.Second,
		RateLimitPause:      30 * time.Second,
	}
}

func TestRunMakerCapturesOscillation(t *testing.T) {
	candles := oscillatingCandles(20)
	report, err := Run(context.Background(), backtestSettings(config.StrategyMaker), candles)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Candles != 20 {
		t.Fatalf("candles = %d, want 20", report.Candles)
	}
	if report.Trades == 0 {
		t.Fatal("expected round trips from quotes filling on both sides")
	}
	if report.NetProfit.Sign() <= 0 {
		t.Fatalf("net profit = %s, want > 0 capturing the spread", report.NetProfit)
	}
	if !report.EndPosition.IsZero() {
		t.Fatalf("end position = %s, want flat", report.EndPosition)
	}
}

func TestRunTrendCompletes(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	candles := make([]schema.Kline, 0, 60)
	price := decimal.NewFromInt(2000)
	for i := 0; i < 60; i++ {
		// Thirty candles up, thirty down.
		step := dec("5")
		if i >= 30 {
			step = dec("-5")
		}
		price = price.Add(step)
		candles = append(candles, schema.Kline{
			Symbol:    "ETHUSDT",
			Interval:  "1m",
			OpenTime:  base.Add(time.Duration(i) * time.Minute),
			CloseTime: base.Add(time.Duration(i+1) * time.Minute),
			Open:      price.Sub(step),
			High:      price.Add(dec("1")),
			Low:       price.Sub(dec("6")),
			Close:     price,
			Volume:    dec("100"),
		})
	}

	report, err := Run(context.Background(), backtestSettings(config.StrategyTrend), candles)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Candles != 60 {
		t.Fatalf("candles = %d, want 60", report.Candles)
	}
	if !report.EndPosition.IsZero() {
		t.Fatalf("end position = %s, want flat after final close", report.EndPosition)
	}
}

func TestRunRejectsEmptyFeed(t *testing.T) {
	if _, err := Run(context.Background(), backtestSettings(config.StrategyMaker), nil); err == nil {
		t.Fatal("expected error for empty candle feed")
	}
}
