package backtest

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Report summarises one backtest run.
type Report struct {
	Candles     int
	Trades      int
	Wins        int
	WinRate     decimal.Decimal
	NetProfit   decimal.Decimal
	MaxDrawdown decimal.Decimal
	EndEquity   decimal.Decimal
	EndPosition decimal.Decimal
}

// buildReport folds the closed trades and equity curve into a Report.
func buildReport(candles int, closed []decimal.Decimal, equity []decimal.Decimal, endEquity, endPosition decimal.Decimal) Report {
	r := Report{
		Candles:     candles,
		Trades:      len(closed),
		EndEquity:   endEquity,
		EndPosition: endPosition,
	}
	for _, pnl := range closed {
		r.NetProfit = r.NetProfit.Add(pnl)
		if pnl.Sign() > 0 {
			r.Wins++
		}
	}
	if r.Trades > 0 {
		r.WinRate = decimal.NewFromInt(int64(r.Wins)).
			Div(decimal.NewFromInt(int64(r.Trades))).
			Mul(hundred).Round(2)
	}

	peak := decimal.Zero
	for _, eq := range equity {
		if eq.GreaterThan(peak) {
			peak = eq
		}
		if dd := peak.Sub(eq); dd.GreaterThan(r.MaxDrawdown) {
			r.MaxDrawdown = dd
		}
	}
	return r
}

// String renders the report for terminal output.
func (r Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "candles:       %d\n", r.Candles)
	fmt.Fprintf(&b, "trades:        %d\n", r.Trades)
	fmt.Fprintf(&b, "win rate:      %s%%\n", r.WinRate)
	fmt.Fprintf(&b, "net profit:    %s\n", r.NetProfit)
	fmt.Fprintf(&b, "max drawdown:  %s\n", r.MaxDrawdown)
	fmt.Fprintf(&b, "end equity:    %s\n", r.EndEquity)
	fmt.Fprintf(&b, "end position:  %s\n", r.EndPosition)
	return b.String()
}
