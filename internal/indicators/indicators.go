// Package indicators implements the windowed price math consumed by the
// risk evaluator and the backtest tooling.
package indicators

import "math"

// SMA returns the simple moving average of the trailing period values.
// It returns NaN until enough values are available.
func SMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return math.NaN()
	}
	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period)
}

// EMA returns the exponential moving average over the full series, seeded
// with an SMA of the first period values.
func EMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return math.NaN()
	}
	ema := SMA(values[:period], period)
	mult := 2.0 / (float64(period) + 1.0)
	for _, v := range values[period:] {
		ema = (v-ema)*mult + ema
	}
	return ema
}

// Bollinger returns the middle/upper/lower bands for the trailing period
// using the given standard-deviation width.
func Bollinger(values []float64, period int, width float64) (middle, upper, lower float64) {
	mid := SMA(values, period)
	if math.IsNaN(mid) {
		return math.NaN(), math.NaN(), math.NaN()
	}
	variance := 0.0
	for _, v := range values[len(values)-period:] {
		d := v - mid
		variance += d * d
	}
	sd := math.Sqrt(variance / float64(period))
	return mid, mid + width*sd, mid - width*sd
}

// Candle is the OHLC input for range-based indicators.
type Candle struct {
	High  float64
	Low   float64
	Close float64
}

// ATR returns the Wilder-smoothed average true range over period candles.
// It returns NaN until period+1 candles are available.
func ATR(candles []Candle, period int) float64 {
	if period <= 0 || len(candles) < period+1 {
		return math.NaN()
	}
	trs := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		trs = append(trs, trueRange(candles[i], candles[i-1].Close))
	}
	atr := 0.0
	for _, tr := range trs[:period] {
		atr += tr
	}
	atr /= float64(period)
	for _, tr := range trs[period:] {
		atr = (atr*float64(period-1) + tr) / float64(period)
	}
	return atr
}

func trueRange(c Candle, prevClose float64) float64 {
	hl := c.High - c.Low
	hc := math.Abs(c.High - prevClose)
	lc := math.Abs(c.Low - prevClose)
	return math.Max(hl, math.Max(hc, lc))
}
