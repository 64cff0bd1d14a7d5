package engine

import (
	"sync"

	"github.com/coachpo/marlin/internal/indicators"
	"github.com/coachpo/marlin/internal/schema"
)

// CrossoverSignaler is an EMA crossover stance: long while the fast average
// sits above the slow one, short while below, flat until both are warm.
// Feed it closed candles through ObserveKline.
type CrossoverSignaler struct {
	fast int
	slow int

	mu     sync.Mutex
	closes []float64
}

// NewCrossoverSignaler returns a crossover signaler with the given EMA
// periods. fast must be shorter than slow.
func NewCrossoverSignaler(fast, slow int) *CrossoverSignaler {
	return &CrossoverSignaler{fast: fast, slow: slow}
}

// ObserveKline records one closed candle.
func (s *CrossoverSignaler) ObserveKline(k schema.Kline) {
	s.mu.Lock()
	s.closes = append(s.closes, k.Close.InexactFloat64())
	if max := 4 * s.slow; len(s.closes) > max {
		s.closes = s.closes[len(s.closes)-max:]
	}
	s.mu.Unlock()
}

// Signal implements Signaler.
func (s *CrossoverSignaler) Signal(TickState) Signal {
	s.mu.Lock()
	closes := s.closes
	s.mu.Unlock()

	if len(closes) < s.slow {
		return SignalFlat
	}
	fast := indicators.EMA(closes, s.fast)
	slow := indicators.EMA(closes, s.slow)
	switch {
	case fast > slow:
		return SignalLong
	case fast < slow:
		return SignalShort
	default:
		return SignalFlat
	}
}
