package engine

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RateLimitController converts venue rate-limit rejections into a pause on
// new entry orders. Repeated hits grow the pause exponentially up to a cap;
// a full quiet window after the pause expires resets it to the base value.
// Risk-reducing actions are never gated by this controller.
type RateLimitController struct {
	mu    sync.Mutex
	bo    *backoff.ExponentialBackOff
	base  time.Duration
	until time.Time
	hits  int
	now   func() time.Time
}

// NewRateLimitController returns a controller whose first pause is basePause.
func NewRateLimitController(basePause time.Duration) *RateLimitController {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = basePause
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = 8 * basePause
	bo.Reset()
	return &RateLimitController{bo: bo, base: basePause, now: time.Now}
}

// NoteRateLimit records a venue rate-limit rejection and extends the entry
// block. It returns the moment the block expires.
func (c *RateLimitController) NoteRateLimit() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if c.hits > 0 && now.Sub(c.until) >= c.base {
		c.bo.Reset()
		c.hits = 0
	}
	pause := c.bo.NextBackOff()
	c.hits++
	c.until = now.Add(pause)
	return c.until
}

// EntriesBlocked reports whether new entry orders are currently paused.
func (c *RateLimitController) EntriesBlocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now().Before(c.until)
}

// BlockedUntil returns when the current block expires; zero when the
// controller has never tripped.
func (c *RateLimitController) BlockedUntil() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.until
}
