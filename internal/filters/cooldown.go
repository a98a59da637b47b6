package filters

import (
	"context"
	"sync"
	"time"
)

// Cooldown rate-limits alerts per symbol: one suppression window per symbol,
// extended from now on every hit.
type Cooldown struct {
	window time.Duration
	sweep  time.Duration

	mu    sync.Mutex
	until map[string]time.Time

	now func() time.Time
}

// NewCooldown constructs a per-symbol cooldown filter.
func NewCooldown(window, sweepInterval time.Duration) *Cooldown {
	if window <= 0 {
		window = 5 * time.Minute
	}
	if sweepInterval <= 0 {
		sweepInterval = 10 * time.Minute
	}
	return &Cooldown{
		window: window,
		sweep:  sweepInterval,
		until:  make(map[string]time.Time),
		now:    time.Now,
	}
}

// IsInCooldown reports whether the symbol's suppression window is active.
func (c *Cooldown) IsInCooldown(symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.until[symbol]
	return ok && until.After(c.now())
}

// Hit extends the symbol's suppression window from now. Called only after a
// candidate passes every other gate.
func (c *Cooldown) Hit(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.until[symbol] = c.now().Add(c.window)
}

// Run evicts elapsed windows until ctx is cancelled.
func (c *Cooldown) Run(ctx context.Context) {
	ticker := time.NewTicker(c.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.evictElapsed()
		}
	}
}

func (c *Cooldown) evictElapsed() {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for symbol, until := range c.until {
		if !until.After(now) {
			delete(c.until, symbol)
		}
	}
}
