// Package watchdog detects a silent feed. When no tick has arrived for
// StallThreshold while the market is open it asks for a full connection
// reset, at most MaxResets times per session and never more often than
// Cooldown.
package watchdog

import (
	"time"

	"go.uber.org/zap"
)

type Watchdog struct {
	// StallThreshold is the tick silence that counts as a stall. Default: 2 minutes.
	StallThreshold time.Duration

	// MaxResets caps resets per session. Default: 5.
	MaxResets int

	// Cooldown is the minimum gap between resets so fresh connections get
	// time to deliver. Default: StallThreshold.
	Cooldown time.Duration

	resets    int
	lastReset time.Time
	warned    bool
	log       *zap.Logger
}

func New(threshold time.Duration, maxResets int, log *zap.Logger) *Watchdog {
	if threshold <= 0 {
		threshold = 2 * time.Minute
	}
	if maxResets < 0 {
		maxResets = 5
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Watchdog{
		StallThreshold: threshold,
		MaxResets:      maxResets,
		Cooldown:       threshold,
		log:            log.Named("watchdog"),
	}
}

// Observe returns true when the caller should reset every connection.
func (w *Watchdog) Observe(lastTickAge time.Duration, marketOpen bool, now time.Time) bool {
	if !marketOpen || lastTickAge < w.StallThreshold {
		return false
	}
	if w.resets >= w.MaxResets {
		if !w.warned {
			w.warned = true
			w.log.Error("feed stalled and reset budget exhausted",
				zap.Duration("last_tick_age", lastTickAge), zap.Int("resets", w.resets))
		}
		return false
	}
	if !w.lastReset.IsZero() && now.Sub(w.lastReset) < w.Cooldown {
		return false
	}

	w.resets++
	w.lastReset = now
	w.log.Warn("feed stalled, requesting reset",
		zap.Duration("last_tick_age", lastTickAge),
		zap.Int("reset", w.resets), zap.Int("max", w.MaxResets))
	return true
}

// Resets returns how many resets have been requested.
func (w *Watchdog) Resets() int {
	return w.resets
}

// Exhausted reports whether the reset budget is spent.
func (w *Watchdog) Exhausted() bool {
	return w.resets >= w.MaxResets
}
