// Package present displays decoded frames against a host clock. Frames may
// arrive from decoder goroutines in any order; the Sink holds frames whose
// presentation time is in the future, drops frames that are already late,
// and hands each due frame to a Display.
package present

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Timebase maps host clock time to presentation time. It starts at zero with
// rate 1.0 when created.
type Timebase struct {
	clock clock.Clock

	mu     sync.Mutex
	anchor time.Time     // host time at the last rate change
	base   time.Duration // presentation time at anchor
	rate   float64
}

// NewTimebase creates a Timebase on c. A nil clock uses the host clock.
func NewTimebase(c clock.Clock) *Timebase {
	if c == nil {
		c = clock.New()
	}
	return &Timebase{clock: c, anchor: c.Now(), rate: 1.0}
}

// Now returns the current presentation time.
func (tb *Timebase) Now() time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.nowLocked()
}

func (tb *Timebase) nowLocked() time.Duration {
	elapsed := tb.clock.Since(tb.anchor)
	return tb.base + time.Duration(float64(elapsed)*tb.rate)
}

// SetRate changes the playback rate from now on. A rate of 0 pauses.
func (tb *Timebase) SetRate(rate float64) {
	if rate < 0 {
		rate = 0
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.base = tb.nowLocked()
	tb.anchor = tb.clock.Now()
	tb.rate = rate
}

// Rate returns the current playback rate.
func (tb *Timebase) Rate() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.rate
}

// Clock returns the underlying host clock.
func (tb *Timebase) Clock() clock.Clock {
	return tb.clock
}
