package testbox

import (
	"sync/atomic"
	"time"
)

// Clock is a monotonic millisecond tick source. Values wrap at 2^32 and are
// only ever compared by unsigned subtraction.
type Clock interface {
	NowMs() uint32
}

// SystemClock counts milliseconds since it was created.
type SystemClock struct{ start time.Time }

// NewSystemClock anchors a clock at the current time.
func NewSystemClock() *SystemClock { return &SystemClock{start: time.Now()} }

// NowMs returns elapsed milliseconds, wrapping at 2^32.
func (c *SystemClock) NowMs() uint32 { return uint32(time.Since(c.start).Milliseconds()) }

// ManualClock is advanced explicitly; used for simulations and tests.
type ManualClock struct{ now atomic.Uint32 }

// NewManualClock returns a clock reading start.
func NewManualClock(start uint32) *ManualClock {
	c := &ManualClock{}
	c.now.Store(start)
	return c
}

func (c *ManualClock) NowMs() uint32 { return c.now.Load() }

// Advance moves the clock forward by d (millisecond resolution).
func (c *ManualClock) Advance(d time.Duration) { c.now.Add(uint32(d.Milliseconds())) }

// Set jumps the clock to ms.
func (c *ManualClock) Set(ms uint32) { c.now.Store(ms) }

// elapsedMs is wrap-safe for intervals shorter than 2^32 ms.
func elapsedMs(now, since uint32) uint32 { return now - since }
