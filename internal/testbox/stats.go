package testbox

import (
	"sync/atomic"

	"github.com/kstaniek/go-can-testbox/internal/metrics"
)

// Stats is a point-in-time copy of the test box counters.
type Stats struct {
	TxAttempts    uint64
	TxSuccess     uint64
	TxFailures    uint64
	RxTotal       uint64
	RxValid       uint64
	RxErrors      uint64
	BusErrors     uint64
	LastErrorCode uint32
	UptimeMs      uint32
}

// counters are written from several goroutines; atomics keep them tear-free.
type counters struct {
	txAttempts atomic.Uint64
	txSuccess  atomic.Uint64
	txFailures atomic.Uint64
	rxTotal    atomic.Uint64
	rxValid    atomic.Uint64
	rxErrors   atomic.Uint64
	busErrors  atomic.Uint64
	lastError  atomic.Uint32
	startMs    atomic.Uint32
	uptimeMs   atomic.Uint32
}

func (c *counters) recordTx(code uint32, ok bool) {
	c.txAttempts.Add(1)
	if ok {
		c.txSuccess.Add(1)
	} else {
		c.txFailures.Add(1)
		c.lastError.Store(code)
	}
	metrics.IncTx(ok)
}

func (c *counters) recordRx() {
	c.rxTotal.Add(1)
	c.rxValid.Add(1)
	metrics.IncRx()
}

func (c *counters) recordRxError(code uint32) {
	c.rxTotal.Add(1)
	c.rxErrors.Add(1)
	c.lastError.Store(code)
}

func (c *counters) recordBusError(code uint32) {
	c.busErrors.Add(1)
	c.lastError.Store(code)
	metrics.IncBusError()
}

func (c *counters) refreshUptime(now uint32) uint32 {
	up := elapsedMs(now, c.startMs.Load())
	c.uptimeMs.Store(up)
	return up
}

func (c *counters) snapshot(now uint32) Stats {
	return Stats{
		TxAttempts:    c.txAttempts.Load(),
		TxSuccess:     c.txSuccess.Load(),
		TxFailures:    c.txFailures.Load(),
		RxTotal:       c.rxTotal.Load(),
		RxValid:       c.rxValid.Load(),
		RxErrors:      c.rxErrors.Load(),
		BusErrors:     c.busErrors.Load(),
		LastErrorCode: c.lastError.Load(),
		UptimeMs:      c.refreshUptime(now),
	}
}

func (c *counters) reset(now uint32) {
	c.txAttempts.Store(0)
	c.txSuccess.Store(0)
	c.txFailures.Store(0)
	c.rxTotal.Store(0)
	c.rxValid.Store(0)
	c.rxErrors.Store(0)
	c.busErrors.Store(0)
	c.lastError.Store(0)
	c.startMs.Store(now)
	c.uptimeMs.Store(0)
}

// Stats returns a snapshot with a freshly computed uptime.
func (tb *TestBox) Stats() Stats { return tb.stats.snapshot(tb.clock.NowMs()) }

// ResetStats zeroes every counter and re-anchors the uptime. Periodic slots
// and the inbox are untouched.
func (tb *TestBox) ResetStats() {
	tb.stats.reset(tb.clock.NowMs())
	tb.logger.Info("stats_reset")
}
