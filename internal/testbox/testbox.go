// Package testbox is the CAN test box engine: a fixed table of periodic
// transmissions serviced by a polling tick, one-shot and burst sends, and an
// interrupt-style reception path feeding either a callback or a bounded inbox.
//
// All state lives in a TestBox value; independent instances never share
// anything except the process-wide Prometheus collectors.
package testbox

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-can-testbox/internal/can"
	"github.com/kstaniek/go-can-testbox/internal/logging"
	"github.com/kstaniek/go-can-testbox/internal/transport"
)

const (
	DefaultCapacity  = 20
	DefaultInboxSize = 32
	MaxBurstCount    = 1000
)

// TestBox owns one transport adapter and everything scheduled on it.
type TestBox struct {
	adapter transport.Adapter
	clock   Clock
	logger  *slog.Logger

	lifeMu  sync.Mutex
	running atomic.Bool

	reg      registry
	stats    counters
	inbox    chan can.Frame
	callback atomic.Pointer[RxCallback]
	bursting atomic.Bool
}

// Option configures a TestBox.
type Option func(*TestBox)

// WithClock replaces the system millisecond clock.
func WithClock(c Clock) Option {
	return func(tb *TestBox) {
		if c != nil {
			tb.clock = c
		}
	}
}

// WithCapacity sets the number of periodic slots.
func WithCapacity(n int) Option {
	return func(tb *TestBox) {
		if n > 0 {
			tb.reg.slots = make([]slot, n)
		}
	}
}

// WithInboxSize sets the receive inbox capacity.
func WithInboxSize(n int) Option {
	return func(tb *TestBox) {
		if n > 0 {
			tb.inbox = make(chan can.Frame, n)
		}
	}
}

// WithLogger sets the logger; nil keeps the process-wide one.
func WithLogger(l *slog.Logger) Option {
	return func(tb *TestBox) {
		if l != nil {
			tb.logger = l
		}
	}
}

// New builds a stopped TestBox around adapter.
func New(adapter transport.Adapter, opts ...Option) *TestBox {
	tb := &TestBox{
		adapter: adapter,
		logger:  logging.L(),
	}
	for _, o := range opts {
		o(tb)
	}
	if tb.clock == nil {
		tb.clock = NewSystemClock()
	}
	if tb.reg.slots == nil {
		tb.reg.slots = make([]slot, DefaultCapacity)
	}
	if tb.inbox == nil {
		tb.inbox = make(chan can.Frame, DefaultInboxSize)
	}
	tb.stats.reset(tb.clock.NowMs())
	return tb
}

// Start brings the adapter up. Calling it on a running box returns ErrAlreadyExists.
func (tb *TestBox) Start() error {
	tb.lifeMu.Lock()
	defer tb.lifeMu.Unlock()
	if tb.running.Load() {
		return ErrAlreadyExists
	}
	if err := tb.adapter.Start(); err != nil {
		return fmt.Errorf("%w: adapter start: %v", ErrGeneric, err)
	}
	tb.running.Store(true)
	tb.logger.Info("testbox_started", "capacity", len(tb.reg.slots), "inbox", cap(tb.inbox))
	return nil
}

// Stop disables every periodic slot and stops the adapter. Frames already in
// a mailbox are not recalled.
func (tb *TestBox) Stop() error {
	tb.lifeMu.Lock()
	defer tb.lifeMu.Unlock()
	if !tb.running.Load() {
		return ErrNotInitialized
	}
	tb.running.Store(false)
	tb.StopAllPeriodic()
	if err := tb.adapter.Stop(); err != nil {
		tb.logger.Warn("adapter_stop_error", "error", err)
	}
	tb.logger.Info("testbox_stopped")
	return nil
}

// Running reports whether Start succeeded and Stop has not been called.
func (tb *TestBox) Running() bool { return tb.running.Load() }

// Capacity returns the number of periodic slots.
func (tb *TestBox) Capacity() int { return len(tb.reg.slots) }

func validate(f can.Frame) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	return nil
}

// Send submits one frame for immediate transmission. A nil result means a
// transmit mailbox accepted the frame, not that the bus acknowledged it.
// Transport failures are returned as *transport.HardwareError.
func (tb *TestBox) Send(f can.Frame) error {
	if err := validate(f); err != nil {
		return err
	}
	if !tb.running.Load() {
		return ErrNotInitialized
	}
	return tb.transmit(f)
}

// transmit is the single path to the adapter for one-shot, burst and periodic sends.
func (tb *TestBox) transmit(f can.Frame) error {
	f.Timestamp = tb.clock.NowMs()
	err := tb.adapter.Enqueue(f)
	if err != nil {
		code := transport.CodeOf(err)
		tb.stats.recordTx(code, false)
		tb.logger.Debug("tx_error", "frame", f.String(), "code", fmt.Sprintf("0x%08X", code), "error", err)
		var he *transport.HardwareError
		if errors.As(err, &he) {
			return he
		}
		return &transport.HardwareError{Code: code, Err: err}
	}
	tb.stats.recordTx(0, true)
	return nil
}
