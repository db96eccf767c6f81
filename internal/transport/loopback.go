package transport

import (
	"sync/atomic"

	"github.com/kstaniek/go-can-testbox/internal/can"
)

// Loopback is an in-memory controller in loopback mode: every transmitted
// frame is delivered back to the receive handler from the mailbox worker,
// which plays the role of the receive interrupt.
type Loopback struct {
	*DeviceAdapter
	onRx atomic.Pointer[func(can.Frame)]
}

// NewLoopback builds a loopback adapter with n transmit mailboxes.
func NewLoopback(n int, hooks Hooks) *Loopback {
	l := &Loopback{}
	l.DeviceAdapter = NewDeviceAdapter(l.deliver, n, hooks)
	return l
}

// OnReceive installs the handler fed with looped-back frames.
func (l *Loopback) OnReceive(fn func(can.Frame)) {
	if fn == nil {
		l.onRx.Store(nil)
		return
	}
	l.onRx.Store(&fn)
}

func (l *Loopback) deliver(fr can.Frame) error {
	if fn := l.onRx.Load(); fn != nil {
		(*fn)(fr)
	}
	return nil
}
