package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-can-testbox/internal/can"
)

// DeviceAdapter turns a blocking frame writer into an Adapter: Start spins up
// the mailbox worker, Stop tears it down, and asynchronous write failures are
// latched as bus error flags for the next BusErrors read.
type DeviceAdapter struct {
	write     func(can.Frame) error
	mailboxes int
	hooks     Hooks

	mu     sync.Mutex
	tx     *Mailboxes
	busErr atomic.Uint32
}

// NewDeviceAdapter wraps write with n transmit mailboxes.
func NewDeviceAdapter(write func(can.Frame) error, n int, hooks Hooks) *DeviceAdapter {
	return &DeviceAdapter{write: write, mailboxes: n, hooks: hooks}
}

func (d *DeviceAdapter) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tx != nil {
		return ErrAlreadyStarted
	}
	hooks := d.hooks
	onErr := hooks.OnError
	hooks.OnError = func(err error) {
		d.ReportBusError(CodeDevice)
		if onErr != nil {
			onErr(err)
		}
	}
	d.tx = NewMailboxes(context.Background(), d.mailboxes, d.write, hooks)
	return nil
}

func (d *DeviceAdapter) Stop() error {
	d.mu.Lock()
	tx := d.tx
	d.tx = nil
	d.mu.Unlock()
	if tx == nil {
		return ErrStopped
	}
	tx.Close()
	return nil
}

func (d *DeviceAdapter) Enqueue(fr can.Frame) error {
	d.mu.Lock()
	tx := d.tx
	d.mu.Unlock()
	if tx == nil {
		return &HardwareError{Code: CodeStopped, Err: ErrStopped}
	}
	return tx.Enqueue(fr)
}

// ReportBusError latches error flags; called by RX loops on error frames.
func (d *DeviceAdapter) ReportBusError(flags uint32) { d.busErr.Or(flags) }

func (d *DeviceAdapter) BusErrors() uint32 { return d.busErr.Swap(0) }

var _ Adapter = (*DeviceAdapter)(nil)
