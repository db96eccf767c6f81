package socketcan

import (
	"context"
	"errors"
	"time"

	"github.com/kstaniek/go-can-testbox/internal/can"
	"github.com/kstaniek/go-can-testbox/internal/logging"
	"github.com/kstaniek/go-can-testbox/internal/metrics"
	"github.com/kstaniek/go-can-testbox/internal/transport"
)

const (
	backoffMin = 20 * time.Millisecond
	backoffMax = 500 * time.Millisecond
)

// sleepFn allows tests to intercept read-error backoff.
var sleepFn = time.Sleep

// Dev is the minimal device surface used by the adapter.
// Implemented by *Device in production and by fakes in tests.
type Dev interface {
	ReadFrame(*can.Frame) error
	WriteFrame(can.Frame) error
	Close() error
}

// Adapter is a transport.Adapter over a raw CAN socket.
type Adapter struct {
	*transport.DeviceAdapter
	dev Dev
}

// NewAdapter wraps dev with n transmit mailboxes.
func NewAdapter(dev Dev, n int) *Adapter {
	hooks := transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrSocketCANWrite)
			logging.L().Warn("socketcan_write_error", "error", err)
		},
		OnAfter: func(can.Frame) { metrics.IncDeviceTx(metrics.BackendSocketCAN) },
		OnDrop:  func() { metrics.IncError(metrics.ErrSocketCANOver) },
	}
	return &Adapter{
		DeviceAdapter: transport.NewDeviceAdapter(dev.WriteFrame, n, hooks),
		dev:           dev,
	}
}

// Serve reads frames until ctx is cancelled and feeds rx. Error frames are
// reported as bus errors and undecodable frames as receive errors; other
// read failures back off.
func (a *Adapter) Serve(ctx context.Context, rx transport.Receiver) error {
	l := logging.L()
	defer l.Info("socketcan_rx_end")
	backoff := backoffMin
	for {
		if ctx.Err() != nil {
			return nil
		}
		var fr can.Frame
		err := a.dev.ReadFrame(&fr)
		if err == nil {
			metrics.IncDeviceRx(metrics.BackendSocketCAN)
			rx.HandleRx(fr)
			backoff = backoffMin
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		var ef *ErrorFrame
		switch {
		case errors.As(err, &ef):
			rx.HandleBusError(ef.Class)
			continue
		case errors.Is(err, ErrShortRead), errors.Is(err, ErrBadDLC):
			metrics.IncMalformed()
			rx.HandleRxError(transport.CodeMalformed)
			continue
		}
		metrics.IncError(metrics.ErrSocketCANRead)
		l.Warn("socketcan_read_error", "error", err, "backoff", backoff)
		sleepFn(backoff)
		backoff *= 2
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

// Close stops the transmit worker and closes the socket.
func (a *Adapter) Close() error {
	_ = a.Stop()
	return a.dev.Close()
}
