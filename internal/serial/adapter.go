package serial

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"time"

	"github.com/kstaniek/go-can-testbox/internal/can"
	"github.com/kstaniek/go-can-testbox/internal/logging"
	"github.com/kstaniek/go-can-testbox/internal/metrics"
	"github.com/kstaniek/go-can-testbox/internal/transport"
)

const (
	readBufSize = 4096
	// reclaimThreshold drops the accumulator's backing array once it has
	// grown past this size and is fully drained.
	reclaimThreshold = 16 * 1024
	backoffMin       = 20 * time.Millisecond
	backoffMax       = 500 * time.Millisecond
)

// sleepFn allows tests to intercept read-error backoff.
var sleepFn = time.Sleep

// Adapter is a transport.Adapter over a serial Port: transmit goes through
// the mailbox worker, receive is driven by Serve.
type Adapter struct {
	*transport.DeviceAdapter
	port  Port
	codec Codec
}

// NewAdapter wraps port with n transmit mailboxes.
func NewAdapter(port Port, n int) *Adapter {
	a := &Adapter{port: port}
	hooks := transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrSerialWrite)
			logging.L().Error("serial_write_error", "error", err)
		},
		OnAfter: func(can.Frame) { metrics.IncDeviceTx(metrics.BackendSerial) },
		OnDrop:  func() { metrics.IncError(metrics.ErrSerialOverflow) },
	}
	a.DeviceAdapter = transport.NewDeviceAdapter(a.write, n, hooks)
	return a
}

func (a *Adapter) write(fr can.Frame) error {
	_, err := a.port.Write(a.codec.Encode(fr))
	return err
}

// Serve reads the port until ctx is done or the device goes away, feeding
// decoded records to rx. Transient read errors back off exponentially.
func (a *Adapter) Serve(ctx context.Context, rx transport.Receiver) error {
	l := logging.L()
	defer l.Info("serial_rx_end")
	buf := make([]byte, readBufSize)
	acc := bytes.NewBuffer(nil)
	backoff := backoffMin
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := a.port.Read(buf)
		if n > 0 {
			acc.Write(buf[:n])
			a.codec.DecodeStream(acc, rx)
			if acc.Len() == 0 && cap(acc.Bytes()) > reclaimThreshold {
				acc = bytes.NewBuffer(nil)
			}
			backoff = backoffMin
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		var perr *os.PathError
		if errors.As(err, &perr) || errors.Is(err, os.ErrClosed) {
			return err
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			continue
		}
		metrics.IncError(metrics.ErrSerialRead)
		l.Warn("serial_read_error", "error", err, "backoff", backoff)
		sleepFn(backoff)
		backoff *= 2
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

// Close stops the transmit worker and closes the port.
func (a *Adapter) Close() error {
	_ = a.Stop()
	return a.port.Close()
}
