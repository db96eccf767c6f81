package testbox

import (
	"context"
	"time"

	"github.com/kstaniek/go-can-testbox/internal/can"
	"github.com/kstaniek/go-can-testbox/internal/metrics"
	"github.com/kstaniek/go-can-testbox/internal/transport"
)

// RxCallback receives frames from the reception path. It runs on the
// backend's receive goroutine and must not block.
type RxCallback func(can.Frame)

// SetRxCallback registers fn; while set, frames bypass the inbox. nil unregisters.
func (tb *TestBox) SetRxCallback(fn RxCallback) {
	if fn == nil {
		tb.callback.Store(nil)
		return
	}
	tb.callback.Store(&fn)
}

// HandleRx is the receive-interrupt entry point. The frame is timestamped and
// counted, then either handed to the callback or queued in the inbox; when the
// inbox is full the frame is dropped.
func (tb *TestBox) HandleRx(f can.Frame) {
	f.Timestamp = tb.clock.NowMs()
	tb.stats.recordRx()
	if cb := tb.callback.Load(); cb != nil {
		(*cb)(f)
		return
	}
	select {
	case tb.inbox <- f:
	default:
		metrics.IncInboxDrop()
	}
}

// HandleBusError is the error-interrupt entry point.
func (tb *TestBox) HandleBusError(code uint32) {
	tb.stats.recordBusError(code)
	tb.logger.Debug("bus_error", "code", code)
}

// HandleRxError records a frame the device delivered but could not decode.
func (tb *TestBox) HandleRxError(code uint32) {
	tb.stats.recordRxError(code)
}

// Receive takes the oldest frame from the inbox. timeout == 0 polls
// (ErrQueueEmpty when nothing is queued), timeout > 0 waits at most that long
// (ErrTimeout), timeout < 0 waits until ctx is done.
func (tb *TestBox) Receive(ctx context.Context, timeout time.Duration) (can.Frame, error) {
	if timeout == 0 {
		select {
		case f := <-tb.inbox:
			return f, nil
		default:
			return can.Frame{}, ErrQueueEmpty
		}
	}
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case f := <-tb.inbox:
		return f, nil
	case <-expired:
		return can.Frame{}, ErrTimeout
	case <-ctx.Done():
		return can.Frame{}, ctx.Err()
	}
}

// InboxLen reports how many frames are waiting.
func (tb *TestBox) InboxLen() int { return len(tb.inbox) }

var _ transport.Receiver = (*TestBox)(nil)
