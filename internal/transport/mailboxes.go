package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-can-testbox/internal/can"
)

// DefaultMailboxes matches the three transmit mailboxes of a bxCAN peripheral.
const DefaultMailboxes = 3

// Mailboxes models a controller's transmit mailboxes: a fixed number of
// pending-frame slots drained in order by one worker that performs the
// blocking device write. Enqueue never waits; with every slot occupied it
// fails with CodeNoMailbox.
//
// Life-cycle:
//
//	m := NewMailboxes(ctx, 3, write, hooks)
//	m.Enqueue(frame)
//	m.Close()
//
// A slot is freed when the worker picks the frame up, before the write
// completes, so one frame may be "on the wire" in addition to n queued ones.
type Mailboxes struct {
	mu     sync.Mutex
	ch     chan can.Frame
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	write  func(can.Frame) error
	hooks  Hooks
	closed atomic.Bool
}

// Hooks let each backend keep its own metrics and logging around the shared worker.
type Hooks struct {
	// OnError is called when the device write fails (frame lost after enqueue).
	OnError func(error)
	// OnAfter is called after a successful device write.
	OnAfter func(can.Frame)
	// OnDrop is called when Enqueue finds no free mailbox.
	OnDrop func()
}

// NewMailboxes starts the worker. n < 1 falls back to DefaultMailboxes.
func NewMailboxes(parent context.Context, n int, write func(can.Frame) error, hooks Hooks) *Mailboxes {
	if n < 1 {
		n = DefaultMailboxes
	}
	ctx, cancel := context.WithCancel(parent)
	m := &Mailboxes{
		ch:     make(chan can.Frame, n),
		ctx:    ctx,
		cancel: cancel,
		write:  write,
		hooks:  hooks,
	}
	m.wg.Add(1)
	go m.loop()
	return m
}

func (m *Mailboxes) loop() {
	defer m.wg.Done()
	for {
		select {
		case fr, ok := <-m.ch:
			if !ok {
				return
			}
			if err := m.write(fr); err != nil {
				if m.hooks.OnError != nil {
					m.hooks.OnError(err)
				}
				continue
			}
			if m.hooks.OnAfter != nil {
				m.hooks.OnAfter(fr)
			}
		case <-m.ctx.Done():
			return
		}
	}
}

// Enqueue places fr into a free mailbox or fails immediately.
func (m *Mailboxes) Enqueue(fr can.Frame) error {
	if m.closed.Load() {
		return &HardwareError{Code: CodeStopped, Err: ErrStopped}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed.Load() {
		return &HardwareError{Code: CodeStopped, Err: ErrStopped}
	}
	select {
	case m.ch <- fr:
		return nil
	default:
		if m.hooks.OnDrop != nil {
			m.hooks.OnDrop()
		}
		return &HardwareError{Code: CodeNoMailbox, Err: ErrNoMailbox}
	}
}

// Pending reports how many mailboxes are occupied.
func (m *Mailboxes) Pending() int { return len(m.ch) }

// Close stops the worker; frames still queued are discarded.
func (m *Mailboxes) Close() {
	if m.closed.Swap(true) {
		return
	}
	m.cancel()
	m.mu.Lock()
	close(m.ch)
	m.mu.Unlock()
	m.wg.Wait()
}
