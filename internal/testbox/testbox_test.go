package testbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-can-testbox/internal/can"
	"github.com/kstaniek/go-can-testbox/internal/logging"
	"github.com/kstaniek/go-can-testbox/internal/transport"
)

// fakeAdapter records enqueued frames and fails the calls listed in failOn
// (1-based call numbers) with a hardware error.
type fakeAdapter struct {
	mu      sync.Mutex
	calls   int
	sent    []can.Frame
	failOn  map[int]uint32
	failAll bool
	busErr  uint32
	started bool
}

func (a *fakeAdapter) Enqueue(fr can.Frame) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.failAll {
		return &transport.HardwareError{Code: transport.CodeNoMailbox, Err: transport.ErrNoMailbox}
	}
	if code, ok := a.failOn[a.calls]; ok {
		return &transport.HardwareError{Code: code}
	}
	a.sent = append(a.sent, fr)
	return nil
}

func (a *fakeAdapter) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.started = true
	return nil
}

func (a *fakeAdapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.started = false
	return nil
}

func (a *fakeAdapter) BusErrors() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	f := a.busErr
	a.busErr = 0
	return f
}

func (a *fakeAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func (a *fakeAdapter) sentCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sent)
}

func (a *fakeAdapter) setFailAll(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failAll = v
}

func newTestBox(t *testing.T, opts ...Option) (*TestBox, *fakeAdapter, *ManualClock) {
	t.Helper()
	a := &fakeAdapter{}
	clk := NewManualClock(1000)
	opts = append([]Option{WithClock(clk), WithLogger(logging.Discard())}, opts...)
	tb := New(a, opts...)
	if err := tb.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	return tb, a, clk
}

func TestLifecycle(t *testing.T) {
	a := &fakeAdapter{}
	tb := New(a, WithLogger(logging.Discard()))
	if err := tb.Send(can.New(0x1)); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized before Start, got %v", err)
	}
	if _, err := tb.StartPeriodic(can.New(0x1), time.Second); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if err := tb.Stop(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized on stop, got %v", err)
	}
	if err := tb.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := tb.Start(); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if _, err := tb.StartPeriodic(can.New(0x1), time.Second); err != nil {
		t.Fatalf("start periodic: %v", err)
	}
	if err := tb.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if n := len(tb.ActivePeriodic()); n != 0 {
		t.Fatalf("expected Stop to clear periodic slots, %d left", n)
	}
	if a.started {
		t.Fatalf("adapter still started after Stop")
	}
}

func TestSendCountsAndErrors(t *testing.T) {
	tb, a, _ := newTestBox(t)
	a.failOn = map[int]uint32{2: 0x40}

	if err := tb.Send(can.New(0x100, 1, 2)); err != nil {
		t.Fatalf("send: %v", err)
	}
	err := tb.Send(can.New(0x100))
	var he *transport.HardwareError
	if !errors.As(err, &he) || he.Code != 0x40 {
		t.Fatalf("expected hardware error code 0x40, got %v", err)
	}
	if StatusOf(err) != StatusTransportError {
		t.Fatalf("expected transport status, got %v", StatusOf(err))
	}
	st := tb.Stats()
	if st.TxAttempts != 2 || st.TxSuccess != 1 || st.TxFailures != 1 || st.LastErrorCode != 0x40 {
		t.Fatalf("unexpected stats %+v", st)
	}
	if a.sent[0].Timestamp != 1000 {
		t.Fatalf("expected transmit timestamp 1000, got %d", a.sent[0].Timestamp)
	}
}

func TestPeriodicCapacity(t *testing.T) {
	tb, _, _ := newTestBox(t, WithCapacity(5))
	seen := map[Handle]bool{}
	for i := 0; i < 5; i++ {
		h, err := tb.StartPeriodic(can.New(uint32(0x100+i)), 100*time.Millisecond)
		if err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
		if seen[h] {
			t.Fatalf("duplicate handle %d", h)
		}
		if int(h) != i {
			t.Fatalf("expected lowest-index allocation %d, got %d", i, h)
		}
		seen[h] = true
	}
	before := tb.ActivePeriodic()
	if _, err := tb.StartPeriodic(can.New(0x200), 100*time.Millisecond); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	after := tb.ActivePeriodic()
	if len(after) != len(before) {
		t.Fatalf("registry changed on overflow: %d -> %d", len(before), len(after))
	}
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("slot %d changed on overflow", i)
		}
	}
}

func TestDefaultCapacity(t *testing.T) {
	tb, _, _ := newTestBox(t)
	if tb.Capacity() != DefaultCapacity {
		t.Fatalf("expected capacity %d, got %d", DefaultCapacity, tb.Capacity())
	}
}

func TestPeriodicStopAndReuse(t *testing.T) {
	tb, _, clk := newTestBox(t)
	h0, _ := tb.StartPeriodic(can.New(0x100), 10*time.Millisecond)
	h1, _ := tb.StartPeriodic(can.New(0x101), 10*time.Millisecond)
	clk.Advance(10 * time.Millisecond)
	tb.Tick()
	if info, _ := tb.Periodic(h0); info.SendCount != 1 {
		t.Fatalf("expected send count 1, got %d", info.SendCount)
	}
	if err := tb.StopPeriodic(h0); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := tb.StopPeriodic(h0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second stop, got %v", err)
	}
	h2, err := tb.StartPeriodic(can.New(0x102), 10*time.Millisecond)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if h2 != h0 {
		t.Fatalf("expected slot %d reused, got %d", h0, h2)
	}
	info, _ := tb.Periodic(h2)
	if info.SendCount != 0 || info.Frame.ID != 0x102 {
		t.Fatalf("expected fresh occupant, got %+v", info)
	}
	if _, err := tb.Periodic(h1); err != nil {
		t.Fatalf("other slot disturbed: %v", err)
	}
	for _, h := range []Handle{-1, Handle(tb.Capacity())} {
		if err := tb.StopPeriodic(h); !errors.Is(err, ErrNotFound) {
			t.Fatalf("handle %d: expected ErrNotFound, got %v", h, err)
		}
	}
}

func TestPeriodicDueTime(t *testing.T) {
	tb, a, clk := newTestBox(t)
	h, _ := tb.StartPeriodic(can.New(0x100), 50*time.Millisecond)
	for i := 0; i < 49; i++ {
		clk.Advance(time.Millisecond)
		tb.Tick()
	}
	if a.sentCount() != 0 {
		t.Fatalf("sent %d frames before period elapsed", a.sentCount())
	}
	clk.Advance(time.Millisecond)
	tb.Tick()
	tb.Tick()
	if a.sentCount() != 1 {
		t.Fatalf("expected exactly one transmission, got %d", a.sentCount())
	}
	if info, _ := tb.Periodic(h); info.SendCount != 1 || info.LastSendMs != 1050 {
		t.Fatalf("unexpected slot state %+v", info)
	}
}

func TestPeriodicCatchUpOnFailure(t *testing.T) {
	tb, a, clk := newTestBox(t)
	a.failOn = map[int]uint32{1: transport.CodeNoMailbox}
	h, _ := tb.StartPeriodic(can.New(0x100), 20*time.Millisecond)
	clk.Advance(20 * time.Millisecond)
	tb.Tick()
	info, _ := tb.Periodic(h)
	if info.SendCount != 0 || info.LastSendMs != 1000 {
		t.Fatalf("failure must not advance slot: %+v", info)
	}
	clk.Advance(time.Millisecond)
	tb.Tick()
	info, _ = tb.Periodic(h)
	if info.SendCount != 1 || info.LastSendMs != 1021 {
		t.Fatalf("expected retry success on next tick, got %+v", info)
	}
	if a.callCount() != 2 {
		t.Fatalf("expected 2 enqueue calls, got %d", a.callCount())
	}
	st := tb.Stats()
	if st.TxFailures != 1 || st.TxSuccess != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestValidationNeverReachesAdapter(t *testing.T) {
	tb, a, _ := newTestBox(t)
	bad := can.Frame{ID: 0x100, Len: 9}
	if err := tb.Send(bad); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("send: expected ErrInvalidParameter, got %v", err)
	}
	if _, err := tb.StartPeriodic(bad, time.Second); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("start: expected ErrInvalidParameter, got %v", err)
	}
	if _, err := tb.StartPeriodic(can.Frame{ID: 0x800}, time.Second); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("start: expected ErrInvalidParameter for std id > 0x7FF, got %v", err)
	}
	if _, err := tb.StartPeriodic(can.New(0x100), 0); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("start: expected ErrInvalidParameter for zero period, got %v", err)
	}
	h, _ := tb.StartPeriodic(can.New(0x100, 1), time.Second)
	if err := tb.ModifyPayload(h, make([]byte, 9)); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("modify payload: expected ErrInvalidParameter, got %v", err)
	}
	if err := tb.Burst(context.Background(), BurstConfig{Frame: bad, Count: 3}); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("burst: expected ErrInvalidParameter, got %v", err)
	}
	if a.callCount() != 0 {
		t.Fatalf("adapter called %d times", a.callCount())
	}
	if st := tb.Stats(); st.TxAttempts != 0 {
		t.Fatalf("validation failures must not count attempts: %+v", st)
	}
}

func TestModifyPeriodAndPayload(t *testing.T) {
	tb, a, clk := newTestBox(t)
	h, _ := tb.StartPeriodic(can.New(0x100, 1, 2, 3), 100*time.Millisecond)
	clk.Advance(40 * time.Millisecond)
	if err := tb.ModifyPeriod(h, 50*time.Millisecond); err != nil {
		t.Fatalf("modify period: %v", err)
	}
	if err := tb.ModifyPeriod(h, 0); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("expected ErrInvalidParameter, got %v", err)
	}
	if err := tb.ModifyPayload(h, []byte{0xAA, 0xBB}); err != nil {
		t.Fatalf("modify payload: %v", err)
	}
	// last send time is kept, so the new 50ms period is measured from start.
	clk.Advance(10 * time.Millisecond)
	tb.Tick()
	if a.sentCount() != 1 {
		t.Fatalf("expected fire at t0+50ms, got %d sends", a.sentCount())
	}
	got := a.sent[0]
	if got.Len != 2 || got.Data[0] != 0xAA || got.Data[1] != 0xBB || got.Data[2] != 0 {
		t.Fatalf("payload not replaced: %v", got)
	}
	if err := tb.StopPeriodic(h); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := tb.ModifyPeriod(h, time.Second); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := tb.ModifyPayload(h, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTickFiresInHandleOrder(t *testing.T) {
	tb, a, clk := newTestBox(t)
	for i := 0; i < 4; i++ {
		if _, err := tb.StartPeriodic(can.New(uint32(0x300-i)), 10*time.Millisecond); err != nil {
			t.Fatalf("start: %v", err)
		}
	}
	clk.Advance(10 * time.Millisecond)
	tb.Tick()
	if len(a.sent) != 4 {
		t.Fatalf("expected 4 sends, got %d", len(a.sent))
	}
	for i, fr := range a.sent {
		if fr.ID != uint32(0x300-i) {
			t.Fatalf("send %d out of handle order: %v", i, fr)
		}
	}
}

func TestStopAllPeriodic(t *testing.T) {
	tb, a, clk := newTestBox(t)
	for i := 0; i < 3; i++ {
		_, _ = tb.StartPeriodic(can.New(uint32(i)), 10*time.Millisecond)
	}
	tb.StopAllPeriodic()
	clk.Advance(time.Second)
	tb.Tick()
	if a.sentCount() != 0 {
		t.Fatalf("stopped slots still fired")
	}
	if len(tb.ActivePeriodic()) != 0 {
		t.Fatalf("expected no active slots")
	}
}

func TestTickSurvivesClockWrap(t *testing.T) {
	tb, a, clk := newTestBox(t)
	clk.Set(0xFFFFFFF0)
	_, _ = tb.StartPeriodic(can.New(0x100), 32*time.Millisecond)
	clk.Advance(31 * time.Millisecond)
	tb.Tick()
	if a.sentCount() != 0 {
		t.Fatalf("fired early across wrap")
	}
	clk.Advance(time.Millisecond)
	tb.Tick()
	if a.sentCount() != 1 {
		t.Fatalf("expected fire after wrap, got %d", a.sentCount())
	}
}

func TestTickSamplesBusErrors(t *testing.T) {
	tb, a, clk := newTestBox(t)
	a.busErr = 0x40
	clk.Advance(500 * time.Millisecond)
	tb.Tick()
	tb.Tick()
	st := tb.Stats()
	if st.BusErrors != 1 || st.LastErrorCode != 0x40 {
		t.Fatalf("unexpected bus error stats %+v", st)
	}
	if st.UptimeMs != 500 {
		t.Fatalf("expected uptime 500, got %d", st.UptimeMs)
	}
}

// 100ms period serviced by 10ms ticks for 250ms fires twice.
func TestPeriodicScenario(t *testing.T) {
	tb, a, clk := newTestBox(t)
	h, err := tb.StartPeriodic(can.New(0x100, 0x10, 0x20, 0x30, 0x40), 100*time.Millisecond)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	for elapsed := 10; elapsed <= 250; elapsed += 10 {
		clk.Advance(10 * time.Millisecond)
		tb.Tick()
	}
	info, _ := tb.Periodic(h)
	if info.SendCount != 2 {
		t.Fatalf("expected send count 2, got %d", info.SendCount)
	}
	if st := tb.Stats(); st.TxFailures != 0 || st.TxSuccess != 2 {
		t.Fatalf("unexpected stats %+v", st)
	}
	if a.sent[0].Timestamp != 1100 || a.sent[1].Timestamp != 1200 {
		t.Fatalf("unexpected fire times %d, %d", a.sent[0].Timestamp, a.sent[1].Timestamp)
	}
}

func TestRunTicks(t *testing.T) {
	a := &fakeAdapter{}
	tb := New(a, WithLogger(logging.Discard()))
	if err := tb.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, _ = tb.StartPeriodic(can.New(0x100), 5*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := tb.Run(ctx, time.Millisecond); err != nil {
		t.Fatalf("run: %v", err)
	}
	if a.sentCount() == 0 {
		t.Fatalf("expected periodic sends from Run")
	}
	if err := tb.Run(ctx, 0); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("expected ErrInvalidParameter for zero interval, got %v", err)
	}
}

func TestStatsReset(t *testing.T) {
	tb, _, clk := newTestBox(t)
	_ = tb.Send(can.New(0x1))
	tb.HandleRx(can.New(0x2))
	tb.HandleBusError(0x4)
	clk.Advance(time.Second)
	tb.ResetStats()
	st := tb.Stats()
	if st != (Stats{}) {
		t.Fatalf("expected zeroed stats after reset, got %+v", st)
	}
	clk.Advance(20 * time.Millisecond)
	if up := tb.Stats().UptimeMs; up != 20 {
		t.Fatalf("expected uptime re-anchored at reset, got %d", up)
	}
}

func TestStatusOf(t *testing.T) {
	cases := map[error]Status{
		nil:                        StatusOk,
		ErrQueueFull:               StatusQueueFull,
		ErrNotFound:                StatusNotFound,
		&transport.HardwareError{}: StatusTransportError,
		errors.New("x"):            StatusError,
		context.DeadlineExceeded:   StatusError,
		ErrTimeout:                 StatusTimeout,
		ErrBusy:                    StatusBusy,
	}
	for err, want := range cases {
		if got := StatusOf(err); got != want {
			t.Fatalf("StatusOf(%v) = %v, want %v", err, got, want)
		}
	}
	if StatusInvalidParameter.String() != "invalid_parameter" || Status(99).String() != "unknown" {
		t.Fatalf("unexpected status names")
	}
}
