package testbox

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/kstaniek/go-can-testbox/internal/can"
	"github.com/kstaniek/go-can-testbox/internal/metrics"
)

// Handle identifies a periodic slot; it is the slot's index.
type Handle int

// SlotInfo is a read-only view of an enabled periodic slot.
type SlotInfo struct {
	Handle     Handle
	Frame      can.Frame
	Period     time.Duration
	SendCount  uint64
	LastSendMs uint32
}

type slot struct {
	frame    can.Frame
	periodMs uint32
	enabled  bool
	count    uint64
	lastMs   uint32
	gen      uint64
}

type dueSlot struct {
	idx   int
	gen   uint64
	frame can.Frame
}

// registry is the fixed-capacity periodic table. Every field access happens
// under mu; sends happen outside it.
type registry struct {
	mu      sync.Mutex
	slots   []slot
	nextGen uint64
	active  int

	tickMu sync.Mutex
	due    []dueSlot
}

func (r *registry) lookup(h Handle) (*slot, error) {
	if h < 0 || int(h) >= len(r.slots) || !r.slots[h].enabled {
		return nil, fmt.Errorf("%w: handle %d", ErrNotFound, h)
	}
	return &r.slots[h], nil
}

func (r *registry) info(i int) SlotInfo {
	s := &r.slots[i]
	return SlotInfo{
		Handle:     Handle(i),
		Frame:      s.frame,
		Period:     time.Duration(s.periodMs) * time.Millisecond,
		SendCount:  s.count,
		LastSendMs: s.lastMs,
	}
}

func toPeriodMs(d time.Duration) (uint32, error) {
	ms := d.Milliseconds()
	if ms < 1 || ms > math.MaxUint32/2 {
		return 0, fmt.Errorf("%w: period %v", ErrInvalidParameter, d)
	}
	return uint32(ms), nil
}

// StartPeriodic claims the lowest free slot and schedules f every period.
// The first transmission is due one full period after the call.
func (tb *TestBox) StartPeriodic(f can.Frame, period time.Duration) (Handle, error) {
	if err := validate(f); err != nil {
		return -1, err
	}
	ms, err := toPeriodMs(period)
	if err != nil {
		return -1, err
	}
	if !tb.running.Load() {
		return -1, ErrNotInitialized
	}
	r := &tb.reg
	r.mu.Lock()
	idx := -1
	for i := range r.slots {
		if !r.slots[i].enabled {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		tb.logger.Warn("periodic_full", "capacity", len(r.slots), "frame", f.String())
		return -1, fmt.Errorf("%w: all %d periodic slots in use", ErrQueueFull, len(r.slots))
	}
	r.nextGen++
	r.slots[idx] = slot{
		frame:    f,
		periodMs: ms,
		enabled:  true,
		lastMs:   tb.clock.NowMs(),
		gen:      r.nextGen,
	}
	r.active++
	active := r.active
	r.mu.Unlock()
	metrics.SetPeriodicActive(active)
	tb.logger.Info("periodic_start", "handle", idx, "frame", f.String(), "period", period)
	return Handle(idx), nil
}

// StopPeriodic disables the slot; it is reusable immediately.
func (tb *TestBox) StopPeriodic(h Handle) error {
	r := &tb.reg
	r.mu.Lock()
	s, err := r.lookup(h)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	s.enabled = false
	r.active--
	active := r.active
	r.mu.Unlock()
	metrics.SetPeriodicActive(active)
	tb.logger.Info("periodic_stop", "handle", int(h))
	return nil
}

// StopAllPeriodic disables every slot.
func (tb *TestBox) StopAllPeriodic() {
	r := &tb.reg
	r.mu.Lock()
	for i := range r.slots {
		r.slots[i].enabled = false
	}
	r.active = 0
	r.mu.Unlock()
	metrics.SetPeriodicActive(0)
	tb.logger.Info("periodic_stop_all")
}

// ModifyPeriod changes the period in place; the last send time is kept.
func (tb *TestBox) ModifyPeriod(h Handle, period time.Duration) error {
	r := &tb.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.lookup(h)
	if err != nil {
		return err
	}
	ms, err := toPeriodMs(period)
	if err != nil {
		return err
	}
	s.periodMs = ms
	return nil
}

// ModifyPayload replaces the slot's data bytes and length in place.
func (tb *TestBox) ModifyPayload(h Handle, data []byte) error {
	r := &tb.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.lookup(h)
	if err != nil {
		return err
	}
	if len(data) > can.MaxLen {
		return fmt.Errorf("%w: payload length %d", ErrInvalidParameter, len(data))
	}
	s.frame.Data = [can.MaxLen]byte{}
	copy(s.frame.Data[:], data)
	s.frame.Len = uint8(len(data))
	return nil
}

// Periodic returns the state of an enabled slot.
func (tb *TestBox) Periodic(h Handle) (SlotInfo, error) {
	r := &tb.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.lookup(h); err != nil {
		return SlotInfo{}, err
	}
	return r.info(int(h)), nil
}

// ActivePeriodic lists enabled slots in handle order.
func (tb *TestBox) ActivePeriodic() []SlotInfo {
	r := &tb.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SlotInfo, 0, r.active)
	for i := range r.slots {
		if r.slots[i].enabled {
			out = append(out, r.info(i))
		}
	}
	return out
}

// Tick runs one scheduling pass: due slots fire in ascending handle order,
// uptime is refreshed and latched bus errors are sampled. A failed periodic
// send leaves the slot's last send time alone so it retries on the next tick.
func (tb *TestBox) Tick() {
	now := tb.clock.NowMs()
	tb.stats.refreshUptime(now)
	if flags := tb.adapter.BusErrors(); flags != 0 {
		tb.stats.recordBusError(flags)
		tb.logger.Debug("bus_error", "flags", fmt.Sprintf("0x%08X", flags))
	}
	if !tb.running.Load() {
		return
	}

	r := &tb.reg
	r.tickMu.Lock()
	defer r.tickMu.Unlock()

	r.mu.Lock()
	due := r.due[:0]
	for i := range r.slots {
		s := &r.slots[i]
		if s.enabled && elapsedMs(now, s.lastMs) >= s.periodMs {
			due = append(due, dueSlot{idx: i, gen: s.gen, frame: s.frame})
		}
	}
	r.due = due
	r.mu.Unlock()

	for _, d := range due {
		if err := tb.transmit(d.frame); err != nil {
			tb.logger.Debug("periodic_tx_retry", "handle", d.idx, "error", err)
			continue
		}
		r.mu.Lock()
		if s := &r.slots[d.idx]; s.enabled && s.gen == d.gen {
			s.count++
			s.lastMs = now
		}
		r.mu.Unlock()
		metrics.IncPeriodicSend()
	}
}

// Run calls Tick every interval until ctx is cancelled.
func (tb *TestBox) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: tick interval %v", ErrInvalidParameter, interval)
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			tb.Tick()
		}
	}
}
