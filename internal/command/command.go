// Package command maps single-byte console commands onto test box
// operations. Each byte triggers one action and produces one reply line
// starting with the command byte and the resulting status.
package command

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kstaniek/go-can-testbox/internal/can"
	"github.com/kstaniek/go-can-testbox/internal/logging"
	"github.com/kstaniek/go-can-testbox/internal/metrics"
	"github.com/kstaniek/go-can-testbox/internal/testbox"
)

// Engine is the part of *testbox.TestBox the console drives.
type Engine interface {
	Send(can.Frame) error
	StartPeriodic(can.Frame, time.Duration) (testbox.Handle, error)
	StopPeriodic(testbox.Handle) error
	StopAllPeriodic()
	ActivePeriodic() []testbox.SlotInfo
	Burst(context.Context, testbox.BurstConfig) error
	Stats() testbox.Stats
	ResetStats()
}

type action struct {
	help string
	run  func(d *Dispatcher, ctx context.Context) error
}

// Dispatcher owns the command table and the handles of presets it started.
type Dispatcher struct {
	eng     Engine
	presets []Preset
	burst   testbox.BurstConfig
	logger  *slog.Logger

	outMu sync.Mutex
	out   io.Writer

	mu      sync.Mutex
	handles map[int]testbox.Handle
	table   map[byte]action
	wg      sync.WaitGroup
}

type Option func(*Dispatcher)

// WithPresets replaces DefaultPresets. At most nine are reachable ('1'..'9').
func WithPresets(p []Preset) Option {
	return func(d *Dispatcher) {
		if len(p) > 0 {
			d.presets = p
		}
	}
}

// WithBurst sets the burst fired by 'b'.
func WithBurst(cfg testbox.BurstConfig) Option { return func(d *Dispatcher) { d.burst = cfg } }

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// New builds a dispatcher writing replies to out.
func New(eng Engine, out io.Writer, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		eng:     eng,
		presets: DefaultPresets,
		out:     out,
		logger:  logging.L(),
		handles: make(map[int]testbox.Handle),
	}
	for _, o := range opts {
		o(d)
	}
	if len(d.presets) > 9 {
		d.presets = d.presets[:9]
	}
	if d.burst.Count == 0 {
		d.burst = testbox.BurstConfig{
			Frame:       d.presets[0].Frame,
			Count:       100,
			Interval:    time.Millisecond,
			IncrementID: true,
		}
	}
	d.table = d.buildTable()
	return d
}

func (d *Dispatcher) buildTable() map[byte]action {
	t := map[byte]action{
		'a': {"start every preset", (*Dispatcher).startAll},
		'x': {"stop all periodic messages", func(d *Dispatcher, _ context.Context) error {
			d.eng.StopAllPeriodic()
			d.mu.Lock()
			clear(d.handles)
			d.mu.Unlock()
			return nil
		}},
		'o': {"send preset 1 once", func(d *Dispatcher, _ context.Context) error {
			return d.eng.Send(d.presets[0].Frame)
		}},
		'b': {"run the configured burst", (*Dispatcher).startBurst},
		'p': {"print statistics", func(d *Dispatcher, _ context.Context) error {
			d.printStats()
			return nil
		}},
		'r': {"reset statistics", func(d *Dispatcher, _ context.Context) error {
			d.eng.ResetStats()
			return nil
		}},
		'l': {"list active periodic slots", func(d *Dispatcher, _ context.Context) error {
			for _, s := range d.eng.ActivePeriodic() {
				d.printf("  #%d %v every %v sent=%d\n", s.Handle, s.Frame, s.Period, s.SendCount)
			}
			return nil
		}},
		'h': {"help", func(d *Dispatcher, _ context.Context) error {
			d.printHelp()
			return nil
		}},
	}
	t['?'] = t['h']
	for i := range d.presets {
		idx := i
		t[byte('1'+i)] = action{
			help: "toggle " + d.presets[i].String(),
			run:  func(d *Dispatcher, _ context.Context) error { return d.toggle(idx) },
		}
	}
	return t
}

// Dispatch runs the command for c and writes its reply. Whitespace is
// ignored; unknown bytes reply with not_found.
func (d *Dispatcher) Dispatch(ctx context.Context, c byte) error {
	switch c {
	case ' ', '\t', '\r', '\n':
		return nil
	}
	a, ok := d.table[c]
	var err error
	if !ok {
		err = fmt.Errorf("%w: command %q", testbox.ErrNotFound, c)
	} else {
		err = a.run(d, ctx)
	}
	d.report(c, err)
	return err
}

func (d *Dispatcher) report(c byte, err error) {
	st := testbox.StatusOf(err)
	metrics.IncCommand(st.String())
	if err != nil {
		d.logger.Debug("command_failed", "cmd", string(c), "status", st.String(), "error", err)
		d.printf("%c %s: %v\n", c, st, err)
		return
	}
	d.printf("%c %s\n", c, st)
}

func (d *Dispatcher) toggle(i int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h, ok := d.handles[i]; ok {
		delete(d.handles, i)
		return d.eng.StopPeriodic(h)
	}
	p := d.presets[i]
	h, err := d.eng.StartPeriodic(p.Frame, p.Period)
	if err != nil {
		return err
	}
	d.handles[i] = h
	return nil
}

func (d *Dispatcher) startAll(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, p := range d.presets {
		if _, ok := d.handles[i]; ok {
			continue
		}
		h, err := d.eng.StartPeriodic(p.Frame, p.Period)
		if err != nil {
			return err
		}
		d.handles[i] = h
	}
	return nil
}

// startBurst runs the burst in the background; its outcome is reported as a
// second line prefixed with '*'.
func (d *Dispatcher) startBurst(ctx context.Context) error {
	cfg := d.burst
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.report('*', d.eng.Burst(ctx, cfg))
	}()
	return nil
}

func (d *Dispatcher) printStats() {
	s := d.eng.Stats()
	d.printf("  tx=%d ok=%d fail=%d rx=%d valid=%d rx_err=%d bus_err=%d last=0x%08X uptime=%dms\n",
		s.TxAttempts, s.TxSuccess, s.TxFailures, s.RxTotal, s.RxValid, s.RxErrors, s.BusErrors, s.LastErrorCode, s.UptimeMs)
}

func (d *Dispatcher) printHelp() {
	keys := make([]int, 0, len(d.table))
	for k := range d.table {
		keys = append(keys, int(k))
	}
	sort.Ints(keys)
	for _, k := range keys {
		d.printf("  %c  %s\n", k, d.table[byte(k)].help)
	}
}

func (d *Dispatcher) printf(format string, args ...any) {
	d.outMu.Lock()
	defer d.outMu.Unlock()
	_, _ = fmt.Fprintf(d.out, format, args...)
}

// Wait blocks until background bursts have finished.
func (d *Dispatcher) Wait() { d.wg.Wait() }
