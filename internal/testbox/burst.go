package testbox

import (
	"context"
	"fmt"
	"time"

	"github.com/kstaniek/go-can-testbox/internal/can"
	"github.com/kstaniek/go-can-testbox/internal/metrics"
)

// BurstConfig describes Count back-to-back sends of Frame.
type BurstConfig struct {
	Frame    can.Frame
	Count    int
	Interval time.Duration
	// IncrementID adds one to the identifier after each send, wrapping inside
	// the 11/29-bit bound.
	IncrementID bool
	// IncrementData adds one to every payload byte after each send (per-byte wrap).
	IncrementData bool
}

// sleepFn allows tests to intercept inter-frame delays.
var sleepFn = func(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Burst sends cfg.Count frames, sleeping cfg.Interval between them. It blocks
// for the whole burst and stops at the first failed send, returning that
// error; the statistics show how far it got. Only one burst runs at a time.
func (tb *TestBox) Burst(ctx context.Context, cfg BurstConfig) error {
	if err := validate(cfg.Frame); err != nil {
		return err
	}
	if cfg.Count < 1 || cfg.Count > MaxBurstCount {
		return fmt.Errorf("%w: burst count %d (1..%d)", ErrInvalidParameter, cfg.Count, MaxBurstCount)
	}
	if cfg.Interval < 0 {
		return fmt.Errorf("%w: burst interval %v", ErrInvalidParameter, cfg.Interval)
	}
	if !tb.running.Load() {
		return ErrNotInitialized
	}
	if !tb.bursting.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer tb.bursting.Store(false)

	tb.logger.Info("burst_start", "frame", cfg.Frame.String(), "count", cfg.Count, "interval", cfg.Interval)
	f := cfg.Frame
	for i := 0; i < cfg.Count; i++ {
		if err := tb.transmit(f); err != nil {
			tb.logger.Warn("burst_abort", "sent", i, "count", cfg.Count, "error", err)
			return err
		}
		metrics.IncBurstFrame()
		if i == cfg.Count-1 {
			break
		}
		if cfg.IncrementID {
			f.ID = (f.ID + 1) & f.IDMask()
		}
		if cfg.IncrementData {
			for j := range f.Data[:f.Len] {
				f.Data[j]++
			}
		}
		if err := sleepFn(ctx, cfg.Interval); err != nil {
			tb.logger.Warn("burst_cancelled", "sent", i+1, "count", cfg.Count)
			return err
		}
	}
	tb.logger.Info("burst_done", "count", cfg.Count)
	return nil
}
