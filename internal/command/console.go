package command

import (
	"context"
	"errors"
	"io"

	"github.com/kstaniek/go-can-testbox/internal/metrics"
)

// Serve reads command bytes from r until ctx is done or r ends. The read
// runs on its own goroutine so a blocking reader such as stdin cannot hold
// up shutdown. io.EOF is a clean end.
func (d *Dispatcher) Serve(ctx context.Context, r io.Reader) error {
	type chunk struct {
		b   []byte
		err error
	}
	ch := make(chan chunk)
	go func() {
		buf := make([]byte, 64)
		for {
			n, err := r.Read(buf)
			var b []byte
			if n > 0 {
				b = append(b, buf[:n]...)
			}
			select {
			case ch <- chunk{b, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	d.logger.Info("console_ready", "commands", len(d.table))
	defer d.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-ch:
			for _, b := range c.b {
				_ = d.Dispatch(ctx, b)
			}
			if c.err != nil {
				if errors.Is(c.err, io.EOF) {
					return nil
				}
				metrics.IncError(metrics.ErrConsole)
				return c.err
			}
		}
	}
}
