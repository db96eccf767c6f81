package cnl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/sync/errgroup"
)

// Hello is exchanged in both directions before any frame.
const Hello = "CANNELLONIv1"

// ErrBadHello is returned when the peer's greeting does not match Hello.
var ErrBadHello = errors.New("cannelloni: bad hello")

// Handshake sends Hello and expects the peer's within timeout. Send and
// receive run concurrently so both ends may call it at once. A failure on
// either side, or cancelling ctx, expires the deadline so the other side
// returns too. On success the deadline is cleared.
func Handshake(ctx context.Context, c net.Conn, timeout time.Duration) error {
	if err := c.SetDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	abort := func() { _ = c.SetDeadline(time.Now()) }
	stop := context.AfterFunc(ctx, abort)

	var g errgroup.Group
	g.Go(func() error {
		if _, err := io.WriteString(c, Hello); err != nil {
			abort()
			return err
		}
		return nil
	})
	g.Go(func() error {
		var buf [len(Hello)]byte
		if _, err := io.ReadFull(c, buf[:]); err != nil {
			abort()
			return err
		}
		if string(buf[:]) != Hello {
			abort()
			return fmt.Errorf("%w: %q", ErrBadHello, buf[:])
		}
		return nil
	})
	err := g.Wait()
	// stop reports false once the cancel callback has been started; the
	// deadline may then be expired at any point and the conn is unusable.
	if !stop() {
		return ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	if err := c.SetDeadline(time.Time{}); err != nil {
		return fmt.Errorf("clear deadline: %w", err)
	}
	return nil
}
