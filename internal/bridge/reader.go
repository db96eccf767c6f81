package bridge

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-can-testbox/internal/can"
	"github.com/kstaniek/go-can-testbox/internal/hub"
	"github.com/kstaniek/go-can-testbox/internal/metrics"
	"github.com/kstaniek/go-can-testbox/internal/transport"
)

const readBatch = 16

// startReader decodes client frames and submits each through Send. A decode
// error other than an idle timeout ends the connection.
func (s *Server) startReader(ctxDone <-chan struct{}, conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			_ = conn.Close()
			cl.Close()
		}()
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
			_, err := s.Codec.DecodeN(conn, readBatch, func(fr can.Frame) { s.inject(fr, logger) })
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
					return
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					select {
					case <-ctxDone:
						return
					default:
						continue
					}
				}
				select {
				case <-cl.Closed:
					return
				default:
				}
				s.setError(fmt.Errorf("%w: %v", ErrConnRead, err))
				logger.Warn("client_read_error", "error", err)
				return
			}
			select {
			case <-ctxDone:
				return
			default:
			}
		}
	}()
}

func (s *Server) inject(fr can.Frame, logger *slog.Logger) {
	metrics.IncBridgeRx()
	s.totalInjected.Add(1)
	if s.Send == nil {
		return
	}
	if err := s.Send(fr); err != nil {
		s.totalSendFailures.Add(1)
		if transport.CodeOf(err) == transport.CodeNoMailbox {
			logger.Debug("inject_no_mailbox", "frame", fr.String())
			return
		}
		logger.Warn("inject_failed", "frame", fr.String(), "error", err)
	}
}
