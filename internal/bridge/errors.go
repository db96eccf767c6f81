package bridge

import (
	"errors"

	"github.com/kstaniek/go-can-testbox/internal/metrics"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrListen    = errors.New("listen")
	ErrAccept    = errors.New("accept")
	ErrHandshake = errors.New("handshake")
	ErrConnRead  = errors.New("conn_read")
	ErrConnWrite = errors.New("conn_write")
	ErrContext   = errors.New("context_cancelled")
)

func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrConnRead), errors.Is(err, ErrAccept), errors.Is(err, ErrListen):
		return metrics.ErrBridgeRead
	case errors.Is(err, ErrConnWrite):
		return metrics.ErrBridgeWrite
	case errors.Is(err, ErrHandshake):
		return metrics.ErrHandshake
	default:
		return "other"
	}
}
