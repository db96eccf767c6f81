package testbox

import (
	"errors"

	"github.com/kstaniek/go-can-testbox/internal/transport"
)

// Sentinel errors returned by TestBox operations. A nil error is Ok.
// Transmit failures are *transport.HardwareError values instead.
var (
	ErrGeneric          = errors.New("testbox: error")
	ErrBusy             = errors.New("testbox: busy")
	ErrTimeout          = errors.New("testbox: timeout")
	ErrInvalidParameter = errors.New("testbox: invalid parameter")
	ErrQueueFull        = errors.New("testbox: queue full")
	ErrQueueEmpty       = errors.New("testbox: queue empty")
	ErrNotInitialized   = errors.New("testbox: not initialized")
	ErrAlreadyExists    = errors.New("testbox: already exists")
	ErrNotFound         = errors.New("testbox: not found")
)

// Status is the uniform result code reported to consoles and logs.
type Status int

const (
	StatusOk Status = iota
	StatusError
	StatusBusy
	StatusTimeout
	StatusInvalidParameter
	StatusQueueFull
	StatusQueueEmpty
	StatusNotInitialized
	StatusAlreadyExists
	StatusNotFound
	StatusTransportError
)

var statusNames = [...]string{
	StatusOk:               "ok",
	StatusError:            "error",
	StatusBusy:             "busy",
	StatusTimeout:          "timeout",
	StatusInvalidParameter: "invalid_parameter",
	StatusQueueFull:        "queue_full",
	StatusQueueEmpty:       "queue_empty",
	StatusNotInitialized:   "not_initialized",
	StatusAlreadyExists:    "already_exists",
	StatusNotFound:         "not_found",
	StatusTransportError:   "transport_error",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

// StatusOf classifies err into a Status.
func StatusOf(err error) Status {
	var he *transport.HardwareError
	switch {
	case err == nil:
		return StatusOk
	case errors.As(err, &he):
		return StatusTransportError
	case errors.Is(err, ErrBusy):
		return StatusBusy
	case errors.Is(err, ErrTimeout):
		return StatusTimeout
	case errors.Is(err, ErrInvalidParameter):
		return StatusInvalidParameter
	case errors.Is(err, ErrQueueFull):
		return StatusQueueFull
	case errors.Is(err, ErrQueueEmpty):
		return StatusQueueEmpty
	case errors.Is(err, ErrNotInitialized):
		return StatusNotInitialized
	case errors.Is(err, ErrAlreadyExists):
		return StatusAlreadyExists
	case errors.Is(err, ErrNotFound):
		return StatusNotFound
	default:
		return StatusError
	}
}
