package transport

import (
	"errors"
	"fmt"
	"io"

	"github.com/kstaniek/go-can-testbox/internal/can"
	"github.com/kstaniek/go-can-testbox/internal/cnl"
)

// Adapter is the hardware-facing capability the test box drives.
// Enqueue must never block: it either places the frame into a free transmit
// mailbox or fails immediately with a *HardwareError.
type Adapter interface {
	Enqueue(can.Frame) error
	Start() error
	Stop() error
	// BusErrors returns the error flags latched since the previous call and clears them.
	BusErrors() uint32
}

// Receiver is fed by backend receive loops; it plays the part of the
// controller's receive and error interrupts.
type Receiver interface {
	HandleRx(can.Frame)
	HandleBusError(code uint32)
	HandleRxError(code uint32)
}

// Error codes carried by HardwareError. Bus-level flags reported by a device
// occupy the low 16 bits (linux/can/error.h classes); adapter conditions use
// the upper bits.
const (
	CodeNoMailbox uint32 = 0x00010000
	CodeStopped   uint32 = 0x00020000
	CodeDevice    uint32 = 0x00040000
	CodeGeneric   uint32 = 0x00080000
	// CodeMalformed marks a received record the backend could not decode.
	CodeMalformed uint32 = 0x00100000
)

var (
	ErrNoMailbox      = errors.New("transport: no free transmit mailbox")
	ErrStopped        = errors.New("transport: adapter not started")
	ErrAlreadyStarted = errors.New("transport: adapter already started")
)

// HardwareError is a transmit failure with the controller's error code.
type HardwareError struct {
	Code uint32
	Err  error
}

func (e *HardwareError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport: hardware error 0x%08X", e.Code)
	}
	return fmt.Sprintf("%v (code 0x%08X)", e.Err, e.Code)
}

func (e *HardwareError) Unwrap() error { return e.Err }

// CodeOf extracts the hardware code from err, or CodeGeneric for foreign errors.
func CodeOf(err error) uint32 {
	if err == nil {
		return 0
	}
	var he *HardwareError
	if errors.As(err, &he) {
		return he.Code
	}
	return CodeGeneric
}

// FrameDecoder decodes a single CAN frame from a stream.
type FrameDecoder interface {
	Decode(r io.Reader) (can.Frame, error)
}

// MultiFrameDecoder optionally drains multiple frames from a stream.
type MultiFrameDecoder interface {
	DecodeN(r io.Reader, max int, onFrame func(can.Frame)) (int, error)
}

// FrameBatchEncoder can encode batches efficiently (either to bytes or directly to writer).
type FrameBatchEncoder interface {
	Encode([]can.Frame) []byte
	EncodeTo(w io.Writer, frames []can.Frame) (int, error)
}

// Compile-time assertions that *cnl.Codec satisfies the optional capabilities.
var (
	_ FrameDecoder      = (*cnl.Codec)(nil)
	_ MultiFrameDecoder = (*cnl.Codec)(nil)
	_ FrameBatchEncoder = (*cnl.Codec)(nil)
)
