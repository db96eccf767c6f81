// Package cnl implements the cannelloni TCP framing used by the test box
// bridge: a fixed hello exchange followed by a stream of
// (CAN ID, length, payload) records.
package cnl

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kstaniek/go-can-testbox/internal/can"
	"github.com/kstaniek/go-can-testbox/internal/metrics"
)

// Codec encodes/decodes cannelloni frames. Stateless and safe for concurrent use.
type Codec struct{}

// recordLen is the worst-case wire size of one classic frame.
const recordLen = 4 + 1 + can.MaxLen

var (
	// ErrInvalidLength is returned when a frame length (DLC) is outside 0..8.
	ErrInvalidLength = errors.New("cannelloni: invalid length")
	// ErrTruncatedFrame is returned when the underlying reader ends mid-frame.
	ErrTruncatedFrame = errors.New("cannelloni: truncated frame")
	// ErrErrorFrame is returned for records carrying the error-frame flag;
	// peers may not inject bus errors.
	ErrErrorFrame = errors.New("cannelloni: error frame")
)

// Encode packs frames into a single cannelloni packet.
func (c *Codec) Encode(frames []can.Frame) []byte {
	if len(frames) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.Grow(len(frames) * recordLen)
	_, _ = c.EncodeTo(&buf, frames)
	return buf.Bytes()
}

// EncodeTo writes the wire representation of frames to w and returns bytes written.
// Each frame is: 4-byte BE can_id with EFF/RTR flags, 1-byte length, payload.
// Remote frames carry their length but no payload bytes.
func (c *Codec) EncodeTo(w io.Writer, frames []can.Frame) (int, error) {
	var rec [recordLen]byte
	var total int
	for i := range frames {
		f := &frames[i]
		binary.BigEndian.PutUint32(rec[:4], f.CANID())
		rec[4] = f.Len & 0x7F
		n := 5
		if !f.Remote {
			n += copy(rec[5:], f.Payload())
		}
		wn, err := w.Write(rec[:n])
		total += wn
		if err != nil {
			return total, fmt.Errorf("cannelloni encode: %w", err)
		}
	}
	return total, nil
}

// Decode reads exactly one frame from r.
// It returns io.EOF if called at a clean frame boundary and no more data is available.
func (c *Codec) Decode(r io.Reader) (can.Frame, error) {
	var f can.Frame
	var hdr [5]byte
	if n, err := io.ReadFull(r, hdr[:]); err != nil {
		if n > 0 && errors.Is(err, io.ErrUnexpectedEOF) {
			metrics.IncMalformed()
			return f, fmt.Errorf("cannelloni decode header: %w", ErrTruncatedFrame)
		}
		return f, err
	}
	if f.FromCANID(binary.BigEndian.Uint32(hdr[:4])) {
		metrics.IncMalformed()
		return f, ErrErrorFrame
	}
	ln := int(hdr[4] & 0x7F) // high bit reserved
	if ln > can.MaxLen {
		metrics.IncMalformed()
		return f, fmt.Errorf("cannelloni decode: %w (%d)", ErrInvalidLength, ln)
	}
	f.Len = uint8(ln)
	if ln == 0 || f.Remote {
		return f, nil
	}
	if _, err := io.ReadFull(r, f.Data[:ln]); err != nil {
		metrics.IncMalformed()
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return f, fmt.Errorf("cannelloni decode payload: %w", ErrTruncatedFrame)
		}
		return f, fmt.Errorf("cannelloni decode payload: %w", err)
	}
	return f, nil
}

// DecodeN decodes up to max frames (if max>0) or until EOF (if max<=0) invoking onFrame for each.
// It returns the number of frames decoded and the terminal error (which can be io.EOF).
func (c *Codec) DecodeN(r io.Reader, max int, onFrame func(can.Frame)) (int, error) {
	var n int
	for max <= 0 || n < max {
		fr, err := c.Decode(r)
		if err != nil {
			return n, err
		}
		onFrame(fr)
		n++
	}
	return n, nil
}
