// Package serial drives a UART-attached CAN controller speaking the Ampio
// framing: every record is 2D D4 LEN BODY CHK, where LEN counts BODY plus
// the checksum and CHK = 0x2D + LEN + sum(BODY) (mod 256).
//
// Transmit bodies are INS(1) FLAGS(1) ID(4) PAYLOAD(0..8). Received bodies are
// ID(4) PAYLOAD(0..8) with the ID in SocketCAN can_id form, so error frames
// arrive with CAN_ERR_FLAG set and the error class in the identifier bits.
package serial

import (
	"bytes"
	"encoding/binary"

	"github.com/kstaniek/go-can-testbox/internal/can"
	"github.com/kstaniek/go-can-testbox/internal/metrics"
	"github.com/kstaniek/go-can-testbox/internal/transport"
)

const (
	pre0 = 0x2D
	pre1 = 0xD4

	insSend = 2

	flagExtended = 0x80
	flagRemote   = 0x40

	// received LEN = ID(4) + PAYLOAD(0..8) + CHK(1)
	minRxLen = 4 + 0 + 1
	maxRxLen = 4 + can.MaxLen + 1
)

type Codec struct{}

// CompactBuffer reclaims consumed prefix capacity when the buffer has grown
// large relative to its unread bytes. It reports whether it compacted.
func CompactBuffer(b *bytes.Buffer) bool {
	data := b.Bytes()
	if len(data) < 1024 {
		return false
	}
	// Cap covers the consumed prefix too; cap(data) does not.
	if len(data)*4 < b.Cap() {
		clone := make([]byte, len(data))
		copy(clone, data)
		*b = *bytes.NewBuffer(clone)
		return true
	}
	return false
}

// envelope wraps body as 2D D4 LEN BODY CHK.
func envelope(body []byte) []byte {
	n := len(body)
	out := make([]byte, n+4)
	out[0] = pre0
	out[1] = pre1
	out[2] = byte(n + 1)
	sum := out[2] + pre0
	for i, b := range body {
		out[3+i] = b
		sum += b
	}
	out[3+n] = sum
	return out
}

// Encode builds the transmit record for f. Remote frames carry their length
// in FLAGS but no payload bytes.
func (Codec) Encode(f can.Frame) []byte {
	payload := f.Payload()
	if f.Remote {
		payload = nil
	}
	body := make([]byte, 6+len(payload))
	body[0] = insSend
	body[1] = f.Len & 0x0F
	if f.Extended {
		body[1] |= flagExtended
	}
	if f.Remote {
		body[1] |= flagRemote
	}
	binary.BigEndian.PutUint32(body[2:6], f.ID&f.IDMask())
	copy(body[6:], payload)
	return envelope(body)
}

// DecodeStream consumes every complete record in in and feeds rx: data
// frames to HandleRx, error frames to HandleBusError and records with a bad
// length or checksum to HandleRxError. A trailing partial record stays
// buffered for the next call. It returns the number of data frames delivered.
func (Codec) DecodeStream(in *bytes.Buffer, rx transport.Receiver) int {
	header := []byte{pre0, pre1}
	var frames int
	for {
		_ = CompactBuffer(in)
		data := in.Bytes()
		if len(data) < 3 {
			return frames
		}
		i := bytes.Index(data, header)
		if i < 0 {
			// keep the last byte in case it is the first half of a preamble
			if in.Len() > 1 {
				last := data[len(data)-1]
				in.Reset()
				_ = in.WriteByte(last)
			}
			return frames
		}
		if i > 0 {
			in.Next(i)
			continue
		}
		ln := int(data[2])
		if ln < minRxLen || ln > maxRxLen {
			malformed(rx)
			in.Next(1)
			continue
		}
		total := 3 + ln
		if len(data) < total {
			return frames
		}
		sum := uint(pre0) + uint(data[2])
		for _, b := range data[3 : total-1] {
			sum += uint(b)
		}
		if byte(sum) != data[total-1] {
			malformed(rx)
			in.Next(1)
			continue
		}

		var f can.Frame
		raw := binary.BigEndian.Uint32(data[3:7])
		if f.FromCANID(raw) {
			rx.HandleBusError(raw & can.CAN_EFF_MASK)
			in.Next(total)
			continue
		}
		payload := data[7 : total-1]
		f.Len = uint8(len(payload))
		copy(f.Data[:], payload)
		in.Next(total)
		metrics.IncDeviceRx(metrics.BackendSerial)
		rx.HandleRx(f)
		frames++
	}
}

func malformed(rx transport.Receiver) {
	metrics.IncMalformed()
	rx.HandleRxError(transport.CodeMalformed)
}
