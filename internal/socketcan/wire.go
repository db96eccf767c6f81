// Package socketcan drives a Linux raw CAN socket (AF_CAN/CAN_RAW).
package socketcan

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kstaniek/go-can-testbox/internal/can"
)

// frameSize is sizeof(struct can_frame): can_id u32, len u8, 3 pad bytes, data[8].
const frameSize = 16

var (
	ErrShortRead = errors.New("socketcan: short read")
	ErrBadDLC    = errors.New("socketcan: dlc out of range")
)

// ErrorFrame is returned by ReadFrame when the kernel delivers an error
// frame; Class holds the CAN_ERR_* bits from the identifier.
type ErrorFrame struct {
	Class uint32
	Data  [can.MaxLen]byte
}

func (e *ErrorFrame) Error() string { return fmt.Sprintf("socketcan: error frame class 0x%X", e.Class) }

// marshal lays fr out as struct can_frame in host byte order.
func marshal(fr can.Frame) [frameSize]byte {
	var buf [frameSize]byte
	binary.NativeEndian.PutUint32(buf[0:4], fr.CANID())
	buf[4] = fr.Len
	if !fr.Remote {
		copy(buf[8:], fr.Payload())
	}
	return buf
}

// unmarshal parses one struct can_frame.
func unmarshal(buf []byte, fr *can.Frame) error {
	if len(buf) != frameSize {
		return fmt.Errorf("%w: %d bytes", ErrShortRead, len(buf))
	}
	raw := binary.NativeEndian.Uint32(buf[0:4])
	dlc := int(buf[4])
	if fr.FromCANID(raw) {
		ef := &ErrorFrame{Class: raw & can.CAN_EFF_MASK}
		copy(ef.Data[:], buf[8:])
		return ef
	}
	if dlc > can.MaxLen {
		return fmt.Errorf("%w: %d", ErrBadDLC, dlc)
	}
	fr.Len = uint8(dlc)
	fr.Data = [can.MaxLen]byte{}
	if !fr.Remote {
		copy(fr.Data[:], buf[8:8+dlc])
	}
	return nil
}
