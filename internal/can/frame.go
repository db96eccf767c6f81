package can

import (
	"errors"
	"fmt"
	"strings"
)

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// Classic CAN limits.
const (
	MaxLen   = 8
	MaxStdID = CAN_SFF_MASK
	MaxExtID = CAN_EFF_MASK
)

var (
	ErrInvalidID  = errors.New("can: identifier out of range")
	ErrInvalidLen = errors.New("can: data length out of range")
)

// Frame is one classic CAN message. Only the first Len bytes of Data are
// meaningful. Timestamp is a millisecond tick stamped on receipt or on the
// transmit request; it wraps at 2^32.
type Frame struct {
	ID        uint32
	Len       uint8
	Data      [MaxLen]byte
	Extended  bool
	Remote    bool
	Timestamp uint32
}

// New builds a data frame and picks the extended format for IDs above 0x7FF.
// Payloads longer than MaxLen are kept as-is in Len so Validate rejects them.
func New(id uint32, data ...byte) Frame {
	f := Frame{ID: id, Extended: id > MaxStdID, Len: uint8(len(data))}
	copy(f.Data[:], data)
	return f
}

// IDMask returns the identifier bound implied by the frame format.
func (f Frame) IDMask() uint32 {
	if f.Extended {
		return MaxExtID
	}
	return MaxStdID
}

// Validate checks the length and the identifier bound. Nothing else is inspected.
func (f Frame) Validate() error {
	if f.Len > MaxLen {
		return fmt.Errorf("%w: %d", ErrInvalidLen, f.Len)
	}
	if f.ID > f.IDMask() {
		return fmt.Errorf("%w: 0x%X", ErrInvalidID, f.ID)
	}
	return nil
}

// Payload returns the meaningful bytes. Len values above MaxLen are clamped.
func (f *Frame) Payload() []byte {
	n := int(f.Len)
	if n > MaxLen {
		n = MaxLen
	}
	return f.Data[:n]
}

// CANID encodes the identifier with SocketCAN EFF/RTR flag bits.
func (f Frame) CANID() uint32 {
	id := f.ID & f.IDMask()
	if f.Extended {
		id |= CAN_EFF_FLAG
	}
	if f.Remote {
		id |= CAN_RTR_FLAG
	}
	return id
}

// FromCANID decodes a SocketCAN can_id into f's ID and format flags.
// It reports whether the raw value carried the error-frame flag.
func (f *Frame) FromCANID(raw uint32) (isErr bool) {
	f.Extended = raw&CAN_EFF_FLAG != 0
	f.Remote = raw&CAN_RTR_FLAG != 0
	if f.Extended {
		f.ID = raw & CAN_EFF_MASK
	} else {
		f.ID = raw & CAN_SFF_MASK
	}
	return raw&CAN_ERR_FLAG != 0
}

func (f Frame) String() string {
	var b strings.Builder
	if f.Extended {
		fmt.Fprintf(&b, "0x%08X", f.ID)
	} else {
		fmt.Fprintf(&b, "0x%03X", f.ID)
	}
	if f.Remote {
		fmt.Fprintf(&b, " [%d] RTR", f.Len)
		return b.String()
	}
	fmt.Fprintf(&b, " [%d]", f.Len)
	for _, c := range f.Payload() {
		fmt.Fprintf(&b, " %02X", c)
	}
	return b.String()
}
