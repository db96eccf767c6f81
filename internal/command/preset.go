package command

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-can-testbox/internal/can"
)

// Preset is a pre-defined periodic message the console can toggle.
type Preset struct {
	Frame  can.Frame
	Period time.Duration
}

func (p Preset) String() string { return fmt.Sprintf("%v every %v", p.Frame, p.Period) }

// DefaultPresets mirror a typical bench setup: a fast standard-ID heartbeat,
// a slower status frame and a J1939-style extended frame.
var DefaultPresets = []Preset{
	{Frame: can.New(0x100, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08), Period: 100 * time.Millisecond},
	{Frame: can.New(0x200, 0x10, 0x20, 0x30, 0x40), Period: 500 * time.Millisecond},
	{Frame: can.New(0x18FF50E5, 0xAA, 0x55), Period: time.Second},
}

// ParsePreset reads ID#DATA@PERIOD, e.g. "123#DEADBEEF@100ms". IDs longer
// than three hex digits use the extended format; "R" as DATA makes a remote
// frame ("7DF#R@1s").
func ParsePreset(s string) (Preset, error) {
	head, period, ok := strings.Cut(strings.TrimSpace(s), "@")
	if !ok {
		return Preset{}, fmt.Errorf("preset %q: missing @period", s)
	}
	d, err := time.ParseDuration(period)
	if err != nil {
		return Preset{}, fmt.Errorf("preset %q: %w", s, err)
	}
	fr, err := ParseFrame(head)
	if err != nil {
		return Preset{}, err
	}
	return Preset{Frame: fr, Period: d}, nil
}

// ParseFrame reads the candump-style ID#DATA notation.
func ParseFrame(s string) (can.Frame, error) {
	idStr, data, ok := strings.Cut(s, "#")
	if !ok {
		return can.Frame{}, fmt.Errorf("frame %q: missing #", s)
	}
	id, err := strconv.ParseUint(idStr, 16, 32)
	if err != nil {
		return can.Frame{}, fmt.Errorf("frame %q: id: %w", s, err)
	}
	fr := can.Frame{ID: uint32(id), Extended: len(idStr) > 3}
	if strings.EqualFold(data, "R") {
		fr.Remote = true
	} else {
		b, err := hex.DecodeString(data)
		if err != nil {
			return can.Frame{}, fmt.Errorf("frame %q: data: %w", s, err)
		}
		if len(b) > can.MaxLen {
			return can.Frame{}, fmt.Errorf("frame %q: %w: %d", s, can.ErrInvalidLen, len(b))
		}
		fr.Len = uint8(copy(fr.Data[:], b))
	}
	if err := fr.Validate(); err != nil {
		return can.Frame{}, fmt.Errorf("frame %q: %w", s, err)
	}
	return fr, nil
}
