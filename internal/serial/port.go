package serial

import (
	"time"

	"github.com/tarm/serial"
)

// Port is the byte stream under the adapter and the command console.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Open opens name as 8N1 at baud. With readTimeout > 0 an idle read returns
// after that long with no data, which lets receive loops notice cancellation;
// zero blocks until data arrives.
func Open(name string, baud int, readTimeout time.Duration) (Port, error) {
	return serial.OpenPort(&serial.Config{
		Name:        name,
		Baud:        baud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: readTimeout,
	})
}
