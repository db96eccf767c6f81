package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-can-testbox/internal/can"
	"github.com/kstaniek/go-can-testbox/internal/logging"
	"github.com/kstaniek/go-can-testbox/internal/serial"
	"github.com/kstaniek/go-can-testbox/internal/socketcan"
	"github.com/kstaniek/go-can-testbox/internal/testbox"
)

// fakeSerialPort delivers queued chunks and emulates the read timeout of a
// real UART by returning (0, nil) when idle.
type fakeSerialPort struct {
	reads  chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written bytes.Buffer
	closes  int
}

func newFakeSerialPort(chunks ...[]byte) *fakeSerialPort {
	p := &fakeSerialPort{reads: make(chan []byte, len(chunks)+1), closed: make(chan struct{})}
	for _, c := range chunks {
		p.reads <- c
	}
	return p
}

func (p *fakeSerialPort) Read(b []byte) (int, error) {
	select {
	case c := <-p.reads:
		return copy(b, c), nil
	case <-p.closed:
		return 0, os.ErrClosed
	case <-time.After(5 * time.Millisecond):
		return 0, nil
	}
}

func (p *fakeSerialPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

func (p *fakeSerialPort) Close() error {
	p.mu.Lock()
	p.closes++
	p.mu.Unlock()
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *fakeSerialPort) snapshot() ([]byte, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.written.Bytes()...), p.closes
}

// fakeCANDev blocks reads until closed.
type fakeCANDev struct {
	closed chan struct{}
	once   sync.Once
	mu     sync.Mutex
	closes int
}

func (d *fakeCANDev) ReadFrame(*can.Frame) error {
	<-d.closed
	return os.ErrClosed
}

func (d *fakeCANDev) WriteFrame(can.Frame) error { return nil }

func (d *fakeCANDev) Close() error {
	d.mu.Lock()
	d.closes++
	d.mu.Unlock()
	d.once.Do(func() { close(d.closed) })
	return nil
}

// serialRxRecord builds a received record: 2D D4 LEN ID(4) PAYLOAD CHK.
func serialRxRecord(id uint32, payload ...byte) []byte {
	body := append([]byte{byte(id >> 24), byte(id >> 16), byte(id >> 8), byte(id)}, payload...)
	ln := byte(len(body) + 1)
	sum := byte(0x2D) + ln
	for _, b := range body {
		sum += b
	}
	out := append([]byte{0x2D, 0xD4, ln}, body...)
	return append(out, sum)
}

func shortRetryDelay(t *testing.T) {
	t.Helper()
	orig := openRetryDelay
	openRetryDelay = time.Millisecond
	t.Cleanup(func() { openRetryDelay = orig })
}

func startBox(t *testing.T, be *backend) (*testbox.TestBox, context.CancelFunc, <-chan error) {
	t.Helper()
	tb := testbox.New(be.adapter, testbox.WithLogger(logging.Discard()))
	if err := tb.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- be.serve(ctx, tb) }()
	t.Cleanup(func() {
		cancel()
		_ = tb.Stop()
		_ = be.close()
	})
	return tb, cancel, done
}

func waitServeEnd(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("serve did not return after cancel")
	}
}

func TestSerialBackendRetryThenServe(t *testing.T) {
	shortRetryDelay(t)
	port := newFakeSerialPort(serialRxRecord(0x123, 0xAA, 0xBB))
	var attempts int
	openSerialPort = func(name string, baud int, to time.Duration) (serial.Port, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("device busy")
		}
		return port, nil
	}
	t.Cleanup(func() { openSerialPort = serial.Open })

	cfg := validConfig()
	cfg.backend = "serial"
	cfg.serialDev = "fake"
	cfg.openRetries = 3
	be, err := initBackend(context.Background(), cfg, logging.Discard())
	if err != nil {
		t.Fatalf("initBackend: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 open attempts, got %d", attempts)
	}
	tb, cancel, done := startBox(t, be)

	f, err := tb.Receive(context.Background(), time.Second)
	if err != nil || f.ID != 0x123 || f.Len != 2 || f.Data[0] != 0xAA {
		t.Fatalf("unexpected frame %v (%v)", f, err)
	}

	if err := tb.Send(can.New(0x321, 0x01)); err != nil {
		t.Fatalf("send: %v", err)
	}
	want := serial.Codec{}.Encode(can.New(0x321, 0x01))
	deadline := time.Now().Add(time.Second)
	for {
		w, _ := port.snapshot()
		if bytes.Equal(w, want) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected % X written, got % X", want, w)
		}
		time.Sleep(2 * time.Millisecond)
	}

	cancel()
	waitServeEnd(t, done)
	if err := be.close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, closes := port.snapshot(); closes != 1 {
		t.Fatalf("expected port closed once, got %d", closes)
	}
}

func TestSerialBackendOpenGivesUp(t *testing.T) {
	shortRetryDelay(t)
	errBusy := errors.New("device busy")
	var attempts int
	openSerialPort = func(string, int, time.Duration) (serial.Port, error) {
		attempts++
		return nil, errBusy
	}
	t.Cleanup(func() { openSerialPort = serial.Open })

	cfg := validConfig()
	cfg.backend = "serial"
	cfg.openRetries = 2
	_, err := initBackend(context.Background(), cfg, logging.Discard())
	if !errors.Is(err, errBusy) {
		t.Fatalf("expected last open error, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestSocketCANBackendUnblocksOnCancel(t *testing.T) {
	dev := &fakeCANDev{closed: make(chan struct{})}
	openSocketCANDevice = func(string) (socketcan.Dev, error) { return dev, nil }
	t.Cleanup(func() {
		openSocketCANDevice = func(iface string) (socketcan.Dev, error) {
			d, err := socketcan.Open(iface)
			if err != nil {
				return nil, err
			}
			return d, nil
		}
	})

	cfg := validConfig()
	cfg.backend = "socketcan"
	be, err := initBackend(context.Background(), cfg, logging.Discard())
	if err != nil {
		t.Fatalf("initBackend: %v", err)
	}
	_, cancel, done := startBox(t, be)
	cancel()
	waitServeEnd(t, done)
	_ = be.close()
	dev.mu.Lock()
	closes := dev.closes
	dev.mu.Unlock()
	if closes != 1 {
		t.Fatalf("expected device closed once, got %d", closes)
	}
}

func TestLoopbackBackendEcho(t *testing.T) {
	cfg := validConfig()
	be, err := initBackend(context.Background(), cfg, logging.Discard())
	if err != nil {
		t.Fatalf("initBackend: %v", err)
	}
	tb, cancel, done := startBox(t, be)

	// The receive hook is installed by serve; retry until it is in place.
	var got can.Frame
	for i := 0; ; i++ {
		if err := tb.Send(can.New(0x55, 0x01)); err != nil {
			t.Fatalf("send: %v", err)
		}
		f, err := tb.Receive(context.Background(), 20*time.Millisecond)
		if err == nil {
			got = f
			break
		}
		if i == 50 {
			t.Fatalf("no frame looped back: %v", err)
		}
	}
	if got.ID != 0x55 || got.Len != 1 {
		t.Fatalf("unexpected frame %v", got)
	}
	cancel()
	waitServeEnd(t, done)
}

func TestInitBackendUnknown(t *testing.T) {
	cfg := validConfig()
	cfg.backend = "usb"
	if _, err := initBackend(context.Background(), cfg, logging.Discard()); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}
