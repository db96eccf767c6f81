package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go"

	"github.com/kstaniek/go-can-testbox/internal/can"
	"github.com/kstaniek/go-can-testbox/internal/metrics"
	"github.com/kstaniek/go-can-testbox/internal/serial"
	"github.com/kstaniek/go-can-testbox/internal/socketcan"
	"github.com/kstaniek/go-can-testbox/internal/transport"
)

// backend bundles the adapter handed to the test box with the receive loop
// that feeds it and the device cleanup.
type backend struct {
	name    string
	adapter transport.Adapter
	serve   func(ctx context.Context, rx transport.Receiver) error
	close   func() error
}

// Device openers, replaced in tests.
var (
	openSerialPort      = serial.Open
	openSocketCANDevice = func(iface string) (socketcan.Dev, error) {
		d, err := socketcan.Open(iface)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
)

// openRetryDelay is a var so tests can shorten it.
var openRetryDelay = 500 * time.Millisecond

// openWithRetry retries fn up to cfg.openRetries times; USB adapters and
// freshly configured interfaces often need a moment to appear.
func openWithRetry(ctx context.Context, cfg *appConfig, l *slog.Logger, what string, fn func() error) error {
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(uint(cfg.openRetries)),
		retry.Delay(openRetryDelay),
		retry.OnRetry(func(n uint, err error) {
			l.Warn("backend_open_retry", "device", what, "attempt", n+1, "error", err)
		}),
		retry.LastErrorOnly(true),
	)
}

// initBackend opens the configured device. The returned backend is not yet
// serving; the caller runs serve once the test box exists.
func initBackend(ctx context.Context, cfg *appConfig, l *slog.Logger) (*backend, error) {
	switch cfg.backend {
	case "serial":
		var port serial.Port
		err := openWithRetry(ctx, cfg, l, cfg.serialDev, func() error {
			p, err := openSerialPort(cfg.serialDev, cfg.baud, cfg.serialReadTO)
			if err != nil {
				return err
			}
			port = p
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("open serial %s: %w", cfg.serialDev, err)
		}
		a := serial.NewAdapter(port, cfg.mailboxes)
		l.Info("backend_ready", "backend", "serial", "device", cfg.serialDev, "baud", cfg.baud)
		return deviceBackend("serial", a, a.Serve, port.Close), nil
	case "socketcan":
		var dev socketcan.Dev
		err := openWithRetry(ctx, cfg, l, cfg.canIf, func() error {
			d, err := openSocketCANDevice(cfg.canIf)
			if err != nil {
				return err
			}
			dev = d
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("open socketcan %s: %w", cfg.canIf, err)
		}
		a := socketcan.NewAdapter(dev, cfg.mailboxes)
		l.Info("backend_ready", "backend", "socketcan", "interface", cfg.canIf)
		return deviceBackend("socketcan", a, a.Serve, dev.Close), nil
	case "loopback":
		return newLoopbackBackend(cfg.mailboxes), nil
	default:
		return nil, fmt.Errorf("unknown backend %q (use socketcan|serial|loopback)", cfg.backend)
	}
}

// deviceBackend closes the device when the serve context ends so a read
// blocked in the kernel returns; the close runs once.
func deviceBackend(name string, a transport.Adapter, serve func(context.Context, transport.Receiver) error, closeDev func() error) *backend {
	var once sync.Once
	var closeErr error
	closeOnce := func() error {
		once.Do(func() { closeErr = closeDev() })
		return closeErr
	}
	return &backend{
		name:    name,
		adapter: a,
		serve: func(ctx context.Context, rx transport.Receiver) error {
			stop := context.AfterFunc(ctx, func() { _ = closeOnce() })
			defer stop()
			return serve(ctx, rx)
		},
		close: func() error {
			_ = a.Stop()
			return closeOnce()
		},
	}
}

func newLoopbackBackend(n int) *backend {
	lb := transport.NewLoopback(n, transport.Hooks{
		OnAfter: func(can.Frame) { metrics.IncDeviceTx(metrics.BackendLoopback) },
	})
	return &backend{
		name:    "loopback",
		adapter: lb,
		serve: func(ctx context.Context, rx transport.Receiver) error {
			lb.OnReceive(func(fr can.Frame) {
				metrics.IncDeviceRx(metrics.BackendLoopback)
				rx.HandleRx(fr)
			})
			<-ctx.Done()
			lb.OnReceive(nil)
			return nil
		},
		close: func() error { return nil },
	}
}
