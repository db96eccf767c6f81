package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/kstaniek/go-can-testbox/internal/bridge"
	"github.com/kstaniek/go-can-testbox/internal/command"
	"github.com/kstaniek/go-can-testbox/internal/metrics"
	"github.com/kstaniek/go-can-testbox/internal/testbox"
)

func main() {
	cfg, showVersion, err := parseArgs(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if showVersion {
		fmt.Printf("can-testbox %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, l); err != nil {
		l.Error("exit_error", "error", err)
		os.Exit(1)
	}
	l.Info("shutdown_complete")
}

// run opens the backend, starts the test box and every enabled surface, and
// blocks until ctx is cancelled or one of them fails.
func run(ctx context.Context, cfg *appConfig, l *slog.Logger) error {
	be, err := initBackend(ctx, cfg, l)
	if err != nil {
		return err
	}
	defer func() {
		if err := be.close(); err != nil {
			l.Warn("backend_close_error", "error", err)
		}
	}()

	tb := testbox.New(be.adapter,
		testbox.WithCapacity(cfg.slots),
		testbox.WithInboxSize(cfg.inbox),
		testbox.WithLogger(l),
	)
	if err := tb.Start(); err != nil {
		return fmt.Errorf("start test box: %w", err)
	}
	defer func() { _ = tb.Stop() }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return tb.Run(gctx, cfg.tick) })
	g.Go(func() error { return be.serve(gctx, tb) })

	var srv *bridge.Server
	if cfg.listenAddr != "" {
		srv = bridge.NewServer(
			bridge.WithListenAddr(cfg.listenAddr),
			bridge.WithHub(initHub(cfg, l)),
			bridge.WithSend(tb.Send),
			bridge.WithLogger(l),
			bridge.WithMaxClients(cfg.maxClients),
			bridge.WithHandshakeTimeout(cfg.handshakeTO),
			bridge.WithReadDeadline(cfg.clientReadTO),
		)
		tb.SetRxCallback(srv.Observe)
		g.Go(func() error { return srv.Serve(gctx) })
		g.Go(func() error { return advertise(gctx, cfg, srv, l) })
	}

	if cfg.console != "" {
		in, out, closeConsole, err := openConsole(cfg)
		if err != nil {
			return err
		}
		defer closeConsole()
		presets := []command.Preset(cfg.presets)
		if len(presets) == 0 {
			presets = command.DefaultPresets
		}
		d := command.New(tb, out, command.WithPresets(presets), command.WithLogger(l))
		g.Go(func() error { return d.Serve(gctx, in) })
	}

	if cfg.logMetricsEvery > 0 {
		g.Go(func() error { return runMetricsLogger(gctx, cfg.logMetricsEvery, tb, l) })
	}

	metrics.SetReadinessFunc(func() bool {
		if srv != nil {
			select {
			case <-srv.Ready():
			default:
				return false
			}
		}
		return tb.Running() && gctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		httpSrv := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = httpSrv.Shutdown(context.Background()) }()
	}

	l.Info("testbox_running", "backend", be.name, "slots", tb.Capacity(), "tick", cfg.tick)
	err = g.Wait()
	if ctx.Err() != nil {
		l.Info("shutdown_signal")
	}
	return err
}

// openConsole opens the command console: stdin/stdout for "-", otherwise a
// serial line used in both directions. The line is opened without a read
// timeout so an idle console blocks instead of reporting EOF.
func openConsole(cfg *appConfig) (io.Reader, io.Writer, func(), error) {
	if cfg.console == "-" {
		return os.Stdin, os.Stdout, func() {}, nil
	}
	p, err := openSerialPort(cfg.console, cfg.consoleBaud, 0)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open console %s: %w", cfg.console, err)
	}
	return p, p, func() { _ = p.Close() }, nil
}

// advertise registers the bridge over mDNS once its listener is bound.
// Registration failure is logged, not fatal.
func advertise(ctx context.Context, cfg *appConfig, srv *bridge.Server, l *slog.Logger) error {
	if !cfg.mdnsEnable {
		return nil
	}
	select {
	case <-srv.Ready():
	case <-ctx.Done():
		return nil
	}
	port := portOf(srv.Addr())
	cleanup, err := startMDNS(ctx, cfg, port)
	if err != nil {
		l.Warn("mdns_start_failed", "error", err)
		return nil
	}
	l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", port)
	<-ctx.Done()
	cleanup()
	return nil
}
