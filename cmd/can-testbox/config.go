package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/kstaniek/go-can-testbox/internal/command"
	"github.com/kstaniek/go-can-testbox/internal/testbox"
	"github.com/kstaniek/go-can-testbox/internal/transport"
)

const envPrefix = "TESTBOX_"

type appConfig struct {
	backend      string
	canIf        string
	serialDev    string
	baud         int
	serialReadTO time.Duration
	openRetries  int

	tick      time.Duration
	slots     int
	inbox     int
	mailboxes int
	presets   presetList

	listenAddr   string
	hubBuffer    int
	hubPolicy    string
	maxClients   int
	handshakeTO  time.Duration
	clientReadTO time.Duration

	console     string
	consoleBaud int

	metricsAddr     string
	logMetricsEvery time.Duration
	logFormat       string
	logLevel        string
	mdnsEnable      bool
	mdnsName        string
}

// presetList collects -preset values; a comma separates several in one value
// so the environment can carry a list.
type presetList []command.Preset

func (p *presetList) String() string {
	if p == nil {
		return ""
	}
	parts := make([]string, len(*p))
	for i, pr := range *p {
		parts[i] = pr.String()
	}
	return strings.Join(parts, ",")
}

func (p *presetList) Set(v string) error {
	for _, s := range strings.Split(v, ",") {
		if strings.TrimSpace(s) == "" {
			continue
		}
		pr, err := command.ParsePreset(s)
		if err != nil {
			return err
		}
		*p = append(*p, pr)
	}
	return nil
}

// emptyEnvAllowed lists flags whose empty value is meaningful (it disables
// the feature), so an empty environment variable still overrides them.
var emptyEnvAllowed = map[string]bool{
	"listen":       true,
	"console":      true,
	"metrics-addr": true,
}

func newFlagSet(cfg *appConfig, showVersion *bool) *flag.FlagSet {
	fs := flag.NewFlagSet("can-testbox", flag.ContinueOnError)
	fs.StringVar(&cfg.backend, "backend", "socketcan", "CAN backend: socketcan|serial|loopback")
	fs.StringVar(&cfg.canIf, "can-if", "can0", "SocketCAN interface (when -backend=socketcan)")
	fs.StringVar(&cfg.serialDev, "serial", "/dev/ttyUSB0", "Serial CAN adapter device (when -backend=serial)")
	fs.IntVar(&cfg.baud, "baud", 115200, "Serial CAN adapter baud rate")
	fs.DurationVar(&cfg.serialReadTO, "serial-read-timeout", 50*time.Millisecond, "Serial read timeout")
	fs.IntVar(&cfg.openRetries, "open-retries", 5, "Attempts to open the CAN device before giving up")
	fs.DurationVar(&cfg.tick, "tick", time.Millisecond, "Scheduler tick interval")
	fs.IntVar(&cfg.slots, "slots", testbox.DefaultCapacity, "Periodic message slots")
	fs.IntVar(&cfg.inbox, "inbox", testbox.DefaultInboxSize, "Receive inbox capacity (frames)")
	fs.IntVar(&cfg.mailboxes, "mailboxes", transport.DefaultMailboxes, "Transmit mailboxes")
	fs.Var(&cfg.presets, "preset", "Console preset ID#DATA@PERIOD (repeatable)")
	fs.StringVar(&cfg.listenAddr, "listen", ":20000", "Cannelloni bridge TCP listen address; empty disables")
	fs.IntVar(&cfg.hubBuffer, "hub-buffer", 512, "Per-client bridge buffer (frames)")
	fs.StringVar(&cfg.hubPolicy, "hub-policy", "drop", "Backpressure policy: drop|kick")
	fs.IntVar(&cfg.maxClients, "max-clients", 0, "Maximum simultaneous bridge clients (0 = unlimited)")
	fs.DurationVar(&cfg.handshakeTO, "handshake-timeout", 3*time.Second, "Client handshake timeout")
	fs.DurationVar(&cfg.clientReadTO, "client-read-timeout", 60*time.Second, "Per-connection read deadline")
	fs.StringVar(&cfg.console, "console", "", "Command console: serial device, - for stdin, empty disables")
	fs.IntVar(&cfg.consoleBaud, "console-baud", 115200, "Command console baud rate")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters")
	fs.StringVar(&cfg.logFormat, "log-format", "text", "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.BoolVar(&cfg.mdnsEnable, "mdns-enable", false, "Advertise the bridge over mDNS")
	fs.StringVar(&cfg.mdnsName, "mdns-name", "", "mDNS instance name (default can-testbox-<hostname>)")
	fs.BoolVar(showVersion, "version", false, "Print version and exit")
	return fs
}

// parseArgs parses flags, applies TESTBOX_* environment overrides and
// validates the result. An explicitly set flag wins over the environment.
func parseArgs(args []string, stderr io.Writer) (*appConfig, bool, error) {
	cfg := &appConfig{}
	var showVersion bool
	fs := newFlagSet(cfg, &showVersion)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}
	if showVersion {
		return cfg, true, nil
	}
	set := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = struct{}{} })
	if err := applyEnvOverrides(fs, set); err != nil {
		return nil, false, fmt.Errorf("environment override: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, false, fmt.Errorf("configuration: %w", err)
	}
	return cfg, false, nil
}

// envName maps a flag name to its environment variable (log-level -> TESTBOX_LOG_LEVEL).
func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// applyEnvOverrides feeds TESTBOX_* variables through the flag parsers for
// every flag not set on the command line. The first parse error is returned.
func applyEnvOverrides(fs *flag.FlagSet, set map[string]struct{}) error {
	var firstErr error
	fs.VisitAll(func(f *flag.Flag) {
		if _, ok := set[f.Name]; ok || f.Name == "version" {
			return
		}
		v, ok := os.LookupEnv(envName(f.Name))
		if !ok {
			return
		}
		v = strings.TrimSpace(v)
		if v == "" && !emptyEnvAllowed[f.Name] {
			return
		}
		if err := f.Value.Set(v); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("invalid %s: %w", envName(f.Name), err)
		}
	})
	return firstErr
}

// validate performs semantic validation of the parsed configuration.
// It does not open devices or listeners.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.backend {
	case "socketcan", "serial", "loopback":
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	switch c.hubPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	switch {
	case c.hubBuffer <= 0:
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	case c.baud <= 0:
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	case c.consoleBaud <= 0:
		return fmt.Errorf("console-baud must be > 0 (got %d)", c.consoleBaud)
	case c.serialReadTO <= 0:
		return errors.New("serial-read-timeout must be > 0")
	case c.openRetries < 1:
		return fmt.Errorf("open-retries must be >= 1 (got %d)", c.openRetries)
	case c.tick < time.Millisecond:
		return fmt.Errorf("tick must be >= 1ms (got %v)", c.tick)
	case c.slots <= 0:
		return fmt.Errorf("slots must be > 0 (got %d)", c.slots)
	case c.inbox <= 0:
		return fmt.Errorf("inbox must be > 0 (got %d)", c.inbox)
	case c.mailboxes < 1 || c.mailboxes > 32:
		return fmt.Errorf("mailboxes must be 1..32 (got %d)", c.mailboxes)
	case c.handshakeTO <= 0:
		return errors.New("handshake-timeout must be > 0")
	case c.clientReadTO <= 0:
		return errors.New("client-read-timeout must be > 0")
	case c.maxClients < 0:
		return errors.New("max-clients must be >= 0")
	case c.logMetricsEvery < 0:
		return errors.New("log-metrics-interval must be >= 0")
	}
	if c.backend == "serial" && c.console == c.serialDev {
		return fmt.Errorf("console and serial backend share %s", c.serialDev)
	}
	return nil
}
