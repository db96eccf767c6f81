package main

import (
	"errors"
	"flag"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/kstaniek/go-can-testbox/internal/testbox"
	"github.com/kstaniek/go-can-testbox/internal/transport"
)

func validConfig() *appConfig {
	return &appConfig{
		backend:      "loopback",
		canIf:        "can0",
		serialDev:    "/dev/ttyUSB0",
		baud:         115200,
		serialReadTO: 50 * time.Millisecond,
		openRetries:  1,
		tick:         time.Millisecond,
		slots:        testbox.DefaultCapacity,
		inbox:        testbox.DefaultInboxSize,
		mailboxes:    transport.DefaultMailboxes,
		listenAddr:   ":20000",
		hubBuffer:    512,
		hubPolicy:    "drop",
		handshakeTO:  3 * time.Second,
		clientReadTO: 60 * time.Second,
		consoleBaud:  115200,
		logFormat:    "text",
		logLevel:     "info",
	}
}

func TestParseArgsDefaults(t *testing.T) {
	cfg, showVersion, err := parseArgs(nil, io.Discard)
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if showVersion {
		t.Fatalf("unexpected version request")
	}
	if cfg.backend != "socketcan" || cfg.slots != testbox.DefaultCapacity || cfg.mailboxes != transport.DefaultMailboxes {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.tick != time.Millisecond || cfg.listenAddr != ":20000" || cfg.console != "" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestParseArgsVersionAndHelp(t *testing.T) {
	_, showVersion, err := parseArgs([]string{"-version"}, io.Discard)
	if err != nil || !showVersion {
		t.Fatalf("expected version request, got %v %v", showVersion, err)
	}
	if _, _, err := parseArgs([]string{"-h"}, io.Discard); !errors.Is(err, flag.ErrHelp) {
		t.Fatalf("expected flag.ErrHelp, got %v", err)
	}
}

func TestParseArgsPresets(t *testing.T) {
	cfg, _, err := parseArgs([]string{
		"-backend", "loopback",
		"-preset", "123#0102@10ms,18FF0000#@1s",
		"-preset", "7DF#R@250ms",
	}, io.Discard)
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if len(cfg.presets) != 3 {
		t.Fatalf("expected 3 presets, got %d", len(cfg.presets))
	}
	p := cfg.presets
	if p[0].Frame.ID != 0x123 || p[0].Frame.Len != 2 || p[0].Period != 10*time.Millisecond {
		t.Fatalf("preset 0: %+v", p[0])
	}
	if !p[1].Frame.Extended || p[1].Frame.Len != 0 || p[1].Period != time.Second {
		t.Fatalf("preset 1: %+v", p[1])
	}
	if !p[2].Frame.Remote {
		t.Fatalf("preset 2 should be remote: %+v", p[2])
	}
	if s := cfg.presets.String(); !strings.Contains(s, ",") {
		t.Fatalf("expected joined presets, got %q", s)
	}
}

func TestParseArgsBadPreset(t *testing.T) {
	if _, _, err := parseArgs([]string{"-preset", "123#01"}, io.Discard); err == nil {
		t.Fatalf("expected error for preset without period")
	}
}

func TestValidate(t *testing.T) {
	if err := validConfig().validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	cases := []struct {
		name string
		mod  func(*appConfig)
	}{
		{"backend", func(c *appConfig) { c.backend = "usb" }},
		{"log-format", func(c *appConfig) { c.logFormat = "xml" }},
		{"log-level", func(c *appConfig) { c.logLevel = "trace" }},
		{"hub-policy", func(c *appConfig) { c.hubPolicy = "block" }},
		{"hub-buffer", func(c *appConfig) { c.hubBuffer = 0 }},
		{"baud", func(c *appConfig) { c.baud = 0 }},
		{"console-baud", func(c *appConfig) { c.consoleBaud = -1 }},
		{"serial-read-timeout", func(c *appConfig) { c.serialReadTO = 0 }},
		{"open-retries", func(c *appConfig) { c.openRetries = 0 }},
		{"tick", func(c *appConfig) { c.tick = 100 * time.Microsecond }},
		{"slots", func(c *appConfig) { c.slots = 0 }},
		{"inbox", func(c *appConfig) { c.inbox = 0 }},
		{"mailboxes low", func(c *appConfig) { c.mailboxes = 0 }},
		{"mailboxes high", func(c *appConfig) { c.mailboxes = 33 }},
		{"handshake", func(c *appConfig) { c.handshakeTO = 0 }},
		{"client-read", func(c *appConfig) { c.clientReadTO = 0 }},
		{"max-clients", func(c *appConfig) { c.maxClients = -1 }},
		{"metrics interval", func(c *appConfig) { c.logMetricsEvery = -time.Second }},
		{"console on backend port", func(c *appConfig) {
			c.backend = "serial"
			c.console = c.serialDev
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := validConfig()
			tc.mod(c)
			if err := c.validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
	var nilCfg *appConfig
	if err := nilCfg.validate(); err == nil {
		t.Fatalf("expected error for nil config")
	}
}
