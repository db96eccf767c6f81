package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/kstaniek/go-can-testbox/internal/metrics"
	"github.com/kstaniek/go-can-testbox/internal/testbox"
)

// runMetricsLogger logs counters every interval for setups without Prometheus.
func runMetricsLogger(ctx context.Context, interval time.Duration, tb *testbox.TestBox, l *slog.Logger) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			st := tb.Stats()
			snap := metrics.Snap()
			l.Info("metrics_snapshot",
				"tx_attempts", st.TxAttempts,
				"tx_failures", st.TxFailures,
				"rx_valid", st.RxValid,
				"rx_errors", st.RxErrors,
				"bus_errors", st.BusErrors,
				"last_error", st.LastErrorCode,
				"uptime_ms", st.UptimeMs,
				"periodic_active", snap.PeriodicActive,
				"inbox_drops", snap.InboxDrops,
				"bridge_rx", snap.BridgeRx,
				"bridge_tx", snap.BridgeTx,
				"hub_drops", snap.HubDrops,
				"errors", snap.Errors,
			)
		case <-ctx.Done():
			return nil
		}
	}
}
