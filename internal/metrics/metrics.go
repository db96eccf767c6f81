package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-can-testbox/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors
var (
	TxAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "testbox_tx_attempts_total",
		Help: "Total frames handed to the transport adapter.",
	})
	TxSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "testbox_tx_success_total",
		Help: "Total frames accepted into a transmit mailbox.",
	})
	TxFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "testbox_tx_failures_total",
		Help: "Total frames rejected by the transport adapter.",
	})
	RxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "testbox_rx_frames_total",
		Help: "Total frames handed to the reception path.",
	})
	InboxDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "testbox_inbox_dropped_total",
		Help: "Total received frames dropped because the inbox was full.",
	})
	BusErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "testbox_bus_errors_total",
		Help: "Total bus error events reported by the controller.",
	})
	PeriodicSends = promauto.NewCounter(prometheus.CounterOpts{
		Name: "testbox_periodic_sends_total",
		Help: "Total successful periodic transmissions.",
	})
	PeriodicActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "testbox_periodic_active_slots",
		Help: "Number of enabled periodic slots.",
	})
	BurstFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "testbox_burst_frames_total",
		Help: "Total frames sent by burst operations.",
	})
	DeviceTxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "device_tx_frames_total",
		Help: "Frames written to the CAN device by backend.",
	}, []string{"backend"})
	DeviceRxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "device_rx_frames_total",
		Help: "Frames read from the CAN device by backend.",
	}, []string{"backend"})
	BridgeRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_rx_frames_total",
		Help: "Total frames received from bridge clients.",
	})
	BridgeTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_tx_frames_total",
		Help: "Total frames sent to bridge clients.",
	})
	HubDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_frames_total",
		Help: "Total frames dropped by the hub due to slow clients.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Total clients disconnected due to backpressure kick policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_clients_total",
		Help: "Total client connection attempts rejected (max-clients).",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Current number of connected bridge clients.",
	})
	Commands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "console_commands_total",
		Help: "Console commands dispatched, by result status.",
	}, []string{"status"})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed frames (bad length, checksum, truncated).",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTransmit       = "transmit"
	ErrSerialWrite    = "serial_write"
	ErrSerialRead     = "serial_read"
	ErrSerialOverflow = "serial_tx_overflow"
	ErrSocketCANWrite = "socketcan_write"
	ErrSocketCANRead  = "socketcan_read"
	ErrSocketCANOver  = "socketcan_tx_overflow"
	ErrBridgeRead     = "bridge_read"
	ErrBridgeWrite    = "bridge_write"
	ErrHandshake      = "handshake"
	ErrConsole        = "console"
)

// Backend label values.
const (
	BackendSocketCAN = "socketcan"
	BackendSerial    = "serial"
	BackendLoopback  = "loopback"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for logging without scraping.
var (
	localTxAttempts  uint64
	localTxSuccess   uint64
	localTxFailures  uint64
	localRx          uint64
	localInboxDrop   uint64
	localBusErrors   uint64
	localPeriodic    uint64
	localPeriodicAct uint64
	localBurst       uint64
	localDeviceTx    uint64
	localDeviceRx    uint64
	localBridgeRx    uint64
	localBridgeTx    uint64
	localHubDrop     uint64
	localHubKick     uint64
	localHubReject   uint64
	localHubClients  uint64
	localCommands    uint64
	localErrors      uint64
	localMalformed   uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	TxAttempts     uint64
	TxSuccess      uint64
	TxFailures     uint64
	Rx             uint64
	InboxDrops     uint64
	BusErrors      uint64
	PeriodicSends  uint64
	PeriodicActive uint64
	BurstFrames    uint64
	DeviceTx       uint64
	DeviceRx       uint64
	BridgeRx       uint64
	BridgeTx       uint64
	HubDrops       uint64
	HubKicks       uint64
	HubRejects     uint64
	HubClients     uint64
	Commands       uint64
	Errors         uint64 // sum across error labels
	Malformed      uint64
}

func Snap() Snapshot {
	return Snapshot{
		TxAttempts:     atomic.LoadUint64(&localTxAttempts),
		TxSuccess:      atomic.LoadUint64(&localTxSuccess),
		TxFailures:     atomic.LoadUint64(&localTxFailures),
		Rx:             atomic.LoadUint64(&localRx),
		InboxDrops:     atomic.LoadUint64(&localInboxDrop),
		BusErrors:      atomic.LoadUint64(&localBusErrors),
		PeriodicSends:  atomic.LoadUint64(&localPeriodic),
		PeriodicActive: atomic.LoadUint64(&localPeriodicAct),
		BurstFrames:    atomic.LoadUint64(&localBurst),
		DeviceTx:       atomic.LoadUint64(&localDeviceTx),
		DeviceRx:       atomic.LoadUint64(&localDeviceRx),
		BridgeRx:       atomic.LoadUint64(&localBridgeRx),
		BridgeTx:       atomic.LoadUint64(&localBridgeTx),
		HubDrops:       atomic.LoadUint64(&localHubDrop),
		HubKicks:       atomic.LoadUint64(&localHubKick),
		HubRejects:     atomic.LoadUint64(&localHubReject),
		HubClients:     atomic.LoadUint64(&localHubClients),
		Commands:       atomic.LoadUint64(&localCommands),
		Errors:         atomic.LoadUint64(&localErrors),
		Malformed:      atomic.LoadUint64(&localMalformed),
	}
}

// IncTx records one transmit attempt and its outcome.
func IncTx(ok bool) {
	TxAttempts.Inc()
	atomic.AddUint64(&localTxAttempts, 1)
	if ok {
		TxSuccess.Inc()
		atomic.AddUint64(&localTxSuccess, 1)
		return
	}
	TxFailures.Inc()
	atomic.AddUint64(&localTxFailures, 1)
}

func IncRx() {
	RxFrames.Inc()
	atomic.AddUint64(&localRx, 1)
}

func IncInboxDrop() {
	InboxDropped.Inc()
	atomic.AddUint64(&localInboxDrop, 1)
}

func IncBusError() {
	BusErrors.Inc()
	atomic.AddUint64(&localBusErrors, 1)
}

func IncPeriodicSend() {
	PeriodicSends.Inc()
	atomic.AddUint64(&localPeriodic, 1)
}

// SetPeriodicActive records the number of enabled periodic slots.
func SetPeriodicActive(n int) {
	PeriodicActive.Set(float64(n))
	atomic.StoreUint64(&localPeriodicAct, uint64(n))
}

func IncBurstFrame() {
	BurstFrames.Inc()
	atomic.AddUint64(&localBurst, 1)
}

// IncDeviceTx counts a frame written to the device by the given backend.
func IncDeviceTx(backend string) {
	DeviceTxFrames.WithLabelValues(backend).Inc()
	atomic.AddUint64(&localDeviceTx, 1)
}

// IncDeviceRx counts a frame read from the device by the given backend.
func IncDeviceRx(backend string) {
	DeviceRxFrames.WithLabelValues(backend).Inc()
	atomic.AddUint64(&localDeviceRx, 1)
}

func IncBridgeRx() {
	BridgeRxFrames.Inc()
	atomic.AddUint64(&localBridgeRx, 1)
}

func AddBridgeTx(n int) {
	BridgeTxFrames.Add(float64(n))
	atomic.AddUint64(&localBridgeTx, uint64(n))
}

func IncHubDrop() {
	HubDroppedFrames.Inc()
	atomic.AddUint64(&localHubDrop, 1)
}

func IncHubKick() {
	HubKickedClients.Inc()
	atomic.AddUint64(&localHubKick, 1)
}

func IncHubReject() {
	HubRejectedClients.Inc()
	atomic.AddUint64(&localHubReject, 1)
}

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	atomic.StoreUint64(&localHubClients, uint64(n))
}

// IncCommand counts a console command by its result status name.
func IncCommand(status string) {
	Commands.WithLabelValues(status).Inc()
	atomic.AddUint64(&localCommands, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register error series so dashboards see zeros before the first failure.
	for _, lbl := range []string{
		ErrTransmit,
		ErrSerialWrite, ErrSerialRead, ErrSerialOverflow,
		ErrSocketCANWrite, ErrSocketCANRead, ErrSocketCANOver,
		ErrBridgeRead, ErrBridgeWrite, ErrHandshake, ErrConsole,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // not set yet: report ready so the endpoint doesn't flap during startup
		return true
	}
	return fn()
}
