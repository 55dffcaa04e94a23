package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment variable names for VM runtime configuration.
const (
	envVMDir          = "EMBER_VM_DIR"
	envBridgeName     = "EMBER_BRIDGE_NAME"
	envBridgeAddr     = "EMBER_BRIDGE_ADDR"
	envSubnetCIDR     = "EMBER_SUBNET_CIDR"
	envTapPrefix      = "EMBER_TAP_PREFIX"
	envVMMBinary      = "EMBER_VMM_BIN"
	envGracefulMS     = "EMBER_GRACEFUL_TIMEOUT_MS"
	envSigtermMS      = "EMBER_SIGTERM_TIMEOUT_MS"
	envSpawnSettleMS  = "EMBER_SPAWN_SETTLE_MS"
	envSocketWaitMS   = "EMBER_SOCKET_WAIT_MS"
	envVMWatchdogSec  = "EMBER_VM_WATCHDOG_PERIOD_S"
	envBootWatchdogS  = "EMBER_BOOTSTRAP_WATCHDOG_PERIOD_S"
	envBootDefaultMin = "EMBER_BOOTSTRAP_DEFAULT_TIMEOUT_MIN"
)

// VMConfig holds the host-side tunables for network allocation, VMM
// supervision, and reconciliation watchdogs (§4.2, §4.5, §4.8).
type VMConfig struct {
	// VMDir is the base directory under which per-VM sockets and FIFOs
	// live (<VMDir>/<id>.sock, <VMDir>/<id>.stdin, <VMDir>/<id>.stdout).
	VMDir string

	// BridgeName is the host bridge every tap device is attached to.
	BridgeName string

	// BridgeAddr is the bridge's own address in CIDR form, e.g.
	// "10.200.0.1/24". It is excluded from VM IP allocation.
	BridgeAddr string

	// SubnetCIDR is the managed /24 that IPs are allocated from (§3).
	SubnetCIDR string

	// TapPrefix prefixes generated tap device names (e.g. "tap" -> tap0,
	// tap1, ...).
	TapPrefix string

	// VMMBinary is the path to the Firecracker-compatible VMM executable.
	VMMBinary string

	// GracefulTimeout bounds phase 1 of stop: SendCtrlAltDel then poll for
	// exit (§4.5, default 30s).
	GracefulTimeout time.Duration

	// SigtermTimeout bounds phase 2 of stop: SIGTERM then poll for exit
	// (§4.5, default 10s).
	SigtermTimeout time.Duration

	// SpawnSettle is the short window spawn() waits to detect an
	// immediately-crashing child (§4.5).
	SpawnSettle time.Duration

	// SocketWait bounds how long Start waits for the VMM API to answer
	// GET / with a 2xx status after spawning (vmm.Client.WaitReady).
	SocketWait time.Duration

	// VMWatchdogPeriod is how often the VM watchdog sweeps running records
	// (§4.8, default ~20s).
	VMWatchdogPeriod time.Duration

	// BootstrapWatchdogPeriod is how often the bootstrap watchdog sweeps
	// creating records (§4.8, default ~15s).
	BootstrapWatchdogPeriod time.Duration

	// BootstrapDefaultTimeout is the fallback staleness threshold for an
	// unrecognized progress label (§4.8, default ~10min).
	BootstrapDefaultTimeout time.Duration
}

// LoadVMConfig reads VM runtime configuration from environment variables,
// applying sensible defaults for values not set.
func LoadVMConfig() VMConfig {
	cfg := VMConfig{
		VMDir:                   "/var/lib/ember/vms",
		BridgeName:              "ember0",
		BridgeAddr:              "10.200.0.1/24",
		SubnetCIDR:              "10.200.0.0/24",
		TapPrefix:               "tap",
		VMMBinary:               "/usr/local/bin/firecracker",
		GracefulTimeout:         30 * time.Second,
		SigtermTimeout:          10 * time.Second,
		SpawnSettle:             250 * time.Millisecond,
		SocketWait:              5 * time.Second,
		VMWatchdogPeriod:        20 * time.Second,
		BootstrapWatchdogPeriod: 15 * time.Second,
		BootstrapDefaultTimeout: 10 * time.Minute,
	}

	if v := os.Getenv(envVMDir); v != "" {
		cfg.VMDir = v
	}
	if v := os.Getenv(envBridgeName); v != "" {
		cfg.BridgeName = v
	}
	if v := os.Getenv(envBridgeAddr); v != "" {
		cfg.BridgeAddr = v
	}
	if v := os.Getenv(envSubnetCIDR); v != "" {
		cfg.SubnetCIDR = v
	}
	if v := os.Getenv(envTapPrefix); v != "" {
		cfg.TapPrefix = v
	}
	if v := os.Getenv(envVMMBinary); v != "" {
		cfg.VMMBinary = v
	}
	if ms := getMillis(envGracefulMS); ms > 0 {
		cfg.GracefulTimeout = ms
	}
	if ms := getMillis(envSigtermMS); ms > 0 {
		cfg.SigtermTimeout = ms
	}
	if ms := getMillis(envSpawnSettleMS); ms > 0 {
		cfg.SpawnSettle = ms
	}
	if ms := getMillis(envSocketWaitMS); ms > 0 {
		cfg.SocketWait = ms
	}
	if s := getSeconds(envVMWatchdogSec); s > 0 {
		cfg.VMWatchdogPeriod = s
	}
	if s := getSeconds(envBootWatchdogS); s > 0 {
		cfg.BootstrapWatchdogPeriod = s
	}
	if m := getMinutes(envBootDefaultMin); m > 0 {
		cfg.BootstrapDefaultTimeout = m
	}

	return cfg
}

// BootstrapThresholds maps a bootstrap progress label (§4.8) to the
// staleness threshold after which a stuck `creating` record is failed.
// An unrecognized label falls back to VMConfig.BootstrapDefaultTimeout.
var BootstrapThresholds = map[string]time.Duration{
	"allocating_network": 10 * time.Second,
	"spawning_vmm":        15 * time.Second,
	"configuring_vmm":     20 * time.Second,
	"starting_instance":   15 * time.Second,
}

func getMillis(name string) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Millisecond
}

func getSeconds(name string) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

func getMinutes(name string) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Minute
}
