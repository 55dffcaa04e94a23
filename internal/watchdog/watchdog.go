// Package watchdog runs the periodic reconciliation sweeps that keep the
// store's authoritative state aligned with reality (C8, §4.8): a VM
// watchdog that detects a dead VMM child behind a `running` record, and a
// bootstrap watchdog that times out a `creating` record stuck mid-start.
//
// Neither loop ever takes the per-id lifecycle mutex. Both act through
// Store.ConditionalUpdate, which only applies its patch when the row is
// still in the expected status and hasn't been touched recently — so a
// concurrent, legitimate Start/Stop always wins the race instead of being
// clobbered by a stale sweep.
package watchdog

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/seantiz/ember/internal/config"
	"github.com/seantiz/ember/internal/lifecycle"
	"github.com/seantiz/ember/internal/model"
	"github.com/seantiz/ember/internal/netalloc"
	"github.com/seantiz/ember/internal/pipes"
	"github.com/seantiz/ember/internal/store"
)

// ProcessChecker reports whether pid still refers to a live process.
// Matches the signature of supervisor.IsAlive so it can be faked in tests.
type ProcessChecker func(pid int) bool

// NetworkReleaser releases a previously allocated tap/IP pair.
// Carved out of *netalloc.Allocator so it can be faked in tests.
type NetworkReleaser interface {
	Release(tapName, ip string) error
}

var _ NetworkReleaser = (*netalloc.Allocator)(nil)

// Watchdog runs the two sweeps on independent tickers until its context is
// cancelled.
type Watchdog struct {
	store store.Store
	alloc NetworkReleaser
	pipes *pipes.Manager
	alive ProcessChecker
	log   *slog.Logger

	vmPeriod        time.Duration
	bootstrapPeriod time.Duration
	defaultTimeout  time.Duration
}

// New builds a Watchdog. alive is typically supervisor.IsAlive.
func New(st store.Store, alloc NetworkReleaser, pipeMgr *pipes.Manager, alive ProcessChecker, cfg config.VMConfig, log *slog.Logger) *Watchdog {
	if log == nil {
		log = slog.Default()
	}
	return &Watchdog{
		store:           st,
		alloc:           alloc,
		pipes:           pipeMgr,
		alive:           alive,
		log:             log,
		vmPeriod:        cfg.VMWatchdogPeriod,
		bootstrapPeriod: cfg.BootstrapWatchdogPeriod,
		defaultTimeout:  cfg.BootstrapDefaultTimeout,
	}
}

// Run starts both sweep loops and blocks until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		w.runLoop(ctx, w.vmPeriod, w.sweepVMs)
	}()
	go func() {
		defer wg.Done()
		w.runLoop(ctx, w.bootstrapPeriod, w.sweepBootstraps)
	}()
	wg.Wait()
}

func (w *Watchdog) runLoop(ctx context.Context, period time.Duration, sweep func(context.Context)) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep(ctx)
		}
	}
}

// sweepVMs finds every running record whose pid is no longer alive and
// repairs it: status -> stopped, runtime fields cleared, network triple
// released, stale pipes and socket removed (§4.8, scenario 6).
func (w *Watchdog) sweepVMs(ctx context.Context) {
	vms, err := w.store.ListByStatus(ctx, model.StatusRunning)
	if err != nil {
		w.log.Error("vm watchdog: list running", "err", err)
		return
	}
	for _, vm := range vms {
		if vm.PID == nil || w.alive(*vm.PID) {
			continue
		}
		w.repairDead(ctx, vm)
	}
}

func (w *Watchdog) repairDead(ctx context.Context, vm *model.VM) {
	stopped := model.StatusStopped
	patch := model.VMPatch{
		Status:    &stopped,
		ClearPID:  true,
		ClearSock: true,
		ClearTap:  true,
		ClearMAC:  true,
		ClearIP:   true,
	}
	n, err := w.store.ConditionalUpdate(ctx, vm.ID, model.StatusRunning, vm.UpdatedAt.Add(time.Nanosecond), patch)
	if err != nil {
		w.log.Error("vm watchdog: conditional update", "vm", vm.ID, "err", err)
		return
	}
	if n == 0 {
		// A legitimate Stop or watchdog pass from another tick already
		// moved this record on; nothing to repair.
		return
	}

	w.log.Warn("vm watchdog: repaired dead vmm", "vm", vm.ID, "pid", *vm.PID)
	lifecycle.DecActiveVMs()

	if vm.TapDevice != nil && vm.IPAddress != nil {
		if err := w.alloc.Release(*vm.TapDevice, *vm.IPAddress); err != nil {
			w.log.Error("vm watchdog: release network", "vm", vm.ID, "err", err)
		}
	}
	if err := w.pipes.Destroy(vm.ID); err != nil {
		w.log.Error("vm watchdog: destroy pipes", "vm", vm.ID, "err", err)
	}
	if vm.SocketPath != nil {
		os.Remove(*vm.SocketPath)
	}
}

// sweepBootstraps finds every creating record whose updated_at is older
// than its threshold and fails it with a retry hint (§4.8). The VM record
// carries no per-step progress label (Create is a single synchronous call
// in this tree, not a multi-step session the row observes mid-flight), so
// every stale creating record uses config.BootstrapDefaultTimeout; the
// per-label config.BootstrapThresholds table is kept for a future caller
// that threads a progress label through the row.
func (w *Watchdog) sweepBootstraps(ctx context.Context) {
	vms, err := w.store.ListByStatus(ctx, model.StatusCreating)
	if err != nil {
		w.log.Error("bootstrap watchdog: list creating", "err", err)
		return
	}
	for _, vm := range vms {
		if time.Since(vm.UpdatedAt) < w.defaultTimeout {
			continue
		}
		w.failStale(ctx, vm)
	}
}

func (w *Watchdog) failStale(ctx context.Context, vm *model.VM) {
	errStatus := model.StatusError
	msg := "bootstrap timed out; retry start"
	patch := model.VMPatch{Status: &errStatus, Error: &msg}

	n, err := w.store.ConditionalUpdate(ctx, vm.ID, model.StatusCreating, vm.UpdatedAt.Add(time.Nanosecond), patch)
	if err != nil {
		w.log.Error("bootstrap watchdog: conditional update", "vm", vm.ID, "err", err)
		return
	}
	if n == 0 {
		return
	}
	w.log.Warn("bootstrap watchdog: failed stale creation", "vm", vm.ID)
}
