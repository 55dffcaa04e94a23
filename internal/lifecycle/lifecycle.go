// Package lifecycle implements the VM Lifecycle Service (C6, §4.6): the
// orchestrator that drives create/start/stop/delete across the store (C1),
// network allocator (C2), VMM API client (C3), and process supervisor (C5),
// enforcing the status state machine and the reversible start sequence.
package lifecycle

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"

	"github.com/seantiz/ember/internal/config"
	"github.com/seantiz/ember/internal/ember"
	"github.com/seantiz/ember/internal/model"
	"github.com/seantiz/ember/internal/netalloc"
	"github.com/seantiz/ember/internal/pipes"
	"github.com/seantiz/ember/internal/store"
	"github.com/seantiz/ember/internal/supervisor"
	"github.com/seantiz/ember/internal/vmm"
)

const (
	defaultVCPUs     = 1
	defaultMemoryMiB = 128
)

// VMMClient is the subset of *vmm.Client the service needs, narrowed so
// tests can substitute a fake rather than dialing a real VMM socket.
type VMMClient interface {
	WaitReady(ctx context.Context, poll time.Duration) error
	PutMachineConfig(ctx context.Context, cfg models.MachineConfiguration) error
	PutBootSource(ctx context.Context, bs vmm.BootSource) error
	PutDrive(ctx context.Context, drive models.Drive) error
	PutNetworkInterface(ctx context.Context, nic vmm.NetworkInterface) error
	DoAction(ctx context.Context, actionType string) error
}

var _ VMMClient = (*vmm.Client)(nil)

// ClientFactory builds a VMMClient for a freshly spawned VMM's socket path.
type ClientFactory func(socketPath string) VMMClient

// NetworkAllocator is the subset of *netalloc.Allocator the service needs,
// narrowed so tests can substitute a fake rather than requiring a live
// netlink handle and CAP_NET_ADMIN.
type NetworkAllocator interface {
	Allocate(id string) (*netalloc.Allocation, error)
	Release(tapName, ip string) error
}

var _ NetworkAllocator = (*netalloc.Allocator)(nil)

// Service orchestrates VM lifecycle operations. It holds no VM state of its
// own beyond the per-id mutex table; the store is the source of truth.
type Service struct {
	store     store.Store
	alloc     NetworkAllocator
	sup       *supervisor.Supervisor
	pipes     *pipes.Manager
	newClient ClientFactory
	cfg       config.VMConfig
	gatewayIP string

	locks sync.Map // id -> *sync.Mutex
}

// New builds a Service. pipeMgr is used only to resolve FIFO paths for stop
// and delete cleanup; Spawn/Stop itself create and destroy pipes via the
// supervisor.
func New(st store.Store, alloc NetworkAllocator, sup *supervisor.Supervisor, pipeMgr *pipes.Manager, newClient ClientFactory, cfg config.VMConfig) *Service {
	gateway := ""
	if ip, _, err := net.ParseCIDR(cfg.BridgeAddr); err == nil {
		gateway = ip.String()
	}
	return &Service{
		store:     st,
		alloc:     alloc,
		sup:       sup,
		pipes:     pipeMgr,
		newClient: newClient,
		cfg:       cfg,
		gatewayIP: gateway,
	}
}

func (s *Service) lockFor(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Create validates the image and name, inserts status=creating, then
// transitions to stopped once the row is visible. No host resources are
// touched (§4.6).
func (s *Service) Create(ctx context.Context, name string, vcpus, memoryMiB int, imageID string) (*model.VM, error) {
	if name == "" {
		return nil, ember.New(ember.KindValidation, "name is required")
	}
	if vcpus <= 0 {
		vcpus = defaultVCPUs
	}
	if memoryMiB <= 0 {
		memoryMiB = defaultMemoryMiB
	}
	if _, err := s.store.GetImage(ctx, imageID); err != nil {
		return nil, ember.Wrap(ember.KindNotFound, "resolve image", err)
	}

	now := time.Now().UTC()
	vm := &model.VM{
		ID:        model.NewID(),
		Name:      name,
		Status:    model.StatusCreating,
		VCPUs:     vcpus,
		MemoryMiB: memoryMiB,
		ImageID:   imageID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateVM(ctx, vm); err != nil {
		if err == store.ErrNameTaken {
			return nil, ember.Wrap(ember.KindConflict, "create vm", err)
		}
		return nil, ember.Wrap(ember.KindStorage, "create vm", err)
	}

	stopped := model.StatusStopped
	if err := s.store.UpdateFields(ctx, vm.ID, model.VMPatch{Status: &stopped}); err != nil {
		return nil, ember.Wrap(ember.KindStorage, "register vm", err)
	}
	return s.store.GetVM(ctx, vm.ID)
}

// List returns every non-deleted VM.
func (s *Service) List(ctx context.Context) ([]*model.VM, error) {
	return s.store.ListVMs(ctx)
}

// Get returns a single VM by id.
func (s *Service) Get(ctx context.Context, id string) (*model.VM, error) {
	vm, err := s.store.GetVM(ctx, id)
	if err != nil {
		return nil, ember.Wrap(ember.KindNotFound, "get vm", err)
	}
	return vm, nil
}

// Delete removes a VM record. Fails with Conflict if the VM is running.
// Best-effort cleanup of any stale pipes/socket for the id (§4.6).
func (s *Service) Delete(ctx context.Context, id string) error {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	if err := s.store.DeleteVM(ctx, id); err != nil {
		if err == store.ErrConflict {
			return ember.Wrap(ember.KindConflict, "delete vm", err)
		}
		if err == store.ErrNotFound {
			return ember.Wrap(ember.KindNotFound, "delete vm", err)
		}
		return ember.Wrap(ember.KindStorage, "delete vm", err)
	}

	s.pipes.Destroy(id)
	os.Remove(filepath.Join(s.cfg.VMDir, id+".sock"))
	return nil
}

// Start allocates network and VMM resources and boots the VM (§4.6). On
// any failure, every completed step is undone in reverse and the VM is
// marked error with the originating message.
func (s *Service) Start(ctx context.Context, id string) (*model.VM, error) {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	vm, err := s.store.GetVM(ctx, id)
	if err != nil {
		return nil, ember.Wrap(ember.KindNotFound, "start vm", err)
	}
	if vm.Status != model.StatusStopped && vm.Status != model.StatusError {
		return nil, ember.New(ember.KindConflict, fmt.Sprintf("vm %s is not stopped or in error (status=%s)", id, vm.Status))
	}
	img, err := s.store.GetImage(ctx, vm.ImageID)
	if err != nil {
		return nil, ember.Wrap(ember.KindNotFound, "resolve image", err)
	}

	bootStart := time.Now()
	var undo []func()
	rollback := func(cause error) (*model.VM, error) {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		msg := cause.Error()
		errStatus := model.StatusError
		patch := model.VMPatch{Error: &msg}
		// A VM retried from error is already in error; error -> error is
		// not a valid transition, so only the message is written then.
		if vm.Status != model.StatusError {
			patch.Status = &errStatus
		}
		// Best-effort: an error from this write is discarded and the write
		// is not retried.
		s.store.UpdateFields(context.Background(), id, patch)
		return nil, ember.Wrap(ember.KindSpawn, "start vm", cause)
	}

	// Step 1: allocate network triple (C2).
	alloc, err := s.alloc.Allocate(id)
	if err != nil {
		return rollback(err)
	}
	undo = append(undo, func() { s.alloc.Release(alloc.TapDevice, alloc.IPAddress) })

	// Step 2: spawn VMM (C5).
	socketPath := filepath.Join(s.cfg.VMDir, id+".sock")
	if err := os.MkdirAll(s.cfg.VMDir, 0755); err != nil {
		return rollback(ember.Wrap(ember.KindHostOp, "create vm dir", err))
	}
	logPath := filepath.Join(s.cfg.VMDir, id+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return rollback(ember.Wrap(ember.KindHostOp, "open vm log", err))
	}
	defer logFile.Close()

	// The boot-duration metric covers spawn through API ready only.
	bootStart = time.Now()
	handle, err := s.sup.Spawn(id, socketPath, logFile)
	if err != nil {
		return rollback(err)
	}
	undo = append(undo, func() { s.sup.Stop(context.Background(), id, handle, supervisor.StopOptions{}) })

	client := s.newClient(handle.SocketPath)

	waitCtx, cancelWait := context.WithTimeout(ctx, s.cfg.SocketWait)
	waitErr := client.WaitReady(waitCtx, 20*time.Millisecond)
	cancelWait()
	if waitErr != nil {
		return rollback(waitErr)
	}
	vmBootDuration.Observe(time.Since(bootStart).Seconds())

	// Step 3: configure (C3). put_machine_config -> put_boot_source ->
	// put_drive -> put_network_interface, in that order.
	vcpus := int64(vm.VCPUs)
	mem := int64(vm.MemoryMiB)
	if err := client.PutMachineConfig(ctx, models.MachineConfiguration{VcpuCount: &vcpus, MemSizeMib: &mem}); err != nil {
		return rollback(err)
	}

	bootArgs := fmt.Sprintf("console=ttyS0 reboot=k panic=1 pci=off ip=%s::%s:255.255.255.0::eth0:off",
		alloc.IPAddress, s.gatewayIP)
	if err := client.PutBootSource(ctx, vmm.BootSource{KernelImagePath: img.KernelPath, BootArgs: bootArgs}); err != nil {
		return rollback(err)
	}

	driveID := "rootfs"
	rootfsPath := img.RootfsPath
	isRoot := true
	isReadOnly := false
	if err := client.PutDrive(ctx, models.Drive{
		DriveID:      &driveID,
		PathOnHost:   &rootfsPath,
		IsRootDevice: &isRoot,
		IsReadOnly:   &isReadOnly,
	}); err != nil {
		return rollback(err)
	}

	if err := client.PutNetworkInterface(ctx, vmm.NetworkInterface{
		IfaceID:     "eth0",
		HostDevName: alloc.TapDevice,
		GuestMac:    alloc.MACAddress,
	}); err != nil {
		return rollback(err)
	}

	// Step 4: start instance (C3).
	if err := client.DoAction(ctx, vmm.ActionInstanceStart); err != nil {
		return rollback(err)
	}

	// Step 5: persist status=running and the network triple atomically.
	running := model.StatusRunning
	pid := handle.PID
	patch := model.VMPatch{
		Status:     &running,
		PID:        &pid,
		SocketPath: &handle.SocketPath,
		TapDevice:  &alloc.TapDevice,
		MACAddress: &alloc.MACAddress,
		IPAddress:  &alloc.IPAddress,
	}
	if err := s.store.UpdateFields(ctx, id, patch); err != nil {
		return rollback(ember.Wrap(ember.KindStorage, "persist running vm", err))
	}

	activeVMs.Inc()

	return s.store.GetVM(ctx, id)
}

// Stop performs the two-phase supervisor shutdown, releases the network
// triple, and persists status=stopped with runtime fields nulled (§4.6).
// If the supervisor cannot confirm the process exited, the VM is marked
// error instead of stopped, but network resources are still released once
// the pid is confirmed dead or killed.
func (s *Service) Stop(ctx context.Context, id string) (*model.VM, error) {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	vm, err := s.store.GetVM(ctx, id)
	if err != nil {
		return nil, ember.Wrap(ember.KindNotFound, "stop vm", err)
	}
	if !vm.Running() {
		return nil, ember.New(ember.KindConflict, fmt.Sprintf("vm %s is not running (status=%s)", id, vm.Status))
	}

	handle := &supervisor.Handle{
		PID:        *vm.PID,
		SocketPath: *vm.SocketPath,
		Pipes:      s.pipes.Paths(id),
	}
	client := s.newClient(*vm.SocketPath)

	stopErr := s.sup.Stop(ctx, id, handle, supervisor.StopOptions{
		SendCtrlAltDel: func() error {
			return client.DoAction(ctx, vmm.ActionSendCtrlAltDel)
		},
	})

	// Step 2: release network triple (C2) regardless of step 1's outcome.
	// supervisor.Stop returns nil only after confirming exit, and returns
	// an error only after its final SIGKILL attempt.
	s.alloc.Release(*vm.TapDevice, *vm.IPAddress)

	finalStatus := model.StatusStopped
	var errMsg *string
	if stopErr != nil {
		msg := stopErr.Error()
		errMsg = &msg
		finalStatus = model.StatusError
	}

	patch := model.VMPatch{
		Status:    &finalStatus,
		ClearPID:  true,
		ClearSock: true,
		ClearTap:  true,
		ClearMAC:  true,
		ClearIP:   true,
		Error:     errMsg,
	}
	if err := s.store.UpdateFields(ctx, id, patch); err != nil {
		return nil, ember.Wrap(ember.KindStorage, "persist stopped vm", err)
	}
	activeVMs.Dec()
	return s.store.GetVM(ctx, id)
}
