package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"

	"github.com/seantiz/ember/internal/config"
	"github.com/seantiz/ember/internal/model"
	"github.com/seantiz/ember/internal/netalloc"
	"github.com/seantiz/ember/internal/pipes"
	"github.com/seantiz/ember/internal/store"
	"github.com/seantiz/ember/internal/supervisor"
	"github.com/seantiz/ember/internal/vmm"
)

// fakeAllocator hands out canned triples without touching netlink.
type fakeAllocator struct {
	mu       sync.Mutex
	n        int
	released []string
	failNext bool
}

func (f *fakeAllocator) Allocate(id string) (*netalloc.Allocation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		return nil, fmt.Errorf("no free IPs")
	}
	f.n++
	return &netalloc.Allocation{
		TapDevice:  fmt.Sprintf("tap%d", f.n),
		MACAddress: "02:00:00:00:00:01",
		IPAddress:  fmt.Sprintf("10.200.0.%d", f.n+1),
	}, nil
}

func (f *fakeAllocator) Release(tapName, ip string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, tapName+"/"+ip)
	return nil
}

// fakeVMMClient records calls and can be told to fail at a named step.
type fakeVMMClient struct {
	failAt string
	calls  []string
}

func (f *fakeVMMClient) record(step string) error {
	f.calls = append(f.calls, step)
	if f.failAt == step {
		return fmt.Errorf("%s failed", step)
	}
	return nil
}

func (f *fakeVMMClient) WaitReady(ctx context.Context, poll time.Duration) error {
	return f.record("wait-ready")
}
func (f *fakeVMMClient) PutMachineConfig(ctx context.Context, cfg models.MachineConfiguration) error {
	return f.record("machine-config")
}
func (f *fakeVMMClient) PutBootSource(ctx context.Context, bs vmm.BootSource) error {
	return f.record("boot-source")
}
func (f *fakeVMMClient) PutDrive(ctx context.Context, drive models.Drive) error {
	return f.record("drive")
}
func (f *fakeVMMClient) PutNetworkInterface(ctx context.Context, nic vmm.NetworkInterface) error {
	return f.record("network-interface")
}
func (f *fakeVMMClient) DoAction(ctx context.Context, actionType string) error {
	return f.record("action:" + actionType)
}

func writeStubVMM(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "stub-vmm.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755); err != nil {
		t.Fatalf("write stub vmm: %v", err)
	}
	return path
}

type testHarness struct {
	svc   *Service
	st    store.Store
	alloc *fakeAllocator
	vmm   *fakeVMMClient
	img   *model.Image
}

func newHarness(t *testing.T, vmmFailAt string) *testHarness {
	t.Helper()
	dir := t.TempDir()

	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	img := &model.Image{ID: "img1", Reference: "alpine:latest", KernelPath: "/boot/vmlinux", RootfsPath: "/boot/rootfs.ext4", PulledAt: time.Now().UTC()}
	if err := st.CreateImage(context.Background(), img); err != nil {
		t.Fatalf("CreateImage: %v", err)
	}

	alloc := &fakeAllocator{}
	fc := &fakeVMMClient{failAt: vmmFailAt}

	// $2 is the socket path (argv is "--api-sock" "<path>"); touch it so
	// the stub looks like a real VMM binding its api socket, then sit.
	stub := writeStubVMM(t, dir, `touch "$2"; sleep 30`)
	pm := pipes.NewManager(dir)
	sup := supervisor.New(stub, pm, 50*time.Millisecond, 200*time.Millisecond, 200*time.Millisecond)

	cfg := config.VMConfig{
		VMDir:      dir,
		BridgeAddr: "10.200.0.1/24",
		SocketWait: time.Second,
	}

	svc := New(st, alloc, sup, pm, func(string) VMMClient { return fc }, cfg)
	return &testHarness{svc: svc, st: st, alloc: alloc, vmm: fc, img: img}
}

func TestCreateRegistersStoppedVM(t *testing.T) {
	h := newHarness(t, "")
	vm, err := h.svc.Create(context.Background(), "web-1", 2, 256, h.img.ID)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if vm.Status != model.StatusStopped {
		t.Fatalf("status = %s, want stopped", vm.Status)
	}
	if vm.VCPUs != 2 || vm.MemoryMiB != 256 {
		t.Fatalf("unexpected resources: %+v", vm)
	}
}

func TestCreateDefaultsResources(t *testing.T) {
	h := newHarness(t, "")
	vm, err := h.svc.Create(context.Background(), "web-2", 0, 0, h.img.ID)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if vm.VCPUs != defaultVCPUs || vm.MemoryMiB != defaultMemoryMiB {
		t.Fatalf("expected defaults, got %+v", vm)
	}
}

func TestCreateUnknownImageFails(t *testing.T) {
	h := newHarness(t, "")
	if _, err := h.svc.Create(context.Background(), "web-3", 1, 128, "nope"); err == nil {
		t.Fatal("expected error for unknown image")
	}
}

func TestStartSucceedsAndPersistsRunning(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	vm, err := h.svc.Create(ctx, "web-4", 1, 128, h.img.ID)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	started, err := h.svc.Start(ctx, vm.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !started.Running() {
		t.Fatalf("expected Running() true, got %+v", started)
	}
	wantCalls := []string{"wait-ready", "machine-config", "boot-source", "drive", "network-interface", "action:" + vmm.ActionInstanceStart}
	if len(h.vmm.calls) != len(wantCalls) {
		t.Fatalf("calls = %v, want %v", h.vmm.calls, wantCalls)
	}
	for i, c := range wantCalls {
		if h.vmm.calls[i] != c {
			t.Fatalf("call[%d] = %s, want %s (full: %v)", i, h.vmm.calls[i], c, h.vmm.calls)
		}
	}

	// cleanup the live stub process so the test doesn't leak it
	h.svc.Stop(ctx, vm.ID)
}

func TestStartRollsBackOnConfigureFailure(t *testing.T) {
	h := newHarness(t, "drive")
	ctx := context.Background()
	vm, err := h.svc.Create(ctx, "web-5", 1, 128, h.img.ID)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, err = h.svc.Start(ctx, vm.ID)
	if err == nil {
		t.Fatal("expected Start to fail when PutDrive fails")
	}

	got, err := h.svc.Get(ctx, vm.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.StatusError {
		t.Fatalf("status = %s, want error", got.Status)
	}
	if got.Error == "" {
		t.Fatal("expected error message to be recorded")
	}
	if got.PID != nil || got.SocketPath != nil || got.TapDevice != nil {
		t.Fatalf("expected runtime fields cleared after rollback, got %+v", got)
	}
	if len(h.alloc.released) != 1 {
		t.Fatalf("expected network triple released on rollback, released=%v", h.alloc.released)
	}
}

func TestStartRejectsAlreadyRunning(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	vm, err := h.svc.Create(ctx, "web-6", 1, 128, h.img.ID)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := h.svc.Start(ctx, vm.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.svc.Stop(ctx, vm.ID)

	if _, err := h.svc.Start(ctx, vm.ID); err == nil {
		t.Fatal("expected second Start on a running vm to fail")
	}
}

func TestStopReleasesNetworkAndClearsFields(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	vm, err := h.svc.Create(ctx, "web-7", 1, 128, h.img.ID)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := h.svc.Start(ctx, vm.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	stopped, err := h.svc.Stop(ctx, vm.ID)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if stopped.Status != model.StatusStopped {
		t.Fatalf("status = %s, want stopped", stopped.Status)
	}
	if stopped.PID != nil || stopped.SocketPath != nil || stopped.TapDevice != nil || stopped.MACAddress != nil || stopped.IPAddress != nil {
		t.Fatalf("expected all runtime fields nulled, got %+v", stopped)
	}
	if len(h.alloc.released) != 1 {
		t.Fatalf("expected one network release, got %v", h.alloc.released)
	}
}

func TestStopRejectsNotRunning(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	vm, err := h.svc.Create(ctx, "web-8", 1, 128, h.img.ID)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := h.svc.Stop(ctx, vm.ID); err == nil {
		t.Fatal("expected Stop on a stopped vm to fail")
	}
}

func TestDeleteFailsWhenRunning(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	vm, err := h.svc.Create(ctx, "web-9", 1, 128, h.img.ID)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := h.svc.Start(ctx, vm.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.svc.Stop(ctx, vm.ID)

	if err := h.svc.Delete(ctx, vm.ID); err == nil {
		t.Fatal("expected Delete to fail while vm is running")
	}
}

func TestDeleteSucceedsWhenStopped(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()
	vm, err := h.svc.Create(ctx, "web-10", 1, 128, h.img.ID)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.svc.Delete(ctx, vm.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := h.svc.Get(ctx, vm.ID); err == nil {
		t.Fatal("expected Get to fail after delete")
	}
}
