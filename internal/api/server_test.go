package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"

	"github.com/seantiz/ember/internal/config"
	"github.com/seantiz/ember/internal/lifecycle"
	"github.com/seantiz/ember/internal/model"
	"github.com/seantiz/ember/internal/netalloc"
	"github.com/seantiz/ember/internal/pipes"
	"github.com/seantiz/ember/internal/store"
	"github.com/seantiz/ember/internal/supervisor"
	"github.com/seantiz/ember/internal/terminal"
	"github.com/seantiz/ember/internal/vmm"
)

// fakeAllocator and fakeVMMClient satisfy lifecycle.NetworkAllocator and
// lifecycle.VMMClient without touching netlink or a real VMM socket, the
// same shape lifecycle_test.go uses, reproduced here since those types are
// unexported to that package.
type fakeAllocator struct {
	mu sync.Mutex
	n  int
}

func (f *fakeAllocator) Allocate(id string) (*netalloc.Allocation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	return &netalloc.Allocation{
		TapDevice:  fmt.Sprintf("tap%d", f.n),
		MACAddress: "02:00:00:00:00:01",
		IPAddress:  fmt.Sprintf("10.200.0.%d", f.n+1),
	}, nil
}

func (f *fakeAllocator) Release(tapName, ip string) error { return nil }

type fakeVMMClient struct{}

func (f *fakeVMMClient) WaitReady(ctx context.Context, poll time.Duration) error { return nil }

func (f *fakeVMMClient) PutMachineConfig(ctx context.Context, cfg models.MachineConfiguration) error {
	return nil
}
func (f *fakeVMMClient) PutBootSource(ctx context.Context, bs vmm.BootSource) error { return nil }
func (f *fakeVMMClient) PutDrive(ctx context.Context, drive models.Drive) error     { return nil }
func (f *fakeVMMClient) PutNetworkInterface(ctx context.Context, nic vmm.NetworkInterface) error {
	return nil
}
func (f *fakeVMMClient) DoAction(ctx context.Context, actionType string) error { return nil }

type testServerHarness struct {
	srv *Server
	st  store.Store
	img *model.Image
}

func newTestServer(t *testing.T) *testServerHarness {
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

	stubPath := filepath.Join(dir, "stub-vmm.sh")
	if err := os.WriteFile(stubPath, []byte("#!/bin/sh\ntouch \"$2\"; sleep 30\n"), 0755); err != nil {
		t.Fatalf("write stub vmm: %v", err)
	}

	pm := pipes.NewManager(dir)
	sup := supervisor.New(stubPath, pm, 50*time.Millisecond, 200*time.Millisecond, 200*time.Millisecond)

	cfg := config.VMConfig{VMDir: dir, BridgeAddr: "10.200.0.1/24", SocketWait: time.Second}
	alloc := &fakeAllocator{}
	fc := &fakeVMMClient{}

	lc := lifecycle.New(st, alloc, sup, pm, func(string) lifecycle.VMMClient { return fc }, cfg)
	term := terminal.New(st, pm)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(":0", st, lc, term, logger)

	return &testServerHarness{srv: srv, st: st, img: img}
}

// Router exposes the underlying chi router so tests can pass it straight
// to httptest.NewServer without reaching into srv.srv everywhere.
func (h *testServerHarness) Router() http.Handler {
	return h.srv.Router()
}
