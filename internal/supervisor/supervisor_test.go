package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/seantiz/ember/internal/pipes"
)

// writeStubVMM writes a small shell script that ignores the --api-sock
// argument Spawn() always appends and runs body instead, standing in for
// the real Firecracker binary in tests.
func writeStubVMM(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "stub-vmm.sh")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("write stub vmm: %v", err)
	}
	return path
}

func newTestSupervisor(dir, vmmBinary string) *Supervisor {
	pm := pipes.NewManager(dir)
	return New(vmmBinary, pm, 50*time.Millisecond, 200*time.Millisecond, 200*time.Millisecond)
}

func TestSpawnAndStopGraceful(t *testing.T) {
	dir := t.TempDir()
	stub := writeStubVMM(t, dir, "sleep 30")
	s := newTestSupervisor(dir, stub)

	socketPath := filepath.Join(dir, "vm1.sock")
	logFile, err := os.CreateTemp(dir, "log")
	if err != nil {
		t.Fatalf("create log file: %v", err)
	}
	defer logFile.Close()

	h, err := s.Spawn("vm1", socketPath, logFile)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if !IsAlive(h.PID) {
		t.Fatal("expected spawned process to be alive")
	}
	if _, err := os.Stat(h.Pipes.Stdin); err != nil {
		t.Fatalf("expected stdin fifo to exist: %v", err)
	}

	if err := s.Stop(context.Background(), "vm1", h, StopOptions{}); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if IsAlive(h.PID) {
		t.Fatal("expected process to be stopped")
	}
	if _, err := os.Stat(h.Pipes.Stdin); !os.IsNotExist(err) {
		t.Fatalf("expected stdin fifo removed after stop, stat err = %v", err)
	}
}

func TestSpawnFailsOnImmediateExit(t *testing.T) {
	dir := t.TempDir()
	stub := writeStubVMM(t, dir, "exit 0")
	s := newTestSupervisor(dir, stub)

	socketPath := filepath.Join(dir, "vm2.sock")
	logFile, err := os.CreateTemp(dir, "log")
	if err != nil {
		t.Fatalf("create log file: %v", err)
	}
	defer logFile.Close()

	_, err = s.Spawn("vm2", socketPath, logFile)
	if err == nil {
		t.Fatal("expected error when vmm process exits during settling window")
	}
	if _, statErr := os.Stat(filepath.Join(dir, "vm2.stdin")); !os.IsNotExist(statErr) {
		t.Fatal("expected pipes to be cleaned up after spawn failure")
	}
}

func TestIsAliveFalseForReapedPID(t *testing.T) {
	if IsAlive(999999) {
		t.Fatal("expected a very unlikely pid to be reported not alive")
	}
}

func TestStopFallsBackToSigterm(t *testing.T) {
	dir := t.TempDir()
	// Ignore SIGTERM would require trap; sh without traps exits on SIGTERM
	// by default, so this still exercises the phase-2 path meaningfully:
	// SendCtrlAltDel reports success but the stub ignores it, so once the
	// graceful window expires Stop falls back to SIGTERM.
	stub := writeStubVMM(t, dir, "sleep 30")
	s := newTestSupervisor(dir, stub)

	socketPath := filepath.Join(dir, "vm3.sock")
	logFile, err := os.CreateTemp(dir, "log")
	if err != nil {
		t.Fatalf("create log file: %v", err)
	}
	defer logFile.Close()

	h, err := s.Spawn("vm3", socketPath, logFile)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	ctaCalled := false
	err = s.Stop(context.Background(), "vm3", h, StopOptions{
		SendCtrlAltDel: func() error {
			ctaCalled = true
			return nil // "succeeds" but the stub doesn't actually shut down on it
		},
	})
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !ctaCalled {
		t.Fatal("expected SendCtrlAltDel to be invoked")
	}
	if IsAlive(h.PID) {
		t.Fatal("expected process to be stopped via sigterm fallback")
	}
}
