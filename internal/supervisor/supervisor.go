// Package supervisor spawns, configures, and tears down one VMM child
// process per VM (C5, §4.5). It owns no persistent registry of its own —
// the lifecycle service (C6) is the source of truth for which VMs exist;
// the supervisor is handed a Handle and acts on it.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/seantiz/ember/internal/ember"
	"github.com/seantiz/ember/internal/pipes"
)

// Handle identifies a spawned VMM child and the resources wired to it.
type Handle struct {
	PID        int
	SocketPath string
	Pipes      pipes.Paths
}

// Supervisor spawns and stops VMM child processes.
type Supervisor struct {
	vmmBinary       string
	pipeMgr         *pipes.Manager
	spawnSettle     time.Duration
	gracefulTimeout time.Duration
	sigtermTimeout  time.Duration
}

// New builds a Supervisor. pipeMgr creates/destroys the FIFO pair for each
// spawned VM (C4). API-socket readiness is polled by the caller via
// vmm.Client.WaitReady, not by the supervisor itself.
func New(vmmBinary string, pipeMgr *pipes.Manager, spawnSettle, gracefulTimeout, sigtermTimeout time.Duration) *Supervisor {
	return &Supervisor{
		vmmBinary:       vmmBinary,
		pipeMgr:         pipeMgr,
		spawnSettle:     spawnSettle,
		gracefulTimeout: gracefulTimeout,
		sigtermTimeout:  sigtermTimeout,
	}
}

// Spawn ensures the socket directory exists, removes any stale socket,
// creates the VM's pipes, and starts the VMM binary with its stdio wired
// to them. If the child exits within the settling window, all created
// resources are cleaned up and KindSpawn is returned.
func (s *Supervisor) Spawn(id, socketPath string, logWriter *os.File) (*Handle, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return nil, ember.Wrap(ember.KindHostOp, "create socket directory", err)
	}
	os.Remove(socketPath)

	p, err := s.pipeMgr.Create(id)
	if err != nil {
		return nil, err
	}

	stdinPipe, err := pipes.OpenReadWrite(p.Stdin)
	if err != nil {
		s.pipeMgr.Destroy(id)
		return nil, err
	}
	defer stdinPipe.Close()

	stdoutPipe, err := pipes.OpenReadWrite(p.Stdout)
	if err != nil {
		s.pipeMgr.Destroy(id)
		return nil, err
	}
	defer stdoutPipe.Close()

	cmd := exec.Command(s.vmmBinary, "--api-sock", socketPath)
	cmd.Stdin = stdinPipe
	cmd.Stdout = stdoutPipe
	cmd.Stderr = logWriter
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		s.pipeMgr.Destroy(id)
		return nil, ember.Wrap(ember.KindSpawn, "start vmm process", err)
	}
	pid := cmd.Process.Pid

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	select {
	case err := <-exited:
		s.pipeMgr.Destroy(id)
		os.Remove(socketPath)
		return nil, ember.Wrap(ember.KindSpawn, fmt.Sprintf("vmm process exited during settling window: %v", err), err)
	case <-time.After(s.spawnSettle):
	}

	return &Handle{PID: pid, SocketPath: socketPath, Pipes: p}, nil
}

// IsAlive reports whether pid refers to a live process. This is
// best-effort: on POSIX, sending signal 0 checks existence and permission
// without affecting the process.
func IsAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// StopOptions tunes the two-phase shutdown.
type StopOptions struct {
	// SendCtrlAltDel issues Phase 1 (graceful shutdown request over the
	// VMM API) before falling back to SIGTERM. Callers that already know
	// the API is unreachable may leave this nil to skip straight to
	// Phase 2.
	SendCtrlAltDel func() error
}

// Stop performs the two-phase shutdown (§4.5): phase 1 invokes
// opts.SendCtrlAltDel (if set) and polls for exit up to GracefulTimeout;
// phase 2 sends SIGTERM and polls up to SigtermTimeout. If the process is
// still alive, it is sent SIGKILL and polled for up to two more seconds;
// if it survives that too, a KindSpawn error ("vmm process <pid> did not
// exit") is returned. On success, the VM's pipes and socket file are
// removed.
func (s *Supervisor) Stop(ctx context.Context, id string, handle *Handle, opts StopOptions) error {
	if opts.SendCtrlAltDel != nil {
		if err := opts.SendCtrlAltDel(); err == nil {
			if s.waitExit(handle.PID, s.gracefulTimeout) {
				return s.cleanup(id, handle)
			}
		}
	}

	proc, err := os.FindProcess(handle.PID)
	if err == nil {
		_ = proc.Signal(syscall.SIGTERM)
	}
	if s.waitExit(handle.PID, s.sigtermTimeout) {
		return s.cleanup(id, handle)
	}

	if proc != nil {
		_ = proc.Kill()
	}
	if s.waitExit(handle.PID, 2*time.Second) {
		return s.cleanup(id, handle)
	}

	vmStopFailuresTotal.Inc()
	return ember.New(ember.KindSpawn, fmt.Sprintf("vmm process %d did not exit", handle.PID))
}

func (s *Supervisor) waitExit(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !IsAlive(pid) {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return !IsAlive(pid)
}

func (s *Supervisor) cleanup(id string, handle *Handle) error {
	s.pipeMgr.Destroy(id)
	os.Remove(handle.SocketPath)
	return nil
}
